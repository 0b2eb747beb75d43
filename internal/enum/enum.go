package enum

// ── Gateway transaction statuses (verbatim provider values) ──

const (
	GatewayStatusSettlement = "settlement"
	GatewayStatusCapture    = "capture"
	GatewayStatusPending    = "pending"
	GatewayStatusDeny       = "deny"
	GatewayStatusCancel     = "cancel"
	GatewayStatusExpire     = "expire"
	GatewayStatusFailure    = "failure"
)

const (
	FraudStatusAccept    = "accept"
	FraudStatusChallenge = "challenge"
	FraudStatusDeny      = "deny"
)

// ── Reconciliation sources ──

const (
	SourceWebhook = "webhook"
	SourcePoll    = "poll"
	SourceSweeper = "sweeper"
	SourceStaff   = "staff"
)

// ── Post-commit events ──

const (
	EventOrderCreated        = "order.created"
	EventOrderPaid           = "order.paid"
	EventOrderCancelled      = "order.cancelled"
	EventOrderStatusChanged  = "order.status_changed"
	EventOrderReviewRequired = "order.review_required"
	EventProductLowStock     = "product.low_stock"
	EventProductOutOfStock   = "product.out_of_stock"
)

// ── Roles carried in the bearer token ──

const (
	UserRoleOwner    = "OWNER"
	UserRoleCashier  = "CASHIER"
	UserRoleKitchen  = "KITCHEN"
	UserRoleCustomer = "CUSTOMER"
)

// ── Cart validation issues ──

const (
	CartIssueNotFound     = "not_found"
	CartIssueClosed       = "closed"
	CartIssueOutOfStock   = "out_of_stock"
	CartIssueInsufficient = "insufficient"
	CartIssueInvalidQty   = "invalid_quantity"
)
