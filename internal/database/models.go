package database

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type PaymentMethod string

const (
	PaymentMethodCash    PaymentMethod = "cash"
	PaymentMethodGateway PaymentMethod = "gateway"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusPaid      PaymentStatus = "paid"
	PaymentStatusExpired   PaymentStatus = "expired"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusChallenge PaymentStatus = "challenge"
)

// IsTerminal reports whether no further reconciliation may change the status.
func (s PaymentStatus) IsTerminal() bool {
	return s == PaymentStatusPaid || s == PaymentStatusExpired || s == PaymentStatusFailed
}

type OrderStatus string

const (
	OrderStatusWaitingForPayment    OrderStatus = "waiting_for_payment"
	OrderStatusWaiting              OrderStatus = "waiting"
	OrderStatusAwaitingConfirmation OrderStatus = "awaiting_confirmation"
	OrderStatusCompleted            OrderStatus = "completed"
	OrderStatusCancelled            OrderStatus = "cancelled"
)

type Product struct {
	ID                int64
	Name              string
	Price             pgtype.Numeric
	Stock             int32
	LowStockThreshold int32
	Closed            bool
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

type QueueCounter struct {
	CounterDate pgtype.Date
	LastNumber  int32
}

type Discount struct {
	ID           int64
	Code         pgtype.Text
	Name         string
	Percentage   pgtype.Numeric
	MinPurchase  pgtype.Numeric
	RequiresCode bool
	Active       bool
	StartsAt     pgtype.Timestamptz
	EndsAt       pgtype.Timestamptz
	CreatedAt    time.Time
}

type StoreSetting struct {
	ID            int32
	TaxPercentage pgtype.Numeric
	IsOpen        bool
	OpensAt       pgtype.Time
	ClosesAt      pgtype.Time
	Timezone      string
	UpdatedAt     time.Time
}

type Order struct {
	ID                     int64
	OrderCode              string
	QueueNumber            string
	QueueDate              pgtype.Date
	CustomerID             uuid.UUID
	CustomerEmail          string
	CustomerName           string
	Items                  []byte
	TotalItems             int32
	Subtotal               pgtype.Numeric
	DiscountID             pgtype.Int8
	DiscountAmount         pgtype.Numeric
	TaxAmount              pgtype.Numeric
	TotalAmount            pgtype.Numeric
	Notes                  pgtype.Text
	PaymentMethod          PaymentMethod
	PaymentStatus          PaymentStatus
	GatewayReference       pgtype.Text
	GatewayRawStatus       pgtype.Text
	GatewayToken           pgtype.Text
	GatewayRedirectUrl     pgtype.Text
	PaidAt                 pgtype.Timestamptz
	Status                 OrderStatus
	ConfirmationNotifiedAt pgtype.Timestamptz
	CancelledAt            pgtype.Timestamptz
	NeedsReview            bool
	ReviewReason           pgtype.Text
	OrderHash              string
	IdempotencyKey         pgtype.Text
	LastAttemptAt          time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
}
