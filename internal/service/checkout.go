package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/kiwari-pos/checkout/internal/database"
	"github.com/kiwari-pos/checkout/internal/enum"
	"github.com/kiwari-pos/checkout/internal/gateway"
	"github.com/kiwari-pos/checkout/internal/metrics"
	"github.com/kiwari-pos/checkout/internal/notify"
)

const (
	maxCheckoutRetries    = 3
	maxOrderCodeAttempts  = 5
	defaultChargeTimeout  = 10 * time.Second
	maxNotesLength        = 500
	orderCodePrefix       = "ORD-"
	orderCodeLength       = 8
	idempotencyConstraint = "orders_live_idempotency_key_idx"
)

// Errors returned by the checkout service.
var (
	ErrEmptyItems           = errors.New("items are required")
	ErrInvalidProductID     = errors.New("invalid product_id")
	ErrInvalidPaymentMethod = errors.New("payment_method must be cash or gateway")
	ErrInvalidCustomer      = errors.New("a valid customer email is required")
	ErrNotesTooLong         = errors.New("notes are too long")
	ErrStoreClosed          = errors.New("the store is closed")
	ErrGatewayChargeFailed  = errors.New("could not create the payment, please try again")
	ErrOrderCodeExhausted   = errors.New("could not allocate an order code")
)

// retryable unique constraints: a concurrent transaction won the value.
var retryableConstraints = []string{
	"orders_order_code_key",
	"orders_gateway_reference_key",
	"orders_queue_date_queue_number_key",
}

type CheckoutRequest struct {
	CustomerID     uuid.UUID
	CustomerEmail  string
	CustomerName   string
	Items          []CartItem
	PaymentMethod  database.PaymentMethod
	DiscountCode   string
	Notes          string
	IdempotencyKey string
}

// CheckoutResult is the created order. Replayed is true when an earlier
// order with the same idempotency key was returned instead.
type CheckoutResult struct {
	Order    database.Order
	Lines    []database.OrderLine
	Replayed bool
}

type CheckoutConfig struct {
	QueueWidth      int
	DuplicateWindow time.Duration
	MaxAttempts     int
	ChargeTimeout   time.Duration
	// AmountPlaces is how many decimals order amounts keep. The gateway
	// only charges whole units, so zero is the default.
	AmountPlaces int32
}

// CheckoutService turns a cart into an order and, for gateway payments,
// a hosted payment page.
type CheckoutService struct {
	db         DB
	newStore   NewStore
	gw         gateway.Gateway
	dispatcher EventDispatcher
	ledger     InventoryLedger
	queue      QueueSequencer
	guard      OrderHashGuard
	chargeTTL  time.Duration
	log        *slog.Logger

	amountPlaces int32

	now     func() time.Time
	newCode func() string
}

func NewCheckoutService(db DB, newStore NewStore, gw gateway.Gateway, dispatcher EventDispatcher, cfg CheckoutConfig, log *slog.Logger) *CheckoutService {
	ttl := cfg.ChargeTimeout
	if ttl <= 0 {
		ttl = defaultChargeTimeout
	}
	return &CheckoutService{
		db:           db,
		newStore:     newStore,
		gw:           gw,
		dispatcher:   dispatcher,
		queue:        NewQueueSequencer(cfg.QueueWidth),
		guard:        NewOrderHashGuard(cfg.DuplicateWindow, cfg.MaxAttempts),
		chargeTTL:    ttl,
		amountPlaces: cfg.AmountPlaces,
		log:          log,
		now:          time.Now,
		newCode:      randomOrderCode,
	}
}

type checkoutOutcome struct {
	order    database.Order
	lines    []database.OrderLine
	events   []notify.Event
	replayed bool
}

// Checkout reserves stock and a queue number and persists the order in one
// transaction. Gateway orders then get a charge; if that fails the order is
// cancelled and its stock returned before the error is reported.
func (s *CheckoutService) Checkout(ctx context.Context, req CheckoutRequest) (*CheckoutResult, error) {
	req, err := normalizeCheckoutRequest(req)
	if err != nil {
		return nil, err
	}

	var out *checkoutOutcome
	var lastErr error
	for attempt := 0; attempt < maxCheckoutRetries; attempt++ {
		out, lastErr = s.checkoutTx(ctx, req)
		if lastErr == nil {
			break
		}
		if isUniqueViolation(lastErr, idempotencyConstraint) {
			// A concurrent request with the same key committed first.
			existing, err := s.newStore(s.db).GetOrderByIdempotencyKey(ctx, database.GetOrderByIdempotencyKeyParams{
				CustomerEmail:  req.CustomerEmail,
				IdempotencyKey: req.IdempotencyKey,
			})
			if err != nil {
				return nil, fmt.Errorf("load order for idempotency key: %w", err)
			}
			out, lastErr = &checkoutOutcome{order: existing, replayed: true}, nil
			break
		}
		if isRetryableConflict(lastErr) {
			s.log.Warn("checkout conflict, retrying", "attempt", attempt+1, "err", lastErr)
			continue
		}
		break
	}
	if lastErr != nil {
		metrics.Checkouts.WithLabelValues(string(req.PaymentMethod), checkoutResultLabel(lastErr)).Inc()
		return nil, lastErr
	}

	if out.replayed {
		metrics.Checkouts.WithLabelValues(string(req.PaymentMethod), "replayed").Inc()
		lines, err := database.DecodeOrderLines(out.order.Items)
		if err != nil {
			s.log.Error("replayed order has unreadable items", "order_code", out.order.OrderCode, "err", err)
		}
		return &CheckoutResult{Order: out.order, Lines: lines, Replayed: true}, nil
	}

	order := out.order
	if order.PaymentMethod == database.PaymentMethodGateway {
		order, err = s.attachCharge(ctx, req, order)
		if err != nil {
			metrics.Checkouts.WithLabelValues(string(req.PaymentMethod), "charge_failed").Inc()
			return nil, err
		}
	}

	metrics.Checkouts.WithLabelValues(string(req.PaymentMethod), "created").Inc()
	s.dispatcher.Dispatch(ctx, out.events...)
	return &CheckoutResult{Order: order, Lines: out.lines}, nil
}

func (s *CheckoutService) checkoutTx(ctx context.Context, req CheckoutRequest) (*checkoutOutcome, error) {
	now := s.now()
	var out checkoutOutcome

	err := inTx(ctx, s.db, s.newStore, func(store Store) error {
		// The key is read under the customer lock: a retry that waited on the
		// original request replays it instead of tripping the duplicate check.
		if err := s.guard.Lock(ctx, store, req.CustomerEmail); err != nil {
			return err
		}
		existing, err := s.guard.CheckIdempotencyKey(ctx, store, req.CustomerEmail, req.IdempotencyKey)
		if err != nil {
			return err
		}
		if existing != nil {
			// Replays are answered even after closing time.
			out = checkoutOutcome{order: *existing, replayed: true}
			return nil
		}

		settings, err := store.GetStoreSettings(ctx)
		if err != nil {
			return fmt.Errorf("get store settings: %w", err)
		}
		loc := storeLocation(settings)
		if !storeOpen(settings, now, loc) {
			return ErrStoreClosed
		}

		hash := OrderHash(req.CustomerEmail, req.Items, req.PaymentMethod, req.Notes, req.DiscountCode)
		if err := s.guard.Check(ctx, store, req.CustomerEmail, hash, now); err != nil {
			return err
		}

		reserved, err := s.ledger.Reserve(ctx, store, req.Items)
		if err != nil {
			return err
		}

		// Prices come from the rows locked by Reserve, never from the client.
		subtotal := decimal.Zero
		var totalItems int32
		lines := make([]database.OrderLine, 0, len(reserved))
		for _, r := range reserved {
			lineTotal := r.UnitPrice.Mul(decimal.NewFromInt32(r.Quantity))
			subtotal = subtotal.Add(lineTotal)
			totalItems += r.Quantity
			lines = append(lines, database.OrderLine{
				ProductID: r.ProductID,
				Name:      r.Name,
				UnitPrice: r.UnitPrice,
				Quantity:  r.Quantity,
				Subtotal:  lineTotal,
			})
		}
		items, err := database.EncodeOrderLines(lines)
		if err != nil {
			return err
		}

		discount, err := ResolveDiscount(ctx, store, req.DiscountCode, subtotal, now)
		if err != nil {
			return err
		}
		totals := CalculateTotals(subtotal, discount, numericToDecimal(settings.TaxPercentage), s.amountPlaces)

		queueNumber, err := s.queue.Next(ctx, store, now, loc)
		if err != nil {
			return err
		}
		code, err := s.allocateOrderCode(ctx, store)
		if err != nil {
			return err
		}

		params := database.CreateOrderParams{
			OrderCode:      code,
			QueueNumber:    queueNumber,
			QueueDate:      calendarDate(now, loc),
			CustomerID:     req.CustomerID,
			CustomerEmail:  req.CustomerEmail,
			CustomerName:   req.CustomerName,
			Items:          items,
			TotalItems:     totalItems,
			Subtotal:       decimalToNumeric(totals.Subtotal),
			DiscountAmount: decimalToNumeric(totals.DiscountAmount),
			TaxAmount:      decimalToNumeric(totals.TaxAmount),
			TotalAmount:    decimalToNumeric(totals.Total),
			Notes:          textOrNull(req.Notes),
			PaymentMethod:  req.PaymentMethod,
			PaymentStatus:  database.PaymentStatusPending,
			Status:         database.OrderStatusWaiting,
			OrderHash:      hash,
			IdempotencyKey: textOrNull(req.IdempotencyKey),
			LastAttemptAt:  now,
		}
		if discount != nil {
			params.DiscountID.Int64, params.DiscountID.Valid = discount.ID, true
		}
		if req.PaymentMethod == database.PaymentMethodGateway {
			params.Status = database.OrderStatusWaitingForPayment
			params.GatewayReference = textOrNull(gatewayReference(code))
		}

		order, err := store.CreateOrder(ctx, params)
		if err != nil {
			return fmt.Errorf("create order: %w", err)
		}

		out = checkoutOutcome{order: order, lines: lines}
		if order.PaymentMethod == database.PaymentMethodCash {
			out.events = append(out.events, notify.Event{
				Type:          enum.EventOrderCreated,
				OrderCode:     order.OrderCode,
				QueueNumber:   order.QueueNumber,
				CustomerEmail: order.CustomerEmail,
				Status:        string(order.Status),
				PaymentStatus: string(order.PaymentStatus),
				At:            now,
			})
		}
		out.events = append(out.events, StockAlerts(reserved, now)...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// attachCharge runs after the order is committed so no row lock is held
// across the network call.
func (s *CheckoutService) attachCharge(ctx context.Context, req CheckoutRequest, order database.Order) (database.Order, error) {
	chargeCtx, cancel := context.WithTimeout(ctx, s.chargeTTL)
	defer cancel()

	charge, err := s.gw.CreateCharge(chargeCtx, gateway.ChargeRequest{
		Reference:     order.GatewayReference.String,
		Amount:        numericToDecimal(order.TotalAmount),
		CustomerName:  req.CustomerName,
		CustomerEmail: req.CustomerEmail,
	})
	if err != nil {
		s.log.Error("create charge failed, cancelling order", "order_code", order.OrderCode, "err", err)
		if rbErr := s.abandon(ctx, order.ID); rbErr != nil {
			s.log.Error("cancel order after charge failure", "order_code", order.OrderCode, "err", rbErr)
		}
		return order, fmt.Errorf("%w: %w", ErrGatewayChargeFailed, err)
	}

	var updated database.Order
	err = inTx(ctx, s.db, s.newStore, func(store Store) error {
		o, err := store.UpdateOrderGatewayCharge(ctx, database.UpdateOrderGatewayChargeParams{
			ID:                 order.ID,
			GatewayToken:       textOrNull(charge.Token),
			GatewayRedirectUrl: textOrNull(charge.RedirectURL),
		})
		updated = o
		return err
	})
	if err != nil {
		// The reference is already stored, so webhook and poll still resolve
		// the order; only the stored redirect link is missing.
		s.log.Error("store charge token", "order_code", order.OrderCode, "err", err)
		order.GatewayToken = textOrNull(charge.Token)
		order.GatewayRedirectUrl = textOrNull(charge.RedirectURL)
		return order, nil
	}
	return updated, nil
}

// abandon cancels an order whose charge could not be created. Payment is
// marked failed so the idempotency key can be reused.
func (s *CheckoutService) abandon(ctx context.Context, orderID int64) error {
	// The request may already be cancelled; the stock must still come back.
	ctx = context.WithoutCancel(ctx)
	return inTx(ctx, s.db, s.newStore, func(store Store) error {
		order, err := store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return fmt.Errorf("lock order: %w", err)
		}
		if order.PaymentStatus != database.PaymentStatusPending {
			return nil
		}
		_, _, _, err = cancelOrder(ctx, store, s.ledger, order, database.PaymentStatusFailed, "gateway charge failed", s.now())
		return err
	})
}

// VerifyDiscount quotes the discount checkout would apply to amount.
func (s *CheckoutService) VerifyDiscount(ctx context.Context, code string, amount decimal.Decimal) (*database.Discount, decimal.Decimal, error) {
	if amount.IsNegative() {
		return nil, decimal.Zero, ErrInvalidDiscount
	}
	d, err := ResolveDiscount(ctx, s.newStore(s.db), code, amount, s.now())
	if err != nil {
		return nil, decimal.Zero, err
	}
	if d == nil {
		return nil, decimal.Zero, nil
	}
	return d, CalculateTotals(amount, d, decimal.Zero, s.amountPlaces).DiscountAmount, nil
}

// ValidateCart is the read-only stock pre-check.
func (s *CheckoutService) ValidateCart(ctx context.Context, items []CartItem) ([]CartIssue, error) {
	if len(items) == 0 {
		return nil, ErrEmptyItems
	}
	return s.ledger.Validate(ctx, s.newStore(s.db), items)
}

func (s *CheckoutService) allocateOrderCode(ctx context.Context, store Store) (string, error) {
	for i := 0; i < maxOrderCodeAttempts; i++ {
		code := s.newCode()
		exists, err := store.OrderCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("check order code: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
	return "", ErrOrderCodeExhausted
}

func normalizeCheckoutRequest(req CheckoutRequest) (CheckoutRequest, error) {
	req.CustomerEmail = strings.ToLower(strings.TrimSpace(req.CustomerEmail))
	if _, err := mail.ParseAddress(req.CustomerEmail); err != nil {
		return req, ErrInvalidCustomer
	}
	req.CustomerName = strings.TrimSpace(req.CustomerName)
	if len(req.Items) == 0 {
		return req, ErrEmptyItems
	}
	for i, it := range req.Items {
		if it.ProductID <= 0 {
			return req, fmt.Errorf("item[%d]: %w", i, ErrInvalidProductID)
		}
		if it.Quantity <= 0 {
			return req, fmt.Errorf("item[%d]: %w", i, ErrInvalidQuantity)
		}
	}
	switch req.PaymentMethod {
	case database.PaymentMethodCash, database.PaymentMethodGateway:
	default:
		return req, ErrInvalidPaymentMethod
	}
	req.Notes = strings.TrimSpace(req.Notes)
	if len(req.Notes) > maxNotesLength {
		return req, ErrNotesTooLong
	}
	req.DiscountCode = normalizeDiscountCode(req.DiscountCode)
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = uuid.NewString()
	}
	return req, nil
}

func isRetryableConflict(err error) bool {
	for _, c := range retryableConstraints {
		if isUniqueViolation(err, c) {
			return true
		}
	}
	return false
}

func checkoutResultLabel(err error) string {
	var stockErr *StockError
	switch {
	case errors.As(err, &stockErr):
		return "stock"
	case errors.Is(err, ErrStoreClosed):
		return "store_closed"
	case errors.Is(err, ErrDuplicateOrder):
		return "duplicate"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrInvalidDiscount):
		return "invalid_discount"
	}
	return "error"
}

func randomOrderCode() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return orderCodePrefix + strings.ToUpper(id[:orderCodeLength])
}

// gatewayReference is unique per attempt so a retried checkout never hits
// the provider's duplicate order_id check.
func gatewayReference(orderCode string) string {
	return orderCode + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

func storeLocation(s database.StoreSetting) *time.Location {
	if s.Timezone != "" {
		if loc, err := time.LoadLocation(s.Timezone); err == nil {
			return loc
		}
	}
	return time.UTC
}

// storeOpen checks the manual switch and, when configured, opening hours.
// Hours with closes_at before opens_at span midnight.
func storeOpen(s database.StoreSetting, now time.Time, loc *time.Location) bool {
	if !s.IsOpen {
		return false
	}
	if !s.OpensAt.Valid || !s.ClosesAt.Valid {
		return true
	}
	local := now.In(loc)
	y, m, d := local.Date()
	sinceMidnight := local.Sub(time.Date(y, m, d, 0, 0, 0, 0, loc)).Microseconds()
	opens, closes := s.OpensAt.Microseconds, s.ClosesAt.Microseconds
	if opens == closes {
		return true
	}
	if opens < closes {
		return sinceMidnight >= opens && sinceMidnight < closes
	}
	return sinceMidnight >= opens || sinceMidnight < closes
}
