package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/kiwari-pos/checkout/internal/database"
	"github.com/kiwari-pos/checkout/internal/enum"
	"github.com/kiwari-pos/checkout/internal/gateway"
	"github.com/kiwari-pos/checkout/internal/metrics"
	"github.com/kiwari-pos/checkout/internal/notify"
)

const defaultQueryTimeout = 10 * time.Second

var ErrOrderNotFound = errors.New("order not found")

type Outcome string

const (
	OutcomeApplied  Outcome = "applied"
	OutcomeNoop     Outcome = "noop"
	OutcomeConflict Outcome = "conflict"
)

// NormalizeStatus maps a verbatim provider status to a payment status.
// Anything unrecognised stays pending rather than being taken as success.
func NormalizeStatus(raw, fraud string) database.PaymentStatus {
	switch raw {
	case enum.GatewayStatusSettlement:
		return database.PaymentStatusPaid
	case enum.GatewayStatusCapture:
		switch fraud {
		case "", enum.FraudStatusAccept:
			return database.PaymentStatusPaid
		case enum.FraudStatusChallenge:
			return database.PaymentStatusChallenge
		case enum.FraudStatusDeny:
			return database.PaymentStatusFailed
		}
		return database.PaymentStatusPending
	case enum.GatewayStatusDeny, enum.GatewayStatusCancel, enum.GatewayStatusFailure:
		return database.PaymentStatusFailed
	case enum.GatewayStatusExpire:
		return database.PaymentStatusExpired
	}
	return database.PaymentStatusPending
}

// Decision is what Transition wants done to a locked order row.
type Decision struct {
	Outcome Outcome
	// Update is nil when the row must not be written.
	Update *database.UpdateOrderPaymentParams
	// Cancel runs the cancellation routine after Update.
	Cancel       bool
	CancelStatus database.PaymentStatus
	Events       []notify.Event
	Reason       string
}

// Transition decides how a normalized gateway status changes order. It has
// no side effects; callers hold the row lock while applying the result.
func Transition(order database.Order, incoming database.PaymentStatus, raw string, now time.Time) Decision {
	if order.PaymentMethod != database.PaymentMethodGateway {
		return Decision{Outcome: OutcomeNoop, Reason: "not a gateway order"}
	}
	current := order.PaymentStatus

	if order.CancelledAt.Valid || current.IsTerminal() {
		if incoming == current {
			return Decision{Outcome: OutcomeNoop}
		}
		lateSuccess := incoming == database.PaymentStatusPaid
		lateFailure := current == database.PaymentStatusPaid &&
			(incoming == database.PaymentStatusExpired || incoming == database.PaymentStatusFailed)
		if !lateSuccess && !lateFailure {
			return Decision{Outcome: OutcomeNoop}
		}

		// The first terminal state stands. A human decides about refunds.
		state := string(current)
		if order.CancelledAt.Valid {
			state = "cancelled"
		}
		reason := fmt.Sprintf("gateway reported %q after order was %s", raw, state)
		if order.NeedsReview && order.ReviewReason.String == reason {
			return Decision{Outcome: OutcomeConflict, Reason: reason}
		}
		upd := paymentUpdate(order)
		upd.GatewayRawStatus = textOrNull(raw)
		upd.NeedsReview = true
		upd.ReviewReason = textOrNull(reason)
		return Decision{
			Outcome: OutcomeConflict,
			Update:  &upd,
			Reason:  reason,
			Events:  []notify.Event{orderEvent(enum.EventOrderReviewRequired, order, reason, now)},
		}
	}

	switch incoming {
	case database.PaymentStatusPaid:
		upd := paymentUpdate(order)
		upd.PaymentStatus = database.PaymentStatusPaid
		upd.GatewayRawStatus = textOrNull(raw)
		upd.PaidAt = timestamptz(now)
		upd.Status = database.OrderStatusWaiting
		clearChallenge(order, &upd)
		d := Decision{Outcome: OutcomeApplied, Update: &upd}
		if !order.ConfirmationNotifiedAt.Valid {
			upd.ConfirmationNotifiedAt = timestamptz(now)
			ev := orderEvent(enum.EventOrderPaid, order, "", now)
			ev.Status = string(database.OrderStatusWaiting)
			ev.PaymentStatus = string(database.PaymentStatusPaid)
			d.Events = append(d.Events, ev)
		}
		return d

	case database.PaymentStatusExpired, database.PaymentStatusFailed:
		upd := paymentUpdate(order)
		upd.PaymentStatus = incoming
		upd.GatewayRawStatus = textOrNull(raw)
		clearChallenge(order, &upd)
		return Decision{Outcome: OutcomeApplied, Update: &upd, Cancel: true, CancelStatus: incoming}

	case database.PaymentStatusChallenge:
		if current == database.PaymentStatusChallenge {
			return rawStatusOnly(order, raw)
		}
		reason := "payment held for fraud review"
		upd := paymentUpdate(order)
		upd.PaymentStatus = database.PaymentStatusChallenge
		upd.GatewayRawStatus = textOrNull(raw)
		upd.NeedsReview = true
		upd.ReviewReason = textOrNull(reason)
		return Decision{
			Outcome: OutcomeApplied,
			Update:  &upd,
			Reason:  reason,
			Events:  []notify.Event{orderEvent(enum.EventOrderReviewRequired, order, reason, now)},
		}
	}
	return rawStatusOnly(order, raw)
}

// rawStatusOnly keeps the verbatim provider status for audit when the
// normalized status does not move.
func rawStatusOnly(order database.Order, raw string) Decision {
	if raw == "" || order.GatewayRawStatus.String == raw {
		return Decision{Outcome: OutcomeNoop}
	}
	upd := paymentUpdate(order)
	upd.GatewayRawStatus = textOrNull(raw)
	return Decision{Outcome: OutcomeApplied, Update: &upd}
}

func clearChallenge(order database.Order, upd *database.UpdateOrderPaymentParams) {
	if order.PaymentStatus == database.PaymentStatusChallenge {
		upd.NeedsReview = false
		upd.ReviewReason = pgtype.Text{}
	}
}

func paymentUpdate(o database.Order) database.UpdateOrderPaymentParams {
	return database.UpdateOrderPaymentParams{
		ID:                     o.ID,
		PaymentStatus:          o.PaymentStatus,
		GatewayRawStatus:       o.GatewayRawStatus,
		PaidAt:                 o.PaidAt,
		Status:                 o.Status,
		ConfirmationNotifiedAt: o.ConfirmationNotifiedAt,
		NeedsReview:            o.NeedsReview,
		ReviewReason:           o.ReviewReason,
	}
}

func orderEvent(typ string, o database.Order, reason string, now time.Time) notify.Event {
	return notify.Event{
		Type:          typ,
		OrderCode:     o.OrderCode,
		QueueNumber:   o.QueueNumber,
		CustomerEmail: o.CustomerEmail,
		Status:        string(o.Status),
		PaymentStatus: string(o.PaymentStatus),
		Reason:        reason,
		At:            now,
	}
}

// Lookup identifies the order a gateway signal is about. Reference is
// tried first; OrderCode (or Reference read as a code) is the fallback.
type Lookup struct {
	Reference string
	OrderCode string
}

type ApplyResult struct {
	Order   database.Order
	Outcome Outcome
	Reason  string
}

// Reconciler merges webhook pushes and client polls into one payment state.
type Reconciler struct {
	db           DB
	newStore     NewStore
	gw           gateway.Gateway
	dispatcher   EventDispatcher
	ledger       InventoryLedger
	serverKey    string
	queryTimeout time.Duration
	log          *slog.Logger
	now          func() time.Time
}

func NewReconciler(db DB, newStore NewStore, gw gateway.Gateway, dispatcher EventDispatcher, serverKey string, queryTimeout time.Duration, log *slog.Logger) *Reconciler {
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	return &Reconciler{
		db:           db,
		newStore:     newStore,
		gw:           gw,
		dispatcher:   dispatcher,
		serverKey:    serverKey,
		queryTimeout: queryTimeout,
		log:          log,
		now:          time.Now,
	}
}

// Apply locks the order, runs Transition and persists the decision in one
// transaction. Events are dispatched only after commit.
func (r *Reconciler) Apply(ctx context.Context, lookup Lookup, raw, fraud, source string) (*ApplyResult, error) {
	now := r.now()
	incoming := NormalizeStatus(raw, fraud)
	var res ApplyResult
	var events []notify.Event

	err := inTx(ctx, r.db, r.newStore, func(store Store) error {
		order, err := lockOrder(ctx, store, lookup)
		if err != nil {
			return err
		}

		d := Transition(order, incoming, raw, now)
		res = ApplyResult{Order: order, Outcome: d.Outcome, Reason: d.Reason}
		events = d.Events

		if d.Update != nil {
			order, err = store.UpdateOrderPayment(ctx, *d.Update)
			if err != nil {
				return fmt.Errorf("update payment %s: %w", order.OrderCode, err)
			}
		}
		if d.Cancel {
			var cancelEvents []notify.Event
			order, cancelEvents, _, err = cancelOrder(ctx, store, r.ledger, order, d.CancelStatus, "payment "+string(d.CancelStatus), now)
			if err != nil {
				return err
			}
			events = append(events, cancelEvents...)
		}
		res.Order = order
		return nil
	})
	if err != nil {
		metrics.Reconciliations.WithLabelValues(source, "error").Inc()
		return nil, err
	}

	metrics.Reconciliations.WithLabelValues(source, string(res.Outcome)).Inc()
	switch res.Outcome {
	case OutcomeConflict:
		r.log.Warn("payment signal conflicts with terminal order state",
			"order_code", res.Order.OrderCode, "source", source, "raw_status", raw, "reason", res.Reason)
	case OutcomeApplied:
		r.log.Info("payment status applied",
			"order_code", res.Order.OrderCode, "source", source, "raw_status", raw, "payment_status", res.Order.PaymentStatus)
	}
	r.dispatcher.Dispatch(ctx, events...)
	return &res, nil
}

func lockOrder(ctx context.Context, store Store, lookup Lookup) (database.Order, error) {
	if lookup.Reference != "" {
		o, err := store.GetOrderByReferenceForUpdate(ctx, lookup.Reference)
		if err == nil {
			return o, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return o, fmt.Errorf("lock order by reference: %w", err)
		}
	}
	code := lookup.OrderCode
	if code == "" {
		code = lookup.Reference
	}
	if code == "" {
		return database.Order{}, ErrOrderNotFound
	}
	o, err := store.GetOrderByCodeForUpdate(ctx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return o, ErrOrderNotFound
		}
		return o, fmt.Errorf("lock order by code: %w", err)
	}
	return o, nil
}

// HandleWebhook applies a provider push. It never fails: the provider gets
// its acknowledgement regardless, and problems go to the log.
func (r *Reconciler) HandleWebhook(ctx context.Context, n gateway.Notification) {
	log := r.log.With("source", enum.SourceWebhook, "reference", n.OrderID, "raw_status", n.TransactionStatus)
	if n.OrderID == "" || n.TransactionStatus == "" {
		log.Warn("webhook ignored: missing order_id or transaction_status")
		return
	}
	if r.serverKey != "" && !n.ValidSignature(r.serverKey) {
		metrics.Reconciliations.WithLabelValues(enum.SourceWebhook, "bad_signature").Inc()
		log.Warn("webhook ignored: bad signature")
		return
	}
	if _, err := r.Apply(ctx, Lookup{Reference: n.OrderID}, n.TransactionStatus, n.FraudStatus, enum.SourceWebhook); err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			log.Warn("webhook for unknown order")
			return
		}
		log.Error("webhook apply failed", "err", err)
	}
}

// Poll refreshes a pending gateway order from the provider. When the
// provider cannot be reached the current state is returned unchanged.
func (r *Reconciler) Poll(ctx context.Context, orderCode string) (*ApplyResult, error) {
	order, err := r.newStore(r.db).GetOrderByCode(ctx, orderCode)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrOrderNotFound
		}
		return nil, fmt.Errorf("get order: %w", err)
	}
	if order.PaymentMethod != database.PaymentMethodGateway ||
		order.PaymentStatus.IsTerminal() ||
		order.CancelledAt.Valid ||
		!order.GatewayReference.Valid {
		return &ApplyResult{Order: order, Outcome: OutcomeNoop}, nil
	}

	qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()
	st, err := r.gw.QueryStatus(qctx, order.GatewayReference.String)
	if err != nil {
		if !errors.Is(err, gateway.ErrNotFound) {
			r.log.Warn("poll: gateway status unavailable", "order_code", orderCode, "err", err)
		}
		return &ApplyResult{Order: order, Outcome: OutcomeNoop}, nil
	}

	return r.Apply(ctx, Lookup{Reference: order.GatewayReference.String, OrderCode: order.OrderCode},
		st.TransactionStatus, st.FraudStatus, enum.SourcePoll)
}
