package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kiwari-pos/checkout/internal/database"
	"github.com/kiwari-pos/checkout/internal/enum"
	"github.com/kiwari-pos/checkout/internal/notify"
)

const defaultReviewLimit = 50

var (
	ErrInvalidTransition = errors.New("status transition not allowed")
	ErrPaymentNotSettled = errors.New("order is not paid")
)

// allowedTransitions defines valid staff status transitions.
// Key is current status, value is the set of statuses it can transition to.
var allowedTransitions = map[database.OrderStatus][]database.OrderStatus{
	database.OrderStatusWaitingForPayment:    {database.OrderStatusCancelled},
	database.OrderStatusWaiting:              {database.OrderStatusAwaitingConfirmation, database.OrderStatusCompleted, database.OrderStatusCancelled},
	database.OrderStatusAwaitingConfirmation: {database.OrderStatusCompleted, database.OrderStatusCancelled},
}

func validateStatusTransition(current, next database.OrderStatus) error {
	for _, s := range allowedTransitions[current] {
		if s == next {
			return nil
		}
	}
	return fmt.Errorf("%w: %s to %s", ErrInvalidTransition, current, next)
}

// OrderService serves the cashier and kitchen: reads and fulfilment
// transitions. Payment state is never set here except that completing a
// cash order records the cash as received.
type OrderService struct {
	db         DB
	newStore   NewStore
	dispatcher EventDispatcher
	ledger     InventoryLedger
	log        *slog.Logger
	now        func() time.Time
}

func NewOrderService(db DB, newStore NewStore, dispatcher EventDispatcher, log *slog.Logger) *OrderService {
	return &OrderService{db: db, newStore: newStore, dispatcher: dispatcher, log: log, now: time.Now}
}

func (s *OrderService) GetOrder(ctx context.Context, code string) (database.Order, error) {
	o, err := s.newStore(s.db).GetOrderByCode(ctx, code)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return o, ErrOrderNotFound
		}
		return o, fmt.Errorf("get order: %w", err)
	}
	return o, nil
}

// KitchenQueue lists today's orders that still need preparing.
func (s *OrderService) KitchenQueue(ctx context.Context) ([]database.Order, error) {
	store := s.newStore(s.db)
	settings, err := store.GetStoreSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("get store settings: %w", err)
	}
	orders, err := store.ListActiveOrdersByDate(ctx, calendarDate(s.now(), storeLocation(settings)))
	if err != nil {
		return nil, fmt.Errorf("list active orders: %w", err)
	}
	return orders, nil
}

// ReviewQueue lists orders flagged for manual payment review.
func (s *OrderService) ReviewQueue(ctx context.Context, limit int32) ([]database.Order, error) {
	if limit <= 0 {
		limit = defaultReviewLimit
	}
	orders, err := s.newStore(s.db).ListOrdersNeedingReview(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list orders needing review: %w", err)
	}
	return orders, nil
}

// UpdateStatus moves an order along the fulfilment flow under a row lock.
// Cancelling returns the stock through the same routine the sweeper uses.
func (s *OrderService) UpdateStatus(ctx context.Context, code string, next database.OrderStatus) (database.Order, error) {
	now := s.now()
	var updated database.Order
	var events []notify.Event

	err := inTx(ctx, s.db, s.newStore, func(store Store) error {
		order, err := store.GetOrderByCodeForUpdate(ctx, code)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrOrderNotFound
			}
			return fmt.Errorf("lock order: %w", err)
		}
		if err := validateStatusTransition(order.Status, next); err != nil {
			return err
		}

		switch next {
		case database.OrderStatusCancelled:
			payment := order.PaymentStatus
			if !payment.IsTerminal() {
				payment = database.PaymentStatusFailed
			}
			var cancelled bool
			updated, events, cancelled, err = cancelOrder(ctx, store, s.ledger, order, payment, "cancelled by staff", now)
			if err != nil {
				return err
			}
			if !cancelled {
				return fmt.Errorf("%w: order already cancelled", ErrInvalidTransition)
			}
			return nil

		case database.OrderStatusCompleted:
			if order.PaymentStatus == database.PaymentStatusPaid {
				break
			}
			if order.PaymentMethod != database.PaymentMethodCash || order.PaymentStatus != database.PaymentStatusPending {
				return ErrPaymentNotSettled
			}
			upd := paymentUpdate(order)
			upd.PaymentStatus = database.PaymentStatusPaid
			upd.PaidAt = timestamptz(now)
			upd.Status = database.OrderStatusCompleted
			if !upd.ConfirmationNotifiedAt.Valid {
				upd.ConfirmationNotifiedAt = timestamptz(now)
			}
			updated, err = store.UpdateOrderPayment(ctx, upd)
			if err != nil {
				return fmt.Errorf("record cash payment: %w", err)
			}
			events = append(events, orderEvent(enum.EventOrderStatusChanged, updated, "", now))
			return nil

		case database.OrderStatusAwaitingConfirmation:
			if order.PaymentMethod == database.PaymentMethodGateway && order.PaymentStatus != database.PaymentStatusPaid {
				return ErrPaymentNotSettled
			}
		}

		updated, err = store.UpdateOrderStatus(ctx, database.UpdateOrderStatusParams{ID: order.ID, Status: next})
		if err != nil {
			return fmt.Errorf("update status: %w", err)
		}
		events = append(events, orderEvent(enum.EventOrderStatusChanged, updated, "", now))
		return nil
	})
	if err != nil {
		return updated, err
	}

	s.log.Info("order status changed", "order_code", code, "status", updated.Status, "source", enum.SourceStaff)
	s.dispatcher.Dispatch(ctx, events...)
	return updated, nil
}
