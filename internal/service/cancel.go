package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kiwari-pos/checkout/internal/database"
	"github.com/kiwari-pos/checkout/internal/enum"
	"github.com/kiwari-pos/checkout/internal/notify"
)

// cancelOrder cancels a row already locked by the caller and returns its
// stock. cancelled_at doubles as the "restocked" marker: an order that
// already carries it is left untouched and cancelled reports false.
func cancelOrder(ctx context.Context, store Store, ledger InventoryLedger, order database.Order, payment database.PaymentStatus, reason string, now time.Time) (updated database.Order, events []notify.Event, cancelled bool, err error) {
	if order.CancelledAt.Valid {
		return order, nil, false, nil
	}

	lines, err := database.DecodeOrderLines(order.Items)
	if err != nil {
		return order, nil, false, fmt.Errorf("order %s: %w", order.OrderCode, err)
	}

	updated, err = store.CancelOrder(ctx, database.CancelOrderParams{
		ID:            order.ID,
		PaymentStatus: payment,
		CancelledAt:   timestamptz(now),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return order, nil, false, nil
		}
		return order, nil, false, fmt.Errorf("cancel order %s: %w", order.OrderCode, err)
	}

	if err := ledger.Restore(ctx, store, lines); err != nil {
		return order, nil, false, err
	}

	events = []notify.Event{{
		Type:          enum.EventOrderCancelled,
		OrderCode:     updated.OrderCode,
		QueueNumber:   updated.QueueNumber,
		CustomerEmail: updated.CustomerEmail,
		Status:        string(updated.Status),
		PaymentStatus: string(updated.PaymentStatus),
		Reason:        reason,
		At:            now,
	}}
	return updated, events, true, nil
}
