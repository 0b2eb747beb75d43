package notify

import (
	"context"
	"log/slog"
	"time"

	"github.com/kiwari-pos/checkout/internal/metrics"
)

// Event is a side effect produced by a committed state change. Events are
// dispatched after commit and their delivery is best-effort.
type Event struct {
	Type          string    `json:"type"`
	OrderCode     string    `json:"order_code,omitempty"`
	QueueNumber   string    `json:"queue_number,omitempty"`
	CustomerEmail string    `json:"customer_email,omitempty"`
	Status        string    `json:"status,omitempty"`
	PaymentStatus string    `json:"payment_status,omitempty"`
	ProductID     int64     `json:"product_id,omitempty"`
	ProductName   string    `json:"product_name,omitempty"`
	Stock         int32     `json:"stock,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// Notifier delivers events to one channel (websocket, pub/sub, mail).
type Notifier interface {
	Name() string
	Notify(ctx context.Context, ev Event) error
}

// Dispatcher fans events out to every notifier. A failing notifier is
// logged and counted; it never affects the others or the caller.
type Dispatcher struct {
	notifiers []Notifier
	log       *slog.Logger
}

func NewDispatcher(log *slog.Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{notifiers: notifiers, log: log}
}

func (d *Dispatcher) Dispatch(ctx context.Context, events ...Event) {
	for _, ev := range events {
		for _, n := range d.notifiers {
			d.deliver(ctx, n, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, n Notifier, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			metrics.NotificationFailures.WithLabelValues(n.Name(), ev.Type).Inc()
			d.log.Error("notifier panicked", "notifier", n.Name(), "event", ev.Type, "order_code", ev.OrderCode, "panic", r)
		}
	}()
	if err := n.Notify(ctx, ev); err != nil {
		metrics.NotificationFailures.WithLabelValues(n.Name(), ev.Type).Inc()
		d.log.Warn("notification failed", "notifier", n.Name(), "event", ev.Type, "order_code", ev.OrderCode, "err", err)
	}
}

// LogNotifier records every event in the application log.
type LogNotifier struct {
	Log *slog.Logger
}

func (LogNotifier) Name() string { return "log" }

func (l LogNotifier) Notify(_ context.Context, ev Event) error {
	l.Log.Info("event", "type", ev.Type, "order_code", ev.OrderCode, "product_id", ev.ProductID, "reason", ev.Reason)
	return nil
}
