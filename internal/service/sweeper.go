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
	"github.com/kiwari-pos/checkout/internal/gateway"
	"github.com/kiwari-pos/checkout/internal/metrics"
	"github.com/kiwari-pos/checkout/internal/notify"
)

const (
	defaultExpiryWindow  = 15 * time.Minute
	defaultSweepInterval = time.Minute
	defaultSweepBatch    = 100
	expireCallTimeout    = 5 * time.Second
)

type SweeperConfig struct {
	ExpiryWindow time.Duration
	Interval     time.Duration
	BatchSize    int
}

// SweepResult counts what one pass did with each selected order.
type SweepResult struct {
	Scanned int
	Expired int
	Skipped int
	Failed  int
}

// Sweeper expires gateway orders left unpaid past the expiry window.
type Sweeper struct {
	db         DB
	newStore   NewStore
	gw         gateway.Gateway
	dispatcher EventDispatcher
	ledger     InventoryLedger
	queue      QueueSequencer
	window     time.Duration
	interval   time.Duration
	batch      int
	log        *slog.Logger
	now        func() time.Time
}

func NewSweeper(db DB, newStore NewStore, gw gateway.Gateway, dispatcher EventDispatcher, cfg SweeperConfig, log *slog.Logger) *Sweeper {
	s := &Sweeper{
		db:         db,
		newStore:   newStore,
		gw:         gw,
		dispatcher: dispatcher,
		queue:      NewQueueSequencer(0),
		window:     cfg.ExpiryWindow,
		interval:   cfg.Interval,
		batch:      cfg.BatchSize,
		log:        log,
		now:        time.Now,
	}
	if s.window <= 0 {
		s.window = defaultExpiryWindow
	}
	if s.interval <= 0 {
		s.interval = defaultSweepInterval
	}
	if s.batch <= 0 {
		s.batch = defaultSweepBatch
	}
	return s
}

// Sweep expires every eligible order independently. A failure on one order
// is logged and counted and does not stop the pass.
func (s *Sweeper) Sweep(ctx context.Context) (SweepResult, error) {
	var res SweepResult
	cutoff := s.now().Add(-s.window)

	ids, err := s.newStore(s.db).ListExpirableOrderIDs(ctx, database.ListExpirableOrderIDsParams{
		CreatedBefore: cutoff,
		Limit:         int32(s.batch),
	})
	if err != nil {
		return res, fmt.Errorf("list expirable orders: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.Scanned++
		expired, err := s.expireOne(ctx, id, cutoff)
		switch {
		case err != nil:
			res.Failed++
			metrics.SweptOrders.WithLabelValues("failed").Inc()
			s.log.Error("expire order failed", "order_id", id, "err", err)
		case expired:
			res.Expired++
			metrics.SweptOrders.WithLabelValues("expired").Inc()
		default:
			res.Skipped++
			metrics.SweptOrders.WithLabelValues("skipped").Inc()
		}
	}
	return res, nil
}

func (s *Sweeper) expireOne(ctx context.Context, id int64, cutoff time.Time) (bool, error) {
	var events []notify.Event
	var expired bool

	err := inTx(ctx, s.db, s.newStore, func(store Store) error {
		order, err := store.GetOrderForUpdate(ctx, id)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("lock order: %w", err)
		}
		// Re-check under the lock: a payment may have landed since selection.
		if order.PaymentMethod != database.PaymentMethodGateway ||
			order.PaymentStatus != database.PaymentStatusPending ||
			order.CancelledAt.Valid ||
			!order.CreatedAt.Before(cutoff) {
			return nil
		}

		if order.GatewayReference.Valid {
			ectx, cancel := context.WithTimeout(ctx, expireCallTimeout)
			if err := s.gw.Expire(ectx, order.GatewayReference.String); err != nil {
				s.log.Warn("gateway expire failed, cancelling locally", "order_code", order.OrderCode, "err", err)
			}
			cancel()
		}

		_, events, expired, err = cancelOrder(ctx, store, s.ledger, order, database.PaymentStatusExpired, "payment window elapsed", s.now())
		return err
	})
	if err != nil {
		return false, err
	}
	if expired {
		s.log.Info("order expired", "order_id", id, "source", enum.SourceSweeper)
	}
	s.dispatcher.Dispatch(ctx, events...)
	return expired, nil
}

// Run sweeps on every tick until ctx is done. Past queue counters are
// purged after each pass; a purge failure is only logged.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("expiry sweeper started", "interval", s.interval, "window", s.window)
	for {
		select {
		case <-ctx.Done():
			s.log.Info("expiry sweeper stopped")
			return
		case <-ticker.C:
			res, err := s.Sweep(ctx)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.log.Error("sweep failed", "err", err)
			}
			if res.Scanned > 0 {
				s.log.Info("sweep finished", "scanned", res.Scanned, "expired", res.Expired, "skipped", res.Skipped, "failed", res.Failed)
			}
			s.purgeCounters(ctx)
		}
	}
}

func (s *Sweeper) purgeCounters(ctx context.Context) {
	store := s.newStore(s.db)
	settings, err := store.GetStoreSettings(ctx)
	if err != nil {
		s.log.Warn("purge queue counters: load settings", "err", err)
		return
	}
	if _, err := s.queue.Purge(ctx, store, s.now(), storeLocation(settings)); err != nil {
		s.log.Warn("purge queue counters", "err", err)
	}
}
