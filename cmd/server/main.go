package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
	_ "time/tzdata"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kiwari-pos/checkout/internal/config"
	"github.com/kiwari-pos/checkout/internal/gateway"
	"github.com/kiwari-pos/checkout/internal/logging"
	"github.com/kiwari-pos/checkout/internal/notify"
	"github.com/kiwari-pos/checkout/internal/ratelimit"
	"github.com/kiwari-pos/checkout/internal/router"
	"github.com/kiwari-pos/checkout/internal/service"
	"github.com/kiwari-pos/checkout/internal/ws"
)

func main() {
	configPath := flag.String("config", os.Getenv("CHECKOUT_CONFIG"), "optional YAML config file")
	migrations := flag.String("migrations", "", "apply migrations from this directory before serving (e.g. ./migrations)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.Init("checkout", cfg.Log.File, cfg.Log.Level)

	if *migrations != "" {
		if err := migrateUp(*migrations, cfg.DatabaseURL); err != nil {
			log.Error("migrations failed", "err", err)
			os.Exit(1)
		}
		log.Info("migrations applied", "dir", *migrations)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	startCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(startCtx, cfg.DatabaseURL)
	if err != nil {
		log.Error("postgres pool", "err", err)
		os.Exit(1)
	}
	defer pool.Close()
	if err := pool.Ping(startCtx); err != nil {
		log.Error("postgres unreachable", "err", err)
		os.Exit(1)
	}

	hub := ws.NewHub()
	notifiers := []notify.Notifier{notify.LogNotifier{Log: logging.New("events")}, hub}

	var limiter ratelimit.Limiter = ratelimit.Noop{}
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
		if err := rdb.Ping(startCtx).Err(); err != nil {
			// Redis only backs best-effort features; run without it.
			log.Warn("redis unavailable, rate limiting and pub/sub disabled", "err", err)
		} else {
			limiter = ratelimit.NewRedisLimiter(rdb, "ratelimit:", cfg.RateLimit.Limit, cfg.RateLimit.Window)
			notifiers = append(notifiers, notify.NewRedisPublisher(rdb, cfg.Redis.Channel))
			log.Info("redis connected", "addr", cfg.Redis.Addr)
		}
	}
	dispatcher := notify.NewDispatcher(logging.New("notify"), notifiers...)

	gw := gateway.NewClient(gateway.Options{
		ServerKey:  cfg.Gateway.ServerKey,
		APIURL:     cfg.Gateway.APIURL,
		SnapURL:    cfg.Gateway.SnapURL,
		Timeout:    cfg.Gateway.Timeout,
		MaxRetries: cfg.Gateway.MaxRetries,
	}, logging.New("gateway"))

	checkout := service.NewCheckoutService(pool, service.QueriesStore, gw, dispatcher, service.CheckoutConfig{
		QueueWidth:      cfg.Checkout.QueueWidth,
		DuplicateWindow: cfg.Checkout.DuplicateWindow,
		MaxAttempts:     cfg.Checkout.MaxAttempts,
		ChargeTimeout:   cfg.Gateway.Timeout,
		AmountPlaces:    cfg.Checkout.AmountPlaces,
	}, logging.New("checkout"))
	orders := service.NewOrderService(pool, service.QueriesStore, dispatcher, logging.New("orders"))
	reconciler := service.NewReconciler(pool, service.QueriesStore, gw, dispatcher, cfg.Gateway.ServerKey, cfg.Gateway.Timeout, logging.New("reconciler"))
	sweeper := service.NewSweeper(pool, service.QueriesStore, gw, dispatcher, service.SweeperConfig{
		ExpiryWindow: cfg.Sweeper.ExpiryWindow,
		Interval:     cfg.Sweeper.Interval,
		BatchSize:    cfg.Sweeper.BatchSize,
	}, logging.New("sweeper"))

	// Background loops share ctx and are joined before the pool closes.
	var background sync.WaitGroup
	background.Add(2)
	go func() {
		defer background.Done()
		hub.Run(ctx)
	}()
	go func() {
		defer background.Done()
		sweeper.Run(ctx)
	}()

	server := &http.Server{
		Addr: cfg.Address(),
		Handler: router.New(cfg, router.Deps{
			Checkout:   checkout,
			Orders:     orders,
			Reconciler: reconciler,
			Hub:        hub,
			Limiter:    limiter,
			DB:         pool,
			Log:        log,
		}),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		// Checkout waits on the gateway charge.
		WriteTimeout: cfg.Gateway.Timeout + 10*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info("checkout server listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("server error", "err", err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "err", err)
	}
	background.Wait()
	log.Info("server stopped")
}

func migrateUp(dir, databaseURL string) error {
	m, err := migrate.New("file://"+dir, databaseURL)
	if err != nil {
		return fmt.Errorf("open migrations: %w", err)
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migrate up: %w", err)
	}
	return nil
}
