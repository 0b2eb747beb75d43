package router

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/kiwari-pos/checkout/internal/config"
	"github.com/kiwari-pos/checkout/internal/enum"
	"github.com/kiwari-pos/checkout/internal/handler"
	"github.com/kiwari-pos/checkout/internal/metrics"
	mw "github.com/kiwari-pos/checkout/internal/middleware"
	"github.com/kiwari-pos/checkout/internal/ratelimit"
	"github.com/kiwari-pos/checkout/internal/ws"
)

// Pinger reports whether a backing store is reachable. Satisfied by
// *pgxpool.Pool.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps are the collaborators the HTTP surface is built from.
type Deps struct {
	Checkout   handler.CheckoutServicer
	Orders     handler.OrderServicer
	Reconciler handler.PaymentReconciler
	Hub        *ws.Hub
	Limiter    ratelimit.Limiter
	DB         Pinger
	Log        *slog.Logger
}

// New creates a Chi router with all application routes wired up.
// Applies authentication, rate limiting, and role-based middleware as needed.
func New(cfg *config.Config, d Deps) chi.Router {
	r := chi.NewRouter()

	// Standard middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.RequestLogger(d.Log))
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key"},
		ExposedHeaders:   []string{"Retry-After"},
		AllowCredentials: true,
		MaxAge:           300, // 5 minutes
	}))

	// Public routes
	r.Get("/health", health(d.DB))
	r.Handle("/metrics", metrics.Handler())

	checkoutHandler := handler.NewCheckoutHandler(d.Checkout)
	orderHandler := handler.NewOrderHandler(d.Orders)
	paymentHandler := handler.NewPaymentHandler(d.Reconciler, d.Orders)

	// Provider callback; authenticity is checked against the signature.
	paymentHandler.RegisterWebhook(r)

	// WebSocket route (handles auth internally via query param)
	r.Get("/ws/queue", ws.ServeWS(d.Hub, cfg.JWTSecret, d.Log))

	// Protected routes (require authentication)
	r.Group(func(r chi.Router) {
		r.Use(mw.Authenticate(cfg.JWTSecret))

		// Anything that writes or reaches the payment provider is limited
		// per caller.
		r.Group(func(r chi.Router) {
			r.Use(ratelimit.Middleware(d.Limiter, "customer", mw.UserKey, d.Log))
			checkoutHandler.RegisterRoutes(r)
			paymentHandler.RegisterRoutes(r)
		})

		orderHandler.RegisterRoutes(r)

		r.Group(func(r chi.Router) {
			r.Use(mw.RequireRole(enum.UserRoleOwner, enum.UserRoleCashier, enum.UserRoleKitchen))
			orderHandler.RegisterStaffRoutes(r)
		})

		r.Group(func(r chi.Router) {
			r.Use(mw.RequireRole(enum.UserRoleOwner))
			orderHandler.RegisterOwnerRoutes(r)
		})
	})

	d.Log.Info("router initialized")
	return r
}

func health(db Pinger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if db != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				w.WriteHeader(http.StatusServiceUnavailable)
				w.Write([]byte(`{"status":"degraded","database":"unreachable"}`))
				return
			}
		}
		w.Write([]byte(`{"status":"ok"}`))
	}
}
