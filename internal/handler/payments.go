package handler

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kiwari-pos/checkout/internal/gateway"
	"github.com/kiwari-pos/checkout/internal/logging"
	"github.com/kiwari-pos/checkout/internal/middleware"
	"github.com/kiwari-pos/checkout/internal/service"
)

const maxWebhookBody = 64 << 10

// PaymentReconciler defines the reconciler methods needed by payment handlers.
// Satisfied by *service.Reconciler.
type PaymentReconciler interface {
	HandleWebhook(ctx context.Context, n gateway.Notification)
	Poll(ctx context.Context, orderCode string) (*service.ApplyResult, error)
}

// PaymentHandler receives provider pushes and answers client polls.
type PaymentHandler struct {
	reconciler PaymentReconciler
	orders     OrderServicer
}

func NewPaymentHandler(reconciler PaymentReconciler, orders OrderServicer) *PaymentHandler {
	return &PaymentHandler{reconciler: reconciler, orders: orders}
}

// RegisterWebhook registers the public provider callback.
func (h *PaymentHandler) RegisterWebhook(r chi.Router) {
	r.Post("/payments/webhook", h.Webhook)
}

// RegisterRoutes registers the authenticated poll endpoint.
func (h *PaymentHandler) RegisterRoutes(r chi.Router) {
	r.Get("/orders/{code}/payment", h.Poll)
}

type paymentStatusResponse struct {
	Order            orderResponse `json:"order"`
	PaymentStatus    string        `json:"payment_status"`
	GatewayRawStatus *string       `json:"gateway_raw_status"`
}

// Webhook handles POST /payments/webhook. The provider always gets 200 so
// it stops retrying; malformed, forged or unknown notifications are logged
// and dropped by the reconciler.
func (h *PaymentHandler) Webhook(w http.ResponseWriter, r *http.Request) {
	log := logging.FromCtx(r.Context())
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.Warn("webhook body unreadable", "err", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	var n gateway.Notification
	if err := json.Unmarshal(body, &n); err != nil {
		log.Warn("webhook body is not valid JSON", "err", err)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	// Detach from the request so a provider timeout cannot roll back an
	// update that is already running.
	h.reconciler.HandleWebhook(context.WithoutCancel(r.Context()), n)
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Poll handles GET /orders/{code}/payment. When the provider is unreachable
// the stored state is returned unchanged.
func (h *PaymentHandler) Poll(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}
	code := chi.URLParam(r, "code")

	order, err := h.orders.GetOrder(r.Context(), code)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if !canView(claims, order) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		return
	}

	res, err := h.reconciler.Poll(r.Context(), code)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, paymentStatusResponse{
		Order:            toOrderResponse(res.Order),
		PaymentStatus:    string(res.Order.PaymentStatus),
		GatewayRawStatus: textPtr(res.Order.GatewayRawStatus),
	})
}
