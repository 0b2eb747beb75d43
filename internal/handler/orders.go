package handler

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/kiwari-pos/checkout/internal/auth"
	"github.com/kiwari-pos/checkout/internal/database"
	"github.com/kiwari-pos/checkout/internal/enum"
	"github.com/kiwari-pos/checkout/internal/middleware"
)

// OrderServicer defines the service methods needed by order handlers.
// Satisfied by *service.OrderService; narrow interface for testability.
type OrderServicer interface {
	GetOrder(ctx context.Context, code string) (database.Order, error)
	KitchenQueue(ctx context.Context) ([]database.Order, error)
	ReviewQueue(ctx context.Context, limit int32) ([]database.Order, error)
	UpdateStatus(ctx context.Context, code string, next database.OrderStatus) (database.Order, error)
}

// OrderHandler handles order reads and staff fulfilment endpoints.
type OrderHandler struct {
	svc OrderServicer
}

func NewOrderHandler(svc OrderServicer) *OrderHandler {
	return &OrderHandler{svc: svc}
}

// RegisterRoutes registers endpoints any authenticated caller may use.
func (h *OrderHandler) RegisterRoutes(r chi.Router) {
	r.Get("/orders/{code}", h.Get)
}

// RegisterStaffRoutes registers endpoints for cashier and kitchen staff.
// Expected inside a RequireRole group.
func (h *OrderHandler) RegisterStaffRoutes(r chi.Router) {
	r.Get("/kitchen/queue", h.KitchenQueue)
	r.Patch("/orders/{code}/status", h.UpdateStatus)
}

// RegisterOwnerRoutes registers the payment review list.
func (h *OrderHandler) RegisterOwnerRoutes(r chi.Router) {
	r.Get("/orders/review", h.ReviewQueue)
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// canView lets staff see every order and customers only their own.
func canView(claims *auth.Claims, o database.Order) bool {
	switch claims.Role {
	case enum.UserRoleOwner, enum.UserRoleCashier, enum.UserRoleKitchen:
		return true
	}
	return claims.Email != "" && strings.EqualFold(claims.Email, o.CustomerEmail)
}

// Get handles GET /orders/{code}.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	order, err := h.svc.GetOrder(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	// Someone else's order is reported as missing rather than forbidden.
	if !canView(claims, order) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(order))
}

// KitchenQueue handles GET /kitchen/queue.
func (h *OrderHandler) KitchenQueue(w http.ResponseWriter, r *http.Request) {
	orders, err := h.svc.KitchenQueue(r.Context())
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := make([]orderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": resp})
}

// ReviewQueue handles GET /orders/review?limit=N.
func (h *OrderHandler) ReviewQueue(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 || n > 200 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be between 1 and 200"})
			return
		}
		limit = n
	}

	orders, err := h.svc.ReviewQueue(r.Context(), int32(limit))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resp := make([]reviewOrderResponse, 0, len(orders))
	for _, o := range orders {
		resp = append(resp, toReviewOrderResponse(o))
	}
	writeJSON(w, http.StatusOK, map[string]any{"orders": resp})
}

// UpdateStatus handles PATCH /orders/{code}/status.
func (h *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status is required"})
		return
	}

	next := database.OrderStatus(req.Status)
	if !isValidOrderStatus(next) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid status"})
		return
	}

	updated, err := h.svc.UpdateStatus(r.Context(), chi.URLParam(r, "code"), next)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResponse(updated))
}

func isValidOrderStatus(s database.OrderStatus) bool {
	switch s {
	case database.OrderStatusWaitingForPayment,
		database.OrderStatusWaiting,
		database.OrderStatusAwaitingConfirmation,
		database.OrderStatusCompleted,
		database.OrderStatusCancelled:
		return true
	}
	return false
}
