package handler

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/kiwari-pos/checkout/internal/database"
	"github.com/kiwari-pos/checkout/internal/middleware"
	"github.com/kiwari-pos/checkout/internal/service"
)

// CheckoutServicer defines the service methods needed by checkout handlers.
// Satisfied by *service.CheckoutService; narrow interface for testability.
type CheckoutServicer interface {
	Checkout(ctx context.Context, req service.CheckoutRequest) (*service.CheckoutResult, error)
	ValidateCart(ctx context.Context, items []service.CartItem) ([]service.CartIssue, error)
	VerifyDiscount(ctx context.Context, code string, amount decimal.Decimal) (*database.Discount, decimal.Decimal, error)
}

// CheckoutHandler handles cart and checkout endpoints for customers.
type CheckoutHandler struct {
	svc CheckoutServicer
}

func NewCheckoutHandler(svc CheckoutServicer) *CheckoutHandler {
	return &CheckoutHandler{svc: svc}
}

// RegisterRoutes registers checkout endpoints. Expected inside an
// authenticated group.
func (h *CheckoutHandler) RegisterRoutes(r chi.Router) {
	r.Post("/checkout", h.Checkout)
	r.Post("/cart/validate", h.ValidateCart)
	r.Post("/discounts/verify", h.VerifyDiscount)
}

// --- Request / Response types ---

type cartItemRequest struct {
	ProductID int64 `json:"product_id"`
	Quantity  int32 `json:"quantity"`
}

type checkoutRequest struct {
	Items         []cartItemRequest `json:"items"`
	PaymentMethod string            `json:"payment_method"`
	DiscountCode  string            `json:"discount_code"`
	Notes         string            `json:"notes"`
}

type checkoutResponse struct {
	orderResponse
	Replayed bool `json:"replayed"`
}

type validateCartRequest struct {
	Items []cartItemRequest `json:"items"`
}

type validateCartResponse struct {
	Valid  bool                `json:"valid"`
	Issues []service.CartIssue `json:"issues"`
}

type verifyDiscountRequest struct {
	Code   string `json:"code"`
	Amount string `json:"amount"`
}

type verifyDiscountResponse struct {
	Applied        bool    `json:"applied"`
	DiscountID     *int64  `json:"discount_id"`
	Name           *string `json:"name"`
	Percentage     *string `json:"percentage"`
	DiscountAmount string  `json:"discount_amount"`
}

func toCartItems(items []cartItemRequest) []service.CartItem {
	out := make([]service.CartItem, 0, len(items))
	for _, it := range items {
		out = append(out, service.CartItem{ProductID: it.ProductID, Quantity: it.Quantity})
	}
	return out
}

// --- Handlers ---

// Checkout handles POST /checkout. The customer's identity comes from the
// bearer token; the Idempotency-Key header makes retries safe.
func (h *CheckoutHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	var req checkoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	result, err := h.svc.Checkout(r.Context(), service.CheckoutRequest{
		CustomerID:     claims.UserID,
		CustomerEmail:  claims.Email,
		CustomerName:   claims.Name,
		Items:          toCartItems(req.Items),
		PaymentMethod:  database.PaymentMethod(req.PaymentMethod),
		DiscountCode:   req.DiscountCode,
		Notes:          req.Notes,
		IdempotencyKey: r.Header.Get("Idempotency-Key"),
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, checkoutResponse{orderResponse: toOrderResponse(result.Order), Replayed: result.Replayed})
}

// ValidateCart handles POST /cart/validate. It never reserves anything.
func (h *CheckoutHandler) ValidateCart(w http.ResponseWriter, r *http.Request) {
	var req validateCartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	issues, err := h.svc.ValidateCart(r.Context(), toCartItems(req.Items))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, validateCartResponse{Valid: len(issues) == 0, Issues: issues})
}

// VerifyDiscount handles POST /discounts/verify.
func (h *CheckoutHandler) VerifyDiscount(w http.ResponseWriter, r *http.Request) {
	var req verifyDiscountRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "amount must be a decimal number"})
		return
	}

	d, discountAmount, err := h.svc.VerifyDiscount(r.Context(), req.Code, amount)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	resp := verifyDiscountResponse{DiscountAmount: discountAmount.StringFixed(2)}
	if d != nil {
		pct := numericToString(d.Percentage)
		resp.Applied = true
		resp.DiscountID = &d.ID
		resp.Name = &d.Name
		resp.Percentage = &pct
	}
	writeJSON(w, http.StatusOK, resp)
}
