package handler

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/kiwari-pos/checkout/internal/database"
	"github.com/kiwari-pos/checkout/internal/logging"
	"github.com/kiwari-pos/checkout/internal/service"
)

type orderLineResponse struct {
	ProductID int64  `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int32  `json:"quantity"`
	Subtotal  string `json:"subtotal"`
}

type orderResponse struct {
	OrderCode          string              `json:"order_code"`
	QueueNumber        string              `json:"queue_number"`
	QueueDate          string              `json:"queue_date"`
	CustomerName       string              `json:"customer_name"`
	CustomerEmail      string              `json:"customer_email"`
	Items              []orderLineResponse `json:"items"`
	TotalItems         int32               `json:"total_items"`
	Subtotal           string              `json:"subtotal"`
	DiscountAmount     string              `json:"discount_amount"`
	TaxAmount          string              `json:"tax_amount"`
	TotalAmount        string              `json:"total_amount"`
	Notes              *string             `json:"notes"`
	PaymentMethod      string              `json:"payment_method"`
	PaymentStatus      string              `json:"payment_status"`
	GatewayToken       *string             `json:"gateway_token,omitempty"`
	GatewayRedirectURL *string             `json:"gateway_redirect_url,omitempty"`
	PaidAt             *time.Time          `json:"paid_at"`
	Status             string              `json:"status"`
	CancelledAt        *time.Time          `json:"cancelled_at"`
	CreatedAt          time.Time           `json:"created_at"`
}

// reviewOrderResponse adds the fields only staff reconciling payments need.
type reviewOrderResponse struct {
	orderResponse
	GatewayReference *string   `json:"gateway_reference"`
	GatewayRawStatus *string   `json:"gateway_raw_status"`
	ReviewReason     *string   `json:"review_reason"`
	UpdatedAt        time.Time `json:"updated_at"`
}

func toOrderResponse(o database.Order) orderResponse {
	resp := orderResponse{
		OrderCode:          o.OrderCode,
		QueueNumber:        o.QueueNumber,
		CustomerName:       o.CustomerName,
		CustomerEmail:      o.CustomerEmail,
		Items:              []orderLineResponse{},
		TotalItems:         o.TotalItems,
		Subtotal:           numericToString(o.Subtotal),
		DiscountAmount:     numericToString(o.DiscountAmount),
		TaxAmount:          numericToString(o.TaxAmount),
		TotalAmount:        numericToString(o.TotalAmount),
		Notes:              textPtr(o.Notes),
		PaymentMethod:      string(o.PaymentMethod),
		PaymentStatus:      string(o.PaymentStatus),
		GatewayToken:       textPtr(o.GatewayToken),
		GatewayRedirectURL: textPtr(o.GatewayRedirectUrl),
		PaidAt:             timePtr(o.PaidAt),
		Status:             string(o.Status),
		CancelledAt:        timePtr(o.CancelledAt),
		CreatedAt:          o.CreatedAt,
	}
	if o.QueueDate.Valid {
		resp.QueueDate = o.QueueDate.Time.Format("2006-01-02")
	}
	// Lines were validated on write; a row that fails here is still shown.
	if lines, err := database.DecodeOrderLines(o.Items); err == nil {
		for _, l := range lines {
			resp.Items = append(resp.Items, orderLineResponse{
				ProductID: l.ProductID,
				Name:      l.Name,
				UnitPrice: l.UnitPrice.StringFixed(2),
				Quantity:  l.Quantity,
				Subtotal:  l.Subtotal.StringFixed(2),
			})
		}
	}
	return resp
}

func toReviewOrderResponse(o database.Order) reviewOrderResponse {
	return reviewOrderResponse{
		orderResponse:    toOrderResponse(o),
		GatewayReference: textPtr(o.GatewayReference),
		GatewayRawStatus: textPtr(o.GatewayRawStatus),
		ReviewReason:     textPtr(o.ReviewReason),
		UpdatedAt:        o.UpdatedAt,
	}
}

func numericToString(n pgtype.Numeric) string {
	if !n.Valid {
		return "0.00"
	}
	val, err := n.Value()
	if err != nil || val == nil {
		return "0.00"
	}
	d, err := decimal.NewFromString(val.(string))
	if err != nil {
		return "0.00"
	}
	return d.StringFixed(2)
}

func textPtr(t pgtype.Text) *string {
	if !t.Valid {
		return nil
	}
	return &t.String
}

func timePtr(t pgtype.Timestamptz) *time.Time {
	if !t.Valid {
		return nil
	}
	return &t.Time
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Base().Error("failed to encode JSON response", "err", err)
	}
}

// writeServiceError maps engine errors onto HTTP statuses. Anything not
// recognised is logged and reported as a 500 without details.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var stockErr *service.StockError
	var rateErr *service.RateLimitError

	switch {
	case errors.As(err, &rateErr):
		secs := int(math.Ceil(rateErr.RetryAfter.Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(secs))
		writeJSON(w, http.StatusTooManyRequests, map[string]any{"error": err.Error(), "retry_after": secs})

	case errors.As(err, &stockErr):
		status := http.StatusConflict
		if errors.Is(err, service.ErrProductNotFound) {
			status = http.StatusBadRequest
		}
		writeJSON(w, status, map[string]any{
			"error":      err.Error(),
			"product_id": stockErr.ProductID,
			"requested":  stockErr.Requested,
			"available":  stockErr.Available,
		})

	case errors.Is(err, service.ErrEmptyItems),
		errors.Is(err, service.ErrInvalidProductID),
		errors.Is(err, service.ErrInvalidQuantity),
		errors.Is(err, service.ErrInvalidPaymentMethod),
		errors.Is(err, service.ErrInvalidCustomer),
		errors.Is(err, service.ErrNotesTooLong),
		errors.Is(err, service.ErrInvalidDiscount):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})

	case errors.Is(err, service.ErrDuplicateOrder),
		errors.Is(err, service.ErrInvalidTransition),
		errors.Is(err, service.ErrPaymentNotSettled):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})

	case errors.Is(err, service.ErrOrderNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})

	case errors.Is(err, service.ErrStoreClosed):
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": err.Error()})

	case errors.Is(err, service.ErrGatewayChargeFailed):
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": service.ErrGatewayChargeFailed.Error()})

	default:
		logging.FromCtx(r.Context()).Error("request failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}
