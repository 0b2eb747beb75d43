package handler_test

import (
	"context"
	"net/http"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/kiwari-pos/checkout/internal/database"
	"github.com/kiwari-pos/checkout/internal/enum"
	"github.com/kiwari-pos/checkout/internal/gateway"
	"github.com/kiwari-pos/checkout/internal/handler"
	"github.com/kiwari-pos/checkout/internal/middleware"
	"github.com/kiwari-pos/checkout/internal/service"
)

// --- Mock PaymentReconciler ---

type mockReconciler struct {
	webhooks []gateway.Notification
	polled   []string
	pollFn   func(ctx context.Context, code string) (*service.ApplyResult, error)
}

func (m *mockReconciler) HandleWebhook(ctx context.Context, n gateway.Notification) {
	m.webhooks = append(m.webhooks, n)
}

func (m *mockReconciler) Poll(ctx context.Context, code string) (*service.ApplyResult, error) {
	m.polled = append(m.polled, code)
	return m.pollFn(ctx, code)
}

func setupPaymentRouter(rec *mockReconciler, orders *mockOrderService) *chi.Mux {
	h := handler.NewPaymentHandler(rec, orders)
	r := chi.NewRouter()
	h.RegisterWebhook(r)
	r.Group(func(r chi.Router) {
		r.Use(middleware.Authenticate(testJWTSecret))
		h.RegisterRoutes(r)
	})
	return r
}

// --- Tests ---

func TestWebhook_ForwardsNotification(t *testing.T) {
	rec := &mockReconciler{}
	body := map[string]string{
		"order_id":           "PAY-1",
		"transaction_status": "settlement",
		"status_code":        "200",
		"gross_amount":       "22200.00",
		"signature_key":      "sig",
	}

	rr := doRequest(t, setupPaymentRouter(rec, &mockOrderService{}), "POST", "/payments/webhook", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusOK)
	}
	if resp := decodeResponse(t, rr); resp["status"] != "ok" {
		t.Errorf("body: got %v", resp)
	}
	if len(rec.webhooks) != 1 {
		t.Fatalf("expected 1 notification forwarded, got: %d", len(rec.webhooks))
	}
	if n := rec.webhooks[0]; n.OrderID != "PAY-1" || n.TransactionStatus != "settlement" || n.SignatureKey != "sig" {
		t.Errorf("notification: got %+v", n)
	}
}

func TestWebhook_MalformedBodyStillAcknowledged(t *testing.T) {
	rec := &mockReconciler{}
	rr := doRequest(t, setupPaymentRouter(rec, &mockOrderService{}), "POST", "/payments/webhook", "<xml/>")
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusOK)
	}
	if len(rec.webhooks) != 0 {
		t.Fatalf("expected nothing forwarded, got: %d", len(rec.webhooks))
	}
}

func TestPoll_OwnOrder(t *testing.T) {
	rec := &mockReconciler{
		pollFn: func(ctx context.Context, code string) (*service.ApplyResult, error) {
			o := testOrder(code, "rina@example.com")
			o.PaymentStatus = database.PaymentStatusPaid
			o.Status = database.OrderStatusWaiting
			o.GatewayRawStatus = pgtype.Text{String: "settlement", Valid: true}
			return &service.ApplyResult{Order: o, Outcome: service.OutcomeApplied}, nil
		},
	}
	orders := &mockOrderService{getFn: ownedOrder("rina@example.com")}

	rr := doAuthRequest(t, setupPaymentRouter(rec, orders), "GET", "/orders/ORD-1/payment", nil, customerIdentity("rina@example.com"))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d; body: %s", rr.Code, http.StatusOK, rr.Body.String())
	}
	resp := decodeResponse(t, rr)
	if resp["payment_status"] != "paid" || resp["gateway_raw_status"] != "settlement" {
		t.Errorf("expected paid/settlement, got: %v", resp)
	}
	if order := resp["order"].(map[string]interface{}); order["status"] != "waiting" {
		t.Errorf("order status: got %v, want waiting", order["status"])
	}
}

func TestPoll_OtherCustomerNeverQueriesGateway(t *testing.T) {
	rec := &mockReconciler{}
	orders := &mockOrderService{getFn: ownedOrder("rina@example.com")}

	rr := doAuthRequest(t, setupPaymentRouter(rec, orders), "GET", "/orders/ORD-1/payment", nil, customerIdentity("budi@example.com"))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusNotFound)
	}
	if len(rec.polled) != 0 {
		t.Fatalf("expected no poll, got: %v", rec.polled)
	}
}

func TestPoll_StaffAnyOrder(t *testing.T) {
	rec := &mockReconciler{
		pollFn: func(ctx context.Context, code string) (*service.ApplyResult, error) {
			return &service.ApplyResult{Order: testOrder(code, "rina@example.com"), Outcome: service.OutcomeNoop}, nil
		},
	}
	orders := &mockOrderService{getFn: ownedOrder("rina@example.com")}

	rr := doAuthRequest(t, setupPaymentRouter(rec, orders), "GET", "/orders/ORD-1/payment", nil, staffIdentity(enum.UserRoleCashier))
	if rr.Code != http.StatusOK {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusOK)
	}
	if resp := decodeResponse(t, rr); resp["gateway_raw_status"] != nil {
		t.Errorf("expected null raw status, got: %v", resp["gateway_raw_status"])
	}
}

func TestPoll_RequiresAuth(t *testing.T) {
	rr := doRequest(t, setupPaymentRouter(&mockReconciler{}, &mockOrderService{}), "GET", "/orders/ORD-1/payment", nil)
	if rr.Code != http.StatusUnauthorized {
		t.Fatalf("status: got %d, want %d", rr.Code, http.StatusUnauthorized)
	}
}
