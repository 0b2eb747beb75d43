package handler_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"

	"github.com/kiwari-pos/checkout/internal/auth"
	"github.com/kiwari-pos/checkout/internal/database"
	"github.com/kiwari-pos/checkout/internal/enum"
)

const testJWTSecret = "test-secret-for-handlers"

func customerIdentity(email string) auth.Identity {
	return auth.Identity{UserID: uuid.New(), Email: email, Name: "Rina", Role: enum.UserRoleCustomer}
}

func staffIdentity(role string) auth.Identity {
	return auth.Identity{UserID: uuid.New(), Email: "staff@kiwari.id", Name: "Staff", Role: role}
}

func doRequest(t *testing.T, router http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	req := newJSONRequest(t, method, path, body)
	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func doAuthRequest(t *testing.T, router http.Handler, method, path string, body interface{}, id auth.Identity, headers ...string) *httptest.ResponseRecorder {
	t.Helper()

	token, err := auth.GenerateToken(testJWTSecret, id, time.Hour)
	if err != nil {
		t.Fatalf("generate token: %v", err)
	}

	req := newJSONRequest(t, method, path, body)
	req.Header.Set("Authorization", "Bearer "+token)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}

	rr := httptest.NewRecorder()
	router.ServeHTTP(rr, req)
	return rr
}

func newJSONRequest(t *testing.T, method, path string, body interface{}) *http.Request {
	t.Helper()
	if body == nil {
		return httptest.NewRequest(method, path, nil)
	}
	var b []byte
	switch v := body.(type) {
	case string:
		b = []byte(v)
	default:
		var err error
		b, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	return req
}

func decodeResponse(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp
}

func testNumeric(s string) pgtype.Numeric {
	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		panic(err)
	}
	return n
}

func testOrder(code, email string) database.Order {
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)
	return database.Order{
		ID:             1,
		OrderCode:      code,
		QueueNumber:    "007",
		QueueDate:      pgtype.Date{Time: time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC), Valid: true},
		CustomerID:     uuid.New(),
		CustomerEmail:  email,
		CustomerName:   "Rina",
		Items:          []byte(`[{"product_id":1,"name":"Nasi Bakar","unit_price":"10000","quantity":2,"subtotal":"20000"}]`),
		TotalItems:     2,
		Subtotal:       testNumeric("20000"),
		DiscountAmount: testNumeric("0"),
		TaxAmount:      testNumeric("2200"),
		TotalAmount:    testNumeric("22200"),
		PaymentMethod:  database.PaymentMethodGateway,
		PaymentStatus:  database.PaymentStatusPending,
		GatewayToken:   pgtype.Text{String: "snap-token", Valid: true},
		Status:         database.OrderStatusWaitingForPayment,
		OrderHash:      "hash",
		LastAttemptAt:  now,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
