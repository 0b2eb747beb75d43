package gateway

import (
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"

	"github.com/shopspring/decimal"
)

var (
	ErrNotFound      = errors.New("gateway: transaction not found")
	ErrUnexpected    = errors.New("gateway: unexpected response")
	ErrNotConfigured = errors.New("gateway: server key not configured")
	// ErrFractionalAmount is returned for amounts the provider cannot
	// charge: gross amounts are whole currency units.
	ErrFractionalAmount = errors.New("gateway: amount is not a whole number")
)

// Gateway is the payment provider as seen by checkout, reconciliation and
// the expiry sweeper. Every call may be slow or fail.
type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error)
	QueryStatus(ctx context.Context, reference string) (Status, error)
	Expire(ctx context.Context, reference string) error
}

type ChargeRequest struct {
	Reference     string
	Amount        decimal.Decimal
	CustomerName  string
	CustomerEmail string
}

// Charge is the hosted payment page created for an order.
type Charge struct {
	Token       string `json:"token"`
	RedirectURL string `json:"redirect_url"`
}

// Status is the provider's view of a transaction. Values are verbatim.
type Status struct {
	Reference         string `json:"order_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	PaymentType       string `json:"payment_type"`
	StatusMessage     string `json:"status_message"`
}

// Notification is the webhook payload pushed by the provider.
type Notification struct {
	OrderID           string `json:"order_id"`
	TransactionID     string `json:"transaction_id"`
	TransactionStatus string `json:"transaction_status"`
	FraudStatus       string `json:"fraud_status"`
	PaymentType       string `json:"payment_type"`
	StatusCode        string `json:"status_code"`
	GrossAmount       string `json:"gross_amount"`
	SignatureKey      string `json:"signature_key"`
}

// ValidSignature checks signature_key = sha512(order_id+status_code+gross_amount+server_key).
func (n Notification) ValidSignature(serverKey string) bool {
	want := Sign(n.OrderID, n.StatusCode, n.GrossAmount, serverKey)
	return subtle.ConstantTimeCompare([]byte(want), []byte(n.SignatureKey)) == 1
}

func Sign(orderID, statusCode, grossAmount, serverKey string) string {
	sum := sha512.Sum512([]byte(orderID + statusCode + grossAmount + serverKey))
	return hex.EncodeToString(sum[:])
}
