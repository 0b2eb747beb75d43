package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/kiwari-pos/checkout/internal/metrics"
)

// Client talks to a Midtrans-style Snap + Core API.
type Client struct {
	http       *http.Client
	serverKey  string
	apiURL     string
	snapURL    string
	maxRetries uint64
	log        *slog.Logger
}

type Options struct {
	ServerKey  string
	APIURL     string
	SnapURL    string
	Timeout    time.Duration
	MaxRetries int
}

func NewClient(opts Options, log *slog.Logger) *Client {
	retries := opts.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return &Client{
		http:       &http.Client{Timeout: opts.Timeout},
		serverKey:  opts.ServerKey,
		apiURL:     strings.TrimRight(opts.APIURL, "/"),
		snapURL:    strings.TrimRight(opts.SnapURL, "/"),
		maxRetries: uint64(retries),
		log:        log,
	}
}

type snapRequest struct {
	TransactionDetails struct {
		OrderID     string `json:"order_id"`
		GrossAmount int64  `json:"gross_amount"`
	} `json:"transaction_details"`
	CustomerDetails struct {
		FirstName string `json:"first_name,omitempty"`
		Email     string `json:"email,omitempty"`
	} `json:"customer_details"`
}

// CreateCharge is not retried: a repeated Snap request for the same order_id
// is rejected by the provider, so the caller decides what a failure means.
func (c *Client) CreateCharge(ctx context.Context, req ChargeRequest) (Charge, error) {
	if c.serverKey == "" {
		return Charge{}, ErrNotConfigured
	}
	if !req.Amount.Equal(req.Amount.Truncate(0)) {
		return Charge{}, fmt.Errorf("create charge %s: %s: %w", req.Reference, req.Amount, ErrFractionalAmount)
	}
	var body snapRequest
	body.TransactionDetails.OrderID = req.Reference
	body.TransactionDetails.GrossAmount = req.Amount.IntPart()
	body.CustomerDetails.FirstName = req.CustomerName
	body.CustomerDetails.Email = req.CustomerEmail

	var charge Charge
	status, err := c.do(ctx, http.MethodPost, c.snapURL+"/snap/v1/transactions", body, &charge)
	if err != nil {
		metrics.GatewayCalls.WithLabelValues("create_charge", "error").Inc()
		return Charge{}, fmt.Errorf("create charge %s: %w", req.Reference, err)
	}
	if status != http.StatusCreated && status != http.StatusOK || charge.Token == "" {
		metrics.GatewayCalls.WithLabelValues("create_charge", "rejected").Inc()
		return Charge{}, fmt.Errorf("create charge %s: http %d: %w", req.Reference, status, ErrUnexpected)
	}
	metrics.GatewayCalls.WithLabelValues("create_charge", "ok").Inc()
	return charge, nil
}

// QueryStatus fetches the current transaction status, retrying transport
// errors and 5xx responses with exponential backoff.
func (c *Client) QueryStatus(ctx context.Context, reference string) (Status, error) {
	if c.serverKey == "" {
		return Status{}, ErrNotConfigured
	}
	var st Status
	err := c.retry(ctx, "query_status", func() error {
		st = Status{}
		code, err := c.do(ctx, http.MethodGet, c.apiURL+"/v2/"+reference+"/status", nil, &st)
		if err != nil {
			return err
		}
		return classify(code, st.StatusCode)
	})
	if err != nil {
		return Status{}, fmt.Errorf("query status %s: %w", reference, err)
	}
	return st, nil
}

// Expire asks the provider to close the payment page. 404 means the
// customer never opened it, which is as good as expired.
func (c *Client) Expire(ctx context.Context, reference string) error {
	if c.serverKey == "" {
		return ErrNotConfigured
	}
	err := c.retry(ctx, "expire", func() error {
		var st Status
		code, err := c.do(ctx, http.MethodPost, c.apiURL+"/v2/"+reference+"/expire", nil, &st)
		if err != nil {
			return err
		}
		return classify(code, st.StatusCode)
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("expire %s: %w", reference, err)
	}
	return nil
}

func (c *Client) retry(ctx context.Context, op string, fn func() error) error {
	b := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	err := backoff.RetryNotify(fn, b, func(err error, wait time.Duration) {
		c.log.Warn("gateway call failed, retrying", "op", op, "wait", wait, "err", err)
	})
	switch {
	case err == nil:
		metrics.GatewayCalls.WithLabelValues(op, "ok").Inc()
	case isNotFound(err):
		metrics.GatewayCalls.WithLabelValues(op, "not_found").Inc()
	default:
		metrics.GatewayCalls.WithLabelValues(op, "error").Inc()
	}
	return err
}

// classify maps the HTTP code and the body status_code (the provider
// answers some errors with HTTP 200) to a retry decision.
func classify(httpCode int, bodyCode string) error {
	if bodyCode == "404" || httpCode == http.StatusNotFound {
		return backoff.Permanent(ErrNotFound)
	}
	if httpCode >= 500 || strings.HasPrefix(bodyCode, "5") {
		return fmt.Errorf("http %d status_code %s: %w", httpCode, bodyCode, ErrUnexpected)
	}
	if httpCode >= 400 {
		return backoff.Permanent(fmt.Errorf("http %d: %w", httpCode, ErrUnexpected))
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func (c *Client) do(ctx context.Context, method, url string, in, out any) (int, error) {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return 0, fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return 0, err
	}
	req.SetBasicAuth(c.serverKey, "")
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return resp.StatusCode, fmt.Errorf("read body: %w", err)
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil && resp.StatusCode < 300 {
			return resp.StatusCode, fmt.Errorf("decode body: %w", err)
		}
	}
	return resp.StatusCode, nil
}
