package service

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/kiwari-pos/checkout/internal/database"
)

const (
	defaultDuplicateWindow = 5 * time.Minute
	defaultMaxAttempts     = 3
)

var (
	ErrDuplicateOrder = errors.New("an identical order was placed moments ago")
	ErrRateLimited    = errors.New("too many checkout attempts")
)

// RateLimitError carries how long the customer should wait.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry in %s", ErrRateLimited, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error { return ErrRateLimited }

// OrderHashGuard rejects repeated submissions of the same cart and coarse
// checkout spam by one customer.
type OrderHashGuard struct {
	window      time.Duration
	maxAttempts int
}

func NewOrderHashGuard(window time.Duration, maxAttempts int) OrderHashGuard {
	if window <= 0 {
		window = defaultDuplicateWindow
	}
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	return OrderHashGuard{window: window, maxAttempts: maxAttempts}
}

// OrderHash is independent of the order items were entered in.
func OrderHash(email string, items []CartItem, method database.PaymentMethod, notes, discountCode string) string {
	qty := map[int64]int64{}
	for _, it := range items {
		qty[it.ProductID] += int64(it.Quantity)
	}
	ids := make([]int64, 0, len(qty))
	for id := range qty {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var b strings.Builder
	b.WriteString(strings.ToLower(strings.TrimSpace(email)))
	b.WriteByte('|')
	for i, id := range ids {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatInt(id, 10))
		b.WriteByte(':')
		b.WriteString(strconv.FormatInt(qty[id], 10))
	}
	b.WriteByte('|')
	b.WriteString(string(method))
	b.WriteByte('|')
	b.WriteString(strings.TrimSpace(notes))
	b.WriteByte('|')
	b.WriteString(normalizeDiscountCode(discountCode))

	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// Lock takes the customer's transaction-scoped advisory lock. Everything
// checkout reads about the customer's earlier orders must happen after it,
// so a request that waited sees whatever the holder committed.
func (g OrderHashGuard) Lock(ctx context.Context, store Store, email string) error {
	if err := store.AcquireCustomerLock(ctx, email); err != nil {
		return fmt.Errorf("lock customer: %w", err)
	}
	return nil
}

// Check rejects a repeat of a recent cart and throttles attempts. The caller
// must hold Lock for email in the same transaction.
func (g OrderHashGuard) Check(ctx context.Context, store Store, email, hash string, now time.Time) error {
	since := now.Add(-g.window)

	dupes, err := store.CountRecentOrdersByHash(ctx, database.CountRecentOrdersByHashParams{
		CustomerEmail: email,
		OrderHash:     hash,
		Since:         since,
	})
	if err != nil {
		return fmt.Errorf("count recent orders: %w", err)
	}
	if dupes > 0 {
		return ErrDuplicateOrder
	}

	attempts, err := store.CountRecentAttempts(ctx, database.CountRecentAttemptsParams{
		CustomerEmail: email,
		Since:         since,
	})
	if err != nil {
		return fmt.Errorf("count recent attempts: %w", err)
	}
	if attempts.Count >= int64(g.maxAttempts) {
		wait := g.window
		if attempts.Oldest.Valid {
			wait = attempts.Oldest.Time.Add(g.window).Sub(now)
		}
		if wait < time.Second {
			wait = time.Second
		}
		return &RateLimitError{RetryAfter: wait}
	}
	return nil
}

// CheckIdempotencyKey returns the live order the customer already created
// with key, or nil when there is none. Keys of other customers never match.
func (g OrderHashGuard) CheckIdempotencyKey(ctx context.Context, store Store, email, key string) (*database.Order, error) {
	if key == "" {
		return nil, nil
	}
	o, err := store.GetOrderByIdempotencyKey(ctx, database.GetOrderByIdempotencyKeyParams{
		CustomerEmail:  email,
		IdempotencyKey: key,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("get order by idempotency key: %w", err)
	}
	return &o, nil
}
