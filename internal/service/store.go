package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"

	"github.com/kiwari-pos/checkout/internal/database"
	"github.com/kiwari-pos/checkout/internal/notify"
)

// TxBeginner starts a new database transaction.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// DB is a pool that can both run plain reads and open transactions.
// Satisfied by *pgxpool.Pool.
type DB interface {
	TxBeginner
	database.DBTX
}

// Store defines the DB methods the checkout engine needs.
// Satisfied by *database.Queries (and its WithTx variant).
type Store interface {
	GetProductForUpdate(ctx context.Context, id int64) (database.Product, error)
	ListProductsByIDs(ctx context.Context, ids []int64) ([]database.Product, error)
	DecrementProductStock(ctx context.Context, arg database.DecrementProductStockParams) (int32, error)
	IncrementProductStock(ctx context.Context, arg database.IncrementProductStockParams) (int32, error)

	EnsureQueueCounter(ctx context.Context, counterDate pgtype.Date) error
	IncrementQueueCounter(ctx context.Context, counterDate pgtype.Date) (int32, error)
	DeleteQueueCountersBefore(ctx context.Context, counterDate pgtype.Date) (int64, error)

	GetDiscountByCode(ctx context.Context, code string) (database.Discount, error)
	ListAutomaticDiscounts(ctx context.Context) ([]database.Discount, error)
	GetStoreSettings(ctx context.Context) (database.StoreSetting, error)

	AcquireCustomerLock(ctx context.Context, customerEmail string) error
	CountRecentOrdersByHash(ctx context.Context, arg database.CountRecentOrdersByHashParams) (int64, error)
	CountRecentAttempts(ctx context.Context, arg database.CountRecentAttemptsParams) (database.CountRecentAttemptsRow, error)
	GetOrderByIdempotencyKey(ctx context.Context, arg database.GetOrderByIdempotencyKeyParams) (database.Order, error)
	OrderCodeExists(ctx context.Context, orderCode string) (bool, error)
	CreateOrder(ctx context.Context, arg database.CreateOrderParams) (database.Order, error)

	GetOrderByCode(ctx context.Context, orderCode string) (database.Order, error)
	GetOrderForUpdate(ctx context.Context, id int64) (database.Order, error)
	GetOrderByCodeForUpdate(ctx context.Context, orderCode string) (database.Order, error)
	GetOrderByReferenceForUpdate(ctx context.Context, gatewayReference string) (database.Order, error)
	UpdateOrderGatewayCharge(ctx context.Context, arg database.UpdateOrderGatewayChargeParams) (database.Order, error)
	UpdateOrderPayment(ctx context.Context, arg database.UpdateOrderPaymentParams) (database.Order, error)
	CancelOrder(ctx context.Context, arg database.CancelOrderParams) (database.Order, error)
	UpdateOrderStatus(ctx context.Context, arg database.UpdateOrderStatusParams) (database.Order, error)

	ListExpirableOrderIDs(ctx context.Context, arg database.ListExpirableOrderIDsParams) ([]int64, error)
	ListActiveOrdersByDate(ctx context.Context, queueDate pgtype.Date) ([]database.Order, error)
	ListOrdersNeedingReview(ctx context.Context, limit int32) ([]database.Order, error)
}

// NewStore creates a Store from a DBTX (pool or tx).
type NewStore func(db database.DBTX) Store

// QueriesStore is the production NewStore.
func QueriesStore(db database.DBTX) Store {
	return database.New(db)
}

// EventDispatcher delivers post-commit events. Implementations must not
// block the caller on delivery failures.
type EventDispatcher interface {
	Dispatch(ctx context.Context, events ...notify.Event)
}

// inTx runs fn inside one transaction and commits when fn returns nil.
func inTx(ctx context.Context, pool TxBeginner, newStore NewStore, fn func(Store) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(newStore(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
	}
	return false
}

func numericToDecimal(n pgtype.Numeric) decimal.Decimal {
	if !n.Valid {
		return decimal.Zero
	}
	val, err := n.Value()
	if err != nil || val == nil {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(val.(string))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func decimalToNumeric(d decimal.Decimal) pgtype.Numeric {
	var n pgtype.Numeric
	_ = n.Scan(d.StringFixed(2))
	return n
}

func textOrNull(s string) pgtype.Text {
	if s == "" {
		return pgtype.Text{}
	}
	return pgtype.Text{String: s, Valid: true}
}

func timestamptz(t time.Time) pgtype.Timestamptz {
	return pgtype.Timestamptz{Time: t, Valid: true}
}

// calendarDate is the date of t in loc, as a DATE column value.
func calendarDate(t time.Time, loc *time.Location) pgtype.Date {
	y, m, d := t.In(loc).Date()
	return pgtype.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Valid: true}
}
