package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

const orderColumns = `id, order_code, queue_number, queue_date, customer_id, customer_email, customer_name,
	items, total_items, subtotal, discount_id, discount_amount, tax_amount, total_amount, notes,
	payment_method, payment_status, gateway_reference, gateway_raw_status, gateway_token,
	gateway_redirect_url, paid_at, status, confirmation_notified_at, cancelled_at, needs_review,
	review_reason, order_hash, idempotency_key, last_attempt_at, created_at, updated_at`

func scanOrder(row pgx.Row) (Order, error) {
	var i Order
	err := row.Scan(
		&i.ID,
		&i.OrderCode,
		&i.QueueNumber,
		&i.QueueDate,
		&i.CustomerID,
		&i.CustomerEmail,
		&i.CustomerName,
		&i.Items,
		&i.TotalItems,
		&i.Subtotal,
		&i.DiscountID,
		&i.DiscountAmount,
		&i.TaxAmount,
		&i.TotalAmount,
		&i.Notes,
		&i.PaymentMethod,
		&i.PaymentStatus,
		&i.GatewayReference,
		&i.GatewayRawStatus,
		&i.GatewayToken,
		&i.GatewayRedirectUrl,
		&i.PaidAt,
		&i.Status,
		&i.ConfirmationNotifiedAt,
		&i.CancelledAt,
		&i.NeedsReview,
		&i.ReviewReason,
		&i.OrderHash,
		&i.IdempotencyKey,
		&i.LastAttemptAt,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

func scanOrders(rows pgx.Rows) ([]Order, error) {
	defer rows.Close()
	var items []Order
	for rows.Next() {
		i, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const acquireCustomerLock = `-- name: AcquireCustomerLock :exec
SELECT pg_advisory_xact_lock(hashtext($1))
`

// AcquireCustomerLock serializes checkouts of one customer until the
// surrounding transaction ends.
func (q *Queries) AcquireCustomerLock(ctx context.Context, customerEmail string) error {
	_, err := q.db.Exec(ctx, acquireCustomerLock, customerEmail)
	return err
}

const countRecentOrdersByHash = `-- name: CountRecentOrdersByHash :one
SELECT count(*)
FROM orders
WHERE customer_email = $1
  AND order_hash = $2
  AND created_at >= $3
  AND payment_status NOT IN ('failed', 'expired')
`

type CountRecentOrdersByHashParams struct {
	CustomerEmail string
	OrderHash     string
	Since         time.Time
}

func (q *Queries) CountRecentOrdersByHash(ctx context.Context, arg CountRecentOrdersByHashParams) (int64, error) {
	row := q.db.QueryRow(ctx, countRecentOrdersByHash, arg.CustomerEmail, arg.OrderHash, arg.Since)
	var count int64
	err := row.Scan(&count)
	return count, err
}

const countRecentAttempts = `-- name: CountRecentAttempts :one
SELECT count(*), min(last_attempt_at)
FROM orders
WHERE customer_email = $1
  AND last_attempt_at >= $2
`

type CountRecentAttemptsParams struct {
	CustomerEmail string
	Since         time.Time
}

type CountRecentAttemptsRow struct {
	Count  int64
	Oldest pgtype.Timestamptz
}

func (q *Queries) CountRecentAttempts(ctx context.Context, arg CountRecentAttemptsParams) (CountRecentAttemptsRow, error) {
	row := q.db.QueryRow(ctx, countRecentAttempts, arg.CustomerEmail, arg.Since)
	var i CountRecentAttemptsRow
	err := row.Scan(&i.Count, &i.Oldest)
	return i, err
}

const getOrderByIdempotencyKey = `-- name: GetOrderByIdempotencyKey :one
SELECT ` + orderColumns + `
FROM orders
WHERE customer_email = $1
  AND idempotency_key = $2
  AND payment_status NOT IN ('failed', 'expired')
`

type GetOrderByIdempotencyKeyParams struct {
	CustomerEmail  string
	IdempotencyKey string
}

func (q *Queries) GetOrderByIdempotencyKey(ctx context.Context, arg GetOrderByIdempotencyKeyParams) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByIdempotencyKey, arg.CustomerEmail, arg.IdempotencyKey))
}

const orderCodeExists = `-- name: OrderCodeExists :one
SELECT EXISTS (SELECT 1 FROM orders WHERE order_code = $1)
`

func (q *Queries) OrderCodeExists(ctx context.Context, orderCode string) (bool, error) {
	row := q.db.QueryRow(ctx, orderCodeExists, orderCode)
	var exists bool
	err := row.Scan(&exists)
	return exists, err
}

const createOrder = `-- name: CreateOrder :one
INSERT INTO orders (
    order_code, queue_number, queue_date, customer_id, customer_email, customer_name,
    items, total_items, subtotal, discount_id, discount_amount, tax_amount, total_amount, notes,
    payment_method, payment_status, gateway_reference, status, order_hash, idempotency_key,
    last_attempt_at
) VALUES (
    $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21
)
RETURNING ` + orderColumns

type CreateOrderParams struct {
	OrderCode        string
	QueueNumber      string
	QueueDate        pgtype.Date
	CustomerID       uuid.UUID
	CustomerEmail    string
	CustomerName     string
	Items            []byte
	TotalItems       int32
	Subtotal         pgtype.Numeric
	DiscountID       pgtype.Int8
	DiscountAmount   pgtype.Numeric
	TaxAmount        pgtype.Numeric
	TotalAmount      pgtype.Numeric
	Notes            pgtype.Text
	PaymentMethod    PaymentMethod
	PaymentStatus    PaymentStatus
	GatewayReference pgtype.Text
	Status           OrderStatus
	OrderHash        string
	IdempotencyKey   pgtype.Text
	LastAttemptAt    time.Time
}

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	row := q.db.QueryRow(ctx, createOrder,
		arg.OrderCode,
		arg.QueueNumber,
		arg.QueueDate,
		arg.CustomerID,
		arg.CustomerEmail,
		arg.CustomerName,
		arg.Items,
		arg.TotalItems,
		arg.Subtotal,
		arg.DiscountID,
		arg.DiscountAmount,
		arg.TaxAmount,
		arg.TotalAmount,
		arg.Notes,
		arg.PaymentMethod,
		arg.PaymentStatus,
		arg.GatewayReference,
		arg.Status,
		arg.OrderHash,
		arg.IdempotencyKey,
		arg.LastAttemptAt,
	)
	return scanOrder(row)
}

const getOrderByCode = `-- name: GetOrderByCode :one
SELECT ` + orderColumns + `
FROM orders
WHERE order_code = $1
`

func (q *Queries) GetOrderByCode(ctx context.Context, orderCode string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByCode, orderCode))
}

const getOrderForUpdate = `-- name: GetOrderForUpdate :one
SELECT ` + orderColumns + `
FROM orders
WHERE id = $1
FOR UPDATE
`

func (q *Queries) GetOrderForUpdate(ctx context.Context, id int64) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderForUpdate, id))
}

const getOrderByCodeForUpdate = `-- name: GetOrderByCodeForUpdate :one
SELECT ` + orderColumns + `
FROM orders
WHERE order_code = $1
FOR UPDATE
`

func (q *Queries) GetOrderByCodeForUpdate(ctx context.Context, orderCode string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByCodeForUpdate, orderCode))
}

const getOrderByReferenceForUpdate = `-- name: GetOrderByReferenceForUpdate :one
SELECT ` + orderColumns + `
FROM orders
WHERE gateway_reference = $1
FOR UPDATE
`

func (q *Queries) GetOrderByReferenceForUpdate(ctx context.Context, gatewayReference string) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderByReferenceForUpdate, gatewayReference))
}

const updateOrderGatewayCharge = `-- name: UpdateOrderGatewayCharge :one
UPDATE orders
SET gateway_token = $2, gateway_redirect_url = $3, updated_at = now()
WHERE id = $1
RETURNING ` + orderColumns

type UpdateOrderGatewayChargeParams struct {
	ID                 int64
	GatewayToken       pgtype.Text
	GatewayRedirectUrl pgtype.Text
}

func (q *Queries) UpdateOrderGatewayCharge(ctx context.Context, arg UpdateOrderGatewayChargeParams) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, updateOrderGatewayCharge, arg.ID, arg.GatewayToken, arg.GatewayRedirectUrl))
}

const updateOrderPayment = `-- name: UpdateOrderPayment :one
UPDATE orders
SET payment_status = $2,
    gateway_raw_status = $3,
    paid_at = $4,
    status = $5,
    confirmation_notified_at = $6,
    needs_review = $7,
    review_reason = $8,
    updated_at = now()
WHERE id = $1
RETURNING ` + orderColumns

type UpdateOrderPaymentParams struct {
	ID                     int64
	PaymentStatus          PaymentStatus
	GatewayRawStatus       pgtype.Text
	PaidAt                 pgtype.Timestamptz
	Status                 OrderStatus
	ConfirmationNotifiedAt pgtype.Timestamptz
	NeedsReview            bool
	ReviewReason           pgtype.Text
}

func (q *Queries) UpdateOrderPayment(ctx context.Context, arg UpdateOrderPaymentParams) (Order, error) {
	row := q.db.QueryRow(ctx, updateOrderPayment,
		arg.ID,
		arg.PaymentStatus,
		arg.GatewayRawStatus,
		arg.PaidAt,
		arg.Status,
		arg.ConfirmationNotifiedAt,
		arg.NeedsReview,
		arg.ReviewReason,
	)
	return scanOrder(row)
}

const cancelOrder = `-- name: CancelOrder :one
UPDATE orders
SET payment_status = $2,
    status = 'cancelled',
    cancelled_at = $3,
    updated_at = now()
WHERE id = $1 AND cancelled_at IS NULL
RETURNING ` + orderColumns

type CancelOrderParams struct {
	ID            int64
	PaymentStatus PaymentStatus
	CancelledAt   pgtype.Timestamptz
}

// CancelOrder returns pgx.ErrNoRows when the order was already cancelled.
func (q *Queries) CancelOrder(ctx context.Context, arg CancelOrderParams) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, cancelOrder, arg.ID, arg.PaymentStatus, arg.CancelledAt))
}

const updateOrderStatus = `-- name: UpdateOrderStatus :one
UPDATE orders
SET status = $2, updated_at = now()
WHERE id = $1
RETURNING ` + orderColumns

type UpdateOrderStatusParams struct {
	ID     int64
	Status OrderStatus
}

func (q *Queries) UpdateOrderStatus(ctx context.Context, arg UpdateOrderStatusParams) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, updateOrderStatus, arg.ID, arg.Status))
}

const listExpirableOrderIDs = `-- name: ListExpirableOrderIDs :many
SELECT id
FROM orders
WHERE payment_method = 'gateway'
  AND payment_status = 'pending'
  AND cancelled_at IS NULL
  AND created_at < $1
ORDER BY created_at
LIMIT $2
`

type ListExpirableOrderIDsParams struct {
	CreatedBefore time.Time
	Limit         int32
}

func (q *Queries) ListExpirableOrderIDs(ctx context.Context, arg ListExpirableOrderIDsParams) ([]int64, error) {
	rows, err := q.db.Query(ctx, listExpirableOrderIDs, arg.CreatedBefore, arg.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		items = append(items, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listActiveOrdersByDate = `-- name: ListActiveOrdersByDate :many
SELECT ` + orderColumns + `
FROM orders
WHERE queue_date = $1
  AND status IN ('waiting', 'awaiting_confirmation')
ORDER BY queue_number
`

func (q *Queries) ListActiveOrdersByDate(ctx context.Context, queueDate pgtype.Date) ([]Order, error) {
	rows, err := q.db.Query(ctx, listActiveOrdersByDate, queueDate)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}

const listOrdersNeedingReview = `-- name: ListOrdersNeedingReview :many
SELECT ` + orderColumns + `
FROM orders
WHERE needs_review = true
ORDER BY updated_at DESC
LIMIT $1
`

func (q *Queries) ListOrdersNeedingReview(ctx context.Context, limit int32) ([]Order, error) {
	rows, err := q.db.Query(ctx, listOrdersNeedingReview, limit)
	if err != nil {
		return nil, err
	}
	return scanOrders(rows)
}
