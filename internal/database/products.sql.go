package database

import (
	"context"
)

const getProductForUpdate = `-- name: GetProductForUpdate :one
SELECT id, name, price, stock, low_stock_threshold, closed, created_at, updated_at
FROM products
WHERE id = $1
FOR UPDATE
`

func (q *Queries) GetProductForUpdate(ctx context.Context, id int64) (Product, error) {
	row := q.db.QueryRow(ctx, getProductForUpdate, id)
	var i Product
	err := row.Scan(
		&i.ID,
		&i.Name,
		&i.Price,
		&i.Stock,
		&i.LowStockThreshold,
		&i.Closed,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const listProductsByIDs = `-- name: ListProductsByIDs :many
SELECT id, name, price, stock, low_stock_threshold, closed, created_at, updated_at
FROM products
WHERE id = ANY($1::bigint[])
ORDER BY id
`

func (q *Queries) ListProductsByIDs(ctx context.Context, ids []int64) ([]Product, error) {
	rows, err := q.db.Query(ctx, listProductsByIDs, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Product
	for rows.Next() {
		var i Product
		if err := rows.Scan(
			&i.ID,
			&i.Name,
			&i.Price,
			&i.Stock,
			&i.LowStockThreshold,
			&i.Closed,
			&i.CreatedAt,
			&i.UpdatedAt,
		); err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const decrementProductStock = `-- name: DecrementProductStock :one
UPDATE products
SET stock = stock - $2, updated_at = now()
WHERE id = $1 AND stock >= $2
RETURNING stock
`

type DecrementProductStockParams struct {
	ID       int64
	Quantity int32
}

// DecrementProductStock returns pgx.ErrNoRows when stock would go negative.
func (q *Queries) DecrementProductStock(ctx context.Context, arg DecrementProductStockParams) (int32, error) {
	row := q.db.QueryRow(ctx, decrementProductStock, arg.ID, arg.Quantity)
	var stock int32
	err := row.Scan(&stock)
	return stock, err
}

const incrementProductStock = `-- name: IncrementProductStock :one
UPDATE products
SET stock = stock + $2, updated_at = now()
WHERE id = $1
RETURNING stock
`

type IncrementProductStockParams struct {
	ID       int64
	Quantity int32
}

func (q *Queries) IncrementProductStock(ctx context.Context, arg IncrementProductStockParams) (int32, error) {
	row := q.db.QueryRow(ctx, incrementProductStock, arg.ID, arg.Quantity)
	var stock int32
	err := row.Scan(&stock)
	return stock, err
}
