package database

import (
	"context"
)

const getDiscountByCode = `-- name: GetDiscountByCode :one
SELECT id, code, name, percentage, min_purchase, requires_code, active, starts_at, ends_at, created_at
FROM discounts
WHERE upper(code) = upper($1)
`

func (q *Queries) GetDiscountByCode(ctx context.Context, code string) (Discount, error) {
	row := q.db.QueryRow(ctx, getDiscountByCode, code)
	var i Discount
	err := row.Scan(
		&i.ID,
		&i.Code,
		&i.Name,
		&i.Percentage,
		&i.MinPurchase,
		&i.RequiresCode,
		&i.Active,
		&i.StartsAt,
		&i.EndsAt,
		&i.CreatedAt,
	)
	return i, err
}

const listAutomaticDiscounts = `-- name: ListAutomaticDiscounts :many
SELECT id, code, name, percentage, min_purchase, requires_code, active, starts_at, ends_at, created_at
FROM discounts
WHERE active = true AND requires_code = false
ORDER BY percentage DESC, id
`

func (q *Queries) ListAutomaticDiscounts(ctx context.Context) ([]Discount, error) {
	rows, err := q.db.Query(ctx, listAutomaticDiscounts)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []Discount
	for rows.Next() {
		var i Discount
		if err := rows.Scan(
			&i.ID,
			&i.Code,
			&i.Name,
			&i.Percentage,
			&i.MinPurchase,
			&i.RequiresCode,
			&i.Active,
			&i.StartsAt,
			&i.EndsAt,
			&i.CreatedAt,
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
