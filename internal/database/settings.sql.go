package database

import (
	"context"
)

const getStoreSettings = `-- name: GetStoreSettings :one
SELECT id, tax_percentage, is_open, opens_at, closes_at, timezone, updated_at
FROM store_settings
WHERE id = 1
`

func (q *Queries) GetStoreSettings(ctx context.Context) (StoreSetting, error) {
	row := q.db.QueryRow(ctx, getStoreSettings)
	var i StoreSetting
	err := row.Scan(
		&i.ID,
		&i.TaxPercentage,
		&i.IsOpen,
		&i.OpensAt,
		&i.ClosesAt,
		&i.Timezone,
		&i.UpdatedAt,
	)
	return i, err
}
