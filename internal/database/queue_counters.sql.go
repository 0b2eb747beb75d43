package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgtype"
)

const ensureQueueCounter = `-- name: EnsureQueueCounter :exec
INSERT INTO queue_counters (counter_date, last_number)
VALUES ($1, 0)
ON CONFLICT (counter_date) DO NOTHING
`

func (q *Queries) EnsureQueueCounter(ctx context.Context, counterDate pgtype.Date) error {
	_, err := q.db.Exec(ctx, ensureQueueCounter, counterDate)
	return err
}

const incrementQueueCounter = `-- name: IncrementQueueCounter :one
UPDATE queue_counters
SET last_number = last_number + 1
WHERE counter_date = $1
RETURNING last_number
`

// IncrementQueueCounter holds the row lock on the date's counter until the
// surrounding transaction ends.
func (q *Queries) IncrementQueueCounter(ctx context.Context, counterDate pgtype.Date) (int32, error) {
	row := q.db.QueryRow(ctx, incrementQueueCounter, counterDate)
	var lastNumber int32
	err := row.Scan(&lastNumber)
	return lastNumber, err
}

const deleteQueueCountersBefore = `-- name: DeleteQueueCountersBefore :execrows
DELETE FROM queue_counters
WHERE counter_date < $1
`

func (q *Queries) DeleteQueueCountersBefore(ctx context.Context, counterDate pgtype.Date) (int64, error) {
	result, err := q.db.Exec(ctx, deleteQueueCountersBefore, counterDate)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}
