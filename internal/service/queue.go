package service

import (
	"context"
	"fmt"
	"time"
)

const defaultQueueWidth = 3

// QueueSequencer hands out the daily queue number. The counter row for a
// date stays locked by the UPDATE until the caller's transaction ends, so
// numbers are assigned strictly in commit order.
type QueueSequencer struct {
	width int
}

func NewQueueSequencer(width int) QueueSequencer {
	if width <= 0 {
		width = defaultQueueWidth
	}
	return QueueSequencer{width: width}
}

// Next returns the next zero-padded number for the calendar date of day in loc.
func (q QueueSequencer) Next(ctx context.Context, store Store, day time.Time, loc *time.Location) (string, error) {
	date := calendarDate(day, loc)
	if err := store.EnsureQueueCounter(ctx, date); err != nil {
		return "", fmt.Errorf("ensure queue counter: %w", err)
	}
	n, err := store.IncrementQueueCounter(ctx, date)
	if err != nil {
		return "", fmt.Errorf("increment queue counter: %w", err)
	}
	return q.format(n), nil
}

func (q QueueSequencer) format(n int32) string {
	return fmt.Sprintf("%0*d", q.width, n)
}

// Purge deletes counter rows older than the date of before. Housekeeping
// only; nothing reads past rows.
func (q QueueSequencer) Purge(ctx context.Context, store Store, before time.Time, loc *time.Location) (int64, error) {
	n, err := store.DeleteQueueCountersBefore(ctx, calendarDate(before, loc))
	if err != nil {
		return 0, fmt.Errorf("purge queue counters: %w", err)
	}
	return n, nil
}
