package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ConfirmationLog is the durable tier of confirmation dedup, backed by
// market.confirmation_log.
type ConfirmationLog struct {
	db      *sql.DB
	timeout time.Duration
}

func NewConfirmationLog(db *sql.DB) *ConfirmationLog {
	return &ConfirmationLog{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks if the confirmation was already applied.
func (c *ConfirmationLog) IsDuplicate(ctx context.Context, eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return hasConfirmation(ctx, c.db, eventType, idempotencyKey)
}

// LoadRecentKeys returns up to limit composite keys ("type:key") applied
// since the given time, newest first, for warming the dedup LRU.
func (c *ConfirmationLog) LoadRecentKeys(ctx context.Context, since time.Time, limit int) ([]string, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT event_type, idempotency_key
		FROM market.confirmation_log
		WHERE applied_at >= $1
		ORDER BY applied_at DESC
		LIMIT $2`,
		since, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load confirmation keys: %w", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var eventType, key string
		if err := rows.Scan(&eventType, &key); err != nil {
			return nil, err
		}
		keys = append(keys, eventType+":"+key)
	}
	return keys, rows.Err()
}
