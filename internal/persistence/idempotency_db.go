package persistence

import (
	"context"
	"database/sql"
	"time"
)

// dedupLookupTimeout bounds the tier-2 idempotency probe. A slow lookup
// stalls the whole core loop, so the probe fails open quickly and the
// event-log unique index catches any duplicate that slips through.
const dedupLookupTimeout = 500 * time.Millisecond

// PostgresIdempotencyChecker answers "was this command already applied?"
// against the durable event log. It backs the core's in-memory LRU as the
// second dedup tier for keys that have aged out of memory.
type PostgresIdempotencyChecker struct {
	db *sql.DB
}

func NewPostgresIdempotencyChecker(db *sql.DB) *PostgresIdempotencyChecker {
	return &PostgresIdempotencyChecker{db: db}
}

// IsDuplicate reports whether the (type, key) pair exists in the event log.
func (pic *PostgresIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), dedupLookupTimeout)
	defer cancel()

	var exists bool
	err := pic.db.QueryRowContext(ctx, `
        SELECT EXISTS (
            SELECT 1 FROM event_log.events
            WHERE event_type = $1 AND idempotency_key = $2
        )
    `, eventType, idempotencyKey).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}
