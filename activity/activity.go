// Package activity provides the append-only audit trail shared by every
// state-changing operation. Entries are written on the caller's transaction
// so a status change and its log line commit or roll back together.
package activity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Entry mirrors the activity_log table. Rows are never mutated or deleted.
type Entry struct {
	ID        int64
	DealID    string
	ActorID   *string
	Action    string
	Metadata  []byte
	CreatedAt time.Time
}

// Recorder appends audit entries and outbox facts inside an open transaction.
type Recorder struct{}

func NewRecorder() *Recorder {
	return &Recorder{}
}

// Append inserts one activity_log row. actorID is nil for system and
// webhook-originated entries.
func (r *Recorder) Append(ctx context.Context, tx pgx.Tx, dealID, action string, actorID *string, metadata map[string]any) error {
	if metadata == nil {
		metadata = map[string]any{}
	}
	body, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("activity: marshal metadata: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const q = `
INSERT INTO activity_log (deal_id, actor_id, action, metadata)
VALUES ($1, $2::uuid, $3, $4::jsonb)
`
	if _, err := tx.Exec(ctx, q, dealID, actor, action, body); err != nil {
		return fmt.Errorf("activity: insert entry: %w", err)
	}
	return nil
}

// Enqueue records an outbox fact for downstream delivery (notifications,
// UI refresh). Delivery mechanics live outside this repository.
func (r *Recorder) Enqueue(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("activity: marshal outbox payload: %w", err)
	}
	const q = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, q, topic, body); err != nil {
		return fmt.Errorf("activity: enqueue outbox: %w", err)
	}
	return nil
}

// Reader serves the audit read path.
type Reader struct {
	pool *pgxpool.Pool
}

func NewReader(pool *pgxpool.Pool) *Reader {
	return &Reader{pool: pool}
}

// ListByDeal returns a deal's audit entries, newest first.
func (r *Reader) ListByDeal(ctx context.Context, dealID string, limit int) ([]Entry, error) {
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	const q = `
SELECT id, deal_id, actor_id::text, action, metadata, created_at
FROM activity_log
WHERE deal_id = $1
ORDER BY id DESC
LIMIT $2
`
	rows, err := r.pool.Query(ctx, q, dealID, limit)
	if err != nil {
		return nil, fmt.Errorf("activity: list: %w", err)
	}
	defer rows.Close()

	out := make([]Entry, 0, limit)
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.DealID, &e.ActorID, &e.Action, &e.Metadata, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("activity: scan entry: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity: iterate: %w", err)
	}
	return out, nil
}
