package review

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/db"
)

// PostgresQueue implements Queue on the review_queue table.
type PostgresQueue struct {
	pool db.Pool
}

// NewPostgresQueue creates a review queue backed by the given pool.
func NewPostgresQueue(pool db.Pool) *PostgresQueue {
	return &PostgresQueue{pool: pool}
}

// Add appends an item and sets its ID. A record that already has an open
// item is not queued twice; backfill replays an ambiguous record on every
// pass until a human resolves it.
func (q *PostgresQueue) Add(ctx context.Context, item *Item) error {
	err := q.pool.QueryRow(ctx, `
		INSERT INTO review_queue (record_id, source, payload, candidates, reason)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (record_id) WHERE resolved_at IS NULL DO NOTHING
		RETURNING id, created_at`,
		item.RecordID, item.Source, item.Payload, item.Candidates, item.Reason,
	).Scan(&item.ID, &item.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil
		}
		return eris.Wrap(err, "review: add")
	}
	return nil
}

// ListOpen returns unresolved items, oldest first.
func (q *PostgresQueue) ListOpen(ctx context.Context, limit int) ([]Item, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.pool.Query(ctx, `
		SELECT id, record_id, source, payload, candidates, reason, created_at, resolved_at, COALESCE(resolved_by, '')
		FROM review_queue
		WHERE resolved_at IS NULL
		ORDER BY id
		LIMIT $1`, limit)
	if err != nil {
		return nil, eris.Wrap(err, "review: list open")
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		var it Item
		if err := rows.Scan(&it.ID, &it.RecordID, &it.Source, &it.Payload, &it.Candidates,
			&it.Reason, &it.CreatedAt, &it.ResolvedAt, &it.ResolvedBy); err != nil {
			return nil, eris.Wrap(err, "review: scan item")
		}
		items = append(items, it)
	}
	return items, rows.Err()
}

// Resolve marks an item resolved. Only explicit human action calls this.
func (q *PostgresQueue) Resolve(ctx context.Context, id int64, reviewer string) error {
	tag, err := q.pool.Exec(ctx, `
		UPDATE review_queue SET resolved_at = now(), resolved_by = $2
		WHERE id = $1 AND resolved_at IS NULL`,
		id, reviewer,
	)
	if err != nil {
		return eris.Wrapf(err, "review: resolve %d", id)
	}
	if tag.RowsAffected() == 0 {
		return eris.Errorf("review: item %d not found or already resolved", id)
	}
	return nil
}
