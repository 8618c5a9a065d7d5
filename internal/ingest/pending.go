package ingest

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/db"
)

// PendingRecord is a record held for later reconciliation: it resolved
// ambiguous (or its edges stayed unresolved) and may resolve cleanly once
// more entities exist. The backfill job re-runs these in watermarked chunks.
type PendingRecord struct {
	ID          int64      `json:"id" db:"id"`
	RecordID    string     `json:"record_id" db:"record_id"`
	Source      string     `json:"source" db:"source"`
	Payload     []byte     `json:"payload" db:"payload"` // IncomingRecord JSON
	Reason      string     `json:"reason" db:"reason"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	ProcessedAt *time.Time `json:"processed_at,omitempty" db:"processed_at"`
}

// PendingStore persists records awaiting reconciliation.
type PendingStore interface {
	// Add parks a record. Adding a record id that is already parked and
	// unprocessed is a no-op, so re-running an ambiguous record during
	// backfill cannot duplicate it.
	Add(ctx context.Context, rec *PendingRecord) error
	// ListAfter returns unprocessed records with id > afterID, id ascending.
	ListAfter(ctx context.Context, afterID int64, limit int) ([]PendingRecord, error)
	MarkProcessed(ctx context.Context, id int64) error
}

// PostgresPendingStore implements PendingStore on the pending_records table.
type PostgresPendingStore struct {
	pool db.Pool
}

// NewPostgresPendingStore creates a pending store backed by the given pool.
func NewPostgresPendingStore(pool db.Pool) *PostgresPendingStore {
	return &PostgresPendingStore{pool: pool}
}

// Add appends a pending record and sets its ID. An already-parked record id
// is left alone.
func (s *PostgresPendingStore) Add(ctx context.Context, rec *PendingRecord) error {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO pending_records (record_id, source, payload, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (record_id) WHERE processed_at IS NULL DO NOTHING
		RETURNING id, created_at`,
		rec.RecordID, rec.Source, rec.Payload, rec.Reason,
	).Scan(&rec.ID, &rec.CreatedAt)
	if err != nil {
		if err == pgx.ErrNoRows {
			return nil
		}
		return eris.Wrap(err, "ingest: add pending record")
	}
	return nil
}

// ListAfter returns unprocessed records past the watermark, id ascending.
func (s *PostgresPendingStore) ListAfter(ctx context.Context, afterID int64, limit int) ([]PendingRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, record_id, source, payload, reason, created_at, processed_at
		FROM pending_records
		WHERE id > $1 AND processed_at IS NULL
		ORDER BY id
		LIMIT $2`, afterID, limit)
	if err != nil {
		return nil, eris.Wrap(err, "ingest: list pending records")
	}
	defer rows.Close()

	var recs []PendingRecord
	for rows.Next() {
		var r PendingRecord
		if err := rows.Scan(&r.ID, &r.RecordID, &r.Source, &r.Payload, &r.Reason, &r.CreatedAt, &r.ProcessedAt); err != nil {
			return nil, eris.Wrap(err, "ingest: scan pending record")
		}
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// MarkProcessed stamps a pending record as handled.
func (s *PostgresPendingStore) MarkProcessed(ctx context.Context, id int64) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE pending_records SET processed_at = now() WHERE id = $1`, id)
	if err != nil {
		return eris.Wrapf(err, "ingest: mark pending %d processed", id)
	}
	return nil
}

// MemoryPendingStore is an in-memory PendingStore for tests and local mode.
type MemoryPendingStore struct {
	mu     sync.Mutex
	recs   map[int64]*PendingRecord
	nextID int64
}

// NewMemoryPendingStore creates an empty in-memory pending store.
func NewMemoryPendingStore() *MemoryPendingStore {
	return &MemoryPendingStore{recs: make(map[int64]*PendingRecord), nextID: 1}
}

// Add appends a pending record and sets its ID. An already-parked record id
// is left alone.
func (s *MemoryPendingStore) Add(_ context.Context, rec *PendingRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.recs {
		if r.RecordID == rec.RecordID && r.ProcessedAt == nil {
			return nil
		}
	}
	rec.ID = s.nextID
	s.nextID++
	rec.CreatedAt = time.Now()
	cp := *rec
	s.recs[rec.ID] = &cp
	return nil
}

// ListAfter returns unprocessed records past the watermark, id ascending.
func (s *MemoryPendingStore) ListAfter(_ context.Context, afterID int64, limit int) ([]PendingRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []PendingRecord
	for _, r := range s.recs {
		if r.ID > afterID && r.ProcessedAt == nil {
			out = append(out, *r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// MarkProcessed stamps a pending record as handled.
func (s *MemoryPendingStore) MarkProcessed(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.recs[id]
	if !ok {
		return eris.Errorf("ingest: pending record %d not found", id)
	}
	now := time.Now()
	r.ProcessedAt = &now
	return nil
}
