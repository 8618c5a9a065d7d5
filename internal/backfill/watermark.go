package backfill

import (
	"context"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/db"
)

// WatermarkStore persists per-job resume points so an interrupted backfill
// restarts from its last completed chunk instead of from scratch.
type WatermarkStore interface {
	// Get returns the highest id the job has processed through, 0 if the
	// job has never run.
	Get(ctx context.Context, job string) (int64, error)
	Set(ctx context.Context, job string, processedThrough int64) error
}

// PostgresWatermarkStore implements WatermarkStore on backfill_watermarks.
type PostgresWatermarkStore struct {
	pool db.Pool
}

// NewPostgresWatermarkStore creates a watermark store backed by the pool.
func NewPostgresWatermarkStore(pool db.Pool) *PostgresWatermarkStore {
	return &PostgresWatermarkStore{pool: pool}
}

// Get returns the job's resume point, 0 for an unseen job.
func (s *PostgresWatermarkStore) Get(ctx context.Context, job string) (int64, error) {
	var through int64
	err := s.pool.QueryRow(ctx,
		`SELECT processed_through FROM backfill_watermarks WHERE job = $1`, job,
	).Scan(&through)
	if err != nil {
		if err == pgx.ErrNoRows {
			return 0, nil
		}
		return 0, eris.Wrapf(err, "backfill: get watermark %s", job)
	}
	return through, nil
}

// Set records the job's resume point.
func (s *PostgresWatermarkStore) Set(ctx context.Context, job string, processedThrough int64) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO backfill_watermarks (job, processed_through, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (job) DO UPDATE SET
			processed_through = EXCLUDED.processed_through,
			updated_at = now()`,
		job, processedThrough)
	if err != nil {
		return eris.Wrapf(err, "backfill: set watermark %s", job)
	}
	return nil
}

// MemoryWatermarkStore is an in-memory WatermarkStore for tests.
type MemoryWatermarkStore struct {
	mu    sync.Mutex
	marks map[string]int64
}

// NewMemoryWatermarkStore creates an empty in-memory watermark store.
func NewMemoryWatermarkStore() *MemoryWatermarkStore {
	return &MemoryWatermarkStore{marks: make(map[string]int64)}
}

// Get returns the job's resume point, 0 for an unseen job.
func (s *MemoryWatermarkStore) Get(_ context.Context, job string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marks[job], nil
}

// Set records the job's resume point.
func (s *MemoryWatermarkStore) Set(_ context.Context, job string, processedThrough int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marks[job] = processedThrough
	return nil
}
