package review

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueueOpenRecordNotQueuedTwice(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	first := &Item{RecordID: "clay:r1", Source: "clay", Reason: "duplicate canonical domain"}
	require.NoError(t, q.Add(ctx, first))
	require.NotZero(t, first.ID)

	// Backfill replays the ambiguous record every pass; the open item must
	// not multiply.
	dup := &Item{RecordID: "clay:r1", Source: "clay", Reason: "duplicate canonical domain"}
	require.NoError(t, q.Add(ctx, dup))

	open, err := q.ListOpen(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	// Once resolved, the same record can be queued again.
	require.NoError(t, q.Resolve(ctx, first.ID, "analyst@example.com"))
	require.NoError(t, q.Add(ctx, &Item{RecordID: "clay:r1", Source: "clay"}))

	open, err = q.ListOpen(ctx, 10)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}

func TestMemoryQueueResolve(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	item := &Item{RecordID: "clay:r1", Source: "clay"}
	require.NoError(t, q.Add(ctx, item))

	require.NoError(t, q.Resolve(ctx, item.ID, "analyst@example.com"))

	open, err := q.ListOpen(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, open)

	// Double resolve and unknown ids fail.
	assert.Error(t, q.Resolve(ctx, item.ID, "analyst@example.com"))
	assert.Error(t, q.Resolve(ctx, 999, "analyst@example.com"))
}

func TestMemoryQueueListOpenLimit(t *testing.T) {
	q := NewMemoryQueue()
	ctx := context.Background()

	for _, id := range []string{"clay:a", "clay:b", "clay:c"} {
		require.NoError(t, q.Add(ctx, &Item{RecordID: id, Source: "clay"}))
	}

	open, err := q.ListOpen(ctx, 2)
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "clay:a", open[0].RecordID)
}

func TestPostgresQueueAdd(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := NewPostgresQueue(mock)

	mock.ExpectQuery("INSERT INTO review_queue").
		WithArgs("clay:r1", "clay", []byte(`{}`), []int64{1, 2}, "duplicate canonical domain").
		WillReturnRows(pgxmock.NewRows([]string{"id", "created_at"}).
			AddRow(int64(5), time.Now()))

	item := &Item{
		RecordID:   "clay:r1",
		Source:     "clay",
		Payload:    []byte(`{}`),
		Candidates: []int64{1, 2},
		Reason:     "duplicate canonical domain",
	}
	require.NoError(t, q.Add(context.Background(), item))
	assert.Equal(t, int64(5), item.ID)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueueAddOpenDuplicateIsNoOp(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := NewPostgresQueue(mock)

	// ON CONFLICT DO NOTHING returns no row for an already-open record.
	mock.ExpectQuery("INSERT INTO review_queue").
		WithArgs(pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg(), pgxmock.AnyArg()).
		WillReturnError(pgx.ErrNoRows)

	err = q.Add(context.Background(), &Item{RecordID: "clay:r1", Source: "clay"})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresQueueResolveAlreadyResolved(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	q := NewPostgresQueue(mock)

	mock.ExpectExec("UPDATE review_queue").
		WithArgs(int64(5), "analyst@example.com").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err = q.Resolve(context.Background(), 5, "analyst@example.com")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already resolved")
	assert.NoError(t, mock.ExpectationsWereMet())
}
