package provenance

import (
	"context"
	"testing"
	"time"

	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedgerHistory(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	require.NoError(t, l.Append(ctx, Entry{
		RecordID: "clay:r1", EntityID: 1, Field: "industry",
		NewValue: "Manufacturing", Source: "clay", Decision: DecisionCreated,
	}))
	require.NoError(t, l.Append(ctx, Entry{
		RecordID: "parallel:r2", EntityID: 1, Field: "industry",
		OldValue: "Manufacturing", NewValue: "Industrial Manufacturing",
		Source: "parallel", Decision: DecisionApplied,
	}))
	require.NoError(t, l.Append(ctx, Entry{
		RecordID: "clay:r3", EntityID: 2, Field: "industry",
		Source: "clay", Decision: DecisionCreated,
	}))

	history, err := l.History(ctx, 1, "industry")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, DecisionCreated, history[0].Decision)
	assert.Equal(t, DecisionApplied, history[1].Decision)
	assert.True(t, history[0].ID < history[1].ID)
}

func TestMemoryLedgerSeenRecord(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	// Review and rejected decisions do not count as writes; the record must
	// still be re-mergeable after a human resolves it.
	require.NoError(t, l.Append(ctx, Entry{RecordID: "clay:r1", Source: "clay", Decision: DecisionReview}))
	require.NoError(t, l.Append(ctx, Entry{RecordID: "clay:r2", Source: "clay", Decision: DecisionRejected}))

	for _, id := range []string{"clay:r1", "clay:r2", "clay:never"} {
		seen, err := l.SeenRecord(ctx, id)
		require.NoError(t, err)
		assert.False(t, seen, id)
	}

	require.NoError(t, l.Append(ctx, Entry{RecordID: "clay:r1", EntityID: 3, Source: "clay", Decision: DecisionApplied}))
	seen, err := l.SeenRecord(ctx, "clay:r1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMemoryLedgerRejectionRate(t *testing.T) {
	l := NewMemoryLedger()
	ctx := context.Background()

	for _, d := range []Decision{DecisionCreated, DecisionApplied, DecisionSuperseded, DecisionRejected} {
		require.NoError(t, l.Append(ctx, Entry{RecordID: "scrape:r", Source: "scrape", Decision: d}))
	}
	require.NoError(t, l.Append(ctx, Entry{RecordID: "clay:r", Source: "clay", Decision: DecisionCreated}))

	stats, err := l.RejectionRate(ctx, "scrape")
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.Total)
	assert.Equal(t, int64(2), stats.Rejected)
	assert.InDelta(t, 0.5, stats.Rate, 1e-9)

	empty, err := l.RejectionRate(ctx, "nobody")
	require.NoError(t, err)
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.Rate)
}

func TestPostgresLedgerAppend(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l := NewPostgresLedger(mock)
	observed := time.Date(2026, 1, 15, 12, 0, 0, 0, time.UTC)

	mock.ExpectExec("INSERT INTO provenance_log").
		WithArgs("clay:r1", int64(7), "industry", "", "Manufacturing", "clay", 0.8, "created", observed).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = l.Append(context.Background(), Entry{
		RecordID: "clay:r1", EntityID: 7, Field: "industry",
		NewValue: "Manufacturing", Source: "clay", Confidence: 0.8,
		Decision: DecisionCreated, ObservedAt: observed,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerAppendZeroEntityIsNull(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l := NewPostgresLedger(mock)

	// Review decisions carry no entity; the column goes NULL, not 0.
	mock.ExpectExec("INSERT INTO provenance_log").
		WithArgs("clay:r1", nil, "", "", "duplicate canonical domain", "clay", 0.0, "review", pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	err = l.Append(context.Background(), Entry{
		RecordID: "clay:r1", NewValue: "duplicate canonical domain",
		Source: "clay", Decision: DecisionReview,
	})
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerRejectionRate(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l := NewPostgresLedger(mock)

	mock.ExpectQuery("FROM provenance_log").
		WithArgs("scrape").
		WillReturnRows(pgxmock.NewRows([]string{"count", "rejected"}).AddRow(int64(10), int64(3)))

	stats, err := l.RejectionRate(context.Background(), "scrape")
	require.NoError(t, err)
	assert.Equal(t, int64(10), stats.Total)
	assert.InDelta(t, 0.3, stats.Rate, 1e-9)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresLedgerSeenRecord(t *testing.T) {
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	defer mock.Close()

	l := NewPostgresLedger(mock)

	mock.ExpectQuery("SELECT EXISTS").
		WithArgs("clay:r1").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	seen, err := l.SeenRecord(context.Background(), "clay:r1")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.NoError(t, mock.ExpectationsWereMet())
}
