package provenance

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/db"
)

// PostgresLedger implements Ledger on the provenance_log table.
type PostgresLedger struct {
	pool db.Pool
}

// NewPostgresLedger creates a ledger backed by the given pool.
func NewPostgresLedger(pool db.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Append inserts one ledger row. Single INSERT, no read-modify-write, so
// concurrent appenders need no coordination.
func (l *PostgresLedger) Append(ctx context.Context, e Entry) error {
	observedAt := e.ObservedAt
	if observedAt.IsZero() {
		observedAt = time.Now()
	}
	_, err := l.pool.Exec(ctx, `
		INSERT INTO provenance_log (record_id, entity_id, field, old_value, new_value, source, confidence, decision, observed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		e.RecordID, nilIfZero(e.EntityID), e.Field, e.OldValue, e.NewValue,
		e.Source, e.Confidence, string(e.Decision), observedAt,
	)
	if err != nil {
		return eris.Wrap(err, "provenance: append")
	}
	return nil
}

// History returns all entries for an entity field, oldest first.
func (l *PostgresLedger) History(ctx context.Context, entityID int64, field string) ([]Entry, error) {
	rows, err := l.pool.Query(ctx, `
		SELECT id, record_id, COALESCE(entity_id, 0), field, old_value, new_value, source, confidence, decision, observed_at, created_at
		FROM provenance_log
		WHERE entity_id = $1 AND field = $2
		ORDER BY id`, entityID, field)
	if err != nil {
		return nil, eris.Wrapf(err, "provenance: history for entity %d field %s", entityID, field)
	}
	defer rows.Close()
	return scanEntries(rows)
}

// RejectionRate reports how often a source's values were superseded or
// rejected. Sources with consistently high rates are producing low-quality
// data.
func (l *PostgresLedger) RejectionRate(ctx context.Context, source string) (RejectionStats, error) {
	stats := RejectionStats{Source: source}
	err := l.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE decision IN ('superseded', 'rejected'))
		FROM provenance_log
		WHERE source = $1`, source).
		Scan(&stats.Total, &stats.Rejected)
	if err != nil {
		return stats, eris.Wrapf(err, "provenance: rejection rate for %s", source)
	}
	if stats.Total > 0 {
		stats.Rate = float64(stats.Rejected) / float64(stats.Total)
	}
	return stats, nil
}

// SeenRecord reports whether a record already produced entity writes.
func (l *PostgresLedger) SeenRecord(ctx context.Context, recordID string) (bool, error) {
	var seen bool
	err := l.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM provenance_log
			WHERE record_id = $1 AND decision IN ('created', 'applied')
		)`, recordID).Scan(&seen)
	if err != nil {
		return false, eris.Wrapf(err, "provenance: seen record %s", recordID)
	}
	return seen, nil
}

func scanEntries(rows pgx.Rows) ([]Entry, error) {
	var entries []Entry
	for rows.Next() {
		var e Entry
		var decision string
		if err := rows.Scan(&e.ID, &e.RecordID, &e.EntityID, &e.Field, &e.OldValue, &e.NewValue,
			&e.Source, &e.Confidence, &decision, &e.ObservedAt, &e.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "provenance: scan entry")
		}
		e.Decision = Decision(decision)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nilIfZero(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
