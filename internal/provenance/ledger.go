// Package provenance is the append-only audit ledger for merge decisions.
// Every write the merge engine makes or refuses to make lands here, so a
// field's current value can always be explained and low-quality sources show
// up as rejection rates instead of silent data loss.
package provenance

import (
	"context"
	"time"
)

// Decision classifies what the merge engine did with a value.
type Decision string

const (
	// DecisionCreated: field set on a newly created entity.
	DecisionCreated Decision = "created"
	// DecisionApplied: field overwritten or set on an existing entity.
	DecisionApplied Decision = "applied"
	// DecisionSuperseded: incoming value lost to a higher-trust stored
	// value; retained for audit, not discarded silently.
	DecisionSuperseded Decision = "superseded"
	// DecisionRejected: record-level rejection (normalization failure,
	// schema mismatch).
	DecisionRejected Decision = "rejected"
	// DecisionReview: routed to the review queue on an ambiguous match.
	DecisionReview Decision = "review"
)

// Entry is one row of the ledger.
type Entry struct {
	ID         int64     `json:"id" db:"id"`
	RecordID   string    `json:"record_id" db:"record_id"`
	EntityID   int64     `json:"entity_id,omitempty" db:"entity_id"`
	Field      string    `json:"field,omitempty" db:"field"`
	OldValue   string    `json:"old_value,omitempty" db:"old_value"`
	NewValue   string    `json:"new_value,omitempty" db:"new_value"`
	Source     string    `json:"source" db:"source"`
	Confidence float64   `json:"confidence" db:"confidence"`
	Decision   Decision  `json:"decision" db:"decision"`
	ObservedAt time.Time `json:"observed_at" db:"observed_at"`
	CreatedAt  time.Time `json:"created_at" db:"created_at"`
}

// RejectionStats summarizes how often a source's values lose or get rejected.
type RejectionStats struct {
	Source   string  `json:"source"`
	Total    int64   `json:"total"`
	Rejected int64   `json:"rejected"`
	Rate     float64 `json:"rate"`
}

// Ledger is the append-only log surface. Append is safe for unsynchronized
// concurrent writers; the query methods are pure reads.
type Ledger interface {
	Append(ctx context.Context, e Entry) error
	// History returns the full decision history for one entity field,
	// oldest first.
	History(ctx context.Context, entityID int64, field string) ([]Entry, error)
	// RejectionRate reports the superseded+rejected share of a source's
	// ledger entries.
	RejectionRate(ctx context.Context, source string) (RejectionStats, error)
	// SeenRecord reports whether a record id already produced a created or
	// applied decision; re-merging such a record is a no-op.
	SeenRecord(ctx context.Context, recordID string) (bool, error)
}
