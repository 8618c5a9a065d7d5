package entity

import (
	"context"

	"github.com/sells-group/reconcile-cli/internal/identifier"
)

// Store defines persistence operations for the canonical entity model.
// Implementations return (nil, nil) for lookups with no match, and must keep
// ErrNotFound/ErrConcurrentModification semantics for the error paths.
type Store interface {
	// Entities
	GetEntity(ctx context.Context, id int64) (*Record, error)
	// GetByIdentifier returns every entity holding the identifier. More
	// than one hit for a domain is a pre-existing integrity violation the
	// resolver surfaces as ambiguous rather than picking arbitrarily.
	GetByIdentifier(ctx context.Context, n identifier.Normalized) ([]Record, error)
	CreateEntity(ctx context.Context, r *Record, ids []identifier.Normalized) error

	// Enriched fields
	GetFields(ctx context.Context, entityID int64) (map[string]Field, error)
	UpsertFields(ctx context.Context, entityID int64, fields []Field) error
	// UpsertItems accumulates multi-valued field items; duplicate
	// (entity, field, value) rows are no-ops. Returns rows actually added.
	UpsertItems(ctx context.Context, entityID int64, field string, values []string) (int64, error)

	// Identifiers (additive only; identifier correction is an explicit
	// administrative operation outside this core)
	UpsertIdentifier(ctx context.Context, entityID int64, n identifier.Normalized) error
	GetIdentifiers(ctx context.Context, entityID int64) ([]identifier.Normalized, error)

	// Relationships
	CreateRelationship(ctx context.Context, rel *Relationship) error
	UnresolvedRelationships(ctx context.Context, afterID int64, limit int) ([]Relationship, error)
	ResolveRelationship(ctx context.Context, relID, targetEntityID int64) error

	// Lock acquires the exclusive per-identifier critical section used to
	// serialize merges for one identifier. It does not block: when the lock
	// is held elsewhere it returns ErrConcurrentModification and the caller
	// retries with backoff. The returned func releases the lock.
	Lock(ctx context.Context, key string) (func(), error)
}
