// Package entity implements the canonical company record: identity
// resolution across enrichment sources, policy-driven field coalescing, and
// relationship edges. It is the only code that writes the entity store.
package entity

import (
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/identifier"
)

// Record is the canonical record for a real-world company. The ID is
// immutable once assigned; the high-trust identifiers (domain, LinkedIn URL)
// live as columns, everything else goes through entity_identifiers.
type Record struct {
	ID          int64     `json:"id" db:"id"`
	Name        string    `json:"name" db:"name"`
	Domain      string    `json:"domain,omitempty" db:"domain"`
	LinkedInURL string    `json:"linkedin_url,omitempty" db:"linkedin_url"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Field is an enriched field value with its provenance.
type Field struct {
	EntityID   int64     `json:"entity_id" db:"entity_id"`
	Name       string    `json:"name" db:"name"`
	Value      any       `json:"value" db:"value"`
	Source     string    `json:"source" db:"source"`
	Confidence float64   `json:"confidence" db:"confidence"`
	ObservedAt time.Time `json:"observed_at" db:"observed_at"`
}

// FieldValue is an incoming value for a single field, before merge.
type FieldValue struct {
	Value      any       `json:"value"`
	Source     string    `json:"source"`
	Confidence float64   `json:"confidence"`
	ObservedAt time.Time `json:"observed_at"`
}

// Tier is the confidence tier of a resolution.
type Tier string

const (
	TierExact          Tier = "exact"
	TierCrossReference Tier = "cross-reference"
	TierNone           Tier = "none"
)

// ResolutionStatus is the shape of a resolution result.
type ResolutionStatus string

const (
	ResolutionMatched   ResolutionStatus = "matched"
	ResolutionAmbiguous ResolutionStatus = "ambiguous"
	ResolutionNoMatch   ResolutionStatus = "no_match"
)

// Resolution is the result of resolving a set of identifiers against the
// entity store.
type Resolution struct {
	Status     ResolutionStatus `json:"status"`
	EntityID   int64            `json:"entity_id,omitempty"`
	Tier       Tier             `json:"tier"`
	Candidates []int64          `json:"candidates,omitempty"`
	Reason     string           `json:"reason,omitempty"`
}

// MergeStatus is the terminal state of a merge attempt.
type MergeStatus string

const (
	MergeCreated     MergeStatus = "created"
	MergeUpdated     MergeStatus = "updated"
	MergeNeedsReview MergeStatus = "needs_review"
	MergeReplayed    MergeStatus = "replayed"
)

// MergeOutcome reports what a merge did.
type MergeOutcome struct {
	Status         MergeStatus `json:"status"`
	EntityID       int64       `json:"entity_id,omitempty"`
	FieldsChanged  []string    `json:"fields_changed,omitempty"`
	FieldsRejected []string    `json:"fields_rejected,omitempty"`
	ItemsAdded     int64       `json:"items_added,omitempty"`
	Candidates     []int64     `json:"candidates,omitempty"`
}

// Relationship is a directed edge between two entities, e.g. vendor to
// customer. The target may be an unresolved placeholder: a normalized
// identifier retained until backfill finds the matching entity. Edges are
// never deleted, only updated in place.
type Relationship struct {
	ID              int64           `json:"id" db:"id"`
	SourceEntityID  int64           `json:"source_entity_id" db:"source_entity_id"`
	TargetEntityID  *int64          `json:"target_entity_id,omitempty" db:"target_entity_id"`
	UnresolvedKind  identifier.Kind `json:"unresolved_kind,omitempty" db:"unresolved_kind"`
	UnresolvedValue string          `json:"unresolved_value,omitempty" db:"unresolved_value"`
	RelType         string          `json:"rel_type" db:"rel_type"`
	EvidenceURL     string          `json:"evidence_url,omitempty" db:"evidence_url"`
	DiscoveryMethod string          `json:"discovery_method,omitempty" db:"discovery_method"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at" db:"updated_at"`
}

// Relationship types.
const (
	RelCustomer   = "customer"
	RelSimilarTo  = "similar_to"
	RelSubsidiary = "subsidiary"
)

// Sentinel errors. Checked with eris.Is.
var (
	// ErrSchemaMismatch means an incoming field name is not in the field
	// policy table. Writes must fail loudly here; silently dropping the
	// field is the failure class this core exists to prevent.
	ErrSchemaMismatch = eris.New("entity: field not in schema")

	// ErrConcurrentModification means the per-identifier lock could not be
	// acquired. Callers retry with backoff before surfacing a merge failure.
	ErrConcurrentModification = eris.New("entity: concurrent modification")

	// ErrNotFound means the requested entity does not exist.
	ErrNotFound = eris.New("entity: not found")
)
