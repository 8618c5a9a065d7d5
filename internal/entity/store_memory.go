package entity

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/reconcile-cli/internal/identifier"
)

// MemoryStore is an in-memory Store with the same locking semantics as the
// Postgres store (non-blocking per-key locks). Used by tests and local mode.
type MemoryStore struct {
	mu sync.Mutex

	entities    map[int64]*Record
	fields      map[int64]map[string]Field
	items       map[int64]map[string]map[string]bool
	identifiers map[int64][]identifier.Normalized
	rels        map[int64]*Relationship

	locks map[string]bool

	nextEntityID int64
	nextRelID    int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entities:     make(map[int64]*Record),
		fields:       make(map[int64]map[string]Field),
		items:        make(map[int64]map[string]map[string]bool),
		identifiers:  make(map[int64][]identifier.Normalized),
		rels:         make(map[int64]*Relationship),
		locks:        make(map[string]bool),
		nextEntityID: 1,
		nextRelID:    1,
	}
}

// GetEntity fetches an entity by ID. Returns (nil, nil) when absent.
func (s *MemoryStore) GetEntity(_ context.Context, id int64) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.entities[id]
	if !ok {
		return nil, nil
	}
	cp := *r
	return &cp, nil
}

// GetByIdentifier returns every entity holding the identifier.
func (s *MemoryStore) GetByIdentifier(_ context.Context, n identifier.Normalized) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []Record
	switch n.Kind {
	case identifier.KindDomain:
		for _, r := range s.entities {
			if r.Domain == n.Value {
				out = append(out, *r)
			}
		}
	case identifier.KindLinkedIn:
		for _, r := range s.entities {
			if r.LinkedInURL == n.Value {
				out = append(out, *r)
			}
		}
	default:
		for id, ids := range s.identifiers {
			for _, have := range ids {
				if have == n {
					out = append(out, *s.entities[id])
					break
				}
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// CreateEntity inserts a new entity plus its identifiers and sets its ID.
func (s *MemoryStore) CreateEntity(_ context.Context, r *Record, ids []identifier.Normalized) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	r.ID = s.nextEntityID
	s.nextEntityID++
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now

	cp := *r
	s.entities[r.ID] = &cp
	for _, n := range ids {
		s.upsertIdentifierLocked(r.ID, n)
	}
	return nil
}

// GetFields returns all enriched fields for an entity.
func (s *MemoryStore) GetFields(_ context.Context, entityID int64) (map[string]Field, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Field, len(s.fields[entityID]))
	for name, f := range s.fields[entityID] {
		out[name] = f
	}
	return out, nil
}

// UpsertFields writes field values with their provenance.
func (s *MemoryStore) UpsertFields(_ context.Context, entityID int64, fields []Field) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entities[entityID] == nil {
		return eris.Wrapf(ErrNotFound, "entity: %d", entityID)
	}
	if s.fields[entityID] == nil {
		s.fields[entityID] = make(map[string]Field)
	}
	for _, f := range fields {
		f.EntityID = entityID
		s.fields[entityID][f.Name] = f
	}
	s.entities[entityID].UpdatedAt = time.Now()
	return nil
}

// UpsertItems accumulates multi-valued field items; duplicates are no-ops.
func (s *MemoryStore) UpsertItems(_ context.Context, entityID int64, field string, values []string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entities[entityID] == nil {
		return 0, eris.Wrapf(ErrNotFound, "entity: %d", entityID)
	}
	if s.items[entityID] == nil {
		s.items[entityID] = make(map[string]map[string]bool)
	}
	if s.items[entityID][field] == nil {
		s.items[entityID][field] = make(map[string]bool)
	}

	var added int64
	for _, v := range values {
		if v == "" || s.items[entityID][field][v] {
			continue
		}
		s.items[entityID][field][v] = true
		added++
	}
	return added, nil
}

// UpsertIdentifier records an identifier for an entity.
func (s *MemoryStore) UpsertIdentifier(_ context.Context, entityID int64, n identifier.Normalized) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.entities[entityID] == nil {
		return eris.Wrapf(ErrNotFound, "entity: %d", entityID)
	}
	s.upsertIdentifierLocked(entityID, n)
	return nil
}

func (s *MemoryStore) upsertIdentifierLocked(entityID int64, n identifier.Normalized) {
	for _, have := range s.identifiers[entityID] {
		if have == n {
			return
		}
	}
	s.identifiers[entityID] = append(s.identifiers[entityID], n)

	// Keep the column mirror of the high-trust identifiers in sync.
	switch n.Kind {
	case identifier.KindDomain:
		if s.entities[entityID].Domain == "" {
			s.entities[entityID].Domain = n.Value
		}
	case identifier.KindLinkedIn:
		if s.entities[entityID].LinkedInURL == "" {
			s.entities[entityID].LinkedInURL = n.Value
		}
	}
}

// GetIdentifiers returns all identifiers recorded for an entity.
func (s *MemoryStore) GetIdentifiers(_ context.Context, entityID int64) ([]identifier.Normalized, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]identifier.Normalized(nil), s.identifiers[entityID]...), nil
}

// CreateRelationship inserts an edge and sets its ID. Re-discovering an
// existing edge is a no-op.
func (s *MemoryStore) CreateRelationship(_ context.Context, rel *Relationship) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.rels {
		if r.SourceEntityID != rel.SourceEntityID || r.RelType != rel.RelType {
			continue
		}
		if r.TargetEntityID != nil && rel.TargetEntityID != nil && *r.TargetEntityID == *rel.TargetEntityID {
			return nil
		}
		if r.TargetEntityID == nil && rel.TargetEntityID == nil &&
			r.UnresolvedKind == rel.UnresolvedKind && r.UnresolvedValue == rel.UnresolvedValue {
			return nil
		}
	}

	rel.ID = s.nextRelID
	s.nextRelID++
	now := time.Now()
	rel.CreatedAt = now
	rel.UpdatedAt = now

	cp := *rel
	s.rels[rel.ID] = &cp
	return nil
}

// UnresolvedRelationships returns edges with placeholder targets, id ascending.
func (s *MemoryStore) UnresolvedRelationships(_ context.Context, afterID int64, limit int) ([]Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if limit <= 0 {
		limit = 100
	}
	var out []Relationship
	for _, rel := range s.rels {
		if rel.TargetEntityID == nil && rel.ID > afterID {
			out = append(out, *rel)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ResolveRelationship fills in a placeholder endpoint.
func (s *MemoryStore) ResolveRelationship(_ context.Context, relID, targetEntityID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rel, ok := s.rels[relID]
	if !ok || rel.TargetEntityID != nil {
		return eris.Wrapf(ErrNotFound, "entity: relationship %d unresolved", relID)
	}
	rel.TargetEntityID = &targetEntityID
	rel.UnresolvedKind = ""
	rel.UnresolvedValue = ""
	rel.UpdatedAt = time.Now()
	return nil
}

// Lock takes the non-blocking per-key lock; a held lock surfaces as
// ErrConcurrentModification for retry with backoff.
func (s *MemoryStore) Lock(_ context.Context, key string) (func(), error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.locks[key] {
		return nil, eris.Wrapf(ErrConcurrentModification, "entity: lock %s held", key)
	}
	s.locks[key] = true

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.locks, key)
			s.mu.Unlock()
		})
	}, nil
}

// Items returns the accumulated values of a multi-valued field, sorted, for
// test assertions.
func (s *MemoryStore) Items(entityID int64, field string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []string
	for v := range s.items[entityID][field] {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}
