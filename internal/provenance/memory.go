package provenance

import (
	"context"
	"sync"
	"time"
)

// MemoryLedger is an in-memory Ledger for tests and the memory store mode.
type MemoryLedger struct {
	mu      sync.Mutex
	entries []Entry
	nextID  int64
}

// NewMemoryLedger creates an empty in-memory ledger.
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{nextID: 1}
}

// Append stores one entry.
func (l *MemoryLedger) Append(_ context.Context, e Entry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	e.ID = l.nextID
	l.nextID++
	if e.ObservedAt.IsZero() {
		e.ObservedAt = time.Now()
	}
	e.CreatedAt = time.Now()
	l.entries = append(l.entries, e)
	return nil
}

// History returns entries for an entity field, oldest first.
func (l *MemoryLedger) History(_ context.Context, entityID int64, field string) ([]Entry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, e := range l.entries {
		if e.EntityID == entityID && e.Field == field {
			out = append(out, e)
		}
	}
	return out, nil
}

// RejectionRate reports the superseded+rejected share for a source.
func (l *MemoryLedger) RejectionRate(_ context.Context, source string) (RejectionStats, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	stats := RejectionStats{Source: source}
	for _, e := range l.entries {
		if e.Source != source {
			continue
		}
		stats.Total++
		if e.Decision == DecisionSuperseded || e.Decision == DecisionRejected {
			stats.Rejected++
		}
	}
	if stats.Total > 0 {
		stats.Rate = float64(stats.Rejected) / float64(stats.Total)
	}
	return stats, nil
}

// SeenRecord reports whether a record already produced entity writes.
func (l *MemoryLedger) SeenRecord(_ context.Context, recordID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, e := range l.entries {
		if e.RecordID == recordID && (e.Decision == DecisionCreated || e.Decision == DecisionApplied) {
			return true, nil
		}
	}
	return false, nil
}

// All returns a copy of every entry, for test assertions.
func (l *MemoryLedger) All() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Entry(nil), l.entries...)
}
