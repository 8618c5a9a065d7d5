package review

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
)

// MemoryQueue is an in-memory Queue for tests and the memory store mode.
type MemoryQueue struct {
	mu     sync.Mutex
	items  []Item
	nextID int64
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{nextID: 1}
}

// Add appends an item and sets its ID. A record with an open item is not
// queued twice.
func (q *MemoryQueue) Add(_ context.Context, item *Item) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, it := range q.items {
		if it.RecordID == item.RecordID && it.ResolvedAt == nil {
			return nil
		}
	}
	item.ID = q.nextID
	q.nextID++
	item.CreatedAt = time.Now()
	q.items = append(q.items, *item)
	return nil
}

// ListOpen returns unresolved items, oldest first.
func (q *MemoryQueue) ListOpen(_ context.Context, limit int) ([]Item, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if limit <= 0 {
		limit = 50
	}
	var out []Item
	for _, it := range q.items {
		if it.ResolvedAt == nil {
			out = append(out, it)
			if len(out) >= limit {
				break
			}
		}
	}
	return out, nil
}

// Resolve marks an item resolved.
func (q *MemoryQueue) Resolve(_ context.Context, id int64, reviewer string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i := range q.items {
		if q.items[i].ID == id && q.items[i].ResolvedAt == nil {
			now := time.Now()
			q.items[i].ResolvedAt = &now
			q.items[i].ResolvedBy = reviewer
			return nil
		}
	}
	return eris.Errorf("review: item %d not found or already resolved", id)
}
