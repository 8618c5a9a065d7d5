// Package review holds the queue of records that need a human decision:
// ambiguous matches are appended here and never auto-resolved. The queue is
// read and cleared only by explicit administrative action.
package review

import (
	"context"
	"time"
)

// Item is one record awaiting review.
type Item struct {
	ID         int64      `json:"id" db:"id"`
	RecordID   string     `json:"record_id" db:"record_id"`
	Source     string     `json:"source" db:"source"`
	Payload    []byte     `json:"payload,omitempty" db:"payload"` // original record JSON
	Candidates []int64    `json:"candidates" db:"candidates"`
	Reason     string     `json:"reason" db:"reason"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
	ResolvedAt *time.Time `json:"resolved_at,omitempty" db:"resolved_at"`
	ResolvedBy string     `json:"resolved_by,omitempty" db:"resolved_by"`
}

// Queue is the append-only review feed. Resolve is the only mutation and is
// invoked by a human, never by ingest or backfill.
type Queue interface {
	// Add queues an item. A record id with an open item is not queued
	// twice.
	Add(ctx context.Context, item *Item) error
	ListOpen(ctx context.Context, limit int) ([]Item, error)
	Resolve(ctx context.Context, id int64, reviewer string) error
}
