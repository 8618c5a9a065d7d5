package backfill

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/entity"
	"github.com/sells-group/reconcile-cli/internal/identifier"
	"github.com/sells-group/reconcile-cli/internal/ingest"
)

// Job names used as watermark keys.
const (
	JobPending       = "pending_records"
	JobRelationships = "unresolved_relationships"
)

// Report summarizes one backfill run.
type Report struct {
	Scanned        int   `json:"scanned"`
	Created        int   `json:"created"`
	Updated        int   `json:"updated"`
	StillAmbiguous int   `json:"still_ambiguous"`
	Replayed       int   `json:"replayed"`
	Failed         int   `json:"failed"`
	Relinked       int   `json:"relinked"`
	Elapsed        int64 `json:"elapsed_ms"`
}

// Reconciler re-runs parked records and unresolved relationship edges in
// watermarked chunks. Each chunk commits its watermark before the next one
// starts, so a cancelled or crashed run resumes where it left off, and
// cancellation is only honored between chunks.
type Reconciler struct {
	pending    ingest.PendingStore
	processor  *ingest.Processor
	store      entity.Store
	resolver   *entity.Resolver
	watermarks WatermarkStore
	chunkSize  int
	maxChunks  int
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithMaxChunks caps how many pending chunks a single run scans; the
// watermark keeps its position so the next run continues from there. n <= 0
// means no cap.
func WithMaxChunks(n int) Option {
	return func(r *Reconciler) { r.maxChunks = n }
}

// NewReconciler wires a backfill reconciler. chunkSize <= 0 uses 100.
func NewReconciler(pending ingest.PendingStore, processor *ingest.Processor, store entity.Store, resolver *entity.Resolver, watermarks WatermarkStore, chunkSize int, opts ...Option) *Reconciler {
	if chunkSize <= 0 {
		chunkSize = 100
	}
	r := &Reconciler{
		pending:    pending,
		processor:  processor,
		store:      store,
		resolver:   resolver,
		watermarks: watermarks,
		chunkSize:  chunkSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run replays parked records and then re-links unresolved edges. A failing
// record is logged and skipped; it never aborts the run.
func (r *Reconciler) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	var report Report

	if err := r.replayPending(ctx, &report); err != nil {
		report.Elapsed = time.Since(start).Milliseconds()
		return report, err
	}
	if err := r.relink(ctx, &report); err != nil {
		report.Elapsed = time.Since(start).Milliseconds()
		return report, err
	}

	report.Elapsed = time.Since(start).Milliseconds()
	zap.L().Info("backfill run complete",
		zap.Int("scanned", report.Scanned),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("still_ambiguous", report.StillAmbiguous),
		zap.Int("failed", report.Failed),
		zap.Int("relinked", report.Relinked),
		zap.Int64("elapsed_ms", report.Elapsed),
	)
	return report, nil
}

// replayPending walks the pending table chunk by chunk. Records that now
// resolve cleanly are processed and marked; still-ambiguous ones are left
// for the next run. When the scan reaches the end of the table the
// watermark resets to zero so leftover records get another pass later.
func (r *Reconciler) replayPending(ctx context.Context, report *Report) error {
	mark, err := r.watermarks.Get(ctx, JobPending)
	if err != nil {
		return err
	}

	for chunks := 0; ; chunks++ {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "backfill: cancelled between chunks")
		}
		if r.maxChunks > 0 && chunks >= r.maxChunks {
			zap.L().Info("backfill: chunk cap reached",
				zap.Int("max_chunks", r.maxChunks), zap.Int64("watermark", mark))
			return nil
		}

		recs, err := r.pending.ListAfter(ctx, mark, r.chunkSize)
		if err != nil {
			return err
		}
		if len(recs) == 0 {
			return r.watermarks.Set(ctx, JobPending, 0)
		}

		for _, p := range recs {
			report.Scanned++
			r.replayOne(ctx, p, report)
		}

		mark = recs[len(recs)-1].ID
		if err := r.watermarks.Set(ctx, JobPending, mark); err != nil {
			return err
		}
		if len(recs) < r.chunkSize {
			return r.watermarks.Set(ctx, JobPending, 0)
		}
	}
}

func (r *Reconciler) replayOne(ctx context.Context, p ingest.PendingRecord, report *Report) {
	log := zap.L().With(
		zap.Int64("pending_id", p.ID),
		zap.String("record_id", p.RecordID),
	)

	var rec ingest.IncomingRecord
	if err := json.Unmarshal(p.Payload, &rec); err != nil {
		report.Failed++
		log.Warn("decode pending payload", zap.Error(err))
		return
	}

	outcome, err := r.processor.Process(ctx, rec)
	if err != nil {
		report.Failed++
		log.Warn("replay pending record", zap.Error(err))
		return
	}

	switch outcome.Status {
	case entity.MergeNeedsReview:
		// Still ambiguous: leave it parked, a human has to resolve the
		// duplicates first.
		report.StillAmbiguous++
		return
	case entity.MergeCreated:
		report.Created++
	case entity.MergeUpdated:
		report.Updated++
	case entity.MergeReplayed:
		report.Replayed++
	}

	if err := r.pending.MarkProcessed(ctx, p.ID); err != nil {
		log.Warn("mark pending processed", zap.Error(err))
	}
}

// relink retries unresolved relationship endpoints against the current
// entity set. Edges whose target still does not exist stay as placeholders.
func (r *Reconciler) relink(ctx context.Context, report *Report) error {
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return eris.Wrap(err, "backfill: cancelled between chunks")
		}

		rels, err := r.store.UnresolvedRelationships(ctx, afterID, r.chunkSize)
		if err != nil {
			return err
		}
		if len(rels) == 0 {
			return nil
		}

		for _, rel := range rels {
			afterID = rel.ID
			target, err := identifierOf(rel)
			if err != nil {
				zap.L().Warn("skip unresolvable relationship",
					zap.Int64("relationship_id", rel.ID), zap.Error(err))
				continue
			}

			res, err := r.resolver.Resolve(ctx, target)
			if err != nil {
				zap.L().Warn("resolve relationship target",
					zap.Int64("relationship_id", rel.ID), zap.Error(err))
				continue
			}
			if res.Status != entity.ResolutionMatched {
				continue
			}

			if err := r.store.ResolveRelationship(ctx, rel.ID, res.EntityID); err != nil {
				zap.L().Warn("resolve relationship edge",
					zap.Int64("relationship_id", rel.ID), zap.Error(err))
				continue
			}
			report.Relinked++
		}

		if len(rels) < r.chunkSize {
			return nil
		}
	}
}

func identifierOf(rel entity.Relationship) ([]identifier.Normalized, error) {
	if rel.UnresolvedKind == "" || rel.UnresolvedValue == "" {
		return nil, eris.Errorf("backfill: relationship %d has no unresolved identifier", rel.ID)
	}
	return []identifier.Normalized{{Kind: rel.UnresolvedKind, Value: rel.UnresolvedValue}}, nil
}
