package ingest

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/sells-group/reconcile-cli/internal/entity"
	"github.com/sells-group/reconcile-cli/internal/identifier"
	"github.com/sells-group/reconcile-cli/internal/provenance"
	"github.com/sells-group/reconcile-cli/internal/resilience"
)

// ErrNoIdentifier means a record carried nothing that normalizes to a usable
// identifier, so it cannot be resolved against the warehouse.
var ErrNoIdentifier = eris.New("ingest: record has no usable identifier")

// Processor drives one record through the full pipeline: normalize its
// identifiers, resolve under the per-identifier lock, merge, then link any
// relationship edges. Ambiguous records land in the review queue and the
// pending table for later backfill.
type Processor struct {
	store    entity.Store
	resolver *entity.Resolver
	merger   *entity.Merger
	relater  *entity.Relater
	ledger   provenance.Ledger
	pending  PendingStore
	limiter  *rate.Limiter
	retry    resilience.RetryConfig
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithLimiter caps the record throughput of ProcessBatch.
func WithLimiter(l *rate.Limiter) ProcessorOption {
	return func(p *Processor) { p.limiter = l }
}

// WithRetryConfig overrides the lock-contention retry policy.
func WithRetryConfig(cfg resilience.RetryConfig) ProcessorOption {
	return func(p *Processor) { p.retry = cfg }
}

// NewProcessor wires the pipeline components together.
func NewProcessor(store entity.Store, resolver *entity.Resolver, merger *entity.Merger, relater *entity.Relater, ledger provenance.Ledger, pending PendingStore, opts ...ProcessorOption) *Processor {
	p := &Processor{
		store:    store,
		resolver: resolver,
		merger:   merger,
		relater:  relater,
		ledger:   ledger,
		pending:  pending,
		retry:    resilience.DefaultRetryConfig(isLockContention),
	}
	p.retry.OnRetry = resilience.RetryLogger("ingest: identifier lock")
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func isLockContention(err error) bool {
	return eris.Is(err, entity.ErrConcurrentModification)
}

// Process runs one record end to end and returns the merge outcome.
//
// Identifier normalization is strict: a value that fails to normalize
// rejects the whole record (ledgered), it is never coerced or dropped.
// Resolution and merge both happen while holding the lock on every one of
// the record's identifiers, so two concurrent records for the same company
// cannot each create an entity even when they only share a secondary key.
// Lock contention is retried with backoff.
func (p *Processor) Process(ctx context.Context, rec IncomingRecord) (entity.MergeOutcome, error) {
	log := zap.L().With(
		zap.String("record_id", rec.RecordID),
		zap.String("source", rec.Source),
	)

	ids, err := p.normalize(ctx, rec)
	if err != nil {
		return entity.MergeOutcome{}, err
	}

	in := entity.Incoming{
		RecordID:    rec.RecordID,
		Source:      rec.Source,
		Name:        rec.Name,
		Identifiers: ids,
		Fields:      rec.Fields,
		Items:       rec.Items,
	}

	outcome, err := resilience.DoVal(ctx, p.retry, func(ctx context.Context) (entity.MergeOutcome, error) {
		unlock, err := p.lockAll(ctx, ids)
		if err != nil {
			return entity.MergeOutcome{}, err
		}
		defer unlock()

		res, err := p.resolver.Resolve(ctx, ids)
		if err != nil {
			return entity.MergeOutcome{}, eris.Wrap(err, "ingest: resolve record")
		}
		return p.merger.Merge(ctx, res, in)
	})
	if err != nil {
		return entity.MergeOutcome{}, err
	}

	if outcome.Status == entity.MergeNeedsReview {
		if err := p.hold(ctx, rec, outcome); err != nil {
			log.Warn("park ambiguous record for backfill", zap.Error(err))
		}
		return outcome, nil
	}

	if len(rec.Edges) > 0 && outcome.EntityID != 0 {
		edges := p.normalizeEdges(ctx, rec)
		if len(edges) > 0 {
			if _, err := p.relater.Link(ctx, outcome.EntityID, edges); err != nil {
				// Edges are additive; a link failure does not undo the merge.
				log.Warn("link relationship edges", zap.Error(err))
			}
		}
	}
	return outcome, nil
}

// lockAll acquires the non-blocking lock for every identifier key, in
// sorted key order so contending records fail fast instead of interleaving.
// On contention everything already held is released before the error
// propagates, so the retry starts clean.
func (p *Processor) lockAll(ctx context.Context, ids []identifier.Normalized) (func(), error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = id.Key()
	}
	sort.Strings(keys)

	unlocks := make([]func(), 0, len(keys))
	release := func() {
		for i := len(unlocks) - 1; i >= 0; i-- {
			unlocks[i]()
		}
	}
	for _, key := range keys {
		unlock, err := p.store.Lock(ctx, key)
		if err != nil {
			release()
			return nil, err
		}
		unlocks = append(unlocks, unlock)
	}
	return release, nil
}

// normalize converts the record's raw identifier strings, ordered domain,
// linkedin_url, name. Any normalization failure rejects the record.
func (p *Processor) normalize(ctx context.Context, rec IncomingRecord) ([]identifier.Normalized, error) {
	var ids []identifier.Normalized
	for _, kind := range []identifier.Kind{identifier.KindDomain, identifier.KindLinkedIn, identifier.KindName} {
		raw, ok := rec.Identifiers[kind]
		if !ok || raw == "" {
			continue
		}
		n, err := identifier.Normalize(raw, kind)
		if err != nil {
			p.reject(ctx, rec, string(kind), raw, err)
			return nil, eris.Wrapf(err, "ingest: record %s identifier %s=%q", rec.RecordID, kind, raw)
		}
		ids = append(ids, n)
	}
	if len(ids) == 0 {
		p.reject(ctx, rec, "", "", ErrNoIdentifier)
		return nil, eris.Wrapf(ErrNoIdentifier, "ingest: record %s", rec.RecordID)
	}
	return ids, nil
}

// reject ledgers a record-level rejection so flagged input stays auditable.
func (p *Processor) reject(ctx context.Context, rec IncomingRecord, field, value string, cause error) {
	err := p.ledger.Append(ctx, provenance.Entry{
		RecordID:   rec.RecordID,
		Field:      field,
		NewValue:   value,
		Source:     rec.Source,
		Decision:   provenance.DecisionRejected,
		ObservedAt: rec.ReceivedAt,
	})
	if err != nil {
		zap.L().Warn("ledger record rejection",
			zap.String("record_id", rec.RecordID),
			zap.NamedError("cause", cause),
			zap.Error(err),
		)
	}
}

// hold parks an ambiguous record so backfill can retry it once the review
// queue has been worked.
func (p *Processor) hold(ctx context.Context, rec IncomingRecord, outcome entity.MergeOutcome) error {
	payload, err := json.Marshal(rec)
	if err != nil {
		return eris.Wrap(err, "ingest: marshal pending payload")
	}
	return p.pending.Add(ctx, &PendingRecord{
		RecordID: rec.RecordID,
		Source:   rec.Source,
		Payload:  payload,
		Reason:   "ambiguous_match",
	})
}

// normalizeEdges converts raw edges to link inputs, skipping (and ledgering)
// any edge whose target fails normalization. A bad edge never blocks the
// record's own merge.
func (p *Processor) normalizeEdges(ctx context.Context, rec IncomingRecord) []entity.EdgeInput {
	edges := make([]entity.EdgeInput, 0, len(rec.Edges))
	for _, e := range rec.Edges {
		n, err := identifier.Normalize(e.TargetValue, e.TargetKind)
		if err != nil {
			zap.L().Warn("skip relationship edge",
				zap.String("record_id", rec.RecordID),
				zap.String("target_kind", string(e.TargetKind)),
				zap.String("target_value", e.TargetValue),
				zap.Error(err),
			)
			p.reject(ctx, rec, "edge:"+string(e.TargetKind), e.TargetValue, err)
			continue
		}
		edges = append(edges, entity.EdgeInput{
			Target:          n,
			RelType:         e.RelType,
			EvidenceURL:     e.EvidenceURL,
			DiscoveryMethod: e.DiscoveryMethod,
		})
	}
	return edges
}

// BatchResult summarizes a ProcessBatch run.
type BatchResult struct {
	Processed int   `json:"processed"`
	Created   int   `json:"created"`
	Updated   int   `json:"updated"`
	Review    int   `json:"review"`
	Replayed  int   `json:"replayed"`
	Failed    int   `json:"failed"`
	Elapsed   int64 `json:"elapsed_ms"`
}

// ProcessBatch fans records out across workers. A failing record is counted
// and logged but never aborts the batch.
func (p *Processor) ProcessBatch(ctx context.Context, recs []IncomingRecord, concurrency int) (BatchResult, error) {
	if concurrency <= 0 {
		concurrency = 4
	}
	start := time.Now()

	var mu sync.Mutex
	var result BatchResult

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, rec := range recs {
		g.Go(func() error {
			if p.limiter != nil {
				if err := p.limiter.Wait(ctx); err != nil {
					return err
				}
			}
			outcome, err := p.Process(ctx, rec)

			mu.Lock()
			defer mu.Unlock()
			result.Processed++
			switch {
			case err != nil:
				result.Failed++
				zap.L().Warn("process record",
					zap.String("record_id", rec.RecordID),
					zap.String("source", rec.Source),
					zap.Error(err),
				)
			case outcome.Status == entity.MergeCreated:
				result.Created++
			case outcome.Status == entity.MergeUpdated:
				result.Updated++
			case outcome.Status == entity.MergeNeedsReview:
				result.Review++
			case outcome.Status == entity.MergeReplayed:
				result.Replayed++
			}
			return nil
		})
	}
	err := g.Wait()
	result.Elapsed = time.Since(start).Milliseconds()
	return result, err
}
