package main

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/reconcile-cli/internal/backfill"
	"github.com/sells-group/reconcile-cli/internal/db"
	"github.com/sells-group/reconcile-cli/internal/entity"
	"github.com/sells-group/reconcile-cli/internal/ingest"
	"github.com/sells-group/reconcile-cli/internal/provenance"
	"github.com/sells-group/reconcile-cli/internal/review"
)

// env bundles the wired pipeline for a command invocation.
type env struct {
	pool       *pgxpool.Pool // nil for the memory driver
	store      entity.Store
	ledger     provenance.Ledger
	queue      review.Queue
	pending    ingest.PendingStore
	watermarks backfill.WatermarkStore
	resolver   *entity.Resolver
	processor  *ingest.Processor
	reconciler *backfill.Reconciler
}

func initEnv(ctx context.Context) (*env, error) {
	e := &env{}

	switch cfg.Store.Driver {
	case "postgres":
		pool, err := db.Connect(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, err
		}
		e.pool = pool
		e.store = entity.NewPostgresStore(pool)
		e.ledger = provenance.NewPostgresLedger(pool)
		e.queue = review.NewPostgresQueue(pool)
		e.pending = ingest.NewPostgresPendingStore(pool)
		e.watermarks = backfill.NewPostgresWatermarkStore(pool)
	case "memory":
		e.store = entity.NewMemoryStore()
		e.ledger = provenance.NewMemoryLedger()
		e.queue = review.NewMemoryQueue()
		e.pending = ingest.NewMemoryPendingStore()
		e.watermarks = backfill.NewMemoryWatermarkStore()
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}

	e.resolver = entity.NewResolver(e.store)
	merger := entity.NewMerger(e.store, entity.DefaultPolicy(), e.ledger, e.queue)
	relater := entity.NewRelater(e.store, e.resolver)

	limiter := rate.NewLimiter(rate.Limit(cfg.Ingest.RatePerSecond), cfg.Ingest.RateBurst)
	e.processor = ingest.NewProcessor(e.store, e.resolver, merger, relater, e.ledger, e.pending,
		ingest.WithLimiter(limiter))
	e.reconciler = backfill.NewReconciler(e.pending, e.processor, e.store, e.resolver,
		e.watermarks, cfg.Backfill.ChunkSize, backfill.WithMaxChunks(cfg.Backfill.MaxChunks))

	return e, nil
}

func (e *env) Close() {
	if e.pool != nil {
		e.pool.Close()
	}
}
