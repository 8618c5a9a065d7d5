package entity

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/identifier"
)

// EdgeInput describes one relationship seen in an enrichment payload, e.g. a
// customer mentioned on a vendor's case-study page. The target arrives as a
// raw identifier, never a free-text string.
type EdgeInput struct {
	Target          identifier.Normalized
	RelType         string
	EvidenceURL     string
	DiscoveryMethod string
}

// Relater creates relationship edges, resolving the target endpoint when an
// entity already exists and leaving an explicit unresolved placeholder
// otherwise. Placeholders are backfilled later; see the backfill package.
type Relater struct {
	store    Store
	resolver *Resolver
}

// NewRelater creates a relationship linker.
func NewRelater(store Store, resolver *Resolver) *Relater {
	return &Relater{store: store, resolver: resolver}
}

// Link creates edges from sourceEntityID to each input target. Returns how
// many targets resolved to an existing entity. A cross-reference or
// duplicate ambiguity leaves the edge unresolved rather than guessing.
func (r *Relater) Link(ctx context.Context, sourceEntityID int64, edges []EdgeInput) (int, error) {
	log := zap.L().With(zap.Int64("source_entity_id", sourceEntityID))

	resolved := 0
	for _, e := range edges {
		if e.RelType == "" {
			e.RelType = RelCustomer
		}

		rel := &Relationship{
			SourceEntityID:  sourceEntityID,
			RelType:         e.RelType,
			EvidenceURL:     e.EvidenceURL,
			DiscoveryMethod: e.DiscoveryMethod,
		}

		res, err := r.resolver.Resolve(ctx, []identifier.Normalized{e.Target})
		if err != nil {
			return resolved, eris.Wrapf(err, "entity: link resolve %s", e.Target.Key())
		}

		if res.Status == ResolutionMatched {
			rel.TargetEntityID = &res.EntityID
			resolved++
		} else {
			rel.UnresolvedKind = e.Target.Kind
			rel.UnresolvedValue = e.Target.Value
			log.Debug("link: target unresolved, placeholder created",
				zap.String("target", e.Target.Key()),
				zap.String("status", string(res.Status)),
			)
		}

		if err := r.store.CreateRelationship(ctx, rel); err != nil {
			return resolved, eris.Wrapf(err, "entity: link %s", e.Target.Key())
		}
	}

	log.Info("link: edges created",
		zap.Int("total", len(edges)),
		zap.Int("resolved", resolved),
	)
	return resolved, nil
}
