package entity

import (
	"context"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/identifier"
)

// Resolver matches incoming identifier sets against known entities using
// ordered tiers. Domain is the higher-trust key: it is less prone to
// rebranding and subsidiary confusion than name-based LinkedIn slugs.
type Resolver struct {
	store Store
}

// NewResolver creates an entity resolver.
func NewResolver(store Store) *Resolver {
	return &Resolver{store: store}
}

// Resolve finds 0, 1, or N candidate entities for the given normalized
// identifiers. Ordered cascade, first hit wins:
//
//  1. Domain exact match → Matched(exact). Duplicate canonical domains are
//     a pre-existing integrity violation and resolve Ambiguous, never an
//     arbitrary pick.
//  2. LinkedIn URL exact match → Matched(exact), unless the stored entity
//     and the input both carry domains that disagree; that cross-reference
//     conflict (careers-page LinkedIn vs. main LinkedIn is the common case)
//     is surfaced Ambiguous and never auto-merged.
//  3. Nothing matched → NoMatch. Name identifiers are never a match key on
//     their own.
func (r *Resolver) Resolve(ctx context.Context, ids []identifier.Normalized) (Resolution, error) {
	var inputDomain, inputLinkedIn string
	for _, n := range ids {
		switch n.Kind {
		case identifier.KindDomain:
			if inputDomain == "" {
				inputDomain = n.Value
			}
		case identifier.KindLinkedIn:
			if inputLinkedIn == "" {
				inputLinkedIn = n.Value
			}
		}
	}

	// Tier 1: domain exact.
	if inputDomain != "" {
		matches, err := r.store.GetByIdentifier(ctx, identifier.Normalized{Kind: identifier.KindDomain, Value: inputDomain})
		if err != nil {
			return Resolution{}, eris.Wrapf(err, "entity: resolve by domain %s", inputDomain)
		}
		if len(matches) > 1 {
			candidates := entityIDs(matches)
			zap.L().Warn("resolve: duplicate canonical domains",
				zap.String("domain", inputDomain),
				zap.Int64s("entity_ids", candidates),
			)
			return Resolution{
				Status:     ResolutionAmbiguous,
				Tier:       TierNone,
				Candidates: candidates,
				Reason:     "duplicate canonical domain",
			}, nil
		}
		if len(matches) == 1 {
			zap.L().Debug("resolve: matched by domain",
				zap.String("domain", inputDomain),
				zap.Int64("entity_id", matches[0].ID),
			)
			return Resolution{Status: ResolutionMatched, EntityID: matches[0].ID, Tier: TierExact}, nil
		}
	}

	// Tier 2: linkedin_url exact, with domain cross-check.
	if inputLinkedIn != "" {
		matches, err := r.store.GetByIdentifier(ctx, identifier.Normalized{Kind: identifier.KindLinkedIn, Value: inputLinkedIn})
		if err != nil {
			return Resolution{}, eris.Wrapf(err, "entity: resolve by linkedin %s", inputLinkedIn)
		}
		if len(matches) >= 1 {
			m := matches[0]
			if len(matches) > 1 {
				return Resolution{
					Status:     ResolutionAmbiguous,
					Tier:       TierNone,
					Candidates: entityIDs(matches),
					Reason:     "duplicate linkedin url",
				}, nil
			}
			if inputDomain != "" && m.Domain != "" && m.Domain != inputDomain {
				zap.L().Info("resolve: linkedin matches but domain differs",
					zap.String("linkedin", inputLinkedIn),
					zap.String("stored_domain", m.Domain),
					zap.String("input_domain", inputDomain),
					zap.Int64("entity_id", m.ID),
				)
				return Resolution{
					Status:     ResolutionAmbiguous,
					Tier:       TierCrossReference,
					Candidates: []int64{m.ID},
					Reason:     "linkedin matches but domain differs",
				}, nil
			}
			zap.L().Debug("resolve: matched by linkedin",
				zap.String("linkedin", inputLinkedIn),
				zap.Int64("entity_id", m.ID),
			)
			return Resolution{Status: ResolutionMatched, EntityID: m.ID, Tier: TierExact}, nil
		}
	}

	// Tier 3: nothing matched.
	return Resolution{Status: ResolutionNoMatch, Tier: TierNone}, nil
}

func entityIDs(records []Record) []int64 {
	ids := make([]int64, len(records))
	for i, r := range records {
		ids[i] = r.ID
	}
	return ids
}
