package entity

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/reconcile-cli/internal/identifier"
	"github.com/sells-group/reconcile-cli/internal/provenance"
	"github.com/sells-group/reconcile-cli/internal/review"
)

// Incoming is a normalized record ready to merge: identifiers already passed
// the normalizer, fields carry their own source and confidence. RecordID is
// the idempotency key; replaying the same record is a no-op.
type Incoming struct {
	RecordID    string                  `json:"record_id"`
	Source      string                  `json:"source"`
	Name        string                  `json:"name,omitempty"`
	Identifiers []identifier.Normalized `json:"identifiers"`
	Fields      map[string]FieldValue   `json:"fields,omitempty"`
	Items       map[string][]string     `json:"items,omitempty"`
}

// Merger applies the field overwrite policy to combine incoming enrichment
// into canonical records. All coalescing decisions live here and in the
// policy table; nothing else writes entity fields.
type Merger struct {
	store  Store
	policy *Policy
	ledger provenance.Ledger
	queue  review.Queue
}

// NewMerger creates a merge engine.
func NewMerger(store Store, policy *Policy, ledger provenance.Ledger, queue review.Queue) *Merger {
	return &Merger{store: store, policy: policy, ledger: ledger, queue: queue}
}

// Merge applies in to the entity named by res.
//
//   - NoMatch: create a new entity with all incoming fields.
//   - Matched(exact): per-field overwrite policy; losers are ledgered as
//     superseded, never dropped silently.
//   - Ambiguous: no writes at all; the record goes to the review queue.
//
// Callers must hold the per-identifier lock (see Store.Lock) so concurrent
// create-if-not-exists for the same identifier cannot both succeed.
func (m *Merger) Merge(ctx context.Context, res Resolution, in Incoming) (MergeOutcome, error) {
	if err := m.checkSchema(in); err != nil {
		return MergeOutcome{}, err
	}

	// Replay detection: a record that already produced writes is a no-op.
	seen, err := m.ledger.SeenRecord(ctx, in.RecordID)
	if err != nil {
		return MergeOutcome{}, eris.Wrap(err, "entity: merge replay check")
	}
	if seen {
		zap.L().Debug("merge: record already applied",
			zap.String("record_id", in.RecordID),
			zap.String("source", in.Source),
		)
		return MergeOutcome{Status: MergeReplayed, EntityID: res.EntityID}, nil
	}

	switch res.Status {
	case ResolutionNoMatch:
		return m.create(ctx, in)
	case ResolutionMatched:
		return m.update(ctx, res.EntityID, in)
	case ResolutionAmbiguous:
		return m.needsReview(ctx, res, in)
	default:
		return MergeOutcome{}, eris.Errorf("entity: merge: unknown resolution status %q", res.Status)
	}
}

// checkSchema rejects unknown field names before any write. Silently
// dropping fields the schema doesn't have is the historical failure mode;
// it fails loudly here instead.
func (m *Merger) checkSchema(in Incoming) error {
	for name := range in.Fields {
		p := m.policy.ByName(name)
		if p == nil {
			return eris.Wrapf(ErrSchemaMismatch, "entity: field %q from %s", name, in.Source)
		}
		if p.Multi {
			return eris.Wrapf(ErrSchemaMismatch, "entity: multi-valued field %q sent as scalar", name)
		}
	}
	for name := range in.Items {
		p := m.policy.ByName(name)
		if p == nil {
			return eris.Wrapf(ErrSchemaMismatch, "entity: field %q from %s", name, in.Source)
		}
		if !p.Multi {
			return eris.Wrapf(ErrSchemaMismatch, "entity: scalar field %q sent as items", name)
		}
	}
	return nil
}

func (m *Merger) create(ctx context.Context, in Incoming) (MergeOutcome, error) {
	rec := &Record{Name: in.Name}
	for _, id := range in.Identifiers {
		switch id.Kind {
		case identifier.KindDomain:
			if rec.Domain == "" {
				rec.Domain = id.Value
			}
		case identifier.KindLinkedIn:
			if rec.LinkedInURL == "" {
				rec.LinkedInURL = id.Value
			}
		case identifier.KindName:
			if rec.Name == "" {
				rec.Name = id.Value
			}
		}
	}

	if err := m.store.CreateEntity(ctx, rec, in.Identifiers); err != nil {
		return MergeOutcome{}, eris.Wrap(err, "entity: merge create")
	}

	outcome := MergeOutcome{Status: MergeCreated, EntityID: rec.ID}

	fields := make([]Field, 0, len(in.Fields))
	for _, name := range sortedFieldNames(in.Fields) {
		fv := in.Fields[name]
		fields = append(fields, Field{
			EntityID:   rec.ID,
			Name:       name,
			Value:      fv.Value,
			Source:     fv.Source,
			Confidence: fv.Confidence,
			ObservedAt: fv.ObservedAt,
		})
		outcome.FieldsChanged = append(outcome.FieldsChanged, name)
	}
	if len(fields) > 0 {
		if err := m.store.UpsertFields(ctx, rec.ID, fields); err != nil {
			return MergeOutcome{}, eris.Wrap(err, "entity: merge create fields")
		}
	}

	for _, name := range sortedItemNames(in.Items) {
		n, err := m.store.UpsertItems(ctx, rec.ID, name, in.Items[name])
		if err != nil {
			return MergeOutcome{}, eris.Wrapf(err, "entity: merge create items %s", name)
		}
		outcome.ItemsAdded += n
	}

	for _, f := range fields {
		m.ledgerEntry(ctx, in, rec.ID, f.Name, "", stringify(f.Value), f.Confidence, provenance.DecisionCreated)
	}
	if len(fields) == 0 {
		// Identifier-only records still need a ledger row so replay
		// detection and audit see the creation.
		m.ledgerEntry(ctx, in, rec.ID, "", "", "", 0, provenance.DecisionCreated)
	}

	zap.L().Info("merge: created new entity",
		zap.Int64("entity_id", rec.ID),
		zap.String("source", in.Source),
		zap.String("domain", rec.Domain),
		zap.Int("fields", len(fields)),
	)
	return outcome, nil
}

func (m *Merger) update(ctx context.Context, entityID int64, in Incoming) (MergeOutcome, error) {
	existing, err := m.store.GetFields(ctx, entityID)
	if err != nil {
		return MergeOutcome{}, eris.Wrapf(err, "entity: merge get fields for %d", entityID)
	}

	outcome := MergeOutcome{Status: MergeUpdated, EntityID: entityID}
	var changes []Field

	for _, name := range sortedFieldNames(in.Fields) {
		fv := in.Fields[name]
		cur, has := existing[name]

		if !has || m.shouldOverwrite(m.policy.ByName(name), cur, fv) {
			changes = append(changes, Field{
				EntityID:   entityID,
				Name:       name,
				Value:      fv.Value,
				Source:     fv.Source,
				Confidence: fv.Confidence,
				ObservedAt: fv.ObservedAt,
			})
			outcome.FieldsChanged = append(outcome.FieldsChanged, name)
			m.ledgerEntry(ctx, in, entityID, name, stringify(cur.Value), stringify(fv.Value), fv.Confidence, provenance.DecisionApplied)
			continue
		}

		// Losing value is kept visible for audit, not discarded.
		outcome.FieldsRejected = append(outcome.FieldsRejected, name)
		m.ledgerEntry(ctx, in, entityID, name, stringify(cur.Value), stringify(fv.Value), fv.Confidence, provenance.DecisionSuperseded)
	}

	if len(changes) > 0 {
		if err := m.store.UpsertFields(ctx, entityID, changes); err != nil {
			return MergeOutcome{}, eris.Wrapf(err, "entity: merge update fields for %d", entityID)
		}
	}

	for _, name := range sortedItemNames(in.Items) {
		n, err := m.store.UpsertItems(ctx, entityID, name, in.Items[name])
		if err != nil {
			return MergeOutcome{}, eris.Wrapf(err, "entity: merge items %s for %d", name, entityID)
		}
		outcome.ItemsAdded += n
	}

	// New identifiers ride along additively (a record matched by domain may
	// bring the entity's first LinkedIn URL).
	for _, id := range in.Identifiers {
		if err := m.store.UpsertIdentifier(ctx, entityID, id); err != nil {
			zap.L().Warn("merge: upsert identifier failed",
				zap.Int64("entity_id", entityID),
				zap.String("key", id.Key()),
				zap.Error(err),
			)
		}
	}

	zap.L().Info("merge: updated entity",
		zap.Int64("entity_id", entityID),
		zap.String("source", in.Source),
		zap.Strings("changed", outcome.FieldsChanged),
		zap.Strings("rejected", outcome.FieldsRejected),
	)
	return outcome, nil
}

// shouldOverwrite is the field overwrite policy of the merge engine:
// higher confidence wins, an authoritative source wins, and for richer-data
// fields a strictly more complete value wins. Everything else keeps the
// stored value. For richer-data fields the completeness check is a veto: a
// less-complete incoming value never replaces a fuller stored one, whatever
// its confidence or source.
func (m *Merger) shouldOverwrite(p *FieldPolicy, cur Field, in FieldValue) bool {
	if p != nil && p.Richer && subComponents(in.Value) < subComponents(cur.Value) {
		return false
	}
	if in.Confidence > cur.Confidence {
		return true
	}
	if p != nil && p.AuthoritativeFor(in.Source) {
		return true
	}
	if p != nil && p.Richer && subComponents(in.Value) > subComponents(cur.Value) {
		return true
	}
	return false
}

func (m *Merger) needsReview(ctx context.Context, res Resolution, in Incoming) (MergeOutcome, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return MergeOutcome{}, eris.Wrap(err, "entity: marshal review payload")
	}

	if err := m.queue.Add(ctx, &review.Item{
		RecordID:   in.RecordID,
		Source:     in.Source,
		Payload:    payload,
		Candidates: res.Candidates,
		Reason:     res.Reason,
	}); err != nil {
		return MergeOutcome{}, eris.Wrap(err, "entity: queue for review")
	}

	m.ledgerEntry(ctx, in, 0, "", "", res.Reason, 0, provenance.DecisionReview)

	zap.L().Info("merge: routed to review queue",
		zap.String("record_id", in.RecordID),
		zap.String("source", in.Source),
		zap.Int64s("candidates", res.Candidates),
		zap.String("reason", res.Reason),
	)
	return MergeOutcome{Status: MergeNeedsReview, Candidates: res.Candidates}, nil
}

func (m *Merger) ledgerEntry(ctx context.Context, in Incoming, entityID int64, field, oldVal, newVal string, confidence float64, decision provenance.Decision) {
	err := m.ledger.Append(ctx, provenance.Entry{
		RecordID:   in.RecordID,
		EntityID:   entityID,
		Field:      field,
		OldValue:   oldVal,
		NewValue:   newVal,
		Source:     in.Source,
		Confidence: confidence,
		Decision:   decision,
		ObservedAt: time.Now(),
	})
	if err != nil {
		// The ledger is the audit trail; losing an entry is worth a loud
		// log but must not fail the merge that already happened.
		zap.L().Error("merge: ledger append failed",
			zap.String("record_id", in.RecordID),
			zap.String("field", field),
			zap.Error(err),
		)
	}
}

// subComponents counts populated sub-values so composite fields never
// regress from more-complete to less-complete data.
func subComponents(v any) int {
	switch val := v.(type) {
	case nil:
		return 0
	case map[string]any:
		n := 0
		for _, sub := range val {
			if sub == nil {
				continue
			}
			if s, ok := sub.(string); ok && s == "" {
				continue
			}
			n++
		}
		return n
	case []any:
		return len(val)
	case string:
		if val == "" {
			return 0
		}
		return 1
	default:
		return 1
	}
}

func stringify(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	}
}

func sortedFieldNames(fields map[string]FieldValue) []string {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func sortedItemNames(items map[string][]string) []string {
	names := make([]string, 0, len(items))
	for name := range items {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
