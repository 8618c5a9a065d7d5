package entity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/reconcile-cli/internal/identifier"
	"github.com/sells-group/reconcile-cli/internal/provenance"
	"github.com/sells-group/reconcile-cli/internal/review"
)

type mergeEnv struct {
	store  *MemoryStore
	ledger *provenance.MemoryLedger
	queue  *review.MemoryQueue
	merger *Merger
}

func newMergeEnv(t *testing.T) *mergeEnv {
	t.Helper()

	store := NewMemoryStore()
	ledger := provenance.NewMemoryLedger()
	queue := review.NewMemoryQueue()
	return &mergeEnv{
		store:  store,
		ledger: ledger,
		queue:  queue,
		merger: NewMerger(store, DefaultPolicy(), ledger, queue),
	}
}

func incoming(recordID, source string) Incoming {
	return Incoming{
		RecordID:    recordID,
		Source:      source,
		Name:        "Acme Corp",
		Identifiers: []identifier.Normalized{domainID("acme.example")},
		Fields:      map[string]FieldValue{},
	}
}

func field(value any, source string, confidence float64) FieldValue {
	return FieldValue{Value: value, Source: source, Confidence: confidence, ObservedAt: time.Now()}
}

func decisions(entries []provenance.Entry) map[provenance.Decision]int {
	out := make(map[provenance.Decision]int)
	for _, e := range entries {
		out[e.Decision]++
	}
	return out
}

func TestMergeCreateWritesFieldsAndLedger(t *testing.T) {
	env := newMergeEnv(t)
	ctx := context.Background()

	in := incoming("clay:r1", "clay")
	in.Fields["industry"] = field("Manufacturing", "clay", 0.8)
	in.Fields["description"] = field("Makes widgets", "clay", 0.6)
	in.Items = map[string][]string{"keywords": {"widgets", "manufacturing"}}

	out, err := env.merger.Merge(ctx, Resolution{Status: ResolutionNoMatch}, in)
	require.NoError(t, err)
	assert.Equal(t, MergeCreated, out.Status)
	require.NotZero(t, out.EntityID)
	assert.ElementsMatch(t, []string{"industry", "description"}, out.FieldsChanged)
	assert.Equal(t, int64(2), out.ItemsAdded)

	rec, err := env.store.GetEntity(ctx, out.EntityID)
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, "Acme Corp", rec.Name)
	assert.Equal(t, "acme.example", rec.Domain)

	// One created ledger row per field.
	entries := env.ledger.All()
	assert.Equal(t, 2, decisions(entries)[provenance.DecisionCreated])
}

func TestMergeCreateIdentifierOnlyStillLedgered(t *testing.T) {
	env := newMergeEnv(t)
	ctx := context.Background()

	out, err := env.merger.Merge(ctx, Resolution{Status: ResolutionNoMatch}, incoming("clay:r1", "clay"))
	require.NoError(t, err)
	assert.Equal(t, MergeCreated, out.Status)

	// Without a ledger row the replay check would re-create the entity.
	seen, err := env.ledger.SeenRecord(ctx, "clay:r1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestMergeReplayIsNoOp(t *testing.T) {
	env := newMergeEnv(t)
	ctx := context.Background()

	in := incoming("clay:r1", "clay")
	in.Fields["industry"] = field("Manufacturing", "clay", 0.8)

	first, err := env.merger.Merge(ctx, Resolution{Status: ResolutionNoMatch}, in)
	require.NoError(t, err)
	require.Equal(t, MergeCreated, first.Status)

	ledgerBefore := len(env.ledger.All())

	second, err := env.merger.Merge(ctx, Resolution{Status: ResolutionNoMatch}, in)
	require.NoError(t, err)
	assert.Equal(t, MergeReplayed, second.Status)

	// No second entity, no new ledger rows.
	matches, err := env.store.GetByIdentifier(ctx, domainID("acme.example"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	assert.Len(t, env.ledger.All(), ledgerBefore)
}

func TestMergeSchemaMismatchFailsLoudly(t *testing.T) {
	env := newMergeEnv(t)
	ctx := context.Background()

	cases := map[string]Incoming{
		"unknown field": func() Incoming {
			in := incoming("clay:r1", "clay")
			in.Fields["employee_count_exact"] = field(412, "clay", 0.9)
			return in
		}(),
		"multi field sent as scalar": func() Incoming {
			in := incoming("clay:r2", "clay")
			in.Fields["keywords"] = field("widgets", "clay", 0.9)
			return in
		}(),
		"scalar field sent as items": func() Incoming {
			in := incoming("clay:r3", "clay")
			in.Items = map[string][]string{"industry": {"Manufacturing"}}
			return in
		}(),
	}

	for name, in := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := env.merger.Merge(ctx, Resolution{Status: ResolutionNoMatch}, in)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrSchemaMismatch)

			// Rejected before any write.
			matches, err := env.store.GetByIdentifier(ctx, domainID("acme.example"))
			require.NoError(t, err)
			assert.Empty(t, matches)
		})
	}
}

func TestMergeUpdateHigherConfidenceWins(t *testing.T) {
	env := newMergeEnv(t)
	ctx := context.Background()

	in := incoming("clay:r1", "clay")
	in.Fields["industry"] = field("Manufacturing", "clay", 0.5)
	created, err := env.merger.Merge(ctx, Resolution{Status: ResolutionNoMatch}, in)
	require.NoError(t, err)

	up := incoming("parallel:r2", "parallel")
	up.Fields["industry"] = field("Industrial Manufacturing", "parallel", 0.9)
	out, err := env.merger.Merge(ctx, Resolution{Status: ResolutionMatched, EntityID: created.EntityID}, up)
	require.NoError(t, err)
	assert.Equal(t, MergeUpdated, out.Status)
	assert.Equal(t, []string{"industry"}, out.FieldsChanged)

	fields, err := env.store.GetFields(ctx, created.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "Industrial Manufacturing", fields["industry"].Value)
	assert.Equal(t, "parallel", fields["industry"].Source)
}

func TestMergeUpdateLowerConfidenceSuperseded(t *testing.T) {
	env := newMergeEnv(t)
	ctx := context.Background()

	in := incoming("clay:r1", "clay")
	in.Fields["description"] = field("Makes widgets since 1952", "clay", 0.9)
	created, err := env.merger.Merge(ctx, Resolution{Status: ResolutionNoMatch}, in)
	require.NoError(t, err)

	up := incoming("scrape:r2", "scrape")
	up.Fields["description"] = field("widget company", "scrape", 0.3)
	out, err := env.merger.Merge(ctx, Resolution{Status: ResolutionMatched, EntityID: created.EntityID}, up)
	require.NoError(t, err)
	assert.Equal(t, MergeUpdated, out.Status)
	assert.Empty(t, out.FieldsChanged)
	assert.Equal(t, []string{"description"}, out.FieldsRejected)

	// Stored value untouched; the loser is in the ledger, not dropped.
	fields, err := env.store.GetFields(ctx, created.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "Makes widgets since 1952", fields["description"].Value)

	history, err := env.ledger.History(ctx, created.EntityID, "description")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, provenance.DecisionSuperseded, history[1].Decision)
	assert.Equal(t, "widget company", history[1].NewValue)
	assert.Equal(t, "Makes widgets since 1952", history[1].OldValue)
}

func TestMergeUpdateAuthoritativeSourceWins(t *testing.T) {
	env := newMergeEnv(t)
	ctx := context.Background()

	in := incoming("clay:r1", "clay")
	in.Fields["employee_range"] = field("51-200", "clay", 0.95)
	created, err := env.merger.Merge(ctx, Resolution{Status: ResolutionNoMatch}, in)
	require.NoError(t, err)

	// companyenrich is authoritative for employee_range; it overwrites even
	// with lower confidence.
	up := incoming("companyenrich:r2", "companyenrich")
	up.Fields["employee_range"] = field("201-500", "companyenrich", 0.7)
	out, err := env.merger.Merge(ctx, Resolution{Status: ResolutionMatched, EntityID: created.EntityID}, up)
	require.NoError(t, err)
	assert.Equal(t, []string{"employee_range"}, out.FieldsChanged)

	fields, err := env.store.GetFields(ctx, created.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "201-500", fields["employee_range"].Value)
}

func TestMergeUpdateRicherLocationNeverRegresses(t *testing.T) {
	env := newMergeEnv(t)
	ctx := context.Background()

	full := map[string]any{"city": "Columbus", "state": "OH", "postal_code": "43215"}
	in := incoming("clay:r1", "clay")
	in.Fields["location"] = field(full, "clay", 0.8)
	created, err := env.merger.Merge(ctx, Resolution{Status: ResolutionNoMatch}, in)
	require.NoError(t, err)

	// Equal confidence, fewer populated sub-components: rejected.
	sparse := map[string]any{"city": "Columbus", "state": "", "postal_code": nil}
	up := incoming("scrape:r2", "scrape")
	up.Fields["location"] = field(sparse, "scrape", 0.8)
	out, err := env.merger.Merge(ctx, Resolution{Status: ResolutionMatched, EntityID: created.EntityID}, up)
	require.NoError(t, err)
	assert.Equal(t, []string{"location"}, out.FieldsRejected)

	// Higher confidence does not lift the veto: a sparse value never
	// replaces a fuller one.
	upHi := incoming("companyenrich:r3", "companyenrich")
	upHi.Fields["location"] = field(sparse, "companyenrich", 0.99)
	outHi, err := env.merger.Merge(ctx, Resolution{Status: ResolutionMatched, EntityID: created.EntityID}, upHi)
	require.NoError(t, err)
	assert.Equal(t, []string{"location"}, outHi.FieldsRejected)

	fields, err := env.store.GetFields(ctx, created.EntityID)
	require.NoError(t, err)
	assert.Equal(t, full, fields["location"].Value)

	// Strictly more sub-components: wins at the same confidence.
	fuller := map[string]any{"city": "Columbus", "state": "OH", "postal_code": "43215", "country": "US"}
	up2 := incoming("scrape:r4", "scrape")
	up2.Fields["location"] = field(fuller, "scrape", 0.8)
	out2, err := env.merger.Merge(ctx, Resolution{Status: ResolutionMatched, EntityID: created.EntityID}, up2)
	require.NoError(t, err)
	assert.Equal(t, []string{"location"}, out2.FieldsChanged)
}

func TestMergeUpdateItemsAccumulate(t *testing.T) {
	env := newMergeEnv(t)
	ctx := context.Background()

	in := incoming("clay:r1", "clay")
	in.Items = map[string][]string{"technologies": {"shopify", "stripe"}}
	created, err := env.merger.Merge(ctx, Resolution{Status: ResolutionNoMatch}, in)
	require.NoError(t, err)

	up := incoming("scrape:r2", "scrape")
	up.Items = map[string][]string{"technologies": {"stripe", "hubspot"}}
	out, err := env.merger.Merge(ctx, Resolution{Status: ResolutionMatched, EntityID: created.EntityID}, up)
	require.NoError(t, err)
	assert.Equal(t, int64(1), out.ItemsAdded)

	assert.Equal(t, []string{"hubspot", "shopify", "stripe"}, env.store.Items(created.EntityID, "technologies"))
}

func TestMergeUpdateAddsIdentifiersAdditively(t *testing.T) {
	env := newMergeEnv(t)
	ctx := context.Background()

	created, err := env.merger.Merge(ctx, Resolution{Status: ResolutionNoMatch}, incoming("clay:r1", "clay"))
	require.NoError(t, err)

	up := incoming("parallel:r2", "parallel")
	up.Identifiers = append(up.Identifiers, linkedinID("linkedin.com/company/acme"))
	_, err = env.merger.Merge(ctx, Resolution{Status: ResolutionMatched, EntityID: created.EntityID}, up)
	require.NoError(t, err)

	rec, err := env.store.GetEntity(ctx, created.EntityID)
	require.NoError(t, err)
	assert.Equal(t, "linkedin.com/company/acme", rec.LinkedInURL)

	ids, err := env.store.GetIdentifiers(ctx, created.EntityID)
	require.NoError(t, err)
	assert.Contains(t, ids, linkedinID("linkedin.com/company/acme"))
}

func TestMergeAmbiguousWritesNothingAndQueues(t *testing.T) {
	env := newMergeEnv(t)
	ctx := context.Background()

	a := seedEntity(t, env.store, "Acme Corp", domainID("acme.example"))
	b := seedEntity(t, env.store, "Acme Holdings", domainID("acme.example"))

	in := incoming("clay:r9", "clay")
	in.Fields["industry"] = field("Manufacturing", "clay", 0.8)

	res := Resolution{
		Status:     ResolutionAmbiguous,
		Candidates: []int64{a, b},
		Reason:     "duplicate canonical domain",
	}
	out, err := env.merger.Merge(ctx, res, in)
	require.NoError(t, err)
	assert.Equal(t, MergeNeedsReview, out.Status)
	assert.Equal(t, []int64{a, b}, out.Candidates)

	// No candidate was touched.
	for _, id := range []int64{a, b} {
		fields, err := env.store.GetFields(ctx, id)
		require.NoError(t, err)
		assert.Empty(t, fields)
	}

	open, err := env.queue.ListOpen(ctx, 10)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "clay:r9", open[0].RecordID)
	assert.Equal(t, "duplicate canonical domain", open[0].Reason)
	assert.Equal(t, []int64{a, b}, open[0].Candidates)

	assert.Equal(t, 1, decisions(env.ledger.All())[provenance.DecisionReview])
}

func TestSubComponents(t *testing.T) {
	assert.Equal(t, 0, subComponents(nil))
	assert.Equal(t, 0, subComponents(""))
	assert.Equal(t, 1, subComponents("Columbus"))
	assert.Equal(t, 1, subComponents(412))
	assert.Equal(t, 2, subComponents([]any{"a", "b"}))
	assert.Equal(t, 2, subComponents(map[string]any{
		"city":        "Columbus",
		"state":       "OH",
		"postal_code": "",
		"country":     nil,
	}))
}
