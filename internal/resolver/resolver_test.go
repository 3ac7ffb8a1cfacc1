package resolver

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/store"
)

type fakeRegistry struct {
	candidates []Candidate
	calls      int
}

func (f *fakeRegistry) Search(_ context.Context, _ string) ([]Candidate, error) {
	f.calls++
	return f.candidates, nil
}

func newTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.NewSQLite(filepath.Join(t.TempDir(), "resolver.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() }) //nolint:errcheck
	require.NoError(t, s.Migrate(context.Background()))
	return s
}

func companyCandidate(number, name string) Candidate {
	return Candidate{
		Entity: model.Entity{
			EntityType: model.TypeCompany,
			RegistryID: number,
			Name:       name,
			Status:     "active",
		},
		Detail: &model.EntityDetail{Company: &model.Company{CompanyNumber: number}},
	}
}

func TestResolve_RegistryExactMatch(t *testing.T) {
	st := newTestStore(t)
	reg := &fakeRegistry{candidates: []Candidate{companyCandidate("01234567", "Acme Supplies Ltd")}}
	r := New(WithRegistry(model.TypeCompany, reg))
	rc := NewContext()

	out, err := r.Resolve(context.Background(), st, rc, "ACME SUPPLIES LIMITED", model.TypeCompany)
	require.NoError(t, err)
	assert.Equal(t, model.MatchMatched, out.Status)
	assert.True(t, out.Created)
	assert.InDelta(t, 1.0, out.Confidence, 1e-9)
	assert.NotZero(t, out.EntityID)

	e, err := st.GetEntityByRegistryID(context.Background(), model.TypeCompany, "01234567")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, "ACME SUPPLIES LTD", e.NameKey)
}

func TestResolve_CacheShortCircuits(t *testing.T) {
	st := newTestStore(t)
	reg := &fakeRegistry{candidates: []Candidate{companyCandidate("01234567", "Acme Supplies Ltd")}}
	r := New(WithRegistry(model.TypeCompany, reg))
	rc := NewContext()
	ctx := context.Background()

	first, err := r.Resolve(ctx, st, rc, "Acme Supplies Ltd", model.TypeCompany)
	require.NoError(t, err)
	second, err := r.Resolve(ctx, st, rc, "ACME  SUPPLIES  LTD.", model.TypeCompany)
	require.NoError(t, err)

	assert.Equal(t, first.EntityID, second.EntityID)
	assert.Equal(t, 1, reg.calls, "second resolution must come from the cache")
}

func TestResolve_LocalLookupBeforeRegistry(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	e := &model.Entity{
		EntityType: model.TypeCompany,
		RegistryID: "99999999",
		Name:       "Bravo Ltd",
		NameKey:    NameKey("Bravo Ltd"),
	}
	require.NoError(t, st.CreateEntity(ctx, e, nil))

	reg := &fakeRegistry{}
	r := New(WithRegistry(model.TypeCompany, reg))

	out, err := r.Resolve(ctx, st, NewContext(), "Bravo Limited", model.TypeCompany)
	require.NoError(t, err)
	assert.Equal(t, model.MatchMatched, out.Status)
	assert.Equal(t, e.ID, out.EntityID)
	assert.Zero(t, reg.calls)
}

func TestResolve_NonEntityFilteredWithoutNetwork(t *testing.T) {
	st := newTestStore(t)
	reg := &fakeRegistry{candidates: []Candidate{companyCandidate("01234567", "Salary Ltd")}}
	r := New(WithRegistry(model.TypeCompany, reg))
	ctx := context.Background()

	for _, name := range []string{"SALARY", "12345", "Mr J Smith"} {
		out, err := r.Resolve(ctx, st, NewContext(), name, model.TypeCompany)
		require.NoError(t, err)
		assert.Equal(t, model.MatchNoMatch, out.Status, "name %q", name)
	}
	assert.Zero(t, reg.calls, "filtered names must not hit the registry")
}

func TestResolve_DedupOnRegistryID(t *testing.T) {
	st := newTestStore(t)
	reg := &fakeRegistry{candidates: []Candidate{companyCandidate("01234567", "Acme Supplies Ltd")}}
	r := New(WithRegistry(model.TypeCompany, reg))
	ctx := context.Background()

	first, err := r.Resolve(ctx, st, NewContext(), "Acme Supplies Ltd", model.TypeCompany)
	require.NoError(t, err)

	// Fresh cache simulates a later run; same registry id must converge on
	// the same entity instead of creating a duplicate.
	second, err := r.Resolve(ctx, st, NewContext(), "Acme Supplies", model.TypeCompany)
	require.NoError(t, err)

	assert.Equal(t, first.EntityID, second.EntityID)
	assert.False(t, second.Created)
}

func TestResolve_MidSimilarityParksForReview(t *testing.T) {
	st := newTestStore(t)
	reg := &fakeRegistry{candidates: []Candidate{companyCandidate("01234567", "Acme Holdings Group Ltd")}}
	r := New(WithRegistry(model.TypeCompany, reg))

	out, err := r.Resolve(context.Background(), st, NewContext(), "Acme Holdings Ltd", model.TypeCompany)
	require.NoError(t, err)
	assert.Equal(t, model.MatchPendingReview, out.Status)
	assert.Greater(t, out.Confidence, 0.5)
	assert.Less(t, out.Confidence, 0.9)
	assert.NotZero(t, out.EntityID, "proposed entity is persisted for the reviewer")
}

func TestResolve_LowSimilarityIsNoMatch(t *testing.T) {
	st := newTestStore(t)
	reg := &fakeRegistry{candidates: []Candidate{companyCandidate("01234567", "Completely Unrelated Enterprises PLC")}}
	r := New(WithRegistry(model.TypeCompany, reg))
	ctx := context.Background()

	out, err := r.Resolve(ctx, st, NewContext(), "Zed", model.TypeCompany)
	require.NoError(t, err)
	assert.Equal(t, model.MatchNoMatch, out.Status)
	assert.Equal(t, "below_minimum_similarity", out.Reason)

	e, err := st.GetEntityByRegistryID(ctx, model.TypeCompany, "01234567")
	require.NoError(t, err)
	assert.Nil(t, e, "rejected candidates are not persisted")
}

func TestResolve_ThresholdBoundariesAreInclusive(t *testing.T) {
	// Ten-letter keys give exact similarities: one substitution is 0.90,
	// five substitutions are 0.50.
	t.Run("exactly 0.90 auto-matches", func(t *testing.T) {
		st := newTestStore(t)
		reg := &fakeRegistry{candidates: []Candidate{companyCandidate("01234567", "Brightwool")}}
		r := New(WithRegistry(model.TypeCompany, reg))

		out, err := r.Resolve(context.Background(), st, NewContext(), "Brightwood", model.TypeCompany)
		require.NoError(t, err)
		assert.Equal(t, model.MatchMatched, out.Status)
		assert.InDelta(t, 0.90, out.Confidence, 1e-9)
		assert.NotZero(t, out.EntityID)
	})

	t.Run("exactly 0.50 parks for review", func(t *testing.T) {
		st := newTestStore(t)
		reg := &fakeRegistry{candidates: []Candidate{companyCandidate("01234567", "Brighzzzzz")}}
		r := New(WithRegistry(model.TypeCompany, reg))

		out, err := r.Resolve(context.Background(), st, NewContext(), "Brightwood", model.TypeCompany)
		require.NoError(t, err)
		assert.Equal(t, model.MatchPendingReview, out.Status)
		assert.InDelta(t, 0.50, out.Confidence, 1e-9)
		assert.NotZero(t, out.EntityID, "proposed entity is persisted for the reviewer")
	})
}

func TestResolve_FuzzyLocalCatchesSpellingVariant(t *testing.T) {
	st := newTestStore(t)
	ctx := context.Background()

	e := &model.Entity{
		EntityType: model.TypeHealthTrust,
		RegistryID: "RXX",
		Name:       "Example Teaching Hospitals NHS Trust",
		NameKey:    NameKey("Example Teaching Hospitals NHS Trust"),
	}
	require.NoError(t, st.CreateEntity(ctx, e, nil))

	r := New() // no registry bound
	out, err := r.Resolve(ctx, st, NewContext(), "Example Teaching Hospital NHS Trust", model.TypeHealthTrust)
	require.NoError(t, err)
	assert.Equal(t, model.MatchMatched, out.Status)
	assert.Equal(t, e.ID, out.EntityID)
	assert.GreaterOrEqual(t, out.Confidence, 0.9)
}

func TestResolve_NoRegistryNoLocalIsNoMatch(t *testing.T) {
	st := newTestStore(t)
	r := New()

	out, err := r.Resolve(context.Background(), st, NewContext(), "Ghost Ltd", model.TypeCompany)
	require.NoError(t, err)
	assert.Equal(t, model.MatchNoMatch, out.Status)
	assert.Equal(t, "no_results", out.Reason)
}

func TestEnsurePlaceholder(t *testing.T) {
	st := newTestStore(t)
	r := New()
	rc := NewContext()
	ctx := context.Background()

	e := &model.Entity{
		EntityType: model.TypeHealthTrust,
		Name:       "Mystery NHS Trust",
		Postcode:   "LS1 1UR",
	}
	out, err := r.EnsurePlaceholder(ctx, st, rc, e, nil)
	require.NoError(t, err)
	assert.True(t, out.Created)
	assert.True(t, e.IsPlaceholder())

	// Placeholder entities never win a name-based lookup.
	byName, err := st.GetEntityByNameKey(ctx, model.TypeHealthTrust, NameKey("Mystery NHS Trust"))
	require.NoError(t, err)
	assert.Nil(t, byName)

	// But the run-scoped cache resolves repeated metadata references.
	again, err := r.EnsurePlaceholder(ctx, st, rc, &model.Entity{
		EntityType: model.TypeHealthTrust,
		Name:       "Mystery NHS Trust",
	}, nil)
	require.NoError(t, err)
	assert.Equal(t, out.EntityID, again.EntityID)
	assert.False(t, again.Created)
}
