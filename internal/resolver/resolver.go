package resolver

import (
	"context"

	"github.com/agext/levenshtein"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/store"
)

// Candidate is one external-directory search result, shaped as a
// ready-to-insert entity plus its type-detail record.
type Candidate struct {
	Entity model.Entity
	Detail *model.EntityDetail
}

// Registry searches an external directory by organisation name. A nil result
// slice with a nil error is a definitive "no results".
type Registry interface {
	Search(ctx context.Context, name string) ([]Candidate, error)
}

// Outcome is the result of one resolution attempt.
type Outcome struct {
	EntityID   int64
	Confidence float64
	Created    bool
	Status     model.MatchStatus
	Reason     string
}

// Resolver runs the resolution cascade. Thresholds follow the matching
// lifecycle: similarity at or above AutoMatch links immediately, below
// MinSimilarity is a definitive no_match, in between is parked for review.
type Resolver struct {
	registries map[model.EntityType]Registry
	autoMatch  float64
	minSim     float64
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithRegistry binds an external directory to a type hint.
func WithRegistry(hint model.EntityType, reg Registry) Option {
	return func(r *Resolver) { r.registries[family(hint)] = reg }
}

// WithThresholds overrides the auto-match and minimum-similarity bounds.
func WithThresholds(autoMatch, minSimilarity float64) Option {
	return func(r *Resolver) {
		r.autoMatch = autoMatch
		r.minSim = minSimilarity
	}
}

// New constructs a Resolver with default thresholds (0.90 / 0.50).
func New(opts ...Option) *Resolver {
	r := &Resolver{
		registries: make(map[model.EntityType]Registry),
		autoMatch:  0.90,
		minSim:     0.50,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// family collapses the health subtypes so trusts, ICBs and practices share
// one cache, registry and lookup space.
func family(t model.EntityType) model.EntityType {
	switch t {
	case model.TypeHealthTrust, model.TypeHealthICB, model.TypeHealthGP:
		return model.TypeHealthTrust
	default:
		return t
	}
}

// familyTypes lists the concrete entity types a hint may resolve to.
func familyTypes(hint model.EntityType) []model.EntityType {
	if family(hint) == model.TypeHealthTrust {
		return []model.EntityType{model.TypeHealthTrust, model.TypeHealthICB, model.TypeHealthGP}
	}
	return []model.EntityType{hint}
}

// Resolve maps one raw organisation name to a canonical entity, trying in
// order: run-scoped cache, local database, non-entity filter, registry
// search, fuzzy match against already-resolved names. Successful resolutions
// persist the entity within the caller's transaction and populate the cache.
func (r *Resolver) Resolve(ctx context.Context, st store.Store, rc *Context, name string, hint model.EntityType) (Outcome, error) {
	key := NameKey(name)

	if out, ok := rc.Get(hint, key); ok {
		return out, nil
	}

	if out, ok, err := r.lookupLocal(ctx, st, key, hint); err != nil {
		return Outcome{}, err
	} else if ok {
		rc.Put(hint, key, out)
		return out, nil
	}

	if reason, bad := IsNonEntity(key); bad {
		out := Outcome{Status: model.MatchNoMatch, Reason: reason}
		rc.Put(hint, key, out)
		return out, nil
	}

	if out, ok, err := r.searchRegistry(ctx, st, name, key, hint); err != nil {
		return Outcome{}, err
	} else if ok {
		rc.Put(hint, key, out)
		return out, nil
	}

	if out, ok, err := r.fuzzyLocal(ctx, st, key, hint); err != nil {
		return Outcome{}, err
	} else if ok {
		rc.Put(hint, key, out)
		return out, nil
	}

	out := Outcome{Status: model.MatchNoMatch, Reason: "no_results"}
	rc.Put(hint, key, out)
	return out, nil
}

// EnsurePlaceholder resolves a workbook-metadata organisation that carries no
// registry code, synthesizing a placeholder registry id so the import can
// proceed without network dependency. Placeholder entities are excluded from
// name-based lookup, so a later import with a real code still wins.
func (r *Resolver) EnsurePlaceholder(ctx context.Context, st store.Store, rc *Context, e *model.Entity, detail *model.EntityDetail) (Outcome, error) {
	key := NameKey(e.Name)
	if out, ok := rc.Get(e.EntityType, key); ok && out.Status == model.MatchMatched {
		return out, nil
	}

	e.NameKey = key
	if e.RegistryID == "" {
		e.RegistryID = model.PlaceholderPrefix + uuid.NewString()
	}

	existing, err := st.GetEntityByRegistryID(ctx, e.EntityType, e.RegistryID)
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil {
		out := Outcome{EntityID: existing.ID, Confidence: 1.0, Status: model.MatchMatched}
		rc.Put(e.EntityType, key, out)
		return out, nil
	}

	if err := st.CreateEntity(ctx, e, detail); err != nil {
		return Outcome{}, eris.Wrapf(err, "resolver: create placeholder entity %q", e.Name)
	}
	zap.L().Debug("resolver: placeholder entity created",
		zap.String("name", e.Name), zap.String("type", string(e.EntityType)))

	out := Outcome{EntityID: e.ID, Confidence: 1.0, Created: true, Status: model.MatchMatched}
	rc.Put(e.EntityType, key, out)
	return out, nil
}

func (r *Resolver) lookupLocal(ctx context.Context, st store.Store, key string, hint model.EntityType) (Outcome, bool, error) {
	for _, t := range familyTypes(hint) {
		e, err := st.GetEntityByNameKey(ctx, t, key)
		if err != nil {
			return Outcome{}, false, err
		}
		if e != nil {
			return Outcome{EntityID: e.ID, Confidence: 1.0, Status: model.MatchMatched}, true, nil
		}
	}
	return Outcome{}, false, nil
}

// searchRegistry queries the hint's external directory and applies the
// match-lifecycle thresholds to the best candidate.
func (r *Resolver) searchRegistry(ctx context.Context, st store.Store, name, key string, hint model.EntityType) (Outcome, bool, error) {
	reg, ok := r.registries[family(hint)]
	if !ok {
		return Outcome{}, false, nil
	}

	candidates, err := reg.Search(ctx, name)
	if err != nil {
		return Outcome{}, false, eris.Wrapf(err, "resolver: registry search %q", name)
	}
	if len(candidates) == 0 {
		return Outcome{}, false, nil
	}

	chosen := pickCandidate(candidates, key, hint)
	sim := levenshtein.Similarity(key, NameKey(chosen.Entity.Name), nil)

	if sim < r.minSim {
		return Outcome{Status: model.MatchNoMatch, Confidence: sim, Reason: "below_minimum_similarity"}, true, nil
	}

	out, err := r.adoptCandidate(ctx, st, chosen, sim)
	if err != nil {
		return Outcome{}, false, err
	}
	if sim < r.autoMatch {
		out.Status = model.MatchPendingReview
	}
	return out, true, nil
}

// pickCandidate prefers an exact normalized-name match of the hinted type,
// then any result of the hinted type, then the first result.
func pickCandidate(candidates []Candidate, key string, hint model.EntityType) Candidate {
	var typeMatch *Candidate
	for i := range candidates {
		c := &candidates[i]
		if family(c.Entity.EntityType) != family(hint) {
			continue
		}
		if NameKey(c.Entity.Name) == key {
			return *c
		}
		if typeMatch == nil {
			typeMatch = c
		}
	}
	if typeMatch != nil {
		return *typeMatch
	}
	return candidates[0]
}

// adoptCandidate persists the chosen candidate, deduplicating on the
// (type, registry id) key so repeated imports converge on one entity.
func (r *Resolver) adoptCandidate(ctx context.Context, st store.Store, c Candidate, sim float64) (Outcome, error) {
	existing, err := st.GetEntityByRegistryID(ctx, c.Entity.EntityType, c.Entity.RegistryID)
	if err != nil {
		return Outcome{}, err
	}
	if existing != nil {
		return Outcome{EntityID: existing.ID, Confidence: sim, Status: model.MatchMatched}, nil
	}

	e := c.Entity
	e.NameKey = NameKey(e.Name)
	if err := st.CreateEntity(ctx, &e, c.Detail); err != nil {
		return Outcome{}, eris.Wrapf(err, "resolver: create entity %s/%s", e.EntityType, e.RegistryID)
	}
	return Outcome{EntityID: e.ID, Confidence: sim, Created: true, Status: model.MatchMatched}, nil
}

// fuzzyLocal compares against already-resolved names of the same family to
// catch spelling variants before creating a duplicate entity. Only matches
// at or above the auto-match threshold count.
func (r *Resolver) fuzzyLocal(ctx context.Context, st store.Store, key string, hint model.EntityType) (Outcome, bool, error) {
	var bestID int64
	var bestSim float64
	for _, t := range familyTypes(hint) {
		names, err := st.ListEntityNames(ctx, t)
		if err != nil {
			return Outcome{}, false, err
		}
		for _, n := range names {
			if sim := levenshtein.Similarity(key, n.NameKey, nil); sim > bestSim {
				bestSim = sim
				bestID = n.ID
			}
		}
	}
	if bestSim >= r.autoMatch {
		return Outcome{EntityID: bestID, Confidence: bestSim, Status: model.MatchMatched}, true, nil
	}
	return Outcome{}, false, nil
}
