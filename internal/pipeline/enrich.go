package pipeline

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openspend/spend-cli/internal/geography"
	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/store"
	"github.com/openspend/spend-cli/pkg/postcodes"
)

// EnrichStage geocodes entities missing coordinates via bulk postcode
// lookup, bounded by per-run entity and postcode budgets. Councils whose
// postcode cannot be geocoded fall back to their boundary centroid.
type EnrichStage struct {
	pc        postcodes.Client
	st        store.Store
	centroids map[string]geography.Centroid

	maxEntities  int
	maxPostcodes int
	concurrency  int
}

// EnrichOption configures the enrichment stage.
type EnrichOption func(*EnrichStage)

// WithBudgets bounds how many entities and distinct postcodes one run may
// sweep.
func WithBudgets(maxEntities, maxPostcodes int) EnrichOption {
	return func(s *EnrichStage) {
		s.maxEntities = maxEntities
		s.maxPostcodes = maxPostcodes
	}
}

// WithConcurrency bounds parallel bulk-lookup requests.
func WithConcurrency(n int) EnrichOption {
	return func(s *EnrichStage) { s.concurrency = n }
}

// WithCentroids supplies per-GSS boundary centroids as a geocoding fallback
// for councils.
func WithCentroids(c map[string]geography.Centroid) EnrichOption {
	return func(s *EnrichStage) { s.centroids = c }
}

// NewEnrichStage builds the location enrichment stage.
func NewEnrichStage(st store.Store, pc postcodes.Client, opts ...EnrichOption) *EnrichStage {
	s := &EnrichStage{
		st:           st,
		pc:           pc,
		maxEntities:  500,
		maxPostcodes: 200,
		concurrency:  4,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID implements Stage.
func (s *EnrichStage) ID() string { return StageEnrich }

// Validate implements Stage.
func (s *EnrichStage) Validate(_ *Input) error { return nil }

// Execute implements Stage.
func (s *EnrichStage) Execute(ctx context.Context, in *Input) (*Result, error) {
	if in.Run.DryRun {
		return &Result{Status: model.StageSkipped, Metrics: map[string]any{"reason": "dry_run"}}, nil
	}

	entities, err := s.st.EntitiesNeedingLocation(ctx, s.maxEntities)
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list entities needing location")
	}

	queries := distinctPostcodes(entities, s.maxPostcodes)
	results, err := s.bulkGeocode(ctx, queries)
	if err != nil {
		return nil, err
	}
	looked := make(map[string]bool, len(queries))
	for _, q := range queries {
		looked[q] = true
	}

	updated := 0
	failures := 0
	for i := range entities {
		e := &entities[i]
		if r, ok := results[e.Postcode]; ok {
			if uerr := s.st.UpdateEntityLocation(ctx, e.ID, r.Latitude, r.Longitude, r.Region, r.Country); uerr != nil {
				return nil, uerr
			}
			updated++
			continue
		}

		if e.EntityType == model.TypeCouncil {
			if c, ok := s.centroids[e.RegistryID]; ok {
				if uerr := s.st.UpdateEntityLocation(ctx, e.ID, c.Lat, c.Lon, "", ""); uerr != nil {
					return nil, uerr
				}
				updated++
				continue
			}
		}

		if looked[e.Postcode] {
			failures++
		}
	}

	zap.L().Info("pipeline: enrichment complete",
		zap.String("run_id", in.Run.ID),
		zap.Int("entities", len(entities)),
		zap.Int("updated", updated),
		zap.Int("postcodes", len(queries)))

	return &Result{
		Status: model.StageSucceeded,
		Metrics: map[string]any{
			"entitiesUpdated": updated,
			"postcodesLooked": len(queries),
			"failures":        failures,
		},
	}, nil
}

// distinctPostcodes collects the bounded set of postcodes to geocode,
// preserving entity order so the budget favours the oldest gaps.
func distinctPostcodes(entities []model.Entity, limit int) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range entities {
		if e.Postcode == "" || seen[e.Postcode] {
			continue
		}
		if len(out) >= limit {
			break
		}
		seen[e.Postcode] = true
		out = append(out, e.Postcode)
	}
	return out
}

// bulkGeocode looks up postcodes in bulk-limit chunks with bounded
// parallelism. A chunk-level failure leaves its postcodes unresolved rather
// than aborting the sweep.
func (s *EnrichStage) bulkGeocode(ctx context.Context, queries []string) (map[string]*postcodes.Result, error) {
	results := make(map[string]*postcodes.Result, len(queries))
	if len(queries) == 0 {
		return results, nil
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for start := 0; start < len(queries); start += postcodes.BulkLimit {
		end := start + postcodes.BulkLimit
		if end > len(queries) {
			end = len(queries)
		}
		chunk := queries[start:end]

		g.Go(func() error {
			got, err := s.pc.BulkLookup(gctx, chunk)
			if err != nil {
				zap.L().Warn("pipeline: postcode bulk lookup failed",
					zap.Int("postcodes", len(chunk)), zap.Error(err))
				return nil
			}
			mu.Lock()
			for k, v := range got {
				results[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}
