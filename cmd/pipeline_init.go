package main

import (
	"context"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/openspend/spend-cli/internal/geography"
	"github.com/openspend/spend-cli/internal/match"
	"github.com/openspend/spend-cli/internal/model"
	"github.com/openspend/spend-cli/internal/objstore"
	"github.com/openspend/spend-cli/internal/pipeline"
	"github.com/openspend/spend-cli/internal/registry"
	"github.com/openspend/spend-cli/internal/resilience"
	"github.com/openspend/spend-cli/internal/resolver"
	"github.com/openspend/spend-cli/internal/runlog"
	"github.com/openspend/spend-cli/internal/store"
	"github.com/openspend/spend-cli/pkg/companieshouse"
	"github.com/openspend/spend-cli/pkg/govuk"
	"github.com/openspend/spend-cli/pkg/odsapi"
	"github.com/openspend/spend-cli/pkg/postcodes"
)

// pipelineEnv holds the store, registry clients and resolver needed by the
// run/serve commands. Callers should defer env.Close().
type pipelineEnv struct {
	Store     store.Store
	Objstore  *objstore.Client // nil when object storage is not configured
	Resolver  *resolver.Resolver
	Postcodes postcodes.Client
	Centroids map[string]geography.Centroid
	Broadcast *runlog.Broadcaster

	matchOpts []match.Option
}

// Close releases resources held by the pipeline environment.
func (pe *pipelineEnv) Close() {
	if pe.Store != nil {
		_ = pe.Store.Close()
	}
}

// initStore opens the configured database backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	default:
		return nil, eris.Errorf("unsupported store driver %q", cfg.Store.Driver)
	}
}

// initObjstore builds the presigning object-storage client, or returns nil
// when no credentials are configured.
func initObjstore() (*objstore.Client, error) {
	if cfg.Storage.AccessKey == "" && cfg.Storage.SecretKey == "" {
		return nil, nil
	}
	signer, err := objstore.NewSigner(objstore.Credentials{
		AccessKeyID:     cfg.Storage.AccessKey,
		SecretAccessKey: cfg.Storage.SecretKey,
	}, cfg.Storage.Region, cfg.Storage.Bucket, cfg.Storage.Endpoint)
	if err != nil {
		return nil, err
	}
	return objstore.NewClient(signer,
		objstore.WithHTTPClient(&http.Client{Timeout: cfg.Fetch.Timeout()}),
		objstore.WithExpiry(time.Duration(cfg.Storage.ExpirySecs)*time.Second),
	), nil
}

// initResolver wires the external directories into the resolution cascade.
// Missing optional pieces (council register file, company API key) degrade to
// a warning rather than an error.
func initResolver() *resolver.Resolver {
	hc := &http.Client{Timeout: cfg.Fetch.Timeout()}

	opts := []resolver.Option{
		resolver.WithThresholds(cfg.Match.AutoMatch, cfg.Match.MinSimilarity),
	}

	if cfg.Geography.EnableLookups {
		ods := odsapi.NewClient(
			odsapi.WithBaseURL(cfg.ODS.BaseURL),
			odsapi.WithHTTPClient(hc),
		)
		opts = append(opts, resolver.WithRegistry(model.TypeHealthTrust, registry.NewHealth(ods)))

		gov := govuk.NewClient(
			govuk.WithBaseURL(cfg.GovUK.BaseURL),
			govuk.WithHTTPClient(hc),
		)
		opts = append(opts, resolver.WithRegistry(model.TypeGovDepartment, registry.NewDepartments(gov)))

		if cfg.Companies.APIKey != "" {
			ch := companieshouse.NewClient(cfg.Companies.APIKey,
				companieshouse.WithBaseURL(cfg.Companies.BaseURL),
				companieshouse.WithHTTPClient(hc),
				companieshouse.WithRateWindow(cfg.Companies.RateWindow, time.Duration(cfg.Companies.WindowSecs)*time.Second),
				companieshouse.WithRetry(resilience.RetryConfig{
					MaxAttempts:    cfg.Fetch.MaxRetries,
					InitialBackoff: time.Duration(cfg.Fetch.BackoffMillis) * time.Millisecond,
				}),
			)
			opts = append(opts, resolver.WithRegistry(model.TypeCompany, registry.NewCompanies(ch)))
		} else {
			zap.L().Warn("companies api key not set, supplier matching will not reach the company registry")
		}
	} else {
		zap.L().Warn("registry lookups disabled, resolution will use local data only")
	}

	if cfg.Geography.RegisterPath != "" {
		reg, err := geography.LoadRegister(cfg.Geography.RegisterPath)
		if err != nil {
			zap.L().Warn("council register unavailable", zap.String("path", cfg.Geography.RegisterPath), zap.Error(err))
		} else {
			opts = append(opts, resolver.WithRegistry(model.TypeCouncil, reg))
			zap.L().Info("council register loaded", zap.Int("authorities", reg.Len()))
		}
	}

	return resolver.New(opts...)
}

// initPipeline sets up the store, registries and clients shared by every
// pipeline run.
func initPipeline(ctx context.Context) (*pipelineEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	obj, err := initObjstore()
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	if obj == nil {
		zap.L().Warn("object storage not configured, spreadsheet downloads and presigned uploads are unavailable")
	}

	pc := postcodes.NewClient(
		postcodes.WithBaseURL(cfg.Postcodes.BaseURL),
		postcodes.WithHTTPClient(&http.Client{Timeout: cfg.Fetch.Timeout()}),
		postcodes.WithRateLimit(cfg.Postcodes.RPS),
	)

	var centroids map[string]geography.Centroid
	if cfg.Geography.BoundaryPath != "" {
		centroids, err = geography.LoadCentroids(cfg.Geography.BoundaryPath, "GSS_CODE")
		if err != nil {
			zap.L().Warn("boundary shapefile unavailable", zap.String("path", cfg.Geography.BoundaryPath), zap.Error(err))
		} else {
			zap.L().Info("council centroids loaded", zap.Int("count", len(centroids)))
		}
	}

	return &pipelineEnv{
		Store:     st,
		Objstore:  obj,
		Resolver:  initResolver(),
		Postcodes: pc,
		Centroids: centroids,
		Broadcast: runlog.NewBroadcaster(),
		matchOpts: []match.Option{
			match.WithCooldown(time.Duration(cfg.Match.CooldownSecs) * time.Second),
			match.WithBatchLimit(cfg.Match.BatchLimit),
		},
	}, nil
}

// unavailableDownloader stands in when object storage is not configured so
// the import stage fails with a clear error instead of a panic.
type unavailableDownloader struct{}

func (unavailableDownloader) Download(context.Context, string) ([]byte, error) {
	return nil, eris.New("object storage not configured")
}

// runner assembles the full stage sequence against the given spreadsheet
// source.
func (pe *pipelineEnv) runner(dl pipeline.Downloader) *pipeline.Runner {
	if dl == nil {
		dl = unavailableDownloader{}
	}
	rl := runlog.NewLogger(pe.Store, pe.Broadcast)
	return pipeline.NewRunner(pe.Store, rl,
		pipeline.NewImportStage(pe.Store, dl, pe.Resolver),
		pipeline.NewMatchStage(pe.Store, pe.Resolver, pe.matchOpts...),
		pipeline.NewTotalsStage(pe.Store),
		pipeline.NewEnrichStage(pe.Store, pe.Postcodes,
			pipeline.WithBudgets(cfg.Enrich.MaxEntities, cfg.Enrich.MaxPostcodes),
			pipeline.WithConcurrency(cfg.Enrich.Concurrency),
			pipeline.WithCentroids(pe.Centroids),
		),
	)
}

// execute drives one run through the stage sequence.
func (pe *pipelineEnv) execute(ctx context.Context, run *model.Run) error {
	src, err := pipeline.SourceFor(run.SourceKind)
	if err != nil {
		_ = pe.Store.UpdateRunStatus(ctx, run.ID, model.RunFailed, err.Error())
		return err
	}

	var dl pipeline.Downloader
	if pe.Objstore != nil {
		dl = pe.Objstore
	}

	in := &pipeline.Input{
		Run:      run,
		Source:   src,
		Truncate: truncateFromParams(run),
		RC:       resolver.NewContext(),
	}
	return pe.runner(dl).Execute(ctx, in)
}

// truncateFromParams reads the truncate flag carried in the run parameters.
func truncateFromParams(run *model.Run) bool {
	if run.Params == nil {
		return false
	}
	v, _ := run.Params["truncate"].(bool)
	return v
}
