// Package app wires configuration, the metadata store and the pipeline components together.
package app

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/chrissnell/snowpatch/internal/aoi"
	"github.com/chrissnell/snowpatch/internal/archive"
	"github.com/chrissnell/snowpatch/internal/database"
	"github.com/chrissnell/snowpatch/internal/discovery"
	"github.com/chrissnell/snowpatch/internal/download"
	"github.com/chrissnell/snowpatch/internal/metrics"
	"github.com/chrissnell/snowpatch/internal/pipeline"
	"github.com/chrissnell/snowpatch/internal/report"
	"github.com/chrissnell/snowpatch/internal/sentinelhub"
	"github.com/chrissnell/snowpatch/internal/snowmask"
	"github.com/chrissnell/snowpatch/pkg/config"
)

// App represents the main application
type App struct {
	Config   *config.ConfigData
	DB       *database.Client
	Metrics  *metrics.Collector
	registry *prometheus.Registry
	logger   *zap.SugaredLogger
	provider *sentinelhub.Client
}

// New creates a new application instance
func New(cfg *config.ConfigData, logger *zap.SugaredLogger) *App {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &App{
		Config:   cfg,
		Metrics:  metrics.NewCollector(reg),
		registry: reg,
		logger:   logger,
	}
}

// Open connects to the metadata store. When migrate is set the schema is brought up to date first.
func (a *App) Open(ctx context.Context, migrate bool) error {
	a.DB = database.NewClient(database.Config{Driver: a.Config.Database.Driver, DSN: a.Config.Database.DSN}, a.logger)
	if err := a.DB.Connect(); err != nil {
		return err
	}
	if migrate {
		return a.DB.Migrate(ctx)
	}
	return nil
}

// Close releases the store
func (a *App) Close() error {
	if a.DB == nil {
		return nil
	}
	return a.DB.Close()
}

// AOIDefinitions returns the configured AOIs, or the built-in ones when none are configured
func (a *App) AOIDefinitions() []aoi.Definition {
	if len(a.Config.AOIs) == 0 {
		return aoi.Defaults()
	}
	defs := make([]aoi.Definition, len(a.Config.AOIs))
	for i, d := range a.Config.AOIs {
		defs[i] = aoi.Definition{Name: d.Name, Lat: d.Lat, Lon: d.Lon, SizeKm: d.SizeKm}
	}
	return defs
}

// SeedAOIs stores the configured AOIs that are missing
func (a *App) SeedAOIs(ctx context.Context) ([]database.AreaOfInterest, error) {
	return aoi.Seed(ctx, database.NewAOIRepository(a.DB.DB), a.AOIDefinitions(), a.logger)
}

// Provider returns the imagery provider client, building it on first use
func (a *App) Provider(ctx context.Context) (*sentinelhub.Client, error) {
	if a.provider != nil {
		return a.provider, nil
	}
	p := a.Config.Provider
	client, err := sentinelhub.NewClient(ctx, sentinelhub.Config{
		BaseURL:      p.BaseURL,
		TokenURL:     p.TokenURL,
		ClientID:     p.ClientID,
		ClientSecret: p.ClientSecret,
		Collection:   p.Collection,
		Timeout:      time.Duration(p.TimeoutSeconds) * time.Second,
		MaxRetries:   p.MaxRetries,
	}, a.logger.With("component", "sentinelhub"), a.Metrics)
	if err != nil {
		return nil, err
	}
	a.provider = client
	return client, nil
}

// Downloader builds the download orchestrator
func (a *App) Downloader(ctx context.Context) (*download.Orchestrator, error) {
	client, err := a.Provider(ctx)
	if err != nil {
		return nil, err
	}
	return download.NewOrchestrator(a.DB.DB, sentinelhub.NewBandFetcher(client), a.Config.DownloadDir(),
		a.logger.With("component", "download"),
		download.WithResolution(a.Config.Processing.Resolution),
		download.WithMetrics(a.Metrics)), nil
}

// Processor builds the snow classifier, archiving masks when an archive bucket is configured
func (a *App) Processor(ctx context.Context) (*snowmask.Processor, error) {
	opts := []snowmask.Option{snowmask.WithMetrics(a.Metrics)}
	if a.Config.Archive.Enabled() {
		arc, err := archive.New(ctx, archive.Config{
			Bucket:   a.Config.Archive.Bucket,
			Region:   a.Config.Archive.Region,
			Prefix:   a.Config.Archive.Prefix,
			Endpoint: a.Config.Archive.Endpoint,
		}, a.logger.With("component", "archive"), a.Metrics)
		if err != nil {
			return nil, err
		}
		opts = append(opts, snowmask.WithArchiver(arc))
	}
	return snowmask.NewProcessor(a.DB.DB, a.Config.MaskDir(), a.logger.With("component", "snowmask"), opts...), nil
}

// Pipeline builds the batch driver. Stages needing the provider are left unset when no credentials
// are configured, so classification and reporting still work offline.
func (a *App) Pipeline(ctx context.Context) (*pipeline.Pipeline, error) {
	var (
		finder     pipeline.SceneFinder
		downloader pipeline.SceneDownloader
	)
	client, err := a.Provider(ctx)
	switch {
	case err == nil:
		finder = discovery.New(client, a.logger.With("component", "discovery"))
		dl, err := a.Downloader(ctx)
		if err != nil {
			return nil, err
		}
		downloader = dl
	case errors.Is(err, sentinelhub.ErrMissingCredentials):
		a.logger.Debug("no provider credentials configured; discovery and download are unavailable")
	default:
		return nil, err
	}

	proc, err := a.Processor(ctx)
	if err != nil {
		return nil, err
	}
	return pipeline.New(a.DB.DB, finder, downloader, proc, a.logger.With("component", "pipeline"), a.Metrics), nil
}

// Serve runs the reporting server until a signal arrives or ctx is cancelled
func (a *App) Serve(ctx context.Context) error {
	var wg sync.WaitGroup

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := report.NewServer(a.DB.DB, report.Config{
		ListenAddr: a.Config.Server.ListenAddr,
		Port:       a.Config.Server.Port,
	}, a.logger.With("component", "report"), a.Metrics, a.registry)
	srv.Start(ctx, &wg)

	a.logger.Info("report server started")

	// Set up signal handling
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	// Wait for shutdown signal
	select {
	case <-sigs:
		a.logger.Info("shutdown signal received, initiating graceful shutdown...")
	case <-ctx.Done():
		a.logger.Info("context cancelled, shutting down...")
	}

	cancel()

	a.logger.Info("waiting for the server to terminate...")
	wg.Wait()
	a.logger.Info("shutdown complete")
	return nil
}

// SignalContext returns a context cancelled on SIGINT or SIGTERM, for batch commands
func SignalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}
