// Package app initializes and holds long-lived application services, acting as a dependency injection container.
package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/pubsub"
	"cloud.google.com/go/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/JakeFAU/site-audit-pipeline/internal/ai"
	"github.com/JakeFAU/site-audit-pipeline/internal/api"
	"github.com/JakeFAU/site-audit-pipeline/internal/audit"
	"github.com/JakeFAU/site-audit-pipeline/internal/background"
	"github.com/JakeFAU/site-audit-pipeline/internal/clock"
	"github.com/JakeFAU/site-audit-pipeline/internal/config"
	collyfetcher "github.com/JakeFAU/site-audit-pipeline/internal/fetcher/colly"
	"github.com/JakeFAU/site-audit-pipeline/internal/fetcher/headless"
	"github.com/JakeFAU/site-audit-pipeline/internal/httpstage"
	"github.com/JakeFAU/site-audit-pipeline/internal/id/uuid"
	"github.com/JakeFAU/site-audit-pipeline/internal/jobstate"
	"github.com/JakeFAU/site-audit-pipeline/internal/logging"
	"github.com/JakeFAU/site-audit-pipeline/internal/metrics"
	"github.com/JakeFAU/site-audit-pipeline/internal/notify"
	"github.com/JakeFAU/site-audit-pipeline/internal/pipeline"
	"github.com/JakeFAU/site-audit-pipeline/internal/policy/ratelimit"
	"github.com/JakeFAU/site-audit-pipeline/internal/sitemap"
	"github.com/JakeFAU/site-audit-pipeline/internal/storage/gcs"
	"github.com/JakeFAU/site-audit-pipeline/internal/storage/local"
	"github.com/JakeFAU/site-audit-pipeline/internal/storage/memory"
	"github.com/JakeFAU/site-audit-pipeline/internal/storage/postgres"
)

// App holds all the shared, long-lived services for the application.
// It is built once at startup from a validated config.Config.
type App struct {
	cfg        config.Config
	logger     *zap.Logger
	registry   *prometheus.Registry
	metrics    *metrics.Metrics
	clock      audit.Clock
	jobs       *jobstate.Store
	projects   audit.ProjectRepository
	reports    audit.ReportRepository
	notifier   notify.Notifier
	supervisor *background.Supervisor
	pipeline   *pipeline.Pipeline
	db         *postgres.Store

	closers []func() error
}

// Option customizes New.
type Option func(*options)

type options struct {
	logger  *zap.Logger
	fetcher audit.Fetcher
	clock   audit.Clock
}

// WithLogger replaces the logger built from cfg.Logging.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithFetcher replaces the network fetcher stack.
func WithFetcher(f audit.Fetcher) Option {
	return func(o *options) { o.fetcher = f }
}

// WithClock replaces the system clock.
func WithClock(c audit.Clock) Option {
	return func(o *options) { o.clock = c }
}

// New initializes every service cfg selects. It fails fast when a critical
// service cannot be built, releasing whatever was already opened.
func New(ctx context.Context, cfg config.Config, opts ...Option) (_ *App, err error) {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	a := &App{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if o.logger == nil {
		o.logger, err = logging.New(logging.Config{Development: cfg.Logging.Development, Level: cfg.Logging.Level})
		if err != nil {
			return nil, fmt.Errorf("init logger: %w", err)
		}
	}
	a.logger = o.logger
	a.clock = o.clock
	if a.clock == nil {
		a.clock = clock.New()
	}
	a.logger.Info("initializing application services")

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(a.registry)
	a.supervisor = background.New(a.logger, cfg.RequestTimeout())
	ids := uuid.New()

	var (
		jobRepo  audit.JobRepository
		pages    audit.PageRepository
		reports  audit.ReportRepository
		projects audit.ProjectRepository
	)
	if cfg.DB.DSN != "" {
		a.logger.Info("connecting to postgres")
		a.db, err = postgres.Open(ctx, postgres.Config{DSN: cfg.DB.DSN, MaxConns: cfg.DB.MaxConns})
		if err != nil {
			return nil, fmt.Errorf("init database: %w", err)
		}
		if cfg.DB.Migrate {
			if err = a.db.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("migrate database: %w", err)
			}
		}
		jobRepo, pages, reports, projects = a.db, a.db, a.db, a.db
	} else {
		a.logger.Info("using in-memory repositories; state is lost on exit")
		jobRepo, pages, reports, projects = memory.NewJobStore(), memory.NewPageStore(), memory.NewReportStore(), memory.NewProjectStore()
	}
	a.projects = projects
	a.reports = reports
	a.jobs = jobstate.New(jobRepo, a.clock, ids, a.logger, a.metrics)

	pageFetcher, resolverFetcher, err := a.buildFetchers(o.fetcher)
	if err != nil {
		return nil, err
	}

	aiClient, err := a.buildAI(ctx)
	if err != nil {
		return nil, err
	}

	a.notifier, err = a.buildNotifier(ctx)
	if err != nil {
		return nil, err
	}

	archive, err := a.buildArchive(ctx)
	if err != nil {
		return nil, err
	}

	trigger, local, err := a.buildTrigger()
	if err != nil {
		return nil, err
	}

	a.pipeline, err = pipeline.New(pipeline.Deps{
		Jobs:       a.jobs,
		Pages:      pages,
		Reports:    reports,
		Projects:   projects,
		Fetcher:    pageFetcher,
		Resolver:   sitemap.New(resolverFetcher, sitemap.Config{Timeout: cfg.SitemapTimeout()}, a.logger),
		AI:         aiClient,
		Trigger:    trigger,
		Supervisor: a.supervisor,
		Archive:    archive,
		Clock:      a.clock,
		IDs:        ids,
		Metrics:    a.metrics,
		Logger:     a.logger,
	}, pipeline.Config{
		ChunkSize:         cfg.Pipeline.ChunkSize,
		FetchTimeout:      cfg.FetchTimeout(),
		EnrichmentEnabled: cfg.Pipeline.EnrichmentEnabled,
		EnrichmentLimit:   cfg.Pipeline.EnrichmentLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("init pipeline: %w", err)
	}
	if local != nil {
		local.Register(a.pipeline.Stages())
	}

	a.logger.Info("application services initialized")
	return a, nil
}

// buildFetchers returns the page fetcher and the plain fetcher used for
// sitemaps. Both share one per-host limiter.
func (a *App) buildFetchers(override audit.Fetcher) (audit.Fetcher, audit.Fetcher, error) {
	limiter := ratelimit.New(ratelimit.Config{PerHostRPS: a.cfg.HTTP.PerHostRPS, Burst: 1})
	if override != nil {
		paced := ratelimit.Wrap(override, limiter)
		return paced, paced, nil
	}
	probe := collyfetcher.New(collyfetcher.Config{
		UserAgent:    a.cfg.HTTP.UserAgent,
		Timeout:      a.cfg.FetchTimeout(),
		MaxBodyBytes: a.cfg.HTTP.MaxBodyBytes,
	})
	plain := ratelimit.Wrap(probe, limiter)
	if !a.cfg.Headless.Enabled {
		return plain, plain, nil
	}
	renderer, err := headless.NewChromedp(headless.Config{
		MaxParallel:       a.cfg.Headless.MaxParallel,
		UserAgent:         a.cfg.HTTP.UserAgent,
		NavigationTimeout: time.Duration(a.cfg.Headless.NavTimeoutSec) * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("init headless fetcher: %w", err)
	}
	a.closers = append(a.closers, func() error {
		renderer.Close()
		return nil
	})
	a.logger.Info("headless rendering enabled", zap.Int("max_parallel", a.cfg.Headless.MaxParallel))
	promoting := headless.NewPromoting(probe, renderer, headless.NewDetector(a.cfg.Headless.PromotionThreshold), a.logger)
	return ratelimit.Wrap(promoting, limiter), plain, nil
}

// buildAI returns a nil interface when AI is disabled so stages see "no AI"
// rather than a typed nil.
func (a *App) buildAI(ctx context.Context) (ai.Client, error) {
	if !a.cfg.AI.Enabled {
		return nil, nil
	}
	g, err := ai.NewGemini(ctx, ai.Config{
		APIKey:            a.cfg.AI.APIKey,
		Model:             a.cfg.AI.Model,
		MaxRetries:        a.cfg.AI.MaxRetries,
		RequestsPerSecond: a.cfg.AI.RequestsPerSecond,
		Temperature:       a.cfg.AI.Temperature,
	}, a.logger)
	if err != nil {
		return nil, fmt.Errorf("init ai client: %w", err)
	}
	a.closers = append(a.closers, g.Close)
	a.logger.Info("ai critique enabled", zap.String("model", a.cfg.AI.Model))
	return g, nil
}

func (a *App) buildNotifier(ctx context.Context) (notify.Notifier, error) {
	switch a.cfg.Notify.Kind {
	case config.NotifyWebhook:
		w, err := notify.NewWebhook(a.cfg.Notify.WebhookURL, time.Duration(a.cfg.Notify.TimeoutSeconds)*time.Second, a.clock)
		if err != nil {
			return nil, fmt.Errorf("init webhook notifier: %w", err)
		}
		a.logger.Info("using webhook notifier")
		return w, nil
	case config.NotifyPubSub:
		client, err := pubsub.NewClient(ctx, a.cfg.PubSub.ProjectID)
		if err != nil {
			return nil, fmt.Errorf("init pubsub client: %w", err)
		}
		publisher := notify.NewTopicPublisher(client.Topic(a.cfg.PubSub.TopicName))
		a.closers = append(a.closers, func() error {
			publisher.Stop()
			return client.Close()
		})
		a.logger.Info("using pubsub notifier", zap.String("topic", a.cfg.PubSub.TopicName))
		return notify.NewPubSub(publisher, a.clock), nil
	default:
		return notify.Noop{}, nil
	}
}

// buildArchive returns a nil interface when archiving is disabled.
func (a *App) buildArchive(ctx context.Context) (audit.ReportArchive, error) {
	switch a.cfg.Storage.Kind {
	case config.StorageMemory:
		return memory.NewReportArchive(), nil
	case config.StorageLocal:
		archive, err := local.New(local.Config{BaseDir: a.cfg.Storage.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("init local archive: %w", err)
		}
		a.logger.Info("archiving reports locally", zap.String("dir", a.cfg.Storage.LocalDir))
		return archive, nil
	case config.StorageGCS:
		client, err := storage.NewClient(ctx)
		if err != nil {
			return nil, fmt.Errorf("init gcs client: %w", err)
		}
		a.closers = append(a.closers, client.Close)
		archive, err := gcs.New(client, gcs.Config{Bucket: a.cfg.Storage.GCSBucket, Prefix: a.cfg.Storage.Prefix})
		if err != nil {
			return nil, fmt.Errorf("init gcs archive: %w", err)
		}
		a.logger.Info("archiving reports to gcs", zap.String("bucket", a.cfg.Storage.GCSBucket))
		return archive, nil
	default:
		return nil, nil
	}
}

// buildTrigger chains stages over HTTP when the service knows its public
// address, and in-process otherwise.
func (a *App) buildTrigger() (pipeline.Trigger, *pipeline.LocalTrigger, error) {
	if a.cfg.Server.PublicBaseURL == "" {
		a.logger.Info("stages chain in-process")
		local := pipeline.NewLocalTrigger()
		return local, local, nil
	}
	apiKey := ""
	if a.cfg.Auth.Enabled {
		apiKey = a.cfg.Auth.APIKey
	}
	t, err := pipeline.NewHTTPTrigger(a.cfg.Server.PublicBaseURL, apiKey, a.cfg.RequestTimeout())
	if err != nil {
		return nil, nil, fmt.Errorf("init http trigger: %w", err)
	}
	a.logger.Info("stages chain over http", zap.String("base_url", a.cfg.Server.PublicBaseURL))
	return t, nil, nil
}

// Config returns the configuration the App was built from.
func (a *App) Config() config.Config {
	return a.cfg
}

// Logger returns the shared zap logger.
func (a *App) Logger() *zap.Logger {
	return a.logger
}

// Pipeline exposes the stage implementations.
func (a *App) Pipeline() *pipeline.Pipeline {
	return a.pipeline
}

// Jobs exposes the job store.
func (a *App) Jobs() *jobstate.Store {
	return a.jobs
}

// Projects exposes the project repository.
func (a *App) Projects() audit.ProjectRepository {
	return a.projects
}

// Reports exposes the report repository.
func (a *App) Reports() audit.ReportRepository {
	return a.reports
}

// Supervisor exposes the background task supervisor.
func (a *App) Supervisor() *background.Supervisor {
	return a.supervisor
}

// Scheduler builds the stage pointer poller from cfg.Scheduler.
func (a *App) Scheduler() *pipeline.Scheduler {
	return a.pipeline.Scheduler(pipeline.SchedulerConfig{
		Interval:    time.Duration(a.cfg.Scheduler.IntervalSeconds) * time.Second,
		StaleAfter:  time.Duration(a.cfg.Scheduler.StaleAfterSeconds) * time.Second,
		MaxAttempts: a.cfg.Scheduler.MaxAttempts,
	})
}

// Server builds the HTTP server over every stage.
func (a *App) Server() *api.Server {
	stages := make(map[string]httpstage.StageFunc)
	for name, fn := range a.pipeline.Stages() {
		stages[name] = httpstage.StageFunc(fn)
	}
	return api.NewServer(api.Options{
		Stages: stages,
		StageOptions: httpstage.Options{
			Notifier:   a.notifier,
			Supervisor: a.supervisor,
		},
		Jobs:        a.jobs,
		Metrics:     a.metrics,
		Gatherer:    a.registry,
		Ready:       a.Ready,
		Logger:      a.logger,
		AuthEnabled: a.cfg.Auth.Enabled,
		APIKey:      a.cfg.Auth.APIKey,
		Timeout:     a.cfg.RequestTimeout(),
	})
}

// Ready reports whether the database is reachable. In-memory mode is always ready.
func (a *App) Ready(ctx context.Context) error {
	if a.db == nil {
		return nil
	}
	return a.db.Ping(ctx)
}

// Close gracefully shuts down all services in the App container.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.db != nil {
		a.db.Close()
		a.db = nil
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
	return errors.Join(errs...)
}
