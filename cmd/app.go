// Package cmd provides CLI commands for the meetpipe tool.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/otherjamesbrown/meetpipe/config"
	"github.com/otherjamesbrown/meetpipe/pkg/db"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/extraction"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/meetings"
	"github.com/otherjamesbrown/meetpipe/pkg/observability"
	"github.com/otherjamesbrown/meetpipe/pkg/pipeline"
	"github.com/otherjamesbrown/meetpipe/pkg/queue"
	"github.com/otherjamesbrown/meetpipe/pkg/runs"
	mpsync "github.com/otherjamesbrown/meetpipe/pkg/sync"
	"github.com/otherjamesbrown/meetpipe/pkg/sync/google"
	"github.com/otherjamesbrown/meetpipe/pkg/sync/linear"
	"github.com/otherjamesbrown/meetpipe/pkg/transcription"
)

// Queue names under the configured prefix.
const (
	QueueProcess = "process"
	QueueSync    = "sync"
)

// Deps holds what every command needs. Main fills it once after loading
// configuration.
type Deps struct {
	Config *config.Config
	// ConfigFile is the --config path. Empty means config.ConfigPath().
	ConfigFile string
	Logger     logging.Logger
	Out        io.Writer
	// Secrets is the encrypted secret store. It may be nil when no key
	// source is available.
	Secrets SecretStore
	// OpenApp builds the backends a command runs against.
	OpenApp func(ctx context.Context) (*App, error)
}

// SecretStore is the part of credentials.Store the CLI uses.
type SecretStore interface {
	Set(name, value string) error
	Get(name string) (string, error)
	Delete(name string) error
	Names() ([]string, error)
	Path() string
	KeySource() string
}

func (d *Deps) out() io.Writer {
	if d.Out == nil {
		return os.Stdout
	}
	return d.Out
}

func (d *Deps) logger() logging.Logger {
	if d.Logger == nil {
		return logging.NewNopLogger()
	}
	return d.Logger
}

func (d *Deps) open(ctx context.Context) (*App, error) {
	if d.OpenApp == nil {
		return OpenApp(ctx, d.Config, d.logger())
	}
	return d.OpenApp(ctx)
}

// orgID returns the --org flag value, falling back to the configured org.
func (d *Deps) orgID(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if d.Config != nil && d.Config.OrgID != "" {
		return d.Config.OrgID, nil
	}
	return "", fmt.Errorf("%w: no organisation: pass --org or set org_id in the config", mperrors.ErrValidation)
}

// Stores groups the persistence the pipeline runs on.
type Stores struct {
	Meetings     meetings.Store
	Runs         runs.Store
	Ledger       mpsync.Ledger
	Directory    mpsync.Directory
	Integrations mpsync.IntegrationStore
}

// MemoryStores returns in-process stores.
func MemoryStores() Stores {
	return Stores{
		Meetings:     meetings.NewMemoryStore(),
		Runs:         runs.NewMemoryStore(),
		Ledger:       mpsync.NewMemoryLedger(),
		Directory:    mpsync.NewMemoryDirectory(),
		Integrations: mpsync.NewMemoryIntegrations(),
	}
}

// PostgresStores returns stores over pool.
func PostgresStores(pool *pgxpool.Pool, logger logging.Logger) Stores {
	return Stores{
		Meetings:     meetings.NewPostgresStore(pool, logger),
		Runs:         runs.NewPostgresStore(pool, logger),
		Ledger:       mpsync.NewPostgresLedger(pool, logger),
		Directory:    mpsync.NewPostgresDirectory(pool, logger),
		Integrations: mpsync.NewPostgresIntegrations(pool),
	}
}

// App is the assembled pipeline.
type App struct {
	Config   *config.Config
	Logger   logging.Logger
	Registry *prometheus.Registry
	Metrics  *observability.Metrics
	Events   *observability.EventEmitter

	Stores   Stores
	Meetings *meetings.Service
	Tracker  *runs.Tracker
	Syncer   *mpsync.Orchestrator
	Driver   *pipeline.Driver
	Provider transcription.Provider
	Linear   *linear.Client
	Queues   map[string]queue.Queue

	Pool  *pgxpool.Pool
	Redis redis.UniversalClient

	driverOpts []pipeline.Option
	closers    []func() error
}

// AppOption configures NewApp.
type AppOption func(*appOptions)

type appOptions struct {
	queues    map[string]queue.Queue
	publisher observability.EventPublisher
	provider  transcription.Provider
	extractor extraction.Extractor
	targets   map[string]mpsync.Target
	opener    pipeline.Opener
}

// WithQueues sets the work queues by name.
func WithQueues(qs map[string]queue.Queue) AppOption {
	return func(o *appOptions) { o.queues = qs }
}

// WithPublisher sets where pipeline events go.
func WithPublisher(p observability.EventPublisher) AppOption {
	return func(o *appOptions) { o.publisher = p }
}

// WithTranscriber replaces the configured transcription provider.
func WithTranscriber(p transcription.Provider) AppOption {
	return func(o *appOptions) { o.provider = p }
}

// WithExtractor replaces the LLM extractor.
func WithExtractor(e extraction.Extractor) AppOption {
	return func(o *appOptions) { o.extractor = e }
}

// WithTarget registers a sync target in place of the configured one.
func WithTarget(destination string, t mpsync.Target) AppOption {
	return func(o *appOptions) {
		if o.targets == nil {
			o.targets = map[string]mpsync.Target{}
		}
		o.targets[destination] = t
	}
}

// WithOpener sets how artifact bytes are read.
func WithOpener(fn pipeline.Opener) AppOption {
	return func(o *appOptions) { o.opener = fn }
}

// OpenApp connects to Postgres and Redis and assembles the pipeline.
func OpenApp(ctx context.Context, cfg *config.Config, logger logging.Logger) (*App, error) {
	pool, err := db.ConnectWithRetry(ctx, &cfg.Database, 30*time.Second)
	if err != nil {
		return nil, err
	}

	ropts, err := redis.ParseURL(cfg.Redis.URL)
	if err != nil {
		db.Close(pool)
		return nil, mperrors.Configuration("invalid redis url: %v", err)
	}
	if cfg.Redis.Password != "" {
		ropts.Password = cfg.Redis.Password
	}
	rdb := redis.NewClient(ropts)

	reg := prometheus.NewRegistry()
	metrics := observability.NewMetrics(reg)
	queues := map[string]queue.Queue{}
	for _, name := range []string{QueueProcess, QueueSync} {
		queues[name] = queue.NewRedisQueue(rdb, cfg.QueueConfig(name),
			queue.WithMetrics(metrics), queue.WithLogger(logger))
	}

	app, err := newApp(ctx, cfg, logger, PostgresStores(pool, logger), reg, metrics,
		WithQueues(queues),
		WithPublisher(observability.NewRedisClientPublisher(rdb)))
	if err != nil {
		rdb.Close()
		db.Close(pool)
		return nil, err
	}
	if _, err := db.RegisterPoolStatsCollector(reg, pool, "meetpipe", "pipeline"); err != nil {
		logger.Warn("pool stats collector not registered", logging.Err(err))
	}
	app.Pool, app.Redis = pool, rdb
	app.closers = append(app.closers, rdb.Close, func() error { db.Close(pool); return nil })
	return app, nil
}

// NewApp assembles the pipeline over stores without connecting to anything.
func NewApp(ctx context.Context, cfg *config.Config, logger logging.Logger, stores Stores, opts ...AppOption) (*App, error) {
	reg := prometheus.NewRegistry()
	return newApp(ctx, cfg, logger, stores, reg, observability.NewMetrics(reg), opts...)
}

func newApp(ctx context.Context, cfg *config.Config, logger logging.Logger, stores Stores,
	reg *prometheus.Registry, metrics *observability.Metrics, opts ...AppOption) (*App, error) {
	if logger == nil {
		logger = logging.NewNopLogger()
	}
	o := &appOptions{}
	for _, opt := range opts {
		opt(o)
	}
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var publisher observability.EventPublisher = &observability.NoOpEventPublisher{}
	if o.publisher != nil {
		publisher = o.publisher
	}
	events := observability.NewEventEmitter(publisher)
	tracer := observability.NewTracer()

	app := &App{
		Config:   cfg,
		Logger:   logger,
		Registry: reg,
		Metrics:  metrics,
		Events:   events,
		Stores:   stores,
		Queues:   o.queues,
	}
	if app.Queues == nil {
		app.Queues = map[string]queue.Queue{}
	}
	app.closers = append(app.closers, events.Close)

	app.Meetings = meetings.NewService(stores.Meetings, logger)
	app.Tracker = runs.NewTracker(stores.Runs,
		runs.WithLogger(logger), runs.WithMetrics(metrics), runs.WithEvents(events))
	app.Syncer = mpsync.NewOrchestrator(stores.Ledger,
		mpsync.WithLogger(logger), mpsync.WithMetrics(metrics),
		mpsync.WithTracer(tracer), mpsync.WithEvents(events))

	if err := app.registerTargets(ctx, o.targets); err != nil {
		return nil, err
	}

	app.Provider = o.provider
	if app.Provider == nil {
		p, err := transcription.DefaultRegistry().New(cfg.Transcription.DefaultProvider,
			cfg.ProviderConfig(cfg.Transcription.DefaultProvider, logger))
		if err != nil {
			// Transcript uploads still work; audio fails at the transcribe stage.
			logger.Warn("transcription provider unavailable",
				logging.F("provider", cfg.Transcription.DefaultProvider), logging.Err(err))
		} else {
			app.Provider = p
		}
	}

	extractor := o.extractor
	if extractor == nil {
		e, err := newLLMExtractor(cfg, logger, metrics, tracer)
		if err != nil {
			logger.Warn("extraction model unavailable", logging.Err(err))
		} else {
			extractor = e
		}
	}

	dopts := []pipeline.Option{
		pipeline.WithConfig(cfg.DriverConfig()),
		pipeline.WithSyncer(app.Syncer),
		pipeline.WithIntegrations(stores.Integrations),
		pipeline.WithLogger(logger),
		pipeline.WithMetrics(metrics),
		pipeline.WithTracer(tracer),
		pipeline.WithEvents(events),
	}
	if app.Provider != nil {
		dopts = append(dopts, pipeline.WithProvider(app.Provider))
	}
	if extractor != nil {
		dopts = append(dopts, pipeline.WithEngine(extraction.NewEngine(extractor,
			extraction.WithParallelism(cfg.Pipeline.Parallelism),
			extraction.WithLogger(logger),
			extraction.WithMetrics(metrics))))
	}
	if o.opener != nil {
		dopts = append(dopts, pipeline.WithOpener(o.opener))
	}
	app.driverOpts = dopts
	app.Driver = app.NewDriver()
	return app, nil
}

// NewDriver builds a driver over the app's backends; opts apply after the
// configured ones.
func (a *App) NewDriver(opts ...pipeline.Option) *pipeline.Driver {
	all := append(append([]pipeline.Option{}, a.driverOpts...), opts...)
	return pipeline.New(a.Meetings, a.Tracker, all...)
}

// ForcedDriver returns a driver that reruns stages that already succeeded.
func (a *App) ForcedDriver() *pipeline.Driver {
	dc := a.Config.DriverConfig()
	dc.Resume = false
	return a.NewDriver(pipeline.WithConfig(dc))
}

func newLLMExtractor(cfg *config.Config, logger logging.Logger, m *observability.Metrics, t *observability.Tracer) (*extraction.LLMExtractor, error) {
	client, err := extraction.NewOpenAIClient(extraction.OpenAIConfig{
		APIURL:     cfg.LLM.APIURL,
		APIKey:     cfg.LLM.APIKey,
		MaxRetries: cfg.LLM.MaxRetries,
	})
	if err != nil {
		return nil, err
	}
	lc := extraction.DefaultLLMExtractorConfig()
	if cfg.LLM.Model != "" {
		lc.Model = cfg.LLM.Model
	}
	if cfg.LLM.MaxTokens > 0 {
		lc.MaxTokens = cfg.LLM.MaxTokens
	}
	if cfg.LLM.Timeout > 0 {
		lc.Timeout = cfg.LLM.Timeout
	}
	lc.Temperature = cfg.LLM.Temperature
	return extraction.NewLLMExtractor(client, extraction.DefaultPromptTemplate(),
		extraction.WithLLMConfig(lc),
		extraction.WithExtractorLogger(logger),
		extraction.WithExtractorMetrics(m),
		extraction.WithExtractorTracer(t))
}

// registerTargets wires the configured sync destinations. A destination
// without credentials stays unregistered and its stage records a skip.
func (a *App) registerTargets(ctx context.Context, overrides map[string]mpsync.Target) error {
	cfg, logger := a.Config, a.Logger
	for dest, t := range overrides {
		a.Syncer.Register(dest, t)
	}

	if _, ok := overrides[mpsync.DestinationLinear]; !ok && cfg.Linear.APIKey != "" {
		var copts []linear.ClientOption
		if cfg.Linear.APIURL != "" {
			copts = append(copts, linear.WithEndpoint(cfg.Linear.APIURL))
		}
		copts = append(copts, linear.WithLogger(logger))
		a.Linear = linear.NewClient(cfg.Linear.APIKey, copts...)
		mapper := mpsync.NewUserMapper(a.Stores.Directory, mpsync.ProviderLinear)
		a.Syncer.Register(mpsync.DestinationLinear, linear.NewTarget(a.Linear, cfg.Linear.TeamID,
			linear.WithUserMapper(mapper), linear.WithTargetLogger(logger)))
		if err := a.seedAliases(ctx); err != nil {
			return err
		}
	}

	_, haveEmail := overrides[mpsync.DestinationGoogleEmail]
	_, haveCal := overrides[mpsync.DestinationGoogleCalendar]
	if haveEmail && haveCal {
		return nil
	}
	if !haveCal && !cfg.Google.EnableCalendarBooking {
		a.Syncer.Register(mpsync.DestinationGoogleCalendar, google.NewProposalTarget(cfg.Google.Recipients...))
		haveCal = true
	}
	creds := cfg.GoogleCredentials()
	if err := creds.Validate(); err != nil {
		logger.Debug("google sync not configured", logging.Err(err))
		return nil
	}
	ts := creds.TokenSource(ctx)
	if !haveEmail {
		svc, err := google.NewGmailService(ctx, ts)
		if err != nil {
			return fmt.Errorf("creating gmail client: %w", err)
		}
		a.Syncer.Register(mpsync.DestinationGoogleEmail, google.NewEmailTarget(google.NewGmailAPI(svc),
			google.WithSend(cfg.Google.EnableEmailSend),
			google.WithRecipients(cfg.Google.Recipients...),
			google.WithEmailLogger(logger)))
	}
	if !haveCal {
		svc, err := google.NewCalendarService(ctx, ts)
		if err != nil {
			return fmt.Errorf("creating calendar client: %w", err)
		}
		a.Syncer.Register(mpsync.DestinationGoogleCalendar, google.NewCalendarTarget(
			google.NewCalendarAPI(svc, cfg.Google.CalendarID), logger, cfg.Google.Recipients...))
	}
	return nil
}

// seedAliases copies linear.aliases from the config into the directory for
// the default org.
func (a *App) seedAliases(ctx context.Context) error {
	if a.Config.OrgID == "" || len(a.Config.Linear.Aliases) == 0 {
		return nil
	}
	for alias, userID := range a.Config.Linear.Aliases {
		if err := a.Stores.Directory.SetAlias(ctx, a.Config.OrgID, mpsync.ProviderLinear, alias, userID); err != nil {
			return fmt.Errorf("seeding linear alias %q: %w", alias, err)
		}
	}
	return nil
}

// Queue returns the named queue or an error when the app has none.
func (a *App) Queue(name string) (queue.Queue, error) {
	q, ok := a.Queues[name]
	if !ok {
		return nil, mperrors.Configuration("queue %q is not configured", name)
	}
	return q, nil
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for _, q := range a.Queues {
		errs = append(errs, q.Close())
	}
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
