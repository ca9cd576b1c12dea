// Package config loads meetpipe settings from defaults, a YAML file, a .env
// file, MEETPIPE_* environment variables and the secret store, in that order.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/otherjamesbrown/meetpipe/pkg/db"
	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/pipeline"
	"github.com/otherjamesbrown/meetpipe/pkg/queue"
	"github.com/otherjamesbrown/meetpipe/pkg/runs"
	"github.com/otherjamesbrown/meetpipe/pkg/sync/google"
	"github.com/otherjamesbrown/meetpipe/pkg/transcription"
)

// OutputFormat defines the supported output formats for CLI results.
type OutputFormat string

const (
	// OutputFormatText is human-readable plain text output.
	OutputFormatText OutputFormat = "text"
	// OutputFormatJSON is JSON-formatted output for machine processing.
	OutputFormatJSON OutputFormat = "json"
	// OutputFormatYAML is YAML-formatted output for machine processing.
	OutputFormatYAML OutputFormat = "yaml"
)

// Default configuration values.
const (
	DefaultOutputFormat = OutputFormatText
	DefaultConfigDir    = ".meetpipe"
	DefaultConfigFile   = "config.yaml"
	DefaultEnvFile      = ".env"
	DefaultProvider     = "klang"
	DefaultRedisURL     = "redis://localhost:6379/0"
	DefaultMetricsAddr  = ":9464"
)

// Secret names looked up in the secret store when the matching field is
// still empty after file and environment loading.
const (
	SecretOpenAIKey          = "openai_api_key"
	SecretMistralKey         = "mistral_api_key"
	SecretKlangKey           = "klang_api_key"
	SecretLinearKey          = "linear_api_key"
	SecretGoogleClientSecret = "google_client_secret"
	SecretGoogleRefreshToken = "google_refresh_token"
	SecretDatabasePassword   = "database_password"
	SecretRedisPassword      = "redis_password"
)

// Secrets lists every secret name the configuration resolves.
func Secrets() []string {
	return []string{
		SecretKlangKey, SecretMistralKey, SecretOpenAIKey,
		SecretLinearKey,
		SecretGoogleClientSecret, SecretGoogleRefreshToken,
		SecretDatabasePassword, SecretRedisPassword,
	}
}

// SecretSource resolves a named secret. It returns "" and a nil error when
// the secret is not stored.
type SecretSource interface {
	Lookup(name string) (string, error)
}

// ProviderSettings configures one transcription provider.
type ProviderSettings struct {
	APIURL string `yaml:"api_url,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	Model  string `yaml:"model,omitempty"`
}

// TranscriptionConfig selects and configures transcription providers.
type TranscriptionConfig struct {
	DefaultProvider string                      `yaml:"default_provider"`
	LanguageHint    string                      `yaml:"language_hint,omitempty"`
	Timeout         time.Duration               `yaml:"timeout"`
	MaxRetries      int                         `yaml:"max_retries"`
	TempDir         string                      `yaml:"temp_dir,omitempty"`
	Providers       map[string]ProviderSettings `yaml:"providers,omitempty"`
}

// LLMConfig configures the extraction model.
type LLMConfig struct {
	APIURL      string        `yaml:"api_url,omitempty"`
	APIKey      string        `yaml:"api_key,omitempty"`
	Model       string        `yaml:"model"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_tokens"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
}

// LinearConfig configures issue sync.
type LinearConfig struct {
	APIURL string `yaml:"api_url,omitempty"`
	APIKey string `yaml:"api_key,omitempty"`
	TeamID string `yaml:"team_id"`
	// Aliases map a spoken name to a Linear user id.
	Aliases map[string]string `yaml:"aliases,omitempty"`
}

// GoogleConfig configures Gmail and Calendar sync.
type GoogleConfig struct {
	ClientID              string   `yaml:"client_id"`
	ClientSecret          string   `yaml:"client_secret,omitempty"`
	RefreshToken          string   `yaml:"refresh_token,omitempty"`
	TokenURL              string   `yaml:"token_url,omitempty"`
	CalendarID            string   `yaml:"calendar_id"`
	Recipients            []string `yaml:"recipients,omitempty"`
	EnableEmailSend       bool     `yaml:"enable_email_send"`
	EnableCalendarBooking bool     `yaml:"enable_calendar_booking"`
}

// RedisConfig configures the work queue and event channel.
type RedisConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password,omitempty"`
}

// PipelineConfig tunes the stage driver and extraction engine.
type PipelineConfig struct {
	MaxAttempts                  int                      `yaml:"max_attempts"`
	InitialBackoff               time.Duration            `yaml:"initial_backoff"`
	MaxBackoff                   time.Duration            `yaml:"max_backoff"`
	StageTimeouts                map[string]time.Duration `yaml:"stage_timeouts,omitempty"`
	ChunkMaxChars                int                      `yaml:"chunk_max_chars"`
	Parallelism                  int                      `yaml:"parallelism"`
	Destinations                 []string                 `yaml:"destinations"`
	BlockSyncOnPartialExtraction bool                     `yaml:"block_sync_on_partial_extraction"`
}

// QueueConfig configures the Redis queues and worker pools.
type QueueConfig struct {
	Prefix            string        `yaml:"prefix"`
	VisibilityTimeout time.Duration `yaml:"visibility_timeout"`
	MaxRetries        int           `yaml:"max_retries"`
	ProcessWorkers    int           `yaml:"process_workers"`
	SyncWorkers       int           `yaml:"sync_workers"`
}

// LoggingConfig configures the zerolog logger.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	JSON        bool   `yaml:"json"`
	Environment string `yaml:"environment"`
}

// MetricsConfig configures the Prometheus endpoint served by workers.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// Config holds every meetpipe setting. It is built once in main and passed
// down explicitly.
type Config struct {
	// OrgID is the default organisation for CLI commands.
	OrgID        string       `yaml:"org_id,omitempty"`
	OutputFormat OutputFormat `yaml:"output_format"`
	Debug        bool         `yaml:"debug,omitempty"`

	Transcription TranscriptionConfig `yaml:"transcription"`
	LLM           LLMConfig           `yaml:"llm"`
	Linear        LinearConfig        `yaml:"linear"`
	Google        GoogleConfig        `yaml:"google"`
	Database      db.Config           `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Pipeline      PipelineConfig      `yaml:"pipeline"`
	Queue         QueueConfig         `yaml:"queue"`
	Logging       LoggingConfig       `yaml:"logging"`
	Metrics       MetricsConfig       `yaml:"metrics"`
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	driver := pipeline.DefaultConfig()
	timeouts := make(map[string]time.Duration, len(driver.StageTimeouts))
	for stage, d := range driver.StageTimeouts {
		timeouts[string(stage)] = d
	}
	qc := queue.DefaultConfig()

	return &Config{
		OutputFormat: DefaultOutputFormat,
		Transcription: TranscriptionConfig{
			DefaultProvider: DefaultProvider,
			Timeout:         15 * time.Minute,
			MaxRetries:      2,
			Providers:       map[string]ProviderSettings{},
		},
		LLM: LLMConfig{
			Model:       "gpt-4o-2024-08-06",
			Temperature: 0.1,
			MaxTokens:   4096,
			Timeout:     2 * time.Minute,
			MaxRetries:  2,
		},
		Google: GoogleConfig{
			CalendarID: "primary",
		},
		Database: *db.DefaultConfig(),
		Redis:    RedisConfig{URL: DefaultRedisURL},
		Pipeline: PipelineConfig{
			MaxAttempts:    driver.Retry.MaxAttempts,
			InitialBackoff: driver.Retry.InitialBackoff,
			MaxBackoff:     driver.Retry.MaxBackoff,
			StageTimeouts:  timeouts,
			ChunkMaxChars:  driver.ChunkMaxChars,
			Parallelism:    4,
			Destinations:   driver.Destinations,
		},
		Queue: QueueConfig{
			Prefix:            "meetpipe",
			VisibilityTimeout: qc.VisibilityTimeout,
			MaxRetries:        qc.MaxRetries,
			ProcessWorkers:    2,
			SyncWorkers:       4,
		},
		Logging: LoggingConfig{
			Level:       string(logging.LevelInfo),
			Environment: "development",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    DefaultMetricsAddr,
		},
	}
}

// ConfigDir returns the configuration directory path.
// Uses $MEETPIPE_CONFIG_DIR if set, otherwise ~/.meetpipe
func ConfigDir() (string, error) {
	if dir := os.Getenv("MEETPIPE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("getting home directory: %w", err)
	}

	return filepath.Join(home, DefaultConfigDir), nil
}

// ConfigPath returns the full path to the configuration file.
func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, DefaultConfigFile), nil
}

// LoadOptions controls where Load reads from.
type LoadOptions struct {
	// Path is the YAML file. Empty means ConfigPath(). A missing file is not an error.
	Path string
	// EnvFile is a dotenv file whose values apply where the process
	// environment has none. Empty means ./.env.
	EnvFile string
	// Secrets fills credentials that are still empty. Optional.
	Secrets SecretSource
}

// Load builds the configuration. Later sources override earlier ones:
//  1. defaults
//  2. YAML file
//  3. .env file
//  4. MEETPIPE_* environment variables
//  5. secret store, for credentials still unset
func Load(opts LoadOptions) (*Config, error) {
	cfg := DefaultConfig()

	path := opts.Path
	if path == "" {
		p, err := ConfigPath()
		if err != nil {
			return nil, fmt.Errorf("getting config path: %w", err)
		}
		path = p
	}
	if _, err := os.Stat(path); err == nil {
		if err := loadFromFile(cfg, path); err != nil {
			return nil, fmt.Errorf("loading config file: %w", err)
		}
	} else if opts.Path != "" {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}

	dotenv, err := readEnvFile(opts.EnvFile)
	if err != nil {
		return nil, err
	}
	lookup := func(key string) string {
		if v := os.Getenv(key); v != "" {
			return v
		}
		return dotenv[key]
	}
	if err := applyEnv(cfg, lookup); err != nil {
		return nil, fmt.Errorf("reading environment: %w", err)
	}

	if opts.Secrets != nil {
		if err := resolveSecrets(cfg, opts.Secrets); err != nil {
			return nil, fmt.Errorf("resolving secrets: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func loadFromFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

func readEnvFile(path string) (map[string]string, error) {
	explicit := path != ""
	if !explicit {
		path = DefaultEnvFile
	}
	values, err := godotenv.Read(path)
	if err == nil {
		return values, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	return nil, fmt.Errorf("reading env file %s: %w", path, err)
}

// applyEnv overlays MEETPIPE_* variables. Provider keys also accept the
// vendors' unprefixed names (OPENAI_API_KEY and friends).
func applyEnv(cfg *Config, get func(string) string) error {
	str := func(dst *string, keys ...string) {
		for _, k := range keys {
			if v := get(k); v != "" {
				*dst = v
				return
			}
		}
	}
	var errs []error
	boolean := func(dst *bool, key string) {
		if v := get(key); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = b
		}
	}
	integer := func(dst *int, key string) {
		if v := get(key); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	duration := func(dst *time.Duration, key string) {
		if v := get(key); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str(&cfg.OrgID, "MEETPIPE_ORG_ID")
	if v := get("MEETPIPE_OUTPUT_FORMAT"); v != "" {
		cfg.OutputFormat = OutputFormat(v)
	}
	boolean(&cfg.Debug, "MEETPIPE_DEBUG")

	t := &cfg.Transcription
	str(&t.DefaultProvider, "MEETPIPE_TRANSCRIPTION_PROVIDER", "DEFAULT_TRANSCRIPTION_PROVIDER")
	str(&t.LanguageHint, "MEETPIPE_LANGUAGE_HINT")
	duration(&t.Timeout, "MEETPIPE_TRANSCRIPTION_TIMEOUT")
	if t.Providers == nil {
		t.Providers = map[string]ProviderSettings{}
	}
	for _, name := range transcription.DefaultRegistry().Names() {
		upper := strings.ToUpper(name)
		ps := t.Providers[name]
		str(&ps.APIKey, "MEETPIPE_"+upper+"_API_KEY", upper+"_API_KEY")
		str(&ps.APIURL, "MEETPIPE_"+upper+"_API_URL", upper+"_API_URL")
		str(&ps.Model, "MEETPIPE_"+upper+"_MODEL")
		t.Providers[name] = ps
	}

	str(&cfg.LLM.APIKey, "MEETPIPE_LLM_API_KEY", "MEETPIPE_OPENAI_API_KEY", "OPENAI_API_KEY")
	str(&cfg.LLM.APIURL, "MEETPIPE_LLM_API_URL")
	str(&cfg.LLM.Model, "MEETPIPE_LLM_MODEL")

	str(&cfg.Linear.APIKey, "MEETPIPE_LINEAR_API_KEY", "LINEAR_API_KEY")
	str(&cfg.Linear.APIURL, "MEETPIPE_LINEAR_API_URL", "LINEAR_API_URL")
	str(&cfg.Linear.TeamID, "MEETPIPE_LINEAR_TEAM_ID")

	g := &cfg.Google
	str(&g.ClientID, "MEETPIPE_GOOGLE_CLIENT_ID", "GOOGLE_CLIENT_ID")
	str(&g.ClientSecret, "MEETPIPE_GOOGLE_CLIENT_SECRET", "GOOGLE_CLIENT_SECRET")
	str(&g.RefreshToken, "MEETPIPE_GOOGLE_REFRESH_TOKEN")
	str(&g.CalendarID, "MEETPIPE_GOOGLE_CALENDAR_ID")
	boolean(&g.EnableEmailSend, "MEETPIPE_ENABLE_EMAIL_SEND")
	boolean(&g.EnableCalendarBooking, "MEETPIPE_ENABLE_CALENDAR_BOOKING")

	cfg.Database.ApplyEnv()

	str(&cfg.Redis.URL, "MEETPIPE_REDIS_URL", "REDIS_URL")
	str(&cfg.Redis.Password, "MEETPIPE_REDIS_PASSWORD")

	p := &cfg.Pipeline
	integer(&p.MaxAttempts, "MEETPIPE_MAX_ATTEMPTS")
	integer(&p.ChunkMaxChars, "MEETPIPE_CHUNK_MAX_CHARS")
	integer(&p.Parallelism, "MEETPIPE_EXTRACTION_PARALLELISM")
	boolean(&p.BlockSyncOnPartialExtraction, "MEETPIPE_BLOCK_SYNC_ON_PARTIAL_EXTRACTION")
	if v := get("MEETPIPE_DESTINATIONS"); v != "" {
		p.Destinations = splitList(v)
	}

	integer(&cfg.Queue.ProcessWorkers, "MEETPIPE_PROCESS_WORKERS")
	integer(&cfg.Queue.SyncWorkers, "MEETPIPE_SYNC_WORKERS")

	str(&cfg.Logging.Level, "MEETPIPE_LOG_LEVEL", "LOG_LEVEL")
	boolean(&cfg.Logging.JSON, "MEETPIPE_LOG_JSON")
	str(&cfg.Logging.Environment, "MEETPIPE_ENV", "ENV")

	boolean(&cfg.Metrics.Enabled, "MEETPIPE_METRICS_ENABLED")
	str(&cfg.Metrics.Addr, "MEETPIPE_METRICS_ADDR")

	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func resolveSecrets(cfg *Config, src SecretSource) error {
	fill := func(dst *string, name string) error {
		if *dst != "" {
			return nil
		}
		v, err := src.Lookup(name)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*dst = v
		return nil
	}

	for _, name := range transcription.DefaultRegistry().Names() {
		ps := cfg.Transcription.Providers[name]
		if err := fill(&ps.APIKey, name+"_api_key"); err != nil {
			return err
		}
		cfg.Transcription.Providers[name] = ps
	}
	targets := []struct {
		dst  *string
		name string
	}{
		{&cfg.LLM.APIKey, SecretOpenAIKey},
		{&cfg.Linear.APIKey, SecretLinearKey},
		{&cfg.Google.ClientSecret, SecretGoogleClientSecret},
		{&cfg.Google.RefreshToken, SecretGoogleRefreshToken},
		{&cfg.Database.Password, SecretDatabasePassword},
		{&cfg.Redis.Password, SecretRedisPassword},
	}
	for _, t := range targets {
		if err := fill(t.dst, t.name); err != nil {
			return err
		}
	}
	return nil
}

// Validate checks that the configuration is usable. Missing credentials are
// not errors here; the component that needs one reports it when built.
func (c *Config) Validate() error {
	if !c.OutputFormat.IsValid() {
		return mperrors.Configuration("invalid output_format: %q (must be text, json, or yaml)", c.OutputFormat)
	}
	if c.Transcription.DefaultProvider == "" {
		return mperrors.Configuration("transcription.default_provider is required")
	}
	if c.Pipeline.MaxAttempts < 1 {
		return mperrors.Configuration("pipeline.max_attempts must be at least 1")
	}
	if c.Pipeline.ChunkMaxChars <= 0 {
		return mperrors.Configuration("pipeline.chunk_max_chars must be positive")
	}
	if c.Pipeline.Parallelism < 1 {
		return mperrors.Configuration("pipeline.parallelism must be at least 1")
	}
	for _, dest := range c.Pipeline.Destinations {
		if _, err := pipeline.SyncStage(dest); err != nil {
			return err
		}
	}
	for stage, d := range c.Pipeline.StageTimeouts {
		if !runs.Stage(stage).Valid() {
			return mperrors.Configuration("pipeline.stage_timeouts: unknown stage %q", stage)
		}
		if d <= 0 {
			return mperrors.Configuration("pipeline.stage_timeouts.%s must be positive", stage)
		}
	}
	if c.Queue.ProcessWorkers < 1 || c.Queue.SyncWorkers < 1 {
		return mperrors.Configuration("queue worker counts must be at least 1")
	}
	switch logging.Level(c.Logging.Level) {
	case logging.LevelDebug, logging.LevelInfo, logging.LevelWarn, logging.LevelError:
	default:
		return mperrors.Configuration("invalid logging.level: %q", c.Logging.Level)
	}
	return nil
}

// IsValid checks if the output format is valid.
func (f OutputFormat) IsValid() bool {
	switch f {
	case OutputFormatText, OutputFormatJSON, OutputFormatYAML:
		return true
	default:
		return false
	}
}

// String returns the string representation of the output format.
func (f OutputFormat) String() string {
	return string(f)
}

// ProviderConfig returns the settings for the named transcription provider.
func (c *Config) ProviderConfig(name string, logger logging.Logger) transcription.ProviderConfig {
	ps := c.Transcription.Providers[strings.ToLower(name)]
	return transcription.ProviderConfig{
		APIURL:     ps.APIURL,
		APIKey:     ps.APIKey,
		Model:      ps.Model,
		Timeout:    c.Transcription.Timeout,
		MaxRetries: c.Transcription.MaxRetries,
		TempDir:    c.Transcription.TempDir,
		Logger:     logger,
	}
}

// DriverConfig returns the pipeline driver settings.
func (c *Config) DriverConfig() pipeline.Config {
	d := pipeline.DefaultConfig()
	d.Retry.MaxAttempts = c.Pipeline.MaxAttempts
	if c.Pipeline.InitialBackoff > 0 {
		d.Retry.InitialBackoff = c.Pipeline.InitialBackoff
	}
	if c.Pipeline.MaxBackoff > 0 {
		d.Retry.MaxBackoff = c.Pipeline.MaxBackoff
	}
	for stage, t := range c.Pipeline.StageTimeouts {
		d.StageTimeouts[runs.Stage(stage)] = t
	}
	d.ChunkMaxChars = c.Pipeline.ChunkMaxChars
	d.LanguageHint = c.Transcription.LanguageHint
	d.Destinations = c.Pipeline.Destinations
	d.BlockSyncOnPartialExtraction = c.Pipeline.BlockSyncOnPartialExtraction
	return d
}

// QueueName returns the Redis key prefix for the named queue.
func (c *Config) QueueName(name string) string {
	return c.Queue.Prefix + ":" + name
}

// QueueConfig returns settings for the named queue.
func (c *Config) QueueConfig(name string) queue.Config {
	qc := queue.DefaultConfig()
	qc.Name = c.QueueName(name)
	if c.Queue.VisibilityTimeout > 0 {
		qc.VisibilityTimeout = c.Queue.VisibilityTimeout
	}
	if c.Queue.MaxRetries > 0 {
		qc.MaxRetries = c.Queue.MaxRetries
	}
	return qc
}

// LoggerConfig returns the logger settings. Debug forces the debug level.
func (c *Config) LoggerConfig() *logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.Level(c.Logging.Level)
	if c.Debug {
		lc.Level = logging.LevelDebug
	}
	lc.JSONFormat = c.Logging.JSON
	lc.Environment = c.Logging.Environment
	return lc
}

// GoogleCredentials returns the OAuth client and refresh token.
func (c *Config) GoogleCredentials() google.Credentials {
	return google.Credentials{
		ClientID:     c.Google.ClientID,
		ClientSecret: c.Google.ClientSecret,
		RefreshToken: c.Google.RefreshToken,
		TokenURL:     c.Google.TokenURL,
	}
}

// Redacted returns a copy of c with every non-empty secret replaced by
// mask(secret).
func (c *Config) Redacted(mask func(string) string) *Config {
	out := *c
	apply := func(p *string) {
		if *p != "" {
			*p = mask(*p)
		}
	}
	apply(&out.LLM.APIKey)
	apply(&out.Linear.APIKey)
	apply(&out.Google.ClientSecret)
	apply(&out.Google.RefreshToken)
	apply(&out.Redis.Password)
	apply(&out.Database.Password)
	out.Transcription.Providers = make(map[string]ProviderSettings, len(c.Transcription.Providers))
	for name, ps := range c.Transcription.Providers {
		apply(&ps.APIKey)
		out.Transcription.Providers[name] = ps
	}
	return &out
}

// SaveConfig writes cfg to path with secrets removed.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	out := cfg.Redacted(func(string) string { return "" })
	data, err := yaml.Marshal(out)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// EnsureConfigDir creates the configuration directory if it doesn't exist.
func EnsureConfigDir() error {
	dir, err := ConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(dir, 0700)
}

// ExpandPath expands ~ to the user's home directory.
func ExpandPath(path string) (string, error) {
	if path == "" {
		return "", nil
	}
	if path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("getting home directory: %w", err)
		}
		return filepath.Join(home, path[1:]), nil
	}
	return path, nil
}
