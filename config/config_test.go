package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	mperrors "github.com/otherjamesbrown/meetpipe/pkg/errors"
	"github.com/otherjamesbrown/meetpipe/pkg/logging"
	"github.com/otherjamesbrown/meetpipe/pkg/runs"
)

type mapSecrets map[string]string

func (m mapSecrets) Lookup(name string) (string, error) {
	return m[name], nil
}

type failingSecrets struct{}

func (failingSecrets) Lookup(name string) (string, error) {
	return "", errors.New("keyring locked")
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
	return path
}

// clearEnv blanks variables a developer machine may export.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"OPENAI_API_KEY", "LINEAR_API_KEY", "KLANG_API_KEY", "MISTRAL_API_KEY",
		"MEETPIPE_LLM_API_KEY", "MEETPIPE_OPENAI_API_KEY", "MEETPIPE_LINEAR_API_KEY",
		"MEETPIPE_LINEAR_TEAM_ID", "MEETPIPE_TRANSCRIPTION_PROVIDER", "DEFAULT_TRANSCRIPTION_PROVIDER",
		"MEETPIPE_LOG_LEVEL", "LOG_LEVEL", "MEETPIPE_MAX_ATTEMPTS", "MEETPIPE_REDIS_URL", "REDIS_URL",
		"MEETPIPE_OUTPUT_FORMAT", "MEETPIPE_DESTINATIONS",
	} {
		t.Setenv(k, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.OutputFormat != DefaultOutputFormat {
		t.Errorf("OutputFormat = %v, want %v", cfg.OutputFormat, DefaultOutputFormat)
	}
	if cfg.Transcription.DefaultProvider != "klang" {
		t.Errorf("DefaultProvider = %q, want klang", cfg.Transcription.DefaultProvider)
	}
	if cfg.Pipeline.MaxAttempts != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.Pipeline.MaxAttempts)
	}
	if cfg.Pipeline.StageTimeouts[string(runs.StageTranscribe)] != 20*time.Minute {
		t.Errorf("transcribe timeout = %v, want 20m", cfg.Pipeline.StageTimeouts["transcribe"])
	}
	if len(cfg.Pipeline.Destinations) != 3 {
		t.Errorf("Destinations = %v, want all three", cfg.Pipeline.Destinations)
	}
	if cfg.Google.EnableEmailSend || cfg.Google.EnableCalendarBooking {
		t.Error("email send and calendar booking must default to off")
	}
}

func TestOutputFormat_IsValid(t *testing.T) {
	tests := []struct {
		format OutputFormat
		want   bool
	}{
		{OutputFormatText, true},
		{OutputFormatJSON, true},
		{OutputFormatYAML, true},
		{"xml", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := tt.format.IsValid(); got != tt.want {
			t.Errorf("OutputFormat(%q).IsValid() = %v, want %v", tt.format, got, tt.want)
		}
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		ok     bool
	}{
		{"defaults", func(*Config) {}, true},
		{"bad output format", func(c *Config) { c.OutputFormat = "xml" }, false},
		{"no provider", func(c *Config) { c.Transcription.DefaultProvider = "" }, false},
		{"zero attempts", func(c *Config) { c.Pipeline.MaxAttempts = 0 }, false},
		{"zero chunk size", func(c *Config) { c.Pipeline.ChunkMaxChars = 0 }, false},
		{"zero parallelism", func(c *Config) { c.Pipeline.Parallelism = 0 }, false},
		{"unknown destination", func(c *Config) { c.Pipeline.Destinations = []string{"slack"} }, false},
		{"no destinations", func(c *Config) { c.Pipeline.Destinations = nil }, true},
		{"unknown stage timeout", func(c *Config) { c.Pipeline.StageTimeouts["upload"] = time.Minute }, false},
		{"negative stage timeout", func(c *Config) { c.Pipeline.StageTimeouts["extract"] = -time.Second }, false},
		{"no workers", func(c *Config) { c.Queue.SyncWorkers = 0 }, false},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.ok && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if !tt.ok {
				if err == nil {
					t.Fatal("Validate() = nil, want error")
				}
				if mperrors.CodeOf(err) != mperrors.ErrCodeConfiguration {
					t.Errorf("code = %s, want configuration_error", mperrors.CodeOf(err))
				}
			}
		})
	}
}

func TestLoad_FromFile(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
org_id: org-acme
output_format: json
transcription:
  default_provider: mistral
  providers:
    mistral:
      model: voxtral-mini
linear:
  team_id: TEAM-1
  aliases:
    bobby: user-bob
google:
  calendar_id: team@example.com
  enable_email_send: true
pipeline:
  max_attempts: 5
  initial_backoff: 500ms
  stage_timeouts:
    transcribe: 45m
  destinations: [linear]
  block_sync_on_partial_extraction: true
`)

	cfg, err := Load(LoadOptions{Path: path, EnvFile: writeFile(t, dir, "empty.env", "")})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.OrgID != "org-acme" {
		t.Errorf("OrgID = %q", cfg.OrgID)
	}
	if cfg.OutputFormat != OutputFormatJSON {
		t.Errorf("OutputFormat = %q", cfg.OutputFormat)
	}
	if cfg.Transcription.DefaultProvider != "mistral" {
		t.Errorf("DefaultProvider = %q", cfg.Transcription.DefaultProvider)
	}
	if got := cfg.ProviderConfig("Mistral", nil).Model; got != "voxtral-mini" {
		t.Errorf("mistral model = %q", got)
	}
	if cfg.Linear.Aliases["bobby"] != "user-bob" {
		t.Errorf("Aliases = %v", cfg.Linear.Aliases)
	}
	if !cfg.Google.EnableEmailSend || cfg.Google.EnableCalendarBooking {
		t.Errorf("google flags = %+v", cfg.Google)
	}

	driver := cfg.DriverConfig()
	if driver.Retry.MaxAttempts != 5 || driver.Retry.InitialBackoff != 500*time.Millisecond {
		t.Errorf("Retry = %+v", driver.Retry)
	}
	if driver.Timeout(runs.StageTranscribe) != 45*time.Minute {
		t.Errorf("transcribe timeout = %v", driver.Timeout(runs.StageTranscribe))
	}
	if driver.Timeout(runs.StageExtract) != 10*time.Minute {
		t.Errorf("extract timeout kept default, got %v", driver.Timeout(runs.StageExtract))
	}
	if len(driver.Destinations) != 1 || !driver.BlockSyncOnPartialExtraction {
		t.Errorf("driver = %+v", driver)
	}
}

func TestLoad_EnvPrecedence(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "linear:\n  team_id: FROM-FILE\n")
	envFile := writeFile(t, dir, ".env", "MEETPIPE_LINEAR_TEAM_ID=FROM-DOTENV\nOPENAI_API_KEY=sk-dotenv\nMEETPIPE_MAX_ATTEMPTS=4\n")

	cfg, err := Load(LoadOptions{Path: path, EnvFile: envFile})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Linear.TeamID != "FROM-DOTENV" {
		t.Errorf("dotenv should override file, TeamID = %q", cfg.Linear.TeamID)
	}
	if cfg.LLM.APIKey != "sk-dotenv" {
		t.Errorf("LLM key = %q", cfg.LLM.APIKey)
	}

	t.Setenv("MEETPIPE_LINEAR_TEAM_ID", "FROM-ENV")
	t.Setenv("MEETPIPE_LOG_LEVEL", "debug")
	cfg, err = Load(LoadOptions{Path: path, EnvFile: envFile})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Linear.TeamID != "FROM-ENV" {
		t.Errorf("process env should override dotenv, TeamID = %q", cfg.Linear.TeamID)
	}
	if cfg.Pipeline.MaxAttempts != 4 {
		t.Errorf("MaxAttempts = %d", cfg.Pipeline.MaxAttempts)
	}
	if cfg.LoggerConfig().Level != logging.LevelDebug {
		t.Errorf("log level = %v", cfg.LoggerConfig().Level)
	}
}

func TestLoad_InvalidEnvValue(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	t.Setenv("MEETPIPE_ENABLE_EMAIL_SEND", "maybe")

	_, err := Load(LoadOptions{Path: writeFile(t, dir, "config.yaml", ""), EnvFile: writeFile(t, dir, "x.env", "")})
	if err == nil {
		t.Fatal("expected error for unparseable bool")
	}
}

func TestLoad_Secrets(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "")
	envFile := writeFile(t, dir, ".env", "LINEAR_API_KEY=lin-env\n")

	secrets := mapSecrets{
		SecretOpenAIKey:          "sk-keyring",
		SecretLinearKey:          "lin-keyring",
		SecretKlangKey:           "klang-keyring",
		SecretGoogleRefreshToken: "refresh",
	}
	cfg, err := Load(LoadOptions{Path: path, EnvFile: envFile, Secrets: secrets})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LLM.APIKey != "sk-keyring" {
		t.Errorf("LLM key = %q", cfg.LLM.APIKey)
	}
	if cfg.Linear.APIKey != "lin-env" {
		t.Errorf("environment wins over the secret store, got %q", cfg.Linear.APIKey)
	}
	if got := cfg.ProviderConfig("klang", nil).APIKey; got != "klang-keyring" {
		t.Errorf("klang key = %q", got)
	}
	if cfg.GoogleCredentials().RefreshToken != "refresh" {
		t.Errorf("refresh token = %q", cfg.Google.RefreshToken)
	}

	if _, err := Load(LoadOptions{Path: path, EnvFile: envFile, Secrets: failingSecrets{}}); err == nil {
		t.Error("expected secret store error to surface")
	}
}

func TestLoad_MissingExplicitFiles(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	if _, err := Load(LoadOptions{Path: filepath.Join(dir, "nope.yaml")}); err == nil {
		t.Error("expected error for missing explicit config file")
	}
	path := writeFile(t, dir, "config.yaml", "")
	if _, err := Load(LoadOptions{Path: path, EnvFile: filepath.Join(dir, "nope.env")}); err == nil {
		t.Error("expected error for missing explicit env file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "pipeline: [not, a, map")
	if _, err := Load(LoadOptions{Path: path, EnvFile: writeFile(t, dir, "x.env", "")}); err == nil {
		t.Error("expected parse error")
	}
}

func TestQueueConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Queue.MaxRetries = 7
	qc := cfg.QueueConfig("sync")
	if qc.Name != "meetpipe:sync" {
		t.Errorf("Name = %q", qc.Name)
	}
	if qc.MaxRetries != 7 {
		t.Errorf("MaxRetries = %d", qc.MaxRetries)
	}
}

func TestSaveConfig_StripsSecrets(t *testing.T) {
	clearEnv(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")

	cfg := DefaultConfig()
	cfg.Linear.TeamID = "TEAM-9"
	cfg.Linear.APIKey = "lin-secret"
	cfg.Transcription.Providers["openai"] = ProviderSettings{APIKey: "sk-secret", Model: "whisper-1"}
	if err := SaveConfig(cfg, path); err != nil {
		t.Fatalf("SaveConfig() error = %v", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	loaded, err := Load(LoadOptions{Path: path, EnvFile: writeFile(t, dir, "x.env", "")})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.Linear.TeamID != "TEAM-9" {
		t.Errorf("TeamID = %q", loaded.Linear.TeamID)
	}
	if loaded.Linear.APIKey != "" || loaded.Transcription.Providers["openai"].APIKey != "" {
		t.Error("secrets were written to the config file")
	}
	if loaded.Transcription.Providers["openai"].Model != "whisper-1" {
		t.Errorf("model = %q", loaded.Transcription.Providers["openai"].Model)
	}
	if loaded.Pipeline.StageTimeouts["transcribe"] != 20*time.Minute {
		t.Errorf("durations did not round-trip: %v", loaded.Pipeline.StageTimeouts)
	}
}

func TestRedacted(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LLM.APIKey = "sk-llm"
	cfg.Google.RefreshToken = "1//token"
	cfg.Transcription.Providers["klang"] = ProviderSettings{APIKey: "kl-key"}

	out := cfg.Redacted(func(s string) string { return "***" })
	if out.LLM.APIKey != "***" || out.Google.RefreshToken != "***" {
		t.Errorf("secrets not masked: %+v %+v", out.LLM, out.Google)
	}
	if out.Transcription.Providers["klang"].APIKey != "***" {
		t.Error("provider key not masked")
	}
	if out.Linear.APIKey != "" {
		t.Errorf("empty secret became %q", out.Linear.APIKey)
	}
	if cfg.LLM.APIKey != "sk-llm" || cfg.Transcription.Providers["klang"].APIKey != "kl-key" {
		t.Error("Redacted modified the original")
	}
}

func TestConfigDir(t *testing.T) {
	t.Setenv("MEETPIPE_CONFIG_DIR", "/tmp/meetpipe-test")
	dir, err := ConfigDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/tmp/meetpipe-test" {
		t.Errorf("ConfigDir() = %q", dir)
	}
	path, err := ConfigPath()
	if err != nil {
		t.Fatal(err)
	}
	if path != filepath.Join("/tmp/meetpipe-test", DefaultConfigFile) {
		t.Errorf("ConfigPath() = %q", path)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home directory")
	}
	got, err := ExpandPath("~/x")
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(home, "x") {
		t.Errorf("ExpandPath = %q", got)
	}
	if got, _ := ExpandPath("/abs"); got != "/abs" {
		t.Errorf("ExpandPath(/abs) = %q", got)
	}
}
