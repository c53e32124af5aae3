// Package config provides configuration loading with layered overrides.
// Load order: defaults -> YAML file -> environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces environment variable overrides,
// e.g. SIGNALPIPE_WATCH_DIR=/var/lib/signals.
const envPrefix = "SIGNALPIPE_"

// Config is the root configuration structure for the signal pipe.
type Config struct {
	LogLevel   string           `koanf:"loglevel" yaml:"log_level" json:"log_level"`
	Pipeline   PipelineConfig   `koanf:"pipeline"`
	Watch      WatchConfig      `koanf:"watch"`
	Batch      BatchConfig      `koanf:"batch"`
	Retry      RetryConfig      `koanf:"retry"`
	Dedup      DedupConfig      `koanf:"dedup"`
	State      StateConfig      `koanf:"state"`
	DeadLetter DeadLetterConfig `koanf:"deadletter"`
	Audit      AuditConfig      `koanf:"audit"`
	Dispatch   DispatchConfig   `koanf:"dispatch"`
}

// PipelineConfig controls pipeline-wide behavior.
type PipelineConfig struct {
	ShutdownTimeout time.Duration `koanf:"shutdowntimeout" yaml:"shutdown_timeout" json:"shutdown_timeout"`
}

// WatchConfig configures directory watching.
type WatchConfig struct {
	Dir          string        `koanf:"dir"`
	Pattern      string        `koanf:"pattern"`
	PollInterval time.Duration `koanf:"pollinterval" yaml:"poll_interval" json:"poll_interval"`
	ForcePoll    bool          `koanf:"forcepoll" yaml:"force_poll" json:"force_poll"`
}

// BatchConfig controls batch accumulation.
type BatchConfig struct {
	MaxSize int           `koanf:"maxsize" yaml:"max_size" json:"max_size"`
	MaxWait time.Duration `koanf:"maxwait" yaml:"max_wait" json:"max_wait"`
}

// RetryConfig is the dispatch retry policy.
type RetryConfig struct {
	MaxAttempts int           `koanf:"maxattempts" yaml:"max_attempts" json:"max_attempts"`
	BaseDelay   time.Duration `koanf:"basedelay" yaml:"base_delay" json:"base_delay"`
	Multiplier  float64       `koanf:"multiplier"`
	Jitter      float64       `koanf:"jitter"`
}

// DedupConfig bounds the dedup index.
type DedupConfig struct {
	// Window limits how long committed identifiers are remembered.
	// Zero keeps them forever.
	Window time.Duration `koanf:"window"`
}

// StateConfig locates the state store.
type StateConfig struct {
	Path string `koanf:"path"`
}

// DeadLetterConfig locates the dead-letter store.
type DeadLetterConfig struct {
	Dir string `koanf:"dir"`
}

// AuditConfig configures the rotating pipeline event log.
type AuditConfig struct {
	Enabled    bool   `koanf:"enabled"`
	Path       string `koanf:"path"`
	MaxSizeMB  int    `koanf:"maxsizemb" yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `koanf:"maxbackups" yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `koanf:"maxagedays" yaml:"max_age_days" json:"max_age_days"`
	Compress   bool   `koanf:"compress"`
}

// DispatchConfig selects and configures the downstream sink.
type DispatchConfig struct {
	// Sink is one of "http", "elasticsearch", "stdout".
	Sink          string                  `koanf:"sink"`
	Workers       int64                   `koanf:"workers"`
	HTTP          HTTPSinkConfig          `koanf:"http"`
	Elasticsearch ElasticsearchSinkConfig `koanf:"elasticsearch"`
	Stdout        StdoutSinkConfig        `koanf:"stdout"`
}

// HTTPSinkConfig configures the HTTP ingestion sink.
type HTTPSinkConfig struct {
	URL     string        `koanf:"url"`
	Timeout time.Duration `koanf:"timeout"`
}

// ElasticsearchSinkConfig configures the Elasticsearch bulk sink.
type ElasticsearchSinkConfig struct {
	Addresses []string `koanf:"addresses"`
	Index     string   `koanf:"index"`
	Username  string   `koanf:"username"`
	Password  string   `koanf:"password"`
}

// StdoutSinkConfig configures the dry-run stdout sink.
type StdoutSinkConfig struct {
	Format string `koanf:"format"` // "json" or "text"
}

// defaults returns the default configuration values.
func defaults() Config {
	return Config{
		LogLevel: "info",
		Pipeline: PipelineConfig{
			ShutdownTimeout: 30 * time.Second,
		},
		Watch: WatchConfig{
			Dir:          "inbox/signals",
			Pattern:      "*.ndjson",
			PollInterval: time.Second,
		},
		Batch: BatchConfig{
			MaxSize: 256,
			MaxWait: time.Second,
		},
		Retry: RetryConfig{
			MaxAttempts: 5,
			BaseDelay:   500 * time.Millisecond,
			Multiplier:  2.0,
			Jitter:      0.2,
		},
		Dedup: DedupConfig{
			Window: 0,
		},
		State: StateConfig{
			Path: "artifacts/pipe_state/state.db",
		},
		DeadLetter: DeadLetterConfig{
			Dir: "artifacts/dlq",
		},
		Audit: AuditConfig{
			Enabled:    true,
			Path:       "artifacts/pipe_logs/signalpipe.audit.jsonl",
			MaxSizeMB:  100,
			MaxBackups: 3,
			MaxAgeDays: 7,
			Compress:   true,
		},
		Dispatch: DispatchConfig{
			Sink:    "stdout",
			Workers: 4,
			HTTP: HTTPSinkConfig{
				Timeout: 10 * time.Second,
			},
			Elasticsearch: ElasticsearchSinkConfig{
				Index: "signals",
			},
			Stdout: StdoutSinkConfig{
				Format: "json",
			},
		},
	}
}

// Load reads configuration from all sources with proper override order.
// Order: defaults -> config file -> environment variables.
func Load(configPath string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if configPath == "" {
		// Try default config locations
		for _, path := range []string{"./config.yaml", "/etc/signalpipe/config.yaml"} {
			if _, err := os.Stat(path); err == nil {
				configPath = path
				break
			}
		}
	}
	if configPath != "" {
		if err := k.Load(file.Provider(configPath), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("loading config file %q: %w", configPath, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(key string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(key, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("loading environment: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Watch.Dir == "" {
		return fmt.Errorf("watch.dir must be set")
	}
	if c.Watch.Pattern == "" {
		return fmt.Errorf("watch.pattern must be set")
	}
	if c.Watch.PollInterval <= 0 {
		return fmt.Errorf("watch.poll_interval must be positive")
	}
	if c.Batch.MaxSize <= 0 {
		return fmt.Errorf("batch.max_size must be positive")
	}
	if c.Batch.MaxWait <= 0 {
		return fmt.Errorf("batch.max_wait must be positive")
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry.max_attempts must be positive")
	}
	if c.Retry.BaseDelay <= 0 {
		return fmt.Errorf("retry.base_delay must be positive")
	}
	if c.Retry.Multiplier < 1 {
		return fmt.Errorf("retry.multiplier must be >= 1")
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0, 1]")
	}
	if c.Dispatch.Workers <= 0 {
		return fmt.Errorf("dispatch.workers must be positive")
	}
	switch c.Dispatch.Sink {
	case "http":
		if c.Dispatch.HTTP.URL == "" {
			return fmt.Errorf("dispatch.http.url must be set for the http sink")
		}
	case "elasticsearch":
		if len(c.Dispatch.Elasticsearch.Addresses) == 0 {
			return fmt.Errorf("dispatch.elasticsearch.addresses must be set for the elasticsearch sink")
		}
	case "stdout":
	default:
		return fmt.Errorf("unknown dispatch sink: %q", c.Dispatch.Sink)
	}
	if c.State.Path == "" {
		return fmt.Errorf("state.path must be set")
	}
	if c.DeadLetter.Dir == "" {
		return fmt.Errorf("deadletter.dir must be set")
	}
	return nil
}
