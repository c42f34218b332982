// Package config loads and validates chunkwatch configuration via Viper.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Snapshot backends accepted in state.backend.
const (
	BackendFile   = "file"
	BackendGCS    = "gcs"
	BackendSQLite = "sqlite"
	BackendMemory = "memory"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	// URL is the monitored HTML entrypoint.
	URL      string         `mapstructure:"url"`
	Server   ServerConfig   `mapstructure:"server"`
	Auth     AuthConfig     `mapstructure:"auth"`
	Check    CheckConfig    `mapstructure:"check"`
	Fetch    FetchConfig    `mapstructure:"fetch"`
	State    StateConfig    `mapstructure:"state"`
	Events   EventsConfig   `mapstructure:"events"`
	Database DatabaseConfig `mapstructure:"database"`
	PubSub   PubSubConfig   `mapstructure:"pubsub"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// ServerConfig controls the dashboard HTTP server.
type ServerConfig struct {
	Port           int           `mapstructure:"port"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// CheckConfig governs the check cycle.
type CheckConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	IPv4Only        bool          `mapstructure:"ipv4_only"`
	ResolveAttempts int           `mapstructure:"resolve_attempts"`
	MaxParallel     int           `mapstructure:"max_parallel"`
	// MaxVersions bounds chunk checks to the newest N versions; 0 checks all.
	MaxVersions int `mapstructure:"max_versions"`
}

// FetchConfig configures the pinned fetcher.
type FetchConfig struct {
	UserAgent          string          `mapstructure:"user_agent"`
	Timeout            time.Duration   `mapstructure:"timeout"`
	MaxAttempts        int             `mapstructure:"max_attempts"`
	Backoff            time.Duration   `mapstructure:"backoff"`
	// MaxBodyBytes caps response bodies; longer bodies are reported as
	// "error EFBIG" and never hashed.
	MaxBodyBytes       int             `mapstructure:"max_body_bytes"`
	InsecureSkipVerify bool            `mapstructure:"insecure_skip_verify"`
	RateLimit          RateLimitConfig `mapstructure:"rate_limit"`
}

// RateLimitConfig paces fetch attempts per replica. RPS 0 disables pacing.
type RateLimitConfig struct {
	RPS   float64 `mapstructure:"rps"`
	Burst int     `mapstructure:"burst"`
}

// StateConfig selects where the State snapshot lives.
type StateConfig struct {
	// Backend is file, gcs, sqlite or memory. Empty picks file when Path is
	// set and memory otherwise.
	Backend   string `mapstructure:"backend"`
	Path      string `mapstructure:"path"`
	GCSBucket string `mapstructure:"gcs_bucket"`
	GCSObject string `mapstructure:"gcs_object"`
}

// EventsConfig controls the event hub.
type EventsConfig struct {
	BufferSize     int           `mapstructure:"buffer_size"`
	MaxBatchEvents int           `mapstructure:"max_batch_events"`
	MaxBatchWait   time.Duration `mapstructure:"max_batch_wait"`
	Log            bool          `mapstructure:"log"`
}

// DatabaseConfig enables the Postgres drift event store when DSN is set.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	Table           string        `mapstructure:"table"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
}

// PubSubConfig enables drift alerts on Pub/Sub when TopicName is set.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
	// Level overrides the mode's default level when set.
	Level string `mapstructure:"level"`
}

// TracingConfig toggles the OpenTelemetry tracer provider.
type TracingConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	ServiceName string `mapstructure:"service_name"`
}

// flagKeys maps CLI flag names onto configuration keys.
var flagKeys = map[string]string{
	"interval":   "check.interval",
	"ipv4-only":  "check.ipv4_only",
	"port":       "server.port",
	"state-file": "state.path",
}

// Load builds a Config from defaults, the optional file at path, CHUNKWATCH_*
// environment variables and flags, in increasing precedence. A non-empty
// target overrides the url key.
func Load(path string, flags *pflag.FlagSet, target string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("CHUNKWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	if flags != nil {
		for name, key := range flagKeys {
			f := flags.Lookup(name)
			if f == nil {
				continue
			}
			if err := v.BindPFlag(key, f); err != nil {
				return Config{}, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}
	if target != "" {
		v.Set("url", target)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("url", "")
	v.SetDefault("server.port", 3005)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.api_key", "")
	v.SetDefault("check.interval", 60*time.Second)
	v.SetDefault("check.ipv4_only", false)
	v.SetDefault("check.resolve_attempts", 3)
	v.SetDefault("check.max_parallel", 32)
	v.SetDefault("check.max_versions", 0)
	v.SetDefault("fetch.user_agent", "chunkwatch/1.0")
	v.SetDefault("fetch.timeout", 20*time.Second)
	v.SetDefault("fetch.max_attempts", 3)
	v.SetDefault("fetch.backoff", time.Duration(0))
	v.SetDefault("fetch.max_body_bytes", 32<<20)
	v.SetDefault("fetch.insecure_skip_verify", false)
	v.SetDefault("fetch.rate_limit.rps", 0.0)
	v.SetDefault("fetch.rate_limit.burst", 1)
	v.SetDefault("state.backend", "")
	v.SetDefault("state.path", "")
	v.SetDefault("state.gcs_bucket", "")
	v.SetDefault("state.gcs_object", "chunkwatch/state.json")
	v.SetDefault("events.buffer_size", 1024)
	v.SetDefault("events.max_batch_events", 256)
	v.SetDefault("events.max_batch_wait", 250*time.Millisecond)
	v.SetDefault("events.log", true)
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.table", "drift_events")
	v.SetDefault("database.max_conns", 4)
	v.SetDefault("database.min_conns", 0)
	v.SetDefault("database.max_conn_lifetime", time.Hour)
	v.SetDefault("pubsub.project_id", "")
	v.SetDefault("pubsub.topic_name", "")
	v.SetDefault("logging.development", true)
	v.SetDefault("logging.level", "")
	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "chunkwatch")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	u, err := url.Parse(c.URL)
	if c.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Hostname() == "" {
		return fmt.Errorf("url must be an absolute http(s) URL, got %q", c.URL)
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be in 1..65535")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	if c.Check.Interval <= 0 {
		return fmt.Errorf("check.interval must be > 0")
	}
	if c.Check.ResolveAttempts <= 0 {
		return fmt.Errorf("check.resolve_attempts must be > 0")
	}
	if c.Check.MaxParallel <= 0 {
		return fmt.Errorf("check.max_parallel must be > 0")
	}
	if c.Check.MaxVersions < 0 {
		return fmt.Errorf("check.max_versions must be >= 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.MaxAttempts <= 0 {
		return fmt.Errorf("fetch.max_attempts must be > 0")
	}
	if c.Fetch.MaxBodyBytes <= 0 {
		return fmt.Errorf("fetch.max_body_bytes must be > 0")
	}
	if c.Fetch.RateLimit.RPS < 0 {
		return fmt.Errorf("fetch.rate_limit.rps must be >= 0")
	}
	switch c.StateBackend() {
	case BackendFile, BackendSQLite:
		if c.State.Path == "" {
			return fmt.Errorf("state.path is required for the %s backend", c.StateBackend())
		}
	case BackendGCS:
		if c.State.GCSBucket == "" {
			return fmt.Errorf("state.gcs_bucket is required for the gcs backend")
		}
	case BackendMemory:
	default:
		return fmt.Errorf("state.backend %q is not one of file, gcs, sqlite, memory", c.State.Backend)
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id must be set when pubsub.topic_name is set")
	}
	return nil
}

// StateBackend resolves the effective snapshot backend.
func (c Config) StateBackend() string {
	if c.State.Backend != "" {
		return strings.ToLower(c.State.Backend)
	}
	if c.State.Path != "" {
		return BackendFile
	}
	return BackendMemory
}
