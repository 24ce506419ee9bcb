// Package config loads the xpostd configuration file and applies environment
// overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/blacktop/xpostd/internal/xpost"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Credential backends.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
)

// Config is the complete xpostd configuration.
type Config struct {
	Log          LogConfig          `yaml:"log"`
	Server       ServerConfig       `yaml:"server"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
	Media        MediaConfig        `yaml:"media"`
	Credentials  CredentialsConfig  `yaml:"credentials"`
	Telemetry    TelemetryConfig    `yaml:"telemetry"`
	Destinations DestinationsConfig `yaml:"destinations"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ServerConfig defines the HTTP API listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// APIKey, when set, is required as a bearer token on /api routes.
	APIKey       string        `yaml:"api_key"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// DispatchConfig bounds retries and timeouts of a publish batch.
type DispatchConfig struct {
	MaxRetries     int           `yaml:"max_retries"`
	CallTimeout    time.Duration `yaml:"call_timeout"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	CancelGrace    time.Duration `yaml:"cancel_grace"`
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

type MediaConfig struct {
	UploadDir      string        `yaml:"upload_dir"`
	MaxUploadBytes int64         `yaml:"max_upload_bytes"`
	PublicBaseURL  string        `yaml:"public_base_url"`
	CheckTimeout   time.Duration `yaml:"check_timeout"`
	CheckRetries   int           `yaml:"check_retries"`
	// AllowOutsideUploads accepts local media paths outside upload_dir. The
	// post command sets it; the HTTP API leaves it off.
	AllowOutsideUploads bool `yaml:"allow_outside_uploads"`
}

// CredentialsConfig selects where credentials persist.
type CredentialsConfig struct {
	Backend    string      `yaml:"backend"`
	SQLitePath string      `yaml:"sqlite_path"`
	Redis      RedisConfig `yaml:"redis"`
	// SeedFromEnv loads XPOSTD_<DEST>_* variables for destinations that have
	// no stored credential.
	SeedFromEnv bool `yaml:"seed_from_env"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

type TelemetryConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ServiceName string            `yaml:"service_name"`
	Environment string            `yaml:"environment"`
	Endpoint    string            `yaml:"endpoint"`
	Headers     map[string]string `yaml:"headers"`
	Insecure    bool              `yaml:"insecure"`
	SampleRate  float64           `yaml:"sample_rate"`
}

// DestinationsConfig overrides API endpoints and limits which adapters are
// registered.
type DestinationsConfig struct {
	// Enabled lists destination ids to register. Empty registers all.
	Enabled          []string      `yaml:"enabled"`
	GraphURL         string        `yaml:"graph_url"`
	ThreadsURL       string        `yaml:"threads_url"`
	TikTokURL        string        `yaml:"tiktok_url"`
	YouTubeAPIURL    string        `yaml:"youtube_api_url"`
	YouTubeUploadURL string        `yaml:"youtube_upload_url"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	PollAttempts     int           `yaml:"poll_attempts"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		Log: LogConfig{Level: "info", Format: "text"},
		Server: ServerConfig{
			Listen:       "127.0.0.1:8000",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 5 * time.Minute,
		},
		Dispatch: DispatchConfig{
			MaxRetries:     3,
			CallTimeout:    30 * time.Second,
			BatchTimeout:   2 * time.Minute,
			CancelGrace:    250 * time.Millisecond,
			InitialBackoff: 500 * time.Millisecond,
			MaxBackoff:     15 * time.Second,
		},
		Media: MediaConfig{
			UploadDir:      "uploads",
			MaxUploadBytes: 512 << 20,
			CheckTimeout:   10 * time.Second,
			CheckRetries:   2,
		},
		Credentials: CredentialsConfig{
			Backend:     BackendMemory,
			SQLitePath:  "xpostd.db",
			SeedFromEnv: true,
		},
		Telemetry: TelemetryConfig{
			ServiceName: "xpostd",
			Environment: "development",
			Endpoint:    "localhost:4318",
			SampleRate:  1.0,
		},
		Destinations: DestinationsConfig{
			PollInterval: 3 * time.Second,
			PollAttempts: 40,
		},
	}
}

// Load reads path over the defaults, then applies environment overrides and
// validates. An empty path yields defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Defaults()
	if path != "" {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve config path %q: %w", path, err)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", abs, err)
		}
		if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", abs, err)
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

type envOverride struct {
	name string
	set  func(c *Config, v string) error
}

var overrides = []envOverride{
	{"XPOSTD_LOG_LEVEL", func(c *Config, v string) error { c.Log.Level = v; return nil }},
	{"XPOSTD_LOG_FORMAT", func(c *Config, v string) error { c.Log.Format = v; return nil }},
	{"XPOSTD_LISTEN", func(c *Config, v string) error { c.Server.Listen = v; return nil }},
	{"XPOSTD_API_KEY", func(c *Config, v string) error { c.Server.APIKey = v; return nil }},
	{"XPOSTD_MAX_RETRIES", func(c *Config, v string) (err error) { c.Dispatch.MaxRetries, err = strconv.Atoi(v); return }},
	{"XPOSTD_CALL_TIMEOUT", func(c *Config, v string) (err error) { c.Dispatch.CallTimeout, err = time.ParseDuration(v); return }},
	{"XPOSTD_BATCH_TIMEOUT", func(c *Config, v string) (err error) { c.Dispatch.BatchTimeout, err = time.ParseDuration(v); return }},
	{"XPOSTD_UPLOAD_DIR", func(c *Config, v string) error { c.Media.UploadDir = v; return nil }},
	{"XPOSTD_PUBLIC_BASE_URL", func(c *Config, v string) error { c.Media.PublicBaseURL = v; return nil }},
	{"XPOSTD_CREDENTIAL_BACKEND", func(c *Config, v string) error { c.Credentials.Backend = v; return nil }},
	{"XPOSTD_SQLITE_PATH", func(c *Config, v string) error { c.Credentials.SQLitePath = v; return nil }},
	{"XPOSTD_REDIS_ADDR", func(c *Config, v string) error { c.Credentials.Redis.Addr = v; return nil }},
	{"XPOSTD_REDIS_PASSWORD", func(c *Config, v string) error { c.Credentials.Redis.Password = v; return nil }},
	{"XPOSTD_OTLP_ENDPOINT", func(c *Config, v string) error {
		c.Telemetry.Endpoint = v
		c.Telemetry.Enabled = true
		return nil
	}},
}

// ApplyEnv overlays XPOSTD_* environment variables.
func (c *Config) ApplyEnv() error {
	for _, o := range overrides {
		v, ok := os.LookupEnv(o.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := o.set(c, strings.TrimSpace(v)); err != nil {
			return fmt.Errorf("%s: %w", o.name, err)
		}
	}
	return nil
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	validLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLevels, strings.ToLower(c.Log.Level)) {
		return fmt.Errorf("log.level must be one of: %s (got %q)", strings.Join(validLevels, ", "), c.Log.Level)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json", "logfmt":
	default:
		return fmt.Errorf("log.format must be text, json or logfmt (got %q)", c.Log.Format)
	}
	if c.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if envVarPattern.MatchString(c.Server.APIKey) {
		return fmt.Errorf("server.api_key: environment variable ${%s} is not set", envVarPattern.FindStringSubmatch(c.Server.APIKey)[1])
	}
	if c.Dispatch.MaxRetries < 0 {
		return fmt.Errorf("dispatch.max_retries must not be negative")
	}
	if c.Dispatch.CallTimeout <= 0 || c.Dispatch.BatchTimeout <= 0 {
		return fmt.Errorf("dispatch.call_timeout and dispatch.batch_timeout must be positive")
	}
	if c.Media.UploadDir == "" {
		return fmt.Errorf("media.upload_dir is required")
	}
	if c.Media.MaxUploadBytes <= 0 {
		return fmt.Errorf("media.max_upload_bytes must be positive")
	}

	switch c.Credentials.Backend {
	case "", BackendMemory:
	case BackendSQLite:
		if c.Credentials.SQLitePath == "" {
			return fmt.Errorf("credentials.sqlite_path is required for the sqlite backend")
		}
	case BackendRedis:
		if c.Credentials.Redis.Addr == "" {
			return fmt.Errorf("credentials.redis.addr is required for the redis backend")
		}
	default:
		return fmt.Errorf("credentials.backend must be memory, sqlite or redis (got %q)", c.Credentials.Backend)
	}

	if c.Telemetry.Enabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint is required when telemetry is enabled")
		}
		if c.Telemetry.SampleRate < 0 || c.Telemetry.SampleRate > 1 {
			return fmt.Errorf("telemetry.sample_rate must be within [0, 1]")
		}
	}

	for i, id := range c.Destinations.Enabled {
		switch xpost.ParseDestination(id) {
		case xpost.X, xpost.Threads, xpost.Facebook, xpost.Instagram,
			xpost.TikTok, xpost.YouTube, xpost.Mastodon, xpost.Bluesky:
		default:
			return fmt.Errorf("destinations.enabled[%d]: unknown destination %q", i, id)
		}
	}
	return nil
}

// DestinationEnabled reports whether id should be registered.
func (c *Config) DestinationEnabled(id xpost.Destination) bool {
	if len(c.Destinations.Enabled) == 0 {
		return true
	}
	for _, e := range c.Destinations.Enabled {
		if xpost.ParseDestination(e) == id {
			return true
		}
	}
	return false
}

// interpolateEnv replaces ${VAR} with environment values. Undefined variables
// are left in place so Validate can name them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envVarPattern.FindStringSubmatch(match)[1]
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}
