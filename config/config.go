// Package config loads the service configuration from an optional YAML file
// and INFERQ_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Log       LogConfig       `mapstructure:"log"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Events    EventsConfig    `mapstructure:"events"`
	Backends  BackendsConfig  `mapstructure:"backends"`
}

type ServerConfig struct {
	Addr            string        `mapstructure:"addr" validate:"required"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"gte=0"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level" validate:"oneof=debug info warn warning error"`
	// Format: console or json
	Format string `mapstructure:"format" validate:"oneof=console json"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool   `mapstructure:"enable"`
	Filename   string `mapstructure:"filename"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" validate:"gte=0"`
	MaxBackups int    `mapstructure:"max_backups" validate:"gte=0"`
	MaxAgeDays int    `mapstructure:"max_age_days" validate:"gte=0"`
	Compress   bool   `mapstructure:"compress"`
}

// SchedulerConfig tunes admission, batching and dispatch.
type SchedulerConfig struct {
	MaxBatchSize         int           `mapstructure:"max_batch_size" validate:"gte=1"`
	TickInterval         time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	MaxConcurrentBatches int           `mapstructure:"max_concurrent_batches" validate:"gte=1"`
	// DrainLimit caps how many tasks one tick moves from the queue into
	// batch buffers.
	DrainLimit          int           `mapstructure:"drain_limit" validate:"gte=1"`
	CallTimeout         time.Duration `mapstructure:"call_timeout" validate:"gt=0"`
	MaxBulkSubmission   int           `mapstructure:"max_bulk_submission" validate:"gte=1"`
	MaxPayloadBytes     int           `mapstructure:"max_payload_bytes" validate:"gte=1"`
	DefaultTaskEstimate time.Duration `mapstructure:"default_task_estimate" validate:"gt=0"`
	DefaultBackend      string        `mapstructure:"default_backend" validate:"oneof=local batched cluster"`
	Retention           time.Duration `mapstructure:"retention" validate:"gt=0"`
	RetentionSweep      time.Duration `mapstructure:"retention_sweep" validate:"gt=0"`
	ShutdownGrace       time.Duration `mapstructure:"shutdown_grace" validate:"gte=0"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

type StorageConfig struct {
	Driver string      `mapstructure:"driver" validate:"oneof=memory bolt redis sqlite postgres"`
	Path   string      `mapstructure:"path"`
	DSN    string      `mapstructure:"dsn"`
	Codec  string      `mapstructure:"codec" validate:"oneof=json cbor"`
	Prefix string      `mapstructure:"prefix"`
	Redis  RedisConfig `mapstructure:"redis"`
}

type EventsConfig struct {
	Driver  string      `mapstructure:"driver" validate:"oneof=none memory redis"`
	Channel string      `mapstructure:"channel"`
	Redis   RedisConfig `mapstructure:"redis"`
}

type BackendsConfig struct {
	Local   BackendConfig `mapstructure:"local"`
	Batched BackendConfig `mapstructure:"batched"`
	Cluster BackendConfig `mapstructure:"cluster"`
}

// BackendConfig configures one runtime variant.
type BackendConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	BaseURL string `mapstructure:"base_url" validate:"omitempty,url"`
	Model   string `mapstructure:"model"`
	// Route is the ingress path of a cluster deployment.
	Route   string        `mapstructure:"route"`
	Timeout time.Duration `mapstructure:"timeout" validate:"gte=0"`
	// Fallback applies when a whole batch fails: fail or degraded.
	Fallback    string        `mapstructure:"fallback" validate:"oneof=fail degraded"`
	Concurrency int           `mapstructure:"concurrency" validate:"gte=0"`
	ReadyWait   time.Duration `mapstructure:"ready_wait" validate:"gte=0"`
}

// ByVariant returns the section for a variant name.
func (b *BackendsConfig) ByVariant(name string) (BackendConfig, bool) {
	switch name {
	case "local":
		return b.Local, true
	case "batched":
		return b.Batched, true
	case "cluster":
		return b.Cluster, true
	}
	return BackendConfig{}, false
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stdout"},
			Rotation: RotationConfig{
				Filename:   "logs/inferq.log",
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Scheduler: SchedulerConfig{
			MaxBatchSize:         32,
			TickInterval:         100 * time.Millisecond,
			MaxConcurrentBatches: 4,
			DrainLimit:           1024,
			CallTimeout:          60 * time.Second,
			MaxBulkSubmission:    100,
			MaxPayloadBytes:      1 << 20,
			DefaultTaskEstimate:  2 * time.Second,
			DefaultBackend:       "local",
			Retention:            24 * time.Hour,
			RetentionSweep:       time.Minute,
			ShutdownGrace:        30 * time.Second,
		},
		Storage: StorageConfig{
			Driver: "bolt",
			Path:   "data/inferq.db",
			Codec:  "json",
			Prefix: "inferq:",
			Redis:  RedisConfig{Addr: "localhost:6379"},
		},
		Events: EventsConfig{
			Driver:  "none",
			Channel: "inferq_task_events",
			Redis:   RedisConfig{Addr: "localhost:6379"},
		},
		Backends: BackendsConfig{
			Local: BackendConfig{
				Enabled:  true,
				BaseURL:  "http://localhost:11434",
				Model:    "llama3",
				Timeout:  120 * time.Second,
				Fallback: "fail",
			},
			Batched: BackendConfig{
				BaseURL:     "http://localhost:8000",
				Timeout:     60 * time.Second,
				Fallback:    "fail",
				Concurrency: 8,
			},
			Cluster: BackendConfig{
				BaseURL:     "http://localhost:8001",
				Route:       "/",
				Timeout:     60 * time.Second,
				Fallback:    "degraded",
				Concurrency: 16,
			},
		},
	}
}

// Load reads configuration from path (if non-empty), otherwise from
// $INFERQ_CONFIG or an inferq.yaml in the usual places. Environment variables
// use the prefix INFERQ with `.` and `-` replaced by `_`, for example
// INFERQ_SCHEDULER_MAX_BATCH_SIZE=16.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("INFERQ")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	// env-only overrides need every key known up front
	seedDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("INFERQ_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("inferq")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".inferq"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func seedDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("server.addr", cfg.Server.Addr)
	v.SetDefault("server.read_timeout", cfg.Server.ReadTimeout)
	v.SetDefault("server.write_timeout", cfg.Server.WriteTimeout)
	v.SetDefault("server.shutdown_timeout", cfg.Server.ShutdownTimeout)

	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("log.outputs", cfg.Log.Outputs)
	v.SetDefault("log.development", cfg.Log.Development)
	v.SetDefault("log.rotation.enable", cfg.Log.Rotation.Enable)
	v.SetDefault("log.rotation.filename", cfg.Log.Rotation.Filename)
	v.SetDefault("log.rotation.max_size_mb", cfg.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", cfg.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", cfg.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", cfg.Log.Rotation.Compress)

	s := cfg.Scheduler
	v.SetDefault("scheduler.max_batch_size", s.MaxBatchSize)
	v.SetDefault("scheduler.tick_interval", s.TickInterval)
	v.SetDefault("scheduler.max_concurrent_batches", s.MaxConcurrentBatches)
	v.SetDefault("scheduler.drain_limit", s.DrainLimit)
	v.SetDefault("scheduler.call_timeout", s.CallTimeout)
	v.SetDefault("scheduler.max_bulk_submission", s.MaxBulkSubmission)
	v.SetDefault("scheduler.max_payload_bytes", s.MaxPayloadBytes)
	v.SetDefault("scheduler.default_task_estimate", s.DefaultTaskEstimate)
	v.SetDefault("scheduler.default_backend", s.DefaultBackend)
	v.SetDefault("scheduler.retention", s.Retention)
	v.SetDefault("scheduler.retention_sweep", s.RetentionSweep)
	v.SetDefault("scheduler.shutdown_grace", s.ShutdownGrace)

	v.SetDefault("storage.driver", cfg.Storage.Driver)
	v.SetDefault("storage.path", cfg.Storage.Path)
	v.SetDefault("storage.dsn", cfg.Storage.DSN)
	v.SetDefault("storage.codec", cfg.Storage.Codec)
	v.SetDefault("storage.prefix", cfg.Storage.Prefix)
	seedRedis(v, "storage.redis", cfg.Storage.Redis)

	v.SetDefault("events.driver", cfg.Events.Driver)
	v.SetDefault("events.channel", cfg.Events.Channel)
	seedRedis(v, "events.redis", cfg.Events.Redis)

	seedBackend(v, "backends.local", cfg.Backends.Local)
	seedBackend(v, "backends.batched", cfg.Backends.Batched)
	seedBackend(v, "backends.cluster", cfg.Backends.Cluster)
}

func seedRedis(v *viper.Viper, key string, r RedisConfig) {
	v.SetDefault(key+".addr", r.Addr)
	v.SetDefault(key+".password", r.Password)
	v.SetDefault(key+".db", r.DB)
}

func seedBackend(v *viper.Viper, key string, b BackendConfig) {
	v.SetDefault(key+".enabled", b.Enabled)
	v.SetDefault(key+".base_url", b.BaseURL)
	v.SetDefault(key+".model", b.Model)
	v.SetDefault(key+".route", b.Route)
	v.SetDefault(key+".timeout", b.Timeout)
	v.SetDefault(key+".fallback", b.Fallback)
	v.SetDefault(key+".concurrency", b.Concurrency)
	v.SetDefault(key+".ready_wait", b.ReadyWait)
}

var validate = validator.New()

// Validate checks field constraints and the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stdout"}
	}

	switch c.Storage.Driver {
	case "bolt", "sqlite":
		if c.Storage.Path == "" {
			return fmt.Errorf("config validation failed: storage.path is required for driver %s", c.Storage.Driver)
		}
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("config validation failed: storage.dsn is required for driver postgres")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("config validation failed: storage.redis.addr is required for driver redis")
		}
	}
	if c.Events.Driver == "redis" && c.Events.Redis.Addr == "" {
		return fmt.Errorf("config validation failed: events.redis.addr is required for driver redis")
	}

	enabled := 0
	for _, name := range []string{"local", "batched", "cluster"} {
		b, _ := c.Backends.ByVariant(name)
		if !b.Enabled {
			continue
		}
		enabled++
		if b.BaseURL == "" {
			return fmt.Errorf("config validation failed: backends.%s.base_url is required when enabled", name)
		}
	}
	if enabled == 0 {
		return fmt.Errorf("config validation failed: at least one backend must be enabled")
	}
	if b, _ := c.Backends.ByVariant(c.Scheduler.DefaultBackend); !b.Enabled {
		return fmt.Errorf("config validation failed: default backend %q is not enabled", c.Scheduler.DefaultBackend)
	}
	return nil
}

// MustLoad is a convenience that panics on error.
func MustLoad(path string) *Config {
	cfg, err := Load(path)
	if err != nil {
		panic(err)
	}
	return cfg
}
