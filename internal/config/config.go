// Package config loads and validates the library configuration from an
// optional YAML file layered under environment variables. The model
// tuning knobs carry the documented defaults; the encryption key has no
// default and must come from the ENCRYPTION_KEY environment variable.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"

	"github.com/predictlib/corelib/internal/core"
)

// Config is the full configuration of the prediction library and the
// predictloadctl daemon around it.
type Config struct {
	// EncryptionKey is the shared AES-256 key, 64 hex characters.
	// Bound to the ENCRYPTION_KEY environment variable; never read
	// from the config file so the key does not end up on disk next to
	// the database it protects.
	EncryptionKey string `mapstructure:"encryption_key" validate:"required,len=64,hexadecimal"`

	Model   ModelConfig   `mapstructure:"model"`
	Storage StorageConfig `mapstructure:"storage"`
	Preload PreloadConfig `mapstructure:"preload"`
	Sync    SyncConfig    `mapstructure:"sync"`
	Log     LogConfig     `mapstructure:"log"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// ModelConfig holds the prediction engine tuning knobs.
//
// DecayLambda is expressed per millisecond. The default of 5e-4/ms is
// deliberately literal to the original deployment and gives a half-life
// of roughly 1.4 seconds; real deployments almost certainly want a
// much smaller value (per-hour scale).
type ModelConfig struct {
	HistoryLength       int     `mapstructure:"history_length" validate:"gt=0"`
	MaxPatternLength    int     `mapstructure:"max_pattern_length" validate:"gt=0"`
	DecayLambda         float64 `mapstructure:"decay_lambda" validate:"gt=0"`
	SmoothingFactor     float64 `mapstructure:"smoothing_factor" validate:"gte=0"`
	WeightSequence      float64 `mapstructure:"weight_sequence" validate:"gte=0"`
	WeightTime          float64 `mapstructure:"weight_time" validate:"gte=0"`
	MinActionsThreshold int     `mapstructure:"min_actions_threshold" validate:"gte=0"`

	// MaxGlobalCount clamps each count installed from a fetched global
	// model so a hostile aggregator cannot bias predictions into a
	// pathological state.
	MaxGlobalCount int64 `mapstructure:"max_global_count" validate:"gt=0"`
}

// StorageConfig locates the sqlite database file.
type StorageConfig struct {
	Path string `mapstructure:"path" validate:"required"`
}

// PreloadConfig sizes the preload cache tiers. Redis (L2) is optional:
// an empty Addr disables the tier and the cache runs L1-only.
type PreloadConfig struct {
	L1Size        int           `mapstructure:"l1_size" validate:"gt=0"`
	TTL           time.Duration `mapstructure:"ttl" validate:"gt=0"`
	RedisAddr     string        `mapstructure:"redis_addr"`
	RedisPassword string        `mapstructure:"redis_password"`
	RedisDB       int           `mapstructure:"redis_db" validate:"gte=0"`
}

// SyncConfig configures the remote aggregator client. An empty
// ServerURL disables registration, upload, and global-model fetch
// entirely; the library then runs on local history alone.
type SyncConfig struct {
	ServerURL         string        `mapstructure:"server_url" validate:"omitempty,url"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" validate:"gt=0"`
	MaxRetries        int           `mapstructure:"max_retries" validate:"gte=0"`
	BaseBackoff       time.Duration `mapstructure:"base_backoff" validate:"gt=0"`
	MaxBackoff        time.Duration `mapstructure:"max_backoff" validate:"gt=0"`
	RequestsPerSecond float64       `mapstructure:"requests_per_second" validate:"gt=0"`
}

// LogConfig holds logging-related configuration.
type LogConfig struct {
	Level      string `mapstructure:"level" validate:"required"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig controls the /metrics endpoint of predictloadctl serve.
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
	Path       string `mapstructure:"path"`
}

// Load reads configuration from the given YAML file (optional — a
// missing file is not an error) layered under environment variables,
// applies defaults, and validates the result. A malformed or missing
// ENCRYPTION_KEY is a ConfigurationError, fatal at startup.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	// ENCRYPTION_KEY has no config-file counterpart and no default, so
	// AutomaticEnv alone does not surface it into Unmarshal.
	if err := v.BindEnv("encryption_key", "ENCRYPTION_KEY"); err != nil {
		return nil, &core.ConfigurationError{Reason: "failed to bind ENCRYPTION_KEY", Cause: err}
	}

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, &core.ConfigurationError{Reason: "failed to read config file", Cause: err}
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, &core.ConfigurationError{Reason: "failed to unmarshal config", Cause: err}
	}
	// Only the environment supplies the key; an encryption_key entry in
	// the config file is ignored.
	cfg.EncryptionKey = os.Getenv("ENCRYPTION_KEY")
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.history_length", 100)
	v.SetDefault("model.max_pattern_length", 5)
	v.SetDefault("model.decay_lambda", 5e-4)
	v.SetDefault("model.smoothing_factor", 0.1)
	v.SetDefault("model.weight_sequence", 0.7)
	v.SetDefault("model.weight_time", 0.3)
	v.SetDefault("model.min_actions_threshold", 50)
	v.SetDefault("model.max_global_count", 1_000_000)

	v.SetDefault("storage.path", "data/predictlibrary.db")

	v.SetDefault("preload.l1_size", 256)
	v.SetDefault("preload.ttl", "12h")
	v.SetDefault("preload.redis_addr", "")
	v.SetDefault("preload.redis_password", "")
	v.SetDefault("preload.redis_db", 0)

	v.SetDefault("sync.server_url", "")
	v.SetDefault("sync.request_timeout", "10s")
	v.SetDefault("sync.max_retries", 3)
	v.SetDefault("sync.base_backoff", "500ms")
	v.SetDefault("sync.max_backoff", "5s")
	v.SetDefault("sync.requests_per_second", 2.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.output", "stdout")
	v.SetDefault("log.filename", "")
	v.SetDefault("log.max_size", 100)
	v.SetDefault("log.max_backups", 3)
	v.SetDefault("log.max_age", 28)
	v.SetDefault("log.compress", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen_addr", ":9090")
	v.SetDefault("metrics.path", "/metrics")
}

// Validate checks structural validity of the configuration via struct
// tags plus the handful of cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return &core.ConfigurationError{Reason: "config validation failed", Cause: err}
	}
	if c.Model.WeightSequence == 0 && c.Model.WeightTime == 0 {
		return &core.ConfigurationError{
			Reason: "at least one of model.weight_sequence and model.weight_time must be positive",
		}
	}
	if c.Model.MaxPatternLength > c.Model.HistoryLength {
		return &core.ConfigurationError{
			Reason: fmt.Sprintf("model.max_pattern_length (%d) cannot exceed model.history_length (%d)",
				c.Model.MaxPatternLength, c.Model.HistoryLength),
		}
	}
	return nil
}
