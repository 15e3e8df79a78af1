package config

import (
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

var (
	instance *Config
	mu       sync.RWMutex
)

// Config represents the application configuration
type Config struct {
	Server      ServerConfig      `mapstructure:"server"`
	Reindexer   ReindexerConfig   `mapstructure:"reindexer"`
	Cache       CacheConfig       `mapstructure:"cache"`
	Concurrency ConcurrencyConfig `mapstructure:"concurrency"`
	Stream      StreamConfig      `mapstructure:"stream"`
	Report      ReportConfig      `mapstructure:"report"`
	Log         LogConfig         `mapstructure:"log"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host            string        `mapstructure:"host" validate:"required"`
	Port            int           `mapstructure:"port" validate:"required,min=1,max=65535"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout" validate:"min=0"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout" validate:"gt=0"` // non-streaming routes only
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	RateLimitRPS    float64       `mapstructure:"rate_limit_rps" validate:"gt=0"`
	RateLimitBurst  int           `mapstructure:"rate_limit_burst" validate:"min=1"`
}

// ReindexerConfig contains Reindexer database configuration
type ReindexerConfig struct {
	DSN            string `mapstructure:"dsn" validate:"required"`
	MaxConnections int    `mapstructure:"max_connections" validate:"min=1"`
}

// CacheConfig contains composed-document cache configuration
type CacheConfig struct {
	Shards   int `mapstructure:"shards" validate:"min=1"`
	TTL      int `mapstructure:"ttl" validate:"min=0"`       // TTL in seconds
	MaxBytes int `mapstructure:"max_bytes" validate:"min=0"` // 0 is unbounded
}

// ConcurrencyConfig contains concurrency settings
type ConcurrencyConfig struct {
	MaxConcurrentOps int `mapstructure:"max_concurrent_ops" validate:"min=1"`
	EncoderWorkers   int `mapstructure:"encoder_workers" validate:"min=1"`
	MaxStreams       int `mapstructure:"max_streams" validate:"min=1"`
}

// StreamConfig contains chunked emission settings
type StreamConfig struct {
	MaxChunkSize      int           `mapstructure:"max_chunk_size" validate:"min=1"`
	MaxChunkSizeLimit int           `mapstructure:"max_chunk_size_limit" validate:"min=1,gtefield=MaxChunkSize"`
	Pace              time.Duration `mapstructure:"pace" validate:"min=0"`
	Pacing            string        `mapstructure:"pacing" validate:"oneof=fixed rate"`
	RateBurst         int           `mapstructure:"rate_burst" validate:"min=1"`
	WriteTimeout      time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
}

// ReportConfig contains report composition settings
type ReportConfig struct {
	DefaultTemplate string        `mapstructure:"default_template" validate:"required"`
	ComposeTimeout  time.Duration `mapstructure:"compose_timeout" validate:"gt=0"`
}

// LogConfig contains logger settings
type LogConfig struct {
	Level       string `mapstructure:"level" validate:"oneof=debug info warn error"`
	Development bool   `mapstructure:"development"`
}

// Get returns the loaded configuration, or an empty one before Load
func Get() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if instance == nil {
		return &Config{}
	}
	return instance
}

// Load reads configuration from defaults, an optional YAML file and APP_* environment variables.
// On error the previously loaded configuration stays active.
func Load(configPath string) error {
	cfg, err := Read(configPath)
	if err != nil {
		return err
	}

	mu.Lock()
	instance = cfg
	mu.Unlock()
	return nil
}

// Read builds and validates a configuration without touching the global instance
func Read(configPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	// APP_STREAM_MAX_CHUNK_SIZE -> stream.max_chunk_size
	v.SetEnvPrefix("APP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// setDefaults registers every key, AutomaticEnv only resolves keys viper knows about
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.request_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.rate_limit_rps", 100.0)
	v.SetDefault("server.rate_limit_burst", 200)

	// cproto требует CGO, RPC/TCP порт 6534
	v.SetDefault("reindexer.dsn", "cproto://localhost:6534/cad_recognition")
	v.SetDefault("reindexer.max_connections", 10)

	v.SetDefault("cache.shards", 16)
	v.SetDefault("cache.ttl", 900)
	v.SetDefault("cache.max_bytes", 256<<20)

	v.SetDefault("concurrency.max_concurrent_ops", 100)
	v.SetDefault("concurrency.encoder_workers", 8)
	v.SetDefault("concurrency.max_streams", 64)

	v.SetDefault("stream.max_chunk_size", 2000)
	v.SetDefault("stream.max_chunk_size_limit", 1<<20)
	v.SetDefault("stream.pace", 10*time.Millisecond)
	v.SetDefault("stream.pacing", "fixed")
	v.SetDefault("stream.rate_burst", 1)
	v.SetDefault("stream.write_timeout", 10*time.Second)

	v.SetDefault("report.default_template", "comparison")
	v.SetDefault("report.compose_timeout", 30*time.Second)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
}

var validate = func() func(cfg *Config) error {
	v := validator.New(validator.WithRequiredStructEnabled())
	// report keys the way they appear in YAML
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		return strings.SplitN(fld.Tag.Get("mapstructure"), ",", 2)[0]
	})

	return func(cfg *Config) error {
		if err := v.Struct(cfg); err != nil {
			if errs, ok := err.(validator.ValidationErrors); ok && len(errs) > 0 {
				e := errs[0]
				key := strings.TrimPrefix(e.Namespace(), "Config.")
				return fmt.Errorf("%s fails %q (value %v)", key, e.Tag(), e.Value())
			}
			return err
		}
		return nil
	}
}()
