// Package config loads and validates the notes service configuration from
// an optional YAML file with NOTES_* environment-variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"gopkg.in/yaml.v3"
)

const envPrefix = "NOTES_"

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Store   StoreConfig   `yaml:"store"`
	Search  SearchConfig  `yaml:"search"`
	Redis   RedisConfig   `yaml:"redis"`
	Kafka   KafkaConfig   `yaml:"kafka"`
	Logging LoggingConfig `yaml:"logging"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	RequestTimeout  time.Duration `yaml:"requestTimeout"`
	// CORSOrigins lists origins allowed to call the API from a browser.
	CORSOrigins []string `yaml:"corsOrigins"`
	// RateLimit is the sustained requests per second allowed per client
	// address; 0 disables limiting.
	RateLimit float64 `yaml:"rateLimit"`
	RateBurst int     `yaml:"rateBurst"`
}

// StoreConfig selects where notes live on disk and how they are written.
// Temp, when set, wins over Dir: the store lives in a fresh temporary
// directory that is removed on shutdown.
type StoreConfig struct {
	Dir         string `yaml:"dir"`
	Temp        bool   `yaml:"temp"`
	SyncWrites  bool   `yaml:"syncWrites"`
	Compression string `yaml:"compression"`
	StopWords   bool   `yaml:"stopWords"`
}

// SearchConfig controls query result sizes.
type SearchConfig struct {
	DefaultLimit int `yaml:"defaultLimit"`
	MaxResults   int `yaml:"maxResults"`
}

// RedisConfig holds Redis connection and caching parameters.
type RedisConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	PoolSize int           `yaml:"poolSize"`
	CacheTTL time.Duration `yaml:"cacheTTL"`
}

// KafkaConfig holds the note change-event stream settings.
type KafkaConfig struct {
	Enabled       bool     `yaml:"enabled"`
	Brokers       []string `yaml:"brokers"`
	Topic         string   `yaml:"topic"`
	ConsumerGroup string   `yaml:"consumerGroup"`
}

// LoggingConfig controls structured logging level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig controls the Prometheus metrics server.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// Load reads a YAML config file (if provided) and applies environment-variable
// overrides on top of the defaults. The result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, err)
		}
	}
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// Default returns the configuration used for local development.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			RequestTimeout:  10 * time.Second,
			RateBurst:       20,
		},
		Store: StoreConfig{
			SyncWrites:  true,
			Compression: "zstd",
			StopWords:   true,
		},
		Search: SearchConfig{
			DefaultLimit: 0,
			MaxResults:   1000,
		},
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			PoolSize: 10,
			CacheTTL: 60 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:       []string{"localhost:9092"},
			Topic:         "note-events",
			ConsumerGroup: "notes-watch",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
		},
	}
}

// Validate checks every section. Store.Dir is not required here: the
// command line may supply it.
func (c *Config) Validate() error {
	return validation.Errors{
		"server": validation.ValidateStruct(&c.Server,
			validation.Field(&c.Server.Port, validation.Required, validation.Min(1), validation.Max(65535)),
			validation.Field(&c.Server.ShutdownTimeout, validation.Min(time.Duration(0))),
			validation.Field(&c.Server.RateLimit, validation.Min(0.0)),
			validation.Field(&c.Server.RateBurst, validation.When(c.Server.RateLimit > 0, validation.Required, validation.Min(1))),
		),
		"store": validation.ValidateStruct(&c.Store,
			validation.Field(&c.Store.Compression, validation.In("zstd", "none")),
		),
		"search": validation.ValidateStruct(&c.Search,
			validation.Field(&c.Search.DefaultLimit, validation.Min(0)),
			validation.Field(&c.Search.MaxResults, validation.Min(0)),
		),
		"redis": validation.ValidateStruct(&c.Redis,
			validation.Field(&c.Redis.Addr, validation.When(c.Redis.Enabled, validation.Required)),
			validation.Field(&c.Redis.CacheTTL, validation.When(c.Redis.Enabled, validation.Required)),
		),
		"kafka": validation.ValidateStruct(&c.Kafka,
			validation.Field(&c.Kafka.Brokers, validation.When(c.Kafka.Enabled, validation.Required)),
			validation.Field(&c.Kafka.Topic, validation.When(c.Kafka.Enabled, validation.Required)),
		),
		"logging": validation.ValidateStruct(&c.Logging,
			validation.Field(&c.Logging.Level, validation.In("debug", "info", "warn", "error")),
			validation.Field(&c.Logging.Format, validation.In("json", "text")),
		),
		"metrics": validation.ValidateStruct(&c.Metrics,
			validation.Field(&c.Metrics.Port, validation.When(c.Metrics.Enabled, validation.Required, validation.Max(65535))),
		),
	}.Filter()
}

// applyEnvOverrides reads NOTES_* environment variables and overrides the
// corresponding config fields. Malformed numbers and booleans are ignored.
func applyEnvOverrides(cfg *Config) {
	setInt("SERVER_PORT", &cfg.Server.Port)
	setDuration("SERVER_REQUEST_TIMEOUT", &cfg.Server.RequestTimeout)
	if v := os.Getenv(envPrefix + "SERVER_CORS_ORIGINS"); v != "" {
		cfg.Server.CORSOrigins = strings.Split(v, ",")
	}
	setFloat("SERVER_RATE_LIMIT", &cfg.Server.RateLimit)
	setInt("SERVER_RATE_BURST", &cfg.Server.RateBurst)
	setString("STORE_DIR", &cfg.Store.Dir)
	setBool("STORE_TEMP", &cfg.Store.Temp)
	setBool("STORE_SYNC_WRITES", &cfg.Store.SyncWrites)
	setString("STORE_COMPRESSION", &cfg.Store.Compression)
	setBool("STORE_STOP_WORDS", &cfg.Store.StopWords)
	setInt("SEARCH_DEFAULT_LIMIT", &cfg.Search.DefaultLimit)
	setInt("SEARCH_MAX_RESULTS", &cfg.Search.MaxResults)
	setBool("REDIS_ENABLED", &cfg.Redis.Enabled)
	setString("REDIS_ADDR", &cfg.Redis.Addr)
	setString("REDIS_PASSWORD", &cfg.Redis.Password)
	setDuration("REDIS_CACHE_TTL", &cfg.Redis.CacheTTL)
	setBool("KAFKA_ENABLED", &cfg.Kafka.Enabled)
	if v := os.Getenv(envPrefix + "KAFKA_BROKERS"); v != "" {
		cfg.Kafka.Brokers = strings.Split(v, ",")
	}
	setString("KAFKA_TOPIC", &cfg.Kafka.Topic)
	setString("LOGGING_LEVEL", &cfg.Logging.Level)
	setString("LOGGING_FORMAT", &cfg.Logging.Format)
	setBool("METRICS_ENABLED", &cfg.Metrics.Enabled)
	setInt("METRICS_PORT", &cfg.Metrics.Port)
}

func setString(key string, dst *string) {
	if v := os.Getenv(envPrefix + key); v != "" {
		*dst = v
	}
}

func setInt(key string, dst *int) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setFloat(key string, dst *float64) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(key string, dst *bool) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(key string, dst *time.Duration) {
	if v := os.Getenv(envPrefix + key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}
