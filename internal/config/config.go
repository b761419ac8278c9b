package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config holds all configuration for the candle cache service
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Logging   LoggingConfig
	Builder   BuilderConfig
	Rebuilder RebuilderConfig
	Candles   CandlesConfig
	Store     StoreConfig
	Redis     RedisConfig
	Kafka     KafkaConfig
	RateLimit RateLimitConfig
	Metrics   MetricsConfig
}

// ServerConfig holds server specific configuration
type ServerConfig struct {
	Port            string        `validate:"required"`
	ReadTimeout     time.Duration `validate:"gt=0"`
	WriteTimeout    time.Duration `validate:"gt=0"`
	IdleTimeout     time.Duration `validate:"gt=0"`
	ShutdownTimeout time.Duration `validate:"gt=0"`
}

// DatabaseConfig holds database specific configuration
type DatabaseConfig struct {
	Host            string `validate:"required"`
	Port            string `validate:"required"`
	User            string `validate:"required"`
	Password        string
	DBName          string `validate:"required"`
	SSLMode         string `validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxOpenConns    int    `validate:"gte=1"`
	MaxIdleConns    int    `validate:"gte=0"`
	ConnMaxLifetime time.Duration
}

// LoggingConfig holds logging specific configuration
type LoggingConfig struct {
	Level  string `validate:"oneof=debug info warn error"`
	Format string `validate:"oneof=json console"`
}

// BuilderConfig controls the incremental builder loop
type BuilderConfig struct {
	Enabled           bool
	PollInterval      time.Duration `validate:"gt=0"`
	BatchSize         int           `validate:"gte=1"`
	MaxBatchesPerTick int           `validate:"gte=1"`
	Concurrency       int           `validate:"gte=1"`
	ErrorBackoffMax   time.Duration `validate:"gt=0"`
}

// RebuilderConfig controls full history rebuilds
type RebuilderConfig struct {
	BatchSize    int           `validate:"gte=1"`
	WaitInterval time.Duration `validate:"gt=0"`
}

// CandlesConfig selects the cached candle series
type CandlesConfig struct {
	Intervals        []int64  `validate:"required,min=1,dive,gt=0"`
	TrailingAvgTimes []int64  `validate:"dive,gt=0"`
	Types            []string `validate:"required,min=1,dive,oneof=resource trailingAvg index market"`
	MaxQueryBuckets  int64    `validate:"gte=1,lte=100000"`
}

// StoreConfig controls retries of candle store writes
type StoreConfig struct {
	MaxRetries     uint64        `validate:"gte=0"`
	InitialBackoff time.Duration `validate:"gt=0"`
	MaxBackoff     time.Duration `validate:"gtefield=InitialBackoff"`
}

// RedisConfig holds configuration of the candle response cache
type RedisConfig struct {
	Enabled  bool
	Addr     string `validate:"required_if=Enabled true"`
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// KafkaConfig holds Kafka specific configuration
type KafkaConfig struct {
	Enabled      bool
	Brokers      string `validate:"required_if=Enabled true"`
	ClientID     string
	WriteTimeout time.Duration
	Topics       KafkaTopics
}

// KafkaTopics names the topics events are published to
type KafkaTopics struct {
	Candles string
	Process string
}

// BrokerList splits the comma separated broker string
func (k KafkaConfig) BrokerList() []string {
	var brokers []string
	for _, b := range strings.Split(k.Brokers, ",") {
		if b = strings.TrimSpace(b); b != "" {
			brokers = append(brokers, b)
		}
	}
	return brokers
}

// RateLimitConfig holds rate limiting configuration for the refresh endpoints
type RateLimitConfig struct {
	Enabled           bool
	RequestsPerMinute int `validate:"gte=1"`
	BurstSize         int `validate:"gte=1"`
}

// MetricsConfig holds Prometheus configuration
type MetricsConfig struct {
	Enabled bool
	Path    string
}

// LoadConfig loads the configuration from file and environment variables
func LoadConfig(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Read config file
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// Environment variables override, e.g. DATABASE_PASSWORD
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks the configuration against its struct tags
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// setDefaults sets default values for configuration
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.readTimeout", "10s")
	v.SetDefault("server.writeTimeout", "30s")
	v.SetDefault("server.idleTimeout", "120s")
	v.SetDefault("server.shutdownTimeout", "10s")

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.sslMode", "disable")
	v.SetDefault("database.maxOpenConns", 20)
	v.SetDefault("database.maxIdleConns", 5)
	v.SetDefault("database.connMaxLifetime", "5m")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	// Builder defaults
	v.SetDefault("builder.enabled", true)
	v.SetDefault("builder.pollInterval", "15s")
	v.SetDefault("builder.batchSize", 5000)
	v.SetDefault("builder.maxBatchesPerTick", 10)
	v.SetDefault("builder.concurrency", 4)
	v.SetDefault("builder.errorBackoffMax", "2m")

	// Rebuilder defaults
	v.SetDefault("rebuilder.batchSize", 10000)
	v.SetDefault("rebuilder.waitInterval", "200ms")

	// Candle defaults: 1m, 5m, 15m, 30m, 4h, 1d, 7d, 28d buckets and 7d/28d trailing averages
	v.SetDefault("candles.intervals", []int64{60, 300, 900, 1800, 14400, 86400, 604800, 2419200})
	v.SetDefault("candles.trailingAvgTimes", []int64{604800, 2419200})
	v.SetDefault("candles.types", []string{"resource", "trailingAvg", "index", "market"})
	v.SetDefault("candles.maxQueryBuckets", 5000)

	// Store defaults
	v.SetDefault("store.maxRetries", 5)
	v.SetDefault("store.initialBackoff", "200ms")
	v.SetDefault("store.maxBackoff", "10s")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.ttl", "30s")
	v.SetDefault("redis.prefix", "candle-cache")

	// Kafka defaults
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.clientId", "candle-cache")
	v.SetDefault("kafka.writeTimeout", "5s")
	v.SetDefault("kafka.topics.candles", "candle-cache.candles")
	v.SetDefault("kafka.topics.process", "candle-cache.process")

	// Rate limit defaults
	v.SetDefault("rateLimit.enabled", true)
	v.SetDefault("rateLimit.requestsPerMinute", 6)
	v.SetDefault("rateLimit.burstSize", 2)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}
