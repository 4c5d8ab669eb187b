package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Supported queue backends
const (
	BackendSQS      = "sqs"
	BackendPostgres = "postgres"
	BackendMemory   = "memory"
)

// SQS service limits
const (
	sqsMaxVisibilityTimeout = 12 * time.Hour
	sqsMaxDelay             = 15 * time.Minute
	sqsMaxQueueNameLength   = 80
)

// Config holds the transport configuration consumed from the host runtime
type Config struct {
	Backend    string `yaml:"backend"`
	InputQueue string `yaml:"inputQueue"` // empty means one-way client
	ErrorQueue string `yaml:"errorQueue"`

	// Lease lifecycle
	VisibilityTimeout   time.Duration `yaml:"visibilityTimeout"`
	AutomaticRenewal    bool          `yaml:"automaticRenewal"`
	RenewalFraction     float64       `yaml:"renewalFraction"`
	RenewalInterval     time.Duration `yaml:"renewalInterval"`
	RenewalRetryBackoff time.Duration `yaml:"renewalRetryBackoff"`
	RenewalCallTimeout  time.Duration `yaml:"renewalCallTimeout"`
	RenewalConcurrency  int           `yaml:"renewalConcurrency"`
	ReleaseOnRollback   bool          `yaml:"releaseOnRollback"`
	MaxDequeueCount     int           `yaml:"maxDequeueCount"`

	// Delayed delivery
	DelayThreshold  time.Duration `yaml:"delayThreshold"`
	BucketWidth     time.Duration `yaml:"bucketWidth"`
	BucketPrecreate int           `yaml:"bucketPrecreate"`
	SweepInterval   time.Duration `yaml:"sweepInterval"`

	// Queue naming
	MaxQueueNameLength int  `yaml:"maxQueueNameLength"`
	AllowUnderscore    bool `yaml:"allowUnderscore"`
	AutoCreate         bool `yaml:"autoCreate"`

	SQS      SQSConfig      `yaml:"sqs"`
	Postgres PostgresConfig `yaml:"postgres"`
}

// SQSConfig holds SQS-specific configuration
type SQSConfig struct {
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	WaitTimeSeconds int32  `yaml:"waitTimeSeconds"`
	MaxAttempts     int    `yaml:"maxAttempts"`
}

// PostgresConfig holds PostgreSQL backend configuration
type PostgresConfig struct {
	URL             string        `yaml:"url"`
	MaxConns        int           `yaml:"maxConns"`
	MinConns        int           `yaml:"minConns"`
	MaxConnLifetime time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime time.Duration `yaml:"maxConnIdleTime"`
}

// Default returns the configuration used when nothing is set
func Default() *Config {
	return &Config{
		Backend:             BackendSQS,
		ErrorQueue:          "error",
		VisibilityTimeout:   5 * time.Minute,
		RenewalFraction:     0.5,
		RenewalInterval:     5 * time.Second,
		RenewalRetryBackoff: time.Second,
		RenewalCallTimeout:  30 * time.Second,
		RenewalConcurrency:  16,
		MaxDequeueCount:     5,
		DelayThreshold:      15 * time.Minute,
		BucketWidth:         time.Hour,
		BucketPrecreate:     2,
		SweepInterval:       30 * time.Second,
		MaxQueueNameLength:  80,
		AllowUnderscore:     true,
		AutoCreate:          true,
		SQS: SQSConfig{
			Region:          "us-east-1",
			WaitTimeSeconds: 1,
			MaxAttempts:     3,
		},
		Postgres: PostgresConfig{
			MaxConns:        10,
			MinConns:        2,
			MaxConnLifetime: time.Hour,
			MaxConnIdleTime: 30 * time.Minute,
		},
	}
}

// LoadFromEnv builds a configuration from defaults, an optional YAML file
// named by ASYA_CONFIG_FILE, and ASYA_* environment variables, in that order
func LoadFromEnv() (*Config, error) {
	cfg := Default()

	if path := os.Getenv("ASYA_CONFIG_FILE"); path != "" {
		if err := cfg.overlayFile(path); err != nil {
			return nil, err
		}
	}

	cfg.Backend = getEnv("ASYA_TRANSPORT", cfg.Backend)
	cfg.InputQueue = getEnv("ASYA_INPUT_QUEUE", cfg.InputQueue)
	cfg.ErrorQueue = getEnv("ASYA_ERROR_QUEUE", cfg.ErrorQueue)

	cfg.VisibilityTimeout = getEnvDuration("ASYA_VISIBILITY_TIMEOUT", cfg.VisibilityTimeout)
	cfg.AutomaticRenewal = getEnvBool("ASYA_AUTO_RENEWAL", cfg.AutomaticRenewal)
	cfg.RenewalFraction = getEnvFloat("ASYA_RENEWAL_FRACTION", cfg.RenewalFraction)
	cfg.RenewalInterval = getEnvDuration("ASYA_RENEWAL_INTERVAL", cfg.RenewalInterval)
	cfg.RenewalRetryBackoff = getEnvDuration("ASYA_RENEWAL_RETRY_BACKOFF", cfg.RenewalRetryBackoff)
	cfg.RenewalCallTimeout = getEnvDuration("ASYA_RENEWAL_CALL_TIMEOUT", cfg.RenewalCallTimeout)
	cfg.RenewalConcurrency = getEnvInt("ASYA_RENEWAL_CONCURRENCY", cfg.RenewalConcurrency)
	cfg.ReleaseOnRollback = getEnvBool("ASYA_RELEASE_ON_ROLLBACK", cfg.ReleaseOnRollback)
	cfg.MaxDequeueCount = getEnvInt("ASYA_MAX_DEQUEUE_COUNT", cfg.MaxDequeueCount)

	cfg.DelayThreshold = getEnvDuration("ASYA_DELAY_THRESHOLD", cfg.DelayThreshold)
	cfg.BucketWidth = getEnvDuration("ASYA_BUCKET_WIDTH", cfg.BucketWidth)
	cfg.BucketPrecreate = getEnvInt("ASYA_BUCKET_PRECREATE", cfg.BucketPrecreate)
	cfg.SweepInterval = getEnvDuration("ASYA_SWEEP_INTERVAL", cfg.SweepInterval)

	cfg.MaxQueueNameLength = getEnvInt("ASYA_MAX_QUEUE_NAME_LENGTH", cfg.MaxQueueNameLength)
	cfg.AllowUnderscore = getEnvBool("ASYA_QUEUE_NAME_ALLOW_UNDERSCORE", cfg.AllowUnderscore)
	cfg.AutoCreate = getEnvBool("ASYA_QUEUE_AUTO_CREATE", cfg.AutoCreate)

	cfg.SQS.Region = getEnv("ASYA_AWS_REGION", cfg.SQS.Region)
	cfg.SQS.Endpoint = getEnv("ASYA_SQS_ENDPOINT", cfg.SQS.Endpoint)
	cfg.SQS.WaitTimeSeconds = int32(getEnvInt("ASYA_SQS_WAIT_TIME_SECONDS", int(cfg.SQS.WaitTimeSeconds)))
	cfg.SQS.MaxAttempts = getEnvInt("ASYA_SQS_MAX_ATTEMPTS", cfg.SQS.MaxAttempts)

	cfg.Postgres.URL = getEnv("ASYA_DATABASE_URL", cfg.Postgres.URL)
	cfg.Postgres.MaxConns = getEnvInt("ASYA_DB_MAX_CONNS", cfg.Postgres.MaxConns)
	cfg.Postgres.MinConns = getEnvInt("ASYA_DB_MIN_CONNS", cfg.Postgres.MinConns)
	cfg.Postgres.MaxConnLifetime = getEnvDuration("ASYA_DB_MAX_CONN_LIFETIME", cfg.Postgres.MaxConnLifetime)
	cfg.Postgres.MaxConnIdleTime = getEnvDuration("ASYA_DB_MAX_CONN_IDLE_TIME", cfg.Postgres.MaxConnIdleTime)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads a YAML configuration on top of the defaults
func LoadFromFile(path string) (*Config, error) {
	cfg := Default()
	if err := cfg.overlayFile(path); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// IsOneWay reports whether the configuration describes a send-only client
func (c *Config) IsOneWay() bool {
	return c.InputQueue == ""
}

// RenewalWindow is the remaining lease time at which a renewal becomes due
func (c *Config) RenewalWindow() time.Duration {
	return time.Duration(float64(c.VisibilityTimeout) * c.RenewalFraction)
}

// Validate checks the configuration for values the transport cannot work with
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendSQS, BackendPostgres, BackendMemory:
	default:
		return fmt.Errorf("unsupported transport type: %s", c.Backend)
	}

	if c.VisibilityTimeout <= 0 {
		return fmt.Errorf("visibility timeout must be positive, got %s", c.VisibilityTimeout)
	}
	if c.RenewalFraction <= 0 || c.RenewalFraction >= 1 {
		return fmt.Errorf("renewal fraction must be between 0 and 1 exclusive, got %v", c.RenewalFraction)
	}
	if c.RenewalInterval <= 0 {
		return fmt.Errorf("renewal interval must be positive, got %s", c.RenewalInterval)
	}
	if c.RenewalRetryBackoff <= 0 {
		return fmt.Errorf("renewal retry backoff must be positive, got %s", c.RenewalRetryBackoff)
	}
	if c.RenewalCallTimeout <= 0 {
		return fmt.Errorf("renewal call timeout must be positive, got %s", c.RenewalCallTimeout)
	}
	if c.RenewalConcurrency <= 0 {
		return fmt.Errorf("renewal concurrency must be positive, got %d", c.RenewalConcurrency)
	}
	if c.AutomaticRenewal && c.RenewalInterval >= c.RenewalWindow() {
		return fmt.Errorf("renewal interval %s must be shorter than the renewal window %s (visibility timeout x renewal fraction)",
			c.RenewalInterval, c.RenewalWindow())
	}
	if c.MaxDequeueCount <= 0 {
		return fmt.Errorf("max dequeue count must be positive, got %d", c.MaxDequeueCount)
	}
	if c.DelayThreshold <= 0 {
		return fmt.Errorf("delay threshold must be positive, got %s", c.DelayThreshold)
	}
	if c.BucketWidth <= 0 {
		return fmt.Errorf("bucket width must be positive, got %s", c.BucketWidth)
	}
	if c.BucketPrecreate < 0 {
		return fmt.Errorf("bucket precreate cannot be negative, got %d", c.BucketPrecreate)
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep interval must be positive, got %s", c.SweepInterval)
	}
	if c.MaxQueueNameLength < 32 {
		return fmt.Errorf("max queue name length must be at least 32, got %d", c.MaxQueueNameLength)
	}
	if c.ErrorQueue == "" {
		return fmt.Errorf("error queue cannot be empty")
	}

	switch c.Backend {
	case BackendSQS:
		if c.VisibilityTimeout > sqsMaxVisibilityTimeout {
			return fmt.Errorf("SQS visibility timeout cannot exceed %s, got %s", sqsMaxVisibilityTimeout, c.VisibilityTimeout)
		}
		if c.DelayThreshold > sqsMaxDelay {
			return fmt.Errorf("SQS delay threshold cannot exceed %s, got %s", sqsMaxDelay, c.DelayThreshold)
		}
		if c.MaxQueueNameLength > sqsMaxQueueNameLength {
			return fmt.Errorf("SQS queue names cannot exceed %d characters, got max length %d", sqsMaxQueueNameLength, c.MaxQueueNameLength)
		}
		if c.SQS.WaitTimeSeconds < 0 || c.SQS.WaitTimeSeconds > 20 {
			return fmt.Errorf("SQS wait time must be between 0 and 20 seconds, got %d", c.SQS.WaitTimeSeconds)
		}
	case BackendPostgres:
		if c.Postgres.URL == "" {
			return fmt.Errorf("postgres backend requires ASYA_DATABASE_URL")
		}
	}

	return nil
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		slog.Warn("Invalid integer in environment, using default", "key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		slog.Warn("Invalid boolean in environment, using default", "key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return b
}

func getEnvFloat(key string, defaultValue float64) float64 {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		slog.Warn("Invalid number in environment, using default", "key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return f
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		slog.Warn("Invalid duration in environment, using default", "key", key, "value", v, "default", defaultValue)
		return defaultValue
	}
	return d
}
