// Package config defines the process configuration for the MarketPulse job
// engine. Configuration is loaded once at startup and treated as immutable.
//
// Values resolve through a priority chain:
//
//	OS Environment (Highest) -> Dotenv File -> Secret Provider (Lowest)
//
// A missing required value or an invalid format fails startup.
package config

import (
	"time"

	"marketpulse/internal/types"
)

// SecretString aliases types.SecretString so config consumers need not import types.
type SecretString = types.SecretString

// Config is the top-level configuration. Components receive only the
// sub-struct they need.
type Config struct {
	Environment string `envconfig:"APP_ENV" validate:"required,oneof=local dev staging prod"`
	Service     string `envconfig:"SERVICE_NAME" default:"marketpulse-worker"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server        ServerConfig
	Database      DatabaseConfig
	Redis         RedisConfig
	Generation    GenerationConfig
	Scheduler     SchedulerConfig
	AWS           AWSConfig
	Observability ObservabilityConfig

	// Injected via ldflags, not env.
	Build BuildInfo
}

// ServerConfig holds the worker's health endpoint settings.
type ServerConfig struct {
	HealthPort string `envconfig:"HEALTH_PORT" default:"8081"`
}

// DatabaseConfig holds the Postgres connection and pool tuning.
type DatabaseConfig struct {
	URL SecretString `envconfig:"DATABASE_URL" validate:"required"`

	MaxConns          int           `envconfig:"DB_MAX_CONNS" default:"10" validate:"gte=1"`
	MinConns          int           `envconfig:"DB_MIN_CONNS" default:"1" validate:"gte=0"`
	MaxConnLifetime   time.Duration `envconfig:"DB_MAX_CONN_LIFETIME" default:"30m"`
	AcquireTimeout    time.Duration `envconfig:"DB_ACQUIRE_TIMEOUT" default:"2s"`
	HealthCheckPeriod time.Duration `envconfig:"DB_HEALTH_CHECK_PERIOD" default:"1m"`
}

// RedisConfig configures the tenant/brand context cache. An empty Addr
// disables caching and every read goes to Postgres.
type RedisConfig struct {
	Addr       string        `envconfig:"REDIS_ADDR"`
	Password   SecretString  `envconfig:"REDIS_PASSWORD"`
	DB         int           `envconfig:"REDIS_DB" default:"0" validate:"gte=0"`
	ContextTTL time.Duration `envconfig:"REDIS_CONTEXT_TTL" default:"10m"`
}

// Enabled reports whether a Redis address was configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// GenerationConfig configures the hosted language-model endpoint.
type GenerationConfig struct {
	BaseURL string       `envconfig:"GENERATION_BASE_URL" default:"https://api.openai.com/v1" validate:"required,url"`
	APIKey  SecretString `envconfig:"GENERATION_API_KEY" validate:"required"`
	Model   string       `envconfig:"GENERATION_MODEL" default:"gpt-4o-mini" validate:"required"`

	// Timeout bounds one executor call end to end.
	Timeout time.Duration `envconfig:"GENERATION_TIMEOUT" default:"300s"`

	// USD per 1K tokens, used to meter cost from usage metadata.
	InputPricePer1K  float64 `envconfig:"GENERATION_INPUT_PRICE_PER_1K" default:"0.00015" validate:"gte=0"`
	OutputPricePer1K float64 `envconfig:"GENERATION_OUTPUT_PRICE_PER_1K" default:"0.0006" validate:"gte=0"`

	// HTTP-level retries for 429/5xx inside a single executor call.
	HTTPMaxRetries int `envconfig:"GENERATION_HTTP_MAX_RETRIES" default:"2" validate:"gte=0,lte=5"`
}

// SchedulerConfig holds batch sizing and retry policy defaults.
type SchedulerConfig struct {
	BatchLimit  int `envconfig:"BATCH_LIMIT" default:"25" validate:"gte=1,lte=500"`
	Concurrency int `envconfig:"BATCH_CONCURRENCY" default:"10" validate:"gte=1,lte=100"`

	ScheduleMaxRetries int           `envconfig:"SCHEDULE_MAX_RETRIES" default:"3" validate:"gte=0"`
	ScheduleRetryDelay time.Duration `envconfig:"SCHEDULE_RETRY_DELAY" default:"5m"`
	TaskMaxRetries     int           `envconfig:"TASK_MAX_RETRIES" default:"2" validate:"gte=0"`
	TaskRetryDelay     time.Duration `envconfig:"TASK_RETRY_DELAY" default:"1m"`

	PollInterval time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`
	LockTTL      time.Duration `envconfig:"JOB_LOCK_TTL" default:"5m"`

	// StaleGrace is how long a claimed row may sit in flight past its
	// expected runtime before recover_stale requeues it.
	StaleGrace time.Duration `envconfig:"STALE_GRACE" default:"5m" validate:"gt=0"`
}

// AWSConfig holds AWS region and resource identifiers.
type AWSConfig struct {
	Region string `envconfig:"AWS_REGION" default:"us-east-1"`

	// DeliveryQueueURL receives due schedule steps. Required outside
	// APP_ENV=local; locally an empty value logs steps instead of sending.
	DeliveryQueueURL string `envconfig:"SQS_DELIVERY_QUEUE" validate:"omitempty,url"`

	// LocalStack endpoint; empty in deployed environments.
	EndpointURL string `envconfig:"AWS_ENDPOINT_URL"`
}

// ObservabilityConfig holds metric publishing settings.
type ObservabilityConfig struct {
	MetricNamespace string `envconfig:"METRIC_NAMESPACE" default:"MarketPulse"`
	MetricsEnabled  bool   `envconfig:"METRICS_ENABLED" default:"false"`
}

// BuildInfo holds linker-injected build metadata.
type BuildInfo struct {
	Version   string
	Commit    string
	BuildTime string
}

// ConfigErrorType categorizes configuration loading failures.
type ConfigErrorType string

const (
	ErrMissingEnv    ConfigErrorType = "MISSING_ENV"
	ErrSSMResolution ConfigErrorType = "SSM_FAILURE"
	ErrValidation    ConfigErrorType = "VALIDATION_FAILED"
	ErrParsing       ConfigErrorType = "PARSING_FAILED"
)
