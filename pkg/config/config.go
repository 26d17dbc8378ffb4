// Package config loads service configuration with viper. Precedence is
// environment > file > defaults.
package config

import "time"

// Database type constants
const (
	DatabaseTypePostgres = "postgres"
	DatabaseTypeMongoDB  = "mongodb"
	// DatabaseTypeMemory keeps records in process; meant for local runs and tests.
	DatabaseTypeMemory = "memory"
)

// Object storage and task backends.
const (
	ObjectStorageS3     = "s3"
	ObjectStorageMemory = "memory"

	TasksBackendRedis  = "redis"
	TasksBackendMemory = "memory"

	NewsletterProviderLog      = "log"
	NewsletterProviderSMTP     = "smtp"
	NewsletterProviderSES      = "ses"
	NewsletterProviderSendGrid = "sendgrid"
)

// Config is the root configuration structure.
type Config struct {
	Service       ServiceConfig
	HTTP          HTTPConfig
	Management    ManagementConfig
	Auth          AuthConfig
	Database      DatabaseConfig
	ObjectStorage ObjectStorageConfig `mapstructure:"object_storage"`
	Tasks         TasksConfig
	Newsletter    NewsletterConfig
	CRUD          CRUDConfig
	Observability ObservabilityConfig
}

// ServiceConfig configures service identity metadata.
type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// HTTPConfig configures the public API server
type HTTPConfig struct {
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxRequestSize  int64         `mapstructure:"max_request_size"`
}

// ManagementConfig configures the server exposing /metrics and /health.
type ManagementConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// AuthConfig configures HS256 token issuing and verification.
type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
}

// DatabaseConfig configures the record store.
type DatabaseConfig struct {
	Type            string        `mapstructure:"type"` // postgres, mongodb, memory
	URL             string        `mapstructure:"url"`
	DatabaseName    string        `mapstructure:"database_name"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	QueryTimeout    time.Duration `mapstructure:"query_timeout"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
}

// ObjectStorageConfig configures where uploaded images live.
type ObjectStorageConfig struct {
	Type string `mapstructure:"type"` // s3, memory
	// BaseURL prefixes keys for the memory backend's URLs.
	BaseURL string                `mapstructure:"base_url"`
	S3      ObjectStorageS3Config `mapstructure:"s3"`
}

// ObjectStorageS3Config configures S3-compatible object storage.
type ObjectStorageS3Config struct {
	Bucket           string        `mapstructure:"bucket"`
	Region           string        `mapstructure:"region"`
	Endpoint         string        `mapstructure:"endpoint"`
	AccessKeyID      string        `mapstructure:"access_key_id"`
	SecretAccessKey  string        `mapstructure:"secret_access_key"`
	SessionToken     string        `mapstructure:"session_token"`
	UsePathStyle     bool          `mapstructure:"use_path_style"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	PresignExpiry    time.Duration `mapstructure:"presign_expiry"`
}

// TasksConfig configures the background task queue and its worker.
type TasksConfig struct {
	Backend string           `mapstructure:"backend"` // redis, memory
	Queue   string           `mapstructure:"queue"`
	Redis   TasksRedisConfig `mapstructure:"redis"`
	Worker  TasksWorkerConfig
}

// TasksRedisConfig configures the Redis connection used by the queue.
type TasksRedisConfig struct {
	URL              string        `mapstructure:"url"`
	MaxConns         int           `mapstructure:"max_conns"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
}

// TasksWorkerConfig tunes the worker loop.
type TasksWorkerConfig struct {
	Concurrency       int           `mapstructure:"concurrency"`
	PollTimeout       time.Duration `mapstructure:"poll_timeout"`
	VisibilityTimeout time.Duration `mapstructure:"visibility_timeout"`
	MaxAttempts       int           `mapstructure:"max_attempts"`
}

// NewsletterConfig selects the provider that delivers newsletter welcome
// mail. "log" only records the subscription.
type NewsletterConfig struct {
	Provider         string        `mapstructure:"provider"`
	From             string        `mapstructure:"from"`
	Subject          string        `mapstructure:"subject"`
	OperationTimeout time.Duration `mapstructure:"operation_timeout"`
	SMTP             struct {
		Host      string `mapstructure:"host"`
		Port      int    `mapstructure:"port"`
		Username  string `mapstructure:"username"`
		Password  string `mapstructure:"password"`
		EnableTLS bool   `mapstructure:"enable_tls"`
	} `mapstructure:"smtp"`
	SES struct {
		Region          string `mapstructure:"region"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
	} `mapstructure:"ses"`
	SendGrid struct {
		APIKey  string `mapstructure:"api_key"`
		BaseURL string `mapstructure:"base_url"`
	} `mapstructure:"sendgrid"`
}

// CRUDConfig tunes the engines.
type CRUDConfig struct {
	BatchSize   int `mapstructure:"batch_size"`
	MaxPageSize int `mapstructure:"max_page_size"`
}

// ObservabilityConfig configures logging, metrics and tracing.
type ObservabilityConfig struct {
	LogLevel       string        `mapstructure:"log_level"`
	LogFormat      string        `mapstructure:"log_format"` // json, text
	MetricsEnabled bool          `mapstructure:"metrics_enabled"`
	Tracing        TracingConfig `mapstructure:"tracing"`
}

// TracingConfig configures OTLP trace export.
type TracingConfig struct {
	Enabled    bool    `mapstructure:"enabled"`
	Endpoint   string  `mapstructure:"endpoint"`
	SampleRate float64 `mapstructure:"sample_rate"`
	Insecure   bool    `mapstructure:"insecure"`
}

// DefaultConfig returns the configuration used when nothing overrides it.
func DefaultConfig() *Config {
	return &Config{
		Service: ServiceConfig{Name: "places", Environment: "development"},
		HTTP: HTTPConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 15 * time.Second,
			MaxRequestSize:  10 << 20,
		},
		Management: ManagementConfig{Enabled: true, Port: 9090},
		Auth:       AuthConfig{Issuer: "places", TokenTTL: time.Hour},
		Database: DatabaseConfig{
			Type:            DatabaseTypeMemory,
			DatabaseName:    "places",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			QueryTimeout:    10 * time.Second,
			ConnectTimeout:  5 * time.Second,
		},
		ObjectStorage: ObjectStorageConfig{
			Type:    ObjectStorageMemory,
			BaseURL: "http://localhost:8080/blobs",
			S3:      ObjectStorageS3Config{OperationTimeout: 10 * time.Second, PresignExpiry: 15 * time.Minute},
		},
		Tasks: TasksConfig{
			Backend: TasksBackendMemory,
			Queue:   "places:tasks",
			Redis:   TasksRedisConfig{MaxConns: 10, OperationTimeout: 3 * time.Second},
			Worker: TasksWorkerConfig{
				Concurrency:       4,
				PollTimeout:       5 * time.Second,
				VisibilityTimeout: time.Minute,
				MaxAttempts:       5,
			},
		},
		Newsletter: NewsletterConfig{
			Provider:         NewsletterProviderLog,
			From:             "newsletter@places.local",
			Subject:          "Welcome to Places",
			OperationTimeout: 10 * time.Second,
		},
		CRUD: CRUDConfig{BatchSize: 50, MaxPageSize: 100},
		Observability: ObservabilityConfig{
			LogLevel:       "info",
			LogFormat:      "json",
			MetricsEnabled: true,
			Tracing:        TracingConfig{Endpoint: "localhost:4317", SampleRate: 1, Insecure: true},
		},
	}
}
