package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Loader defines the interface for loading configuration
type Loader interface {
	Load() (*Config, error)
	Validate(*Config) error
}

// ViperLoader implements Loader using Viper.
type ViperLoader struct {
	configFile string
	envPrefix  string
	flags      *pflag.FlagSet
}

// NewViperLoader creates a new ViperLoader.
// configFile is optional; envPrefix defaults to "PLACES".
func NewViperLoader(configFile, envPrefix string) *ViperLoader {
	return &ViperLoader{configFile: configFile, envPrefix: envPrefix}
}

// WithFlags binds command-line flags whose names match config keys
// (e.g. --http.port). Set flags override everything else.
func (l *ViperLoader) WithFlags(flags *pflag.FlagSet) *ViperLoader {
	l.flags = flags
	return l
}

// Load loads configuration with precedence: flags > ENV > file > defaults
func (l *ViperLoader) Load() (*Config, error) {
	v := viper.New()
	setDefaults(v, DefaultConfig())

	if l.configFile != "" {
		v.SetConfigFile(l.configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", l.configFile, err)
		}
	}

	for _, key := range keys {
		if err := v.BindEnv(key, l.envName(key)); err != nil {
			return nil, fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	if l.flags != nil {
		var bindErr error
		l.flags.VisitAll(func(f *pflag.Flag) {
			if _, known := keySet[f.Name]; known && bindErr == nil {
				bindErr = v.BindPFlag(f.Name, f)
			}
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := l.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// envName maps "tasks.redis.url" to "PLACES_TASKS_REDIS_URL".
func (l *ViperLoader) envName(key string) string {
	prefix := strings.TrimSpace(l.envPrefix)
	if prefix == "" {
		prefix = "PLACES"
	}
	return strings.ToUpper(prefix + "_" + strings.ReplaceAll(key, ".", "_"))
}

// Validate validates the configuration and returns every problem found.
func (l *ViperLoader) Validate(cfg *Config) error {
	var errs []error

	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		errs = append(errs, fmt.Errorf("http.port must be between 1 and 65535, got %d", cfg.HTTP.Port))
	}
	if cfg.Management.Enabled && cfg.Management.Port == cfg.HTTP.Port {
		errs = append(errs, errors.New("management.port must differ from http.port"))
	}

	switch cfg.Database.Type {
	case DatabaseTypePostgres, DatabaseTypeMongoDB:
		if cfg.Database.URL == "" {
			errs = append(errs, fmt.Errorf("database.url is required for database.type %s", cfg.Database.Type))
		}
		if cfg.Database.Type == DatabaseTypeMongoDB && cfg.Database.DatabaseName == "" {
			errs = append(errs, errors.New("database.database_name is required for mongodb"))
		}
	case DatabaseTypeMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid database.type: %q (must be one of: postgres, mongodb, memory)", cfg.Database.Type))
	}

	switch cfg.ObjectStorage.Type {
	case ObjectStorageS3:
		if cfg.ObjectStorage.S3.Bucket == "" || cfg.ObjectStorage.S3.Region == "" {
			errs = append(errs, errors.New("object_storage.s3.bucket and object_storage.s3.region are required for s3"))
		}
	case ObjectStorageMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid object_storage.type: %q (must be one of: s3, memory)", cfg.ObjectStorage.Type))
	}

	switch cfg.Tasks.Backend {
	case TasksBackendRedis:
		if cfg.Tasks.Redis.URL == "" {
			errs = append(errs, errors.New("tasks.redis.url is required for the redis backend"))
		}
	case TasksBackendMemory:
	default:
		errs = append(errs, fmt.Errorf("invalid tasks.backend: %q (must be one of: redis, memory)", cfg.Tasks.Backend))
	}
	if cfg.Tasks.Worker.Concurrency <= 0 {
		errs = append(errs, errors.New("tasks.worker.concurrency must be greater than 0"))
	}

	n := cfg.Newsletter
	switch n.Provider {
	case NewsletterProviderLog:
	case NewsletterProviderSMTP:
		if n.SMTP.Host == "" {
			errs = append(errs, errors.New("newsletter.smtp.host is required for the smtp provider"))
		}
	case NewsletterProviderSES:
		if n.SES.Region == "" {
			errs = append(errs, errors.New("newsletter.ses.region is required for the ses provider"))
		}
	case NewsletterProviderSendGrid:
		if n.SendGrid.APIKey == "" {
			errs = append(errs, errors.New("newsletter.sendgrid.api_key is required for the sendgrid provider"))
		}
	default:
		errs = append(errs, fmt.Errorf("invalid newsletter.provider: %q (must be one of: log, smtp, ses, sendgrid)", n.Provider))
	}

	if cfg.CRUD.BatchSize <= 0 {
		errs = append(errs, errors.New("crud.batch_size must be greater than 0"))
	}
	if cfg.Auth.TokenTTL <= 0 {
		errs = append(errs, errors.New("auth.token_ttl must be greater than 0"))
	}
	if cfg.Service.Environment == "production" && len(cfg.Auth.Secret) < 32 {
		errs = append(errs, errors.New("auth.secret must be at least 32 bytes in production"))
	}

	if t := cfg.Observability.Tracing; t.Enabled {
		if t.Endpoint == "" {
			errs = append(errs, errors.New("observability.tracing.endpoint is required when tracing is enabled"))
		}
		if t.SampleRate < 0 || t.SampleRate > 1 {
			errs = append(errs, fmt.Errorf("observability.tracing.sample_rate must be between 0 and 1, got %v", t.SampleRate))
		}
	}

	switch strings.ToLower(cfg.Observability.LogFormat) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("invalid observability.log_format: %q", cfg.Observability.LogFormat))
	}
	return errors.Join(errs...)
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("service.name", cfg.Service.Name)
	v.SetDefault("service.environment", cfg.Service.Environment)

	v.SetDefault("http.port", cfg.HTTP.Port)
	v.SetDefault("http.read_timeout", cfg.HTTP.ReadTimeout)
	v.SetDefault("http.write_timeout", cfg.HTTP.WriteTimeout)
	v.SetDefault("http.idle_timeout", cfg.HTTP.IdleTimeout)
	v.SetDefault("http.shutdown_timeout", cfg.HTTP.ShutdownTimeout)
	v.SetDefault("http.max_request_size", cfg.HTTP.MaxRequestSize)

	v.SetDefault("management.enabled", cfg.Management.Enabled)
	v.SetDefault("management.port", cfg.Management.Port)

	v.SetDefault("auth.secret", cfg.Auth.Secret)
	v.SetDefault("auth.issuer", cfg.Auth.Issuer)
	v.SetDefault("auth.token_ttl", cfg.Auth.TokenTTL)

	v.SetDefault("database.type", cfg.Database.Type)
	v.SetDefault("database.url", cfg.Database.URL)
	v.SetDefault("database.database_name", cfg.Database.DatabaseName)
	v.SetDefault("database.max_open_conns", cfg.Database.MaxOpenConns)
	v.SetDefault("database.max_idle_conns", cfg.Database.MaxIdleConns)
	v.SetDefault("database.conn_max_lifetime", cfg.Database.ConnMaxLifetime)
	v.SetDefault("database.conn_max_idle_time", cfg.Database.ConnMaxIdleTime)
	v.SetDefault("database.query_timeout", cfg.Database.QueryTimeout)
	v.SetDefault("database.connect_timeout", cfg.Database.ConnectTimeout)

	v.SetDefault("object_storage.type", cfg.ObjectStorage.Type)
	v.SetDefault("object_storage.base_url", cfg.ObjectStorage.BaseURL)
	v.SetDefault("object_storage.s3.bucket", cfg.ObjectStorage.S3.Bucket)
	v.SetDefault("object_storage.s3.region", cfg.ObjectStorage.S3.Region)
	v.SetDefault("object_storage.s3.endpoint", cfg.ObjectStorage.S3.Endpoint)
	v.SetDefault("object_storage.s3.access_key_id", cfg.ObjectStorage.S3.AccessKeyID)
	v.SetDefault("object_storage.s3.secret_access_key", cfg.ObjectStorage.S3.SecretAccessKey)
	v.SetDefault("object_storage.s3.session_token", cfg.ObjectStorage.S3.SessionToken)
	v.SetDefault("object_storage.s3.use_path_style", cfg.ObjectStorage.S3.UsePathStyle)
	v.SetDefault("object_storage.s3.operation_timeout", cfg.ObjectStorage.S3.OperationTimeout)
	v.SetDefault("object_storage.s3.presign_expiry", cfg.ObjectStorage.S3.PresignExpiry)

	v.SetDefault("tasks.backend", cfg.Tasks.Backend)
	v.SetDefault("tasks.queue", cfg.Tasks.Queue)
	v.SetDefault("tasks.redis.url", cfg.Tasks.Redis.URL)
	v.SetDefault("tasks.redis.max_conns", cfg.Tasks.Redis.MaxConns)
	v.SetDefault("tasks.redis.operation_timeout", cfg.Tasks.Redis.OperationTimeout)
	v.SetDefault("tasks.worker.concurrency", cfg.Tasks.Worker.Concurrency)
	v.SetDefault("tasks.worker.poll_timeout", cfg.Tasks.Worker.PollTimeout)
	v.SetDefault("tasks.worker.visibility_timeout", cfg.Tasks.Worker.VisibilityTimeout)
	v.SetDefault("tasks.worker.max_attempts", cfg.Tasks.Worker.MaxAttempts)

	v.SetDefault("newsletter.provider", cfg.Newsletter.Provider)
	v.SetDefault("newsletter.from", cfg.Newsletter.From)
	v.SetDefault("newsletter.subject", cfg.Newsletter.Subject)
	v.SetDefault("newsletter.operation_timeout", cfg.Newsletter.OperationTimeout)
	v.SetDefault("newsletter.smtp.host", cfg.Newsletter.SMTP.Host)
	v.SetDefault("newsletter.smtp.port", cfg.Newsletter.SMTP.Port)
	v.SetDefault("newsletter.smtp.username", cfg.Newsletter.SMTP.Username)
	v.SetDefault("newsletter.smtp.password", cfg.Newsletter.SMTP.Password)
	v.SetDefault("newsletter.smtp.enable_tls", cfg.Newsletter.SMTP.EnableTLS)
	v.SetDefault("newsletter.ses.region", cfg.Newsletter.SES.Region)
	v.SetDefault("newsletter.ses.endpoint", cfg.Newsletter.SES.Endpoint)
	v.SetDefault("newsletter.ses.access_key_id", cfg.Newsletter.SES.AccessKeyID)
	v.SetDefault("newsletter.ses.secret_access_key", cfg.Newsletter.SES.SecretAccessKey)
	v.SetDefault("newsletter.sendgrid.api_key", cfg.Newsletter.SendGrid.APIKey)
	v.SetDefault("newsletter.sendgrid.base_url", cfg.Newsletter.SendGrid.BaseURL)

	v.SetDefault("crud.batch_size", cfg.CRUD.BatchSize)
	v.SetDefault("crud.max_page_size", cfg.CRUD.MaxPageSize)

	v.SetDefault("observability.log_level", cfg.Observability.LogLevel)
	v.SetDefault("observability.log_format", cfg.Observability.LogFormat)
	v.SetDefault("observability.metrics_enabled", cfg.Observability.MetricsEnabled)
	v.SetDefault("observability.tracing.enabled", cfg.Observability.Tracing.Enabled)
	v.SetDefault("observability.tracing.endpoint", cfg.Observability.Tracing.Endpoint)
	v.SetDefault("observability.tracing.sample_rate", cfg.Observability.Tracing.SampleRate)
	v.SetDefault("observability.tracing.insecure", cfg.Observability.Tracing.Insecure)
}

// keys lists every configuration key bound to an environment variable.
var keys = []string{
	"service.name", "service.environment",
	"http.port", "http.read_timeout", "http.write_timeout", "http.idle_timeout",
	"http.shutdown_timeout", "http.max_request_size",
	"management.enabled", "management.port",
	"auth.secret", "auth.issuer", "auth.token_ttl",
	"database.type", "database.url", "database.database_name", "database.max_open_conns",
	"database.max_idle_conns", "database.conn_max_lifetime", "database.conn_max_idle_time",
	"database.query_timeout", "database.connect_timeout",
	"object_storage.type", "object_storage.base_url",
	"object_storage.s3.bucket", "object_storage.s3.region", "object_storage.s3.endpoint",
	"object_storage.s3.access_key_id", "object_storage.s3.secret_access_key",
	"object_storage.s3.session_token", "object_storage.s3.use_path_style",
	"object_storage.s3.operation_timeout", "object_storage.s3.presign_expiry",
	"tasks.backend", "tasks.queue", "tasks.redis.url", "tasks.redis.max_conns",
	"tasks.redis.operation_timeout", "tasks.worker.concurrency", "tasks.worker.poll_timeout",
	"tasks.worker.visibility_timeout", "tasks.worker.max_attempts",
	"newsletter.provider", "newsletter.from", "newsletter.subject", "newsletter.operation_timeout",
	"newsletter.smtp.host", "newsletter.smtp.port", "newsletter.smtp.username",
	"newsletter.smtp.password", "newsletter.smtp.enable_tls",
	"newsletter.ses.region", "newsletter.ses.endpoint", "newsletter.ses.access_key_id",
	"newsletter.ses.secret_access_key",
	"newsletter.sendgrid.api_key", "newsletter.sendgrid.base_url",
	"crud.batch_size", "crud.max_page_size",
	"observability.log_level", "observability.log_format", "observability.metrics_enabled",
	"observability.tracing.enabled", "observability.tracing.endpoint",
	"observability.tracing.sample_rate", "observability.tracing.insecure",
}

var keySet = func() map[string]struct{} {
	m := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		m[k] = struct{}{}
	}
	return m
}()
