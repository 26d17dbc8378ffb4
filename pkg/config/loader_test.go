package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/pflag"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewViperLoader("", "PLACES").Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Port != 8080 || cfg.Database.Type != DatabaseTypeMemory || cfg.CRUD.BatchSize != 50 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
	if cfg.Tasks.Worker.VisibilityTimeout != time.Minute {
		t.Fatalf("visibility timeout = %v", cfg.Tasks.Worker.VisibilityTimeout)
	}
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "config.yaml")
	content := `
http:
  port: 8081
database:
  type: postgres
  url: postgres://file
crud:
  batch_size: 10
`
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PLACES_DATABASE_URL", "postgres://env")
	t.Setenv("PLACES_TASKS_WORKER_POLL_TIMEOUT", "2s")

	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	flags.Int("http.port", 0, "")
	if err := flags.Parse([]string{"--http.port=9000"}); err != nil {
		t.Fatal(err)
	}

	cfg, err := NewViperLoader(file, "PLACES").WithFlags(flags).Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.HTTP.Port != 9000 {
		t.Errorf("flag should win: port = %d", cfg.HTTP.Port)
	}
	if cfg.Database.URL != "postgres://env" {
		t.Errorf("env should win over file: url = %q", cfg.Database.URL)
	}
	if cfg.Database.Type != DatabaseTypePostgres || cfg.CRUD.BatchSize != 10 {
		t.Errorf("file values lost: %+v %+v", cfg.Database, cfg.CRUD)
	}
	if cfg.Tasks.Worker.PollTimeout != 2*time.Second {
		t.Errorf("poll timeout = %v", cfg.Tasks.Worker.PollTimeout)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{
			name:    "postgres needs url",
			mutate:  func(c *Config) { c.Database.Type = DatabaseTypePostgres },
			wantErr: "database.url",
		},
		{
			name:    "unknown database",
			mutate:  func(c *Config) { c.Database.Type = "mysql" },
			wantErr: "invalid database.type",
		},
		{
			name:    "s3 needs bucket",
			mutate:  func(c *Config) { c.ObjectStorage.Type = ObjectStorageS3 },
			wantErr: "object_storage.s3.bucket",
		},
		{
			name:    "redis tasks need url",
			mutate:  func(c *Config) { c.Tasks.Backend = TasksBackendRedis },
			wantErr: "tasks.redis.url",
		},
		{
			name:    "smtp newsletter needs host",
			mutate:  func(c *Config) { c.Newsletter.Provider = NewsletterProviderSMTP },
			wantErr: "newsletter.smtp.host",
		},
		{
			name:    "unknown newsletter provider",
			mutate:  func(c *Config) { c.Newsletter.Provider = "pigeon" },
			wantErr: "invalid newsletter.provider",
		},
		{
			name: "tracing sample rate",
			mutate: func(c *Config) {
				c.Observability.Tracing.Enabled = true
				c.Observability.Tracing.SampleRate = 1.5
			},
			wantErr: "sample_rate",
		},
		{
			name:    "production secret",
			mutate:  func(c *Config) { c.Service.Environment = "production"; c.Auth.Secret = "short" },
			wantErr: "auth.secret",
		},
		{
			name:    "ports collide",
			mutate:  func(c *Config) { c.Management.Port = c.HTTP.Port },
			wantErr: "management.port",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := NewViperLoader("", "").Validate(cfg)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
