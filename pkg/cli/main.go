// Package cli builds the placesd command tree.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/nimburion/places/pkg/app"
	"github.com/nimburion/places/pkg/config"
	"github.com/nimburion/places/pkg/configschema"
	"github.com/nimburion/places/pkg/migrate"
	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/version"
)

// DefaultEnvPrefix prefixes every configuration environment variable.
const DefaultEnvPrefix = "PLACES"

// Options configures the root command.
type Options struct {
	Name        string
	Description string
	ConfigPath  string
	EnvPrefix   string
}

// NewServiceCommand creates the root command. Running it without a
// subcommand is the same as "serve".
func NewServiceCommand(opts Options) *cobra.Command {
	if opts.Name == "" {
		opts.Name = "placesd"
	}
	if opts.EnvPrefix == "" {
		opts.EnvPrefix = DefaultEnvPrefix
	}

	rootCmd := &cobra.Command{
		Use:           opts.Name,
		Short:         opts.Description,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	var cfgPath string
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config-file", "c", opts.ConfigPath, "config file path")

	// withApp loads configuration, opens every backend and hands the App to
	// fn under a context cancelled on SIGINT or SIGTERM.
	withApp := func(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
		cfg, log, err := LoadConfigAndLogger(cfgPath, opts.EnvPrefix, cmd.Flags(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer syncLogger(log)
		if cfg.Service.Name == "" {
			cfg.Service.Name = opts.Name
		}

		a, err := app.New(cfg, log)
		if err != nil {
			return err
		}
		defer func() {
			if closeErr := a.Close(); closeErr != nil {
				log.Error("failed to close backends", "error", closeErr)
			}
		}()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return fn(ctx, a)
	}

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			info := version.Current(opts.Name)
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Service:    %s\n", info.Service)
			fmt.Fprintf(out, "Version:    %s\n", info.Version)
			fmt.Fprintf(out, "Commit:     %s\n", info.Commit)
			fmt.Fprintf(out, "Build Time: %s\n", info.BuildTime)
		},
	})

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API and management servers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				return a.Serve(ctx)
			})
		},
	}
	rootCmd.AddCommand(serveCmd)
	rootCmd.RunE = serveCmd.RunE

	rootCmd.AddCommand(&cobra.Command{
		Use:   "worker",
		Short: "Run the background task worker",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				w, err := a.Worker()
				if err != nil {
					return fmt.Errorf("create worker: %w", err)
				}
				return w.Run(ctx)
			})
		},
	})

	var migrateTimeout time.Duration
	migrateCmd := &cobra.Command{
		Use:   "migrate [up|down|status] [steps]",
		Short: "Apply, revert or inspect database migrations",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := migrate.ParseArgs(args)
			if err != nil {
				return err
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				m, err := a.Migrator()
				if err != nil {
					return err
				}
				return migrate.Run(ctx, m, parsed, migrateTimeout, a.Logger)
			})
		},
	}
	migrateCmd.Flags().DurationVar(&migrateTimeout, "timeout", time.Minute, "overall migration timeout")
	rootCmd.AddCommand(migrateCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "healthcheck",
		Short: "Check connectivity to the database, object storage and task queue",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				report := a.Health.Check(ctx)
				if err := writeJSON(cmd.OutOrStdout(), report); err != nil {
					return err
				}
				if !report.Healthy() {
					return errors.New("one or more dependencies are unhealthy")
				}
				return nil
			})
		},
	})

	configCmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect service configuration",
	}
	configCmd.AddCommand(&cobra.Command{
		Use:   "schema",
		Short: "Print the JSON Schema of the configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, err := configschema.Build(nil)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), schema)
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := LoadConfigAndLogger(cfgPath, opts.EnvPrefix, cmd.Flags(), cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer syncLogger(log)
			return writeJSON(cmd.OutOrStdout(), redact(cfg))
		},
	})
	rootCmd.AddCommand(configCmd)

	return rootCmd
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// LoadConfigAndLogger loads configuration with precedence
// flags > environment > file > defaults and builds the zap logger it names.
// out overrides the log destination when non-nil.
func LoadConfigAndLogger(cfgPath, envPrefix string, flags *pflag.FlagSet, out io.Writer) (*config.Config, logger.Logger, error) {
	cfg, err := config.NewViperLoader(cfgPath, resolveEnvPrefix(envPrefix)).WithFlags(flags).Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	level, err := logger.ParseLogLevel(cfg.Observability.LogLevel)
	if err != nil {
		return nil, nil, err
	}
	format, err := logger.ParseLogFormat(cfg.Observability.LogFormat)
	if err != nil {
		return nil, nil, err
	}
	log, err := logger.NewZapLogger(logger.Config{Level: level, Format: format, Output: out})
	if err != nil {
		return nil, nil, fmt.Errorf("create logger: %w", err)
	}

	logConfigIfDebug(log, cfg)
	return cfg, log, nil
}

// Execute runs cmd and exits non-zero on error.
func Execute(cmd *cobra.Command) {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func syncLogger(log logger.Logger) {
	if s, ok := log.(interface{ Sync() error }); ok {
		_ = s.Sync()
	}
}

func logConfigIfDebug(log logger.Logger, cfg *config.Config) {
	if !strings.EqualFold(cfg.Observability.LogLevel, string(logger.DebugLevel)) {
		return
	}
	log.Debug("effective configuration", "config", fmt.Sprintf("%+v", *redact(cfg)))
}

// redact returns a copy of cfg with credentials masked.
func redact(cfg *config.Config) *config.Config {
	c := *cfg
	c.Auth.Secret = mask(c.Auth.Secret)
	c.Database.URL = mask(c.Database.URL)
	c.ObjectStorage.S3.SecretAccessKey = mask(c.ObjectStorage.S3.SecretAccessKey)
	c.ObjectStorage.S3.SessionToken = mask(c.ObjectStorage.S3.SessionToken)
	c.Tasks.Redis.URL = mask(c.Tasks.Redis.URL)
	c.Newsletter.SMTP.Password = mask(c.Newsletter.SMTP.Password)
	c.Newsletter.SES.SecretAccessKey = mask(c.Newsletter.SES.SecretAccessKey)
	c.Newsletter.SendGrid.APIKey = mask(c.Newsletter.SendGrid.APIKey)
	return &c
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "***"
}

func resolveEnvPrefix(prefix string) string {
	trimmed := strings.TrimSpace(prefix)
	if trimmed == "" {
		return DefaultEnvPrefix
	}
	return strings.ToUpper(trimmed)
}
