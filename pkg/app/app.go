// Package app wires configuration into the running service: storage,
// object storage, the task queue, the engines and the HTTP servers.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nimburion/places/pkg/api"
	"github.com/nimburion/places/pkg/auth"
	"github.com/nimburion/places/pkg/blob"
	"github.com/nimburion/places/pkg/config"
	"github.com/nimburion/places/pkg/crud"
	"github.com/nimburion/places/pkg/email"
	"github.com/nimburion/places/pkg/health"
	httpmetrics "github.com/nimburion/places/pkg/middleware/metrics"
	"github.com/nimburion/places/pkg/migrate"
	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/observability/metrics"
	"github.com/nimburion/places/pkg/observability/tracing"
	"github.com/nimburion/places/pkg/places"
	"github.com/nimburion/places/pkg/resilience"
	"github.com/nimburion/places/pkg/security"
	"github.com/nimburion/places/pkg/server"
	"github.com/nimburion/places/pkg/server/router"
	ginrouter "github.com/nimburion/places/pkg/server/router/gin"
	"github.com/nimburion/places/pkg/store"
	"github.com/nimburion/places/pkg/tasks"
	"github.com/nimburion/places/pkg/users"
	"github.com/nimburion/places/pkg/version"
)

// A relay that keeps failing is skipped for a while; the task queue retries
// the skipped newsletters.
const (
	mailerMaxFailures = 5
	mailerCooldown    = 30 * time.Second
)

// App holds every long-lived dependency of the service.
type App struct {
	Config  *config.Config
	Logger  logger.Logger
	Metrics *metrics.Registry
	Health  *health.Registry

	Backend *store.Backend
	Blobs   blob.Store
	Tasks   *tasks.Runtime
	Tokens  *auth.HMACTokens
	Mailer  email.Sender
	Tracing *tracing.Provider

	Places *crud.Engine
	Users  *users.Service

	closers []store.Adapter
}

// New opens every backend named by cfg. On error, whatever was opened is
// closed again.
func New(cfg *config.Config, log logger.Logger) (_ *App, err error) {
	a := &App{
		Config:  cfg,
		Logger:  log,
		Metrics: metrics.NewRegistry(),
		Health:  health.NewRegistry(0),
	}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	t := cfg.Observability.Tracing
	if a.Tracing, err = tracing.NewProvider(context.Background(), tracing.Config{
		Enabled:        t.Enabled,
		ServiceName:    cfg.Service.Name,
		ServiceVersion: version.Current(cfg.Service.Name).Version,
		Environment:    cfg.Service.Environment,
		Endpoint:       t.Endpoint,
		SampleRate:     t.SampleRate,
		Insecure:       t.Insecure,
	}); err != nil {
		return nil, err
	}

	if a.Tokens, err = auth.NewHMACTokens(auth.Config{
		Secret:   cfg.Auth.Secret,
		Issuer:   cfg.Auth.Issuer,
		TokenTTL: cfg.Auth.TokenTTL,
	}, log); err != nil {
		return nil, err
	}

	if a.Backend, err = store.OpenBackend(cfg.Database, log); err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	a.track("database", a.Backend)

	if a.Blobs, err = store.NewBlobStore(cfg.ObjectStorage, log); err != nil {
		return nil, fmt.Errorf("open object storage: %w", err)
	}
	if adapter, ok := a.Blobs.(store.Adapter); ok {
		a.track("object_storage", adapter)
	}

	if a.Tasks, err = tasks.Open(cfg.Tasks, log); err != nil {
		return nil, err
	}
	a.track("tasks", a.Tasks)

	if a.Mailer, err = email.NewSender(cfg.Newsletter, log); err != nil {
		return nil, fmt.Errorf("newsletter provider: %w", err)
	}
	a.Mailer = email.WithBreaker(a.Mailer, resilience.NewBreaker(mailerMaxFailures, mailerCooldown))

	placeStore, err := a.Backend.Store(places.StorageEntity())
	if err != nil {
		return nil, err
	}
	userStore, err := a.Backend.Store(users.StorageEntity())
	if err != nil {
		return nil, err
	}
	queue := a.Tasks.Queue()

	if a.Places, err = places.NewEngine(places.Config{
		Store:       placeStore,
		Blobs:       a.Blobs,
		Tasks:       queue,
		Logger:      log,
		Metrics:     a.Metrics,
		BatchSize:   cfg.CRUD.BatchSize,
		MaxPageSize: cfg.CRUD.MaxPageSize,
	}); err != nil {
		return nil, err
	}
	if a.Users, err = users.NewService(users.Config{
		Store:       userStore,
		Tokens:      a.Tokens,
		Tasks:       queue,
		Logger:      log,
		Metrics:     a.Metrics,
		BatchSize:   cfg.CRUD.BatchSize,
		MaxPageSize: cfg.CRUD.MaxPageSize,
	}); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *App) track(name string, adapter store.Adapter) {
	a.Health.Register(name, adapter)
	a.closers = append(a.closers, adapter)
}

// Close releases every opened backend in reverse order.
func (a *App) Close() error {
	closers := make([]store.Adapter, 0, len(a.closers))
	for i := len(a.closers) - 1; i >= 0; i-- {
		closers = append(closers, a.closers[i])
	}
	a.closers = nil
	err := store.CloseAll(closers...)
	if a.Mailer != nil {
		err = errors.Join(err, a.Mailer.Close())
		a.Mailer = nil
	}
	if a.Tracing != nil {
		err = errors.Join(err, a.Tracing.Shutdown(context.Background()))
		a.Tracing = nil
	}
	return err
}

// PublicServer builds the API server with the middleware stack and every
// route registered.
func (a *App) PublicServer() (*server.Server, error) {
	handlers, err := api.New(api.Config{
		Places:   a.Places,
		Users:    a.Users,
		Verifier: a.Tokens,
		Logger:   a.Logger,
	})
	if err != nil {
		return nil, err
	}
	r := ginrouter.NewRouter()
	var rec httpmetrics.Recorder
	if a.Config.Observability.MetricsEnabled {
		rec = a.Metrics
	}
	srv := server.NewPublic(a.Config.HTTP, r, a.Logger, rec)
	handlers.Register(r)
	if mem, ok := a.Blobs.(*blob.Memory); ok {
		router.Register(r, []router.Route{{Method: http.MethodGet, Path: "/blobs/*key", Handler: serveMemoryBlob(mem)}})
	}
	return srv, nil
}

// Serve runs the public server and, when enabled, the management server
// until ctx is cancelled.
func (a *App) Serve(ctx context.Context) error {
	public, err := a.PublicServer()
	if err != nil {
		return err
	}
	servers := []*server.Server{public}
	if a.Config.Management.Enabled {
		var exposed server.MetricsHandler
		if a.Config.Observability.MetricsEnabled {
			exposed = a.Metrics
		}
		servers = append(servers, server.NewManagement(
			a.Config.Management, ginrouter.NewRouter(), a.Logger, a.Health, exposed,
			version.Current(a.Config.Service.Name),
		))
	}
	a.Logger.Info("places service starting", "version", version.Current(a.Config.Service.Name).String())
	return server.Run(ctx, servers...)
}

// Worker builds the task worker with every handler registered.
func (a *App) Worker() (*tasks.Worker, error) {
	w, err := a.Tasks.NewWorker(tasks.WithRecorder(a.Metrics))
	if err != nil {
		return nil, err
	}
	if err := w.Register(places.TaskEmbed, places.EmbedHandler(a.Logger)); err != nil {
		return nil, err
	}
	if err := w.Register(users.TaskNewsletter, users.NewsletterHandler(a.Logger, a.Mailer, a.Config.Newsletter.Subject)); err != nil {
		return nil, err
	}
	return w, nil
}

// Migrator returns the schema migrator of the configured database.
func (a *App) Migrator() (migrate.Migrator, error) {
	switch a.Backend.Kind() {
	case config.DatabaseTypePostgres:
		m, err := migrate.NewSQLMigrator(a.Backend.Postgres().DB(), migrate.Files, migrate.Dir)
		if err != nil {
			return nil, err
		}
		return m, nil
	case config.DatabaseTypeMongoDB:
		m, err := migrate.NewMongoMigrator(a.Backend.Mongo())
		if err != nil {
			return nil, err
		}
		return m, nil
	default:
		return nil, errors.New("the memory database has no schema to migrate")
	}
}

func serveMemoryBlob(mem *blob.Memory) router.HandlerFunc {
	return func(c router.Context) error {
		key := strings.TrimPrefix(c.Param("key"), "/")
		if err := security.ValidateObjectKey(key); err != nil {
			return c.String(http.StatusBadRequest, err.Error())
		}
		data, contentType, ok := mem.Get(key)
		if !ok {
			return c.String(http.StatusNotFound, "not found")
		}
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		c.Response().Header().Set("Content-Type", contentType)
		c.Response().WriteHeader(http.StatusOK)
		_, err := c.Response().Write(data)
		return err
	}
}
