package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nimburion/places/pkg/config"
	"github.com/nimburion/places/pkg/observability/logger"
	storeredis "github.com/nimburion/places/pkg/store/redis"
)

// Runtime bundles the configured backend with the producer and worker
// built on top of it.
type Runtime struct {
	Backend Backend

	cfg   config.TasksConfig
	log   logger.Logger
	redis *storeredis.Adapter
}

// Open selects the backend named by cfg.Backend. An empty value means memory.
func Open(cfg config.TasksConfig, log logger.Logger) (*Runtime, error) {
	if log == nil {
		return nil, errors.New("logger is required")
	}
	rt := &Runtime{cfg: cfg, log: log}

	switch strings.ToLower(strings.TrimSpace(cfg.Backend)) {
	case "", config.TasksBackendMemory:
		log.Warn("using in-process task queue; tasks are lost on restart")
		rt.Backend = NewMemoryBackend()
	case config.TasksBackendRedis:
		adapter, err := storeredis.NewAdapter(storeredis.Config{
			URL:              cfg.Redis.URL,
			MaxConns:         cfg.Redis.MaxConns,
			OperationTimeout: cfg.Redis.OperationTimeout,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("open task queue: %w", err)
		}
		backend, err := NewRedisBackend(adapter.Client(), RedisConfig{
			Queue:            cfg.Queue,
			OperationTimeout: cfg.Redis.OperationTimeout,
		}, log)
		if err != nil {
			_ = adapter.Close()
			return nil, err
		}
		rt.Backend = backend
		rt.redis = adapter
	default:
		return nil, fmt.Errorf("unsupported tasks backend %q", cfg.Backend)
	}
	return rt, nil
}

// Queue returns the producer for this runtime.
func (r *Runtime) Queue() *Queue {
	return NewQueue(r.Backend, r.cfg.Worker.MaxAttempts)
}

// NewWorker builds a worker tuned by the runtime's configuration.
func (r *Runtime) NewWorker(opts ...WorkerOption) (*Worker, error) {
	return NewWorker(r.Backend, r.log, WorkerConfig{
		Concurrency:  r.cfg.Worker.Concurrency,
		PollInterval: r.cfg.Worker.PollTimeout,
		LeaseTTL:     r.cfg.Worker.VisibilityTimeout,
		MaxAttempts:  r.cfg.Worker.MaxAttempts,
	}, opts...)
}

func (r *Runtime) HealthCheck(ctx context.Context) error {
	return r.Backend.HealthCheck(ctx)
}

// Close closes the backend and, for Redis, the connection pool.
func (r *Runtime) Close() error {
	err := r.Backend.Close()
	if r.redis != nil {
		err = errors.Join(err, r.redis.Close())
	}
	return err
}
