// Package redis owns the Redis connection pool behind the task queue.
package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nimburion/places/pkg/observability/logger"
)

const (
	defaultDialTimeout = 5 * time.Second
	healthCheckTimeout = 2 * time.Second
	clientName         = "places"
)

// Config configures the pool. URL uses the redis:// or rediss:// scheme.
type Config struct {
	URL              string
	MaxConns         int
	OperationTimeout time.Duration
}

// Adapter holds one pooled client. Close is idempotent.
type Adapter struct {
	client *redis.Client
	logger logger.Logger

	once     sync.Once
	closeErr error
}

// NewAdapter dials the server named by cfg.URL and fails unless it answers
// PING.
func NewAdapter(cfg Config, log logger.Logger) (*Adapter, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis URL is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis URL: %w", err)
	}
	applyConfig(opts, cfg)

	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), opts.DialTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis at %s: %w", opts.Addr, err)
	}

	log.Info("redis pool ready", "addr", opts.Addr, "db", opts.DB, "pool_size", opts.PoolSize)
	return &Adapter{client: client, logger: log}, nil
}

func applyConfig(opts *redis.Options, cfg Config) {
	opts.ClientName = clientName
	opts.DialTimeout = defaultDialTimeout
	if cfg.MaxConns > 0 {
		opts.PoolSize = cfg.MaxConns
	}
	if cfg.OperationTimeout > 0 {
		opts.ReadTimeout = cfg.OperationTimeout
		opts.WriteTimeout = cfg.OperationTimeout
	}
}

// Client exposes the pool to the queue backend.
func (a *Adapter) Client() *redis.Client {
	return a.client
}

func (a *Adapter) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	if err := a.client.Ping(ctx).Err(); err != nil {
		stats := a.client.PoolStats()
		a.logger.Error("redis health check failed",
			"error", err,
			"total_conns", stats.TotalConns,
			"timeouts", stats.Timeouts,
		)
		return fmt.Errorf("redis health check: %w", err)
	}
	return nil
}

func (a *Adapter) Close() error {
	a.once.Do(func() {
		if err := a.client.Close(); err != nil {
			a.closeErr = fmt.Errorf("close redis pool: %w", err)
			return
		}
		a.logger.Info("redis pool closed")
	})
	return a.closeErr
}
