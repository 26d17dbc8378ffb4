package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/nimburion/places/pkg/observability/logger"
)

const (
	defaultRedisOperationTimeout = 5 * time.Second
	defaultRedisTransferBatch    = 100
)

var (
	// KEYS: ready, delayed, inflight (zset token -> expiry ms), leases (hash token -> payload)
	// ARGV: now ms, lease ms, token, batch
	redisReserveScript = redis.NewScript(`
local ready, delayed, inflight, leases = KEYS[1], KEYS[2], KEYS[3], KEYS[4]
local nowMs = tonumber(ARGV[1])
local leaseMs = tonumber(ARGV[2])
local token = ARGV[3]
local batch = tonumber(ARGV[4])

local expired = redis.call("ZRANGEBYSCORE", inflight, "-inf", nowMs, "LIMIT", 0, batch)
for _, t in ipairs(expired) do
  local p = redis.call("HGET", leases, t)
  if p then
    redis.call("RPUSH", ready, p)
  end
  redis.call("HDEL", leases, t)
  redis.call("ZREM", inflight, t)
end

local due = redis.call("ZRANGEBYSCORE", delayed, "-inf", nowMs, "LIMIT", 0, batch)
for _, p in ipairs(due) do
  redis.call("RPUSH", ready, p)
  redis.call("ZREM", delayed, p)
end

local payload = redis.call("LPOP", ready)
if not payload then
  return false
end
redis.call("HSET", leases, token, payload)
redis.call("ZADD", inflight, nowMs + leaseMs, token)
return payload
`)

	// KEYS: inflight, leases, target (list or zset)
	// ARGV: token, mode ("ack", "ready", "delayed", "dead"), payload, score
	redisSettleScript = redis.NewScript(`
local inflight, leases, target = KEYS[1], KEYS[2], KEYS[3]
local token, mode = ARGV[1], ARGV[2]
if redis.call("HDEL", leases, token) == 0 then
  return 0
end
redis.call("ZREM", inflight, token)
if mode == "ready" or mode == "dead" then
  redis.call("RPUSH", target, ARGV[3])
elseif mode == "delayed" then
  redis.call("ZADD", target, tonumber(ARGV[4]), ARGV[3])
end
return 1
`)
)

// RedisConfig configures the Redis backend.
type RedisConfig struct {
	// Queue prefixes every key, e.g. "places:tasks".
	Queue            string
	OperationTimeout time.Duration
	TransferBatch    int
}

// RedisBackend implements Backend with a ready list, a delayed zset, an
// inflight zset of lease expiries and a hash of leased payloads.
type RedisBackend struct {
	client redis.UniversalClient
	log    logger.Logger
	config RedisConfig

	mu     sync.RWMutex
	closed bool
}

var _ Backend = (*RedisBackend)(nil)

// NewRedisBackend uses an already connected client; the caller owns it.
func NewRedisBackend(client redis.UniversalClient, cfg RedisConfig, log logger.Logger) (*RedisBackend, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if strings.TrimSpace(cfg.Queue) == "" {
		cfg.Queue = "places:tasks"
	}
	if cfg.OperationTimeout <= 0 {
		cfg.OperationTimeout = defaultRedisOperationTimeout
	}
	if cfg.TransferBatch <= 0 {
		cfg.TransferBatch = defaultRedisTransferBatch
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &RedisBackend{client: client, log: log, config: cfg}, nil
}

func (b *RedisBackend) key(part string) string { return b.config.Queue + ":" + part }

// Push appends task to the ready list, or the delayed set when RunAt is ahead.
func (b *RedisBackend) Push(ctx context.Context, task *Task) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if err := task.Validate(); err != nil {
		return err
	}
	encoded, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}

	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	if task.RunAt.After(time.Now()) {
		err = b.client.ZAdd(opCtx, b.key("delayed"), redis.Z{
			Score:  float64(task.RunAt.UnixMilli()),
			Member: string(encoded),
		}).Err()
	} else {
		err = b.client.RPush(opCtx, b.key("ready"), string(encoded)).Err()
	}
	if err != nil {
		return fmt.Errorf("push task %s: %w", task.Name, err)
	}
	return nil
}

// Reserve leases the next ready task, or returns ErrEmpty.
func (b *RedisBackend) Reserve(ctx context.Context, leaseFor time.Duration) (*Task, *Lease, error) {
	if err := b.ensureOpen(); err != nil {
		return nil, nil, err
	}
	if leaseFor <= 0 {
		leaseFor = DefaultLeaseTTL
	}
	token := uuid.NewString()
	now := time.Now()

	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	raw, err := redisReserveScript.Run(opCtx, b.client,
		[]string{b.key("ready"), b.key("delayed"), b.key("inflight"), b.key("leases")},
		now.UnixMilli(), leaseFor.Milliseconds(), token, b.config.TransferBatch,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil, ErrEmpty
	}
	if err != nil {
		return nil, nil, fmt.Errorf("reserve task: %w", err)
	}

	lease := &Lease{Token: token, ExpireAt: now.Add(leaseFor)}
	var task Task
	if err := json.Unmarshal([]byte(raw), &task); err != nil {
		b.log.Warn("discarding malformed task", "error", err)
		_ = b.settle(ctx, lease, "ack", "", nil, 0)
		return nil, nil, ErrEmpty
	}
	return &task, lease, nil
}

func (b *RedisBackend) Ack(ctx context.Context, lease *Lease) error {
	return b.settle(ctx, lease, "ack", "", nil, 0)
}

func (b *RedisBackend) Nack(ctx context.Context, lease *Lease, task *Task, runAt time.Time) error {
	next := *task
	next.RunAt = runAt
	if runAt.After(time.Now()) {
		return b.settle(ctx, lease, "delayed", b.key("delayed"), &next, float64(runAt.UnixMilli()))
	}
	return b.settle(ctx, lease, "ready", b.key("ready"), &next, 0)
}

func (b *RedisBackend) Bury(ctx context.Context, lease *Lease, task *Task) error {
	return b.settle(ctx, lease, "dead", b.key("dead"), task, 0)
}

func (b *RedisBackend) settle(ctx context.Context, lease *Lease, mode, target string, task *Task, score float64) error {
	if err := b.ensureOpen(); err != nil {
		return err
	}
	if lease == nil || lease.Token == "" {
		return ErrLeaseLost
	}
	payload := ""
	if task != nil {
		encoded, err := json.Marshal(task)
		if err != nil {
			return fmt.Errorf("encode task: %w", err)
		}
		payload = string(encoded)
	}
	if target == "" {
		target = b.key("dead")
	}

	opCtx, cancel := b.operationContext(ctx)
	defer cancel()
	n, err := redisSettleScript.Run(opCtx, b.client,
		[]string{b.key("inflight"), b.key("leases"), target},
		lease.Token, mode, payload, score,
	).Int()
	if err != nil {
		return fmt.Errorf("%s task: %w", mode, err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (b *RedisBackend) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := b.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("task queue health check failed: %w", err)
	}
	return nil
}

// Close marks the backend closed; the shared client is closed by its owner.
func (b *RedisBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *RedisBackend) ensureOpen() error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	return nil
}

func (b *RedisBackend) operationContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, b.config.OperationTimeout)
}
