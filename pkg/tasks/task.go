// Package tasks runs background work out of the request path with
// at-least-once delivery: a reserved task stays leased until it is acked,
// and an expired lease puts it back on the queue.
package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nimburion/places/pkg/observability/tracing"
)

var (
	// ErrEmpty is returned by Reserve when no task is ready.
	ErrEmpty = errors.New("tasks: queue is empty")
	// ErrLeaseLost means the lease expired or was already settled.
	ErrLeaseLost = errors.New("tasks: lease lost")
	// ErrClosed is returned by operations on a closed backend.
	ErrClosed = errors.New("tasks: backend closed")
)

// DefaultLeaseTTL is used when Reserve is not given a lease duration.
const DefaultLeaseTTL = 30 * time.Second

// Task is one unit of background work.
type Task struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Payload     json.RawMessage `json:"payload"`
	Attempt     int             `json:"attempt"`
	MaxAttempts int             `json:"max_attempts,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	RunAt       time.Time       `json:"run_at"`
	LastError   string          `json:"last_error,omitempty"`
	// Trace carries the enqueuing request's trace context.
	Trace map[string]string `json:"trace,omitempty"`
}

// Validate checks the fields every backend relies on.
func (t *Task) Validate() error {
	if t == nil {
		return errors.New("task is nil")
	}
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id is required")
	}
	if strings.TrimSpace(t.Name) == "" {
		return errors.New("task name is required")
	}
	return nil
}

// Decode unmarshals the payload into v.
func (t *Task) Decode(v any) error {
	if err := json.Unmarshal(t.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", t.Name, err)
	}
	return nil
}

// Lease is temporary ownership of a reserved task.
type Lease struct {
	Token    string
	ExpireAt time.Time
}

// Backend stores tasks with reserve/ack/nack semantics.
type Backend interface {
	Push(ctx context.Context, task *Task) error
	Reserve(ctx context.Context, leaseFor time.Duration) (*Task, *Lease, error)
	Ack(ctx context.Context, lease *Lease) error
	// Nack returns the leased task to the queue to run again at runAt.
	Nack(ctx context.Context, lease *Lease, task *Task, runAt time.Time) error
	// Bury moves the leased task to the dead list.
	Bury(ctx context.Context, lease *Lease, task *Task) error
	HealthCheck(ctx context.Context) error
	Close() error
}

// Enqueuer is what producers depend on.
type Enqueuer interface {
	Enqueue(ctx context.Context, name string, payload any) error
}

// Queue is the producer side of a Backend.
type Queue struct {
	backend     Backend
	maxAttempts int
	now         func() time.Time
}

var _ Enqueuer = (*Queue)(nil)

// NewQueue wraps backend. maxAttempts <= 0 leaves retries to the worker default.
func NewQueue(backend Backend, maxAttempts int) *Queue {
	return &Queue{backend: backend, maxAttempts: maxAttempts, now: time.Now}
}

// Enqueue encodes payload as JSON and pushes a task ready to run now.
func (q *Queue) Enqueue(ctx context.Context, name string, payload any) (err error) {
	ctx, span := tracing.StartTaskSpan(ctx, name, "publish", 0)
	defer func() { tracing.End(span, err) }()

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", name, err)
	}
	now := q.now().UTC()
	task := &Task{
		ID:          uuid.NewString(),
		Name:        name,
		Payload:     raw,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   now,
		RunAt:       now,
		Trace:       map[string]string{},
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.MapCarrier(task.Trace))
	if err := task.Validate(); err != nil {
		return err
	}
	return q.backend.Push(ctx, task)
}
