package tasks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/nimburion/places/pkg/observability/logger"
	"github.com/nimburion/places/pkg/observability/tracing"
)

const (
	DefaultWorkerMaxAttempts    = 5
	DefaultWorkerInitialBackoff = time.Second
	DefaultWorkerMaxBackoff     = time.Minute
	DefaultWorkerPollInterval   = time.Second
	DefaultWorkerAttemptTimeout = 30 * time.Second
)

// Handler processes one task. A returned error schedules a retry.
type Handler func(ctx context.Context, task *Task) error

// Recorder receives one observation per settled task.
type Recorder interface {
	ObserveTask(task, outcome string)
}

// WorkerConfig configures the worker loop.
type WorkerConfig struct {
	Concurrency    int
	PollInterval   time.Duration
	LeaseTTL       time.Duration
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	AttemptTimeout time.Duration
}

func (c *WorkerConfig) normalize() {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultWorkerPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultWorkerMaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = DefaultWorkerInitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = DefaultWorkerMaxBackoff
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = DefaultWorkerAttemptTimeout
	}
	// A handler must not outlive its lease or another worker picks the task up.
	if c.AttemptTimeout > c.LeaseTTL {
		c.AttemptTimeout = c.LeaseTTL
	}
}

// Worker pulls tasks from a Backend and dispatches them by name.
type Worker struct {
	backend  Backend
	log      logger.Logger
	config   WorkerConfig
	recorder Recorder
	now      func() time.Time

	mu       sync.RWMutex
	handlers map[string]Handler
}

// WorkerOption customizes a Worker.
type WorkerOption func(*Worker)

// WithRecorder reports task outcomes to r.
func WithRecorder(r Recorder) WorkerOption {
	return func(w *Worker) { w.recorder = r }
}

// NewWorker creates a worker over backend.
func NewWorker(backend Backend, log logger.Logger, cfg WorkerConfig, opts ...WorkerOption) (*Worker, error) {
	if backend == nil {
		return nil, errors.New("backend is required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	cfg.normalize()
	w := &Worker{
		backend:  backend,
		log:      log,
		config:   cfg,
		now:      time.Now,
		handlers: map[string]Handler{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Register binds handler to a task name.
func (w *Worker) Register(name string, handler Handler) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("task name is required")
	}
	if handler == nil {
		return errors.New("handler is required")
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers[name] = handler
	return nil
}

// Run blocks until ctx is cancelled and all loops have returned.
func (w *Worker) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < w.config.Concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.loop(ctx)
		}()
	}
	w.log.Info("task worker started", "concurrency", w.config.Concurrency)
	wg.Wait()
	w.log.Info("task worker stopped")
	return nil
}

func (w *Worker) loop(ctx context.Context) {
	for ctx.Err() == nil {
		processed, err := w.ProcessOne(ctx)
		if err != nil && ctx.Err() == nil {
			w.log.Warn("task processing failed", "error", err)
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(w.config.PollInterval):
		}
	}
}

// ProcessOne reserves and handles at most one task. It reports false when
// the queue was empty or the reserve failed.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	task, lease, err := w.backend.Reserve(ctx, w.config.LeaseTTL)
	if errors.Is(err, ErrEmpty) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("reserve: %w", err)
	}

	log := w.log.With("task_id", task.ID, "task", task.Name, "attempt", task.Attempt+1)
	handler, ok := w.lookup(task.Name)
	var runErr error
	if !ok {
		runErr = fmt.Errorf("no handler registered for task %q", task.Name)
	} else {
		runErr = w.execute(ctx, task, handler)
	}

	if runErr == nil {
		if err := w.backend.Ack(ctx, lease); err != nil {
			return true, fmt.Errorf("ack %s: %w", task.Name, err)
		}
		w.observe(task.Name, "success")
		log.Debug("task done")
		return true, nil
	}
	return true, w.fail(ctx, log, task, lease, runErr)
}

func (w *Worker) execute(ctx context.Context, task *Task, handler Handler) (err error) {
	if len(task.Trace) > 0 {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.MapCarrier(task.Trace))
	}
	ctx, span := tracing.StartTaskSpan(ctx, task.Name, "process", task.Attempt+1)
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic while handling task: %v; stack=%s", rec, string(debug.Stack()))
		}
		tracing.End(span, err)
	}()
	runCtx, cancel := context.WithTimeout(ctx, w.config.AttemptTimeout)
	defer cancel()
	return handler(runCtx, task)
}

func (w *Worker) fail(ctx context.Context, log logger.Logger, task *Task, lease *Lease, failure error) error {
	maxAttempts := w.config.MaxAttempts
	if task.MaxAttempts > 0 {
		maxAttempts = task.MaxAttempts
	}
	task.Attempt++
	task.LastError = failure.Error()

	if task.Attempt < maxAttempts {
		delay := backoff(task.Attempt, w.config.InitialBackoff, w.config.MaxBackoff)
		if err := w.backend.Nack(ctx, lease, task, w.now().UTC().Add(delay)); err != nil {
			return fmt.Errorf("nack %s: %w", task.Name, err)
		}
		w.observe(task.Name, "retry")
		log.Warn("task failed, retrying", "error", failure, "retry_in", delay)
		return nil
	}

	if err := w.backend.Bury(ctx, lease, task); err != nil {
		return fmt.Errorf("bury %s: %w", task.Name, err)
	}
	w.observe(task.Name, "dead")
	log.Error("task failed permanently", "error", failure, "attempts", task.Attempt)
	return nil
}

func (w *Worker) lookup(name string) (Handler, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	h, ok := w.handlers[name]
	return h, ok
}

func (w *Worker) observe(task, outcome string) {
	if w.recorder != nil {
		w.recorder.ObserveTask(task, outcome)
	}
}

// backoff doubles from initial per attempt, capped at max.
func backoff(attempt int, initial, max time.Duration) time.Duration {
	d := initial
	for i := 1; i < attempt; i++ {
		if d >= max/2 {
			return max
		}
		d *= 2
	}
	if d > max {
		return max
	}
	return d
}
