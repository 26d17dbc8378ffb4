package tasks

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend keeps tasks in process. Leases expire like the Redis
// backend's so tests can exercise redelivery.
type MemoryBackend struct {
	mu       sync.Mutex
	now      func() time.Time
	ready    []*Task
	delayed  []*Task
	inflight map[string]leased
	dead     []*Task
	closed   bool
}

type leased struct {
	task     *Task
	expireAt time.Time
}

var _ Backend = (*MemoryBackend)(nil)

// NewMemoryBackend creates an empty backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{now: time.Now, inflight: map[string]leased{}}
}

func (b *MemoryBackend) Push(_ context.Context, task *Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.schedule(cloneTask(task))
	return nil
}

func (b *MemoryBackend) schedule(task *Task) {
	if task.RunAt.After(b.now()) {
		b.delayed = append(b.delayed, task)
		return
	}
	b.ready = append(b.ready, task)
}

func (b *MemoryBackend) Reserve(_ context.Context, leaseFor time.Duration) (*Task, *Lease, error) {
	if leaseFor <= 0 {
		leaseFor = DefaultLeaseTTL
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, ErrClosed
	}
	now := b.now()

	for token, l := range b.inflight {
		if !l.expireAt.After(now) {
			b.ready = append(b.ready, l.task)
			delete(b.inflight, token)
		}
	}
	sort.SliceStable(b.delayed, func(i, j int) bool { return b.delayed[i].RunAt.Before(b.delayed[j].RunAt) })
	for len(b.delayed) > 0 && !b.delayed[0].RunAt.After(now) {
		b.ready = append(b.ready, b.delayed[0])
		b.delayed = b.delayed[1:]
	}
	if len(b.ready) == 0 {
		return nil, nil, ErrEmpty
	}

	task := b.ready[0]
	b.ready = b.ready[1:]
	lease := &Lease{Token: uuid.NewString(), ExpireAt: now.Add(leaseFor)}
	b.inflight[lease.Token] = leased{task: task, expireAt: lease.ExpireAt}
	return cloneTask(task), lease, nil
}

func (b *MemoryBackend) Ack(_ context.Context, lease *Lease) error {
	_, err := b.settle(lease)
	return err
}

func (b *MemoryBackend) Nack(_ context.Context, lease *Lease, task *Task, runAt time.Time) error {
	if _, err := b.settle(lease); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	next := cloneTask(task)
	next.RunAt = runAt
	b.schedule(next)
	return nil
}

func (b *MemoryBackend) Bury(_ context.Context, lease *Lease, task *Task) error {
	if _, err := b.settle(lease); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dead = append(b.dead, cloneTask(task))
	return nil
}

func (b *MemoryBackend) settle(lease *Lease) (*Task, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if lease == nil {
		return nil, ErrLeaseLost
	}
	l, ok := b.inflight[lease.Token]
	if !ok {
		return nil, ErrLeaseLost
	}
	delete(b.inflight, lease.Token)
	return l.task, nil
}

// Dead returns the buried tasks.
func (b *MemoryBackend) Dead() []*Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Task, len(b.dead))
	copy(out, b.dead)
	return out
}

// Pending counts tasks not yet settled.
func (b *MemoryBackend) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ready) + len(b.delayed) + len(b.inflight)
}

func (b *MemoryBackend) HealthCheck(context.Context) error { return nil }

func (b *MemoryBackend) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func cloneTask(t *Task) *Task {
	c := *t
	c.Payload = append([]byte(nil), t.Payload...)
	return &c
}
