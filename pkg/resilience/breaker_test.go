package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

var errProvider = errors.New("provider down")

func failing(context.Context) error { return errProvider }
func passing(context.Context) error { return nil }

type fakeClock struct{ t time.Time }

func (c *fakeClock) now() time.Time          { return c.t }
func (c *fakeClock) advance(d time.Duration) { c.t = c.t.Add(d) }
func newTestBreaker(maxFailures int, cooldown time.Duration) (*Breaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	b := NewBreaker(maxFailures, cooldown)
	b.now = clock.now
	return b, clock
}

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := b.Execute(ctx, failing); !errors.Is(err, errProvider) {
			t.Fatalf("call %d: err = %v", i, err)
		}
	}
	if b.State() != StateOpen {
		t.Fatalf("state = %s, want open", b.State())
	}

	called := false
	err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("open breaker let call through: err=%v called=%v", err, called)
	}
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	b, _ := newTestBreaker(2, time.Minute)
	ctx := context.Background()
	_ = b.Execute(ctx, failing)
	_ = b.Execute(ctx, passing)
	_ = b.Execute(ctx, failing)
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestBreaker_HalfOpenTrial(t *testing.T) {
	b, clock := newTestBreaker(1, time.Minute)
	ctx := context.Background()

	_ = b.Execute(ctx, failing)
	clock.advance(time.Minute)
	if err := b.Execute(ctx, failing); !errors.Is(err, errProvider) {
		t.Fatalf("trial err = %v", err)
	}
	if b.State() != StateOpen {
		t.Fatalf("failed trial: state = %s, want open", b.State())
	}

	clock.advance(time.Minute)
	if err := b.Execute(ctx, passing); err != nil {
		t.Fatalf("trial err = %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("passed trial: state = %s, want closed", b.State())
	}
}

func TestBreaker_CanceledContextIsNotAFailure(t *testing.T) {
	b, _ := newTestBreaker(1, time.Minute)
	err := b.Execute(context.Background(), func(context.Context) error { return context.Canceled })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if b.State() != StateClosed {
		t.Fatalf("state = %s, want closed", b.State())
	}
}

func TestBreaker_NeverCallsThroughWhileCoolingDown(t *testing.T) {
	properties := gopter.NewProperties(nil)

	properties.Property("calls inside the cool-down are rejected", prop.ForAll(
		func(maxFailures int, waitMillis int64) bool {
			cooldown := time.Second
			b, clock := newTestBreaker(maxFailures, cooldown)
			ctx := context.Background()
			for i := 0; i < maxFailures; i++ {
				_ = b.Execute(ctx, failing)
			}
			clock.advance(time.Duration(waitMillis) * time.Millisecond)

			called := false
			err := b.Execute(ctx, func(context.Context) error { called = true; return nil })
			if time.Duration(waitMillis)*time.Millisecond < cooldown {
				return errors.Is(err, ErrOpen) && !called
			}
			return err == nil && called && b.State() == StateClosed
		},
		gen.IntRange(1, 10),
		gen.Int64Range(0, 2000),
	))

	properties.TestingRun(t)
}
