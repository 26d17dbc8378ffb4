package email

import (
	"context"

	"github.com/nimburion/places/pkg/resilience"
)

type guardedSender struct {
	Sender
	breaker *resilience.Breaker
}

// WithBreaker routes every Send through b so a failing relay is skipped
// until its cool-down elapses. Rejected sends return resilience.ErrOpen.
func WithBreaker(s Sender, b *resilience.Breaker) Sender {
	if b == nil {
		return s
	}
	return &guardedSender{Sender: s, breaker: b}
}

func (g *guardedSender) Send(ctx context.Context, msg Message) error {
	return g.breaker.Execute(ctx, func(ctx context.Context) error {
		return g.Sender.Send(ctx, msg)
	})
}
