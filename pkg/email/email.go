// Package email delivers outgoing mail through a configurable provider.
package email

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"
)

// Sender delivers one message.
type Sender interface {
	Send(ctx context.Context, msg Message) error
	Close() error
}

// Message is the provider-neutral mail payload.
type Message struct {
	From     string
	To       []string
	Subject  string
	TextBody string
	HTMLBody string
}

// prepare trims the message, drops duplicate recipients and fills From
// with fallback when it is empty.
func (m Message) prepare(fallback string) (Message, error) {
	m.From = strings.TrimSpace(m.From)
	if m.From == "" {
		m.From = strings.TrimSpace(fallback)
	}
	m.Subject = strings.TrimSpace(m.Subject)

	seen := make(map[string]struct{}, len(m.To))
	to := make([]string, 0, len(m.To))
	for _, addr := range m.To {
		addr = strings.TrimSpace(addr)
		key := strings.ToLower(addr)
		if _, dup := seen[key]; dup || addr == "" {
			continue
		}
		seen[key] = struct{}{}
		to = append(to, addr)
	}
	m.To = to

	switch {
	case m.From == "":
		return Message{}, errors.New("email: sender is required")
	case len(m.To) == 0:
		return Message{}, errors.New("email: at least one recipient is required")
	case m.Subject == "":
		return Message{}, errors.New("email: subject is required")
	case strings.TrimSpace(m.TextBody) == "" && strings.TrimSpace(m.HTMLBody) == "":
		return Message{}, errors.New("email: text or html body is required")
	}
	return m, nil
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

func httpClient(client *http.Client, timeout time.Duration) *http.Client {
	if client != nil {
		return client
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &http.Client{Timeout: timeout}
}
