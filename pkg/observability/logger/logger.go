// Package logger defines the structured logging contract and its zap implementation.
package logger

import (
	"context"
)

// Logger is the structured logging interface used across the service.
// All log methods accept a message followed by key-value pairs.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)

	// With returns a child logger that adds the key-value pairs to every entry.
	With(args ...any) Logger

	// WithContext returns a child logger carrying the request id found in ctx.
	WithContext(ctx context.Context) Logger
}

// Nop discards everything. Useful in tests and for optional collaborators.
type Nop struct{}

// NewNop returns a Logger that discards all entries.
func NewNop() Logger { return Nop{} }

func (Nop) Debug(string, ...any)                 {}
func (Nop) Info(string, ...any)                  {}
func (Nop) Warn(string, ...any)                  {}
func (Nop) Error(string, ...any)                 {}
func (n Nop) With(...any) Logger                 { return n }
func (n Nop) WithContext(context.Context) Logger { return n }
