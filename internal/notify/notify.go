// Package notify is the boundary to whatever transport delivers owner-facing
// messages. Delivery is best-effort and fire-and-forget: callers ignore the
// returned error beyond logging, and a failed send never aborts the
// operation that produced it.
package notify

import (
	"context"
	"log/slog"
)

// Notifier delivers a message to an owner.
// Implementations must be safe for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, ownerID int64, message string) error
}

// Func adapts a plain function to a Notifier.
type Func func(ctx context.Context, ownerID int64, message string) error

func (f Func) Notify(ctx context.Context, ownerID int64, message string) error {
	return f(ctx, ownerID, message)
}

// Slog writes notifications to the diagnostic log. It is the default when no
// external transport is configured.
type Slog struct {
	Logger *slog.Logger
}

func (s Slog) Notify(ctx context.Context, ownerID int64, message string) error {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "notify", "owner_id", ownerID, "message", message)
	return nil
}
