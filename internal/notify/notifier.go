// Package notify provides a multi-channel notification system. Notifications
// are dispatched to all registered senders (Telegram, Discord, etc.) and can be
// filtered by event type so operators receive only the alerts they care about.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/quantgrid/flowbot/internal/domain"
)

// Sender is the interface that each notification channel must implement.
type Sender interface {
	// Send delivers a notification with the given title and message body.
	Send(ctx context.Context, title, message string) error
	// Name returns a human-readable identifier for the sender (e.g. "telegram").
	Name() string
}

// Notifier dispatches notifications to one or more Senders. It maintains a set
// of allowed event types; Notify only forwards messages whose event type is in
// the allowed set, while NotifyAll bypasses the filter.
type Notifier struct {
	senders []Sender
	events  map[string]bool // allowed event types
	logger  *slog.Logger

	limiter     domain.RateLimiter
	limitCount  int
	limitWindow time.Duration
}

// NewNotifier creates a Notifier that will deliver to the given senders. Only
// events whose type appears in the events slice will be forwarded by Notify.
// If events is empty, all event types are allowed.
func NewNotifier(senders []Sender, events []string, logger *slog.Logger) *Notifier {
	allowed := make(map[string]bool, len(events))
	for _, e := range events {
		allowed[strings.TrimSpace(e)] = true
	}
	return &Notifier{
		senders: senders,
		events:  allowed,
		logger:  logger.With(slog.String("component", "notifier")),
	}
}

// WithRateLimit caps deliveries per sender to limit sends per window, shared
// across process instances through the given limiter. Messages over the cap
// are dropped, not queued.
func (n *Notifier) WithRateLimit(limiter domain.RateLimiter, limit int, window time.Duration) *Notifier {
	n.limiter = limiter
	n.limitCount = limit
	n.limitWindow = window
	return n
}

// Notify sends a notification to all senders only if the event type is in the
// allowed list. If no events were configured (empty list), all events pass.
func (n *Notifier) Notify(ctx context.Context, event, title, message string) error {
	// If specific events were configured, filter.
	if len(n.events) > 0 && !n.events[event] {
		n.logger.DebugContext(ctx, "event filtered out",
			slog.String("event", event),
		)
		return nil
	}

	return n.dispatch(ctx, title, message)
}

// NotifyAll sends a notification to all senders regardless of event type.
func (n *Notifier) NotifyAll(ctx context.Context, title, message string) error {
	return n.dispatch(ctx, title, message)
}

// dispatch delivers to every sender in turn. One sender failing never
// blocks delivery to the rest; failures come back joined into one error.
func (n *Notifier) dispatch(ctx context.Context, title, message string) error {
	var errs []error
	for _, s := range n.senders {
		if !n.allowSend(ctx, s.Name()) {
			continue
		}

		if err := s.Send(ctx, title, message); err != nil {
			n.logger.ErrorContext(ctx, "sender failed",
				slog.String("sender", s.Name()),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
			continue
		}

		n.logger.DebugContext(ctx, "notification sent",
			slog.String("sender", s.Name()),
			slog.String("title", title),
		)
	}
	return errors.Join(errs...)
}

// allowSend consults the shared rate limiter for one sender. Limiter errors
// fail open so infrastructure trouble never silences alerts.
func (n *Notifier) allowSend(ctx context.Context, sender string) bool {
	if n.limiter == nil {
		return true
	}

	allowed, err := n.limiter.Allow(ctx, "notify:"+sender, n.limitCount, n.limitWindow)
	if err != nil {
		n.logger.WarnContext(ctx, "rate limiter check failed",
			slog.String("sender", sender),
			slog.String("error", err.Error()),
		)
		return true
	}
	if !allowed {
		n.logger.DebugContext(ctx, "notification rate limited",
			slog.String("sender", sender),
		)
	}
	return allowed
}
