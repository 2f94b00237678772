// Package notify fans mitigation notifications out to delivery channels,
// routed by severity.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/riskflow-io/riskflow/pkg/domain"
)

// Channel delivers one notification to one destination.
type Channel interface {
	Name() string
	Send(ctx context.Context, n domain.Notification) error
}

// Router selects channels by notification severity and fans out.
type Router struct {
	mu       sync.RWMutex
	channels map[string]Channel
	routes   map[string][]string
	fallback []string
	logger   *slog.Logger
}

// NewRouter creates an empty Router.
func NewRouter() *Router {
	return &Router{
		channels: make(map[string]Channel),
		routes:   make(map[string][]string),
		logger:   slog.Default().With("component", "notify-router"),
	}
}

// RegisterChannel adds a delivery channel. Later registrations with the
// same name replace earlier ones.
func (r *Router) RegisterChannel(c Channel) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.channels[c.Name()] = c
}

// SetRoute maps a severity to the channels that should receive it.
func (r *Router) SetRoute(severity string, channelNames ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.routes[strings.ToUpper(severity)] = channelNames
}

// SetFallback names the channels used when a severity has no explicit route.
func (r *Router) SetFallback(channelNames ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = channelNames
}

// Channels lists the registered channel names, sorted.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.channels))
	for name := range r.channels {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch sends the notification to every routed channel. Each delivery
// carries the channel's name in its record. Per-channel failures are
// collected; one failing channel does not stop the others.
func (r *Router) Dispatch(ctx context.Context, n domain.Notification) error {
	r.mu.RLock()
	names, ok := r.routes[strings.ToUpper(n.Severity)]
	if !ok {
		names = r.fallback
	}
	targets := make([]Channel, 0, len(names))
	for _, name := range names {
		if c, registered := r.channels[name]; registered {
			targets = append(targets, c)
		} else {
			r.logger.Warn("Route names unregistered channel", "channel", name, "severity", n.Severity)
		}
	}
	r.mu.RUnlock()

	if len(targets) == 0 {
		r.logger.Warn("No channels routed for notification",
			"notification_id", n.NotificationID, "severity", n.Severity)
		return nil
	}

	var errs []error
	for _, c := range targets {
		delivery := n
		delivery.Channel = c.Name()
		if err := c.Send(ctx, delivery); err != nil {
			r.logger.Error("Notification delivery failed",
				"notification_id", n.NotificationID, "channel", c.Name(), "error", err)
			errs = append(errs, fmt.Errorf("channel %s: %w", c.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogChannel writes notifications to the structured log. It is the default
// channel and the safety net when no external channel is configured.
type LogChannel struct {
	logger *slog.Logger
}

// NewLogChannel creates a LogChannel.
func NewLogChannel() *LogChannel {
	return &LogChannel{logger: slog.Default().With("component", "notify-log")}
}

func (c *LogChannel) Name() string { return "log" }

func (c *LogChannel) Send(ctx context.Context, n domain.Notification) error {
	c.logger.Info("NOTIFICATION",
		"notification_id", n.NotificationID, "event_id", n.EventID,
		"plan_id", n.PlanID, "severity", n.Severity, "subject", n.Subject)
	return nil
}
