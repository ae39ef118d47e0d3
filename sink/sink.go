// Package sink routes alerts to the channel a subscriber chose.
package sink

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slotwatch/pkg/slotwatch"
	"sort"
	"sync"
	"time"
)

// ErrNoChannel is returned when no sender is registered for a channel kind.
var ErrNoChannel = errors.New("no sender for channel")

// Sender delivers one alert to one target on a channel.
type Sender interface {
	Send(ctx context.Context, target string, a slotwatch.Alert) error
}

// Recorder receives delivery results for metrics.
type Recorder interface {
	NotificationSent(channel, result string)
}

// Router is the notification sink. Delivery failures are returned to the caller, which
// logs them; the router never retries.
type Router struct {
	senders map[string]Sender
	metrics Recorder
	logger  *slog.Logger
	mu      sync.RWMutex
}

// NewRouter creates an empty Router.
func NewRouter(logger *slog.Logger, metrics Recorder) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{senders: make(map[string]Sender), metrics: metrics, logger: logger}
}

// Register installs s for channel kind, replacing any previous sender.
func (r *Router) Register(kind string, s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senders[kind] = s
}

// Kinds lists registered channel kinds, sorted.
func (r *Router) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.senders))
	for k := range r.senders {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

// Notify sends a to ch.
func (r *Router) Notify(ctx context.Context, ch slotwatch.Channel, a slotwatch.Alert) error {
	r.mu.RLock()
	s, ok := r.senders[ch.Kind]
	r.mu.RUnlock()
	if !ok {
		r.record(ch.Kind, "unrouted")
		return fmt.Errorf("%w %q", ErrNoChannel, ch.Kind)
	}
	if ch.Target == "" {
		r.record(ch.Kind, "unrouted")
		return fmt.Errorf("channel %s has no target", ch.Kind)
	}

	start := time.Now()
	if err := s.Send(ctx, ch.Target, a); err != nil {
		r.record(ch.Kind, "error")
		return fmt.Errorf("send %s alert: %w", ch.Kind, err)
	}
	r.record(ch.Kind, "sent")
	r.logger.Info("Alert delivered",
		"channel", ch.Kind,
		"subscription_id", a.SubscriptionID,
		"date", a.Date,
		"slots", len(a.Slots),
		"duration_ms", time.Since(start).Milliseconds())
	return nil
}

func (r *Router) record(channel, result string) {
	if r.metrics != nil {
		r.metrics.NotificationSent(channel, result)
	}
}
