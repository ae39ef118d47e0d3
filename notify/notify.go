// Package notify decides, per subscriber and fingerprint, whether an observation is a
// genuine open transition worth an alert.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slotwatch/pkg/slotwatch"
	"sync"
	"time"
)

// Decision reasons.
const (
	ReasonOpened       = "opened"
	ReasonChanged      = "changed"
	ReasonBaseline     = "baseline"
	ReasonNoTransition = "no_transition"
	ReasonCooldown     = "cooldown"
	ReasonDuplicate    = "duplicate"
	ReasonSilent       = "silent"
	ReasonError        = "error"
)

// Recorder receives notifier decisions for metrics.
type Recorder interface {
	NotifyDecided(reason string)
}

// Decision is the result of evaluating one observation for one subscriber.
type Decision struct {
	Reason   string
	Previous slotwatch.State
	Current  slotwatch.State
	Notify   bool
	Reopened bool // Closed to Open
}

// Config configures a Notifier.
type Config struct {
	Store    StateStore
	Clock    slotwatch.Clock
	Metrics  Recorder
	Logger   *slog.Logger
	Cooldown time.Duration // Per (subscriber, fingerprint) after an alert
}

// Notifier evaluates observations against stored notification state.
type Notifier struct {
	store    StateStore
	clock    slotwatch.Clock
	metrics  Recorder
	logger   *slog.Logger
	locks    keyLocks
	cooldown time.Duration
}

// New creates a Notifier.
func New(cfg Config) *Notifier {
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Clock == nil {
		cfg.Clock = slotwatch.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = time.Hour
	}
	return &Notifier{
		store:    cfg.Store,
		clock:    cfg.Clock,
		metrics:  cfg.Metrics,
		logger:   cfg.Logger,
		locks:    keyLocks{locks: make(map[string]*keyLock)},
		cooldown: cfg.Cooldown,
	}
}

// Key is the notification state key for a subscriber and fingerprint.
func Key(subscriptionID string, fp slotwatch.Fingerprint) string {
	return subscriptionID + "|" + fp.String()
}

// Evaluate decides whether out should be sent to sub. Evaluations for the same key are
// serialized so one transition can only produce one alert. Error outcomes leave the
// stored state untouched.
func (n *Notifier) Evaluate(ctx context.Context, sub *slotwatch.Subscription, out *slotwatch.CheckOutcome) (Decision, error) {
	cur := out.State()
	if cur == slotwatch.StateUnknown {
		n.record(ReasonError)
		return Decision{Reason: ReasonError, Previous: slotwatch.StateUnknown, Current: cur}, nil
	}

	key := Key(sub.ID, out.Fingerprint)
	unlock := n.locks.lock(key)
	defer unlock()

	rec, _, err := n.store.Get(ctx, key)
	if err != nil {
		return Decision{}, fmt.Errorf("load notification state: %w", err)
	}
	prev := rec.State
	if prev == "" {
		prev = slotwatch.StateUnknown
	}

	now := n.clock.Now()
	hash := out.ContentHash()
	d := Decision{
		Previous: prev,
		Current:  cur,
		Reopened: prev == slotwatch.StateClosed && cur == slotwatch.StateOpen,
	}

	switch sub.Policy {
	case slotwatch.PolicySilent:
		d.Reason = ReasonSilent
	case slotwatch.PolicyAnyChange:
		switch {
		case hash == rec.NotifiedHash:
			d.Reason = ReasonDuplicate
		case prev == slotwatch.StateUnknown && cur == slotwatch.StateClosed:
			d.Reason = ReasonBaseline
		case prev != slotwatch.StateUnknown && hash == rec.ObservedHash:
			d.Reason = ReasonNoTransition
		default:
			d.Reason, d.Notify = ReasonChanged, true
		}
	default:
		switch {
		case prev == slotwatch.StateUnknown:
			d.Reason = ReasonBaseline
		case !d.Reopened:
			d.Reason = ReasonNoTransition
		case rec.CooldownUntil.After(now):
			d.Reason = ReasonCooldown
		case hash == rec.NotifiedHash:
			d.Reason = ReasonDuplicate
		default:
			d.Reason, d.Notify = ReasonOpened, true
		}
	}

	if d.Notify {
		rec.NotifiedHash = hash
		rec.NotifiedAt = now
		rec.CooldownUntil = now.Add(n.cooldown)
	}
	rec.State = cur
	rec.ObservedHash = hash
	rec.ObservedAt = now

	if err := n.store.Put(ctx, key, rec); err != nil {
		return Decision{}, fmt.Errorf("save notification state: %w", err)
	}

	n.record(d.Reason)
	n.logger.Debug("Notification evaluated",
		"subscription_id", sub.ID,
		"fingerprint", out.Fingerprint.String(),
		"previous", prev,
		"current", cur,
		"reason", d.Reason,
		"notify", d.Notify)
	return d, nil
}

func (n *Notifier) record(reason string) {
	if n.metrics != nil {
		n.metrics.NotifyDecided(reason)
	}
}

// keyLocks hands out one mutex per key and forgets it once nobody holds it.
type keyLocks struct {
	locks map[string]*keyLock
	mu    sync.Mutex
}

type keyLock struct {
	mu   sync.Mutex
	refs int
}

func (k *keyLocks) lock(key string) func() {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &keyLock{}
		k.locks[key] = l
	}
	l.refs++
	k.mu.Unlock()

	l.mu.Lock()
	return func() {
		l.mu.Unlock()
		k.mu.Lock()
		l.refs--
		if l.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
