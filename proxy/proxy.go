// Package proxy keeps the pool of egress endpoints and their reputation.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"slotwatch/pkg/slotwatch"
	"sort"
	"sync"
	"time"
)

// Cooldown thresholds by consecutive failures.
const (
	warnFailures     = 3
	blockFailures    = 5
	banFailures      = 10
	warnCooldown     = 5 * time.Minute
	blockCooldown    = 30 * time.Minute
	banCooldown      = 120 * time.Minute
	feedbackSuccess  = "success"
	feedbackFailure  = "failure"
	feedbackBlocked  = "blocked"
	selectEmergency  = "emergency"
	selectPreferred  = "preferred"
	selectSticky     = "sticky"
	selectAnyHealthy = "any"
)

// Store persists proxy records.
type Store interface {
	ListProxies(ctx context.Context) ([]*slotwatch.ProxyRecord, error)
	SaveProxy(ctx context.Context, rec *slotwatch.ProxyRecord) error
}

// Recorder receives reputation feedback for metrics.
type Recorder interface {
	ProxyFeedback(result string)
	ProxySelected(mode string)
}

// Handle is a leased endpoint. It carries a copy of what an outbound request needs.
type Handle struct {
	URL       *url.URL
	ID        string
	Endpoint  string
	Username  string
	Password  string
	Tag       string
	Emergency bool // Chosen although cooling down
}

type entry struct {
	rec slotwatch.ProxyRecord
	mu  sync.Mutex
}

// Pool selects endpoints and absorbs success/failure feedback.
type Pool struct {
	clock        slotwatch.Clock
	store        Store
	metrics      Recorder
	logger       *slog.Logger
	byID         map[string]*entry
	preferredTag string
	order        []string
	mu           sync.RWMutex // Guards byID and order, not the records themselves
}

// Config configures a Pool.
type Config struct {
	Clock        slotwatch.Clock
	Store        Store
	Metrics      Recorder
	Logger       *slog.Logger
	PreferredTag string
}

// New creates an empty pool. Call Load to populate it.
func New(cfg Config) *Pool {
	if cfg.Clock == nil {
		cfg.Clock = slotwatch.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pool{
		clock:        cfg.Clock,
		store:        cfg.Store,
		metrics:      cfg.Metrics,
		logger:       cfg.Logger,
		preferredTag: cfg.PreferredTag,
		byID:         make(map[string]*entry),
	}
}

// CooldownFor returns the cooldown applied after n consecutive failures.
func CooldownFor(n int) time.Duration {
	switch {
	case n >= banFailures:
		return banCooldown
	case n >= blockFailures:
		return blockCooldown
	case n >= warnFailures:
		return warnCooldown
	default:
		return 0
	}
}

// Load replaces the pool contents with the records in the store.
func (p *Pool) Load(ctx context.Context) error {
	recs, err := p.store.ListProxies(ctx)
	if err != nil {
		return fmt.Errorf("list proxies: %w", err)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.byID = make(map[string]*entry, len(recs))
	p.order = p.order[:0]
	for _, r := range recs {
		p.byID[r.ID] = &entry{rec: *r}
		p.order = append(p.order, r.ID)
	}
	sort.Strings(p.order)
	p.logger.Info("Proxy pool loaded", "count", len(recs), "active", p.activeLocked())
	return nil
}

// Seed saves configured records that the store does not know yet, then reloads.
func (p *Pool) Seed(ctx context.Context, recs []*slotwatch.ProxyRecord) error {
	existing, err := p.store.ListProxies(ctx)
	if err != nil {
		return fmt.Errorf("list proxies: %w", err)
	}
	known := make(map[string]bool, len(existing))
	for _, r := range existing {
		known[r.ID] = true
	}
	var added int
	for _, r := range recs {
		if known[r.ID] {
			continue
		}
		if err := p.store.SaveProxy(ctx, r); err != nil {
			return fmt.Errorf("seed proxy %s: %w", r.ID, err)
		}
		added++
	}
	if added > 0 {
		p.logger.Info("Seeded proxies", "added", added)
	}
	return p.Load(ctx)
}

// Active returns the number of active endpoints.
func (p *Pool) Active() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.activeLocked()
}

func (p *Pool) activeLocked() int {
	var n int
	for _, e := range p.byID {
		e.mu.Lock()
		if e.rec.Active {
			n++
		}
		e.mu.Unlock()
	}
	return n
}

// Snapshot returns copies of every record, ordered by id.
func (p *Pool) Snapshot() []slotwatch.ProxyRecord {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]slotwatch.ProxyRecord, 0, len(p.order))
	for _, id := range p.order {
		e := p.byID[id]
		e.mu.Lock()
		out = append(out, copyRecord(&e.rec))
		e.mu.Unlock()
	}
	return out
}

// Acquire selects an endpoint. sticky, when non-empty, is preferred while it is eligible.
// Order: sticky, least recently used with the preferred tag, least recently used of any tag,
// and finally the active endpoint whose cooldown expires soonest.
func (p *Pool) Acquire(ctx context.Context, sticky string) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	now := p.clock.Now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	var preferred, healthy, emergency *entry
	var preferredUsed, healthyUsed, emergencyUntil time.Time

	if e, ok := p.byID[sticky]; ok && sticky != "" {
		e.mu.Lock()
		eligible := e.rec.Active && !e.rec.CoolingAt(now)
		if eligible {
			e.rec.LastUsed = now
			h := handleFor(&e.rec, false)
			e.mu.Unlock()
			p.selected(selectSticky)
			return h, nil
		}
		e.mu.Unlock()
	}

	for _, id := range p.order {
		e := p.byID[id]
		e.mu.Lock()
		rec := e.rec
		e.mu.Unlock()
		if !rec.Active {
			continue
		}
		if rec.CoolingAt(now) {
			if emergency == nil || rec.CooldownUntil.Before(emergencyUntil) {
				emergency, emergencyUntil = e, *rec.CooldownUntil
			}
			continue
		}
		if p.preferredTag != "" && rec.Tag == p.preferredTag {
			if preferred == nil || rec.LastUsed.Before(preferredUsed) {
				preferred, preferredUsed = e, rec.LastUsed
			}
			continue
		}
		if healthy == nil || rec.LastUsed.Before(healthyUsed) {
			healthy, healthyUsed = e, rec.LastUsed
		}
	}

	var chosen *entry
	mode := selectPreferred
	switch {
	case preferred != nil:
		chosen = preferred
	case healthy != nil:
		chosen, mode = healthy, selectAnyHealthy
	case emergency != nil:
		chosen, mode = emergency, selectEmergency
	default:
		return nil, slotwatch.ErrNoProxy
	}

	chosen.mu.Lock()
	chosen.rec.LastUsed = now
	h := handleFor(&chosen.rec, mode == selectEmergency)
	chosen.mu.Unlock()

	if mode == selectEmergency {
		p.logger.Warn("No eligible proxy, using soonest-expiring cooldown",
			"proxy_id", h.ID,
			"cooldown_until", emergencyUntil.Format(time.RFC3339))
	}
	p.selected(mode)
	return h, nil
}

// Release feeds the outcome of one attempt back into the endpoint's reputation.
// A blocked signal counts as a failure even when the request itself succeeded.
func (p *Pool) Release(ctx context.Context, h *Handle, success, blocked bool) {
	if h == nil {
		return
	}
	p.mu.RLock()
	e, ok := p.byID[h.ID]
	p.mu.RUnlock()
	if !ok {
		return
	}

	now := p.clock.Now()
	e.mu.Lock()
	changed := false
	result := feedbackSuccess
	if success && !blocked {
		if e.rec.FailCount != 0 || e.rec.ConsecutiveFailures != 0 || e.rec.CooldownUntil != nil {
			e.rec.FailCount = 0
			e.rec.ConsecutiveFailures = 0
			e.rec.CooldownUntil = nil
			changed = true
		}
	} else {
		result = feedbackFailure
		if blocked {
			result = feedbackBlocked
		}
		e.rec.FailCount++
		e.rec.ConsecutiveFailures++
		if d := CooldownFor(e.rec.ConsecutiveFailures); d > 0 {
			until := now.Add(d)
			if e.rec.CooldownUntil == nil || until.After(*e.rec.CooldownUntil) {
				e.rec.CooldownUntil = &until
			}
		}
		changed = true
	}
	snapshot := copyRecord(&e.rec)
	e.mu.Unlock()

	if p.metrics != nil {
		p.metrics.ProxyFeedback(result)
	}
	if result != feedbackSuccess {
		p.logger.Warn("Proxy attempt failed",
			"proxy_id", h.ID,
			"result", result,
			"consecutive_failures", snapshot.ConsecutiveFailures,
			"cooling", snapshot.CooldownUntil != nil)
	}
	if !changed || p.store == nil {
		return
	}
	if err := p.store.SaveProxy(ctx, &snapshot); err != nil {
		p.logger.Warn("Failed to persist proxy record", "proxy_id", h.ID, "error", err)
	}
}

func (p *Pool) selected(mode string) {
	if p.metrics != nil {
		p.metrics.ProxySelected(mode)
	}
}

func handleFor(rec *slotwatch.ProxyRecord, emergency bool) *Handle {
	return &Handle{
		URL:       rec.URL(),
		ID:        rec.ID,
		Endpoint:  rec.Endpoint,
		Username:  rec.Username,
		Password:  rec.Password,
		Tag:       rec.Tag,
		Emergency: emergency,
	}
}

func copyRecord(rec *slotwatch.ProxyRecord) slotwatch.ProxyRecord {
	out := *rec
	if rec.CooldownUntil != nil {
		t := *rec.CooldownUntil
		out.CooldownUntil = &t
	}
	return out
}
