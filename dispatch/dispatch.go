// Package dispatch turns due subscriptions into fingerprints, checks each one once and fans the outcome out.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"slotwatch/history"
	"slotwatch/notify"
	"slotwatch/pkg/slotwatch"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// SubscriptionStore lists due subscriptions and records check results.
type SubscriptionStore interface {
	ListDue(ctx context.Context, now time.Time, floor time.Duration) ([]*slotwatch.Subscription, error)
	MarkChecked(ctx context.Context, id string, status slotwatch.Status, at time.Time) error
}

// Checker runs one remote check.
type Checker interface {
	Check(ctx context.Context, fp slotwatch.Fingerprint) *slotwatch.CheckOutcome
}

// Notifier decides whether a subscriber hears about an outcome.
type Notifier interface {
	Evaluate(ctx context.Context, sub *slotwatch.Subscription, out *slotwatch.CheckOutcome) (notify.Decision, error)
}

// Sink delivers alerts.
type Sink interface {
	Notify(ctx context.Context, ch slotwatch.Channel, a slotwatch.Alert) error
}

// History records outcomes per subscriber.
type History interface {
	Record(ctx context.Context, entries []history.Entry) error
}

// Pool reports how many egress endpoints are usable.
type Pool interface {
	Active() int
}

// Recorder receives dispatch metrics.
type Recorder interface {
	CheckCompleted(source, status string)
	TickCompleted(d time.Duration, units int)
}

// Config wires a Dispatcher.
type Config struct {
	Store       SubscriptionStore
	Checker     Checker
	Notifier    Notifier
	Sink        Sink
	History     History  // Optional
	Pool        Pool
	Metrics     Recorder // Optional
	Clock       slotwatch.Clock
	Logger      *slog.Logger
	DefaultSite string
	BookingBase string        // Base URL for alert deep links
	MinInterval time.Duration // Floor applied to every subscription interval
	BatchDates  int           // Max dates per scan-all unit
	Concurrency int           // Units checked in parallel
}

// Dispatcher runs ticks. Overlapping ticks never check the same fingerprint twice.
type Dispatcher struct {
	store       SubscriptionStore
	checker     Checker
	notifier    Notifier
	sink        Sink
	history     History
	pool        Pool
	metrics     Recorder
	clock       slotwatch.Clock
	logger      *slog.Logger
	defaultSite string
	bookingBase string
	minInterval time.Duration
	batchDates  int
	concurrency int

	mu       sync.Mutex
	inFlight map[slotwatch.Fingerprint]bool
}

// New creates a Dispatcher.
func New(cfg Config) *Dispatcher {
	d := &Dispatcher{
		store:       cfg.Store,
		checker:     cfg.Checker,
		notifier:    cfg.Notifier,
		sink:        cfg.Sink,
		history:     cfg.History,
		pool:        cfg.Pool,
		metrics:     cfg.Metrics,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		defaultSite: cfg.DefaultSite,
		bookingBase: cfg.BookingBase,
		minInterval: cfg.MinInterval,
		batchDates:  cfg.BatchDates,
		concurrency: cfg.Concurrency,
		inFlight:    make(map[slotwatch.Fingerprint]bool),
	}
	if d.clock == nil {
		d.clock = slotwatch.SystemClock{}
	}
	if d.logger == nil {
		d.logger = slog.Default()
	}
	if d.minInterval <= 0 {
		d.minInterval = time.Minute
	}
	if d.batchDates <= 0 {
		d.batchDates = 10
	}
	if d.concurrency <= 0 {
		d.concurrency = 16
	}
	return d
}

// Group is one fingerprint and the subscribers sharing it.
type Group struct {
	Fingerprint slotwatch.Fingerprint
	Subscribers []*slotwatch.Subscription
}

// Unit is a batch of groups checked together by one worker.
type Unit []Group

// Plan groups due subscriptions into units. Past and malformed dates are dropped.
// Concrete products become one unit per fingerprint; scan-all subscriptions share
// a unit per (site, variant, language) holding at most batchDates dates.
// Subscriptions for a site other than defaultSite are dropped.
func Plan(subs []*slotwatch.Subscription, now time.Time, defaultSite string, batchDates int, logger *slog.Logger) []Unit {
	type familyKey struct {
		site     string
		language string
		variant  slotwatch.Variant
	}

	groups := make(map[slotwatch.Fingerprint]*Group)
	families := make(map[familyKey][]slotwatch.Fingerprint)
	var concrete []slotwatch.Fingerprint

	for _, sub := range subs {
		site := siteOf(sub, defaultSite)
		if site != defaultSite {
			logger.Warn("Skipping subscription for unsupported site", "subscription_id", sub.ID, "site", site)
			continue
		}
		lang := strings.ToUpper(strings.TrimSpace(sub.Language))
		for _, raw := range sub.Dates {
			date, err := slotwatch.NormalizeDate(raw)
			if err != nil {
				logger.Warn("Skipping malformed date", "subscription_id", sub.ID, "date", raw, "error", err)
				continue
			}
			if slotwatch.IsPast(date, now) {
				logger.Debug("Skipping past date", "subscription_id", sub.ID, "date", date)
				continue
			}
			fp := slotwatch.Fingerprint{Site: site, Date: date, Language: lang, Variant: sub.Variant}
			if !sub.ScanAll() {
				fp.ProductID = strings.TrimSpace(sub.ProductID)
			}

			g, ok := groups[fp]
			if !ok {
				g = &Group{Fingerprint: fp}
				groups[fp] = g
				if fp.ScanAll() {
					k := familyKey{site: site, language: lang, variant: sub.Variant}
					families[k] = append(families[k], fp)
				} else {
					concrete = append(concrete, fp)
				}
			}
			if !containsSub(g.Subscribers, sub.ID) {
				g.Subscribers = append(g.Subscribers, sub)
			}
		}
	}

	var units []Unit
	sortFingerprints(concrete)
	for _, fp := range concrete {
		units = append(units, Unit{*groups[fp]})
	}

	keys := make([]familyKey, 0, len(families))
	for k := range families {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.site != b.site {
			return a.site < b.site
		}
		if a.variant != b.variant {
			return a.variant < b.variant
		}
		return a.language < b.language
	})
	for _, k := range keys {
		fps := families[k]
		sortFingerprints(fps)
		for start := 0; start < len(fps); start += batchDates {
			end := min(start+batchDates, len(fps))
			unit := make(Unit, 0, end-start)
			for _, fp := range fps[start:end] {
				unit = append(unit, *groups[fp])
			}
			units = append(units, unit)
		}
	}
	return units
}

func containsSub(subs []*slotwatch.Subscription, id string) bool {
	for _, s := range subs {
		if s.ID == id {
			return true
		}
	}
	return false
}

func sortFingerprints(fps []slotwatch.Fingerprint) {
	sort.Slice(fps, func(i, j int) bool {
		a, b := fps[i], fps[j]
		ta, errA := slotwatch.ParseDate(a.Date)
		tb, errB := slotwatch.ParseDate(b.Date)
		if errA == nil && errB == nil && !ta.Equal(tb) {
			return ta.Before(tb)
		}
		return a.String() < b.String()
	})
}

// Tick checks every due subscription once and returns the number of fingerprints checked.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) (int, error) {
	start := d.clock.Now()
	if d.pool == nil || d.pool.Active() == 0 {
		d.logger.Error("Tick aborted", "error", slotwatch.ErrNoProxy)
		return 0, fmt.Errorf("dispatch tick: %w", slotwatch.ErrNoProxy)
	}

	subs, err := d.store.ListDue(ctx, now, d.minInterval)
	if err != nil {
		return 0, fmt.Errorf("list due subscriptions: %w", err)
	}
	if len(subs) == 0 {
		d.logger.Info("No subscriptions due", "timestamp", now.Format(time.RFC3339))
		return 0, nil
	}

	planned := Plan(subs, now, d.defaultSite, d.batchDates, d.logger)
	inPlan := subscriberIDs(planned)
	units := d.claim(planned)
	d.logger.Info("Dispatching checks", "subscriptions", len(subs), "units", len(units))

	var (
		mu       sync.Mutex
		statuses = make(map[string]slotwatch.Status, len(subs))
		checked  int
	)

	var g errgroup.Group
	g.SetLimit(d.concurrency)
	for _, u := range units {
		g.Go(func() error {
			for _, grp := range u {
				if ctx.Err() != nil {
					d.release(grp.Fingerprint)
					continue
				}
				out := d.check(ctx, grp)
				mu.Lock()
				checked++
				st := out.Status()
				for _, s := range grp.Subscribers {
					statuses[s.ID] = mergeStatus(statuses[s.ID], st)
				}
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	for _, sub := range subs {
		st, ok := statuses[sub.ID]
		if !ok {
			if inPlan[sub.ID] {
				// Cancelled, or every fingerprint is owned by an overlapping tick.
				continue
			}
			// Nothing left to check, e.g. every date is in the past.
			st = sub.LastStatus
			if st == "" {
				st = slotwatch.StatusUnknown
			}
			if siteOf(sub, d.defaultSite) != d.defaultSite {
				st = slotwatch.StatusError
			}
		}
		if err := d.store.MarkChecked(ctx, sub.ID, st, now); err != nil {
			d.logger.Warn("Failed to mark subscription checked", "subscription_id", sub.ID, "error", err)
		}
	}

	elapsed := d.clock.Now().Sub(start)
	if d.metrics != nil {
		d.metrics.TickCompleted(elapsed, checked)
	}
	d.logger.Info("Tick completed", "subscriptions", len(subs), "checked", checked, "duration", elapsed.String())
	if err := ctx.Err(); err != nil {
		return checked, err
	}
	return checked, nil
}

func siteOf(sub *slotwatch.Subscription, defaultSite string) string {
	if sub.Site == "" {
		return defaultSite
	}
	return sub.Site
}

func subscriberIDs(units []Unit) map[string]bool {
	ids := make(map[string]bool)
	for _, u := range units {
		for _, g := range u {
			for _, s := range g.Subscribers {
				ids[s.ID] = true
			}
		}
	}
	return ids
}

// claim drops groups whose fingerprint is already being checked and marks the rest in flight.
func (d *Dispatcher) claim(units []Unit) []Unit {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := units[:0]
	for _, u := range units {
		kept := u[:0]
		for _, g := range u {
			if d.inFlight[g.Fingerprint] {
				d.logger.Debug("Skipping fingerprint already in flight", "fingerprint", g.Fingerprint.String())
				continue
			}
			d.inFlight[g.Fingerprint] = true
			kept = append(kept, g)
		}
		if len(kept) > 0 {
			out = append(out, kept)
		}
	}
	return out
}

func (d *Dispatcher) release(fp slotwatch.Fingerprint) {
	d.mu.Lock()
	delete(d.inFlight, fp)
	d.mu.Unlock()
}

func (d *Dispatcher) check(ctx context.Context, grp Group) *slotwatch.CheckOutcome {
	defer d.release(grp.Fingerprint)

	fp := grp.Fingerprint
	out := d.checker.Check(ctx, fp)
	if d.metrics != nil {
		d.metrics.CheckCompleted(string(out.Source), string(out.Status()))
	}
	if out.Err != nil {
		d.logger.Warn("Check failed", "fingerprint", fp.String(), "subscribers", len(grp.Subscribers), "error", out.Err)
	} else {
		d.logger.Info("Check completed",
			"fingerprint", fp.String(),
			"subscribers", len(grp.Subscribers),
			"status", string(out.Status()),
			"slots", len(out.Slots),
			"source", string(out.Source))
	}

	ids := make([]string, 0, len(grp.Subscribers))
	for _, sub := range grp.Subscribers {
		ids = append(ids, sub.ID)
		d.deliver(ctx, sub, out)
	}
	if d.history != nil {
		if err := d.history.Record(ctx, history.EntriesFor(out, ids)); err != nil {
			d.logger.Warn("Failed to record history", "fingerprint", fp.String(), "error", err)
		}
	}
	return out
}

func (d *Dispatcher) deliver(ctx context.Context, sub *slotwatch.Subscription, out *slotwatch.CheckOutcome) {
	decision, err := d.notifier.Evaluate(ctx, sub, out)
	if err != nil {
		d.logger.Warn("Notification state update failed", "subscription_id", sub.ID, "fingerprint", out.Fingerprint.String(), "error", err)
		return
	}
	if !decision.Notify {
		d.logger.Debug("Notification suppressed", "subscription_id", sub.ID, "fingerprint", out.Fingerprint.String(), "reason", decision.Reason)
		return
	}
	alert := notify.BuildAlert(sub, out, decision, d.bookingBase)
	if err := d.sink.Notify(ctx, sub.Channel, alert); err != nil {
		d.logger.Warn("Alert delivery failed", "subscription_id", sub.ID, "channel", sub.Channel.Kind, "error", err)
	}
}

// mergeStatus folds a fingerprint status into a subscriber's tick status: available beats error beats sold out.
func mergeStatus(prev, next slotwatch.Status) slotwatch.Status {
	if statusRank(next) > statusRank(prev) {
		return next
	}
	return prev
}

func statusRank(s slotwatch.Status) int {
	switch s {
	case slotwatch.StatusAvailable:
		return 3
	case slotwatch.StatusError:
		return 2
	case slotwatch.StatusSoldOut:
		return 1
	default:
		return 0
	}
}

// Run ticks every interval until ctx is done.
func (d *Dispatcher) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	d.logger.Info("Internal ticker started", "interval", interval.String())
	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Internal ticker stopped")
			return
		case <-ticker.C:
			if _, err := d.Tick(ctx, d.clock.Now()); err != nil {
				d.logger.Error("Tick failed", "error", err)
			}
		}
	}
}
