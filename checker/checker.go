// Package checker turns one fingerprint into one CheckOutcome: it resolves the catalog,
// probes every matching product and language, and merges the results.
package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slotwatch/pkg/slotwatch"
	"slotwatch/probe"
	"slotwatch/session"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Resolver yields a validated catalog for a session context and date.
type Resolver interface {
	Resolve(ctx context.Context, key slotwatch.SessionKey, date string) (*session.Catalog, error)
	Invalidate(cat *session.Catalog)
}

// AvailabilityProber fetches slots through the egress layer.
type AvailabilityProber interface {
	Availability(ctx context.Context, req probe.Request, creds slotwatch.Credentials, sticky string) ([]slotwatch.Slot, error)
}

// Config configures a Checker.
type Config struct {
	Resolver    Resolver
	Prober      AvailabilityProber
	Clock       slotwatch.Clock
	Logger      *slog.Logger
	MaxParallel int // Probe goroutines per fingerprint
}

// Checker performs remote checks.
type Checker struct {
	resolver    Resolver
	prober      AvailabilityProber
	clock       slotwatch.Clock
	logger      *slog.Logger
	maxParallel int
}

// New creates a Checker.
func New(cfg Config) *Checker {
	if cfg.Clock == nil {
		cfg.Clock = slotwatch.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 8
	}
	return &Checker{
		resolver:    cfg.Resolver,
		prober:      cfg.Prober,
		clock:       cfg.Clock,
		logger:      cfg.Logger,
		maxParallel: cfg.MaxParallel,
	}
}

// DefaultLanguages returns the languages probed when a fingerprint names none.
func DefaultLanguages(v slotwatch.Variant) []string {
	if v == slotwatch.Guided {
		return []string{"ITA", "ENG"}
	}
	return []string{"ITA"}
}

type target struct {
	entry    slotwatch.CatalogEntry
	language string
}

type probeResult struct {
	err   error
	name  string
	slots []slotwatch.Slot
}

// Check runs the remote check for fp. Failures are reported in the outcome, never returned.
func (c *Checker) Check(ctx context.Context, fp slotwatch.Fingerprint) *slotwatch.CheckOutcome {
	out := &slotwatch.CheckOutcome{Fingerprint: fp}
	defer func() { out.CheckedAt = c.clock.Now() }()

	cat, err := c.resolver.Resolve(ctx, fp.SessionKey(), fp.Date)
	if err != nil {
		out.Err = fmt.Errorf("resolve catalog: %w", err)
		return out
	}
	out.Source = cat.Source

	targets, err := c.targets(fp, cat)
	if err != nil {
		out.Err = err
		return out
	}
	if !fp.ScanAll() {
		out.ProductName = targets[0].entry.Name
	}

	results := make([]probeResult, len(targets))
	var g errgroup.Group
	g.SetLimit(c.maxParallel)
	for i, t := range targets {
		g.Go(func() error {
			req := probe.Request{
				ProductID: t.entry.ID,
				Date:      fp.Date,
				Language:  t.language,
				Variant:   t.entry.Variant,
			}
			slots, err := c.prober.Availability(ctx, req, cat.Credentials, cat.StickyProxy)
			results[i] = probeResult{err: err, name: t.entry.Name, slots: slots}
			return nil
		})
	}
	_ = g.Wait()

	merge(out, results, fp.ScanAll())

	var invalidated bool
	var failed int
	var errs []error
	for _, r := range results {
		if r.err == nil {
			continue
		}
		failed++
		errs = append(errs, r.err)
		if slotwatch.IsSessionInvalid(r.err) && !invalidated {
			c.resolver.Invalidate(cat)
			invalidated = true
		}
	}

	if failed > 0 {
		c.logger.Warn("Some probes failed",
			"fingerprint", fp.String(),
			"failed", failed,
			"total", len(results),
			"error", errors.Join(errs...))
		// A closed verdict with missing probes could hide an open slot.
		if out.State() != slotwatch.StateOpen {
			out.Err = fmt.Errorf("%d of %d probes failed: %w", failed, len(results), errors.Join(errs...))
		}
	}
	return out
}

// targets picks the catalog entries and languages to probe for fp.
func (c *Checker) targets(fp slotwatch.Fingerprint, cat *session.Catalog) ([]target, error) {
	var entries []slotwatch.CatalogEntry
	if fp.ScanAll() {
		for _, e := range cat.Entries {
			if e.Variant == fp.Variant {
				entries = append(entries, e)
			}
		}
		if len(entries) == 0 {
			return nil, fmt.Errorf("%w: no %s products for %s", slotwatch.ErrCatalogUnresolvable, fp.Variant, fp.Date)
		}
	} else {
		found := false
		for _, e := range cat.Entries {
			if e.ID != fp.ProductID {
				continue
			}
			found = true
			if e.Variant != fp.Variant {
				return nil, fmt.Errorf("%w: product %s is %s, subscription wants %s",
					slotwatch.ErrCatalogUnresolvable, e.ID, e.Variant, fp.Variant)
			}
			entries = append(entries, e)
			break
		}
		if !found {
			c.logger.Warn("Product not in catalog, probing identifier directly",
				"fingerprint", fp.String(),
				"catalog_size", len(cat.Entries))
			entries = append(entries, slotwatch.CatalogEntry{ID: fp.ProductID, Variant: fp.Variant})
		}
	}

	langs := DefaultLanguages(fp.Variant)
	if fp.Language != "" {
		langs = []string{strings.ToUpper(fp.Language)}
	}

	targets := make([]target, 0, len(entries)*len(langs))
	for _, e := range entries {
		for _, l := range langs {
			targets = append(targets, target{entry: e, language: l})
		}
	}
	return targets, nil
}

// merge unions slots by time. An available code wins over SOLD_OUT for the same time.
func merge(out *slotwatch.CheckOutcome, results []probeResult, scanAll bool) {
	byTime := make(map[string]slotwatch.Slot)
	var openNames []string
	seenName := make(map[string]bool)
	for _, r := range results {
		if r.err != nil {
			continue
		}
		open := false
		for _, s := range r.slots {
			if s.Available() {
				open = true
			}
			prev, ok := byTime[s.Time]
			if !ok || (!prev.Available() && s.Available()) {
				byTime[s.Time] = s
			}
		}
		if open && r.name != "" && !seenName[r.name] {
			seenName[r.name] = true
			openNames = append(openNames, r.name)
		}
	}

	out.Slots = make([]slotwatch.Slot, 0, len(byTime))
	for _, s := range byTime {
		out.Slots = append(out.Slots, s)
	}
	sort.Slice(out.Slots, func(i, j int) bool { return out.Slots[i].Time < out.Slots[j].Time })

	if scanAll {
		sort.Strings(openNames)
		out.ProductName = strings.Join(openNames, ", ")
	}
}
