// Package session caches trust credentials and per-date catalogs per session context,
// and resolves catalogs through a cheap revalidated path with a single-flighted heavy fallback.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slotwatch/pkg/slotwatch"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"
)

// Harvest results reported to the Recorder.
const (
	harvestOK    = "ok"
	harvestEmpty = "empty"
	harvestError = "error"
	harvestReuse = "reused"
)

// Validator performs the lightweight live probe with cached credentials.
type Validator interface {
	Validate(ctx context.Context, creds slotwatch.Credentials, stickyProxy string) error
}

// Harvester drives the heavy acquisition path for one context and date.
type Harvester interface {
	Harvest(ctx context.Context, key slotwatch.SessionKey, date string) (*slotwatch.Harvest, error)
}

// BundleStore persists bundles across restarts.
type BundleStore interface {
	SaveBundle(ctx context.Context, b *slotwatch.SessionBundle) error
	ListBundles(ctx context.Context) ([]*slotwatch.SessionBundle, error)
}

// Recorder receives harvest and resolution metrics.
type Recorder interface {
	HarvestObserved(result string, d time.Duration)
	CatalogResolved(source string)
}

// Catalog is a validated view of one date's catalog plus the credentials to probe it with.
type Catalog struct {
	HarvestedAt time.Time
	Key         slotwatch.SessionKey
	Credentials slotwatch.Credentials
	Date        string
	StickyProxy string
	Source      slotwatch.Source
	Entries     []slotwatch.CatalogEntry
	gen         uint64
}

// Config configures a Cache.
type Config struct {
	Validator       Validator
	Harvester       Harvester
	Store           BundleStore // Optional
	Metrics         Recorder    // Optional
	Clock           slotwatch.Clock
	Logger          *slog.Logger
	MaxAge          time.Duration
	HarvestTimeout  time.Duration
	ValidateTimeout time.Duration

	// HarvestsPerContext bounds concurrent browser acquisitions for one context across dates.
	HarvestsPerContext int64
}

// Cache owns one immutable bundle per session context. Readers never see a partially built bundle.
type Cache struct {
	validator       Validator
	harvester       Harvester
	store           BundleStore
	metrics         Recorder
	clock           slotwatch.Clock
	logger          *slog.Logger
	bundles         map[slotwatch.SessionKey]*slotwatch.SessionBundle
	gens            map[slotwatch.SessionKey]uint64
	harvestSlots    map[slotwatch.SessionKey]*semaphore.Weighted
	harvestLimit    int64
	refreshes       singleflight.Group
	validations     singleflight.Group
	maxAge          time.Duration
	harvestTimeout  time.Duration
	validateTimeout time.Duration
	mu              sync.RWMutex
}

// New creates an empty cache.
func New(cfg Config) *Cache {
	if cfg.Clock == nil {
		cfg.Clock = slotwatch.SystemClock{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = 4 * time.Hour
	}
	if cfg.HarvestTimeout <= 0 {
		cfg.HarvestTimeout = 90 * time.Second
	}
	if cfg.ValidateTimeout <= 0 {
		cfg.ValidateTimeout = 30 * time.Second
	}
	if cfg.HarvestsPerContext <= 0 {
		cfg.HarvestsPerContext = 2
	}
	return &Cache{
		validator:       cfg.Validator,
		harvester:       cfg.Harvester,
		store:           cfg.Store,
		metrics:         cfg.Metrics,
		clock:           cfg.Clock,
		logger:          cfg.Logger,
		maxAge:          cfg.MaxAge,
		harvestTimeout:  cfg.HarvestTimeout,
		validateTimeout: cfg.ValidateTimeout,
		bundles:         make(map[slotwatch.SessionKey]*slotwatch.SessionBundle),
		gens:            make(map[slotwatch.SessionKey]uint64),
		harvestSlots:    make(map[slotwatch.SessionKey]*semaphore.Weighted),
		harvestLimit:    cfg.HarvestsPerContext,
	}
}

// Load restores persisted bundles. Restored bundles are still revalidated before use.
func (c *Cache) Load(ctx context.Context) error {
	if c.store == nil {
		return nil
	}
	bundles, err := c.store.ListBundles(ctx)
	if err != nil {
		return fmt.Errorf("list bundles: %w", err)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, b := range bundles {
		c.bundles[b.Key] = b
		c.gens[b.Key]++
	}
	c.logger.Info("Session bundles restored", "count", len(bundles))
	return nil
}

// Bundle returns the current bundle for key, or nil.
func (c *Cache) Bundle(key slotwatch.SessionKey) *slotwatch.SessionBundle {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bundles[key]
}

func (c *Cache) current(key slotwatch.SessionKey) (*slotwatch.SessionBundle, uint64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.bundles[key], c.gens[key]
}

// Resolve returns a usable catalog for key and date: the cheap revalidated path first,
// then the single-flighted heavy path.
func (c *Cache) Resolve(ctx context.Context, key slotwatch.SessionKey, date string) (*Catalog, error) {
	_, gen := c.current(key)
	cat, err := c.GetValidCatalog(ctx, key, date)
	if err == nil {
		c.resolved(slotwatch.SourceCheap)
		return cat, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}
	c.logger.Info("Cheap path unavailable, using heavy acquisition",
		"context", key.String(),
		"date", date,
		"reason", err)

	cat, err = c.refresh(ctx, key, date, gen)
	if err != nil {
		return nil, err
	}
	c.resolved(slotwatch.SourceHeavy)
	return cat, nil
}

// GetValidCatalog returns the cached catalog for date only if the bundle is valid,
// younger than the max age, holds the date and passes a live revalidation probe.
func (c *Cache) GetValidCatalog(ctx context.Context, key slotwatch.SessionKey, date string) (*Catalog, error) {
	b, gen := c.current(key)
	switch {
	case b == nil:
		return nil, fmt.Errorf("%w: no bundle for %s", slotwatch.ErrNeedsRefresh, key)
	case !b.Valid:
		return nil, fmt.Errorf("%w: bundle for %s invalidated", slotwatch.ErrNeedsRefresh, key)
	}
	page, ok := b.Catalog[date]
	if !ok || len(page.Entries) == 0 {
		return nil, fmt.Errorf("%w: no catalog for %s on %s", slotwatch.ErrNeedsRefresh, key, date)
	}
	if age := c.clock.Now().Sub(page.HarvestedAt); age > c.maxAge {
		return nil, fmt.Errorf("%w: catalog for %s on %s is %s old", slotwatch.ErrNeedsRefresh, key, date, age.Truncate(time.Second))
	}

	if err := c.revalidate(ctx, b, gen); err != nil {
		if slotwatch.IsSessionInvalid(err) {
			c.invalidate(key, gen)
		}
		return nil, fmt.Errorf("%w: revalidation failed: %w", slotwatch.ErrNeedsRefresh, err)
	}
	return catalogFrom(b, gen, date, page, slotwatch.SourceCheap), nil
}

// revalidate shares one live probe among concurrent readers of the same bundle generation.
func (c *Cache) revalidate(ctx context.Context, b *slotwatch.SessionBundle, gen uint64) error {
	ch := c.validations.DoChan(b.Key.String()+"|"+strconv.FormatUint(gen, 10), func() (any, error) {
		vctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.validateTimeout)
		defer cancel()
		return nil, c.validator.Validate(vctx, b.Credentials, b.StickyProxy)
	})
	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		return res.Err
	}
}

// Refresh runs the heavy acquisition for key and date. Concurrent calls for the same
// context and date share one acquisition.
func (c *Cache) Refresh(ctx context.Context, key slotwatch.SessionKey, date string) (*Catalog, error) {
	_, gen := c.current(key)
	return c.refresh(ctx, key, date, gen)
}

func (c *Cache) refresh(ctx context.Context, key slotwatch.SessionKey, date string, seen uint64) (*Catalog, error) {
	ch := c.refreshes.DoChan(key.String()+"|"+date, func() (any, error) {
		// The acquisition outlives any single waiter; its own timeout bounds it.
		// Slots are held by acquisitions that are themselves bounded, so the wait ends.
		slots := c.slots(key)
		if err := slots.Acquire(context.WithoutCancel(ctx), 1); err != nil {
			return nil, fmt.Errorf("%w: %w", slotwatch.ErrRefreshFailed, err)
		}
		defer slots.Release(1)

		hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.harvestTimeout)
		defer cancel()
		return c.harvest(hctx, key, date, seen)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		cat, ok := res.Val.(*Catalog)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected result type %T", slotwatch.ErrRefreshFailed, res.Val)
		}
		return cat, nil
	}
}

func (c *Cache) slots(key slotwatch.SessionKey) *semaphore.Weighted {
	c.mu.Lock()
	defer c.mu.Unlock()
	sem, ok := c.harvestSlots[key]
	if !ok {
		sem = semaphore.NewWeighted(c.harvestLimit)
		c.harvestSlots[key] = sem
	}
	return sem
}

func (c *Cache) harvest(ctx context.Context, key slotwatch.SessionKey, date string, seen uint64) (*Catalog, error) {
	// Another acquisition published a bundle for this date after the caller looked.
	if b, gen := c.current(key); gen > seen && b != nil && b.Valid {
		if page, ok := b.Catalog[date]; ok && len(page.Entries) > 0 {
			c.observeHarvest(harvestReuse, 0)
			return catalogFrom(b, gen, date, page, slotwatch.SourceHeavy), nil
		}
	}

	c.logger.Info("Starting heavy acquisition", "context", key.String(), "date", date)
	start := time.Now()
	h, err := c.harvester.Harvest(ctx, key, date)
	duration := time.Since(start)
	if err != nil {
		c.observeHarvest(harvestError, duration)
		c.logger.Warn("Heavy acquisition failed, keeping stale bundle",
			"context", key.String(),
			"date", date,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return nil, fmt.Errorf("%w: %w", slotwatch.ErrRefreshFailed, err)
	}
	if len(h.Entries) == 0 {
		c.observeHarvest(harvestEmpty, duration)
		c.logger.Warn("Heavy acquisition resolved no products", "context", key.String(), "date", date)
		return nil, fmt.Errorf("%w: %w: %s on %s", slotwatch.ErrRefreshFailed, slotwatch.ErrCatalogUnresolvable, key, date)
	}
	c.observeHarvest(harvestOK, duration)

	b, gen := c.publish(key, date, h)
	c.logger.Info("Session bundle refreshed",
		"context", key.String(),
		"date", date,
		"products", len(h.Entries),
		"cookies", len(h.Credentials.Cookies),
		"sticky_proxy", h.ProxyID,
		"duration_ms", duration.Milliseconds())

	if c.store != nil {
		if err := c.store.SaveBundle(ctx, b); err != nil {
			c.logger.Warn("Failed to persist session bundle", "context", key.String(), "error", err)
		}
	}
	return catalogFrom(b, gen, date, b.Catalog[date], slotwatch.SourceHeavy), nil
}

// publish swaps in a new bundle carrying fresh credentials, the new page, and the
// previous bundle's pages that are still within the max age.
func (c *Cache) publish(key slotwatch.SessionKey, date string, h *slotwatch.Harvest) (*slotwatch.SessionBundle, uint64) {
	now := c.clock.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	next := &slotwatch.SessionBundle{
		Key:         key,
		Credentials: h.Credentials,
		Catalog:     make(map[string]slotwatch.CatalogPage),
		RefreshedAt: now,
		StickyProxy: h.ProxyID,
		Valid:       true,
	}
	if prev := c.bundles[key]; prev != nil {
		for d, page := range prev.Catalog {
			if now.Sub(page.HarvestedAt) <= c.maxAge {
				next.Catalog[d] = page
			}
		}
	}
	next.Catalog[date] = slotwatch.CatalogPage{HarvestedAt: now, Entries: h.Entries}

	c.bundles[key] = next
	c.gens[key]++
	return next, c.gens[key]
}

// Invalidate marks the bundle a catalog came from as invalid, keeping it in place.
// It does nothing if the bundle was replaced in the meantime.
func (c *Cache) Invalidate(cat *Catalog) {
	if cat == nil {
		return
	}
	c.invalidate(cat.Key, cat.gen)
}

func (c *Cache) invalidate(key slotwatch.SessionKey, gen uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b := c.bundles[key]
	if b == nil || c.gens[key] != gen || !b.Valid {
		return
	}
	stale := *b
	stale.Valid = false
	c.bundles[key] = &stale
	c.gens[key]++
	c.logger.Info("Session bundle invalidated", "context", key.String())
}

func catalogFrom(b *slotwatch.SessionBundle, gen uint64, date string, page slotwatch.CatalogPage, src slotwatch.Source) *Catalog {
	return &Catalog{
		HarvestedAt: page.HarvestedAt,
		Key:         b.Key,
		Credentials: b.Credentials,
		Date:        date,
		StickyProxy: b.StickyProxy,
		Source:      src,
		Entries:     page.Entries,
		gen:         gen,
	}
}

func (c *Cache) observeHarvest(result string, d time.Duration) {
	if c.metrics != nil {
		c.metrics.HarvestObserved(result, d)
	}
}

func (c *Cache) resolved(src slotwatch.Source) {
	if c.metrics != nil {
		c.metrics.CatalogResolved(string(src))
	}
}

// IsUnresolvable reports whether err means the catalog could not be resolved this tick.
func IsUnresolvable(err error) bool {
	return errors.Is(err, slotwatch.ErrRefreshFailed) || errors.Is(err, slotwatch.ErrCatalogUnresolvable)
}
