package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"slotwatch/pkg/slotwatch"
	"sync"
	"testing"
	"time"
)

type memStore struct {
	recs  map[string]*slotwatch.ProxyRecord
	saves int
	mu    sync.Mutex
}

func newMemStore(recs ...*slotwatch.ProxyRecord) *memStore {
	s := &memStore{recs: make(map[string]*slotwatch.ProxyRecord)}
	for _, r := range recs {
		s.recs[r.ID] = r
	}
	return s
}

func (s *memStore) ListProxies(_ context.Context) ([]*slotwatch.ProxyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*slotwatch.ProxyRecord, 0, len(s.recs))
	for _, r := range s.recs {
		c := *r
		out = append(out, &c)
	}
	return out, nil
}

func (s *memStore) SaveProxy(_ context.Context, rec *slotwatch.ProxyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := *rec
	s.recs[rec.ID] = &c
	s.saves++
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPool(t *testing.T, clock slotwatch.Clock, tag string, recs ...*slotwatch.ProxyRecord) (*Pool, *memStore) {
	t.Helper()
	store := newMemStore(recs...)
	p := New(Config{Clock: clock, Store: store, Logger: testLogger(), PreferredTag: tag})
	if err := p.Load(context.Background()); err != nil {
		t.Fatalf("Load: %v", err)
	}
	return p, store
}

func TestCooldownFor(t *testing.T) {
	tests := []struct {
		failures int
		want     time.Duration
	}{
		{0, 0},
		{2, 0},
		{3, 5 * time.Minute},
		{4, 5 * time.Minute},
		{5, 30 * time.Minute},
		{9, 30 * time.Minute},
		{10, 120 * time.Minute},
		{50, 120 * time.Minute},
	}
	for _, tt := range tests {
		if got := CooldownFor(tt.failures); got != tt.want {
			t.Errorf("CooldownFor(%d) = %v, want %v", tt.failures, got, tt.want)
		}
	}
}

func TestReleaseCooldownSchedule(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := slotwatch.NewManualClock(start)
	p, store := newTestPool(t, clock, "", &slotwatch.ProxyRecord{ID: "a", Endpoint: "10.0.0.1:8000", Active: true})
	ctx := context.Background()
	h := &Handle{ID: "a"}

	for i := 1; i <= 10; i++ {
		p.Release(ctx, h, false, false)
		rec := p.Snapshot()[0]
		if rec.ConsecutiveFailures != i || rec.FailCount != i {
			t.Fatalf("after %d failures: counters = %d/%d", i, rec.ConsecutiveFailures, rec.FailCount)
		}
		want := CooldownFor(i)
		if want == 0 {
			if rec.CooldownUntil != nil {
				t.Fatalf("after %d failures: unexpected cooldown %v", i, rec.CooldownUntil)
			}
			continue
		}
		if rec.CooldownUntil == nil || !rec.CooldownUntil.Equal(start.Add(want)) {
			t.Fatalf("after %d failures: cooldown = %v, want %v", i, rec.CooldownUntil, start.Add(want))
		}
	}

	p.Release(ctx, h, true, false)
	rec := p.Snapshot()[0]
	if rec.FailCount != 0 || rec.ConsecutiveFailures != 0 || rec.CooldownUntil != nil {
		t.Errorf("success did not reset reputation: %+v", rec)
	}

	// A second success changes nothing and is not persisted.
	saves := store.saves
	p.Release(ctx, h, true, false)
	if store.saves != saves {
		t.Errorf("unchanged record was persisted")
	}
}

func TestCooldownNeverDecreases(t *testing.T) {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := slotwatch.NewManualClock(start)
	p, _ := newTestPool(t, clock, "", &slotwatch.ProxyRecord{ID: "a", Active: true})
	ctx := context.Background()
	h := &Handle{ID: "a"}

	for range 10 {
		p.Release(ctx, h, false, false)
	}
	first := *p.Snapshot()[0].CooldownUntil

	// An eleventh failure a minute later may extend but never shorten.
	clock.Advance(time.Minute)
	p.Release(ctx, h, false, false)
	second := *p.Snapshot()[0].CooldownUntil
	if second.Before(first) {
		t.Errorf("cooldown moved backwards: %v -> %v", first, second)
	}
}

func TestBlockedSignalCountsAsFailure(t *testing.T) {
	clock := slotwatch.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	p, _ := newTestPool(t, clock, "", &slotwatch.ProxyRecord{ID: "a", Active: true})
	p.Release(context.Background(), &Handle{ID: "a"}, true, true)
	if got := p.Snapshot()[0].ConsecutiveFailures; got != 1 {
		t.Errorf("ConsecutiveFailures = %d, want 1", got)
	}
}

func TestAcquireSelection(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	later := now.Add(time.Hour)
	soon := now.Add(10 * time.Minute)

	tests := []struct {
		name          string
		sticky        string
		recs          []*slotwatch.ProxyRecord
		wantID        string
		wantEmergency bool
	}{
		{
			name: "preferred tag wins",
			recs: []*slotwatch.ProxyRecord{
				{ID: "a", Active: true, Tag: "datacenter"},
				{ID: "b", Active: true, Tag: "residential", LastUsed: now.Add(-time.Second)},
			},
			wantID: "b",
		},
		{
			name: "least recently used without preferred",
			recs: []*slotwatch.ProxyRecord{
				{ID: "a", Active: true, LastUsed: now.Add(-time.Minute)},
				{ID: "b", Active: true, LastUsed: now.Add(-time.Hour)},
			},
			wantID: "b",
		},
		{
			name: "cooling preferred falls back to any",
			recs: []*slotwatch.ProxyRecord{
				{ID: "a", Active: true, Tag: "residential", CooldownUntil: &later},
				{ID: "b", Active: true},
			},
			wantID: "b",
		},
		{
			name: "inactive skipped",
			recs: []*slotwatch.ProxyRecord{
				{ID: "a", Active: false, Tag: "residential"},
				{ID: "b", Active: true},
			},
			wantID: "b",
		},
		{
			name: "emergency picks soonest expiry",
			recs: []*slotwatch.ProxyRecord{
				{ID: "a", Active: true, CooldownUntil: &later},
				{ID: "b", Active: true, CooldownUntil: &soon},
			},
			wantID:        "b",
			wantEmergency: true,
		},
		{
			name:   "sticky preferred while eligible",
			sticky: "a",
			recs: []*slotwatch.ProxyRecord{
				{ID: "a", Active: true},
				{ID: "b", Active: true, Tag: "residential"},
			},
			wantID: "a",
		},
		{
			name:   "cooling sticky ignored",
			sticky: "a",
			recs: []*slotwatch.ProxyRecord{
				{ID: "a", Active: true, CooldownUntil: &later},
				{ID: "b", Active: true},
			},
			wantID: "b",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, _ := newTestPool(t, slotwatch.NewManualClock(now), "residential", tt.recs...)
			h, err := p.Acquire(context.Background(), tt.sticky)
			if err != nil {
				t.Fatalf("Acquire: %v", err)
			}
			if h.ID != tt.wantID {
				t.Errorf("Acquire() = %s, want %s", h.ID, tt.wantID)
			}
			if h.Emergency != tt.wantEmergency {
				t.Errorf("Emergency = %v, want %v", h.Emergency, tt.wantEmergency)
			}
		})
	}
}

func TestAcquireRotatesLeastRecentlyUsed(t *testing.T) {
	clock := slotwatch.NewManualClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	p, _ := newTestPool(t, clock, "", &slotwatch.ProxyRecord{ID: "a", Active: true}, &slotwatch.ProxyRecord{ID: "b", Active: true})
	ctx := context.Background()

	seen := map[string]int{}
	for range 4 {
		clock.Advance(time.Second)
		h, err := p.Acquire(ctx, "")
		if err != nil {
			t.Fatalf("Acquire: %v", err)
		}
		seen[h.ID]++
	}
	if seen["a"] != 2 || seen["b"] != 2 {
		t.Errorf("expected even rotation, got %v", seen)
	}
}

func TestAcquireNoActive(t *testing.T) {
	p, _ := newTestPool(t, slotwatch.SystemClock{}, "", &slotwatch.ProxyRecord{ID: "a", Active: false})
	_, err := p.Acquire(context.Background(), "")
	if !errors.Is(err, slotwatch.ErrNoProxy) || !errors.Is(err, slotwatch.ErrConfiguration) {
		t.Errorf("Acquire() error = %v, want ErrNoProxy", err)
	}
}

func TestConcurrentRelease(t *testing.T) {
	p, _ := newTestPool(t, slotwatch.SystemClock{}, "", &slotwatch.ProxyRecord{ID: "a", Active: true})
	ctx := context.Background()

	var wg sync.WaitGroup
	for range 100 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.Release(ctx, &Handle{ID: "a"}, false, false)
		}()
	}
	wg.Wait()

	rec := p.Snapshot()[0]
	if rec.FailCount != 100 || rec.ConsecutiveFailures != 100 {
		t.Errorf("lost updates: fail=%d consecutive=%d", rec.FailCount, rec.ConsecutiveFailures)
	}
}

func TestSeed(t *testing.T) {
	store := newMemStore(&slotwatch.ProxyRecord{ID: "a", Active: true, FailCount: 4})
	p := New(Config{Store: store, Logger: testLogger()})
	err := p.Seed(context.Background(), []*slotwatch.ProxyRecord{
		{ID: "a", Active: true},
		{ID: "b", Active: true},
	})
	if err != nil {
		t.Fatalf("Seed: %v", err)
	}
	snap := p.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("Snapshot() len = %d, want 2", len(snap))
	}
	if snap[0].FailCount != 4 {
		t.Errorf("seed overwrote existing record: %+v", snap[0])
	}
	if p.Active() != 2 {
		t.Errorf("Active() = %d, want 2", p.Active())
	}
}
