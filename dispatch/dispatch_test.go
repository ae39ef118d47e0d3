package dispatch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slotwatch/history"
	"slotwatch/notify"
	"slotwatch/pkg/slotwatch"
	"sync"
	"testing"
	"time"
)

var testNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeStore struct {
	mu    sync.Mutex
	subs  map[string]*slotwatch.Subscription
	marks []string
}

func newFakeStore(subs ...*slotwatch.Subscription) *fakeStore {
	s := &fakeStore{subs: make(map[string]*slotwatch.Subscription)}
	for _, sub := range subs {
		s.subs[sub.ID] = sub
	}
	return s
}

func (s *fakeStore) ListDue(_ context.Context, now time.Time, floor time.Duration) ([]*slotwatch.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*slotwatch.Subscription
	for _, sub := range s.subs {
		if sub.Due(now, floor) {
			c := *sub
			out = append(out, &c)
		}
	}
	return out, nil
}

func (s *fakeStore) MarkChecked(_ context.Context, id string, status slotwatch.Status, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[id]
	if !ok {
		return fmt.Errorf("no subscription %s", id)
	}
	sub.LastChecked = at
	sub.LastStatus = status
	s.marks = append(s.marks, id)
	return nil
}

func (s *fakeStore) status(id string) slotwatch.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subs[id].LastStatus
}

func (s *fakeStore) markCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.marks)
}

type fakeChecker struct {
	mu      sync.Mutex
	calls   map[slotwatch.Fingerprint]int
	result  func(fp slotwatch.Fingerprint) *slotwatch.CheckOutcome
	started chan slotwatch.Fingerprint
	block   chan struct{}
}

func (c *fakeChecker) Check(_ context.Context, fp slotwatch.Fingerprint) *slotwatch.CheckOutcome {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = make(map[slotwatch.Fingerprint]int)
	}
	c.calls[fp]++
	c.mu.Unlock()
	if c.started != nil {
		c.started <- fp
	}
	if c.block != nil {
		<-c.block
	}
	return c.result(fp)
}

func (c *fakeChecker) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var n int
	for _, v := range c.calls {
		n += v
	}
	return n
}

type fakeSink struct {
	mu     sync.Mutex
	alerts []slotwatch.Alert
	err    error
}

func (s *fakeSink) Notify(_ context.Context, _ slotwatch.Channel, a slotwatch.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *fakeSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}

type fakePool int

func (p fakePool) Active() int { return int(p) }

func outcome(fp slotwatch.Fingerprint, availability string) *slotwatch.CheckOutcome {
	return &slotwatch.CheckOutcome{
		CheckedAt:   testNow,
		Fingerprint: fp,
		Source:      slotwatch.SourceCheap,
		ProductName: "Museum",
		Slots:       []slotwatch.Slot{{Time: "10:00", Availability: availability}},
	}
}

type harness struct {
	store   *fakeStore
	checker *fakeChecker
	sink    *fakeSink
	history *history.Memory
	clock   *slotwatch.ManualClock
	d       *Dispatcher
}

func newHarness(pool int, checker *fakeChecker, subs ...*slotwatch.Subscription) *harness {
	clock := slotwatch.NewManualClock(testNow)
	h := &harness{
		store:   newFakeStore(subs...),
		checker: checker,
		sink:    &fakeSink{},
		history: history.NewMemory(),
		clock:   clock,
	}
	h.d = New(Config{
		Store:       h.store,
		Checker:     checker,
		Notifier:    notify.New(notify.Config{Clock: clock, Logger: discard()}),
		Sink:        h.sink,
		History:     h.history,
		Pool:        fakePool(pool),
		Clock:       clock,
		Logger:      discard(),
		DefaultSite: "vatican",
		BookingBase: "https://tickets.example",
		MinInterval: time.Minute,
		BatchDates:  10,
		Concurrency: 4,
	})
	return h
}

func sub(id string, product string, dates ...string) *slotwatch.Subscription {
	return &slotwatch.Subscription{
		ID:            id,
		Active:        true,
		ProductID:     product,
		Language:      "eng",
		Dates:         dates,
		CheckInterval: 300,
		Visitors:      2,
		Channel:       slotwatch.Channel{Kind: slotwatch.ChannelTelegram, Target: "1"},
	}
}

func TestPlan(t *testing.T) {
	var many []string
	for day := 2; day <= 13; day++ {
		many = append(many, fmt.Sprintf("%02d/03/2026", day))
	}
	subs := []*slotwatch.Subscription{
		sub("a", "T1", "20/03/2026", "2026-03-20", "01/01/2020", "not-a-date"),
		sub("b", "T1", "20/03/2026"),
		sub("c", "T2", "20/03/2026"),
		sub("scan", "", many...),
		sub("scan2", "", "05/03/2026"),
	}
	units := Plan(subs, testNow, "vatican", 10, discard())

	if len(units) != 4 {
		t.Fatalf("got %d units, want 4", len(units))
	}
	t1 := units[0]
	if len(t1) != 1 || t1[0].Fingerprint.ProductID != "T1" || len(t1[0].Subscribers) != 2 {
		t.Errorf("T1 unit = %+v", t1)
	}
	if fp := t1[0].Fingerprint; fp.Site != "vatican" || fp.Language != "ENG" || fp.Date != "20/03/2026" {
		t.Errorf("T1 fingerprint = %+v", fp)
	}
	if units[1][0].Fingerprint.ProductID != "T2" {
		t.Errorf("second unit = %+v", units[1])
	}

	first, second := units[2], units[3]
	if len(first) != 10 || len(second) != 2 {
		t.Fatalf("scan-all batches = %d and %d dates, want 10 and 2", len(first), len(second))
	}
	if first[0].Fingerprint.Date != "02/03/2026" || !first[0].Fingerprint.ScanAll() {
		t.Errorf("first scan-all fingerprint = %+v", first[0].Fingerprint)
	}
	for _, g := range first {
		want := 1
		if g.Fingerprint.Date == "05/03/2026" {
			want = 2
		}
		if len(g.Subscribers) != want {
			t.Errorf("%s has %d subscribers, want %d", g.Fingerprint.Date, len(g.Subscribers), want)
		}
	}
}

func TestPlanDropsOtherSites(t *testing.T) {
	colosseum := sub("col", "T1", "20/03/2026")
	colosseum.Site = "colosseum"
	explicit := sub("vat", "T1", "20/03/2026")
	explicit.Site = "vatican"

	units := Plan([]*slotwatch.Subscription{colosseum, explicit}, testNow, "vatican", 10, discard())
	if len(units) != 1 || len(units[0]) != 1 {
		t.Fatalf("units = %+v, want one vatican unit", units)
	}
	g := units[0][0]
	if g.Fingerprint.Site != "vatican" || len(g.Subscribers) != 1 || g.Subscribers[0].ID != "vat" {
		t.Errorf("group = %+v", g)
	}
}

func TestTickMarksOtherSiteError(t *testing.T) {
	checker := &fakeChecker{result: func(fp slotwatch.Fingerprint) *slotwatch.CheckOutcome { return outcome(fp, "LOW") }}
	colosseum := sub("col", "T1", "20/03/2026")
	colosseum.Site = "colosseum"
	h := newHarness(1, checker, colosseum)

	if n, err := h.d.Tick(context.Background(), h.clock.Now()); err != nil || n != 0 {
		t.Fatalf("Tick() = %d, %v", n, err)
	}
	if checker.total() != 0 {
		t.Errorf("checked a fingerprint for another site")
	}
	if got := h.store.status("col"); got != slotwatch.StatusError {
		t.Errorf("status = %s, want %s", got, slotwatch.StatusError)
	}
	if h.sink.count() != 0 {
		t.Errorf("alerted for another site")
	}
}

func TestTickChecksEachFingerprintOnce(t *testing.T) {
	available := false
	var mu sync.Mutex
	checker := &fakeChecker{result: func(fp slotwatch.Fingerprint) *slotwatch.CheckOutcome {
		mu.Lock()
		defer mu.Unlock()
		if available {
			return outcome(fp, "LOW")
		}
		return outcome(fp, slotwatch.SoldOut)
	}}
	h := newHarness(2, checker,
		sub("a", "T1", "20/03/2026"),
		sub("b", "T1", "20/03/2026"),
		sub("c", "T1", "20/03/2026"),
	)
	ctx := context.Background()

	n, err := h.d.Tick(ctx, h.clock.Now())
	if err != nil || n != 1 {
		t.Fatalf("Tick() = %d, %v; want 1 check", n, err)
	}
	if checker.total() != 1 {
		t.Errorf("checker called %d times", checker.total())
	}
	if h.sink.count() != 0 {
		t.Errorf("baseline tick sent %d alerts", h.sink.count())
	}
	for _, id := range []string{"a", "b", "c"} {
		if got := h.store.status(id); got != slotwatch.StatusSoldOut {
			t.Errorf("status(%s) = %s", id, got)
		}
	}

	// Not due yet.
	h.clock.Advance(2 * time.Minute)
	if n, _ := h.d.Tick(ctx, h.clock.Now()); n != 0 {
		t.Errorf("early tick checked %d fingerprints", n)
	}

	mu.Lock()
	available = true
	mu.Unlock()
	h.clock.Advance(5 * time.Minute)
	if n, err := h.d.Tick(ctx, h.clock.Now()); err != nil || n != 1 {
		t.Fatalf("second Tick() = %d, %v", n, err)
	}
	if h.sink.count() != 3 {
		t.Errorf("sent %d alerts, want one per subscriber", h.sink.count())
	}
	if a := h.sink.alerts[0]; a.Visitors != 2 || len(a.Slots) != 1 || a.BookingURL == "" {
		t.Errorf("alert = %+v", a)
	}
	if got := len(h.history.Entries()); got != 6 {
		t.Errorf("history has %d entries, want 6", got)
	}
}

func TestTickUnresolvableMarksError(t *testing.T) {
	checker := &fakeChecker{result: func(fp slotwatch.Fingerprint) *slotwatch.CheckOutcome {
		return &slotwatch.CheckOutcome{CheckedAt: testNow, Fingerprint: fp, Err: slotwatch.ErrCatalogUnresolvable}
	}}
	h := newHarness(1, checker, sub("a", "", "20/03/2026"))

	if _, err := h.d.Tick(context.Background(), h.clock.Now()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if got := h.store.status("a"); got != slotwatch.StatusError {
		t.Errorf("status = %s, want error", got)
	}
	if h.sink.count() != 0 {
		t.Errorf("sent %d alerts for a failed check", h.sink.count())
	}
	entries := h.history.Entries()
	if len(entries) != 1 || entries[0].Error == "" {
		t.Errorf("history = %+v", entries)
	}
}

func TestTickMixedStatusesPreferAvailable(t *testing.T) {
	checker := &fakeChecker{result: func(fp slotwatch.Fingerprint) *slotwatch.CheckOutcome {
		switch fp.Date {
		case "20/03/2026":
			return outcome(fp, "HIGH")
		case "21/03/2026":
			return &slotwatch.CheckOutcome{Fingerprint: fp, Err: errors.New("timeout")}
		default:
			return outcome(fp, slotwatch.SoldOut)
		}
	}}
	h := newHarness(1, checker,
		sub("mixed", "T1", "20/03/2026", "21/03/2026", "22/03/2026"),
		sub("failing", "T1", "21/03/2026", "22/03/2026"),
	)
	if n, err := h.d.Tick(context.Background(), h.clock.Now()); err != nil || n != 3 {
		t.Fatalf("Tick() = %d, %v", n, err)
	}
	if got := h.store.status("mixed"); got != slotwatch.StatusAvailable {
		t.Errorf("mixed status = %s", got)
	}
	if got := h.store.status("failing"); got != slotwatch.StatusError {
		t.Errorf("failing status = %s", got)
	}
}

func TestTickWithoutProxies(t *testing.T) {
	checker := &fakeChecker{result: func(fp slotwatch.Fingerprint) *slotwatch.CheckOutcome { return outcome(fp, "LOW") }}
	h := newHarness(0, checker, sub("a", "T1", "20/03/2026"))

	_, err := h.d.Tick(context.Background(), h.clock.Now())
	if !errors.Is(err, slotwatch.ErrConfiguration) {
		t.Errorf("Tick() error = %v, want ErrConfiguration", err)
	}
	if checker.total() != 0 || h.store.markCount() != 0 {
		t.Errorf("aborted tick did work: checks=%d marks=%d", checker.total(), h.store.markCount())
	}
}

func TestTickPastDatesOnly(t *testing.T) {
	checker := &fakeChecker{result: func(fp slotwatch.Fingerprint) *slotwatch.CheckOutcome { return outcome(fp, "LOW") }}
	h := newHarness(1, checker, sub("old", "T1", "01/02/2026"))

	if n, err := h.d.Tick(context.Background(), h.clock.Now()); err != nil || n != 0 {
		t.Fatalf("Tick() = %d, %v", n, err)
	}
	if checker.total() != 0 {
		t.Errorf("checked a past date")
	}
	if h.store.markCount() != 1 || h.store.status("old") != slotwatch.StatusUnknown {
		t.Errorf("marks=%d status=%s", h.store.markCount(), h.store.status("old"))
	}
}

func TestTickSkipsFingerprintInFlight(t *testing.T) {
	checker := &fakeChecker{
		result:  func(fp slotwatch.Fingerprint) *slotwatch.CheckOutcome { return outcome(fp, slotwatch.SoldOut) },
		started: make(chan slotwatch.Fingerprint, 1),
		block:   make(chan struct{}),
	}
	h := newHarness(1, checker, sub("a", "T1", "20/03/2026"))
	ctx := context.Background()

	done := make(chan error, 1)
	go func() {
		_, err := h.d.Tick(ctx, h.clock.Now())
		done <- err
	}()
	<-checker.started

	n, err := h.d.Tick(ctx, h.clock.Now())
	if err != nil || n != 0 {
		t.Errorf("overlapping Tick() = %d, %v; want 0 checks", n, err)
	}
	if h.store.markCount() != 0 {
		t.Errorf("overlapping tick marked the subscription")
	}

	close(checker.block)
	if err := <-done; err != nil {
		t.Fatalf("first Tick() error = %v", err)
	}
	if checker.total() != 1 || h.store.markCount() != 1 {
		t.Errorf("checks=%d marks=%d", checker.total(), h.store.markCount())
	}
}

func TestTickSinkFailureIsNotFatal(t *testing.T) {
	open := false
	checker := &fakeChecker{result: func(fp slotwatch.Fingerprint) *slotwatch.CheckOutcome {
		if open {
			return outcome(fp, "LOW")
		}
		return outcome(fp, slotwatch.SoldOut)
	}}
	h := newHarness(1, checker, sub("a", "T1", "20/03/2026"))
	h.sink.err = errors.New("telegram down")
	ctx := context.Background()

	if _, err := h.d.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatal(err)
	}
	open = true
	h.clock.Advance(10 * time.Minute)
	if _, err := h.d.Tick(ctx, h.clock.Now()); err != nil {
		t.Fatalf("Tick() error = %v", err)
	}
	if h.sink.count() != 1 || h.store.status("a") != slotwatch.StatusAvailable {
		t.Errorf("alerts=%d status=%s", h.sink.count(), h.store.status("a"))
	}
}

func TestMergeStatus(t *testing.T) {
	tests := []struct {
		prev, next, want slotwatch.Status
	}{
		{"", slotwatch.StatusSoldOut, slotwatch.StatusSoldOut},
		{slotwatch.StatusSoldOut, slotwatch.StatusError, slotwatch.StatusError},
		{slotwatch.StatusError, slotwatch.StatusAvailable, slotwatch.StatusAvailable},
		{slotwatch.StatusAvailable, slotwatch.StatusError, slotwatch.StatusAvailable},
		{slotwatch.StatusError, slotwatch.StatusSoldOut, slotwatch.StatusError},
	}
	for _, tt := range tests {
		if got := mergeStatus(tt.prev, tt.next); got != tt.want {
			t.Errorf("mergeStatus(%q, %q) = %q, want %q", tt.prev, tt.next, got, tt.want)
		}
	}
}
