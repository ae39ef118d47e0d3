package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slotwatch/pkg/slotwatch"
	"testing"
	"time"
)

func localStore(t *testing.T) *Store {
	t.Helper()
	return New(nil, "", t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestObjectKey(t *testing.T) {
	tests := []struct {
		id      string
		want    string
		wantErr bool
	}{
		{"abc-123_X", "sub-abc-123_X.json", false},
		{"", "", true},
		{"../etc/passwd", "", true},
		{"a/b", "", true},
		{"a.json", "", true},
	}
	for _, tt := range tests {
		got, err := objectKey(subscriptionPrefix, tt.id)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("objectKey(%q) = %q, %v; want %q, err=%v", tt.id, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestListDueAndMarkChecked(t *testing.T) {
	s := localStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	subs := []*slotwatch.Subscription{
		{ID: "never", Active: true, CheckInterval: 300},
		{ID: "recent", Active: true, CheckInterval: 300, LastChecked: now.Add(-2 * time.Minute)},
		{ID: "stale", Active: true, CheckInterval: 300, LastChecked: now.Add(-10 * time.Minute)},
		{ID: "floored", Active: true, CheckInterval: 5, LastChecked: now.Add(-30 * time.Second)},
		{ID: "paused", Active: false},
	}
	for _, sub := range subs {
		if err := s.SaveSubscription(ctx, sub); err != nil {
			t.Fatalf("SaveSubscription(%s): %v", sub.ID, err)
		}
	}

	due, err := s.ListDue(ctx, now, time.Minute)
	if err != nil {
		t.Fatalf("ListDue: %v", err)
	}
	got := map[string]bool{}
	for _, d := range due {
		got[d.ID] = true
	}
	if len(got) != 2 || !got["never"] || !got["stale"] {
		t.Errorf("due = %v, want never and stale", got)
	}

	if err := s.MarkChecked(ctx, "never", slotwatch.StatusAvailable, now); err != nil {
		t.Fatalf("MarkChecked: %v", err)
	}
	sub, err := s.LoadSubscription(ctx, "never")
	if err != nil {
		t.Fatal(err)
	}
	if !sub.LastChecked.Equal(now) || sub.LastStatus != slotwatch.StatusAvailable || sub.CheckInterval != 300 {
		t.Errorf("subscription after MarkChecked = %+v", sub)
	}
}

func TestMarkCheckedMissing(t *testing.T) {
	err := localStore(t).MarkChecked(context.Background(), "ghost", slotwatch.StatusError, time.Now())
	if !IsNotFound(err) {
		t.Errorf("MarkChecked() error = %v, want not found", err)
	}
}

func TestListSkipsCorruptObjects(t *testing.T) {
	s := localStore(t)
	ctx := context.Background()
	if err := s.SaveSubscription(ctx, &slotwatch.Subscription{ID: "ok", Active: true}); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(s.localPath, "sub-bad.json"), []byte("{"), 0o600); err != nil {
		t.Fatal(err)
	}
	subs, err := s.ListSubscriptions(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(subs) != 1 || subs[0].ID != "ok" {
		t.Errorf("subs = %+v", subs)
	}
}

func TestProxyRoundTrip(t *testing.T) {
	s := localStore(t)
	ctx := context.Background()
	until := time.Date(2026, 3, 1, 9, 5, 0, 0, time.UTC)
	rec := &slotwatch.ProxyRecord{
		ID:                  ProxyID("10.0.0.1:3128"),
		Endpoint:            "10.0.0.1:3128",
		Username:            "u",
		Password:            "p",
		ConsecutiveFailures: 3,
		CooldownUntil:       &until,
		Active:              true,
	}
	if rec.ID != "10_0_0_1-3128" {
		t.Fatalf("ProxyID = %q", rec.ID)
	}
	if err := s.SaveProxy(ctx, rec); err != nil {
		t.Fatalf("SaveProxy: %v", err)
	}
	// Other object kinds must not leak into the listing.
	if err := s.SaveSubscription(ctx, &slotwatch.Subscription{ID: "x"}); err != nil {
		t.Fatal(err)
	}

	recs, err := s.ListProxies(ctx)
	if err != nil {
		t.Fatalf("ListProxies: %v", err)
	}
	if len(recs) != 1 {
		t.Fatalf("got %d records", len(recs))
	}
	got := recs[0]
	if got.Endpoint != rec.Endpoint || got.ConsecutiveFailures != 3 || got.CooldownUntil == nil || !got.CooldownUntil.Equal(until) {
		t.Errorf("record = %+v", got)
	}
}

func TestBundleRoundTrip(t *testing.T) {
	s := localStore(t)
	ctx := context.Background()
	harvested := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	b := &slotwatch.SessionBundle{
		Key:         slotwatch.SessionKey{Site: "vatican", Variant: slotwatch.Guided},
		Credentials: slotwatch.Credentials{UserAgent: "ua", Cookies: []slotwatch.Cookie{{Name: "sid", Value: "1"}}},
		Catalog: map[string]slotwatch.CatalogPage{
			"20/03/2026": {HarvestedAt: harvested, Entries: []slotwatch.CatalogEntry{{ID: "G1", Name: "Guided", Variant: slotwatch.Guided}}},
		},
		RefreshedAt: harvested,
		StickyProxy: "p1",
		Valid:       true,
	}
	if err := s.SaveBundle(ctx, b); err != nil {
		t.Fatalf("SaveBundle: %v", err)
	}
	if _, err := os.Stat(filepath.Join(s.localPath, "bundle-vatican-guided.json")); err != nil {
		t.Fatalf("bundle object missing: %v", err)
	}

	got, err := s.ListBundles(ctx)
	if err != nil || len(got) != 1 {
		t.Fatalf("ListBundles = %v, %v", got, err)
	}
	page := got[0].Catalog["20/03/2026"]
	if got[0].Key != b.Key || !got[0].Valid || got[0].StickyProxy != "p1" || len(page.Entries) != 1 || page.Entries[0].Variant != slotwatch.Guided {
		t.Errorf("bundle = %+v", got[0])
	}
	if got[0].Credentials.CookieHeader() != "sid=1" {
		t.Errorf("cookies = %+v", got[0].Credentials)
	}
}
