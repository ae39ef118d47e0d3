package slotwatch

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"20/03/2026", "20/03/2026", false},
		{"2026-03-20", "20/03/2026", false},
		{" 2026-03-20 ", "20/03/2026", false},
		{"03/20/2026", "", true},
		{"tomorrow", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := NormalizeDate(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("NormalizeDate(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("NormalizeDate(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestDeepLink(t *testing.T) {
	// 20/03/2026 00:00 in Rome is 19/03/2026 23:00 UTC.
	wantMillis := time.Date(2026, 3, 19, 23, 0, 0, 0, time.UTC).UnixMilli()

	got, err := DeepLink("https://tickets.example/", Guided, "20/03/2026", 0)
	if err != nil {
		t.Fatalf("DeepLink: %v", err)
	}
	want := fmt.Sprintf("https://tickets.example/home/fromtag/2/%d/MV-Visite-Guidate/1", wantMillis)
	if got != want {
		t.Errorf("DeepLink = %q, want %q", got, want)
	}

	got, err = DeepLink("https://tickets.example", Standard, "2026-03-20", 4)
	if err != nil {
		t.Fatalf("DeepLink: %v", err)
	}
	want = fmt.Sprintf("https://tickets.example/home/fromtag/4/%d/MV-Biglietti/1", wantMillis)
	if got != want {
		t.Errorf("DeepLink = %q, want %q", got, want)
	}
}

func TestIsPast(t *testing.T) {
	// 23:30 UTC on the 19th is already the 20th in Rome.
	now := time.Date(2026, 3, 19, 23, 30, 0, 0, time.UTC)
	if !IsPast("19/03/2026", now) {
		t.Error("19/03/2026 should be past")
	}
	if IsPast("20/03/2026", now) {
		t.Error("20/03/2026 is today and should not be past")
	}
}

func TestOutcomeState(t *testing.T) {
	fp := Fingerprint{Site: "vatican", Date: "20/03/2026", ProductID: "T1", Language: "ENG"}
	tests := []struct {
		name    string
		outcome CheckOutcome
		state   State
		status  Status
	}{
		{"error", CheckOutcome{Fingerprint: fp, Err: ErrCatalogUnresolvable}, StateUnknown, StatusError},
		{"empty", CheckOutcome{Fingerprint: fp}, StateClosed, StatusSoldOut},
		{"sold out", CheckOutcome{Fingerprint: fp, Slots: []Slot{{Time: "09:00", Availability: SoldOut}}}, StateClosed, StatusSoldOut},
		{"open", CheckOutcome{Fingerprint: fp, Slots: []Slot{{Time: "09:00", Availability: SoldOut}, {Time: "10:00", Availability: "LOW"}}}, StateOpen, StatusAvailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.outcome.State(); got != tt.state {
				t.Errorf("State() = %v, want %v", got, tt.state)
			}
			if got := tt.outcome.Status(); got != tt.status {
				t.Errorf("Status() = %v, want %v", got, tt.status)
			}
		})
	}
}

func TestContentHashIgnoresOrder(t *testing.T) {
	fp := Fingerprint{Site: "vatican", Date: "20/03/2026", ProductID: "T1"}
	a := CheckOutcome{Fingerprint: fp, Slots: []Slot{{"09:00", "LOW"}, {"10:00", "HIGH"}}}
	b := CheckOutcome{Fingerprint: fp, Slots: []Slot{{"10:00", "HIGH"}, {"09:00", "LOW"}}}
	c := CheckOutcome{Fingerprint: fp, Slots: []Slot{{"09:00", "LOW"}}}

	if a.ContentHash() != b.ContentHash() {
		t.Error("hash should not depend on slot order")
	}
	if a.ContentHash() == c.ContentHash() {
		t.Error("different slot lists should hash differently")
	}
}

func TestProbeErrorIs(t *testing.T) {
	err := fmt.Errorf("probe: %w", &ProbeError{Kind: ErrSessionInvalid, StatusCode: 403, URL: "https://x"})
	if !IsSessionInvalid(err) {
		t.Error("expected session invalid")
	}
	if IsBlocked(err) || IsTransient(err) {
		t.Error("unexpected classification")
	}
	var pe *ProbeError
	if !errors.As(err, &pe) || pe.StatusCode != 403 {
		t.Errorf("errors.As failed: %v", pe)
	}
	if !errors.Is(ErrNoProxy, ErrConfiguration) {
		t.Error("ErrNoProxy should be a configuration error")
	}
}

func TestSubscriptionDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		sub  Subscription
		want bool
	}{
		{"never checked", Subscription{Active: true}, true},
		{"inactive", Subscription{Active: false}, false},
		{"interval floored", Subscription{Active: true, CheckInterval: 5, LastChecked: now.Add(-30 * time.Second)}, false},
		{"floor elapsed", Subscription{Active: true, CheckInterval: 5, LastChecked: now.Add(-61 * time.Second)}, true},
		{"long interval", Subscription{Active: true, CheckInterval: 600, LastChecked: now.Add(-5 * time.Minute)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.Due(now, time.Minute); got != tt.want {
				t.Errorf("Due() = %v, want %v", got, tt.want)
			}
		})
	}
}
