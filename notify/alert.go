package notify

import (
	"slotwatch/pkg/slotwatch"
	"strings"
)

// BuildAlert renders the structured message for sub from an outcome it was notified about.
// Only bookable slots are listed; those matching the subscriber's preferred times come first.
func BuildAlert(sub *slotwatch.Subscription, out *slotwatch.CheckOutcome, d Decision, bookingBase string) slotwatch.Alert {
	fp := out.Fingerprint
	a := slotwatch.Alert{
		DetectedAt:     out.CheckedAt,
		SubscriptionID: sub.ID,
		Site:           fp.Site,
		Date:           fp.Date,
		ProductName:    out.ProductName,
		Language:       fp.Language,
		Source:         out.Source,
		Visitors:       sub.Visitors,
		Reopened:       d.Reopened,
	}
	if a.ProductName == "" {
		a.ProductName = sub.ProductName
	}
	if a.Language == "" {
		a.Language = sub.Language
	}
	if a.Visitors <= 0 {
		a.Visitors = 1
	}
	if link, err := slotwatch.DeepLink(bookingBase, fp.Variant, fp.Date, a.Visitors); err == nil {
		a.BookingURL = link
	}

	prefs := normalizePreferences(sub.PreferredTimes)
	for _, s := range out.Slots {
		if !s.Available() {
			continue
		}
		a.Slots = append(a.Slots, s)
		if matchesAny(s.Time, prefs) {
			a.Preferred = append(a.Preferred, s)
		} else {
			a.Others = append(a.Others, s)
		}
	}
	return a
}

// NormalizeTime turns loose hour hints into HH:MM: "8" becomes "08:00", "9:30" becomes "09:30".
func NormalizeTime(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	hour, minute, found := strings.Cut(s, ":")
	if len(hour) == 1 {
		hour = "0" + hour
	}
	if !found || minute == "" {
		minute = "00"
	}
	return hour + ":" + minute
}

func normalizePreferences(raw []string) []string {
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		if n := NormalizeTime(p); n != "" {
			out = append(out, n)
		}
	}
	return out
}

func matchesAny(slotTime string, prefs []string) bool {
	for _, p := range prefs {
		if strings.HasPrefix(slotTime, p) {
			return true
		}
	}
	return false
}
