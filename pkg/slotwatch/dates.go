package slotwatch

import (
	"fmt"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // Europe/Rome must resolve in minimal containers
)

// DateLayout is the day/month/year format the upstream expects.
const DateLayout = "02/01/2006"

// Deep link slugs per variant, and the visitor counts used when harvesting.
const (
	standardSlug     = "MV-Biglietti"
	guidedSlug       = "MV-Visite-Guidate"
	standardVisitors = 3
	guidedVisitors   = 2
)

var rome = mustLocation("Europe/Rome")

func mustLocation(name string) *time.Location {
	loc, err := time.LoadLocation(name)
	if err != nil {
		panic(fmt.Sprintf("load location %s: %v", name, err))
	}
	return loc
}

// Location returns the upstream's local time zone.
func Location() *time.Location { return rome }

// NormalizeDate accepts DD/MM/YYYY or YYYY-MM-DD and returns DD/MM/YYYY.
func NormalizeDate(s string) (string, error) {
	t, err := ParseDate(s)
	if err != nil {
		return "", err
	}
	return t.Format(DateLayout), nil
}

// ParseDate parses DD/MM/YYYY or YYYY-MM-DD as local midnight in Europe/Rome.
func ParseDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{DateLayout, time.DateOnly} {
		if t, err := time.ParseInLocation(layout, s, rome); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q: want DD/MM/YYYY or YYYY-MM-DD", s)
}

// IsPast reports whether date (DD/MM/YYYY) is before today in Europe/Rome.
func IsPast(date string, now time.Time) bool {
	t, err := ParseDate(date)
	if err != nil {
		return false
	}
	y, m, d := now.In(rome).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, rome)
	return t.Before(today)
}

// HarvestVisitors is the visitor count used when navigating to harvest a variant.
func HarvestVisitors(v Variant) int {
	if v == Guided {
		return guidedVisitors
	}
	return standardVisitors
}

// DeepLink builds the booking page URL that lands directly on the product list for a date.
func DeepLink(base string, v Variant, date string, visitors int) (string, error) {
	t, err := ParseDate(date)
	if err != nil {
		return "", err
	}
	if visitors <= 0 {
		visitors = HarvestVisitors(v)
	}
	slug := standardSlug
	if v == Guided {
		slug = guidedSlug
	}
	return strings.TrimSuffix(base, "/") + "/home/fromtag/" + strconv.Itoa(visitors) + "/" +
		strconv.FormatInt(t.UnixMilli(), 10) + "/" + slug + "/1", nil
}
