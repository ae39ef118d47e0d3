// Package slotwatch contains the core domain types for the slot availability watcher.
package slotwatch

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"
)

// SoldOut is the upstream availability code for a slot that cannot be booked.
const SoldOut = "SOLD_OUT"

// Variant is the product family a catalog entry belongs to.
type Variant int

// Product families.
const (
	Standard Variant = iota
	Guided
)

func (v Variant) String() string {
	if v == Guided {
		return "guided"
	}
	return "standard"
}

// MarshalText implements encoding.TextMarshaler.
func (v Variant) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (v *Variant) UnmarshalText(b []byte) error {
	switch strings.ToLower(strings.TrimSpace(string(b))) {
	case "", "standard", "0":
		*v = Standard
	case "guided", "1":
		*v = Guided
	default:
		return fmt.Errorf("unknown variant %q", string(b))
	}
	return nil
}

// Policy controls when a subscriber is alerted.
type Policy string

// Notification policies.
const (
	PolicyAnyChange     Policy = "any_change"
	PolicyAvailableOnly Policy = "available_only"
	PolicySilent        Policy = "silent"
)

// Status is the last-known status recorded on a subscription.
type Status string

// Subscription statuses.
const (
	StatusUnknown   Status = "unknown"
	StatusAvailable Status = "available"
	StatusSoldOut   Status = "sold_out"
	StatusError     Status = "error"
)

// Channel kinds.
const (
	ChannelTelegram = "telegram"
	ChannelEmail    = "email"
)

// Channel is where a subscriber receives alerts.
type Channel struct {
	Kind   string `json:"kind"`   // telegram or email
	Target string `json:"target"` // chat id or address
}

// Subscription is a subscriber's request to watch dates for one product (or all of a family).
// The watcher only ever writes LastChecked and LastStatus.
type Subscription struct {
	LastChecked    time.Time `json:"last_checked"`
	Channel        Channel   `json:"channel"`
	ID             string    `json:"id"`
	Site           string    `json:"site"`
	ProductID      string    `json:"product_id,omitempty"` // Empty means scan every product of the family
	ProductName    string    `json:"product_name,omitempty"`
	Language       string    `json:"language,omitempty"`
	LastStatus     Status    `json:"last_status"`
	Policy         Policy    `json:"notification_mode"`
	Dates          []string  `json:"dates"`
	PreferredTimes []string  `json:"preferred_times,omitempty"`
	Variant        Variant   `json:"variant"`
	Visitors       int       `json:"visitors"`
	CheckInterval  int       `json:"check_interval"` // Seconds
	Active         bool      `json:"active"`
}

// ScanAll reports whether the subscription wants every product of its family.
func (s *Subscription) ScanAll() bool {
	return strings.TrimSpace(s.ProductID) == ""
}

// Interval returns the check interval, floored to floor.
func (s *Subscription) Interval(floor time.Duration) time.Duration {
	d := time.Duration(s.CheckInterval) * time.Second
	if d < floor {
		return floor
	}
	return d
}

// Due reports whether the subscription should be checked at now.
func (s *Subscription) Due(now time.Time, floor time.Duration) bool {
	if !s.Active {
		return false
	}
	if s.LastChecked.IsZero() {
		return true
	}
	return now.Sub(s.LastChecked) >= s.Interval(floor)
}

// Fingerprint identifies one unit of remote-check work. An empty ProductID means the
// fingerprint is resolved against every catalog entry of the variant at check time.
type Fingerprint struct {
	Site      string
	Date      string // DD/MM/YYYY
	ProductID string
	Language  string
	Variant   Variant
}

func (f Fingerprint) String() string {
	product := f.ProductID
	if product == "" {
		product = "*"
	}
	lang := f.Language
	if lang == "" {
		lang = "-"
	}
	return f.Site + "|" + f.Date + "|" + product + "|" + f.Variant.String() + "|" + lang
}

// ScanAll reports whether the fingerprint covers a whole family.
func (f Fingerprint) ScanAll() bool {
	return f.ProductID == ""
}

// SessionKey returns the session context the fingerprint is resolved in.
func (f Fingerprint) SessionKey() SessionKey {
	return SessionKey{Site: f.Site, Variant: f.Variant}
}

// Slot is one bookable time as reported upstream.
type Slot struct {
	Time         string `json:"time"`
	Availability string `json:"availability"`
}

// Available reports whether the slot can be booked.
func (s Slot) Available() bool {
	return s.Availability != SoldOut
}

// Source is the path that produced a check outcome.
type Source string

// Check sources.
const (
	SourceCheap Source = "cheap"
	SourceHeavy Source = "heavy"
)

// State is the open/closed observation derived from an outcome.
type State string

// Observation states.
const (
	StateUnknown State = "unknown"
	StateClosed  State = "closed"
	StateOpen    State = "open"
)

// CheckOutcome is the single result of checking one fingerprint in one tick.
type CheckOutcome struct {
	CheckedAt   time.Time
	Err         error
	Fingerprint Fingerprint
	Source      Source
	ProductName string
	Slots       []Slot
}

// State returns Open when any slot is available, Closed otherwise, and Unknown for failed checks.
func (o *CheckOutcome) State() State {
	if o.Err != nil {
		return StateUnknown
	}
	for _, s := range o.Slots {
		if s.Available() {
			return StateOpen
		}
	}
	return StateClosed
}

// Status maps the outcome onto a subscription status.
func (o *CheckOutcome) Status() Status {
	switch o.State() {
	case StateOpen:
		return StatusAvailable
	case StateClosed:
		return StatusSoldOut
	default:
		return StatusError
	}
}

// ContentHash hashes the fingerprint and its sorted slot list.
func (o *CheckOutcome) ContentHash() string {
	slots := make([]string, 0, len(o.Slots))
	for _, s := range o.Slots {
		slots = append(slots, s.Time+"="+s.Availability)
	}
	sort.Strings(slots)
	h := sha256.New()
	h.Write([]byte(o.Fingerprint.String()))
	h.Write([]byte{'\n'})
	h.Write([]byte(strings.Join(slots, ",")))
	return hex.EncodeToString(h.Sum(nil))
}

// ProxyRecord is an egress endpoint with its reputation.
type ProxyRecord struct {
	LastUsed            time.Time  `json:"last_used"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	ID                  string     `json:"id"`
	Endpoint            string     `json:"endpoint"` // host:port
	Username            string     `json:"username,omitempty"`
	Password            string     `json:"password,omitempty"`
	Tag                 string     `json:"tag,omitempty"` // Quality tier, e.g. "residential"
	FailCount           int        `json:"fail_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Active              bool       `json:"active"`
}

// URL returns the proxy URL including credentials.
func (p *ProxyRecord) URL() *url.URL {
	u := &url.URL{Scheme: "http", Host: p.Endpoint}
	if p.Username != "" {
		u.User = url.UserPassword(p.Username, p.Password)
	}
	return u
}

// CoolingAt reports whether the record is in cooldown at now.
func (p *ProxyRecord) CoolingAt(now time.Time) bool {
	return p.CooldownUntil != nil && p.CooldownUntil.After(now)
}

// SessionKey identifies a session context: one site and product family.
type SessionKey struct {
	Site    string
	Variant Variant
}

func (k SessionKey) String() string {
	return k.Site + "-" + k.Variant.String()
}

// Cookie is one trust cookie harvested from the browser.
type Cookie struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Domain string `json:"domain,omitempty"`
	Path   string `json:"path,omitempty"`
}

// Credentials is the opaque trust material used by cheap-path probes.
type Credentials struct {
	UserAgent string   `json:"user_agent,omitempty"`
	Cookies   []Cookie `json:"cookies"`
}

// CookieHeader renders the cookies as a Cookie request header value.
func (c Credentials) CookieHeader() string {
	parts := make([]string, 0, len(c.Cookies))
	for _, ck := range c.Cookies {
		parts = append(parts, ck.Name+"="+ck.Value)
	}
	return strings.Join(parts, "; ")
}

// CatalogEntry is one product identifier resolved for a date.
type CatalogEntry struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Variant Variant `json:"variant"`
}

// CatalogPage is the catalog harvested for one date.
type CatalogPage struct {
	HarvestedAt time.Time      `json:"harvested_at"`
	Entries     []CatalogEntry `json:"entries"`
}

// SessionBundle holds the trust credentials and per-date catalog for one session context.
// Bundles are immutable once published; refreshes build a new bundle.
type SessionBundle struct {
	RefreshedAt time.Time              `json:"refreshed_at"`
	Catalog     map[string]CatalogPage `json:"catalog"`
	Key         SessionKey             `json:"key"`
	Credentials Credentials            `json:"credentials"`
	StickyProxy string                 `json:"sticky_proxy,omitempty"`
	Valid       bool                   `json:"valid"`
}

// Harvest is what one heavy acquisition produced for a session context and date.
type Harvest struct {
	Credentials Credentials
	ProxyID     string // Endpoint the browser used, kept as the bundle's sticky proxy
	Entries     []CatalogEntry
}

// Alert is the structured message handed to a notification channel.
type Alert struct {
	DetectedAt     time.Time
	SubscriptionID string
	Site           string
	Date           string
	ProductName    string
	Language       string
	BookingURL     string
	Source         Source
	Slots          []Slot
	Preferred      []Slot
	Others         []Slot
	Visitors       int
	Reopened       bool // False for any-change updates that are not an open transition
}
