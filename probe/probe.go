// Package probe issues the cheap availability and session-validation requests against the ticketing API.
package probe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"slotwatch/pkg/slotwatch"
	"slotwatch/proxy"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

const (
	defaultUserAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	maxBodyBytes     = 1 << 20
)

// Upstream language codes mapped to the API's lang parameter.
var apiLang = map[string]string{
	"ITA": "it",
	"ENG": "en",
	"FRA": "fr",
	"DEU": "de",
	"TED": "de",
	"SPA": "es",
}

// APILang returns the API's lang parameter for a visit language code.
func APILang(code string) string {
	if l, ok := apiLang[strings.ToUpper(code)]; ok {
		return l
	}
	return "en"
}

// Request identifies one availability probe.
type Request struct {
	ProductID string
	Date      string // DD/MM/YYYY
	Language  string // Visit language code, e.g. ENG
	Variant   slotwatch.Variant
	Visitors  int
}

// Client talks to the upstream JSON API. One http.Client is kept per egress endpoint.
type Client struct {
	base      *url.URL
	logger    *slog.Logger
	clients   map[string]*http.Client
	direct    *http.Client
	userAgent string
	mu        sync.Mutex
}

// Config configures a Client.
type Config struct {
	Logger    *slog.Logger
	BaseURL   string
	UserAgent string
}

// New creates a probe client for BaseURL.
func New(cfg Config) (*Client, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base url %q: %w", cfg.BaseURL, slotwatch.ErrConfiguration)
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		base:      base,
		logger:    cfg.Logger,
		clients:   make(map[string]*http.Client),
		direct:    &http.Client{Transport: http.DefaultTransport.(*http.Transport).Clone()},
		userAgent: cfg.UserAgent,
	}, nil
}

// AvailabilityURL builds the timeavail URL for req.
func (c *Client) AvailabilityURL(req Request) string {
	q := url.Values{}
	q.Set("lang", APILang(req.Language))
	if req.Variant == slotwatch.Guided && req.Language != "" {
		q.Set("visitLang", strings.ToUpper(req.Language))
	}
	q.Set("visitTypeId", req.ProductID)
	visitors := req.Visitors
	if visitors <= 0 {
		visitors = slotwatch.HarvestVisitors(req.Variant)
	}
	q.Set("visitorNum", strconv.Itoa(visitors))
	q.Set("visitDate", req.Date)
	return c.base.String() + "/api/visit/timeavail?" + q.Encode()
}

type timetable struct {
	Timetable []slotwatch.Slot `json:"timetable"`
}

// Availability fetches the raw slot list for one product, date and language.
func (c *Client) Availability(ctx context.Context, req Request, creds slotwatch.Credentials, h *proxy.Handle) ([]slotwatch.Slot, error) {
	target := c.AvailabilityURL(req)
	body, err := c.get(ctx, target, creds, h)
	if err != nil {
		return nil, err
	}
	var tt timetable
	if err := json.Unmarshal(body, &tt); err != nil {
		return nil, &slotwatch.ProbeError{Kind: slotwatch.ErrUnexpectedResponse, URL: target, Err: fmt.Errorf("decode timetable: %w", err)}
	}
	return tt.Timetable, nil
}

// Validate performs the lightweight live revalidation of cached credentials.
func (c *Client) Validate(ctx context.Context, creds slotwatch.Credentials, h *proxy.Handle) error {
	_, err := c.get(ctx, c.base.String()+"/api/home/info", creds, h)
	return err
}

func (c *Client) get(ctx context.Context, target string, creds slotwatch.Credentials, h *proxy.Handle) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	ua := creds.UserAgent
	if ua == "" {
		ua = c.userAgent
	}
	req.Header.Set("User-Agent", ua)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "it-IT,it;q=0.9,en;q=0.8")
	req.Header.Set("Referer", c.base.String()+"/")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	if cookie := creds.CookieHeader(); cookie != "" {
		req.Header.Set("Cookie", cookie)
	}

	startTime := time.Now()
	resp, err := c.clientFor(h).Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Debug("Probe request failed", "url", target, "duration_ms", duration.Milliseconds(), "error", err)
		return nil, &slotwatch.ProbeError{Kind: slotwatch.ErrTransient, URL: target, Err: err}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, &slotwatch.ProbeError{Kind: slotwatch.ErrTransient, URL: target, StatusCode: resp.StatusCode, Err: err}
	}

	c.logger.Debug("Probe request completed",
		"url", target,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds(),
		"bytes", len(body))

	if err := Classify(resp.StatusCode, resp.Header.Get("Content-Type"), body); err != nil {
		var pe *slotwatch.ProbeError
		if errors.As(err, &pe) {
			pe.URL = target
		}
		return nil, err
	}
	return body, nil
}

// Classify maps a response onto the error taxonomy. A nil return means the body is usable.
func Classify(status int, contentType string, body []byte) error {
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &slotwatch.ProbeError{Kind: slotwatch.ErrSessionInvalid, StatusCode: status}
	case status == http.StatusTooManyRequests:
		return &slotwatch.ProbeError{Kind: slotwatch.ErrUpstreamBlocked, StatusCode: status}
	case status >= http.StatusInternalServerError:
		return &slotwatch.ProbeError{Kind: slotwatch.ErrTransient, StatusCode: status}
	case status != http.StatusOK:
		return &slotwatch.ProbeError{Kind: slotwatch.ErrUnexpectedResponse, StatusCode: status}
	case isBlockPage(contentType, body):
		return &slotwatch.ProbeError{Kind: slotwatch.ErrUpstreamBlocked, StatusCode: status, Err: errors.New("challenge page instead of JSON")}
	default:
		return nil
	}
}

// isBlockPage detects a challenge or access-denied page served with status 200.
func isBlockPage(contentType string, body []byte) bool {
	if strings.Contains(strings.ToLower(contentType), "text/html") {
		return true
	}
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) > 0 && trimmed[0] == '<'
}

func (c *Client) clientFor(h *proxy.Handle) *http.Client {
	if h == nil || h.URL == nil {
		return c.direct
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if hc, ok := c.clients[h.ID]; ok {
		return hc
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.Proxy = http.ProxyURL(h.URL)
	hc := &http.Client{Transport: transport}
	c.clients[h.ID] = hc
	return hc
}
