// Package harvest drives a headless browser through the booking site's real navigation
// to obtain trust cookies and the product catalog for a date.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slotwatch/pkg/slotwatch"
	"slotwatch/proxy"
	"strings"
	"time"

	"github.com/chromedp/cdproto/cdp"
	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/fetch"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
)

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// ProxySource leases egress endpoints for browser sessions.
type ProxySource interface {
	Acquire(ctx context.Context, sticky string) (*proxy.Handle, error)
	Release(ctx context.Context, h *proxy.Handle, success, blocked bool)
}

// Config configures a Harvester.
type Config struct {
	Proxies   ProxySource
	Logger    *slog.Logger
	BaseURL   string
	ExecPath  string // Chrome binary; empty uses chromedp's lookup
	UserAgent string
	// APIWait bounds how long to wait for the page's first API call after navigation.
	APIWait time.Duration
	// Settle is the pause after that call so the product cards can render.
	Settle time.Duration
}

// Harvester is the heavy acquisition path.
type Harvester struct {
	proxies   ProxySource
	logger    *slog.Logger
	base      string
	execPath  string
	userAgent string
	apiWait   time.Duration
	settle    time.Duration
}

// New creates a Harvester.
func New(cfg Config) *Harvester {
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.APIWait <= 0 {
		cfg.APIWait = 20 * time.Second
	}
	if cfg.Settle <= 0 {
		cfg.Settle = 3 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Harvester{
		proxies:   cfg.Proxies,
		logger:    cfg.Logger,
		base:      strings.TrimSuffix(cfg.BaseURL, "/"),
		execPath:  cfg.ExecPath,
		userAgent: cfg.UserAgent,
		apiWait:   cfg.APIWait,
		settle:    cfg.Settle,
	}
}

// Harvest navigates the deep link for key and date and returns cookies plus the catalog.
// The endpoint used is reported back to the proxy pool and recorded as the sticky proxy.
func (h *Harvester) Harvest(ctx context.Context, key slotwatch.SessionKey, date string) (*slotwatch.Harvest, error) {
	link, err := slotwatch.DeepLink(h.base, key.Variant, date, 0)
	if err != nil {
		return nil, fmt.Errorf("build deep link: %w", err)
	}

	var handle *proxy.Handle
	if h.proxies != nil {
		handle, err = h.proxies.Acquire(ctx, "")
		if err != nil {
			return nil, fmt.Errorf("acquire proxy: %w", err)
		}
	}

	res, err := h.run(ctx, key, link, handle)
	if h.proxies != nil {
		// An empty page is not the endpoint's fault unless it was a block.
		h.proxies.Release(ctx, handle, err == nil || errors.Is(err, slotwatch.ErrCatalogUnresolvable), slotwatch.IsBlocked(err))
	}
	if err != nil {
		return nil, err
	}
	if handle != nil {
		res.ProxyID = handle.ID
	}
	return res, nil
}

func (h *Harvester) run(ctx context.Context, key slotwatch.SessionKey, link string, handle *proxy.Handle) (*slotwatch.Harvest, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.UserAgent(h.userAgent),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("lang", "it-IT"),
		chromedp.Flag("no-sandbox", true),
	)
	if h.execPath != "" {
		opts = append(opts, chromedp.ExecPath(h.execPath))
	}
	if handle != nil {
		opts = append(opts, chromedp.ProxyServer("http://"+handle.Endpoint))
	}

	allocCtx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	browserCtx, cancelBrowser := chromedp.NewContext(allocCtx, chromedp.WithLogf(func(format string, args ...any) {
		h.logger.Debug("Browser log", "message", fmt.Sprintf(format, args...))
	}))
	defer cancelBrowser()

	corr := NewCorrelator()
	firstAPI := corr.Expect(func(u string) bool { return strings.Contains(u, "/api/") })
	withAuth := handle != nil && handle.Username != ""

	chromedp.ListenTarget(browserCtx, func(ev any) {
		corr.Handle(ev)
		if !withAuth {
			return
		}
		switch ev := ev.(type) {
		case *fetch.EventAuthRequired:
			go h.execute(browserCtx, fetch.ContinueWithAuth(ev.RequestID, &fetch.AuthChallengeResponse{
				Response: fetch.AuthChallengeResponseResponseProvideCredentials,
				Username: handle.Username,
				Password: handle.Password,
			}))
		case *fetch.EventRequestPaused:
			go h.execute(browserCtx, fetch.ContinueRequest(ev.RequestID))
		}
	})

	actions := []chromedp.Action{network.Enable(), emulation.SetTimezoneOverride("Europe/Rome")}
	if withAuth {
		actions = append(actions, fetch.Enable().WithHandleAuthRequests(true))
	}

	var html string
	var cookies []*network.Cookie
	actions = append(actions,
		chromedp.Navigate(link),
		chromedp.ActionFunc(func(ctx context.Context) error {
			wctx, cancel := context.WithTimeout(ctx, h.apiWait)
			defer cancel()
			ex, err := Await(wctx, firstAPI)
			if err != nil {
				h.logger.Info("No API call observed after navigation, reading page anyway", "url", link)
				return nil
			}
			return classifyExchange(ex)
		}),
		chromedp.Sleep(h.settle),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.ActionFunc(func(ctx context.Context) error {
			var err error
			cookies, err = network.GetCookies().Do(ctx)
			return err
		}),
	)

	h.logger.Info("Navigating to deep link", "context", key.String(), "url", link, "proxy_id", proxyID(handle))
	start := time.Now()
	if err := chromedp.Run(browserCtx, actions...); err != nil {
		if slotwatch.IsBlocked(err) || slotwatch.IsSessionInvalid(err) {
			return nil, err
		}
		return nil, fmt.Errorf("browser navigation: %w", err)
	}

	entries, err := ParseCatalog(strings.NewReader(html), key.Variant)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: no product buttons on %s", slotwatch.ErrCatalogUnresolvable, link)
	}

	creds := slotwatch.Credentials{UserAgent: h.userAgent}
	for _, c := range cookies {
		creds.Cookies = append(creds.Cookies, slotwatch.Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}

	h.logger.Info("Harvest completed",
		"context", key.String(),
		"products", len(entries),
		"cookies", len(creds.Cookies),
		"duration_ms", time.Since(start).Milliseconds())

	return &slotwatch.Harvest{Credentials: creds, Entries: entries}, nil
}

// execute runs one command against the browser's current target from an event handler.
func (h *Harvester) execute(ctx context.Context, a chromedp.Action) {
	c := chromedp.FromContext(ctx)
	if c == nil || c.Target == nil {
		return
	}
	if err := a.Do(cdp.WithExecutor(ctx, c.Target)); err != nil && ctx.Err() == nil {
		h.logger.Debug("Browser command failed", "error", err)
	}
}

// classifyExchange turns the page's own API response into the error taxonomy.
func classifyExchange(ex Exchange) error {
	switch {
	case ex.Status == 429:
		return &slotwatch.ProbeError{Kind: slotwatch.ErrUpstreamBlocked, StatusCode: int(ex.Status), URL: ex.URL}
	case ex.Status == 401 || ex.Status == 403:
		// The page itself was refused: the endpoint is burned for this site.
		return &slotwatch.ProbeError{Kind: slotwatch.ErrUpstreamBlocked, StatusCode: int(ex.Status), URL: ex.URL}
	case ex.Status >= 500:
		return &slotwatch.ProbeError{Kind: slotwatch.ErrTransient, StatusCode: int(ex.Status), URL: ex.URL}
	case ex.ErrorText != "" && ex.Status == 0:
		return &slotwatch.ProbeError{Kind: slotwatch.ErrTransient, URL: ex.URL, Err: errors.New(ex.ErrorText)}
	default:
		return nil
	}
}

func proxyID(h *proxy.Handle) string {
	if h == nil {
		return ""
	}
	return h.ID
}
