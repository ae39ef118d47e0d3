// Package server exposes the operational HTTP surface: tick trigger, health, metrics, proxy state and history cleanup.
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slotwatch/pkg/slotwatch"
	"time"

	"github.com/goccy/go-json"
)

// Ticker runs one dispatch tick.
type Ticker interface {
	Tick(ctx context.Context, now time.Time) (int, error)
}

// Proxies reports proxy pool state.
type Proxies interface {
	Snapshot() []slotwatch.ProxyRecord
}

// Pruner deletes history older than a cutoff.
type Pruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int64, error)
}

// Server handles HTTP requests.
type Server struct {
	ticker    Ticker
	proxies   Proxies
	pruner    Pruner
	metrics   http.Handler
	clock     slotwatch.Clock
	logger    *slog.Logger
	retention time.Duration
}

// Config holds server configuration.
type Config struct {
	Ticker    Ticker
	Proxies   Proxies
	Pruner    Pruner       // Optional
	Metrics   http.Handler // Optional; /metrics is 404 without it
	Clock     slotwatch.Clock
	Logger    *slog.Logger
	Retention time.Duration
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	s := &Server{
		ticker:    cfg.Ticker,
		proxies:   cfg.Proxies,
		pruner:    cfg.Pruner,
		metrics:   cfg.Metrics,
		clock:     cfg.Clock,
		logger:    cfg.Logger,
		retention: cfg.Retention,
	}
	if s.clock == nil {
		s.clock = slotwatch.SystemClock{}
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}
	if s.retention <= 0 {
		s.retention = 7 * 24 * time.Hour
	}
	return s
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/proxyz", s.handleProxies)
	mux.HandleFunc("/cleanupz", s.handleCleanup)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics)
	}
	return mux
}

// ListenAndServe serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion.
	// A tick can take minutes when a harvest is needed, hence the long write timeout.
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Minute,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	n, err := s.ticker.Tick(r.Context(), s.clock.Now())
	if err != nil {
		s.logger.Error("Poll check failed", "error", err)
		if errors.Is(err, slotwatch.ErrConfiguration) {
			http.Error(w, "Check failed: configuration error", http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "checked": n})
}

type proxyView struct {
	LastUsed            *time.Time `json:"last_used,omitempty"`
	CooldownUntil       *time.Time `json:"cooldown_until,omitempty"`
	ID                  string     `json:"id"`
	Endpoint            string     `json:"endpoint"`
	Tag                 string     `json:"tag,omitempty"`
	FailCount           int        `json:"fail_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	Active              bool       `json:"active"`
	Cooling             bool       `json:"cooling"`
}

// handleProxies lists pool reputation. Credentials are never exposed.
func (s *Server) handleProxies(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	now := s.clock.Now()
	recs := s.proxies.Snapshot()
	views := make([]proxyView, 0, len(recs))
	for i := range recs {
		rec := &recs[i]
		v := proxyView{
			ID:                  rec.ID,
			Endpoint:            rec.Endpoint,
			Tag:                 rec.Tag,
			FailCount:           rec.FailCount,
			ConsecutiveFailures: rec.ConsecutiveFailures,
			Active:              rec.Active,
			Cooling:             rec.CoolingAt(now),
			CooldownUntil:       rec.CooldownUntil,
		}
		if !rec.LastUsed.IsZero() {
			lu := rec.LastUsed
			v.LastUsed = &lu
		}
		views = append(views, v)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"proxies": views})
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.pruner == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "deleted": 0})
		return
	}
	cutoff := s.clock.Now().Add(-s.retention)
	n, err := s.pruner.Prune(r.Context(), cutoff)
	if err != nil {
		s.logger.Error("History cleanup failed", "error", err)
		http.Error(w, "Cleanup failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"status": "completed", "deleted": n})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
