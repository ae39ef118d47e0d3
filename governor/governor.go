// Package governor bounds concurrency and request rate against one upstream and retries transient failures.
package governor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slotwatch/pkg/slotwatch"
	"time"

	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Probe results reported to the Recorder.
const (
	ResultOK             = "ok"
	ResultTransient      = "transient"
	ResultBlocked        = "blocked"
	ResultSessionInvalid = "session_invalid"
	ResultError          = "error"
)

// Recorder receives per-attempt timings.
type Recorder interface {
	ProbeObserved(result string, d time.Duration)
}

// Config configures a Governor.
type Config struct {
	Logger        *slog.Logger
	Metrics       Recorder
	MaxConcurrent int64
	RPS           float64
	Attempts      uint
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Timeout       time.Duration // Hard deadline per attempt
}

// Governor admits at most MaxConcurrent probes at once, spaced to RPS.
type Governor struct {
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *slog.Logger
	metrics Recorder
	cfg     Config
}

// New creates a governor. Zero values fall back to 8 concurrent, 10 rps, 3 attempts and a 15s timeout.
func New(cfg Config) *Governor {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 8
	}
	if cfg.RPS <= 0 {
		cfg.RPS = 10
	}
	if cfg.Attempts == 0 {
		cfg.Attempts = 3
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = time.Second
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = 10 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Governor{
		sem:     semaphore.NewWeighted(cfg.MaxConcurrent),
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), 1),
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
		cfg:     cfg,
	}
}

// Execute runs fn under admission control, spacing and a per-attempt timeout.
// Transient failures are retried with backoff. Blocked and session-invalid failures
// return immediately so the caller can switch endpoint or refresh the session.
func (g *Governor) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	var lastErr error
	err := retry.Do(
		func() error {
			lastErr = g.attempt(ctx, fn)
			return lastErr
		},
		retry.Attempts(g.cfg.Attempts),
		retry.Delay(g.cfg.BaseDelay),
		retry.MaxDelay(g.cfg.MaxDelay),
		retry.MaxJitter(g.cfg.BaseDelay/2),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			g.logger.Info("Retrying probe after transient error", "attempt", n+1, "error", err)
		}),
		retry.RetryIf(slotwatch.IsTransient),
	)
	if err == nil {
		return nil
	}
	if lastErr != nil {
		return lastErr
	}
	return err
}

func (g *Governor) attempt(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("acquire probe slot: %w", err)
	}
	defer g.sem.Release(1)

	if err := g.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate limiter: %w", err)
	}

	actx, cancel := context.WithTimeout(ctx, g.cfg.Timeout)
	defer cancel()

	start := time.Now()
	err := fn(actx)
	if err != nil && ctx.Err() == nil && errors.Is(actx.Err(), context.DeadlineExceeded) && !slotwatch.IsTransient(err) {
		err = fmt.Errorf("%w: probe exceeded %s: %w", slotwatch.ErrTransient, g.cfg.Timeout, err)
	}
	g.observe(err, time.Since(start))
	return err
}

func (g *Governor) observe(err error, d time.Duration) {
	if g.metrics == nil {
		return
	}
	result := ResultOK
	switch {
	case err == nil:
	case slotwatch.IsTransient(err):
		result = ResultTransient
	case slotwatch.IsBlocked(err):
		result = ResultBlocked
	case slotwatch.IsSessionInvalid(err):
		result = ResultSessionInvalid
	default:
		result = ResultError
	}
	g.metrics.ProbeObserved(result, d)
}
