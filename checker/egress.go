package checker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slotwatch/pkg/slotwatch"
	"slotwatch/probe"
	"slotwatch/proxy"
)

// Prober issues single upstream requests through a given endpoint.
type Prober interface {
	Availability(ctx context.Context, req probe.Request, creds slotwatch.Credentials, h *proxy.Handle) ([]slotwatch.Slot, error)
	Validate(ctx context.Context, creds slotwatch.Credentials, h *proxy.Handle) error
}

// Pool leases endpoints and takes reputation feedback.
type Pool interface {
	Acquire(ctx context.Context, sticky string) (*proxy.Handle, error)
	Release(ctx context.Context, h *proxy.Handle, success, blocked bool)
}

// Executor applies admission, spacing, timeouts and transient retries.
type Executor interface {
	Execute(ctx context.Context, fn func(ctx context.Context) error) error
}

// EgressConfig configures an Egress.
type EgressConfig struct {
	Prober   Prober
	Pool     Pool
	Governor Executor
	Logger   *slog.Logger
	Attempts int // Endpoints tried per probe
}

// Egress runs each probe under the governor on a pool endpoint, moving to another
// endpoint when one is blocked or keeps failing.
type Egress struct {
	prober   Prober
	pool     Pool
	gov      Executor
	logger   *slog.Logger
	attempts int
}

// NewEgress creates an Egress.
func NewEgress(cfg EgressConfig) *Egress {
	if cfg.Attempts <= 0 {
		cfg.Attempts = 3
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Egress{
		prober:   cfg.Prober,
		pool:     cfg.Pool,
		gov:      cfg.Governor,
		logger:   cfg.Logger,
		attempts: cfg.Attempts,
	}
}

// Availability fetches the slot list for req, preferring the sticky endpoint.
func (e *Egress) Availability(ctx context.Context, req probe.Request, creds slotwatch.Credentials, sticky string) ([]slotwatch.Slot, error) {
	var slots []slotwatch.Slot
	err := e.do(ctx, sticky, func(ctx context.Context, h *proxy.Handle) error {
		var err error
		slots, err = e.prober.Availability(ctx, req, creds, h)
		return err
	})
	return slots, err
}

// Validate is the live revalidation probe used by the session cache.
func (e *Egress) Validate(ctx context.Context, creds slotwatch.Credentials, sticky string) error {
	return e.do(ctx, sticky, func(ctx context.Context, h *proxy.Handle) error {
		return e.prober.Validate(ctx, creds, h)
	})
}

func (e *Egress) do(ctx context.Context, sticky string, fn func(ctx context.Context, h *proxy.Handle) error) error {
	var lastErr error
	for attempt := range e.attempts {
		h, err := e.pool.Acquire(ctx, sticky)
		if err != nil {
			return fmt.Errorf("acquire proxy: %w", err)
		}

		// Feedback is per governor attempt, so retried transient failures all count.
		err = e.gov.Execute(ctx, func(actx context.Context) error {
			err := fn(actx, h)
			e.release(ctx, h, err)
			return err
		})

		if err == nil {
			return nil
		}
		if ctx.Err() != nil || !(slotwatch.IsBlocked(err) || slotwatch.IsTransient(err)) {
			return err
		}
		lastErr = err
		sticky = ""
		e.logger.Info("Probe failed on endpoint, rotating",
			"proxy_id", h.ID,
			"attempt", attempt+1,
			"error", err)
	}
	return lastErr
}

// release reports one attempt's result to the pool. An attempt cut short by the
// caller says nothing about the endpoint and is not reported; the attempt's own
// deadline is.
func (e *Egress) release(ctx context.Context, h *proxy.Handle, err error) {
	if ctx.Err() != nil {
		return
	}
	// 401/403 and unexpected responses prove the endpoint works; only blocks
	// and transient failures count against it.
	success := err == nil || slotwatch.IsSessionInvalid(err) || errors.Is(err, slotwatch.ErrUnexpectedResponse)
	e.pool.Release(context.WithoutCancel(ctx), h, success, slotwatch.IsBlocked(err))
}
