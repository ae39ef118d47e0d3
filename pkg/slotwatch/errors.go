package slotwatch

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component.
var (
	// ErrTransient covers timeouts, connection failures and 5xx responses.
	ErrTransient = errors.New("transient network error")
	// ErrSessionInvalid means the upstream rejected the cached credentials (401/403).
	ErrSessionInvalid = errors.New("session invalid")
	// ErrUpstreamBlocked means the egress endpoint is rate limited or blocked (429 or block marker).
	ErrUpstreamBlocked = errors.New("upstream blocked")
	// ErrCatalogUnresolvable means a harvest found no product identifiers.
	ErrCatalogUnresolvable = errors.New("catalog unresolvable")
	// ErrRefreshFailed means the heavy acquisition path failed.
	ErrRefreshFailed = errors.New("session refresh failed")
	// ErrNeedsRefresh means the cached bundle cannot be used without a refresh.
	ErrNeedsRefresh = errors.New("session needs refresh")
	// ErrUnexpectedResponse covers responses that fit no other class, such as a 404 or an undecodable body.
	ErrUnexpectedResponse = errors.New("unexpected upstream response")
	// ErrConfiguration is not self-healing and fails a whole tick.
	ErrConfiguration = errors.New("configuration error")
	// ErrNoProxy means no active egress endpoint exists.
	ErrNoProxy = fmt.Errorf("no active proxy: %w", ErrConfiguration)
)

// ProbeError is a classified failure of one outbound request.
type ProbeError struct {
	Kind       error
	Err        error
	URL        string
	StatusCode int
}

func (e *ProbeError) Error() string {
	switch {
	case e.StatusCode != 0 && e.Err != nil:
		return fmt.Sprintf("%v: HTTP %d: %s: %v", e.Kind, e.StatusCode, e.URL, e.Err)
	case e.StatusCode != 0:
		return fmt.Sprintf("%v: HTTP %d: %s", e.Kind, e.StatusCode, e.URL)
	case e.Err != nil:
		return fmt.Sprintf("%v: %s: %v", e.Kind, e.URL, e.Err)
	default:
		return fmt.Sprintf("%v: %s", e.Kind, e.URL)
	}
}

// Unwrap exposes both the kind and the underlying cause to errors.Is.
func (e *ProbeError) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// IsTransient reports whether err is worth retrying on the same endpoint.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTransient)
}

// IsBlocked reports whether err should escalate the endpoint's cooldown.
func IsBlocked(err error) bool {
	return errors.Is(err, ErrUpstreamBlocked)
}

// IsSessionInvalid reports whether err invalidates the cached session.
func IsSessionInvalid(err error) bool {
	return errors.Is(err, ErrSessionInvalid)
}
