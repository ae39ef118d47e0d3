package harvest

import (
	"context"
	"sync"

	"github.com/chromedp/cdproto/network"
)

// Exchange is one completed request/response pair observed in the browser.
type Exchange struct {
	URL       string
	MimeType  string
	ErrorText string // Set when loading failed
	RequestID network.RequestID
	Status    int64
}

type waiter struct {
	match func(url string) bool
	ch    chan Exchange
}

// Correlator pairs network events by request id and hands completed exchanges to
// registered waiters. Waiters are registered before the action that triggers the request.
type Correlator struct {
	pending map[network.RequestID]Exchange
	waiters []*waiter
	mu      sync.Mutex
}

// NewCorrelator returns an empty correlator.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[network.RequestID]Exchange)}
}

// Expect registers interest in the first completed exchange whose URL matches.
func (c *Correlator) Expect(match func(url string) bool) <-chan Exchange {
	w := &waiter{match: match, ch: make(chan Exchange, 1)}
	c.mu.Lock()
	c.waiters = append(c.waiters, w)
	c.mu.Unlock()
	return w.ch
}

// Handle consumes one browser event. It never blocks.
func (c *Correlator) Handle(ev any) {
	switch ev := ev.(type) {
	case *network.EventRequestWillBeSent:
		if ev.Request == nil {
			return
		}
		c.mu.Lock()
		if _, ok := c.pending[ev.RequestID]; !ok {
			c.pending[ev.RequestID] = Exchange{URL: ev.Request.URL, RequestID: ev.RequestID}
		}
		c.mu.Unlock()
	case *network.EventResponseReceived:
		if ev.Response == nil {
			return
		}
		c.mu.Lock()
		c.pending[ev.RequestID] = Exchange{
			URL:       ev.Response.URL,
			MimeType:  ev.Response.MimeType,
			RequestID: ev.RequestID,
			Status:    ev.Response.Status,
		}
		c.mu.Unlock()
	case *network.EventLoadingFinished:
		c.complete(ev.RequestID, "")
	case *network.EventLoadingFailed:
		c.complete(ev.RequestID, ev.ErrorText)
	}
}

func (c *Correlator) complete(id network.RequestID, errText string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ex, ok := c.pending[id]
	if !ok {
		return
	}
	delete(c.pending, id)
	ex.ErrorText = errText
	for i, w := range c.waiters {
		if w.match(ex.URL) {
			w.ch <- ex
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

// Await waits for ch or ctx.
func Await(ctx context.Context, ch <-chan Exchange) (Exchange, error) {
	select {
	case <-ctx.Done():
		return Exchange{}, ctx.Err()
	case ex := <-ch:
		return ex, nil
	}
}
