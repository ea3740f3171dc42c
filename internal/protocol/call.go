package protocol

import (
	"context"
	"sync"
	"sync/atomic"
)

// Call is the awaitable handle returned by Issue. It resolves exactly once;
// later resolutions are ignored.
type Call struct {
	req   *Request
	owner *peer // nil when the call was rejected before enqueue
	ch    chan struct{}

	once    sync.Once
	mu      sync.Mutex
	outcome Outcome

	life      atomic.Pointer[Lifecycle] // current attempt
	abandoned atomic.Bool
	forget    bool // fire-and-forget: nobody waits, failures get logged
}

func newCall(req *Request) *Call {
	return &Call{
		req: req,
		ch:  make(chan struct{}),
	}
}

func (c *Call) ID() string {
	return c.req.ID
}

func (c *Call) Request() *Request {
	return c.req
}

func (c *Call) resolve(o Outcome) bool {
	won := false
	c.once.Do(func() {
		c.mu.Lock()
		c.outcome = o
		c.mu.Unlock()
		won = true
		close(c.ch)
	})
	return won
}

// Done is closed once the outcome is available.
func (c *Call) Done() <-chan struct{} {
	return c.ch
}

// Wait blocks until the call resolves or ctx ends. A ctx error does not
// cancel the request; use Cancel for that.
func (c *Call) Wait(ctx context.Context) (Outcome, error) {
	select {
	case <-c.ch:
		c.mu.Lock()
		o := c.outcome
		c.mu.Unlock()
		return o, nil
	case <-ctx.Done():
		return Outcome{}, ctx.Err()
	}
}

// Result returns the outcome and whether the call has resolved.
func (c *Call) Result() (Outcome, bool) {
	select {
	case <-c.ch:
		c.mu.Lock()
		o := c.outcome
		c.mu.Unlock()
		return o, true
	default:
		return Outcome{}, false
	}
}

// OnDone runs cb in its own goroutine once the call resolves.
func (c *Call) OnDone(cb func(Outcome)) {
	go func() {
		<-c.ch
		c.mu.Lock()
		o := c.outcome
		c.mu.Unlock()
		cb(o)
	}()
}

// Lifecycle reports the current attempt.
func (c *Call) Lifecycle() Snapshot {
	if l := c.life.Load(); l != nil {
		return l.Snapshot()
	}
	return Snapshot{}
}

// Cancel aborts the request. A queued request is dropped without being sent;
// an in-flight one resolves Cancelled locally, but the peer may still have
// acted on it. Reports whether this call caused the cancellation.
func (c *Call) Cancel() bool {
	if c.owner == nil {
		return false
	}
	if _, done := c.Result(); done {
		return false
	}
	c.abandoned.Store(true)
	return c.owner.cancel(c.req.ID)
}
