package protocol

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/Ankesh2004/boardlink/pkg/p2p"
)

// peer is one connection incarnation of a remote endpoint. Its goroutine
// (run) is the dispatch loop: it never sends the next request before the
// current one is terminal, which is what orders completions per peer.
type peer struct {
	id      string
	kind    p2p.Kind
	session uint64
	core    *Core

	mu       sync.Mutex
	queue    *outboundQueue
	inflight *pendingEntry
	closed   bool

	limiter *rate.Limiter // nil when sends are not rate limited
	wake    chan struct{}
	quit    chan struct{}
	done    chan struct{}
	ctx     context.Context
	halt    context.CancelFunc // releases a limiter wait when the peer stops
}

func newPeer(c *Core, id string, kind p2p.Kind, session uint64) *peer {
	ctx, halt := context.WithCancel(context.Background())
	p := &peer{
		id:      id,
		kind:    kind,
		session: session,
		core:    c,
		queue:   newOutboundQueue(c.opts.QueueDepth),
		wake:    make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
		ctx:     ctx,
		halt:    halt,
	}
	if c.opts.SendRate > 0 {
		burst := c.opts.SendBurst
		if burst <= 0 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(c.opts.SendRate), burst)
	}
	return p
}

func (p *peer) signal() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *peer) enqueue(it *queueItem) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrUnknownPeer
	}
	if err := p.queue.push(it); err != nil {
		return err
	}
	p.signal()
	return nil
}

// requeue puts a retried attempt back at the head. It fails once the peer
// has been swept or the call was cancelled between attempts.
func (p *peer) requeue(it *queueItem) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed || it.call.abandoned.Load() {
		return false
	}
	p.queue.pushFront(it)
	p.signal()
	return true
}

func (p *peer) run() {
	defer close(p.done)
	for {
		e, ok := p.next()
		if !ok {
			return
		}
		p.dispatch(e)
	}
}

// next blocks until there is queued work, then pops it and opens its
// correlation entry in one step under the peer lock, so a concurrent sweep
// always finds the attempt either queued or in flight.
func (p *peer) next() (*pendingEntry, bool) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false
		}
		pending := p.queue.len()
		p.mu.Unlock()

		if pending == 0 {
			select {
			case <-p.wake:
				continue
			case <-p.quit:
				return nil, false
			}
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(p.ctx); err != nil {
				return nil, false
			}
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, false
		}
		it, ok := p.queue.pop()
		if !ok {
			p.mu.Unlock()
			continue
		}
		if !it.life.Begin() {
			p.mu.Unlock()
			continue
		}
		e := &pendingEntry{
			item:     it,
			peer:     p,
			deadline: time.Now().Add(p.core.opts.Timeout),
			settled:  make(chan struct{}),
		}
		if err := p.core.table.open(it.call.ID(), e); err != nil {
			p.mu.Unlock()
			p.core.logger.Error("dispatch rejected", "peer", p.id, "correlation_id", it.call.ID(), "error", err)
			it.life.Cancel(err)
			p.core.finish(it, Failed(ErrCancelled))
			continue
		}
		p.inflight = e
		p.mu.Unlock()
		return e, true
	}
}

func (p *peer) dispatch(e *pendingEntry) {
	// A sweep may abort the entry between next and here.
	select {
	case <-e.settled:
		p.clearInflight(e)
		return
	default:
	}
	defer p.clearInflight(e)

	req := e.item.call.Request()
	attempt := e.item.life.Snapshot().Attempt
	p.core.metrics.inflight.Inc()
	defer p.core.metrics.inflight.Dec()

	if err := p.core.transport.Send(req.envelope()); err != nil {
		// The attempt still runs to its deadline; the retry path covers it.
		p.core.logger.Warn("send failed", "peer", p.id, "kind", p.kind.String(),
			"correlation_id", req.ID, "attempt", attempt, "error", err)
	}

	timer := time.NewTimer(time.Until(e.deadline))
	defer timer.Stop()

	select {
	case <-e.settled:
	case <-timer.C:
		if won, ok := p.core.table.take(req.ID, func(x *pendingEntry) bool { return x == e }); ok {
			p.core.expire(won)
			return
		}
		<-e.settled
	case <-p.quit:
	}
}

func (p *peer) clearInflight(e *pendingEntry) {
	p.mu.Lock()
	if p.inflight == e {
		p.inflight = nil
	}
	p.mu.Unlock()
}

// cancel aborts one request of this peer by correlation ID.
func (p *peer) cancel(id string) bool {
	p.mu.Lock()
	if it, ok := p.queue.remove(id); ok {
		p.mu.Unlock()
		it.life.Cancel(ErrCancelled)
		p.core.finish(it, Failed(ErrCancelled))
		return true
	}
	e := p.inflight
	p.mu.Unlock()
	if e == nil || e.item.call.ID() != id {
		return false
	}
	return p.core.abort(e)
}

// cancelAll drops the queue and aborts the in-flight attempt. With stop
// set the peer also stops accepting work and its loop exits.
func (p *peer) cancelAll(stop bool) int {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0
	}
	items := p.queue.drain()
	e := p.inflight
	if stop {
		p.closed = true
		p.halt()
		closeChan(p.quit)
	}
	p.mu.Unlock()

	n := 0
	for _, it := range items {
		it.life.Cancel(ErrCancelled)
		if p.core.finish(it, Failed(ErrCancelled)) {
			n++
		}
	}
	if e != nil && p.core.abort(e) {
		n++
	}
	return n
}

func (p *peer) info() PeerInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return PeerInfo{
		ID:       p.id,
		Kind:     p.kind,
		Session:  p.session,
		Queued:   p.queue.len(),
		InFlight: p.inflight != nil,
	}
}

func closeChan(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}
