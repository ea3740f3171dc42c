package protocol

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Ankesh2004/boardlink/pkg/p2p"
)

const (
	DefaultTimeout     = 2 * time.Second
	DefaultMaxAttempts = 3
	DefaultQueueDepth  = 64
)

// Options are fixed for the lifetime of a Core.
type Options struct {
	Timeout     time.Duration // per attempt
	MaxAttempts int
	QueueDepth  int     // undispatched requests per peer
	SendRate    float64 // sends per second per peer, 0 disables limiting
	SendBurst   int
}

func DefaultOptions() Options {
	return Options{
		Timeout:     DefaultTimeout,
		MaxAttempts: DefaultMaxAttempts,
		QueueDepth:  DefaultQueueDepth,
	}
}

func (o Options) normalize() Options {
	def := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = def.Timeout
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.QueueDepth <= 0 {
		o.QueueDepth = def.QueueDepth
	}
	return o
}

// PeerObserver is told about every peer departure after its requests have
// been cancelled and before the ID can be registered again.
type PeerObserver interface {
	PeerLeft(peerID string, kind p2p.Kind)
}

type PeerInfo struct {
	ID       string
	Kind     p2p.Kind
	Session  uint64
	Queued   int
	InFlight bool
}

type Option func(*Core)

func WithLogger(l *slog.Logger) Option {
	return func(c *Core) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Core) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Core is the handle business logic talks to. Pass it explicitly to every
// collaborator that needs to reach a peer.
type Core struct {
	opts      Options
	transport p2p.Transport
	logger    *slog.Logger
	metrics   *Metrics
	table     *correlationTable
	retry     *retryCoordinator

	mu         sync.Mutex // peer directory
	registries [2]map[string]*peer
	observers  []PeerObserver
	joiners    map[string][]chan struct{} // AwaitPeer callers by peer ID
	session    uint64
	closed     bool
	started    bool

	ready chan struct{}
	quit  chan struct{}
	wg    sync.WaitGroup
}

func New(opts Options, transport p2p.Transport, options ...Option) *Core {
	c := &Core{
		opts:      opts.normalize(),
		transport: transport,
		logger:    slog.New(slog.DiscardHandler),
		table:     newCorrelationTable(),
		joiners:   make(map[string][]chan struct{}),
		ready:     make(chan struct{}),
		quit:      make(chan struct{}),
	}
	for i := range c.registries {
		c.registries[i] = make(map[string]*peer)
	}
	for _, o := range options {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.logger = c.logger.With("component", "protocol")
	c.retry = &retryCoordinator{core: c, maxAttempts: c.opts.MaxAttempts}
	return c
}

func (c *Core) Options() Options {
	return c.opts
}

// AddObserver registers o for peer departures.
func (c *Core) AddObserver(o PeerObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.observers = append(c.observers, o)
}

// Start pumps the transport's inbound replies and peer events until ctx
// ends or Close is called. Ready is closed once the pump runs.
func (c *Core) Start(ctx context.Context) {
	c.mu.Lock()
	if c.closed || c.started {
		c.mu.Unlock()
		return
	}
	c.started = true
	c.wg.Add(1)
	c.mu.Unlock()

	go c.pump(ctx)
	close(c.ready)
}

// Ready is closed once Start has the inbound pump running.
func (c *Core) Ready() <-chan struct{} {
	return c.ready
}

func (c *Core) pump(ctx context.Context) {
	defer c.wg.Done()
	rpcs := c.transport.Consume()
	events := c.transport.Events()
	for {
		select {
		case rpc, ok := <-rpcs:
			if !ok {
				rpcs = nil
				continue
			}
			c.OnMessageReceived(rpc.From, rpc.CorrelationID, outcomeFromRPC(rpc))
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Connected {
				if err := c.PeerConnected(ev.ID, ev.Kind); err != nil {
					c.logger.Warn("peer connect rejected", "peer", ev.ID, "error", err)
				}
			} else {
				c.PeerDisconnected(ev.ID)
			}
		case <-ctx.Done():
			return
		case <-c.quit:
			return
		}
	}
}

// Close cancels every outstanding request, sweeps all peers and waits for
// the dispatch loops to exit. The transport is left open.
func (c *Core) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	for _, reg := range c.registries {
		for _, p := range reg {
			c.sweepLocked(p, "core closed")
		}
	}
	c.wakeJoinersLocked()
	c.mu.Unlock()

	close(c.quit)
	c.wg.Wait()
	return nil
}

func (c *Core) lookupLocked(id string) *peer {
	for _, reg := range c.registries {
		if p, ok := reg[id]; ok {
			return p
		}
	}
	return nil
}

func (c *Core) lookup(id string) (*peer, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if p := c.lookupLocked(id); p != nil {
		return p, nil
	}
	return nil, ErrUnknownPeer
}

// PeerConnected registers a fresh queue and dispatch loop for id. A peer
// already known under id is swept first: nothing survives a reconnect.
func (c *Core) PeerConnected(id string, kind p2p.Kind) error {
	if id == "" {
		return fmt.Errorf("peer connect: empty id")
	}
	if int(kind) >= len(c.registries) {
		return fmt.Errorf("peer connect %s: unsupported kind %s", id, kind)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if old := c.lookupLocked(id); old != nil {
		c.sweepLocked(old, "reconnected")
	}
	c.session++
	p := newPeer(c, id, kind, c.session)
	c.registries[kind][id] = p
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		p.run()
	}()
	for _, ch := range c.joiners[id] {
		close(ch)
	}
	delete(c.joiners, id)
	c.metrics.peers.WithLabelValues(kind.String()).Inc()
	c.logger.Info("peer connected", "peer", id, "kind", kind.String(), "session", p.session)
	return nil
}

// PeerDisconnected cancels everything queued or in flight for id, drops the
// queue and notifies observers, all before id may be reused.
func (c *Core) PeerDisconnected(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	p := c.lookupLocked(id)
	if p == nil {
		c.logger.Debug("disconnect for unknown peer", "peer", id)
		return false
	}
	c.sweepLocked(p, "disconnected")
	return true
}

func (c *Core) sweepLocked(p *peer, reason string) {
	delete(c.registries[p.kind], p.id)
	n := p.cancelAll(true)
	for _, o := range c.observers {
		o.PeerLeft(p.id, p.kind)
	}
	c.metrics.peers.WithLabelValues(p.kind.String()).Dec()
	c.logger.Info("peer removed", "peer", p.id, "kind", p.kind.String(),
		"session", p.session, "reason", reason, "cancelled", n)
}

// CancelAllForPeer cancels every queued and in-flight request of a peer
// without disconnecting it.
func (c *Core) CancelAllForPeer(id string) (int, error) {
	p, err := c.lookup(id)
	if err != nil {
		return 0, err
	}
	return p.cancelAll(false), nil
}

// Issue enqueues a request for peerID and returns without blocking. When
// the request cannot be enqueued the returned call is already resolved and
// the error is one of ErrUnknownPeer, ErrQueueFull or ErrClosed.
func (c *Core) Issue(peerID string, payload, binary []byte) (*Call, error) {
	return c.issue(peerID, payload, binary, false)
}

// IssueAndForget is Issue for callers that never look at the outcome. The
// request is still driven to a terminal state and failures are logged.
func (c *Core) IssueAndForget(peerID string, payload, binary []byte) {
	if _, err := c.issue(peerID, payload, binary, true); err != nil {
		c.logger.Warn("fire-and-forget request rejected", "peer", peerID, "error", err)
	}
}

func (c *Core) issue(peerID string, payload, binary []byte, forget bool) (*Call, error) {
	p, err := c.lookup(peerID)
	if err != nil {
		call := newCall(newRequest(peerID, 0, payload, binary))
		call.resolve(Failed(err))
		c.metrics.outcomes.WithLabelValues("none", Failed(err).label()).Inc()
		return call, err
	}

	call := newCall(newRequest(p.id, p.kind, payload, binary))
	call.owner = p
	call.forget = forget
	it := &queueItem{call: call, life: newLifecycle(1)}
	call.life.Store(it.life)

	if err := p.enqueue(it); err != nil {
		it.life.Cancel(err)
		c.finish(it, Failed(err))
		return call, err
	}
	c.metrics.issued.WithLabelValues(p.kind.String()).Inc()
	c.logger.Debug("request queued", "peer", p.id, "correlation_id", call.ID())
	return call, nil
}

// finish hands the terminal outcome to the caller. Only the first
// resolution of a call counts.
func (c *Core) finish(it *queueItem, o Outcome) bool {
	call := it.call
	if !call.resolve(o) {
		c.logger.Warn("duplicate resolution ignored", "peer", call.req.Peer, "correlation_id", call.ID(), "outcome", o.label())
		return false
	}
	kind := call.req.Kind.String()
	c.metrics.outcomes.WithLabelValues(kind, o.label()).Inc()
	c.metrics.latency.WithLabelValues(kind).Observe(time.Since(call.req.IssuedAt).Seconds())
	if call.forget && !o.OK() {
		c.logger.Warn("unobserved request failed", "peer", call.req.Peer, "kind", kind,
			"correlation_id", call.ID(), "error", o.Err())
	}
	return true
}

// expire is the timeout path; the caller already took e from the table.
func (c *Core) expire(e *pendingEntry) {
	defer e.settle()
	e.item.life.End(StateTimedOut, ErrTimeout)
	c.retry.onTimeout(e.peer, e.item)
}

// abort cancels an in-flight attempt if it is still pending.
func (c *Core) abort(e *pendingEntry) bool {
	won, ok := c.table.take(e.item.call.ID(), func(x *pendingEntry) bool { return x == e })
	if !ok {
		return false
	}
	defer won.settle()
	won.item.life.Cancel(ErrCancelled)
	return c.finish(won.item, Failed(ErrCancelled))
}

func (c *Core) Peers() []PeerInfo {
	c.mu.Lock()
	peers := make([]*peer, 0)
	for _, reg := range c.registries {
		for _, p := range reg {
			peers = append(peers, p)
		}
	}
	c.mu.Unlock()

	out := make([]PeerInfo, 0, len(peers))
	for _, p := range peers {
		out = append(out, p.info())
	}
	return out
}

func (c *Core) Lookup(id string) (PeerInfo, bool) {
	p, err := c.lookup(id)
	if err != nil {
		return PeerInfo{}, false
	}
	return p.info(), true
}

// AwaitPeer blocks until id is registered and returns its snapshot. It
// returns early with ctx's error, or ErrClosed once the core shuts down.
func (c *Core) AwaitPeer(ctx context.Context, id string) (PeerInfo, error) {
	for {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return PeerInfo{}, ErrClosed
		}
		if p := c.lookupLocked(id); p != nil {
			c.mu.Unlock()
			return p.info(), nil
		}
		ch := make(chan struct{})
		c.joiners[id] = append(c.joiners[id], ch)
		c.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			c.dropJoiner(id, ch)
			return PeerInfo{}, ctx.Err()
		}
	}
}

func (c *Core) dropJoiner(id string, ch chan struct{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	waiting := c.joiners[id]
	for i, w := range waiting {
		if w == ch {
			waiting = append(waiting[:i], waiting[i+1:]...)
			break
		}
	}
	if len(waiting) == 0 {
		delete(c.joiners, id)
		return
	}
	c.joiners[id] = waiting
}

func (c *Core) wakeJoinersLocked() {
	for id, waiting := range c.joiners {
		for _, ch := range waiting {
			close(ch)
		}
		delete(c.joiners, id)
	}
}

// InFlight is the number of open correlation entries across all peers.
func (c *Core) InFlight() int {
	return c.table.len()
}
