package p2p

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrTransportClosed = errors.New("transport closed")
	ErrNotAttached     = errors.New("peer not attached")
)

// Handler plays the remote side of a loopback peer. Returning nil drops the
// request, which is how tests and the simulator model packet loss.
type Handler func(Envelope) *RPC

type LoopbackOptions struct {
	// Buffer sizes the inbound RPC and event channels.
	Buffer int
	// OnSend, when set, observes every envelope before it is delivered.
	OnSend func(Envelope)
}

type loopPeer struct {
	kind    Kind
	handler Handler
}

// Loopback is an in-process Transport. Remote peers are plain functions.
type Loopback struct {
	LoopbackOptions

	mu         sync.Mutex
	peers      map[string]loopPeer
	closed     bool
	rpcChannel chan RPC
	events     chan PeerEvent
	quit       chan struct{}
	wg         sync.WaitGroup
}

func NewLoopback(options LoopbackOptions) *Loopback {
	if options.Buffer <= 0 {
		options.Buffer = 1024
	}
	return &Loopback{
		LoopbackOptions: options,
		peers:           make(map[string]loopPeer),
		rpcChannel:      make(chan RPC, options.Buffer),
		events:          make(chan PeerEvent, options.Buffer),
		quit:            make(chan struct{}),
	}
}

func (t *Loopback) Consume() <-chan RPC {
	return t.rpcChannel
}

func (t *Loopback) Events() <-chan PeerEvent {
	return t.events
}

// Attach registers a remote peer and announces it on Events.
// Attaching an ID that is already present replaces its handler and
// re-announces it, which is what a reconnect looks like.
func (t *Loopback) Attach(id string, kind Kind, h Handler) error {
	if h == nil {
		return fmt.Errorf("attach %s: nil handler", id)
	}
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	t.peers[id] = loopPeer{kind: kind, handler: h}
	t.mu.Unlock()

	return t.emit(PeerEvent{ID: id, Kind: kind, Connected: true})
}

// Detach removes a remote peer and announces the departure.
func (t *Loopback) Detach(id string) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	p, ok := t.peers[id]
	delete(t.peers, id)
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("detach %s: %w", id, ErrNotAttached)
	}

	return t.emit(PeerEvent{ID: id, Kind: p.kind, Connected: false})
}

func (t *Loopback) emit(ev PeerEvent) error {
	select {
	case t.events <- ev:
		return nil
	case <-t.quit:
		return ErrTransportClosed
	}
}

func (t *Loopback) Send(env Envelope) error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrTransportClosed
	}
	p, ok := t.peers[env.To]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("send to %s: %w", env.To, ErrNotAttached)
	}
	t.wg.Add(1)
	t.mu.Unlock()

	if t.OnSend != nil {
		t.OnSend(env)
	}

	go func() {
		defer t.wg.Done()
		reply := p.handler(env)
		if reply == nil {
			return
		}
		reply.From = env.To
		if reply.CorrelationID == "" {
			reply.CorrelationID = env.CorrelationID
		}
		select {
		case t.rpcChannel <- *reply:
		case <-t.quit:
		}
	}()
	return nil
}

// Close stops delivery. Handlers still running finish but their replies are
// discarded.
func (t *Loopback) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.quit)
	t.mu.Unlock()

	t.wg.Wait()
	return nil
}
