package protocol

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ankesh2004/boardlink/pkg/p2p"
)

// fakeTransport records every send and lets the test play the remote side.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []p2p.Envelope
	sendErr error

	sendCh chan p2p.Envelope
	rpcs   chan p2p.RPC
	events chan p2p.PeerEvent
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		sendCh: make(chan p2p.Envelope, 256),
		rpcs:   make(chan p2p.RPC, 64),
		events: make(chan p2p.PeerEvent, 64),
	}
}

func (f *fakeTransport) Send(env p2p.Envelope) error {
	f.mu.Lock()
	f.sent = append(f.sent, env)
	err := f.sendErr
	f.mu.Unlock()
	f.sendCh <- env
	return err
}

func (f *fakeTransport) Consume() <-chan p2p.RPC       { return f.rpcs }
func (f *fakeTransport) Events() <-chan p2p.PeerEvent { return f.events }
func (f *fakeTransport) Close() error                 { return nil }

func (f *fakeTransport) Sent() []p2p.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]p2p.Envelope(nil), f.sent...)
}

func (f *fakeTransport) waitSend(t *testing.T) p2p.Envelope {
	t.Helper()
	select {
	case env := <-f.sendCh:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a send")
		return p2p.Envelope{}
	}
}

func (f *fakeTransport) expectNoSend(t *testing.T, d time.Duration) {
	t.Helper()
	select {
	case env := <-f.sendCh:
		t.Fatalf("unexpected send of %s to %s", env.CorrelationID, env.To)
	case <-time.After(d):
	}
}

func newTestCore(t *testing.T, opts Options, options ...Option) (*Core, *fakeTransport) {
	t.Helper()
	ft := newFakeTransport()
	c := New(opts, ft, options...)
	t.Cleanup(func() { _ = c.Close() })
	return c, ft
}

func connect(t *testing.T, c *Core, id string, kind p2p.Kind) {
	t.Helper()
	require.NoError(t, c.PeerConnected(id, kind))
}

func wait(t *testing.T, call *Call) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	o, err := call.Wait(ctx)
	require.NoError(t, err)
	return o
}

// syncBuffer lets tests read log output while handlers still write to it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func bufferLogger(b *syncBuffer) *slog.Logger {
	return slog.New(slog.NewTextHandler(b, &slog.HandlerOptions{Level: slog.LevelDebug}))
}
