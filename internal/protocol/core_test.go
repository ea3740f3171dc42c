package protocol

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Ankesh2004/boardlink/pkg/p2p"
)

func TestIssueUnknownPeer(t *testing.T) {
	c, ft := newTestCore(t, DefaultOptions())

	call, err := c.Issue("ghost", []byte("hello"), nil)
	require.ErrorIs(t, err, ErrUnknownPeer)

	o, done := call.Result()
	require.True(t, done)
	require.Equal(t, ResultFailed, o.Result)
	require.ErrorIs(t, o.Err(), ErrUnknownPeer)
	require.Empty(t, ft.Sent())
}

func TestIssueSuccess(t *testing.T) {
	c, ft := newTestCore(t, DefaultOptions())
	connect(t, c, "p1", p2p.KindCompanion)

	call, err := c.Issue("p1", []byte("draw"), []byte{0x1})
	require.NoError(t, err)

	env := ft.waitSend(t)
	require.Equal(t, "p1", env.To)
	require.Equal(t, p2p.KindCompanion, env.Kind)
	require.Equal(t, call.ID(), env.CorrelationID)
	require.Equal(t, []byte("draw"), env.Payload)
	require.Equal(t, []byte{0x1}, env.Binary)
	require.Equal(t, StateProcessing, call.Lifecycle().State)

	require.True(t, c.OnMessageReceived("p1", env.CorrelationID, Success([]byte("ok"))))

	o := wait(t, call)
	require.True(t, o.OK())
	require.Equal(t, []byte("ok"), o.Payload)

	snap := call.Lifecycle()
	require.Equal(t, StateCompleted, snap.State)
	require.Equal(t, 1, snap.Attempt)
	require.False(t, snap.EndedAt.IsZero())
	require.Zero(t, c.InFlight())
}

func TestApplicationErrorIsNotRetried(t *testing.T) {
	c, ft := newTestCore(t, Options{Timeout: 50 * time.Millisecond, MaxAttempts: 3})
	connect(t, c, "p1", p2p.KindCompanion)

	call, err := c.Issue("p1", []byte("upload"), nil)
	require.NoError(t, err)
	env := ft.waitSend(t)
	c.OnMessageReceived("p1", env.CorrelationID, AppError("bad_asset", "unsupported format"))

	o := wait(t, call)
	require.Equal(t, ResultApplicationError, o.Result)
	var appErr *ApplicationError
	require.ErrorAs(t, o.Err(), &appErr)
	require.Equal(t, "bad_asset", appErr.Code)
	require.Equal(t, "unsupported format", appErr.Message)

	ft.expectNoSend(t, 150*time.Millisecond)
	require.Len(t, ft.Sent(), 1)
}

func TestTimeoutAfterExactlyMaxAttempts(t *testing.T) {
	const timeout = 60 * time.Millisecond
	c, ft := newTestCore(t, Options{Timeout: timeout, MaxAttempts: 3})
	connect(t, c, "p1", p2p.KindCompanion)

	start := time.Now()
	call, err := c.Issue("p1", []byte("ping"), nil)
	require.NoError(t, err)

	o := wait(t, call)
	elapsed := time.Since(start)
	require.ErrorIs(t, o.Err(), ErrTimeout)
	require.GreaterOrEqual(t, elapsed, 3*timeout)
	require.Less(t, elapsed, 4*timeout)

	sent := ft.Sent()
	require.Len(t, sent, 3)
	for _, env := range sent {
		require.Equal(t, call.ID(), env.CorrelationID)
		require.Equal(t, []byte("ping"), env.Payload)
	}

	snap := call.Lifecycle()
	require.Equal(t, StateTimedOut, snap.State)
	require.Equal(t, 3, snap.Attempt)
	require.ErrorIs(t, snap.LastErr, ErrTimeout)
}

func TestOrderingPreservedAcrossRetry(t *testing.T) {
	c, ft := newTestCore(t, Options{Timeout: 50 * time.Millisecond, MaxAttempts: 3})
	connect(t, c, "p1", p2p.KindBoard)

	r1, err := c.Issue("p1", []byte("move a"), nil)
	require.NoError(t, err)
	r2, err := c.Issue("p1", []byte("move b"), nil)
	require.NoError(t, err)

	first := ft.waitSend(t)
	require.Equal(t, r1.ID(), first.CorrelationID)

	// No reply: the retry of r1 must go out before r2.
	retry := ft.waitSend(t)
	require.Equal(t, r1.ID(), retry.CorrelationID)
	require.Equal(t, 2, r1.Lifecycle().Attempt)
	c.OnMessageReceived("p1", r1.ID(), Success(nil))

	second := ft.waitSend(t)
	require.Equal(t, r2.ID(), second.CorrelationID)
	_, r1Done := r1.Result()
	require.True(t, r1Done, "r2 dispatched before r1 was terminal")
	c.OnMessageReceived("p1", r2.ID(), Success(nil))

	require.True(t, wait(t, r1).OK())
	require.True(t, wait(t, r2).OK())
}

func TestCompletionOrderMatchesIssueOrder(t *testing.T) {
	c, ft := newTestCore(t, Options{Timeout: time.Second, MaxAttempts: 3})
	connect(t, c, "p1", p2p.KindCompanion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case env := <-ft.sendCh:
				c.OnMessageReceived(env.To, env.CorrelationID, Success(env.Payload))
			case <-ctx.Done():
				return
			}
		}
	}()

	const n = 20
	calls := make([]*Call, n)
	for i := range calls {
		call, err := c.Issue("p1", []byte{byte(i)}, nil)
		require.NoError(t, err)
		calls[i] = call
	}
	for i, call := range calls {
		o := wait(t, call)
		require.Equal(t, []byte{byte(i)}, o.Payload)
		if i > 0 {
			prev := calls[i-1].Lifecycle()
			require.False(t, call.Lifecycle().StartedAt.Before(prev.EndedAt),
				"request %d started before request %d ended", i, i-1)
		}
	}
}

func TestTimedOutRequestDoesNotBlockLaterWorkForever(t *testing.T) {
	const timeout = 40 * time.Millisecond
	c, ft := newTestCore(t, Options{Timeout: timeout, MaxAttempts: 2})
	connect(t, c, "p1", p2p.KindCompanion)

	payload1, err := c.Issue("p1", []byte("payload1"), nil)
	require.NoError(t, err)
	payload2, err := c.Issue("p1", []byte("payload2"), nil)
	require.NoError(t, err)

	require.Equal(t, payload1.ID(), ft.waitSend(t).CorrelationID)
	require.Equal(t, payload1.ID(), ft.waitSend(t).CorrelationID)

	env := ft.waitSend(t)
	require.Equal(t, payload2.ID(), env.CorrelationID)
	o1, done := payload1.Result()
	require.True(t, done, "payload2 dispatched before payload1 was terminal")
	require.ErrorIs(t, o1.Err(), ErrTimeout)

	c.OnMessageReceived("p1", env.CorrelationID, Success([]byte("drawn")))
	o2 := wait(t, payload2)
	require.True(t, o2.OK())
	require.Equal(t, []byte("drawn"), o2.Payload)
}

func TestDisconnectCancelsQueuedAndInFlight(t *testing.T) {
	var logs syncBuffer
	c, ft := newTestCore(t, Options{Timeout: time.Second, MaxAttempts: 3}, WithLogger(bufferLogger(&logs)))
	connect(t, c, "p1", p2p.KindCompanion)

	calls := make([]*Call, 3)
	for i := range calls {
		call, err := c.Issue("p1", []byte{byte(i)}, nil)
		require.NoError(t, err)
		calls[i] = call
	}
	ft.waitSend(t)

	require.True(t, c.PeerDisconnected("p1"))
	for _, call := range calls {
		o, done := call.Result()
		require.True(t, done, "call %s not resolved by the sweep", call.ID())
		require.ErrorIs(t, o.Err(), ErrCancelled)
		require.Equal(t, StateCancelled, call.Lifecycle().State)
	}
	require.Zero(t, c.InFlight())

	ft.expectNoSend(t, 100*time.Millisecond)
	require.Len(t, ft.Sent(), 1)

	_, ok := c.Lookup("p1")
	require.False(t, ok)
	_, err := c.Issue("p1", nil, nil)
	require.ErrorIs(t, err, ErrUnknownPeer)
	require.Contains(t, logs.String(), "peer removed")
}

func TestReconnectStartsFreshSession(t *testing.T) {
	c, ft := newTestCore(t, DefaultOptions())
	connect(t, c, "p1", p2p.KindCompanion)
	before, ok := c.Lookup("p1")
	require.True(t, ok)

	old, err := c.Issue("p1", []byte("old"), nil)
	require.NoError(t, err)
	ft.waitSend(t)

	connect(t, c, "p1", p2p.KindCompanion)
	after, ok := c.Lookup("p1")
	require.True(t, ok)
	require.Greater(t, after.Session, before.Session)

	o, done := old.Result()
	require.True(t, done)
	require.ErrorIs(t, o.Err(), ErrCancelled)

	// A late reply from the previous session matches nothing.
	require.False(t, c.OnMessageReceived("p1", old.ID(), Success(nil)))
}

func TestQueueFull(t *testing.T) {
	c, ft := newTestCore(t, Options{Timeout: time.Second, MaxAttempts: 1, QueueDepth: 2})
	connect(t, c, "p1", p2p.KindCompanion)

	head, err := c.Issue("p1", nil, nil)
	require.NoError(t, err)
	ft.waitSend(t)

	_, err = c.Issue("p1", nil, nil)
	require.NoError(t, err)
	_, err = c.Issue("p1", nil, nil)
	require.NoError(t, err)

	rejected, err := c.Issue("p1", nil, nil)
	require.ErrorIs(t, err, ErrQueueFull)
	o, done := rejected.Result()
	require.True(t, done)
	require.ErrorIs(t, o.Err(), ErrQueueFull)
	require.Equal(t, StateCancelled, rejected.Lifecycle().State)

	info, ok := c.Lookup("p1")
	require.True(t, ok)
	require.Equal(t, 2, info.Queued)
	require.True(t, info.InFlight)

	c.OnMessageReceived("p1", head.ID(), Success(nil))
	require.True(t, wait(t, head).OK())
}

func TestDuplicateAndForeignResponsesAreDropped(t *testing.T) {
	c, ft := newTestCore(t, DefaultOptions())
	connect(t, c, "p1", p2p.KindCompanion)
	connect(t, c, "p2", p2p.KindCompanion)

	call, err := c.Issue("p1", nil, nil)
	require.NoError(t, err)
	env := ft.waitSend(t)

	require.False(t, c.OnMessageReceived("p2", env.CorrelationID, Success(nil)), "reply from the wrong peer accepted")
	require.True(t, c.OnMessageReceived("p1", env.CorrelationID, Success([]byte("first"))))
	require.False(t, c.OnMessageReceived("p1", env.CorrelationID, Success([]byte("second"))))
	require.False(t, c.OnMessageReceived("p1", "no-such-id", Success(nil)))

	o := wait(t, call)
	require.Equal(t, []byte("first"), o.Payload)
}

func TestCancelQueuedRequestIsNeverSent(t *testing.T) {
	c, ft := newTestCore(t, DefaultOptions())
	connect(t, c, "p1", p2p.KindCompanion)

	r1, err := c.Issue("p1", nil, nil)
	require.NoError(t, err)
	r2, err := c.Issue("p1", nil, nil)
	require.NoError(t, err)
	r3, err := c.Issue("p1", nil, nil)
	require.NoError(t, err)
	ft.waitSend(t)

	require.True(t, r2.Cancel())
	o, done := r2.Result()
	require.True(t, done)
	require.ErrorIs(t, o.Err(), ErrCancelled)
	require.False(t, r2.Cancel())

	c.OnMessageReceived("p1", r1.ID(), Success(nil))
	env := ft.waitSend(t)
	require.Equal(t, r3.ID(), env.CorrelationID)
	c.OnMessageReceived("p1", r3.ID(), Success(nil))
	require.True(t, wait(t, r3).OK())

	for _, sent := range ft.Sent() {
		require.NotEqual(t, r2.ID(), sent.CorrelationID)
	}
}

func TestCancelInFlightRequest(t *testing.T) {
	c, ft := newTestCore(t, DefaultOptions())
	connect(t, c, "p1", p2p.KindCompanion)

	r1, err := c.Issue("p1", nil, nil)
	require.NoError(t, err)
	r2, err := c.Issue("p1", nil, nil)
	require.NoError(t, err)
	ft.waitSend(t)

	require.True(t, r1.Cancel())
	require.ErrorIs(t, wait(t, r1).Err(), ErrCancelled)
	require.False(t, c.OnMessageReceived("p1", r1.ID(), Success(nil)))

	env := ft.waitSend(t)
	require.Equal(t, r2.ID(), env.CorrelationID)
	c.OnMessageReceived("p1", r2.ID(), Success(nil))
	require.True(t, wait(t, r2).OK())
}

func TestCancelAllForPeerKeepsPeer(t *testing.T) {
	c, ft := newTestCore(t, DefaultOptions())
	connect(t, c, "p1", p2p.KindBoard)

	for i := 0; i < 3; i++ {
		_, err := c.Issue("p1", nil, nil)
		require.NoError(t, err)
	}
	ft.waitSend(t)

	n, err := c.CancelAllForPeer("p1")
	require.NoError(t, err)
	require.Equal(t, 3, n)

	_, err = c.CancelAllForPeer("ghost")
	require.ErrorIs(t, err, ErrUnknownPeer)

	call, err := c.Issue("p1", []byte("again"), nil)
	require.NoError(t, err)
	env := ft.waitSend(t)
	require.Equal(t, call.ID(), env.CorrelationID)
	c.OnMessageReceived("p1", env.CorrelationID, Success(nil))
	require.True(t, wait(t, call).OK())
}

func TestPeersAreIndependent(t *testing.T) {
	c, ft := newTestCore(t, DefaultOptions())
	connect(t, c, "slow", p2p.KindCompanion)
	connect(t, c, "fast", p2p.KindBoard)

	_, err := c.Issue("slow", nil, nil)
	require.NoError(t, err)
	require.Equal(t, "slow", ft.waitSend(t).To)

	fast, err := c.Issue("fast", nil, nil)
	require.NoError(t, err)
	env := ft.waitSend(t)
	require.Equal(t, "fast", env.To)
	require.Equal(t, p2p.KindBoard, env.Kind)
	c.OnMessageReceived("fast", env.CorrelationID, Success(nil))
	require.True(t, wait(t, fast).OK())

	require.Len(t, c.Peers(), 2)
}

func TestSameIDSwitchingKind(t *testing.T) {
	c, _ := newTestCore(t, DefaultOptions())
	connect(t, c, "x", p2p.KindCompanion)
	connect(t, c, "x", p2p.KindBoard)

	info, ok := c.Lookup("x")
	require.True(t, ok)
	require.Equal(t, p2p.KindBoard, info.Kind)
	require.Len(t, c.Peers(), 1)
}

func TestIssueAndForgetLogsFailure(t *testing.T) {
	var logs syncBuffer
	c, _ := newTestCore(t, Options{Timeout: 20 * time.Millisecond, MaxAttempts: 1}, WithLogger(bufferLogger(&logs)))
	connect(t, c, "p1", p2p.KindCompanion)

	c.IssueAndForget("p1", []byte("highlight"), nil)
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "unobserved request failed")
	}, 2*time.Second, 10*time.Millisecond)

	c.IssueAndForget("ghost", nil, nil)
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "fire-and-forget request rejected")
	}, time.Second, 10*time.Millisecond)
}

func TestSendErrorStillTimesOut(t *testing.T) {
	c, ft := newTestCore(t, Options{Timeout: 20 * time.Millisecond, MaxAttempts: 2})
	ft.sendErr = errors.New("link down")
	connect(t, c, "p1", p2p.KindCompanion)

	call, err := c.Issue("p1", nil, nil)
	require.NoError(t, err)
	require.ErrorIs(t, wait(t, call).Err(), ErrTimeout)
	require.Len(t, ft.Sent(), 2)
}

func TestStartPumpsTransport(t *testing.T) {
	c, ft := newTestCore(t, DefaultOptions())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c.Start(ctx)
	select {
	case <-c.Ready():
	case <-time.After(time.Second):
		t.Fatal("core never became ready")
	}

	ft.events <- p2p.PeerEvent{ID: "p1", Kind: p2p.KindCompanion, Connected: true}
	require.Eventually(t, func() bool {
		_, ok := c.Lookup("p1")
		return ok
	}, time.Second, 5*time.Millisecond)

	call, err := c.Issue("p1", nil, nil)
	require.NoError(t, err)
	env := ft.waitSend(t)
	ft.rpcs <- p2p.RPC{From: "p1", CorrelationID: env.CorrelationID, ErrorCode: "busy", ErrorMessage: "screen locked"}
	o := wait(t, call)
	require.Equal(t, ResultApplicationError, o.Result)
	require.Equal(t, "busy", o.Code)

	ft.events <- p2p.PeerEvent{ID: "p1", Kind: p2p.KindCompanion, Connected: false}
	require.Eventually(t, func() bool {
		_, ok := c.Lookup("p1")
		return !ok
	}, time.Second, 5*time.Millisecond)
}

func TestRateLimitedSends(t *testing.T) {
	c, ft := newTestCore(t, Options{Timeout: time.Second, MaxAttempts: 1, SendRate: 20, SendBurst: 1})
	connect(t, c, "p1", p2p.KindCompanion)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			select {
			case env := <-ft.sendCh:
				c.OnMessageReceived(env.To, env.CorrelationID, Success(nil))
			case <-ctx.Done():
				return
			}
		}
	}()

	start := time.Now()
	var last *Call
	for i := 0; i < 3; i++ {
		call, err := c.Issue("p1", nil, nil)
		require.NoError(t, err)
		last = call
	}
	require.True(t, wait(t, last).OK())
	require.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestCloseResolvesEverything(t *testing.T) {
	c, ft := newTestCore(t, DefaultOptions())
	connect(t, c, "p1", p2p.KindCompanion)
	connect(t, c, "p2", p2p.KindBoard)

	a, err := c.Issue("p1", nil, nil)
	require.NoError(t, err)
	b, err := c.Issue("p2", nil, nil)
	require.NoError(t, err)
	ft.waitSend(t)
	ft.waitSend(t)

	require.NoError(t, c.Close())
	require.ErrorIs(t, wait(t, a).Err(), ErrCancelled)
	require.ErrorIs(t, wait(t, b).Err(), ErrCancelled)

	_, err = c.Issue("p1", nil, nil)
	require.ErrorIs(t, err, ErrClosed)
	require.ErrorIs(t, c.PeerConnected("p3", p2p.KindCompanion), ErrClosed)
}

func TestRequeueRefusesCancelledCall(t *testing.T) {
	c, _ := newTestCore(t, DefaultOptions())
	connect(t, c, "p1", p2p.KindCompanion)
	p, err := c.lookup("p1")
	require.NoError(t, err)

	it := testItem("r1")
	it.call.abandoned.Store(true)
	require.False(t, p.requeue(it))
	require.Zero(t, p.info().Queued)

	live := testItem("r2")
	require.True(t, p.requeue(live))
}

func TestDispatchSkipsAbortedEntry(t *testing.T) {
	c, ft := newTestCore(t, DefaultOptions())
	connect(t, c, "p1", p2p.KindCompanion)
	p, err := c.lookup("p1")
	require.NoError(t, err)

	e := &pendingEntry{
		item:     testItem("r1"),
		peer:     p,
		deadline: time.Now().Add(time.Second),
		settled:  make(chan struct{}),
	}
	e.settle()
	p.dispatch(e)

	ft.expectNoSend(t, 50*time.Millisecond)
	require.Empty(t, ft.Sent())
	require.False(t, p.info().InFlight)
}

func TestAwaitPeer(t *testing.T) {
	c, _ := newTestCore(t, DefaultOptions())
	connect(t, c, "early", p2p.KindBoard)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	info, err := c.AwaitPeer(ctx, "early")
	require.NoError(t, err)
	require.Equal(t, p2p.KindBoard, info.Kind)

	got := make(chan PeerInfo, 1)
	go func() {
		info, err := c.AwaitPeer(ctx, "late")
		if err == nil {
			got <- info
		}
		close(got)
	}()
	time.Sleep(20 * time.Millisecond)
	connect(t, c, "late", p2p.KindCompanion)

	select {
	case info, ok := <-got:
		require.True(t, ok)
		require.Equal(t, "late", info.ID)
		require.Equal(t, p2p.KindCompanion, info.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitPeer did not return after the peer joined")
	}

	short, stop := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer stop()
	_, err = c.AwaitPeer(short, "ghost")
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestAwaitPeerEndsOnClose(t *testing.T) {
	c, _ := newTestCore(t, DefaultOptions())

	errs := make(chan error, 1)
	go func() {
		_, err := c.AwaitPeer(context.Background(), "ghost")
		errs <- err
	}()
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, c.Close())

	select {
	case err := <-errs:
		require.ErrorIs(t, err, ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("AwaitPeer did not return after Close")
	}
}
