package protocol

import (
	"fmt"
	"sync"
	"time"
)

type State uint8

const (
	StateWaitingToProcess State = iota
	StateProcessing
	StateCompleted
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateWaitingToProcess:
		return "waiting_to_process"
	case StateProcessing:
		return "processing"
	case StateCompleted:
		return "completed"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateTimedOut || s == StateCancelled
}

// Snapshot is a read-only copy of one attempt's lifecycle.
type Snapshot struct {
	State     State
	Attempt   int
	CreatedAt time.Time
	StartedAt time.Time // zero until Processing
	EndedAt   time.Time // non-zero iff State is terminal
	LastErr   error
}

// Elapsed is the time spent in flight; zero unless the attempt was
// dispatched and has ended.
func (s Snapshot) Elapsed() time.Duration {
	if s.StartedAt.IsZero() || s.EndedAt.IsZero() {
		return 0
	}
	return s.EndedAt.Sub(s.StartedAt)
}

// Queued is how long the attempt waited before dispatch.
func (s Snapshot) Queued() time.Duration {
	if s.StartedAt.IsZero() {
		return 0
	}
	return s.StartedAt.Sub(s.CreatedAt)
}

// Lifecycle tracks a single attempt of a request. Every transition reports
// whether it was applied; a terminal state is never left.
type Lifecycle struct {
	mu   sync.Mutex
	snap Snapshot
}

func newLifecycle(attempt int) *Lifecycle {
	return &Lifecycle{snap: Snapshot{
		State:     StateWaitingToProcess,
		Attempt:   attempt,
		CreatedAt: time.Now(),
	}}
}

// Begin moves WaitingToProcess -> Processing.
func (l *Lifecycle) Begin() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.snap.State != StateWaitingToProcess {
		return false
	}
	l.snap.State = StateProcessing
	l.snap.StartedAt = time.Now()
	return true
}

// End moves Processing -> Completed or TimedOut. err is recorded as LastErr
// (the application error for a rejected request, ErrTimeout on expiry).
func (l *Lifecycle) End(state State, err error) bool {
	if state != StateCompleted && state != StateTimedOut {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.snap.State != StateProcessing {
		return false
	}
	l.snap.State = state
	l.snap.EndedAt = time.Now()
	l.snap.LastErr = err
	return true
}

// Cancel aborts a waiting or processing attempt.
func (l *Lifecycle) Cancel(reason error) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.snap.State.Terminal() {
		return false
	}
	if reason == nil {
		reason = ErrCancelled
	}
	l.snap.State = StateCancelled
	l.snap.EndedAt = time.Now()
	l.snap.LastErr = reason
	return true
}

func (l *Lifecycle) Snapshot() Snapshot {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.snap
}
