package protocol

import (
	"fmt"
	"sync"
	"time"
)

// pendingEntry is one in-flight attempt. Whoever takes it out of the
// correlation table owns its resolution and must call settle exactly once.
type pendingEntry struct {
	item     *queueItem
	peer     *peer
	deadline time.Time
	settled  chan struct{}
}

func (e *pendingEntry) settle() {
	close(e.settled)
}

// correlationTable maps correlation IDs to in-flight attempts. Removal is
// the commit point shared by the response, timeout and cancel paths, so the
// first of them to take an entry wins.
type correlationTable struct {
	mu      sync.Mutex
	entries map[string]*pendingEntry
}

func newCorrelationTable() *correlationTable {
	return &correlationTable{entries: make(map[string]*pendingEntry)}
}

func (t *correlationTable) open(id string, e *pendingEntry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.entries[id]; ok {
		return fmt.Errorf("correlation id %s already in flight", id)
	}
	t.entries[id] = e
	return nil
}

// take removes the entry for id if match accepts it.
func (t *correlationTable) take(id string, match func(*pendingEntry) bool) (*pendingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	e, ok := t.entries[id]
	if !ok || (match != nil && !match(e)) {
		return nil, false
	}
	delete(t.entries, id)
	return e, true
}

func (t *correlationTable) has(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.entries[id]
	return ok
}

func (t *correlationTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
