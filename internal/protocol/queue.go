package protocol

// queueItem is one attempt of a call waiting for dispatch.
type queueItem struct {
	call *Call
	life *Lifecycle
}

// outboundQueue is the per-peer FIFO. It is not safe for concurrent use;
// the owning peer's mutex guards it.
type outboundQueue struct {
	items []*queueItem
	depth int // cap on items accepted by push; <= 0 means unbounded
}

func newOutboundQueue(depth int) *outboundQueue {
	return &outboundQueue{depth: depth}
}

func (q *outboundQueue) push(it *queueItem) error {
	if q.depth > 0 && len(q.items) >= q.depth {
		return ErrQueueFull
	}
	q.items = append(q.items, it)
	return nil
}

// pushFront re-inserts a retried attempt ahead of newer work. It ignores
// the depth cap because the request was already admitted once.
func (q *outboundQueue) pushFront(it *queueItem) {
	q.items = append(q.items, nil)
	copy(q.items[1:], q.items)
	q.items[0] = it
}

func (q *outboundQueue) pop() (*queueItem, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	it := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return it, true
}

func (q *outboundQueue) remove(id string) (*queueItem, bool) {
	for i, it := range q.items {
		if it.call.ID() == id {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return it, true
		}
	}
	return nil, false
}

func (q *outboundQueue) drain() []*queueItem {
	items := q.items
	q.items = nil
	return items
}

func (q *outboundQueue) len() int {
	return len(q.items)
}
