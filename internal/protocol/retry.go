package protocol

// retryCoordinator decides what happens to an attempt that timed out.
type retryCoordinator struct {
	core        *Core
	maxAttempts int
}

// onTimeout either re-queues a fresh attempt at the head of the same peer's
// queue or fails the call for good.
func (r *retryCoordinator) onTimeout(p *peer, it *queueItem) {
	c := r.core
	call := it.call
	attempt := it.life.Snapshot().Attempt

	if call.abandoned.Load() {
		c.finish(it, Failed(ErrCancelled))
		return
	}
	if attempt >= r.maxAttempts {
		c.logger.Info("request failed after retries", "peer", p.id, "correlation_id", call.ID(), "attempts", attempt)
		c.finish(it, Failed(ErrTimeout))
		return
	}

	next := &queueItem{call: call, life: newLifecycle(attempt + 1)}
	call.life.Store(next.life)
	if !p.requeue(next) {
		next.life.Cancel(ErrCancelled)
		c.finish(next, Failed(ErrCancelled))
		return
	}
	c.metrics.retries.WithLabelValues(p.kind.String()).Inc()
	c.logger.Debug("request retried", "peer", p.id, "correlation_id", call.ID(), "attempt", attempt+1)
}
