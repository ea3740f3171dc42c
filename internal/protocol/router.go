package protocol

// OnMessageReceived routes a reply from peerID to the request it answers.
// It may be called from any goroutine. Replies that match nothing (late
// duplicates, unknown IDs, IDs owned by another peer) are dropped and logged.
func (c *Core) OnMessageReceived(peerID, correlationID string, o Outcome) bool {
	if o.Result == ResultFailed {
		c.logger.Warn("inbound outcome carries a local failure, dropped",
			"peer", peerID, "correlation_id", correlationID, "error", o.Failure)
		c.metrics.dropped.Inc()
		return false
	}

	e, ok := c.table.take(correlationID, func(e *pendingEntry) bool { return e.peer.id == peerID })
	if !ok {
		c.logger.Warn("response without pending request", "peer", peerID, "correlation_id", correlationID)
		c.metrics.dropped.Inc()
		return false
	}
	defer e.settle()

	e.item.life.End(StateCompleted, o.Err())
	c.finish(e.item, o)
	return true
}
