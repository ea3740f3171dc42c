package p2p

// Transport is the boundary to whatever physically moves bytes between this
// process and the companion screens / board surface (TCP, websocket, BLE...).
type Transport interface {
	// Send is fire-and-forget. A non-nil error only reports a local failure;
	// success says nothing about delivery.
	Send(Envelope) error
	Consume() <-chan RPC
	Events() <-chan PeerEvent
	Close() error
}
