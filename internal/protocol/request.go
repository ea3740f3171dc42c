package protocol

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ankesh2004/boardlink/pkg/p2p"
)

// Request is immutable once issued. Retries resend the same Request.
type Request struct {
	ID       string // correlation ID
	Peer     string
	Kind     p2p.Kind
	Payload  []byte
	Binary   []byte
	IssuedAt time.Time
}

func newRequest(peer string, kind p2p.Kind, payload, binary []byte) *Request {
	return &Request{
		ID:       uuid.NewString(),
		Peer:     peer,
		Kind:     kind,
		Payload:  payload,
		Binary:   binary,
		IssuedAt: time.Now(),
	}
}

func (r *Request) envelope() p2p.Envelope {
	return p2p.Envelope{
		To:            r.Peer,
		Kind:          r.Kind,
		CorrelationID: r.ID,
		Payload:       r.Payload,
		Binary:        r.Binary,
	}
}
