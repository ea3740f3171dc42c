package p2p

import "fmt"

// Kind tells the two classes of remote peer apart. Companions and the board
// never share queues or cached state.
type Kind uint8

const (
	KindCompanion Kind = iota
	KindBoard
)

func (k Kind) String() string {
	switch k {
	case KindCompanion:
		return "companion"
	case KindBoard:
		return "board"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// ParseKind is the inverse of Kind.String.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "companion":
		return KindCompanion, nil
	case "board":
		return KindBoard, nil
	default:
		return 0, fmt.Errorf("unknown peer kind %q", s)
	}
}

// Envelope is one outbound request attempt handed to the transport.
type Envelope struct {
	To            string // destination peer ID
	Kind          Kind
	CorrelationID string // echoed back by the peer in its reply
	Payload       []byte // opaque to the transport
	Binary        []byte // optional attachment, nil when absent
}

// RPC is an inbound reply delivered by the transport.
// A non-empty ErrorCode means the peer rejected the request.
type RPC struct {
	From          string // Who is sending the message?
	CorrelationID string
	Payload       []byte
	ErrorCode     string
	ErrorMessage  string
}

func (r RPC) IsError() bool {
	return r.ErrorCode != ""
}

// PeerEvent is pushed by the transport whenever a peer joins or leaves.
type PeerEvent struct {
	ID        string
	Kind      Kind
	Connected bool
}
