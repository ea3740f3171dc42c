package assets

import (
	"encoding/json"
	"fmt"
)

type Op string

const (
	OpUpload Op = "upload"
	OpDelete Op = "delete"
)

// Request is the payload of an asset request. The asset bytes of an upload
// travel as the envelope's binary attachment, not in here.
type Request struct {
	Op       Op     `json:"op"`
	Identity string `json:"identity"`
	AssetID  string `json:"asset_id,omitempty"` // set for delete
	Size     int    `json:"size,omitempty"`     // set for upload
}

// Reply is the success payload of an upload.
type Reply struct {
	AssetID string `json:"asset_id"`
}

// Codec turns asset requests into opaque payloads and back. Both ends of a
// link must agree on it.
type Codec interface {
	EncodeRequest(Request) ([]byte, error)
	DecodeRequest([]byte) (Request, error)
	EncodeReply(Reply) ([]byte, error)
	DecodeReply([]byte) (Reply, error)
}

type JSONCodec struct{}

func (JSONCodec) EncodeRequest(r Request) ([]byte, error) {
	return json.Marshal(r)
}

func (JSONCodec) DecodeRequest(b []byte) (Request, error) {
	var r Request
	if err := json.Unmarshal(b, &r); err != nil {
		return Request{}, fmt.Errorf("decode asset request: %w", err)
	}
	switch r.Op {
	case OpUpload, OpDelete:
	default:
		return Request{}, fmt.Errorf("decode asset request: unknown op %q", r.Op)
	}
	if r.Identity == "" {
		return Request{}, fmt.Errorf("decode asset request: missing identity")
	}
	return r, nil
}

func (JSONCodec) EncodeReply(r Reply) ([]byte, error) {
	return json.Marshal(r)
}

func (JSONCodec) DecodeReply(b []byte) (Reply, error) {
	var r Reply
	if err := json.Unmarshal(b, &r); err != nil {
		return Reply{}, fmt.Errorf("decode asset reply: %w", err)
	}
	if r.AssetID == "" {
		return Reply{}, fmt.Errorf("decode asset reply: missing asset id")
	}
	return r, nil
}
