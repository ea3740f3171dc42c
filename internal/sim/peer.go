package sim

import (
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Ankesh2004/boardlink/internal/assets"
	"github.com/Ankesh2004/boardlink/pkg/p2p"
)

// PeerOptions shape how a simulated peer misbehaves.
type PeerOptions struct {
	DropRate float64       // probability a request is never answered
	Latency  time.Duration // fixed delay before answering
	Jitter   time.Duration // extra random delay in [0, Jitter)
	Seed     uint64
	Codec    assets.Codec
	Logger   *slog.Logger
}

type Stats struct {
	Received int
	Dropped  int
	Uploads  int
	Deletes  int
	Echoes   int
}

// Peer is a remote companion screen or board living behind a Loopback
// transport. It stores uploaded assets by identity and echoes any payload
// that is not an asset request.
type Peer struct {
	ID   string
	Kind p2p.Kind

	opts   PeerOptions
	logger *slog.Logger

	mu    sync.Mutex
	rng   *rand.Rand
	held  map[string]string // identity -> asset id
	stats Stats
}

func NewPeer(id string, kind p2p.Kind, opts PeerOptions) *Peer {
	if opts.Codec == nil {
		opts.Codec = assets.JSONCodec{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Peer{
		ID:     id,
		Kind:   kind,
		opts:   opts,
		logger: logger.With("component", "sim", "peer", id),
		rng:    rand.New(rand.NewPCG(opts.Seed, uint64(len(id)))),
		held:   make(map[string]string),
	}
}

// Attach registers the peer on t.
func (p *Peer) Attach(t *p2p.Loopback) error {
	return t.Attach(p.ID, p.Kind, p.Handle)
}

// Handle answers one envelope; it is a p2p.Handler.
func (p *Peer) Handle(env p2p.Envelope) *p2p.RPC {
	p.mu.Lock()
	p.stats.Received++
	drop := p.opts.DropRate > 0 && p.rng.Float64() < p.opts.DropRate
	delay := p.opts.Latency
	if p.opts.Jitter > 0 {
		delay += time.Duration(p.rng.Int64N(int64(p.opts.Jitter)))
	}
	if drop {
		p.stats.Dropped++
	}
	p.mu.Unlock()

	if drop {
		p.logger.Debug("dropping request", "correlation_id", env.CorrelationID)
		return nil
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	req, err := p.opts.Codec.DecodeRequest(env.Payload)
	if err != nil {
		p.mu.Lock()
		p.stats.Echoes++
		p.mu.Unlock()
		return &p2p.RPC{Payload: env.Payload}
	}

	switch req.Op {
	case assets.OpUpload:
		return p.upload(req, env.Binary)
	default:
		return p.delete(req)
	}
}

func (p *Peer) upload(req assets.Request, data []byte) *p2p.RPC {
	if len(data) != req.Size || assets.IdentityOf(data) != req.Identity {
		return &p2p.RPC{ErrorCode: "corrupt_upload", ErrorMessage: "bytes do not match identity"}
	}

	p.mu.Lock()
	id, ok := p.held[req.Identity]
	if !ok {
		id = uuid.NewString()
		p.held[req.Identity] = id
	}
	p.stats.Uploads++
	p.mu.Unlock()

	b, err := p.opts.Codec.EncodeReply(assets.Reply{AssetID: id})
	if err != nil {
		return &p2p.RPC{ErrorCode: "internal", ErrorMessage: err.Error()}
	}
	p.logger.Debug("asset stored", "identity", req.Identity, "asset_id", id)
	return &p2p.RPC{Payload: b}
}

func (p *Peer) delete(req assets.Request) *p2p.RPC {
	p.mu.Lock()
	defer p.mu.Unlock()
	id, ok := p.held[req.Identity]
	if !ok || id != req.AssetID {
		return &p2p.RPC{ErrorCode: "not_found", ErrorMessage: "no such asset " + req.AssetID}
	}
	delete(p.held, req.Identity)
	p.stats.Deletes++
	return &p2p.RPC{}
}

func (p *Peer) Holds(identity string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.held[identity]
	return ok
}

func (p *Peer) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stats
}
