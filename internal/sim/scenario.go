package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/Ankesh2004/boardlink/internal/assets"
	"github.com/Ankesh2004/boardlink/internal/protocol"
	"github.com/Ankesh2004/boardlink/pkg/p2p"
)

type Asset struct {
	Name string
	Data []byte
}

// Scenario is one simulated session: a set of peers, a burst of ordered
// requests to each, and a round of asset uploads.
type Scenario struct {
	Companions int
	Boards     int
	Requests   int // per peer
	Assets     []Asset
	Peer       PeerOptions
	Logger     *slog.Logger
}

type PeerReport struct {
	ID       string
	Kind     p2p.Kind
	Outcomes map[string]int
	InOrder  bool
	Stats    Stats
}

type Report struct {
	Peers       []PeerReport
	Uploaded    map[string][]string // asset name -> peers holding it
	AssetErrors int
	Invalidated []string // peers told to drop the first asset
	Elapsed     time.Duration
}

// Run attaches the scenario's peers to tr, drives traffic through core and
// cache and detaches everything again. core must already be started on tr.
func (s Scenario) Run(ctx context.Context, core *protocol.Core, cache *assets.Cache, tr *p2p.Loopback) (Report, error) {
	logger := s.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	start := time.Now()

	var peers []*Peer
	for i := 0; i < s.Companions; i++ {
		peers = append(peers, s.newPeer(fmt.Sprintf("companion-%d", i+1), p2p.KindCompanion, i))
	}
	for i := 0; i < s.Boards; i++ {
		peers = append(peers, s.newPeer(fmt.Sprintf("board-%d", i+1), p2p.KindBoard, s.Companions+i))
	}
	for _, p := range peers {
		if err := p.Attach(tr); err != nil {
			return Report{}, fmt.Errorf("attach %s: %w", p.ID, err)
		}
	}
	defer func() {
		for _, p := range peers {
			_ = tr.Detach(p.ID)
		}
	}()
	if err := waitForPeers(ctx, core, peers); err != nil {
		return Report{}, err
	}
	logger.Info("peers online", "count", len(peers))

	report := Report{Uploaded: make(map[string][]string)}
	reports := make([]PeerReport, len(peers))
	var wg sync.WaitGroup
	for i, p := range peers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reports[i] = s.drive(ctx, core, p)
		}()
	}
	wg.Wait()

	var mu sync.Mutex
	for _, a := range s.Assets {
		identity := assets.IdentityOf(a.Data)
		for _, p := range peers {
			// Two concurrent callers per peer; the cache sends one upload.
			for range 2 {
				wg.Add(1)
				go func() {
					defer wg.Done()
					_, err := cache.EnsureUploaded(ctx, p.ID, identity, a.Data)
					mu.Lock()
					defer mu.Unlock()
					if err != nil {
						report.AssetErrors++
						logger.Warn("upload failed", "peer", p.ID, "asset", a.Name, "error", err)
					}
				}()
			}
		}
		wg.Wait()
		for _, p := range peers {
			if _, ok := cache.Lookup(p.ID, identity); ok {
				report.Uploaded[a.Name] = append(report.Uploaded[a.Name], p.ID)
			}
		}
		sort.Strings(report.Uploaded[a.Name])
	}

	if len(s.Assets) > 0 && len(peers) > 1 {
		keep := []string{peers[0].ID}
		targets, err := cache.InvalidateEverywhereExcept(ctx, assets.IdentityOf(s.Assets[0].Data), keep)
		if err != nil {
			logger.Warn("invalidate failed on some peers", "error", err)
		}
		report.Invalidated = targets
	}

	for i, p := range peers {
		reports[i].Stats = p.Stats()
	}
	report.Peers = reports
	report.Elapsed = time.Since(start)
	return report, nil
}

func (s Scenario) newPeer(id string, kind p2p.Kind, n int) *Peer {
	opts := s.Peer
	opts.Seed += uint64(n)
	if opts.Logger == nil {
		opts.Logger = s.Logger
	}
	return NewPeer(id, kind, opts)
}

// drive issues the peer's requests back to back and checks that they
// complete in issue order.
func (s Scenario) drive(ctx context.Context, core *protocol.Core, p *Peer) PeerReport {
	r := PeerReport{ID: p.ID, Kind: p.Kind, Outcomes: make(map[string]int), InOrder: true}

	calls := make([]*protocol.Call, 0, s.Requests)
	for i := 0; i < s.Requests; i++ {
		call, err := core.Issue(p.ID, []byte(fmt.Sprintf("instruction %d", i)), nil)
		if err != nil {
			r.Outcomes[outcomeName(call)]++
			continue
		}
		calls = append(calls, call)
	}

	var prevEnd time.Time
	for _, call := range calls {
		o, err := call.Wait(ctx)
		if err != nil {
			r.Outcomes["abandoned"]++
			continue
		}
		r.Outcomes[label(o)]++
		snap := call.Lifecycle()
		if !snap.StartedAt.IsZero() && snap.StartedAt.Before(prevEnd) {
			r.InOrder = false
		}
		if !snap.EndedAt.IsZero() {
			prevEnd = snap.EndedAt
		}
	}
	return r
}

func outcomeName(call *protocol.Call) string {
	o, _ := call.Result()
	return label(o)
}

func label(o protocol.Outcome) string {
	if o.Result != protocol.ResultFailed {
		return o.Result.String()
	}
	return o.Err().Error()
}

func waitForPeers(ctx context.Context, core *protocol.Core, peers []*Peer) error {
	for _, p := range peers {
		if _, err := core.AwaitPeer(ctx, p.ID); err != nil {
			return fmt.Errorf("waiting for peer %s: %w", p.ID, err)
		}
	}
	return nil
}
