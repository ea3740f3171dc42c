package assets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/Ankesh2004/boardlink/internal/protocol"
	"github.com/Ankesh2004/boardlink/pkg/p2p"
)

var (
	// ErrNotCached is returned by Delete for an asset the peer is not known
	// to hold.
	ErrNotCached = errors.New("asset not cached for peer")
	// ErrStaleSession means the upload finished after the peer's session
	// ended; its result was discarded.
	ErrStaleSession = errors.New("peer session changed during upload")
)

// Issuer is the part of the protocol core the cache needs.
type Issuer interface {
	Issue(peerID string, payload, binary []byte) (*protocol.Call, error)
	IssueAndForget(peerID string, payload, binary []byte)
	AddObserver(o protocol.PeerObserver)
}

// Entry records that a peer holds an asset under a remote ID.
type Entry struct {
	Peer       string
	Identity   string
	AssetID    string
	UploadedAt time.Time
	LastUsed   time.Time
}

type key struct {
	peer     string
	identity string
}

// flight is one upload in progress. Every caller for the same key waits on
// done; assetID and err are written before done is closed.
//
// A detached flight (its peer or identity was invalidated) moves to
// Cache.draining and keeps the key busy until free is closed, which happens
// only after whatever it left on the peer has been queued for deletion.
type flight struct {
	done    chan struct{}
	free    chan struct{}
	gen     uint64
	discard bool // set under Cache.mu when the result must not be committed
	reclaim bool // InvalidateEverywhereExcept deletes the result itself
	assetID string
	landed  string // remote ID the peer reported, even when not committed
	err     error
}

type Option func(*Cache)

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

func WithCodec(codec Codec) Option {
	return func(c *Cache) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithMaxPerPeer caps the entries kept per peer; 0 keeps everything.
func WithMaxPerPeer(n int) Option {
	return func(c *Cache) {
		if n > 0 {
			c.maxPerPeer = n
		}
	}
}

// Cache remembers which assets every peer already holds so that the same
// bytes are uploaded to a peer at most once per session.
//
// The cache lock is never held while calling into the core.
type Cache struct {
	core       Issuer
	codec      Codec
	logger     *slog.Logger
	metrics    *Metrics
	maxPerPeer int

	mu          sync.Mutex
	entries     map[string]map[string]*Entry // peer -> identity -> entry
	flights     map[key]*flight
	draining    map[key]*flight
	generations map[string]uint64
}

// New builds a cache on top of core and subscribes it to peer departures.
func New(core Issuer, options ...Option) *Cache {
	c := &Cache{
		core:        core,
		codec:       JSONCodec{},
		logger:      slog.New(slog.DiscardHandler),
		entries:     make(map[string]map[string]*Entry),
		flights:     make(map[key]*flight),
		draining:    make(map[key]*flight),
		generations: make(map[string]uint64),
	}
	for _, o := range options {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = NewMetrics(nil)
	}
	c.logger = c.logger.With("component", "assets")
	core.AddObserver(c)
	return c
}

// PeerLeft implements protocol.PeerObserver.
func (c *Cache) PeerLeft(peerID string, _ p2p.Kind) {
	c.InvalidateAllForPeer(peerID)
}

// EnsureUploaded returns the remote asset ID under which peerID holds the
// content, uploading data if needed. Concurrent calls for the same peer and
// identity share one upload. When ctx ends the caller stops waiting; the
// upload itself carries on for anyone else waiting on it.
func (c *Cache) EnsureUploaded(ctx context.Context, peerID, identity string, data []byte) (string, error) {
	k := key{peer: peerID, identity: identity}

	var f *flight
	for f == nil {
		c.mu.Lock()
		if e, ok := c.entries[peerID][identity]; ok {
			e.LastUsed = time.Now()
			id := e.AssetID
			c.mu.Unlock()
			c.metrics.hits.Inc()
			return id, nil
		}
		if f, ok := c.flights[k]; ok {
			c.mu.Unlock()
			c.metrics.coalesced.Inc()
			c.logger.Debug("joining upload in flight", "peer", peerID, "identity", identity)
			return wait(ctx, f)
		}
		if d, ok := c.draining[k]; ok {
			// A detached upload of the same bytes is still outstanding.
			c.mu.Unlock()
			select {
			case <-d.free:
				continue
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		f = &flight{done: make(chan struct{}), free: make(chan struct{}), gen: c.generations[peerID]}
		c.flights[k] = f
		c.mu.Unlock()
	}
	c.metrics.misses.Inc()

	payload, err := c.codec.EncodeRequest(Request{Op: OpUpload, Identity: identity, Size: len(data)})
	if err != nil {
		c.land(k, f, "", err)
		return "", err
	}
	// From here on the upload belongs to the flight, not to this caller.
	call, err := c.core.Issue(peerID, payload, data)
	if err != nil {
		err = fmt.Errorf("upload %s to %s: %w", identity, peerID, err)
		c.land(k, f, "", err)
		return "", err
	}
	go c.await(k, f, call)
	return wait(ctx, f)
}

func wait(ctx context.Context, f *flight) (string, error) {
	select {
	case <-f.done:
		return f.assetID, f.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *Cache) await(k key, f *flight, call *protocol.Call) {
	<-call.Done()
	o, _ := call.Result()
	if !o.OK() {
		c.land(k, f, "", fmt.Errorf("upload %s to %s: %w", k.identity, k.peer, o.Err()))
		return
	}
	reply, err := c.codec.DecodeReply(o.Payload)
	if err != nil {
		c.land(k, f, "", err)
		return
	}
	c.land(k, f, reply.AssetID, nil)
}

// land finishes a flight and commits a successful result, unless the peer's
// session changed or the flight was discarded in the meantime. A result that
// reached the peer but cannot be committed is deleted again.
func (c *Cache) land(k key, f *flight, assetID string, err error) {
	var evicted *Entry
	if err == nil {
		f.landed = assetID
	}

	c.mu.Lock()
	if c.flights[k] == f {
		delete(c.flights, k)
	}
	if err == nil && (f.discard || c.generations[k.peer] != f.gen) {
		err = ErrStaleSession
		assetID = ""
	}
	if err == nil {
		now := time.Now()
		m := c.entries[k.peer]
		if m == nil {
			m = make(map[string]*Entry)
			c.entries[k.peer] = m
		}
		if _, ok := m[k.identity]; !ok {
			c.metrics.entries.Inc()
		}
		m[k.identity] = &Entry{Peer: k.peer, Identity: k.identity, AssetID: assetID, UploadedAt: now, LastUsed: now}
		evicted = c.evictLocked(k.peer, k.identity)
	}
	f.assetID, f.err = assetID, err
	reclaim := f.reclaim
	close(f.done)
	c.mu.Unlock()

	if err != nil {
		c.logger.Warn("upload failed", "peer", k.peer, "identity", k.identity, "error", err)
	} else {
		c.logger.Debug("upload committed", "peer", k.peer, "identity", k.identity, "asset_id", assetID)
	}
	if evicted != nil {
		c.remoteDeleteAndForget(evicted, "evicting asset")
	}
	if reclaim {
		return
	}
	if err != nil && f.landed != "" {
		c.remoteDeleteAndForget(&Entry{Peer: k.peer, Identity: k.identity, AssetID: f.landed}, "deleting stale upload")
	}
	c.release(k, f)
}

// release frees the key of a finished flight for the next upload. Deletes
// queued before it stay ahead of that upload in the peer's queue.
func (c *Cache) release(k key, f *flight) {
	c.mu.Lock()
	if c.draining[k] == f {
		delete(c.draining, k)
	}
	c.mu.Unlock()
	close(f.free)
}

// detachLocked stops f from committing and parks it until it lands.
func (c *Cache) detachLocked(k key, f *flight, reclaim bool) {
	delete(c.flights, k)
	f.discard = true
	f.reclaim = reclaim
	c.draining[k] = f
}

// evictLocked drops the least recently used entry of peer other than keep
// when the peer is over the cap.
func (c *Cache) evictLocked(peer, keep string) *Entry {
	m := c.entries[peer]
	if c.maxPerPeer <= 0 || len(m) <= c.maxPerPeer {
		return nil
	}
	var victim *Entry
	for id, e := range m {
		if id == keep {
			continue
		}
		if victim == nil || e.LastUsed.Before(victim.LastUsed) {
			victim = e
		}
	}
	if victim == nil {
		return nil
	}
	delete(m, victim.Identity)
	c.metrics.entries.Dec()
	c.metrics.evictions.Inc()
	return victim
}

func (c *Cache) remoteDeleteAndForget(e *Entry, msg string) {
	payload, err := c.codec.EncodeRequest(Request{Op: OpDelete, Identity: e.Identity, AssetID: e.AssetID})
	if err != nil {
		c.logger.Error("encode delete", "peer", e.Peer, "identity", e.Identity, "error", err)
		return
	}
	c.logger.Info(msg, "peer", e.Peer, "identity", e.Identity, "asset_id", e.AssetID)
	c.core.IssueAndForget(e.Peer, payload, nil)
}

// Invalidate forgets that peerID holds identity. Call it once the remote
// side has deleted the asset.
func (c *Cache) Invalidate(peerID, identity string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.removeLocked(peerID, identity) != nil
}

func (c *Cache) removeLocked(peerID, identity string) *Entry {
	m := c.entries[peerID]
	e, ok := m[identity]
	if !ok {
		return nil
	}
	delete(m, identity)
	if len(m) == 0 {
		delete(c.entries, peerID)
	}
	c.metrics.entries.Dec()
	return e
}

// Delete asks peerID to drop the asset and invalidates the entry once the
// peer confirms.
func (c *Cache) Delete(ctx context.Context, peerID, identity string) error {
	e, ok := c.Lookup(peerID, identity)
	if !ok {
		return fmt.Errorf("delete %s on %s: %w", identity, peerID, ErrNotCached)
	}
	if err := c.remoteDelete(ctx, peerID, e); err != nil {
		return err
	}

	c.mu.Lock()
	if cur, ok := c.entries[peerID][identity]; ok && cur.AssetID == e.AssetID {
		c.removeLocked(peerID, identity)
	}
	c.mu.Unlock()
	return nil
}

func (c *Cache) remoteDelete(ctx context.Context, peerID string, e Entry) error {
	call, err := c.issueDelete(peerID, e)
	if err != nil {
		return err
	}
	return awaitDelete(ctx, peerID, e, call)
}

func (c *Cache) issueDelete(peerID string, e Entry) (*protocol.Call, error) {
	payload, err := c.codec.EncodeRequest(Request{Op: OpDelete, Identity: e.Identity, AssetID: e.AssetID})
	if err != nil {
		return nil, err
	}
	call, err := c.core.Issue(peerID, payload, nil)
	if err != nil {
		return nil, fmt.Errorf("delete %s on %s: %w", e.Identity, peerID, err)
	}
	return call, nil
}

func awaitDelete(ctx context.Context, peerID string, e Entry, call *protocol.Call) error {
	o, err := call.Wait(ctx)
	if err != nil {
		return fmt.Errorf("delete %s on %s: %w", e.Identity, peerID, err)
	}
	if !o.OK() {
		return fmt.Errorf("delete %s on %s: %w", e.Identity, peerID, o.Err())
	}
	return nil
}

// InvalidateAllForPeer drops everything known about peerID. Uploads still in
// flight for the peer can no longer commit, and a fresh upload of the same
// content waits until they have landed.
func (c *Cache) InvalidateAllForPeer(peerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generations[peerID]++
	for k, f := range c.flights {
		if k.peer == peerID {
			c.detachLocked(k, f, false)
		}
	}
	n := len(c.entries[peerID])
	delete(c.entries, peerID)
	c.metrics.entries.Sub(float64(n))
	if n > 0 {
		c.logger.Info("peer assets invalidated", "peer", peerID, "entries", n)
	}
	return n
}

// InvalidateEverywhereExcept removes identity from every peer that holds it
// and is not in allow, and sends each of those peers a delete. An upload of
// identity still in flight to such a peer is not committed; once it lands
// the peer gets a delete for it as well. It returns the peers targeted,
// sorted; failed deletes are joined into the error.
func (c *Cache) InvalidateEverywhereExcept(ctx context.Context, identity string, allow []string) ([]string, error) {
	var (
		targets []Entry
		pending []key
	)

	c.mu.Lock()
	for peerID := range c.entries {
		if slices.Contains(allow, peerID) {
			continue
		}
		if e := c.removeLocked(peerID, identity); e != nil {
			targets = append(targets, *e)
		}
	}
	parked := make(map[key]*flight)
	for k, f := range c.flights {
		if k.identity == identity && !slices.Contains(allow, k.peer) {
			c.detachLocked(k, f, true)
			parked[k] = f
			pending = append(pending, k)
		}
	}
	for k, f := range c.draining {
		if k.identity != identity || f.reclaim || slices.Contains(allow, k.peer) || closed(f.done) {
			continue
		}
		// Already detached by a session reset but not landed yet.
		f.reclaim = true
		parked[k] = f
		pending = append(pending, k)
	}
	c.mu.Unlock()

	results := make([]deleteResult, len(targets)+len(pending))
	var wg sync.WaitGroup
	for i, e := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = deleteResult{peer: e.Peer, sent: true, err: c.remoteDelete(ctx, e.Peer, e)}
		}()
	}
	for i, k := range pending {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[len(targets)+i] = c.reclaim(ctx, k, parked[k])
		}()
	}
	wg.Wait()

	var (
		peers []string
		errs  []error
	)
	for _, r := range results {
		if r.sent {
			peers = append(peers, r.peer)
		}
		if r.err != nil {
			errs = append(errs, r.err)
		}
	}
	sort.Strings(peers)
	return peers, errors.Join(errs...)
}

func closed(ch chan struct{}) bool {
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

type deleteResult struct {
	peer string
	sent bool
	err  error
}

type issuedDelete struct {
	call *protocol.Call
	err  error
}

// reclaim waits for a detached upload to land and deletes what it left on
// the peer. The delete is queued and the key released even if ctx ends
// first; only the wait for its outcome is bounded by ctx.
func (c *Cache) reclaim(ctx context.Context, k key, f *flight) deleteResult {
	issued := make(chan issuedDelete, 1)
	go func() {
		<-f.done
		defer c.release(k, f)
		if f.landed == "" {
			issued <- issuedDelete{}
			return
		}
		call, err := c.issueDelete(k.peer, Entry{Peer: k.peer, Identity: k.identity, AssetID: f.landed})
		issued <- issuedDelete{call: call, err: err}
	}()

	select {
	case d := <-issued:
		switch {
		case errors.Is(d.err, protocol.ErrUnknownPeer):
			// The peer left; its assets went with its session.
			return deleteResult{peer: k.peer}
		case d.err != nil:
			return deleteResult{peer: k.peer, sent: true, err: d.err}
		case d.call == nil:
			return deleteResult{peer: k.peer}
		}
		e := Entry{Peer: k.peer, Identity: k.identity, AssetID: f.landed}
		return deleteResult{peer: k.peer, sent: true, err: awaitDelete(ctx, k.peer, e, d.call)}
	case <-ctx.Done():
		return deleteResult{peer: k.peer, sent: true,
			err: fmt.Errorf("delete %s on %s: %w", k.identity, k.peer, ctx.Err())}
	}
}

// Lookup reports the entry for peerID and identity without touching its
// recency.
func (c *Cache) Lookup(peerID, identity string) (Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[peerID][identity]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Entries lists what peerID holds, ordered by identity.
func (c *Cache) Entries(peerID string) []Entry {
	c.mu.Lock()
	out := make([]Entry, 0, len(c.entries[peerID]))
	for _, e := range c.entries[peerID] {
		out = append(out, *e)
	}
	c.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}
