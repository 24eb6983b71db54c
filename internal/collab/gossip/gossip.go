// Package gossip propagates collaboration operations between shards with a
// periodic pull-push exchange and anti-entropy snapshots.
package gossip

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/clock"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
)

// Defaults for the exchange loop.
const (
	DefaultInterval            = 100 * time.Millisecond
	DefaultFanout              = 2
	DefaultAntiEntropyInterval = 60 * time.Second
	DefaultRetention           = 5 * time.Minute
	DefaultMaxOpsPerMessage    = 50
)

// Operation is one replicated collaboration mutation, stamped with the
// originating participant's vector clock.
type Operation struct {
	ID            string            `json:"id"`
	SessionID     string            `json:"session_id"`
	ParticipantID string            `json:"participant_id"`
	Kind          string            `json:"kind"`
	Payload       json.RawMessage   `json:"payload,omitempty"`
	Clock         clock.VectorClock `json:"clock"`
	Timestamp     time.Time         `json:"timestamp"`
}

// Message is one gossip exchange from a sender to a peer.
type Message struct {
	Sender      string            `json:"sender"`
	VectorClock clock.VectorClock `json:"vector_clock"`
	Digest      string            `json:"digest"`
	Operations  []Operation       `json:"operations,omitempty"`
	AntiEntropy bool              `json:"anti_entropy,omitempty"`
}

// Response carries back the operations the sender was missing, plus an
// optional bounded snapshot when anti-entropy was requested.
type Response struct {
	Sender      string            `json:"sender"`
	VectorClock clock.VectorClock `json:"vector_clock"`
	Digest      string            `json:"digest"`
	Operations  []Operation       `json:"operations,omitempty"`
	Snapshot    []Operation       `json:"snapshot,omitempty"`
	InSync      bool              `json:"in_sync"`
}

// Transport delivers a gossip message to a peer and returns its response.
type Transport interface {
	Exchange(ctx context.Context, peer string, msg Message) (Response, error)
}

// Config tunes one gossip instance.
type Config struct {
	Interval            time.Duration
	Fanout              int
	AntiEntropyInterval time.Duration
	Retention           time.Duration
	MaxOpsPerMessage    int
}

func (c *Config) withDefaults() {
	if c.Interval <= 0 {
		c.Interval = DefaultInterval
	}
	if c.Fanout <= 0 {
		c.Fanout = DefaultFanout
	}
	if c.AntiEntropyInterval <= 0 {
		c.AntiEntropyInterval = DefaultAntiEntropyInterval
	}
	if c.Retention <= 0 {
		c.Retention = DefaultRetention
	}
	if c.MaxOpsPerMessage <= 0 {
		c.MaxOpsPerMessage = DefaultMaxOpsPerMessage
	}
}

// Gossip runs the exchange loop for one shard. The shard is the sole writer
// of its own clock and op log; everything learned from peers arrives through
// OnReceive and ApplyResponse.
type Gossip struct {
	nodeID    string
	cfg       Config
	transport Transport
	logger    *logger.Logger

	mu          sync.Mutex
	peers       []string
	clock       clock.VectorClock
	operations  []Operation
	pending     []Operation
	seen        map[string]struct{}
	knownClocks map[string]clock.VectorClock
	lastAntiEnt time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New creates a gossip instance for the given node.
func New(nodeID string, peers []string, transport Transport, cfg Config, log *logger.Logger) *Gossip {
	cfg.withDefaults()
	return &Gossip{
		nodeID:      nodeID,
		cfg:         cfg,
		transport:   transport,
		peers:       append([]string(nil), peers...),
		clock:       clock.New(),
		seen:        make(map[string]struct{}),
		knownClocks: make(map[string]clock.VectorClock),
		lastAntiEnt: time.Now(),
		stopCh:      make(chan struct{}),
		logger:      log.WithFields(zap.String("component", "gossip"), zap.String("node_id", nodeID)),
	}
}

// NodeID returns the owning node's identifier.
func (g *Gossip) NodeID() string { return g.nodeID }

// Clock returns a copy of the local vector clock.
func (g *Gossip) Clock() clock.VectorClock {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.clock.Clone()
}

// SetPeers replaces the peer list.
func (g *Gossip) SetPeers(peers []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.peers = append([]string(nil), peers...)
}

// AddOperation records a locally produced operation for propagation and
// merges its clock into the local clock.
func (g *Gossip) AddOperation(op Operation) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, dup := g.seen[op.ID]; dup {
		return
	}
	g.seen[op.ID] = struct{}{}
	g.operations = append(g.operations, op)
	g.clock = g.clock.Merge(op.Clock)
}

// DrainPending returns the remotely received operations waiting to be
// applied to session state, clearing the queue.
func (g *Gossip) DrainPending() []Operation {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := g.pending
	g.pending = nil
	return out
}

// digest is a truncated hash over the sorted clock entries. Two nodes with
// equal clocks produce equal digests.
func digest(vc clock.VectorClock) string {
	keys := make([]string, 0, len(vc))
	for k := range vc {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	h := sha256.New()
	for _, k := range keys {
		fmt.Fprintf(h, "%s=%d;", k, vc[k])
	}
	return hex.EncodeToString(h.Sum(nil)[:8])
}

// Digest returns the digest of the local clock.
func (g *Gossip) Digest() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return digest(g.clock)
}

// buildMessage assembles an outgoing message for one peer: the local clock,
// its digest, and up to MaxOpsPerMessage operations causally after the
// peer's last known clock.
func (g *Gossip) buildMessage(peer string) Message {
	g.mu.Lock()
	defer g.mu.Unlock()

	antiEntropy := time.Since(g.lastAntiEnt) >= g.cfg.AntiEntropyInterval
	if antiEntropy {
		g.lastAntiEnt = time.Now()
	}

	return Message{
		Sender:      g.nodeID,
		VectorClock: g.clock.Clone(),
		Digest:      digest(g.clock),
		Operations:  g.missingForLocked(g.knownClocks[peer]),
		AntiEntropy: antiEntropy,
	}
}

// missingForLocked returns operations the holder of peerClock has not seen,
// newest last, bounded by MaxOpsPerMessage.
func (g *Gossip) missingForLocked(peerClock clock.VectorClock) []Operation {
	var out []Operation
	for _, op := range g.operations {
		switch op.Clock.Compare(peerClock) {
		case clock.After, clock.Concurrent:
			out = append(out, op)
		}
	}
	if len(out) > g.cfg.MaxOpsPerMessage {
		out = out[len(out)-g.cfg.MaxOpsPerMessage:]
	}
	return out
}

// OnReceive handles an incoming gossip message and returns the response for
// the sender.
func (g *Gossip) OnReceive(msg Message) Response {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.knownClocks[msg.Sender] = msg.VectorClock.Clone()
	g.ingestLocked(msg.Operations)
	g.clock = g.clock.Merge(msg.VectorClock)

	resp := Response{
		Sender:      g.nodeID,
		VectorClock: g.clock.Clone(),
		Operations:  g.missingForLocked(msg.VectorClock),
		InSync:      digest(g.clock) == msg.Digest,
	}
	resp.Digest = digest(g.clock)

	if msg.AntiEntropy {
		n := len(g.operations)
		start := n - g.cfg.MaxOpsPerMessage
		if start < 0 {
			start = 0
		}
		resp.Snapshot = append([]Operation(nil), g.operations[start:]...)
	}
	return resp
}

// ApplyResponse ingests the operations a peer sent back and merges clocks.
func (g *Gossip) ApplyResponse(resp Response) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.knownClocks[resp.Sender] = resp.VectorClock.Clone()
	g.ingestLocked(resp.Operations)
	g.ingestLocked(resp.Snapshot)
	g.clock = g.clock.Merge(resp.VectorClock)
}

// ingestLocked queues operations not already reflected in the local clock
// and records them in the log so they propagate onward.
func (g *Gossip) ingestLocked(ops []Operation) {
	for _, op := range ops {
		if _, dup := g.seen[op.ID]; dup {
			continue
		}
		if op.Clock.HappensBefore(g.clock) {
			continue
		}
		g.seen[op.ID] = struct{}{}
		g.operations = append(g.operations, op)
		g.pending = append(g.pending, op)
		g.clock = g.clock.Merge(op.Clock)
	}
}

// Prune drops operations older than the retention window.
func (g *Gossip) Prune() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	cutoff := time.Now().Add(-g.cfg.Retention)
	kept := g.operations[:0]
	dropped := 0
	for _, op := range g.operations {
		if op.Timestamp.Before(cutoff) {
			delete(g.seen, op.ID)
			dropped++
			continue
		}
		kept = append(kept, op)
	}
	g.operations = kept
	return dropped
}

// InSyncWith reports whether this node's digest matches the peer's last
// known clock digest.
func (g *Gossip) InSyncWith(peer string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	known, ok := g.knownClocks[peer]
	if !ok {
		return false
	}
	return digest(g.clock) == digest(known)
}

// Start launches the exchange loop. Each round picks up to Fanout random
// peers, sends each a message, and applies the responses.
func (g *Gossip) Start(ctx context.Context) {
	g.wg.Add(1)
	go g.loop(ctx)
	g.logger.Info("gossip started",
		zap.Duration("interval", g.cfg.Interval),
		zap.Int("fanout", g.cfg.Fanout))
}

// Stop terminates the loop and waits for it to exit.
func (g *Gossip) Stop() {
	close(g.stopCh)
	g.wg.Wait()
	g.logger.Info("gossip stopped")
}

func (g *Gossip) loop(ctx context.Context) {
	defer g.wg.Done()

	ticker := time.NewTicker(g.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-g.stopCh:
			return
		case <-ticker.C:
			g.Round(ctx)
			g.Prune()
		}
	}
}

// Round performs one gossip round against up to Fanout random peers.
func (g *Gossip) Round(ctx context.Context) {
	for _, peer := range g.pickPeers() {
		msg := g.buildMessage(peer)
		resp, err := g.transport.Exchange(ctx, peer, msg)
		if err != nil {
			g.logger.Debug("gossip exchange failed",
				zap.String("peer", peer), zap.Error(err))
			continue
		}
		g.ApplyResponse(resp)
	}
}

func (g *Gossip) pickPeers() []string {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.peers) == 0 {
		return nil
	}
	n := g.cfg.Fanout
	if n > len(g.peers) {
		n = len(g.peers)
	}
	idx := rand.Perm(len(g.peers))[:n]
	out := make([]string, n)
	for i, j := range idx {
		out[i] = g.peers[j]
	}
	return out
}
