package gossip

import (
	"context"
	"fmt"
	"sync"
)

// LocalTransport connects gossip nodes living in the same process. Nodes
// register under their id and Exchange delivers messages synchronously.
type LocalTransport struct {
	mu    sync.RWMutex
	nodes map[string]*Gossip
}

// NewLocalTransport creates an empty peer registry.
func NewLocalTransport() *LocalTransport {
	return &LocalTransport{nodes: make(map[string]*Gossip)}
}

// Register adds the node under its id. Re-registering replaces the entry.
func (t *LocalTransport) Register(g *Gossip) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodes[g.NodeID()] = g
}

// Deregister removes the node. Idempotent.
func (t *LocalTransport) Deregister(nodeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.nodes, nodeID)
}

// NodeIDs returns the registered node ids.
func (t *LocalTransport) NodeIDs() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]string, 0, len(t.nodes))
	for id := range t.nodes {
		out = append(out, id)
	}
	return out
}

// Exchange implements Transport against the local registry.
func (t *LocalTransport) Exchange(ctx context.Context, peer string, msg Message) (Response, error) {
	if err := ctx.Err(); err != nil {
		return Response{}, err
	}

	t.mu.RLock()
	g, ok := t.nodes[peer]
	t.mu.RUnlock()
	if !ok {
		return Response{}, fmt.Errorf("gossip: unknown peer %q", peer)
	}
	return g.OnReceive(msg), nil
}
