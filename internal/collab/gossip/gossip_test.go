package gossip

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/clock"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
)

// memTransport delivers messages directly to in-process gossip instances.
type memTransport struct {
	nodes map[string]*Gossip
}

func (t *memTransport) Exchange(_ context.Context, peer string, msg Message) (Response, error) {
	g, ok := t.nodes[peer]
	if !ok {
		return Response{}, fmt.Errorf("unknown peer %s", peer)
	}
	return g.OnReceive(msg), nil
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatal(err)
	}
	return log
}

func testOp(node string, vc clock.VectorClock) Operation {
	return Operation{
		ID:            uuid.New().String(),
		SessionID:     "sess-1",
		ParticipantID: node,
		Kind:          "insert",
		Clock:         vc,
		Timestamp:     time.Now(),
	}
}

func pair(t *testing.T) (*Gossip, *Gossip, *memTransport) {
	t.Helper()
	log := testLogger(t)
	tr := &memTransport{nodes: make(map[string]*Gossip)}
	a := New("node-a", []string{"node-b"}, tr, Config{}, log)
	b := New("node-b", []string{"node-a"}, tr, Config{}, log)
	tr.nodes["node-a"] = a
	tr.nodes["node-b"] = b
	return a, b, tr
}

func TestRoundPropagatesOperations(t *testing.T) {
	a, b, _ := pair(t)

	vc := clock.New().Increment("node-a")
	a.AddOperation(testOp("node-a", vc))

	a.Round(context.Background())

	got := b.DrainPending()
	if len(got) != 1 {
		t.Fatalf("expected 1 pending op on b, got %d", len(got))
	}
	if got[0].ParticipantID != "node-a" {
		t.Errorf("unexpected op: %+v", got[0])
	}
	if b.Clock()["node-a"] != 1 {
		t.Errorf("b's clock must reflect a's op: %v", b.Clock())
	}
}

func TestExchangeConvergesDigests(t *testing.T) {
	a, b, _ := pair(t)

	a.AddOperation(testOp("node-a", clock.New().Increment("node-a")))
	b.AddOperation(testOp("node-b", clock.New().Increment("node-b")))

	// One round in each direction moves both ops both ways.
	a.Round(context.Background())
	b.Round(context.Background())

	if a.Digest() != b.Digest() {
		t.Errorf("digests must match after convergence: %s vs %s", a.Digest(), b.Digest())
	}
	if !a.InSyncWith("node-b") || !b.InSyncWith("node-a") {
		t.Error("both sides must report in sync")
	}
}

func TestResponseCarriesMissingOps(t *testing.T) {
	a, b, _ := pair(t)

	// b holds an op that a lacks; a initiates the round and must learn it
	// from b's response.
	b.AddOperation(testOp("node-b", clock.New().Increment("node-b")))

	a.Round(context.Background())

	got := a.DrainPending()
	if len(got) != 1 {
		t.Fatalf("a must receive b's op via the response, got %d", len(got))
	}
	if got[0].ParticipantID != "node-b" {
		t.Errorf("unexpected op: %+v", got[0])
	}
}

func TestDuplicateOperationsIgnored(t *testing.T) {
	a, b, _ := pair(t)

	op := testOp("node-a", clock.New().Increment("node-a"))
	a.AddOperation(op)
	a.AddOperation(op)

	a.Round(context.Background())
	a.Round(context.Background())

	if got := b.DrainPending(); len(got) != 1 {
		t.Errorf("op must be delivered once, got %d", len(got))
	}
}

func TestAntiEntropySnapshot(t *testing.T) {
	log := testLogger(t)
	tr := &memTransport{nodes: make(map[string]*Gossip)}
	// Anti-entropy interval of 1ns fires on the first build.
	a := New("node-a", []string{"node-b"}, tr, Config{AntiEntropyInterval: time.Nanosecond}, log)
	b := New("node-b", []string{"node-a"}, tr, Config{}, log)
	tr.nodes["node-a"] = a
	tr.nodes["node-b"] = b

	b.AddOperation(testOp("node-b", clock.New().Increment("node-b")))

	msg := a.buildMessage("node-b")
	if !msg.AntiEntropy {
		t.Fatal("message must request anti-entropy")
	}
	resp := b.OnReceive(msg)
	if len(resp.Snapshot) != 1 {
		t.Errorf("anti-entropy response must carry a snapshot, got %d ops", len(resp.Snapshot))
	}
}

func TestPruneDropsOldOperations(t *testing.T) {
	log := testLogger(t)
	g := New("node-a", nil, nil, Config{Retention: time.Minute}, log)

	old := testOp("node-a", clock.New().Increment("node-a"))
	old.Timestamp = time.Now().Add(-2 * time.Minute)
	g.AddOperation(old)
	g.AddOperation(testOp("node-a", clock.New().Increment("node-a").Increment("node-a")))

	if dropped := g.Prune(); dropped != 1 {
		t.Errorf("expected 1 pruned op, got %d", dropped)
	}
}

func TestMaxOpsPerMessageBound(t *testing.T) {
	log := testLogger(t)
	g := New("node-a", nil, nil, Config{MaxOpsPerMessage: 3}, log)

	vc := clock.New()
	for i := 0; i < 10; i++ {
		vc = vc.Increment("node-a")
		g.AddOperation(testOp("node-a", vc))
	}

	msg := g.buildMessage("node-b")
	if len(msg.Operations) != 3 {
		t.Errorf("message must carry at most 3 ops, got %d", len(msg.Operations))
	}
}

func TestStartStop(t *testing.T) {
	a, b, _ := pair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a.AddOperation(testOp("node-a", clock.New().Increment("node-a")))
	a.Start(ctx)
	defer a.Stop()

	deadline := time.After(2 * time.Second)
	for {
		if len(b.DrainPending()) > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("op never reached peer through the loop")
		case <-time.After(20 * time.Millisecond):
		}
	}
}
