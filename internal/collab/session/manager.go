package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/crdt"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/gossip"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/shard"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/events/bus"
)

// ErrSessionNotFound is returned for lookups of unknown session ids.
var ErrSessionNotFound = errors.New("session: not found")

// Resolution of the sync loop. Per-session intervals are rounded up to it.
const syncTick = 50 * time.Millisecond

// Manager owns the live collaboration sessions, the shared shard pool, and
// the per-shard gossip nodes.
type Manager struct {
	mu       sync.Mutex
	sessions map[string]*Session

	shards    *shard.Manager
	transport *gossip.LocalTransport
	nodes     map[string]*gossip.Gossip // shard id -> gossip node
	eventBus  bus.EventBus
	logger    *logger.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewManager creates a session manager over the given shard pool. When a
// transport is supplied, every shard gets a gossip node registered on it and
// each session replicates through its home shard's node. A nil transport
// keeps sessions local only.
func NewManager(shards *shard.Manager, transport *gossip.LocalTransport, eventBus bus.EventBus, log *logger.Logger) *Manager {
	m := &Manager{
		sessions:  make(map[string]*Session),
		shards:    shards,
		transport: transport,
		nodes:     make(map[string]*gossip.Gossip),
		eventBus:  eventBus,
		stopCh:    make(chan struct{}),
		logger:    log.WithFields(zap.String("component", "session_manager")),
	}

	if transport != nil {
		ids := shards.ShardIDs()
		for _, id := range ids {
			peers := make([]string, 0, len(ids)-1)
			for _, peer := range ids {
				if peer != id {
					peers = append(peers, peer)
				}
			}
			node := gossip.New(id, peers, transport, gossip.Config{}, log)
			transport.Register(node)
			m.nodes[id] = node
		}
	}
	return m
}

// Start launches the shard gossip nodes and the loop that drains received
// operations into session state and takes periodic snapshots.
func (m *Manager) Start(ctx context.Context) {
	for _, node := range m.nodes {
		node.Start(ctx)
	}
	m.wg.Add(1)
	go m.syncLoop(ctx)
	m.logger.Info("session manager started", zap.Int("gossip_nodes", len(m.nodes)))
}

// Stop terminates the sync loop and the gossip nodes.
func (m *Manager) Stop() {
	close(m.stopCh)
	m.wg.Wait()
	for _, node := range m.nodes {
		node.Stop()
	}
}

func (m *Manager) syncLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(syncTick)
	defer ticker.Stop()

	lastSync := make(map[string]time.Time)
	lastSnap := make(map[string]time.Time)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			now := time.Now()
			for _, sess := range m.List() {
				interval := sess.Settings.GossipInterval
				if interval <= 0 {
					interval = gossip.DefaultInterval
				}
				if now.Sub(lastSync[sess.ID]) >= interval {
					lastSync[sess.ID] = now
					if err := sess.SyncGossip(); err != nil {
						m.logger.Warn("gossip sync failed",
							zap.String("session_id", sess.ID), zap.Error(err))
					}
				}

				snapEvery := sess.Settings.SnapshotInterval
				if snapEvery <= 0 {
					continue
				}
				if now.Sub(lastSnap[sess.ID]) >= snapEvery {
					lastSnap[sess.ID] = now
					if _, err := sess.TakeSnapshot(); err != nil {
						m.logger.Warn("periodic snapshot failed",
							zap.String("session_id", sess.ID), zap.Error(err))
					}
				}
			}
		}
	}
}

// Create starts a new session, bound to its home shard's gossip node when
// gossip is enabled.
func (m *Manager) Create(name string, crdtType crdt.Type, maxParticipants int, settings Settings) (*Session, error) {
	if crdtType == "" {
		crdtType = crdt.TypeRGA
	}

	sess, err := New(name, crdtType, maxParticipants, settings, m.shards, nil, m.logger)
	if err != nil {
		return nil, err
	}
	if len(m.nodes) > 0 {
		if node := m.nodes[m.shards.Home(sess.ID)]; node != nil {
			sess.attachGossip(node)
		}
	}

	m.mu.Lock()
	m.sessions[sess.ID] = sess
	m.mu.Unlock()

	m.logger.Info("session created",
		zap.String("session_id", sess.ID),
		zap.String("name", name),
		zap.String("crdt_type", string(crdtType)))
	m.publish(events.CollabSessionCreated, map[string]interface{}{
		"session_id": sess.ID,
		"name":       name,
		"crdt_type":  string(crdtType),
	})
	return sess, nil
}

// Get returns the session by id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// List returns all live sessions.
func (m *Manager) List() []*Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Close removes the session and releases every participant's shard slot.
func (m *Manager) Close(id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}

	for _, p := range sess.Participants() {
		sess.Leave(p.ID)
	}
	m.logger.Info("session closed", zap.String("session_id", id))
	m.publish(events.CollabSessionClosed, map[string]interface{}{"session_id": id})
	return nil
}

// Shards exposes the underlying shard pool for health reporting.
func (m *Manager) Shards() *shard.Manager {
	return m.shards
}

func (m *Manager) publish(eventType string, data map[string]interface{}) {
	if m.eventBus == nil {
		return
	}
	event := bus.NewEvent(eventType, "session_manager", data)
	if err := m.eventBus.Publish(context.Background(), eventType, event); err != nil {
		m.logger.Warn("publish event failed",
			zap.String("event_type", eventType), zap.Error(err))
	}
}
