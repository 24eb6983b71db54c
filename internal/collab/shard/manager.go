package shard

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
)

// Status describes a shard's load condition. Draining is set explicitly and
// sticky; the other states are derived from load.
type Status string

const (
	StatusHealthy    Status = "healthy"
	StatusDegraded   Status = "degraded"
	StatusOverloaded Status = "overloaded"
	StatusDraining   Status = "draining"
)

// Load thresholds for derived status.
const (
	degradedLoad    = 0.80
	overloadedLoad  = 0.95
	rebalanceLoad   = 0.80
	rebalanceTarget = 0.70
)

// Defaults for the shard pool.
const (
	DefaultShardCount = 30
	DefaultCapacity   = 1000
)

// ErrNoShardAvailable is returned when no shard can accept a participant.
var ErrNoShardAvailable = errors.New("shard: no shard available")

// Shard is one bounded partition of the participant population.
type Shard struct {
	ID           string
	Capacity     int
	Participants map[string]struct{}
	draining     bool
}

// Load returns the shard's fill ratio.
func (s *Shard) Load() float64 {
	if s.Capacity == 0 {
		return 1
	}
	return float64(len(s.Participants)) / float64(s.Capacity)
}

// Status derives the shard status from load, with draining sticky.
func (s *Shard) Status() Status {
	if s.draining {
		return StatusDraining
	}
	load := s.Load()
	switch {
	case load >= overloadedLoad:
		return StatusOverloaded
	case load >= degradedLoad:
		return StatusDegraded
	default:
		return StatusHealthy
	}
}

// available reports whether the shard can accept one more participant.
func (s *Shard) available() bool {
	return !s.draining && len(s.Participants) < s.Capacity
}

// Manager owns the shard pool and the ring, and tracks which shard each
// participant lives on.
type Manager struct {
	mu       sync.Mutex
	ring     *Ring
	shards   map[string]*Shard
	byMember map[string]string // participant id -> shard id
	logger   *logger.Logger
}

// NewManager creates count shards of the given capacity on a fresh ring.
func NewManager(count, capacity, virtualNodes int, log *logger.Logger) *Manager {
	if count <= 0 {
		count = DefaultShardCount
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}

	ids := make([]string, count)
	shards := make(map[string]*Shard, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("shard-%d", i)
		ids[i] = id
		shards[id] = &Shard{
			ID:           id,
			Capacity:     capacity,
			Participants: make(map[string]struct{}),
		}
	}

	return &Manager{
		ring:     NewRing(ids, virtualNodes),
		shards:   shards,
		byMember: make(map[string]string),
		logger:   log.WithFields(zap.String("component", "shard_manager")),
	}
}

// AssignShard places a participant: the ring's primary shard if it can
// accept, then the ring's replica candidates, then the least-loaded
// available shard. Returns ErrNoShardAvailable when everything is full or
// draining. Assigning an already-placed participant returns its shard.
func (m *Manager) AssignShard(participantID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.byMember[participantID]; ok {
		return id, nil
	}

	for _, candidate := range m.ring.GetNShards(participantID, 3) {
		if s := m.shards[candidate]; s != nil && s.available() {
			m.place(participantID, s)
			return s.ID, nil
		}
	}

	// Final fallback: least-loaded available shard anywhere.
	if s := m.leastLoadedLocked(); s != nil {
		m.place(participantID, s)
		return s.ID, nil
	}

	return "", ErrNoShardAvailable
}

func (m *Manager) place(participantID string, s *Shard) {
	s.Participants[participantID] = struct{}{}
	m.byMember[participantID] = s.ID
	m.logger.Debug("participant assigned",
		zap.String("participant_id", participantID),
		zap.String("shard_id", s.ID),
		zap.Int("shard_size", len(s.Participants)))
}

func (m *Manager) leastLoadedLocked() *Shard {
	var best *Shard
	for _, id := range m.ring.ShardIDs() {
		s := m.shards[id]
		if !s.available() {
			continue
		}
		if best == nil || s.Load() < best.Load() {
			best = s
		}
	}
	return best
}

// ShardIDs returns the ids of every shard on the ring.
func (m *Manager) ShardIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ring.ShardIDs()...)
}

// Home returns the ring's primary shard for an arbitrary key, regardless of
// load. Used to pin replicated state to a shard.
func (m *Manager) Home(key string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	ids := m.ring.GetNShards(key, 1)
	if len(ids) == 0 {
		return ""
	}
	return ids[0]
}

// ReleaseShard removes a participant from its shard. Idempotent.
func (m *Manager) ReleaseShard(participantID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	shardID, ok := m.byMember[participantID]
	if !ok {
		return
	}
	delete(m.byMember, participantID)
	if s := m.shards[shardID]; s != nil {
		delete(s.Participants, participantID)
	}
}

// ShardOf returns the shard currently holding the participant.
func (m *Manager) ShardOf(participantID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.byMember[participantID]
	return id, ok
}

// SetDraining marks a shard draining (sticky) or clears the flag.
func (m *Manager) SetDraining(shardID string, draining bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shards[shardID]
	if !ok {
		return fmt.Errorf("shard: unknown shard %q", shardID)
	}
	s.draining = draining
	return nil
}

// ShardStatus returns the derived status of one shard.
func (m *Manager) ShardStatus(shardID string) (Status, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.shards[shardID]
	if !ok {
		return "", 0, fmt.Errorf("shard: unknown shard %q", shardID)
	}
	return s.Status(), len(s.Participants), nil
}

// Rebalance moves participants off overloaded shards (load > 80%) down to
// the 70% target, placing the moved participants onto the least-loaded
// available shards. Returns the number of participants moved.
func (m *Manager) Rebalance() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	moved := 0
	for _, id := range m.ring.ShardIDs() {
		s := m.shards[id]
		if s.draining || s.Load() <= rebalanceLoad {
			continue
		}

		excess := len(s.Participants) - int(rebalanceTarget*float64(s.Capacity))
		// Stable order so rebalancing is deterministic for a given state.
		members := make([]string, 0, len(s.Participants))
		for p := range s.Participants {
			members = append(members, p)
		}
		sort.Strings(members)

		for _, p := range members {
			if excess <= 0 {
				break
			}
			dest := m.leastLoadedOtherLocked(s.ID)
			if dest == nil {
				break
			}
			delete(s.Participants, p)
			m.place(p, dest)
			excess--
			moved++
		}
	}

	if moved > 0 {
		m.logger.Info("rebalanced shards", zap.Int("participants_moved", moved))
	}
	return moved
}

func (m *Manager) leastLoadedOtherLocked(exclude string) *Shard {
	var best *Shard
	for _, id := range m.ring.ShardIDs() {
		if id == exclude {
			continue
		}
		s := m.shards[id]
		if !s.available() {
			continue
		}
		if best == nil || s.Load() < best.Load() {
			best = s
		}
	}
	return best
}

// Stats summarizes the pool for the health endpoint.
type Stats struct {
	Shards       int            `json:"shards"`
	Participants int            `json:"participants"`
	Capacity     int            `json:"capacity"`
	ByStatus     map[Status]int `json:"by_status"`
}

// Stats returns a snapshot of pool occupancy.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	st := Stats{ByStatus: make(map[Status]int)}
	for _, s := range m.shards {
		st.Shards++
		st.Participants += len(s.Participants)
		st.Capacity += s.Capacity
		st.ByStatus[s.Status()]++
	}
	return st
}
