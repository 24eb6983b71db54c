// Package session composes CRDT state, vector clocks, sharding, and gossip
// into many-party collaboration sessions.
package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/clock"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/crdt"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/gossip"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/collab/shard"
	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
)

// Role controls what a participant may do in a session.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleEditor Role = "editor"
	RoleViewer Role = "viewer"
)

// Operation kinds accepted by ApplyOperation. Which kinds are valid depends
// on the session's CRDT type.
const (
	OpInsert    = "insert"
	OpDelete    = "delete"
	OpSet       = "set"
	OpAdd       = "add"
	OpRemove    = "remove"
	OpIncrement = "increment"
	OpDecrement = "decrement"
)

var (
	ErrParticipantNotFound = errors.New("session: participant not found")
	ErrViewerCannotWrite   = errors.New("session: viewer role cannot apply operations")
	ErrSessionFull         = errors.New("session: participant limit reached")
	ErrInvalidOperation    = errors.New("session: operation not valid for session crdt type")
)

// Participant is one member of a session.
type Participant struct {
	ID              string    `json:"id"`
	Role            Role      `json:"role"`
	ShardID         string    `json:"shard_id"`
	JoinedAt        time.Time `json:"joined_at"`
	LastOperationAt time.Time `json:"last_operation_at,omitempty"`
}

// Settings tunes per-session behavior.
type Settings struct {
	SnapshotInterval   time.Duration `json:"snapshot_interval"`
	GossipInterval     time.Duration `json:"gossip_interval"`
	ConflictResolution string        `json:"conflict_resolution"`
}

// Snapshot is a point-in-time capture of session state.
type Snapshot struct {
	State     interface{}       `json:"state"`
	Clock     clock.VectorClock `json:"clock"`
	OpCount   int               `json:"op_count"`
	SizeBytes int               `json:"size_bytes"`
	CreatedAt time.Time         `json:"created_at"`
}

// OpRequest is a participant's proposed mutation before stamping.
type OpRequest struct {
	Kind  string `json:"kind"`
	Index int    `json:"index,omitempty"`
	Value string `json:"value,omitempty"`
	Delta int64  `json:"delta,omitempty"`
}

// rga op payloads carried inside gossip operations.
type insertPayload struct {
	Node crdt.RGANode `json:"node"`
}

type deletePayload struct {
	ID crdt.NodeID `json:"id"`
}

// statePayload carries full CRDT state for the state-merged types.
type statePayload struct {
	State json.RawMessage `json:"state"`
}

// Delta is the answer to a state-delta query: every operation causally
// after the requester's clock, plus the current clock.
type Delta struct {
	Operations []gossip.Operation `json:"operations"`
	Clock      clock.VectorClock  `json:"clock"`
}

// Session is one collaborative document. All state behind the mutex; gossip
// hand-off happens after the local mutation is committed.
type Session struct {
	ID              string
	Name            string
	CRDTType        crdt.Type
	MaxParticipants int
	Settings        Settings
	CreatedAt       time.Time

	mu           sync.Mutex
	state        crdt.CRDT
	clock        clock.VectorClock
	participants map[string]*Participant
	operations   []gossip.Operation
	primaryShard string
	snapshots    []Snapshot

	shards *shard.Manager
	gossip *gossip.Gossip
	logger *logger.Logger
}

// New creates a session. gsp may be nil for gossip-free sessions.
func New(name string, crdtType crdt.Type, maxParticipants int, settings Settings, shards *shard.Manager, gsp *gossip.Gossip, log *logger.Logger) (*Session, error) {
	id := uuid.New().String()
	state, err := crdt.New(crdtType, id)
	if err != nil {
		return nil, err
	}
	if maxParticipants <= 0 {
		maxParticipants = 100
	}

	return &Session{
		ID:              id,
		Name:            name,
		CRDTType:        crdtType,
		MaxParticipants: maxParticipants,
		Settings:        settings,
		CreatedAt:       time.Now(),
		state:           state,
		clock:           clock.New(),
		participants:    make(map[string]*Participant),
		shards:          shards,
		gossip:          gsp,
		logger: log.WithFields(
			zap.String("component", "collab_session"),
			zap.String("session_id", id)),
	}, nil
}

// attachGossip binds the session to a gossip node. Must be called before
// the session is shared.
func (s *Session) attachGossip(g *gossip.Gossip) {
	s.gossip = g
}

// Join assigns the participant a shard slot and admits them. The first
// assignment fixes the session's primary shard. Re-joining refreshes the
// role.
func (s *Session) Join(participantID string, role Role) (*Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.participants[participantID]; ok {
		p.Role = role
		return p, nil
	}
	if len(s.participants) >= s.MaxParticipants {
		return nil, ErrSessionFull
	}

	shardID, err := s.shards.AssignShard(participantID)
	if err != nil {
		return nil, fmt.Errorf("assign shard: %w", err)
	}
	if s.primaryShard == "" {
		s.primaryShard = shardID
	}

	p := &Participant{
		ID:       participantID,
		Role:     role,
		ShardID:  shardID,
		JoinedAt: time.Now(),
	}
	s.participants[participantID] = p
	s.logger.Info("participant joined",
		zap.String("participant_id", participantID),
		zap.String("role", string(role)),
		zap.String("shard_id", shardID))
	return p, nil
}

// Leave releases the participant's shard slot. Idempotent.
func (s *Session) Leave(participantID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participants[participantID]; !ok {
		return
	}
	s.shards.ReleaseShard(participantID)
	delete(s.participants, participantID)
	s.logger.Info("participant left", zap.String("participant_id", participantID))
}

// PrimaryShard returns the shard fixed by the first join.
func (s *Session) PrimaryShard() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.primaryShard
}

// Participants returns a snapshot of the member list.
func (s *Session) Participants() []Participant {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Participant, 0, len(s.participants))
	for _, p := range s.participants {
		out = append(out, *p)
	}
	return out
}

// Value returns the current CRDT value.
func (s *Session) Value() interface{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Value()
}

// Clock returns a copy of the session's vector clock.
func (s *Session) Clock() clock.VectorClock {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Clone()
}

// ApplyOperation validates the participant, stamps the operation with the
// advanced vector clock, applies it to CRDT state, logs it, and hands it to
// gossip for propagation.
func (s *Session) ApplyOperation(participantID string, req OpRequest) (gossip.Operation, error) {
	s.mu.Lock()

	p, ok := s.participants[participantID]
	if !ok {
		s.mu.Unlock()
		return gossip.Operation{}, ErrParticipantNotFound
	}
	if p.Role == RoleViewer {
		s.mu.Unlock()
		return gossip.Operation{}, ErrViewerCannotWrite
	}

	s.clock = s.clock.Increment(participantID)
	now := time.Now()
	op := gossip.Operation{
		ID:            uuid.New().String(),
		SessionID:     s.ID,
		ParticipantID: participantID,
		Kind:          req.Kind,
		Clock:         s.clock.Clone(),
		Timestamp:     now,
	}

	payload, err := s.mutateLocked(req)
	if err != nil {
		s.mu.Unlock()
		return gossip.Operation{}, err
	}
	op.Payload = payload

	s.operations = append(s.operations, op)
	p.LastOperationAt = now
	s.mu.Unlock()

	if s.gossip != nil {
		s.gossip.AddOperation(op)
	}
	return op, nil
}

// mutateLocked applies the request to local CRDT state and returns the
// payload remote replicas need to reproduce the effect. RGA mutations ship
// the created node or tombstoned id; the state-merged types ship their full
// serialized state.
func (s *Session) mutateLocked(req OpRequest) (json.RawMessage, error) {
	switch st := s.state.(type) {
	case *crdt.RGA:
		switch req.Kind {
		case OpInsert:
			node, err := st.Insert(req.Index, req.Value)
			if err != nil {
				return nil, err
			}
			return json.Marshal(insertPayload{Node: node})
		case OpDelete:
			id, err := st.Delete(req.Index)
			if err != nil {
				return nil, err
			}
			return json.Marshal(deletePayload{ID: id})
		}
	case *crdt.LWWRegister:
		if req.Kind == OpSet {
			st.Set(req.Value)
			return s.marshalStateLocked()
		}
	case *crdt.GCounter:
		if req.Kind == OpIncrement {
			if err := st.Increment(req.Delta); err != nil {
				return nil, err
			}
			return s.marshalStateLocked()
		}
	case *crdt.PNCounter:
		switch req.Kind {
		case OpIncrement:
			if err := st.Increment(req.Delta); err != nil {
				return nil, err
			}
			return s.marshalStateLocked()
		case OpDecrement:
			if err := st.Decrement(req.Delta); err != nil {
				return nil, err
			}
			return s.marshalStateLocked()
		}
	case *crdt.ORSet:
		switch req.Kind {
		case OpAdd:
			st.Add(req.Value)
			return s.marshalStateLocked()
		case OpRemove:
			st.Remove(req.Value)
			return s.marshalStateLocked()
		}
	}
	return nil, fmt.Errorf("%w: %s on %s", ErrInvalidOperation, req.Kind, s.CRDTType)
}

func (s *Session) marshalStateLocked() (json.RawMessage, error) {
	raw, err := json.Marshal(s.state)
	if err != nil {
		return nil, err
	}
	return json.Marshal(statePayload{State: raw})
}

// ApplyRemote integrates an operation received through gossip.
func (s *Session) ApplyRemote(op gossip.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch st := s.state.(type) {
	case *crdt.RGA:
		switch op.Kind {
		case OpInsert:
			var p insertPayload
			if err := json.Unmarshal(op.Payload, &p); err != nil {
				return fmt.Errorf("decode insert payload: %w", err)
			}
			st.Integrate(p.Node)
		case OpDelete:
			var p deletePayload
			if err := json.Unmarshal(op.Payload, &p); err != nil {
				return fmt.Errorf("decode delete payload: %w", err)
			}
			st.TombstoneByID(p.ID)
		default:
			return fmt.Errorf("%w: %s on %s", ErrInvalidOperation, op.Kind, s.CRDTType)
		}
	default:
		var p statePayload
		if err := json.Unmarshal(op.Payload, &p); err != nil {
			return fmt.Errorf("decode state payload: %w", err)
		}
		remote, err := crdt.New(s.CRDTType, op.ParticipantID)
		if err != nil {
			return err
		}
		if err := json.Unmarshal(p.State, remote); err != nil {
			return fmt.Errorf("decode remote state: %w", err)
		}
		if err := s.state.Merge(remote); err != nil {
			return err
		}
	}

	s.operations = append(s.operations, op)
	s.clock = s.clock.Merge(op.Clock)
	return nil
}

// SyncGossip drains the gossip instance's pending operations into session
// state. Operations for other sessions are skipped.
func (s *Session) SyncGossip() error {
	if s.gossip == nil {
		return nil
	}
	for _, op := range s.gossip.DrainPending() {
		if op.SessionID != s.ID {
			continue
		}
		if err := s.ApplyRemote(op); err != nil {
			return err
		}
	}
	return nil
}

// TakeSnapshot captures the current state, clock, and op count.
func (s *Session) TakeSnapshot() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := json.Marshal(s.state)
	if err != nil {
		return Snapshot{}, err
	}
	snap := Snapshot{
		State:     s.state.Value(),
		Clock:     s.clock.Clone(),
		OpCount:   len(s.operations),
		SizeBytes: len(raw),
		CreatedAt: time.Now(),
	}
	s.snapshots = append(s.snapshots, snap)
	return snap, nil
}

// Snapshots returns the captured snapshots, oldest first.
func (s *Session) Snapshots() []Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Snapshot(nil), s.snapshots...)
}

// GetStateDelta returns the operations causally after sinceClock together
// with the current clock, for a participant catching up.
func (s *Session) GetStateDelta(sinceClock clock.VectorClock) Delta {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ops []gossip.Operation
	for _, op := range s.operations {
		if op.Clock.HappensAfter(sinceClock) {
			ops = append(ops, op)
		}
	}
	return Delta{Operations: ops, Clock: s.clock.Clone()}
}
