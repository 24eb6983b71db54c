package crdt

import "time"

// LWWRegister is a last-writer-wins register. The operand with the higher
// timestamp wins a merge; ties break toward the higher node ID so replicas
// converge deterministically.
type LWWRegister struct {
	Val       interface{} `json:"value"`
	Timestamp int64       `json:"timestamp"` // unix nanoseconds
	NodeID    string      `json:"node_id"`
}

// NewLWWRegister returns an empty register owned by nodeID.
func NewLWWRegister(nodeID string) *LWWRegister {
	return &LWWRegister{NodeID: nodeID}
}

// Type implements CRDT.
func (r *LWWRegister) Type() Type { return TypeLWWRegister }

// Value implements CRDT.
func (r *LWWRegister) Value() interface{} { return r.Val }

// Set writes a new value stamped with the current time. Timestamps are
// forced strictly past the last observed write so a node's own updates
// always win over its previous state.
func (r *LWWRegister) Set(value interface{}) {
	ts := time.Now().UnixNano()
	if ts <= r.Timestamp {
		ts = r.Timestamp + 1
	}
	r.Val = value
	r.Timestamp = ts
}

// Merge implements CRDT.
func (r *LWWRegister) Merge(other CRDT) error {
	o, ok := other.(*LWWRegister)
	if !ok {
		return ErrTypeMismatch
	}

	// NodeID tracks the writer of the current value, so the tie-break is
	// stable across replicas.
	if o.Timestamp > r.Timestamp ||
		(o.Timestamp == r.Timestamp && o.NodeID > r.NodeID) {
		r.Val = o.Val
		r.Timestamp = o.Timestamp
		r.NodeID = o.NodeID
	}
	return nil
}
