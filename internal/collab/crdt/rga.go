package crdt

import (
	"fmt"
	"sort"
	"time"
)

// NodeID uniquely identifies one RGA node across all replicas. The total
// order over nodes is (Timestamp, Node) lexicographic.
type NodeID struct {
	Timestamp int64  `json:"timestamp"`
	Node      string `json:"node_id"`
}

// Less reports whether a orders before b.
func (a NodeID) Less(b NodeID) bool {
	if a.Timestamp != b.Timestamp {
		return a.Timestamp < b.Timestamp
	}
	return a.Node < b.Node
}

// IsZero reports whether the ID is unset.
func (a NodeID) IsZero() bool {
	return a.Timestamp == 0 && a.Node == ""
}

// String renders the ID for logs and op payloads.
func (a NodeID) String() string {
	return fmt.Sprintf("%d:%s", a.Timestamp, a.Node)
}

// RGANode is one entry in the replicated sequence. Tombstoned nodes keep
// their identity and position but are excluded from the visible value.
type RGANode struct {
	ID        NodeID `json:"id"`
	Val       string `json:"value,omitempty"`
	Tombstone bool   `json:"tombstone,omitempty"`
}

// RGA is a replicated growable array: an ordered sequence supporting
// concurrent inserts and deletes. Local inserts are positional; divergent
// replicas reconcile by unioning nodes by ID (tombstone wins) and sorting
// by (timestamp, node_id) ascending.
type RGA struct {
	NodeID string    `json:"node_id"`
	Nodes  []RGANode `json:"nodes"`

	lastTS int64
}

// NewRGA returns an empty sequence owned by nodeID.
func NewRGA(nodeID string) *RGA {
	return &RGA{NodeID: nodeID}
}

// Type implements CRDT.
func (r *RGA) Type() Type { return TypeRGA }

// Value implements CRDT; it returns the visible values in order.
func (r *RGA) Value() interface{} { return r.Values() }

// Values returns the non-tombstoned values in sequence order.
func (r *RGA) Values() []string {
	out := make([]string, 0, len(r.Nodes))
	for _, n := range r.Nodes {
		if !n.Tombstone {
			out = append(out, n.Val)
		}
	}
	return out
}

// Len returns the number of visible elements.
func (r *RGA) Len() int {
	count := 0
	for _, n := range r.Nodes {
		if !n.Tombstone {
			count++
		}
	}
	return count
}

// nextID mints a fresh (timestamp, node) pair, strictly increasing on this
// replica so a node never collides with its own earlier inserts.
func (r *RGA) nextID() NodeID {
	ts := time.Now().UnixNano()
	if ts <= r.lastTS {
		ts = r.lastTS + 1
	}
	r.lastTS = ts
	return NodeID{Timestamp: ts, Node: r.NodeID}
}

// Insert places a new value at the given visible index: index 0 inserts at
// the head, index N places the node after the Nth visible node. The created
// node is returned for propagation to other replicas.
func (r *RGA) Insert(index int, value string) (RGANode, error) {
	if index < 0 || index > r.Len() {
		return RGANode{}, ErrIndexOutOfRange
	}

	node := RGANode{ID: r.nextID(), Val: value}

	pos := 0
	if index > 0 {
		seen := 0
		for i, n := range r.Nodes {
			if n.Tombstone {
				continue
			}
			seen++
			if seen == index {
				pos = i + 1
				break
			}
		}
	}

	r.Nodes = append(r.Nodes, RGANode{})
	copy(r.Nodes[pos+1:], r.Nodes[pos:])
	r.Nodes[pos] = node
	return node, nil
}

// Delete tombstones the node at the given visible index and returns its ID
// for propagation.
func (r *RGA) Delete(index int) (NodeID, error) {
	if index < 0 {
		return NodeID{}, ErrIndexOutOfRange
	}

	seen := 0
	for i := range r.Nodes {
		if r.Nodes[i].Tombstone {
			continue
		}
		if seen == index {
			r.Nodes[i].Tombstone = true
			r.Nodes[i].Val = ""
			return r.Nodes[i].ID, nil
		}
		seen++
	}
	return NodeID{}, ErrIndexOutOfRange
}

// Integrate applies a remotely created node. A node already present keeps
// its slot; a tombstone on either side wins. New nodes are placed by the
// (timestamp, node_id) total order.
func (r *RGA) Integrate(node RGANode) {
	for i := range r.Nodes {
		if r.Nodes[i].ID == node.ID {
			if node.Tombstone {
				r.Nodes[i].Tombstone = true
				r.Nodes[i].Val = ""
			}
			return
		}
	}

	pos := sort.Search(len(r.Nodes), func(i int) bool {
		return node.ID.Less(r.Nodes[i].ID)
	})
	r.Nodes = append(r.Nodes, RGANode{})
	copy(r.Nodes[pos+1:], r.Nodes[pos:])
	r.Nodes[pos] = node

	if node.ID.Timestamp > r.lastTS {
		r.lastTS = node.ID.Timestamp
	}
}

// TombstoneByID applies a remote delete. Unknown IDs are recorded as bare
// tombstones so a late-arriving insert cannot resurrect the node.
func (r *RGA) TombstoneByID(id NodeID) {
	for i := range r.Nodes {
		if r.Nodes[i].ID == id {
			r.Nodes[i].Tombstone = true
			r.Nodes[i].Val = ""
			return
		}
	}
	r.Integrate(RGANode{ID: id, Tombstone: true})
}

// Merge implements CRDT: union by ID with tombstone-wins, sorted by
// (timestamp, node_id) ascending.
func (r *RGA) Merge(other CRDT) error {
	o, ok := other.(*RGA)
	if !ok {
		return ErrTypeMismatch
	}

	byID := make(map[NodeID]RGANode, len(r.Nodes)+len(o.Nodes))
	for _, n := range r.Nodes {
		byID[n.ID] = n
	}
	for _, n := range o.Nodes {
		if existing, seen := byID[n.ID]; seen {
			if n.Tombstone && !existing.Tombstone {
				existing.Tombstone = true
				existing.Val = ""
				byID[n.ID] = existing
			}
			continue
		}
		byID[n.ID] = n
	}

	merged := make([]RGANode, 0, len(byID))
	for _, n := range byID {
		merged = append(merged, n)
		if n.ID.Timestamp > r.lastTS {
			r.lastTS = n.ID.Timestamp
		}
	}
	sort.Slice(merged, func(i, j int) bool {
		return merged[i].ID.Less(merged[j].ID)
	})
	r.Nodes = merged
	return nil
}
