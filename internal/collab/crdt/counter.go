package crdt

// GCounter is a grow-only counter: a per-node count map merged by pointwise
// maximum.
type GCounter struct {
	NodeID string           `json:"node_id"`
	Counts map[string]int64 `json:"counts"`
}

// NewGCounter returns a zeroed counter owned by nodeID.
func NewGCounter(nodeID string) *GCounter {
	return &GCounter{
		NodeID: nodeID,
		Counts: make(map[string]int64),
	}
}

// Type implements CRDT.
func (c *GCounter) Type() Type { return TypeGCounter }

// Value implements CRDT; it returns the sum over all nodes as int64.
func (c *GCounter) Value() interface{} { return c.Total() }

// Total returns the counter value.
func (c *GCounter) Total() int64 {
	var sum int64
	for _, v := range c.Counts {
		sum += v
	}
	return sum
}

// Increment adds a non-negative amount to this node's count.
func (c *GCounter) Increment(amount int64) error {
	if amount < 0 {
		return ErrNegativeIncrement
	}
	c.Counts[c.NodeID] += amount
	return nil
}

// Merge implements CRDT.
func (c *GCounter) Merge(other CRDT) error {
	o, ok := other.(*GCounter)
	if !ok {
		return ErrTypeMismatch
	}
	for node, count := range o.Counts {
		if count > c.Counts[node] {
			c.Counts[node] = count
		}
	}
	return nil
}

// PNCounter supports increments and decrements as a pair of G-Counters
// merged independently.
type PNCounter struct {
	Positive *GCounter `json:"positive"`
	Negative *GCounter `json:"negative"`
}

// NewPNCounter returns a zeroed counter owned by nodeID.
func NewPNCounter(nodeID string) *PNCounter {
	return &PNCounter{
		Positive: NewGCounter(nodeID),
		Negative: NewGCounter(nodeID),
	}
}

// Type implements CRDT.
func (c *PNCounter) Type() Type { return TypePNCounter }

// Value implements CRDT; it returns positive minus negative as int64.
func (c *PNCounter) Value() interface{} { return c.Total() }

// Total returns the counter value.
func (c *PNCounter) Total() int64 {
	return c.Positive.Total() - c.Negative.Total()
}

// Increment adds a non-negative amount.
func (c *PNCounter) Increment(amount int64) error {
	return c.Positive.Increment(amount)
}

// Decrement subtracts a non-negative amount.
func (c *PNCounter) Decrement(amount int64) error {
	return c.Negative.Increment(amount)
}

// Merge implements CRDT.
func (c *PNCounter) Merge(other CRDT) error {
	o, ok := other.(*PNCounter)
	if !ok {
		return ErrTypeMismatch
	}
	if err := c.Positive.Merge(o.Positive); err != nil {
		return err
	}
	return c.Negative.Merge(o.Negative)
}
