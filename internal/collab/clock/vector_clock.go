// Package clock implements vector clocks for causal ordering between
// collaboration participants.
package clock

// Ordering is the result of comparing two vector clocks.
type Ordering int

const (
	// Before means this clock causally precedes the other.
	Before Ordering = iota
	// After means this clock causally follows the other.
	After
	// Equal means both clocks are identical.
	Equal
	// Concurrent means neither clock precedes the other.
	Concurrent
)

// String returns the ordering name.
func (o Ordering) String() string {
	switch o {
	case Before:
		return "before"
	case After:
		return "after"
	case Equal:
		return "equal"
	default:
		return "concurrent"
	}
}

// VectorClock maps participant IDs to monotonic counters. All operations
// return new copies; a VectorClock value is never mutated in place, so
// clocks can be shared across goroutines once published.
type VectorClock map[string]int64

// New returns an empty vector clock.
func New() VectorClock {
	return VectorClock{}
}

// Clone returns a copy of the clock.
func (c VectorClock) Clone() VectorClock {
	out := make(VectorClock, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// Increment returns a copy of the clock with participant p's counter
// advanced by one.
func (c VectorClock) Increment(p string) VectorClock {
	out := c.Clone()
	out[p]++
	return out
}

// Merge returns the pointwise maximum of both clocks.
func (c VectorClock) Merge(other VectorClock) VectorClock {
	out := c.Clone()
	for k, v := range other {
		if v > out[k] {
			out[k] = v
		}
	}
	return out
}

// Update merges the other clock and then increments participant p,
// producing the clock for a new locally observed event.
func (c VectorClock) Update(p string, other VectorClock) VectorClock {
	return c.Merge(other).Increment(p)
}

// Compare returns the causal relation of c to other. The comparison scans
// the union of keys for strictly-less and strictly-greater witnesses;
// missing keys count as zero.
func (c VectorClock) Compare(other VectorClock) Ordering {
	var less, greater bool

	keys := make(map[string]struct{}, len(c)+len(other))
	for k := range c {
		keys[k] = struct{}{}
	}
	for k := range other {
		keys[k] = struct{}{}
	}

	for k := range keys {
		a, b := c[k], other[k]
		if a < b {
			less = true
		} else if a > b {
			greater = true
		}
	}

	switch {
	case less && greater:
		return Concurrent
	case less:
		return Before
	case greater:
		return After
	default:
		return Equal
	}
}

// HappensBefore reports whether c causally precedes other.
func (c VectorClock) HappensBefore(other VectorClock) bool {
	return c.Compare(other) == Before
}

// HappensAfter reports whether c causally follows other.
func (c VectorClock) HappensAfter(other VectorClock) bool {
	return c.Compare(other) == After
}

// IsCausallyStable reports whether every observer has seen all events in c.
// For each observer clock, every entry of c (except the observer's own) must
// be covered by the observer's knowledge.
func (c VectorClock) IsCausallyStable(knownClocks map[string]VectorClock) bool {
	for observer, known := range knownClocks {
		for key, val := range c {
			if key == observer {
				continue
			}
			if known[key] < val {
				return false
			}
		}
	}
	return true
}
