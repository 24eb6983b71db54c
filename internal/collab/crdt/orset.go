package crdt

import (
	"sort"

	"github.com/google/uuid"
)

// ORSet is an observed-remove set. Every add attaches a fresh unique tag to
// the element; remove flips all observed tags to removed. An element is
// live iff it has at least one tag still marked added. Once a tag has been
// observed removed anywhere, the removal wins every merge.
type ORSet struct {
	NodeID string `json:"node_id"`
	// Elements maps element -> tag -> added (true) / removed (false).
	Elements map[string]map[string]bool `json:"elements"`
}

// NewORSet returns an empty set owned by nodeID.
func NewORSet(nodeID string) *ORSet {
	return &ORSet{
		NodeID:   nodeID,
		Elements: make(map[string]map[string]bool),
	}
}

// Type implements CRDT.
func (s *ORSet) Type() Type { return TypeORSet }

// Value implements CRDT; it returns the live elements sorted.
func (s *ORSet) Value() interface{} { return s.Members() }

// Members returns the live elements in sorted order.
func (s *ORSet) Members() []string {
	out := make([]string, 0, len(s.Elements))
	for elem := range s.Elements {
		if s.Contains(elem) {
			out = append(out, elem)
		}
	}
	sort.Strings(out)
	return out
}

// Contains reports whether the element is live.
func (s *ORSet) Contains(elem string) bool {
	for _, added := range s.Elements[elem] {
		if added {
			return true
		}
	}
	return false
}

// Add inserts the element with a fresh unique tag and returns the tag for
// propagation.
func (s *ORSet) Add(elem string) string {
	tag := uuid.New().String()
	if s.Elements[elem] == nil {
		s.Elements[elem] = make(map[string]bool)
	}
	s.Elements[elem][tag] = true
	return tag
}

// AddTag applies a remotely generated add with its original tag. A tag
// already observed as removed stays removed.
func (s *ORSet) AddTag(elem, tag string) {
	if s.Elements[elem] == nil {
		s.Elements[elem] = make(map[string]bool)
	}
	if _, seen := s.Elements[elem][tag]; !seen {
		s.Elements[elem][tag] = true
	}
}

// Remove marks every observed tag of the element removed. Tags added
// concurrently elsewhere are unaffected (add wins for unobserved tags).
func (s *ORSet) Remove(elem string) []string {
	tags := s.Elements[elem]
	removed := make([]string, 0, len(tags))
	for tag := range tags {
		tags[tag] = false
		removed = append(removed, tag)
	}
	sort.Strings(removed)
	return removed
}

// RemoveTags applies a remotely generated removal of specific tags.
func (s *ORSet) RemoveTags(elem string, tags []string) {
	if s.Elements[elem] == nil {
		s.Elements[elem] = make(map[string]bool)
	}
	for _, tag := range tags {
		s.Elements[elem][tag] = false
	}
}

// Merge implements CRDT. Tag sets are unioned per element; a tag observed
// removed on either side stays removed.
func (s *ORSet) Merge(other CRDT) error {
	o, ok := other.(*ORSet)
	if !ok {
		return ErrTypeMismatch
	}

	for elem, tags := range o.Elements {
		if s.Elements[elem] == nil {
			s.Elements[elem] = make(map[string]bool)
		}
		for tag, added := range tags {
			existing, seen := s.Elements[elem][tag]
			if !seen {
				s.Elements[elem][tag] = added
				continue
			}
			// Remove wins once observed on either side.
			s.Elements[elem][tag] = existing && added
		}
	}
	return nil
}
