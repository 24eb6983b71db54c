// Package crdt implements the conflict-free replicated data types used by
// collaboration sessions: LWW-Register, G-Counter, PN-Counter, OR-Set, and
// RGA. Every Merge is commutative, associative, and idempotent; the state
// after a merge is the join of both operands in the type's lattice.
package crdt

import (
	"errors"
	"fmt"
)

// Type identifies a CRDT implementation.
type Type string

const (
	TypeLWWRegister Type = "lww_register"
	TypeGCounter    Type = "g_counter"
	TypePNCounter   Type = "pn_counter"
	TypeORSet       Type = "or_set"
	TypeRGA         Type = "rga"
)

// Common errors.
var (
	ErrTypeMismatch      = errors.New("crdt: merge operands have different types")
	ErrNegativeIncrement = errors.New("crdt: counter increment must be non-negative")
	ErrIndexOutOfRange   = errors.New("crdt: index out of range")
	ErrUnknownType       = errors.New("crdt: unknown type")
)

// CRDT is the behavior shared by every replicated type.
type CRDT interface {
	// Type returns the CRDT type tag.
	Type() Type
	// Value returns the current observable value.
	Value() interface{}
	// Merge joins the other replica's state into this one. The operand
	// must be the same concrete type.
	Merge(other CRDT) error
}

// New constructs an empty CRDT of the given type owned by nodeID.
func New(t Type, nodeID string) (CRDT, error) {
	switch t {
	case TypeLWWRegister:
		return NewLWWRegister(nodeID), nil
	case TypeGCounter:
		return NewGCounter(nodeID), nil
	case TypePNCounter:
		return NewPNCounter(nodeID), nil
	case TypeORSet:
		return NewORSet(nodeID), nil
	case TypeRGA:
		return NewRGA(nodeID), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, t)
	}
}
