package crdt

import (
	"reflect"
	"testing"
)

func TestLWWRegisterMerge(t *testing.T) {
	a := NewLWWRegister("node-a")
	b := NewLWWRegister("node-b")

	a.Val, a.Timestamp = "old", 100
	b.Val, b.Timestamp = "new", 200

	if err := a.Merge(b); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if a.Val != "new" {
		t.Errorf("higher timestamp must win, got %v", a.Val)
	}
}

func TestLWWRegisterTieBreakOnNodeID(t *testing.T) {
	a := NewLWWRegister("node-a")
	b := NewLWWRegister("node-b")

	a.Val, a.Timestamp = "from-a", 100
	b.Val, b.Timestamp = "from-b", 100

	a2 := *a
	if err := a.Merge(b); err != nil {
		t.Fatalf("merge failed: %v", err)
	}
	if err := b.Merge(&a2); err != nil {
		t.Fatalf("merge failed: %v", err)
	}

	if a.Val != "from-b" || b.Val != "from-b" {
		t.Errorf("tie must break to higher node id on both sides, got %v / %v", a.Val, b.Val)
	}
}

func TestLWWRegisterSetMonotonic(t *testing.T) {
	r := NewLWWRegister("node-a")
	r.Set("first")
	ts1 := r.Timestamp
	r.Set("second")
	if r.Timestamp <= ts1 {
		t.Error("Set must advance the timestamp")
	}
}

func TestGCounter(t *testing.T) {
	a := NewGCounter("node-a")
	b := NewGCounter("node-b")

	if err := a.Increment(5); err != nil {
		t.Fatal(err)
	}
	if err := b.Increment(3); err != nil {
		t.Fatal(err)
	}
	if err := a.Increment(-1); err != ErrNegativeIncrement {
		t.Errorf("expected ErrNegativeIncrement, got %v", err)
	}

	if err := a.Merge(b); err != nil {
		t.Fatal(err)
	}
	if a.Total() != 8 {
		t.Errorf("expected total 8, got %d", a.Total())
	}

	// Idempotent: merging again changes nothing.
	if err := a.Merge(b); err != nil {
		t.Fatal(err)
	}
	if a.Total() != 8 {
		t.Errorf("merge not idempotent: got %d", a.Total())
	}
}

func TestPNCounter(t *testing.T) {
	a := NewPNCounter("node-a")
	b := NewPNCounter("node-b")

	_ = a.Increment(10)
	_ = a.Decrement(4)
	_ = b.Increment(2)

	if err := a.Merge(b); err != nil {
		t.Fatal(err)
	}
	if a.Total() != 8 {
		t.Errorf("expected 10-4+2=8, got %d", a.Total())
	}
}

func TestORSetAddRemove(t *testing.T) {
	s := NewORSet("node-a")

	s.Add("x")
	if !s.Contains("x") {
		t.Fatal("x should be live after add")
	}

	s.Remove("x")
	if s.Contains("x") {
		t.Fatal("x should be removed")
	}

	// Re-add with a fresh tag resurrects the element.
	s.Add("x")
	if !s.Contains("x") {
		t.Fatal("fresh add should make x live again")
	}
}

func TestORSetRemoveWinsPerObservedTag(t *testing.T) {
	a := NewORSet("node-a")
	b := NewORSet("node-b")

	tag := a.Add("x")
	b.AddTag("x", tag) // b observes a's add
	b.Remove("x")      // and removes it

	if err := a.Merge(b); err != nil {
		t.Fatal(err)
	}
	if a.Contains("x") {
		t.Error("observed remove must win the merge")
	}
}

func TestORSetConcurrentAddSurvivesRemove(t *testing.T) {
	a := NewORSet("node-a")
	b := NewORSet("node-b")

	tag := a.Add("x")
	b.AddTag("x", tag)
	b.Remove("x")
	a.Add("x") // concurrent re-add with a tag b never observed

	if err := a.Merge(b); err != nil {
		t.Fatal(err)
	}
	if !a.Contains("x") {
		t.Error("unobserved concurrent add must survive the remove")
	}
}

func TestORSetMergeCommutative(t *testing.T) {
	build := func() (*ORSet, *ORSet) {
		a := NewORSet("node-a")
		b := NewORSet("node-b")
		tag := a.Add("x")
		a.Add("y")
		b.AddTag("x", tag)
		b.Remove("x")
		b.Add("z")
		return a, b
	}

	a1, b1 := build()
	if err := a1.Merge(b1); err != nil {
		t.Fatal(err)
	}

	a2, b2 := build()
	if err := b2.Merge(a2); err != nil {
		t.Fatal(err)
	}

	if !reflect.DeepEqual(a1.Members(), b2.Members()) {
		t.Errorf("merge not commutative: %v vs %v", a1.Members(), b2.Members())
	}
}

func TestRGAInsertDelete(t *testing.T) {
	r := NewRGA("node-a")

	if _, err := r.Insert(0, "a"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Insert(1, "b"); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Insert(2, "c"); err != nil {
		t.Fatal(err)
	}

	if got := r.Values(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected sequence: %v", got)
	}

	if _, err := r.Delete(1); err != nil {
		t.Fatal(err)
	}
	if got := r.Values(); !reflect.DeepEqual(got, []string{"a", "c"}) {
		t.Fatalf("unexpected sequence after delete: %v", got)
	}
	if len(r.Nodes) != 3 {
		t.Errorf("tombstoned node must keep its slot, have %d nodes", len(r.Nodes))
	}

	if _, err := r.Delete(5); err != ErrIndexOutOfRange {
		t.Errorf("expected ErrIndexOutOfRange, got %v", err)
	}
}

func TestRGAConcurrentInsertConverges(t *testing.T) {
	// Two replicas insert at index 0 from empty state without having seen
	// each other. After exchanging state, both must agree on the same two
	// element sequence ordered by (timestamp, node_id).
	p1 := NewRGA("p1")
	p2 := NewRGA("p2")

	n1, err := p1.Insert(0, "a")
	if err != nil {
		t.Fatal(err)
	}
	n2, err := p2.Insert(0, "b")
	if err != nil {
		t.Fatal(err)
	}

	p1.Integrate(n2)
	p2.Integrate(n1)

	v1, v2 := p1.Values(), p2.Values()
	if !reflect.DeepEqual(v1, v2) {
		t.Fatalf("replicas diverged: %v vs %v", v1, v2)
	}
	if len(v1) != 2 {
		t.Fatalf("expected 2 elements, got %v", v1)
	}

	want := []string{"a", "b"}
	if n2.ID.Less(n1.ID) {
		want = []string{"b", "a"}
	}
	if !reflect.DeepEqual(v1, want) {
		t.Errorf("order must follow (timestamp, node_id): got %v want %v", v1, want)
	}
}

func TestRGAMergeTombstoneWins(t *testing.T) {
	a := NewRGA("node-a")
	node, _ := a.Insert(0, "x")

	b := NewRGA("node-b")
	b.Integrate(node)
	b.TombstoneByID(node.ID)

	if err := a.Merge(b); err != nil {
		t.Fatal(err)
	}
	if a.Len() != 0 {
		t.Errorf("tombstone must win merge, still have %v", a.Values())
	}
}

func TestRGATombstoneBeforeInsertArrives(t *testing.T) {
	r := NewRGA("node-a")
	id := NodeID{Timestamp: 42, Node: "node-b"}

	r.TombstoneByID(id)
	r.Integrate(RGANode{ID: id, Val: "late"})

	if r.Len() != 0 {
		t.Errorf("late insert must not resurrect a tombstoned id, got %v", r.Values())
	}
}

func TestRGAMergeIdempotentCommutativeAssociative(t *testing.T) {
	mk := func(node string, vals ...string) *RGA {
		r := NewRGA(node)
		for i, v := range vals {
			if _, err := r.Insert(i, v); err != nil {
				t.Fatal(err)
			}
		}
		return r
	}

	a := mk("a", "1", "2")
	b := mk("b", "3")
	c := mk("c", "4", "5")

	clone := func(r *RGA) *RGA {
		out := NewRGA(r.NodeID)
		if err := out.Merge(r); err != nil {
			t.Fatal(err)
		}
		return out
	}

	// (a ⊔ b) ⊔ c
	ab := clone(a)
	_ = ab.Merge(b)
	abc1 := clone(ab)
	_ = abc1.Merge(c)

	// a ⊔ (b ⊔ c), merged in reverse order
	bc := clone(c)
	_ = bc.Merge(b)
	abc2 := clone(bc)
	_ = abc2.Merge(a)

	if !reflect.DeepEqual(abc1.Values(), abc2.Values()) {
		t.Errorf("merge not associative/commutative: %v vs %v", abc1.Values(), abc2.Values())
	}

	// Idempotent: merging the result with itself changes nothing.
	before := abc1.Values()
	snapshot := clone(abc1)
	_ = abc1.Merge(snapshot)
	if !reflect.DeepEqual(abc1.Values(), before) {
		t.Errorf("merge not idempotent: %v vs %v", abc1.Values(), before)
	}
}

func TestNewByType(t *testing.T) {
	for _, typ := range []Type{TypeLWWRegister, TypeGCounter, TypePNCounter, TypeORSet, TypeRGA} {
		c, err := New(typ, "node-a")
		if err != nil {
			t.Fatalf("New(%s) failed: %v", typ, err)
		}
		if c.Type() != typ {
			t.Errorf("New(%s) returned type %s", typ, c.Type())
		}
	}

	if _, err := New("bogus", "node-a"); err == nil {
		t.Error("expected error for unknown type")
	}
}

func TestMergeTypeMismatch(t *testing.T) {
	r := NewLWWRegister("a")
	if err := r.Merge(NewGCounter("b")); err != ErrTypeMismatch {
		t.Errorf("expected ErrTypeMismatch, got %v", err)
	}
}
