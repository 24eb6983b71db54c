package clock

import "testing"

func TestIncrementReturnsCopy(t *testing.T) {
	a := New()
	b := a.Increment("p1")

	if a["p1"] != 0 {
		t.Error("Increment mutated the receiver")
	}
	if b["p1"] != 1 {
		t.Errorf("expected p1=1, got %d", b["p1"])
	}
}

func TestMergePointwiseMax(t *testing.T) {
	a := VectorClock{"p1": 3, "p2": 1}
	b := VectorClock{"p1": 2, "p3": 5}

	m := a.Merge(b)
	if m["p1"] != 3 || m["p2"] != 1 || m["p3"] != 5 {
		t.Errorf("unexpected merge result: %v", m)
	}
}

func TestUpdate(t *testing.T) {
	local := VectorClock{"p1": 1}
	remote := VectorClock{"p2": 4}

	updated := local.Update("p1", remote)
	if updated["p1"] != 2 {
		t.Errorf("expected p1=2 after update, got %d", updated["p1"])
	}
	if updated["p2"] != 4 {
		t.Errorf("expected p2=4 after update, got %d", updated["p2"])
	}
}

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		a, b VectorClock
		want Ordering
	}{
		{"equal empty", VectorClock{}, VectorClock{}, Equal},
		{"equal", VectorClock{"p1": 1}, VectorClock{"p1": 1}, Equal},
		{"before", VectorClock{"p1": 1}, VectorClock{"p1": 2}, Before},
		{"before with extra key", VectorClock{"p1": 1}, VectorClock{"p1": 1, "p2": 1}, Before},
		{"after", VectorClock{"p1": 3}, VectorClock{"p1": 1}, After},
		{"concurrent", VectorClock{"p1": 1}, VectorClock{"p2": 1}, Concurrent},
		{"concurrent mixed", VectorClock{"p1": 2, "p2": 1}, VectorClock{"p1": 1, "p2": 2}, Concurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare() = %s, want %s", got, tt.want)
			}
		})
	}
}

// Compare must be total: every pair lands in exactly one of the four
// orderings, and the relation is anti-symmetric for before/after.
func TestCompareTotality(t *testing.T) {
	clocks := []VectorClock{
		{},
		{"p1": 1},
		{"p1": 2},
		{"p2": 1},
		{"p1": 1, "p2": 1},
		{"p1": 2, "p2": 3},
	}

	for _, a := range clocks {
		for _, b := range clocks {
			ab := a.Compare(b)
			ba := b.Compare(a)

			switch ab {
			case Equal:
				if ba != Equal {
					t.Errorf("%v = %v but reverse is %s", a, b, ba)
				}
			case Before:
				if ba != After {
					t.Errorf("%v < %v but reverse is %s", a, b, ba)
				}
			case After:
				if ba != Before {
					t.Errorf("%v > %v but reverse is %s", a, b, ba)
				}
			case Concurrent:
				if ba != Concurrent {
					t.Errorf("%v || %v but reverse is %s", a, b, ba)
				}
			}
		}
	}
}

func TestIsCausallyStable(t *testing.T) {
	self := VectorClock{"p1": 2, "p2": 1}

	stable := map[string]VectorClock{
		"p2": {"p1": 2, "p2": 1},
		"p3": {"p1": 2, "p2": 1},
	}
	if !self.IsCausallyStable(stable) {
		t.Error("expected clock to be causally stable")
	}

	unstable := map[string]VectorClock{
		"p2": {"p1": 1}, // p2 has not seen p1's second event
	}
	if self.IsCausallyStable(unstable) {
		t.Error("expected clock to be unstable")
	}

	// An observer's own entry is not required to be covered.
	ownEntry := map[string]VectorClock{
		"p2": {"p1": 2}, // p2 entry missing but p2 is the observer
	}
	if !self.IsCausallyStable(ownEntry) {
		t.Error("observer's own key must be exempt")
	}
}
