package shard

import (
	"fmt"
	"testing"

	"github.com/BlackRoad-OS/blackroad-os-operator-sub000/internal/common/logger"
)

func testManager(t *testing.T, count, capacity int) *Manager {
	t.Helper()
	log, err := logger.NewLogger(logger.LoggingConfig{Level: "error", Format: "console"})
	if err != nil {
		t.Fatal(err)
	}
	return NewManager(count, capacity, 150, log)
}

func TestAssignStickyAndRelease(t *testing.T) {
	m := testManager(t, 3, 10)

	first, err := m.AssignShard("p1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.AssignShard("p1")
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Errorf("reassigning the same participant must return the same shard: %s vs %s", first, second)
	}

	m.ReleaseShard("p1")
	if _, ok := m.ShardOf("p1"); ok {
		t.Error("participant must be gone after release")
	}
	// Releasing twice is harmless.
	m.ReleaseShard("p1")
}

func TestAssignNeverExceedsCapacity(t *testing.T) {
	const shards, capacity = 3, 4
	m := testManager(t, shards, capacity)

	assigned := 0
	for i := 0; i < shards*capacity+5; i++ {
		_, err := m.AssignShard(fmt.Sprintf("p-%d", i))
		if err == nil {
			assigned++
			continue
		}
		if err != ErrNoShardAvailable {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	if assigned != shards*capacity {
		t.Errorf("expected exactly %d assignments, got %d", shards*capacity, assigned)
	}
	for i := 0; i < shards; i++ {
		_, size, err := m.ShardStatus(fmt.Sprintf("shard-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if size > capacity {
			t.Errorf("shard-%d holds %d participants, capacity %d", i, size, capacity)
		}
	}
}

func TestStatusThresholds(t *testing.T) {
	m := testManager(t, 1, 20)

	check := func(want Status) {
		t.Helper()
		got, _, err := m.ShardStatus("shard-0")
		if err != nil {
			t.Fatal(err)
		}
		if got != want {
			t.Errorf("expected status %s, got %s", want, got)
		}
	}

	check(StatusHealthy)

	for i := 0; i < 16; i++ { // 80%
		if _, err := m.AssignShard(fmt.Sprintf("p-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	check(StatusDegraded)

	for i := 16; i < 19; i++ { // 95%
		if _, err := m.AssignShard(fmt.Sprintf("p-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	check(StatusOverloaded)

	if err := m.SetDraining("shard-0", true); err != nil {
		t.Fatal(err)
	}
	check(StatusDraining)

	// Draining is sticky: releasing load does not clear it.
	m.ReleaseShard("p-0")
	check(StatusDraining)
}

func TestDrainingShardRefusesNewAssignments(t *testing.T) {
	m := testManager(t, 2, 10)
	if err := m.SetDraining("shard-0", true); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 10; i++ {
		id, err := m.AssignShard(fmt.Sprintf("p-%d", i))
		if err != nil {
			t.Fatal(err)
		}
		if id == "shard-0" {
			t.Fatal("draining shard must not accept new participants")
		}
	}
}

func TestRebalanceDrainsOverloadedShard(t *testing.T) {
	m := testManager(t, 2, 10)

	// Force everything onto shard-0 by draining shard-1 during assignment.
	if err := m.SetDraining("shard-1", true); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 9; i++ { // 90% load on shard-0
		if _, err := m.AssignShard(fmt.Sprintf("p-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if err := m.SetDraining("shard-1", false); err != nil {
		t.Fatal(err)
	}

	moved := m.Rebalance()
	if moved != 2 {
		t.Errorf("expected 9 - 7 = 2 participants moved, got %d", moved)
	}

	_, size0, _ := m.ShardStatus("shard-0")
	_, size1, _ := m.ShardStatus("shard-1")
	if size0 != 7 || size1 != 2 {
		t.Errorf("expected 7/2 split after rebalance, got %d/%d", size0, size1)
	}
	// Mapping stays consistent.
	for i := 0; i < 9; i++ {
		if _, ok := m.ShardOf(fmt.Sprintf("p-%d", i)); !ok {
			t.Errorf("participant p-%d lost during rebalance", i)
		}
	}
}

func TestRebalanceNoopWhenBalanced(t *testing.T) {
	m := testManager(t, 3, 10)
	for i := 0; i < 6; i++ {
		if _, err := m.AssignShard(fmt.Sprintf("p-%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	if moved := m.Rebalance(); moved != 0 {
		t.Errorf("balanced pool must not move participants, moved %d", moved)
	}
}

func TestStats(t *testing.T) {
	m := testManager(t, 2, 5)
	for i := 0; i < 3; i++ {
		if _, err := m.AssignShard(fmt.Sprintf("p-%d", i)); err != nil {
			t.Fatal(err)
		}
	}

	st := m.Stats()
	if st.Shards != 2 || st.Participants != 3 || st.Capacity != 10 {
		t.Errorf("unexpected stats: %+v", st)
	}
}
