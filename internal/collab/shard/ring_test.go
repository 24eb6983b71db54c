package shard

import (
	"fmt"
	"testing"
)

func TestRingDeterministicLookup(t *testing.T) {
	ids := []string{"shard-0", "shard-1", "shard-2"}
	r1 := NewRing(ids, 150)
	r2 := NewRing(ids, 150)

	for i := 0; i < 50; i++ {
		key := fmt.Sprintf("participant-%d", i)
		if r1.GetShard(key) != r2.GetShard(key) {
			t.Fatalf("lookup for %q differs between identically built rings", key)
		}
	}
}

func TestRingCoversAllShards(t *testing.T) {
	ids := []string{"shard-0", "shard-1", "shard-2", "shard-3"}
	r := NewRing(ids, 150)

	hit := make(map[string]bool)
	for i := 0; i < 2000; i++ {
		hit[r.GetShard(fmt.Sprintf("key-%d", i))] = true
	}
	for _, id := range ids {
		if !hit[id] {
			t.Errorf("shard %s never selected across 2000 keys", id)
		}
	}
}

func TestRingGetNShardsDistinct(t *testing.T) {
	ids := []string{"shard-0", "shard-1", "shard-2"}
	r := NewRing(ids, 150)

	got := r.GetNShards("some-key", 3)
	if len(got) != 3 {
		t.Fatalf("expected 3 shards, got %v", got)
	}
	seen := make(map[string]bool)
	for _, id := range got {
		if seen[id] {
			t.Fatalf("duplicate shard in candidates: %v", got)
		}
		seen[id] = true
	}
	if got[0] != r.GetShard("some-key") {
		t.Error("first candidate must be the primary shard")
	}
}

func TestRingGetNShardsMoreThanMembers(t *testing.T) {
	r := NewRing([]string{"only"}, 150)
	if got := r.GetNShards("k", 3); len(got) != 1 || got[0] != "only" {
		t.Errorf("expected single member, got %v", got)
	}
}

func TestRingEmpty(t *testing.T) {
	r := NewRing(nil, 150)
	if r.GetShard("k") != "" {
		t.Error("empty ring must return empty shard id")
	}
	if r.GetNShards("k", 2) != nil {
		t.Error("empty ring must return nil candidates")
	}
}
