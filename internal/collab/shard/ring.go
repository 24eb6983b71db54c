// Package shard partitions collaboration participants across bounded-capacity
// shards placed on a consistent-hash ring.
package shard

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

// DefaultVirtualNodes is the number of ring positions per shard.
const DefaultVirtualNodes = 150

// hashKey maps an arbitrary key onto the 2^32 ring key space.
func hashKey(key string) uint32 {
	sum := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint32(sum[:4])
}

// Ring is a consistent-hash ring over shard IDs. It is immutable after
// construction; rebuilding on membership change is cheap enough.
type Ring struct {
	positions []uint32          // sorted virtual node positions
	owners    map[uint32]string // position -> shard id
	shardIDs  []string
}

// NewRing builds a ring with the given virtual node count per shard. Each
// shard contributes deterministic positions derived from
// SHA-256("shard:<id>:<replica>").
func NewRing(shardIDs []string, virtualNodes int) *Ring {
	if virtualNodes <= 0 {
		virtualNodes = DefaultVirtualNodes
	}

	r := &Ring{
		owners:   make(map[uint32]string, len(shardIDs)*virtualNodes),
		shardIDs: append([]string(nil), shardIDs...),
	}

	for _, id := range shardIDs {
		for v := 0; v < virtualNodes; v++ {
			pos := hashKey(fmt.Sprintf("shard:%s:%d", id, v))
			// On the rare position collision the earlier shard keeps it;
			// the ring still covers every shard through its other vnodes.
			if _, taken := r.owners[pos]; taken {
				continue
			}
			r.owners[pos] = id
			r.positions = append(r.positions, pos)
		}
	}

	sort.Slice(r.positions, func(i, j int) bool { return r.positions[i] < r.positions[j] })
	return r
}

// GetShard returns the shard owning the key, walking clockwise from the
// key's position and wrapping at the end of the ring.
func (r *Ring) GetShard(key string) string {
	if len(r.positions) == 0 {
		return ""
	}

	h := hashKey(key)
	idx := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i] >= h
	})
	if idx == len(r.positions) {
		idx = 0
	}
	return r.owners[r.positions[idx]]
}

// GetNShards returns up to n distinct shard IDs walking the ring forward
// from the key's position. The first entry is the primary.
func (r *Ring) GetNShards(key string, n int) []string {
	if len(r.positions) == 0 || n <= 0 {
		return nil
	}

	h := hashKey(key)
	start := sort.Search(len(r.positions), func(i int) bool {
		return r.positions[i] >= h
	})

	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.positions) && len(out) < n; i++ {
		pos := r.positions[(start+i)%len(r.positions)]
		id := r.owners[pos]
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}

// ShardIDs returns the member shard IDs in construction order.
func (r *Ring) ShardIDs() []string {
	return append([]string(nil), r.shardIDs...)
}
