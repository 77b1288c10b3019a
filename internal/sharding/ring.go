package sharding

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"sort"
)

// DefaultVirtualNodes is the number of ring points placed per shard.
const DefaultVirtualNodes = 128

// Ring implements a consistent hashing ring over shard indices. A ring is built once
// with AddShard and then only read; membership changes build a new ring.
type Ring struct {
	owners       map[uint64]int // hash -> shard
	sortedHashes []uint64       // sorted hash values
	vnodes       int            // virtual nodes per shard
}

// NewRing creates a new ring with the specified number of virtual nodes per shard
func NewRing(vnodes int) *Ring {
	if vnodes <= 0 {
		vnodes = DefaultVirtualNodes
	}
	return &Ring{
		owners: make(map[uint64]int),
		vnodes: vnodes,
	}
}

// AddShard places a shard's virtual nodes on the ring
func (r *Ring) AddShard(shard int) {
	for i := 0; i < r.vnodes; i++ {
		h := ringHash(fmt.Sprintf("shard-%d:%d", shard, i))
		if _, taken := r.owners[h]; taken {
			continue
		}
		r.owners[h] = shard
		r.sortedHashes = append(r.sortedHashes, h)
	}
	sort.Slice(r.sortedHashes, func(i, j int) bool {
		return r.sortedHashes[i] < r.sortedHashes[j]
	})
}

// Locate returns the shard owning the first ring point clockwise from key.
// ok is false when the ring is empty.
func (r *Ring) Locate(key string) (shard int, ok bool) {
	if len(r.sortedHashes) == 0 {
		return 0, false
	}

	h := ringHash(key)
	idx := sort.Search(len(r.sortedHashes), func(i int) bool {
		return r.sortedHashes[i] >= h
	})
	if idx == len(r.sortedHashes) {
		idx = 0
	}

	return r.owners[r.sortedHashes[idx]], true
}

// bucketRingKey is the ring position of a bucket
func bucketRingKey(bucket int) string {
	return fmt.Sprintf("bucket-%d", bucket)
}

func ringHash(key string) uint64 {
	h := sha256.Sum256([]byte(key))
	return binary.BigEndian.Uint64(h[:8])
}
