// Package bucket maps routing keys onto a fixed bucket space.
//
// The bucket space is constant for the lifetime of a tenant. Shard managers only
// change which shard owns a bucket, never which bucket a key hashes to, so bucket
// ids persisted on entities stay valid across restarts and rebalancing.
package bucket

import (
	"fmt"

	"github.com/zeebo/xxh3"
)

// DefaultCount is the size of the bucket space when none is configured.
const DefaultCount = 1024

// Extractor computes the bucket of a routing key.
type Extractor interface {
	// BucketID returns a bucket in [0, Count()). It must be pure: the same
	// (tenantID, key) yields the same bucket in every process.
	BucketID(tenantID, key string) int
	// Count is the size of the bucket space.
	Count() int
}

// HashExtractor reduces the 128-bit xxh3 digest of the key modulo the bucket count.
// The tenant id does not take part in the hash, so a key lands in the same bucket for
// every tenant and bucket keys can be compared across tenants when auditing.
type HashExtractor struct {
	count int
}

// NewHashExtractor creates an extractor over count buckets. It panics for count <= 0.
func NewHashExtractor(count int) *HashExtractor {
	if count <= 0 {
		panic(fmt.Sprintf("bucket: invalid bucket count %d", count))
	}
	return &HashExtractor{count: count}
}

// BucketID implements Extractor.
func (e *HashExtractor) BucketID(_ string, key string) int {
	h := xxh3.HashString128(key)
	// mix both halves so the full 128 bits contribute
	v := h.Hi ^ (h.Lo * 0x9E3779B97F4A7C15)
	return int(v % uint64(e.count))
}

// Count implements Extractor.
func (e *HashExtractor) Count() int {
	return e.count
}
