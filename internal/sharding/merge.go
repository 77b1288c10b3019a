package sharding

import "sort"

// Tagged is an item annotated with the shard it was read from
type Tagged[T any] struct {
	Shard int
	Item  T
}

// MergeTopK merges per-shard result lists into one ordered list and returns at most k
// items (k <= 0 returns everything). perShard[i] holds the rows of shards[i].
//
// cmp orders two items; ties are broken by ascending shard index, then by position in
// the shard's list, so the result is deterministic for a stable input.
func MergeTopK[T any](shards []int, perShard [][]T, cmp func(a, b T) int, k int) []Tagged[T] {
	total := 0
	for _, rows := range perShard {
		total += len(rows)
	}
	if total == 0 {
		return nil
	}

	merged := make([]Tagged[T], 0, total)
	for i, rows := range perShard {
		for _, r := range rows {
			merged = append(merged, Tagged[T]{Shard: shards[i], Item: r})
		}
	}

	sort.SliceStable(merged, func(i, j int) bool {
		if c := cmp(merged[i].Item, merged[j].Item); c != 0 {
			return c < 0
		}
		return merged[i].Shard < merged[j].Shard
	})

	if k > 0 && len(merged) > k {
		merged = merged[:k]
	}
	return merged
}
