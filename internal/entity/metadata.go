package entity

// ShardingMetadata is embedded by entities that persist their bucket key. Embed it with
// `db:",squash"` so the column maps onto the entity's own row.
type ShardingMetadata struct {
	BucketKey int `db:"bucket_key"`
}

// SetBucket records bucket
func (m *ShardingMetadata) SetBucket(bucket int) {
	m.BucketKey = bucket
}

// Bucket returns the stored bucket key
func (m *ShardingMetadata) Bucket() int {
	return m.BucketKey
}

// BucketHolder is implemented by entities that embed ShardingMetadata.
type BucketHolder interface {
	SetBucket(bucket int)
	Bucket() int
}

// MetadataBucketKey returns a BucketKey accessor for types embedding ShardingMetadata:
//
//	BucketKey: entity.MetadataBucketKey[Order](),
func MetadataBucketKey[T any, PT interface {
	*T
	BucketHolder
}]() func(*T, int) {
	return func(e *T, bucket int) {
		PT(e).SetBucket(bucket)
	}
}
