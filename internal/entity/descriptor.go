// Package entity declares how persistable types are routed.
//
// Every entity type registers a Descriptor with explicit key accessors instead of
// tagging fields. A type is either top level, identified by a lookup key, or a child
// routed by a sharding key that points at its parent's bucket. Either kind may carry a
// bucket key, a derived column recording the bucket the row was written under.
package entity

import (
	"errors"
	"fmt"

	serr "github.com/23skdu/shardline/internal/errors"
)

// Common errors returned by descriptor validation.
var (
	ErrConflictingKeys = errors.New("entity: lookup key and sharding key are mutually exclusive")
	ErrMissingKey      = errors.New("entity: no routing key declared")
	ErrMissingTable    = errors.New("entity: table or id column not declared")
)

// Role is the routing role of an entity type
type Role string

const (
	RoleLookup   Role = "lookup"
	RoleSharding Role = "sharding"
)

// Keys exposes an entity's routing accessors without its static type. The transaction
// pipeline uses it to populate bucket keys on whatever entity an operation writes.
type Keys interface {
	EntityName() string
	Role() Role
	// RoutingKey returns the lookup or sharding key of e.
	RoutingKey(e any) (string, error)
	// SetBucketKey writes bucket into e and reports whether the type has a bucket key.
	SetBucketKey(e any, bucket int) bool
}

// Descriptor registers an entity type T.
type Descriptor[T any] struct {
	// Name identifies the type in logs and metrics. Defaults to Table.
	Name string
	// Table and IDColumn locate rows in every shard.
	Table    string
	IDColumn string

	// Exactly one of LookupKey and ShardingKey must be set.
	LookupKey   func(*T) string
	ShardingKey func(*T) string

	// BucketKey is optional. When set, every write stores the routing bucket in it.
	BucketKey func(*T, int)
}

// Validate checks the key declarations. It runs once when a DAO is built.
func (d *Descriptor[T]) Validate() error {
	if d.Table == "" || d.IDColumn == "" {
		return serr.WrapConfigurationError(ErrMissingTable, "validate_entity", fmt.Sprintf("entity %T", *new(T)))
	}
	if d.LookupKey != nil && d.ShardingKey != nil {
		return serr.WrapConfigurationError(ErrConflictingKeys, "validate_entity", d.EntityName())
	}
	if d.LookupKey == nil && d.ShardingKey == nil {
		msg := d.EntityName()
		if d.BucketKey != nil {
			msg += ": bucket key requires a lookup or sharding key"
		}
		return serr.WrapConfigurationError(ErrMissingKey, "validate_entity", msg)
	}
	return nil
}

// Require validates the descriptor and checks it declares the given role
func (d *Descriptor[T]) Require(role Role) error {
	if err := d.Validate(); err != nil {
		return err
	}
	if d.Role() != role {
		return serr.NewConfigurationError("validate_entity",
			fmt.Sprintf("entity %s declares a %s key, %s key required", d.EntityName(), d.Role(), role))
	}
	return nil
}

func (d *Descriptor[T]) EntityName() string {
	if d.Name != "" {
		return d.Name
	}
	return d.Table
}

func (d *Descriptor[T]) Role() Role {
	if d.LookupKey != nil {
		return RoleLookup
	}
	return RoleSharding
}

// Key returns the routing key of e
func (d *Descriptor[T]) Key(e *T) string {
	if d.LookupKey != nil {
		return d.LookupKey(e)
	}
	return d.ShardingKey(e)
}

// RoutingKey implements Keys.
func (d *Descriptor[T]) RoutingKey(e any) (string, error) {
	typed, ok := e.(*T)
	if !ok {
		return "", serr.NewValidationError("routing_key", fmt.Sprintf("entity %s: unexpected value of type %T", d.EntityName(), e))
	}
	return d.Key(typed), nil
}

// SetBucketKey implements Keys.
func (d *Descriptor[T]) SetBucketKey(e any, bucket int) bool {
	if d.BucketKey == nil {
		return false
	}
	typed, ok := e.(*T)
	if !ok {
		return false
	}
	d.BucketKey(typed, bucket)
	return true
}
