// Package store provides the durable key/value storage each actor restores
// from on activation and writes through on every mutation.
package store

import (
	"context"
)

// Store is the minimal interface all stores must implement.
type Store interface {
	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
	// Close releases any resources held by the store.
	Close() error
}

// StateStore holds one opaque snapshot per actor key. A key is owned by
// exactly one actor; the store never merges or interprets values.
type StateStore interface {
	Store
	// Load returns the value stored under key, or a NotFoundError.
	Load(ctx context.Context, key string) ([]byte, error)
	// Save replaces the value stored under key.
	Save(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// Keys lists stored keys with the given prefix in lexical order.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

// Filter defines paging parameters for listing entities.
type Filter struct {
	Limit  int // Maximum results (0 = no limit)
	Offset int // Skip first N results
}

// DefaultFilter returns a filter with sensible defaults.
func DefaultFilter() Filter {
	return Filter{Limit: 100}
}

// WithLimit returns a copy of the filter with a new limit.
func (f Filter) WithLimit(n int) Filter {
	f.Limit = n
	return f
}

// WithOffset returns a copy of the filter with a new offset.
func (f Filter) WithOffset(n int) Filter {
	f.Offset = n
	return f
}

// SQLLimit returns the LIMIT value for a query; -1 means unbounded in sqlite.
func (f Filter) SQLLimit() int {
	if f.Limit <= 0 {
		return -1
	}
	return f.Limit
}

func checkKey(key string) error {
	if key == "" {
		return ErrInvalidID
	}
	return nil
}
