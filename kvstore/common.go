// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package kvstore declares the key-value substrate the ledger projects onto.
//
// The production substrate is an externally replicated, eventually
// consistent graph store; these backends provide its local materialization.
// Reads may observe stale values, per-key writes are last-writer-wins.
package kvstore

import (
	"context"

	"github.com/zeebo/errs"
)

// ErrKeyNotFound is returned when a key has no value.
var ErrKeyNotFound = errs.Class("key not found")

// Key is the type for keys in a Store.
type Key []byte

// Value is the type for values in a Store.
type Value []byte

// IsZero returns true whether the key is empty.
func (k Key) IsZero() bool { return len(k) == 0 }

// String implements the Stringer interface.
func (k Key) String() string { return string(k) }

// Store is an interface describing key/value stores like redis and boltdb.
//
// architecture: Database
type Store interface {
	// Put adds a value to the provided key, replacing any existing value.
	Put(ctx context.Context, key Key, value Value) error
	// Get returns the value for a key, or ErrKeyNotFound.
	Get(ctx context.Context, key Key) (Value, error)
	// Delete removes the key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error
	// List returns up to limit keys with the given prefix, in ascending
	// order. limit <= 0 means no limit.
	List(ctx context.Context, prefix Key, limit int) ([]Key, error)
	// Close releases the underlying resources.
	Close() error
}
