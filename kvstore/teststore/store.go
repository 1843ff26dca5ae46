// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package teststore implements an in-memory kvstore for tests.
package teststore

import (
	"bytes"
	"context"
	"sort"
	"sync"

	"github.com/shogun-labs/relay/kvstore"
)

// Client implements an in-memory version of the kvstore interface.
type Client struct {
	mu   sync.Mutex
	data map[string][]byte

	CallCount struct {
		Get    int
		Put    int
		Delete int
		List   int
	}
}

var _ kvstore.Store = (*Client)(nil)

// New creates a new in-memory store.
func New() *Client {
	return &Client{data: map[string][]byte{}}
}

// Put adds a value to the provided key, replacing any existing value.
func (store *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Put++

	store.data[key.String()] = append([]byte{}, value...)
	return nil
}

// Get returns the value for a key.
func (store *Client) Get(ctx context.Context, key kvstore.Key) (kvstore.Value, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Get++

	value, ok := store.data[key.String()]
	if !ok {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	return append(kvstore.Value{}, value...), nil
}

// Delete removes the key.
func (store *Client) Delete(ctx context.Context, key kvstore.Key) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.Delete++

	delete(store.data, key.String())
	return nil
}

// List returns up to limit keys with the given prefix in ascending order.
func (store *Client) List(ctx context.Context, prefix kvstore.Key, limit int) ([]kvstore.Key, error) {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.CallCount.List++

	var keys []kvstore.Key
	for k := range store.data {
		if bytes.HasPrefix([]byte(k), prefix) {
			keys = append(keys, kvstore.Key(k))
		}
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Close closes the store.
func (store *Client) Close() error { return nil }
