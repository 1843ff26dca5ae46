// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package boltdb implements the kvstore interface on an embedded bolt file.
package boltdb

import (
	"bytes"
	"context"
	"time"

	"github.com/boltdb/bolt"
	"github.com/zeebo/errs"

	"github.com/shogun-labs/relay/kvstore"
)

// Error is the default boltdb error class.
var Error = errs.Class("boltdb error")

const (
	// fileMode sets permissions so only the owner can read and write.
	fileMode = 0600

	defaultTimeout = 1 * time.Second
)

var defaultBucket = []byte("relay")

// Client is the storage interface for the bolt database.
type Client struct {
	db   *bolt.DB
	Path string
}

var _ kvstore.Store = (*Client)(nil)

// New instantiates a new bolt-backed store at path.
func New(path string) (*Client, error) {
	db, err := bolt.Open(path, fileMode, &bolt.Options{Timeout: defaultTimeout})
	if err != nil {
		return nil, Error.Wrap(err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(defaultBucket)
		return err
	})
	if err != nil {
		return nil, Error.Wrap(errs.Combine(err, db.Close()))
	}

	return &Client{db: db, Path: path}, nil
}

// Put adds a value to the provided key, replacing any existing value.
func (client *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
	if key.IsZero() {
		return Error.New("empty key")
	}
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(defaultBucket).Put(key, value)
	}))
}

// Get returns the value for a key.
func (client *Client) Get(ctx context.Context, key kvstore.Key) (kvstore.Value, error) {
	var value kvstore.Value
	err := client.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(defaultBucket).Get(key)
		if data == nil {
			return kvstore.ErrKeyNotFound.New("%q", key)
		}
		value = append(kvstore.Value{}, data...)
		return nil
	})
	if kvstore.ErrKeyNotFound.Has(err) {
		return nil, err
	}
	return value, Error.Wrap(err)
}

// Delete removes the key.
func (client *Client) Delete(ctx context.Context, key kvstore.Key) error {
	return Error.Wrap(client.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(defaultBucket).Delete(key)
	}))
}

// List returns up to limit keys with the given prefix in ascending order.
func (client *Client) List(ctx context.Context, prefix kvstore.Key, limit int) ([]kvstore.Key, error) {
	var keys []kvstore.Key
	err := client.db.View(func(tx *bolt.Tx) error {
		cursor := tx.Bucket(defaultBucket).Cursor()
		for k, _ := cursor.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = cursor.Next() {
			keys = append(keys, append(kvstore.Key{}, k...))
			if limit > 0 && len(keys) >= limit {
				break
			}
		}
		return nil
	})
	return keys, Error.Wrap(err)
}

// Close closes the bolt database.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}
