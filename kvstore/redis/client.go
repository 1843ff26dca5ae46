// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package redis implements the kvstore interface on a shared redis instance.
package redis

import (
	"context"
	"net/url"
	"sort"
	"strconv"

	"github.com/go-redis/redis"
	"github.com/zeebo/errs"

	"github.com/shogun-labs/relay/kvstore"
)

// Error is the default redis error class.
var Error = errs.Class("redis error")

// Client is the interface to the redis backed store.
type Client struct {
	db *redis.Client
}

var _ kvstore.Store = (*Client)(nil)

// New returns a configured Client connected to address.
func New(address, password string, db int) (*Client, error) {
	client := &Client{
		db: redis.NewClient(&redis.Options{
			Addr:     address,
			Password: password,
			DB:       db,
		}),
	}

	if err := client.db.Ping().Err(); err != nil {
		return nil, Error.New("ping failed: %v", err)
	}
	return client, nil
}

// NewFromURL builds a Client from a redis:// url.
func NewFromURL(address string) (*Client, error) {
	u, err := url.Parse(address)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if u.Scheme != "redis" {
		return nil, Error.New("unsupported scheme %q", u.Scheme)
	}

	db := 0
	if q := u.Query().Get("db"); q != "" {
		db, err = strconv.Atoi(q)
		if err != nil {
			return nil, Error.New("invalid db %q", q)
		}
	}

	password, _ := u.User.Password()
	return New(u.Host, password, db)
}

// Put adds a value to the provided key, replacing any existing value.
func (client *Client) Put(ctx context.Context, key kvstore.Key, value kvstore.Value) error {
	if key.IsZero() {
		return Error.New("empty key")
	}
	return Error.Wrap(client.db.Set(key.String(), []byte(value), 0).Err())
}

// Get returns the value for a key.
func (client *Client) Get(ctx context.Context, key kvstore.Key) (kvstore.Value, error) {
	value, err := client.db.Get(key.String()).Bytes()
	if err == redis.Nil {
		return nil, kvstore.ErrKeyNotFound.New("%q", key)
	}
	if err != nil {
		return nil, Error.Wrap(err)
	}
	return value, nil
}

// Delete removes the key.
func (client *Client) Delete(ctx context.Context, key kvstore.Key) error {
	return Error.Wrap(client.db.Del(key.String()).Err())
}

// List returns up to limit keys with the given prefix in ascending order.
func (client *Client) List(ctx context.Context, prefix kvstore.Key, limit int) ([]kvstore.Key, error) {
	var keys []kvstore.Key
	var cursor uint64
	for {
		batch, next, err := client.db.Scan(cursor, prefix.String()+"*", 100).Result()
		if err != nil {
			return nil, Error.Wrap(err)
		}
		for _, k := range batch {
			keys = append(keys, kvstore.Key(k))
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}

	// scan returns keys in no particular order
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	if limit > 0 && len(keys) > limit {
		keys = keys[:limit]
	}
	return keys, nil
}

// Close closes the redis connection.
func (client *Client) Close() error {
	return Error.Wrap(client.db.Close())
}
