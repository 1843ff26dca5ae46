// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package testsuite contains a conformance suite shared by kvstore backends.
package testsuite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shogun-labs/relay/kvstore"
)

// RunTests runs the conformance suite against store.
func RunTests(t *testing.T, store kvstore.Store) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, store) })
	t.Run("Overwrite", func(t *testing.T) { testOverwrite(t, store) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, store) })
	t.Run("List", func(t *testing.T) { testList(t, store) })
}

func testPutGet(t *testing.T, store kvstore.Store) {
	ctx := context.Background()

	err := store.Put(ctx, kvstore.Key("suite/a"), kvstore.Value("alpha"))
	require.NoError(t, err)

	value, err := store.Get(ctx, kvstore.Key("suite/a"))
	require.NoError(t, err)
	require.Equal(t, kvstore.Value("alpha"), value)

	_, err = store.Get(ctx, kvstore.Key("suite/missing"))
	require.True(t, kvstore.ErrKeyNotFound.Has(err))
}

func testOverwrite(t *testing.T, store kvstore.Store) {
	ctx := context.Background()
	key := kvstore.Key("suite/over")

	require.NoError(t, store.Put(ctx, key, kvstore.Value("one")))
	require.NoError(t, store.Put(ctx, key, kvstore.Value("two")))

	value, err := store.Get(ctx, key)
	require.NoError(t, err)
	require.Equal(t, kvstore.Value("two"), value)
}

func testDelete(t *testing.T, store kvstore.Store) {
	ctx := context.Background()
	key := kvstore.Key("suite/del")

	require.NoError(t, store.Put(ctx, key, kvstore.Value("x")))
	require.NoError(t, store.Delete(ctx, key))

	_, err := store.Get(ctx, key)
	require.True(t, kvstore.ErrKeyNotFound.Has(err))

	// deleting a missing key is not an error
	require.NoError(t, store.Delete(ctx, key))
}

func testList(t *testing.T, store kvstore.Store) {
	ctx := context.Background()

	for _, k := range []string{"suite/list/b", "suite/list/a", "suite/list/c", "suite/other"} {
		require.NoError(t, store.Put(ctx, kvstore.Key(k), kvstore.Value("v")))
	}

	keys, err := store.List(ctx, kvstore.Key("suite/list/"), 0)
	require.NoError(t, err)
	require.Equal(t, []kvstore.Key{
		kvstore.Key("suite/list/a"),
		kvstore.Key("suite/list/b"),
		kvstore.Key("suite/list/c"),
	}, keys)

	keys, err = store.List(ctx, kvstore.Key("suite/list/"), 2)
	require.NoError(t, err)
	require.Len(t, keys, 2)
}
