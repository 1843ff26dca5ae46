// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package boltdb

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/shogun-labs/relay/internal/testcontext"
	"github.com/shogun-labs/relay/kvstore/testsuite"
)

func TestSuite(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, err := New(filepath.Join(ctx.Dir("bolt"), "relay.db"))
	require.NoError(t, err)
	defer ctx.Check(client.Close)

	testsuite.RunTests(t, client)
}
