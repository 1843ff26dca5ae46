// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package ipfs_test

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/shogun-labs/relay/internal/relayerr"
	"github.com/shogun-labs/relay/internal/testcontext"
	"github.com/shogun-labs/relay/ipfs"
)

func newTestNode(t *testing.T, handler http.HandlerFunc) (*ipfs.Client, *httptest.Server) {
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	client := ipfs.New(zaptest.NewLogger(t), ipfs.Config{
		NodeURL:        server.URL,
		RequestTimeout: 5 * time.Second,
		PinTimeout:     5 * time.Second,
		AddTimeout:     5 * time.Second,
	})
	return client, server
}

func TestAddSingleFile(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, _ := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/add", r.URL.Path)
		require.Equal(t, "true", r.URL.Query().Get("pin"))

		file, header, err := r.FormFile("file")
		require.NoError(t, err)
		defer func() { _ = file.Close() }()
		require.Equal(t, "hello.txt", header.Filename)

		body, err := io.ReadAll(file)
		require.NoError(t, err)
		require.Equal(t, []byte("hello"), body)

		fmt.Fprintln(w, `{"Name":"hello.txt","Hash":"QmTestCid","Size":"5"}`)
	})

	result, err := client.Add(ctx, "hello.txt", io.NopCloser(newReader("hello")), ipfs.AddOptions{Pin: true})
	require.NoError(t, err)
	require.Equal(t, "QmTestCid", result.CID)
	require.Equal(t, int64(5), result.SizeBytes)
}

func TestAddWrappedDirectory(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, _ := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "true", r.URL.Query().Get("wrap-with-directory"))
		fmt.Fprintln(w, `{"Name":"a.txt","Hash":"QmChildA","Size":"3"}`)
		fmt.Fprintln(w, `{"Name":"sub/b.txt","Hash":"QmChildB","Size":"4"}`)
		fmt.Fprintln(w, `{"Name":"","Hash":"QmWrapDir","Size":"120"}`)
	})

	result, err := client.AddDir(ctx, []ipfs.AddFile{
		{Name: "a.txt", Data: newReader("aaa")},
		{Name: "sub/b.txt", Data: newReader("bbbb")},
	}, true)
	require.NoError(t, err)
	require.Equal(t, "QmWrapDir", result.CID)
	require.Len(t, result.Entries, 2)
	require.Equal(t, "QmChildA", result.Entries[0].CID)
	require.Equal(t, "sub/b.txt", result.Entries[1].Name)
}

func TestCatRange(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, _ := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/cat", r.URL.Path)
		require.Equal(t, "/ipfs/QmX/sub/file.txt", r.URL.Query().Get("arg"))
		require.Equal(t, "5", r.URL.Query().Get("offset"))
		require.Equal(t, "3", r.URL.Query().Get("length"))
		_, _ = w.Write([]byte("wor"))
	})

	stream, err := client.Cat(ctx, "QmX", "sub/file.txt", ipfs.CatOptions{Offset: 5, Length: 3})
	require.NoError(t, err)
	defer ctx.Check(stream.Close)

	body, err := io.ReadAll(stream)
	require.NoError(t, err)
	require.Equal(t, []byte("wor"), body)
}

func TestPinTimeoutIsTransient(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(2 * time.Second)
	}))
	t.Cleanup(server.Close)

	client := ipfs.New(zaptest.NewLogger(t), ipfs.Config{
		NodeURL:        server.URL,
		RequestTimeout: 50 * time.Millisecond,
		PinTimeout:     50 * time.Millisecond,
		AddTimeout:     50 * time.Millisecond,
	})

	err := client.Pin(ctx, "QmSlow")
	require.Error(t, err)
	require.True(t, relayerr.Transient.Has(err))
}

func TestUnpinNotPinnedIsNoError(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, _ := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		fmt.Fprintln(w, `{"Message":"not pinned or pinned indirectly"}`)
	})

	require.NoError(t, client.Unpin(ctx, "QmNotPinned"))
}

func TestPinLs(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, _ := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v0/pin/ls", r.URL.Path)
		fmt.Fprintln(w, `{"Keys":{"QmA":{"Type":"recursive"},"QmB":{"Type":"recursive"}}}`)
	})

	cids, err := client.PinLs(ctx, ipfs.PinRecursive)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"QmA", "QmB"}, cids)
}

func TestVersion(t *testing.T) {
	ctx := testcontext.New(t)
	defer ctx.Cleanup()

	client, _ := newTestNode(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintln(w, `{"Version":"0.29.0"}`)
	})

	version, err := client.Version(ctx)
	require.NoError(t, err)
	require.Equal(t, "0.29.0", version)
}

func newReader(s string) io.Reader { return strings.NewReader(s) }
