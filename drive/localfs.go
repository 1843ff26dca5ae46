// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package drive

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/zeebo/errs"

	"github.com/shogun-labs/relay/internal/relayerr"
)

// LocalFS implements Backend on a local directory.
type LocalFS struct {
	root   string
	fanOut int

	// pathLocks serializes writes to the same path.
	mu        sync.Mutex
	pathLocks map[string]*sync.Mutex
}

var _ Backend = (*LocalFS)(nil)

// NewLocalFS creates a local backend rooted at root, creating it if needed.
func NewLocalFS(root string, statsFanOut int) (*LocalFS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	if err := os.MkdirAll(abs, 0755); err != nil {
		return nil, Error.Wrap(err)
	}
	if statsFanOut <= 0 {
		statsFanOut = 8
	}
	return &LocalFS{
		root:      abs,
		fanOut:    statsFanOut,
		pathLocks: map[string]*sync.Mutex{},
	}, nil
}

func (fs *LocalFS) resolve(p string) (string, error) {
	cleaned, err := CleanPath(p)
	if err != nil {
		return "", err
	}
	return filepath.Join(fs.root, filepath.FromSlash(cleaned)), nil
}

func (fs *LocalFS) lockPath(p string) func() {
	fs.mu.Lock()
	lock, ok := fs.pathLocks[p]
	if !ok {
		lock = &sync.Mutex{}
		fs.pathLocks[p] = lock
	}
	fs.mu.Unlock()

	lock.Lock()
	return lock.Unlock
}

// List returns the direct children of dir in name-sorted order.
func (fs *LocalFS) List(ctx context.Context, dir string) ([]Entry, error) {
	full, err := fs.resolve(dir)
	if err != nil {
		return nil, err
	}

	dirents, err := os.ReadDir(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, relayerr.NotFound.New("%s", dir)
		}
		return nil, Error.Wrap(err)
	}

	entries := make([]Entry, 0, len(dirents))
	for _, dirent := range dirents {
		info, err := dirent.Info()
		if err != nil {
			continue
		}
		entry := Entry{
			Name:       dirent.Name(),
			Kind:       KindFile,
			SizeBytes:  info.Size(),
			ModifiedAt: info.ModTime(),
		}
		if dirent.IsDir() {
			entry.Kind = KindDir
			entry.SizeBytes = 0
		}
		entries = append(entries, entry)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Read opens the file for streaming.
func (fs *LocalFS) Read(ctx context.Context, file string) (io.ReadCloser, ReadInfo, error) {
	full, err := fs.resolve(file)
	if err != nil {
		return nil, ReadInfo{}, err
	}

	handle, err := os.Open(full)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ReadInfo{}, relayerr.NotFound.New("%s", file)
		}
		return nil, ReadInfo{}, Error.Wrap(err)
	}

	info, err := handle.Stat()
	if err != nil {
		return nil, ReadInfo{}, Error.Wrap(errs.Combine(err, handle.Close()))
	}
	if info.IsDir() {
		return nil, ReadInfo{}, relayerr.Malformed.Wrap(errs.Combine(Error.New("%s is a directory", file), handle.Close()))
	}

	return handle, ReadInfo{
		SizeBytes:   info.Size(),
		ContentType: contentTypeFor(file),
	}, nil
}

// Write streams data to a sibling temp file and renames it into place.
func (fs *LocalFS) Write(ctx context.Context, file string, data io.Reader) (WriteInfo, error) {
	full, err := fs.resolve(file)
	if err != nil {
		return WriteInfo{}, err
	}
	if full == fs.root {
		return WriteInfo{}, relayerr.Malformed.New("cannot write to drive root")
	}

	unlock := fs.lockPath(full)
	defer unlock()

	if err := os.MkdirAll(filepath.Dir(full), 0755); err != nil {
		return WriteInfo{}, Error.Wrap(err)
	}

	handle, err := os.CreateTemp(filepath.Dir(full), "."+filepath.Base(full)+".tmp-*")
	if err != nil {
		return WriteInfo{}, Error.Wrap(err)
	}
	temp := handle.Name()

	written, err := io.Copy(handle, data)
	if err != nil {
		_ = handle.Close()
		_ = os.Remove(temp)
		return WriteInfo{}, Error.Wrap(err)
	}
	if err := handle.Sync(); err != nil {
		_ = handle.Close()
		_ = os.Remove(temp)
		return WriteInfo{}, Error.Wrap(err)
	}
	if err := handle.Close(); err != nil {
		_ = os.Remove(temp)
		return WriteInfo{}, Error.Wrap(err)
	}

	if err := os.Rename(temp, full); err != nil {
		_ = os.Remove(temp)
		return WriteInfo{}, Error.Wrap(err)
	}
	return WriteInfo{SizeBytes: written}, nil
}

// Mkdir creates a directory and any missing parents.
func (fs *LocalFS) Mkdir(ctx context.Context, dir string) error {
	full, err := fs.resolve(dir)
	if err != nil {
		return err
	}
	if info, err := os.Stat(full); err == nil {
		if info.IsDir() {
			return relayerr.Conflict.New("%s already exists", dir)
		}
		return relayerr.Conflict.New("%s exists as a file", dir)
	}
	return Error.Wrap(os.MkdirAll(full, 0755))
}

// Delete removes the path.
func (fs *LocalFS) Delete(ctx context.Context, target string, recursive bool) error {
	full, err := fs.resolve(target)
	if err != nil {
		return err
	}
	if full == fs.root {
		return relayerr.Malformed.New("cannot delete drive root")
	}

	info, err := os.Stat(full)
	if err != nil {
		if os.IsNotExist(err) {
			return relayerr.NotFound.New("%s", target)
		}
		return Error.Wrap(err)
	}

	if info.IsDir() && !recursive {
		dirents, err := os.ReadDir(full)
		if err != nil {
			return Error.Wrap(err)
		}
		if len(dirents) > 0 {
			return relayerr.Conflict.New("%s is not empty", target)
		}
		return Error.Wrap(os.Remove(full))
	}
	return Error.Wrap(os.RemoveAll(full))
}

// Move renames src to dst.
func (fs *LocalFS) Move(ctx context.Context, src, dst string) error {
	fullSrc, err := fs.resolve(src)
	if err != nil {
		return err
	}
	fullDst, err := fs.resolve(dst)
	if err != nil {
		return err
	}

	if _, err := os.Stat(fullSrc); os.IsNotExist(err) {
		return relayerr.NotFound.New("%s", src)
	}
	if _, err := os.Stat(fullDst); err == nil {
		return relayerr.Conflict.New("%s already exists", dst)
	}
	if err := os.MkdirAll(filepath.Dir(fullDst), 0755); err != nil {
		return Error.Wrap(err)
	}
	return Error.Wrap(os.Rename(fullSrc, fullDst))
}

// Stats walks the tree below dir with bounded fan-out.
func (fs *LocalFS) Stats(ctx context.Context, dir string) (Stats, error) {
	full, err := fs.resolve(dir)
	if err != nil {
		return Stats{}, err
	}
	if _, err := os.Stat(full); os.IsNotExist(err) {
		return Stats{}, relayerr.NotFound.New("%s", dir)
	}

	walker := &statsWalker{sem: make(chan struct{}, fs.fanOut)}
	walker.walk(ctx, full)
	walker.wg.Wait()

	if err := walker.err(); err != nil {
		return Stats{}, Error.Wrap(err)
	}
	return Stats{
		TotalBytes: walker.totalBytes.Load(),
		FileCount:  walker.fileCount.Load(),
		DirCount:   walker.dirCount.Load(),
	}, nil
}

// Close releases backend resources.
func (fs *LocalFS) Close() error { return nil }
