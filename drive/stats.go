// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package drive

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/zeebo/errs"
)

// statsWalker traverses a directory tree in parallel, bounded by sem.
type statsWalker struct {
	sem chan struct{}
	wg  sync.WaitGroup

	totalBytes atomic.Int64
	fileCount  atomic.Int64
	dirCount   atomic.Int64

	mu       sync.Mutex
	firstErr error
}

func (walker *statsWalker) setErr(err error) {
	walker.mu.Lock()
	defer walker.mu.Unlock()
	if walker.firstErr == nil {
		walker.firstErr = err
	}
}

func (walker *statsWalker) err() error {
	walker.mu.Lock()
	defer walker.mu.Unlock()
	return walker.firstErr
}

// walk processes dir synchronously but descends into subdirectories on
// separate goroutines when the fan-out budget allows.
func (walker *statsWalker) walk(ctx context.Context, dir string) {
	if ctx.Err() != nil {
		walker.setErr(ctx.Err())
		return
	}

	dirents, err := os.ReadDir(dir)
	if err != nil {
		walker.setErr(errs.Wrap(err))
		return
	}

	for _, dirent := range dirents {
		if dirent.IsDir() {
			walker.dirCount.Add(1)
			sub := filepath.Join(dir, dirent.Name())

			select {
			case walker.sem <- struct{}{}:
				walker.wg.Add(1)
				go func() {
					defer walker.wg.Done()
					defer func() { <-walker.sem }()
					walker.walk(ctx, sub)
				}()
			default:
				walker.walk(ctx, sub)
			}
			continue
		}

		info, err := dirent.Info()
		if err != nil {
			continue
		}
		walker.fileCount.Add(1)
		walker.totalBytes.Add(info.Size())
	}
}
