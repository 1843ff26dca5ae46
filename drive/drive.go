// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

// Package drive implements the relay's backend-agnostic file tree.
//
// Paths are POSIX style relative to the backend root. Every entry point
// normalizes its path and rejects anything that could escape the root.
package drive

import (
	"context"
	"io"
	"mime"
	"path"
	"strings"
	"time"

	"github.com/zeebo/errs"

	"github.com/shogun-labs/relay/internal/relayerr"
)

// Error is the default drive error class.
var Error = errs.Class("drive error")

// Kind discriminates file tree entries.
type Kind string

// entry kinds
const (
	KindFile Kind = "file"
	KindDir  Kind = "dir"
)

// Entry describes a node in the file tree.
type Entry struct {
	Name       string    `json:"name"`
	Kind       Kind      `json:"kind"`
	SizeBytes  int64     `json:"sizeBytes"`
	ModifiedAt time.Time `json:"modifiedAt"`
}

// ReadInfo accompanies a content stream.
type ReadInfo struct {
	SizeBytes   int64
	ContentType string
}

// WriteInfo reports the result of a write.
type WriteInfo struct {
	SizeBytes int64
}

// Stats aggregates the tree below a path.
type Stats struct {
	TotalBytes int64 `json:"totalBytes"`
	FileCount  int64 `json:"fileCount"`
	DirCount   int64 `json:"dirCount"`
}

// Backend is the capability interface over a rooted file tree. Concrete
// variants are LocalFS and S3Compatible; selection happens at construction.
type Backend interface {
	// List returns the direct children of path in name-sorted order.
	List(ctx context.Context, dir string) ([]Entry, error)
	// Read opens the file for streaming; the caller closes the reader.
	Read(ctx context.Context, file string) (io.ReadCloser, ReadInfo, error)
	// Write streams data to the path atomically, creating parents.
	Write(ctx context.Context, file string, data io.Reader) (WriteInfo, error)
	// Mkdir creates a directory and any missing parents.
	Mkdir(ctx context.Context, dir string) error
	// Delete removes the path; recursive is required for non-empty dirs.
	Delete(ctx context.Context, target string, recursive bool) error
	// Move renames src to dst within the backend.
	Move(ctx context.Context, src, dst string) error
	// Stats walks the tree below dir with bounded fan-out.
	Stats(ctx context.Context, dir string) (Stats, error)
	// Close releases backend resources.
	Close() error
}

// Config selects and parameterizes a backend.
type Config struct {
	Backend string `help:"drive backend: local or s3" default:"local"`
	Root    string `help:"root directory of the local drive" default:"./drive"`

	S3 S3Config

	StatsFanOut int `help:"maximum parallel directory reads in stats traversal" default:"8"`
}

// S3Config holds the s3-compatible backend parameters.
type S3Config struct {
	Endpoint  string `help:"s3 endpoint host:port" default:""`
	AccessKey string `help:"s3 access key" default:""`
	SecretKey string `help:"s3 secret key" default:""`
	Bucket    string `help:"s3 bucket holding the drive tree" default:""`
	UseSSL    bool   `help:"use https for the s3 endpoint" default:"true"`
}

// OpenBackend constructs the configured backend variant.
func OpenBackend(config Config) (Backend, error) {
	switch config.Backend {
	case "", "local":
		return NewLocalFS(config.Root, config.StatsFanOut)
	case "s3":
		return NewS3Compatible(config.S3, config.StatsFanOut)
	default:
		return nil, Error.New("unknown backend %q", config.Backend)
	}
}

// errPathEscape tags path policy violations; the web surface reports
// them as 400 with reason "path-escape".
var errPathEscape = errs.Class("path-escape")

// IsPathEscape reports whether err was a path policy violation.
func IsPathEscape(err error) bool { return err != nil && errPathEscape.Has(err) }

func pathEscape(format string, args ...interface{}) error {
	return relayerr.Malformed.Wrap(errPathEscape.New(format, args...))
}

// CleanPath normalizes a user-supplied drive path. It rejects absolute
// paths, embedded NUL bytes and any ".." segment, and collapses "." away.
// The empty string denotes the root.
func CleanPath(p string) (string, error) {
	if strings.ContainsRune(p, 0) {
		return "", pathEscape("embedded NUL")
	}
	normalized := strings.ReplaceAll(p, "\\", "/")
	if strings.HasPrefix(normalized, "/") {
		return "", pathEscape("absolute path %q", p)
	}
	for _, segment := range strings.Split(normalized, "/") {
		if segment == ".." {
			return "", pathEscape("parent traversal in %q", p)
		}
	}

	cleaned := path.Clean(normalized)
	if cleaned == "." {
		return "", nil
	}
	return cleaned, nil
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
