// Copyright (C) 2025 Shogun Labs, Inc.
// See LICENSE for copying information.

package drive

import (
	"context"
	"io"
	"sort"
	"strings"

	minio "github.com/minio/minio-go"

	"github.com/shogun-labs/relay/internal/relayerr"
)

// S3Compatible implements Backend on an s3-compatible object store.
// Directories are emulated with zero-byte marker objects whose key ends
// in a slash.
type S3Compatible struct {
	client *minio.Client
	bucket string
	fanOut int
}

var _ Backend = (*S3Compatible)(nil)

// NewS3Compatible connects to the configured endpoint and ensures the
// bucket exists.
func NewS3Compatible(config S3Config, statsFanOut int) (*S3Compatible, error) {
	if config.Endpoint == "" || config.Bucket == "" {
		return nil, Error.New("s3 backend requires endpoint and bucket")
	}

	client, err := minio.New(config.Endpoint, config.AccessKey, config.SecretKey, config.UseSSL)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	exists, err := client.BucketExists(config.Bucket)
	if err != nil {
		return nil, relayerr.Backend.Wrap(Error.Wrap(err))
	}
	if !exists {
		if err := client.MakeBucket(config.Bucket, ""); err != nil {
			return nil, relayerr.Backend.Wrap(Error.Wrap(err))
		}
	}

	if statsFanOut <= 0 {
		statsFanOut = 8
	}
	return &S3Compatible{client: client, bucket: config.Bucket, fanOut: statsFanOut}, nil
}

func (s3 *S3Compatible) objectKey(p string) (string, error) {
	return CleanPath(p)
}

func isNoSuchKey(err error) bool {
	resp := minio.ToErrorResponse(err)
	return resp.Code == "NoSuchKey" || resp.Code == "NoSuchBucket"
}

// List returns the direct children of dir in name-sorted order.
func (s3 *S3Compatible) List(ctx context.Context, dir string) ([]Entry, error) {
	prefix, err := s3.objectKey(dir)
	if err != nil {
		return nil, err
	}
	if prefix != "" {
		prefix += "/"
	}

	done := make(chan struct{})
	defer close(done)

	var entries []Entry
	seen := map[string]bool{}
	for object := range s3.client.ListObjects(s3.bucket, prefix, false, done) {
		if object.Err != nil {
			return nil, relayerr.Backend.Wrap(Error.Wrap(object.Err))
		}
		name := strings.TrimPrefix(object.Key, prefix)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		if strings.HasSuffix(name, "/") {
			entries = append(entries, Entry{
				Name:       strings.TrimSuffix(name, "/"),
				Kind:       KindDir,
				ModifiedAt: object.LastModified,
			})
			continue
		}
		entries = append(entries, Entry{
			Name:       name,
			Kind:       KindFile,
			SizeBytes:  object.Size,
			ModifiedAt: object.LastModified,
		})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name < entries[j].Name })
	return entries, nil
}

// Read opens the object for streaming.
func (s3 *S3Compatible) Read(ctx context.Context, file string) (io.ReadCloser, ReadInfo, error) {
	key, err := s3.objectKey(file)
	if err != nil {
		return nil, ReadInfo{}, err
	}

	stat, err := s3.client.StatObject(s3.bucket, key, minio.StatObjectOptions{})
	if err != nil {
		if isNoSuchKey(err) {
			return nil, ReadInfo{}, relayerr.NotFound.New("%s", file)
		}
		return nil, ReadInfo{}, relayerr.Backend.Wrap(Error.Wrap(err))
	}

	object, err := s3.client.GetObject(s3.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, ReadInfo{}, relayerr.Backend.Wrap(Error.Wrap(err))
	}

	contentType := stat.ContentType
	if contentType == "" {
		contentType = contentTypeFor(file)
	}
	return object, ReadInfo{SizeBytes: stat.Size, ContentType: contentType}, nil
}

// Write streams data to the object; the store applies the put atomically.
func (s3 *S3Compatible) Write(ctx context.Context, file string, data io.Reader) (WriteInfo, error) {
	key, err := s3.objectKey(file)
	if err != nil {
		return WriteInfo{}, err
	}
	if key == "" {
		return WriteInfo{}, relayerr.Malformed.New("cannot write to drive root")
	}

	written, err := s3.client.PutObject(s3.bucket, key, data, -1, minio.PutObjectOptions{
		ContentType: contentTypeFor(file),
	})
	if err != nil {
		return WriteInfo{}, relayerr.Backend.Wrap(Error.Wrap(err))
	}
	return WriteInfo{SizeBytes: written}, nil
}

// Mkdir creates a directory marker object.
func (s3 *S3Compatible) Mkdir(ctx context.Context, dir string) error {
	key, err := s3.objectKey(dir)
	if err != nil {
		return err
	}
	if key == "" {
		return relayerr.Conflict.New("root already exists")
	}

	marker := key + "/"
	if _, err := s3.client.StatObject(s3.bucket, marker, minio.StatObjectOptions{}); err == nil {
		return relayerr.Conflict.New("%s already exists", dir)
	}
	if _, err := s3.client.PutObject(s3.bucket, marker, strings.NewReader(""), 0, minio.PutObjectOptions{}); err != nil {
		return relayerr.Backend.Wrap(Error.Wrap(err))
	}
	return nil
}

// Delete removes the object, or the whole prefix when recursive.
func (s3 *S3Compatible) Delete(ctx context.Context, target string, recursive bool) error {
	key, err := s3.objectKey(target)
	if err != nil {
		return err
	}
	if key == "" {
		return relayerr.Malformed.New("cannot delete drive root")
	}

	// plain object
	if _, err := s3.client.StatObject(s3.bucket, key, minio.StatObjectOptions{}); err == nil {
		if err := s3.client.RemoveObject(s3.bucket, key); err != nil {
			return relayerr.Backend.Wrap(Error.Wrap(err))
		}
		return nil
	}

	// directory prefix
	done := make(chan struct{})
	defer close(done)

	var children []string
	for object := range s3.client.ListObjects(s3.bucket, key+"/", true, done) {
		if object.Err != nil {
			return relayerr.Backend.Wrap(Error.Wrap(object.Err))
		}
		children = append(children, object.Key)
	}
	if len(children) == 0 {
		return relayerr.NotFound.New("%s", target)
	}
	if !recursive && (len(children) > 1 || children[0] != key+"/") {
		return relayerr.Conflict.New("%s is not empty", target)
	}

	var failed []string
	for _, child := range children {
		if err := s3.client.RemoveObject(s3.bucket, child); err != nil {
			failed = append(failed, child)
		}
	}
	if len(failed) > 0 {
		return relayerr.Backend.Wrap(Error.New("partial delete of %s: %d objects remain", target, len(failed)))
	}
	return nil
}

// Move copies the object to dst and deletes the source.
func (s3 *S3Compatible) Move(ctx context.Context, src, dst string) error {
	srcKey, err := s3.objectKey(src)
	if err != nil {
		return err
	}
	dstKey, err := s3.objectKey(dst)
	if err != nil {
		return err
	}

	if _, err := s3.client.StatObject(s3.bucket, srcKey, minio.StatObjectOptions{}); err != nil {
		if isNoSuchKey(err) {
			return relayerr.NotFound.New("%s", src)
		}
		return relayerr.Backend.Wrap(Error.Wrap(err))
	}
	if _, err := s3.client.StatObject(s3.bucket, dstKey, minio.StatObjectOptions{}); err == nil {
		return relayerr.Conflict.New("%s already exists", dst)
	}

	source := minio.NewSourceInfo(s3.bucket, srcKey, nil)
	destination, err := minio.NewDestinationInfo(s3.bucket, dstKey, nil, nil)
	if err != nil {
		return Error.Wrap(err)
	}
	if err := s3.client.CopyObject(destination, source); err != nil {
		return relayerr.Backend.Wrap(Error.Wrap(err))
	}
	if err := s3.client.RemoveObject(s3.bucket, srcKey); err != nil {
		return relayerr.Backend.Wrap(Error.Wrap(err))
	}
	return nil
}

// Stats sums the objects below dir.
func (s3 *S3Compatible) Stats(ctx context.Context, dir string) (Stats, error) {
	prefix, err := s3.objectKey(dir)
	if err != nil {
		return Stats{}, err
	}
	if prefix != "" {
		prefix += "/"
	}

	done := make(chan struct{})
	defer close(done)

	var stats Stats
	for object := range s3.client.ListObjects(s3.bucket, prefix, true, done) {
		if object.Err != nil {
			return Stats{}, relayerr.Backend.Wrap(Error.Wrap(object.Err))
		}
		if strings.HasSuffix(object.Key, "/") {
			stats.DirCount++
			continue
		}
		stats.FileCount++
		stats.TotalBytes += object.Size
	}
	return stats, nil
}

// Close releases backend resources.
func (s3 *S3Compatible) Close() error { return nil }
