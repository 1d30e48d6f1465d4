package storage

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"sync"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
	"gocloud.dev/gcerrors"
)

// BucketSink writes targets to a gocloud.dev bucket.
type BucketSink struct {
	bucket  *blob.Bucket
	prefix  string
	uriBase string
}

// NewBucketSink wraps an open bucket. uriBase prefixes object URIs, for
// example "gs://my-bucket/".
func NewBucketSink(bucket *blob.Bucket, prefix, uriBase string) *BucketSink {
	return &BucketSink{bucket: bucket, prefix: prefix, uriBase: uriBase}
}

// NewS3Sink creates a new S3-compatible sink.
// Works with AWS S3, Backblaze B2, Cloudflare R2, and MinIO.
func NewS3Sink(bucketName, prefix, endpoint, region string) (*BucketSink, error) {
	bucketURL := fmt.Sprintf("s3://%s", bucketName)

	params := url.Values{}
	if region != "" {
		params.Set("region", region)
	}
	if endpoint != "" {
		params.Set("endpoint", endpoint)
		params.Set("s3ForcePathStyle", "true")
	}
	if len(params) > 0 {
		bucketURL = bucketURL + "?" + params.Encode()
	}

	bucket, err := blob.OpenBucket(context.Background(), bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}
	return NewBucketSink(bucket, prefix, fmt.Sprintf("s3://%s/", bucketName)), nil
}

// NewGCSSink creates a new GCS sink using Application Default Credentials.
func NewGCSSink(bucketName, prefix string) (*BucketSink, error) {
	bucket, err := blob.OpenBucket(context.Background(), fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return NewBucketSink(bucket, prefix, fmt.Sprintf("gs://%s/", bucketName)), nil
}

// Create starts an upload to a temp key. The upload outlives ctx so that
// Commit or Abort decide its fate.
func (s *BucketSink) Create(ctx context.Context, key string) (Target, error) {
	fullKey := s.prefix + key
	tmp := tempKey(fullKey)

	wctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	w, err := s.bucket.NewWriter(wctx, tmp, nil)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("create writer for %s: %w", tmp, err)
	}

	return &bucketTarget{
		sink:    s,
		key:     key,
		fullKey: fullKey,
		tempKey: tmp,
		w:       w,
		cancel:  cancel,
	}, nil
}

// WriteObject writes data to the bucket. Bucket writes become visible on
// Close, so no temp key is needed.
func (s *BucketSink) WriteObject(ctx context.Context, key string, data []byte) error {
	path := s.prefix + key

	w, err := s.bucket.NewWriter(ctx, path, nil)
	if err != nil {
		return fmt.Errorf("create writer for %s: %w", path, err)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("write data to %s: %w", path, err)
	}

	if err := w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", path, err)
	}

	return nil
}

// Exists checks if an object already exists.
func (s *BucketSink) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, s.prefix+key)
}

// Head returns metadata about a stored object.
func (s *BucketSink) Head(ctx context.Context, key string) (*ObjectInfo, error) {
	attrs, err := s.bucket.Attributes(ctx, s.prefix+key)
	if err != nil {
		return nil, fmt.Errorf("get attributes for %s: %w", key, err)
	}

	return &ObjectInfo{
		Key:     key,
		Size:    attrs.Size,
		ETag:    attrs.ETag,
		ModTime: attrs.ModTime,
	}, nil
}

// URI returns the canonical URI for the given key.
func (s *BucketSink) URI(key string) string {
	return s.uriBase + s.prefix + key
}

// Close releases resources.
func (s *BucketSink) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}

// copyObject copies an object within the bucket.
func (s *BucketSink) copyObject(ctx context.Context, srcKey, dstKey string) error {
	r, err := s.bucket.NewReader(ctx, srcKey, nil)
	if err != nil {
		return fmt.Errorf("open source %s: %w", srcKey, err)
	}
	defer r.Close()

	w, err := s.bucket.NewWriter(ctx, dstKey, nil)
	if err != nil {
		return fmt.Errorf("create destination %s: %w", dstKey, err)
	}

	if _, err := io.Copy(w, r); err != nil {
		w.Close()
		return fmt.Errorf("copy to %s: %w", dstKey, err)
	}

	return w.Close()
}

func (s *BucketSink) deleteQuietly(ctx context.Context, key string) error {
	err := s.bucket.Delete(ctx, key)
	if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
		return err
	}
	return nil
}

type bucketTarget struct {
	sink    *BucketSink
	key     string
	fullKey string
	tempKey string

	mu     sync.Mutex
	w      *blob.Writer
	cancel context.CancelFunc
	done   bool
}

func (t *bucketTarget) Key() string { return t.key }

func (t *bucketTarget) Write(p []byte) (int, error) {
	if t.done {
		return 0, ErrTargetClosed
	}
	return t.w.Write(p)
}

// Commit finishes the upload and moves it to the final key.
// Uses copy + delete pattern.
func (t *bucketTarget) Commit(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTargetClosed
	}
	t.done = true
	defer t.cancel()

	if err := t.w.Close(); err != nil {
		t.sink.deleteQuietly(ctx, t.tempKey)
		return fmt.Errorf("close writer for %s: %w", t.tempKey, err)
	}
	if err := t.sink.copyObject(ctx, t.tempKey, t.fullKey); err != nil {
		t.sink.deleteQuietly(ctx, t.tempKey)
		return fmt.Errorf("finalize %s -> %s: %w", t.tempKey, t.fullKey, err)
	}
	t.sink.deleteQuietly(ctx, t.tempKey) // ignore errors
	return nil
}

// Abort cancels the upload, or finishes it under the partial key.
func (t *bucketTarget) Abort(ctx context.Context, keepPartial bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	defer t.cancel()

	if !keepPartial {
		// Canceling before Close discards the upload.
		t.cancel()
		t.w.Close()
		return t.sink.deleteQuietly(ctx, t.tempKey)
	}

	if err := t.w.Close(); err != nil {
		return fmt.Errorf("close writer for %s: %w", t.tempKey, err)
	}
	partial := t.fullKey + PartialSuffix
	if err := t.sink.copyObject(ctx, t.tempKey, partial); err != nil {
		return fmt.Errorf("keep partial %s: %w", partial, err)
	}
	return t.sink.deleteQuietly(ctx, t.tempKey)
}
