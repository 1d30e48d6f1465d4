package source

import (
	"context"
	"fmt"
	"net/url"

	"gocloud.dev/blob"
	_ "gocloud.dev/blob/gcsblob" // GCS driver
	_ "gocloud.dev/blob/s3blob"  // S3 driver
	"gocloud.dev/gcerrors"
)

// BucketSource reads objects from a gocloud.dev bucket.
type BucketSource struct {
	bucket  *blob.Bucket
	prefix  string
	uriBase string
}

// NewBucketSource wraps an open bucket. uriBase prefixes object URIs, for
// example "s3://my-bucket/".
func NewBucketSource(bucket *blob.Bucket, prefix, uriBase string) *BucketSource {
	return &BucketSource{bucket: bucket, prefix: prefix, uriBase: uriBase}
}

// NewS3Source creates a new S3-compatible source.
// endpoint can be empty for AWS S3, or a custom URL for B2/R2/MinIO.
func NewS3Source(bucketName, prefix, endpoint, region string) (*BucketSource, error) {
	ctx := context.Background()

	// For AWS: s3://bucket-name?region=us-east-1
	// For custom endpoint: s3://bucket-name?endpoint=https://s3.us-west-000.backblazeb2.com&region=us-west-000
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

	bucket, err := blob.OpenBucket(ctx, bucketURL)
	if err != nil {
		return nil, fmt.Errorf("open S3 bucket %s: %w", bucketName, err)
	}
	return NewBucketSource(bucket, prefix, fmt.Sprintf("s3://%s/", bucketName)), nil
}

// NewGCSSource creates a new GCS source.
// Uses Application Default Credentials (ADC) for authentication.
func NewGCSSource(bucketName, prefix string) (*BucketSource, error) {
	bucket, err := blob.OpenBucket(context.Background(), fmt.Sprintf("gs://%s", bucketName))
	if err != nil {
		return nil, fmt.Errorf("open GCS bucket %s: %w", bucketName, err)
	}
	return NewBucketSource(bucket, prefix, fmt.Sprintf("gs://%s/", bucketName)), nil
}

// Open implements Source.Open for bucket objects.
func (s *BucketSource) Open(ctx context.Context, key string) (*Object, error) {
	fullKey := s.prefix + key

	reader, err := s.bucket.NewReader(ctx, fullKey, nil)
	if err != nil {
		if gcerrors.Code(err) == gcerrors.NotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, s.uriBase+fullKey)
		}
		return nil, fmt.Errorf("open object %s: %w", fullKey, err)
	}

	return &Object{
		Body: reader,
		Size: reader.Size(),
		URI:  s.uriBase + fullKey,
	}, nil
}

// Close releases resources.
func (s *BucketSource) Close() error {
	if s.bucket != nil {
		return s.bucket.Close()
	}
	return nil
}
