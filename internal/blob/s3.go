// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	dispatcherrors "github.com/tombee/dispatch/pkg/errors"
)

// S3Store is a Store backed by any S3-compatible object store.
type S3Store struct {
	client  *s3.Client
	presign *s3.PresignClient
	bucket  string
}

// S3Config configures the S3 store.
type S3Config struct {
	// Bucket is the bucket name. Required.
	Bucket string

	// Region is the bucket region.
	Region string

	// Endpoint overrides the endpoint for S3-compatible stores (minio, ceph).
	Endpoint string

	// ForcePathStyle uses path-style addressing, required by most
	// self-hosted stores.
	ForcePathStyle bool
}

// NewS3Store creates an S3-backed store. Credentials come from the ambient
// AWS credential chain (env, shared config, instance role).
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob: s3 bucket is required")
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("blob: loading aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.ForcePathStyle
	})

	return &S3Store{
		client:  client,
		presign: s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
	}, nil
}

// Put writes the full contents of r under key.
func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, contentType string) error {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
		Body:   r,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.client.PutObject(ctx, input); err != nil {
		return &dispatcherrors.TransientError{Op: "blob.put", Message: key, Cause: err}
	}
	return nil
}

// Get opens a streaming read of key.
func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, &dispatcherrors.TransientError{Op: "blob.get", Message: key, Cause: err}
	}
	return out.Body, nil
}

// GetSize returns the object size.
func (s *S3Store) GetSize(ctx context.Context, key string) (int64, error) {
	out, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		if isNotFound(err) {
			return 0, ErrNotFound
		}
		return 0, &dispatcherrors.TransientError{Op: "blob.head", Message: key, Cause: err}
	}
	return aws.ToInt64(out.ContentLength), nil
}

// Exists reports whether key is present.
func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	_, err := s.GetSize(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// List returns one page of entries under prefix.
func (s *S3Store) List(ctx context.Context, prefix, cursor string, maxKeys int) (ListResult, error) {
	if maxKeys <= 0 {
		maxKeys = 1000
	}

	input := &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(int32(maxKeys)),
	}
	if cursor != "" {
		input.ContinuationToken = aws.String(cursor)
	}

	out, err := s.client.ListObjectsV2(ctx, input)
	if err != nil {
		return ListResult{}, &dispatcherrors.TransientError{Op: "blob.list", Message: prefix, Cause: err}
	}

	result := ListResult{Truncated: aws.ToBool(out.IsTruncated)}
	if out.NextContinuationToken != nil {
		result.NextCursor = *out.NextContinuationToken
	}
	for _, obj := range out.Contents {
		result.Entries = append(result.Entries, Entry{
			Key:          aws.ToString(obj.Key),
			Size:         aws.ToInt64(obj.Size),
			LastModified: aws.ToTime(obj.LastModified),
		})
	}
	return result, nil
}

// Delete removes key. Missing keys are not an error.
func (s *S3Store) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return &dispatcherrors.TransientError{Op: "blob.delete", Message: key, Cause: err}
	}
	return nil
}

// DeleteMany removes keys in batches of 1000 (the DeleteObjects cap).
func (s *S3Store) DeleteMany(ctx context.Context, keys []string) error {
	for len(keys) > 0 {
		batch := keys
		if len(batch) > 1000 {
			batch = keys[:1000]
		}
		keys = keys[len(batch):]

		objects := make([]types.ObjectIdentifier, 0, len(batch))
		for _, k := range batch {
			objects = append(objects, types.ObjectIdentifier{Key: aws.String(k)})
		}

		_, err := s.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.bucket),
			Delete: &types.Delete{Objects: objects, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return &dispatcherrors.TransientError{Op: "blob.delete_many", Message: fmt.Sprintf("%d keys", len(batch)), Cause: err}
		}
	}
	return nil
}

// PresignPut returns an upload URL for key.
func (s *S3Store) PresignPut(ctx context.Context, key string, ttl time.Duration, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	req, err := s.presign.PresignPutObject(ctx, input, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", &dispatcherrors.TransientError{Op: "blob.presign_put", Message: key, Cause: err}
	}
	return req.URL, nil
}

// PresignGet returns a download URL for key.
func (s *S3Store) PresignGet(ctx context.Context, key string, ttl time.Duration) (string, error) {
	req, err := s.presign.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(ttl))
	if err != nil {
		return "", &dispatcherrors.TransientError{Op: "blob.presign_get", Message: key, Cause: err}
	}
	return req.URL, nil
}

// Copy duplicates src to dst within the bucket.
func (s *S3Store) Copy(ctx context.Context, src, dst string) error {
	source := url.PathEscape(s.bucket + "/" + src)
	_, err := s.client.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.bucket),
		CopySource: aws.String(source),
		Key:        aws.String(dst),
	})
	if err != nil {
		if isNotFound(err) {
			return ErrNotFound
		}
		return &dispatcherrors.TransientError{Op: "blob.copy", Message: src, Cause: err}
	}
	return nil
}

// isNotFound classifies S3 missing-key errors across the GetObject and
// HeadObject response shapes.
func isNotFound(err error) bool {
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return true
	}
	var notFound *types.NotFound
	return errors.As(err, &notFound)
}

var _ Store = (*S3Store)(nil)
