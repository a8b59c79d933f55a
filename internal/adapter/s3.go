package adapter

import (
	"context"
	"fmt"
	"os"

	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Store is the ObjectStore backed by aws-sdk-go-v2/service/s3, staging the
// <job_id>.tar.gz archive between source and target hosts (spec.md §6).
type S3Store struct {
	client *s3.Client
	bucket string
}

// NewS3Store builds an ObjectStore over the given bucket.
func NewS3Store(client *s3.Client, bucket string) *S3Store {
	return &S3Store{client: client, bucket: bucket}
}

// Upload streams localPath's contents to key under the configured bucket.
func (s *S3Store) Upload(ctx context.Context, key, localPath string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("adapter: failed to open %s for upload: %w", localPath, err)
	}
	defer f.Close()

	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("%w: s3 put %s: %v", ErrRemoteFailure, key, err)
	}
	return nil
}

// Download fetches key from the configured bucket into localPath.
func (s *S3Store) Download(ctx context.Context, key, localPath string) error {
	out, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: &s.bucket,
		Key:    &key,
	})
	if err != nil {
		return fmt.Errorf("%w: s3 get %s: %v", ErrRemoteFailure, key, err)
	}
	defer out.Body.Close()

	f, err := os.Create(localPath)
	if err != nil {
		return fmt.Errorf("adapter: failed to create %s for download: %w", localPath, err)
	}
	defer f.Close()

	if _, err := f.ReadFrom(out.Body); err != nil {
		return fmt.Errorf("adapter: failed to write %s: %w", localPath, err)
	}
	return nil
}
