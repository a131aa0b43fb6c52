package collab

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
)

// S3BlobStore puts objects into an S3-compatible bucket, used for the
// history blob store (diffs, published artifacts).
type S3BlobStore struct {
	client *s3.S3
}

// NewS3BlobStore builds a store against region, optionally pointed at a
// non-AWS S3-compatible endpoint. Returns nil, nil if accessKeyID is
// empty, so a missing-credentials boundary silently disables
// publication.
func NewS3BlobStore(region, endpoint, accessKeyID, secretAccessKey string, pathStyle bool) (*S3BlobStore, error) {
	if accessKeyID == "" {
		return nil, nil
	}

	cfg := &aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(accessKeyID, secretAccessKey, ""),
	}
	if endpoint != "" {
		cfg.Endpoint = aws.String(endpoint)
		cfg.S3ForcePathStyle = aws.Bool(pathStyle)
	}

	sess, err := session.NewSession(cfg)
	if err != nil {
		return nil, fmt.Errorf("creating S3 session: %w", err)
	}
	return &S3BlobStore{client: s3.New(sess)}, nil
}

func (b *S3BlobStore) Put(ctx context.Context, bucket, key string, data []byte) (string, error) {
	_, err := b.client.PutObjectWithContext(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return "", fmt.Errorf("putting s3://%s/%s: %w", bucket, key, err)
	}
	return fmt.Sprintf("s3://%s/%s", bucket, key), nil
}
