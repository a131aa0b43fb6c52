package collab

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSBlobStore puts objects into a Google Cloud Storage bucket, used for
// the internal blob store.
//
// A third S3-compatible provider (Azure Blob) was considered and dropped:
// S3 and GCS already exercise two differently-shaped client libraries
// (REST/v4-sig vs. gRPC/JSON), and nothing in this system distinguishes
// "history" and "internal" stores beyond which bucket they write to. Swap
// this file for an Azure-backed BlobStore if a third backend is ever
// needed; the interface does not change.
type GCSBlobStore struct {
	client *storage.Client
}

// NewGCSBlobStore builds a store from a service-account credentials JSON
// blob. Returns nil, nil if credentialsJSON is empty.
func NewGCSBlobStore(ctx context.Context, credentialsJSON string) (*GCSBlobStore, error) {
	if credentialsJSON == "" {
		return nil, nil
	}
	client, err := storage.NewClient(ctx, option.WithCredentialsJSON([]byte(credentialsJSON)))
	if err != nil {
		return nil, fmt.Errorf("creating GCS client: %w", err)
	}
	return &GCSBlobStore{client: client}, nil
}

func (b *GCSBlobStore) Put(ctx context.Context, bucket, key string, data []byte) (string, error) {
	w := b.client.Bucket(bucket).Object(key).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		w.Close()
		return "", fmt.Errorf("writing gs://%s/%s: %w", bucket, key, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("closing gs://%s/%s: %w", bucket, key, err)
	}
	return fmt.Sprintf("gs://%s/%s", bucket, key), nil
}
