package storage

import (
	"context"
	"fmt"

	"cloud.google.com/go/storage"
)

// GCSArchiver guarda copias de adjuntos en un bucket de Google Cloud Storage.
type GCSArchiver struct {
	bucket     *storage.BucketHandle
	bucketName string
}

func NewGCSArchiver(ctx context.Context, bucketName string) (*GCSArchiver, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	return &GCSArchiver{
		bucket:     client.Bucket(bucketName),
		bucketName: bucketName,
	}, nil
}

// Save sube el objeto y devuelve su URL pública.
func (a *GCSArchiver) Save(ctx context.Context, objectPath, mimeType string, data []byte) (string, error) {
	writer := a.bucket.Object(objectPath).NewWriter(ctx)
	writer.ContentType = mimeType
	if _, err := writer.Write(data); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("gcs write %s: %w", objectPath, err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("gcs close %s: %w", objectPath, err)
	}
	return fmt.Sprintf("https://storage.googleapis.com/%s/%s", a.bucketName, objectPath), nil
}
