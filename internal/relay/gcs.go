package relay

import (
	"context"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSStorage writes objects to a Google Cloud Storage bucket.
type GCSStorage struct {
	client     *storage.Client
	bucket     string
	publicBase string
}

// NewGCS connects with credsJSON when given, otherwise with application
// default credentials. publicBase overrides the
// https://storage.googleapis.com/<bucket> URL prefix.
func NewGCS(ctx context.Context, bucket, credsJSON, publicBase string) (*GCSStorage, error) {
	var opts []option.ClientOption
	if strings.TrimSpace(credsJSON) != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(credsJSON)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("gcs client: %w", err)
	}
	if _, err := client.Bucket(bucket).Attrs(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("gcs bucket %q not found or not accessible: %w", bucket, err)
	}
	return &GCSStorage{client: client, bucket: bucket, publicBase: publicBaseURL(bucket, publicBase)}, nil
}

// Put uploads r and returns the object's public URL.
func (s *GCSStorage) Put(ctx context.Context, object string, r io.Reader, contentType string) (string, error) {
	w := s.client.Bucket(s.bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	w.CacheControl = "public, max-age=31536000, immutable"
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", object, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("close writer: %w", err)
	}
	return s.publicBase + "/" + object, nil
}

// Close releases the underlying client.
func (s *GCSStorage) Close() error { return s.client.Close() }

func publicBaseURL(bucket, override string) string {
	if o := strings.TrimRight(strings.TrimSpace(override), "/"); o != "" {
		return o
	}
	return "https://storage.googleapis.com/" + bucket
}
