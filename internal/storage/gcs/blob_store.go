// Package gcs stores crawled page bodies in Google Cloud Storage.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"
)

// Config selects the bucket and upload behavior.
type Config struct {
	Bucket string
	// ChunkSize is passed to the object writer; 0 sends each body in a single request.
	ChunkSize int
	// CacheControl is set on every object when non-empty.
	CacheControl string
}

// BlobStore uploads page bodies as objects named by their blob path.
type BlobStore struct {
	client *storage.Client
	cfg    Config
}

// New creates a GCS-backed blob store. The client stays owned by the caller.
func New(client *storage.Client, cfg Config) (*BlobStore, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	if cfg.ChunkSize < 0 {
		cfg.ChunkSize = 0
	}
	return &BlobStore{client: client, cfg: cfg}, nil
}

// PutObject uploads data to path, replacing any earlier crawl of the same URL,
// and returns its gs:// URI.
func (s *BlobStore) PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error) {
	name := strings.TrimLeft(strings.TrimSpace(path), "/")
	if name == "" {
		return "", errors.New("path is required")
	}

	// Canceling the writer's context is the only way to abort a partial upload.
	uploadCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := s.client.Bucket(s.cfg.Bucket).Object(name).NewWriter(uploadCtx)
	w.ChunkSize = s.cfg.ChunkSize
	if contentType != "" {
		w.ContentType = contentType
	}
	if s.cfg.CacheControl != "" {
		w.CacheControl = s.cfg.CacheControl
	}

	if _, err := io.Copy(w, data); err != nil {
		cancel()
		_ = w.Close()
		return "", fmt.Errorf("upload %s: %w", name, err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize %s: %w", name, err)
	}
	return fmt.Sprintf("gs://%s/%s", s.cfg.Bucket, name), nil
}
