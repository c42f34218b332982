// Package gcs stores snapshots as a single Google Cloud Storage object.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"cloud.google.com/go/storage"

	"github.com/JakeFAU/chunkwatch/internal/monitor"
	"github.com/JakeFAU/chunkwatch/internal/snapshot"
)

// Config captures the snapshot object location.
type Config struct {
	Bucket string
	Object string
}

// Store implements snapshot.Store on a GCS object.
type Store struct {
	client *storage.Client
	bucket string
	object string
}

// New creates a GCS-backed snapshot store.
func New(client *storage.Client, cfg Config) (*Store, error) {
	if client == nil {
		return nil, errors.New("storage client is required")
	}
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("bucket name is required")
	}
	if strings.TrimSpace(cfg.Object) == "" {
		cfg.Object = "chunkwatch/state.json"
	}
	return &Store{client: client, bucket: cfg.Bucket, object: cfg.Object}, nil
}

// Backend implements snapshot.Store.
func (s *Store) Backend() string {
	return "gcs"
}

// Load downloads the snapshot; a missing object yields an empty State.
func (s *Store) Load(ctx context.Context) (*monitor.State, error) {
	r, err := s.client.Bucket(s.bucket).Object(s.object).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return monitor.NewState(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("open gs://%s/%s: %w", s.bucket, s.object, err)
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read gs://%s/%s: %w", s.bucket, s.object, err)
	}
	st, err := snapshot.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("gs://%s/%s: %w", s.bucket, s.object, err)
	}
	return st, nil
}

// Save uploads st, replacing the object in one write.
func (s *Store) Save(ctx context.Context, st *monitor.State) error {
	data, err := snapshot.Encode(st)
	if err != nil {
		return err
	}
	writer := s.client.Bucket(s.bucket).Object(s.object).NewWriter(ctx)
	writer.ContentType = "application/json"
	if _, err := writer.Write(data); err != nil {
		if closeErr := writer.Close(); closeErr != nil {
			return fmt.Errorf("write object: %w (close writer: %v)", err, closeErr)
		}
		return fmt.Errorf("write object: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("close writer: %w", err)
	}
	return nil
}

// Close closes the storage client.
func (s *Store) Close() error {
	return s.client.Close()
}
