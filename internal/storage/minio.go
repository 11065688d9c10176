package storage

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// ResourceStore is the external CDN-backed object store the engine performs
// housekeeping against. CreatePlaceholder reserves a media directory for a
// document before its first save; DeletePlaceholder is the compensating
// action when the save is rejected.
type ResourceStore interface {
	CreatePlaceholder(ctx context.Context, path string) error
	DeletePlaceholder(ctx context.Context, path string) error
}

// MediaPath returns the upload directory reserved for a document.
func MediaPath(documentID string) string {
	return "media/" + documentID + "/"
}

// MinIOStorage is a thin wrapper around the minio client used by services.
type MinIOStorage struct {
	client *minio.Client
	bucket string
}

// NewMinIOStorage creates a new MinIO storage client and ensures the bucket exists.
func NewMinIOStorage(cfg *MinIOConfig) (*MinIOStorage, error) {
	if cfg == nil || cfg.Endpoint == "" {
		return nil, fmt.Errorf("minio config missing")
	}
	mc, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio new: %w", err)
	}
	s := &MinIOStorage{client: mc, bucket: cfg.Bucket}
	// ensure bucket exists (idempotent)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := mc.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		// ignore "already exists" style errors
		exist, xerr := mc.BucketExists(ctx, s.bucket)
		if xerr != nil || !exist {
			return nil, fmt.Errorf("minio bucket ensure: %w", err)
		}
	}
	return s, nil
}

// CreatePlaceholder writes a zero-byte keep object so the directory prefix
// exists before the first media upload lands in it.
func (s *MinIOStorage) CreatePlaceholder(ctx context.Context, path string) error {
	key := placeholderKey(path)
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(nil), 0, minio.PutObjectOptions{ContentType: "application/octet-stream"})
	if err != nil {
		return fmt.Errorf("create placeholder %s: %w", key, err)
	}
	return nil
}

// DeletePlaceholder removes the keep object again. Missing objects are not an
// error; the compensation path may run after a partially failed create.
func (s *MinIOStorage) DeletePlaceholder(ctx context.Context, path string) error {
	key := placeholderKey(path)
	err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.Code == "NoSuchKey" {
			return nil
		}
		return fmt.Errorf("delete placeholder %s: %w", key, err)
	}
	return nil
}

func placeholderKey(path string) string {
	return strings.TrimSuffix(path, "/") + "/.keep"
}

// MemoryResourceStore records placeholder paths in memory for tests.
type MemoryResourceStore struct {
	mu    sync.Mutex
	paths map[string]bool

	// FailCreate makes CreatePlaceholder fail, FailDelete makes the
	// compensation path fail; both for error-propagation tests.
	FailCreate error
	FailDelete error
}

func NewMemoryResourceStore() *MemoryResourceStore {
	return &MemoryResourceStore{paths: map[string]bool{}}
}

func (s *MemoryResourceStore) CreatePlaceholder(_ context.Context, path string) error {
	if s.FailCreate != nil {
		return s.FailCreate
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paths[path] = true
	return nil
}

func (s *MemoryResourceStore) DeletePlaceholder(_ context.Context, path string) error {
	if s.FailDelete != nil {
		return s.FailDelete
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.paths, path)
	return nil
}

// Has reports whether a placeholder currently exists (test assertion helper).
func (s *MemoryResourceStore) Has(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.paths[path]
}

// Count returns the number of live placeholders (test assertion helper).
func (s *MemoryResourceStore) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.paths)
}
