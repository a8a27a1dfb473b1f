// Package storage defines the durable object storage contract consumed by
// the search subsystem. Segment archives are opaque blobs addressed by
// generated keys; this subsystem never lists or mutates existing objects.
package storage

import (
	"bytes"
	"context"
	"fmt"
	"io"
)

// Key addresses one stored object.
type Key string

// CacheKey is a storage-instance-scoped cache key: two storages holding
// different objects under the same Key produce distinct CacheKeys.
type CacheKey string

// Storage is the durable object storage collaborator. Failures surface as
// retryable I/O errors.
type Storage interface {
	// Get opens the object stored under key. Returns an error wrapping
	// core.ErrNotFound if the key does not exist.
	Get(ctx context.Context, key Key) (io.ReadCloser, error)
	// Put stores the contents of r under a fresh key.
	Put(ctx context.Context, r io.Reader) (Key, error)
	// CacheKey returns the storage-scoped cache key for key.
	CacheKey(key Key) CacheKey
}

// PutBytes stores data under a fresh key.
func PutBytes(ctx context.Context, s Storage, data []byte) (Key, error) {
	return s.Put(ctx, bytes.NewReader(data))
}

// GetBytes reads the whole object stored under key.
func GetBytes(ctx context.Context, s Storage, key Key) ([]byte, error) {
	r, err := s.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading object %s: %w", key, err)
	}
	return data, nil
}
