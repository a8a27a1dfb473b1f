package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/google/uuid"

	"github.com/INLOpen/nexussearch/core"
)

// LocalDirStorage stores objects as files in a local directory. It is the
// storage implementation used by background workers on single-node
// deployments and by tests.
type LocalDirStorage struct {
	dir    string
	logger *slog.Logger
}

var _ Storage = (*LocalDirStorage)(nil)

// NewLocalDirStorage creates the directory if needed and returns a storage
// rooted at it.
func NewLocalDirStorage(dir string, logger *slog.Logger) (*LocalDirStorage, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage directory %s: %w", dir, err)
	}
	return &LocalDirStorage{dir: dir, logger: logger}, nil
}

func (s *LocalDirStorage) Get(ctx context.Context, key Key) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(filepath.Join(s.dir, string(key)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("object %s: %w", key, core.ErrNotFound)
		}
		return nil, core.NewRetryableError("storage get", fmt.Errorf("opening object %s: %w", key, err))
	}
	return f, nil
}

func (s *LocalDirStorage) Put(ctx context.Context, r io.Reader) (Key, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	key := Key(uuid.New().String())
	path := filepath.Join(s.dir, string(key))
	tmpPath := path + ".tmp"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", core.NewRetryableError("storage put", fmt.Errorf("creating object file: %w", err))
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(tmpPath)
		return "", core.NewRetryableError("storage put", fmt.Errorf("writing object %s: %w", key, err))
	}
	if err := f.Close(); err != nil {
		os.Remove(tmpPath)
		return "", core.NewRetryableError("storage put", fmt.Errorf("closing object %s: %w", key, err))
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return "", core.NewRetryableError("storage put", fmt.Errorf("publishing object %s: %w", key, err))
	}
	s.logger.Debug("Stored object.", "key", key)
	return key, nil
}

func (s *LocalDirStorage) CacheKey(key Key) CacheKey {
	return CacheKey(s.dir + "|" + string(key))
}
