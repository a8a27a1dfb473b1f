package archive

import (
	"archive/tar"
	"archive/zip"
	"context"
	"expvar"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/hooks"
	"github.com/INLOpen/nexussearch/storage"
)

// DefaultCleanerQueueSize bounds how many evicted directories may await
// deletion before eviction starts blocking.
const DefaultCleanerQueueSize = 128

// CacheManager materializes remote segment archives on local disk.
// Concurrent requests for the same key share one fetch; total on-disk
// size is bounded by LRU eviction, and evicted directories are removed
// by a background cleaner.
type CacheManager struct {
	dir          string
	fetchTimeout time.Duration

	lru     *sizedLRU
	flight  singleflight.Group
	sem     *semaphore.Weighted
	cleaner *cleaner
	hooks   hooks.HookManager
	logger  *slog.Logger
	tracer  trace.Tracer

	fetchesTotal   *expvar.Int
	fetchErrors    *expvar.Int
	evictionsTotal *expvar.Int
}

// NewCacheManager creates the cache rooted at dir, creating it if
// needed. hookManager may be nil.
func NewCacheManager(dir string, maxSizeBytes int64, maxConcurrentFetches int64, fetchTimeout time.Duration, hookManager hooks.HookManager, logger *slog.Logger) (*CacheManager, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating archive cache directory %s: %w", dir, err)
	}
	m := &CacheManager{
		dir:          dir,
		fetchTimeout: fetchTimeout,
		sem:          semaphore.NewWeighted(maxConcurrentFetches),
		hooks:        hookManager,
		logger:       logger.With("component", "ArchiveCacheManager"),
	}
	m.cleaner = newCleaner(DefaultCleanerQueueSize, m.logger)
	m.lru = newSizedLRU(maxSizeBytes, m.onEvicted)
	return m, nil
}

// SetTracer wires an OpenTelemetry tracer for fetch spans.
func (m *CacheManager) SetTracer(tracer trace.Tracer) {
	m.tracer = tracer
}

// SetMetricsCounters wires externally registered expvar counters.
func (m *CacheManager) SetMetricsCounters(fetchesTotal, fetchErrors, evictionsTotal, hits, misses *expvar.Int) {
	m.fetchesTotal = fetchesTotal
	m.fetchErrors = fetchErrors
	m.evictionsTotal = evictionsTotal
	m.lru.SetMetrics(hits, misses)
}

// Close stops the cleanup worker after draining pending deletions.
func (m *CacheManager) Close() {
	m.cleaner.Stop()
}

// UsedBytes reports the total size of cached entries.
func (m *CacheManager) UsedBytes() int64 { return m.lru.UsedBytes() }

// Len reports the number of cached entries.
func (m *CacheManager) Len() int { return m.lru.Len() }

func (m *CacheManager) onEvicted(entry cacheEntry) {
	if m.evictionsTotal != nil {
		m.evictionsTotal.Add(1)
	}
	if m.hooks != nil {
		event := hooks.NewCacheEvictionEvent(hooks.CacheEvictionPayload{
			Key:       entry.key,
			Path:      entry.path,
			SizeBytes: entry.size,
		})
		if err := m.hooks.Trigger(context.Background(), event); err != nil {
			m.logger.Warn("cache eviction hook failed", "key", entry.key, "error", err)
		}
	}
	m.logger.Debug("evicting cache entry",
		"key", entry.key, "size", humanize.IBytes(uint64(entry.size)))
	m.cleaner.Schedule(entry.path)
}

func compositeKey(store storage.Storage, key storage.Key, fileType FileType, single bool) string {
	suffix := "dir"
	if single {
		suffix = "file"
	}
	return fmt.Sprintf("%s|%s|%s", store.CacheKey(key), fileType, suffix)
}

// Get materializes the archive stored under key as an extracted local
// directory and returns its path. Concurrent calls for the same key
// share one fetch.
func (m *CacheManager) Get(ctx context.Context, store storage.Storage, key storage.Key, fileType FileType) (string, error) {
	return m.get(ctx, store, key, fileType, false)
}

// GetSingleFile materializes the raw object stored under key as a
// single local file and returns its path. Used for objects that are not
// archives, like id trackers and bitsets.
func (m *CacheManager) GetSingleFile(ctx context.Context, store storage.Storage, key storage.Key, fileType FileType) (string, error) {
	return m.get(ctx, store, key, fileType, true)
}

func (m *CacheManager) get(ctx context.Context, store storage.Storage, key storage.Key, fileType FileType, single bool) (string, error) {
	ck := compositeKey(store, key, fileType, single)
	if path, ok := m.lru.Get(ck); ok {
		return path, nil
	}

	v, err, _ := m.flight.Do(ck, func() (any, error) {
		// A racing caller may have finished between our miss and here.
		if path, ok := m.lru.Get(ck); ok {
			return path, nil
		}
		path, size, err := m.fetch(ctx, store, key, fileType, single)
		if err != nil {
			return nil, err
		}
		m.lru.Put(ck, path, size)
		return path, nil
	})
	if err != nil {
		if m.fetchErrors != nil {
			m.fetchErrors.Add(1)
		}
		return "", err
	}
	return v.(string), nil
}

// fetch downloads and materializes one entry. The fetch timeout applies
// end to end and is independent of the caller's context lifetime, so a
// cancelled waiter does not abort the fetch other waiters share.
func (m *CacheManager) fetch(ctx context.Context, store storage.Storage, key storage.Key, fileType FileType, single bool) (path string, size int64, err error) {
	fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.fetchTimeout)
	defer cancel()

	if m.tracer != nil {
		var span trace.Span
		fctx, span = m.tracer.Start(fctx, "ArchiveCacheManager.fetch")
		span.SetAttributes(
			attribute.String("archive.key", string(key)),
			attribute.String("archive.file_type", fileType.String()),
		)
		defer func() {
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
			}
			span.End()
		}()
	}

	if err := m.sem.Acquire(fctx, 1); err != nil {
		return "", 0, core.NewRetryableError("archive fetch admission", err)
	}
	defer m.sem.Release(1)

	if m.fetchesTotal != nil {
		m.fetchesTotal.Add(1)
	}

	target := filepath.Join(m.dir, uuid.NewString())
	defer func() {
		if err != nil {
			// Best-effort async cleanup of the partial entry.
			m.cleaner.Schedule(target)
		}
	}()

	body, err := store.Get(fctx, key)
	if err != nil {
		return "", 0, fmt.Errorf("fetching archive %s: %w", key, err)
	}
	defer body.Close()

	switch {
	case single:
		size, err = writeSingleFile(target, body)
	case fileType.isTarArchive():
		size, err = extractTar(target, body)
	default:
		size, err = extractZip(target, body)
	}
	if err != nil {
		return "", 0, fmt.Errorf("materializing archive %s: %w", key, err)
	}
	if fctx.Err() != nil {
		return "", 0, core.NewRetryableError("archive fetch", fctx.Err())
	}

	if fileType.IsImmutable() {
		if err := markReadOnly(target); err != nil {
			return "", 0, fmt.Errorf("marking %s read-only: %w", target, err)
		}
	}

	m.logger.Info("archive cached",
		"key", key,
		"type", fileType.String(),
		"size", humanize.IBytes(uint64(size)))
	return target, size, nil
}

func writeSingleFile(path string, r io.Reader) (int64, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return 0, err
	}
	size, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return size, err
}

// extractZip spools the archive to a temporary file (the zip format
// needs random access) and extracts it into dir.
func extractZip(dir string, r io.Reader) (int64, error) {
	tmp, err := os.CreateTemp(filepath.Dir(dir), "archive-*.zip")
	if err != nil {
		return 0, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if _, err := io.Copy(tmp, r); err != nil {
		return 0, err
	}
	zr, err := zip.OpenReader(tmp.Name())
	if err != nil {
		return 0, fmt.Errorf("%w: opening zip: %v", core.ErrCorrupted, err)
	}
	defer zr.Close()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	var total int64
	for _, f := range zr.File {
		target, err := entryPath(dir, f.Name)
		if err != nil {
			return 0, err
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return 0, err
		}
		src, err := f.Open()
		if err != nil {
			return 0, err
		}
		n, err := writeSingleFile(target, src)
		src.Close()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// extractTar unpacks a tar stream into dir.
func extractTar(dir string, r io.Reader) (int64, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, err
	}
	tr := tar.NewReader(r)
	var total int64
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return 0, fmt.Errorf("%w: reading tar: %v", core.ErrCorrupted, err)
		}
		target, err := entryPath(dir, hdr.Name)
		if err != nil {
			return 0, err
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return 0, err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return 0, err
			}
			n, err := writeSingleFile(target, tr)
			if err != nil {
				return 0, err
			}
			total += n
		default:
			return 0, fmt.Errorf("%w: unsupported tar entry type %d for %s",
				core.ErrCorrupted, hdr.Typeflag, hdr.Name)
		}
	}
}

// entryPath joins an archive member name under dir, rejecting names
// that escape it.
func entryPath(dir, name string) (string, error) {
	target := filepath.Join(dir, filepath.Clean("/"+name))
	if target == dir {
		return dir, nil
	}
	if !strings.HasPrefix(target, dir+string(os.PathSeparator)) {
		return "", fmt.Errorf("%w: archive entry %q escapes extraction directory", core.ErrCorrupted, name)
	}
	return target, nil
}

// markReadOnly strips write permission from path and everything under
// it.
func markReadOnly(path string) error {
	return filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return os.Chmod(p, 0o555)
		}
		return os.Chmod(p, 0o444)
	})
}
