package archive

import (
	"context"
	"io"
	"os"

	"github.com/INLOpen/nexussearch/segment"
	"github.com/INLOpen/nexussearch/storage"
)

// CachedFetcher serves segment component reads through the archive
// cache, so repeated opens of the same segment hit local disk.
type CachedFetcher struct {
	cache    *CacheManager
	store    storage.Storage
	fileType FileType
}

var _ segment.Fetcher = (*CachedFetcher)(nil)

// NewCachedFetcher builds a fetcher that caches objects under fileType.
func NewCachedFetcher(cache *CacheManager, store storage.Storage, fileType FileType) *CachedFetcher {
	return &CachedFetcher{cache: cache, store: store, fileType: fileType}
}

// Fetch returns a reader over the locally cached copy of key.
func (f *CachedFetcher) Fetch(ctx context.Context, key storage.Key) (io.ReadCloser, error) {
	path, err := f.cache.GetSingleFile(ctx, f.store, key, f.fileType)
	if err != nil {
		return nil, err
	}
	return os.Open(path)
}
