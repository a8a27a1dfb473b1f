package archive

import (
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
)

// cleaner deletes evicted cache directories off the caller's path. A
// directory that cannot be deleted is fatal: silently leaking disk
// space until the volume fills is worse than restarting the process.
type cleaner struct {
	jobs   chan string
	logger *slog.Logger

	stopOnce sync.Once
	done     chan struct{}
}

func newCleaner(queueSize int, logger *slog.Logger) *cleaner {
	c := &cleaner{
		jobs:   make(chan string, queueSize),
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.run()
	return c
}

// Schedule queues path for deletion. Blocks when the queue is full so
// eviction cannot outrun deletion unboundedly.
func (c *cleaner) Schedule(path string) {
	c.jobs <- path
}

// Stop drains the queue and waits for the worker to exit.
func (c *cleaner) Stop() {
	c.stopOnce.Do(func() {
		close(c.jobs)
	})
	<-c.done
}

func (c *cleaner) run() {
	defer close(c.done)
	for path := range c.jobs {
		if err := removeAll(path); err != nil {
			panic(fmt.Sprintf("archive cache cleanup of %s failed: %v", path, err))
		}
		c.logger.Debug("removed evicted cache directory", "path", path)
	}
}

// removeAll deletes path recursively, first stripping any read-only
// permissions left by immutable extraction.
func removeAll(path string) error {
	if _, err := os.Lstat(path); os.IsNotExist(err) {
		return nil
	}
	err := filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		return os.Chmod(p, info.Mode().Perm()|0o700)
	})
	if err != nil {
		return err
	}
	return os.RemoveAll(path)
}
