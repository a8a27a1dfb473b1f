// Package config holds the tunable knobs of the search subsystem, loaded
// from YAML with validated defaults.
package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SnapshotConfig controls the versioned snapshot window.
type SnapshotConfig struct {
	// MaxTransactionWindow is the trailing time window of snapshot
	// versions kept in memory, e.g. "10s". Transactions may begin at any
	// timestamp inside this window.
	MaxTransactionWindow string `yaml:"max_transaction_window"`
}

// CompactionConfig controls segment selection for the search index
// compactor.
type CompactionConfig struct {
	SmallSegmentThresholdBytes uint64  `yaml:"small_segment_threshold_bytes"`
	MaxSegmentSizeBytes        uint64  `yaml:"max_segment_size_bytes"`
	MinCompactionSegments      int     `yaml:"min_compaction_segments"`
	MaxCompactionSegments      int     `yaml:"max_compaction_segments"`
	MaxDeletedPercentage       float64 `yaml:"max_deleted_percentage"`
	CheckInterval              string  `yaml:"check_interval"`
}

// ArchiveCacheConfig controls the local disk cache of extracted segment
// archives.
type ArchiveCacheConfig struct {
	Directory            string `yaml:"directory"`
	MaxSizeBytes         uint64 `yaml:"max_size_bytes"`
	MaxConcurrentFetches int    `yaml:"max_concurrent_fetches"`
	FetchTimeout         string `yaml:"fetch_timeout"`
}

// SegmentConfig controls how new segments are written.
type SegmentConfig struct {
	Compression string `yaml:"compression"`
}

// Config is the root configuration of the search subsystem.
type Config struct {
	Snapshot     SnapshotConfig     `yaml:"snapshot"`
	Compaction   CompactionConfig   `yaml:"compaction"`
	ArchiveCache ArchiveCacheConfig `yaml:"archive_cache"`
	Segment      SegmentConfig      `yaml:"segment"`
}

// DefaultConfig returns the configuration used when no file is provided.
func DefaultConfig() *Config {
	return &Config{
		Snapshot: SnapshotConfig{
			MaxTransactionWindow: "10s",
		},
		Compaction: CompactionConfig{
			SmallSegmentThresholdBytes: 10 * 1024 * 1024,
			MaxSegmentSizeBytes:        250 * 1024 * 1024,
			MinCompactionSegments:      3,
			MaxCompactionSegments:      10,
			MaxDeletedPercentage:       0.20,
			CheckInterval:              "60s",
		},
		ArchiveCache: ArchiveCacheConfig{
			Directory:            "archive_cache",
			MaxSizeBytes:         10 * 1024 * 1024 * 1024,
			MaxConcurrentFetches: 4,
			FetchTimeout:         "300s",
		},
		Segment: SegmentConfig{
			Compression: "snappy",
		},
	}
}

// Load parses a YAML configuration from r on top of the defaults.
func Load(r io.Reader) (*Config, error) {
	cfg := DefaultConfig()
	decoder := yaml.NewDecoder(r)
	if err := decoder.Decode(cfg); err != nil && err != io.EOF {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile reads and parses the YAML configuration at path.
func LoadFromFile(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open config file %s: %w", path, err)
	}
	defer f.Close()
	return Load(f)
}

// Validate checks cross-field constraints and duration syntax.
func (c *Config) Validate() error {
	if _, err := c.MaxTransactionWindow(); err != nil {
		return err
	}
	if _, err := c.CompactionCheckInterval(); err != nil {
		return err
	}
	if _, err := c.ArchiveFetchTimeout(); err != nil {
		return err
	}
	if c.Compaction.MinCompactionSegments < 2 {
		return fmt.Errorf("compaction.min_compaction_segments must be at least 2, got %d", c.Compaction.MinCompactionSegments)
	}
	if c.Compaction.MaxCompactionSegments < c.Compaction.MinCompactionSegments {
		return fmt.Errorf("compaction.max_compaction_segments (%d) must not be below min_compaction_segments (%d)",
			c.Compaction.MaxCompactionSegments, c.Compaction.MinCompactionSegments)
	}
	if c.Compaction.MaxDeletedPercentage <= 0 || c.Compaction.MaxDeletedPercentage >= 1 {
		return fmt.Errorf("compaction.max_deleted_percentage must be in (0, 1), got %f", c.Compaction.MaxDeletedPercentage)
	}
	if c.Compaction.MaxSegmentSizeBytes == 0 {
		return fmt.Errorf("compaction.max_segment_size_bytes must be positive")
	}
	if c.ArchiveCache.MaxConcurrentFetches <= 0 {
		return fmt.Errorf("archive_cache.max_concurrent_fetches must be positive, got %d", c.ArchiveCache.MaxConcurrentFetches)
	}
	return nil
}

func (c *Config) parseDuration(field, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid duration for %s: %q: %w", field, value, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration for %s must be positive, got %q", field, value)
	}
	return d, nil
}

// MaxTransactionWindow returns the parsed snapshot window duration.
func (c *Config) MaxTransactionWindow() (time.Duration, error) {
	return c.parseDuration("snapshot.max_transaction_window", c.Snapshot.MaxTransactionWindow)
}

// CompactionCheckInterval returns the parsed compactor interval.
func (c *Config) CompactionCheckInterval() (time.Duration, error) {
	return c.parseDuration("compaction.check_interval", c.Compaction.CheckInterval)
}

// ArchiveFetchTimeout returns the parsed archive fetch timeout.
func (c *Config) ArchiveFetchTimeout() (time.Duration, error) {
	return c.parseDuration("archive_cache.fetch_timeout", c.ArchiveCache.FetchTimeout)
}
