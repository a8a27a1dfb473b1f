package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	window, err := cfg.MaxTransactionWindow()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, window)

	interval, err := cfg.CompactionCheckInterval()
	require.NoError(t, err)
	assert.Equal(t, time.Minute, interval)
}

func TestLoadOverridesDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(`
snapshot:
  max_transaction_window: 30s
compaction:
  min_compaction_segments: 4
archive_cache:
  fetch_timeout: 12s
`))
	require.NoError(t, err)

	window, err := cfg.MaxTransactionWindow()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, window)
	assert.Equal(t, 4, cfg.Compaction.MinCompactionSegments)

	timeout, err := cfg.ArchiveFetchTimeout()
	require.NoError(t, err)
	assert.Equal(t, 12*time.Second, timeout)

	// Untouched fields keep their defaults.
	assert.Equal(t, "snappy", cfg.Segment.Compression)
}

func TestLoadEmptyInputYieldsDefaults(t *testing.T) {
	cfg, err := Load(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad window", func(c *Config) { c.Snapshot.MaxTransactionWindow = "soon" }},
		{"negative window", func(c *Config) { c.Snapshot.MaxTransactionWindow = "-5s" }},
		{"min below two", func(c *Config) { c.Compaction.MinCompactionSegments = 1 }},
		{"max below min", func(c *Config) { c.Compaction.MaxCompactionSegments = 2 }},
		{"deleted fraction too high", func(c *Config) { c.Compaction.MaxDeletedPercentage = 1.5 }},
		{"zero segment size", func(c *Config) { c.Compaction.MaxSegmentSizeBytes = 0 }},
		{"zero fetches", func(c *Config) { c.ArchiveCache.MaxConcurrentFetches = 0 }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
