package snapshot

import (
	"expvar"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/searchindex"
)

// DefaultMaxTransactionWindow is how far back point-in-time reads may
// reach by default.
const DefaultMaxTransactionWindow = 10 * time.Second

type version struct {
	ts   core.Timestamp
	snap *Snapshot
}

// Manager owns the ordered window of database snapshots. Readers pick a
// timestamp and get the snapshot in effect at that instant; writers push
// strictly newer snapshots and old versions fall off the back of the
// window.
type Manager struct {
	mu     sync.RWMutex
	window core.Timestamp

	versions []version

	// persistedMaxRepeatableTs is the highest timestamp known durable
	// enough that queries at or below it never need a retry.
	persistedMaxRepeatableTs core.Timestamp

	logger *slog.Logger

	pushesTotal    *expvar.Int
	evictionsTotal *expvar.Int
}

// NewManager starts the window with one snapshot at initialTs.
func NewManager(initialTs core.Timestamp, initial *Snapshot, window time.Duration, logger *slog.Logger) *Manager {
	if window <= 0 {
		window = DefaultMaxTransactionWindow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		window:                   core.Timestamp(window.Nanoseconds()),
		versions:                 []version{{ts: initialTs, snap: initial}},
		persistedMaxRepeatableTs: initialTs,
		logger:                   logger.With("component", "SnapshotManager"),
	}
}

// SetMetricsCounters wires externally registered expvar counters.
func (m *Manager) SetMetricsCounters(pushesTotal, evictionsTotal *expvar.Int) {
	m.pushesTotal = pushesTotal
	m.evictionsTotal = evictionsTotal
}

// Latest returns the newest version.
func (m *Manager) Latest() (core.Timestamp, *Snapshot) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	last := m.versions[len(m.versions)-1]
	return last.ts, last.snap
}

// LatestTs returns the newest version's timestamp.
func (m *Manager) LatestTs() core.Timestamp {
	ts, _ := m.Latest()
	return ts
}

// LatestSnapshot returns the newest snapshot.
func (m *Manager) LatestSnapshot() *Snapshot {
	_, snap := m.Latest()
	return snap
}

// NumVersions reports how many versions the window currently retains.
func (m *Manager) NumVersions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.versions)
}

// SnapshotAt returns the snapshot in effect at ts: the version with the
// greatest timestamp at or below ts. A ts before the retained window is
// a retryable error; a ts beyond the latest version is a caller bug and
// reported as a consistency violation.
func (m *Manager) SnapshotAt(ts core.Timestamp) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	earliest := m.versions[0].ts
	latest := m.versions[len(m.versions)-1].ts
	if ts < earliest {
		return nil, core.NewTimestampTooEarlyError(ts, earliest)
	}
	if ts > latest {
		return nil, core.NewConsistencyError("snapshot requested at %v, but latest is %v", ts, latest)
	}

	// First version with ts' > ts; the one before it is the answer.
	i := sort.Search(len(m.versions), func(i int) bool {
		return m.versions[i].ts > ts
	})
	return m.versions[i-1].snap, nil
}

// Push appends a strictly newer version, then evicts versions that have
// fallen out of the window. At least one version always remains.
func (m *Manager) Push(ts core.Timestamp, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	latest := m.versions[len(m.versions)-1].ts
	if ts <= latest {
		return core.NewConsistencyError("push at %v does not advance latest %v", ts, latest)
	}
	m.pushLocked(ts, snap)
	return nil
}

func (m *Manager) pushLocked(ts core.Timestamp, snap *Snapshot) {
	m.versions = append(m.versions, version{ts: ts, snap: snap})
	if m.pushesTotal != nil {
		m.pushesTotal.Add(1)
	}

	evicted := 0
	for len(m.versions) > 1 && ts.Sub(m.versions[0].ts) > m.window {
		m.versions[0].snap = nil
		m.versions = m.versions[1:]
		evicted++
	}
	if evicted > 0 {
		if m.evictionsTotal != nil {
			m.evictionsTotal.Add(int64(evicted))
		}
		m.logger.Debug("evicted snapshot versions", "evicted", evicted, "retained", len(m.versions))
	}
}

// Commit applies one document mutation to the latest snapshot and
// pushes the result at ts. This is the foreground commit entry point.
func (m *Manager) Commit(update core.DocumentUpdate, indexUpdates []core.DatabaseIndexUpdate, ts core.Timestamp) (*Snapshot, error) {
	_, latest := m.Latest()
	next, err := latest.Update(update, ts, indexUpdates)
	if err != nil {
		return nil, err
	}
	if err := m.Push(ts, next); err != nil {
		return nil, err
	}
	return next, nil
}

// OverwriteLastSnapshotSearchIndexes swaps freshly loaded search index
// managers into the latest version in place, without minting a new
// timestamp. Reserved for asynchronous index warm-loading; the commit
// path must never use it.
func (m *Manager) OverwriteLastSnapshotSearchIndexes(text, vector *searchindex.Manager) {
	m.mu.Lock()
	defer m.mu.Unlock()
	last := m.versions[len(m.versions)-1].snap
	if text != nil {
		last.Text = text
	}
	if vector != nil {
		last.Vector = vector
	}
}

// OverwriteLastSnapshotInMemoryIndexes swaps a freshly loaded ordinary
// index cache into the latest version in place. Same restriction as
// OverwriteLastSnapshotSearchIndexes.
func (m *Manager) OverwriteLastSnapshotInMemoryIndexes(indexes *InMemoryIndexes) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[len(m.versions)-1].snap.Indexes = indexes
}

// OverwriteLastSnapshotTableSummaries swaps recomputed table summaries
// into the latest version in place. Same restriction as above.
func (m *Manager) OverwriteLastSnapshotTableSummaries(summaries *TableSummaries) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.versions[len(m.versions)-1].snap.Summaries = summaries
}

// BumpPersistedMaxRepeatableTs advances the durable high-water mark by
// pushing the latest snapshot again at ts, with no data changes. A ts
// at or below the latest version is a no-op; the mark never moves
// backwards.
func (m *Manager) BumpPersistedMaxRepeatableTs(ts core.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ts < m.persistedMaxRepeatableTs {
		return core.NewConsistencyError("persisted max repeatable ts moves backwards: %v after %v",
			ts, m.persistedMaxRepeatableTs)
	}
	latest := m.versions[len(m.versions)-1]
	if ts > latest.ts {
		m.pushLocked(ts, latest.snap)
		m.persistedMaxRepeatableTs = ts
	}
	return nil
}

// PersistedMaxRepeatableTs returns the durable high-water mark.
func (m *Manager) PersistedMaxRepeatableTs() core.Timestamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.persistedMaxRepeatableTs
}
