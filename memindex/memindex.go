// Package memindex holds the in-memory write-ahead portion of a search
// index: every revision committed after the last disk snapshot, indexed
// for querying, plus the tombstones and statistics diffs needed to
// overlay those revisions on top of older disk segments.
package memindex

import (
	"sort"
	"sync"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/nexussearch/core"
)

// DocumentTerms is the tokenized form of one document revision.
type DocumentTerms struct {
	Terms        []core.DocumentTerm
	CreationTime core.Timestamp
}

type docEntry struct {
	localID      uint64
	ts           core.Timestamp
	creationTime core.Timestamp
	// termFreqs covers every field of the document, search and filter alike.
	termFreqs map[TermID]uint64
	// numSearchTokens is the total token count of the search field,
	// duplicates included. Used as the length norm when scoring.
	numSearchTokens uint64
}

type tombstone struct {
	ts        core.Timestamp
	id        core.DocumentID
	termFreqs map[TermID]uint64
}

// tsStats records, per commit timestamp, how that transaction changed the
// index-wide term statistics. Summing entries newer than a disk snapshot
// yields the diff to apply on top of the snapshot's persisted statistics.
type tsStats struct {
	ts             core.Timestamp
	termDiffs      map[TermID]int64
	numDocsDiff    int64
	numTokensDiff  int64
}

// StatisticsDiff is the aggregate change in BM25 statistics since a given
// disk snapshot timestamp.
type StatisticsDiff struct {
	TermFrequencies map[string]int64
	NumDocuments    int64
	NumSearchTokens int64
}

// MemoryIndex indexes all document revisions in the half-open interval
// (minTs, maxTs]. It is safe for concurrent use.
type MemoryIndex struct {
	mu sync.RWMutex

	searchField string

	minTs core.Timestamp
	maxTs core.Timestamp

	terms *termTable
	docs  map[core.DocumentID]*docEntry
	// postings maps search-field terms to the local ids of live documents
	// containing them.
	postings    map[TermID]*roaring64.Bitmap
	localToDoc  map[uint64]core.DocumentID
	nextLocalID uint64

	// tombstones and stats are both kept in ascending timestamp order so
	// Truncate can pop from the front and queries can binary search.
	tombstones []tombstone
	stats      []*tsStats

	sizeBytes int
}

// New creates an empty index whose visibility window starts just past
// baseTs. searchField is the dotted path of the indexed text field.
func New(baseTs core.Timestamp, searchField string) *MemoryIndex {
	return &MemoryIndex{
		searchField: searchField,
		minTs:       baseTs,
		maxTs:       baseTs,
		terms:       newTermTable(),
		docs:        make(map[core.DocumentID]*docEntry),
		postings:    make(map[TermID]*roaring64.Bitmap),
		localToDoc:  make(map[uint64]core.DocumentID),
	}
}

func (m *MemoryIndex) SearchField() string { return m.searchField }

func (m *MemoryIndex) MinTs() core.Timestamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.minTs
}

func (m *MemoryIndex) MaxTs() core.Timestamp {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.maxTs
}

// NumTransactions reports how many distinct commit timestamps the index
// currently retains.
func (m *MemoryIndex) NumTransactions() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.stats)
}

// Size is an estimate of the heap held by the index, in bytes.
func (m *MemoryIndex) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sizeBytes
}

// Update applies one revision of a document at commit timestamp ts.
// old is the previous tokenized revision (nil on insert) and new is the
// tokenized replacement (nil on delete). ts must not precede any
// previously applied timestamp.
func (m *MemoryIndex) Update(id core.DocumentID, ts core.Timestamp, old, new *DocumentTerms) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ts < m.minTs {
		return core.NewConsistencyError("update at %v precedes index floor %v", ts, m.minTs)
	}
	if ts < m.maxTs {
		return core.NewConsistencyError("update at %v is older than latest update %v", ts, m.maxTs)
	}
	m.maxTs = ts

	stats, err := m.statsEntryFor(ts)
	if err != nil {
		return err
	}

	if old != nil {
		freqs, numSearch := m.internTerms(old.Terms)
		for termID, freq := range freqs {
			if _, ok := stats.termDiffs[termID]; !ok {
				// Each stats entry holds one reference per term it mentions.
				m.terms.incref(m.terms.terms[termID].key, 1)
				m.sizeBytes += 16
			}
			stats.termDiffs[termID] -= int64(freq)
		}
		stats.numDocsDiff--
		stats.numTokensDiff -= int64(numSearch)
		m.tombstones = append(m.tombstones, tombstone{ts: ts, id: id, termFreqs: freqs})
		m.sizeBytes += len(id) + 16
	}

	if entry, ok := m.docs[id]; ok {
		if err := m.dropEntry(id, entry); err != nil {
			return err
		}
	}

	if new != nil {
		freqs, numSearch := m.internTerms(new.Terms)
		for termID, freq := range freqs {
			if _, ok := stats.termDiffs[termID]; !ok {
				m.terms.incref(m.terms.terms[termID].key, 1)
				m.sizeBytes += 16
			}
			stats.termDiffs[termID] += int64(freq)
		}
		stats.numDocsDiff++
		stats.numTokensDiff += int64(numSearch)

		m.nextLocalID++
		entry := &docEntry{
			localID:         m.nextLocalID,
			ts:              ts,
			creationTime:    new.CreationTime,
			termFreqs:       freqs,
			numSearchTokens: numSearch,
		}
		m.docs[id] = entry
		m.localToDoc[entry.localID] = id
		for _, t := range new.Terms {
			if t.Field != m.searchField {
				continue
			}
			termID := m.terms.byKey[termKey(t.Field, t.Text)]
			bm, ok := m.postings[termID]
			if !ok {
				bm = roaring64.New()
				m.postings[termID] = bm
			}
			bm.Add(entry.localID)
		}
		m.sizeBytes += len(id) + len(freqs)*16 + 48
	}
	return nil
}

// statsEntryFor returns the stats bucket for ts, appending a fresh one
// when ts is newer than the last bucket.
func (m *MemoryIndex) statsEntryFor(ts core.Timestamp) (*tsStats, error) {
	if n := len(m.stats); n > 0 {
		last := m.stats[n-1]
		if last.ts == ts {
			return last, nil
		}
		if last.ts > ts {
			return nil, core.NewConsistencyError("statistics out of order: %v after %v", ts, last.ts)
		}
	}
	entry := &tsStats{ts: ts, termDiffs: make(map[TermID]int64)}
	m.stats = append(m.stats, entry)
	m.sizeBytes += 48
	return entry, nil
}

// internTerms interns every term of one revision, taking one reference
// per occurrence, and returns the per-term frequencies plus the total
// search-field token count.
func (m *MemoryIndex) internTerms(terms []core.DocumentTerm) (map[TermID]uint64, uint64) {
	freqs := make(map[TermID]uint64, len(terms))
	var numSearch uint64
	for _, t := range terms {
		id := m.terms.incref(termKey(t.Field, t.Text), 1)
		freqs[id]++
		if t.Field == m.searchField {
			numSearch++
		}
		m.sizeBytes += 4
	}
	return freqs, numSearch
}

func (m *MemoryIndex) dropEntry(id core.DocumentID, entry *docEntry) error {
	for termID, freq := range entry.termFreqs {
		if bm, ok := m.postings[termID]; ok {
			bm.Remove(entry.localID)
			if bm.IsEmpty() {
				delete(m.postings, termID)
			}
		}
		if err := m.terms.decref(termID, freq); err != nil {
			return err
		}
		m.sizeBytes -= int(freq) * 4
	}
	delete(m.localToDoc, entry.localID)
	delete(m.docs, id)
	m.sizeBytes -= len(id) + len(entry.termFreqs)*16 + 48
	return nil
}

// Truncate drops all state at timestamps strictly below newMinTs. The
// floor only moves forward; truncating to the current floor is a no-op.
func (m *MemoryIndex) Truncate(newMinTs core.Timestamp) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newMinTs < m.minTs {
		return core.NewConsistencyError("truncate to %v would move floor backwards from %v", newMinTs, m.minTs)
	}

	for id, entry := range m.docs {
		if entry.ts < newMinTs {
			if err := m.dropEntry(id, entry); err != nil {
				return err
			}
		}
	}

	cut := 0
	for cut < len(m.tombstones) && m.tombstones[cut].ts < newMinTs {
		ts := m.tombstones[cut]
		for termID, freq := range ts.termFreqs {
			if err := m.terms.decref(termID, freq); err != nil {
				return err
			}
			m.sizeBytes -= int(freq) * 4
		}
		m.sizeBytes -= len(ts.id) + 16
		cut++
	}
	m.tombstones = append([]tombstone(nil), m.tombstones[cut:]...)

	cut = 0
	for cut < len(m.stats) && m.stats[cut].ts < newMinTs {
		entry := m.stats[cut]
		for termID := range entry.termDiffs {
			if err := m.terms.decref(termID, 1); err != nil {
				return err
			}
			m.sizeBytes -= 16
		}
		m.sizeBytes -= 48
		cut++
	}
	m.stats = append([]*tsStats(nil), m.stats[cut:]...)

	m.minTs = newMinTs
	if m.maxTs < newMinTs {
		m.maxTs = newMinTs
	}
	return nil
}

// Clone returns a deep copy that shares no mutable state with m.
func (m *MemoryIndex) Clone() *MemoryIndex {
	m.mu.RLock()
	defer m.mu.RUnlock()

	clone := &MemoryIndex{
		searchField: m.searchField,
		minTs:       m.minTs,
		maxTs:       m.maxTs,
		terms:       m.terms.clone(),
		docs:        make(map[core.DocumentID]*docEntry, len(m.docs)),
		postings:    make(map[TermID]*roaring64.Bitmap, len(m.postings)),
		localToDoc:  make(map[uint64]core.DocumentID, len(m.localToDoc)),
		nextLocalID: m.nextLocalID,
		tombstones:  make([]tombstone, len(m.tombstones)),
		stats:       make([]*tsStats, len(m.stats)),
		sizeBytes:   m.sizeBytes,
	}
	for id, entry := range m.docs {
		copied := *entry
		copied.termFreqs = cloneFreqs(entry.termFreqs)
		clone.docs[id] = &copied
	}
	for termID, bm := range m.postings {
		clone.postings[termID] = bm.Clone()
	}
	for local, id := range m.localToDoc {
		clone.localToDoc[local] = id
	}
	for i, ts := range m.tombstones {
		clone.tombstones[i] = tombstone{ts: ts.ts, id: ts.id, termFreqs: cloneFreqs(ts.termFreqs)}
	}
	for i, entry := range m.stats {
		diffs := make(map[TermID]int64, len(entry.termDiffs))
		for termID, diff := range entry.termDiffs {
			diffs[termID] = diff
		}
		clone.stats[i] = &tsStats{
			ts:            entry.ts,
			termDiffs:     diffs,
			numDocsDiff:   entry.numDocsDiff,
			numTokensDiff: entry.numTokensDiff,
		}
	}
	return clone
}

func cloneFreqs(freqs map[TermID]uint64) map[TermID]uint64 {
	clone := make(map[TermID]uint64, len(freqs))
	for id, freq := range freqs {
		clone[id] = freq
	}
	return clone
}

// Query returns the candidate revisions committed after snapshotTs and
// at or before readTs that contain at least one of the given
// search-field tokens, scored by term frequency over document length.
// snapshotTs must lie inside the index window.
func (m *MemoryIndex) Query(snapshotTs, readTs core.Timestamp, tokens []string) ([]core.CandidateRevision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkSnapshotTs(snapshotTs); err != nil {
		return nil, err
	}

	scores := make(map[core.DocumentID]float64)
	for _, token := range tokens {
		termID, ok := m.terms.get(termKey(m.searchField, token))
		if !ok {
			continue
		}
		bm, ok := m.postings[termID]
		if !ok {
			continue
		}
		it := bm.Iterator()
		for it.HasNext() {
			localID := it.Next()
			id := m.localToDoc[localID]
			entry := m.docs[id]
			if entry.ts <= snapshotTs || entry.ts > readTs {
				continue
			}
			norm := entry.numSearchTokens
			if norm == 0 {
				norm = 1
			}
			scores[id] += float64(entry.termFreqs[termID]) / float64(norm)
		}
	}

	candidates := make([]core.CandidateRevision, 0, len(scores))
	for id, score := range scores {
		entry := m.docs[id]
		candidates = append(candidates, core.CandidateRevision{
			ID:           id,
			Ts:           entry.ts,
			CreationTime: entry.creationTime,
			Score:        score,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates, nil
}

// DocumentsAfter returns every live revision committed in
// (snapshotTs, readTs], regardless of terms. Callers that score by some
// external measure re-rank these themselves.
func (m *MemoryIndex) DocumentsAfter(snapshotTs, readTs core.Timestamp) ([]core.CandidateRevision, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkSnapshotTs(snapshotTs); err != nil {
		return nil, err
	}
	var candidates []core.CandidateRevision
	for id, entry := range m.docs {
		if entry.ts <= snapshotTs || entry.ts > readTs {
			continue
		}
		candidates = append(candidates, core.CandidateRevision{
			ID:           id,
			Ts:           entry.ts,
			CreationTime: entry.creationTime,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Ts != candidates[j].Ts {
			return candidates[i].Ts > candidates[j].Ts
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates, nil
}

// TombstonedMatches returns the ids of documents deleted or overwritten
// in (snapshotTs, readTs] whose overwritten revision matched any of the
// given tokens. Disk results for these ids must be discarded.
func (m *MemoryIndex) TombstonedMatches(snapshotTs, readTs core.Timestamp, tokens []string) (map[core.DocumentID]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkSnapshotTs(snapshotTs); err != nil {
		return nil, err
	}

	termIDs := make(map[TermID]struct{}, len(tokens))
	for _, token := range tokens {
		if termID, ok := m.terms.get(termKey(m.searchField, token)); ok {
			termIDs[termID] = struct{}{}
		}
	}

	matches := make(map[core.DocumentID]struct{})
	start := sort.Search(len(m.tombstones), func(i int) bool {
		return m.tombstones[i].ts > snapshotTs
	})
	for _, ts := range m.tombstones[start:] {
		if ts.ts > readTs {
			break
		}
		for termID := range ts.termFreqs {
			if _, ok := termIDs[termID]; ok {
				matches[ts.id] = struct{}{}
				break
			}
		}
	}
	return matches, nil
}

// TombstonedAfter returns the ids of every document deleted or
// overwritten in (snapshotTs, readTs], regardless of terms.
func (m *MemoryIndex) TombstonedAfter(snapshotTs, readTs core.Timestamp) (map[core.DocumentID]struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkSnapshotTs(snapshotTs); err != nil {
		return nil, err
	}
	matches := make(map[core.DocumentID]struct{})
	start := sort.Search(len(m.tombstones), func(i int) bool {
		return m.tombstones[i].ts > snapshotTs
	})
	for _, ts := range m.tombstones[start:] {
		if ts.ts > readTs {
			break
		}
		matches[ts.id] = struct{}{}
	}
	return matches, nil
}

// StatisticsDiff sums the per-transaction statistics changes committed
// in (snapshotTs, readTs], restricted to the given search-field tokens.
func (m *MemoryIndex) StatisticsDiff(snapshotTs, readTs core.Timestamp, tokens []string) (StatisticsDiff, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if err := m.checkSnapshotTs(snapshotTs); err != nil {
		return StatisticsDiff{}, err
	}

	termIDs := make(map[TermID]string, len(tokens))
	for _, token := range tokens {
		if termID, ok := m.terms.get(termKey(m.searchField, token)); ok {
			termIDs[termID] = token
		}
	}

	diff := StatisticsDiff{TermFrequencies: make(map[string]int64, len(tokens))}
	start := sort.Search(len(m.stats), func(i int) bool {
		return m.stats[i].ts > snapshotTs
	})
	for _, entry := range m.stats[start:] {
		if entry.ts > readTs {
			break
		}
		diff.NumDocuments += entry.numDocsDiff
		diff.NumSearchTokens += entry.numTokensDiff
		for termID, token := range termIDs {
			if d, ok := entry.termDiffs[termID]; ok {
				diff.TermFrequencies[token] += d
			}
		}
	}
	return diff, nil
}

// checkSnapshotTs verifies that this index still covers everything
// committed after snapshotTs, i.e. the floor is at most the snapshot's
// successor. Callers hold m.mu.
func (m *MemoryIndex) checkSnapshotTs(snapshotTs core.Timestamp) error {
	if snapshotTs.Succ() < m.minTs {
		return core.NewConsistencyError("snapshot %v predates index floor %v", snapshotTs, m.minTs)
	}
	return nil
}

// ConsistencyCheck recomputes term refcounts and posting cardinalities
// from first principles and verifies them against the live structures.
func (m *MemoryIndex) ConsistencyCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.minTs > m.maxTs {
		return core.NewConsistencyError("floor %v above ceiling %v", m.minTs, m.maxTs)
	}

	expected := make(map[TermID]uint64)
	for _, entry := range m.docs {
		if entry.ts <= m.minTs || entry.ts > m.maxTs {
			return core.NewConsistencyError("document at %v outside window (%v, %v]", entry.ts, m.minTs, m.maxTs)
		}
		for termID, freq := range entry.termFreqs {
			expected[termID] += freq
		}
	}
	var prev core.Timestamp
	for _, ts := range m.tombstones {
		if ts.ts < prev {
			return core.NewConsistencyError("tombstones out of order")
		}
		prev = ts.ts
		for termID, freq := range ts.termFreqs {
			expected[termID] += freq
		}
	}
	for _, entry := range m.stats {
		for termID := range entry.termDiffs {
			expected[termID]++
		}
	}
	for termID, want := range expected {
		if got := m.terms.refcount(termID); got != want {
			return core.NewConsistencyError("term %d refcount %d, expected %d", termID, got, want)
		}
	}
	if len(expected) != len(m.terms.terms) {
		return core.NewConsistencyError("term table has %d entries, expected %d", len(m.terms.terms), len(expected))
	}
	for termID, bm := range m.postings {
		it := bm.Iterator()
		for it.HasNext() {
			localID := it.Next()
			id, ok := m.localToDoc[localID]
			if !ok {
				return core.NewConsistencyError("posting for term %d references unknown local id %d", termID, localID)
			}
			if _, ok := m.docs[id]; !ok {
				return core.NewConsistencyError("posting for term %d references deleted document %s", termID, id)
			}
		}
	}
	return nil
}
