package snapshot

import (
	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/searchindex"
)

// InMemoryIndexes is the snapshot-scoped cache of ordinary (non-search)
// secondary index entries: which keys each enabled index currently
// holds. Large indexes stay on disk; this cache covers the ones pinned
// in memory for point lookups on the commit path.
type InMemoryIndexes struct {
	indexes *cowMap[core.IndexID, *cowMap[string, core.DocumentID]]
}

func NewInMemoryIndexes() *InMemoryIndexes {
	return &InMemoryIndexes{indexes: newCowMap[core.IndexID, *cowMap[string, core.DocumentID]]()}
}

func (x *InMemoryIndexes) clone() *InMemoryIndexes {
	clone := &InMemoryIndexes{indexes: x.indexes.clone()}
	return clone
}

// Pin starts tracking an index in memory.
func (x *InMemoryIndexes) Pin(id core.IndexID) {
	if _, ok := x.indexes.get(id); ok {
		return
	}
	x.indexes.set(id, newCowMap[string, core.DocumentID]())
}

// Unpin drops an index from the cache.
func (x *InMemoryIndexes) Unpin(id core.IndexID) {
	x.indexes.delete(id)
}

// Apply books one index entry write. Updates to unpinned indexes are
// ignored; they are served from disk.
func (x *InMemoryIndexes) Apply(update core.DatabaseIndexUpdate, doc core.DocumentID) {
	entries, ok := x.indexes.get(update.IndexID)
	if !ok {
		return
	}
	// The inner map is shared with older snapshots until first write.
	if !entries.owned {
		entries = entries.clone()
		entries.ensureOwned()
		x.indexes.set(update.IndexID, entries)
	}
	if update.Deleted {
		entries.delete(update.Key)
		return
	}
	entries.set(update.Key, doc)
}

// Lookup resolves an index key to a document id, with the second result
// reporting whether the index is pinned at all.
func (x *InMemoryIndexes) Lookup(id core.IndexID, key string) (core.DocumentID, bool) {
	entries, ok := x.indexes.get(id)
	if !ok {
		return "", false
	}
	doc, ok := entries.get(key)
	return doc, ok
}

// NumPinned counts the indexes held in memory.
func (x *InMemoryIndexes) NumPinned() int { return x.indexes.len() }

// Snapshot is one immutable, timestamped view of the database's
// metadata and index state. Snapshots are produced only by Update (on
// the commit path) and mutated in place only by the manager's
// overwrite-latest hooks.
type Snapshot struct {
	Tables    *TableRegistry
	Summaries *TableSummaries
	Indexes   *InMemoryIndexes
	Text      *searchindex.Manager
	Vector    *searchindex.Manager
}

// NewSnapshot builds the initial empty snapshot.
func NewSnapshot(text, vector *searchindex.Manager) *Snapshot {
	return &Snapshot{
		Tables:    NewTableRegistry(),
		Summaries: NewTableSummaries(),
		Indexes:   NewInMemoryIndexes(),
		Text:      text,
		Vector:    vector,
	}
}

// Clone produces a snapshot sharing all substructures copy-on-write.
func (s *Snapshot) Clone() *Snapshot {
	return &Snapshot{
		Tables:    s.Tables.clone(),
		Summaries: s.Summaries.clone(),
		Indexes:   s.Indexes.clone(),
		Text:      s.Text.Clone(),
		Vector:    s.Vector.Clone(),
	}
}

// Update applies one committed document mutation at ts and returns the
// resulting snapshot. The receiver is left untouched. No I/O happens
// here; this is the foreground commit path.
func (s *Snapshot) Update(update core.DocumentUpdate, ts core.Timestamp, indexUpdates []core.DatabaseIndexUpdate) (*Snapshot, error) {
	next := s.Clone()
	if err := next.Summaries.Apply(update); err != nil {
		return nil, err
	}
	for _, iu := range indexUpdates {
		next.Indexes.Apply(iu, update.ID)
	}
	if err := next.Text.Update(update, ts); err != nil {
		return nil, err
	}
	if err := next.Vector.Update(update, ts); err != nil {
		return nil, err
	}
	return next, nil
}

// ConsistencyCheck validates the snapshot's index invariants.
func (s *Snapshot) ConsistencyCheck() error {
	if err := s.Text.ConsistencyCheck(); err != nil {
		return err
	}
	return s.Vector.ConsistencyCheck()
}
