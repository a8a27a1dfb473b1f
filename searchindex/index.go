package searchindex

import (
	"fmt"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/memindex"
	"github.com/INLOpen/nexussearch/segment"
)

// State is the lifecycle position of one search index.
type State int

const (
	// StateBackfilling: no disk snapshot exists yet; the memory index
	// covers every write since index creation while a background scan
	// builds the first segments.
	StateBackfilling State = iota
	// StateBackfilled: a disk snapshot exists but the index is not yet
	// serving queries.
	StateBackfilled
	// StateReady: disk snapshot present and queries enabled.
	StateReady
)

func (s State) String() string {
	switch s {
	case StateBackfilling:
		return "backfilling"
	case StateBackfilled:
		return "backfilled"
	case StateReady:
		return "ready"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// DiskSnapshot is the persisted half of an index: the segment set as of
// one timestamp, in one on-disk format version.
type DiskSnapshot struct {
	Ts       core.Timestamp
	Version  core.FormatVersion
	Segments []segment.Metadata
}

// BackfillState tracks a running backfill scan: segments staged so far
// and the table-scan cursor so the scan resumes instead of restarting.
type BackfillState struct {
	Segments []segment.Metadata
	Cursor   *core.DocumentID
	// BackfillSnapshotTs is the snapshot the scan reads at. All staged
	// segments reflect the table exactly as of this timestamp.
	BackfillSnapshotTs core.Timestamp
}

// SnapshotInfo bundles what queries need from an index that has a disk
// snapshot: the persisted segments and the memory delta layered on top.
type SnapshotInfo struct {
	Disk   DiskSnapshot
	Memory *memindex.MemoryIndex
}

// SearchIndex is one index's full lifecycle state. Values are treated
// as copy-on-write by the Manager: state transitions produce a fresh
// value, while the memory delta is shared and internally synchronized.
type SearchIndex struct {
	ID     core.IndexID
	Name   core.IndexName
	Table  core.TableID
	Kind   core.SegmentKind
	Schema *Schema

	state    State
	enabled  bool
	memory   *memindex.MemoryIndex
	disk     *DiskSnapshot
	backfill *BackfillState
}

func newSearchIndex(id core.IndexID, kind core.SegmentKind, schema *Schema, createdAt core.Timestamp) *SearchIndex {
	return &SearchIndex{
		ID:       id,
		Name:     schema.Name,
		Table:    schema.Table,
		Kind:     kind,
		Schema:   schema,
		state:    StateBackfilling,
		memory:   memindex.New(createdAt, schema.SearchField()),
		backfill: &BackfillState{BackfillSnapshotTs: createdAt},
	}
}

func (idx *SearchIndex) State() State { return idx.state }

func (idx *SearchIndex) Memory() *memindex.MemoryIndex { return idx.memory }

// Disk returns the current disk snapshot, or false while backfilling.
func (idx *SearchIndex) Disk() (DiskSnapshot, bool) {
	if idx.disk == nil {
		return DiskSnapshot{}, false
	}
	return *idx.disk, true
}

// Backfill returns the backfill scan state, or false once snapshotted.
func (idx *SearchIndex) Backfill() (BackfillState, bool) {
	if idx.backfill == nil {
		return BackfillState{}, false
	}
	return *idx.backfill, true
}

// Info returns the queryable snapshot bundle for a snapshotted index.
func (idx *SearchIndex) Info() (SnapshotInfo, bool) {
	if idx.disk == nil {
		return SnapshotInfo{}, false
	}
	return SnapshotInfo{Disk: *idx.disk, Memory: idx.memory}, true
}

// shallowClone copies the index value, sharing the memory delta.
func (idx *SearchIndex) shallowClone() *SearchIndex {
	copied := *idx
	if idx.disk != nil {
		disk := *idx.disk
		copied.disk = &disk
	}
	if idx.backfill != nil {
		backfill := *idx.backfill
		copied.backfill = &backfill
	}
	return &copied
}

// checkQueryable returns nil only for a Ready index whose on-disk
// format matches the version this process writes. A mismatched version
// is reported as backfilling rather than reinterpreting the bytes.
func (idx *SearchIndex) checkQueryable() error {
	if idx.state != StateReady {
		return core.NewIndexBackfillingError(idx.Name)
	}
	if idx.disk == nil {
		return core.NewConsistencyError("index %s is %s but has no disk snapshot", idx.Name, idx.state)
	}
	if idx.disk.Version != core.CurrentFormatVersion {
		return core.NewIndexBackfillingError(idx.Name)
	}
	return nil
}

// applySnapshot installs a new disk snapshot, advancing the memory
// delta's floor past everything the snapshot persisted. The memory
// index is deep-cloned first so older database snapshots sharing the
// previous delta are unaffected by the truncation.
func (idx *SearchIndex) applySnapshot(snap DiskSnapshot) (*SearchIndex, error) {
	if idx.disk != nil && snap.Ts < idx.disk.Ts {
		return nil, core.NewConsistencyError("disk snapshot for %s moves backwards: %v after %v",
			idx.Name, snap.Ts, idx.disk.Ts)
	}
	// No gap between persisted and in-memory state is permitted.
	if idx.memory.MinTs() > snap.Ts.Succ() {
		return nil, core.NewConsistencyError("memory delta for %s starts at %v, past disk snapshot %v",
			idx.Name, idx.memory.MinTs(), snap.Ts)
	}

	memory := idx.memory.Clone()
	if err := memory.Truncate(snap.Ts.Succ()); err != nil {
		return nil, err
	}

	copied := idx.shallowClone()
	copied.memory = memory
	copied.disk = &snap
	copied.backfill = nil
	if copied.state == StateBackfilling {
		copied.state = StateBackfilled
	}
	if copied.enabled {
		copied.state = StateReady
	}
	return copied, nil
}

// enable marks the index queryable. Takes effect immediately when a
// disk snapshot already exists, otherwise once one arrives.
func (idx *SearchIndex) enable() *SearchIndex {
	copied := idx.shallowClone()
	copied.enabled = true
	if copied.state == StateBackfilled {
		copied.state = StateReady
	}
	return copied
}
