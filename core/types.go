package core

import (
	"fmt"
	"time"
)

// Timestamp is a commit timestamp in nanoseconds since the Unix epoch.
// Timestamps produced by the commit path are totally ordered and strictly
// increasing.
type Timestamp uint64

// TimestampFromTime converts a wall-clock time to a Timestamp.
func TimestampFromTime(t time.Time) Timestamp {
	return Timestamp(t.UnixNano())
}

// Succ returns the immediate successor of ts. Used to express "everything
// strictly after ts" as an inclusive lower bound.
func (ts Timestamp) Succ() Timestamp {
	return ts + 1
}

// Sub returns ts - other, saturating at zero.
func (ts Timestamp) Sub(other Timestamp) Timestamp {
	if other > ts {
		return 0
	}
	return ts - other
}

func (ts Timestamp) String() string {
	return fmt.Sprintf("%d", uint64(ts))
}

// DocumentID uniquely identifies a document across its whole revision
// history.
type DocumentID string

// TableID identifies a table.
type TableID string

// IndexID identifies a single index instance.
type IndexID string

// IndexName is the developer-visible "table.index" name of an index.
type IndexName string

// SegmentKind distinguishes the two families of search indexes.
type SegmentKind int

const (
	SegmentKindText SegmentKind = iota
	SegmentKindVector
)

func (k SegmentKind) String() string {
	switch k {
	case SegmentKindText:
		return "text"
	case SegmentKindVector:
		return "vector"
	default:
		return "unknown"
	}
}

// FormatVersion is the on-disk format version of a search index snapshot.
// A snapshot written with a version different from the one the running
// process expects is treated as not yet queryable.
type FormatVersion int

// CurrentFormatVersion is the format version this build reads and writes.
const CurrentFormatVersion FormatVersion = 2

// TableState describes the visibility of a table.
type TableState int

const (
	TableStateActive TableState = iota
	TableStateHidden
	TableStateDeleting
)

func (s TableState) String() string {
	switch s {
	case TableStateActive:
		return "active"
	case TableStateHidden:
		return "hidden"
	case TableStateDeleting:
		return "deleting"
	default:
		return "unknown"
	}
}
