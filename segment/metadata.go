// Package segment implements immutable on-disk search index segments:
// building them from revision streams, tracking deletions against them,
// merging them during compaction and loading them for queries.
package segment

import (
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/INLOpen/nexussearch/core"
)

// Metadata describes one persisted segment. It is small enough to live
// inside index registry state; the bulk payload is fetched by key on
// demand.
type Metadata struct {
	ID                  string                `yaml:"id"`
	Kind                core.SegmentKind      `yaml:"kind"`
	SegmentKey          string                `yaml:"segment_key"`
	IDTrackerKey        string                `yaml:"id_tracker_key"`
	AliveBitsetKey      string                `yaml:"alive_bitset_key"`
	DeletedTermsKey     string                `yaml:"deleted_terms_key"`
	NumDocuments        uint64                `yaml:"num_documents"`
	NumDeletedDocuments uint64                `yaml:"num_deleted_documents"`
	SizeBytes           uint64                `yaml:"size_bytes"`
}

// NumAliveDocuments is the document count remaining after deletes.
func (m *Metadata) NumAliveDocuments() uint64 {
	if m.NumDeletedDocuments > m.NumDocuments {
		return 0
	}
	return m.NumDocuments - m.NumDeletedDocuments
}

// DeletedFraction is the ratio of deleted to total documents, in [0, 1].
func (m *Metadata) DeletedFraction() float64 {
	if m.NumDocuments == 0 {
		return 0
	}
	return float64(m.NumDeletedDocuments) / float64(m.NumDocuments)
}

func (m *Metadata) String() string {
	return fmt.Sprintf("segment %s (%s, %d docs, %d deleted, %s)",
		m.ID, m.Kind, m.NumDocuments, m.NumDeletedDocuments, humanize.IBytes(m.SizeBytes))
}

// Statistics aggregates metadata over a set of segments.
type Statistics struct {
	NumSegments         int
	NumDocuments        uint64
	NumDeletedDocuments uint64
	SizeBytes           uint64
}

func (s Statistics) String() string {
	return fmt.Sprintf("%d segments, %d docs (%d deleted), %s",
		s.NumSegments, s.NumDocuments, s.NumDeletedDocuments, humanize.IBytes(s.SizeBytes))
}

// Summarize computes aggregate statistics for a segment list.
func Summarize(segments []Metadata) Statistics {
	var stats Statistics
	stats.NumSegments = len(segments)
	for i := range segments {
		stats.NumDocuments += segments[i].NumDocuments
		stats.NumDeletedDocuments += segments[i].NumDeletedDocuments
		stats.SizeBytes += segments[i].SizeBytes
	}
	return stats
}

// TotalSizeBytes sums the payload sizes of the given segments.
func TotalSizeBytes(segments []Metadata) uint64 {
	var total uint64
	for i := range segments {
		total += segments[i].SizeBytes
	}
	return total
}
