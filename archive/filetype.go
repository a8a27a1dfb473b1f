// Package archive caches extracted remote segment archives on local
// disk: single-flight fetches, size-bounded LRU eviction and
// asynchronous cleanup of evicted directories.
package archive

import (
	"fmt"
)

// FileType classifies the archive being cached. Immutable types are
// marked read-only on disk after extraction; mutable types stay
// writable because the stores built on them open their files for write.
type FileType int

const (
	// FileTypeTextSegment is a raw text index archive. Mutable.
	FileTypeTextSegment FileType = iota
	// FileTypeVectorSegment is a raw vector segment archive. Mutable.
	FileTypeVectorSegment
	// FileTypeFragmentedVectorSegment is a tar-packed fragmented vector
	// segment. Immutable.
	FileTypeFragmentedVectorSegment
	// FileTypeIDTracker maps document ids to segment slots. Immutable.
	FileTypeIDTracker
	// FileTypeDeletedTerms is a segment's deletion bookkeeping.
	// Immutable.
	FileTypeDeletedTerms
	// FileTypeAliveBitset is a segment's alive bitset. Immutable.
	FileTypeAliveBitset
)

func (t FileType) String() string {
	switch t {
	case FileTypeTextSegment:
		return "text_segment"
	case FileTypeVectorSegment:
		return "vector_segment"
	case FileTypeFragmentedVectorSegment:
		return "fragmented_vector_segment"
	case FileTypeIDTracker:
		return "id_tracker"
	case FileTypeDeletedTerms:
		return "deleted_terms"
	case FileTypeAliveBitset:
		return "alive_bitset"
	default:
		return fmt.Sprintf("file_type(%d)", int(t))
	}
}

// IsImmutable reports whether extracted files of this type may be
// marked read-only.
func (t FileType) IsImmutable() bool {
	switch t {
	case FileTypeFragmentedVectorSegment, FileTypeIDTracker, FileTypeDeletedTerms, FileTypeAliveBitset:
		return true
	default:
		return false
	}
}

// isTarArchive reports whether the remote payload is a tar stream
// rather than a zip archive or a single raw object.
func (t FileType) isTarArchive() bool {
	return t == FileTypeFragmentedVectorSegment
}
