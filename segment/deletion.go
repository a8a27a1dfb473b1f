package segment

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/nexussearch/core"
)

// DeletionTracker records which slots of an immutable segment have been
// deleted since it was built. The segment payload itself never changes;
// readers intersect their results with the alive bitset.
type DeletionTracker struct {
	alive *roaring64.Bitmap
	// termDocCounts is the number of documents per search term at build
	// time. deletedTermDocs counts how many of those have since been
	// deleted; a term whose counts meet is fully dead and its statistics
	// must be subtracted from query planning.
	termDocCounts   map[string]uint64
	deletedTermDocs map[string]uint64
	numDeletedTerms uint64
}

// NewDeletionTracker starts with all numDocs slots alive.
func NewDeletionTracker(numDocs uint64, termDocCounts map[string]uint64) *DeletionTracker {
	alive := roaring64.New()
	if numDocs > 0 {
		alive.AddRange(0, numDocs)
	}
	return &DeletionTracker{
		alive:           alive,
		termDocCounts:   termDocCounts,
		deletedTermDocs: make(map[string]uint64),
	}
}

// IsAlive reports whether slot has not been deleted.
func (d *DeletionTracker) IsAlive(slot uint64) bool {
	return d.alive.Contains(slot)
}

// NumAlive returns the count of live slots.
func (d *DeletionTracker) NumAlive() uint64 {
	return d.alive.GetCardinality()
}

// NumDeletedTerms returns how many terms have lost every document that
// contained them.
func (d *DeletionTracker) NumDeletedTerms() uint64 {
	return d.numDeletedTerms
}

// Delete marks slot dead and books the per-term document losses.
// Deleting a slot twice is a consistency violation: every delete must
// correspond to exactly one live revision.
func (d *DeletionTracker) Delete(slot uint64, terms []string) error {
	if !d.alive.Contains(slot) {
		return core.NewConsistencyError("slot %d deleted twice", slot)
	}
	d.alive.Remove(slot)
	for _, term := range terms {
		total, ok := d.termDocCounts[term]
		if !ok {
			return core.NewConsistencyError("delete references term %q not present at build time", term)
		}
		d.deletedTermDocs[term]++
		if d.deletedTermDocs[term] > total {
			return core.NewConsistencyError("term %q has %d deletes but only %d documents",
				term, d.deletedTermDocs[term], total)
		}
		if d.deletedTermDocs[term] == total {
			d.numDeletedTerms++
		}
	}
	return nil
}

// DeletedTermDocuments returns how many documents containing term have
// been deleted.
func (d *DeletionTracker) DeletedTermDocuments(term string) uint64 {
	return d.deletedTermDocs[term]
}

// Clone returns an independent copy.
func (d *DeletionTracker) Clone() *DeletionTracker {
	counts := make(map[string]uint64, len(d.termDocCounts))
	for term, n := range d.termDocCounts {
		counts[term] = n
	}
	deleted := make(map[string]uint64, len(d.deletedTermDocs))
	for term, n := range d.deletedTermDocs {
		deleted[term] = n
	}
	return &DeletionTracker{
		alive:           d.alive.Clone(),
		termDocCounts:   counts,
		deletedTermDocs: deleted,
		numDeletedTerms: d.numDeletedTerms,
	}
}

type deletionTrackerData struct {
	Version         core.FormatVersion
	Alive           []byte
	TermDocCounts   map[string]uint64
	DeletedTermDocs map[string]uint64
	NumDeletedTerms uint64
}

// WriteAliveBitset serializes just the alive bitset, compressed, to w.
// The bitset is persisted separately from the deleted-terms payload so
// readers that only filter results avoid fetching term bookkeeping.
func (d *DeletionTracker) WriteAliveBitset(w io.Writer, compressor core.Compressor) error {
	var buf bytes.Buffer
	if _, err := d.alive.WriteTo(&buf); err != nil {
		return fmt.Errorf("serialize alive bitset: %w", err)
	}
	compressed, err := compressor.Compress(buf.Bytes())
	if err != nil {
		return fmt.Errorf("compress alive bitset: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("write alive bitset: %w", err)
	}
	return nil
}

// ReadAliveBitset loads a bitset written with WriteAliveBitset.
func ReadAliveBitset(r io.Reader, compressor core.Compressor) (*roaring64.Bitmap, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read alive bitset: %w", err)
	}
	raw, err := compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress alive bitset: %v", core.ErrCorrupted, err)
	}
	defer raw.Close()
	bm := roaring64.New()
	if _, err := bm.ReadFrom(raw); err != nil {
		return nil, fmt.Errorf("%w: decode alive bitset: %v", core.ErrCorrupted, err)
	}
	return bm, nil
}

// WriteTo serializes the full tracker, compressed, to w.
func (d *DeletionTracker) WriteTo(w io.Writer, compressor core.Compressor) error {
	var bitset bytes.Buffer
	if _, err := d.alive.WriteTo(&bitset); err != nil {
		return fmt.Errorf("serialize alive bitset: %w", err)
	}
	data := deletionTrackerData{
		Version:         core.CurrentFormatVersion,
		Alive:           bitset.Bytes(),
		TermDocCounts:   d.termDocCounts,
		DeletedTermDocs: d.deletedTermDocs,
		NumDeletedTerms: d.numDeletedTerms,
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&data); err != nil {
		return fmt.Errorf("encode deletion tracker: %w", err)
	}
	compressed, err := compressor.Compress(buf.Bytes())
	if err != nil {
		return fmt.Errorf("compress deletion tracker: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("write deletion tracker: %w", err)
	}
	return nil
}

// ReadDeletionTracker loads a tracker written with WriteTo.
func ReadDeletionTracker(r io.Reader, compressor core.Compressor) (*DeletionTracker, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read deletion tracker: %w", err)
	}
	raw, err := compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress deletion tracker: %v", core.ErrCorrupted, err)
	}
	defer raw.Close()

	var data deletionTrackerData
	if err := gob.NewDecoder(raw).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: decode deletion tracker: %v", core.ErrCorrupted, err)
	}
	if data.Version > core.CurrentFormatVersion {
		return nil, fmt.Errorf("%w: deletion tracker format version %d is newer than %d",
			core.ErrCorrupted, data.Version, core.CurrentFormatVersion)
	}
	alive := roaring64.New()
	if _, err := alive.ReadFrom(bytes.NewReader(data.Alive)); err != nil {
		return nil, fmt.Errorf("%w: decode alive bitset: %v", core.ErrCorrupted, err)
	}
	tracker := &DeletionTracker{
		alive:           alive,
		termDocCounts:   data.TermDocCounts,
		deletedTermDocs: data.DeletedTermDocs,
		numDeletedTerms: data.NumDeletedTerms,
	}
	if tracker.deletedTermDocs == nil {
		tracker.deletedTermDocs = make(map[string]uint64)
	}
	if tracker.termDocCounts == nil {
		tracker.termDocCounts = make(map[string]uint64)
	}
	return tracker, nil
}
