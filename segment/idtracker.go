package segment

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"io"
	"strings"

	"github.com/INLOpen/skiplist"

	"github.com/INLOpen/nexussearch/core"
)

func idComparator(a, b core.DocumentID) int {
	return strings.Compare(string(a), string(b))
}

// IDTracker maps external document ids to the slot numbers a segment
// assigned them at build time. It is append-only: slots are handed out
// once while building and the finished tracker is frozen on disk.
type IDTracker struct {
	slots    *skiplist.SkipList[core.DocumentID, uint64]
	nextSlot uint64
}

func NewIDTracker() *IDTracker {
	return &IDTracker{
		slots: skiplist.NewWithComparator[core.DocumentID, uint64](idComparator),
	}
}

// Assign allocates the next slot for id. Assigning the same id twice is
// a build error.
func (t *IDTracker) Assign(id core.DocumentID) (uint64, error) {
	// Seek finds the first node >= id, so confirm the key matches.
	if node, ok := t.slots.Seek(id); ok && idComparator(node.Key(), id) == 0 {
		return 0, core.NewConsistencyError("document %s already assigned a slot", id)
	}
	slot := t.nextSlot
	t.slots.Insert(id, slot)
	t.nextSlot++
	return slot, nil
}

// Lookup returns the slot assigned to id, if any.
func (t *IDTracker) Lookup(id core.DocumentID) (uint64, bool) {
	node, ok := t.slots.Seek(id)
	if !ok || idComparator(node.Key(), id) != 0 {
		return 0, false
	}
	return node.Value(), true
}

func (t *IDTracker) Len() int { return t.slots.Len() }

type idTrackerData struct {
	Version  core.FormatVersion
	IDs      []core.DocumentID
	Slots    []uint64
	NextSlot uint64
}

// WriteTo serializes the tracker, compressed, to w.
func (t *IDTracker) WriteTo(w io.Writer, compressor core.Compressor) error {
	data := idTrackerData{
		Version:  core.CurrentFormatVersion,
		IDs:      make([]core.DocumentID, 0, t.slots.Len()),
		Slots:    make([]uint64, 0, t.slots.Len()),
		NextSlot: t.nextSlot,
	}
	it := t.slots.NewIterator()
	for ok := it.First(); ok; ok = it.Next() {
		data.IDs = append(data.IDs, it.Key())
		data.Slots = append(data.Slots, it.Value())
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&data); err != nil {
		return fmt.Errorf("encode id tracker: %w", err)
	}
	compressed, err := compressor.Compress(buf.Bytes())
	if err != nil {
		return fmt.Errorf("compress id tracker: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("write id tracker: %w", err)
	}
	return nil
}

// ReadIDTracker loads a tracker previously written with WriteTo.
func ReadIDTracker(r io.Reader, compressor core.Compressor) (*IDTracker, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read id tracker: %w", err)
	}
	raw, err := compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress id tracker: %v", core.ErrCorrupted, err)
	}
	defer raw.Close()

	var data idTrackerData
	if err := gob.NewDecoder(raw).Decode(&data); err != nil {
		return nil, fmt.Errorf("%w: decode id tracker: %v", core.ErrCorrupted, err)
	}
	if data.Version > core.CurrentFormatVersion {
		return nil, fmt.Errorf("%w: id tracker format version %d is newer than %d",
			core.ErrCorrupted, data.Version, core.CurrentFormatVersion)
	}
	if len(data.IDs) != len(data.Slots) {
		return nil, fmt.Errorf("%w: id tracker has %d ids but %d slots",
			core.ErrCorrupted, len(data.IDs), len(data.Slots))
	}
	tracker := NewIDTracker()
	for i, id := range data.IDs {
		tracker.slots.Insert(id, data.Slots[i])
	}
	tracker.nextSlot = data.NextSlot
	return tracker, nil
}
