package segment

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/RoaringBitmap/roaring/roaring64"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/storage"
)

// Fetcher hands out segment payloads by storage key. The archive cache
// satisfies this; tests use storage directly.
type Fetcher interface {
	Fetch(ctx context.Context, key storage.Key) (io.ReadCloser, error)
}

// TermStatistics are the per-term counters BM25 scoring needs.
type TermStatistics struct {
	// NumDocuments is how many documents contain the term.
	NumDocuments uint64
	// TotalFrequency is the summed occurrence count across documents.
	TotalFrequency uint64
}

type slotInfo struct {
	ID              core.DocumentID
	Ts              core.Timestamp
	CreationTime    core.Timestamp
	NumSearchTokens uint64
}

// Data is the decoded, queryable payload of one segment. It is
// immutable after construction; deletions live in the companion
// DeletionTracker.
type Data struct {
	searchField string
	slots       []slotInfo
	// postings maps search-field tokens to slot bitmaps; freqs carries
	// the per-slot occurrence counts in the same order as the bitmap.
	postings map[string]*roaring64.Bitmap
	freqs    map[string]map[uint64]uint64
	// slotTerms lists each slot's distinct search tokens, needed when a
	// later revision deletes the document.
	slotTerms  map[uint64][]string
	termStats  map[string]TermStatistics
	totalSearchTokens uint64
}

func (d *Data) NumDocuments() uint64 { return uint64(len(d.slots)) }

func (d *Data) SearchField() string { return d.searchField }

// TermsForSlot returns the distinct search tokens of the document in slot.
func (d *Data) TermsForSlot(slot uint64) ([]string, error) {
	terms, ok := d.slotTerms[slot]
	if !ok {
		return nil, core.NewConsistencyError("slot %d out of range", slot)
	}
	return terms, nil
}

// TermStatistics returns the build-time statistics for token, zero if
// the token never occurred.
func (d *Data) TermStatistics(token string) TermStatistics {
	return d.termStats[token]
}

func (d *Data) TotalSearchTokens() uint64 { return d.totalSearchTokens }

// Query scores every live document matching at least one token. The
// alive bitset from the deletion tracker filters out dead slots; pass
// nil to treat all slots as live.
func (d *Data) Query(tokens []string, alive *roaring64.Bitmap) []core.CandidateRevision {
	numDocs := float64(len(d.slots))
	scores := make(map[uint64]float64)
	for _, token := range tokens {
		bm, ok := d.postings[token]
		if !ok {
			continue
		}
		docFreq := float64(d.termStats[token].NumDocuments)
		idf := math.Log(1 + (numDocs-docFreq+0.5)/(docFreq+0.5))
		it := bm.Iterator()
		for it.HasNext() {
			slot := it.Next()
			if alive != nil && !alive.Contains(slot) {
				continue
			}
			norm := d.slots[slot].NumSearchTokens
			if norm == 0 {
				norm = 1
			}
			tf := float64(d.freqs[token][slot])
			scores[slot] += idf * tf / float64(norm)
		}
	}

	candidates := make([]core.CandidateRevision, 0, len(scores))
	for slot, score := range scores {
		info := d.slots[slot]
		candidates = append(candidates, core.CandidateRevision{
			ID:           info.ID,
			Ts:           info.Ts,
			CreationTime: info.CreationTime,
			Score:        score,
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates
}

type segmentPayload struct {
	Version           core.FormatVersion
	SearchField       string
	Slots             []slotInfo
	Postings          map[string][]byte
	Freqs             map[string]map[uint64]uint64
	SlotTerms         map[uint64][]string
	TermStats         map[string]TermStatistics
	TotalSearchTokens uint64
}

// WriteTo serializes the segment payload, compressed, to w.
func (d *Data) WriteTo(w io.Writer, compressor core.Compressor) error {
	payload := segmentPayload{
		Version:           core.CurrentFormatVersion,
		SearchField:       d.searchField,
		Slots:             d.slots,
		Postings:          make(map[string][]byte, len(d.postings)),
		Freqs:             d.freqs,
		SlotTerms:         d.slotTerms,
		TermStats:         d.termStats,
		TotalSearchTokens: d.totalSearchTokens,
	}
	for token, bm := range d.postings {
		var buf bytes.Buffer
		if _, err := bm.WriteTo(&buf); err != nil {
			return fmt.Errorf("serialize postings for %q: %w", token, err)
		}
		payload.Postings[token] = buf.Bytes()
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return fmt.Errorf("encode segment: %w", err)
	}
	compressed, err := compressor.Compress(buf.Bytes())
	if err != nil {
		return fmt.Errorf("compress segment: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("write segment: %w", err)
	}
	return nil
}

// ReadData loads a segment payload written with WriteTo.
func ReadData(r io.Reader, compressor core.Compressor) (*Data, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read segment: %w", err)
	}
	raw, err := compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress segment: %v", core.ErrCorrupted, err)
	}
	defer raw.Close()

	var payload segmentPayload
	if err := gob.NewDecoder(raw).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode segment: %v", core.ErrCorrupted, err)
	}
	if payload.Version > core.CurrentFormatVersion {
		return nil, fmt.Errorf("%w: segment format version %d is newer than %d",
			core.ErrCorrupted, payload.Version, core.CurrentFormatVersion)
	}
	data := &Data{
		searchField:       payload.SearchField,
		slots:             payload.Slots,
		postings:          make(map[string]*roaring64.Bitmap, len(payload.Postings)),
		freqs:             payload.Freqs,
		slotTerms:         payload.SlotTerms,
		termStats:         payload.TermStats,
		totalSearchTokens: payload.TotalSearchTokens,
	}
	for token, raw := range payload.Postings {
		bm := roaring64.New()
		if _, err := bm.ReadFrom(bytes.NewReader(raw)); err != nil {
			return nil, fmt.Errorf("%w: decode postings for %q: %v", core.ErrCorrupted, token, err)
		}
		data.postings[token] = bm
	}
	return data, nil
}

// UpdatableSegment pairs an immutable segment payload with the live
// deletion state layered on top of it.
type UpdatableSegment struct {
	meta    Metadata
	data    *Data
	ids     *IDTracker
	tracker *DeletionTracker
}

// Open fetches and decodes every component of the segment described by
// meta.
func Open(ctx context.Context, meta Metadata, fetcher Fetcher, compressor core.Compressor) (*UpdatableSegment, error) {
	body, err := fetcher.Fetch(ctx, storage.Key(meta.SegmentKey))
	if err != nil {
		return nil, fmt.Errorf("fetch segment %s: %w", meta.ID, err)
	}
	defer body.Close()
	data, err := ReadData(body, compressor)
	if err != nil {
		return nil, err
	}

	idsBody, err := fetcher.Fetch(ctx, storage.Key(meta.IDTrackerKey))
	if err != nil {
		return nil, fmt.Errorf("fetch id tracker for %s: %w", meta.ID, err)
	}
	defer idsBody.Close()
	ids, err := ReadIDTracker(idsBody, compressor)
	if err != nil {
		return nil, err
	}

	trackerBody, err := fetcher.Fetch(ctx, storage.Key(meta.DeletedTermsKey))
	if err != nil {
		return nil, fmt.Errorf("fetch deletion tracker for %s: %w", meta.ID, err)
	}
	defer trackerBody.Close()
	tracker, err := ReadDeletionTracker(trackerBody, compressor)
	if err != nil {
		return nil, err
	}

	return &UpdatableSegment{meta: meta, data: data, ids: ids, tracker: tracker}, nil
}

func (s *UpdatableSegment) Data() *Data                { return s.data }
func (s *UpdatableSegment) IDs() *IDTracker            { return s.ids }
func (s *UpdatableSegment) Tracker() *DeletionTracker  { return s.tracker }

// Metadata returns the segment descriptor with deletion counts brought
// up to date.
func (s *UpdatableSegment) Metadata() Metadata {
	meta := s.meta
	meta.NumDeletedDocuments = meta.NumDocuments - s.tracker.NumAlive()
	return meta
}

// ContainsDocument reports whether id was assigned a slot in this
// segment and that slot is still alive.
func (s *UpdatableSegment) ContainsDocument(id core.DocumentID) bool {
	slot, ok := s.ids.Lookup(id)
	return ok && s.tracker.IsAlive(slot)
}

// DeleteDocument marks id's slot dead together with its term
// bookkeeping. The document must be present and alive.
func (s *UpdatableSegment) DeleteDocument(id core.DocumentID) error {
	slot, ok := s.ids.Lookup(id)
	if !ok {
		return core.NewConsistencyError("delete of document %s not in segment %s", id, s.meta.ID)
	}
	terms, err := s.data.TermsForSlot(slot)
	if err != nil {
		return err
	}
	return s.tracker.Delete(slot, terms)
}

// Query scores the live documents of this segment against tokens.
func (s *UpdatableSegment) Query(tokens []string) []core.CandidateRevision {
	return s.data.Query(tokens, s.tracker.alive)
}
