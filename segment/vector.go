package segment

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"math"
	"sort"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/storage"
)

type vectorSlot struct {
	ID           core.DocumentID
	Ts           core.Timestamp
	CreationTime core.Timestamp
	Vector       []float32
}

// VectorData is the decoded payload of one vector segment: fixed-width
// embeddings addressed by slot. Like text segments it is immutable
// after construction, with deletions tracked alongside.
type VectorData struct {
	dims  int
	slots []vectorSlot
}

func NewVectorData(dims int) *VectorData {
	return &VectorData{dims: dims}
}

func (d *VectorData) Dims() int             { return d.dims }
func (d *VectorData) NumDocuments() uint64  { return uint64(len(d.slots)) }

// Add appends a document's embedding, returning its slot.
func (d *VectorData) Add(id core.DocumentID, ts, creationTime core.Timestamp, vector []float32) (uint64, error) {
	if len(vector) != d.dims {
		return 0, core.NewConsistencyError("vector for %s has %d dimensions, segment expects %d",
			id, len(vector), d.dims)
	}
	slot := uint64(len(d.slots))
	d.slots = append(d.slots, vectorSlot{ID: id, Ts: ts, CreationTime: creationTime, Vector: vector})
	return slot, nil
}

// Query returns the live documents nearest to vector by cosine
// similarity, best first, at most limit of them.
func (d *VectorData) Query(vector []float32, alive func(uint64) bool, limit int) ([]core.CandidateRevision, error) {
	if len(vector) != d.dims {
		return nil, core.NewConsistencyError("query vector has %d dimensions, segment expects %d",
			len(vector), d.dims)
	}
	candidates := make([]core.CandidateRevision, 0, len(d.slots))
	for slot, info := range d.slots {
		if alive != nil && !alive(uint64(slot)) {
			continue
		}
		candidates = append(candidates, core.CandidateRevision{
			ID:           info.ID,
			Ts:           info.Ts,
			CreationTime: info.CreationTime,
			Score:        cosineSimilarity(vector, info.Vector),
		})
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Score != candidates[j].Score {
			return candidates[i].Score > candidates[j].Score
		}
		return candidates[i].ID < candidates[j].ID
	})
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	return candidates, nil
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

type vectorPayload struct {
	Version core.FormatVersion
	Dims    int
	Slots   []vectorSlot
}

// WriteTo serializes the payload, compressed, to w.
func (d *VectorData) WriteTo(w io.Writer, compressor core.Compressor) error {
	payload := vectorPayload{Version: core.CurrentFormatVersion, Dims: d.dims, Slots: d.slots}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&payload); err != nil {
		return fmt.Errorf("encode vector segment: %w", err)
	}
	compressed, err := compressor.Compress(buf.Bytes())
	if err != nil {
		return fmt.Errorf("compress vector segment: %w", err)
	}
	if _, err := w.Write(compressed); err != nil {
		return fmt.Errorf("write vector segment: %w", err)
	}
	return nil
}

// ReadVectorData loads a payload written with WriteTo.
func ReadVectorData(r io.Reader, compressor core.Compressor) (*VectorData, error) {
	compressed, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read vector segment: %w", err)
	}
	raw, err := compressor.Decompress(compressed)
	if err != nil {
		return nil, fmt.Errorf("%w: decompress vector segment: %v", core.ErrCorrupted, err)
	}
	defer raw.Close()

	var payload vectorPayload
	if err := gob.NewDecoder(raw).Decode(&payload); err != nil {
		return nil, fmt.Errorf("%w: decode vector segment: %v", core.ErrCorrupted, err)
	}
	if payload.Version > core.CurrentFormatVersion {
		return nil, fmt.Errorf("%w: vector segment format version %d is newer than %d",
			core.ErrCorrupted, payload.Version, core.CurrentFormatVersion)
	}
	return &VectorData{dims: payload.Dims, slots: payload.Slots}, nil
}

// UpdatableVectorSegment is the vector counterpart of UpdatableSegment.
type UpdatableVectorSegment struct {
	meta    Metadata
	data    *VectorData
	ids     *IDTracker
	tracker *DeletionTracker
}

// OpenVector fetches and decodes the segment described by meta.
func OpenVector(ctx context.Context, meta Metadata, fetcher Fetcher, compressor core.Compressor) (*UpdatableVectorSegment, error) {
	body, err := fetcher.Fetch(ctx, storage.Key(meta.SegmentKey))
	if err != nil {
		return nil, fmt.Errorf("fetch vector segment %s: %w", meta.ID, err)
	}
	defer body.Close()
	data, err := ReadVectorData(body, compressor)
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

	return &UpdatableVectorSegment{meta: meta, data: data, ids: ids, tracker: tracker}, nil
}

func (s *UpdatableVectorSegment) Data() *VectorData        { return s.data }
func (s *UpdatableVectorSegment) Tracker() *DeletionTracker { return s.tracker }

func (s *UpdatableVectorSegment) Metadata() Metadata {
	meta := s.meta
	meta.NumDeletedDocuments = meta.NumDocuments - s.tracker.NumAlive()
	return meta
}

// Query scores the live documents of this segment against vector.
func (s *UpdatableVectorSegment) Query(vector []float32, limit int) ([]core.CandidateRevision, error) {
	return s.data.Query(vector, s.tracker.IsAlive, limit)
}

// ContainsDocument reports whether id is present and alive.
func (s *UpdatableVectorSegment) ContainsDocument(id core.DocumentID) bool {
	slot, ok := s.ids.Lookup(id)
	return ok && s.tracker.IsAlive(slot)
}

// DeleteDocument marks id's slot dead.
func (s *UpdatableVectorSegment) DeleteDocument(id core.DocumentID) error {
	slot, ok := s.ids.Lookup(id)
	if !ok {
		return core.NewConsistencyError("delete of document %s not in segment %s", id, s.meta.ID)
	}
	return s.tracker.Delete(slot, nil)
}

// BuiltVectorSegment is a freshly built, not yet persisted vector
// segment.
type BuiltVectorSegment struct {
	Meta    Metadata
	Data    *VectorData
	IDs     *IDTracker
	Tracker *DeletionTracker
}

// FinishVectorSegment freezes data into a built segment, assigning
// slots for every document in insertion order.
func FinishVectorSegment(data *VectorData) (*BuiltVectorSegment, error) {
	ids := NewIDTracker()
	for _, slot := range data.slots {
		if _, err := ids.Assign(slot.ID); err != nil {
			return nil, err
		}
	}
	numDocs := uint64(len(data.slots))
	return &BuiltVectorSegment{
		Meta: Metadata{
			ID:           uuid.NewString(),
			Kind:         core.SegmentKindVector,
			NumDocuments: numDocs,
		},
		Data:    data,
		IDs:     ids,
		Tracker: NewDeletionTracker(numDocs, nil),
	}, nil
}

// MergeVector combines the live documents of the given vector segments
// into a single new segment.
func MergeVector(segments []*UpdatableVectorSegment) (*BuiltVectorSegment, error) {
	if len(segments) == 0 {
		return nil, core.NewConsistencyError("merge of zero vector segments")
	}
	dims := segments[0].data.dims
	merged := NewVectorData(dims)
	for _, seg := range segments {
		if seg.data.dims != dims {
			return nil, core.NewConsistencyError("merge across vector dimensions %d and %d",
				dims, seg.data.dims)
		}
		for slot, info := range seg.data.slots {
			if !seg.tracker.IsAlive(uint64(slot)) {
				continue
			}
			if _, err := merged.Add(info.ID, info.Ts, info.CreationTime, info.Vector); err != nil {
				return nil, err
			}
		}
	}
	return FinishVectorSegment(merged)
}

// Persist writes every component of the segment to object storage and
// returns metadata with keys and sizes filled in.
func (s *BuiltVectorSegment) Persist(ctx context.Context, store storage.Storage, compressor core.Compressor) (Metadata, error) {
	encode := func(write func(io.Writer, core.Compressor) error) ([]byte, error) {
		var buf bytes.Buffer
		if err := write(&buf, compressor); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}

	segBytes, err := encode(s.Data.WriteTo)
	if err != nil {
		return Metadata{}, err
	}
	idBytes, err := encode(s.IDs.WriteTo)
	if err != nil {
		return Metadata{}, err
	}
	aliveBytes, err := encode(s.Tracker.WriteAliveBitset)
	if err != nil {
		return Metadata{}, err
	}
	trackerBytes, err := encode(s.Tracker.WriteTo)
	if err != nil {
		return Metadata{}, err
	}

	meta := s.Meta
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		key, err := storage.PutBytes(gctx, store, segBytes)
		meta.SegmentKey = string(key)
		return err
	})
	g.Go(func() error {
		key, err := storage.PutBytes(gctx, store, idBytes)
		meta.IDTrackerKey = string(key)
		return err
	})
	g.Go(func() error {
		key, err := storage.PutBytes(gctx, store, aliveBytes)
		meta.AliveBitsetKey = string(key)
		return err
	})
	g.Go(func() error {
		key, err := storage.PutBytes(gctx, store, trackerBytes)
		meta.DeletedTermsKey = string(key)
		return err
	})
	if err := g.Wait(); err != nil {
		return Metadata{}, fmt.Errorf("persist vector segment %s: %w", meta.ID, err)
	}

	meta.SizeBytes = uint64(len(segBytes) + len(idBytes) + len(aliveBytes) + len(trackerBytes))
	meta.NumDeletedDocuments = meta.NumDocuments - s.Tracker.NumAlive()
	return meta, nil
}
