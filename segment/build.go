package segment

import (
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/RoaringBitmap/roaring/roaring64"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/storage"
)

// Tokenizer turns a document into index terms. The search index schema
// implements this.
type Tokenizer interface {
	SearchField() string
	Tokenize(doc *core.Document) []core.DocumentTerm
}

// RevisionStream yields document revisions in descending timestamp
// order. Next returns io.EOF when the stream is exhausted.
type RevisionStream interface {
	Next(ctx context.Context) (core.RevisionPair, error)
}

// BuiltSegment is a freshly built, not yet persisted segment.
type BuiltSegment struct {
	Meta    Metadata
	Data    *Data
	IDs     *IDTracker
	Tracker *DeletionTracker
}

type builder struct {
	tokenizer Tokenizer
	data      *Data
	ids       *IDTracker
}

func newData(searchField string) *Data {
	return &Data{
		searchField: searchField,
		postings:    make(map[string]*roaring64.Bitmap),
		freqs:       make(map[string]map[uint64]uint64),
		slotTerms:   make(map[uint64][]string),
		termStats:   make(map[string]TermStatistics),
	}
}

func newBuilder(tokenizer Tokenizer) *builder {
	return &builder{
		tokenizer: tokenizer,
		data:      newData(tokenizer.SearchField()),
		ids:       NewIDTracker(),
	}
}

func (b *builder) add(id core.DocumentID, ts core.Timestamp, doc *core.Document) error {
	terms := b.tokenizer.Tokenize(doc)

	var numSearch uint64
	tokenFreqs := make(map[string]uint64)
	for _, t := range terms {
		if t.Field != b.data.searchField {
			continue
		}
		tokenFreqs[t.Text]++
		numSearch++
	}
	return b.addPretokenized(id, ts, doc.CreationTime, numSearch, tokenFreqs)
}

func (b *builder) addPretokenized(id core.DocumentID, ts, creationTime core.Timestamp, numSearch uint64, tokenFreqs map[string]uint64) error {
	slot, err := b.ids.Assign(id)
	if err != nil {
		return err
	}
	for token, freq := range tokenFreqs {
		bm, ok := b.data.postings[token]
		if !ok {
			bm = roaring64.New()
			b.data.postings[token] = bm
			b.data.freqs[token] = make(map[uint64]uint64)
		}
		bm.Add(slot)
		b.data.freqs[token][slot] = freq
		stats := b.data.termStats[token]
		stats.NumDocuments++
		stats.TotalFrequency += freq
		b.data.termStats[token] = stats
		b.data.slotTerms[slot] = append(b.data.slotTerms[slot], token)
	}
	b.data.totalSearchTokens += numSearch
	b.data.slots = append(b.data.slots, slotInfo{
		ID:              id,
		Ts:              ts,
		CreationTime:    creationTime,
		NumSearchTokens: numSearch,
	})
	return nil
}

func (b *builder) finish(kind core.SegmentKind) *BuiltSegment {
	counts := make(map[string]uint64, len(b.data.termStats))
	for token, stats := range b.data.termStats {
		counts[token] = stats.NumDocuments
	}
	numDocs := uint64(len(b.data.slots))
	return &BuiltSegment{
		Meta: Metadata{
			ID:           uuid.NewString(),
			Kind:         kind,
			NumDocuments: numDocs,
		},
		Data:    b.data,
		IDs:     b.ids,
		Tracker: NewDeletionTracker(numDocs, counts),
	}
}

// BuildNewSegment consumes a descending-timestamp revision stream and
// builds one segment holding the newest live revision of every document
// touched in the stream's window.
//
// Revisions that replace or delete a document living in one of the
// previous segments mark that document deleted there. A delete whose
// base revision exists neither in a previous segment nor earlier in the
// stream violates consistency and aborts the build.
func BuildNewSegment(ctx context.Context, stream RevisionStream, tokenizer Tokenizer, kind core.SegmentKind, previous []*UpdatableSegment) (*BuiltSegment, error) {
	b := newBuilder(tokenizer)

	seen := make(map[core.DocumentID]struct{})
	// pending holds documents whose base revision must appear later in
	// the stream because no previous segment contains it.
	pending := make(map[core.DocumentID]struct{})

	for {
		rev, err := stream.Next(ctx)
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read revision stream: %w", err)
		}

		if _, ok := seen[rev.ID]; ok {
			// An older revision of a document we already handled. Only a
			// pure creation settles a pending delete; a replace still
			// needs its own base revision further down the stream.
			if rev.Document != nil && rev.PrevDocument == nil {
				delete(pending, rev.ID)
			}
			continue
		}
		seen[rev.ID] = struct{}{}

		if rev.Document == nil && rev.PrevDocument == nil {
			return nil, core.NewConsistencyError("dangling delete of document %s at %v", rev.ID, rev.Ts)
		}

		if rev.PrevDocument != nil {
			deleted, err := deleteFromPrevious(previous, rev.ID)
			if err != nil {
				return nil, err
			}
			if !deleted {
				pending[rev.ID] = struct{}{}
			}
		}

		if rev.Document != nil {
			// An addition settles the dangling entry its own delete half
			// may have just recorded.
			delete(pending, rev.ID)
			if err := b.add(rev.ID, rev.Ts, rev.Document); err != nil {
				return nil, err
			}
		}
	}

	for id := range pending {
		return nil, core.NewConsistencyError("dangling delete of document %s: base revision not found", id)
	}

	return b.finish(kind), nil
}

func deleteFromPrevious(previous []*UpdatableSegment, id core.DocumentID) (bool, error) {
	for _, seg := range previous {
		if seg.ContainsDocument(id) {
			if err := seg.DeleteDocument(id); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return false, nil
}

// Persist writes every component of the segment to object storage,
// concurrently, and returns metadata with the resulting keys and sizes
// filled in.
func (s *BuiltSegment) Persist(ctx context.Context, store storage.Storage, compressor core.Compressor) (Metadata, error) {
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
		return Metadata{}, fmt.Errorf("persist segment %s: %w", meta.ID, err)
	}

	meta.SizeBytes = uint64(len(segBytes) + len(idBytes) + len(aliveBytes) + len(trackerBytes))
	meta.NumDeletedDocuments = meta.NumDocuments - s.Tracker.NumAlive()
	return meta, nil
}
