package segment

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussearch/compressors"
	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/storage"
)

type testTokenizer struct{ field string }

func (t testTokenizer) SearchField() string { return t.field }

func (t testTokenizer) Tokenize(doc *core.Document) []core.DocumentTerm {
	var terms []core.DocumentTerm
	for i, word := range strings.Fields(doc.Fields[t.field]) {
		terms = append(terms, core.DocumentTerm{Field: t.field, Text: word, Position: uint32(i)})
	}
	return terms
}

// sliceStream yields its pairs in order; callers build it descending by
// timestamp.
type sliceStream struct {
	pairs []core.RevisionPair
	pos   int
}

func (s *sliceStream) Next(ctx context.Context) (core.RevisionPair, error) {
	if s.pos >= len(s.pairs) {
		return core.RevisionPair{}, io.EOF
	}
	p := s.pairs[s.pos]
	s.pos++
	return p, nil
}

func testDoc(id core.DocumentID, creation core.Timestamp, body string) *core.Document {
	return &core.Document{
		ID:           id,
		Table:        "messages",
		CreationTime: creation,
		Fields:       map[string]string{"body": body},
	}
}

type storageFetcher struct{ store storage.Storage }

func (f storageFetcher) Fetch(ctx context.Context, key storage.Key) (io.ReadCloser, error) {
	return f.store.Get(ctx, key)
}

func newTestStorage(t *testing.T) *storage.LocalDirStorage {
	t.Helper()
	store, err := storage.NewLocalDirStorage(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return store
}

func TestBuildNewSegment_NewestRevisionWins(t *testing.T) {
	stream := &sliceStream{pairs: []core.RevisionPair{
		{ID: "doc1", Ts: 130, Document: testDoc("doc1", 100, "red fox"), PrevDocument: testDoc("doc1", 100, "old fox")},
		{ID: "doc2", Ts: 120, Document: testDoc("doc2", 120, "blue ox")},
		{ID: "doc1", Ts: 110, Document: testDoc("doc1", 100, "old fox")},
	}}

	built, err := BuildNewSegment(context.Background(), stream, testTokenizer{"body"}, core.SegmentKindText, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), built.Meta.NumDocuments)

	// The older doc1 revision must not appear; only "red" matches.
	seg := &UpdatableSegment{meta: built.Meta, data: built.Data, ids: built.IDs, tracker: built.Tracker}
	results := seg.Query([]string{"red"})
	require.Len(t, results, 1)
	assert.Equal(t, core.DocumentID("doc1"), results[0].ID)
	assert.Equal(t, core.Timestamp(130), results[0].Ts)
	assert.Empty(t, seg.Query([]string{"old"}))
}

func TestBuildNewSegment_DeleteInsideWindow(t *testing.T) {
	// doc1 is created and deleted inside the window; the delete's base
	// is found later in the stream, so the build succeeds and the dead
	// document is excluded.
	stream := &sliceStream{pairs: []core.RevisionPair{
		{ID: "doc1", Ts: 130, PrevDocument: testDoc("doc1", 110, "red fox")},
		{ID: "doc1", Ts: 110, Document: testDoc("doc1", 110, "red fox")},
	}}

	built, err := BuildNewSegment(context.Background(), stream, testTokenizer{"body"}, core.SegmentKindText, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), built.Meta.NumDocuments)
}

func TestBuildNewSegment_DescendingDocumentIDs(t *testing.T) {
	// Slot assignment must not depend on the order ids arrive in.
	stream := &sliceStream{pairs: []core.RevisionPair{
		{ID: "doc-b", Ts: 130, Document: testDoc("doc-b", 130, "red fox")},
		{ID: "doc-a", Ts: 120, Document: testDoc("doc-a", 120, "blue ox")},
	}}

	built, err := BuildNewSegment(context.Background(), stream, testTokenizer{"body"}, core.SegmentKindText, nil)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), built.Meta.NumDocuments)

	slotB, ok := built.IDs.Lookup("doc-b")
	require.True(t, ok)
	slotA, ok := built.IDs.Lookup("doc-a")
	require.True(t, ok)
	assert.NotEqual(t, slotA, slotB)
}

func TestBuildNewSegment_ReplaceDoesNotSettleDelete(t *testing.T) {
	// A delete followed only by an older replace has no creation for
	// the delete's base anywhere, so the build must fail.
	stream := &sliceStream{pairs: []core.RevisionPair{
		{ID: "doc1", Ts: 130, PrevDocument: testDoc("doc1", 100, "red fox")},
		{ID: "doc1", Ts: 120, Document: testDoc("doc1", 100, "red fox"), PrevDocument: testDoc("doc1", 100, "old fox")},
	}}

	_, err := BuildNewSegment(context.Background(), stream, testTokenizer{"body"}, core.SegmentKindText, nil)
	require.Error(t, err)
	assert.True(t, core.IsConsistencyViolation(err))
}

func TestBuildNewSegment_DeleteAgainstPreviousSegment(t *testing.T) {
	base := &sliceStream{pairs: []core.RevisionPair{
		{ID: "doc1", Ts: 100, Document: testDoc("doc1", 100, "red fox")},
	}}
	builtBase, err := BuildNewSegment(context.Background(), base, testTokenizer{"body"}, core.SegmentKindText, nil)
	require.NoError(t, err)
	prev := &UpdatableSegment{meta: builtBase.Meta, data: builtBase.Data, ids: builtBase.IDs, tracker: builtBase.Tracker}

	stream := &sliceStream{pairs: []core.RevisionPair{
		{ID: "doc1", Ts: 120, PrevDocument: testDoc("doc1", 100, "red fox")},
	}}
	built, err := BuildNewSegment(context.Background(), stream, testTokenizer{"body"}, core.SegmentKindText, []*UpdatableSegment{prev})
	require.NoError(t, err)
	assert.Equal(t, uint64(0), built.Meta.NumDocuments)

	// The delete landed in the previous segment.
	assert.False(t, prev.Tracker().IsAlive(0))
	assert.Empty(t, prev.Query([]string{"red"}))
	meta := prev.Metadata()
	assert.Equal(t, uint64(1), meta.NumDeletedDocuments)
}

func TestBuildNewSegment_DanglingDeleteFails(t *testing.T) {
	// A delete with no prior revision anywhere is a consistency
	// violation.
	stream := &sliceStream{pairs: []core.RevisionPair{
		{ID: "ghost", Ts: 120, PrevDocument: testDoc("ghost", 100, "red")},
	}}
	_, err := BuildNewSegment(context.Background(), stream, testTokenizer{"body"}, core.SegmentKindText, nil)
	require.Error(t, err)
	assert.True(t, core.IsConsistencyViolation(err))

	// Same without even a previous document value.
	stream = &sliceStream{pairs: []core.RevisionPair{{ID: "ghost", Ts: 120}}}
	_, err = BuildNewSegment(context.Background(), stream, testTokenizer{"body"}, core.SegmentKindText, nil)
	require.Error(t, err)
	assert.True(t, core.IsConsistencyViolation(err))
}

func TestSegment_PersistAndOpenRoundTrip(t *testing.T) {
	stream := &sliceStream{pairs: []core.RevisionPair{
		{ID: "doc2", Ts: 120, Document: testDoc("doc2", 120, "blue ox")},
		{ID: "doc1", Ts: 110, Document: testDoc("doc1", 110, "red fox ox")},
	}}
	built, err := BuildNewSegment(context.Background(), stream, testTokenizer{"body"}, core.SegmentKindText, nil)
	require.NoError(t, err)

	store := newTestStorage(t)
	compressor := compressors.NewSnappyCompressor()
	meta, err := built.Persist(context.Background(), store, compressor)
	require.NoError(t, err)
	assert.NotEmpty(t, meta.SegmentKey)
	assert.NotEmpty(t, meta.IDTrackerKey)
	assert.NotEmpty(t, meta.AliveBitsetKey)
	assert.NotEmpty(t, meta.DeletedTermsKey)
	assert.Greater(t, meta.SizeBytes, uint64(0))
	assert.Equal(t, uint64(2), meta.NumDocuments)

	seg, err := Open(context.Background(), meta, storageFetcher{store}, compressor)
	require.NoError(t, err)

	results := seg.Query([]string{"ox"})
	require.Len(t, results, 2)
	assert.True(t, seg.ContainsDocument("doc1"))
	assert.False(t, seg.ContainsDocument("nope"))

	// "ox" appears in both documents, "red" in one; idf makes the rarer
	// term score higher for its document.
	red := seg.Query([]string{"red"})
	require.Len(t, red, 1)
	assert.Equal(t, core.DocumentID("doc1"), red[0].ID)
}

func TestUpdatableSegment_DeleteDocument(t *testing.T) {
	stream := &sliceStream{pairs: []core.RevisionPair{
		{ID: "doc2", Ts: 120, Document: testDoc("doc2", 120, "red ox")},
		{ID: "doc1", Ts: 110, Document: testDoc("doc1", 110, "red fox")},
	}}
	built, err := BuildNewSegment(context.Background(), stream, testTokenizer{"body"}, core.SegmentKindText, nil)
	require.NoError(t, err)
	seg := &UpdatableSegment{meta: built.Meta, data: built.Data, ids: built.IDs, tracker: built.Tracker}

	require.NoError(t, seg.DeleteDocument("doc1"))
	results := seg.Query([]string{"red"})
	require.Len(t, results, 1)
	assert.Equal(t, core.DocumentID("doc2"), results[0].ID)

	// Double delete is a consistency violation.
	err = seg.DeleteDocument("doc1")
	require.Error(t, err)
	assert.True(t, core.IsConsistencyViolation(err))

	meta := seg.Metadata()
	assert.InDelta(t, 0.5, meta.DeletedFraction(), 1e-9)
}

func TestMerge_DropsDeletedDocuments(t *testing.T) {
	build := func(pairs ...core.RevisionPair) *UpdatableSegment {
		t.Helper()
		built, err := BuildNewSegment(context.Background(), &sliceStream{pairs: pairs}, testTokenizer{"body"}, core.SegmentKindText, nil)
		require.NoError(t, err)
		return &UpdatableSegment{meta: built.Meta, data: built.Data, ids: built.IDs, tracker: built.Tracker}
	}
	segA := build(core.RevisionPair{ID: "doc1", Ts: 110, Document: testDoc("doc1", 110, "red fox")})
	segB := build(
		core.RevisionPair{ID: "doc3", Ts: 140, Document: testDoc("doc3", 140, "red hen")},
		core.RevisionPair{ID: "doc2", Ts: 130, Document: testDoc("doc2", 130, "blue ox")},
	)
	require.NoError(t, segB.DeleteDocument("doc2"))

	merged, err := Merge([]*UpdatableSegment{segA, segB}, core.SegmentKindText)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), merged.Meta.NumDocuments)
	assert.Equal(t, uint64(0), merged.Meta.NumDeletedDocuments)

	seg := &UpdatableSegment{meta: merged.Meta, data: merged.Data, ids: merged.IDs, tracker: merged.Tracker}
	results := seg.Query([]string{"red"})
	require.Len(t, results, 2)
	assert.False(t, seg.ContainsDocument("doc2"))
}

func TestIDTracker_RoundTrip(t *testing.T) {
	tr := NewIDTracker()
	for _, id := range []core.DocumentID{"b", "a", "c"} {
		_, err := tr.Assign(id)
		require.NoError(t, err)
	}
	_, err := tr.Assign("a")
	require.Error(t, err, "duplicate assignment must fail")

	slot, ok := tr.Lookup("b")
	require.True(t, ok)
	assert.Equal(t, uint64(0), slot)
	_, ok = tr.Lookup("missing")
	assert.False(t, ok)

	var buf bytes.Buffer
	compressor := compressors.NewNoneCompressor()
	require.NoError(t, tr.WriteTo(&buf, compressor))
	loaded, err := ReadIDTracker(&buf, compressor)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Len())
	slot, ok = loaded.Lookup("c")
	require.True(t, ok)
	assert.Equal(t, uint64(2), slot)
}

func TestVectorSegment_BuildQueryMerge(t *testing.T) {
	data := NewVectorData(2)
	_, err := data.Add("doc1", 110, 100, []float32{1, 0})
	require.NoError(t, err)
	_, err = data.Add("doc2", 120, 100, []float32{0, 1})
	require.NoError(t, err)
	_, err = data.Add("doc3", 130, 100, []float32{1, 1, 1})
	require.Error(t, err, "dimension mismatch must fail")

	built, err := FinishVectorSegment(data)
	require.NoError(t, err)

	store := newTestStorage(t)
	compressor := compressors.NewNoneCompressor()
	meta, err := built.Persist(context.Background(), store, compressor)
	require.NoError(t, err)
	assert.Equal(t, core.SegmentKindVector, meta.Kind)

	seg, err := OpenVector(context.Background(), meta, storageFetcher{store}, compressor)
	require.NoError(t, err)

	results, err := seg.Query([]float32{1, 0.1}, 10)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, core.DocumentID("doc1"), results[0].ID, "closest vector first")

	require.NoError(t, seg.DeleteDocument("doc1"))
	results, err = seg.Query([]float32{1, 0.1}, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, core.DocumentID("doc2"), results[0].ID)

	merged, err := MergeVector([]*UpdatableVectorSegment{seg})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), merged.Meta.NumDocuments)
}
