package searchindex

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/segment"
)

// stubSearcher serves canned disk results and counts segment reads.
type stubSearcher struct {
	textResults   []core.CandidateRevision
	vectorResults []core.CandidateRevision
	textCalls     int
	vectorCalls   int
}

var _ Searcher = (*stubSearcher)(nil)

func (s *stubSearcher) QueryTerms(ctx context.Context, metas []segment.Metadata, tokens []string, limit int) ([]core.CandidateRevision, error) {
	s.textCalls++
	return s.textResults, nil
}

func (s *stubSearcher) QueryPostingLists(ctx context.Context, metas []segment.Metadata, tokens []string) ([]PostingList, error) {
	return nil, nil
}

func (s *stubSearcher) QueryBM25Stats(ctx context.Context, metas []segment.Metadata, tokens []string) (BM25Stats, error) {
	return BM25Stats{}, nil
}

func (s *stubSearcher) ExecuteTextCompaction(ctx context.Context, metas []segment.Metadata) (segment.Metadata, error) {
	return segment.Metadata{}, nil
}

func (s *stubSearcher) ExecuteVectorCompaction(ctx context.Context, metas []segment.Metadata) (segment.Metadata, error) {
	return segment.Metadata{}, nil
}

func (s *stubSearcher) QueryVectorSegments(ctx context.Context, metas []segment.Metadata, vector []float32, limit int) ([]core.CandidateRevision, error) {
	s.vectorCalls++
	return s.vectorResults, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func messagesSchema() *Schema {
	return NewSchema("messages", "messages.by_body", "body", []string{"channel"})
}

func bodyDoc(id core.DocumentID, body string) *core.Document {
	return &core.Document{
		ID:           id,
		Table:        "messages",
		CreationTime: 100,
		Fields:       map[string]string{"body": body},
	}
}

func currentSnapshot(ts core.Timestamp, segments ...segment.Metadata) DiskSnapshot {
	return DiskSnapshot{Ts: ts, Version: core.CurrentFormatVersion, Segments: segments}
}

func TestManager_IndexLifecycle(t *testing.T) {
	stub := &stubSearcher{}
	m := NewManager(core.SegmentKindText, stub, nil, testLogger(), nil)
	require.NoError(t, m.CreateIndex("idx1", messagesSchema(), 100))

	// Backfilling indexes refuse queries.
	_, _, err := m.Search(context.Background(), "messages.by_body", Query{SearchText: "red"}, 120)
	require.Error(t, err)
	assert.True(t, core.IsIndexBackfilling(err))

	// A commit lands in the memory delta while backfilling.
	require.NoError(t, m.Update(core.DocumentUpdate{
		ID: "doc1", Table: "messages", New: bodyDoc("doc1", "red fox"),
	}, 150))

	// First disk snapshot: Backfilling becomes Backfilled, still not
	// queryable.
	require.NoError(t, m.ApplySnapshot("idx1", currentSnapshot(100)))
	idx, ok := m.Index("idx1")
	require.True(t, ok)
	assert.Equal(t, StateBackfilled, idx.State())
	_, _, err = m.Search(context.Background(), "messages.by_body", Query{SearchText: "red"}, 160)
	assert.True(t, core.IsIndexBackfilling(err))

	require.NoError(t, m.EnableIndex("idx1"))
	idx, _ = m.Index("idx1")
	assert.Equal(t, StateReady, idx.State())

	// The write committed after the snapshot is served from memory.
	results, readSet, err := m.Search(context.Background(), "messages.by_body", Query{SearchText: "red"}, 160)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, core.DocumentID("doc1"), results[0].ID)
	assert.Equal(t, core.Timestamp(100), readSet.DiskTs)
	assert.Equal(t, core.Timestamp(160), readSet.ReadTs)
	assert.Equal(t, 1, stub.textCalls)

	// The snapshot advanced the memory floor past its own timestamp.
	assert.Equal(t, core.Timestamp(101), idx.Memory().MinTs())

	// A newer snapshot covering the write truncates it out of memory.
	require.NoError(t, m.ApplySnapshot("idx1", currentSnapshot(150)))
	idx, _ = m.Index("idx1")
	assert.Equal(t, 0, idx.Memory().NumTransactions())
	assert.Equal(t, StateReady, idx.State())
	require.NoError(t, m.ConsistencyCheck())
}

func TestManager_EnableBeforeFirstSnapshot(t *testing.T) {
	m := NewManager(core.SegmentKindText, &stubSearcher{}, nil, testLogger(), nil)
	require.NoError(t, m.CreateIndex("idx1", messagesSchema(), 100))
	require.NoError(t, m.EnableIndex("idx1"))

	idx, _ := m.Index("idx1")
	assert.Equal(t, StateBackfilling, idx.State())

	// The first snapshot takes the enabled index straight to Ready.
	require.NoError(t, m.ApplySnapshot("idx1", currentSnapshot(100)))
	idx, _ = m.Index("idx1")
	assert.Equal(t, StateReady, idx.State())
}

func TestManager_ApplySnapshotRejectsGapsAndRegressions(t *testing.T) {
	m := NewManager(core.SegmentKindText, &stubSearcher{}, nil, testLogger(), nil)
	require.NoError(t, m.CreateIndex("idx1", messagesSchema(), 100))

	// A snapshot older than the memory floor would leave a window no
	// layer covers.
	err := m.ApplySnapshot("idx1", currentSnapshot(98))
	require.Error(t, err)
	assert.True(t, core.IsConsistencyViolation(err))

	require.NoError(t, m.ApplySnapshot("idx1", currentSnapshot(150)))
	err = m.ApplySnapshot("idx1", currentSnapshot(120))
	require.Error(t, err)
	assert.True(t, core.IsConsistencyViolation(err))
}

func TestManager_VersionMismatchIsNotQueryable(t *testing.T) {
	m := NewManager(core.SegmentKindText, &stubSearcher{}, nil, testLogger(), nil)
	require.NoError(t, m.CreateIndex("idx1", messagesSchema(), 100))
	require.NoError(t, m.EnableIndex("idx1"))
	require.NoError(t, m.ApplySnapshot("idx1", DiskSnapshot{Ts: 100, Version: core.CurrentFormatVersion - 1}))

	_, _, err := m.Search(context.Background(), "messages.by_body", Query{SearchText: "red"}, 120)
	require.Error(t, err)
	assert.True(t, core.IsIndexBackfilling(err))
}

func TestManager_SearchMergesMemoryOverDisk(t *testing.T) {
	stub := &stubSearcher{textResults: []core.CandidateRevision{
		{ID: "dead", Ts: 90, Score: 9},
		{ID: "doc1", Ts: 80, Score: 5},
		{ID: "doc2", Ts: 70, Score: 3},
	}}
	m := NewManager(core.SegmentKindText, stub, nil, testLogger(), nil)
	require.NoError(t, m.CreateIndex("idx1", messagesSchema(), 100))
	require.NoError(t, m.EnableIndex("idx1"))
	require.NoError(t, m.ApplySnapshot("idx1", currentSnapshot(100)))

	// doc2 is rewritten in memory; dead is deleted in memory. Both were
	// matches in the disk snapshot.
	require.NoError(t, m.Update(core.DocumentUpdate{
		ID: "doc2", Table: "messages",
		Old: bodyDoc("doc2", "red ox"), New: bodyDoc("doc2", "red fox"),
	}, 120))
	require.NoError(t, m.Update(core.DocumentUpdate{
		ID: "dead", Table: "messages", Old: bodyDoc("dead", "red hen"),
	}, 130))

	results, _, err := m.Search(context.Background(), "messages.by_body", Query{SearchText: "red"}, 140)
	require.NoError(t, err)
	require.Len(t, results, 2)

	// The deleted document is suppressed; doc2's memory revision
	// replaces its disk hit.
	assert.Equal(t, core.DocumentID("doc1"), results[0].ID)
	assert.Equal(t, core.Timestamp(80), results[0].Ts)
	assert.Equal(t, core.DocumentID("doc2"), results[1].ID)
	assert.Equal(t, core.Timestamp(120), results[1].Ts)
}

func TestManager_SearchReadTsBoundsMemory(t *testing.T) {
	m := NewManager(core.SegmentKindText, &stubSearcher{}, nil, testLogger(), nil)
	require.NoError(t, m.CreateIndex("idx1", messagesSchema(), 100))
	require.NoError(t, m.EnableIndex("idx1"))
	require.NoError(t, m.ApplySnapshot("idx1", currentSnapshot(100)))
	require.NoError(t, m.Update(core.DocumentUpdate{
		ID: "doc1", Table: "messages", New: bodyDoc("doc1", "red fox"),
	}, 150))

	// A read positioned before the write does not see it.
	results, _, err := m.Search(context.Background(), "messages.by_body", Query{SearchText: "red"}, 140)
	require.NoError(t, err)
	assert.Empty(t, results)

	results, _, err = m.Search(context.Background(), "messages.by_body", Query{SearchText: "red"}, 150)
	require.NoError(t, err)
	assert.Len(t, results, 1)
}

func TestManager_CloneSharesMemoryUntilTransition(t *testing.T) {
	m := NewManager(core.SegmentKindText, &stubSearcher{}, nil, testLogger(), nil)
	require.NoError(t, m.CreateIndex("idx1", messagesSchema(), 100))

	clone := m.Clone()

	// Writes through either manager land in the shared memory delta.
	require.NoError(t, m.Update(core.DocumentUpdate{
		ID: "doc1", Table: "messages", New: bodyDoc("doc1", "red"),
	}, 120))
	cloneIdx, ok := clone.Index("idx1")
	require.True(t, ok)
	assert.Equal(t, 1, cloneIdx.Memory().NumTransactions())

	// A snapshot transition replaces the index value in m only; the
	// clone keeps the previous lifecycle state and memory floor.
	require.NoError(t, m.ApplySnapshot("idx1", currentSnapshot(120)))
	idx, _ := m.Index("idx1")
	cloneIdx, _ = clone.Index("idx1")
	assert.Equal(t, StateBackfilled, idx.State())
	assert.Equal(t, StateBackfilling, cloneIdx.State())
	assert.Equal(t, core.Timestamp(121), idx.Memory().MinTs())
	assert.Equal(t, core.Timestamp(100), cloneIdx.Memory().MinTs())
}

func TestManager_CreateAndDrop(t *testing.T) {
	m := NewManager(core.SegmentKindText, &stubSearcher{}, nil, testLogger(), nil)
	require.NoError(t, m.CreateIndex("idx1", messagesSchema(), 100))
	require.Error(t, m.CreateIndex("idx1", messagesSchema(), 100), "duplicate id")

	_, _, err := m.Search(context.Background(), "nope.by_body", Query{SearchText: "red"}, 120)
	assert.ErrorIs(t, err, core.ErrNotFound)

	require.NoError(t, m.DropIndex("idx1"))
	_, ok := m.Index("idx1")
	assert.False(t, ok)
	assert.ErrorIs(t, m.DropIndex("idx1"), core.ErrNotFound)
}

func TestManager_VectorSearchUsesMemoryDelta(t *testing.T) {
	stub := &stubSearcher{vectorResults: []core.CandidateRevision{
		{ID: "disk-doc", Ts: 90, Score: 0.8},
	}}
	m := NewManager(core.SegmentKindVector, stub, nil, testLogger(), nil)
	require.NoError(t, m.CreateIndex("vec1", NewSchema("messages", "messages.by_embedding", "embedding", nil), 100))
	require.NoError(t, m.EnableIndex("vec1"))
	require.NoError(t, m.ApplySnapshot("vec1", currentSnapshot(100)))
	require.NoError(t, m.Update(core.DocumentUpdate{
		ID: "mem-doc", Table: "messages",
		New: &core.Document{ID: "mem-doc", Table: "messages", CreationTime: 100,
			Fields: map[string]string{"embedding": "opaque"}},
	}, 120))

	results, _, err := m.Search(context.Background(), "messages.by_embedding", Query{Vector: []float32{1, 0}}, 130)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, 1, stub.vectorCalls)
	ids := []core.DocumentID{results[0].ID, results[1].ID}
	assert.ElementsMatch(t, []core.DocumentID{"disk-doc", "mem-doc"}, ids)
}
