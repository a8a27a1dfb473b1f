package compactor

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/INLOpen/nexussearch/config"
	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/hooks"
	"github.com/INLOpen/nexussearch/searchindex"
	"github.com/INLOpen/nexussearch/segment"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() config.CompactionConfig {
	return config.CompactionConfig{
		SmallSegmentThresholdBytes: 10,
		MaxSegmentSizeBytes:        100,
		MinCompactionSegments:      2,
		MaxCompactionSegments:      8,
		MaxDeletedPercentage:       0.5,
	}
}

func sized(size uint64) segment.Metadata {
	return segment.Metadata{ID: uuid.NewString(), SizeBytes: size, NumDocuments: 10}
}

func withDeletes(size, docs, deleted uint64) segment.Metadata {
	return segment.Metadata{ID: uuid.NewString(), SizeBytes: size, NumDocuments: docs, NumDeletedDocuments: deleted}
}

func ids(segs []segment.Metadata) []string {
	out := make([]string, len(segs))
	for i := range segs {
		out[i] = segs[i].ID
	}
	return out
}

func TestFindSegmentsToCompact_SmallSegmentsFirst(t *testing.T) {
	cfg := testConfig()
	segs := []segment.Metadata{sized(5), sized(200), sized(3), sized(8)}

	chosen, reason, ok := findSegmentsToCompact(segs, cfg)
	require.True(t, ok)
	assert.Equal(t, ReasonSmallSegments, reason)
	assert.Len(t, chosen, 3)
	for _, seg := range chosen {
		assert.LessOrEqual(t, seg.SizeBytes, cfg.SmallSegmentThresholdBytes)
	}
}

func TestFindSegmentsToCompact_RespectsSizeBudget(t *testing.T) {
	// Budget exactly filled: 1+2+3+4 = 10 fits a 10-byte maximum.
	cfg := config.CompactionConfig{
		SmallSegmentThresholdBytes: 10,
		MaxSegmentSizeBytes:        10,
		MinCompactionSegments:      2,
		MaxCompactionSegments:      8,
		MaxDeletedPercentage:       0.5,
	}
	segs := []segment.Metadata{sized(1), sized(2), sized(3), sized(4), sized(90)}

	chosen, reason, ok := findSegmentsToCompact(segs, cfg)
	require.True(t, ok)
	assert.Equal(t, ReasonSmallSegments, reason)
	require.Len(t, chosen, 4)
	var total uint64
	for _, seg := range chosen {
		total += seg.SizeBytes
	}
	assert.Equal(t, uint64(10), total)
}

func TestFindSegmentsToCompact_LargeSegments(t *testing.T) {
	cfg := testConfig()
	// One small segment is not enough for rule one; the two large ones
	// fit the budget together.
	segs := []segment.Metadata{sized(5), sized(40), sized(50)}

	chosen, reason, ok := findSegmentsToCompact(segs, cfg)
	require.True(t, ok)
	assert.Equal(t, ReasonLargeSegments, reason)
	assert.Len(t, chosen, 2)
}

func TestFindSegmentsToCompact_DeletesRule(t *testing.T) {
	cfg := testConfig()
	// No group qualifies by size; one large segment is over half
	// deleted.
	heavy := withDeletes(80, 10, 6)
	segs := []segment.Metadata{heavy, withDeletes(90, 10, 1)}

	chosen, reason, ok := findSegmentsToCompact(segs, cfg)
	require.True(t, ok)
	assert.Equal(t, ReasonDeletes, reason)
	require.Len(t, chosen, 1)
	assert.Equal(t, heavy.ID, chosen[0].ID)

	// Small segments never trigger the deletes rule.
	_, _, ok = findSegmentsToCompact([]segment.Metadata{withDeletes(5, 10, 9)}, cfg)
	assert.False(t, ok)
}

func TestFindSegmentsToCompact_NothingEligible(t *testing.T) {
	cfg := testConfig()
	_, _, ok := findSegmentsToCompact(nil, cfg)
	assert.False(t, ok)

	// A single small segment is below the minimum group size.
	_, _, ok = findSegmentsToCompact([]segment.Metadata{sized(5)}, cfg)
	assert.False(t, ok)
}

func TestPlanJob_CapsGroupSize(t *testing.T) {
	cfg := testConfig()
	cfg.MaxCompactionSegments = 3
	c := New(nil, nil, cfg, 0, nil, testLogger(), nil)

	var segs []segment.Metadata
	for i := 0; i < 10; i++ {
		segs = append(segs, sized(1))
	}
	job, ok := c.planJob(IndexEntry{ID: "idx1", Name: "messages.by_body", Segments: segs})
	require.True(t, ok)
	assert.Len(t, job.Segments, 3)
}

// fakeStore is an in-memory MetadataStore recording commits.
type fakeStore struct {
	entries   []IndexEntry
	committed []struct {
		ID       core.IndexID
		Replaced []string
		Merged   segment.Metadata
	}
}

func (s *fakeStore) ListIndexes(ctx context.Context) ([]IndexEntry, error) {
	return s.entries, nil
}

func (s *fakeStore) CommitCompaction(ctx context.Context, id core.IndexID, replaced []string, merged segment.Metadata) error {
	s.committed = append(s.committed, struct {
		ID       core.IndexID
		Replaced []string
		Merged   segment.Metadata
	}{id, replaced, merged})
	return nil
}

// fakeSearcher returns a fixed merged segment for compactions.
type fakeSearcher struct {
	merged segment.Metadata
	calls  int
}

var _ searchindex.Searcher = (*fakeSearcher)(nil)

func (s *fakeSearcher) QueryTerms(ctx context.Context, metas []segment.Metadata, tokens []string, limit int) ([]core.CandidateRevision, error) {
	return nil, nil
}

func (s *fakeSearcher) QueryPostingLists(ctx context.Context, metas []segment.Metadata, tokens []string) ([]searchindex.PostingList, error) {
	return nil, nil
}

func (s *fakeSearcher) QueryBM25Stats(ctx context.Context, metas []segment.Metadata, tokens []string) (searchindex.BM25Stats, error) {
	return searchindex.BM25Stats{}, nil
}

func (s *fakeSearcher) ExecuteTextCompaction(ctx context.Context, metas []segment.Metadata) (segment.Metadata, error) {
	s.calls++
	return s.merged, nil
}

func (s *fakeSearcher) ExecuteVectorCompaction(ctx context.Context, metas []segment.Metadata) (segment.Metadata, error) {
	s.calls++
	return s.merged, nil
}

func (s *fakeSearcher) QueryVectorSegments(ctx context.Context, metas []segment.Metadata, vector []float32, limit int) ([]core.CandidateRevision, error) {
	return nil, nil
}

func TestStep_CompactsAndCommits(t *testing.T) {
	segs := []segment.Metadata{sized(3), sized(4)}
	store := &fakeStore{entries: []IndexEntry{
		{ID: "idx1", Name: "messages.by_body", Segments: segs},
		{ID: "idx2", Name: "messages.pending", Backfilling: true, Segments: segs},
	}}
	searcher := &fakeSearcher{merged: sized(7)}
	c := New(store, searcher, testConfig(), 0, nil, testLogger(), nil)

	require.NoError(t, c.Step(context.Background()))
	assert.Equal(t, 1, searcher.calls, "index without a backfill snapshot ts skipped")
	require.Len(t, store.committed, 1)
	assert.Equal(t, core.IndexID("idx1"), store.committed[0].ID)
	assert.ElementsMatch(t, ids(segs), store.committed[0].Replaced)
}

func TestStep_CompactsBackfillingIndexWithSnapshotTs(t *testing.T) {
	segs := []segment.Metadata{sized(3), sized(4)}
	backfillTs := core.Timestamp(100)
	store := &fakeStore{entries: []IndexEntry{
		{ID: "idx1", Name: "messages.by_body", Backfilling: true, BackfillTs: &backfillTs, Segments: segs},
	}}
	searcher := &fakeSearcher{merged: sized(7)}
	c := New(store, searcher, testConfig(), 0, nil, testLogger(), nil)

	require.NoError(t, c.Step(context.Background()))
	assert.Equal(t, 1, searcher.calls)
	require.Len(t, store.committed, 1)
	assert.Equal(t, core.IndexID("idx1"), store.committed[0].ID)
}

func TestStep_PostHookReportsReplacedSegments(t *testing.T) {
	segs := []segment.Metadata{sized(3), sized(4)}
	store := &fakeStore{entries: []IndexEntry{
		{ID: "idx1", Name: "messages.by_body", Segments: segs},
	}}
	searcher := &fakeSearcher{merged: sized(7)}

	var payloads []hooks.PostCompactionPayload
	hookManager := hooks.NewHookManager(testLogger())
	defer hookManager.Stop()
	hookManager.Register(hooks.EventPostCompaction, hooks.ListenerFunc(func(ctx context.Context, event hooks.HookEvent) error {
		payloads = append(payloads, event.Payload().(hooks.PostCompactionPayload))
		return nil
	}))

	c := New(store, searcher, testConfig(), 0, hookManager, testLogger(), nil)
	require.NoError(t, c.Step(context.Background()))

	require.Len(t, payloads, 1)
	assert.ElementsMatch(t, ids(segs), payloads[0].MergedSegments)
	assert.Equal(t, searcher.merged.ID, payloads[0].NewSegmentID)
	assert.NoError(t, payloads[0].Error)
}

func TestStep_RejectsOversizedMergeResult(t *testing.T) {
	segs := []segment.Metadata{sized(3), sized(4)}
	store := &fakeStore{entries: []IndexEntry{
		{ID: "idx1", Name: "messages.by_body", Segments: segs},
	}}
	// The merge claims a result larger than the configured maximum.
	searcher := &fakeSearcher{merged: sized(500)}
	c := New(store, searcher, testConfig(), 0, nil, testLogger(), nil)

	err := c.Step(context.Background())
	require.Error(t, err)
	assert.True(t, core.IsConsistencyViolation(err))
	assert.Empty(t, store.committed, "oversized result must not commit")
}

func TestExecute_PreHookCancelsQuietly(t *testing.T) {
	segs := []segment.Metadata{sized(3), sized(4)}
	store := &fakeStore{entries: []IndexEntry{
		{ID: "idx1", Name: "messages.by_body", Segments: segs},
	}}
	searcher := &fakeSearcher{merged: sized(7)}

	hookManager := hooks.NewHookManager(testLogger())
	defer hookManager.Stop()
	hookManager.Register(hooks.EventPreCompaction, hooks.ListenerFunc(func(ctx context.Context, event hooks.HookEvent) error {
		return context.Canceled
	}))
	var postCalled bool
	hookManager.Register(hooks.EventPostCompaction, hooks.ListenerFunc(func(ctx context.Context, event hooks.HookEvent) error {
		postCalled = true
		return nil
	}))

	c := New(store, searcher, testConfig(), 0, hookManager, testLogger(), nil)
	require.NoError(t, c.Step(context.Background()))
	assert.Zero(t, searcher.calls, "cancelled job must not merge")
	assert.Empty(t, store.committed)
	assert.False(t, postCalled)
}
