package searchindex

import (
	"context"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/segment"
)

// BM25Stats are the aggregate counters the scorer needs across a set of
// disk segments, before the memory delta's diff is applied.
type BM25Stats struct {
	NumDocuments    uint64
	NumSearchTokens uint64
	TermFrequencies map[string]uint64
}

// PostingList is the per-segment match set for one token.
type PostingList struct {
	SegmentID string
	Token     string
	Matches   []core.CandidateRevision
}

// Searcher executes segment-level work on behalf of the query path and
// the compactor. Implementations may run in-process against local
// segment files or proxy to a dedicated search service; a test double
// may implement it entirely in memory.
type Searcher interface {
	// QueryTerms scores the live documents in segments against tokens.
	QueryTerms(ctx context.Context, segments []segment.Metadata, tokens []string, limit int) ([]core.CandidateRevision, error)
	// QueryPostingLists returns the raw per-segment match sets.
	QueryPostingLists(ctx context.Context, segments []segment.Metadata, tokens []string) ([]PostingList, error)
	// QueryBM25Stats aggregates scoring statistics across segments.
	QueryBM25Stats(ctx context.Context, segments []segment.Metadata, tokens []string) (BM25Stats, error)
	// ExecuteTextCompaction merges text segments into one.
	ExecuteTextCompaction(ctx context.Context, segments []segment.Metadata) (segment.Metadata, error)
	// ExecuteVectorCompaction merges vector segments into one.
	ExecuteVectorCompaction(ctx context.Context, segments []segment.Metadata) (segment.Metadata, error)
	// QueryVectorSegments finds the nearest live documents to vector
	// across segments.
	QueryVectorSegments(ctx context.Context, segments []segment.Metadata, vector []float32, limit int) ([]core.CandidateRevision, error)
}
