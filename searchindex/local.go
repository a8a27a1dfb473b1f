package searchindex

import (
	"context"
	"log/slog"
	"sort"

	"github.com/dustin/go-humanize"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/segment"
	"github.com/INLOpen/nexussearch/storage"
)

// LocalSearcher executes segment work in-process: it fetches segment
// payloads through the archive cache and writes compaction output back
// to object storage. Deployments with a dedicated search service swap
// this out behind the Searcher interface.
type LocalSearcher struct {
	fetcher    segment.Fetcher
	store      storage.Storage
	compressor core.Compressor
	logger     *slog.Logger
}

var _ Searcher = (*LocalSearcher)(nil)

func NewLocalSearcher(fetcher segment.Fetcher, store storage.Storage, compressor core.Compressor, logger *slog.Logger) *LocalSearcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalSearcher{
		fetcher:    fetcher,
		store:      store,
		compressor: compressor,
		logger:     logger.With("component", "LocalSearcher"),
	}
}

func (s *LocalSearcher) openAll(ctx context.Context, metas []segment.Metadata) ([]*segment.UpdatableSegment, error) {
	segments := make([]*segment.UpdatableSegment, 0, len(metas))
	for _, meta := range metas {
		seg, err := segment.Open(ctx, meta, s.fetcher, s.compressor)
		if err != nil {
			return nil, err
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// QueryTerms scores tokens against every live document across segments.
func (s *LocalSearcher) QueryTerms(ctx context.Context, metas []segment.Metadata, tokens []string, limit int) ([]core.CandidateRevision, error) {
	segments, err := s.openAll(ctx, metas)
	if err != nil {
		return nil, err
	}
	var candidates []core.CandidateRevision
	for _, seg := range segments {
		candidates = append(candidates, seg.Query(tokens)...)
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

// QueryPostingLists returns the raw per-segment, per-token match sets.
func (s *LocalSearcher) QueryPostingLists(ctx context.Context, metas []segment.Metadata, tokens []string) ([]PostingList, error) {
	segments, err := s.openAll(ctx, metas)
	if err != nil {
		return nil, err
	}
	var lists []PostingList
	for i, seg := range segments {
		for _, token := range tokens {
			matches := seg.Query([]string{token})
			if len(matches) == 0 {
				continue
			}
			lists = append(lists, PostingList{
				SegmentID: metas[i].ID,
				Token:     token,
				Matches:   matches,
			})
		}
	}
	return lists, nil
}

// QueryBM25Stats aggregates scoring statistics across segments.
// TermFrequencies counts live documents containing each token.
func (s *LocalSearcher) QueryBM25Stats(ctx context.Context, metas []segment.Metadata, tokens []string) (BM25Stats, error) {
	segments, err := s.openAll(ctx, metas)
	if err != nil {
		return BM25Stats{}, err
	}
	stats := BM25Stats{TermFrequencies: make(map[string]uint64, len(tokens))}
	for _, seg := range segments {
		tracker := seg.Tracker()
		stats.NumDocuments += tracker.NumAlive()
		stats.NumSearchTokens += seg.Data().TotalSearchTokens()
		for _, token := range tokens {
			termStats := seg.Data().TermStatistics(token)
			deleted := tracker.DeletedTermDocuments(token)
			if termStats.NumDocuments > deleted {
				stats.TermFrequencies[token] += termStats.NumDocuments - deleted
			}
		}
	}
	return stats, nil
}

// ExecuteTextCompaction merges text segments into one and persists it.
func (s *LocalSearcher) ExecuteTextCompaction(ctx context.Context, metas []segment.Metadata) (segment.Metadata, error) {
	segments, err := s.openAll(ctx, metas)
	if err != nil {
		return segment.Metadata{}, err
	}
	built, err := segment.Merge(segments, core.SegmentKindText)
	if err != nil {
		return segment.Metadata{}, err
	}
	merged, err := built.Persist(ctx, s.store, s.compressor)
	if err != nil {
		return segment.Metadata{}, err
	}
	s.logger.Info("text compaction complete",
		"merged_segments", len(metas),
		"docs", merged.NumDocuments,
		"size", humanize.IBytes(merged.SizeBytes))
	return merged, nil
}

// ExecuteVectorCompaction merges vector segments into one and persists
// it.
func (s *LocalSearcher) ExecuteVectorCompaction(ctx context.Context, metas []segment.Metadata) (segment.Metadata, error) {
	segments := make([]*segment.UpdatableVectorSegment, 0, len(metas))
	for _, meta := range metas {
		seg, err := segment.OpenVector(ctx, meta, s.fetcher, s.compressor)
		if err != nil {
			return segment.Metadata{}, err
		}
		segments = append(segments, seg)
	}
	built, err := segment.MergeVector(segments)
	if err != nil {
		return segment.Metadata{}, err
	}
	merged, err := built.Persist(ctx, s.store, s.compressor)
	if err != nil {
		return segment.Metadata{}, err
	}
	s.logger.Info("vector compaction complete",
		"merged_segments", len(metas),
		"docs", merged.NumDocuments,
		"size", humanize.IBytes(merged.SizeBytes))
	return merged, nil
}

// QueryVectorSegments finds the nearest live documents across segments.
func (s *LocalSearcher) QueryVectorSegments(ctx context.Context, metas []segment.Metadata, vector []float32, limit int) ([]core.CandidateRevision, error) {
	var candidates []core.CandidateRevision
	for _, meta := range metas {
		seg, err := segment.OpenVector(ctx, meta, s.fetcher, s.compressor)
		if err != nil {
			return nil, err
		}
		matches, err := seg.Query(vector, limit)
		if err != nil {
			return nil, err
		}
		candidates = append(candidates, matches...)
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
