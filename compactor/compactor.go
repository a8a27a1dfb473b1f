// Package compactor periodically merges on-disk search index segments
// to bound query fan-out and reclaim space held by deleted documents.
package compactor

import (
	"context"
	"expvar"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexussearch/config"
	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/hooks"
	"github.com/INLOpen/nexussearch/internal/clock"
	"github.com/INLOpen/nexussearch/searchindex"
	"github.com/INLOpen/nexussearch/segment"
)

// Reason states which selection rule picked a compaction group.
type Reason string

const (
	ReasonSmallSegments Reason = "small_segments"
	ReasonLargeSegments Reason = "large_segments"
	ReasonDeletes       Reason = "deletes"
)

// Job is one planned compaction: the chosen segments of one index and
// why they were chosen. Jobs are built fresh each cycle and never
// persisted.
type Job struct {
	IndexID   core.IndexID
	IndexName core.IndexName
	Kind      core.SegmentKind
	Segments  []segment.Metadata
	Reason    Reason
}

// IndexEntry is the compactor's view of one index. Backfilled and
// ready indexes are always eligible; a backfilling index becomes
// eligible once it has a backfill snapshot timestamp, since only then
// is its staged segment set stable enough to merge.
type IndexEntry struct {
	ID          core.IndexID
	Name        core.IndexName
	Kind        core.SegmentKind
	Backfilling bool
	BackfillTs  *core.Timestamp
	Segments    []segment.Metadata
}

// MetadataStore lets the compactor enumerate indexes and commit merged
// results back into their on-disk state atomically.
type MetadataStore interface {
	ListIndexes(ctx context.Context) ([]IndexEntry, error)
	// CommitCompaction replaces the segments named in replaced with
	// merged in the index's segment set, atomically.
	CommitCompaction(ctx context.Context, id core.IndexID, replaced []string, merged segment.Metadata) error
}

// Compactor drives the selection policy and delegates the merge work to
// the searcher backend.
type Compactor struct {
	store    MetadataStore
	searcher searchindex.Searcher
	cfg      config.CompactionConfig
	interval time.Duration
	hooks    hooks.HookManager
	logger   *slog.Logger
	tracer   trace.Tracer
	clk      clock.Clock
	rng      *rand.Rand

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
	triggerCh chan struct{}

	compactionsTotal *expvar.Int
	compactionErrors *expvar.Int
}

func New(store MetadataStore, searcher searchindex.Searcher, cfg config.CompactionConfig, interval time.Duration, hookManager hooks.HookManager, logger *slog.Logger, tracer trace.Tracer) *Compactor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Compactor{
		store:     store,
		searcher:  searcher,
		cfg:       cfg,
		interval:  interval,
		hooks:     hookManager,
		logger:    logger.With("component", "SearchIndexCompactor"),
		tracer:    tracer,
		clk:       clock.SystemClock{},
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
		triggerCh: make(chan struct{}, 1),
	}
}

// SetClock replaces the wall clock, for tests.
func (c *Compactor) SetClock(clk clock.Clock) {
	c.clk = clk
}

// SetMetricsCounters wires externally registered expvar counters.
func (c *Compactor) SetMetricsCounters(compactionsTotal, compactionErrors *expvar.Int) {
	c.compactionsTotal = compactionsTotal
	c.compactionErrors = compactionErrors
}

// Start launches the periodic compaction loop.
func (c *Compactor) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

// Stop shuts the loop down and waits for it to finish.
func (c *Compactor) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
	<-c.doneCh
}

// Trigger requests an immediate pass. Coalesced if one is pending.
func (c *Compactor) Trigger() {
	select {
	case c.triggerCh <- struct{}{}:
	default:
	}
}

func (c *Compactor) run(ctx context.Context) {
	defer close(c.doneCh)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
		case <-c.triggerCh:
		}
		if err := c.Step(ctx); err != nil {
			c.logger.Error("compaction pass failed", "error", err)
		}
	}
}

// Step runs one full pass: every enabled, non-empty index is inspected
// and at most one compaction is executed for each.
func (c *Compactor) Step(ctx context.Context) error {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "SearchIndexCompactor.Step")
		defer span.End()
	}

	start := c.clk.Now()
	entries, err := c.store.ListIndexes(ctx)
	if err != nil {
		return fmt.Errorf("list indexes: %w", err)
	}
	var firstErr error
	for _, entry := range entries {
		if len(entry.Segments) == 0 {
			continue
		}
		if entry.Backfilling && entry.BackfillTs == nil {
			c.logger.Debug("skipping index awaiting backfill snapshot ts", "index", entry.Name)
			continue
		}
		job, ok := c.planJob(entry)
		if !ok {
			continue
		}
		if err := c.execute(ctx, job); err != nil {
			c.logger.Error("compaction failed",
				"index", job.IndexName, "reason", job.Reason, "error", err)
			if c.compactionErrors != nil {
				c.compactionErrors.Add(1)
			}
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	c.logger.Debug("compaction pass finished",
		"indexes", len(entries), "duration", c.clk.Now().Sub(start))
	return firstErr
}

// planJob applies the selection policy and the sampling cap.
func (c *Compactor) planJob(entry IndexEntry) (Job, bool) {
	chosen, reason, ok := findSegmentsToCompact(entry.Segments, c.cfg)
	if !ok {
		return Job{}, false
	}
	// Cap the group size; sample randomly so repeated passes do not
	// starve any particular subset.
	if max := c.cfg.MaxCompactionSegments; max > 0 && len(chosen) > max {
		c.rng.Shuffle(len(chosen), func(i, j int) {
			chosen[i], chosen[j] = chosen[j], chosen[i]
		})
		chosen = chosen[:max]
	}
	return Job{
		IndexID:   entry.ID,
		IndexName: entry.Name,
		Kind:      entry.Kind,
		Segments:  chosen,
		Reason:    reason,
	}, true
}

func (c *Compactor) execute(ctx context.Context, job Job) error {
	if c.tracer != nil {
		var span trace.Span
		ctx, span = c.tracer.Start(ctx, "SearchIndexCompactor.execute")
		span.SetAttributes(
			attribute.String("compaction.index", string(job.IndexName)),
			attribute.String("compaction.reason", string(job.Reason)),
			attribute.Int("compaction.segments", len(job.Segments)),
		)
		defer span.End()
	}

	segmentIDs := make([]string, len(job.Segments))
	for i := range job.Segments {
		segmentIDs[i] = job.Segments[i].ID
	}

	if c.hooks != nil {
		err := c.hooks.Trigger(ctx, hooks.NewPreCompactionEvent(hooks.PreCompactionPayload{
			IndexID:    job.IndexID,
			IndexName:  job.IndexName,
			Reason:     string(job.Reason),
			SegmentIDs: segmentIDs,
		}))
		if err != nil {
			c.logger.Warn("compaction cancelled by pre-hook", "index", job.IndexName, "error", err)
			return nil
		}
	}

	var merged segment.Metadata
	var err error
	switch job.Kind {
	case core.SegmentKindVector:
		merged, err = c.searcher.ExecuteVectorCompaction(ctx, job.Segments)
	default:
		merged, err = c.searcher.ExecuteTextCompaction(ctx, job.Segments)
	}
	if err == nil && merged.SizeBytes > c.cfg.MaxSegmentSizeBytes {
		err = core.NewConsistencyError("merged segment %s is %d bytes, exceeding the %d byte limit",
			merged.ID, merged.SizeBytes, c.cfg.MaxSegmentSizeBytes)
	}
	if err == nil {
		err = c.store.CommitCompaction(ctx, job.IndexID, segmentIDs, merged)
	}

	if c.hooks != nil {
		hookErr := c.hooks.Trigger(ctx, hooks.NewPostCompactionEvent(hooks.PostCompactionPayload{
			IndexID:        job.IndexID,
			IndexName:      job.IndexName,
			Reason:         string(job.Reason),
			MergedSegments: segmentIDs,
			NewSegmentID:   merged.ID,
			Error:          err,
		}))
		if hookErr != nil {
			c.logger.Warn("post-compaction hook failed", "index", job.IndexName, "error", hookErr)
		}
	}
	if err != nil {
		if c.tracer != nil {
			span := trace.SpanFromContext(ctx)
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return err
	}

	if c.compactionsTotal != nil {
		c.compactionsTotal.Add(1)
	}
	c.logger.Info("compaction committed",
		"index", job.IndexName,
		"reason", job.Reason,
		"merged", len(job.Segments),
		"new_segment", merged.String())
	return nil
}

// findSegmentsToCompact applies the three selection rules in priority
// order: small segments, then large segments, then a single large
// segment carrying too many deletes. Small segments are excluded from
// the deletes rule since rule one sweeps them up eventually.
func findSegmentsToCompact(segments []segment.Metadata, cfg config.CompactionConfig) ([]segment.Metadata, Reason, bool) {
	var small, large []segment.Metadata
	for _, seg := range segments {
		if seg.SizeBytes <= cfg.SmallSegmentThresholdBytes {
			small = append(small, seg)
		} else {
			large = append(large, seg)
		}
	}

	if chosen := greedyBySize(small, cfg.MaxSegmentSizeBytes); len(chosen) >= cfg.MinCompactionSegments {
		return chosen, ReasonSmallSegments, true
	}
	if chosen := greedyBySize(large, cfg.MaxSegmentSizeBytes); len(chosen) >= cfg.MinCompactionSegments {
		return chosen, ReasonLargeSegments, true
	}
	for _, seg := range large {
		if seg.DeletedFraction() > cfg.MaxDeletedPercentage {
			return []segment.Metadata{seg}, ReasonDeletes, true
		}
	}
	return nil, "", false
}

// greedyBySize accumulates segments smallest-first while the running
// total stays within maxTotal.
func greedyBySize(segments []segment.Metadata, maxTotal uint64) []segment.Metadata {
	sorted := append([]segment.Metadata(nil), segments...)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].SizeBytes < sorted[j].SizeBytes
	})
	var chosen []segment.Metadata
	var total uint64
	for _, seg := range sorted {
		if total+seg.SizeBytes > maxTotal {
			break
		}
		chosen = append(chosen, seg)
		total += seg.SizeBytes
	}
	return chosen
}
