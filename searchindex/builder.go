package searchindex

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/segment"
	"github.com/INLOpen/nexussearch/storage"
)

// RevisionSource supplies committed document revisions from the
// transaction layer. Streams are ordered by descending timestamp; see
// segment.BuildNewSegment for why ascending order is unsafe in the
// presence of deletions.
type RevisionSource interface {
	// Revisions streams every revision of table committed in
	// (since, until], newest first.
	Revisions(ctx context.Context, table core.TableID, since, until core.Timestamp) (segment.RevisionStream, error)
}

// IncrementalIndexBuilder turns revision streams into disk snapshots:
// it builds one new segment covering everything since an index's last
// snapshot, applies the stream's deletes into the previous segments and
// re-persists their deletion state.
type IncrementalIndexBuilder struct {
	source     RevisionSource
	store      storage.Storage
	fetcher    segment.Fetcher
	compressor core.Compressor
	logger     *slog.Logger
	tracer     trace.Tracer

	maxFetchRetries int
}

func NewIncrementalIndexBuilder(source RevisionSource, store storage.Storage, fetcher segment.Fetcher, compressor core.Compressor, logger *slog.Logger, tracer trace.Tracer) *IncrementalIndexBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &IncrementalIndexBuilder{
		source:          source,
		store:           store,
		fetcher:         fetcher,
		compressor:      compressor,
		logger:          logger.With("component", "IncrementalIndexBuilder"),
		tracer:          tracer,
		maxFetchRetries: 5,
	}
}

// BuildDiskSnapshot advances idx's disk snapshot to cover everything up
// to and including until. The result still has to be installed via
// Manager.ApplySnapshot by the caller's commit path.
func (b *IncrementalIndexBuilder) BuildDiskSnapshot(ctx context.Context, idx *SearchIndex, until core.Timestamp) (DiskSnapshot, error) {
	if b.tracer != nil {
		var span trace.Span
		ctx, span = b.tracer.Start(ctx, "IncrementalIndexBuilder.BuildDiskSnapshot")
		span.SetAttributes(
			attribute.String("index.name", string(idx.Name)),
			attribute.Int64("build.until", int64(until)),
		)
		defer span.End()
	}

	since, previousMetas := b.buildBase(idx)
	if until < since {
		return DiskSnapshot{}, core.NewConsistencyError("build until %v precedes index base %v", until, since)
	}

	previous, err := b.openPrevious(ctx, previousMetas)
	if err != nil {
		return DiskSnapshot{}, err
	}

	stream, err := b.source.Revisions(ctx, idx.Table, since, until)
	if err != nil {
		return DiskSnapshot{}, err
	}

	built, err := segment.BuildNewSegment(ctx, stream, idx.Schema, idx.Kind, previous)
	if err != nil {
		return DiskSnapshot{}, err
	}

	// Deletion state for the previous segments is independent per
	// segment, so the re-uploads run concurrently.
	updated := make([]segment.Metadata, len(previous))
	g, gctx := errgroup.WithContext(ctx)
	for i, seg := range previous {
		g.Go(func() error {
			meta, err := b.persistDeletions(gctx, seg)
			if err != nil {
				return err
			}
			updated[i] = meta
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return DiskSnapshot{}, err
	}

	segments := append([]segment.Metadata(nil), updated...)
	if built.Meta.NumDocuments > 0 {
		meta, err := built.Persist(ctx, b.store, b.compressor)
		if err != nil {
			return DiskSnapshot{}, err
		}
		segments = append(segments, meta)
	}

	snap := DiskSnapshot{Ts: until, Version: core.CurrentFormatVersion, Segments: segments}
	b.logger.Info("disk snapshot built",
		"index", idx.Name,
		"since", since,
		"until", until,
		"segments", len(segments),
		"new_docs", built.Meta.NumDocuments)
	return snap, nil
}

// buildBase returns the timestamp the build starts from and the segment
// set it layers on.
func (b *IncrementalIndexBuilder) buildBase(idx *SearchIndex) (core.Timestamp, []segment.Metadata) {
	if disk, ok := idx.Disk(); ok {
		return disk.Ts, disk.Segments
	}
	backfill, _ := idx.Backfill()
	return backfill.BackfillSnapshotTs, backfill.Segments
}

// openPrevious fetches the existing segments, retrying transient
// storage failures with exponential backoff.
func (b *IncrementalIndexBuilder) openPrevious(ctx context.Context, metas []segment.Metadata) ([]*segment.UpdatableSegment, error) {
	segments := make([]*segment.UpdatableSegment, 0, len(metas))
	for _, meta := range metas {
		bo := backoff.NewExponentialBackOff()
		var seg *segment.UpdatableSegment
		var err error
		for attempt := 0; ; attempt++ {
			seg, err = segment.Open(ctx, meta, b.fetcher, b.compressor)
			if err == nil {
				break
			}
			if !core.IsRetryable(err) || attempt >= b.maxFetchRetries {
				return nil, err
			}
			wait := bo.NextBackOff()
			b.logger.Warn("segment fetch failed, retrying",
				"segment", meta.ID, "attempt", attempt+1, "wait", wait, "error", err)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// persistDeletions re-uploads a previous segment's deletion state after
// the build applied deletes into it, and returns refreshed metadata.
// The segment payload itself is immutable and keeps its key.
func (b *IncrementalIndexBuilder) persistDeletions(ctx context.Context, seg *segment.UpdatableSegment) (segment.Metadata, error) {
	meta := seg.Metadata()
	tracker := seg.Tracker()

	aliveKey, err := putEncoded(ctx, b.store, b.compressor, tracker.WriteAliveBitset)
	if err != nil {
		return segment.Metadata{}, err
	}
	trackerKey, err := putEncoded(ctx, b.store, b.compressor, tracker.WriteTo)
	if err != nil {
		return segment.Metadata{}, err
	}
	meta.AliveBitsetKey = string(aliveKey)
	meta.DeletedTermsKey = string(trackerKey)
	return meta, nil
}

func putEncoded(ctx context.Context, store storage.Storage, compressor core.Compressor, write func(io.Writer, core.Compressor) error) (storage.Key, error) {
	var buf bytes.Buffer
	if err := write(&buf, compressor); err != nil {
		return "", err
	}
	return storage.PutBytes(ctx, store, buf.Bytes())
}
