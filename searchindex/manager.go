package searchindex

import (
	"context"
	"expvar"
	"log/slog"
	"sort"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/INLOpen/nexussearch/core"
	"github.com/INLOpen/nexussearch/hooks"
	"github.com/INLOpen/nexussearch/memindex"
)

// Manager holds every search index of one kind (text or vector) as of
// one database snapshot. Managers are values inside snapshots: cloning
// is cheap (the index map is copied, index states are shared until a
// transition replaces them) and mutating operations never reach back
// into clones held by older snapshots.
type Manager struct {
	kind     core.SegmentKind
	searcher Searcher
	hooks    hooks.HookManager
	logger   *slog.Logger
	tracer   trace.Tracer

	indexes map[core.IndexID]*SearchIndex
	byName  map[core.IndexName]core.IndexID

	queriesTotal   *expvar.Int
	backfillErrors *expvar.Int
}

// NewManager creates an empty manager. hookManager and tracer may be
// nil.
func NewManager(kind core.SegmentKind, searcher Searcher, hookManager hooks.HookManager, logger *slog.Logger, tracer trace.Tracer) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		kind:     kind,
		searcher: searcher,
		hooks:    hookManager,
		logger:   logger.With("component", "SearchIndexManager", "kind", kind.String()),
		tracer:   tracer,
		indexes:  make(map[core.IndexID]*SearchIndex),
		byName:   make(map[core.IndexName]core.IndexID),
	}
}

// SetMetricsCounters wires externally registered expvar counters.
func (m *Manager) SetMetricsCounters(queriesTotal, backfillErrors *expvar.Int) {
	m.queriesTotal = queriesTotal
	m.backfillErrors = backfillErrors
}

func (m *Manager) Kind() core.SegmentKind { return m.kind }

// Clone returns a manager sharing index states with m. Subsequent
// transitions on either copy replace map entries rather than mutating
// the shared values.
func (m *Manager) Clone() *Manager {
	clone := *m
	clone.indexes = make(map[core.IndexID]*SearchIndex, len(m.indexes))
	for id, idx := range m.indexes {
		clone.indexes[id] = idx
	}
	clone.byName = make(map[core.IndexName]core.IndexID, len(m.byName))
	for name, id := range m.byName {
		clone.byName[name] = id
	}
	return &clone
}

// Index returns the index registered under id.
func (m *Manager) Index(id core.IndexID) (*SearchIndex, bool) {
	idx, ok := m.indexes[id]
	return idx, ok
}

// IndexByName returns the index registered under name.
func (m *Manager) IndexByName(name core.IndexName) (*SearchIndex, bool) {
	id, ok := m.byName[name]
	if !ok {
		return nil, false
	}
	return m.indexes[id], true
}

// IndexIDs returns all registered index ids in a stable order.
func (m *Manager) IndexIDs() []core.IndexID {
	ids := make([]core.IndexID, 0, len(m.indexes))
	for id := range m.indexes {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// CreateIndex registers a new index in the Backfilling state. All
// writes from createdAt onward accumulate in its memory delta while the
// backfill scan runs.
func (m *Manager) CreateIndex(id core.IndexID, schema *Schema, createdAt core.Timestamp) error {
	if _, ok := m.indexes[id]; ok {
		return core.NewConsistencyError("index %s already exists", id)
	}
	if _, ok := m.byName[schema.Name]; ok {
		return core.NewConsistencyError("index name %s already registered", schema.Name)
	}
	idx := newSearchIndex(id, m.kind, schema, createdAt)
	m.indexes[id] = idx
	m.byName[schema.Name] = id
	m.logger.Info("index created", "index", schema.Name, "table", schema.Table, "created_at", createdAt)
	m.triggerHook(hooks.NewIndexCreatedEvent(m.lifecyclePayload(idx)))
	return nil
}

func (m *Manager) lifecyclePayload(idx *SearchIndex) hooks.IndexLifecyclePayload {
	return hooks.IndexLifecyclePayload{IndexID: idx.ID, IndexName: idx.Name, Kind: idx.Kind}
}

// SetBackfillProgress records the backfill scan's staged segments and
// cursor for a Backfilling index.
func (m *Manager) SetBackfillProgress(id core.IndexID, state BackfillState) error {
	idx, ok := m.indexes[id]
	if !ok {
		return core.ErrNotFound
	}
	if idx.state != StateBackfilling {
		return core.NewConsistencyError("index %s is %s, not backfilling", idx.Name, idx.state)
	}
	copied := idx.shallowClone()
	copied.backfill = &state
	m.indexes[id] = copied
	return nil
}

// ApplySnapshot installs a freshly persisted disk snapshot for id,
// truncating the memory delta past it. A Backfilling index becomes
// Backfilled; an enabled index becomes (or stays) Ready.
func (m *Manager) ApplySnapshot(id core.IndexID, snap DiskSnapshot) error {
	idx, ok := m.indexes[id]
	if !ok {
		return core.ErrNotFound
	}
	copied, err := idx.applySnapshot(snap)
	if err != nil {
		return err
	}
	m.indexes[id] = copied
	m.logger.Info("disk snapshot applied",
		"index", idx.Name, "ts", snap.Ts, "segments", len(snap.Segments), "state", copied.state.String())
	if copied.state == StateReady && idx.state != StateReady {
		m.triggerHook(hooks.NewIndexReadyEvent(m.lifecyclePayload(copied)))
	}
	return nil
}

// EnableIndex opens the index to query traffic once it has a disk
// snapshot; before that the enablement is remembered and applied on the
// first snapshot.
func (m *Manager) EnableIndex(id core.IndexID) error {
	idx, ok := m.indexes[id]
	if !ok {
		return core.ErrNotFound
	}
	copied := idx.enable()
	m.indexes[id] = copied
	m.logger.Info("index enabled", "index", idx.Name, "state", copied.state.String())
	if copied.state == StateReady && idx.state != StateReady {
		m.triggerHook(hooks.NewIndexReadyEvent(m.lifecyclePayload(copied)))
	}
	return nil
}

// DropIndex removes the index entirely.
func (m *Manager) DropIndex(id core.IndexID) error {
	idx, ok := m.indexes[id]
	if !ok {
		return core.ErrNotFound
	}
	delete(m.indexes, id)
	delete(m.byName, idx.Name)
	m.logger.Info("index dropped", "index", idx.Name)
	m.triggerHook(hooks.NewIndexDroppedEvent(m.lifecyclePayload(idx)))
	return nil
}

// Update applies one committed document mutation to the memory delta of
// every index covering the document's table. It performs no I/O.
func (m *Manager) Update(update core.DocumentUpdate, ts core.Timestamp) error {
	for _, idx := range m.indexes {
		if idx.Table != update.Table {
			continue
		}
		var oldTerms, newTerms *memindex.DocumentTerms
		if update.Old != nil {
			oldTerms = &memindex.DocumentTerms{
				Terms:        idx.Schema.Tokenize(update.Old),
				CreationTime: update.Old.CreationTime,
			}
		}
		if update.New != nil {
			newTerms = &memindex.DocumentTerms{
				Terms:        idx.Schema.Tokenize(update.New),
				CreationTime: update.New.CreationTime,
			}
		}
		if err := idx.memory.Update(update.ID, ts, oldTerms, newTerms); err != nil {
			return err
		}
	}
	return nil
}

// Search executes a query against the named index at readTs, merging
// disk segment results with the memory delta. Only Ready indexes with a
// current-format disk snapshot serve queries; everything else reports
// itself as backfilling.
func (m *Manager) Search(ctx context.Context, name core.IndexName, q Query, readTs core.Timestamp) ([]core.CandidateRevision, ReadSet, error) {
	var span trace.Span
	if m.tracer != nil {
		ctx, span = m.tracer.Start(ctx, "SearchIndexManager.Search")
		span.SetAttributes(
			attribute.String("search.index", string(name)),
			attribute.String("search.kind", m.kind.String()),
		)
		defer span.End()
	}
	if m.queriesTotal != nil {
		m.queriesTotal.Add(1)
	}

	idx, ok := m.IndexByName(name)
	if !ok {
		return nil, ReadSet{}, core.ErrNotFound
	}
	if err := idx.checkQueryable(); err != nil {
		if m.backfillErrors != nil && core.IsIndexBackfilling(err) {
			m.backfillErrors.Add(1)
		}
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, ReadSet{}, err
	}

	compiled := idx.Schema.Compile(q)
	readSet := ReadSet{
		Index:  name,
		Tokens: compiled.Tokens,
		DiskTs: idx.disk.Ts,
		ReadTs: readTs,
	}
	if compiled.IsEmpty() {
		return nil, readSet, nil
	}

	var candidates []core.CandidateRevision
	var err error
	switch m.kind {
	case core.SegmentKindVector:
		candidates, err = m.searchVector(ctx, idx, compiled, readTs)
	default:
		candidates, err = m.searchText(ctx, idx, compiled, readTs)
	}
	if err != nil {
		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return nil, ReadSet{}, err
	}
	if len(candidates) > compiled.Limit {
		candidates = candidates[:compiled.Limit]
	}
	return candidates, readSet, nil
}

func (m *Manager) searchText(ctx context.Context, idx *SearchIndex, q CompiledQuery, readTs core.Timestamp) ([]core.CandidateRevision, error) {
	diskTs := idx.disk.Ts

	diskCandidates, err := m.searcher.QueryTerms(ctx, idx.disk.Segments, q.Tokens, q.Limit)
	if err != nil {
		return nil, err
	}
	tombstoned, err := idx.memory.TombstonedMatches(diskTs, readTs, q.Tokens)
	if err != nil {
		return nil, err
	}
	memCandidates, err := idx.memory.Query(diskTs, readTs, q.Tokens)
	if err != nil {
		return nil, err
	}
	return mergeCandidates(diskCandidates, memCandidates, tombstoned), nil
}

func (m *Manager) searchVector(ctx context.Context, idx *SearchIndex, q CompiledQuery, readTs core.Timestamp) ([]core.CandidateRevision, error) {
	diskTs := idx.disk.Ts

	diskCandidates, err := m.searcher.QueryVectorSegments(ctx, idx.disk.Segments, q.Vector, q.Limit)
	if err != nil {
		return nil, err
	}
	tombstoned, err := idx.memory.TombstonedAfter(diskTs, readTs)
	if err != nil {
		return nil, err
	}
	// Memory-delta revisions carry no score; the caller re-ranks them
	// against the query vector at the document layer.
	memCandidates, err := idx.memory.DocumentsAfter(diskTs, readTs)
	if err != nil {
		return nil, err
	}
	return mergeCandidates(diskCandidates, memCandidates, tombstoned), nil
}

// mergeCandidates overlays memory results on disk results: tombstoned
// disk hits are dropped and memory hits win on id collisions.
func mergeCandidates(disk, mem []core.CandidateRevision, tombstoned map[core.DocumentID]struct{}) []core.CandidateRevision {
	memIDs := make(map[core.DocumentID]struct{}, len(mem))
	for _, c := range mem {
		memIDs[c.ID] = struct{}{}
	}
	merged := make([]core.CandidateRevision, 0, len(disk)+len(mem))
	merged = append(merged, mem...)
	for _, c := range disk {
		if _, ok := tombstoned[c.ID]; ok {
			continue
		}
		if _, ok := memIDs[c.ID]; ok {
			continue
		}
		merged = append(merged, c)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ID < merged[j].ID
	})
	return merged
}

// InMemorySizes reports the memory delta size per index, in bytes.
func (m *Manager) InMemorySizes() map[core.IndexName]int {
	sizes := make(map[core.IndexName]int, len(m.indexes))
	for _, idx := range m.indexes {
		sizes[idx.Name] = idx.memory.Size()
	}
	return sizes
}

// NumTransactions reports the retained transaction count per index.
func (m *Manager) NumTransactions() map[core.IndexName]int {
	counts := make(map[core.IndexName]int, len(m.indexes))
	for _, idx := range m.indexes {
		counts[idx.Name] = idx.memory.NumTransactions()
	}
	return counts
}

// ConsistencyCheck verifies every index's internal invariants.
func (m *Manager) ConsistencyCheck() error {
	for _, idx := range m.indexes {
		if err := idx.memory.ConsistencyCheck(); err != nil {
			return err
		}
		if idx.disk != nil && idx.memory.MinTs() > idx.disk.Ts.Succ() {
			return core.NewConsistencyError("gap between disk snapshot %v and memory floor %v for %s",
				idx.disk.Ts, idx.memory.MinTs(), idx.Name)
		}
	}
	return nil
}

func (m *Manager) triggerHook(event hooks.HookEvent) {
	if m.hooks == nil {
		return
	}
	if err := m.hooks.Trigger(context.Background(), event); err != nil {
		m.logger.Warn("hook listener failed", "event", event.Type(), "error", err)
	}
}
