package snapshot

import (
	"github.com/INLOpen/nexussearch/core"
)

// TableInfo is one table's registry entry.
type TableInfo struct {
	Name  string
	State core.TableState
}

// TableRegistry resolves table ids to names and lifecycle states as of
// one snapshot.
type TableRegistry struct {
	tables *cowMap[core.TableID, TableInfo]
	byName *cowMap[string, core.TableID]
}

func NewTableRegistry() *TableRegistry {
	return &TableRegistry{
		tables: newCowMap[core.TableID, TableInfo](),
		byName: newCowMap[string, core.TableID](),
	}
}

func (r *TableRegistry) clone() *TableRegistry {
	return &TableRegistry{tables: r.tables.clone(), byName: r.byName.clone()}
}

// CreateTable registers a new active table.
func (r *TableRegistry) CreateTable(id core.TableID, name string) error {
	if _, ok := r.tables.get(id); ok {
		return core.NewConsistencyError("table %s already exists", id)
	}
	if existing, ok := r.byName.get(name); ok {
		if info, _ := r.tables.get(existing); info.State == core.TableStateActive {
			return core.NewConsistencyError("table name %q already taken by %s", name, existing)
		}
	}
	r.tables.set(id, TableInfo{Name: name, State: core.TableStateActive})
	r.byName.set(name, id)
	return nil
}

// HideTable makes the table invisible to name resolution while keeping
// its data addressable by id.
func (r *TableRegistry) HideTable(id core.TableID) error {
	info, ok := r.tables.get(id)
	if !ok {
		return core.ErrNotFound
	}
	info.State = core.TableStateHidden
	r.tables.set(id, info)
	return nil
}

// DropTable marks the table deleting. Data cleanup happens elsewhere.
func (r *TableRegistry) DropTable(id core.TableID) error {
	info, ok := r.tables.get(id)
	if !ok {
		return core.ErrNotFound
	}
	info.State = core.TableStateDeleting
	r.tables.set(id, info)
	r.byName.delete(info.Name)
	return nil
}

// Resolve returns the id of the active table called name.
func (r *TableRegistry) Resolve(name string) (core.TableID, bool) {
	id, ok := r.byName.get(name)
	if !ok {
		return "", false
	}
	info, ok := r.tables.get(id)
	if !ok || info.State != core.TableStateActive {
		return "", false
	}
	return id, true
}

// Info returns the registry entry for id.
func (r *TableRegistry) Info(id core.TableID) (TableInfo, bool) {
	return r.tables.get(id)
}

// NumTables counts all registered tables, whatever their state.
func (r *TableRegistry) NumTables() int { return r.tables.len() }

// TableSummary is one table's row count and byte size.
type TableSummary struct {
	NumDocuments uint64
	SizeBytes    uint64
}

// TableSummaries tracks per-table document counts and sizes, updated on
// every mutation. It is the snapshot-scoped row-count provider.
type TableSummaries struct {
	summaries *cowMap[core.TableID, TableSummary]
}

func NewTableSummaries() *TableSummaries {
	return &TableSummaries{summaries: newCowMap[core.TableID, TableSummary]()}
}

func (s *TableSummaries) clone() *TableSummaries {
	return &TableSummaries{summaries: s.summaries.clone()}
}

// Summary returns the counters for table, zero if never written.
func (s *TableSummaries) Summary(table core.TableID) TableSummary {
	summary, _ := s.summaries.get(table)
	return summary
}

// TotalDocuments sums document counts across all tables.
func (s *TableSummaries) TotalDocuments() uint64 {
	var total uint64
	s.summaries.forEach(func(_ core.TableID, summary TableSummary) bool {
		total += summary.NumDocuments
		return true
	})
	return total
}

// Apply books one document mutation into the owning table's summary.
func (s *TableSummaries) Apply(update core.DocumentUpdate) error {
	summary := s.Summary(update.Table)
	if update.Old != nil {
		oldSize := uint64(update.Old.Size())
		if summary.NumDocuments == 0 || summary.SizeBytes < oldSize {
			return core.NewConsistencyError("summary underflow for table %s: %d docs, %d bytes, removing %d bytes",
				update.Table, summary.NumDocuments, summary.SizeBytes, oldSize)
		}
		summary.NumDocuments--
		summary.SizeBytes -= oldSize
	}
	if update.New != nil {
		summary.NumDocuments++
		summary.SizeBytes += uint64(update.New.Size())
	}
	s.summaries.set(update.Table, summary)
	return nil
}

// Drop removes the summary for a deleted table.
func (s *TableSummaries) Drop(table core.TableID) {
	s.summaries.delete(table)
}
