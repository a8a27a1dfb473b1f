package memindex

import (
	"github.com/INLOpen/nexussearch/core"
)

// TermID is a small integer handle for an interned term.
type TermID uint64

// fieldSeparator joins a field path and term text into a single interned
// key so filter-field terms never collide with search-field tokens.
const fieldSeparator = "\x1f"

func termKey(field, text string) string {
	return field + fieldSeparator + text
}

type termInfo struct {
	key      string
	refcount uint64
}

// termTable interns terms and reference-counts them so entries can be
// reclaimed when the last document, tombstone or statistics diff that
// mentions them is truncated away.
type termTable struct {
	byKey  map[string]TermID
	terms  map[TermID]*termInfo
	nextID TermID
}

func newTermTable() *termTable {
	return &termTable{
		byKey: make(map[string]TermID),
		terms: make(map[TermID]*termInfo),
	}
}

func (t *termTable) get(key string) (TermID, bool) {
	id, ok := t.byKey[key]
	return id, ok
}

// incref interns key (if new) and increments its refcount by n.
func (t *termTable) incref(key string, n uint64) TermID {
	if id, ok := t.byKey[key]; ok {
		t.terms[id].refcount += n
		return id
	}
	t.nextID++
	id := t.nextID
	t.byKey[key] = id
	t.terms[id] = &termInfo{key: key, refcount: n}
	return id
}

// decref decrements id's refcount by n, removing the term at zero.
func (t *termTable) decref(id TermID, n uint64) error {
	info, ok := t.terms[id]
	if !ok {
		return core.NewConsistencyError("decref of unknown term id %d", id)
	}
	if info.refcount < n {
		return core.NewConsistencyError("term %q refcount underflow: %d - %d", info.key, info.refcount, n)
	}
	info.refcount -= n
	if info.refcount == 0 {
		delete(t.byKey, info.key)
		delete(t.terms, id)
	}
	return nil
}

func (t *termTable) refcount(id TermID) uint64 {
	if info, ok := t.terms[id]; ok {
		return info.refcount
	}
	return 0
}

func (t *termTable) size() int {
	size := 0
	for _, info := range t.terms {
		size += len(info.key) + 24
	}
	return size
}

func (t *termTable) clone() *termTable {
	clone := &termTable{
		byKey:  make(map[string]TermID, len(t.byKey)),
		terms:  make(map[TermID]*termInfo, len(t.terms)),
		nextID: t.nextID,
	}
	for key, id := range t.byKey {
		clone.byKey[key] = id
	}
	for id, info := range t.terms {
		copied := *info
		clone.terms[id] = &copied
	}
	return clone
}
