package core

// Document is a committed document revision's value, reduced to what the
// search subsystem needs: the owning table, the indexed field values and an
// approximate byte size.
type Document struct {
	ID           DocumentID
	Table        TableID
	CreationTime Timestamp
	// Fields maps a field path to its text value. Non-text fields are
	// stringified by the persistence layer before they reach this
	// subsystem.
	Fields map[string]string
}

// Size returns the approximate byte size of the document, used for table
// summary accounting.
func (d *Document) Size() int {
	size := len(d.ID) + len(d.Table)
	for path, value := range d.Fields {
		size += len(path) + len(value)
	}
	return size
}

// DocumentUpdate is one committed document mutation. Exactly one of Old and
// New may be nil (creation or deletion); both set means a replacement.
type DocumentUpdate struct {
	ID    DocumentID
	Table TableID
	Old   *Document
	New   *Document
}

// RevisionPair is one entry of a document revision stream: the document's
// value at Ts along with the value it replaced, if any.
type RevisionPair struct {
	ID DocumentID
	Ts Timestamp
	// Document is the value written at Ts; nil for a deletion.
	Document *Document
	// PrevDocument is the value the write at Ts replaced; nil for a
	// creation.
	PrevDocument *Document
}

// DocumentTerm is a single indexable term extracted from a document by an
// index schema.
type DocumentTerm struct {
	// Field is the field path the term was extracted from.
	Field string
	// Text is the normalized term text.
	Text string
	// Position is the token position within the field, used for phrase
	// scoring.
	Position uint32
}

// CandidateRevision is one scored match from the memory delta or a disk
// segment.
type CandidateRevision struct {
	ID           DocumentID
	Ts           Timestamp
	CreationTime Timestamp
	Score        float64
}

// DatabaseIndexUpdate describes one ordinary (non-search) index entry
// written as part of a commit, returned to the caller for write-ahead
// bookkeeping.
type DatabaseIndexUpdate struct {
	IndexID IndexID
	Key     string
	Deleted bool
}
