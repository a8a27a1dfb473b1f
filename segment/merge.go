package segment

import (
	"github.com/INLOpen/nexussearch/core"
)

// Merge combines the live documents of the given text segments into a
// single new segment. Dead slots are dropped, so merging also reclaims
// the space tombstones were holding.
func Merge(segments []*UpdatableSegment, kind core.SegmentKind) (*BuiltSegment, error) {
	if len(segments) == 0 {
		return nil, core.NewConsistencyError("merge of zero segments")
	}
	searchField := segments[0].data.searchField
	for _, seg := range segments[1:] {
		if seg.data.searchField != searchField {
			return nil, core.NewConsistencyError("merge across search fields %q and %q",
				searchField, seg.data.searchField)
		}
	}

	b := &builder{
		data: newData(searchField),
		ids:  NewIDTracker(),
	}
	for _, seg := range segments {
		for slot := uint64(0); slot < uint64(len(seg.data.slots)); slot++ {
			if !seg.tracker.IsAlive(slot) {
				continue
			}
			info := seg.data.slots[slot]
			tokens, err := seg.data.TermsForSlot(slot)
			if err != nil {
				return nil, err
			}
			tokenFreqs := make(map[string]uint64, len(tokens))
			for _, token := range tokens {
				tokenFreqs[token] = seg.data.freqs[token][slot]
			}
			if err := b.addPretokenized(info.ID, info.Ts, info.CreationTime, info.NumSearchTokens, tokenFreqs); err != nil {
				return nil, err
			}
		}
	}
	return b.finish(kind), nil
}
