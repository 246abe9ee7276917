// Package seek implements the four seek strategies a demuxed source can
// support: superindex-based seek, input-level time seek, one-shot
// demuxer-native seek, and iterative bisection with resync.
package seek

import "sort"

// Entry is one packet's position in a SuperIndex: where it sits in the
// underlying byte stream and its timing/flag metadata, enough to answer
// first/last/prev/next-keyframe queries without re-demuxing.
type Entry struct {
	StreamIndex int
	Position    int64
	PTS         int64
	DTS         int64
	Duration    int64
	Keyframe    bool
}

// SuperIndex enumerates every packet of an opened source, sorted by file
// position, the way a native index (AVI idx1, QuickTime stss/stco, Matroska
// cues) would, but built generically by observing one demux pass.
type SuperIndex struct {
	entries []Entry
}

// NewSuperIndex returns an empty index ready for Add calls.
func NewSuperIndex() *SuperIndex { return &SuperIndex{} }

// Add records one packet. Entries are kept sorted by Position so a linear
// scan (or binary search) over them replays file order.
func (si *SuperIndex) Add(e Entry) {
	i := sort.Search(len(si.entries), func(i int) bool { return si.entries[i].Position >= e.Position })
	si.entries = append(si.entries, Entry{})
	copy(si.entries[i+1:], si.entries[i:])
	si.entries[i] = e
}

// Len reports how many entries the index holds.
func (si *SuperIndex) Len() int { return len(si.entries) }

// Entries returns the index in file-position order. Callers must not
// mutate the returned slice.
func (si *SuperIndex) Entries() []Entry { return si.entries }

// KeyframeBefore returns the latest keyframe entry for streamIndex with
// PTS <= targetPTS, for snapping a requested seek time back to a
// decodable starting point.
func (si *SuperIndex) KeyframeBefore(streamIndex int, targetPTS int64) (Entry, bool) {
	var best Entry
	found := false
	for _, e := range si.entries {
		if e.StreamIndex != streamIndex || !e.Keyframe || e.PTS > targetPTS {
			continue
		}
		if !found || e.PTS > best.PTS {
			best, found = e, true
		}
	}
	return best, found
}

// FirstForStream returns the earliest-position entry belonging to
// streamIndex.
func (si *SuperIndex) FirstForStream(streamIndex int) (Entry, bool) {
	for _, e := range si.entries {
		if e.StreamIndex == streamIndex {
			return e, true
		}
	}
	return Entry{}, false
}

// LastForStream returns the latest-position entry belonging to
// streamIndex.
func (si *SuperIndex) LastForStream(streamIndex int) (Entry, bool) {
	var last Entry
	found := false
	for _, e := range si.entries {
		if e.StreamIndex == streamIndex {
			last, found = e, true
		}
	}
	return last, found
}

// NonInterleaved reports whether no two streams' position ranges overlap,
// meaning the container was written all-of-stream-A-then-all-of-
// stream-B rather than interleaved (common in some QuickTime layouts).
// When true, seeking must be driven per stream rather than by a single
// shared read cursor.
func (si *SuperIndex) NonInterleaved() bool {
	type span struct{ lo, hi int64 }
	spans := map[int]span{}
	for _, e := range si.entries {
		s, ok := spans[e.StreamIndex]
		if !ok {
			spans[e.StreamIndex] = span{e.Position, e.Position}
			continue
		}
		if e.Position < s.lo {
			s.lo = e.Position
		}
		if e.Position > s.hi {
			s.hi = e.Position
		}
		spans[e.StreamIndex] = s
	}
	if len(spans) < 2 {
		return false
	}
	var all []span
	for _, s := range spans {
		all = append(all, s)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].lo < all[j].lo })
	for i := 1; i < len(all); i++ {
		if all[i].lo < all[i-1].hi {
			return false
		}
	}
	return true
}
