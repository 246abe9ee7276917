package track

import (
	"fmt"
	"sync"

	"github.com/vellumav/demuxcore/media"
)

// Table indexes every track a Demuxer has discovered, keyed by stream index.
// Grounded on the create/remove/list registry idiom the teacher uses for
// live-stream lifecycle tracking.
type Table struct {
	mu     sync.RWMutex
	tracks map[int]*Track
	order  []int
}

// NewTable returns an empty Table.
func NewTable() *Table {
	return &Table{tracks: make(map[int]*Track)}
}

// Add registers a new track, returning an error if the index is already in
// use.
func (t *Table) Add(tr *Track) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.tracks[tr.Index]; ok {
		return fmt.Errorf("track: duplicate stream index %d", tr.Index)
	}
	t.tracks[tr.Index] = tr
	t.order = append(t.order, tr.Index)
	return nil
}

// Get returns the track at index, or nil if none exists.
func (t *Table) Get(index int) *Track {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.tracks[index]
}

// All returns every track in discovery order.
func (t *Table) All() []*Track {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]*Track, 0, len(t.order))
	for _, idx := range t.order {
		out = append(out, t.tracks[idx])
	}
	return out
}

// ByType returns all tracks of the given StreamType, in discovery order.
func (t *Table) ByType(typ media.StreamType) []*Track {
	var out []*Track
	for _, tr := range t.All() {
		if tr.Type == typ {
			out = append(out, tr)
		}
	}
	return out
}

// CloseAll closes every registered track, signalling downstream consumers
// that no more packets will arrive.
func (t *Table) CloseAll() {
	for _, tr := range t.All() {
		tr.Close()
	}
}
