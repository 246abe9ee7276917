// Package track holds the demuxed-output side of demuxcore: the per-stream
// Track (a typed, buffered channel of media.Packet plus rolling stats) and
// the Table that indexes all tracks a Demuxer has discovered. It plays the
// role the teacher's internal/pipeline and internal/stream/manager packages
// play for a live relay, generalized to arbitrary container formats instead
// of one ingest protocol.
package track

import (
	"sync"

	"gonum.org/v1/gonum/stat"

	"github.com/vellumav/demuxcore/media"
)

// jitterWindow is how many recent inter-packet duration deltas contribute
// to the rolling DurationJitter figure.
const jitterWindow = 32

// EOFReason distinguishes a clean end of stream from one caused by an
// upstream read error or explicit cancellation.
type EOFReason int

const (
	// EOFClean means the source was exhausted normally.
	EOFClean EOFReason = iota
	// EOFError means demuxing stopped because of an unrecoverable read or
	// parse error.
	EOFError
	// EOFCancelled means the caller's context was cancelled.
	EOFCancelled
)

func (r EOFReason) String() string {
	switch r {
	case EOFClean:
		return "clean"
	case EOFError:
		return "error"
	case EOFCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func bufferSizeFor(t media.StreamType) int {
	switch t {
	case media.StreamVideo:
		return media.VideoBufferSize
	case media.StreamAudio:
		return media.AudioBufferSize
	default:
		return media.OverlayBufferSize
	}
}

// Track is one elementary stream discovered in a container: a typed channel
// of packets plus the metadata and stats describing it.
type Track struct {
	Index    int
	Type     media.StreamType
	TimeBase media.Rational
	Info     media.CompressionInfo

	mu    sync.Mutex
	stats media.StreamStats

	packets chan *media.Packet
	done    chan struct{}
	once    sync.Once

	lastDuration int64
	haveLast     bool
	deltas       []float64
}

// New creates a Track with a buffer sized for its stream type.
func New(index int, typ media.StreamType, tb media.Rational, info media.CompressionInfo) *Track {
	return &Track{
		Index:    index,
		Type:     typ,
		TimeBase: tb,
		Info:     info,
		packets:  make(chan *media.Packet, bufferSizeFor(typ)),
		done:     make(chan struct{}),
		stats:    media.StreamStats{PTSStart: media.PTSUndefined, PTSEnd: media.PTSUndefined},
	}
}

// Packets returns the channel downstream consumers read from.
func (t *Track) Packets() <-chan *media.Packet { return t.packets }

// Done is closed once the producing demuxer will send no more packets on
// this track, whatever the reason.
func (t *Track) Done() <-chan struct{} { return t.done }

// Send delivers a packet to the track's buffer and folds it into the
// rolling stats, blocking while the buffer is full until the track is
// closed.
func (t *Track) Send(p *media.Packet) {
	t.recordStats(p)
	select {
	case t.packets <- p:
	case <-t.done:
	}
}

// Close marks the track finished; safe to call more than once.
func (t *Track) Close() {
	t.once.Do(func() { close(t.done) })
}

// Stats returns a snapshot of this track's rolling statistics.
func (t *Track) Stats() media.StreamStats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

func (t *Track) recordStats(p *media.Packet) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.stats.PacketCount++
	t.stats.ByteCount += uint64(len(p.Data))
	if p.Keyframe() {
		t.stats.KeyframeCount++
	}
	if p.Flags&media.PacketCorrupt != 0 {
		t.stats.DiscontinuityCount++
	}

	if t.stats.PTSStart == media.PTSUndefined || p.PTS < t.stats.PTSStart {
		t.stats.PTSStart = p.PTS
	}
	if end := p.PTS + p.Duration; t.stats.PTSEnd == media.PTSUndefined || end > t.stats.PTSEnd {
		t.stats.PTSEnd = end
	}
	if p.Duration > 0 {
		if t.stats.DurationMin == 0 || p.Duration < t.stats.DurationMin {
			t.stats.DurationMin = p.Duration
		}
		if p.Duration > t.stats.DurationMax {
			t.stats.DurationMax = p.Duration
		}
	}

	if t.haveLast {
		t.deltas = append(t.deltas, float64(p.Duration-t.lastDuration))
		if len(t.deltas) > jitterWindow {
			t.deltas = t.deltas[len(t.deltas)-jitterWindow:]
		}
		if len(t.deltas) > 1 {
			t.stats.DurationJitter = stat.Variance(t.deltas, nil)
		}
	}
	t.lastDuration = p.Duration
	t.haveLast = true
}
