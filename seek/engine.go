package seek

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/vellumav/demuxcore/demux"
	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/media"
	"github.com/vellumav/demuxcore/track"
)

// ErrNoSeekStrategy is returned when none of the four strategies applies:
// no index, no input time-seek, no demuxer-native seek, and no byte-seekable
// input to bisect.
var ErrNoSeekStrategy = errors.New("seek: no applicable strategy for this source")

// NativeSeeker is implemented by a demuxer able to map a target time to a
// byte position using its own index (AVI idx1, QuickTime stss/stco). The
// framework clears all streams, calls SeekTime, then skip-decodes to target.
type NativeSeeker interface {
	SeekTime(ctx context.Context, targetTicks int64, tb media.Rational) error
}

// Resyncer is implemented by a demuxer that can recover frame sync after an
// arbitrary byte-offset jump, a precondition for both input-level time-seek
// and iterative bisection.
type Resyncer interface {
	PostSeekResync(ctx context.Context) error
}

// Engine drives a seek to a target presentation time using the first
// applicable strategy, in the priority order the four strategies are listed
// in: superindex, input time-seek, one-shot demuxer seek, iterative
// bisection.
type Engine struct {
	src   input.Source
	dmx   demux.Demuxer
	index *SuperIndex
	log   *slog.Logger

	// held carries, per track index, the first packet skip-forward found
	// already satisfying the last seek's target. Next drains these before
	// falling through to the track's own channel.
	held map[int]*media.Packet
}

// NewEngine constructs an Engine. index may be nil; Seek falls through to
// the remaining three strategies when so.
func NewEngine(src input.Source, dmx demux.Demuxer, index *SuperIndex, log *slog.Logger) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{src: src, dmx: dmx, index: index, log: log.With("component", "seek"), held: make(map[int]*media.Packet)}
}

// Next returns the next packet on tr following the most recent Seek: the
// packet skip-forward held back for tr, if any, otherwise whatever tr's
// own channel produces next. Callers should always read through Next
// rather than tr.Packets() directly once a seek has been performed,
// or they'll see packets skip-forward already discarded.
func (e *Engine) Next(ctx context.Context, tr *track.Track) (*media.Packet, error) {
	if pkt, ok := e.held[tr.Index]; ok {
		delete(e.held, tr.Index)
		return pkt, nil
	}
	select {
	case pkt, ok := <-tr.Packets():
		if !ok {
			return nil, io.EOF
		}
		return pkt, nil
	case <-tr.Done():
		return nil, io.EOF
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Seek moves the demuxer's read position so the next packet on each active
// track satisfies the seek under-approximation guarantee: pts <= target <
// pts+duration, or the stream's first packet if its start is already past
// target.
func (e *Engine) Seek(ctx context.Context, target time.Duration) error {
	switch {
	case e.index != nil:
		return e.seekSuperIndex(ctx, target)
	case e.src.Capabilities()&input.CanSeekTime != 0:
		return e.seekInputTime(ctx, target)
	}
	if sk, ok := e.dmx.(NativeSeeker); ok {
		return e.seekOneShot(ctx, sk, target)
	}
	if e.src.Capabilities()&input.CanSeekByte != 0 {
		return e.seekBisection(ctx, target)
	}
	return ErrNoSeekStrategy
}

// seekSuperIndex implements strategy 1: per active stream, find the nearest
// keyframe at or before target, then seek the input to the earliest of
// those resulting positions (interleaved mode) and let demuxing skip
// forward to the per-stream target from there.
func (e *Engine) seekSuperIndex(ctx context.Context, target time.Duration) error {
	tracks := e.dmx.Tracks().All()
	earliest := int64(-1)
	for _, tr := range tracks {
		targetTicks := ticksFromDuration(target, tr.TimeBase)
		entry, ok := e.index.KeyframeBefore(tr.Index, targetTicks)
		if !ok {
			first, ok := e.index.FirstForStream(tr.Index)
			if !ok {
				continue
			}
			entry = first
		}
		if earliest < 0 || entry.Position < earliest {
			earliest = entry.Position
		}
	}
	if earliest < 0 {
		return ErrNoSeekStrategy
	}
	if _, err := e.src.Seek(earliest, io.SeekStart); err != nil {
		return err
	}
	if rs, ok := e.dmx.(Resyncer); ok {
		if err := rs.PostSeekResync(ctx); err != nil {
			return err
		}
	}
	return e.skipForward(ctx, target)
}

// seekInputTime implements strategy 2: the input itself understands
// presentation time (HLS variant playlists, DVD VOBUs), so the demuxer
// just needs to re-sync afterward.
func (e *Engine) seekInputTime(ctx context.Context, target time.Duration) error {
	ts, ok := e.src.(interface {
		SeekTime(time.Duration) error
	})
	if !ok {
		return ErrNoSeekStrategy
	}
	if err := ts.SeekTime(target); err != nil {
		return err
	}
	if rs, ok := e.dmx.(Resyncer); ok {
		return rs.PostSeekResync(ctx)
	}
	return nil
}

// seekOneShot implements strategy 3: the demuxer maps target time to a file
// position using its own native index.
func (e *Engine) seekOneShot(ctx context.Context, sk NativeSeeker, target time.Duration) error {
	tracks := e.dmx.Tracks().All()
	if len(tracks) == 0 {
		return ErrNoSeekStrategy
	}
	ticks := ticksFromDuration(target, tracks[0].TimeBase)
	if err := sk.SeekTime(ctx, ticks, tracks[0].TimeBase); err != nil {
		return err
	}
	if rs, ok := e.dmx.(Resyncer); ok {
		if err := rs.PostSeekResync(ctx); err != nil {
			return err
		}
	}
	return e.skipForward(ctx, target)
}

// bisectionSteps bounds the number of probes strategy 4 performs, per the
// framework's "within ≤6 probes" contract.
const bisectionSteps = 6

// seekBisection implements strategy 4: narrow a byte offset toward target
// time using up to bisectionSteps probes, resyncing and checking the
// resulting timestamp at each candidate. probeOffset seeks e.src and reads
// from the demuxer's shared output channels, so candidates within a round
// are probed one at a time; e.src has exactly one read position and two
// goroutines racing Seek calls against it would each observe the other's
// offset.
func (e *Engine) seekBisection(ctx context.Context, target time.Duration) error {
	size := e.src.Size()
	if size <= 0 {
		return ErrNoSeekStrategy
	}

	lo, hi := int64(0), size
	var best int64 = -1
	probes := 0
	for step := 0; probes < bisectionSteps && hi-lo > 0; step++ {
		mid := lo + (hi-lo)/2
		candidates := []int64{mid}
		if step == 0 {
			// Probe two more candidates on the very first round to get a
			// cheap read on how timestamps vary with position in this file.
			candidates = append(candidates, lo+(hi-lo)/4, lo+3*(hi-lo)/4)
		}

		targetNanos := int64(target)
		for _, off := range candidates {
			if probes == bisectionSteps {
				break
			}
			probes++
			ticks, ok := e.probeOffset(ctx, off)
			if !ok {
				continue
			}
			if ticks <= targetNanos {
				lo, best = off, off
			} else if off < hi {
				hi = off
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
	if best < 0 {
		best = lo
	}

	if _, err := e.src.Seek(best, io.SeekStart); err != nil {
		return err
	}
	if rs, ok := e.dmx.(Resyncer); ok {
		if err := rs.PostSeekResync(ctx); err != nil {
			return err
		}
	}
	return e.skipForward(ctx, target)
}

// probeOffset seeks a throwaway read to offset and reports the next packet
// PTS of the first video track (or of the first track, when there is no
// video track) converted to nanoseconds, without disturbing the
// engine's own source position (a snapshot/restore around the probe).
func (e *Engine) probeOffset(ctx context.Context, offset int64) (int64, bool) {
	cur, err := e.src.Seek(0, io.SeekCurrent)
	if err != nil {
		return 0, false
	}
	defer e.src.Seek(cur, io.SeekStart)

	if _, err := e.src.Seek(offset, io.SeekStart); err != nil {
		return 0, false
	}
	if rs, ok := e.dmx.(Resyncer); ok {
		if err := rs.PostSeekResync(ctx); err != nil {
			return 0, false
		}
	}
	tracks := e.dmx.Tracks().All()
	if len(tracks) == 0 {
		return 0, false
	}
	var tr *track.Track
	for _, t := range tracks {
		if t.Type == media.StreamVideo {
			tr = t
			break
		}
	}
	if tr == nil {
		tr = tracks[0]
	}
	select {
	case pkt := <-tr.Packets():
		return int64(tr.TimeBase.Seconds(pkt.PTS)), true
	case <-time.After(200 * time.Millisecond):
		return 0, false
	}
}

// skipForwardTimeout bounds how long skipForward waits for each track's
// next packet before giving up on that track (e.g. a demuxer that isn't
// actively running and so will never deliver any).
const skipForwardTimeout = 500 * time.Millisecond

// skipForward performs the step every coarse-grained seek strategy needs
// after repositioning: landing on a keyframe (seekSuperIndex), a native
// index entry (seekOneShot), or a bisected byte offset (seekBisection)
// only guarantees the next packet's pts <= target, not pts == target.
// For each active track it discards packets until it finds the first one
// at or after target, or the track ends, holding that packet for Next to
// hand back first.
func (e *Engine) skipForward(ctx context.Context, target time.Duration) error {
	for _, tr := range e.dmx.Tracks().All() {
		targetTicks := ticksFromDuration(target, tr.TimeBase)
		pkt, err := e.skipForwardTrack(ctx, tr, targetTicks)
		if err != nil {
			return err
		}
		if pkt != nil {
			e.held[tr.Index] = pkt
		} else {
			delete(e.held, tr.Index)
		}
	}
	return nil
}

func (e *Engine) skipForwardTrack(ctx context.Context, tr *track.Track, targetTicks int64) (*media.Packet, error) {
	for {
		select {
		case pkt, ok := <-tr.Packets():
			if !ok {
				return nil, nil
			}
			if pkt.PTS+pkt.Duration > targetTicks {
				return pkt, nil
			}
		case <-tr.Done():
			return nil, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(skipForwardTimeout):
			return nil, nil
		}
	}
}

// ticksFromDuration converts a time.Duration to a tick count in tb's units,
// the inverse of Rational.Seconds.
func ticksFromDuration(d time.Duration, tb media.Rational) int64 {
	if tb.Num == 0 {
		return 0
	}
	return int64(d.Seconds() * float64(tb.Den) / float64(tb.Num))
}
