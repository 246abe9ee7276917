package seek

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/media"
	"github.com/vellumav/demuxcore/track"
)

// fakeSource is an in-memory input.Source with switchable capabilities, so
// each seek strategy can be exercised in isolation.
type fakeSource struct {
	data []byte
	pos  int64
	caps input.Capability
}

func newFakeSource(size int, caps input.Capability) *fakeSource {
	return &fakeSource{data: make([]byte, size), caps: caps}
}

func (s *fakeSource) Read(p []byte) (int, error) {
	if s.pos >= int64(len(s.data)) {
		return 0, io.EOF
	}
	n := copy(p, s.data[s.pos:])
	s.pos += int64(n)
	return n, nil
}

func (s *fakeSource) Seek(offset int64, whence int) (int64, error) {
	if s.caps&input.CanSeekByte == 0 {
		return 0, input.ErrNotSeekable
	}
	switch whence {
	case io.SeekStart:
		s.pos = offset
	case io.SeekCurrent:
		s.pos += offset
	case io.SeekEnd:
		s.pos = int64(len(s.data)) + offset
	}
	return s.pos, nil
}

func (s *fakeSource) Peek(n int) ([]byte, error) {
	end := s.pos + int64(n)
	if end > int64(len(s.data)) {
		end = int64(len(s.data))
	}
	return s.data[s.pos:end], nil
}

func (s *fakeSource) Capabilities() input.Capability { return s.caps }
func (s *fakeSource) Size() int64                    { return int64(len(s.data)) }

// fakeDemuxer is a minimal demux.Demuxer; individual tests add Resyncer or
// NativeSeeker behavior by embedding it in a type with those extra methods.
type fakeDemuxer struct {
	tracks      *track.Table
	resyncCalls int
}

func (d *fakeDemuxer) Tracks() *track.Table          { return d.tracks }
func (d *fakeDemuxer) Run(ctx context.Context) error { return nil }

func (d *fakeDemuxer) PostSeekResync(ctx context.Context) error {
	d.resyncCalls++
	return nil
}

type fakeNativeSeeker struct {
	fakeDemuxer
	seekTicks []int64
}

func (d *fakeNativeSeeker) SeekTime(ctx context.Context, targetTicks int64, tb media.Rational) error {
	d.seekTicks = append(d.seekTicks, targetTicks)
	return nil
}

func newVideoTrack(index int) *track.Track {
	return track.New(index, media.StreamVideo, media.Rational{Num: 1, Den: 1000}, media.CompressionInfo{Codec: "h264"})
}

func TestSeekSuperIndexRepositionsSourceAndSkipsForward(t *testing.T) {
	si := NewSuperIndex()
	si.Add(Entry{StreamIndex: 0, Position: 100, PTS: 0, Duration: 40, Keyframe: true})
	si.Add(Entry{StreamIndex: 0, Position: 300, PTS: 2000, Duration: 40, Keyframe: true})

	tracks := track.NewTable()
	tr := newVideoTrack(0)
	tracks.Add(tr)
	dmx := &fakeDemuxer{tracks: tracks}
	src := newFakeSource(1000, input.CanSeekByte)

	// The packet sitting at the keyframe position starts exactly at target
	// and spans it, so skipForward should hand it straight back through Next.
	tr.Send(&media.Packet{PTS: 2000, Duration: 40, StreamIndex: 0})

	eng := NewEngine(src, dmx, si, nil)

	// At this track's 1/1000 timebase, 2s converts to exactly 2000 ticks,
	// matching the buffered packet's PTS.
	target := 2 * time.Second

	if err := eng.Seek(context.Background(), target); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if src.pos != 300 {
		t.Errorf("source repositioned to %d, want 300 (the keyframe at or before target)", src.pos)
	}
	if dmx.resyncCalls != 1 {
		t.Errorf("resyncCalls = %d, want 1", dmx.resyncCalls)
	}

	pkt, err := eng.Next(context.Background(), tr)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if pkt.PTS != 2000 {
		t.Errorf("Next returned PTS %d, want 2000 (held by skipForward)", pkt.PTS)
	}
}

func TestSeekSuperIndexSkipsPacketsBeforeTarget(t *testing.T) {
	si := NewSuperIndex()
	si.Add(Entry{StreamIndex: 0, Position: 0, PTS: 0, Duration: 1000, Keyframe: true})

	tracks := track.NewTable()
	tr := newVideoTrack(0)
	tracks.Add(tr)
	dmx := &fakeDemuxer{tracks: tracks}
	src := newFakeSource(1000, input.CanSeekByte)

	// Three packets buffered: the first two end before the 2500-tick
	// target and must be discarded; the third straddles it.
	tr.Send(&media.Packet{PTS: 0, Duration: 1000, StreamIndex: 0})
	tr.Send(&media.Packet{PTS: 1000, Duration: 1000, StreamIndex: 0})
	tr.Send(&media.Packet{PTS: 2000, Duration: 1000, StreamIndex: 0})

	eng := NewEngine(src, dmx, si, nil)
	if err := eng.Seek(context.Background(), 2500*time.Millisecond); err != nil {
		t.Fatalf("Seek: %v", err)
	}

	pkt, err := eng.Next(context.Background(), tr)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if pkt.PTS != 2000 {
		t.Errorf("Next returned PTS %d, want 2000 (first packet spanning target)", pkt.PTS)
	}
}

func TestSeekOneShotCallsNativeSeekerAndSkipsForward(t *testing.T) {
	tracks := track.NewTable()
	tr := newVideoTrack(0)
	tracks.Add(tr)
	dmx := &fakeNativeSeeker{fakeDemuxer: fakeDemuxer{tracks: tracks}}
	src := newFakeSource(1000, 0) // no seek capability: forces strategy 3

	tr.Send(&media.Packet{PTS: 5000, Duration: 1000, StreamIndex: 0})

	eng := NewEngine(src, dmx, nil, nil)
	if err := eng.Seek(context.Background(), 3*time.Second); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if len(dmx.seekTicks) != 1 {
		t.Fatalf("SeekTime called %d times, want 1", len(dmx.seekTicks))
	}
	if dmx.seekTicks[0] != 3000 {
		t.Errorf("SeekTime ticks = %d, want 3000 (3s at a 1/1000 timebase)", dmx.seekTicks[0])
	}
	if dmx.resyncCalls != 1 {
		t.Errorf("resyncCalls = %d, want 1", dmx.resyncCalls)
	}

	pkt, err := eng.Next(context.Background(), tr)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if pkt.PTS != 5000 {
		t.Errorf("Next returned PTS %d, want 5000", pkt.PTS)
	}
}

func TestSeekBisectionNarrowsTowardTargetSequentially(t *testing.T) {
	tracks := track.NewTable()
	tr := newVideoTrack(0)
	tracks.Add(tr)
	dmx := &fakeDemuxer{tracks: tracks}
	src := newFakeSource(1000, input.CanSeekByte)

	// Each probe reads one packet off tr; bisectionSteps*3 packets with
	// rising PTS are queued so no probe runs dry. The test checks that the
	// seek succeeds and leaves the source at a position inside the file.
	for i := 0; i < bisectionSteps*3; i++ {
		tr.Send(&media.Packet{PTS: int64(i) * 100, Duration: 100, StreamIndex: 0})
	}

	eng := NewEngine(src, dmx, nil, nil)
	if err := eng.Seek(context.Background(), 500*time.Millisecond); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	if src.pos < 0 || src.pos > src.Size() {
		t.Errorf("final source position %d out of range", src.pos)
	}
}

func TestSeekNoStrategyApplies(t *testing.T) {
	tracks := track.NewTable()
	dmx := &fakeDemuxer{tracks: tracks}
	src := newFakeSource(0, 0)

	eng := NewEngine(src, dmx, nil, nil)
	if err := eng.Seek(context.Background(), time.Second); err != ErrNoSeekStrategy {
		t.Errorf("Seek err = %v, want ErrNoSeekStrategy", err)
	}
}

func TestNextFallsThroughToTrackChannelWithoutAHeldPacket(t *testing.T) {
	tr := newVideoTrack(0)
	tr.Send(&media.Packet{PTS: 42, StreamIndex: 0})

	eng := NewEngine(newFakeSource(0, 0), &fakeDemuxer{tracks: track.NewTable()}, nil, nil)
	pkt, err := eng.Next(context.Background(), tr)
	if err != nil {
		t.Fatalf("Next: %v", err)
	}
	if pkt.PTS != 42 {
		t.Errorf("PTS = %d, want 42", pkt.PTS)
	}
}
