// Package mpegaudio demuxes raw MPEG audio elementary streams: MP3
// frame-by-frame (via codec/mp3) and ADTS-framed AAC (via codec/aac), with an
// optional leading ID3v2 tag skipped via the id3 package rather than
// forwarded as media.
package mpegaudio

import (
	"context"
	"errors"
	"io"
	"log/slog"

	"github.com/vellumav/demuxcore/codec/aac"
	"github.com/vellumav/demuxcore/codec/mp3"
	"github.com/vellumav/demuxcore/demux"
	"github.com/vellumav/demuxcore/id3"
	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/media"
	"github.com/vellumav/demuxcore/track"
)

// ErrUnrecognized is returned when neither an MP3 nor an ADTS sync word can
// be found near the start of the stream.
var ErrUnrecognized = errors.New("mpegaudio: no MP3 or ADTS sync found")

// probeWindow is generous (32KiB) because this format has no container
// magic at all — it's a bare frame-sync scan, the weakest signature in the
// registry, so it shares the 32KiB window of the other KindSync probes and
// (via Kind) is probed after every KindSignature format.
const probeWindow = 32 * 1024

// Probe reports whether src looks like a bare MP3 or ADTS-AAC stream,
// tolerating a leading ID3v2 tag.
func Probe(src input.Source) bool {
	buf, err := src.Peek(probeWindow)
	if err != nil && len(buf) == 0 {
		return false
	}
	start := 0
	if hdr, err := id3.ParseV2Header(buf); err == nil {
		start = 10 + hdr.Size
		if start >= len(buf) {
			return true // tag fills the whole peek window; trust it
		}
	}
	return mp3.FindSync(buf, start) >= 0 || findADTSSync(buf, start) >= 0
}

// findADTSSync locates the next byte offset at or after start where a valid
// ADTS frame header parses.
func findADTSSync(buf []byte, start int) int {
	for i := start; i+7 <= len(buf); i++ {
		if buf[i] != 0xFF || buf[i+1]&0xF0 != 0xF0 {
			continue
		}
		if frames, err := aac.ParseADTS(buf[i:]); err == nil && len(frames) > 0 {
			return i
		}
	}
	return -1
}

// Kind distinguishes which elementary format a stream turned out to hold.
type Kind int

const (
	KindMP3 Kind = iota
	KindAAC
)

// Demuxer reads one audio elementary stream, frame by frame.
type Demuxer struct {
	log    *slog.Logger
	src    input.Source
	tracks *track.Table

	kind    Kind
	buf     []byte // read-ahead buffer for frame sync scanning
	nextPTS int64
}

// New skips a leading ID3v2 tag if present, sniffs MP3 vs. ADTS-AAC from the
// first valid frame header, and registers the single audio track.
func New(ctx context.Context, src input.Source, log *slog.Logger) (*Demuxer, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{log: log.With("component", "mpegaudio"), src: src, tracks: track.NewTable()}

	peek, _ := src.Peek(10)
	if hdr, err := id3.ParseV2Header(peek); err == nil {
		skip := 10 + hdr.Size
		if _, err := io.CopyN(io.Discard, src, int64(skip)); err != nil {
			return nil, err
		}
	}

	probe, err := src.Peek(probeWindow)
	if err != nil && len(probe) == 0 {
		return nil, err
	}

	var codecName string
	var tb media.Rational
	switch {
	case mp3.FindSync(probe, 0) == 0:
		d.kind = KindMP3
		hdr, _ := mp3.ParseHeader(probe)
		codecName = "mp3"
		tb = media.Rational{Num: 1, Den: int64(hdr.SampleRate)}
	case findADTSSync(probe, 0) == 0:
		d.kind = KindAAC
		frames, _ := aac.ParseADTS(probe)
		rate := 44100
		if len(frames) > 0 {
			rate = frames[0].SampleRate
		}
		codecName = "aac"
		tb = media.Rational{Num: 1, Den: int64(rate)}
	default:
		return nil, ErrUnrecognized
	}

	tr := track.New(0, media.StreamAudio, tb, media.CompressionInfo{Codec: codecName})
	d.tracks.Add(tr)
	return d, nil
}

func (d *Demuxer) Tracks() *track.Table { return d.tracks }

const readChunk = 32 * 1024

// Run streams the rest of the source into a growing buffer and peels frames
// off the front as complete ones become available.
func (d *Demuxer) Run(ctx context.Context) error {
	defer d.tracks.CloseAll()
	tr := d.tracks.Get(0)
	if tr == nil {
		return errors.New("mpegaudio: no audio track")
	}

	chunk := make([]byte, readChunk)
	eof := false
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		for {
			consumed, ok := d.emitOneFrame(tr)
			if !ok {
				break
			}
			d.buf = d.buf[consumed:]
		}
		if eof {
			return nil
		}
		n, err := d.src.Read(chunk)
		if n > 0 {
			d.buf = append(d.buf, chunk[:n]...)
		}
		if err != nil {
			if err == io.EOF {
				eof = true
				continue
			}
			return err
		}
	}
}

// emitOneFrame parses and sends the single frame at the front of d.buf, if
// one is fully present, returning how many bytes it consumed.
func (d *Demuxer) emitOneFrame(tr *track.Track) (int, bool) {
	if d.kind == KindMP3 {
		hdr, err := mp3.ParseHeader(d.buf)
		if err != nil || hdr.FrameSize <= 0 || len(d.buf) < hdr.FrameSize {
			return 0, false
		}
		data := append([]byte(nil), d.buf[:hdr.FrameSize]...)
		d.sendFrame(tr, data, samplesPerFrame(hdr))
		return hdr.FrameSize, true
	}

	frames, err := aac.ParseADTS(d.buf)
	if err != nil || len(frames) == 0 {
		return 0, false
	}
	f := frames[0]
	if len(d.buf) < len(f.Data) {
		return 0, false
	}
	data := append([]byte(nil), f.Data...)
	d.sendFrame(tr, data, 1024)
	return len(f.Data), true
}

func (d *Demuxer) sendFrame(tr *track.Track, data []byte, samples int64) {
	tr.Send(&media.Packet{
		PTS: d.nextPTS, DTS: d.nextPTS, TimeBase: tr.TimeBase,
		Data: data, Flags: media.PacketKeyframe, StreamIndex: tr.Index,
	})
	d.nextPTS += samples
}

func samplesPerFrame(h mp3.Header) int64 {
	if h.Layer == 1 {
		return 384
	}
	if h.Version == mp3.Version1 {
		return 1152
	}
	return 576
}

func create(ctx context.Context, src input.Source, log *slog.Logger) (demux.Demuxer, error) {
	return New(ctx, src, log)
}

func init() {
	demux.Register(demux.Format{Name: "mpegaudio", Kind: demux.KindSync, Probe: Probe, Create: create})
}

var _ demux.Demuxer = (*Demuxer)(nil)
