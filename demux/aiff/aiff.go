// Package aiff demuxes Audio Interchange File Format files: the big-endian
// IFF chunk structure ("FORM"/"AIFF") and the COMM/SSND chunk pair describing
// sample rate, channel count, and the raw PCM payload. It is the big-endian
// sibling of demux/wav's little-endian RIFF/WAVE handling, sharing the same
// "one fixed-size block per packet" framing since IFF, like RIFF, carries no
// internal sample-level packet boundaries for PCM.
package aiff

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"

	"github.com/vellumav/demuxcore/demux"
	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/media"
	"github.com/vellumav/demuxcore/track"
)

// ErrBadForm is returned when a file doesn't start with a FORM/AIFF(C) header.
var ErrBadForm = errors.New("aiff: not a FORM/AIFF file")

// Probe reports whether src begins with "FORM"...."AIFF" or "FORM"...."AIFC"
// (AIFF-C, which adds compressed sample formats on top of the same chunks).
func Probe(src input.Source) bool {
	buf, err := src.Peek(12)
	if err != nil || len(buf) < 12 {
		return false
	}
	if string(buf[0:4]) != "FORM" {
		return false
	}
	formType := string(buf[8:12])
	return formType == "AIFF" || formType == "AIFC"
}

// Format holds the parsed COMM chunk.
type Format struct {
	Channels   uint16
	NumFrames  uint32
	SampleSize uint16
	SampleRate uint32 // integer Hz, decoded from the 80-bit IEEE extended field
	Compression string // "NONE" for plain AIFF, else an AIFF-C four-char tag
}

const readBlockSize = 4096

// Demuxer reads one SSND chunk's worth of PCM samples from an AIFF/AIFF-C
// file, chunked into fixed-size blocks.
type Demuxer struct {
	log    *slog.Logger
	src    input.Source
	tracks *track.Table

	format     Format
	dataSize   uint32
	dataRead   uint32
	blockAlign uint32
}

// New parses the FORM header and COMM chunk, then positions the source at
// the start of the SSND chunk's sample payload (skipping its 8-byte
// offset/blockSize prefix).
func New(ctx context.Context, src input.Source, log *slog.Logger) (*Demuxer, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{log: log.With("component", "aiff"), src: src, tracks: track.NewTable()}

	hdr := make([]byte, 12)
	if _, err := io.ReadFull(src, hdr); err != nil {
		return nil, err
	}
	formType := string(hdr[8:12])
	if string(hdr[0:4]) != "FORM" || (formType != "AIFF" && formType != "AIFC") {
		return nil, ErrBadForm
	}
	d.format.Compression = "NONE"

	for {
		id, size, err := readChunkHeader(src)
		if err != nil {
			return nil, err
		}
		switch id {
		case "COMM":
			body := make([]byte, size)
			if _, err := io.ReadFull(src, body); err != nil {
				return nil, err
			}
			d.format = parseCOMM(body, formType)
			if err := skipPad(src, size); err != nil {
				return nil, err
			}
		case "SSND":
			if size < 8 {
				return nil, fmt.Errorf("aiff: SSND chunk too small (%d bytes)", size)
			}
			prefix := make([]byte, 8)
			if _, err := io.ReadFull(src, prefix); err != nil {
				return nil, err
			}
			offset := binary.BigEndian.Uint32(prefix[0:4])
			if offset > 0 {
				if _, err := io.CopyN(io.Discard, src, int64(offset)); err != nil {
					return nil, err
				}
			}
			d.dataSize = size - 8 - offset
			d.blockAlign = uint32(d.format.Channels) * uint32(d.format.SampleSize+7) / 8
			if d.blockAlign == 0 {
				d.blockAlign = 1
			}

			tb := media.Rational{Num: 1, Den: int64(d.format.SampleRate)}
			if tb.Den == 0 {
				tb.Den = 1
			}
			tr := track.New(0, media.StreamAudio, tb, media.CompressionInfo{
				Codec:   codecNameFor(d.format),
				Bitrate: 0,
			})
			d.tracks.Add(tr)
			return d, nil
		default:
			if err := skipChunk(src, size); err != nil {
				return nil, err
			}
		}
	}
}

func (d *Demuxer) Tracks() *track.Table { return d.tracks }

// Run reads the SSND payload in fixed-size blocks, each block becoming one
// packet, PTS derived from bytes-so-far and the format's byte rate.
func (d *Demuxer) Run(ctx context.Context) error {
	defer d.tracks.CloseAll()
	tr := d.tracks.Get(0)
	if tr == nil {
		return fmt.Errorf("aiff: no audio track")
	}

	byteRate := int64(d.format.SampleRate) * int64(d.blockAlign)
	if byteRate == 0 {
		byteRate = 1
	}

	for d.dataRead < d.dataSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		remaining := d.dataSize - d.dataRead
		n := uint32(readBlockSize)
		if remaining < n {
			n = remaining
		}
		buf := make([]byte, n)
		if _, err := io.ReadFull(d.src, buf); err != nil {
			if err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		pts := int64(d.dataRead) * tr.TimeBase.Den / byteRate
		tr.Send(&media.Packet{
			PTS: pts, DTS: pts, TimeBase: tr.TimeBase,
			Data: buf, Flags: media.PacketKeyframe, StreamIndex: tr.Index,
		})
		d.dataRead += n
	}
	return nil
}

// parseCOMM decodes the common chunk. AIFF's sample rate is stored as an
// 80-bit IEEE 754 extended-precision float (SANE format); AIFF-C appends a
// 4-byte compression tag and a pascal-string compression name after the
// fixed fields.
func parseCOMM(body []byte, formType string) Format {
	var f Format
	f.Compression = "NONE"
	if len(body) < 18 {
		return f
	}
	f.Channels = binary.BigEndian.Uint16(body[0:2])
	f.NumFrames = binary.BigEndian.Uint32(body[2:6])
	f.SampleSize = binary.BigEndian.Uint16(body[6:8])
	f.SampleRate = decodeExtendedFloat(body[8:18])
	if formType == "AIFC" && len(body) >= 22 {
		f.Compression = string(body[18:22])
	}
	return f
}

// decodeExtendedFloat converts the 10-byte 80-bit IEEE extended float AIFF
// uses for sampleRate into an integer Hz value. Layout: 1 sign bit + 15
// exponent bits (bias 16383), then a 64-bit mantissa with an explicit
// integer bit (unlike the IEEE double's implicit leading 1).
func decodeExtendedFloat(b []byte) uint32 {
	if len(b) < 10 {
		return 0
	}
	expSign := binary.BigEndian.Uint16(b[0:2])
	mantissa := binary.BigEndian.Uint64(b[2:10])
	exponent := int(expSign & 0x7FFF)
	if exponent == 0 && mantissa == 0 {
		return 0
	}
	f := float64(mantissa) * math.Pow(2, float64(exponent-16383-63))
	if expSign&0x8000 != 0 {
		f = -f
	}
	return uint32(f + 0.5)
}

func codecNameFor(f Format) string {
	if f.Compression == "" || f.Compression == "NONE" {
		return "pcm_s16be"
	}
	switch f.Compression {
	case "fl32", "FL32":
		return "pcm_f32be"
	case "ulaw", "ULAW":
		return "mulaw"
	case "alaw", "ALAW":
		return "alaw"
	default:
		return "aiff-c-" + f.Compression
	}
}

func readChunkHeader(src input.Source) (string, uint32, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", 0, err
	}
	return string(buf[0:4]), binary.BigEndian.Uint32(buf[4:8]), nil
}

// skipPad discards the padding byte IFF chunks carry when their declared
// size is odd, keeping subsequent chunk headers aligned.
func skipPad(src input.Source, size uint32) error {
	if size%2 == 1 {
		_, err := io.CopyN(io.Discard, src, 1)
		if err == io.EOF {
			return nil
		}
		return err
	}
	return nil
}

func skipChunk(src input.Source, size uint32) error {
	n := int64(size)
	if size%2 == 1 {
		n++
	}
	_, err := io.CopyN(io.Discard, src, n)
	if err == io.EOF {
		return nil
	}
	return err
}

func create(ctx context.Context, src input.Source, log *slog.Logger) (demux.Demuxer, error) {
	return New(ctx, src, log)
}

func init() {
	demux.Register(demux.Format{Name: "aiff", Probe: Probe, Create: create})
}

var _ demux.Demuxer = (*Demuxer)(nil)
