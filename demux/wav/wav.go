// Package wav demuxes RIFF/WAVE PCM and compressed-audio files: the RIFF
// chunk structure (fmt /data/LIST/fact) and the WAVEFORMATEX-style fmt
// chunk describing sample rate, channel count, and codec tag.
package wav

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vellumav/demuxcore/demux"
	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/media"
	"github.com/vellumav/demuxcore/track"
)

// Well-known wFormatTag values.
const (
	FormatPCM       = 0x0001
	FormatIEEEFloat = 0x0003
	FormatALaw      = 0x0006
	FormatMULaw     = 0x0007
	FormatMP3       = 0x0055
	FormatExtensible = 0xFFFE
)

// ErrBadRIFF is returned when a file doesn't start with a RIFF/WAVE header.
var ErrBadRIFF = errors.New("wav: not a RIFF/WAVE file")

// Probe reports whether src begins with "RIFF"...."WAVE".
func Probe(src input.Source) bool {
	buf, err := src.Peek(12)
	if err != nil || len(buf) < 12 {
		return false
	}
	return string(buf[0:4]) == "RIFF" && string(buf[8:12]) == "WAVE"
}

// Format holds the parsed fmt chunk.
type Format struct {
	Tag           uint16
	Channels      uint16
	SampleRate    uint32
	BitsPerSample uint16
	BlockAlign    uint16
}

// Demuxer reads one "data" chunk's worth of PCM/compressed samples from a
// WAVE file, chunked into fixed-size blocks since WAV carries no internal
// framing for most codecs.
type Demuxer struct {
	log    *slog.Logger
	src    input.Source
	tracks *track.Table

	format   Format
	dataSize uint32
	dataRead uint32
}

const readBlockSize = 4096

// New parses the RIFF header and fmt chunk, then positions the source at
// the start of the "data" chunk's payload.
func New(ctx context.Context, src input.Source, log *slog.Logger) (*Demuxer, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{log: log.With("component", "wav"), src: src, tracks: track.NewTable()}

	hdr := make([]byte, 12)
	if _, err := io.ReadFull(src, hdr); err != nil {
		return nil, err
	}
	if string(hdr[0:4]) != "RIFF" || string(hdr[8:12]) != "WAVE" {
		return nil, ErrBadRIFF
	}

	for {
		id, size, err := readChunkHeader(src)
		if err != nil {
			return nil, err
		}
		switch id {
		case "fmt ":
			body := make([]byte, size)
			if _, err := io.ReadFull(src, body); err != nil {
				return nil, err
			}
			d.format = parseFormatChunk(body)
			if err := skipPad(src, size); err != nil {
				return nil, err
			}
		case "data":
			d.dataSize = size
			tb := media.Rational{Num: 1, Den: int64(d.format.SampleRate)}
			if tb.Den == 0 {
				tb.Den = 1
			}
			tr := track.New(0, media.StreamAudio, tb, media.CompressionInfo{
				Codec:    codecNameFor(d.format.Tag),
				CodecTag: uint32(d.format.Tag),
				Bitrate:  0,
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

// Run reads the data chunk in fixed-size blocks, each block becoming one
// packet. PTS is derived from bytes-so-far and the format's byte rate.
func (d *Demuxer) Run(ctx context.Context) error {
	defer d.tracks.CloseAll()
	tr := d.tracks.Get(0)
	if tr == nil {
		return fmt.Errorf("wav: no audio track")
	}

	byteRate := int64(d.format.SampleRate) * int64(d.format.BlockAlign)
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

func parseFormatChunk(body []byte) Format {
	var f Format
	if len(body) < 16 {
		return f
	}
	f.Tag = binary.LittleEndian.Uint16(body[0:2])
	f.Channels = binary.LittleEndian.Uint16(body[2:4])
	f.SampleRate = binary.LittleEndian.Uint32(body[4:8])
	f.BlockAlign = binary.LittleEndian.Uint16(body[12:14])
	f.BitsPerSample = binary.LittleEndian.Uint16(body[14:16])
	return f
}

func codecNameFor(tag uint16) string {
	switch tag {
	case FormatPCM:
		return "pcm_s16le"
	case FormatIEEEFloat:
		return "pcm_f32le"
	case FormatALaw:
		return "alaw"
	case FormatMULaw:
		return "mulaw"
	case FormatMP3:
		return "mp3"
	default:
		return fmt.Sprintf("wav-tag-0x%04x", tag)
	}
}

func readChunkHeader(src input.Source) (string, uint32, error) {
	buf := make([]byte, 8)
	if _, err := io.ReadFull(src, buf); err != nil {
		return "", 0, err
	}
	return string(buf[0:4]), binary.LittleEndian.Uint32(buf[4:8]), nil
}

// skipPad discards the padding byte RIFF chunks carry when their declared
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
	demux.Register(demux.Format{Name: "wav", Probe: Probe, Create: create})
}

var _ demux.Demuxer = (*Demuxer)(nil)
