// Package mpegps demuxes MPEG Program Stream (.mpg/.vob/.vcd) data: the
// pack/system headers at the start of the stream followed by a sequence of
// PES packets identified by their 0x000001xx start codes.
package mpegps

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"

	"github.com/vellumav/demuxcore/codec/mpeg12"
	"github.com/vellumav/demuxcore/demux"
	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/media"
	"github.com/vellumav/demuxcore/track"
)

// Start codes this demuxer recognizes.
const (
	startPack     = 0xBA
	startSystem   = 0xBB
	startEnd      = 0xB9
	startPrivate  = 0xBD
	startAudioLo  = 0xC0
	startAudioHi  = 0xDF
	startVideoLo  = 0xE0
	startVideoHi  = 0xEF
)

// ErrInvalidHeader is returned when a pack header can't be located.
var ErrInvalidHeader = errors.New("mpegps: no pack header found")

var psTimeBase = media.Rational{Num: 1, Den: 90000}

// probeScanWindow bounds how far Probe scans for a leading pack-header
// start code, tolerating broadcast captures with a non-trivial junk prefix.
const probeScanWindow = 32 * 1024

// Probe looks for a pack-header start code (0x000001BA) within
// probeScanWindow, tolerating leading junk the way broadcast captures
// often have.
func Probe(src input.Source) bool {
	buf, err := src.Peek(probeScanWindow)
	if err != nil && len(buf) == 0 {
		return false
	}
	return findStartCode(buf, startPack) >= 0
}

// Demuxer reads sequential PES packets out of a Program Stream, building one
// track per distinct audio/video stream ID it encounters.
type Demuxer struct {
	log    *slog.Logger
	src    input.Source
	tracks *track.Table

	streamToTrack map[byte]int
	nextIndex     int
	pos           int64 // byte offset just past the last byte nextStartCode consumed
}

// New locates and consumes the leading pack header and (if present) system
// header, then returns a Demuxer ready for Run.
func New(ctx context.Context, src input.Source, log *slog.Logger) (*Demuxer, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{
		log: log.With("component", "mpegps"), src: src, tracks: track.NewTable(),
		streamToTrack: map[byte]int{},
	}

	code, err := d.nextStartCode()
	if err != nil {
		return nil, err
	}
	if code != startPack {
		return nil, ErrInvalidHeader
	}
	if err := d.skipPackHeader(); err != nil {
		return nil, err
	}

	// A system header, if present, immediately follows the pack header; it's
	// informational only (stream counts), so it's read and discarded.
	peek, err := src.Peek(4)
	if err == nil && len(peek) == 4 && peek[0] == 0 && peek[1] == 0 && peek[2] == 1 && peek[3] == startSystem {
		if _, err := io.CopyN(io.Discard, src, 4); err != nil {
			return nil, err
		}
		d.pos += 4
		if err := d.skipSystemHeader(); err != nil {
			return nil, err
		}
	}

	return d, nil
}

func (d *Demuxer) Tracks() *track.Table { return d.tracks }

// Run scans for PES start codes until EOF, parsing each packet's header and
// forwarding its payload to the stream ID's track.
func (d *Demuxer) Run(ctx context.Context) error {
	defer d.tracks.CloseAll()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		code, err := d.nextStartCode()
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		startPos := d.pos - 4 // the 00 00 01 xx marker just consumed
		switch {
		case code == startEnd:
			return nil
		case code == startPack:
			if err := d.skipPackHeader(); err != nil {
				return err
			}
		case code == startSystem:
			if err := d.skipSystemHeader(); err != nil {
				return err
			}
		case code == startPrivate, code >= startAudioLo && code <= startAudioHi, code >= startVideoLo && code <= startVideoHi:
			if err := d.readPESPacket(byte(code), startPos); err != nil {
				return err
			}
		}
	}
}

func (d *Demuxer) readPESPacket(streamID byte, position int64) error {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(d.src, lenBuf); err != nil {
		return err
	}
	d.pos += 2
	length := int(binary.BigEndian.Uint16(lenBuf))
	if length == 0 {
		return nil
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(d.src, body); err != nil {
		return err
	}
	d.pos += int64(length)

	off := 0
	for off < len(body) && body[off] == 0xFF { // stuffing bytes
		off++
	}
	if off+1 < len(body) && body[off]&0xC0 == 0x40 { // P-STD buffer scale/size
		off += 2
	}

	var pts int64 = -1
	if off < len(body) {
		switch {
		case body[off]&0xF0 == 0x30: // PTS and DTS both present
			pts = decodeTimestamp(body[off:])
			off += 10
		case body[off]&0xF0 == 0x20: // PTS only
			pts = decodeTimestamp(body[off:])
			off += 5
		case body[off] == 0x0F:
			off += 1
		}
	}
	pesPTS := media.PTSUndefined
	if pts >= 0 {
		pesPTS = pts
	}
	payload := body[off:]

	idx, ok := d.streamToTrack[streamID]
	if !ok {
		idx = d.nextIndex
		d.nextIndex++
		typ := media.StreamAudio
		codec := "mpeg-audio"
		if streamID >= startVideoLo && streamID <= startVideoHi {
			typ = media.StreamVideo
			codec = "mpeg2video"
		} else if streamID == startPrivate {
			typ = media.StreamAudio
			codec = "ac3"
		}
		tr := track.New(idx, typ, psTimeBase, media.CompressionInfo{Codec: codec, CodecTag: uint32(streamID)})
		d.tracks.Add(tr)
		d.streamToTrack[streamID] = idx
	}

	tr := d.tracks.Get(idx)
	if tr == nil || len(payload) == 0 {
		return nil
	}
	ts := pts
	if ts < 0 {
		ts = 0
	}
	var flags media.PacketFlags
	picType := media.PictureUnknown
	if tr.Info.Codec == "mpeg2video" {
		// A PES packet carrying only continuation slice data (no leading
		// picture_header) is treated as non-keyframe rather than marked
		// unconditionally.
		if pt, ok := mpeg12PictureType(payload); ok {
			picType = pt
			if pt == media.PictureI {
				flags = media.PacketKeyframe
			}
		}
	} else {
		flags = media.PacketKeyframe
	}
	tr.Send(&media.Packet{
		PTS: ts, DTS: ts, TimeBase: tr.TimeBase,
		Data: append([]byte(nil), payload...), Flags: flags, StreamIndex: tr.Index,
		Type: picType, Position: position, PESPTS: pesPTS,
	})
	return nil
}

// mpeg2VideoStartPicture is the start_code_value for a picture_header
// (ISO/IEC 13818-2 6.2.3), the first unit mpeg12.ScanStartCodes returns for
// any segment beginning a coded picture.
const mpeg2VideoStartPicture = 0x00

// mpeg12PictureType scans an elementary-stream payload for its leading
// picture_header and reports its coding type. ok is false when no
// picture_header is found, which happens when a payload carries only
// continuation slice data.
func mpeg12PictureType(payload []byte) (media.PictureType, bool) {
	for _, unit := range mpeg12.ScanStartCodes(payload) {
		if len(unit) < 4 || unit[3] != mpeg2VideoStartPicture {
			continue
		}
		hdr, err := mpeg12.ParsePictureHeader(unit[4:])
		if err != nil {
			continue
		}
		switch hdr.CodingType {
		case mpeg12.CodingI:
			return media.PictureI, true
		case mpeg12.CodingP:
			return media.PictureP, true
		case mpeg12.CodingB:
			return media.PictureB, true
		default:
			return media.PictureUnknown, true
		}
	}
	return media.PictureUnknown, false
}

// decodeTimestamp decodes a 5-byte 33-bit PTS/DTS field per the MPEG-2
// systems marker-bit layout (same encoding mpegts PES timestamps use).
func decodeTimestamp(b []byte) int64 {
	return int64(b[0]&0x0E)<<29 | int64(b[1])<<22 | int64(b[2]&0xFE)<<14 | int64(b[3])<<7 | int64(b[4]>>1)
}

func (d *Demuxer) skipPackHeader() error {
	// Fixed 10-byte pack_header payload after the start code: system_clock
	// reference (5 bytes), mux_rate (3 bytes), reserved/stuffing (2 bytes)
	// whose low 3 bits give the count of additional stuffing bytes.
	buf := make([]byte, 10)
	if _, err := io.ReadFull(d.src, buf); err != nil {
		return err
	}
	d.pos += 10
	stuffingLen := int(buf[9] & 0x07)
	if stuffingLen > 0 {
		if _, err := io.CopyN(io.Discard, d.src, int64(stuffingLen)); err != nil {
			return err
		}
		d.pos += int64(stuffingLen)
	}
	return nil
}

func (d *Demuxer) skipSystemHeader() error {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(d.src, lenBuf); err != nil {
		return err
	}
	d.pos += 2
	n := int64(binary.BigEndian.Uint16(lenBuf))
	_, err := io.CopyN(io.Discard, d.src, n)
	d.pos += n
	return err
}

// nextStartCode scans forward byte-by-byte for the next 0x000001xx marker,
// returning the xx byte. d.pos is left pointing just past the 4-byte start
// code, i.e. at the first byte of that unit's own payload.
func (d *Demuxer) nextStartCode() (int, error) {
	var window [3]byte
	b := make([]byte, 1)
	filled := 0
	for {
		if _, err := io.ReadFull(d.src, b); err != nil {
			return -1, err
		}
		d.pos++
		if filled < 3 {
			window[filled] = b[0]
			filled++
			continue
		}
		if window[0] == 0 && window[1] == 0 && window[2] == 1 {
			return int(b[0]), nil
		}
		window[0], window[1], window[2] = window[1], window[2], b[0]
	}
}

func findStartCode(buf []byte, code int) int {
	for i := 0; i+3 < len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 && int(buf[i+3]) == code {
			return i
		}
	}
	return -1
}

func create(ctx context.Context, src input.Source, log *slog.Logger) (demux.Demuxer, error) {
	return New(ctx, src, log)
}

func init() {
	demux.Register(demux.Format{Name: "mpegps", Kind: demux.KindSync, Probe: Probe, Create: create})
}

var _ demux.Demuxer = (*Demuxer)(nil)
