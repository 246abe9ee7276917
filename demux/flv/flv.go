// Package flv demuxes Adobe FLV files: the 9-byte file header followed by a
// stream of tags (audio/video/script-data), each prefixed by an 11-byte tag
// header and trailed by a 4-byte previous-tag-size field.
package flv

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/vellumav/demuxcore/codec/h264"
	"github.com/vellumav/demuxcore/demux"
	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/media"
	"github.com/vellumav/demuxcore/track"
)

// TagType identifies an FLV tag's payload kind.
type TagType uint8

const (
	TagAudio      TagType = 8
	TagVideo      TagType = 9
	TagScriptData TagType = 18
)

// AudioCodec is the SoundFormat nibble of an audio tag's first byte.
type AudioCodec uint8

const (
	AudioCodecMP3 AudioCodec = 2
	AudioCodecAAC AudioCodec = 10
)

// VideoCodec is the CodecID nibble of a video tag's first byte.
type VideoCodec uint8

const (
	VideoCodecAVC  VideoCodec = 7
	VideoCodecHEVC VideoCodec = 12 // non-standard but common (ffmpeg "hvc1" extension)
)

// AVC packet types, the second byte of an AVC video tag body.
const (
	AVCPacketSequenceHeader = 0
	AVCPacketNALU           = 1
)

// ErrBadSignature is returned when a file doesn't start with "FLV".
var ErrBadSignature = errors.New("flv: bad file signature")

var flvTimeBase = media.Rational{Num: 1, Den: 1000} // FLV timestamps are milliseconds

// Probe reports whether src begins with the 3-byte "FLV" signature.
func Probe(src input.Source) bool {
	buf, err := src.Peek(3)
	return err == nil && len(buf) == 3 && buf[0] == 'F' && buf[1] == 'L' && buf[2] == 'V'
}

// Demuxer reads sequential FLV tags, splitting AVC NALUs and forwarding
// audio/video payloads to their track.
type Demuxer struct {
	log *slog.Logger
	src input.Source

	tracks    *track.Table
	videoIdx  int
	audioIdx  int
	haveVideo bool
	haveAudio bool
}

// New constructs a Demuxer and consumes the 9-byte FLV header.
func New(ctx context.Context, src input.Source, log *slog.Logger) (*Demuxer, error) {
	if log == nil {
		log = slog.Default()
	}
	d := &Demuxer{log: log.With("component", "flv"), src: src, tracks: track.NewTable()}

	hdr := make([]byte, 9)
	if _, err := io.ReadFull(src, hdr); err != nil {
		return nil, err
	}
	if hdr[0] != 'F' || hdr[1] != 'L' || hdr[2] != 'V' {
		return nil, ErrBadSignature
	}
	hasVideo := hdr[4]&0x01 != 0
	hasAudio := hdr[4]&0x04 != 0

	if hasVideo {
		tr := track.New(0, media.StreamVideo, flvTimeBase, media.CompressionInfo{})
		d.tracks.Add(tr)
		d.videoIdx = 0
		d.haveVideo = true
	}
	if hasAudio {
		idx := len(d.tracks.All())
		tr := track.New(idx, media.StreamAudio, flvTimeBase, media.CompressionInfo{})
		d.tracks.Add(tr)
		d.audioIdx = idx
		d.haveAudio = true
	}

	// dataOffset (bytes 5-8) then the 4-byte "previous tag size 0" field
	// both precede the first real tag; consume whatever's left of either.
	dataOffset := int64(be32(hdr[5:9]))
	if dataOffset > 9 {
		if _, err := io.CopyN(io.Discard, src, dataOffset-9); err != nil {
			return nil, err
		}
	}
	prevTagSize := make([]byte, 4)
	if _, err := io.ReadFull(src, prevTagSize); err != nil {
		return nil, err
	}

	return d, nil
}

func (d *Demuxer) Tracks() *track.Table { return d.tracks }

// Run reads tags until EOF.
func (d *Demuxer) Run(ctx context.Context) error {
	defer d.tracks.CloseAll()

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := d.readTag(); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
	}
}

func (d *Demuxer) readTag() error {
	hdr := make([]byte, 11)
	if _, err := io.ReadFull(d.src, hdr); err != nil {
		if err == io.ErrUnexpectedEOF {
			return io.EOF
		}
		return err
	}

	tagType := TagType(hdr[0])
	tagSize := uint32(hdr[1])<<16 | uint32(hdr[2])<<8 | uint32(hdr[3])
	timestamp := int64(uint32(hdr[7])<<24 | uint32(hdr[4])<<16 | uint32(hdr[5])<<8 | uint32(hdr[6]))

	body := make([]byte, tagSize)
	if _, err := io.ReadFull(d.src, body); err != nil {
		return fmt.Errorf("flv: reading tag body: %w", err)
	}
	prevTagSize := make([]byte, 4)
	if _, err := io.ReadFull(d.src, prevTagSize); err != nil {
		return fmt.Errorf("flv: reading previous tag size: %w", err)
	}

	switch tagType {
	case TagVideo:
		d.handleVideoTag(body, timestamp)
	case TagAudio:
		d.handleAudioTag(body, timestamp)
	case TagScriptData:
		// onMetaData AMF payloads carry duration/resolution hints but no
		// media samples; nothing to forward downstream.
	}
	return nil
}

func (d *Demuxer) handleVideoTag(body []byte, ts int64) {
	if !d.haveVideo || len(body) < 1 {
		return
	}
	tr := d.tracks.Get(d.videoIdx)
	if tr == nil {
		return
	}

	frameType := (body[0] >> 4) & 0x0F
	codecID := VideoCodec(body[0] & 0x0F)
	if codecID != VideoCodecAVC && codecID != VideoCodecHEVC {
		return
	}
	if len(body) < 5 {
		return
	}
	packetType := body[1]
	cts := int64(int32(uint32(body[2])<<16|uint32(body[3])<<8|uint32(body[4])) << 8 >> 8) // 24-bit signed

	if tr.Info.Codec == "" {
		if codecID == VideoCodecAVC {
			tr.Info.Codec = "h264"
		} else {
			tr.Info.Codec = "h265"
		}
	}

	payload := body[5:]
	if packetType == AVCPacketSequenceHeader {
		tr.Info.GlobalHeader = append([]byte(nil), payload...)
		return
	}

	nalus := avccToAnnexB(payload)
	keyframe := frameType == 1
	if codecID == VideoCodecAVC {
		for _, n := range nalus {
			if len(n) > 0 && h264.IsKeyframe(n[0]&0x1F) {
				keyframe = true
			}
		}
	}

	flags := media.PacketFlags(0)
	if keyframe {
		flags |= media.PacketKeyframe
	}
	tr.Send(&media.Packet{
		PTS: ts + cts, DTS: ts, TimeBase: tr.TimeBase,
		Data: payload, Flags: flags, StreamIndex: tr.Index,
	})
}

func (d *Demuxer) handleAudioTag(body []byte, ts int64) {
	if !d.haveAudio || len(body) < 1 {
		return
	}
	tr := d.tracks.Get(d.audioIdx)
	if tr == nil {
		return
	}

	soundFormat := AudioCodec(body[0] >> 4)
	if tr.Info.Codec == "" {
		switch soundFormat {
		case AudioCodecAAC:
			tr.Info.Codec = "aac"
		case AudioCodecMP3:
			tr.Info.Codec = "mp3"
		}
	}

	if soundFormat != AudioCodecAAC {
		tr.Send(&media.Packet{PTS: ts, DTS: ts, TimeBase: tr.TimeBase, Data: body[1:], Flags: media.PacketKeyframe, StreamIndex: tr.Index})
		return
	}

	if len(body) < 2 {
		return
	}
	aacPacketType := body[1]
	payload := body[2:]
	if aacPacketType == 0 {
		tr.Info.GlobalHeader = append([]byte(nil), payload...)
		return
	}
	tr.Send(&media.Packet{PTS: ts, DTS: ts, TimeBase: tr.TimeBase, Data: payload, Flags: media.PacketKeyframe, StreamIndex: tr.Index})
}

// avccToAnnexB splits one AVCC-framed (4-byte length-prefixed) NALU run,
// as carried in an FLV AVC NALU video tag body, into individual NAL units.
func avccToAnnexB(data []byte) [][]byte {
	var out [][]byte
	for len(data) >= 4 {
		n := int(be32(data[0:4]))
		data = data[4:]
		if n <= 0 || n > len(data) {
			break
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func create(ctx context.Context, src input.Source, log *slog.Logger) (demux.Demuxer, error) {
	return New(ctx, src, log)
}

func init() {
	demux.Register(demux.Format{Name: "flv", Probe: Probe, Create: create})
}

var _ demux.Demuxer = (*Demuxer)(nil)
