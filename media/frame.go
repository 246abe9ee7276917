// Package media defines the core data model that flows through demuxcore:
// the codec-agnostic Packet, its CompressionInfo, and the rolling StreamStats
// every track accumulates as packets pass through it.
package media

import (
	"math"
	"time"
)

// PTSUndefined marks a PTS/DTS/Timecode field the producing container or
// codec could not establish, distinguishing "really zero" from "unknown"
// without an extra bool alongside every timestamp.
const PTSUndefined = math.MinInt64

// Buffer sizes used by track sinks to decouple demuxing from consumption.
// Sized to absorb jitter without excessive memory: ~2 seconds of video,
// ~2.5s of audio, enough captions/subtitles to never be the bottleneck.
const (
	VideoBufferSize   = 60
	AudioBufferSize   = 120
	OverlayBufferSize = 30
)

// StreamType classifies a Track's payload.
type StreamType int

const (
	StreamUnknown StreamType = iota
	StreamAudio
	StreamVideo
	StreamText
	StreamOverlay
	StreamMessage
)

func (t StreamType) String() string {
	switch t {
	case StreamAudio:
		return "audio"
	case StreamVideo:
		return "video"
	case StreamText:
		return "text"
	case StreamOverlay:
		return "overlay"
	case StreamMessage:
		return "message"
	default:
		return "unknown"
	}
}

// PictureType classifies a video packet's coding dependency, the one piece
// of codec-level semantics every elementary-stream parser in this module
// (H.264, H.265, MPEG-1/2, MPEG-4 ASP) can derive from its slice/picture
// header and that a consumer needs independent of which codec produced it.
type PictureType int

const (
	// PictureUnknown means no parser reported a coding type for this packet
	// (non-video, or a codec this module doesn't parse slice headers for).
	PictureUnknown PictureType = iota
	PictureI
	PictureP
	PictureB
)

func (t PictureType) String() string {
	switch t {
	case PictureI:
		return "I"
	case PictureP:
		return "P"
	case PictureB:
		return "B"
	default:
		return "unknown"
	}
}

// InterlaceMode records whether a video packet's picture is progressive or
// carries two interlaced fields, and their temporal order.
type InterlaceMode int

const (
	InterlaceUnknown InterlaceMode = iota
	InterlaceProgressive
	InterlaceTopFieldFirst
	InterlaceBottomFieldFirst
)

// PacketFlags mark structural properties of a Packet independent of codec.
type PacketFlags uint32

const (
	// PacketKeyframe marks a packet that can be decoded without reference
	// to any prior packet (sync sample / IDR / keyframe).
	PacketKeyframe PacketFlags = 1 << iota
	// PacketCorrupt marks a packet recovered after a detected discontinuity
	// or CRC failure; it may be decodable but should not be trusted blindly.
	PacketCorrupt
	// PacketLast marks the final packet a source will ever produce for this
	// track (clean EOF, not a read error).
	PacketLast
)

// CompressionInfo carries enough of a codec's private configuration for a
// downstream consumer to initialize a decoder without re-parsing the
// elementary stream. Fields are populated sparsely: only what the source
// container or parser could establish.
type CompressionInfo struct {
	// Codec is a short identifier, e.g. "h264", "h265", "aac", "mp4a.40.2".
	Codec string
	// CodecTag is the container-native fourcc/tag when one exists (e.g. the
	// ISO-BMFF sample entry type, or the FLV AudioCodec/VideoCodec id).
	CodecTag uint32
	// GlobalHeader holds codec init data that applies to the whole stream
	// rather than any single packet (SPS/PPS/VPS for H.264/H.265, AudioSpecificConfig
	// for AAC, a Vorbis/Opus ID header, ...).
	GlobalHeader []byte
	// Bitrate is the nominal or average bitrate in bits/second, 0 if unknown.
	Bitrate int
	// FramesPerSample is >1 for codecs that pack multiple access units into a
	// single container sample (e.g. packed MPEG-4 ASP B-frames).
	FramesPerSample int
}

// Packet is the unit demuxcore moves between a demuxer and a track sink. It
// is codec-agnostic: containers fill in what they know, parsers refine it.
type Packet struct {
	// PTS/DTS are in the track's TimeBase units, not wall-clock time. DTS
	// equals PTS when the container provides no decode-time reordering.
	PTS, DTS int64
	// Duration is this packet's presentation duration in TimeBase units, 0
	// if the container doesn't carry per-packet durations.
	Duration int64
	// TimeBase is the tick rate PTS/DTS/Duration are expressed in, e.g.
	// {1, 90000} for a 90kHz MPEG clock.
	TimeBase Rational
	Data     []byte
	Flags    PacketFlags
	// StreamIndex identifies which Track within the owning DemuxerContext
	// produced this packet.
	StreamIndex int

	// Type is this packet's coding dependency (I/P/B), PictureUnknown if no
	// parser in this module established one (e.g. audio, or a codec without
	// slice-header parsing).
	Type PictureType

	// Position is the byte offset within the source container where this
	// packet's data begins, PTSUndefined if the demuxer didn't track it
	// (non-seekable input). Available to any consumer building its own
	// index.
	Position int64

	// PESPTS is the raw, container-native presentation timestamp this
	// packet's PTS was derived from (e.g. the MPEG-TS/PS PES 33-bit PTS
	// before timebase conversion), PTSUndefined if the container carries no
	// such concept (ISO-BMFF, AVI). Kept alongside PTS for callers cross
	// checking against an out-of-band EPG/PCR source.
	PESPTS int64

	// Timecode is an SMPTE/VITC timecode recovered from codec-level
	// metadata (e.g. an H.264 pic_timing SEI), PTSUndefined if none was
	// present.
	Timecode int64

	// HeaderSize is the number of leading bytes of Data that are framing
	// overhead rather than codec payload (an ADTS header, a PES optional
	// header carried through to the elementary stream), 0 if Data is pure
	// payload.
	HeaderSize int

	// SequenceEndPos is the byte offset of this stream's sequence-end code
	// when the packet carries one (MPEG-1/2 sequence_end_code, H.264/H.265
	// end-of-stream NAL), PTSUndefined otherwise.
	SequenceEndPos int64

	// InterlaceMode describes the picture's field structure.
	InterlaceMode InterlaceMode

	// SrcRect, DstX, DstY describe a subtitle/overlay packet's placement:
	// the source bitmap's dimensions and the top-left position it should be
	// composited at. Zero for non-overlay packets.
	SrcRect        Rectangle
	DstX, DstY int

	// Extradata carries packet-scoped codec side information that isn't
	// part of Data and isn't stable enough to belong in
	// CompressionInfo.GlobalHeader (e.g. a DivX packed-B-frame's held VOP,
	// emitted as the sideband packet's own Extradata payload of the VOP
	// that preceded it in decode order).
	Extradata []byte
}

// Rectangle is a pixel-space width/height pair, used for overlay placement.
type Rectangle struct {
	Width, Height int
}

// Keyframe reports whether this packet is independently decodable.
func (p *Packet) Keyframe() bool { return p.Flags&PacketKeyframe != 0 }

// Rational is a small fraction used for time bases and frame rates.
type Rational struct {
	Num, Den int64
}

// Seconds converts a tick count expressed in this Rational's units to a
// time.Duration. A zero denominator returns 0.
func (r Rational) Seconds(ticks int64) time.Duration {
	if r.Den == 0 {
		return 0
	}
	return time.Duration(float64(ticks) * float64(r.Num) / float64(r.Den) * float64(time.Second))
}

// StreamStats is a rolling accumulation of packet-level statistics kept per
// track: counts, byte totals, and a jitter figure computed from the
// recently observed inter-packet durations.
type StreamStats struct {
	PacketCount        uint64
	ByteCount          uint64
	KeyframeCount      uint64
	DiscontinuityCount uint64
	// DurationJitter is the sample variance of the differences between
	// consecutive packet durations over the last window of packets, in
	// TimeBase ticks squared. Zero until enough samples have been observed.
	DurationJitter float64

	// PTSStart/PTSEnd are the first packet's PTS and the most recent
	// packet's PTS+Duration seen on this track, both PTSUndefined until the
	// first packet arrives. The invariant a consumer can rely on is
	// PTSEnd >= PTSStart once PacketCount > 0, and PTSEnd - PTSStart
	// approximates the track's observed duration even with B-frame reorder,
	// since both are drawn from presentation time, not decode order.
	PTSStart, PTSEnd int64
	// DurationMin/DurationMax are the smallest and largest non-zero
	// Duration observed, 0 until one packet with Duration > 0 has arrived.
	DurationMin, DurationMax int64
}
