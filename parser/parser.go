// Package parser defines the uniform per-codec frame-boundary finder every
// container's high-level demuxer drives, so the NAL-by-NAL / ADTS-by-ADTS
// loop each container needs only exists once per codec instead of once per
// container package.
package parser

import (
	"github.com/vellumav/demuxcore/codec/aac"
	"github.com/vellumav/demuxcore/codec/h264"
	"github.com/vellumav/demuxcore/codec/h265"
	"github.com/vellumav/demuxcore/codec/mp3"
	"github.com/vellumav/demuxcore/media"
)

// Mode controls how much of a candidate frame a Parser must have before
// ParseFrame will accept it.
type Mode int

const (
	// ModeFull requires the next frame's start code (or sync word) to already
	// be visible before a boundary is reported, guaranteeing the frame just
	// found is complete.
	ModeFull Mode = iota
	// ModeFrame accepts a frame as soon as its own header is visible, on the
	// assumption that whatever immediately precedes it in buf is already
	// complete (used for low-latency live ingest where waiting for the next
	// frame's start code would add a full frame of delay).
	ModeFrame
)

// Frame is one parsed Annex-B NAL unit or audio frame: its raw bytes,
// whether it's independently decodable, and codec-level metadata a
// container can't derive on its own.
type Frame struct {
	Data         []byte
	Keyframe     bool
	GlobalHeader []byte // non-nil when this frame carries updated init data (new SPS/PPS, ASC, ...)
	// Type is the frame's coding dependency (I/P/B) as reported by the
	// codec's slice/picture header parser, media.PictureUnknown if the
	// Parser doesn't establish one. An I-type frame is always also
	// Keyframe, even on codecs (H.264 open-GOP I-slices) whose keyframe
	// detection otherwise keys only off a hard sync NAL like IDR.
	Type media.PictureType
}

// Parser incrementally finds and extracts frames from a codec's elementary
// byte stream. FindFrameBoundary reports how many leading bytes of buf make
// up one complete frame (0 if none yet), and ParseFrame turns those bytes
// into a Frame. Reset clears any state carried between frames (useful after
// a discontinuity); Cleanup releases resources held across the Parser's
// lifetime, if any.
type Parser interface {
	FindFrameBoundary(buf []byte, mode Mode) (n int, found bool)
	ParseFrame(data []byte) (Frame, error)
	Reset()
	Cleanup()
}

// New returns the Parser appropriate for a codec name as recorded in
// media.CompressionInfo.Codec ("h264", "h265", "aac", "mp3"), or nil if no
// Parser is registered for it (the container should fall back to treating
// its own native framing as one frame per container sample).
func New(codec string) Parser {
	switch codec {
	case "h264":
		return &h264Parser{}
	case "h265":
		return &h265Parser{}
	case "aac":
		return &aacParser{}
	case "mp3":
		return &mp3Parser{}
	default:
		return nil
	}
}

// startCodePositions returns the byte offset of the payload immediately
// following each 3- or 4-byte Annex-B start code in buf.
func startCodePositions(buf []byte) []int {
	var pos []int
	n := len(buf)
	for i := 0; i < n-2; i++ {
		if buf[i] != 0 || buf[i+1] != 0 {
			continue
		}
		if i < n-3 && buf[i+2] == 0 && buf[i+3] == 1 {
			pos = append(pos, i+4)
			i += 3
			continue
		}
		if buf[i+2] == 1 {
			pos = append(pos, i+3)
			i += 2
		}
	}
	return pos
}

// startCodeLenBefore returns 3 or 4 depending on whether the start code
// immediately preceding payloadOffset used the 4-byte form.
func startCodeLenBefore(buf []byte, payloadOffset int) int {
	if payloadOffset >= 4 && buf[payloadOffset-4] == 0 && buf[payloadOffset-3] == 0 &&
		buf[payloadOffset-2] == 0 && buf[payloadOffset-1] == 1 {
		return 4
	}
	return 3
}

// annexBFrameBoundary finds a single NAL unit's extent (start code
// included) at the front of buf, per the ModeFull/ModeFrame contract.
func annexBFrameBoundary(buf []byte, mode Mode) (int, bool) {
	pos := startCodePositions(buf)
	if len(pos) == 0 {
		return 0, false
	}
	scLen := startCodeLenBefore(buf, pos[0])
	frameStart := pos[0] - scLen
	if frameStart != 0 {
		// buf doesn't begin on a start code; not actionable until the caller
		// realigns (containers are expected to hand Parser Annex-B-aligned data).
		return 0, false
	}
	if len(pos) >= 2 {
		nextLen := startCodeLenBefore(buf, pos[1])
		return pos[1] - nextLen, true
	}
	if mode == ModeFrame {
		return len(buf), true
	}
	return 0, false
}

type h264Parser struct {
	sps, pps []byte
}

func (p *h264Parser) FindFrameBoundary(buf []byte, mode Mode) (int, bool) {
	return annexBFrameBoundary(buf, mode)
}

func (p *h264Parser) ParseFrame(data []byte) (Frame, error) {
	nalus := h264.ParseAnnexB(data)
	f := Frame{Data: data}
	for _, n := range nalus {
		if h264.IsKeyframe(n.Type) {
			f.Keyframe = true
		}
		if h264.IsSPS(n.Type) {
			p.sps = append([]byte(nil), n.Data...)
		}
		if h264.IsPPS(n.Type) {
			p.pps = append([]byte(nil), n.Data...)
		}
		if pt, ok := h264.ParseSliceType(n.Data); ok {
			f.Type = pt
		}
	}
	if f.Type == media.PictureI {
		f.Keyframe = true
	}
	if p.sps != nil && p.pps != nil {
		f.GlobalHeader = append(append([]byte(nil), p.sps...), p.pps...)
	}
	return f, nil
}

func (p *h264Parser) Reset()   { p.sps, p.pps = nil, nil }
func (p *h264Parser) Cleanup() {}

type h265Parser struct {
	vps, sps, pps []byte
}

func (p *h265Parser) FindFrameBoundary(buf []byte, mode Mode) (int, bool) {
	return annexBFrameBoundary(buf, mode)
}

func (p *h265Parser) ParseFrame(data []byte) (Frame, error) {
	nalus := h265.ParseAnnexB(data)
	f := Frame{Data: data}
	for _, n := range nalus {
		if h265.IsKeyframe(n.Type) {
			f.Keyframe = true
		}
		switch {
		case h265.IsVPS(n.Type):
			p.vps = append([]byte(nil), n.Data...)
		case h265.IsSPS(n.Type):
			p.sps = append([]byte(nil), n.Data...)
		case h265.IsPPS(n.Type):
			p.pps = append([]byte(nil), n.Data...)
		}
		if pt, ok := h265.ParseSliceType(n.Type, n.Data); ok {
			f.Type = pt
		}
	}
	if f.Type == media.PictureI {
		f.Keyframe = true
	}
	if p.vps != nil && p.sps != nil && p.pps != nil {
		f.GlobalHeader = append(append(append([]byte(nil), p.vps...), p.sps...), p.pps...)
	}
	return f, nil
}

func (p *h265Parser) Reset()   { p.vps, p.sps, p.pps = nil, nil, nil }
func (p *h265Parser) Cleanup() {}

type aacParser struct{}

func (p *aacParser) FindFrameBoundary(buf []byte, mode Mode) (int, bool) {
	frames, err := aac.ParseADTS(buf)
	if err != nil || len(frames) == 0 {
		return 0, false
	}
	if mode == ModeFrame {
		return len(frames[0].Data), true
	}
	// ModeFull: only report a boundary once a second frame's sync word
	// confirms the first is complete and not a truncated tail.
	if len(frames) < 2 {
		return 0, false
	}
	return len(frames[0].Data), true
}

func (p *aacParser) ParseFrame(data []byte) (Frame, error) {
	frames, err := aac.ParseADTS(data)
	if err != nil || len(frames) == 0 {
		return Frame{}, err
	}
	return Frame{Data: frames[0].Data, Keyframe: true}, nil
}

func (p *aacParser) Reset()   {}
func (p *aacParser) Cleanup() {}

type mp3Parser struct{}

func (p *mp3Parser) FindFrameBoundary(buf []byte, mode Mode) (int, bool) {
	if mp3.FindSync(buf, 0) != 0 {
		return 0, false
	}
	hdr, err := mp3.ParseHeader(buf)
	if err != nil || hdr.FrameSize <= 0 {
		return 0, false
	}
	if mode == ModeFrame {
		return hdr.FrameSize, len(buf) >= hdr.FrameSize
	}
	if len(buf) < hdr.FrameSize+4 {
		return 0, false
	}
	return hdr.FrameSize, true
}

func (p *mp3Parser) ParseFrame(data []byte) (Frame, error) {
	hdr, err := mp3.ParseHeader(data)
	if err != nil {
		return Frame{}, err
	}
	if len(data) < hdr.FrameSize {
		return Frame{}, mp3.ErrInvalidHeader
	}
	return Frame{Data: data[:hdr.FrameSize], Keyframe: true}, nil
}

func (p *mp3Parser) Reset()   {}
func (p *mp3Parser) Cleanup() {}
