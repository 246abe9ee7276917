// Package mpeg4video parses MPEG-4 Part 2 (ASP/DivX/Xvid) elementary stream
// headers: VOL (sequence) and VOP (picture) headers, and the DivX packed
// B-frame convention some encoders use.
package mpeg4video

import (
	"bytes"
	"errors"

	"github.com/vellumav/demuxcore/bitstream"
)

// Start code prefixes, ISO/IEC 14496-2.
const (
	startCodePrefix = "\x00\x00\x01"
)

// Start code byte (4th byte after the 00 00 01 prefix) categories.
const (
	codeVOS      = 0xB0
	codeVOP      = 0xB6
	codeUserData = 0xB2
	codeGOV      = 0xB3
)

// VOP coding types.
const (
	CodingI = iota
	CodingP
	CodingB
)

var errShort = errors.New("mpeg4video: header too short")

// VOLHeader holds the fields of a Video Object Layer header needed to
// decode subsequent VOP headers and to report stream geometry.
type VOLHeader struct {
	VideoObjectLayerVerID   uint
	AspectRatioInfo         uint
	ParWidth, ParHeight     uint
	VOPTimeIncrementResBits int // vop_time_increment_resolution, raw field
	TimeIncrementBits       int
	FixedVOPRate            bool
	FixedVOPTimeIncrement   uint
	Width, Height           int
	Shape                   uint
}

// pixelAspect is the ISO/IEC 14496-2 Table 6-12 fixed aspect-ratio table.
var pixelAspect = [16][2]int{
	{0, 0}, {1, 1}, {12, 11}, {10, 11}, {16, 11}, {40, 33},
}

// PixelAspect returns the pixel aspect ratio (width, height) implied by a
// VOL header, resolving the extended-PAR case (aspect_ratio_info == 15).
func (h VOLHeader) PixelAspect() (width, height int) {
	if h.AspectRatioInfo == 15 {
		return int(h.ParWidth), int(h.ParHeight)
	}
	if int(h.AspectRatioInfo) < len(pixelAspect) {
		if w := pixelAspect[h.AspectRatioInfo][0]; w != 0 {
			return w, pixelAspect[h.AspectRatioInfo][1]
		}
	}
	return 1, 1
}

// ParseVOL parses a Video Object Layer start code header. buffer must begin
// with the 4-byte start code (00 00 01 [0x20-0x2F]).
func ParseVOL(buffer []byte) (VOLHeader, int, error) {
	if len(buffer) < 5 {
		return VOLHeader{}, 0, errShort
	}
	br := bitstream.NewReader(buffer[4:])
	var h VOLHeader

	if _, err := br.ReadBit(); err != nil { // random_accessible_vol
		return VOLHeader{}, 0, err
	}
	if _, err := br.ReadBits(8); err != nil { // video_object_type_indication
		return VOLHeader{}, 0, err
	}
	isObjLayerID, err := br.ReadBit()
	if err != nil {
		return VOLHeader{}, 0, err
	}
	if isObjLayerID == 1 {
		verID, err := br.ReadBits(4)
		if err != nil {
			return VOLHeader{}, 0, err
		}
		h.VideoObjectLayerVerID = verID
		if _, err := br.ReadBits(3); err != nil { // priority
			return VOLHeader{}, 0, err
		}
	} else {
		h.VideoObjectLayerVerID = 1
	}

	ar, err := br.ReadBits(4)
	if err != nil {
		return VOLHeader{}, 0, err
	}
	h.AspectRatioInfo = ar
	if ar == 15 {
		w, err := br.ReadBits(8)
		if err != nil {
			return VOLHeader{}, 0, err
		}
		hh, err := br.ReadBits(8)
		if err != nil {
			return VOLHeader{}, 0, err
		}
		h.ParWidth, h.ParHeight = w, hh
	}

	volControl, err := br.ReadBit()
	if err != nil {
		return VOLHeader{}, 0, err
	}
	if volControl == 1 {
		if _, err := br.ReadBits(2); err != nil { // chroma_format
			return VOLHeader{}, 0, err
		}
		if _, err := br.ReadBit(); err != nil { // low_delay
			return VOLHeader{}, 0, err
		}
		vbv, err := br.ReadBit()
		if err != nil {
			return VOLHeader{}, 0, err
		}
		if vbv == 1 {
			for _, n := range []int{15, 1, 15, 1, 15, 1, 3, 11, 1, 15, 1} {
				if _, err := br.ReadBits(n); err != nil {
					return VOLHeader{}, 0, err
				}
			}
		}
	}

	shape, err := br.ReadBits(2)
	if err != nil {
		return VOLHeader{}, 0, err
	}
	h.Shape = shape
	if shape == 3 && h.VideoObjectLayerVerID != 1 {
		if _, err := br.ReadBits(2); err != nil {
			return VOLHeader{}, 0, err
		}
	}

	if _, err := br.ReadBit(); err != nil { // marker
		return VOLHeader{}, 0, err
	}
	timeRes, err := br.ReadBits(16)
	if err != nil {
		return VOLHeader{}, 0, err
	}
	h.VOPTimeIncrementResBits = int(timeRes)
	if _, err := br.ReadBit(); err != nil { // marker
		return VOLHeader{}, 0, err
	}
	fixedRate, err := br.ReadBit()
	if err != nil {
		return VOLHeader{}, 0, err
	}
	h.FixedVOPRate = fixedRate == 1

	h.TimeIncrementBits = log2Ceil(uint(timeRes)-1) + 1
	if h.TimeIncrementBits < 1 {
		h.TimeIncrementBits = 1
	}

	if h.FixedVOPRate {
		v, err := br.ReadBits(h.TimeIncrementBits)
		if err != nil {
			return VOLHeader{}, 0, err
		}
		h.FixedVOPTimeIncrement = v
	} else {
		h.FixedVOPTimeIncrement = 1
	}

	const shapeRect = 0
	const shapeBinaryOnly = 2
	if shape != shapeBinaryOnly && shape == shapeRect {
		if _, err := br.ReadBit(); err != nil {
			return VOLHeader{}, 0, err
		}
		w, err := br.ReadBits(13)
		if err != nil {
			return VOLHeader{}, 0, err
		}
		if _, err := br.ReadBit(); err != nil {
			return VOLHeader{}, 0, err
		}
		hh, err := br.ReadBits(13)
		if err != nil {
			return VOLHeader{}, 0, err
		}
		if _, err := br.ReadBit(); err != nil {
			return VOLHeader{}, 0, err
		}
		h.Width, h.Height = int(w), int(hh)
	}

	return h, len(buffer) - 4 - br.BitsRead()/8, nil
}

func log2Ceil(v uint) int {
	n := 0
	for v > 0xFF {
		v >>= 8
		n += 8
	}
	for v > 0 {
		v >>= 1
		n++
	}
	if n > 0 {
		n--
	}
	return n
}

// VOPHeader holds the fields of a Video Object Plane (picture) header.
type VOPHeader struct {
	CodingType      int
	ModuloTimeBase  int
	TimeIncrement   uint
	Coded           bool
}

// ParseVOP parses a VOP start code header. buffer must begin with the 4-byte
// start code (00 00 01 B6). vol is the VOL header governing this stream,
// needed for TimeIncrementBits.
func ParseVOP(buffer []byte, vol VOLHeader) (VOPHeader, error) {
	if len(buffer) < 5 {
		return VOPHeader{}, errShort
	}
	br := bitstream.NewReader(buffer[4:])
	var h VOPHeader

	codingBits, err := br.ReadBits(2)
	if err != nil {
		return VOPHeader{}, err
	}
	switch codingBits {
	case 0:
		h.CodingType = CodingI
	case 1, 3:
		h.CodingType = CodingP
	case 2:
		h.CodingType = CodingB
	}

	for {
		bit, err := br.ReadBit()
		if err != nil {
			return VOPHeader{}, err
		}
		if bit == 0 {
			break
		}
		h.ModuloTimeBase++
	}

	if _, err := br.ReadBit(); err != nil { // marker
		return VOPHeader{}, err
	}

	ti, err := br.ReadBits(vol.TimeIncrementBits)
	if err != nil {
		return VOPHeader{}, err
	}
	h.TimeIncrement = ti

	if _, err := br.ReadBit(); err != nil { // marker
		return VOPHeader{}, err
	}

	coded, err := br.ReadBit()
	if err != nil {
		return VOPHeader{}, err
	}
	h.Coded = coded == 1

	return h, nil
}

// StripPackedFlag detects and removes the DivX "packed B-frame" trailing
// marker: a user_data section whose payload begins (case-insensitively)
// with "divx" and whose very last byte is the ASCII character 'p'. When
// found, that single trailing byte is physically removed from buf (not
// just flagged), because otherwise it gets miscounted as the start of the
// next VOP. Returns the possibly-shortened buffer and whether it stripped
// anything.
func StripPackedFlag(buf []byte) ([]byte, bool) {
	pos := 0
	for pos < len(buf) {
		sc := findStartCode(buf, pos)
		if sc < 0 {
			break
		}
		if sc+3 >= len(buf) {
			break
		}
		code := buf[sc+3]
		if code != codeUserData {
			pos = sc + 4
			continue
		}
		dataStart := sc + 4
		next := findStartCode(buf, dataStart)
		end := len(buf)
		if next >= 0 {
			end = next
		}
		size := end - dataStart
		if size < 4 {
			pos = dataStart
			continue
		}
		tag := buf[dataStart : dataStart+4]
		if !bytes.EqualFold(tag, []byte("divx")) {
			pos = dataStart + size - 1
			continue
		}
		if buf[end-1] == 'p' {
			out := make([]byte, 0, len(buf)-1)
			out = append(out, buf[:end-1]...)
			out = append(out, buf[end:]...)
			return out, true
		}
		pos = dataStart + size - 1
	}
	return buf, false
}

func findStartCode(buf []byte, from int) int {
	idx := bytes.Index(buf[from:], []byte(startCodePrefix))
	if idx < 0 {
		return -1
	}
	return from + idx
}

// findVOPOffset locates the start of the next VOP start code (00 00 01 B6)
// at or after from, -1 if none remains.
func findVOPOffset(data []byte, from int) int {
	for pos := from; ; {
		sc := findStartCode(data, pos)
		if sc < 0 || sc+3 >= len(data) {
			return -1
		}
		if data[sc+3] == codeVOP {
			return sc
		}
		pos = sc + 4
	}
}

// UnpackedVOP is one coded picture recovered from a (possibly packed) VOP
// chunk, ready to hand to a Track as its own packet.
type UnpackedVOP struct {
	Data       []byte
	CodingType int
}

// PackedUnpacker implements the DivX/Xvid "packed bitstream" convention:
// an encoder that delays B-frames by one chunk writes each chunk as the
// current coded picture immediately followed by a second VOP, which is
// either the deferred B-frame or, when there's none pending, an uncoded
// N-VOP placeholder. A decoder must hold that second VOP across the chunk
// boundary and emit it once the following chunk has been read, since its
// correct presentation position is between the chunk that carried it and
// the one after. One Unpacker instance is owned per elementary stream.
type PackedUnpacker struct {
	pending    []byte
	hasPending bool
}

// Unpack splits one AVI/mpeg4video chunk into the pictures it actually
// contains, in presentation order, folding in (and replacing) whatever this
// stream's previous chunk left pending.
func (u *PackedUnpacker) Unpack(data []byte, vol VOLHeader) []UnpackedVOP {
	data, _ = StripPackedFlag(data)

	first := findVOPOffset(data, 0)
	if first < 0 {
		return []UnpackedVOP{{Data: data, CodingType: CodingP}}
	}
	hdrA, errA := ParseVOP(data[first:], vol)

	second := findVOPOffset(data, first+4)
	if second < 0 || errA != nil {
		var out []UnpackedVOP
		if pend, ok := u.flush(); ok {
			out = append(out, pend)
		}
		ct := CodingP
		if errA == nil {
			ct = hdrA.CodingType
		}
		return append(out, UnpackedVOP{Data: data, CodingType: ct})
	}

	dataA, dataB := data[:second], data[second:]
	hdrB, errB := ParseVOP(dataB, vol)

	var out []UnpackedVOP
	if pend, ok := u.flush(); ok {
		out = append(out, pend)
	}
	out = append(out, UnpackedVOP{Data: dataA, CodingType: hdrA.CodingType})

	if errB == nil && hdrB.Coded {
		u.pending = append([]byte(nil), dataB...)
		u.hasPending = true
	}
	return out
}

// Flush returns the held sideband picture, if any, for emission as the
// final packet once the source is exhausted.
func (u *PackedUnpacker) Flush() (UnpackedVOP, bool) {
	return u.flush()
}

func (u *PackedUnpacker) flush() (UnpackedVOP, bool) {
	if !u.hasPending {
		return UnpackedVOP{}, false
	}
	pkt := UnpackedVOP{Data: u.pending, CodingType: CodingB}
	u.pending, u.hasPending = nil, false
	return pkt, true
}
