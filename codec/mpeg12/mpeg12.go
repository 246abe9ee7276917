// Package mpeg12 parses MPEG-1/2 video elementary stream headers: the
// sequence header (resolution, frame rate, aspect ratio) and the picture
// header (coding type), per ISO/IEC 11172-2 and 13818-2.
package mpeg12

import (
	"bytes"
	"errors"

	"github.com/vellumav/demuxcore/bitstream"
)

// Start codes, ISO/IEC 13818-2 Table 6-1.
const (
	StartPicture    = 0x00
	StartSequence   = 0xB3
	StartExtension  = 0xB5
	StartGOP        = 0xB8
)

// Picture coding types, Table 6-12.
const (
	CodingI = 1
	CodingP = 2
	CodingB = 3
	CodingD = 4
)

var errShort = errors.New("mpeg12: header too short")

// frameRateTable is the ISO/IEC 13818-2 Table 6-4 frame_rate_code lookup,
// expressed as {numerator, denominator}.
var frameRateTable = [16][2]int{
	{0, 1}, {24000, 1001}, {24, 1}, {25, 1},
	{30000, 1001}, {30, 1}, {50, 1}, {60000, 1001},
	{60, 1},
}

// SequenceHeader holds the fields of an MPEG-1/2 sequence_header().
type SequenceHeader struct {
	Width, Height     int
	AspectRatioCode   uint
	FrameRateNum      int
	FrameRateDen      int
	BitRate           int // in 400 bit/s units, per spec; 0x3FFFF means variable
}

// ParseSequenceHeader parses a sequence_header start code. buffer must begin
// with the 4-byte start code (00 00 01 B3).
func ParseSequenceHeader(buffer []byte) (SequenceHeader, error) {
	if len(buffer) < 12 {
		return SequenceHeader{}, errShort
	}
	br := bitstream.NewReader(buffer[4:])
	var h SequenceHeader

	width, err := br.ReadBits(12)
	if err != nil {
		return SequenceHeader{}, err
	}
	height, err := br.ReadBits(12)
	if err != nil {
		return SequenceHeader{}, err
	}
	h.Width, h.Height = int(width), int(height)

	ar, err := br.ReadBits(4)
	if err != nil {
		return SequenceHeader{}, err
	}
	h.AspectRatioCode = ar

	fr, err := br.ReadBits(4)
	if err != nil {
		return SequenceHeader{}, err
	}
	if int(fr) < len(frameRateTable) {
		h.FrameRateNum = frameRateTable[fr][0]
		h.FrameRateDen = frameRateTable[fr][1]
	}

	bitrate, err := br.ReadBits(18)
	if err != nil {
		return SequenceHeader{}, err
	}
	h.BitRate = int(bitrate)

	return h, nil
}

// PictureHeader holds the fields of a picture_header().
type PictureHeader struct {
	TemporalReference uint
	CodingType        int
}

// ParsePictureHeader parses a picture_header start code. buffer must begin
// with the 4-byte start code (00 00 01 00).
func ParsePictureHeader(buffer []byte) (PictureHeader, error) {
	if len(buffer) < 6 {
		return PictureHeader{}, errShort
	}
	br := bitstream.NewReader(buffer[4:])
	var h PictureHeader

	tref, err := br.ReadBits(10)
	if err != nil {
		return PictureHeader{}, err
	}
	h.TemporalReference = tref

	coding, err := br.ReadBits(3)
	if err != nil {
		return PictureHeader{}, err
	}
	h.CodingType = int(coding)

	return h, nil
}

// IsKeyframe reports whether a picture coding type is an I-frame.
func IsKeyframe(codingType int) bool { return codingType == CodingI }

// ScanStartCodes splits an elementary stream buffer into start-code-prefixed
// segments (each beginning at its own 00 00 01 xx marker), the MPEG-1/2
// analogue of Annex-B NAL splitting.
func ScanStartCodes(data []byte) [][]byte {
	var segments [][]byte
	prefix := []byte{0, 0, 1}
	start := bytes.Index(data, prefix)
	for start >= 0 {
		next := bytes.Index(data[start+3:], prefix)
		var end int
		if next < 0 {
			end = len(data)
		} else {
			end = start + 3 + next
		}
		segments = append(segments, data[start:end])
		if next < 0 {
			break
		}
		start = end
	}
	return segments
}
