// Package id3 parses ID3v1 and ID3v2 metadata tags as found at the head (v2)
// or tail (v1) of MP3 and other elementary audio streams.
package id3

import (
	"encoding/binary"
	"errors"
	"unicode/utf16"
)

// ErrNotID3v2 is returned when the expected "ID3" magic is missing.
var ErrNotID3v2 = errors.New("id3: not an ID3v2 tag")

// Tag-level flags, byte 5 of the ID3v2 header.
const (
	TagUnsynchronized Flags = 1 << 7
	TagExtendedHeader Flags = 1 << 6
	TagExperimental   Flags = 1 << 5
	TagFooterPresent  Flags = 1 << 4
)

// Flags is a bitmask of tag- or frame-level flags.
type Flags uint16

// Frame-level flags, the 2-byte field following each frame's size.
const (
	FrameTagAlterPreservation  Flags = 1 << 14
	FrameFileAlterPreservation Flags = 1 << 13
	FrameReadOnly              Flags = 1 << 12
	FrameGrouping              Flags = 1 << 6
	FrameCompression           Flags = 1 << 3
	FrameEncryption            Flags = 1 << 2
	FrameUnsynchronized        Flags = 1 << 1
	FrameDataLength            Flags = 1 << 0
)

// Text-frame encoding byte values.
const (
	EncodingLatin1    = 0x00
	EncodingUTF16BOM  = 0x01
	EncodingUTF16BE   = 0x02
	EncodingUTF8      = 0x03
)

// V2Header is the 10-byte ID3v2 tag header.
type V2Header struct {
	MajorVersion, Revision byte
	Flags                  Flags
	Size                   int // tag size excluding the 10-byte header
}

// V2Frame is one parsed ID3v2 frame: a 4-character id, its flags, and its
// raw (still encoded) payload.
type V2Frame struct {
	ID    string
	Flags Flags
	Data  []byte
}

// ParseV2Header parses the 10-byte ID3v2 header from the start of data.
func ParseV2Header(data []byte) (V2Header, error) {
	if len(data) < 10 || data[0] != 'I' || data[1] != 'D' || data[2] != '3' {
		return V2Header{}, ErrNotID3v2
	}
	size := decodeSynchsafe(data[6:10])
	return V2Header{
		MajorVersion: data[3],
		Revision:     data[4],
		Flags:        Flags(data[5]),
		Size:         size,
	}, nil
}

// decodeSynchsafe decodes a 4-byte synchsafe integer (7 significant bits per
// byte, ID3v2's defense against false sync words in the frame body).
func decodeSynchsafe(b []byte) int {
	return int(b[0])<<21 | int(b[1])<<14 | int(b[2])<<7 | int(b[3])
}

// ParseV2Frames parses the frame body of an ID3v2.3/2.4 tag (the bytes
// immediately after the 10-byte header, Size bytes long, with the extended
// header already skipped by the caller if TagExtendedHeader is set).
// Frames with FrameCompression or FrameEncryption set are skipped rather
// than decoded, since demuxcore has no codec to undo either.
func ParseV2Frames(body []byte, major byte) []V2Frame {
	var frames []V2Frame
	pos := 0
	for pos+10 <= len(body) {
		id := string(body[pos : pos+4])
		if id[0] == 0 {
			break // padding
		}
		var size int
		if major >= 4 {
			size = decodeSynchsafe(body[pos+4 : pos+8])
		} else {
			size = int(binary.BigEndian.Uint32(body[pos+4 : pos+8]))
		}
		flags := Flags(binary.BigEndian.Uint16(body[pos+8 : pos+10]))
		pos += 10
		if pos+size > len(body) || size < 0 {
			break
		}
		payload := body[pos : pos+size]
		pos += size

		if flags&(FrameCompression|FrameEncryption) != 0 {
			continue
		}
		frames = append(frames, V2Frame{ID: id, Flags: flags, Data: payload})
	}
	return frames
}

// DecodeText decodes a text-frame payload (leading encoding byte followed by
// the string body) into a UTF-8 Go string.
func DecodeText(data []byte) string {
	if len(data) == 0 {
		return ""
	}
	enc, body := data[0], data[1:]
	switch enc {
	case EncodingLatin1:
		return decodeLatin1(body)
	case EncodingUTF16BOM:
		return decodeUTF16(body, true)
	case EncodingUTF16BE:
		return decodeUTF16(body, false)
	case EncodingUTF8:
		return string(body)
	default:
		return decodeLatin1(body)
	}
}

func decodeLatin1(b []byte) string {
	r := make([]rune, len(b))
	for i, c := range b {
		r[i] = rune(c)
	}
	return string(r)
}

func decodeUTF16(b []byte, hasBOM bool) string {
	if len(b) < 2 {
		return ""
	}
	var order binary.ByteOrder = binary.BigEndian
	start := 0
	if hasBOM {
		if b[0] == 0xFF && b[1] == 0xFE {
			order = binary.LittleEndian
		}
		start = 2
	}
	var units []uint16
	for i := start; i+1 < len(b); i += 2 {
		units = append(units, order.Uint16(b[i:i+2]))
	}
	return string(utf16.Decode(units))
}
