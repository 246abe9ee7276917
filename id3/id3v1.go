package id3

import (
	"bytes"
	"errors"
)

// ErrNotID3v1 is returned when the expected "TAG" magic is missing.
var ErrNotID3v1 = errors.New("id3: not an ID3v1 tag")

// V1 is a parsed 128-byte ID3v1 trailer.
type V1 struct {
	Title, Artist, Album, Comment string
	Year                          string
	Genre                         byte
	// Track is the track number when an ID3v1.1 zero byte + track byte is
	// present in the comment field's final two bytes, 0 otherwise.
	Track byte
}

// ParseV1 parses a 128-byte ID3v1 tag. buf must be exactly 128 bytes,
// typically the last 128 bytes of a file.
func ParseV1(buf []byte) (V1, error) {
	if len(buf) != 128 || string(buf[0:3]) != "TAG" {
		return V1{}, ErrNotID3v1
	}
	var tag V1
	tag.Title = trimPadded(buf[3:33])
	tag.Artist = trimPadded(buf[33:63])
	tag.Album = trimPadded(buf[63:93])
	tag.Year = trimPadded(buf[93:97])

	comment := buf[97:127]
	if comment[28] == 0 && comment[29] != 0 {
		tag.Comment = trimPadded(comment[:28])
		tag.Track = comment[29]
	} else {
		tag.Comment = trimPadded(comment)
	}
	tag.Genre = buf[127]
	return tag, nil
}

func trimPadded(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(bytes.TrimRight(b, " "))
}
