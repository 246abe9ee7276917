// Package aac parses ADTS-framed AAC audio: sync-word scanning, sample-rate
// table lookup, and CRC-presence-aware header sizing.
package aac

import "errors"

// ErrInvalidADTS is returned when the ADTS header fails a sanity check (bad
// sample-rate index) partway through a stream.
var ErrInvalidADTS = errors.New("aac: invalid ADTS header")

// SampleRates is the ISO 14496-3 ADTS sample-rate index table.
var SampleRates = [...]int{
	96000, 88200, 64000, 48000, 44100, 32000, 24000, 22050,
	16000, 12000, 11025, 8000, 7350,
}

// Frame is a single AAC access unit parsed out of an ADTS byte stream.
type Frame struct {
	Data       []byte // complete ADTS frame, header plus payload
	SampleRate int
	Channels   int
	// HeaderSize is the number of leading bytes of Data occupied by the
	// ADTS header (7, or 9 when the CRC field is present), letting a
	// consumer locate the raw AAC payload without re-parsing the header.
	HeaderSize int
}

// ParseADTS scans data for ADTS sync words (0xFFF) and returns each complete
// frame found. A malformed header is skipped byte-by-byte in search of the
// next sync word; a frame whose declared length runs past the end of data is
// treated as a truncated tail and parsing stops there.
func ParseADTS(data []byte) ([]Frame, error) {
	var frames []Frame
	offset := 0

	for offset < len(data) {
		if len(data)-offset < 7 {
			break
		}

		if data[offset] != 0xFF || (data[offset+1]&0xF0) != 0xF0 {
			offset++
			continue
		}

		hasCRC := (data[offset+1] & 0x01) == 0
		headerSize := 7
		if hasCRC {
			headerSize = 9
		}

		sampleRateIdx := (data[offset+2] >> 2) & 0x0F
		if int(sampleRateIdx) >= len(SampleRates) {
			return frames, ErrInvalidADTS
		}

		channelCfg := ((data[offset+2] & 0x01) << 2) | ((data[offset+3] >> 6) & 0x03)

		frameLen := int(data[offset+3]&0x03)<<11 |
			int(data[offset+4])<<3 |
			int(data[offset+5]>>5)

		if frameLen < headerSize || offset+frameLen > len(data) {
			break
		}

		frames = append(frames, Frame{
			Data:       data[offset : offset+frameLen],
			SampleRate: SampleRates[sampleRateIdx],
			Channels:   int(channelCfg),
			HeaderSize: headerSize,
		})

		offset += frameLen
	}

	return frames, nil
}
