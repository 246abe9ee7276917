package aac

import "testing"

func TestParseADTS(t *testing.T) {
	t.Parallel()
	frameData := []byte{0xDE, 0xAD, 0xBE, 0xEF, 0xCA, 0xFE}
	frameLen := 7 + len(frameData)

	header := make([]byte, 7)
	header[0] = 0xFF
	header[1] = 0xF1 // MPEG-4, Layer 0, no CRC protection
	// Byte 2: [profile:2][sampling_freq_idx:4][private:1][channel_cfg_hi:1]
	// profile = 1 (AAC-LC), sampling_freq_idx = 3 (48kHz)
	header[2] = (1 << 6) | (3 << 2)
	// Byte 3: [channel_cfg_lo:2][...][frame_length_hi:2], channel_cfg = 2
	header[3] = (2 << 6) | byte((frameLen>>11)&0x03)
	header[4] = byte((frameLen >> 3) & 0xFF)
	header[5] = byte((frameLen&0x07)<<5) | 0x1F
	header[6] = 0xFC

	adts := append(header, frameData...)

	frames, err := ParseADTS(adts)
	if err != nil {
		t.Fatalf("ParseADTS failed: %v", err)
	}
	if len(frames) != 1 {
		t.Fatalf("expected 1 frame, got %d", len(frames))
	}
	if frames[0].SampleRate != 48000 {
		t.Errorf("expected sample rate 48000, got %d", frames[0].SampleRate)
	}
	if frames[0].Channels != 2 {
		t.Errorf("expected 2 channels, got %d", frames[0].Channels)
	}
	if len(frames[0].Data) != frameLen {
		t.Errorf("expected frame data length %d, got %d", frameLen, len(frames[0].Data))
	}
}

func TestParseADTSEmpty(t *testing.T) {
	t.Parallel()
	frames, err := ParseADTS(nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("expected 0 frames for empty input, got %d", len(frames))
	}
}

func TestParseADTSTruncated(t *testing.T) {
	t.Parallel()
	data := []byte{0xFF, 0xF1, 0x50, 0x80, 0x00}
	frames, err := ParseADTS(data)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(frames) != 0 {
		t.Errorf("expected 0 frames for truncated input, got %d", len(frames))
	}
}

func TestParseADTSMultipleFrames(t *testing.T) {
	t.Parallel()
	one := buildFrame(t, []byte{1, 2, 3, 4})
	two := buildFrame(t, []byte{5, 6, 7, 8, 9})
	data := append(append([]byte{}, one...), two...)

	frames, err := ParseADTS(data)
	if err != nil {
		t.Fatalf("ParseADTS failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
}

func buildFrame(t *testing.T, payload []byte) []byte {
	t.Helper()
	frameLen := 7 + len(payload)
	header := make([]byte, 7)
	header[0] = 0xFF
	header[1] = 0xF1
	header[2] = (1 << 6) | (3 << 2)
	header[3] = (2 << 6) | byte((frameLen>>11)&0x03)
	header[4] = byte((frameLen >> 3) & 0xFF)
	header[5] = byte((frameLen&0x07)<<5) | 0x1F
	header[6] = 0xFC
	return append(header, payload...)
}
