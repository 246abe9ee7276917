package mpegaudio

import (
	"bytes"
	"context"
	"testing"

	"github.com/vellumav/demuxcore/codec/mp3"
	"github.com/vellumav/demuxcore/input"
)

// mp3FrameHeader is a known-valid MPEG1 Layer III, 128kbps, 44100Hz, stereo
// frame header (0xFFFB9000).
var mp3FrameHeader = []byte{0xFF, 0xFB, 0x90, 0x00}

func buildMP3Frame(t *testing.T) []byte {
	hdr, err := mp3.ParseHeader(mp3FrameHeader)
	if err != nil {
		t.Fatalf("test fixture header invalid: %v", err)
	}
	frame := make([]byte, hdr.FrameSize)
	copy(frame, mp3FrameHeader)
	return frame
}

func TestProbeDetectsMP3(t *testing.T) {
	frame := buildMP3Frame(t)
	data := append(frame, frame...)
	src := input.FromReader(bytes.NewReader(data))
	if !Probe(src) {
		t.Error("expected Probe to detect MP3 sync")
	}
}

func TestRunEmitsMultipleMP3Frames(t *testing.T) {
	frame := buildMP3Frame(t)
	data := append(append([]byte{}, frame...), frame...)
	src := input.FromReader(bytes.NewReader(data))

	d, err := New(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if d.Tracks().Get(0).Info.Codec != "mp3" {
		t.Errorf("Codec = %q, want mp3", d.Tracks().Get(0).Info.Codec)
	}

	done := make(chan error, 1)
	go func() { done <- d.Run(context.Background()) }()

	tr := d.Tracks().Get(0)
	p1 := <-tr.Packets()
	p2 := <-tr.Packets()
	if p1.PTS != 0 {
		t.Errorf("first packet PTS = %d, want 0", p1.PTS)
	}
	if p2.PTS != 1152 {
		t.Errorf("second packet PTS = %d, want 1152", p2.PTS)
	}
	if err := <-done; err != nil {
		t.Fatal(err)
	}
}
