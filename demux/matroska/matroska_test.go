package matroska

import (
	"bytes"
	"context"
	"testing"

	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/media"
)

// encodeVintSize encodes n as an EBML element-size vint using the minimal
// width that fits, the inverse of readElementSize.
func encodeVintSize(n uint64) []byte {
	for length := 1; length <= 8; length++ {
		max := uint64(1)<<(7*length) - 2
		if n <= max {
			marker := byte(0x80 >> uint(length-1))
			out := make([]byte, length)
			out[0] = marker
			for i := length - 1; i >= 0; i-- {
				out[i] |= byte(n)
				n >>= 8
			}
			return out
		}
	}
	panic("value too large for an 8-byte vint")
}

// element builds one EBML element: a 1-4 byte ID (caller passes raw bytes
// including the marker bit) followed by a size vint and the body.
func element(id []byte, body []byte) []byte {
	out := append([]byte{}, id...)
	out = append(out, encodeVintSize(uint64(len(body)))...)
	out = append(out, body...)
	return out
}

func uintBytes(v uint64, width int) []byte {
	b := make([]byte, width)
	for i := width - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func buildMatroska(t *testing.T) []byte {
	t.Helper()

	ebmlHeader := element([]byte{0x1A, 0x45, 0xDF, 0xA3}, []byte{})

	trackEntry := element([]byte{0xAE}, concatAll(
		element([]byte{0xD7}, uintBytes(1, 1)),             // TrackNumber = 1
		element([]byte{0x83}, uintBytes(trackTypeAudio, 1)), // TrackType = audio
		element([]byte{0x86}, []byte("A_VORBIS")),           // CodecID
		element([]byte{0x63, 0xA2}, []byte{0xDE, 0xAD}),      // CodecPrivate
	))
	tracks := element([]byte{0x16, 0x54, 0xAE, 0x6B}, trackEntry)

	info := element([]byte{0x15, 0x49, 0xA9, 0x66}, concatAll(
		element([]byte{0x2A, 0xD7, 0xB1}, uintBytes(1_000_000, 4)), // TimecodeScale
	))

	simpleBlock1 := buildSimpleBlock(1, 0, 0x80, []byte("frame-one"))
	simpleBlock2 := buildSimpleBlock(1, 20, 0x80, []byte("frame-two"))
	cluster := element([]byte{0x1F, 0x43, 0xB6, 0x75}, concatAll(
		element([]byte{0xE7}, uintBytes(100, 1)), // Timecode = 100
		element([]byte{0xA3}, simpleBlock1),
		element([]byte{0xA3}, simpleBlock2),
	))

	segmentBody := concatAll(info, tracks, cluster)
	segment := element([]byte{0x18, 0x53, 0x80, 0x67}, segmentBody)

	return concatAll(ebmlHeader, segment)
}

// buildSimpleBlock builds a SimpleBlock payload: a 1-byte track-number vint,
// a signed 16-bit relative timecode, a flags byte, then frame data.
func buildSimpleBlock(trackNum uint64, rel int16, flags byte, frame []byte) []byte {
	out := []byte{0x80 | byte(trackNum)}
	out = append(out, byte(rel>>8), byte(rel))
	out = append(out, flags)
	out = append(out, frame...)
	return out
}

func concatAll(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestProbeDetectsEBMLSignature(t *testing.T) {
	data := buildMatroska(t)
	src := input.FromReader(bytes.NewReader(data))
	if !Probe(src) {
		t.Error("expected Probe to detect the EBML element ID")
	}
}

func TestProbeRejectsNonEBML(t *testing.T) {
	src := input.FromReader(bytes.NewReader([]byte("not ebml at all")))
	if Probe(src) {
		t.Error("Probe should reject non-EBML input")
	}
}

func TestNewDiscoversAudioTrack(t *testing.T) {
	data := buildMatroska(t)
	src := input.FromReader(bytes.NewReader(data))
	d, err := New(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}

	tr := d.Tracks().Get(0)
	if tr == nil {
		t.Fatal("expected one audio track")
	}
	if tr.Type != media.StreamAudio {
		t.Errorf("Type = %v, want audio", tr.Type)
	}
	if tr.Info.Codec != "vorbis" {
		t.Errorf("Codec = %q, want vorbis", tr.Info.Codec)
	}
	if !bytes.Equal(tr.Info.GlobalHeader, []byte{0xDE, 0xAD}) {
		t.Errorf("GlobalHeader = %v, want [0xDE 0xAD]", tr.Info.GlobalHeader)
	}
}

func TestRunDeliversBlocksWithScaledTimecode(t *testing.T) {
	data := buildMatroska(t)
	src := input.FromReader(bytes.NewReader(data))
	d, err := New(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}
	tr := d.Tracks().Get(0)

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	pkt1 := <-tr.Packets()
	if string(pkt1.Data) != "frame-one" {
		t.Errorf("pkt1.Data = %q, want frame-one", pkt1.Data)
	}
	// cluster Timecode=100, block rel=0, TimecodeScale=1_000_000 ns/tick.
	if pkt1.PTS != 100*1_000_000 {
		t.Errorf("pkt1.PTS = %d, want %d", pkt1.PTS, 100*1_000_000)
	}
	if !pkt1.Keyframe() {
		t.Error("expected pkt1 to be a keyframe (SimpleBlock flags bit 0x80 set)")
	}

	pkt2 := <-tr.Packets()
	if string(pkt2.Data) != "frame-two" {
		t.Errorf("pkt2.Data = %q, want frame-two", pkt2.Data)
	}
	if pkt2.PTS != 120*1_000_000 {
		t.Errorf("pkt2.PTS = %d, want %d", pkt2.PTS, 120*1_000_000)
	}

	<-done
}
