package aiff

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/vellumav/demuxcore/input"
)

// encodeExtended80 builds the 80-bit IEEE extended float AIFF's COMM chunk
// uses for sampleRate, the inverse of decodeExtendedFloat.
func encodeExtended80(hz uint32) []byte {
	b := make([]byte, 10)
	if hz == 0 {
		return b
	}
	exp := 16383 + 31 // bias + a generous fixed exponent for integer-Hz values up to 32 bits
	mantissa := uint64(hz) << 32
	// Normalize so the explicit integer bit (bit 63) is set.
	for mantissa&(1<<63) == 0 {
		mantissa <<= 1
		exp--
	}
	binary.BigEndian.PutUint16(b[0:2], uint16(exp))
	binary.BigEndian.PutUint64(b[2:10], mantissa)
	return b
}

func buildCOMM(channels uint16, numFrames uint32, sampleSize uint16, sampleRate uint32) []byte {
	body := make([]byte, 0, 18)
	var tmp [4]byte
	binary.BigEndian.PutUint16(tmp[0:2], channels)
	body = append(body, tmp[0:2]...)
	binary.BigEndian.PutUint32(tmp[:], numFrames)
	body = append(body, tmp[:]...)
	binary.BigEndian.PutUint16(tmp[0:2], sampleSize)
	body = append(body, tmp[0:2]...)
	body = append(body, encodeExtended80(sampleRate)...)
	return body
}

func buildChunk(id string, body []byte) []byte {
	var hdr [8]byte
	copy(hdr[0:4], id)
	binary.BigEndian.PutUint32(hdr[4:8], uint32(len(body)))
	out := append(hdr[:], body...)
	if len(body)%2 == 1 {
		out = append(out, 0)
	}
	return out
}

func buildAIFF(comm, ssnd []byte) []byte {
	var buf bytes.Buffer
	buf.WriteString("FORM")
	var sizePlaceholder [4]byte
	buf.Write(sizePlaceholder[:])
	buf.WriteString("AIFF")
	buf.Write(buildChunk("COMM", comm))
	buf.Write(buildChunk("SSND", ssnd))
	out := buf.Bytes()
	binary.BigEndian.PutUint32(out[4:8], uint32(len(out)-8))
	return out
}

func TestProbeDetectsAIFFSignature(t *testing.T) {
	data := buildAIFF(buildCOMM(1, 4, 16, 44100), append([]byte{0, 0, 0, 0, 0, 0, 0, 0}, make([]byte, 8)...))
	src := input.FromReader(bytes.NewReader(data))
	if !Probe(src) {
		t.Error("expected Probe to detect AIFF signature")
	}
}

func TestProbeRejectsNonAIFF(t *testing.T) {
	src := input.FromReader(bytes.NewReader([]byte("not an aiff file at all")))
	if Probe(src) {
		t.Error("Probe should reject non-AIFF input")
	}
}

func TestNewParsesCOMMAndFramesPCM(t *testing.T) {
	pcm := make([]byte, 16) // 4 mono 16-bit sample frames
	for i := range pcm {
		pcm[i] = byte(i)
	}
	ssnd := append([]byte{0, 0, 0, 0, 0, 0, 0, 0}, pcm...)
	data := buildAIFF(buildCOMM(1, 4, 16, 44100), ssnd)

	src := input.FromReader(bytes.NewReader(data))
	d, err := New(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}

	tr := d.Tracks().Get(0)
	if tr == nil {
		t.Fatal("expected one audio track")
	}
	if tr.Info.Codec != "pcm_s16be" {
		t.Errorf("Codec = %q, want pcm_s16be", tr.Info.Codec)
	}
	if tr.TimeBase.Den != 44100 {
		t.Errorf("TimeBase.Den = %d, want 44100", tr.TimeBase.Den)
	}

	done := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(done)
	}()

	pkt := <-tr.Packets()
	if !bytes.Equal(pkt.Data, pcm) {
		t.Errorf("packet data = %v, want %v", pkt.Data, pcm)
	}
	if pkt.PTS != 0 {
		t.Errorf("PTS = %d, want 0", pkt.PTS)
	}
	<-done
}

func TestNewRejectsBadForm(t *testing.T) {
	src := input.FromReader(bytes.NewReader([]byte("FORM\x00\x00\x00\x04WAVE")))
	if _, err := New(context.Background(), src, nil); err != ErrBadForm {
		t.Errorf("err = %v, want ErrBadForm", err)
	}
}
