package ogg

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"

	"github.com/vellumav/demuxcore/input"
)

func buildPage(t *testing.T, serial uint32, seq uint32, granule int64, headerType byte, packets ...[]byte) []byte {
	t.Helper()
	var body bytes.Buffer
	var segTable []byte
	for _, p := range packets {
		n := len(p)
		for n >= 255 {
			segTable = append(segTable, 255)
			n -= 255
		}
		segTable = append(segTable, byte(n))
		body.Write(p)
	}

	var hdr bytes.Buffer
	hdr.WriteString("OggS")
	hdr.WriteByte(0) // version
	hdr.WriteByte(headerType)
	var granuleBuf [8]byte
	binary.LittleEndian.PutUint64(granuleBuf[:], uint64(granule))
	hdr.Write(granuleBuf[:])
	var serialBuf, seqBuf, crcBuf [4]byte
	binary.LittleEndian.PutUint32(serialBuf[:], serial)
	binary.LittleEndian.PutUint32(seqBuf[:], seq)
	hdr.Write(serialBuf[:])
	hdr.Write(seqBuf[:])
	hdr.Write(crcBuf[:]) // checksum left zero; not verified by this package
	hdr.WriteByte(byte(len(segTable)))
	hdr.Write(segTable)
	hdr.Write(body.Bytes())
	return hdr.Bytes()
}

func vorbisIdentPacket(sampleRate uint32) []byte {
	pkt := make([]byte, 30)
	pkt[0] = 1
	copy(pkt[1:7], "vorbis")
	binary.LittleEndian.PutUint32(pkt[12:16], sampleRate)
	return pkt
}

func TestProbeDetectsOggCapture(t *testing.T) {
	pg := buildPage(t, 1, 0, 0, headerBOS, vorbisIdentPacket(44100))
	src := input.FromReader(bytes.NewReader(pg))
	if !Probe(src) {
		t.Error("expected Probe to detect OggS capture pattern")
	}
}

func TestRunRegistersVorbisTrackAndDeliversAudio(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(buildPage(t, 1, 0, 0, headerBOS, vorbisIdentPacket(48000)))
	buf.Write(buildPage(t, 1, 1, 0, 0, []byte("comment-header"), []byte("setup-header")))
	buf.Write(buildPage(t, 1, 2, 960, 0, []byte{0xAA, 0xBB, 0xCC}))

	src := input.FromReader(bytes.NewReader(buf.Bytes()))
	d, err := New(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := d.Run(context.Background()); err != nil {
		t.Fatal(err)
	}

	tr := d.Tracks().Get(0)
	if tr == nil {
		t.Fatal("expected a vorbis track to be registered")
	}
	if tr.Info.Codec != "vorbis" {
		t.Errorf("Codec = %q, want vorbis", tr.Info.Codec)
	}

	pkt := <-tr.Packets()
	if pkt.PTS != 960 {
		t.Errorf("PTS = %d, want 960", pkt.PTS)
	}
	if len(pkt.Data) != 3 {
		t.Errorf("data len = %d, want 3", len(pkt.Data))
	}
}
