package flv

import (
	"bytes"
	"context"
	"testing"

	"github.com/vellumav/demuxcore/input"
)

func buildFLVHeader(hasVideo, hasAudio bool) []byte {
	var flags byte
	if hasVideo {
		flags |= 0x01
	}
	if hasAudio {
		flags |= 0x04
	}
	return []byte{'F', 'L', 'V', 0x01, flags, 0x00, 0x00, 0x00, 0x09, 0x00, 0x00, 0x00, 0x00}
}

func buildTag(tagType TagType, timestamp uint32, body []byte) []byte {
	size := uint32(len(body))
	hdr := []byte{
		byte(tagType),
		byte(size >> 16), byte(size >> 8), byte(size),
		byte(timestamp >> 16), byte(timestamp >> 8), byte(timestamp),
		byte(timestamp >> 24),
		0, 0, 0,
	}
	tag := append(hdr, body...)
	prevSize := uint32(11 + len(body))
	return append(tag, byte(prevSize>>24), byte(prevSize>>16), byte(prevSize>>8), byte(prevSize))
}

func TestProbeDetectsFLVSignature(t *testing.T) {
	src := input.FromReader(bytes.NewReader(buildFLVHeader(true, true)))
	if !Probe(src) {
		t.Error("expected Probe to detect FLV signature")
	}
}

func TestNewRejectsBadSignature(t *testing.T) {
	src := input.FromReader(bytes.NewReader([]byte("not flv at all, definitely")))
	if _, err := New(context.Background(), src, nil); err != ErrBadSignature {
		t.Errorf("err = %v, want ErrBadSignature", err)
	}
}

func TestDemuxerAVCSequenceHeaderThenNALU(t *testing.T) {
	var buf bytes.Buffer
	buf.Write(buildFLVHeader(true, false))

	seqHeader := append([]byte{0x17, 0x00, 0x00, 0x00, 0x00}, []byte{0xDE, 0xAD, 0xBE, 0xEF}...)
	buf.Write(buildTag(TagVideo, 0, seqHeader))

	nalu := []byte{0x65, 0x01, 0x02, 0x03} // IDR slice
	avccBody := append([]byte{0x17, 0x01, 0x00, 0x00, 0x00}, append(be32Bytes(uint32(len(nalu))), nalu...)...)
	buf.Write(buildTag(TagVideo, 40, avccBody))

	src := input.FromReader(bytes.NewReader(buf.Bytes()))
	d, err := New(context.Background(), src, nil)
	if err != nil {
		t.Fatal(err)
	}

	videoTrack := d.Tracks().Get(0)
	received := make(chan struct{})
	go func() {
		d.Run(context.Background())
		close(received)
	}()

	pkt := <-videoTrack.Packets()
	if !pkt.Keyframe() {
		t.Error("expected keyframe packet")
	}
	if pkt.DTS != 40 {
		t.Errorf("DTS = %d, want 40", pkt.DTS)
	}
	<-received
	if videoTrack.Info.Codec != "h264" {
		t.Errorf("Codec = %q, want h264", videoTrack.Info.Codec)
	}
	if len(videoTrack.Info.GlobalHeader) != 4 {
		t.Errorf("GlobalHeader len = %d, want 4", len(videoTrack.Info.GlobalHeader))
	}
}

func be32Bytes(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}
