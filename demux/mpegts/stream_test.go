package mpegts

import (
	"testing"

	"github.com/vellumav/demuxcore/media"
)

func TestClassifyStreamType(t *testing.T) {
	cases := []struct {
		in   byte
		want media.StreamType
	}{
		{StreamTypeH264, media.StreamVideo},
		{StreamTypeHEVC, media.StreamVideo},
		{StreamTypeAAC, media.StreamAudio},
		{StreamTypeSCTE35, media.StreamMessage},
		{0x7F, media.StreamUnknown},
	}
	for _, tc := range cases {
		typ, _ := classifyStreamType(tc.in)
		if typ != tc.want {
			t.Errorf("classifyStreamType(0x%02X) = %v, want %v", tc.in, typ, tc.want)
		}
	}
}

func TestStreamDemuxerOnPMTDiscoversTracks(t *testing.T) {
	sd := NewStreamDemuxer(nil, nil, nil)
	sd.onPMT(&PMTData{ElementaryStreams: []*PMTElementaryStream{
		{ElementaryPID: 0x100, StreamType: StreamTypeH264},
		{ElementaryPID: 0x101, StreamType: StreamTypeAAC},
		{ElementaryPID: 0x102, StreamType: 0x7F},
	}})

	all := sd.tracks.All()
	if len(all) != 2 {
		t.Fatalf("got %d tracks, want 2", len(all))
	}
	if sd.tracks.ByType(media.StreamVideo)[0].Info.Codec != "h264" {
		t.Error("expected h264 video track")
	}
	if sd.tracks.ByType(media.StreamAudio)[0].Info.Codec != "aac" {
		t.Error("expected aac audio track")
	}
}

func TestExtractTimestamps(t *testing.T) {
	pes := &PESData{Header: &PESHeader{OptionalHeader: &PESOptionalHeader{
		PTS: &ClockReference{Base: 9000},
	}}}
	pts, dts, _ := extractTimestamps(pes)
	if pts != 9000 || dts != 9000 {
		t.Errorf("pts=%d dts=%d, want 9000/9000 (DTS defaults to PTS)", pts, dts)
	}
}
