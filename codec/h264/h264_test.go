package h264

import "testing"

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0xE0, 0x1E,
		0x00, 0x00, 0x00, 0x01, 0x68, 0xCE, 0x38, 0x80,
		0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0xFF, 0xFE,
	}

	nalus := ParseAnnexB(data)
	if len(nalus) != 3 {
		t.Fatalf("expected 3 NAL units, got %d", len(nalus))
	}

	if nalus[0].Type != NALTypeSPS || !IsSPS(nalus[0].Type) {
		t.Errorf("expected SPS, got type %d", nalus[0].Type)
	}
	if nalus[1].Type != NALTypePPS || !IsPPS(nalus[1].Type) {
		t.Errorf("expected PPS, got type %d", nalus[1].Type)
	}
	if nalus[2].Type != NALTypeIDR || !IsKeyframe(nalus[2].Type) {
		t.Errorf("expected IDR, got type %d", nalus[2].Type)
	}
}

func TestParseAnnexB3ByteStartCode(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x01, 0x67, 0x42, 0xE0,
		0x00, 0x00, 0x01, 0x65, 0x88, 0x84,
	}

	nalus := ParseAnnexB(data)
	if len(nalus) != 2 {
		t.Fatalf("expected 2 NAL units, got %d", len(nalus))
	}
	if nalus[0].Type != NALTypeSPS {
		t.Errorf("expected SPS, got %d", nalus[0].Type)
	}
	if nalus[1].Type != NALTypeIDR {
		t.Errorf("expected IDR, got %d", nalus[1].Type)
	}
}

func TestParseAnnexBEmpty(t *testing.T) {
	t.Parallel()
	if nalus := ParseAnnexB(nil); nalus != nil {
		t.Errorf("expected nil for empty input, got %d units", len(nalus))
	}
	if nalus := ParseAnnexB([]byte{0x00, 0x01}); nalus != nil {
		t.Errorf("expected nil for too-short input, got %d units", len(nalus))
	}
}

func TestParseAnnexBMixed3And4ByteStartCodes(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, 0x67, 0x42,
		0x00, 0x00, 0x01, 0x68, 0xCE,
		0x00, 0x00, 0x00, 0x01, 0x06, 0xFF, 0xFE,
		0x00, 0x00, 0x01, 0x65, 0x88,
	}

	nalus := ParseAnnexB(data)
	if len(nalus) != 4 {
		t.Fatalf("expected 4 NAL units, got %d", len(nalus))
	}
	wantTypes := []byte{NALTypeSPS, NALTypePPS, NALTypeSEI, NALTypeIDR}
	for i, want := range wantTypes {
		if nalus[i].Type != want {
			t.Errorf("NALU[%d]: got type %d, want %d", i, nalus[i].Type, want)
		}
	}
	if len(nalus[2].Data) != 3 {
		t.Errorf("SEI data length: got %d, want 3", len(nalus[2].Data))
	}
}

func TestParseSPS720p(t *testing.T) {
	t.Parallel()
	sps := []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0xff, 0x00, 0x03, 0x00, 0x04, 0x6a,
		0x02, 0x02, 0x02, 0x80, 0x00, 0x01, 0xf4, 0x80,
		0x00, 0x5d, 0xc0, 0x07, 0x8c, 0x18, 0xcb,
	}

	info, err := ParseSPS(sps)
	if err != nil {
		t.Fatalf("ParseSPS error: %v", err)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("got %dx%d, want 1280x720", info.Width, info.Height)
	}
}

func TestParseSPSTooShort(t *testing.T) {
	t.Parallel()
	if _, err := ParseSPS([]byte{0x67, 0x64, 0x00}); err == nil {
		t.Error("expected error for too-short SPS")
	}
	if _, err := ParseSPS(nil); err == nil {
		t.Error("expected error for nil input")
	}
}

func TestParseSPSVUITimingParams(t *testing.T) {
	t.Parallel()
	sps := []byte{
		0x67, 0x64, 0x00, 0x1f, 0xac, 0xd9, 0x40, 0x50,
		0x05, 0xbb, 0x01, 0x6a, 0x04, 0x04, 0x0a, 0x80,
		0x00, 0x00, 0x03, 0x00, 0x80, 0x00, 0x00, 0x1e,
		0x30, 0x20, 0x00, 0x16, 0xe3, 0x60, 0x00, 0x2d,
		0xc6, 0xd2, 0x49, 0x80, 0x7c, 0x60, 0xc6, 0x58,
	}

	info, err := ParseSPS(sps)
	if err != nil {
		t.Fatalf("ParseSPS error: %v", err)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("got %dx%d, want 1280x720", info.Width, info.Height)
	}
	if !info.PicStructPresent || !info.HRDPresent {
		t.Error("expected PicStructPresent and HRDPresent")
	}
	if info.CpbRemovalDelayLen != 10 {
		t.Errorf("CpbRemovalDelayLen: got %d, want 10", info.CpbRemovalDelayLen)
	}
	if info.DpbOutputDelayLen != 7 {
		t.Errorf("DpbOutputDelayLen: got %d, want 7", info.DpbOutputDelayLen)
	}
}

func TestParsePicTimingSEI(t *testing.T) {
	t.Parallel()
	sps := SPSInfo{
		PicStructPresent:   true,
		HRDPresent:         true,
		CpbRemovalDelayLen: 10,
		DpbOutputDelayLen:  7,
		TimeOffsetLen:      0,
	}

	tests := []struct {
		name string
		nal  []byte
		sps  SPSInfo
		want Timecode
		ok   bool
	}{
		{
			name: "TC 01:00:00:00 with emulation prevention",
			nal:  []byte{0x06, 0x01, 0x08, 0x00, 0x02, 0x04, 0x12, 0x00, 0x00, 0x03, 0x00, 0x40, 0x80},
			sps:  sps,
			want: Timecode{Hours: 1},
			ok:   true,
		},
		{
			name: "TC 01:00:00:01",
			nal:  []byte{0x06, 0x01, 0x08, 0x00, 0x85, 0x04, 0x12, 0x00, 0x80, 0x00, 0x40, 0x80},
			sps:  sps,
			want: Timecode{Hours: 1, Frames: 1},
			ok:   true,
		},
		{
			name: "no clock_timestamp",
			nal:  []byte{0x06, 0x01, 0x03, 0x00, 0x02, 0x02, 0x80},
			sps:  sps,
			want: Timecode{},
			ok:   false,
		},
		{
			name: "too short",
			nal:  []byte{0x06},
			sps:  sps,
			want: Timecode{},
			ok:   false,
		},
		{
			name: "no HRD in SPS",
			nal:  []byte{0x06, 0x01, 0x08, 0x00, 0x02, 0x04, 0x12, 0x00, 0x00, 0x03, 0x00, 0x40, 0x80},
			sps:  SPSInfo{PicStructPresent: true, HRDPresent: false},
			want: Timecode{},
			ok:   false,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := ParsePicTimingSEI(tt.nal, tt.sps)
			if ok != tt.ok {
				t.Fatalf("ok: got %v, want %v", ok, tt.ok)
			}
			if ok && got != tt.want {
				t.Errorf("timecode: got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestTimecodeString(t *testing.T) {
	t.Parallel()
	tc := Timecode{Hours: 1, Minutes: 2, Seconds: 3, Frames: 4}
	if got, want := tc.String(), "01:02:03:04"; got != want {
		t.Errorf("String(): got %q, want %q", got, want)
	}
}
