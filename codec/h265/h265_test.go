package h265

import "testing"

// bitWriter builds MSB-first bit fixtures by hand, mirroring the reader
// semantics in bitstream.Reader.
type bitWriter struct {
	bitsOut []bool
}

func (w *bitWriter) writeBit(b bool) { w.bitsOut = append(w.bitsOut, b) }

func (w *bitWriter) writeBits(v uint, n int) {
	for i := n - 1; i >= 0; i-- {
		w.writeBit((v>>uint(i))&1 == 1)
	}
}

// writeUE appends an Exp-Golomb unsigned code for v.
func (w *bitWriter) writeUE(v uint) {
	code := v + 1
	n := 0
	for c := code; c > 0; c >>= 1 {
		n++
	}
	w.writeBits(0, n-1)
	w.writeBits(code, n)
}

func (w *bitWriter) bytes() []byte {
	out := make([]byte, (len(w.bitsOut)+7)/8)
	for i, b := range w.bitsOut {
		if b {
			out[i/8] |= 1 << uint(7-i%8)
		}
	}
	return out
}

// buildSPS encodes a minimal HEVC SPS RBSP (no sub-layers, no conformance
// window) with the given profile/level/resolution/chroma fields, prefixed
// with the 2-byte NAL header.
func buildSPS(profileIDC, tierFlag, levelIDC byte, chromaFormatIdc uint, width, height int) []byte {
	w := &bitWriter{}
	w.writeBits(0, 4) // sps_video_parameter_set_id
	w.writeBits(0, 3) // sps_max_sub_layers_minus1
	w.writeBit(true)  // sps_temporal_id_nesting_flag

	// profile_tier_level
	w.writeBits(0, 2)              // general_profile_space
	w.writeBit(tierFlag == 1)      // general_tier_flag
	w.writeBits(uint(profileIDC), 5) // general_profile_idc
	w.writeBits(0, 32)             // general_profile_compatibility_flag[32]
	for i := 0; i < 48; i++ {
		w.writeBit(false) // constraint indicator flags + reserved
	}
	w.writeBits(uint(levelIDC), 8) // general_level_idc

	w.writeUE(0)               // sps_seq_parameter_set_id
	w.writeUE(chromaFormatIdc) // chroma_format_idc
	w.writeUE(uint(width))     // pic_width_in_luma_samples
	w.writeUE(uint(height))    // pic_height_in_luma_samples
	w.writeBit(false)          // conformance_window_flag
	w.writeUE(0)               // bit_depth_luma_minus8
	w.writeUE(2)               // bit_depth_chroma_minus8

	body := w.bytes()
	nalHeader := []byte{byte(NALSPS << 1), 0x01}
	return append(nalHeader, body...)
}

func TestNALType(t *testing.T) {
	t.Parallel()
	if got := NALType(byte(NALIDRWRadl << 1)); got != NALIDRWRadl {
		t.Errorf("NALType = %d, want %d", got, NALIDRWRadl)
	}
	if got := NALType(byte(NALSPS << 1)); got != NALSPS {
		t.Errorf("NALType = %d, want %d", got, NALSPS)
	}
}

func TestIsKeyframe(t *testing.T) {
	t.Parallel()
	tests := []struct {
		nalType byte
		want    bool
	}{
		{NALBlaWLP, true},
		{NALIDRWRadl, true},
		{NALIDRNlp, true},
		{NALCraNut, true},
		{NALVPS, false},
		{NALSPS, false},
		{1, false}, // TRAIL_R, a regular non-IRAP slice
	}
	for _, tt := range tests {
		if got := IsKeyframe(tt.nalType); got != tt.want {
			t.Errorf("IsKeyframe(%d) = %v, want %v", tt.nalType, got, tt.want)
		}
	}
}

func TestIsVPSSPSPPS(t *testing.T) {
	t.Parallel()
	if !IsVPS(NALVPS) || IsVPS(NALSPS) {
		t.Error("IsVPS classification wrong")
	}
	if !IsSPS(NALSPS) || IsSPS(NALPPS) {
		t.Error("IsSPS classification wrong")
	}
	if !IsPPS(NALPPS) || IsPPS(NALVPS) {
		t.Error("IsPPS classification wrong")
	}
}

func TestParseAnnexB(t *testing.T) {
	t.Parallel()
	data := []byte{
		0x00, 0x00, 0x00, 0x01, byte(NALVPS << 1), 0x01, 0x0C,
		0x00, 0x00, 0x00, 0x01, byte(NALSPS << 1), 0x01, 0x42,
		0x00, 0x00, 0x00, 0x01, byte(NALIDRWRadl << 1), 0x01, 0xAB,
	}
	nalus := ParseAnnexB(data)
	if len(nalus) != 3 {
		t.Fatalf("got %d NAL units, want 3", len(nalus))
	}
	if nalus[0].Type != NALVPS {
		t.Errorf("nalus[0].Type = %d, want NALVPS", nalus[0].Type)
	}
	if nalus[1].Type != NALSPS {
		t.Errorf("nalus[1].Type = %d, want NALSPS", nalus[1].Type)
	}
	if nalus[2].Type != NALIDRWRadl || !IsKeyframe(nalus[2].Type) {
		t.Errorf("nalus[2].Type = %d, want a keyframe NAL", nalus[2].Type)
	}
}

func TestParseSPS(t *testing.T) {
	t.Parallel()
	nalu := buildSPS(1, 0, 93, 1, 1280, 720)
	info, err := ParseSPS(nalu)
	if err != nil {
		t.Fatalf("ParseSPS error: %v", err)
	}
	if info.Width != 1280 || info.Height != 720 {
		t.Errorf("got %dx%d, want 1280x720", info.Width, info.Height)
	}
	if info.ProfileIDC != 1 {
		t.Errorf("ProfileIDC = %d, want 1", info.ProfileIDC)
	}
	if info.LevelIDC != 93 {
		t.Errorf("LevelIDC = %d, want 93", info.LevelIDC)
	}
	if info.ChromaFormatIdc != 1 {
		t.Errorf("ChromaFormatIdc = %d, want 1", info.ChromaFormatIdc)
	}
	if info.BitDepthLumaMinus8 != 0 || info.BitDepthChromaMinus8 != 2 {
		t.Errorf("bit depths = %d/%d, want 0/2", info.BitDepthLumaMinus8, info.BitDepthChromaMinus8)
	}
}

func TestParseSPSTooShort(t *testing.T) {
	t.Parallel()
	if _, err := ParseSPS([]byte{0x42, 0x01}); err != ErrShortSPS {
		t.Errorf("err = %v, want ErrShortSPS", err)
	}
}

func TestCodecString(t *testing.T) {
	t.Parallel()
	info := SPSInfo{ProfileIDC: 1, TierFlag: 0, LevelIDC: 93}
	if got, want := info.CodecString(), "hev1.1.0.L93"; got != want {
		t.Errorf("CodecString() = %q, want %q", got, want)
	}

	highTier := SPSInfo{ProfileIDC: 2, TierFlag: 1, LevelIDC: 120}
	if got, want := highTier.CodecString(), "hev1.2.0.H120"; got != want {
		t.Errorf("CodecString() = %q, want %q", got, want)
	}
}
