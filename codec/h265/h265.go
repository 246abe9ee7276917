// Package h265 parses H.265/HEVC elementary stream headers: VPS/SPS/PPS NAL
// typing and SPS profile/tier/level/resolution extraction.
package h265

import (
	"errors"
	"fmt"
	"math/bits"

	"github.com/vellumav/demuxcore/bitstream"
	"github.com/vellumav/demuxcore/media"
)

// NAL unit type constants, ITU-T H.265 Table 7-1.
const (
	NALBlaWLP     = 16
	NALIDRWRadl   = 19
	NALIDRNlp     = 20
	NALCraNut     = 21
	NALVPS        = 32
	NALSPS        = 33
	NALPPS        = 34
	NALAUD        = 35
	NALFillerData = 38
	NALSEIPrefix  = 39
)

// ErrShortSPS is returned when an SPS NAL unit is too short to parse.
var ErrShortSPS = errors.New("h265: SPS data too short")

// NALType extracts the NAL unit type from the first byte of the HEVC 2-byte
// NAL header: forbidden(1) | type(6) | layerID_high(1).
func NALType(firstByte byte) byte {
	return (firstByte >> 1) & 0x3F
}

// IsKeyframe reports whether nalType is a random access point (BLA/IDR/CRA).
func IsKeyframe(nalType byte) bool {
	return nalType >= NALBlaWLP && nalType <= NALCraNut
}

// IsVPS/IsSPS/IsPPS classify a NAL type.
func IsVPS(nalType byte) bool { return nalType == NALVPS }
func IsSPS(nalType byte) bool { return nalType == NALSPS }
func IsPPS(nalType byte) bool { return nalType == NALPPS }

// isSlice reports whether nalType is a VCL (slice) NAL unit, ITU-T H.265
// Table 7-1 types 0-31.
func isSlice(nalType byte) bool { return nalType <= 31 }

// ParseSliceType reads slice_segment_header's leading fields from an HEVC
// slice NAL (nalu includes the 2-byte NAL header) far enough to recover
// slice_type, mapping it to a PictureType per ITU-T H.265 Table 7-7 (0=B,
// 1=P, 2=I — the reverse order from H.264's Table 7-6). This assumes
// num_extra_slice_header_bits is 0 and dependent_slice_segments_enabled_flag
// is 0 in the governing PPS, true for the overwhelming majority of streams
// this module encounters; a dependent slice segment (detected via
// first_slice_segment_in_pic_flag) has no slice_type of its own and reports
// PictureUnknown rather than guessing the independent segment's type.
func ParseSliceType(nalType byte, nalu []byte) (media.PictureType, bool) {
	if !isSlice(nalType) || len(nalu) < 3 {
		return media.PictureUnknown, false
	}
	br := bitstream.NewReader(nalu[2:])
	firstSlice, err := br.ReadBit()
	if err != nil {
		return media.PictureUnknown, false
	}
	if firstSlice == 0 {
		// Dependent or non-first slice segment: slice_type lives only on
		// the first segment of the picture.
		return media.PictureUnknown, false
	}
	if nalType >= NALBlaWLP && nalType <= 23 { // IRAP range
		if _, err := br.ReadBit(); err != nil { // no_output_of_prior_pics_flag
			return media.PictureUnknown, false
		}
	}
	if _, err := br.ReadUE(); err != nil { // slice_pic_parameter_set_id
		return media.PictureUnknown, false
	}
	sliceType, err := br.ReadUE()
	if err != nil {
		return media.PictureUnknown, false
	}
	switch sliceType {
	case 0:
		return media.PictureB, true
	case 1:
		return media.PictureP, true
	case 2:
		return media.PictureI, true
	default:
		return media.PictureUnknown, true
	}
}

// ParseAnnexB splits an Annex-B byte stream into NAL units using the HEVC
// 2-byte NAL header for typing. Start codes are identical to H.264.
func ParseAnnexB(data []byte) []bitstream.NALUnit {
	return bitstream.ScanAnnexB(data, 2, func(d []byte) byte { return NALType(d[0]) })
}

// SPSInfo holds parameters extracted from an HEVC SPS NAL unit.
type SPSInfo struct {
	Width, Height int
	ProfileIDC    byte
	TierFlag      byte
	LevelIDC      byte

	ProfileCompatibilityFlags uint32
	ConstraintIndicatorFlags  uint64

	ChromaFormatIdc      byte
	BitDepthLumaMinus8   byte
	BitDepthChromaMinus8 byte
}

// CodecString returns the RFC 6381 codec parameter string, e.g. "hev1.1.6.L93.B0".
func (s SPSInfo) CodecString() string {
	tier := "L"
	if s.TierFlag == 1 {
		tier = "H"
	}

	reversed := bits.Reverse32(s.ProfileCompatibilityFlags)

	var constraintBytes [6]byte
	for i := 0; i < 6; i++ {
		constraintBytes[i] = byte((s.ConstraintIndicatorFlags >> uint((5-i)*8)) & 0xFF)
	}
	lastNonZero := -1
	for i := 5; i >= 0; i-- {
		if constraintBytes[i] != 0 {
			lastNonZero = i
			break
		}
	}

	codec := fmt.Sprintf("hev1.%d.%X.%s%d", s.ProfileIDC, reversed, tier, s.LevelIDC)
	for i := 0; i <= lastNonZero; i++ {
		codec += fmt.Sprintf(".%X", constraintBytes[i])
	}
	return codec
}

// ParseSPS parses an HEVC SPS NAL unit (including its 2-byte header) into
// resolution and profile/tier/level fields.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, ErrShortSPS
	}

	rbsp := bitstream.UnescapeRBSP(nalu[2:])
	br := bitstream.NewReader(rbsp)

	if _, err := br.ReadBits(4); err != nil { // sps_video_parameter_set_id
		return SPSInfo{}, err
	}
	maxSubLayersMinus1, err := br.ReadBits(3)
	if err != nil {
		return SPSInfo{}, err
	}
	if _, err := br.ReadBit(); err != nil { // sps_temporal_id_nesting_flag
		return SPSInfo{}, err
	}

	info := SPSInfo{}
	if err := parseProfileTierLevel(br, &info, maxSubLayersMinus1); err != nil {
		return SPSInfo{}, err
	}

	if _, err := br.ReadUE(); err != nil { // sps_seq_parameter_set_id
		return SPSInfo{}, err
	}

	chromaFormatIdc, err := br.ReadUE()
	if err != nil {
		return SPSInfo{}, err
	}
	info.ChromaFormatIdc = byte(chromaFormatIdc)

	if chromaFormatIdc == 3 {
		if _, err := br.ReadBit(); err != nil { // separate_colour_plane_flag
			return SPSInfo{}, err
		}
	}

	width, err := br.ReadUE()
	if err != nil {
		return SPSInfo{}, err
	}
	height, err := br.ReadUE()
	if err != nil {
		return SPSInfo{}, err
	}
	info.Width = int(width)
	info.Height = int(height)

	confWindowFlag, err := br.ReadBit()
	if err != nil {
		return info, nil
	}
	if confWindowFlag == 1 {
		left, err := br.ReadUE()
		if err != nil {
			return info, nil
		}
		right, err := br.ReadUE()
		if err != nil {
			return info, nil
		}
		top, err := br.ReadUE()
		if err != nil {
			return info, nil
		}
		bottom, err := br.ReadUE()
		if err != nil {
			return info, nil
		}

		var subWidthC, subHeightC uint
		switch chromaFormatIdc {
		case 1:
			subWidthC, subHeightC = 2, 2
		case 2:
			subWidthC, subHeightC = 2, 1
		default:
			subWidthC, subHeightC = 1, 1
		}
		info.Width -= int((left + right) * subWidthC)
		info.Height -= int((top + bottom) * subHeightC)
	}

	bdl, err := br.ReadUE()
	if err != nil {
		return info, nil
	}
	info.BitDepthLumaMinus8 = byte(bdl)

	bdc, err := br.ReadUE()
	if err != nil {
		return info, nil
	}
	info.BitDepthChromaMinus8 = byte(bdc)

	return info, nil
}

func parseProfileTierLevel(br *bitstream.Reader, info *SPSInfo, maxSubLayersMinus1 uint) error {
	if _, err := br.ReadBits(2); err != nil { // general_profile_space
		return err
	}
	tierFlag, err := br.ReadBit()
	if err != nil {
		return err
	}
	info.TierFlag = byte(tierFlag)

	profileIDC, err := br.ReadBits(5)
	if err != nil {
		return err
	}
	info.ProfileIDC = byte(profileIDC)

	hi, err := br.ReadBits(16)
	if err != nil {
		return err
	}
	lo, err := br.ReadBits(16)
	if err != nil {
		return err
	}
	info.ProfileCompatibilityFlags = uint32(hi)<<16 | uint32(lo)

	var cif uint64
	for i := 0; i < 6; i++ {
		b, err := br.ReadBits(8)
		if err != nil {
			return err
		}
		cif = (cif << 8) | uint64(b)
	}
	info.ConstraintIndicatorFlags = cif

	levelIDC, err := br.ReadBits(8)
	if err != nil {
		return err
	}
	info.LevelIDC = byte(levelIDC)

	if maxSubLayersMinus1 > 0 {
		var subLayerProfilePresent, subLayerLevelPresent [8]bool
		for i := uint(0); i < maxSubLayersMinus1; i++ {
			pp, err := br.ReadBit()
			if err != nil {
				return err
			}
			subLayerProfilePresent[i] = pp == 1
			lp, err := br.ReadBit()
			if err != nil {
				return err
			}
			subLayerLevelPresent[i] = lp == 1
		}
		if maxSubLayersMinus1 < 8 {
			for i := maxSubLayersMinus1; i < 8; i++ {
				if _, err := br.ReadBits(2); err != nil {
					return err
				}
			}
		}
		for i := uint(0); i < maxSubLayersMinus1; i++ {
			if subLayerProfilePresent[i] {
				if _, err := br.ReadBits(32); err != nil {
					return err
				}
				if _, err := br.ReadBits(32); err != nil {
					return err
				}
				if _, err := br.ReadBits(24); err != nil {
					return err
				}
			}
			if subLayerLevelPresent[i] {
				if _, err := br.ReadBits(8); err != nil {
					return err
				}
			}
		}
	}

	return nil
}
