// Package h264 parses H.264/AVC elementary stream headers: SPS/PPS, Annex-B
// NAL splitting, keyframe detection, and pic_timing SEI timecodes.
package h264

import (
	"errors"
	"fmt"

	"github.com/vellumav/demuxcore/bitstream"
	"github.com/vellumav/demuxcore/media"
)

// NAL unit type constants, ITU-T H.264 Table 7-1.
const (
	NALTypeSlice      = 1
	NALTypeIDR        = 5
	NALTypeSEI        = 6
	NALTypeSPS        = 7
	NALTypePPS        = 8
	NALTypeAUD        = 9
	NALTypeFillerData = 12
)

// ErrShortSPS is returned when an SPS NAL unit is too short to parse.
var ErrShortSPS = errors.New("h264: SPS data too short")

// SPSInfo holds parameters extracted from a Sequence Parameter Set.
type SPSInfo struct {
	Width              int
	Height             int
	ProfileIDC         byte
	ConstraintFlags    byte
	LevelIDC           byte
	PicStructPresent   bool
	HRDPresent         bool
	CpbRemovalDelayLen int
	DpbOutputDelayLen  int
	TimeOffsetLen      int
}

// CodecString returns the RFC 6381 codec parameter string, e.g. "avc1.42E01E".
func (s SPSInfo) CodecString() string {
	return fmt.Sprintf("avc1.%02X%02X%02X", s.ProfileIDC, s.ConstraintFlags, s.LevelIDC)
}

// Timecode is a SMPTE 12M timecode extracted from a pic_timing SEI message.
type Timecode struct {
	Hours, Minutes, Seconds, Frames int
}

func (tc Timecode) String() string {
	return fmt.Sprintf("%02d:%02d:%02d:%02d", tc.Hours, tc.Minutes, tc.Seconds, tc.Frames)
}

var highProfileChromaIDCs = map[uint]bool{
	100: true, 110: true, 122: true, 244: true, 44: true, 83: true,
	86: true, 118: true, 128: true, 138: true, 139: true, 134: true,
}

// ParseSPS parses an SPS NAL unit (including its header byte, excluding the
// start code) into resolution, profile/level, and VUI/HRD timing fields.
func ParseSPS(nalu []byte) (SPSInfo, error) {
	if len(nalu) < 4 {
		return SPSInfo{}, ErrShortSPS
	}

	rbsp := bitstream.UnescapeRBSP(nalu[1:])
	br := bitstream.NewReader(rbsp)

	profileIdc, err := br.ReadBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	constraintFlags, err := br.ReadBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	levelIdc, err := br.ReadBits(8)
	if err != nil {
		return SPSInfo{}, err
	}
	if _, err := br.ReadUE(); err != nil { // seq_parameter_set_id
		return SPSInfo{}, err
	}

	chromaFormatIdc := uint(1)
	separateColourPlane := false

	if highProfileChromaIDCs[profileIdc] {
		chromaFormatIdc, err = br.ReadUE()
		if err != nil {
			return SPSInfo{}, err
		}
		if chromaFormatIdc == 3 {
			flag, err := br.ReadFlag()
			if err != nil {
				return SPSInfo{}, err
			}
			separateColourPlane = flag
		}
		if _, err := br.ReadUE(); err != nil { // bit_depth_luma_minus8
			return SPSInfo{}, err
		}
		if _, err := br.ReadUE(); err != nil { // bit_depth_chroma_minus8
			return SPSInfo{}, err
		}
		if _, err := br.ReadBit(); err != nil { // qpprime_y_zero_transform_bypass_flag
			return SPSInfo{}, err
		}
		scalingMatrixPresent, err := br.ReadFlag()
		if err != nil {
			return SPSInfo{}, err
		}
		if scalingMatrixPresent {
			limit := 8
			if chromaFormatIdc == 3 {
				limit = 12
			}
			for i := 0; i < limit; i++ {
				flag, err := br.ReadFlag()
				if err != nil {
					return SPSInfo{}, err
				}
				if flag {
					size := 16
					if i >= 6 {
						size = 64
					}
					if err := br.SkipScalingList(size); err != nil {
						return SPSInfo{}, err
					}
				}
			}
		}
	}

	if _, err := br.ReadUE(); err != nil { // log2_max_frame_num_minus4
		return SPSInfo{}, err
	}
	picOrderCntType, err := br.ReadUE()
	if err != nil {
		return SPSInfo{}, err
	}
	switch picOrderCntType {
	case 0:
		if _, err := br.ReadUE(); err != nil {
			return SPSInfo{}, err
		}
	case 1:
		if _, err := br.ReadBit(); err != nil {
			return SPSInfo{}, err
		}
		if _, err := br.ReadSE(); err != nil {
			return SPSInfo{}, err
		}
		if _, err := br.ReadSE(); err != nil {
			return SPSInfo{}, err
		}
		numRefFrames, err := br.ReadUE()
		if err != nil {
			return SPSInfo{}, err
		}
		for i := uint(0); i < numRefFrames; i++ {
			if _, err := br.ReadSE(); err != nil {
				return SPSInfo{}, err
			}
		}
	}

	if _, err := br.ReadUE(); err != nil { // max_num_ref_frames
		return SPSInfo{}, err
	}
	if _, err := br.ReadBit(); err != nil { // gaps_in_frame_num_value_allowed_flag
		return SPSInfo{}, err
	}

	picWidthMbs, err := br.ReadUE()
	if err != nil {
		return SPSInfo{}, err
	}
	picHeightMapUnits, err := br.ReadUE()
	if err != nil {
		return SPSInfo{}, err
	}

	frameMbsOnly, err := br.ReadBits(1)
	if err != nil {
		return SPSInfo{}, err
	}
	if frameMbsOnly == 0 {
		if _, err := br.ReadBit(); err != nil { // mb_adaptive_frame_field_flag
			return SPSInfo{}, err
		}
	}
	if _, err := br.ReadBit(); err != nil { // direct_8x8_inference_flag
		return SPSInfo{}, err
	}

	var cropLeft, cropRight, cropTop, cropBottom uint
	cropFlag, err := br.ReadFlag()
	if err != nil {
		return SPSInfo{}, err
	}
	if cropFlag {
		if cropLeft, err = br.ReadUE(); err != nil {
			return SPSInfo{}, err
		}
		if cropRight, err = br.ReadUE(); err != nil {
			return SPSInfo{}, err
		}
		if cropTop, err = br.ReadUE(); err != nil {
			return SPSInfo{}, err
		}
		if cropBottom, err = br.ReadUE(); err != nil {
			return SPSInfo{}, err
		}
	}

	chromaArrayType := chromaFormatIdc
	if separateColourPlane {
		chromaArrayType = 0
	}
	var subWidthC, subHeightC uint
	switch chromaArrayType {
	case 1:
		subWidthC, subHeightC = 2, 2
	case 2:
		subWidthC, subHeightC = 2, 1
	case 3:
		subWidthC, subHeightC = 1, 1
	default:
		subWidthC, subHeightC = 2, 2
	}

	cropUnitX := subWidthC
	cropUnitY := subHeightC * (2 - frameMbsOnly)

	width := int((picWidthMbs+1)*16 - cropUnitX*(cropLeft+cropRight))
	heightMul := 2 - frameMbsOnly
	height := int((picHeightMapUnits+1)*16*heightMul - cropUnitY*(cropTop+cropBottom))

	info := SPSInfo{
		Width:           width,
		Height:          height,
		ProfileIDC:      byte(profileIdc),
		ConstraintFlags: byte(constraintFlags),
		LevelIDC:        byte(levelIdc),
	}

	vuiPresent, err := br.ReadFlag()
	if err != nil || !vuiPresent {
		return info, nil
	}
	parseVUI(br, &info)
	return info, nil
}

func parseVUI(br *bitstream.Reader, info *SPSInfo) {
	arPresent, _ := br.ReadBit()
	if arPresent == 1 {
		arIdc, _ := br.ReadBits(8)
		if arIdc == 255 {
			br.ReadBits(32)
		}
	}

	overscan, _ := br.ReadBit()
	if overscan == 1 {
		br.ReadBit()
	}

	videoSignal, _ := br.ReadBit()
	if videoSignal == 1 {
		br.ReadBits(4)
		colourDesc, _ := br.ReadBit()
		if colourDesc == 1 {
			br.ReadBits(24)
		}
	}

	chromaLoc, _ := br.ReadBit()
	if chromaLoc == 1 {
		br.ReadUE()
		br.ReadUE()
	}

	timingPresent, _ := br.ReadBit()
	if timingPresent == 1 {
		br.ReadBits(32)
		br.ReadBits(32)
		br.ReadBit()
	}

	parseHRD := func() {
		cpbCnt, _ := br.ReadUE()
		br.ReadBits(8)
		for i := uint(0); i <= cpbCnt; i++ {
			br.ReadUE()
			br.ReadUE()
			br.ReadBit()
		}
		br.ReadBits(5)
		cpbRdLen, _ := br.ReadBits(5)
		dpbOdLen, _ := br.ReadBits(5)
		toLen, _ := br.ReadBits(5)
		info.CpbRemovalDelayLen = int(cpbRdLen) + 1
		info.DpbOutputDelayLen = int(dpbOdLen) + 1
		info.TimeOffsetLen = int(toLen)
		info.HRDPresent = true
	}

	nalHRD, _ := br.ReadBit()
	if nalHRD == 1 {
		parseHRD()
	}
	vclHRD, _ := br.ReadBit()
	if vclHRD == 1 && !info.HRDPresent {
		parseHRD()
	}
	if nalHRD == 1 || vclHRD == 1 {
		br.ReadBit()
	}

	picStructPresent, _ := br.ReadBit()
	info.PicStructPresent = picStructPresent == 1
}

// ParseAnnexB splits an Annex-B byte stream into individual NAL units.
func ParseAnnexB(data []byte) []bitstream.NALUnit {
	return bitstream.ScanAnnexB(data, 1, func(d []byte) byte { return d[0] & 0x1F })
}

// IsKeyframe reports whether nalType is an IDR slice.
func IsKeyframe(nalType byte) bool { return nalType == NALTypeIDR }

// ParseSliceType reads slice_header's leading first_mb_in_slice and
// slice_type fields from a slice NAL unit (nalu includes the 1-byte NAL
// header) and maps slice_type % 5 to a PictureType per ITU-T H.264 Table
// 7-6 (2=I, 0=P, 1=B; 3/4 SI/SP slices report PictureUnknown since they
// carry no B-frame/I-frame semantics this module tracks). Returns false if
// nalu isn't a slice NAL or is too short to parse.
func ParseSliceType(nalu []byte) (media.PictureType, bool) {
	if len(nalu) < 2 {
		return media.PictureUnknown, false
	}
	nalType := nalu[0] & 0x1F
	if nalType != NALTypeSlice && nalType != NALTypeIDR {
		return media.PictureUnknown, false
	}
	br := bitstream.NewReader(nalu[1:])
	if _, err := br.ReadUE(); err != nil { // first_mb_in_slice
		return media.PictureUnknown, false
	}
	sliceType, err := br.ReadUE()
	if err != nil {
		return media.PictureUnknown, false
	}
	switch sliceType % 5 {
	case 2:
		return media.PictureI, true
	case 0:
		return media.PictureP, true
	case 1:
		return media.PictureB, true
	default:
		return media.PictureUnknown, true
	}
}

// IsSPS reports whether nalType is SPS.
func IsSPS(nalType byte) bool { return nalType == NALTypeSPS }

// IsPPS reports whether nalType is PPS.
func IsPPS(nalType byte) bool { return nalType == NALTypePPS }

// ParsePicTimingSEI extracts a SMPTE 12M timecode from a pic_timing SEI NAL,
// given the SPS that governs it. It requires the SPS to carry HRD parameters
// and pic_struct_present_flag; returns ok=false otherwise.
func ParsePicTimingSEI(seiNALU []byte, sps SPSInfo) (tc Timecode, ok bool) {
	if len(seiNALU) < 2 || !sps.PicStructPresent || !sps.HRDPresent {
		return Timecode{}, false
	}

	rbsp := bitstream.UnescapeRBSP(seiNALU[1:])
	i := 0
	for i < len(rbsp) {
		if rbsp[i] == 0x80 {
			break
		}
		payloadType := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadType += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadType += int(rbsp[i])
		i++

		payloadSize := 0
		for i < len(rbsp) && rbsp[i] == 0xFF {
			payloadSize += 255
			i++
		}
		if i >= len(rbsp) {
			break
		}
		payloadSize += int(rbsp[i])
		i++

		if i+payloadSize > len(rbsp) {
			break
		}
		if payloadType == 1 {
			if tc, ok := parsePicTimingPayload(rbsp[i:i+payloadSize], sps); ok {
				return tc, true
			}
		}
		i += payloadSize
	}
	return Timecode{}, false
}

func parsePicTimingPayload(payload []byte, sps SPSInfo) (Timecode, bool) {
	br := bitstream.NewReader(payload)
	br.ReadBits(sps.CpbRemovalDelayLen)
	br.ReadBits(sps.DpbOutputDelayLen)

	picStruct, err := br.ReadBits(4)
	if err != nil {
		return Timecode{}, false
	}

	numClockTS := 1
	switch picStruct {
	case 3, 4:
		numClockTS = 2
	case 5, 6, 7, 8:
		numClockTS = 3
	}

	for c := 0; c < numClockTS; c++ {
		clockTSFlag, err := br.ReadBit()
		if err != nil {
			return Timecode{}, false
		}
		if clockTSFlag == 0 {
			continue
		}

		br.ReadBits(2) // ct_type
		br.ReadBit()   // nuit_field_based_flag
		br.ReadBits(5) // counting_type
		fullTSFlag, _ := br.ReadBit()
		br.ReadBit() // discontinuity_flag
		br.ReadBit() // cnt_dropped_flag
		nFrames, _ := br.ReadBits(8)

		var secs, mins, hours uint
		if fullTSFlag == 1 {
			secs, _ = br.ReadBits(6)
			mins, _ = br.ReadBits(6)
			hours, _ = br.ReadBits(5)
		} else {
			secFlag, _ := br.ReadBit()
			if secFlag == 1 {
				secs, _ = br.ReadBits(6)
				minFlag, _ := br.ReadBit()
				if minFlag == 1 {
					mins, _ = br.ReadBits(6)
					hrFlag, _ := br.ReadBit()
					if hrFlag == 1 {
						hours, _ = br.ReadBits(5)
					}
				}
			}
		}

		if sps.TimeOffsetLen > 0 {
			br.ReadBits(sps.TimeOffsetLen)
		}

		return Timecode{
			Hours:   int(hours),
			Minutes: int(mins),
			Seconds: int(secs),
			Frames:  int(nFrames),
		}, true
	}
	return Timecode{}, false
}
