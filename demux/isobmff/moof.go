package isobmff

// tfhd flag bits, ISO/IEC 14496-12 8.8.7.1.
const (
	tfhdBaseDataOffsetPresent      = 0x000001
	tfhdSampleDescriptionIndexFlag = 0x000002
	tfhdDefaultSampleDuration      = 0x000008
	tfhdDefaultSampleSize         = 0x000010
	tfhdDefaultSampleFlags        = 0x000020
	tfhdDurationIsEmpty           = 0x010000
)

// trun flag bits, ISO/IEC 14496-12 8.8.8.1.
const (
	trunDataOffsetPresent      = 0x000001
	trunFirstSampleFlagsPresent = 0x000004
	trunSampleDurationPresent  = 0x000100
	trunSampleSizePresent      = 0x000200
	trunSampleFlagsPresent     = 0x000400
	trunSampleCTSPresent       = 0x000800
)

// Fragment holds one moof's decoded track fragments.
type Fragment struct {
	SequenceNumber uint32
	Tracks         []*TrackFragment
}

// TrackFragment is one traf: the track it belongs to, its base decode time,
// and the expanded per-sample run.
type TrackFragment struct {
	TrackID       uint32
	BaseDataOffset int64
	BaseMediaDecodeTime int64
	Samples       []FragmentSample
}

// FragmentSample is one sample described by a trun entry, with defaults
// from tfhd/trex already folded in.
type FragmentSample struct {
	Duration uint32
	Size     uint32
	Flags    uint32
	CTSOffset int32
	Sync     bool
}

// ParseMoof decodes a moof box (expected at the given absolute file offset,
// used as the default base-data-offset per spec when tfhd omits one).
func ParseMoof(moof *Box, moofOffset int64, defaults TrackExtends) (*Fragment, error) {
	frag := &Fragment{}
	if mfhd := moof.Find(TypeMfhd); mfhd != nil && len(mfhd.Body) >= 4 {
		frag.SequenceNumber = be32(mfhd.Body[0:4])
	}

	for _, traf := range moof.FindAll(TypeTraf) {
		tf, err := parseTraf(traf, moofOffset, defaults)
		if err != nil {
			return nil, err
		}
		frag.Tracks = append(frag.Tracks, tf)
	}
	return frag, nil
}

// TrackExtends carries a track's trex defaults, used when tfhd/trun omit a
// per-sample field.
type TrackExtends struct {
	DefaultSampleDuration uint32
	DefaultSampleSize     uint32
	DefaultSampleFlags    uint32
}

func parseTraf(traf *Box, moofOffset int64, trex TrackExtends) (*TrackFragment, error) {
	tf := &TrackFragment{BaseDataOffset: moofOffset}

	defaults := trex

	if tfhd := traf.Find(TypeTfhd); tfhd != nil {
		body := tfhd.Body
		if len(body) >= 4 {
			tf.TrackID = be32(body[0:4])
		}
		off := 4
		flags := tfhd.Flags

		if flags&tfhdBaseDataOffsetPresent != 0 && off+8 <= len(body) {
			tf.BaseDataOffset = int64(be64(body[off : off+8]))
			off += 8
		}
		if flags&tfhdSampleDescriptionIndexFlag != 0 && off+4 <= len(body) {
			off += 4
		}
		if flags&tfhdDefaultSampleDuration != 0 && off+4 <= len(body) {
			defaults.DefaultSampleDuration = be32(body[off : off+4])
			off += 4
		}
		if flags&tfhdDefaultSampleSize != 0 && off+4 <= len(body) {
			defaults.DefaultSampleSize = be32(body[off : off+4])
			off += 4
		}
		if flags&tfhdDefaultSampleFlags != 0 && off+4 <= len(body) {
			defaults.DefaultSampleFlags = be32(body[off : off+4])
			off += 4
		}
	}

	if tfdt := traf.Find(TypeTfdt); tfdt != nil {
		if tfdt.Version == 1 && len(tfdt.Body) >= 8 {
			tf.BaseMediaDecodeTime = int64(be64(tfdt.Body[0:8]))
		} else if len(tfdt.Body) >= 4 {
			tf.BaseMediaDecodeTime = int64(be32(tfdt.Body[0:4]))
		}
	}

	for _, trun := range traf.FindAll(TypeTrun) {
		tf.Samples = append(tf.Samples, parseTrun(trun, defaults)...)
	}

	return tf, nil
}

func parseTrun(trun *Box, defaults TrackExtends) []FragmentSample {
	body := trun.Body
	if len(body) < 4 {
		return nil
	}
	flags := trun.Flags
	count := be32(body[0:4])
	off := 4

	if flags&trunDataOffsetPresent != 0 {
		off += 4
	}
	var firstSampleFlags uint32
	haveFirstFlags := flags&trunFirstSampleFlagsPresent != 0
	if haveFirstFlags && off+4 <= len(body) {
		firstSampleFlags = be32(body[off : off+4])
		off += 4
	}

	out := make([]FragmentSample, 0, count)
	for i := uint32(0); i < count; i++ {
		s := FragmentSample{
			Duration: defaults.DefaultSampleDuration,
			Size:     defaults.DefaultSampleSize,
			Flags:    defaults.DefaultSampleFlags,
		}
		if flags&trunSampleDurationPresent != 0 && off+4 <= len(body) {
			s.Duration = be32(body[off : off+4])
			off += 4
		}
		if flags&trunSampleSizePresent != 0 && off+4 <= len(body) {
			s.Size = be32(body[off : off+4])
			off += 4
		}
		if flags&trunSampleFlagsPresent != 0 && off+4 <= len(body) {
			s.Flags = be32(body[off : off+4])
			off += 4
		} else if i == 0 && haveFirstFlags {
			s.Flags = firstSampleFlags
		}
		if flags&trunSampleCTSPresent != 0 && off+4 <= len(body) {
			s.CTSOffset = int32(be32(body[off : off+4]))
			off += 4
		}

		// sample_depends_on == 2 (bits 24-25 of sample_flags) means "does
		// not depend on others": a sync sample, ISO/IEC 14496-12 8.8.3.1.
		dependsOn := (s.Flags >> 24) & 0x03
		s.Sync = dependsOn == 2 || s.Flags == 0
		out = append(out, s)
	}
	return out
}
