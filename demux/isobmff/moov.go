package isobmff

import "fmt"

// TrackInfo is everything the demuxer needs from one trak box: its ID,
// media timescale, handler type, sample description (codec config), and
// resolved sample table.
type TrackInfo struct {
	TrackID     uint32
	Timescale   uint32
	HandlerType [4]byte // "vide", "soun", "text", ...
	SampleEntry *Box    // first child of stsd: avc1/hev1/mp4a/...
	Table       *SampleTable
	EditList    []EditListEntry
}

// EditListEntry is one elst entry: media_time == -1 marks an empty edit
// (a presentation gap with no corresponding media, commonly used to align
// multiple tracks' start times).
type EditListEntry struct {
	SegmentDuration uint64
	MediaTime       int64
	MediaRateFrac   float64
}

// IsVideo reports whether this track's handler is "vide".
func (t *TrackInfo) IsVideo() bool { return t.HandlerType == [4]byte{'v', 'i', 'd', 'e'} }

// IsAudio reports whether this track's handler is "soun".
func (t *TrackInfo) IsAudio() bool { return t.HandlerType == [4]byte{'s', 'o', 'u', 'n'} }

// ParseMoov walks a moov box into its constituent tracks.
func ParseMoov(moov *Box) ([]*TrackInfo, error) {
	var tracks []*TrackInfo
	for _, trak := range moov.FindAll(TypeTrak) {
		ti, err := parseTrak(trak)
		if err != nil {
			return nil, err
		}
		tracks = append(tracks, ti)
	}
	return tracks, nil
}

func parseTrak(trak *Box) (*TrackInfo, error) {
	ti := &TrackInfo{}

	if tkhd := trak.Find(TypeTkhd); tkhd != nil && len(tkhd.Body) >= 8 {
		ti.TrackID = be32(tkhd.Body[4:8])
	}

	if edts := trak.Find(TypeEdts); edts != nil {
		if elst := edts.Find(TypeElst); elst != nil {
			ti.EditList = parseElst(elst)
		}
	}

	mdia := trak.Find(TypeMdia)
	if mdia == nil {
		return nil, fmt.Errorf("isobmff: trak missing mdia")
	}

	if mdhd := mdia.Find(TypeMdhd); mdhd != nil {
		ti.Timescale = parseMdhdTimescale(mdhd)
	}

	if hdlr := mdia.Find(TypeHdlr); hdlr != nil && len(hdlr.Body) >= 12 {
		copy(ti.HandlerType[:], hdlr.Body[4:8])
	}

	minf := mdia.Find(TypeMinf)
	if minf == nil {
		return nil, fmt.Errorf("isobmff: mdia missing minf")
	}
	stbl := minf.Find(TypeStbl)
	if stbl == nil {
		return nil, fmt.Errorf("isobmff: minf missing stbl")
	}

	table, err := ParseSampleTable(stbl)
	if err != nil {
		return nil, err
	}
	ti.Table = table

	if stsd := stbl.Find(TypeStsd); stsd != nil {
		ti.SampleEntry = firstStsdEntry(stsd)
	}

	return ti, nil
}

// parseMdhdTimescale handles both mdhd versions: version 0 uses 32-bit
// creation/modification/timescale/duration fields, version 1 uses 64-bit
// creation/modification and 32-bit timescale.
func parseMdhdTimescale(mdhd *Box) uint32 {
	body := mdhd.Body
	if mdhd.Version == 1 {
		if len(body) < 20 {
			return 0
		}
		return be32(body[16:20])
	}
	if len(body) < 12 {
		return 0
	}
	return be32(body[8:12])
}

func parseElst(elst *Box) []EditListEntry {
	if len(elst.Body) < 4 {
		return nil
	}
	count := be32(elst.Body[0:4])
	entrySize := 12
	if elst.Version == 1 {
		entrySize = 20
	}

	var out []EditListEntry
	off := 4
	for i := uint32(0); i < count && off+entrySize <= len(elst.Body); i++ {
		var e EditListEntry
		if elst.Version == 1 {
			e.SegmentDuration = be64(elst.Body[off : off+8])
			e.MediaTime = int64(be64(elst.Body[off+8 : off+16]))
		} else {
			e.SegmentDuration = uint64(be32(elst.Body[off : off+4]))
			e.MediaTime = int64(int32(be32(elst.Body[off+4 : off+8])))
		}
		rateOff := off + entrySize - 4
		rateInt := int16(be32(elst.Body[rateOff:rateOff+4]) >> 16)
		rateFrac := uint16(be32(elst.Body[rateOff : rateOff+4]))
		e.MediaRateFrac = float64(rateInt) + float64(rateFrac)/65536.0
		out = append(out, e)
		off += entrySize
	}
	return out
}

func firstStsdEntry(stsd *Box) *Box {
	if len(stsd.Body) < 4 {
		return nil
	}
	// stsd's body after its own FullBox header is [entry_count(4)][entries...].
	children, _ := (&Box{Body: stsd.Body[4:]}).Children()
	if len(children) == 0 {
		return nil
	}
	return children[0]
}
