package isobmff

// SampleTable holds the decoded stbl children needed to compute, for every
// sample in a track, its byte offset/size in the file and its decode/
// composition timestamps and sync-sample status.
type SampleTable struct {
	ChunkOffsets  []int64
	SamplesPerChunk []stscEntry // sparse: first-chunk -> samples-per-chunk, expanded on lookup
	SampleSizes   []uint32 // empty if all samples share DefaultSize
	DefaultSize   uint32
	DecodeDeltas  []sttsEntry
	CompOffsets   []cttsEntry
	SyncSamples   map[uint32]bool // 1-based sample numbers that are keyframes; nil means all samples are sync
}

type stscEntry struct {
	FirstChunk      uint32
	SamplesPerChunk uint32
	SampleDescIndex uint32
}

type sttsEntry struct {
	SampleCount uint32
	SampleDelta uint32
}

type cttsEntry struct {
	SampleCount  uint32
	SampleOffset int32
}

// ParseSampleTable decodes every recognized child of an stbl box.
func ParseSampleTable(stbl *Box) (*SampleTable, error) {
	st := &SampleTable{}

	if b := stbl.Find(TypeStco); b != nil {
		st.ChunkOffsets = parseStco(b.Body, 4)
	} else if b := stbl.Find(TypeCo64); b != nil {
		st.ChunkOffsets = parseStco(b.Body, 8)
	}

	if b := stbl.Find(TypeStsc); b != nil {
		st.SamplesPerChunk = parseStsc(b.Body)
	}

	if b := stbl.Find(TypeStsz); b != nil {
		st.DefaultSize, st.SampleSizes = parseStsz(b.Body)
	}

	if b := stbl.Find(TypeStts); b != nil {
		st.DecodeDeltas = parseStts(b.Body)
	}

	if b := stbl.Find(TypeCtts); b != nil {
		st.CompOffsets = parseCtts(b.Body)
	}

	if b := stbl.Find(TypeStss); b != nil {
		st.SyncSamples = parseStss(b.Body)
	}

	return st, nil
}

func parseStco(body []byte, entrySize int) []int64 {
	if len(body) < 4 {
		return nil
	}
	count := be32(body[0:4])
	out := make([]int64, 0, count)
	off := 4
	for i := uint32(0); i < count && off+entrySize <= len(body); i++ {
		if entrySize == 4 {
			out = append(out, int64(be32(body[off:off+4])))
		} else {
			out = append(out, int64(be64(body[off:off+8])))
		}
		off += entrySize
	}
	return out
}

func parseStsc(body []byte) []stscEntry {
	if len(body) < 4 {
		return nil
	}
	count := be32(body[0:4])
	out := make([]stscEntry, 0, count)
	off := 4
	for i := uint32(0); i < count && off+12 <= len(body); i++ {
		out = append(out, stscEntry{
			FirstChunk:      be32(body[off : off+4]),
			SamplesPerChunk: be32(body[off+4 : off+8]),
			SampleDescIndex: be32(body[off+8 : off+12]),
		})
		off += 12
	}
	return out
}

func parseStsz(body []byte) (uint32, []uint32) {
	if len(body) < 8 {
		return 0, nil
	}
	sampleSize := be32(body[0:4])
	count := be32(body[4:8])
	if sampleSize != 0 {
		return sampleSize, nil
	}
	out := make([]uint32, 0, count)
	off := 8
	for i := uint32(0); i < count && off+4 <= len(body); i++ {
		out = append(out, be32(body[off:off+4]))
		off += 4
	}
	return 0, out
}

func parseStts(body []byte) []sttsEntry {
	if len(body) < 4 {
		return nil
	}
	count := be32(body[0:4])
	out := make([]sttsEntry, 0, count)
	off := 4
	for i := uint32(0); i < count && off+8 <= len(body); i++ {
		out = append(out, sttsEntry{
			SampleCount: be32(body[off : off+4]),
			SampleDelta: be32(body[off+4 : off+8]),
		})
		off += 8
	}
	return out
}

func parseCtts(body []byte) []cttsEntry {
	if len(body) < 4 {
		return nil
	}
	count := be32(body[0:4])
	out := make([]cttsEntry, 0, count)
	off := 4
	for i := uint32(0); i < count && off+8 <= len(body); i++ {
		out = append(out, cttsEntry{
			SampleCount:  be32(body[off : off+4]),
			SampleOffset: int32(be32(body[off+4 : off+8])),
		})
		off += 8
	}
	return out
}

func parseStss(body []byte) map[uint32]bool {
	if len(body) < 4 {
		return nil
	}
	count := be32(body[0:4])
	out := make(map[uint32]bool, count)
	off := 4
	for i := uint32(0); i < count && off+4 <= len(body); i++ {
		out[be32(body[off:off+4])] = true
		off += 4
	}
	return out
}

// SampleInfo is one resolved sample: where it lives in the file, its
// decode/composition timestamps, and whether it's a sync sample.
type SampleInfo struct {
	Offset   int64
	Size     uint32
	DTS      int64
	PTS      int64
	Sync     bool
}

// Samples expands the sample table into a flat, time-ordered list. It's
// the straightforward (not memory-optimal) approach: fine for files whose
// sample counts fit comfortably in memory, which covers the overwhelming
// majority of real-world MP4/MOV assets.
func (st *SampleTable) Samples() []SampleInfo {
	sampleCount := st.totalSampleCount()
	if sampleCount == 0 {
		return nil
	}

	sizes := st.expandSizes(sampleCount)
	offsets := st.expandOffsets(sampleCount, sizes)
	deltas := st.expandDeltas(sampleCount)
	ctsOffsets := st.expandCompOffsets(sampleCount)

	out := make([]SampleInfo, sampleCount)
	var dts int64
	for i := 0; i < sampleCount; i++ {
		si := SampleInfo{
			Offset: offsets[i],
			Size:   sizes[i],
			DTS:    dts,
			PTS:    dts + int64(ctsOffsets[i]),
			Sync:   st.SyncSamples == nil || st.SyncSamples[uint32(i+1)],
		}
		out[i] = si
		dts += int64(deltas[i])
	}
	return out
}

func (st *SampleTable) totalSampleCount() int {
	if len(st.SampleSizes) > 0 {
		return len(st.SampleSizes)
	}
	var n int
	for _, e := range st.DecodeDeltas {
		n += int(e.SampleCount)
	}
	return n
}

func (st *SampleTable) expandSizes(n int) []uint32 {
	if len(st.SampleSizes) > 0 {
		return st.SampleSizes
	}
	out := make([]uint32, n)
	for i := range out {
		out[i] = st.DefaultSize
	}
	return out
}

func (st *SampleTable) expandDeltas(n int) []uint32 {
	out := make([]uint32, 0, n)
	for _, e := range st.DecodeDeltas {
		for i := uint32(0); i < e.SampleCount; i++ {
			out = append(out, e.SampleDelta)
		}
	}
	for len(out) < n {
		out = append(out, 0)
	}
	return out[:n]
}

func (st *SampleTable) expandCompOffsets(n int) []int32 {
	out := make([]int32, n)
	if len(st.CompOffsets) == 0 {
		return out
	}
	idx := 0
	for _, e := range st.CompOffsets {
		for i := uint32(0); i < e.SampleCount && idx < n; i++ {
			out[idx] = e.SampleOffset
			idx++
		}
	}
	return out
}

// expandOffsets walks the chunk table (stco/co64 + stsc) to compute each
// sample's absolute file offset, using sizes to accumulate the in-chunk
// position of samples after the first in each chunk.
func (st *SampleTable) expandOffsets(n int, sizes []uint32) []int64 {
	out := make([]int64, n)
	if len(st.ChunkOffsets) == 0 || len(st.SamplesPerChunk) == 0 {
		return out
	}

	sampleIdx := 0
	for chunkEntryIdx, entry := range st.SamplesPerChunk {
		firstChunk := entry.FirstChunk
		lastChunk := uint32(len(st.ChunkOffsets))
		if chunkEntryIdx+1 < len(st.SamplesPerChunk) {
			lastChunk = st.SamplesPerChunk[chunkEntryIdx+1].FirstChunk - 1
		}

		for chunk := firstChunk; chunk <= lastChunk && int(chunk-1) < len(st.ChunkOffsets); chunk++ {
			offset := st.ChunkOffsets[chunk-1]
			for s := uint32(0); s < entry.SamplesPerChunk && sampleIdx < n; s++ {
				out[sampleIdx] = offset
				offset += int64(sizes[sampleIdx])
				sampleIdx++
			}
		}
	}
	return out
}
