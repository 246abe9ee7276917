package isobmff

import "testing"

func u32be(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func TestSampleTableSamplesFixedSize(t *testing.T) {
	st := &SampleTable{
		ChunkOffsets:    []int64{1000, 2000},
		SamplesPerChunk: []stscEntry{{FirstChunk: 1, SamplesPerChunk: 2, SampleDescIndex: 1}},
		DefaultSize:     100,
		DecodeDeltas:    []sttsEntry{{SampleCount: 4, SampleDelta: 3000}},
	}

	samples := st.Samples()
	if len(samples) != 4 {
		t.Fatalf("got %d samples, want 4", len(samples))
	}

	want := []struct {
		offset int64
		dts    int64
	}{
		{1000, 0},
		{1100, 3000},
		{2000, 6000},
		{2100, 9000},
	}
	for i, w := range want {
		if samples[i].Offset != w.offset {
			t.Errorf("sample %d offset = %d, want %d", i, samples[i].Offset, w.offset)
		}
		if samples[i].DTS != w.dts {
			t.Errorf("sample %d dts = %d, want %d", i, samples[i].DTS, w.dts)
		}
		if !samples[i].Sync {
			t.Errorf("sample %d should be sync when no stss present", i)
		}
	}
}

func TestSampleTableSyncSamples(t *testing.T) {
	st := &SampleTable{
		ChunkOffsets:    []int64{0},
		SamplesPerChunk: []stscEntry{{FirstChunk: 1, SamplesPerChunk: 3}},
		DefaultSize:     10,
		DecodeDeltas:    []sttsEntry{{SampleCount: 3, SampleDelta: 1}},
		SyncSamples:     map[uint32]bool{1: true},
	}

	samples := st.Samples()
	if !samples[0].Sync {
		t.Error("sample 1 should be sync")
	}
	if samples[1].Sync || samples[2].Sync {
		t.Error("samples 2 and 3 should not be sync")
	}
}

func TestSampleTableCompositionOffsets(t *testing.T) {
	st := &SampleTable{
		ChunkOffsets:    []int64{0},
		SamplesPerChunk: []stscEntry{{FirstChunk: 1, SamplesPerChunk: 2}},
		DefaultSize:     10,
		DecodeDeltas:    []sttsEntry{{SampleCount: 2, SampleDelta: 100}},
		CompOffsets:     []cttsEntry{{SampleCount: 2, SampleOffset: 200}},
	}

	samples := st.Samples()
	if samples[0].PTS != 200 || samples[1].PTS != 300 {
		t.Errorf("PTS = [%d %d], want [200 300]", samples[0].PTS, samples[1].PTS)
	}
}

func TestParseStco32And64(t *testing.T) {
	body := append(u32be(2), append(u32be(100), u32be(200)...)...)
	offsets := parseStco(body, 4)
	if len(offsets) != 2 || offsets[0] != 100 || offsets[1] != 200 {
		t.Errorf("parseStco(4) = %v", offsets)
	}

	body64 := append(u32be(1), append(u32be(1), u32be(16)...)...)
	offsets64 := parseStco(body64, 8)
	if len(offsets64) != 1 || offsets64[0] != 1<<32+16 {
		t.Errorf("parseStco(8) = %v", offsets64)
	}
}
