package seek

import "testing"

func buildSampleIndex() *SuperIndex {
	si := NewSuperIndex()
	si.Add(Entry{StreamIndex: 0, Position: 100, PTS: 0, Keyframe: true})
	si.Add(Entry{StreamIndex: 0, Position: 200, PTS: 1000, Keyframe: false})
	si.Add(Entry{StreamIndex: 0, Position: 50, PTS: -500, Keyframe: true})
	si.Add(Entry{StreamIndex: 1, Position: 60, PTS: 0, Keyframe: true})
	si.Add(Entry{StreamIndex: 1, Position: 260, PTS: 2000, Keyframe: true})
	return si
}

func TestSuperIndexAddKeepsSortedByPosition(t *testing.T) {
	si := buildSampleIndex()
	entries := si.Entries()
	for i := 1; i < len(entries); i++ {
		if entries[i].Position < entries[i-1].Position {
			t.Fatalf("entries not sorted by position: %+v", entries)
		}
	}
	if si.Len() != 5 {
		t.Errorf("Len() = %d, want 5", si.Len())
	}
}

func TestKeyframeBeforeSnapsToNearestPriorKeyframe(t *testing.T) {
	si := buildSampleIndex()
	e, ok := si.KeyframeBefore(0, 1000)
	if !ok {
		t.Fatal("expected a keyframe before pts 1000 on stream 0")
	}
	if e.PTS != 0 {
		t.Errorf("PTS = %d, want 0 (the last keyframe at or before target)", e.PTS)
	}
}

func TestKeyframeBeforeMissesWhenTargetPrecedesAllKeyframes(t *testing.T) {
	si := buildSampleIndex()
	if _, ok := si.KeyframeBefore(0, -1000); ok {
		t.Error("expected no keyframe before a target earlier than every entry")
	}
}

func TestFirstAndLastForStream(t *testing.T) {
	si := buildSampleIndex()
	first, ok := si.FirstForStream(0)
	if !ok || first.Position != 50 {
		t.Errorf("FirstForStream(0) = %+v, ok=%v; want position 50", first, ok)
	}
	last, ok := si.LastForStream(0)
	if !ok || last.Position != 200 {
		t.Errorf("LastForStream(0) = %+v, ok=%v; want position 200", last, ok)
	}
}

func TestNonInterleavedDetectsSeparateRanges(t *testing.T) {
	si := NewSuperIndex()
	si.Add(Entry{StreamIndex: 0, Position: 0})
	si.Add(Entry{StreamIndex: 0, Position: 100})
	si.Add(Entry{StreamIndex: 1, Position: 200})
	si.Add(Entry{StreamIndex: 1, Position: 300})
	if !si.NonInterleaved() {
		t.Error("expected non-overlapping stream ranges to be detected as non-interleaved")
	}
}

func TestNonInterleavedFalseWhenRangesOverlap(t *testing.T) {
	si := buildSampleIndex() // stream 0: [50,200], stream 1: [60,260] — overlapping
	if si.NonInterleaved() {
		t.Error("expected overlapping stream ranges to be detected as interleaved")
	}
}
