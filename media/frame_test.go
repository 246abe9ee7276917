package media

import (
	"testing"
	"time"
)

func TestStreamTypeString(t *testing.T) {
	tests := []struct {
		typ  StreamType
		want string
	}{
		{StreamAudio, "audio"},
		{StreamVideo, "video"},
		{StreamText, "text"},
		{StreamOverlay, "overlay"},
		{StreamMessage, "message"},
		{StreamUnknown, "unknown"},
		{StreamType(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.typ.String(); got != tt.want {
			t.Errorf("StreamType(%d).String() = %q, want %q", tt.typ, got, tt.want)
		}
	}
}

func TestPacketKeyframe(t *testing.T) {
	p := Packet{Flags: PacketKeyframe | PacketCorrupt}
	if !p.Keyframe() {
		t.Error("Keyframe() = false, want true")
	}
	p2 := Packet{Flags: PacketCorrupt}
	if p2.Keyframe() {
		t.Error("Keyframe() = true, want false")
	}
}

func TestRationalSeconds(t *testing.T) {
	tests := []struct {
		name  string
		r     Rational
		ticks int64
		want  time.Duration
	}{
		{"90kHz one second", Rational{1, 90000}, 90000, time.Second},
		{"90kHz half second", Rational{1, 90000}, 45000, 500 * time.Millisecond},
		{"zero denominator", Rational{1, 0}, 1000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.r.Seconds(tt.ticks); got != tt.want {
				t.Errorf("Seconds(%d) = %v, want %v", tt.ticks, got, tt.want)
			}
		})
	}
}
