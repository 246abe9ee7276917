package demux

import (
	"context"
	"log/slog"
	"testing"

	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/track"
)

type fakeDemuxer struct{ tbl *track.Table }

func (f *fakeDemuxer) Tracks() *track.Table          { return f.tbl }
func (f *fakeDemuxer) Run(ctx context.Context) error { return nil }

func withRegistry(t *testing.T, fn func()) {
	t.Helper()
	saved := registry
	registry = nil
	t.Cleanup(func() { registry = saved })
	fn()
}

func TestOpenPicksFirstMatchingFormat(t *testing.T) {
	withRegistry(t, func() {
		var created string
		Register(Format{
			Name:  "never",
			Probe: func(input.Source) bool { return false },
			Create: func(context.Context, input.Source, *slog.Logger) (Demuxer, error) {
				created = "never"
				return &fakeDemuxer{tbl: track.NewTable()}, nil
			},
		})
		Register(Format{
			Name:  "always",
			Probe: func(input.Source) bool { return true },
			Create: func(context.Context, input.Source, *slog.Logger) (Demuxer, error) {
				created = "always"
				return &fakeDemuxer{tbl: track.NewTable()}, nil
			},
		})

		d, err := Open(context.Background(), input.FromReader(emptyReader{}), nil)
		if err != nil {
			t.Fatalf("Open: %v", err)
		}
		if created != "always" {
			t.Errorf("created = %q, want %q", created, "always")
		}
		if d == nil {
			t.Fatal("Open returned nil Demuxer")
		}
	})
}

func TestOpenUnknownFormat(t *testing.T) {
	withRegistry(t, func() {
		Register(Format{
			Name:   "never",
			Probe:  func(input.Source) bool { return false },
			Create: func(context.Context, input.Source, *slog.Logger) (Demuxer, error) { return nil, nil },
		})
		_, err := Open(context.Background(), input.FromReader(emptyReader{}), nil)
		if err != ErrUnknownFormat {
			t.Errorf("Open with no matching format: got %v, want ErrUnknownFormat", err)
		}
	})
}

func TestProbeSafelyRecoversPanic(t *testing.T) {
	withRegistry(t, func() {
		f := Format{
			Name:  "panicky",
			Probe: func(input.Source) bool { panic("boom") },
		}
		ok, err := probeSafely(f, input.FromReader(emptyReader{}))
		if ok {
			t.Error("probeSafely should report false after a recovered panic")
		}
		if err == nil {
			t.Error("probeSafely should return the recovered panic as an error")
		}
	})
}

func TestNewContextDefaultsLogger(t *testing.T) {
	ctx := NewContext(nil)
	if ctx.Log == nil {
		t.Error("NewContext(nil) should default to a non-nil logger")
	}
	if ctx.ID == "" {
		t.Error("NewContext should assign a correlation ID")
	}
}

type emptyReader struct{}

func (emptyReader) Read([]byte) (int, error) { return 0, nil }
