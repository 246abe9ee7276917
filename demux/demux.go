// Package demux defines the generic container-demuxer contract every
// format package (mpegts, isobmff, avi, flv, mpegps, mpegaudio, ogg, wav)
// implements, plus the format registry and probe logic that picks one of
// them for an arbitrary input.Source. It generalizes the single-format
// constructor the teacher's internal/demux package builds directly around
// MPEG-TS into a pluggable-format framework.
package demux

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"

	"github.com/google/uuid"

	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/track"
)

// Demuxer is implemented by every container format package. Run drives the
// demux loop until EOF, error, or context cancellation, delivering packets
// to the tracks reachable from Tracks().
type Demuxer interface {
	// Tracks returns the track table. It may be sparsely populated until
	// Run has processed enough of the stream to discover every track
	// (e.g. an MPEG-TS PMT can arrive anywhere in the stream).
	Tracks() *track.Table
	// Run pulls from the underlying source until EOF or ctx is done,
	// closing every track before returning.
	Run(ctx context.Context) error
}

// Factory constructs a Demuxer for a container format already confirmed by
// Probe, reading from src.
type Factory func(ctx context.Context, src input.Source, log *slog.Logger) (Demuxer, error)

// Prober reports whether the bytes at the current read position (peeked,
// never consumed) look like this format's framing.
type Prober func(src input.Source) bool

// Kind classifies how trustworthy a format's Probe result is, which
// controls probing order independent of package import/registration order.
type Kind int

const (
	// KindSignature is the default: the format has a fixed leading magic
	// (RIFF/WAVE, RIFF/AVI, FORM/AIFF, ftyp/moov, EBML, OggS, "FLV") that
	// essentially never collides with another format's.
	KindSignature Kind = iota
	// KindSync marks formats detected by a repeating sync byte or a start
	// code that can, in principle, occur by coincidence in another
	// format's payload (TS 0x47 alignment, PES pack headers, raw MPEG
	// audio frame sync). These probe after every KindSignature format so
	// a signature match always wins a tie.
	KindSync
)

// Format bundles a container format's name, prober, and factory.
type Format struct {
	Name   string
	Kind   Kind
	Probe  Prober
	Create Factory
}

var registry []Format

// Register adds a format to the global registry. Probing order is
// KindSignature formats first, then KindSync, each group in registration
// order; this is independent of the order packages happen to be
// blank-imported in, since Go doesn't guarantee that order across
// different import paths.
func Register(f Format) {
	registry = append(registry, f)
	sort.SliceStable(registry, func(i, j int) bool { return registry[i].Kind < registry[j].Kind })
}

// ErrUnknownFormat is returned by Open when no registered format's Probe
// matches the source.
var ErrUnknownFormat = fmt.Errorf("demux: unrecognized container format")

// Context carries per-open state shared by a Demuxer and its caller: a
// correlation ID for log/trace joins, and the logger every format package
// should derive its own component logger from.
type Context struct {
	// ID uniquely identifies one Open call, suitable for joining logs
	// across concurrent demuxes of different inputs.
	ID  string
	Log *slog.Logger
}

// NewContext creates a Context with a fresh correlation ID.
func NewContext(log *slog.Logger) *Context {
	if log == nil {
		log = slog.Default()
	}
	id := uuid.NewString()
	return &Context{ID: id, Log: log.With("demux_id", id)}
}

// Open probes src against every registered format in order and constructs
// a Demuxer for the first match.
func Open(ctx context.Context, src input.Source, dctx *Context) (Demuxer, error) {
	if dctx == nil {
		dctx = NewContext(nil)
	}
	for _, f := range registry {
		ok, err := probeSafely(f, src)
		if err != nil {
			dctx.Log.Debug("probe failed", "format", f.Name, "err", err)
			continue
		}
		if !ok {
			continue
		}
		dctx.Log.Info("format detected", "format", f.Name)
		return f.Create(ctx, src, dctx.Log.With("format", f.Name))
	}
	return nil, ErrUnknownFormat
}

// probeSafely runs a Prober, recovering from panics so one broken format
// detector can't take down probing for every other format.
func probeSafely(f Format, src input.Source) (ok bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("demux: format %q probe panicked: %v", f.Name, r)
		}
	}()
	return f.Probe(src), nil
}

// OpenReader is a convenience wrapper around Open for callers that only
// have an io.Reader, not a seekable input.Source.
func OpenReader(ctx context.Context, r io.Reader, dctx *Context) (Demuxer, error) {
	return Open(ctx, input.FromReader(r), dctx)
}
