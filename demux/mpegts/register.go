package mpegts

import (
	"context"
	"log/slog"

	"github.com/vellumav/demuxcore/demux"
	"github.com/vellumav/demuxcore/input"
)

func init() {
	demux.Register(demux.Format{
		Name:   "mpegts",
		Kind:   demux.KindSync,
		Probe:  Probe,
		Create: create,
	})
}

// probeScanWindow bounds the fallback scan Probe falls back to when a TS
// stream doesn't start at offset 0 (a capture with a leading junk prefix,
// or a stream nested inside another container's payload).
const probeScanWindow = 32 * 1024

// checkPackets is how many consecutive 188-byte packets must share sync-byte
// alignment before Probe trusts a candidate offset, avoiding a false
// positive on a single stray 0x47 byte.
const checkPackets = 4

// Probe reports whether src begins with a run of sync-byte-aligned 188-byte
// TS packets. It first checks offset 0 cheaply, then falls back to scanning
// every offset within probeScanWindow for the same run, since some captures
// carry a non-TS prefix (PAT/PMT-less tuner framing, a stray container
// header) before the actual packet stream starts.
func Probe(src input.Source) bool {
	buf, err := src.Peek(probeScanWindow)
	if err != nil && len(buf) == 0 {
		return false
	}
	if len(buf) < packetSize {
		return false
	}
	if syncRunAt(buf, 0) {
		return true
	}
	for off := 1; off+checkPackets*packetSize <= len(buf); off++ {
		if syncRunAt(buf, off) {
			return true
		}
	}
	return false
}

func syncRunAt(buf []byte, off int) bool {
	if off+checkPackets*packetSize > len(buf) {
		return false
	}
	for i := 0; i < checkPackets; i++ {
		if buf[off+i*packetSize] != syncByte {
			return false
		}
	}
	return true
}

func create(ctx context.Context, src input.Source, log *slog.Logger) (demux.Demuxer, error) {
	return NewStreamDemuxer(ctx, src, log), nil
}

var _ demux.Demuxer = (*StreamDemuxer)(nil)
