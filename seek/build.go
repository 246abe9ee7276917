package seek

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/vellumav/demuxcore/demux"
	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/media"
)

// countingSource wraps an input.Source, tracking how many bytes have been
// consumed through Read so BuildIndex can approximate each packet's file
// position. Demuxers read ahead of what they've delivered as packets, so
// the recorded position is an upper bound on a packet's true offset, not
// exact — good enough for bisection and keyframe-before queries, which
// only need a position in the right neighborhood.
type countingSource struct {
	input.Source
	pos int64
}

func (c *countingSource) Read(p []byte) (int, error) {
	n, err := c.Source.Read(p)
	c.pos += int64(n)
	return n, err
}

// BuildIndex demuxes src from its current position to EOF, recording one
// SuperIndex entry per packet per track. It fans the per-track packet
// drains out across goroutines (golang.org/x/sync/errgroup) so a slow
// consumer on one track doesn't stall index construction on the others,
// mirroring the teacher's own errgroup-fan-out idiom.
func BuildIndex(ctx context.Context, src input.Source, log *slog.Logger) (*SuperIndex, error) {
	if log == nil {
		log = slog.Default()
	}
	cs := &countingSource{Source: src}
	dmx, err := demux.Open(ctx, cs, demux.NewContext(log))
	if err != nil {
		return nil, err
	}

	si := NewSuperIndex()
	g, gctx := errgroup.WithContext(ctx)
	for _, tr := range dmx.Tracks().All() {
		tr := tr
		g.Go(func() error {
			for {
				select {
				case <-gctx.Done():
					return gctx.Err()
				case pkt := <-tr.Packets():
					si.Add(Entry{
						StreamIndex: tr.Index,
						Position:    cs.pos,
						PTS:         pkt.PTS,
						DTS:         pkt.DTS,
						Duration:    pkt.Duration,
						Keyframe:    pkt.Flags&media.PacketKeyframe != 0,
					})
				case <-tr.Done():
					// Drain whatever is already buffered before returning.
					for {
						select {
						case pkt := <-tr.Packets():
							si.Add(Entry{
								StreamIndex: tr.Index,
								Position:    cs.pos,
								PTS:         pkt.PTS,
								DTS:         pkt.DTS,
								Duration:    pkt.Duration,
								Keyframe:    pkt.Flags&media.PacketKeyframe != 0,
							})
						default:
							return nil
						}
					}
				}
			}
		})
	}
	g.Go(func() error { return dmx.Run(gctx) })

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return si, nil
}
