package track

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/vellumav/demuxcore/media"
)

// Sink consumes one track's packets until the track closes or ctx is done.
type Sink func(ctx context.Context, tr *Track, p *media.Packet) error

// Pump runs sink concurrently over every track in the table and waits for
// all of them to drain, the way the teacher's pipeline forwards video,
// audio, and caption channels to a relay concurrently. The first sink error
// cancels the group and is returned; a nil sink error on track close ends
// that goroutine cleanly.
func Pump(ctx context.Context, tbl *Table, sink Sink) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, tr := range tbl.All() {
		tr := tr
		g.Go(func() error {
			for {
				select {
				case p, ok := <-tr.Packets():
					if !ok {
						return nil
					}
					if err := sink(ctx, tr, p); err != nil {
						return err
					}
				case <-tr.Done():
					// Drain whatever is already buffered before returning.
					for {
						select {
						case p, ok := <-tr.Packets():
							if !ok {
								return nil
							}
							if err := sink(ctx, tr, p); err != nil {
								return err
							}
						default:
							return nil
						}
					}
				case <-ctx.Done():
					return ctx.Err()
				}
			}
		})
	}

	return g.Wait()
}
