package cmd

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/vellumav/demuxcore/demux"
	"github.com/vellumav/demuxcore/input"
)

var probeStats bool

var probeCmd = &cobra.Command{
	Use:   "probe <file>",
	Short: "Detect a file's container format and print its tracks",
	Args:  cobra.ExactArgs(1),
	RunE:  runProbe,
}

func init() {
	probeCmd.Flags().BoolVar(&probeStats, "stats", false, "demux the whole file and print packet/keyframe counts")
	rootCmd.AddCommand(probeCmd)
}

func runProbe(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	src := input.FromReader(f)
	ctx := context.Background()
	dctx := demux.NewContext(nil)

	dmx, err := demux.Open(ctx, src, dctx)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}

	fmt.Printf("demux_id: %s\n", dctx.ID)
	for _, tr := range dmx.Tracks().All() {
		fmt.Printf("track %d: type=%s codec=%s timebase=%d/%d\n",
			tr.Index, tr.Type, tr.Info.Codec, tr.TimeBase.Num, tr.TimeBase.Den)
	}

	if !probeStats {
		return nil
	}

	// Formats that discover tracks up front (wav, avi, flv, mpegps,
	// mpegaudio) already have a full track list here; formats that
	// discover tracks as they stream (mpegts' PMT, ogg's BOS pages) may add
	// more after Run starts. Those late tracks would never get drained and
	// could stall the demuxer on a full buffer; --stats is a best-effort
	// diagnostic, not a general-purpose player loop, so this is accepted
	// rather than worked around.
	runErr := make(chan error, 1)
	go func() { runErr <- dmx.Run(ctx) }()
	for _, tr := range dmx.Tracks().All() {
		go func() {
			for {
				select {
				case <-tr.Packets():
				case <-tr.Done():
					return
				}
			}
		}()
	}
	if err := <-runErr; err != nil {
		return fmt.Errorf("run: %w", err)
	}

	for _, tr := range dmx.Tracks().All() {
		s := tr.Stats()
		fmt.Printf("track %d: packets=%d bytes=%d keyframes=%d jitter=%.2f\n",
			tr.Index, s.PacketCount, s.ByteCount, s.KeyframeCount, s.DurationJitter)
	}
	return nil
}
