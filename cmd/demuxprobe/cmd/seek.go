package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/vellumav/demuxcore/demux"
	"github.com/vellumav/demuxcore/input"
	"github.com/vellumav/demuxcore/seek"
)

var seekNoCache bool

var seekCmd = &cobra.Command{
	Use:   "seek <file> <seconds>",
	Short: "Build (or load) a superindex and seek to a target time",
	Args:  cobra.ExactArgs(2),
	RunE:  runSeek,
}

func init() {
	seekCmd.Flags().BoolVar(&seekNoCache, "no-cache", false, "ignore and don't write the on-disk superindex cache")
	rootCmd.AddCommand(seekCmd)
}

func runSeek(cmd *cobra.Command, args []string) error {
	path := args[0]
	var seconds float64
	if _, err := fmt.Sscanf(args[1], "%f", &seconds); err != nil {
		return fmt.Errorf("invalid seconds %q: %w", args[1], err)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	src := input.FromReader(f)
	ctx := context.Background()

	key := seek.CacheKey(path, src.Size())
	var index *seek.SuperIndex
	if !seekNoCache {
		index, err = seek.LoadIndexCache(key)
		if err != nil {
			return fmt.Errorf("load cache: %w", err)
		}
	}
	if index == nil {
		index, err = seek.BuildIndex(ctx, src, nil)
		if err != nil {
			return fmt.Errorf("build index: %w", err)
		}
		if !seekNoCache {
			if err := seek.SaveIndexCache(key, index); err != nil {
				fmt.Fprintf(os.Stderr, "warning: could not save index cache: %v\n", err)
			}
		}
		if _, err := f.Seek(0, io.SeekStart); err != nil {
			return err
		}
		src = input.FromReader(f)
	}

	dmx, err := demux.Open(ctx, src, nil)
	if err != nil {
		return fmt.Errorf("open: %w", err)
	}

	eng := seek.NewEngine(src, dmx, index, nil)
	target := time.Duration(seconds * float64(time.Second))
	if err := eng.Seek(ctx, target); err != nil {
		return fmt.Errorf("seek: %w", err)
	}

	fmt.Printf("seeked to %s\n", target)
	return nil
}
