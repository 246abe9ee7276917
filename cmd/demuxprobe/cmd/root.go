// Package cmd implements the demuxprobe CLI commands.
package cmd

import (
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	// Registering every container format's Probe/Create with the demux
	// registry is a side effect of importing it; demuxprobe wants all of
	// them available regardless of which subcommand runs.
	_ "github.com/vellumav/demuxcore/demux/aiff"
	_ "github.com/vellumav/demuxcore/demux/avi"
	_ "github.com/vellumav/demuxcore/demux/flv"
	_ "github.com/vellumav/demuxcore/demux/isobmff"
	_ "github.com/vellumav/demuxcore/demux/matroska"
	_ "github.com/vellumav/demuxcore/demux/mpegaudio"
	_ "github.com/vellumav/demuxcore/demux/mpegps"
	_ "github.com/vellumav/demuxcore/demux/mpegts"
	_ "github.com/vellumav/demuxcore/demux/ogg"
	_ "github.com/vellumav/demuxcore/demux/wav"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "demuxprobe",
	Short: "Probe a media file and print its track table",
	Long: `demuxprobe opens a local file, detects its container format, and
prints the tracks it discovers. It is a thin wrapper around the demuxcore
packages, not part of their public API.`,
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		return initLogging()
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
}

func initLogging() error {
	level := slog.LevelInfo
	switch strings.ToLower(logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
	return nil
}

