// Command demuxprobe opens a media file, prints its discovered tracks, and
// optionally walks its packets to report basic stream statistics.
package main

import (
	"fmt"
	"os"

	"github.com/vellumav/demuxcore/cmd/demuxprobe/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
