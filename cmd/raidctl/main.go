// Command raidctl drives a RAID array described by a YAML config: it reads
// and writes the array, rebuilds failed members, inspects and replays the
// parity log, and serves metrics.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "raidctl:", err)
		os.Exit(1)
	}
}
