// Command engagepipe runs the EngagePipe re-engagement service and its
// operator commands.
package main

import (
	"os"

	"github.com/BTreeMap/EngagePipe/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
