package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Set via -ldflags at build time.
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildDate = "unknown"
)

// VersionString returns a formatted version for the health endpoint.
func VersionString() string {
	return fmt.Sprintf("%s (%s)", Version, Commit)
}

func NewVersionCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := map[string]string{
				"version":    Version,
				"commit":     Commit,
				"build_date": BuildDate,
			}
			return render(cmd, opts.Format, info, func() string {
				return fmt.Sprintf("engagepipe %s (commit: %s, built: %s)\n", Version, Commit, BuildDate)
			})
		},
	}
}
