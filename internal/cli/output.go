package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

// render writes v as indented JSON, or the text produced by text.
func render(cmd *cobra.Command, format string, v any, text func() string) error {
	out := cmd.OutOrStdout()
	if format == FormatJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	_, err := fmt.Fprint(out, text())
	return err
}
