package cli

import (
	"encoding/json"
	"fmt"
	"runtime"

	"github.com/spf13/cobra"
)

// buildInfo collects the ldflags-injected build identity plus the runtime
// environment, shared by the text and JSON outputs.
func buildInfo(version, commit, date string) map[string]string {
	return map[string]string{
		"version":    version,
		"commit":     commit,
		"built":      date,
		"go_version": runtime.Version(),
		"os":         runtime.GOOS,
		"arch":       runtime.GOARCH,
	}
}

func newVersionCmd(version, commit, date string) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildInfo(version, commit, date)

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(info)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "raggate %s (commit %s, built %s)\n", info["version"], info["commit"], info["built"])
			fmt.Fprintf(out, "  %s on %s/%s\n", info["go_version"], info["os"], info["arch"])
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version info as JSON")

	return cmd
}
