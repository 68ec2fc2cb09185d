package cmd

import (
	"fmt"
	"runtime"

	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/spf13/cobra"
)

var versionJSON bool

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	// Version must work without a valid configuration.
	PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
	RunE:              runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
	versionCmd.Flags().BoolVar(&versionJSON, "json", false, "Output as JSON")
}

func runVersion(cmd *cobra.Command, _ []string) error {
	v := crucible.GetVersion()
	out := cmd.OutOrStdout()
	if versionJSON {
		return writeJSON(out, map[string]string{
			"version":          versionInfo.Version,
			"commit":           versionInfo.Commit,
			"build_date":       versionInfo.BuildDate,
			"go_version":       runtime.Version(),
			"crucible_version": v.Crucible,
			"gofulmen_version": v.Gofulmen,
		})
	}
	_, _ = fmt.Fprintf(out, "jobvault %s\n", versionInfo.Version)
	_, _ = fmt.Fprintf(out, "commit=%s\n", versionInfo.Commit)
	_, _ = fmt.Fprintf(out, "build_date=%s\n", versionInfo.BuildDate)
	_, _ = fmt.Fprintf(out, "go=%s %s/%s\n", runtime.Version(), runtime.GOOS, runtime.GOARCH)
	if v.Crucible != "" {
		_, _ = fmt.Fprintf(out, "crucible=%s\n", v.Crucible)
	}
	if v.Gofulmen != "" {
		_, _ = fmt.Fprintf(out, "gofulmen=%s\n", v.Gofulmen)
	}
	return nil
}
