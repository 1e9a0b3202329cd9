package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/drew-sinha/rpc-scope/internal/cli"
)

const version = "0.4.0"

func main() {
	rootCmd := &cobra.Command{
		Use:     "scope",
		Short:   "Timecourse acquisition for automated microscopes",
		Version: version,
		Long: `scope acquires timepoints of a multi-position timecourse experiment:
autofocus, multi-channel imaging, revisits within a timepoint, and a
heartbeat watched by an external watchdog.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(cli.InitCmd())
	rootCmd.AddCommand(cli.RunCmd())
	rootCmd.AddCommand(cli.StatusCmd())
	rootCmd.AddCommand(cli.OverrideCmd())
	rootCmd.AddCommand(cli.WatchdogCmd())
	rootCmd.AddCommand(cli.NextRunCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
