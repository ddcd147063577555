package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "harvester",
		Short: "A resumable crawler for Brazilian legal-norm portals.",
		Long: `harvester walks government legislation portals year by year, converts
every norm it finds to markdown and writes one JSON record per document.
Runs are resumable: the newest year directory under the save dir decides
where the next run picks up.`,

		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (environment variables apply either way)")

	cmd.AddCommand(newRunCmd())
	cmd.AddCommand(newSourcesCmd())

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
