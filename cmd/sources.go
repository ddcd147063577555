package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lexbr/norm-harvester/internal/source"
)

// newSourcesCmd creates the 'sources' subcommand listing every
// registered source adapter by name.
func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Lists the registered source adapters",
		Run: func(cmd *cobra.Command, _ []string) {
			for _, name := range source.Names() {
				fmt.Fprintln(cmd.OutOrStdout(), name)
			}
		},
	}
}
