package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	root := &cobra.Command{
		Use:          "odb",
		Short:        "Pack-based object database with reachability-aware garbage collection",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level from the repository config")

	root.AddCommand(newVersionCmd())
	root.AddCommand(newInitCmd())
	root.AddCommand(newHashObjectCmd())
	root.AddCommand(newCatFileCmd())
	root.AddCommand(newHasCmd())
	root.AddCommand(newResolveCmd())
	root.AddCommand(newMktreeCmd())
	root.AddCommand(newCommitTreeCmd())
	root.AddCommand(newUpdateRefCmd())
	root.AddCommand(newBranchCmd())
	root.AddCommand(newLogCmd())
	root.AddCommand(newMergeBaseCmd())
	root.AddCommand(newGcCmd())
	root.AddCommand(newCompactCmd())
	root.AddCommand(newCountObjectsCmd())
	root.AddCommand(newListPacksCmd())
	root.AddCommand(newShowIndexCmd())
	root.AddCommand(newKeepCmd())
	root.AddCommand(newUnkeepCmd())
	root.AddCommand(newCommitGraphCmd())
	root.AddCommand(newVerifyCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "odb 0.1.0-dev")
		},
	}
}
