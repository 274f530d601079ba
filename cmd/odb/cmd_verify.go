package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/odb/pkg/commitgraph"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/refs"
)

func newVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Verify packed object integrity",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			report, err := r.DB.Verify()
			if err != nil {
				return err
			}

			fmt.Fprintf(
				cmd.OutOrStdout(),
				"ok: verified %d pack file(s), %d packed object(s), %d kept\n",
				report.PackFiles,
				report.PackObjects,
				report.KeptPacks,
			)
			return nil
		},
	}
}

func newCommitGraphCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "commit-graph",
		Short: "Write or verify the commit graph",
	}
	cmd.AddCommand(newCommitGraphWriteCmd())
	cmd.AddCommand(newCommitGraphVerifyCmd())
	return cmd
}

func newCommitGraphWriteCmd() *cobra.Command {
	var changedPaths bool

	cmd := &cobra.Command{
		Use:   "write",
		Short: "Write a commit graph covering every commit reachable from refs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			reader := r.DB.NewReader()
			defer reader.Close()

			all, err := r.Refs.List("refs/")
			if err != nil {
				return err
			}
			tips := make([]object.ID, 0, len(all))
			for _, ref := range all {
				tips = append(tips, ref.ID)
			}
			if head, err := r.Refs.Resolve(refs.Head); err == nil {
				tips = append(tips, head)
			}

			if !cmd.Flags().Changed("changed-paths") {
				changedPaths = r.Config.GC.WriteChangedPaths
			}
			g, err := commitgraph.Build(reader, object.UniqueSortedIDs(tips), commitgraph.BuildOptions{
				Format:       r.DB.Format(),
				ChangedPaths: changedPaths,
			})
			if err != nil {
				return err
			}
			if err := r.DB.WriteCommitGraph(g); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote commit graph with %d commit(s)\n", g.CommitCount())
			return nil
		},
	}
	cmd.Flags().BoolVar(&changedPaths, "changed-paths", false, "store changed-path filters, overriding gc.writeChangedPaths")
	return cmd
}

func newCommitGraphVerifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify",
		Short: "Check the commit graph against object data",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()
			reader := r.DB.NewReader()
			defer reader.Close()

			g, err := r.DB.CommitGraph()
			if err != nil {
				return err
			}
			if err := commitgraph.Verify(g, reader); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "ok: commit graph holds %d commit(s)\n", g.CommitCount())
			return nil
		},
	}
}
