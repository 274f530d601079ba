package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/refs"
	"github.com/odvcencio/odb/pkg/revwalk"
)

func newUpdateRefCmd() *cobra.Command {
	var oldValue string
	var del bool

	cmd := &cobra.Command{
		Use:   "update-ref <ref> [<object>]",
		Short: "Point a ref at an object, or delete it",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			name := args[0]
			if del {
				if len(args) != 1 {
					return fmt.Errorf("update-ref -d takes only the ref name")
				}
				return r.Refs.Delete(name)
			}
			if len(args) != 2 {
				return fmt.Errorf("update-ref: missing object")
			}
			reader := r.DB.NewReader()
			defer reader.Close()
			id, err := resolveRevision(r, reader, args[1])
			if err != nil {
				return err
			}
			if !reader.Has(id) {
				return fmt.Errorf("update-ref %s: %s: %w", name, id, object.ErrNotFound)
			}
			if oldValue == "" {
				return r.Refs.Update(name, id)
			}
			old := object.ZeroID
			if oldValue != "0" {
				if old, err = object.ParseID(oldValue); err != nil {
					return err
				}
			}
			return r.Refs.UpdateCAS(name, id, &old)
		},
	}
	cmd.Flags().StringVar(&oldValue, "old", "", "only update when the ref holds this id; \"0\" requires it to be absent")
	cmd.Flags().BoolVarP(&del, "delete", "d", false, "delete the ref")
	return cmd
}

func newBranchCmd() *cobra.Command {
	var contains string

	cmd := &cobra.Command{
		Use:   "branch",
		Short: "List branches, optionally only those containing a commit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			heads, err := r.Refs.List(refs.HeadsPrefix)
			if err != nil {
				return err
			}
			if contains != "" {
				reader := r.DB.NewReader()
				defer reader.Close()
				id, err := resolveRevision(r, reader, contains)
				if err != nil {
					return err
				}
				w := revwalk.New(reader)
				defer w.Close()
				w.UseCommitGraph(r.Config.Core.CommitGraph)
				c, err := w.ParseCommit(id)
				if err != nil {
					return err
				}
				if heads, err = w.MergedInto(c, heads); err != nil {
					return err
				}
			}

			current, _ := r.Refs.Symbolic(refs.Head)
			out := cmd.OutOrStdout()
			for _, h := range heads {
				marker := " "
				if h.Name == current {
					marker = "*"
				}
				fmt.Fprintf(out, "%s %s %s\n", marker, strings.TrimPrefix(h.Name, refs.HeadsPrefix), shortID(h.ID))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&contains, "contains", "", "only branches whose history includes this commit")
	return cmd
}
