package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/odb/pkg/storage"
)

func newListPacksCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list-packs",
		Short: "List published packs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			out := cmd.OutOrStdout()
			for _, p := range r.DB.ListPacks() {
				d := p.Description()
				kept := ""
				if p.IsKept() {
					kept = " kept"
				}
				fmt.Fprintf(
					out,
					"%s %-20s %6d object(s) %10d byte(s) %s%s\n",
					p.Name(),
					p.Source(),
					d.ObjectCount,
					d.TotalSize(),
					time.Unix(0, d.Created).UTC().Format(time.RFC3339),
					kept,
				)
			}
			return nil
		},
	}
}

func newShowIndexCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show-index <pack>",
		Short: "Print the entries of a pack index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			p, err := r.DB.FindPack(args[0])
			if err != nil {
				return err
			}
			idx := p.Index()
			out := cmd.OutOrStdout()
			cur := idx.Cursor()
			for cur.Next() {
				e := cur.Entry()
				if idx.HasCRC32() {
					fmt.Fprintf(out, "%d %s (%08x)\n", e.Offset, e.ID, e.CRC32)
				} else {
					fmt.Fprintf(out, "%d %s\n", e.Offset, e.ID)
				}
			}
			return nil
		},
	}
}

func newKeepCmd() *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "keep <pack>",
		Short: "Protect a pack from being rewritten by gc and compact",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPack(args[0], func(db *storage.ObjectDatabase) error {
				if err := db.Keep(args[0], reason); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "kept %s\n", args[0])
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&reason, "reason", "m", "", "text stored in the keep marker")
	return cmd
}

func newUnkeepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unkeep <pack>",
		Short: "Remove a pack's keep marker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withPack(args[0], func(db *storage.ObjectDatabase) error {
				if err := db.Unkeep(args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "unkept %s\n", args[0])
				return nil
			})
		},
	}
}

func withPack(name string, fn func(*storage.ObjectDatabase) error) error {
	r, err := openRepo()
	if err != nil {
		return err
	}
	defer r.Close()
	if _, err := r.DB.FindPack(name); err != nil {
		return err
	}
	return fn(r.DB)
}
