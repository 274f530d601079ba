package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/odb/pkg/gc"
)

func newGcCmd() *cobra.Command {
	var packKept bool

	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Repack objects by reachability from refs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			var override *bool
			if cmd.Flags().Changed("pack-kept-objects") {
				override = &packKept
			}
			res, err := r.GC(cmd.Context(), override)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if len(res.Packs) == 0 {
				fmt.Fprintln(out, "nothing to pack")
				return nil
			}
			fmt.Fprintf(
				out,
				"packed %d head, %d other and %d unreachable object(s) into %d pack(s), replacing %d\n",
				res.HeadObjects,
				res.RestObjects,
				res.GarbageObjects,
				len(res.Packs),
				len(res.Replaced),
			)
			if res.DroppedObjects > 0 {
				fmt.Fprintf(out, "dropped %d expired unreachable object(s)\n", res.DroppedObjects)
			}
			if res.Deltas > 0 {
				fmt.Fprintf(out, "stored %d object(s) as deltas\n", res.Deltas)
			}
			if res.GraphCommits > 0 {
				fmt.Fprintf(out, "wrote commit graph with %d commit(s)\n", res.GraphCommits)
			}
			if res.Bitmaps > 0 {
				fmt.Fprintf(out, "wrote %d reachability bitmap(s)\n", res.Bitmaps)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&packKept, "pack-kept-objects", false, "copy objects from kept packs into the new packs, overriding pack.packKeptObjects")
	return cmd
}

func newCompactCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "compact",
		Short: "Merge small insert and receive packs without a reachability pass",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			res, err := r.Compact(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if res.Pack == nil {
				fmt.Fprintln(out, "nothing to compact")
				return nil
			}
			fmt.Fprintf(
				out,
				"compacted %d pack(s) into %s: %d object(s), %d duplicate(s) dropped\n",
				len(res.Replaced),
				res.Pack.Name(),
				res.Objects,
				res.Duplicates,
			)
			return nil
		},
	}
}

func newCountObjectsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "count-objects",
		Short: "Summarize the published packs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := openRepo()
			if err != nil {
				return err
			}
			defer r.Close()

			s, err := gc.Stats(r.DB)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "packs: %d\n", s.PackFiles)
			fmt.Fprintf(out, "packed-objects: %d\n", s.PackedObjects)
			fmt.Fprintf(out, "kept-packs: %d\n", s.KeptPacks)
			fmt.Fprintf(out, "bitmaps: %d\n", s.Bitmaps)
			fmt.Fprintf(out, "garbage-packs: %d\n", s.GarbagePacks)
			fmt.Fprintf(out, "garbage-objects: %d\n", s.GarbageObjects)
			return nil
		},
	}
}
