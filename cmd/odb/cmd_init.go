package main

import (
	"fmt"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	"github.com/odvcencio/odb/pkg/config"
	"github.com/odvcencio/odb/pkg/repo"
)

func newInitCmd() *cobra.Command {
	var format, compression string
	var indexVersion int

	cmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Create an empty repository",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "."
			if len(args) == 1 {
				path = args[0]
			}
			cfg := config.Default()
			cfg.Core.ObjectFormat = format
			cfg.Core.Compression = compression
			cfg.Pack.IndexVersion = indexVersion

			r, err := repo.Init(afero.NewOsFs(), path, cfg)
			if err != nil {
				return err
			}
			defer r.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Initialized empty repository in %s\n", r.Dir)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "object-format", "sha256", "object id hash: sha256 or blake3")
	cmd.Flags().StringVar(&compression, "compression", "zlib", "pack entry codec: zlib, zstd or lz4")
	cmd.Flags().IntVar(&indexVersion, "index-version", 2, "pack index version, 1 or 2")
	return cmd
}
