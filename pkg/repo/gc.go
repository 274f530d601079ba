package repo

import (
	"context"

	"github.com/odvcencio/odb/pkg/gc"
)

// Collector returns a garbage collector configured from the settings file.
// A non-nil packKept overrides pack.packKeptObjects for this collector.
func (r *Repo) Collector(packKept *bool) (*gc.Collector, error) {
	opts, err := r.Config.GCOptions()
	if err != nil {
		return nil, err
	}
	opts.Logger = r.Log
	c := gc.New(r.DB, r.Refs, opts)
	if packKept != nil {
		c.SetPackKeptObjects(*packKept)
	}
	return c, nil
}

// GC repacks the repository by reachability from its refs.
func (r *Repo) GC(ctx context.Context, packKept *bool) (*gc.Result, error) {
	c, err := r.Collector(packKept)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx)
}

// Compact merges small insert and receive packs.
func (r *Repo) Compact(ctx context.Context) (*gc.CompactResult, error) {
	opts := r.Config.CompactOptions()
	opts.Logger = r.Log
	return gc.NewCompactor(r.DB, opts).Compact(ctx)
}
