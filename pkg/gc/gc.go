// Package gc repacks an object database by reachability. Objects reachable
// from branch heads go into one pack, objects reachable only from other refs
// into a second, and everything else from the rewritten packs into a pack
// tagged as unreachable garbage. Kept packs are never rewritten.
package gc

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/odvcencio/odb/pkg/bitmap"
	"github.com/odvcencio/odb/pkg/commitgraph"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/refs"
	"github.com/odvcencio/odb/pkg/storage"
)

// State is a phase of a collection.
type State int

const (
	StateIdle State = iota
	StateComputeReachability
	StateRepack
	StateCommitGraph
	StateBitmaps
	StateFinalize
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateComputeReachability:
		return "compute-reachability"
	case StateRepack:
		return "repack"
	case StateCommitGraph:
		return "commit-graph"
	case StateBitmaps:
		return "bitmaps"
	case StateFinalize:
		return "finalize"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Options configures a Collector. Start from DefaultOptions.
type Options struct {
	// BuildBitmaps writes a bitmap index for the branch-head pack. It also
	// decides whether kept objects are repacked when PackKeptObjects is
	// unset.
	BuildBitmaps bool
	// PackKeptObjects is the persisted pack-kept-objects setting; nil means
	// unset.
	PackKeptObjects *bool
	// WriteCommitGraph rebuilds the commit graph from every ref.
	WriteCommitGraph bool
	// WriteChangedPaths adds changed-path filters to the graph.
	WriteChangedPaths bool
	// DeltaCompression stores blobs as deltas against the newer version of
	// the same path when that is smaller.
	DeltaCompression bool
	// GarbageTTL drops unreachable objects from garbage packs older than
	// this. Zero keeps garbage indefinitely.
	GarbageTTL time.Duration
	Logger     logrus.FieldLogger
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		BuildBitmaps:     true,
		WriteCommitGraph: true,
	}
}

// Result describes one completed collection.
type Result struct {
	Phases []State
	// Packs are the published outputs: at most one each of gc, gc-rest and
	// garbage, in that order.
	Packs []*storage.Pack
	// Replaced names the packs the outputs superseded.
	Replaced []string

	HeadObjects    int
	RestObjects    int
	GarbageObjects int
	// DroppedObjects were expired garbage and are gone.
	DroppedObjects int
	Deltas         int
	GraphCommits   int
	Bitmaps        int
}

// Collector runs collections against one database. Runs are serialized.
type Collector struct {
	db   *storage.ObjectDatabase
	refs refs.Database
	opts Options
	log  logrus.FieldLogger

	// mu serializes runs; state is readable while one is in progress.
	mu       sync.Mutex
	state    atomic.Int32
	override atomic.Pointer[bool]
	now      func() time.Time
}

// New returns a collector for db whose roots come from refDB.
func New(db *storage.ObjectDatabase, refDB refs.Database, opts Options) *Collector {
	log := opts.Logger
	if log == nil {
		log = db.Logger()
	}
	return &Collector{
		db:   db,
		refs: refDB,
		opts: opts,
		log:  log.WithField("component", "gc"),
		now:  time.Now,
	}
}

// SetPackKeptObjects overrides the persisted setting for this collector.
// The override wins in either direction.
func (c *Collector) SetPackKeptObjects(v bool) {
	c.override.Store(&v)
}

// PackKeptObjects reports whether objects of kept packs are copied into
// the new packs: the override if set, else the persisted setting if set,
// else BuildBitmaps.
func (c *Collector) PackKeptObjects() bool {
	if v := c.override.Load(); v != nil {
		return *v
	}
	if c.opts.PackKeptObjects != nil {
		return *c.opts.PackKeptObjects
	}
	return c.opts.BuildBitmaps
}

// State returns the phase of the collection in progress, or StateIdle.
func (c *Collector) State() State {
	return State(c.state.Load())
}

func (c *Collector) enter(res *Result, s State) {
	c.state.Store(int32(s))
	if s != StateIdle {
		res.Phases = append(res.Phases, s)
	}
	c.log.WithField("state", s).Debug("gc phase")
}

// Run performs one collection. On failure or cancellation the pack list is
// left as it was and any pack written so far is discarded.
func (c *Collector) Run(ctx context.Context) (res *Result, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	res = &Result{}
	defer c.enter(res, StateIdle)

	reader := c.db.NewReader()
	defer func() {
		if cerr := reader.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	c.enter(res, StateComputeReachability)
	roots, err := c.roots()
	if err != nil {
		return nil, err
	}
	snapshot := reader.Packs()
	var kept, replaced []*storage.Pack
	for _, p := range snapshot {
		if p.IsKept() {
			kept = append(kept, p)
		} else {
			replaced = append(replaced, p)
		}
	}
	packKept := c.PackKeptObjects()
	skip := func(id object.ID) bool {
		if packKept {
			return false
		}
		for _, p := range kept {
			if p.Contains(id) {
				return true
			}
		}
		return false
	}

	lister := newObjectLister(reader)
	heads, err := lister.list(ctx, roots.heads)
	if err != nil {
		return nil, fmt.Errorf("gc: heads: %w", err)
	}
	rest, err := lister.list(ctx, roots.other)
	if err != nil {
		return nil, fmt.Errorf("gc: other refs: %w", err)
	}
	garbage, dropped := c.garbage(replaced, lister.seen)
	res.DroppedObjects = dropped
	heads, rest, garbage = without(heads, skip), without(rest, skip), without(garbage, func(id object.ID) bool {
		for _, p := range kept {
			if p.Contains(id) {
				return true
			}
		}
		return false
	})

	c.enter(res, StateRepack)
	var outputs []*storage.Pack
	defer func() {
		if err == nil {
			return
		}
		for _, p := range outputs {
			if derr := c.db.Discard(p); derr != nil {
				err = multierror.Append(err, derr)
			}
		}
	}()
	var headPack *storage.Pack
	for _, out := range []struct {
		source  storage.PackSource
		objects []packObject
		count   *int
	}{
		{storage.SourceGC, heads, &res.HeadObjects},
		{storage.SourceGCRest, rest, &res.RestObjects},
		{storage.SourceUnreachableGarbage, garbage, &res.GarbageObjects},
	} {
		if len(out.objects) == 0 {
			continue
		}
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		p, deltas, err := c.writePack(reader, out.source, out.objects)
		if err != nil {
			return nil, fmt.Errorf("gc: write %s pack: %w", out.source, err)
		}
		outputs = append(outputs, p)
		*out.count = len(out.objects)
		res.Deltas += deltas
		if out.source == storage.SourceGC {
			headPack = p
		}
	}

	if c.opts.WriteCommitGraph {
		c.enter(res, StateCommitGraph)
		g, err := commitgraph.Build(reader, append(append([]object.ID(nil), roots.heads...), roots.other...), commitgraph.BuildOptions{
			Format:       c.db.Format(),
			ChangedPaths: c.opts.WriteChangedPaths,
		})
		if err != nil {
			return nil, fmt.Errorf("gc: %w", err)
		}
		if err := c.db.WriteCommitGraph(g); err != nil {
			return nil, fmt.Errorf("gc: %w", err)
		}
		res.GraphCommits = g.CommitCount()
	}

	if c.opts.BuildBitmaps && headPack != nil {
		c.enter(res, StateBitmaps)
		bm, err := bitmap.Build(headPack.Index(), reader, lister.commitTips(roots.heads))
		if err != nil {
			return nil, fmt.Errorf("gc: %w", err)
		}
		if err := c.db.WritePackFile(headPack, storage.ExtBitmap, func(w io.Writer) error {
			_, err := bm.WriteTo(w)
			return err
		}); err != nil {
			return nil, fmt.Errorf("gc: %w", err)
		}
		res.Bitmaps = bm.Count()
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.enter(res, StateFinalize)
	if err := c.db.CommitPack(outputs, replaced); err != nil {
		return nil, fmt.Errorf("gc: %w", err)
	}
	res.Packs = outputs
	for _, p := range replaced {
		res.Replaced = append(res.Replaced, p.Name())
	}
	c.log.WithFields(logrus.Fields{
		"heads":    res.HeadObjects,
		"rest":     res.RestObjects,
		"garbage":  res.GarbageObjects,
		"replaced": len(replaced),
		"kept":     len(kept),
	}).Info("gc finished")
	return res, nil
}

type rootSet struct {
	heads []object.ID
	other []object.ID
}

func (c *Collector) roots() (rootSet, error) {
	all, err := c.refs.List("refs/")
	if err != nil {
		return rootSet{}, fmt.Errorf("gc: list refs: %w", err)
	}
	var rs rootSet
	for _, r := range all {
		if strings.HasPrefix(r.Name, refs.HeadsPrefix) {
			rs.heads = append(rs.heads, r.ID)
		} else {
			rs.other = append(rs.other, r.ID)
		}
	}
	rs.heads = object.UniqueSortedIDs(rs.heads)
	rs.other = object.UniqueSortedIDs(rs.other)
	return rs, nil
}

// garbage lists the unreachable objects of the packs being replaced.
// Objects only found in garbage packs older than the TTL are dropped.
func (c *Collector) garbage(replaced []*storage.Pack, reachable map[object.ID]struct{}) ([]packObject, int) {
	fresh := make(map[object.ID]struct{})
	expired := make(map[object.ID]struct{})
	for _, p := range replaced {
		into := fresh
		if c.expired(p) {
			into = expired
		}
		cur := p.Index().Cursor()
		for cur.Next() {
			id := cur.Entry().ID
			if _, ok := reachable[id]; !ok {
				into[id] = struct{}{}
			}
		}
	}
	dropped := 0
	for id := range expired {
		if _, ok := fresh[id]; !ok {
			dropped++
		}
	}
	ids := make([]object.ID, 0, len(fresh))
	for id := range fresh {
		ids = append(ids, id)
	}
	object.SortIDs(ids)
	out := make([]packObject, len(ids))
	for i, id := range ids {
		out[i] = packObject{id: id}
	}
	return out, dropped
}

func (c *Collector) expired(p *storage.Pack) bool {
	if !p.IsGarbage() || c.opts.GarbageTTL <= 0 {
		return false
	}
	created := time.Unix(0, p.Description().Created)
	return c.now().Sub(created) > c.opts.GarbageTTL
}

func without(objs []packObject, skip func(object.ID) bool) []packObject {
	out := objs[:0]
	for _, o := range objs {
		if !skip(o.id) {
			out = append(out, o)
		}
	}
	return out
}
