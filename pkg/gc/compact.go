package gc

import (
	"context"
	"fmt"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/pack"
	"github.com/odvcencio/odb/pkg/storage"
)

// DefaultAutoAddSize is the pack size below which Compact merges a pack.
const DefaultAutoAddSize = 100 << 20

// CompactOptions configures a Compactor.
type CompactOptions struct {
	// AutoAddSize selects packs whose pack file is smaller than this.
	AutoAddSize int64
	Logger      logrus.FieldLogger
}

// CompactResult describes one compaction.
type CompactResult struct {
	// Pack is the merged pack, nil when fewer than two packs qualified.
	Pack     *storage.Pack
	Replaced []string
	Objects  int
	// Duplicates counts copies dropped because a newer pack held the same
	// object.
	Duplicates int
}

// Compactor merges small insert and receive packs into one compact pack
// without computing reachability.
type Compactor struct {
	db   *storage.ObjectDatabase
	opts CompactOptions
	log  logrus.FieldLogger
}

// NewCompactor returns a compactor for db.
func NewCompactor(db *storage.ObjectDatabase, opts CompactOptions) *Compactor {
	if opts.AutoAddSize <= 0 {
		opts.AutoAddSize = DefaultAutoAddSize
	}
	log := opts.Logger
	if log == nil {
		log = db.Logger()
	}
	return &Compactor{db: db, opts: opts, log: log.WithField("component", "compact")}
}

func (c *Compactor) selected(p *storage.Pack) bool {
	if p.IsKept() {
		return false
	}
	switch p.Source() {
	case storage.SourceInsert, storage.SourceReceive:
	default:
		return false
	}
	return p.Description().FileSize(storage.ExtPack) < c.opts.AutoAddSize
}

// Compact merges every qualifying pack into one, keeping a single copy of
// each object. The merged pack replaces its inputs in one list swap.
func (c *Compactor) Compact(ctx context.Context) (res *CompactResult, err error) {
	reader := c.db.NewReader()
	defer func() {
		if cerr := reader.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	var inputs []*storage.Pack
	for _, p := range reader.Packs() {
		if c.selected(p) {
			inputs = append(inputs, p)
		}
	}
	res = &CompactResult{}
	if len(inputs) < 2 {
		return res, nil
	}

	// Newest pack first, so the copy kept is the one lookups already use.
	seen := make(map[object.ID]struct{})
	var ids []object.ID
	for _, p := range inputs {
		cur := p.Index().Cursor()
		for cur.Next() {
			id := cur.Entry().ID
			if _, ok := seen[id]; ok {
				res.Duplicates++
				continue
			}
			seen[id] = struct{}{}
			ids = append(ids, id)
		}
	}

	out, err := c.db.WritePack(storage.SourceCompact, len(ids), func(w *pack.Writer) ([]pack.Entry, error) {
		entries := make([]pack.Entry, 0, len(ids))
		for i, id := range ids {
			if i%256 == 0 {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
			}
			t, data, err := reader.Open(id)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", id, err)
			}
			e, err := w.WriteObject(t, data)
			if err != nil {
				return nil, fmt.Errorf("write %s: %w", id, err)
			}
			entries = append(entries, e)
		}
		return entries, nil
	})
	if err != nil {
		return nil, fmt.Errorf("compact: %w", err)
	}
	if err := c.db.CommitPack([]*storage.Pack{out}, inputs); err != nil {
		if derr := c.db.Discard(out); derr != nil {
			err = multierror.Append(err, derr)
		}
		return nil, fmt.Errorf("compact: %w", err)
	}

	res.Pack = out
	res.Objects = len(ids)
	for _, p := range inputs {
		res.Replaced = append(res.Replaced, p.Name())
	}
	c.log.WithFields(logrus.Fields{
		"pack":       out.Name(),
		"inputs":     len(inputs),
		"objects":    res.Objects,
		"duplicates": res.Duplicates,
	}).Info("compacted packs")
	return res, nil
}
