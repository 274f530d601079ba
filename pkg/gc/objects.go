package gc

import (
	"context"
	"fmt"
	"path"
	"sort"

	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/revwalk"
	"github.com/odvcencio/odb/pkg/storage"
)

// packObject is an object selected for a new pack. Blobs carry the first
// path they were found at so versions of one file end up adjacent.
type packObject struct {
	id   object.ID
	typ  object.Type
	path string
}

// objectLister enumerates reachable objects. Objects listed once are not
// listed again by later calls, so successive calls partition the graph.
type objectLister struct {
	reader *storage.Reader
	seen   map[object.ID]struct{}
	// peeled maps each tip that leads to a commit to that commit.
	peeled map[object.ID]object.ID
	// walked holds the commits of earlier calls, which bound later walks.
	walked []object.ID
}

func newObjectLister(r *storage.Reader) *objectLister {
	return &objectLister{
		reader: r,
		seen:   make(map[object.ID]struct{}),
		peeled: make(map[object.ID]object.ID),
	}
}

func (l *objectLister) mark(id object.ID) bool {
	if _, ok := l.seen[id]; ok {
		return false
	}
	l.seen[id] = struct{}{}
	return true
}

type listing struct {
	roots   []packObject
	commits []packObject
	tags    []packObject
	trees   []packObject
	blobs   []packObject
}

// list returns the objects reachable from tips that no earlier call
// returned: commits newest first, then tags, trees and blobs grouped by
// path. Tips missing from the database are ignored.
func (l *objectLister) list(ctx context.Context, tips []object.ID) ([]packObject, error) {
	var out listing
	for _, tip := range tips {
		if err := l.root(tip, &out); err != nil {
			return nil, err
		}
	}
	if err := l.walkCommits(ctx, &out); err != nil {
		return nil, err
	}
	for _, r := range out.roots {
		switch r.typ {
		case object.TypeTree:
			if err := l.walkTree(r.id, "", &out); err != nil {
				return nil, err
			}
		case object.TypeBlob:
			if l.mark(r.id) {
				out.blobs = append(out.blobs, r)
			}
		}
	}
	sort.SliceStable(out.blobs, func(i, j int) bool { return out.blobs[i].path < out.blobs[j].path })

	objs := make([]packObject, 0, len(out.commits)+len(out.tags)+len(out.trees)+len(out.blobs))
	objs = append(objs, out.commits...)
	objs = append(objs, out.tags...)
	objs = append(objs, out.trees...)
	objs = append(objs, out.blobs...)
	return objs, nil
}

// root peels tags off tip, recording each tag, and queues what they lead to.
func (l *objectLister) root(tip object.ID, out *listing) error {
	if !l.reader.Has(tip) {
		return nil
	}
	id := tip
	for {
		t, data, err := l.reader.Open(id)
		if err != nil {
			return fmt.Errorf("read %s: %w", id, err)
		}
		if t != object.TypeTag {
			if t == object.TypeCommit {
				l.peeled[tip] = id
			}
			out.roots = append(out.roots, packObject{id: id, typ: t})
			return nil
		}
		if !l.mark(id) {
			return nil
		}
		out.tags = append(out.tags, packObject{id: id, typ: t})
		tag, err := object.UnmarshalTag(data)
		if err != nil {
			return fmt.Errorf("tag %s: %w", id, err)
		}
		id = tag.Object
	}
}

func (l *objectLister) walkCommits(ctx context.Context, out *listing) error {
	w := revwalk.New(l.reader)
	defer w.Close()
	w.SetRetainBody(false)
	w.Sort(revwalk.SortCommitTimeDesc)

	started := false
	for _, r := range out.roots {
		if r.typ != object.TypeCommit {
			continue
		}
		if _, ok := l.seen[r.id]; ok {
			continue
		}
		if err := w.MarkStart(w.LookupCommit(r.id)); err != nil {
			return err
		}
		started = true
	}
	if !started {
		return nil
	}
	for _, id := range l.walked {
		if err := w.MarkUninteresting(w.LookupCommit(id)); err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		c, err := w.Next()
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}
		if !l.mark(c.ID()) {
			continue
		}
		l.walked = append(l.walked, c.ID())
		out.commits = append(out.commits, packObject{id: c.ID(), typ: object.TypeCommit})
		if err := l.walkTree(c.Tree(), "", out); err != nil {
			return err
		}
	}
}

func (l *objectLister) walkTree(id object.ID, dir string, out *listing) error {
	if !l.mark(id) {
		return nil
	}
	out.trees = append(out.trees, packObject{id: id, typ: object.TypeTree, path: dir})
	data, err := l.reader.OpenType(id, object.TypeTree)
	if err != nil {
		return fmt.Errorf("read tree %s: %w", id, err)
	}
	return object.ForEachTreeEntry(data, func(e object.TreeEntry) error {
		p := path.Join(dir, e.Name)
		switch {
		case e.Mode == object.ModeGitlink:
			return nil
		case e.Mode.IsTree():
			return l.walkTree(e.ID, p, out)
		default:
			if l.mark(e.ID) {
				out.blobs = append(out.blobs, packObject{id: e.ID, typ: object.TypeBlob, path: p})
			}
			return nil
		}
	})
}

// commitTips returns the commits tips peel to, for tips already listed.
func (l *objectLister) commitTips(tips []object.ID) []object.ID {
	var out []object.ID
	for _, tip := range tips {
		if id, ok := l.peeled[tip]; ok {
			out = append(out, id)
		}
	}
	return object.UniqueSortedIDs(out)
}
