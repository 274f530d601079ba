// Package testrepo builds small histories on an in-memory object database
// for tests. Every commit advances a fake clock by one second so commit
// times are distinct and increasing.
package testrepo

import (
	"path"
	"sort"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"

	"github.com/odvcencio/odb/pkg/commitgraph"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/refs"
	"github.com/odvcencio/odb/pkg/storage"
	"github.com/odvcencio/odb/pkg/treewalk"
)

// StartTime is the clock value before the first tick.
const StartTime int64 = 1250379778

// Dir is where the object database lives on the in-memory filesystem.
const Dir = "/repo/objects"

// Repo is a test repository.
type Repo struct {
	t    testing.TB
	Fs   afero.Fs
	DB   *storage.ObjectDatabase
	Refs *refs.MemoryDatabase
	ins  *storage.Inserter
	now  int64
}

// New returns an empty repository with default options.
func New(t testing.TB) *Repo {
	return NewWithOptions(t, nil)
}

// NewWithOptions returns an empty repository, letting mutate adjust the
// database options first.
func NewWithOptions(t testing.TB, mutate func(*storage.Options)) *Repo {
	t.Helper()
	opts := storage.DefaultOptions()
	logger, _ := test.NewNullLogger()
	opts.Logger = logger
	if mutate != nil {
		mutate(&opts)
	}
	fs := afero.NewMemMapFs()
	db, err := storage.Open(fs, Dir, opts)
	if err != nil {
		t.Fatalf("open object database: %v", err)
	}
	r := &Repo{t: t, Fs: fs, DB: db, Refs: refs.NewMemoryDatabase(), ins: db.NewInserter(), now: StartTime}
	t.Cleanup(func() {
		_ = r.ins.Close()
		_ = db.Close()
	})
	return r
}

// Inserter returns the repository's inserter.
func (r *Repo) Inserter() *storage.Inserter { return r.ins }

// Now returns the current clock value.
func (r *Repo) Now() int64 { return r.now }

// Tick advances the clock.
func (r *Repo) Tick(seconds int64) { r.now += seconds }

// Flush seals everything inserted so far into a pack.
func (r *Repo) Flush() {
	r.t.Helper()
	if err := r.ins.Flush(); err != nil {
		r.t.Fatalf("flush: %v", err)
	}
}

// Reader returns a fresh reader that also sees unflushed objects. It is
// closed when the test ends.
func (r *Repo) Reader() *storage.Reader {
	rd := r.ins.NewReader()
	r.t.Cleanup(func() { _ = rd.Close() })
	return rd
}

// Blob inserts a blob.
func (r *Repo) Blob(content string) object.ID {
	r.t.Helper()
	id, err := r.ins.Insert(object.TypeBlob, []byte(content))
	if err != nil {
		r.t.Fatalf("insert blob: %v", err)
	}
	return id
}

// PathEntry places a blob at a slash-separated path.
type PathEntry struct {
	Path string
	ID   object.ID
	Mode object.FileMode
}

// File returns a regular file entry.
func File(p string, blob object.ID) PathEntry {
	return PathEntry{Path: p, ID: blob, Mode: object.ModeFile}
}

// Tree inserts the trees holding entries, creating intermediate
// directories, and returns the root tree id.
func (r *Repo) Tree(entries ...PathEntry) object.ID {
	r.t.Helper()
	type dir struct {
		files map[string]PathEntry
		dirs  map[string]*dir
	}
	newDir := func() *dir { return &dir{files: map[string]PathEntry{}, dirs: map[string]*dir{}} }
	root := newDir()
	for _, e := range entries {
		parts := strings.Split(strings.Trim(e.Path, "/"), "/")
		d := root
		for _, part := range parts[:len(parts)-1] {
			next, ok := d.dirs[part]
			if !ok {
				next = newDir()
				d.dirs[part] = next
			}
			d = next
		}
		d.files[parts[len(parts)-1]] = e
	}
	var write func(d *dir) object.ID
	write = func(d *dir) object.ID {
		var tr object.Tree
		for name, sub := range d.dirs {
			tr.Entries = append(tr.Entries, object.TreeEntry{Name: name, Mode: object.ModeTree, ID: write(sub)})
		}
		for name, e := range d.files {
			tr.Entries = append(tr.Entries, object.TreeEntry{Name: name, Mode: e.Mode, ID: e.ID})
		}
		id, err := r.ins.InsertTree(&tr)
		if err != nil {
			r.t.Fatalf("insert tree: %v", err)
		}
		return id
	}
	return write(root)
}

// Files lists the blobs of a tree as path entries sorted by path.
func (r *Repo) Files(tree object.ID) []PathEntry {
	r.t.Helper()
	w, err := treewalk.New(r.Reader(), tree)
	if err != nil {
		r.t.Fatalf("walk tree: %v", err)
	}
	w.SetRecursive(true)
	var out []PathEntry
	for {
		ok, err := w.Next()
		if err != nil {
			r.t.Fatalf("walk tree: %v", err)
		}
		if !ok {
			break
		}
		e := w.Entry()
		out = append(out, PathEntry{Path: e.Path, ID: e.ID(0), Mode: e.Mode(0)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out
}

// Commit ticks the clock and inserts a commit of tree with parents.
func (r *Repo) Commit(tree object.ID, parents ...object.ID) object.ID {
	r.t.Helper()
	return r.NewCommit().Tree(tree).Parent(parents...).Create()
}

// Update points a ref at id.
func (r *Repo) Update(ref string, id object.ID) {
	r.t.Helper()
	if err := r.Refs.Update(ref, id); err != nil {
		r.t.Fatalf("update %s: %v", ref, err)
	}
}

// WriteCommitGraph builds a graph of everything reachable from tips and
// stores it in the database.
func (r *Repo) WriteCommitGraph(changedPaths bool, tips ...object.ID) *commitgraph.File {
	r.t.Helper()
	g, err := commitgraph.Build(r.Reader(), tips, commitgraph.BuildOptions{
		Format:       r.DB.Format(),
		ChangedPaths: changedPaths,
	})
	if err != nil {
		r.t.Fatalf("build commit graph: %v", err)
	}
	if err := r.DB.WriteCommitGraph(g); err != nil {
		r.t.Fatalf("write commit graph: %v", err)
	}
	return g
}

// CommitBuilder assembles a commit.
type CommitBuilder struct {
	r       *Repo
	tree    *object.ID
	parents []object.ID
	files   map[string]PathEntry
	removed map[string]bool
	message string
	author  string
	tick    int64
}

// NewCommit starts a commit. Without an explicit tree, the commit's tree is
// its first parent's tree with Add and Rm applied.
func (r *Repo) NewCommit() *CommitBuilder {
	return &CommitBuilder{r: r, author: "J. Author", tick: 1}
}

// Tree sets the commit's tree.
func (b *CommitBuilder) Tree(id object.ID) *CommitBuilder {
	b.tree = &id
	return b
}

// Parent appends parents.
func (b *CommitBuilder) Parent(ids ...object.ID) *CommitBuilder {
	b.parents = append(b.parents, ids...)
	return b
}

// Add writes content at path.
func (b *CommitBuilder) Add(p, content string) *CommitBuilder {
	if b.files == nil {
		b.files = map[string]PathEntry{}
	}
	b.files[path.Clean(p)] = File(p, b.r.Blob(content))
	return b
}

// Rm deletes path.
func (b *CommitBuilder) Rm(p string) *CommitBuilder {
	if b.removed == nil {
		b.removed = map[string]bool{}
	}
	b.removed[path.Clean(p)] = true
	return b
}

// Message sets the commit message.
func (b *CommitBuilder) Message(m string) *CommitBuilder {
	b.message = m
	return b
}

// Author sets the author name.
func (b *CommitBuilder) Author(name string) *CommitBuilder {
	b.author = name
	return b
}

// Tick sets how far the clock advances before this commit.
func (b *CommitBuilder) Tick(seconds int64) *CommitBuilder {
	b.tick = seconds
	return b
}

// Create inserts the commit.
func (b *CommitBuilder) Create() object.ID {
	r := b.r
	r.t.Helper()
	tree := b.resolveTree()
	r.Tick(b.tick)
	author := object.Ident{Name: b.author, Email: strings.ToLower(strings.ReplaceAll(b.author, " ", "")) + "@example.com", When: r.now}
	committer := object.Ident{Name: "J. Committer", Email: "committer@example.com", When: r.now}
	msg := b.message
	if msg != "" && !strings.HasSuffix(msg, "\n") {
		msg += "\n"
	}
	id, err := r.ins.InsertCommit(&object.Commit{
		Tree:      tree,
		Parents:   b.parents,
		Author:    author,
		Committer: committer,
		Message:   msg,
	})
	if err != nil {
		r.t.Fatalf("insert commit: %v", err)
	}
	return id
}

func (b *CommitBuilder) resolveTree() object.ID {
	r := b.r
	if b.tree != nil && b.files == nil && b.removed == nil {
		return *b.tree
	}
	var base object.ID
	switch {
	case b.tree != nil:
		base = *b.tree
	case len(b.parents) > 0:
		data, err := r.Reader().OpenType(b.parents[0], object.TypeCommit)
		if err != nil {
			r.t.Fatalf("read parent: %v", err)
		}
		h, err := object.ParseCommitHeader(data)
		if err != nil {
			r.t.Fatalf("parse parent: %v", err)
		}
		base = h.Tree
	}
	merged := map[string]PathEntry{}
	if !base.IsZero() {
		for _, e := range r.Files(base) {
			merged[e.Path] = e
		}
	}
	for p, e := range b.files {
		merged[p] = e
	}
	for p := range b.removed {
		delete(merged, p)
	}
	entries := make([]PathEntry, 0, len(merged))
	for _, e := range merged {
		entries = append(entries, e)
	}
	return r.Tree(entries...)
}
