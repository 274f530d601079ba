package commitgraph_test

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/odvcencio/odb/internal/testrepo"
	"github.com/odvcencio/odb/pkg/commitgraph"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/storage"
)

func build(t *testing.T, r *testrepo.Repo, changedPaths bool, tips ...object.ID) *commitgraph.File {
	t.Helper()
	g, err := commitgraph.Build(r.Reader(), tips, commitgraph.BuildOptions{ChangedPaths: changedPaths})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	return g
}

func roundTrip(t *testing.T, g *commitgraph.File, opts commitgraph.ReadOptions) *commitgraph.File {
	t.Helper()
	var buf bytes.Buffer
	n, err := g.WriteTo(&buf)
	if err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	if n != int64(buf.Len()) {
		t.Fatalf("WriteTo reported %d bytes, wrote %d", n, buf.Len())
	}
	out, err := commitgraph.Read(buf.Bytes(), opts)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	return out
}

func generation(g commitgraph.Graph, id object.ID) uint32 {
	pos := g.FindPosition(id)
	if pos < 0 {
		return commitgraph.GenerationUnknown
	}
	return g.CommitData(pos).Generation
}

func TestBuildGenerations(t *testing.T) {
	r := testrepo.New(t)
	c1 := r.NewCommit().Add("a", "1").Create()
	c2 := r.NewCommit().Parent(c1).Add("a", "2").Create()
	side := r.NewCommit().Parent(c1).Add("b", "1").Create()
	c3 := r.NewCommit().Parent(c2).Add("a", "3").Create()
	merge := r.NewCommit().Parent(c3, side).Create()

	g := build(t, r, false, merge)
	if g.CommitCount() != 5 {
		t.Fatalf("CommitCount = %d, want 5", g.CommitCount())
	}

	for _, tc := range []struct {
		name string
		id   object.ID
		want uint32
	}{
		{"c1", c1, 1},
		{"c2", c2, 2},
		{"side", side, 2},
		{"c3", c3, 3},
		{"merge", merge, 4},
	} {
		if got := generation(g, tc.id); got != tc.want {
			t.Fatalf("generation(%s) = %d, want %d", tc.name, got, tc.want)
		}
	}

	pos := g.FindPosition(merge)
	if pos < 0 {
		t.Fatal("merge missing from graph")
	}
	parents := g.CommitData(pos).Parents
	if len(parents) != 2 || g.IDAt(parents[0]) != c3 || g.IDAt(parents[1]) != side {
		t.Fatalf("merge parents = %v, want c3 then side", parents)
	}

	for i := 1; i < g.CommitCount(); i++ {
		if !g.IDAt(i - 1).Less(g.IDAt(i)) {
			t.Fatalf("ids not sorted at %d", i)
		}
	}
	if pos := g.FindPosition(r.Blob("not a commit")); pos != -1 {
		t.Fatalf("FindPosition(blob) = %d, want -1", pos)
	}
}

func TestBuildPeelsTagsAndIgnoresTrees(t *testing.T) {
	r := testrepo.New(t)
	c1 := r.NewCommit().Add("a", "1").Create()
	tag, err := r.Inserter().InsertTag(&object.Tag{
		Object:  c1,
		Type:    object.TypeCommit,
		Name:    "v1",
		Tagger:  object.Ident{Name: "T", Email: "t@example.com", When: r.Now()},
		Message: "release\n",
	})
	if err != nil {
		t.Fatalf("InsertTag: %v", err)
	}

	g := build(t, r, false, tag, r.Tree())
	if g.CommitCount() != 1 || g.IDAt(0) != c1 {
		t.Fatalf("graph holds %d commit(s), want only the tagged one", g.CommitCount())
	}
}

func TestRoundTripWithOctopusAndFilters(t *testing.T) {
	r := testrepo.New(t)
	base := r.NewCommit().Add("base", "0").Create()
	var heads []object.ID
	for i := 0; i < 4; i++ {
		heads = append(heads, r.NewCommit().Parent(base).Add(fmt.Sprintf("dir%d/f", i), "x").Create())
	}
	octopus := r.NewCommit().Parent(heads...).Create()

	g := build(t, r, true, octopus)
	got := roundTrip(t, g, commitgraph.ReadOptions{ChangedPaths: true})

	if got.CommitCount() != g.CommitCount() {
		t.Fatalf("CommitCount = %d, want %d", got.CommitCount(), g.CommitCount())
	}
	for i := 0; i < g.CommitCount(); i++ {
		if got.IDAt(i) != g.IDAt(i) {
			t.Fatalf("IDAt(%d) = %s, want %s", i, got.IDAt(i), g.IDAt(i))
		}
		if !reflect.DeepEqual(got.CommitData(i), g.CommitData(i)) {
			t.Fatalf("CommitData(%d) = %+v, want %+v", i, got.CommitData(i), g.CommitData(i))
		}
	}
	parents := got.CommitData(got.FindPosition(octopus)).Parents
	if len(parents) != 4 {
		t.Fatalf("octopus parents = %d, want 4", len(parents))
	}
	for i, p := range parents {
		if got.IDAt(p) != heads[i] {
			t.Fatalf("parent %d = %s, want %s", i, got.IDAt(p), heads[i])
		}
	}
	if !got.HasChangedPaths() {
		t.Fatal("changed-path filters lost in round trip")
	}
	if got.Format() != object.FormatSHA256 {
		t.Fatalf("Format = %v, want sha256", got.Format())
	}
}

func TestReadWithoutChangedPaths(t *testing.T) {
	r := testrepo.New(t)
	c1 := r.NewCommit().Add("a", "1").Create()
	c2 := r.NewCommit().Parent(c1).Add("a", "2").Create()

	got := roundTrip(t, build(t, r, true, c2), commitgraph.ReadOptions{})
	if got.HasChangedPaths() {
		t.Fatal("filters loaded although not requested")
	}
	if f := got.ChangedPathFilter(got.FindPosition(c2)); f != nil {
		t.Fatalf("ChangedPathFilter = %v, want nil", f.Bytes())
	}
}

func TestChangedPathFilters(t *testing.T) {
	r := testrepo.New(t)
	root := r.NewCommit().Add("src/a.go", "1").Add("README", "r").Create()
	edit := r.NewCommit().Parent(root).Add("src/a.go", "2").Create()
	side := r.NewCommit().Parent(root).Add("docs/x", "1").Create()
	merge := r.NewCommit().Parent(edit, side).Create()

	g := roundTrip(t, build(t, r, true, merge), commitgraph.ReadOptions{ChangedPaths: true})

	if g.ChangedPathFilter(g.FindPosition(root)) != nil {
		t.Fatal("root commits carry no filter")
	}
	if g.ChangedPathFilter(g.FindPosition(merge)) != nil {
		t.Fatal("merges carry no filter")
	}

	for _, tc := range []struct {
		commit object.ID
		paths  []string
	}{
		{edit, []string{"src/a.go", "src"}},
		{side, []string{"docs/x", "docs"}},
	} {
		f := g.ChangedPathFilter(g.FindPosition(tc.commit))
		if f == nil {
			t.Fatalf("commit %s has no filter", tc.commit.Short(12))
		}
		for _, p := range tc.paths {
			if !f.MaybeContains(p) {
				t.Fatalf("filter of %s misses changed path %q", tc.commit.Short(12), p)
			}
		}
		// Unchanged paths may still hit, but only at the filter's false
		// positive rate.
		hits := 0
		for i := 0; i < 100; i++ {
			if f.MaybeContains(fmt.Sprintf("unchanged/%d", i)) {
				hits++
			}
		}
		if hits >= 50 {
			t.Fatalf("filter of %s matched %d of 100 unchanged paths", tc.commit.Short(12), hits)
		}
	}
}

func TestChangedPathFilterTooManyPaths(t *testing.T) {
	paths := make([]string, commitgraph.MaxChangedPaths+1)
	for i := range paths {
		paths[i] = fmt.Sprintf("f%d", i)
	}
	f := commitgraph.NewChangedPathFilter(paths)
	if !bytes.Equal(f.Bytes(), []byte{0xff}) {
		t.Fatalf("Bytes = %x, want ff", f.Bytes())
	}
	if !f.MaybeContains("anything/at/all") {
		t.Fatal("oversized filter must match everything")
	}

	empty := commitgraph.NewChangedPathFilter(nil)
	if empty.MaybeContains("a") {
		t.Fatal("empty filter matched a path")
	}
}

func TestChangedPathFilterNoFalseNegatives(t *testing.T) {
	paths := make([]string, 200)
	for i := range paths {
		paths[i] = fmt.Sprintf("dir%d/file%d", i%7, i)
	}
	f := commitgraph.NewChangedPathFilter(paths)
	for _, p := range paths {
		if !f.MaybeContains(p) {
			t.Fatalf("filter misses %q", p)
		}
	}
}

func TestReadRejectsDamage(t *testing.T) {
	r := testrepo.New(t)
	c1 := r.NewCommit().Add("a", "1").Create()
	var buf bytes.Buffer
	if _, err := build(t, r, false, c1).WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	data := buf.Bytes()

	bad := append([]byte(nil), data...)
	bad[len(bad)/2] ^= 0xff
	if _, err := commitgraph.Read(bad, commitgraph.ReadOptions{}); !errors.Is(err, object.ErrCorrupt) {
		t.Fatalf("Read(damaged) err = %v, want ErrCorrupt", err)
	}

	version := append([]byte(nil), data...)
	version[4] = 9
	if _, err := commitgraph.Read(version, commitgraph.ReadOptions{}); !errors.Is(err, object.ErrUnsupportedVersion) {
		t.Fatalf("Read(version 9) err = %v, want ErrUnsupportedVersion", err)
	}

	if _, err := commitgraph.Read(data[:10], commitgraph.ReadOptions{}); err == nil {
		t.Fatal("Read accepted a truncated file")
	}
}

func TestVerify(t *testing.T) {
	r := testrepo.New(t)
	c1 := r.NewCommit().Add("a", "1").Create()
	c2 := r.NewCommit().Parent(c1).Add("a", "2").Create()
	g := build(t, r, true, c2)
	if err := commitgraph.Verify(g, r.Reader()); err != nil {
		t.Fatalf("Verify: %v", err)
	}

	// A graph built in another repository describes commits this one lacks.
	other := testrepo.New(t)
	o1 := other.NewCommit().Add("z", "9").Create()
	foreign := build(t, other, false, o1)
	if err := commitgraph.Verify(foreign, r.Reader()); err == nil {
		t.Fatal("Verify accepted a graph of another repository")
	}
}

func TestStorageCommitGraph(t *testing.T) {
	r := testrepo.New(t)
	c1 := r.NewCommit().Add("a", "1").Create()
	c2 := r.NewCommit().Parent(c1).Add("a", "2").Create()

	g, err := r.DB.CommitGraph()
	if err != nil {
		t.Fatalf("CommitGraph: %v", err)
	}
	if g.CommitCount() != 0 {
		t.Fatalf("CommitCount before any write = %d, want 0", g.CommitCount())
	}

	r.WriteCommitGraph(true, c2)
	g, err = r.DB.CommitGraph()
	if err != nil {
		t.Fatalf("CommitGraph: %v", err)
	}
	if g.CommitCount() != 2 {
		t.Fatalf("CommitCount = %d, want 2", g.CommitCount())
	}
	if got := generation(g, c2); got != 2 {
		t.Fatalf("generation(c2) = %d, want 2", got)
	}
	if g.ChangedPathFilter(g.FindPosition(c2)) == nil {
		t.Fatal("c2 has no changed-path filter")
	}
}

func TestStorageCommitGraphDisabled(t *testing.T) {
	r := testrepo.NewWithOptions(t, func(o *storage.Options) { o.CommitGraph = false })
	c1 := r.NewCommit().Add("a", "1").Create()
	r.WriteCommitGraph(false, c1)

	g, err := r.DB.CommitGraph()
	if err != nil {
		t.Fatalf("CommitGraph: %v", err)
	}
	if g != commitgraph.Empty {
		t.Fatalf("CommitGraph = %T with %d commit(s), want Empty", g, g.CommitCount())
	}
}

func TestStorageCommitGraphWithoutChangedPaths(t *testing.T) {
	r := testrepo.NewWithOptions(t, func(o *storage.Options) { o.ReadChangedPaths = false })
	c1 := r.NewCommit().Add("a", "1").Create()
	c2 := r.NewCommit().Parent(c1).Add("a", "2").Create()
	r.WriteCommitGraph(true, c2)

	g, err := r.DB.CommitGraph()
	if err != nil {
		t.Fatalf("CommitGraph: %v", err)
	}
	if g.ChangedPathFilter(g.FindPosition(c2)) != nil {
		t.Fatal("filters loaded although disabled")
	}
}

func TestEmptyGraph(t *testing.T) {
	g := commitgraph.Empty
	if g.CommitCount() != 0 {
		t.Fatalf("CommitCount = %d, want 0", g.CommitCount())
	}
	if pos := g.FindPosition(object.ZeroID); pos != -1 {
		t.Fatalf("FindPosition = %d, want -1", pos)
	}
	if g.ChangedPathFilter(0) != nil {
		t.Fatal("empty graph returned a filter")
	}
}
