package treewalk

import (
	"reflect"
	"testing"

	"github.com/odvcencio/odb/pkg/object"
)

type memStore map[object.ID]memObject

type memObject struct {
	typ  object.Type
	data []byte
}

func (m memStore) Open(id object.ID) (object.Type, []byte, error) {
	o, ok := m[id]
	if !ok {
		return 0, nil, &object.MissingObjectError{ID: id}
	}
	return o.typ, o.data, nil
}

func (m memStore) put(t object.Type, data []byte) object.ID {
	id := object.FormatSHA256.HashObject(t, data)
	m[id] = memObject{typ: t, data: data}
	return id
}

func (m memStore) blob(s string) object.ID {
	return m.put(object.TypeBlob, []byte(s))
}

// tree builds a tree from alternating name, id pairs. Ids of trees get a
// directory mode.
func (m memStore) tree(pairs ...any) object.ID {
	var tr object.Tree
	for i := 0; i < len(pairs); i += 2 {
		id := pairs[i+1].(object.ID)
		mode := object.ModeFile
		if m[id].typ == object.TypeTree {
			mode = object.ModeTree
		}
		tr.Entries = append(tr.Entries, object.TreeEntry{Name: pairs[i].(string), Mode: mode, ID: id})
	}
	return m.put(object.TypeTree, object.MarshalTree(&tr))
}

func collect(t *testing.T, w *Walk) []string {
	t.Helper()
	var paths []string
	for {
		ok, err := w.Next()
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			return paths
		}
		paths = append(paths, w.Entry().Path)
	}
}

func TestWalkMergesTreesInCanonicalOrder(t *testing.T) {
	m := memStore{}
	a := m.tree("a", m.blob("1"), "c", m.blob("3"))
	b := m.tree("b", m.blob("2"), "c", m.blob("3x"))
	w, err := New(m, a, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, want := collect(t, w), []string{"a", "b", "c"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("paths = %v, want %v", got, want)
	}
}

func TestWalkEntryModesPerTree(t *testing.T) {
	m := memStore{}
	x := m.blob("x")
	a := m.tree("f", x)
	w, err := New(m, a, object.ZeroID)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ok, err := w.Next()
	if err != nil || !ok {
		t.Fatalf("Next = %v, %v", ok, err)
	}
	e := w.Entry()
	if e.Mode(0) != object.ModeFile || e.ID(0) != x {
		t.Fatalf("tree 0 = %v %s", e.Mode(0), e.ID(0))
	}
	if e.Mode(1) != 0 || !e.ID(1).IsZero() {
		t.Fatalf("tree 1 should be absent, got %v", e.Mode(1))
	}
}

func TestRecursiveWalkWithAnyDiffPrunesIdenticalSubtrees(t *testing.T) {
	m := memStore{}
	same := m.tree("x", m.blob("x"))
	a := m.tree("lib", same, "src", m.tree("main.go", m.blob("v1")))
	b := m.tree("lib", same, "src", m.tree("main.go", m.blob("v2")))

	// Drop lib's tree from the store: pruning must not read it.
	delete(m, same)

	w, err := New(m, a, b)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	w.SetRecursive(true)
	w.SetFilter(AnyDiff())
	if got, want := collect(t, w), []string{"src/main.go"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("paths = %v, want %v", got, want)
	}
}

func TestNonRecursiveWalkEnterSubtree(t *testing.T) {
	m := memStore{}
	root := m.tree("dir", m.tree("inner", m.blob("i")), "top", m.blob("t"))
	w, err := New(m, root)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ok, err := w.Next()
	if err != nil || !ok || w.Entry().Path != "dir" || !w.Entry().IsSubtree() {
		t.Fatalf("first entry = %q", w.Entry().Path)
	}
	if err := w.EnterSubtree(); err != nil {
		t.Fatalf("EnterSubtree: %v", err)
	}
	if got, want := collect(t, w), []string{"dir/inner", "top"}; !reflect.DeepEqual(got, want) {
		t.Fatalf("paths = %v, want %v", got, want)
	}
	if err := w.EnterSubtree(); err == nil {
		t.Fatal("EnterSubtree after exhaustion should fail")
	}
}

func TestPathFilters(t *testing.T) {
	m := memStore{}
	root := m.tree(
		"docs", m.tree("a.md", m.blob("a"), "b.md", m.blob("b")),
		"docsy", m.blob("d"),
		"src", m.tree("main.go", m.blob("m")),
	)
	for _, tc := range []struct {
		filter Filter
		want   []string
	}{
		{Paths("docs"), []string{"docs/a.md", "docs/b.md"}},
		{Paths("docs/b.md"), []string{"docs/b.md"}},
		{Paths("docs/", "src"), []string{"docs/a.md", "docs/b.md", "src/main.go"}},
		{Not(Paths("docs")), []string{"docsy", "src/main.go"}},
		{Or(Paths("docsy"), Paths("src")), []string{"docsy", "src/main.go"}},
		{And(Paths("docs"), Paths("docs/a.md")), []string{"docs/a.md"}},
	} {
		w, err := New(m, root)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		w.SetRecursive(true)
		w.SetFilter(tc.filter)
		if got := collect(t, w); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: paths = %v, want %v", tc.filter, got, tc.want)
		}
	}
}

func TestChangedPathsFilterNeedsDifference(t *testing.T) {
	m := memStore{}
	a := m.tree("file1", m.blob("1"), "file2", m.blob("2"))
	b := m.tree("file1", m.blob("1"), "file2", m.blob("3"))
	for _, tc := range []struct {
		filter Filter
		want   []string
	}{
		{ChangedPaths("file1"), nil},
		{ChangedPaths("file1", "file2"), []string{"file2"}},
		{Paths("file1"), []string{"file1"}},
	} {
		w, err := New(m, a, b)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		w.SetFilter(tc.filter)
		if got := collect(t, w); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("%s: paths = %v, want %v", tc.filter, got, tc.want)
		}
	}
}

type fakePathSet map[string]bool

func (s fakePathSet) MaybeContains(p string) bool { return s[p] }

func TestShouldTreeWalk(t *testing.T) {
	cpf := fakePathSet{"file1": true}
	for _, tc := range []struct {
		filter   Filter
		cpf      PathSet
		want     bool
		wantUsed bool
	}{
		{ChangedPaths("file1"), cpf, true, true},
		{ChangedPaths("file2"), cpf, false, true},
		{ChangedPaths("file2"), nil, true, false},
		{Or(ChangedPaths("file2"), AnyDiff()), cpf, true, true},
		{And(ChangedPaths("file1"), ChangedPaths("file2")), cpf, false, true},
		{And(ChangedPaths("file1"), AnyDiff()), cpf, true, true},
		{Or(AnyDiff(), AnyDiff()), cpf, true, false},
		{Paths("file2"), cpf, true, false},
		{Not(ChangedPaths("file2")), cpf, true, false},
		{And(Paths("file1"), AnyDiff()), cpf, true, true},
		{And(Paths("file2"), AnyDiff()), cpf, false, true},
		{And(AnyDiff(), Paths("file2", "file1")), cpf, true, true},
		{And(Paths("file2"), AnyDiff()), nil, true, false},
		{Or(Paths("file2"), AnyDiff()), cpf, true, false},
	} {
		used := false
		if got := tc.filter.ShouldTreeWalk(tc.cpf, &used); got != tc.want || used != tc.wantUsed {
			t.Fatalf("%s: ShouldTreeWalk = %v used=%v, want %v used=%v", tc.filter, got, used, tc.want, tc.wantUsed)
		}
	}
}

func TestChangedPathsBetweenIncludesLeadingDirectories(t *testing.T) {
	m := memStore{}
	a := m.tree("a", m.tree("b", m.tree("c.txt", m.blob("1"))), "keep", m.blob("k"))
	b := m.tree("a", m.tree("b", m.tree("c.txt", m.blob("2")), "d.txt", m.blob("new")), "keep", m.blob("k"))
	got, err := ChangedPathsBetween(m, a, b)
	if err != nil {
		t.Fatalf("ChangedPathsBetween: %v", err)
	}
	want := []string{"a", "a/b", "a/b/c.txt", "a/d.txt"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("ChangedPathsBetween = %v, want %v", got, want)
	}

	none, err := ChangedPathsBetween(m, a, a)
	if err != nil {
		t.Fatalf("ChangedPathsBetween: %v", err)
	}
	if len(none) != 0 {
		t.Fatalf("identical trees changed %v", none)
	}

	root, err := ChangedPathsBetween(m, object.ZeroID, a)
	if err != nil {
		t.Fatalf("ChangedPathsBetween: %v", err)
	}
	if want := []string{"a", "a/b", "a/b/c.txt", "keep"}; !reflect.DeepEqual(root, want) {
		t.Fatalf("root ChangedPathsBetween = %v, want %v", root, want)
	}
}
