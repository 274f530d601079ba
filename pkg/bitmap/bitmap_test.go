package bitmap

import (
	"bytes"
	"errors"
	"reflect"
	"testing"

	"github.com/odvcencio/odb/pkg/codec"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/pack"
)

type memSource map[object.ID]struct {
	typ  object.Type
	data []byte
}

func (m memSource) Open(id object.ID) (object.Type, []byte, error) {
	o, ok := m[id]
	if !ok {
		return 0, nil, &object.MissingObjectError{ID: id}
	}
	return o.typ, o.data, nil
}

func (m memSource) Has(id object.ID) bool {
	_, ok := m[id]
	return ok
}

func (m memSource) put(t object.Type, data []byte) object.ID {
	id := object.FormatSHA256.HashObject(t, data)
	m[id] = struct {
		typ  object.Type
		data []byte
	}{t, data}
	return id
}

type fixture struct {
	src    memSource
	idx    *pack.Index
	c1, c2 object.ID
	blobA  object.ID
	blobB  object.ID
}

// newFixture writes a pack holding two commits and everything they reach
// except blob b.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	src := memSource{}
	ident := object.Ident{Name: "A", Email: "a@example.com", When: 100}
	a := src.put(object.TypeBlob, []byte("a"))
	b := src.put(object.TypeBlob, []byte("b"))
	t1 := src.put(object.TypeTree, object.MarshalTree(&object.Tree{Entries: []object.TreeEntry{
		{Name: "a", Mode: object.ModeFile, ID: a},
	}}))
	t2 := src.put(object.TypeTree, object.MarshalTree(&object.Tree{Entries: []object.TreeEntry{
		{Name: "a", Mode: object.ModeFile, ID: a},
		{Name: "b", Mode: object.ModeFile, ID: b},
	}}))
	c1 := src.put(object.TypeCommit, object.MarshalCommit(&object.Commit{Tree: t1, Author: ident, Committer: ident, Message: "one\n"}))
	c2 := src.put(object.TypeCommit, object.MarshalCommit(&object.Commit{Tree: t2, Parents: []object.ID{c1}, Author: ident, Committer: ident, Message: "two\n"}))

	var packBuf bytes.Buffer
	packed := []object.ID{a, t1, t2, c1, c2}
	w, err := pack.NewWriter(&packBuf, uint32(len(packed)), codec.Zlib, object.FormatSHA256)
	if err != nil {
		t.Fatalf("NewWriter: %v", err)
	}
	var entries []pack.Entry
	for _, id := range packed {
		e, err := w.WriteObject(src[id].typ, src[id].data)
		if err != nil {
			t.Fatalf("WriteObject: %v", err)
		}
		entries = append(entries, e)
	}
	checksum, err := w.Finish()
	if err != nil {
		t.Fatalf("Finish: %v", err)
	}

	var idxBuf bytes.Buffer
	if _, err := pack.WriteIndex(&idxBuf, 2, pack.IndexEntries(entries), checksum); err != nil {
		t.Fatalf("WriteIndex: %v", err)
	}
	idx, err := pack.ReadIndex(idxBuf.Bytes())
	if err != nil {
		t.Fatalf("ReadIndex: %v", err)
	}

	return &fixture{src: src, idx: idx, c1: c1, c2: c2, blobA: a, blobB: b}
}

func positions(t *testing.T, f *fixture, ids ...object.ID) []uint64 {
	t.Helper()
	out := make([]uint64, 0, len(ids))
	for _, id := range ids {
		pos := f.idx.FindPosition(id)
		if pos < 0 {
			t.Fatalf("%s not in pack", id.Short(12))
		}
		out = append(out, uint64(pos))
	}
	return out
}

func TestBuildBitmaps(t *testing.T) {
	f := newFixture(t)
	bm, err := Build(f.idx, f.src, []object.ID{f.c2, f.c1})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if bm.Count() != 2 {
		t.Fatalf("Count = %d, want 2", bm.Count())
	}
	if bm.PackChecksum() != f.idx.PackChecksum() {
		t.Fatal("bitmap names another pack")
	}

	one := bm.Reachable(f.c1)
	if one == nil {
		t.Fatal("no bitmap for c1")
	}
	if n := one.GetCardinality(); n != 3 {
		t.Fatalf("c1 reaches %d packed objects, want 3", n)
	}

	two := bm.Reachable(f.c2)
	if two == nil {
		t.Fatal("no bitmap for c2")
	}
	// blob b is reachable but not in the pack
	if n := two.GetCardinality(); n != 5 {
		t.Fatalf("c2 reaches %d packed objects, want 5", n)
	}
	for _, pos := range positions(t, f, f.c1, f.c2, f.blobA) {
		if !two.Contains(pos) {
			t.Fatalf("c2 bitmap lacks position %d", pos)
		}
	}

	if bm.Reachable(f.blobA) != nil {
		t.Fatal("blobs carry no bitmap")
	}
}

func TestBuildSkipsHeadsOutsidePack(t *testing.T) {
	f := newFixture(t)
	bm, err := Build(f.idx, f.src, []object.ID{f.blobB})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if bm.Count() != 0 {
		t.Fatalf("Count = %d, want 0", bm.Count())
	}
}

func TestBitmapRoundTrip(t *testing.T) {
	f := newFixture(t)
	bm, err := Build(f.idx, f.src, []object.ID{f.c1, f.c2})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}

	var buf bytes.Buffer
	if _, err := bm.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}
	got, err := Read(buf.Bytes())
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.PackChecksum() != bm.PackChecksum() {
		t.Fatal("pack checksum changed in round trip")
	}
	if !reflect.DeepEqual(got.Commits(), bm.Commits()) {
		t.Fatalf("Commits = %v, want %v", got.Commits(), bm.Commits())
	}
	for _, c := range bm.Commits() {
		if want, have := bm.Reachable(c).ToArray(), got.Reachable(c).ToArray(); !reflect.DeepEqual(have, want) {
			t.Fatalf("bitmap of %s = %v, want %v", c.Short(12), have, want)
		}
	}
}

func TestReadRejectsDamage(t *testing.T) {
	f := newFixture(t)
	bm, err := Build(f.idx, f.src, []object.ID{f.c2})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	var buf bytes.Buffer
	if _, err := bm.WriteTo(&buf); err != nil {
		t.Fatalf("WriteTo: %v", err)
	}

	data := buf.Bytes()
	data[len(data)/2] ^= 0x01
	if _, err := Read(data); !errors.Is(err, object.ErrCorrupt) {
		t.Fatalf("Read(damaged) err = %v, want ErrCorrupt", err)
	}
	if _, err := Read([]byte("short")); !errors.Is(err, object.ErrCorrupt) {
		t.Fatalf("Read(short) err = %v, want ErrCorrupt", err)
	}
}
