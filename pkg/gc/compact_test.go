package gc

import (
	"context"
	"sort"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"

	"github.com/odvcencio/odb/internal/testrepo"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/pack"
	"github.com/odvcencio/odb/pkg/storage"
)

func newCompactor(r *testrepo.Repo, autoAdd int64) *Compactor {
	logger, _ := test.NewNullLogger()
	return NewCompactor(r.DB, CompactOptions{AutoAddSize: autoAdd, Logger: logger})
}

// writeBlobPack publishes a pack holding contents, bypassing the inserter's
// deduplication.
func writeBlobPack(t *testing.T, r *testrepo.Repo, source storage.PackSource, contents ...string) *storage.Pack {
	t.Helper()
	p, err := r.DB.WritePack(source, len(contents), func(w *pack.Writer) ([]pack.Entry, error) {
		var entries []pack.Entry
		for _, c := range contents {
			e, err := w.WriteObject(object.TypeBlob, []byte(c))
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		return entries, nil
	})
	if err != nil {
		t.Fatalf("WritePack: %v", err)
	}
	if err := r.DB.CommitPack([]*storage.Pack{p}, nil); err != nil {
		t.Fatalf("CommitPack: %v", err)
	}
	return p
}

func TestCompactMergesSmallPacks(t *testing.T) {
	r := testrepo.New(t)
	foo := r.Blob("foo")
	r.Flush()
	bar := r.Blob("bar")
	r.Flush()
	writeBlobPack(t, r, storage.SourceReceive, "foo", "baz")
	kept := writeBlobPack(t, r, storage.SourceInsert, "kept")
	if err := r.DB.Keep(kept.Name(), "pinned"); err != nil {
		t.Fatalf("Keep: %v", err)
	}
	gcPack := writeBlobPack(t, r, storage.SourceGC, "gc")

	res, err := newCompactor(r, 0).Compact(context.Background())
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Pack == nil {
		t.Fatal("Compact wrote no pack")
	}
	if res.Pack.Source() != storage.SourceCompact {
		t.Fatalf("source = %v, want compact", res.Pack.Source())
	}
	if len(res.Replaced) != 3 || res.Objects != 3 || res.Duplicates != 1 {
		t.Fatalf("replaced %d pack(s), %d object(s), %d duplicate(s); want 3, 3, 1", len(res.Replaced), res.Objects, res.Duplicates)
	}

	var names []string
	for _, p := range r.DB.ListPacks() {
		names = append(names, p.Name())
	}
	want := []string{res.Pack.Name(), kept.Name(), gcPack.Name()}
	sort.Strings(names)
	sort.Strings(want)
	if len(names) != len(want) {
		t.Fatalf("packs = %v, want %v", names, want)
	}
	for i := range want {
		if names[i] != want[i] {
			t.Fatalf("packs = %v, want %v", names, want)
		}
	}

	reader := r.DB.NewReader()
	defer reader.Close()
	for id, want := range map[object.ID]string{foo: "foo", bar: "bar", r.Blob("baz"): "baz"} {
		data, err := reader.OpenType(id, object.TypeBlob)
		if err != nil {
			t.Fatalf("OpenType %s: %v", id.Short(12), err)
		}
		if string(data) != want {
			t.Fatalf("%s = %q, want %q", id.Short(12), data, want)
		}
		if !res.Pack.Contains(id) {
			t.Fatalf("compacted pack lacks %q", want)
		}
	}
}

func TestCompactNeedsTwoPacks(t *testing.T) {
	r := testrepo.New(t)
	r.Blob("only")
	r.Flush()

	res, err := newCompactor(r, 0).Compact(context.Background())
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Pack != nil {
		t.Fatalf("Compact of one pack wrote %s", res.Pack.Name())
	}
	if n := len(r.DB.ListPacks()); n != 1 {
		t.Fatalf("packs = %d, want 1", n)
	}
}

func TestCompactSkipsLargePacks(t *testing.T) {
	r := testrepo.New(t)
	r.Blob("a")
	r.Flush()
	r.Blob("b")
	r.Flush()

	res, err := newCompactor(r, 1).Compact(context.Background())
	if err != nil {
		t.Fatalf("Compact: %v", err)
	}
	if res.Pack != nil {
		t.Fatalf("Compact merged packs above the size limit into %s", res.Pack.Name())
	}
	if n := len(r.DB.ListPacks()); n != 2 {
		t.Fatalf("packs = %d, want 2", n)
	}
}
