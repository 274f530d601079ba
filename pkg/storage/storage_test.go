package storage

import (
	"bytes"
	"crypto/sha256"
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus/hooks/test"
	"github.com/spf13/afero"

	"github.com/odvcencio/odb/pkg/codec"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/pack"
)

const testDir = "/repo/objects"

func openTestDB(t *testing.T, fs afero.Fs, mutate func(*Options)) *ObjectDatabase {
	t.Helper()
	opts := DefaultOptions()
	logger, _ := test.NewNullLogger()
	opts.Logger = logger
	if mutate != nil {
		mutate(&opts)
	}
	db, err := Open(fs, testDir, opts)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func newTestDB(t *testing.T) *ObjectDatabase {
	return openTestDB(t, afero.NewMemMapFs(), nil)
}

func insertBlob(t *testing.T, ins *Inserter, content string) object.ID {
	t.Helper()
	id, err := ins.Insert(object.TypeBlob, []byte(content))
	if err != nil {
		t.Fatalf("Insert(%q): %v", content, err)
	}
	return id
}

func flush(t *testing.T, ins *Inserter) {
	t.Helper()
	if err := ins.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
}

func readString(t *testing.T, r *Reader, id object.ID) string {
	t.Helper()
	data, err := r.OpenType(id, object.TypeBlob)
	if err != nil {
		t.Fatalf("Open %s: %v", id.Short(12), err)
	}
	return string(data)
}

func packFileCount(t *testing.T, db *ObjectDatabase, ext string) int {
	t.Helper()
	names, err := afero.Glob(db.Fs(), filepath.Join(testDir, packDirName, "pack-*"+ext))
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	return len(names)
}

// ---------------------------------------------------------------------------
// Inserter
// ---------------------------------------------------------------------------

func TestInserterStagesUntilFlush(t *testing.T) {
	db := newTestDB(t)
	ins := db.NewInserter()
	defer ins.Close()

	foo := insertBlob(t, ins, "foo")
	bar := insertBlob(t, ins, "bar")

	if n := len(db.ListPacks()); n != 0 {
		t.Fatalf("packs before flush = %d, want 0", n)
	}
	if n := packFileCount(t, db, ExtPack); n != 0 {
		t.Fatalf("pack files before flush = %d, want 0", n)
	}

	r := ins.NewReader()
	if got := readString(t, r, foo); got != "foo" {
		t.Fatalf("foo = %q", got)
	}
	if got := readString(t, r, bar); got != "bar" {
		t.Fatalf("bar = %q", got)
	}
	r.Close()

	other := db.NewReader()
	if other.Has(foo) {
		t.Fatal("staged object visible to an unrelated reader")
	}
	other.Close()

	flush(t, ins)
	packs := db.ListPacks()
	if len(packs) != 1 {
		t.Fatalf("packs after flush = %d, want 1", len(packs))
	}
	if packs[0].Source() != SourceInsert {
		t.Fatalf("source = %v, want insert", packs[0].Source())
	}
	if got := packs[0].Description().ObjectCount; got != 2 {
		t.Fatalf("object count = %d, want 2", got)
	}

	r = db.NewReader()
	defer r.Close()
	if got := readString(t, r, bar); got != "bar" {
		t.Fatalf("bar after flush = %q", got)
	}
}

func TestInserterFlushEmptyIsNoop(t *testing.T) {
	db := newTestDB(t)
	ins := db.NewInserter()
	defer ins.Close()
	flush(t, ins)
	flush(t, ins)
	if n := len(db.ListPacks()); n != 0 {
		t.Fatalf("packs = %d, want 0", n)
	}
}

func TestInserterIdempotent(t *testing.T) {
	db := newTestDB(t)
	ins := db.NewInserter()
	defer ins.Close()

	a := insertBlob(t, ins, "same")
	b := insertBlob(t, ins, "same")
	if a != b {
		t.Fatalf("ids differ: %s vs %s", a, b)
	}
	if got := ins.Pending(); got != 1 {
		t.Fatalf("pending = %d, want 1", got)
	}
	flush(t, ins)

	c := insertBlob(t, ins, "same")
	if c != a {
		t.Fatalf("id after flush = %s, want %s", c, a)
	}
	if got := ins.Pending(); got != 0 {
		t.Fatalf("pending after re-insert = %d, want 0", got)
	}
	flush(t, ins)
	if n := len(db.ListPacks()); n != 1 {
		t.Fatalf("packs = %d, want 1", n)
	}
}

func TestInserterSeparateFlushesMakeSeparatePacks(t *testing.T) {
	db := newTestDB(t)
	ins := db.NewInserter()
	defer ins.Close()

	first := insertBlob(t, ins, "first")
	flush(t, ins)
	second := insertBlob(t, ins, "second")
	flush(t, ins)

	packs := db.ListPacks()
	if len(packs) != 2 {
		t.Fatalf("packs = %d, want 2", len(packs))
	}
	if !packs[0].Contains(second) || packs[0].Contains(first) {
		t.Fatal("newest pack should hold only the second object")
	}
	if packs[0].Description().Seq <= packs[1].Description().Seq {
		t.Fatal("packs not listed newest first")
	}
}

func TestInserterReaderSeesFlushedObjects(t *testing.T) {
	db := openTestDB(t, afero.NewMemMapFs(), func(o *Options) {
		o.StreamFileThreshold = 64
	})
	ins := db.NewInserter()
	defer ins.Close()

	foo := insertBlob(t, ins, "foo")
	big := bytes.Repeat([]byte("spilled "), 20)
	bigID, err := ins.InsertStream(object.TypeBlob, int64(len(big)), bytes.NewReader(big))
	if err != nil {
		t.Fatalf("InsertStream: %v", err)
	}

	r := ins.NewReader()
	defer r.Close()
	if got := readString(t, r, foo); got != "foo" {
		t.Fatalf("staged foo = %q", got)
	}
	flush(t, ins)

	if !r.Has(foo) || !r.Has(bigID) {
		t.Fatal("flushed objects vanished from the inserter's reader")
	}
	if got := readString(t, r, foo); got != "foo" {
		t.Fatalf("flushed foo = %q", got)
	}
	_, size, rc, err := r.OpenStream(bigID)
	if err != nil {
		t.Fatalf("OpenStream after flush: %v", err)
	}
	data, err := readAllClose(rc)
	if err != nil || size != int64(len(big)) || !bytes.Equal(data, big) {
		t.Fatalf("spilled object after flush = %d bytes (size %d), %v", len(data), size, err)
	}
	prefix, err := object.ParseAbbreviatedID(foo.String()[:8])
	if err != nil {
		t.Fatalf("ParseAbbreviatedID: %v", err)
	}
	if got := r.Resolve(prefix, 2); len(got) != 1 || got[0] != foo {
		t.Fatalf("Resolve after flush = %v", got)
	}

	bar := insertBlob(t, ins, "bar")
	flush(t, ins)
	if got := readString(t, r, bar); got != "bar" {
		t.Fatalf("second flush bar = %q", got)
	}
	if n := len(r.Packs()); n != 2 {
		t.Fatalf("reader packs = %d, want 2", n)
	}

	// Retiring packs the reader already holds does not disturb it.
	replacement := writeSinglePack(t, db, SourceCompact, "baz")
	if err := db.CommitPack([]*Pack{replacement}, db.ListPacks()); err != nil {
		t.Fatalf("CommitPack: %v", err)
	}
	if got := readString(t, r, foo); got != "foo" {
		t.Fatalf("foo after replacement = %q", got)
	}

	// A flushed pack rewritten and deleted before the reader looked at it
	// is found through its replacement.
	lateID := insertBlob(t, ins, "late")
	late := ins.NewReader()
	defer late.Close()
	flush(t, ins)
	newest := db.ListPacks()[0]
	if !newest.Contains(lateID) {
		t.Fatal("newest pack should hold the late object")
	}
	moved := writeSinglePack(t, db, SourceCompact, "late")
	if err := db.CommitPack([]*Pack{moved}, []*Pack{newest}); err != nil {
		t.Fatalf("CommitPack: %v", err)
	}
	if got := readString(t, late, lateID); got != "late" {
		t.Fatalf("late object after its pack was rewritten = %q", got)
	}
}

func TestCommitPackOrdersByRegistration(t *testing.T) {
	db := newTestDB(t)
	sealedFirst := writeSinglePack(t, db, SourceInsert, "sealed first")
	sealedSecond := writeSinglePack(t, db, SourceInsert, "sealed second")
	if err := db.CommitPack([]*Pack{sealedSecond}, nil); err != nil {
		t.Fatalf("CommitPack: %v", err)
	}
	if err := db.CommitPack([]*Pack{sealedFirst}, nil); err != nil {
		t.Fatalf("CommitPack: %v", err)
	}
	packs := db.ListPacks()
	if len(packs) != 2 || packs[0].Name() != sealedFirst.Name() {
		t.Fatalf("newest pack = %s, want last registered %s", packs[0].Name(), sealedFirst.Name())
	}

	reopened := openTestDB(t, db.Fs(), nil)
	packs = reopened.ListPacks()
	if len(packs) != 2 || packs[0].Name() != sealedFirst.Name() {
		t.Fatalf("after reopen newest pack = %s, want %s", packs[0].Name(), sealedFirst.Name())
	}
}

func TestGarbageVisibility(t *testing.T) {
	db := newTestDB(t)
	ins := db.NewInserter()
	defer ins.Close()

	foo := insertBlob(t, ins, "foo")
	flush(t, ins)
	garbage := db.ListPacks()[0]
	if err := db.SetPackSource(garbage.Name(), SourceUnreachableGarbage); err != nil {
		t.Fatalf("SetPackSource: %v", err)
	}

	if !db.Has(foo) {
		t.Fatal("Has(foo) = false, want true")
	}
	if db.HasReachable(foo) {
		t.Fatal("HasReachable(foo) = true, want false")
	}
	r := db.NewReader()
	r.SetAvoidUnreachableObjects(true)
	if _, _, err := r.Open(foo); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("Open with avoidance = %v, want not found", err)
	}
	r.Close()

	again := insertBlob(t, ins, "foo")
	if again != foo {
		t.Fatalf("re-insert id = %s, want %s", again, foo)
	}
	if got := ins.Pending(); got != 1 {
		t.Fatalf("pending = %d, want 1: garbage copies must not satisfy the dedup check", got)
	}
	flush(t, ins)

	packs := db.ListPacks()
	if len(packs) != 2 {
		t.Fatalf("packs = %d, want 2", len(packs))
	}
	if packs[0].Source() != SourceInsert || packs[1].Source() != SourceUnreachableGarbage {
		t.Fatalf("sources = %v, %v", packs[0].Source(), packs[1].Source())
	}
	for _, p := range packs {
		if !p.Contains(foo) {
			t.Fatalf("pack %s does not contain foo", p.Name())
		}
	}
	if !db.Has(foo) || !db.HasReachable(foo) {
		t.Fatal("foo should be reachable again")
	}
}

func TestInserterLargeObjectSpills(t *testing.T) {
	db := openTestDB(t, afero.NewMemMapFs(), func(o *Options) {
		o.StreamFileThreshold = 64
		o.MinBytesObjSizeIndex = 32
	})
	ins := db.NewInserter()
	defer ins.Close()

	big := bytes.Repeat([]byte("0123456789abcdef"), 40)
	id, err := ins.InsertStream(object.TypeBlob, int64(len(big)), bytes.NewReader(big))
	if err != nil {
		t.Fatalf("InsertStream: %v", err)
	}
	if want := object.FormatSHA256.HashObject(object.TypeBlob, big); id != want {
		t.Fatalf("id = %s, want %s", id, want)
	}
	if so := ins.staged(id); so == nil || so.spill == "" || so.data != nil {
		t.Fatal("large object should be staged in a spill file")
	}
	if size, err := ins.ObjectSize(id); err != nil || size != int64(len(big)) {
		t.Fatalf("ObjectSize = %d, %v", size, err)
	}

	r := ins.NewReader()
	typ, size, rc, err := r.OpenStream(id)
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	got, err := io.ReadAll(rc)
	rc.Close()
	r.Close()
	if err != nil || typ != object.TypeBlob || size != int64(len(big)) || !bytes.Equal(got, big) {
		t.Fatalf("staged stream = %v %d %d bytes, %v", typ, size, len(got), err)
	}

	small := insertBlob(t, ins, "small")
	flush(t, ins)

	spills, _ := afero.Glob(db.Fs(), filepath.Join(testDir, packDirName, tmpPrefix+"insert-*"))
	if len(spills) != 0 {
		t.Fatalf("spill files left after flush: %v", spills)
	}
	p := db.ListPacks()[0]
	if p.SizeIndex() == nil || p.SizeIndex().Count() != 1 {
		t.Fatal("size index should record exactly the large object")
	}

	r = db.NewReader()
	defer r.Close()
	data, err := r.OpenType(id, object.TypeBlob)
	if err != nil || !bytes.Equal(data, big) {
		t.Fatalf("packed large object = %d bytes, %v", len(data), err)
	}
	if size, err := r.ObjectSize(id); err != nil || size != int64(len(big)) {
		t.Fatalf("ObjectSize(large) = %d, %v", size, err)
	}
	if size, err := r.ObjectSize(small); err != nil || size != 5 {
		t.Fatalf("ObjectSize(small) = %d, %v", size, err)
	}
}

func TestInsertStreamSizeMismatch(t *testing.T) {
	db := newTestDB(t)
	ins := db.NewInserter()
	defer ins.Close()
	_, err := ins.InsertStream(object.TypeBlob, 10, strings.NewReader("short"))
	if !errors.Is(err, object.ErrCorrupt) {
		t.Fatalf("InsertStream = %v, want corrupt", err)
	}
}

func TestObjectSizeForEveryType(t *testing.T) {
	db := openTestDB(t, afero.NewMemMapFs(), func(o *Options) { o.MinBytesObjSizeIndex = 0 })
	ins := db.NewInserter()
	defer ins.Close()

	blob := insertBlob(t, ins, "content")
	tree, err := ins.InsertTree(&object.Tree{Entries: []object.TreeEntry{{Name: "f", Mode: object.ModeFile, ID: blob}}})
	if err != nil {
		t.Fatalf("InsertTree: %v", err)
	}
	ident := object.Ident{Name: "A U Thor", Email: "author@example.com", When: 1250379778, TZOffset: -420}
	commit, err := ins.InsertCommit(&object.Commit{Tree: tree, Author: ident, Committer: ident, Message: "msg\n"})
	if err != nil {
		t.Fatalf("InsertCommit: %v", err)
	}
	tag, err := ins.InsertTag(&object.Tag{Object: commit, Type: object.TypeCommit, Name: "v1", Tagger: ident, Message: "tag\n"})
	if err != nil {
		t.Fatalf("InsertTag: %v", err)
	}
	flush(t, ins)

	r := db.NewReader()
	defer r.Close()
	for _, id := range []object.ID{blob, tree, commit, tag} {
		_, data, err := r.Open(id)
		if err != nil {
			t.Fatalf("Open %s: %v", id.Short(12), err)
		}
		size, err := r.ObjectSize(id)
		if err != nil {
			t.Fatalf("ObjectSize %s: %v", id.Short(12), err)
		}
		if size != int64(len(data)) {
			t.Fatalf("ObjectSize %s = %d, want %d", id.Short(12), size, len(data))
		}
	}
}

func TestResolveAcrossPackAndInserter(t *testing.T) {
	db := newTestDB(t)
	ins := db.NewInserter()
	defer ins.Close()

	packed := insertBlob(t, ins, "packed")
	flush(t, ins)
	staged := insertBlob(t, ins, "staged")

	r := ins.NewReader()
	defer r.Close()

	for _, id := range []object.ID{packed, staged} {
		got := r.Resolve(object.Abbreviate(id, 8), 0)
		if len(got) != 1 || got[0] != id {
			t.Fatalf("Resolve(%s) = %v", id.Short(8), got)
		}
		full := r.Resolve(object.Abbreviate(id, object.HexSize), 0)
		if len(full) != 1 || full[0] != id {
			t.Fatalf("Resolve(full %s) = %v", id.Short(8), full)
		}
	}

	short := r.Resolve(object.Abbreviate(packed, 1), 0)
	found := false
	for _, id := range short {
		found = found || id == packed
	}
	if !found {
		t.Fatalf("Resolve(%s) = %v, missing %s", object.Abbreviate(packed, 1), short, packed.Short(8))
	}
	if bounded := r.Resolve(object.Abbreviate(packed, 1), 1); len(bounded) != 1 {
		t.Fatalf("Resolve with limit 1 = %d ids", len(bounded))
	}

	other := db.NewReader()
	defer other.Close()
	if got := other.Resolve(object.Abbreviate(staged, 8), 0); len(got) != 0 {
		t.Fatalf("staged id resolved outside the inserter: %v", got)
	}
}

func TestFlushCorruptObjectPublishesNothing(t *testing.T) {
	db := newTestDB(t)
	ins := db.NewInserter()
	defer ins.Close()

	insertBlob(t, ins, "good")
	bad := insertBlob(t, ins, "will be damaged")
	ins.objects[bad].data[0] ^= 0xff

	err := ins.Flush()
	if !errors.Is(err, object.ErrCorrupt) {
		t.Fatalf("Flush = %v, want corrupt", err)
	}
	if n := len(db.ListPacks()); n != 0 {
		t.Fatalf("packs = %d, want 0", n)
	}
	for _, ext := range []string{ExtPack, ExtIndex, ExtMeta} {
		if n := packFileCount(t, db, ext); n != 0 {
			t.Fatalf("%s files = %d, want 0", ext, n)
		}
	}
}

func TestInserterCloseDiscards(t *testing.T) {
	db := openTestDB(t, afero.NewMemMapFs(), func(o *Options) { o.StreamFileThreshold = 8 })
	ins := db.NewInserter()
	insertBlob(t, ins, "this one spills")
	if err := ins.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := ins.Insert(object.TypeBlob, []byte("x")); err == nil {
		t.Fatal("Insert after Close should fail")
	}
	spills, _ := afero.Glob(db.Fs(), filepath.Join(testDir, packDirName, tmpPrefix+"*"))
	if len(spills) != 0 {
		t.Fatalf("temp files left after Close: %v", spills)
	}
	if n := len(db.ListPacks()); n != 0 {
		t.Fatalf("packs = %d, want 0", n)
	}
}

func TestCodecsRoundTrip(t *testing.T) {
	for _, name := range []string{"none", "zlib", "zstd", "lz4"} {
		t.Run(name, func(t *testing.T) {
			fs := afero.NewMemMapFs()
			db := openTestDB(t, fs, func(o *Options) {
				c, err := codec.Lookup(name)
				if err != nil {
					t.Fatalf("codec %s: %v", name, err)
				}
				o.Codec = c
			})
			ins := db.NewInserter()
			id := insertBlob(t, ins, strings.Repeat("payload ", 100))
			flush(t, ins)
			ins.Close()

			reopened := openTestDB(t, fs, nil)
			r := reopened.NewReader()
			defer r.Close()
			if got := readString(t, r, id); got != strings.Repeat("payload ", 100) {
				t.Fatalf("content mismatch under %s", name)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// Pack list
// ---------------------------------------------------------------------------

func writeSinglePack(t *testing.T, db *ObjectDatabase, src PackSource, content string) *Pack {
	t.Helper()
	p, err := db.WritePack(src, 1, func(w *pack.Writer) ([]pack.Entry, error) {
		e, err := w.WriteObject(object.TypeBlob, []byte(content))
		if err != nil {
			return nil, err
		}
		return []pack.Entry{e}, nil
	})
	if err != nil {
		t.Fatalf("WritePack: %v", err)
	}
	return p
}

func TestCommitPackConcurrentModification(t *testing.T) {
	db := newTestDB(t)
	ins := db.NewInserter()
	defer ins.Close()
	insertBlob(t, ins, "a")
	flush(t, ins)
	old := db.ListPacks()[0]

	first := writeSinglePack(t, db, SourceCompact, "a")
	if err := db.CommitPack([]*Pack{first}, []*Pack{old}); err != nil {
		t.Fatalf("CommitPack: %v", err)
	}

	second := writeSinglePack(t, db, SourceCompact, "a")
	err := db.CommitPack([]*Pack{second}, []*Pack{old})
	if !errors.Is(err, ErrConcurrentModification) {
		t.Fatalf("CommitPack = %v, want concurrent modification", err)
	}
	packs := db.ListPacks()
	if len(packs) != 1 || packs[0].Name() != first.Name() {
		t.Fatalf("pack list changed after failed commit: %v", packs)
	}
	if err := db.Discard(second); err != nil {
		t.Fatalf("Discard: %v", err)
	}
	if err := db.Discard(first); err == nil {
		t.Fatal("Discard of a published pack should fail")
	}
}

func TestRetiredPackOutlivesReader(t *testing.T) {
	db := newTestDB(t)
	ins := db.NewInserter()
	defer ins.Close()
	id := insertBlob(t, ins, "survivor")
	flush(t, ins)
	old := db.ListPacks()[0]

	r := db.NewReader()
	replacement := writeSinglePack(t, db, SourceGC, "survivor")
	if err := db.CommitPack([]*Pack{replacement}, []*Pack{old}); err != nil {
		t.Fatalf("CommitPack: %v", err)
	}

	if got := readString(t, r, id); got != "survivor" {
		t.Fatalf("old snapshot read = %q", got)
	}
	if exists, _ := afero.Exists(db.Fs(), old.files.path(ExtPack)); !exists {
		t.Fatal("retired pack deleted while a reader holds it")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	for _, ext := range []string{ExtPack, ExtIndex, ExtMeta} {
		if exists, _ := afero.Exists(db.Fs(), old.files.path(ext)); exists {
			t.Fatalf("retired %s still present after last release", ext)
		}
	}

	r = db.NewReader()
	defer r.Close()
	if got := readString(t, r, id); got != "survivor" {
		t.Fatalf("new snapshot read = %q", got)
	}
}

func TestReopenRestoresState(t *testing.T) {
	fs := afero.NewMemMapFs()
	db := openTestDB(t, fs, nil)
	ins := db.NewInserter()
	a := insertBlob(t, ins, "a")
	flush(t, ins)
	b := insertBlob(t, ins, "b")
	flush(t, ins)
	ins.Close()

	packs := db.ListPacks()
	if err := db.SetPackSource(packs[1].Name(), SourceUnreachableGarbage); err != nil {
		t.Fatalf("SetPackSource: %v", err)
	}
	if err := db.Keep(packs[0].Name(), "pinned"); err != nil {
		t.Fatalf("Keep: %v", err)
	}

	reopened := openTestDB(t, fs, nil)
	got := reopened.ListPacks()
	if len(got) != 2 {
		t.Fatalf("packs = %d, want 2", len(got))
	}
	if got[0].Name() != packs[0].Name() || !got[0].IsKept() {
		t.Fatalf("newest pack = %s kept=%v", got[0].Name(), got[0].IsKept())
	}
	if got[1].Source() != SourceUnreachableGarbage {
		t.Fatalf("older pack source = %v", got[1].Source())
	}
	if !reopened.HasReachable(b) || reopened.HasReachable(a) || !reopened.Has(a) {
		t.Fatal("visibility not restored after reopen")
	}

	if err := reopened.Unkeep(got[0].Name()); err != nil {
		t.Fatalf("Unkeep: %v", err)
	}
	if p, _ := reopened.FindPack(got[0].Name()); p.IsKept() {
		t.Fatal("pack still kept after Unkeep")
	}
}

func TestReceivePackAndVerify(t *testing.T) {
	src := newTestDB(t)
	ins := src.NewInserter()
	ids := []object.ID{insertBlob(t, ins, "one"), insertBlob(t, ins, "two"), insertBlob(t, ins, "three")}
	flush(t, ins)
	ins.Close()

	raw, err := afero.ReadFile(src.Fs(), src.ListPacks()[0].files.path(ExtPack))
	if err != nil {
		t.Fatalf("read pack: %v", err)
	}

	dst := newTestDB(t)
	p, err := dst.ReceivePack(bytes.NewReader(raw), SourceReceive)
	if err != nil {
		t.Fatalf("ReceivePack: %v", err)
	}
	if p.Source() != SourceReceive || p.Description().ObjectCount != 3 {
		t.Fatalf("received %s: %v %d objects", p.Name(), p.Source(), p.Description().ObjectCount)
	}
	r := dst.NewReader()
	defer r.Close()
	for _, id := range ids {
		if !r.Has(id) {
			t.Fatalf("received pack lacks %s", id.Short(12))
		}
	}

	summary, err := dst.Verify()
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if summary.PackFiles != 1 || summary.PackObjects != 3 {
		t.Fatalf("summary = %+v", summary)
	}

	raw[len(raw)/2] ^= 0xff
	if _, err := dst.ReceivePack(bytes.NewReader(raw), SourceReceive); err == nil {
		t.Fatal("ReceivePack accepted a damaged stream")
	}
	if n := len(dst.ListPacks()); n != 1 {
		t.Fatalf("packs after rejected receive = %d, want 1", n)
	}
}

func TestReceivePackRejectsCorruptEntrySize(t *testing.T) {
	db := newTestDB(t)
	raw := pack.Header{Version: pack.Version, NumObjects: 1, Codec: codec.IDZlib}.Marshal()
	raw = append(raw, 0xbf, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0x7f, 0x00)
	sum := sha256.Sum256(raw)
	raw = append(raw, sum[:]...)

	_, err := db.ReceivePack(bytes.NewReader(raw), SourceReceive)
	if !errors.Is(err, object.ErrCorrupt) {
		t.Fatalf("ReceivePack err = %v, want ErrCorrupt", err)
	}
	if n := len(db.ListPacks()); n != 0 {
		t.Fatalf("packs after rejected receive = %d, want 0", n)
	}
}

func TestPackSourceNames(t *testing.T) {
	for src := SourceInsert; src <= SourceUnreachableGarbage; src++ {
		got, err := ParsePackSource(src.String())
		if err != nil || got != src {
			t.Fatalf("ParsePackSource(%q) = %v, %v", src.String(), got, err)
		}
	}
	if _, err := ParsePackSource("bogus"); err == nil {
		t.Fatal("ParsePackSource(bogus) should fail")
	}
	if !SourceUnreachableGarbage.IsGarbage() || SourceGC.IsGarbage() {
		t.Fatal("IsGarbage wrong")
	}
	if SourceInsert.Category() != SourceReceive.Category() || SourceGC.Category() >= SourceGCRest.Category() {
		t.Fatal("categories out of order")
	}
}
