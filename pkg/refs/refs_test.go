package refs

import (
	"errors"
	"testing"

	"github.com/spf13/afero"

	"github.com/odvcencio/odb/pkg/object"
)

func testID(b byte) object.ID {
	var id object.ID
	id[0], id[31] = b, b
	return id
}

func newFileDB(t *testing.T) *FileDatabase {
	t.Helper()
	db := NewFileDatabase(afero.NewMemMapFs(), "/repo")
	if err := db.Init("main"); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return db
}

func TestFileDatabaseResolveShortNames(t *testing.T) {
	db := newFileDB(t)
	if err := db.Update("refs/heads/main", testID(1)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := db.Update("refs/tags/v1", testID(2)); err != nil {
		t.Fatalf("Update: %v", err)
	}

	for _, tc := range []struct {
		name string
		want object.ID
	}{
		{"main", testID(1)},
		{"refs/heads/main", testID(1)},
		{"HEAD", testID(1)},
		{"v1", testID(2)},
	} {
		got, err := db.Resolve(tc.name)
		if err != nil {
			t.Fatalf("Resolve(%q): %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("Resolve(%q) = %s, want %s", tc.name, got.Short(8), tc.want.Short(8))
		}
	}

	if _, err := db.Resolve("missing"); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("Resolve(missing) = %v, want not found", err)
	}
}

func TestFileDatabaseHeadUpdateMovesBranch(t *testing.T) {
	db := newFileDB(t)
	if err := db.Update(Head, testID(3)); err != nil {
		t.Fatalf("Update(HEAD): %v", err)
	}
	got, err := db.Resolve("refs/heads/main")
	if err != nil || got != testID(3) {
		t.Fatalf("main = %s, %v", got.Short(8), err)
	}
	target, err := db.Symbolic(Head)
	if err != nil || target != "refs/heads/main" {
		t.Fatalf("Symbolic(HEAD) = %q, %v", target, err)
	}
}

func TestFileDatabaseList(t *testing.T) {
	db := newFileDB(t)
	for name, b := range map[string]byte{
		"refs/heads/main":      1,
		"refs/heads/feature/x": 2,
		"refs/tags/v1":         3,
		"refs/notes/commits":   4,
	} {
		if err := db.Update(name, testID(b)); err != nil {
			t.Fatalf("Update(%s): %v", name, err)
		}
	}
	heads, err := db.List(HeadsPrefix)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(heads) != 2 || heads[0].Name != "refs/heads/feature/x" || heads[1].Name != "refs/heads/main" {
		t.Fatalf("heads = %v", heads)
	}
	all, err := db.List("refs/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(all) != 4 {
		t.Fatalf("all refs = %d, want 4", len(all))
	}
}

func TestFileDatabaseCAS(t *testing.T) {
	db := newFileDB(t)
	zero := object.ZeroID
	if err := db.UpdateCAS("refs/heads/main", testID(1), &zero); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := db.UpdateCAS("refs/heads/main", testID(2), &zero); !errors.Is(err, ErrCASMismatch) {
		t.Fatalf("stale create = %v, want CAS mismatch", err)
	}
	old := testID(1)
	if err := db.UpdateCAS("refs/heads/main", testID(2), &old); err != nil {
		t.Fatalf("swap: %v", err)
	}
	if got, _ := db.Resolve("main"); got != testID(2) {
		t.Fatalf("main = %s", got.Short(8))
	}
}

func TestFileDatabaseStaleLockTimesOut(t *testing.T) {
	db := newFileDB(t)
	if err := afero.WriteFile(db.fs, db.path("refs/heads/main")+".lock", nil, 0o644); err != nil {
		t.Fatalf("write lock: %v", err)
	}
	if err := db.Update("refs/heads/main", testID(1)); err == nil {
		t.Fatal("Update succeeded while the ref was locked")
	}
}

func TestFileDatabaseRejectsBadNames(t *testing.T) {
	db := newFileDB(t)
	for _, name := range []string{"main", "refs/heads/../x", "refs//heads", "refs/heads/x.lock"} {
		if err := db.Update(name, testID(1)); err == nil {
			t.Fatalf("Update(%q) succeeded", name)
		}
	}
}

func TestMemoryDatabase(t *testing.T) {
	db := NewMemoryDatabase()
	if err := db.Update("refs/heads/main", testID(1)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if err := db.Update("refs/tags/v1", testID(2)); err != nil {
		t.Fatalf("Update: %v", err)
	}
	if got, err := db.Resolve("main"); err != nil || got != testID(1) {
		t.Fatalf("Resolve(main) = %s, %v", got.Short(8), err)
	}
	if got, err := db.Resolve("v1"); err != nil || got != testID(2) {
		t.Fatalf("Resolve(v1) = %s, %v", got.Short(8), err)
	}
	refs, _ := db.List(TagsPrefix)
	if len(refs) != 1 || refs[0].ID != testID(2) {
		t.Fatalf("tags = %v", refs)
	}
	db.Delete("refs/tags/v1")
	if _, err := db.Resolve("v1"); !errors.Is(err, object.ErrNotFound) {
		t.Fatalf("Resolve after delete = %v", err)
	}
}
