package refs

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/afero"

	"github.com/odvcencio/odb/pkg/object"
)

const (
	lockRetryDelay = 5 * time.Millisecond
	lockWaitLimit  = 2 * time.Second
	symrefPrefix   = "ref: "
)

// FileDatabase keeps one file per ref under dir, plus a HEAD file that is
// either symbolic ("ref: refs/heads/main") or a detached id.
type FileDatabase struct {
	fs  afero.Fs
	dir string
}

var _ Database = (*FileDatabase)(nil)

// NewFileDatabase opens the refs stored under dir.
func NewFileDatabase(fsys afero.Fs, dir string) *FileDatabase {
	return &FileDatabase{fs: fsys, dir: dir}
}

// Init creates the layout and points HEAD at branch.
func (db *FileDatabase) Init(branch string) error {
	if err := db.fs.MkdirAll(filepath.Join(db.dir, "refs", "heads"), 0o755); err != nil {
		return fmt.Errorf("init refs: %w", err)
	}
	if err := db.fs.MkdirAll(filepath.Join(db.dir, "refs", "tags"), 0o755); err != nil {
		return fmt.Errorf("init refs: %w", err)
	}
	return db.SetSymbolic(Head, HeadsPrefix+branch)
}

func (db *FileDatabase) path(name string) string {
	return filepath.Join(db.dir, filepath.FromSlash(name))
}

func (db *FileDatabase) read(name string) (string, bool, error) {
	data, err := afero.ReadFile(db.fs, db.path(name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", false, nil
		}
		return "", false, err
	}
	return strings.TrimSpace(string(data)), true, nil
}

// Resolve follows symbolic refs and short names to an id.
func (db *FileDatabase) Resolve(name string) (object.ID, error) {
	for _, full := range candidates(name) {
		id, ok, err := db.resolveFull(full, 0)
		if err != nil {
			return object.ZeroID, err
		}
		if ok {
			return id, nil
		}
	}
	return object.ZeroID, notFound(name)
}

func (db *FileDatabase) resolveFull(name string, depth int) (object.ID, bool, error) {
	if depth > 5 {
		return object.ZeroID, false, fmt.Errorf("resolve ref %q: symbolic ref loop", name)
	}
	content, ok, err := db.read(name)
	if err != nil || !ok {
		if err != nil {
			err = fmt.Errorf("resolve ref %q: %w", name, err)
		}
		return object.ZeroID, false, err
	}
	if target, sym := strings.CutPrefix(content, symrefPrefix); sym {
		return db.resolveFull(target, depth+1)
	}
	id, err := object.ParseID(content)
	if err != nil {
		return object.ZeroID, false, fmt.Errorf("resolve ref %q: %w", name, object.Corruptf("%v", err))
	}
	return id, true, nil
}

// Symbolic returns the target of a symbolic ref, or "" when name holds an
// id directly.
func (db *FileDatabase) Symbolic(name string) (string, error) {
	content, ok, err := db.read(name)
	if err != nil {
		return "", fmt.Errorf("read ref %q: %w", name, err)
	}
	if !ok {
		return "", notFound(name)
	}
	target, _ := strings.CutPrefix(content, symrefPrefix)
	if target == content {
		return "", nil
	}
	return target, nil
}

// SetSymbolic points name at another ref.
func (db *FileDatabase) SetSymbolic(name, target string) error {
	if err := validName(target); err != nil {
		return err
	}
	return db.write(name, symrefPrefix+target, nil)
}

// List walks refs/ and returns refs under prefix.
func (db *FileDatabase) List(prefix string) ([]Ref, error) {
	root := filepath.Join(db.dir, "refs")
	var out []Ref
	err := afero.Walk(db.fs, root, func(path string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if info.IsDir() || strings.HasSuffix(path, ".lock") {
			return nil
		}
		rel, err := filepath.Rel(db.dir, path)
		if err != nil {
			return err
		}
		name := filepath.ToSlash(rel)
		if !strings.HasPrefix(name, prefix) {
			return nil
		}
		id, ok, err := db.resolveFull(name, 0)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, Ref{Name: name, ID: id})
		}
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list refs: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Update points name at id. Updating HEAD while it is symbolic moves the
// branch it names.
func (db *FileDatabase) Update(name string, id object.ID) error {
	return db.UpdateCAS(name, id, nil)
}

// UpdateCAS is Update that only succeeds when the ref currently holds
// *expectedOld. A zero expectedOld means the ref must not exist.
func (db *FileDatabase) UpdateCAS(name string, id object.ID, expectedOld *object.ID) error {
	if name == Head {
		if target, err := db.Symbolic(Head); err == nil && target != "" {
			name = target
		}
	}
	if err := validName(name); err != nil {
		return err
	}
	return db.write(name, id.String(), expectedOld)
}

// Delete removes a ref.
func (db *FileDatabase) Delete(name string) error {
	if err := validName(name); err != nil {
		return err
	}
	if err := db.fs.Remove(db.path(name)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return notFound(name)
		}
		return fmt.Errorf("delete ref %q: %w", name, err)
	}
	return nil
}

// write replaces a ref file through a lock file and a rename.
func (db *FileDatabase) write(name, content string, expectedOld *object.ID) error {
	path := db.path(name)
	if err := db.fs.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("update ref %q: mkdir: %w", name, err)
	}
	lockPath := path + ".lock"
	lock, err := db.acquireLock(lockPath)
	if err != nil {
		return fmt.Errorf("update ref %q: lock: %w", name, err)
	}
	cleanupLock := true
	defer func() {
		if lock != nil {
			_ = lock.Close()
		}
		if cleanupLock {
			_ = db.fs.Remove(lockPath)
		}
	}()

	if expectedOld != nil {
		old, ok, err := db.resolveFull(name, 0)
		if err != nil {
			return fmt.Errorf("update ref %q: read old value: %w", name, err)
		}
		if !ok {
			old = object.ZeroID
		}
		if old != *expectedOld {
			return fmt.Errorf("update ref %q: %w (expected %s, found %s)", name, ErrCASMismatch, expectedOld.Short(12), old.Short(12))
		}
	}

	if _, err := lock.WriteString(content + "\n"); err != nil {
		return fmt.Errorf("update ref %q: write: %w", name, err)
	}
	if err := lock.Close(); err != nil {
		lock = nil
		return fmt.Errorf("update ref %q: close: %w", name, err)
	}
	lock = nil
	if err := db.fs.Rename(lockPath, path); err != nil {
		return fmt.Errorf("update ref %q: rename: %w", name, err)
	}
	cleanupLock = false
	return nil
}

func (db *FileDatabase) acquireLock(lockPath string) (afero.File, error) {
	deadline := time.Now().Add(lockWaitLimit)
	for {
		f, err := db.fs.OpenFile(lockPath, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err == nil {
			return f, nil
		}
		if errors.Is(err, fs.ErrExist) {
			if time.Now().After(deadline) {
				return nil, fmt.Errorf("timeout waiting for lock %q", lockPath)
			}
			time.Sleep(lockRetryDelay)
			continue
		}
		return nil, err
	}
}
