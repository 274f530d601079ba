package storage

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/odvcencio/odb/pkg/codec"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/pack"
)

// stagedObject is one object waiting for Flush. Small objects keep their
// content in data; large ones live compressed in a spill file.
type stagedObject struct {
	id       object.ID
	typ      object.Type
	size     int64
	data     []byte
	spill    string
	spillLen int64
}

// Inserter stages new objects and seals them into one INSERT pack per
// Flush. Staged objects are invisible to other readers until then.
type Inserter struct {
	db    *ObjectDatabase
	codec codec.Codec
	log   logrus.FieldLogger

	mu      sync.Mutex
	objects map[object.ID]*stagedObject
	order   []object.ID
	closed  bool
	// flushed lists the packs published by Flush, oldest first.
	flushed []*Pack
}

// NewInserter returns an inserter writing with the database codec.
func (db *ObjectDatabase) NewInserter() *Inserter {
	return &Inserter{
		db:      db,
		codec:   db.opts.Codec,
		log:     db.log,
		objects: make(map[object.ID]*stagedObject),
	}
}

// SetCompressionLevel changes the codec level for objects staged from now
// on and for the next flushed pack.
func (ins *Inserter) SetCompressionLevel(level int) {
	ins.mu.Lock()
	ins.codec = codec.WithLevel(ins.db.opts.Codec, level)
	ins.mu.Unlock()
}

// NewReader returns a reader over the database that also sees this
// inserter's staged objects, including after they are flushed.
func (ins *Inserter) NewReader() *Reader {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	r := ins.db.newReader(ins)
	r.flushSeen = len(ins.flushed)
	return r
}

// flushedSince returns the packs published after the first n and the new
// count.
func (ins *Inserter) flushedSince(n int) ([]*Pack, int) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return append([]*Pack(nil), ins.flushed[n:]...), len(ins.flushed)
}

func (ins *Inserter) staged(id object.ID) *stagedObject {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return ins.objects[id]
}

// exists reports whether id is staged or already reachable in the
// database. Callers hold mu.
func (ins *Inserter) exists(id object.ID) bool {
	if _, ok := ins.objects[id]; ok {
		return true
	}
	return ins.db.HasReachable(id)
}

// Insert stages an object and returns its id. Content already staged or
// stored in a reachable pack is not staged again.
func (ins *Inserter) Insert(t object.Type, data []byte) (object.ID, error) {
	if !t.Valid() {
		return object.ZeroID, fmt.Errorf("insert: invalid object type %d", t)
	}
	id := ins.db.opts.Format.HashObject(t, data)
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if ins.closed {
		return object.ZeroID, fmt.Errorf("insert %s: inserter closed", id)
	}
	if ins.exists(id) {
		return id, nil
	}
	if int64(len(data)) >= ins.db.opts.StreamFileThreshold {
		so, err := ins.spill(t, int64(len(data)), bytes.NewReader(data))
		if err != nil {
			return object.ZeroID, err
		}
		ins.add(so)
		return id, nil
	}
	ins.add(&stagedObject{id: id, typ: t, size: int64(len(data)), data: append([]byte(nil), data...)})
	return id, nil
}

// InsertStream stages an object of a declared size read from r. Objects at
// or above the stream threshold never sit fully in memory.
func (ins *Inserter) InsertStream(t object.Type, size int64, r io.Reader) (object.ID, error) {
	if !t.Valid() {
		return object.ZeroID, fmt.Errorf("insert: invalid object type %d", t)
	}
	if size < 0 {
		return object.ZeroID, fmt.Errorf("insert: negative size %d", size)
	}
	if size < ins.db.opts.StreamFileThreshold {
		data, err := io.ReadAll(io.LimitReader(r, size+1))
		if err != nil {
			return object.ZeroID, fmt.Errorf("insert: read content: %w", err)
		}
		if int64(len(data)) != size {
			return object.ZeroID, object.Corruptf("insert: read %d bytes, declared %d", len(data), size)
		}
		return ins.Insert(t, data)
	}

	ins.mu.Lock()
	defer ins.mu.Unlock()
	if ins.closed {
		return object.ZeroID, errors.New("insert: inserter closed")
	}
	so, err := ins.spill(t, size, r)
	if err != nil {
		return object.ZeroID, err
	}
	if ins.exists(so.id) {
		_ = ins.db.fs.Remove(so.spill)
		return so.id, nil
	}
	ins.add(so)
	return so.id, nil
}

// InsertCommit serializes and stages a commit.
func (ins *Inserter) InsertCommit(c *object.Commit) (object.ID, error) {
	return ins.Insert(object.TypeCommit, object.MarshalCommit(c))
}

// InsertTree serializes and stages a tree.
func (ins *Inserter) InsertTree(tr *object.Tree) (object.ID, error) {
	return ins.Insert(object.TypeTree, object.MarshalTree(tr))
}

// InsertTag serializes and stages an annotated tag.
func (ins *Inserter) InsertTag(tag *object.Tag) (object.ID, error) {
	return ins.Insert(object.TypeTag, object.MarshalTag(tag))
}

// ObjectSize returns the inflated size of a staged object.
func (ins *Inserter) ObjectSize(id object.ID) (int64, error) {
	so := ins.staged(id)
	if so == nil {
		return 0, &object.MissingObjectError{ID: id}
	}
	return so.size, nil
}

// Pending returns the number of staged objects.
func (ins *Inserter) Pending() int {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	return len(ins.order)
}

func (ins *Inserter) add(so *stagedObject) {
	ins.objects[so.id] = so
	ins.order = append(ins.order, so.id)
}

// spill compresses r into a temporary file while hashing it.
func (ins *Inserter) spill(t object.Type, size int64, r io.Reader) (*stagedObject, error) {
	tmp, err := createTemp(ins.db.fs, ins.db.packDir(), "insert-*")
	if err != nil {
		return nil, fmt.Errorf("insert: %w", err)
	}
	path := tmp.Name()
	fail := func(err error) (*stagedObject, error) {
		tmp.cleanup()
		return nil, err
	}
	hasher := ins.db.opts.Format.NewObjectHasher(t, size)
	cw, err := ins.codec.NewWriter(tmp.file)
	if err != nil {
		return fail(fmt.Errorf("insert: %w", err))
	}
	n, err := io.Copy(io.MultiWriter(cw, hasher), io.LimitReader(r, size+1))
	if err != nil {
		_ = cw.Close()
		return fail(fmt.Errorf("insert: spill content: %w", err))
	}
	if err := cw.Close(); err != nil {
		return fail(fmt.Errorf("insert: spill content: %w", err))
	}
	if n != size {
		return fail(object.Corruptf("insert: read %d bytes, declared %d", n, size))
	}
	info, err := tmp.file.Stat()
	if err != nil {
		return fail(fmt.Errorf("insert: %w", err))
	}
	if err := tmp.file.Close(); err != nil {
		return fail(fmt.Errorf("insert: %w", err))
	}
	tmp.kept = true
	so := &stagedObject{
		id:       object.SumID(hasher),
		typ:      t,
		size:     size,
		spill:    path,
		spillLen: info.Size(),
	}
	ins.log.WithFields(logrus.Fields{"size": size, "object": so.id.Short(12)}).Debug("spilled large object")
	return so, nil
}

// stream opens a staged object's content.
func (ins *Inserter) stream(so *stagedObject) (io.ReadCloser, error) {
	if so.spill == "" {
		return io.NopCloser(bytes.NewReader(so.data)), nil
	}
	f, err := ins.db.fs.Open(so.spill)
	if err != nil {
		return nil, err
	}
	rc, err := ins.codec.NewReader(f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &spillReader{ReadCloser: rc, file: f}, nil
}

type spillReader struct {
	io.ReadCloser
	file io.Closer
}

func (s *spillReader) Close() error {
	err := s.ReadCloser.Close()
	if ferr := s.file.Close(); err == nil {
		err = ferr
	}
	return err
}

// load returns the full content of a staged object.
func (ins *Inserter) load(so *stagedObject) ([]byte, error) {
	if so.spill == "" {
		return so.data, nil
	}
	rc, err := ins.stream(so)
	if err != nil {
		return nil, err
	}
	return readAllClose(rc)
}

// verify checks a staged object's content against its declared type, size
// and id.
func (ins *Inserter) verify(so *stagedObject) error {
	if !so.typ.Valid() {
		return object.Corruptf("staged %s: invalid type %d", so.id, so.typ)
	}
	rc, err := ins.stream(so)
	if err != nil {
		return fmt.Errorf("staged %s: %w", so.id, err)
	}
	defer rc.Close()
	h := ins.db.opts.Format.NewObjectHasher(so.typ, so.size)
	n, err := io.Copy(h, rc)
	if err != nil {
		return object.Corruptf("staged %s: %v", so.id, err)
	}
	if n != so.size {
		return object.Corruptf("staged %s: %d bytes, declared %d", so.id, n, so.size)
	}
	if object.SumID(h) != so.id {
		return object.Corruptf("staged %s: content does not match id", so.id)
	}
	return nil
}

func (ins *Inserter) resolveInto(matches map[object.ID]struct{}, prefix object.AbbreviatedID, limit int) {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	for _, id := range ins.order {
		if limit > 0 && len(matches) >= limit {
			return
		}
		if prefix.Matches(id) {
			matches[id] = struct{}{}
		}
	}
}

// Flush seals every staged object into one new INSERT pack and publishes
// it. Flushing nothing is a no-op. If any staged object fails verification
// or the pack cannot be written, no pack is published and the objects stay
// staged.
func (ins *Inserter) Flush() error {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if ins.closed {
		return errors.New("flush: inserter closed")
	}
	if len(ins.order) == 0 {
		return nil
	}
	for _, id := range ins.order {
		if err := ins.verify(ins.objects[id]); err != nil {
			return fmt.Errorf("flush: %w", err)
		}
	}

	p, err := ins.db.writePack(SourceInsert, ins.codec, len(ins.order), func(w *pack.Writer) ([]pack.Entry, error) {
		entries := make([]pack.Entry, 0, len(ins.order))
		for _, id := range ins.order {
			e, err := ins.writeStaged(w, ins.objects[id])
			if err != nil {
				return nil, err
			}
			entries = append(entries, e)
		}
		return entries, nil
	})
	if err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	if err := ins.db.CommitPack([]*Pack{p}, nil); err != nil {
		if derr := ins.db.Discard(p); derr != nil {
			err = multierror.Append(err, derr)
		}
		return fmt.Errorf("flush: %w", err)
	}
	ins.flushed = append(ins.flushed, p)
	ins.log.WithFields(logrus.Fields{"pack": p.Name(), "objects": len(ins.order)}).Debug("flushed inserter")
	return ins.reset()
}

func (ins *Inserter) writeStaged(w *pack.Writer, so *stagedObject) (pack.Entry, error) {
	if so.spill == "" {
		e, err := w.WriteObject(so.typ, so.data)
		if err != nil {
			return pack.Entry{}, err
		}
		if e.ID != so.id {
			return pack.Entry{}, object.Corruptf("staged %s: content does not match id", so.id)
		}
		return e, nil
	}
	f, err := ins.db.fs.Open(so.spill)
	if err != nil {
		return pack.Entry{}, fmt.Errorf("open spill for %s: %w", so.id, err)
	}
	defer f.Close()
	return w.WriteCompressed(so.id, so.typ, so.size, f, so.spillLen)
}

// reset drops all staged objects and their spill files. Callers hold mu.
func (ins *Inserter) reset() error {
	var result *multierror.Error
	for _, so := range ins.objects {
		if so.spill == "" {
			continue
		}
		if err := ins.db.fs.Remove(so.spill); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, fmt.Errorf("remove spill for %s: %w", so.id, err))
		}
	}
	ins.objects = make(map[object.ID]*stagedObject)
	ins.order = nil
	return result.ErrorOrNil()
}

// Close discards anything not flushed.
func (ins *Inserter) Close() error {
	ins.mu.Lock()
	defer ins.mu.Unlock()
	if ins.closed {
		return nil
	}
	ins.closed = true
	return ins.reset()
}
