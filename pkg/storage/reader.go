package storage

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/hashicorp/go-multierror"

	"github.com/odvcencio/odb/pkg/commitgraph"
	"github.com/odvcencio/odb/pkg/object"
)

// Reader reads objects from a fixed snapshot of the pack list. Packs
// retired while the reader is open stay readable until Close. A reader
// obtained from an Inserter also sees that inserter's staged objects, and
// keeps seeing them once a Flush moves them into a pack.
type Reader struct {
	db       *ObjectDatabase
	inserter *Inserter

	avoidGarbage bool

	mu        sync.Mutex
	packs     []*Pack
	flushSeen int
	closed    bool
	closeErr  error
}

// SetAvoidUnreachableObjects hides objects stored only in garbage packs.
func (r *Reader) SetAvoidUnreachableObjects(avoid bool) {
	r.avoidGarbage = avoid
}

// Packs returns the snapshot this reader serves, newest first.
func (r *Reader) Packs() []*Pack {
	return append([]*Pack(nil), r.snapshot()...)
}

// snapshot returns the packs to search. For a reader bound to an inserter
// it first folds in the packs that inserter flushed since the last call.
func (r *Reader) snapshot() []*Pack {
	if r.inserter == nil {
		return r.packs
	}
	fresh, seen := r.inserter.flushedSince(r.flushSeenCount())
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed || seen <= r.flushSeen {
		return r.packs
	}
	held := make(map[*packFiles]bool, len(r.packs))
	for _, p := range r.packs {
		held[p.files] = true
	}
	var add []*Pack
	lost := false
	for i := len(fresh) - 1; i >= 0; i-- {
		p := fresh[i]
		if held[p.files] {
			continue
		}
		if !p.files.tryAcquire() {
			lost = true
			continue
		}
		held[p.files] = true
		add = append(add, p)
	}
	if lost {
		// A flushed pack was already rewritten and deleted; its objects
		// live in whatever replaced it.
		r.db.mu.Lock()
		for _, p := range r.db.current() {
			if !held[p.files] {
				p.files.acquire()
				held[p.files] = true
				add = append(add, p)
			}
		}
		r.db.mu.Unlock()
	}
	r.packs = append(add, r.packs...)
	r.flushSeen = seen
	return r.packs
}

func (r *Reader) flushSeenCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.flushSeen
}

func (r *Reader) visible(p *Pack) bool {
	return !r.avoidGarbage || !p.IsGarbage()
}

// Has reports whether id is readable through this reader.
func (r *Reader) Has(id object.ID) bool {
	if r.inserter != nil && r.inserter.staged(id) != nil {
		return true
	}
	return hasIn(r.snapshot(), id, r.avoidGarbage)
}

// HasReachable reports whether id is staged or held by a non-garbage pack.
func (r *Reader) HasReachable(id object.ID) bool {
	if r.inserter != nil && r.inserter.staged(id) != nil {
		return true
	}
	return hasIn(r.snapshot(), id, true)
}

// Open returns the type and content of id. Missing objects produce an
// error matching object.ErrNotFound.
func (r *Reader) Open(id object.ID) (object.Type, []byte, error) {
	if r.inserter != nil {
		if so := r.inserter.staged(id); so != nil {
			data, err := r.inserter.load(so)
			if err != nil {
				return 0, nil, fmt.Errorf("open staged %s: %w", id, err)
			}
			return so.typ, data, nil
		}
	}
	for _, p := range r.snapshot() {
		if !r.visible(p) {
			continue
		}
		off := p.files.find(id)
		if off < 0 {
			continue
		}
		pr, err := p.files.packReader()
		if err != nil {
			return 0, nil, err
		}
		t, data, err := pr.ReadAt(off)
		if err != nil {
			return 0, nil, fmt.Errorf("read %s from %s: %w", id, p.desc.Name, err)
		}
		return t, data, nil
	}
	return 0, nil, &object.MissingObjectError{ID: id}
}

// OpenType is Open with a type check.
func (r *Reader) OpenType(id object.ID, want object.Type) ([]byte, error) {
	t, data, err := r.Open(id)
	if err != nil {
		return nil, err
	}
	if t != want {
		return nil, &object.IncorrectTypeError{ID: id, Got: t, Want: want}
	}
	return data, nil
}

// OpenStream returns a reader over the content of id and its size. Large
// staged or packed objects are inflated incrementally.
func (r *Reader) OpenStream(id object.ID) (object.Type, int64, io.ReadCloser, error) {
	if r.inserter != nil {
		if so := r.inserter.staged(id); so != nil {
			rc, err := r.inserter.stream(so)
			if err != nil {
				return 0, 0, nil, fmt.Errorf("open staged %s: %w", id, err)
			}
			return so.typ, so.size, rc, nil
		}
	}
	for _, p := range r.snapshot() {
		if !r.visible(p) {
			continue
		}
		off := p.files.find(id)
		if off < 0 {
			continue
		}
		pr, err := p.files.packReader()
		if err != nil {
			return 0, 0, nil, err
		}
		t, size, rc, err := pr.OpenStream(off)
		if err != nil {
			return 0, 0, nil, fmt.Errorf("stream %s from %s: %w", id, p.desc.Name, err)
		}
		return t, size, rc, nil
	}
	return 0, 0, nil, &object.MissingObjectError{ID: id}
}

// ObjectSize returns the inflated size of id, using a pack's size index
// when it records the object.
func (r *Reader) ObjectSize(id object.ID) (int64, error) {
	if r.inserter != nil {
		if so := r.inserter.staged(id); so != nil {
			return so.size, nil
		}
	}
	for _, p := range r.snapshot() {
		if !r.visible(p) {
			continue
		}
		off := p.files.find(id)
		if off < 0 {
			continue
		}
		if si := p.files.sizeIdx; si != nil {
			if size, ok := si.Size(p.files.idx.FindPosition(id)); ok {
				return size, nil
			}
		}
		pr, err := p.files.packReader()
		if err != nil {
			return 0, err
		}
		size, err := pr.ObjectSize(off)
		if err != nil {
			return 0, fmt.Errorf("size of %s in %s: %w", id, p.desc.Name, err)
		}
		return size, nil
	}
	return 0, &object.MissingObjectError{ID: id}
}

// Resolve returns every id starting with prefix across all packs and the
// bound inserter, sorted. A positive limit bounds the result; callers that
// need to detect ambiguity pass a limit of at least 2.
func (r *Reader) Resolve(prefix object.AbbreviatedID, limit int) []object.ID {
	matches := make(map[object.ID]struct{})
	if prefix.IsComplete() {
		if id, ok := prefix.ToID(); ok && r.Has(id) {
			return []object.ID{id}
		}
		return nil
	}
	if r.inserter != nil {
		r.inserter.resolveInto(matches, prefix, limit)
	}
	for _, p := range r.snapshot() {
		if limit > 0 && len(matches) >= limit {
			break
		}
		if !r.visible(p) {
			continue
		}
		p.files.idx.ResolveInto(matches, prefix, limit)
	}
	out := make([]object.ID, 0, len(matches))
	for id := range matches {
		out = append(out, id)
	}
	object.SortIDs(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// CommitGraph returns the database commit graph, or an empty graph when
// none is available or it is disabled.
func (r *Reader) CommitGraph() (commitgraph.Graph, error) {
	return r.db.CommitGraph()
}

// Close releases the snapshot. It is safe to call more than once.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return r.closeErr
	}
	r.closed = true
	var result *multierror.Error
	for _, p := range r.packs {
		if err := p.files.release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	r.packs = nil
	r.closeErr = result.ErrorOrNil()
	return r.closeErr
}

func readAllClose(rc io.ReadCloser) ([]byte, error) {
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(rc); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
