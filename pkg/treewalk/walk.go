// Package treewalk walks N trees in parallel, yielding each path once with
// the mode and id it has in every tree.
package treewalk

import (
	"fmt"
	"sort"

	"github.com/odvcencio/odb/pkg/object"
)

// Entry is the walk's current position. Modes and IDs hold one slot per
// tree; a zero mode means the path is absent from that tree.
type Entry struct {
	Path  string
	Name  string
	Modes []object.FileMode
	IDs   []object.ID
}

// TreeCount returns the number of trees being walked.
func (e *Entry) TreeCount() int {
	return len(e.Modes)
}

// Mode returns the mode of the entry in tree i.
func (e *Entry) Mode(i int) object.FileMode {
	return e.Modes[i]
}

// ID returns the id of the entry in tree i.
func (e *Entry) ID(i int) object.ID {
	return e.IDs[i]
}

// Equal reports whether trees i and j hold the same mode and id here.
func (e *Entry) Equal(i, j int) bool {
	return e.Modes[i] == e.Modes[j] && e.IDs[i] == e.IDs[j]
}

// IsSubtree reports whether any tree holds a directory at this path.
func (e *Entry) IsSubtree() bool {
	for _, m := range e.Modes {
		if m.IsTree() {
			return true
		}
	}
	return false
}

type frame struct {
	prefix  string
	entries [][]object.TreeEntry
	pos     []int
}

// Walk is an N-way tree walk. Entries are produced in canonical tree
// order, directories compared as if their name ended with '/'.
type Walk struct {
	src       object.Loader
	n         int
	recursive bool
	filter    Filter
	stack     []*frame
	entry     Entry
	valid     bool
}

// New starts a walk over trees. A zero id stands for the empty tree.
func New(src object.Loader, trees ...object.ID) (*Walk, error) {
	w := &Walk{src: src, filter: All()}
	if err := w.Reset(trees...); err != nil {
		return nil, err
	}
	return w, nil
}

// Reset restarts the walk over a new set of trees, keeping the filter and
// recursion settings.
func (w *Walk) Reset(trees ...object.ID) error {
	w.n = len(trees)
	w.stack = w.stack[:0]
	w.valid = false
	w.entry = Entry{Modes: make([]object.FileMode, w.n), IDs: make([]object.ID, w.n)}
	f, err := w.loadFrame("", trees)
	if err != nil {
		return err
	}
	w.stack = append(w.stack, f)
	return nil
}

// SetRecursive makes the walk descend into included subtrees on its own
// instead of yielding them.
func (w *Walk) SetRecursive(recursive bool) {
	w.recursive = recursive
}

// Recursive reports whether the walk descends automatically.
func (w *Walk) Recursive() bool {
	return w.recursive
}

// SetFilter sets the entry filter. The zero Filter includes everything.
func (w *Walk) SetFilter(f Filter) {
	w.filter = f
}

// Filter returns the entry filter.
func (w *Walk) Filter() Filter {
	return w.filter
}

// TreeCount returns the number of trees in the walk.
func (w *Walk) TreeCount() int {
	return w.n
}

// Entry returns the current entry. It is overwritten by the next call to
// Next.
func (w *Walk) Entry() *Entry {
	return &w.entry
}

func (w *Walk) readTree(id object.ID) ([]object.TreeEntry, error) {
	if id.IsZero() {
		return nil, nil
	}
	t, data, err := w.src.Open(id)
	if err != nil {
		return nil, fmt.Errorf("tree walk: %w", err)
	}
	if t != object.TypeTree {
		return nil, &object.IncorrectTypeError{ID: id, Got: t, Want: object.TypeTree}
	}
	tr, err := object.UnmarshalTree(data)
	if err != nil {
		return nil, fmt.Errorf("tree walk: parse tree %s: %w", id, err)
	}
	entries := tr.Entries
	sort.SliceStable(entries, func(i, j int) bool {
		a, b := entries[i], entries[j]
		return object.CompareTreeNames(a.Name, a.Mode.IsTree(), b.Name, b.Mode.IsTree()) < 0
	})
	return entries, nil
}

func (w *Walk) loadFrame(prefix string, trees []object.ID) (*frame, error) {
	f := &frame{prefix: prefix, entries: make([][]object.TreeEntry, len(trees)), pos: make([]int, len(trees))}
	for i, id := range trees {
		entries, err := w.readTree(id)
		if err != nil {
			return nil, err
		}
		f.entries[i] = entries
	}
	return f, nil
}

// EnterSubtree descends into the current entry. Only valid right after
// Next yielded a subtree in a non-recursive walk.
func (w *Walk) EnterSubtree() error {
	if !w.valid || !w.entry.IsSubtree() {
		return fmt.Errorf("tree walk: %q is not a subtree", w.entry.Path)
	}
	return w.enter()
}

func (w *Walk) enter() error {
	trees := make([]object.ID, w.n)
	for i, m := range w.entry.Modes {
		if m.IsTree() {
			trees[i] = w.entry.IDs[i]
		}
	}
	f, err := w.loadFrame(w.entry.Path+"/", trees)
	if err != nil {
		return err
	}
	w.stack = append(w.stack, f)
	w.valid = false
	return nil
}

// Next advances to the next included entry. It returns false when the walk
// is exhausted.
func (w *Walk) Next() (bool, error) {
	for len(w.stack) > 0 {
		f := w.stack[len(w.stack)-1]
		lo := -1
		for i := range f.entries {
			if f.pos[i] >= len(f.entries[i]) {
				continue
			}
			if lo < 0 {
				lo = i
				continue
			}
			a, b := f.entries[i][f.pos[i]], f.entries[lo][f.pos[lo]]
			if object.CompareTreeNames(a.Name, a.Mode.IsTree(), b.Name, b.Mode.IsTree()) < 0 {
				lo = i
			}
		}
		if lo < 0 {
			w.stack = w.stack[:len(w.stack)-1]
			continue
		}

		head := f.entries[lo][f.pos[lo]]
		w.entry.Name = head.Name
		w.entry.Path = f.prefix + head.Name
		for i := range f.entries {
			w.entry.Modes[i], w.entry.IDs[i] = 0, object.ZeroID
			if f.pos[i] >= len(f.entries[i]) {
				continue
			}
			e := f.entries[i][f.pos[i]]
			if object.CompareTreeNames(e.Name, e.Mode.IsTree(), head.Name, head.Mode.IsTree()) == 0 {
				w.entry.Modes[i], w.entry.IDs[i] = e.Mode, e.ID
				f.pos[i]++
			}
		}
		w.valid = true

		if !w.filter.Include(&w.entry) {
			continue
		}
		if w.recursive && w.entry.IsSubtree() {
			if err := w.enter(); err != nil {
				return false, err
			}
			continue
		}
		return true, nil
	}
	w.valid = false
	return false, nil
}
