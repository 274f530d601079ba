package commitgraph

import (
	"fmt"

	"github.com/hashicorp/go-multierror"

	"github.com/odvcencio/odb/pkg/object"
)

// Verify checks g against the commit objects in src: ids strictly
// ascending, tree, parents and commit time matching the raw commit, and
// each generation one more than the largest parent generation.
func Verify(g Graph, src object.Loader) error {
	var result *multierror.Error
	for pos := 0; pos < g.CommitCount(); pos++ {
		id := g.IDAt(pos)
		if pos > 0 && !g.IDAt(pos-1).Less(id) {
			result = multierror.Append(result, fmt.Errorf("position %d: ids out of order", pos))
		}
		if err := verifyCommit(g, src, pos, id); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

func verifyCommit(g Graph, src object.Loader, pos int, id object.ID) error {
	t, data, err := src.Open(id)
	if err != nil {
		return fmt.Errorf("commit %s: %w", id, err)
	}
	if t != object.TypeCommit {
		return &object.IncorrectTypeError{ID: id, Got: t, Want: object.TypeCommit}
	}
	h, err := object.ParseCommitHeader(data)
	if err != nil {
		return fmt.Errorf("commit %s: %w", id, err)
	}
	cd := g.CommitData(pos)
	if cd.Tree != h.Tree {
		return fmt.Errorf("commit %s: graph tree %s, object tree %s", id, cd.Tree.Short(12), h.Tree.Short(12))
	}
	if cd.CommitTime != h.CommitTime {
		return fmt.Errorf("commit %s: graph time %d, object time %d", id, cd.CommitTime, h.CommitTime)
	}
	if len(cd.Parents) != len(h.Parents) {
		return fmt.Errorf("commit %s: graph has %d parents, object has %d", id, len(cd.Parents), len(h.Parents))
	}
	var highest uint32
	for i, p := range cd.Parents {
		if got := g.IDAt(p); got != h.Parents[i] {
			return fmt.Errorf("commit %s: parent %d is %s in graph, %s in object", id, i, got.Short(12), h.Parents[i].Short(12))
		}
		if gen := g.CommitData(p).Generation; gen > highest {
			highest = gen
		}
	}
	if cd.Generation != highest+1 {
		return fmt.Errorf("commit %s: generation %d, want %d", id, cd.Generation, highest+1)
	}
	return nil
}
