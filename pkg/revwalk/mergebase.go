package revwalk

import (
	"errors"
	"fmt"
	"sort"

	"github.com/odvcencio/odb/pkg/commitgraph"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/refs"
)

// maxMergeBaseInputs bounds the per-input paint bits.
const maxMergeBaseInputs = 30

const (
	paintStale  uint32 = 1 << 30
	paintResult uint32 = 1 << 31
)

// MergeBases returns the best common ancestors of a and every commit in
// others: commits reachable from all inputs that are not ancestors of
// another such commit. The result is ordered newest commit time first, ties
// broken by id.
func (w *Walk) MergeBases(a *RevCommit, others ...*RevCommit) ([]*RevCommit, error) {
	inputs := append([]*RevCommit{a}, others...)
	if len(inputs) > maxMergeBaseInputs {
		return nil, fmt.Errorf("merge base: %d inputs, at most %d supported", len(inputs), maxMergeBaseInputs)
	}
	all := uint32(1)<<len(inputs) - 1

	paint := make(map[*RevCommit]uint32)
	var q dateQueue
	for i, c := range inputs {
		if err := w.parseHeaders(c); err != nil {
			return nil, err
		}
		if paint[c] == 0 {
			q.add(c)
		}
		paint[c] |= 1 << i
	}

	var results []*RevCommit
	for hasNonStale(&q, paint) {
		c := q.next()
		bits := paint[c] & (all | paintStale)
		if bits&all == all {
			if paint[c]&paintResult == 0 {
				paint[c] |= paintResult
				results = append(results, c)
			}
			bits |= paintStale
		}
		for _, p := range c.parents {
			if paint[p]&bits == bits {
				continue
			}
			if err := w.parseHeaders(p); err != nil {
				return nil, err
			}
			paint[p] |= bits
			q.add(p)
		}
	}

	// A result reached later from another result is an ancestor of it.
	bases := results[:0]
	for _, c := range results {
		if paint[c]&paintStale == 0 {
			bases = append(bases, c)
		}
	}
	bases, err := w.removeRedundant(bases)
	if err != nil {
		return nil, err
	}
	sort.SliceStable(bases, func(i, j int) bool {
		if bases[i].commitTime != bases[j].commitTime {
			return bases[i].commitTime > bases[j].commitTime
		}
		return bases[i].id.Less(bases[j].id)
	})
	return bases, nil
}

func hasNonStale(q *dateQueue, paint map[*RevCommit]uint32) bool {
	for _, it := range q.h {
		if paint[it.commit]&paintStale == 0 {
			return true
		}
	}
	return false
}

// removeRedundant drops candidates that are ancestors of other candidates.
// Clock skew can let the date-ordered paint miss them.
func (w *Walk) removeRedundant(candidates []*RevCommit) ([]*RevCommit, error) {
	if len(candidates) < 2 {
		return candidates, nil
	}
	out := make([]*RevCommit, 0, len(candidates))
	for i, c := range candidates {
		redundant := false
		for j, other := range candidates {
			if i == j {
				continue
			}
			ok, err := w.IsMergedInto(c, other)
			if err != nil {
				return nil, err
			}
			if ok {
				redundant = true
				break
			}
		}
		if !redundant {
			out = append(out, c)
		}
	}
	return out, nil
}

// IsMergedInto reports whether base is reachable from tip, tip included.
// When both carry generation numbers, commits whose generation is not above
// base's are not expanded.
func (w *Walk) IsMergedInto(base, tip *RevCommit) (bool, error) {
	if base == tip {
		return true, nil
	}
	if err := w.parseHeaders(base); err != nil {
		return false, err
	}
	if err := w.parseHeaders(tip); err != nil {
		return false, err
	}
	baseGen := base.generation
	prune := func(c *RevCommit) bool {
		return baseGen != commitgraph.GenerationUnknown &&
			c.generation != commitgraph.GenerationUnknown &&
			c.generation <= baseGen
	}
	if prune(tip) {
		return false, nil
	}

	visited := map[*RevCommit]struct{}{tip: {}}
	queue := []*RevCommit{tip}
	for len(queue) > 0 {
		c := queue[0]
		queue = queue[1:]
		for _, p := range c.parents {
			if p == base {
				return true, nil
			}
			if _, seen := visited[p]; seen {
				continue
			}
			visited[p] = struct{}{}
			if err := w.parseHeaders(p); err != nil {
				return false, err
			}
			if prune(p) {
				continue
			}
			queue = append(queue, p)
		}
	}
	return false, nil
}

// MergedInto returns the refs whose commit has c in its history. Refs that
// do not lead to a commit are skipped.
func (w *Walk) MergedInto(c *RevCommit, candidates []refs.Ref) ([]refs.Ref, error) {
	var out []refs.Ref
	for _, ref := range candidates {
		tip, err := w.ParseCommit(ref.ID)
		if err != nil {
			if isNotCommit(err) {
				continue
			}
			return nil, fmt.Errorf("merged into: ref %s: %w", ref.Name, err)
		}
		ok, err := w.IsMergedInto(c, tip)
		if err != nil {
			return nil, fmt.Errorf("merged into: ref %s: %w", ref.Name, err)
		}
		if ok {
			out = append(out, ref)
		}
	}
	return out, nil
}

func isNotCommit(err error) bool {
	var typeErr *object.IncorrectTypeError
	return errors.As(err, &typeErr)
}
