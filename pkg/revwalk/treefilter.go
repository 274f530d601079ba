package revwalk

import (
	"sync/atomic"

	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/treewalk"
)

// TreeRevFilter includes commits whose tree differs from their parents'
// along the entries a tree filter selects. Commits with one parent consult
// the parent's changed-path filter first when the commit graph has one, and
// every consultation is counted.
//
// Merges are simplified as they are evaluated: when the commit matches an
// interesting parent exactly, the walk follows only that parent, and a
// parent that only lacks files the merge added loses its own history.
type TreeRevFilter struct {
	filter  treewalk.Filter
	metrics *Metrics
	tw      *treewalk.Walk

	truePositive  atomic.Int64
	falsePositive atomic.Int64
	negative      atomic.Int64
}

// NewTreeRevFilter wraps a tree filter for use in a walk.
func NewTreeRevFilter(f treewalk.Filter) *TreeRevFilter {
	return &TreeRevFilter{filter: f}
}

// SetMetrics also reports filter outcomes to m.
func (t *TreeRevFilter) SetMetrics(m *Metrics) { t.metrics = m }

// TruePositives counts commits whose changed-path filter allowed a tree
// comparison that then found a change.
func (t *TreeRevFilter) TruePositives() int64 { return t.truePositive.Load() }

// FalsePositives counts commits whose filter allowed a comparison that found
// nothing.
func (t *TreeRevFilter) FalsePositives() int64 { return t.falsePositive.Load() }

// Negatives counts commits whose filter ruled out any change, skipping the
// comparison.
func (t *TreeRevFilter) Negatives() int64 { return t.negative.Load() }

func (t *TreeRevFilter) walker(src object.Loader) (*treewalk.Walk, error) {
	if t.tw == nil {
		tw, err := treewalk.New(src)
		if err != nil {
			return nil, err
		}
		tw.SetFilter(t.filter)
		tw.SetRecursive(t.filter.ShouldBeRecursive())
		t.tw = tw
	}
	return t.tw, nil
}

func (t *TreeRevFilter) include(w *Walk, c *RevCommit) (bool, error) {
	tw, err := t.walker(w.reader)
	if err != nil {
		return false, err
	}
	n := len(c.parents)
	trees := make([]object.ID, n+1)
	for i, p := range c.parents {
		if err := w.parseHeaders(p); err != nil {
			return false, err
		}
		trees[i] = p.tree
	}
	trees[n] = c.tree
	if err := tw.Reset(trees...); err != nil {
		return false, err
	}

	switch n {
	case 0:
		// Without a parent, include the commit when its tree holds anything
		// the filter wants.
		return tw.Next()
	case 1:
		return t.includeSingle(w, c, tw)
	default:
		return t.includeMerge(c, tw, n)
	}
}

func (t *TreeRevFilter) includeSingle(w *Walk, c *RevCommit, tw *treewalk.Walk) (bool, error) {
	var used bool
	mustCalc := t.filter.ShouldTreeWalk(w.changedPaths(c), &used)
	chgs := 0
	if mustCalc {
		for {
			ok, err := tw.Next()
			if err != nil {
				return false, err
			}
			if !ok {
				break
			}
			chgs++
			e := tw.Entry()
			if e.Mode(0) != 0 || e.Mode(1) == 0 {
				break
			}
		}
		if used {
			if chgs > 0 {
				t.truePositive.Add(1)
				t.metrics.filterOutcome(OutcomeTruePositive)
			} else {
				t.falsePositive.Add(1)
				t.metrics.filterOutcome(OutcomeFalsePositive)
			}
		}
	} else if used {
		t.negative.Add(1)
		t.metrics.filterOutcome(OutcomeNegative)
	}
	return chgs > 0, nil
}

func (t *TreeRevFilter) includeMerge(c *RevCommit, tw *treewalk.Walk, n int) (bool, error) {
	chgs := make([]int, n)
	adds := make([]int, n)
	for {
		ok, err := tw.Next()
		if err != nil {
			return false, err
		}
		if !ok {
			break
		}
		e := tw.Entry()
		mine := e.Mode(n)
		for i := 0; i < n; i++ {
			if e.Equal(i, n) {
				continue
			}
			chgs[i]++
			if e.Mode(i) == 0 && mine != 0 {
				adds[i]++
			}
		}
	}

	same, diff := false, false
	for i := 0; i < n; i++ {
		p := c.parents[i]
		if chgs[i] == 0 {
			if p.flags&flagUninteresting != 0 {
				same = true
				continue
			}
			c.parents = []*RevCommit{p}
			return false, nil
		}
		if chgs[i] == adds[i] {
			p.parents = nil
		}
		diff = true
	}
	return diff && !same, nil
}
