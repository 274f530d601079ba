package revwalk

import (
	"fmt"
	"regexp"
	"strings"
)

// FilterKind tags a RevFilter variant.
type FilterKind uint8

const (
	KindAll FilterKind = iota
	KindNone
	KindAnd
	KindOr
	KindNot
	KindMessage
	KindAuthor
	KindCommitTimeAfter
	KindCommitTimeBefore
	KindNoMerges
	KindOnlyMerges
	KindMaxCount
	// KindMergeBase makes the walk emit the merge bases of its starts
	// instead of history.
	KindMergeBase
	KindTree
)

// RevFilter decides whether a walk emits a commit. Variants form a closed
// set evaluated by one recursive function; the zero value is All.
type RevFilter struct {
	Kind     FilterKind
	Children []RevFilter
	Pattern  *regexp.Regexp
	Time     int64
	Count    int

	tree  *TreeRevFilter
	count *int
}

func All() RevFilter { return RevFilter{Kind: KindAll} }

func None() RevFilter { return RevFilter{Kind: KindNone} }

// And includes commits every filter includes. Evaluation stops at the first
// exclusion.
func And(filters ...RevFilter) RevFilter {
	if len(filters) == 1 {
		return filters[0]
	}
	return RevFilter{Kind: KindAnd, Children: filters}
}

// Or includes commits any filter includes.
func Or(filters ...RevFilter) RevFilter {
	if len(filters) == 1 {
		return filters[0]
	}
	return RevFilter{Kind: KindOr, Children: filters}
}

func Not(f RevFilter) RevFilter {
	return RevFilter{Kind: KindNot, Children: []RevFilter{f}}
}

// Message matches a regular expression anywhere in the commit message,
// ignoring case.
func Message(pattern string) (RevFilter, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return RevFilter{}, fmt.Errorf("message filter: %w", err)
	}
	return RevFilter{Kind: KindMessage, Pattern: re}, nil
}

// Author matches a regular expression against "Name <email>" of the
// author, ignoring case.
func Author(pattern string) (RevFilter, error) {
	re, err := compilePattern(pattern)
	if err != nil {
		return RevFilter{}, fmt.Errorf("author filter: %w", err)
	}
	return RevFilter{Kind: KindAuthor, Pattern: re}, nil
}

func compilePattern(pattern string) (*regexp.Regexp, error) {
	return regexp.Compile("(?is)" + pattern)
}

// CommitTimeAfter includes commits made at or after t (unix seconds).
func CommitTimeAfter(t int64) RevFilter {
	return RevFilter{Kind: KindCommitTimeAfter, Time: t}
}

// CommitTimeBefore includes commits made at or before t.
func CommitTimeBefore(t int64) RevFilter {
	return RevFilter{Kind: KindCommitTimeBefore, Time: t}
}

func NoMerges() RevFilter { return RevFilter{Kind: KindNoMerges} }

func OnlyMerges() RevFilter { return RevFilter{Kind: KindOnlyMerges} }

// MaxCount includes the first n commits it is asked about.
func MaxCount(n int) RevFilter {
	return RevFilter{Kind: KindMaxCount, Count: n, count: new(int)}
}

// MergeBase turns the walk into a merge-base computation over its starts.
func MergeBase() RevFilter { return RevFilter{Kind: KindMergeBase} }

// Tree wraps a TreeRevFilter.
func Tree(t *TreeRevFilter) RevFilter {
	return RevFilter{Kind: KindTree, tree: t}
}

// needsBody reports whether evaluating f reads the commit message.
func (f RevFilter) needsBody() bool {
	switch f.Kind {
	case KindMessage, KindAuthor:
		return true
	case KindAnd, KindOr, KindNot:
		for _, c := range f.Children {
			if c.needsBody() {
				return true
			}
		}
	}
	return false
}

func (f RevFilter) reset() {
	if f.count != nil {
		*f.count = 0
	}
	for _, c := range f.Children {
		c.reset()
	}
}

// include evaluates f against c.
func (w *Walk) include(f RevFilter, c *RevCommit) (bool, error) {
	switch f.Kind {
	case KindAll, KindMergeBase:
		return true, nil
	case KindNone:
		return false, nil
	case KindAnd:
		for _, child := range f.Children {
			ok, err := w.include(child, c)
			if err != nil || !ok {
				return false, err
			}
		}
		return true, nil
	case KindOr:
		for _, child := range f.Children {
			ok, err := w.include(child, c)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	case KindNot:
		ok, err := w.include(f.Children[0], c)
		return !ok, err
	case KindMessage:
		buf, err := w.body(c)
		if err != nil {
			return false, err
		}
		return f.Pattern.Match(messageOf(buf)), nil
	case KindAuthor:
		buf, err := w.body(c)
		if err != nil {
			return false, err
		}
		ident, ok := identOf(buf, "author ")
		if !ok {
			return false, nil
		}
		return f.Pattern.MatchString(ident.Name + " <" + ident.Email + ">"), nil
	case KindCommitTimeAfter:
		return c.commitTime >= f.Time, nil
	case KindCommitTimeBefore:
		return c.commitTime <= f.Time, nil
	case KindNoMerges:
		return len(c.parents) < 2, nil
	case KindOnlyMerges:
		return len(c.parents) >= 2, nil
	case KindMaxCount:
		if *f.count >= f.Count {
			return false, errStopWalk
		}
		*f.count++
		return true, nil
	case KindTree:
		return f.tree.include(w, c)
	default:
		return false, fmt.Errorf("rev filter: unknown kind %d", f.Kind)
	}
}

func (f RevFilter) String() string {
	switch f.Kind {
	case KindAll:
		return "ALL"
	case KindNone:
		return "NONE"
	case KindNot:
		return "NOT " + f.Children[0].String()
	case KindAnd, KindOr:
		op := " AND "
		if f.Kind == KindOr {
			op = " OR "
		}
		parts := make([]string, len(f.Children))
		for i, c := range f.Children {
			parts[i] = c.String()
		}
		return "(" + strings.Join(parts, op) + ")"
	case KindMessage:
		return "MESSAGE(" + f.Pattern.String() + ")"
	case KindAuthor:
		return "AUTHOR(" + f.Pattern.String() + ")"
	case KindCommitTimeAfter:
		return fmt.Sprintf("AFTER(%d)", f.Time)
	case KindCommitTimeBefore:
		return fmt.Sprintf("BEFORE(%d)", f.Time)
	case KindNoMerges:
		return "NO_MERGES"
	case KindOnlyMerges:
		return "ONLY_MERGES"
	case KindMaxCount:
		return fmt.Sprintf("MAX_COUNT(%d)", f.Count)
	case KindMergeBase:
		return "MERGE_BASE"
	case KindTree:
		return "TREE(" + f.tree.filter.String() + ")"
	}
	return "UNKNOWN"
}
