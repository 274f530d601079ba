package treewalk

import (
	"strings"
)

// Kind tags a Filter variant.
type Kind uint8

const (
	// KindAll includes every entry.
	KindAll Kind = iota
	// KindAnyDiff includes entries whose mode or id differs between trees.
	KindAnyDiff
	// KindPaths includes entries on or under any of a set of paths.
	KindPaths
	// KindChangedPaths is KindPaths combined with KindAnyDiff. It and an
	// And holding both of those are what consult changed-path Bloom filters.
	KindChangedPaths
	// KindAnd includes entries every child includes.
	KindAnd
	// KindOr includes entries any child includes.
	KindOr
	// KindNot inverts its single child.
	KindNot
)

// Filter decides which entries a Walk yields. It is a closed set of
// variants evaluated by Include; the zero value includes everything.
type Filter struct {
	Kind     Kind
	Paths    []string
	Children []Filter
}

// All includes every entry.
func All() Filter {
	return Filter{Kind: KindAll}
}

// AnyDiff includes entries that differ between trees, pruning identical
// subtrees.
func AnyDiff() Filter {
	return Filter{Kind: KindAnyDiff}
}

// Paths includes entries on, inside or leading to any of paths.
func Paths(paths ...string) Filter {
	return Filter{Kind: KindPaths, Paths: cleanPaths(paths)}
}

// ChangedPaths includes entries matching paths that differ between trees.
func ChangedPaths(paths ...string) Filter {
	return Filter{Kind: KindChangedPaths, Paths: cleanPaths(paths)}
}

// And combines filters that must all include an entry.
func And(filters ...Filter) Filter {
	if len(filters) == 1 {
		return filters[0]
	}
	return Filter{Kind: KindAnd, Children: filters}
}

// Or combines filters of which any may include an entry.
func Or(filters ...Filter) Filter {
	if len(filters) == 1 {
		return filters[0]
	}
	return Filter{Kind: KindOr, Children: filters}
}

// Not inverts f.
func Not(f Filter) Filter {
	return Filter{Kind: KindNot, Children: []Filter{f}}
}

func cleanPaths(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		p = strings.Trim(p, "/")
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// IsAll reports whether f trivially includes everything.
func (f Filter) IsAll() bool {
	return f.Kind == KindAll
}

// Include evaluates f against the current entry.
func (f Filter) Include(e *Entry) bool {
	switch f.Kind {
	case KindAll:
		return true
	case KindAnyDiff:
		return anyDiff(e)
	case KindPaths:
		return matchesAny(f.Paths, e)
	case KindChangedPaths:
		return matchesAny(f.Paths, e) && anyDiff(e)
	case KindAnd:
		for _, c := range f.Children {
			if !c.Include(e) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range f.Children {
			if c.Include(e) {
				return true
			}
		}
		return false
	case KindNot:
		return !f.Children[0].Include(e)
	default:
		return false
	}
}

func anyDiff(e *Entry) bool {
	if e.TreeCount() == 1 {
		return true
	}
	for i := 1; i < e.TreeCount(); i++ {
		if !e.Equal(0, i) {
			return true
		}
	}
	return false
}

func matchesAny(paths []string, e *Entry) bool {
	for _, p := range paths {
		if pathMatches(e.Path, e.IsSubtree(), p) {
			return true
		}
	}
	return false
}

// pathMatches reports whether an entry is p itself, lies inside p, or is a
// directory on the way to p.
func pathMatches(entry string, isTree bool, p string) bool {
	switch {
	case entry == p:
		return true
	case strings.HasPrefix(entry, p) && entry[len(p)] == '/':
		return true
	case isTree && strings.HasPrefix(p, entry) && p[len(entry)] == '/':
		return true
	}
	return false
}

// ShouldBeRecursive reports whether f names a path below the top level, so
// a walk must descend to evaluate it precisely.
func (f Filter) ShouldBeRecursive() bool {
	for _, p := range f.Paths {
		if strings.Contains(p, "/") {
			return true
		}
	}
	for _, c := range f.Children {
		if c.ShouldBeRecursive() {
			return true
		}
	}
	return false
}

// PathSet is a probabilistic set of changed paths, such as a commit's
// changed-path Bloom filter. A false answer is definite.
type PathSet interface {
	MaybeContains(path string) bool
}

// ShouldTreeWalk reports whether a tree comparison could include anything
// given the commit's changed paths. cpf may be nil when no filter exists.
// used is set when a changed-path node consulted cpf.
func (f Filter) ShouldTreeWalk(cpf PathSet, used *bool) bool {
	switch f.Kind {
	case KindChangedPaths:
		return maybeChanged(f.Paths, cpf, used)
	case KindAnd:
		diffing := false
		for _, c := range f.Children {
			if c.Kind == KindAnyDiff {
				diffing = true
				break
			}
		}
		for _, c := range f.Children {
			if diffing && c.Kind == KindPaths {
				if !maybeChanged(c.Paths, cpf, used) {
					return false
				}
				continue
			}
			if !c.ShouldTreeWalk(cpf, used) {
				return false
			}
		}
		return true
	case KindOr:
		for _, c := range f.Children {
			if c.ShouldTreeWalk(cpf, used) {
				return true
			}
		}
		return false
	default:
		return true
	}
}

// maybeChanged asks cpf whether any of paths may have changed. A nil cpf
// answers yes without counting as used.
func maybeChanged(paths []string, cpf PathSet, used *bool) bool {
	if cpf == nil {
		return true
	}
	if used != nil {
		*used = true
	}
	for _, p := range paths {
		if cpf.MaybeContains(p) {
			return true
		}
	}
	return false
}

func (f Filter) String() string {
	switch f.Kind {
	case KindAll:
		return "ALL"
	case KindAnyDiff:
		return "ANY_DIFF"
	case KindPaths:
		return "PATHS(" + strings.Join(f.Paths, ",") + ")"
	case KindChangedPaths:
		return "CHANGED(" + strings.Join(f.Paths, ",") + ")"
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
	default:
		return "?"
	}
}
