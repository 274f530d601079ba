package treewalk

import (
	"sort"
	"strings"

	"github.com/odvcencio/odb/pkg/object"
)

// ChangedPathsBetween returns every path that differs between parent and tree,
// together with each of their leading directories, sorted. Identical
// subtrees are skipped without being read.
func ChangedPathsBetween(src object.Loader, parent, tree object.ID) ([]string, error) {
	w, err := New(src, parent, tree)
	if err != nil {
		return nil, err
	}
	w.SetFilter(AnyDiff())
	w.SetRecursive(true)

	seen := make(map[string]struct{})
	for {
		ok, err := w.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		p := w.Entry().Path
		for {
			if _, dup := seen[p]; dup {
				break
			}
			seen[p] = struct{}{}
			i := strings.LastIndexByte(p, '/')
			if i < 0 {
				break
			}
			p = p[:i]
		}
	}
	out := make([]string, 0, len(seen))
	for p := range seen {
		out = append(out, p)
	}
	sort.Strings(out)
	return out, nil
}
