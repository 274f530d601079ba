package commitgraph

import (
	"fmt"

	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/treewalk"
)

// BuildOptions controls Build.
type BuildOptions struct {
	// Format records the hash the ids were computed with.
	Format object.Format
	// ChangedPaths computes a changed-path filter for every single-parent
	// commit.
	ChangedPaths bool
}

// Build collects every commit reachable from tips and computes their
// generation numbers. Tags among the tips are peeled; tips naming trees or
// blobs are ignored.
func Build(src object.Loader, tips []object.ID, opts BuildOptions) (*File, error) {
	if opts.Format == 0 {
		opts.Format = object.FormatSHA256
	}
	headers := make(map[object.ID]object.CommitHeader)
	var stack []object.ID
	for _, tip := range tips {
		id, ok, err := peel(src, tip)
		if err != nil {
			return nil, err
		}
		if ok {
			stack = append(stack, id)
		}
	}
	for len(stack) > 0 {
		id := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, seen := headers[id]; seen {
			continue
		}
		t, data, err := src.Open(id)
		if err != nil {
			return nil, fmt.Errorf("build commit graph: %w", err)
		}
		if t != object.TypeCommit {
			return nil, &object.IncorrectTypeError{ID: id, Got: t, Want: object.TypeCommit}
		}
		h, err := object.ParseCommitHeader(data)
		if err != nil {
			return nil, fmt.Errorf("build commit graph: commit %s: %w", id, err)
		}
		headers[id] = h
		for _, p := range h.Parents {
			if _, seen := headers[p]; !seen {
				stack = append(stack, p)
			}
		}
	}

	g := &File{format: opts.Format, ids: make([]object.ID, 0, len(headers))}
	for id := range headers {
		g.ids = append(g.ids, id)
	}
	object.SortIDs(g.ids)
	pos := make(map[object.ID]int, len(g.ids))
	for i, id := range g.ids {
		pos[id] = i
	}
	g.commits = make([]CommitData, len(g.ids))
	for i, id := range g.ids {
		h := headers[id]
		cd := CommitData{Tree: h.Tree, CommitTime: h.CommitTime}
		for _, p := range h.Parents {
			cd.Parents = append(cd.Parents, pos[p])
		}
		g.commits[i] = cd
	}
	computeGenerations(g.commits)

	if opts.ChangedPaths {
		g.filters = make([][]byte, len(g.ids))
		for i, cd := range g.commits {
			if len(cd.Parents) != 1 {
				continue
			}
			paths, err := treewalk.ChangedPathsBetween(src, g.commits[cd.Parents[0]].Tree, cd.Tree)
			if err != nil {
				return nil, fmt.Errorf("build commit graph: changed paths of %s: %w", g.ids[i], err)
			}
			g.filters[i] = NewChangedPathFilter(paths).Bytes()
		}
	}
	return g, nil
}

func peel(src object.Loader, id object.ID) (object.ID, bool, error) {
	for {
		t, data, err := src.Open(id)
		if err != nil {
			return id, false, fmt.Errorf("build commit graph: tip: %w", err)
		}
		switch t {
		case object.TypeCommit:
			return id, true, nil
		case object.TypeTag:
			tag, err := object.UnmarshalTag(data)
			if err != nil {
				return id, false, fmt.Errorf("build commit graph: tag %s: %w", id, err)
			}
			id = tag.Object
		default:
			return id, false, nil
		}
	}
}

// computeGenerations assigns 1 + the largest parent generation, visiting
// parents first with an explicit stack.
func computeGenerations(commits []CommitData) {
	type item struct {
		pos  int
		next int
	}
	for root := range commits {
		if commits[root].Generation != GenerationUnknown {
			continue
		}
		stack := []item{{pos: root}}
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			cd := &commits[top.pos]
			if top.next < len(cd.Parents) {
				p := cd.Parents[top.next]
				top.next++
				if commits[p].Generation == GenerationUnknown {
					stack = append(stack, item{pos: p})
				}
				continue
			}
			var gen uint32
			for _, p := range cd.Parents {
				if commits[p].Generation > gen {
					gen = commits[p].Generation
				}
			}
			cd.Generation = gen + 1
			stack = stack[:len(stack)-1]
		}
	}
}
