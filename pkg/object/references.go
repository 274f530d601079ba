package object

import "fmt"

// ReferencedIDs returns the ids an object points at: tree and parents for a
// commit, entries for a tree, the target for a tag. Blobs reference nothing.
// Gitlink entries are skipped since they name objects in other stores.
func ReferencedIDs(t Type, data []byte) ([]ID, error) {
	switch t {
	case TypeBlob:
		return nil, nil
	case TypeTag:
		tag, err := UnmarshalTag(data)
		if err != nil {
			return nil, err
		}
		return []ID{tag.Object}, nil
	case TypeCommit:
		h, err := ParseCommitHeader(data)
		if err != nil {
			return nil, err
		}
		refs := make([]ID, 0, 1+len(h.Parents))
		refs = append(refs, h.Tree)
		refs = append(refs, h.Parents...)
		return refs, nil
	case TypeTree:
		var refs []ID
		err := ForEachTreeEntry(data, func(e TreeEntry) error {
			if e.Mode == ModeGitlink {
				return nil
			}
			refs = append(refs, e.ID)
			return nil
		})
		if err != nil {
			return nil, err
		}
		return refs, nil
	default:
		return nil, fmt.Errorf("unsupported object type %s", t)
	}
}

// Loader loads objects by id.
type Loader interface {
	Open(id ID) (Type, []byte, error)
}

// ObjectSource is a Loader that also answers presence queries.
type ObjectSource interface {
	Loader
	Has(id ID) bool
}

// ReachableSet returns all object ids reachable from roots by following
// object references. Missing roots are ignored; a missing object referenced
// by a present one is an error.
func ReachableSet(src ObjectSource, roots []ID) (map[ID]Type, error) {
	roots = UniqueSortedIDs(roots)
	out := make(map[ID]Type, len(roots))
	if len(roots) == 0 {
		return out, nil
	}

	type item struct {
		id   ID
		root bool
	}
	stack := make([]item, 0, len(roots))
	for _, r := range roots {
		stack = append(stack, item{id: r, root: true})
	}
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if _, ok := out[it.id]; ok {
			continue
		}
		if it.root && !src.Has(it.id) {
			continue
		}
		objType, data, err := src.Open(it.id)
		if err != nil {
			return nil, fmt.Errorf("reachable set read %s: %w", it.id, err)
		}
		out[it.id] = objType
		refs, err := ReferencedIDs(objType, data)
		if err != nil {
			return nil, fmt.Errorf("reachable set parse %s (%s): %w", it.id, objType, err)
		}
		for _, r := range refs {
			if _, ok := out[r]; !ok {
				stack = append(stack, item{id: r})
			}
		}
	}
	return out, nil
}
