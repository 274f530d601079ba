package object

import (
	"fmt"
	"strconv"
)

// Type identifies the kind of object stored. The numeric values are the
// ones written into pack entry headers.
type Type uint8

const (
	TypeCommit Type = 1
	TypeTree   Type = 2
	TypeBlob   Type = 3
	TypeTag    Type = 4
)

// ParseType maps the canonical name used in object envelopes to a Type.
func ParseType(name string) (Type, error) {
	switch name {
	case "commit":
		return TypeCommit, nil
	case "tree":
		return TypeTree, nil
	case "blob":
		return TypeBlob, nil
	case "tag":
		return TypeTag, nil
	default:
		return 0, fmt.Errorf("unknown object type %q", name)
	}
}

// Valid reports whether t is one of the four base object types.
func (t Type) Valid() bool {
	return t >= TypeCommit && t <= TypeTag
}

func (t Type) String() string {
	switch t {
	case TypeCommit:
		return "commit"
	case TypeTree:
		return "tree"
	case TypeBlob:
		return "blob"
	case TypeTag:
		return "tag"
	default:
		return "type(" + strconv.Itoa(int(t)) + ")"
	}
}

// FileMode is the mode recorded for a tree entry.
type FileMode uint32

const (
	ModeTree       FileMode = 0o040000
	ModeFile       FileMode = 0o100644
	ModeExecutable FileMode = 0o100755
	ModeSymlink    FileMode = 0o120000
	ModeGitlink    FileMode = 0o160000
)

// IsTree reports whether the entry names a subtree.
func (m FileMode) IsTree() bool {
	return m&0o170000 == ModeTree
}

func (m FileMode) String() string {
	return strconv.FormatUint(uint64(m), 8)
}

// Ident is an author, committer or tagger line: name, email, a unix
// timestamp and the timezone offset in minutes east of UTC.
type Ident struct {
	Name     string
	Email    string
	When     int64
	TZOffset int
}

// TreeEntry is one entry in a tree object.
type TreeEntry struct {
	Name string
	Mode FileMode
	ID   ID
}

// Tree holds tree entries in canonical order once marshaled.
type Tree struct {
	Entries []TreeEntry
}

// Commit points at a tree and zero or more parents.
type Commit struct {
	Tree      ID
	Parents   []ID
	Author    Ident
	Committer Ident
	Message   string
}

// Tag annotates another object.
type Tag struct {
	Object  ID
	Type    Type
	Name    string
	Tagger  Ident
	Message string
}
