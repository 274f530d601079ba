package object

import (
	"bytes"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// ---------------------------------------------------------------------------
// Ident
// ---------------------------------------------------------------------------

// AppendIdent writes "Name <email> when +hhmm".
func AppendIdent(dst []byte, id Ident) []byte {
	dst = append(dst, id.Name...)
	dst = append(dst, " <"...)
	dst = append(dst, id.Email...)
	dst = append(dst, "> "...)
	dst = strconv.AppendInt(dst, id.When, 10)
	dst = append(dst, ' ')
	tz := id.TZOffset
	sign := byte('+')
	if tz < 0 {
		sign = '-'
		tz = -tz
	}
	dst = append(dst, sign)
	dst = append(dst, fmt.Sprintf("%02d%02d", tz/60, tz%60)...)
	return dst
}

// ParseIdent is the inverse of AppendIdent.
func ParseIdent(line string) (Ident, error) {
	lt := strings.IndexByte(line, '<')
	gt := strings.LastIndexByte(line, '>')
	if lt < 0 || gt < lt {
		return Ident{}, fmt.Errorf("parse ident %q: missing email", line)
	}
	id := Ident{
		Name:  strings.TrimSuffix(line[:lt], " "),
		Email: line[lt+1 : gt],
	}
	rest := strings.Fields(line[gt+1:])
	if len(rest) != 2 {
		return Ident{}, fmt.Errorf("parse ident %q: missing time or zone", line)
	}
	when, err := strconv.ParseInt(rest[0], 10, 64)
	if err != nil {
		return Ident{}, fmt.Errorf("parse ident %q: bad time: %w", line, err)
	}
	id.When = when
	tz := rest[1]
	if len(tz) != 5 || (tz[0] != '+' && tz[0] != '-') {
		return Ident{}, fmt.Errorf("parse ident %q: bad zone %q", line, tz)
	}
	hh, err1 := strconv.Atoi(tz[1:3])
	mm, err2 := strconv.Atoi(tz[3:5])
	if err1 != nil || err2 != nil {
		return Ident{}, fmt.Errorf("parse ident %q: bad zone %q", line, tz)
	}
	id.TZOffset = hh*60 + mm
	if tz[0] == '-' {
		id.TZOffset = -id.TZOffset
	}
	return id, nil
}

// ---------------------------------------------------------------------------
// Tree
// ---------------------------------------------------------------------------

// treeEntryLess orders entries the way canonical trees require: byte order
// on names, with subtrees compared as if their name ended in '/'.
func treeEntryLess(a, b TreeEntry) bool {
	return compareTreeNames(a.Name, a.Mode.IsTree(), b.Name, b.Mode.IsTree()) < 0
}

func compareTreeNames(a string, aTree bool, b string, bTree bool) int {
	n := min(len(a), len(b))
	if c := strings.Compare(a[:n], b[:n]); c != 0 {
		return c
	}
	ca, cb := nameTail(a, n, aTree), nameTail(b, n, bTree)
	switch {
	case ca < cb:
		return -1
	case ca > cb:
		return 1
	default:
		return 0
	}
}

func nameTail(s string, i int, isTree bool) int {
	if i < len(s) {
		return int(s[i])
	}
	if isTree {
		return '/'
	}
	return 0
}

// CompareTreeNames exposes the canonical entry order for tree walkers.
func CompareTreeNames(a string, aTree bool, b string, bTree bool) int {
	return compareTreeNames(a, aTree, b, bTree)
}

// MarshalTree serializes a Tree. Entries are sorted canonically; each is
//
//	<octal mode> <name>\0<raw id>
func MarshalTree(tr *Tree) []byte {
	sorted := make([]TreeEntry, len(tr.Entries))
	copy(sorted, tr.Entries)
	sort.SliceStable(sorted, func(i, j int) bool { return treeEntryLess(sorted[i], sorted[j]) })

	buf := make([]byte, 0, len(sorted)*(IDSize+16))
	for _, e := range sorted {
		mode := e.Mode
		if mode == 0 {
			mode = ModeFile
		}
		buf = strconv.AppendUint(buf, uint64(mode), 8)
		buf = append(buf, ' ')
		buf = append(buf, e.Name...)
		buf = append(buf, 0)
		buf = append(buf, e.ID[:]...)
	}
	return buf
}

// UnmarshalTree parses a Tree from its serialized form.
func UnmarshalTree(data []byte) (*Tree, error) {
	tr := &Tree{}
	err := ForEachTreeEntry(data, func(e TreeEntry) error {
		tr.Entries = append(tr.Entries, e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return tr, nil
}

// ForEachTreeEntry decodes entries one at a time without building a Tree.
func ForEachTreeEntry(data []byte, fn func(TreeEntry) error) error {
	for len(data) > 0 {
		sp := bytes.IndexByte(data, ' ')
		if sp <= 0 {
			return Corruptf("tree entry: missing mode")
		}
		mode, err := strconv.ParseUint(string(data[:sp]), 8, 32)
		if err != nil {
			return Corruptf("tree entry: bad mode %q", data[:sp])
		}
		data = data[sp+1:]
		nul := bytes.IndexByte(data, 0)
		if nul <= 0 {
			return Corruptf("tree entry: missing name")
		}
		name := string(data[:nul])
		data = data[nul+1:]
		if len(data) < IDSize {
			return Corruptf("tree entry %q: truncated id", name)
		}
		var id ID
		copy(id[:], data[:IDSize])
		data = data[IDSize:]
		if err := fn(TreeEntry{Name: name, Mode: FileMode(mode), ID: id}); err != nil {
			return err
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Commit
// ---------------------------------------------------------------------------

// MarshalCommit serializes a Commit:
//
//	tree H
//	parent H     (zero or more)
//	author A
//	committer C
//
//	message
func MarshalCommit(c *Commit) []byte {
	buf := make([]byte, 0, 256+len(c.Message))
	buf = append(buf, "tree "...)
	buf = append(buf, c.Tree.String()...)
	buf = append(buf, '\n')
	for _, p := range c.Parents {
		buf = append(buf, "parent "...)
		buf = append(buf, p.String()...)
		buf = append(buf, '\n')
	}
	buf = append(buf, "author "...)
	buf = AppendIdent(buf, c.Author)
	buf = append(buf, '\n')
	buf = append(buf, "committer "...)
	buf = AppendIdent(buf, c.Committer)
	buf = append(buf, '\n', '\n')
	buf = append(buf, c.Message...)
	return buf
}

// UnmarshalCommit parses a Commit from its serialized form.
func UnmarshalCommit(data []byte) (*Commit, error) {
	header, message, err := splitHeader(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal commit: %w", err)
	}
	c := &Commit{Message: string(message)}
	for _, line := range strings.Split(string(header), "\n") {
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("unmarshal commit: malformed header line %q", line)
		}
		switch key {
		case "tree":
			if c.Tree, err = ParseID(val); err != nil {
				return nil, fmt.Errorf("unmarshal commit: %w", err)
			}
		case "parent":
			p, err := ParseID(val)
			if err != nil {
				return nil, fmt.Errorf("unmarshal commit: %w", err)
			}
			c.Parents = append(c.Parents, p)
		case "author":
			if c.Author, err = ParseIdent(val); err != nil {
				return nil, fmt.Errorf("unmarshal commit: %w", err)
			}
		case "committer":
			if c.Committer, err = ParseIdent(val); err != nil {
				return nil, fmt.Errorf("unmarshal commit: %w", err)
			}
		default:
			return nil, fmt.Errorf("unmarshal commit: unknown header key %q", key)
		}
	}
	return c, nil
}

// CommitHeader is the subset of a commit a history walk needs.
type CommitHeader struct {
	Tree       ID
	Parents    []ID
	CommitTime int64
	// BodyOffset is where the message begins in the raw buffer.
	BodyOffset int
}

// ParseCommitHeader extracts tree, parents and committer time without
// decoding idents or copying the message.
func ParseCommitHeader(data []byte) (CommitHeader, error) {
	var h CommitHeader
	pos := 0
	seenTree := false
	for pos < len(data) {
		nl := bytes.IndexByte(data[pos:], '\n')
		if nl < 0 {
			return h, Corruptf("commit header: unterminated line")
		}
		line := data[pos : pos+nl]
		pos += nl + 1
		if len(line) == 0 {
			h.BodyOffset = pos
			if !seenTree {
				return h, Corruptf("commit header: missing tree")
			}
			return h, nil
		}
		switch {
		case bytes.HasPrefix(line, []byte("tree ")):
			id, err := ParseID(string(line[5:]))
			if err != nil {
				return h, Corruptf("commit header: %v", err)
			}
			h.Tree = id
			seenTree = true
		case bytes.HasPrefix(line, []byte("parent ")):
			id, err := ParseID(string(line[7:]))
			if err != nil {
				return h, Corruptf("commit header: %v", err)
			}
			h.Parents = append(h.Parents, id)
		case bytes.HasPrefix(line, []byte("committer ")):
			ident, err := ParseIdent(string(line[10:]))
			if err != nil {
				return h, Corruptf("commit header: %v", err)
			}
			h.CommitTime = ident.When
		}
	}
	return h, Corruptf("commit header: missing message separator")
}

// ---------------------------------------------------------------------------
// Tag
// ---------------------------------------------------------------------------

// MarshalTag serializes a Tag:
//
//	object H
//	type T
//	tag N
//	tagger I
//
//	message
func MarshalTag(t *Tag) []byte {
	buf := make([]byte, 0, 192+len(t.Message))
	buf = append(buf, "object "...)
	buf = append(buf, t.Object.String()...)
	buf = append(buf, "\ntype "...)
	buf = append(buf, t.Type.String()...)
	buf = append(buf, "\ntag "...)
	buf = append(buf, t.Name...)
	buf = append(buf, "\ntagger "...)
	buf = AppendIdent(buf, t.Tagger)
	buf = append(buf, '\n', '\n')
	buf = append(buf, t.Message...)
	return buf
}

// UnmarshalTag parses a Tag from its serialized form.
func UnmarshalTag(data []byte) (*Tag, error) {
	header, message, err := splitHeader(data)
	if err != nil {
		return nil, fmt.Errorf("unmarshal tag: %w", err)
	}
	t := &Tag{Message: string(message)}
	for _, line := range strings.Split(string(header), "\n") {
		key, val, ok := strings.Cut(line, " ")
		if !ok {
			return nil, fmt.Errorf("unmarshal tag: malformed header line %q", line)
		}
		switch key {
		case "object":
			if t.Object, err = ParseID(val); err != nil {
				return nil, fmt.Errorf("unmarshal tag: %w", err)
			}
		case "type":
			if t.Type, err = ParseType(val); err != nil {
				return nil, fmt.Errorf("unmarshal tag: %w", err)
			}
		case "tag":
			t.Name = val
		case "tagger":
			if t.Tagger, err = ParseIdent(val); err != nil {
				return nil, fmt.Errorf("unmarshal tag: %w", err)
			}
		default:
			return nil, fmt.Errorf("unmarshal tag: unknown header key %q", key)
		}
	}
	return t, nil
}

func splitHeader(data []byte) ([]byte, []byte, error) {
	idx := bytes.Index(data, []byte("\n\n"))
	if idx < 0 {
		return nil, nil, Corruptf("missing header/message separator")
	}
	return data[:idx], data[idx+2:], nil
}

// ShortMessage returns the first line of a commit or tag message.
func ShortMessage(msg string) string {
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}
