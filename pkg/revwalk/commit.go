package revwalk

import (
	"bytes"

	"github.com/odvcencio/odb/pkg/commitgraph"
	"github.com/odvcencio/odb/pkg/object"
)

// Origin records where a commit's headers were read from.
type Origin uint8

const (
	// Unparsed commits have only an id.
	Unparsed Origin = iota
	// FromBuffer commits were parsed from their object data.
	FromBuffer
	// FromGraph commits were filled from a commit-graph entry.
	FromGraph
)

func (o Origin) String() string {
	switch o {
	case FromBuffer:
		return "buffer"
	case FromGraph:
		return "graph"
	default:
		return "unparsed"
	}
}

type flags uint32

const (
	flagParsed flags = 1 << iota
	flagSeen
	flagUninteresting
	flagTopoDelay
)

// RevCommit is a commit as seen by a Walk. Both origins fill the same
// fields; a graph-backed commit additionally knows its generation and graph
// position, and carries its raw data only when the walk retains bodies.
type RevCommit struct {
	id         object.ID
	tree       object.ID
	parents    []*RevCommit
	commitTime int64
	generation uint32
	origin     Origin
	graphPos   int
	buffer     []byte

	flags    flags
	inDegree int
}

func (c *RevCommit) ID() object.ID { return c.id }

// Tree returns the commit's root tree.
func (c *RevCommit) Tree() object.ID { return c.tree }

// Parents returns the commit's parents. A tree filter may have simplified
// them during the walk.
func (c *RevCommit) Parents() []*RevCommit { return c.parents }

func (c *RevCommit) ParentCount() int { return len(c.parents) }

// Parent returns parent i.
func (c *RevCommit) Parent(i int) *RevCommit { return c.parents[i] }

// ParentIDs returns the ids of the commit's parents.
func (c *RevCommit) ParentIDs() []object.ID {
	ids := make([]object.ID, len(c.parents))
	for i, p := range c.parents {
		ids[i] = p.id
	}
	return ids
}

// CommitTime is the committer timestamp in seconds.
func (c *RevCommit) CommitTime() int64 { return c.commitTime }

// Generation returns the commit's generation number, or
// commitgraph.GenerationUnknown when it was not parsed from a graph.
func (c *RevCommit) Generation() uint32 { return c.generation }

func (c *RevCommit) Origin() Origin { return c.origin }

// GraphPosition returns the commit's position in the commit graph, or -1.
func (c *RevCommit) GraphPosition() int {
	if c.origin != FromGraph {
		return -1
	}
	return c.graphPos
}

// RawBuffer returns the commit's object data, or nil when the walk does not
// retain bodies.
func (c *RevCommit) RawBuffer() []byte { return c.buffer }

// IsParsed reports whether the headers have been read.
func (c *RevCommit) IsParsed() bool { return c.flags&flagParsed != 0 }

// Message returns the full commit message. It is empty when the body was
// not retained.
func (c *RevCommit) Message() string {
	return string(messageOf(c.buffer))
}

// ShortMessage returns the first paragraph of the message on one line.
func (c *RevCommit) ShortMessage() string {
	return object.ShortMessage(c.Message())
}

// AuthorIdent parses the author line. ok is false when the body was not
// retained or has no author.
func (c *RevCommit) AuthorIdent() (ident object.Ident, ok bool) {
	return identOf(c.buffer, "author ")
}

// CommitterIdent parses the committer line.
func (c *RevCommit) CommitterIdent() (ident object.Ident, ok bool) {
	return identOf(c.buffer, "committer ")
}

func (c *RevCommit) String() string {
	return "commit " + c.id.String()
}

func (c *RevCommit) setGraph(g commitgraph.Graph, pos int) commitgraph.CommitData {
	cd := g.CommitData(pos)
	c.tree = cd.Tree
	c.commitTime = cd.CommitTime
	c.generation = cd.Generation
	c.origin = FromGraph
	c.graphPos = pos
	return cd
}

func (c *RevCommit) setHeader(h object.CommitHeader) {
	c.tree = h.Tree
	c.commitTime = h.CommitTime
	c.generation = commitgraph.GenerationUnknown
	c.origin = FromBuffer
	c.graphPos = -1
}

func messageOf(buf []byte) []byte {
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		return buf[i+2:]
	}
	return nil
}

func identOf(buf []byte, key string) (object.Ident, bool) {
	header := buf
	if i := bytes.Index(buf, []byte("\n\n")); i >= 0 {
		header = buf[:i+1]
	}
	for len(header) > 0 {
		line := header
		if nl := bytes.IndexByte(header, '\n'); nl >= 0 {
			line, header = header[:nl], header[nl+1:]
		} else {
			header = nil
		}
		if rest, ok := bytes.CutPrefix(line, []byte(key)); ok {
			ident, err := object.ParseIdent(string(rest))
			if err != nil {
				return object.Ident{}, false
			}
			return ident, true
		}
	}
	return object.Ident{}, false
}
