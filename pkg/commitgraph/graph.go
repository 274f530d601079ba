// Package commitgraph reads, writes and builds the commit graph: a derived
// index over commits holding tree ids, parent positions, commit times,
// generation numbers and optional changed-path Bloom filters.
package commitgraph

import (
	"github.com/odvcencio/odb/pkg/object"
)

// GenerationUnknown is the generation of a commit absent from a graph.
// Every commit in a graph has a generation of at least one.
const GenerationUnknown uint32 = 0

// CommitData is the graph's record of one commit. Parents are positions in
// the same graph.
type CommitData struct {
	Tree       object.ID
	Parents    []int
	CommitTime int64
	Generation uint32
}

// Graph is a read-only commit graph. Positions run from zero to
// CommitCount()-1 in ascending id order.
type Graph interface {
	CommitCount() int
	// FindPosition returns the position of id, or -1.
	FindPosition(id object.ID) int
	IDAt(pos int) object.ID
	CommitData(pos int) CommitData
	// ChangedPathFilter returns the commit's filter, or nil when none was
	// computed or filters were not loaded.
	ChangedPathFilter(pos int) *ChangedPathFilter
}

type emptyGraph struct{}

// Empty is a graph with no commits.
var Empty Graph = emptyGraph{}

func (emptyGraph) CommitCount() int { return 0 }
func (emptyGraph) FindPosition(object.ID) int { return -1 }
func (emptyGraph) IDAt(int) object.ID { return object.ZeroID }
func (emptyGraph) CommitData(int) CommitData { return CommitData{} }
func (emptyGraph) ChangedPathFilter(int) *ChangedPathFilter { return nil }
