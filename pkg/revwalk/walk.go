// Package revwalk enumerates commit history in a chosen order under commit
// and tree filters. Commit headers come from the commit graph when one is
// available and from object data otherwise; the emitted sequence is the
// same either way.
package revwalk

import (
	"errors"
	"fmt"
	"math"

	"github.com/odvcencio/odb/pkg/commitgraph"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/treewalk"
)

// ObjectReader is what a Walk reads from. *storage.Reader satisfies it.
type ObjectReader interface {
	object.Loader
	CommitGraph() (commitgraph.Graph, error)
}

// Sort selects the output order. SortTopo and SortCommitTimeDesc may be
// combined with SortReverse.
type Sort uint8

const (
	// SortNone emits commits as they leave the pending queue, which is
	// ordered newest commit time first.
	SortNone Sort = 0
	// SortTopo never emits a parent before all of its emitted children.
	SortTopo Sort = 1 << 0
	// SortCommitTimeDesc emits newest commits first.
	SortCommitTimeDesc Sort = 1 << 1
	// SortReverse reverses whatever order the other bits produce.
	SortReverse Sort = 1 << 2
)

// overScan is how many uninteresting commits the walk pops after the queue
// turns entirely uninteresting, so that flags reach late-dated ancestors.
const overScan = 6

// errStopWalk ends a walk early without error.
var errStopWalk = errors.New("stop walk")

// Walk is a revision walker. It is not safe for concurrent use.
type Walk struct {
	reader     ObjectReader
	useGraph   bool
	graph      commitgraph.Graph
	retainBody bool
	metrics    *Metrics

	commits    map[object.ID]*RevCommit
	starts     []*RevCommit
	sort       Sort
	revFilter  RevFilter
	treeFilter treewalk.Filter

	started  bool
	filter   RevFilter
	pending  dateQueue
	overScan int
	lastTime int64
	topo     fifo
	output   []*RevCommit
	next     func() (*RevCommit, error)
}

// New returns a walk reading from reader. The caller keeps ownership of
// reader.
func New(reader ObjectReader) *Walk {
	w := &Walk{
		reader:     reader,
		useGraph:   true,
		retainBody: true,
	}
	w.Reset()
	return w
}

// UseCommitGraph controls whether headers may come from the commit graph.
// It takes effect for commits not yet parsed.
func (w *Walk) UseCommitGraph(use bool) {
	w.useGraph = use
	w.graph = nil
}

// SetRetainBody controls whether commits keep their object data after
// parsing. Filters that read messages load it on demand either way.
func (w *Walk) SetRetainBody(retain bool) { w.retainBody = retain }

// SetMetrics reports walk activity to m.
func (w *Walk) SetMetrics(m *Metrics) { w.metrics = m }

// Sort sets the output order for the next traversal.
func (w *Walk) Sort(s Sort) { w.sort = s }

// SetRevFilter sets the commit filter for the next traversal.
func (w *Walk) SetRevFilter(f RevFilter) { w.revFilter = f }

// SetTreeFilter limits the traversal to commits changing the entries f
// selects. treewalk.All disables tree filtering.
func (w *Walk) SetTreeFilter(f treewalk.Filter) { w.treeFilter = f }

// CommitGraph returns the graph the walk parses from, or commitgraph.Empty
// when graph use is off or no graph exists.
func (w *Walk) CommitGraph() (commitgraph.Graph, error) {
	if w.graph != nil {
		return w.graph, nil
	}
	if !w.useGraph {
		w.graph = commitgraph.Empty
		return w.graph, nil
	}
	g, err := w.reader.CommitGraph()
	if err != nil {
		return nil, fmt.Errorf("load commit graph: %w", err)
	}
	if g == nil {
		g = commitgraph.Empty
	}
	w.graph = g
	return g, nil
}

// LookupCommit returns the walk's commit for id without reading it.
func (w *Walk) LookupCommit(id object.ID) *RevCommit {
	c, ok := w.commits[id]
	if !ok {
		c = &RevCommit{id: id, graphPos: -1}
		w.commits[id] = c
	}
	return c
}

// ParseCommit looks up id, peeling annotated tags, and parses its headers.
func (w *Walk) ParseCommit(id object.ID) (*RevCommit, error) {
	g, err := w.CommitGraph()
	if err != nil {
		return nil, err
	}
	for {
		if c, ok := w.commits[id]; ok && c.IsParsed() {
			return c, nil
		}
		if g.FindPosition(id) >= 0 {
			c := w.LookupCommit(id)
			return c, w.parseHeaders(c)
		}
		t, data, err := w.reader.Open(id)
		if err != nil {
			return nil, fmt.Errorf("parse commit %s: %w", id, err)
		}
		switch t {
		case object.TypeCommit:
			c := w.LookupCommit(id)
			if err := w.parseData(c, data); err != nil {
				return nil, err
			}
			return c, nil
		case object.TypeTag:
			tag, err := object.UnmarshalTag(data)
			if err != nil {
				return nil, fmt.Errorf("parse commit %s: %w", id, err)
			}
			id = tag.Object
		default:
			return nil, &object.IncorrectTypeError{ID: id, Got: t, Want: object.TypeCommit}
		}
	}
}

// ParseHeaders fills c's tree, parents and commit time.
func (w *Walk) ParseHeaders(c *RevCommit) error {
	return w.parseHeaders(c)
}

func (w *Walk) parseHeaders(c *RevCommit) error {
	if c.flags&flagParsed != 0 {
		return nil
	}
	g, err := w.CommitGraph()
	if err != nil {
		return err
	}
	if pos := g.FindPosition(c.id); pos >= 0 {
		cd := c.setGraph(g, pos)
		c.parents = make([]*RevCommit, len(cd.Parents))
		for i, p := range cd.Parents {
			c.parents[i] = w.LookupCommit(g.IDAt(p))
		}
		if w.retainBody {
			data, err := w.load(c.id)
			if err != nil {
				return err
			}
			c.buffer = data
		}
		c.flags |= flagParsed
		w.metrics.graphParsed()
		return nil
	}
	data, err := w.load(c.id)
	if err != nil {
		return err
	}
	return w.parseData(c, data)
}

func (w *Walk) parseData(c *RevCommit, data []byte) error {
	h, err := object.ParseCommitHeader(data)
	if err != nil {
		return fmt.Errorf("parse commit %s: %w", c.id, err)
	}
	c.setHeader(h)
	c.parents = make([]*RevCommit, len(h.Parents))
	for i, p := range h.Parents {
		c.parents[i] = w.LookupCommit(p)
	}
	if w.retainBody {
		c.buffer = data
	}
	c.flags |= flagParsed
	return nil
}

func (w *Walk) load(id object.ID) ([]byte, error) {
	t, data, err := w.reader.Open(id)
	if err != nil {
		return nil, fmt.Errorf("read commit %s: %w", id, err)
	}
	if t != object.TypeCommit {
		return nil, &object.IncorrectTypeError{ID: id, Got: t, Want: object.TypeCommit}
	}
	return data, nil
}

// ParseBody loads and keeps c's object data.
func (w *Walk) ParseBody(c *RevCommit) error {
	if err := w.parseHeaders(c); err != nil {
		return err
	}
	if c.buffer != nil {
		return nil
	}
	data, err := w.load(c.id)
	if err != nil {
		return err
	}
	c.buffer = data
	return nil
}

// body returns c's object data, keeping it only when bodies are retained.
func (w *Walk) body(c *RevCommit) ([]byte, error) {
	if c.buffer != nil {
		return c.buffer, nil
	}
	data, err := w.load(c.id)
	if err != nil {
		return nil, err
	}
	if w.retainBody {
		c.buffer = data
	}
	return data, nil
}

// changedPaths returns c's changed-path filter, or a nil interface when the
// graph has none for it.
func (w *Walk) changedPaths(c *RevCommit) treewalk.PathSet {
	if c.origin != FromGraph || w.graph == nil {
		return nil
	}
	if f := w.graph.ChangedPathFilter(c.graphPos); f != nil {
		return f
	}
	return nil
}

// MarkStart adds a commit the traversal begins from.
func (w *Walk) MarkStart(c *RevCommit) error {
	if w.started {
		return errors.New("mark start: walk already started")
	}
	if err := w.parseHeaders(c); err != nil {
		return err
	}
	w.starts = append(w.starts, c)
	if c.flags&flagSeen != 0 {
		return nil
	}
	c.flags |= flagSeen
	w.pending.add(c)
	return nil
}

// MarkUninteresting excludes c and everything reachable from it.
func (w *Walk) MarkUninteresting(c *RevCommit) error {
	if w.started {
		return errors.New("mark uninteresting: walk already started")
	}
	if err := w.parseHeaders(c); err != nil {
		return err
	}
	c.flags |= flagUninteresting
	w.carryUninteresting(c)
	if c.flags&flagSeen == 0 {
		c.flags |= flagSeen
		w.pending.add(c)
	}
	return nil
}

// carryUninteresting pushes the uninteresting flag through every parsed
// ancestor of c.
func (w *Walk) carryUninteresting(c *RevCommit) {
	stack := []*RevCommit{c}
	for len(stack) > 0 {
		top := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, p := range top.parents {
			if p.flags&flagUninteresting != 0 {
				continue
			}
			p.flags |= flagUninteresting
			if p.flags&flagParsed != 0 {
				stack = append(stack, p)
			}
		}
	}
}

// Next returns the next commit, or nil when the traversal is exhausted.
func (w *Walk) Next() (*RevCommit, error) {
	if !w.started {
		if err := w.start(); err != nil {
			return nil, err
		}
	}
	return w.next()
}

// Reset forgets all commits, starts and traversal state. Settings are kept.
// RevCommits obtained before the reset must not be passed back in.
func (w *Walk) Reset() {
	w.commits = make(map[object.ID]*RevCommit)
	w.starts = nil
	w.started = false
	w.pending = dateQueue{}
	w.topo = fifo{}
	w.output = nil
	w.next = nil
	w.revFilter.reset()
}

// Close releases the walk's state. The reader is not closed.
func (w *Walk) Close() error {
	w.Reset()
	w.graph = nil
	return nil
}

func (w *Walk) start() error {
	w.started = true
	w.overScan = overScan
	w.lastTime = math.MaxInt64

	if w.revFilter.Kind == KindMergeBase {
		if !w.treeFilter.IsAll() {
			return errors.New("merge base walk: tree filters are not supported")
		}
		if len(w.starts) < 2 {
			return fmt.Errorf("merge base walk: need at least two starts, have %d", len(w.starts))
		}
		bases, err := w.MergeBases(w.starts[0], w.starts[1:]...)
		if err != nil {
			return err
		}
		w.output = bases
		w.next = w.fromOutput
		return nil
	}

	w.filter = w.revFilter
	if !w.treeFilter.IsAll() {
		trf := NewTreeRevFilter(w.treeFilter)
		trf.SetMetrics(w.metrics)
		w.filter = And(Tree(trf), w.revFilter)
	}
	w.next = w.nextPending

	if w.sort&SortTopo != 0 {
		if err := w.collectTopo(); err != nil {
			return err
		}
		w.next = w.nextTopo
	}
	if w.sort&SortReverse != 0 {
		var all []*RevCommit
		for {
			c, err := w.next()
			if err != nil {
				return err
			}
			if c == nil {
				break
			}
			all = append(all, c)
		}
		for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
			all[i], all[j] = all[j], all[i]
		}
		w.output = all
		w.next = w.fromOutput
	}
	return nil
}

func (w *Walk) fromOutput() (*RevCommit, error) {
	if len(w.output) == 0 {
		return nil, nil
	}
	c := w.output[0]
	w.output = w.output[1:]
	return c, nil
}

// nextPending pops commits in date order, evaluating the filter before the
// commit's parents are queued so a tree filter can simplify them.
func (w *Walk) nextPending() (*RevCommit, error) {
	for {
		c := w.pending.next()
		if c == nil {
			return nil, nil
		}
		w.metrics.walked()

		produce := false
		if c.flags&flagUninteresting == 0 {
			if w.filter.needsBody() {
				if _, err := w.body(c); err != nil {
					return nil, err
				}
			}
			ok, err := w.include(w.filter, c)
			if errors.Is(err, errStopWalk) {
				w.pending = dateQueue{}
				return nil, nil
			}
			if err != nil {
				return nil, err
			}
			produce = ok
		}

		for _, p := range c.parents {
			if p.flags&flagSeen != 0 {
				continue
			}
			if err := w.parseHeaders(p); err != nil {
				return nil, err
			}
			p.flags |= flagSeen
			w.pending.add(p)
		}

		if c.flags&flagUninteresting != 0 {
			w.carryUninteresting(c)
			if w.pending.allHave(flagUninteresting) {
				n := w.pending.peek()
				if n != nil && n.commitTime >= w.lastTime {
					w.overScan = overScan
				} else if w.overScan--; w.overScan == 0 {
					w.pending = dateQueue{}
					return nil, nil
				}
			} else {
				w.overScan = overScan
			}
			continue
		}
		if produce {
			w.lastTime = c.commitTime
			return c, nil
		}
	}
}

// collectTopo drains the pending generator, counting for every commit how
// many emitted children still have to come out before it.
func (w *Walk) collectTopo() error {
	for {
		c, err := w.nextPending()
		if err != nil {
			return err
		}
		if c == nil {
			return nil
		}
		for _, p := range c.parents {
			p.inDegree++
		}
		w.topo.add(c)
	}
}

func (w *Walk) nextTopo() (*RevCommit, error) {
	for {
		c := w.topo.next()
		if c == nil {
			return nil, nil
		}
		if c.inDegree > 0 {
			// A child is still queued; it releases c once emitted.
			c.flags |= flagTopoDelay
			continue
		}
		for _, p := range c.parents {
			p.inDegree--
			if p.inDegree == 0 && p.flags&flagTopoDelay != 0 {
				p.flags &^= flagTopoDelay
				w.topo.unpop(p)
			}
		}
		return c, nil
	}
}
