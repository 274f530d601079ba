package storage

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/odvcencio/odb/pkg/commitgraph"
	"github.com/odvcencio/odb/pkg/object"
)

func (db *ObjectDatabase) commitGraphPath() string {
	return filepath.Join(db.infoDir(), commitGraphName)
}

// CommitGraph returns the on-disk commit graph, loading it on first use.
// It returns commitgraph.Empty when the graph is disabled or absent.
func (db *ObjectDatabase) CommitGraph() (commitgraph.Graph, error) {
	if !db.opts.CommitGraph {
		return commitgraph.Empty, nil
	}
	db.graphMu.Lock()
	defer db.graphMu.Unlock()
	if db.graph != nil {
		return db.graph, nil
	}
	g, err := commitgraph.Open(db.fs, db.commitGraphPath(), commitgraph.ReadOptions{ChangedPaths: db.opts.ReadChangedPaths})
	switch {
	case errors.Is(err, object.ErrNotFound):
		db.graph = commitgraph.Empty
		return db.graph, nil
	case err != nil:
		return nil, err
	}
	if g.Format() != db.opts.Format {
		db.log.WithField("format", g.Format()).Warn("ignoring commit graph hashed with another object format")
		db.graph = commitgraph.Empty
		return db.graph, nil
	}
	db.graph = g
	return g, nil
}

// WriteCommitGraph replaces the on-disk commit graph. The next CommitGraph
// call reloads it.
func (db *ObjectDatabase) WriteCommitGraph(g *commitgraph.File) error {
	db.graphMu.Lock()
	defer db.graphMu.Unlock()
	size, err := writeFileAtomic(db.fs, db.commitGraphPath(), func(w io.Writer) error {
		_, err := g.WriteTo(w)
		return err
	})
	if err != nil {
		return fmt.Errorf("write commit graph: %w", err)
	}
	db.graph = nil
	db.log.WithFields(logrus.Fields{"commits": g.CommitCount(), "bytes": size}).Debug("wrote commit graph")
	return nil
}
