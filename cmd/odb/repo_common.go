package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/repo"
	"github.com/odvcencio/odb/pkg/storage"
)

// logLevel is set by the root command's --log-level flag.
var logLevel string

func openRepo() (*repo.Repo, error) {
	r, err := repo.Open(afero.NewOsFs(), ".")
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		lvl, err := logrus.ParseLevel(logLevel)
		if err != nil {
			r.Close()
			return nil, fmt.Errorf("--log-level: %w", err)
		}
		r.Log.SetLevel(lvl)
	}
	return r, nil
}

// resolveRevision turns a ref name, a full id or a unique id prefix into an
// object id.
func resolveRevision(r *repo.Repo, reader *storage.Reader, rev string) (object.ID, error) {
	rev = strings.TrimSpace(rev)
	id, err := r.Refs.Resolve(rev)
	if err == nil {
		return id, nil
	}
	if !errors.Is(err, object.ErrNotFound) {
		return object.ZeroID, err
	}
	prefix, perr := object.ParseAbbreviatedID(rev)
	if perr != nil {
		return object.ZeroID, fmt.Errorf("unknown revision %q", rev)
	}
	matches := reader.Resolve(prefix, 2)
	switch len(matches) {
	case 0:
		return object.ZeroID, fmt.Errorf("unknown revision %q", rev)
	case 1:
		return matches[0], nil
	default:
		return object.ZeroID, fmt.Errorf("ambiguous revision %q", rev)
	}
}

func shortID(id object.ID) string {
	return id.Short(12)
}
