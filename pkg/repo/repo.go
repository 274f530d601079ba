// Package repo ties a repository directory together: its settings file,
// object database, refs and logger.
package repo

import (
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/odvcencio/odb/pkg/config"
	"github.com/odvcencio/odb/pkg/refs"
	"github.com/odvcencio/odb/pkg/storage"
)

// DirName is the repository directory created inside the root.
const DirName = ".odb"

// Repo is an opened repository.
type Repo struct {
	RootDir string // directory holding DirName
	Dir     string // the DirName directory itself
	Fs      afero.Fs
	Config  *config.Config
	DB      *storage.ObjectDatabase
	Refs    *refs.FileDatabase
	Log     *logrus.Logger
}

func newLogger(cfg *config.Config) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	log.SetLevel(cfg.LogLevel())
	return log
}

// Close releases the object database.
func (r *Repo) Close() error {
	var result *multierror.Error
	if err := r.DB.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
