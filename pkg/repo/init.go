package repo

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/odvcencio/odb/pkg/config"
	"github.com/odvcencio/odb/pkg/refs"
	"github.com/odvcencio/odb/pkg/storage"
)

const (
	objectsDirName = "objects"
	defaultBranch  = "main"
)

// Init creates a repository at path. The settings file is written from cfg,
// or from the defaults when cfg is nil. It fails if path already holds one.
func Init(fs afero.Fs, path string, cfg *config.Config) (*Repo, error) {
	dir := filepath.Join(path, DirName)
	if ok, err := afero.DirExists(fs, dir); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	} else if ok {
		return nil, fmt.Errorf("init: repository already exists at %s", dir)
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	if err := fs.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("init: mkdir %s: %w", dir, err)
	}
	if err := config.Write(fs, filepath.Join(dir, config.FileName), cfg); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	rdb := refs.NewFileDatabase(fs, dir)
	if err := rdb.Init(defaultBranch); err != nil {
		return nil, fmt.Errorf("init: %w", err)
	}
	return open(fs, path, cfg)
}

// Open searches upward from path for a repository directory and opens it.
func Open(fs afero.Fs, path string) (*Repo, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("open: abs path: %w", err)
	}

	cur := abs
	for {
		ok, err := afero.DirExists(fs, filepath.Join(cur, DirName))
		if err != nil {
			return nil, fmt.Errorf("open: %w", err)
		}
		if ok {
			break
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return nil, fmt.Errorf("open: not an odb repository (or any parent up to /)")
		}
		cur = parent
	}

	cfg, err := config.Load(fs, filepath.Join(cur, DirName, config.FileName))
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return open(fs, cur, cfg)
}

func open(fs afero.Fs, root string, cfg *config.Config) (*Repo, error) {
	dir := filepath.Join(root, DirName)
	log := newLogger(cfg)
	opts, err := cfg.StorageOptions()
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	opts.Logger = log
	db, err := storage.Open(fs, filepath.Join(dir, objectsDirName), opts)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	return &Repo{
		RootDir: root,
		Dir:     dir,
		Fs:      fs,
		Config:  cfg,
		DB:      db,
		Refs:    refs.NewFileDatabase(fs, dir),
		Log:     log,
	}, nil
}
