// Package config reads and writes the repository settings file and
// translates it into the option structs the storage and gc packages take.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/odvcencio/odb/pkg/cache"
	"github.com/odvcencio/odb/pkg/codec"
	"github.com/odvcencio/odb/pkg/gc"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/storage"
)

// FileName is the settings file inside a repository directory.
const FileName = "config.toml"

type Core struct {
	CommitGraph  bool   `toml:"commitGraph"`
	ObjectFormat string `toml:"objectFormat"`
	Compression  string `toml:"compression"`
}

type GC struct {
	WriteCommitGraph  bool `toml:"writeCommitGraph"`
	WriteChangedPaths bool `toml:"writeChangedPaths"`
	// GarbageTTL is a duration such as "72h"; empty keeps garbage forever.
	GarbageTTL string `toml:"garbageTTL,omitempty"`
	// CompactAutoAddSize is the pack size below which compact merges packs.
	CompactAutoAddSize int64 `toml:"compactAutoAddSize"`
}

type CommitGraph struct {
	ReadChangedPaths bool `toml:"readChangedPaths"`
}

type Pack struct {
	BuildBitmaps bool `toml:"buildBitmaps"`
	// PackKeptObjects is nil when unset, leaving the choice to BuildBitmaps.
	PackKeptObjects      *bool `toml:"packKeptObjects,omitempty"`
	MinBytesObjSizeIndex int64 `toml:"minBytesObjSizeIndex"`
	StreamFileThreshold  int64 `toml:"streamFileThreshold"`
	DeltaCompression     bool  `toml:"deltaCompression"`
	IndexVersion         int   `toml:"indexVersion"`
}

type Cache struct {
	BlockSize  int `toml:"blockSize"`
	BlockLimit int `toml:"blockLimit"`
}

type Log struct {
	Level string `toml:"level"`
}

// Config is the whole settings file.
type Config struct {
	Core        Core        `toml:"core"`
	GC          GC          `toml:"gc"`
	CommitGraph CommitGraph `toml:"commitGraph"`
	Pack        Pack        `toml:"pack"`
	Cache       Cache       `toml:"cache"`
	Log         Log         `toml:"log"`
}

// Default returns the settings used for keys the file leaves out.
func Default() *Config {
	return &Config{
		Core: Core{
			CommitGraph:  true,
			ObjectFormat: "sha256",
			Compression:  "zlib",
		},
		GC: GC{
			WriteCommitGraph:   true,
			CompactAutoAddSize: gc.DefaultAutoAddSize,
		},
		CommitGraph: CommitGraph{ReadChangedPaths: true},
		Pack: Pack{
			BuildBitmaps:         true,
			MinBytesObjSizeIndex: -1,
			StreamFileThreshold:  storage.DefaultStreamFileThreshold,
			IndexVersion:         2,
		},
		Cache: Cache{
			BlockSize:  cache.DefaultBlockSize,
			BlockLimit: cache.DefaultBlockLimit,
		},
		Log: Log{Level: "info"},
	}
}

// Load reads the file at path over the defaults. A missing file yields the
// defaults.
func Load(fs afero.Fs, path string) (*Config, error) {
	cfg := Default()
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", filepath.Base(path), err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("read config %s: unknown keys %s", filepath.Base(path), strings.Join(keys, ", "))
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("read config %s: %w", filepath.Base(path), err)
	}
	return cfg, nil
}

// Write atomically replaces the file at path.
func Write(fs afero.Fs, path string, cfg *Config) error {
	if cfg == nil {
		cfg = Default()
	}
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(cfg); err != nil {
		return fmt.Errorf("write config: encode: %w", err)
	}

	tmp, err := afero.TempFile(fs, filepath.Dir(path), ".config-tmp-*")
	if err != nil {
		return fmt.Errorf("write config: tmpfile: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		fs.Remove(tmpName)
		return fmt.Errorf("write config: write: %w", err)
	}
	if err := tmp.Close(); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("write config: close: %w", err)
	}
	if err := fs.Rename(tmpName, path); err != nil {
		fs.Remove(tmpName)
		return fmt.Errorf("write config: rename: %w", err)
	}
	return nil
}

// Validate checks values the decoder cannot.
func (c *Config) Validate() error {
	if _, err := object.ParseFormat(c.Core.ObjectFormat); err != nil {
		return fmt.Errorf("core.objectFormat: %w", err)
	}
	if _, err := codec.Lookup(c.Core.Compression); err != nil {
		return fmt.Errorf("core.compression: %w", err)
	}
	if v := c.Pack.IndexVersion; v != 1 && v != 2 {
		return fmt.Errorf("pack.indexVersion: must be 1 or 2, got %d", v)
	}
	if _, err := c.garbageTTL(); err != nil {
		return err
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("log.level: %w", err)
	}
	return nil
}

func (c *Config) garbageTTL() (time.Duration, error) {
	if c.GC.GarbageTTL == "" {
		return 0, nil
	}
	v, err := time.ParseDuration(c.GC.GarbageTTL)
	if err != nil {
		return 0, fmt.Errorf("gc.garbageTTL: %w", err)
	}
	return v, nil
}

// LogLevel returns the configured level.
func (c *Config) LogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.Log.Level)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// StorageOptions translates the settings for storage.Open. The logger is
// left for the caller.
func (c *Config) StorageOptions() (storage.Options, error) {
	opts := storage.DefaultOptions()
	format, err := object.ParseFormat(c.Core.ObjectFormat)
	if err != nil {
		return opts, fmt.Errorf("core.objectFormat: %w", err)
	}
	cd, err := codec.Lookup(c.Core.Compression)
	if err != nil {
		return opts, fmt.Errorf("core.compression: %w", err)
	}
	bc, err := cache.New(cache.Config{BlockSize: c.Cache.BlockSize, BlockLimit: c.Cache.BlockLimit})
	if err != nil {
		return opts, err
	}
	opts.Format = format
	opts.Codec = cd
	opts.Cache = bc
	opts.StreamFileThreshold = c.Pack.StreamFileThreshold
	opts.MinBytesObjSizeIndex = c.Pack.MinBytesObjSizeIndex
	opts.IndexVersion = c.Pack.IndexVersion
	opts.CommitGraph = c.Core.CommitGraph
	opts.ReadChangedPaths = c.CommitGraph.ReadChangedPaths
	return opts, nil
}

// GCOptions translates the settings for gc.New.
func (c *Config) GCOptions() (gc.Options, error) {
	ttl, err := c.garbageTTL()
	if err != nil {
		return gc.Options{}, err
	}
	opts := gc.DefaultOptions()
	opts.BuildBitmaps = c.Pack.BuildBitmaps
	if c.Pack.PackKeptObjects != nil {
		v := *c.Pack.PackKeptObjects
		opts.PackKeptObjects = &v
	}
	opts.WriteCommitGraph = c.GC.WriteCommitGraph
	opts.WriteChangedPaths = c.GC.WriteChangedPaths
	opts.DeltaCompression = c.Pack.DeltaCompression
	opts.GarbageTTL = ttl
	return opts, nil
}

// CompactOptions translates the settings for gc.NewCompactor.
func (c *Config) CompactOptions() gc.CompactOptions {
	return gc.CompactOptions{AutoAddSize: c.GC.CompactAutoAddSize}
}
