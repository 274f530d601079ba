// Package storage is the pack-based object database: the published pack
// list, scoped readers over a snapshot of it, and the inserter that seals
// new packs.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"

	"github.com/odvcencio/odb/pkg/cache"
	"github.com/odvcencio/odb/pkg/codec"
	"github.com/odvcencio/odb/pkg/commitgraph"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/pack"
)

// ErrConcurrentModification reports a pack list change that raced with
// another writer. The list is left untouched.
var ErrConcurrentModification = errors.New("pack list modified concurrently")

const (
	// DefaultStreamFileThreshold is the object size at which inserts spill
	// to a temporary file instead of memory.
	DefaultStreamFileThreshold = 50 << 20

	packDirName     = "pack"
	infoDirName     = "info"
	commitGraphName = "commit-graph"
	tmpPrefix       = ".tmp-"
)

// Options configures an ObjectDatabase. Start from DefaultOptions.
type Options struct {
	Format object.Format
	Codec  codec.Codec
	Cache  *cache.BlockCache
	Logger logrus.FieldLogger

	// StreamFileThreshold is the staged object size that triggers spilling.
	StreamFileThreshold int64
	// MinBytesObjSizeIndex enables the .osz object size index for objects
	// at least this large. Negative disables it.
	MinBytesObjSizeIndex int64
	// IndexVersion selects the pack index encoding, 1 or 2.
	IndexVersion int
	// CommitGraph lets CommitGraph load the on-disk graph.
	CommitGraph bool
	// ReadChangedPaths exposes the graph's changed-path filters.
	ReadChangedPaths bool
}

// DefaultOptions returns the settings used when nothing is configured.
func DefaultOptions() Options {
	return Options{
		Format:               object.FormatSHA256,
		Codec:                codec.Zlib,
		StreamFileThreshold:  DefaultStreamFileThreshold,
		MinBytesObjSizeIndex: -1,
		IndexVersion:         2,
		CommitGraph:          true,
		ReadChangedPaths:     true,
	}
}

type packList struct {
	packs []*Pack
}

// ObjectDatabase is a directory of packs. The pack list is published
// atomically; readers take a snapshot that stays valid until they close.
type ObjectDatabase struct {
	fs    afero.Fs
	dir   string
	opts  Options
	cache *cache.BlockCache
	log   logrus.FieldLogger

	list atomic.Pointer[packList]
	// mu serializes list publication with reader snapshots.
	mu  sync.Mutex
	seq atomic.Uint64

	graphMu sync.Mutex
	graph   commitgraph.Graph
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// Open loads the pack list found under dir, creating the layout if needed.
func Open(fsys afero.Fs, dir string, opts Options) (*ObjectDatabase, error) {
	defaults := DefaultOptions()
	if opts.Format == 0 {
		opts.Format = defaults.Format
	}
	if opts.Codec == nil {
		opts.Codec = defaults.Codec
	}
	if opts.StreamFileThreshold <= 0 {
		opts.StreamFileThreshold = defaults.StreamFileThreshold
	}
	if opts.IndexVersion == 0 {
		opts.IndexVersion = defaults.IndexVersion
	}
	if opts.IndexVersion != 1 && opts.IndexVersion != 2 {
		return nil, fmt.Errorf("pack index version %d: %w", opts.IndexVersion, object.ErrUnsupportedVersion)
	}
	if opts.Logger == nil {
		opts.Logger = discardLogger()
	}
	if opts.Cache == nil {
		c, err := cache.New(cache.Config{})
		if err != nil {
			return nil, err
		}
		opts.Cache = c
	}

	db := &ObjectDatabase{
		fs:    fsys,
		dir:   dir,
		opts:  opts,
		cache: opts.Cache,
		log:   opts.Logger,
	}
	for _, d := range []string{db.packDir(), db.infoDir()} {
		if err := fsys.MkdirAll(d, 0o755); err != nil {
			return nil, fmt.Errorf("create %s: %w", d, err)
		}
	}
	packs, err := db.scanPacks()
	if err != nil {
		return nil, err
	}
	var maxSeq uint64
	for _, p := range packs {
		p.files.acquire()
		maxSeq = max(maxSeq, p.desc.Seq)
	}
	db.seq.Store(maxSeq)
	sortPacks(packs)
	db.list.Store(&packList{packs: packs})
	db.log.WithField("packs", len(packs)).Debug("opened object database")
	return db, nil
}

func (db *ObjectDatabase) packDir() string { return filepath.Join(db.dir, packDirName) }
func (db *ObjectDatabase) infoDir() string { return filepath.Join(db.dir, infoDirName) }

// Dir returns the database root.
func (db *ObjectDatabase) Dir() string {
	return db.dir
}

// Fs returns the filesystem the database lives on.
func (db *ObjectDatabase) Fs() afero.Fs {
	return db.fs
}

// Options returns the resolved options.
func (db *ObjectDatabase) Options() Options {
	return db.opts
}

// Format returns the object hash format.
func (db *ObjectDatabase) Format() object.Format {
	return db.opts.Format
}

// Logger returns the database logger.
func (db *ObjectDatabase) Logger() logrus.FieldLogger {
	return db.log
}

// Cache returns the block cache shared by this database's readers.
func (db *ObjectDatabase) Cache() *cache.BlockCache {
	return db.cache
}

func (db *ObjectDatabase) scanPacks() ([]*Pack, error) {
	names, err := afero.Glob(db.fs, filepath.Join(db.packDir(), "pack-*"+ExtMeta))
	if err != nil {
		return nil, fmt.Errorf("list packs: %w", err)
	}
	packs := make([]*Pack, 0, len(names))
	for _, metaPath := range names {
		name := strings.TrimSuffix(filepath.Base(metaPath), ExtMeta)
		p, err := db.loadPack(name)
		if err != nil {
			return nil, err
		}
		packs = append(packs, p)
	}
	return packs, nil
}

func (db *ObjectDatabase) loadPack(name string) (*Pack, error) {
	base := filepath.Join(db.packDir(), name)
	data, err := afero.ReadFile(db.fs, base+ExtMeta)
	if err != nil {
		return nil, fmt.Errorf("read pack description %s: %w", name, err)
	}
	desc, err := decodeDescription(data)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", name, err)
	}
	idx, err := pack.OpenIndex(db.fs, base+ExtIndex)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", name, err)
	}
	var sizeIdx *pack.SizeIndex
	if desc.HasFile(ExtSizeIndex) {
		raw, err := afero.ReadFile(db.fs, base+ExtSizeIndex)
		if err != nil {
			return nil, fmt.Errorf("read size index %s: %w", name, err)
		}
		if sizeIdx, err = pack.ReadSizeIndex(raw); err != nil {
			return nil, fmt.Errorf("size index %s: %w", name, err)
		}
	}
	kept, err := afero.Exists(db.fs, base+ExtKeep)
	if err != nil {
		return nil, fmt.Errorf("stat keep marker %s: %w", name, err)
	}
	desc.Kept = kept
	return &Pack{desc: desc, files: newPackFiles(db, name, idx, sizeIdx)}, nil
}

// sortPacks orders newest registration first.
func sortPacks(packs []*Pack) {
	sort.SliceStable(packs, func(i, j int) bool {
		return packs[i].desc.Seq > packs[j].desc.Seq
	})
}

func (db *ObjectDatabase) current() []*Pack {
	return db.list.Load().packs
}

// ListPacks returns the published packs, newest first.
func (db *ObjectDatabase) ListPacks() []*Pack {
	return append([]*Pack(nil), db.current()...)
}

// FindPack returns the published pack with the given name.
func (db *ObjectDatabase) FindPack(name string) (*Pack, error) {
	for _, p := range db.current() {
		if p.desc.Name == name {
			return p, nil
		}
	}
	return nil, fmt.Errorf("pack %s: %w", name, object.ErrNotFound)
}

// Has reports whether any pack holds id, garbage included.
func (db *ObjectDatabase) Has(id object.ID) bool {
	return hasIn(db.current(), id, false)
}

// HasReachable reports whether a pack not tagged as garbage holds id.
func (db *ObjectDatabase) HasReachable(id object.ID) bool {
	return hasIn(db.current(), id, true)
}

func hasIn(packs []*Pack, id object.ID, avoidGarbage bool) bool {
	for _, p := range packs {
		if avoidGarbage && p.IsGarbage() {
			continue
		}
		if p.Contains(id) {
			return true
		}
	}
	return false
}

// NewReader opens a reader over a snapshot of the current pack list.
func (db *ObjectDatabase) NewReader() *Reader {
	return db.newReader(nil)
}

func (db *ObjectDatabase) newReader(ins *Inserter) *Reader {
	db.mu.Lock()
	packs := db.current()
	for _, p := range packs {
		p.files.acquire()
	}
	db.mu.Unlock()
	return &Reader{db: db, packs: packs, inserter: ins}
}

// CommitPack publishes add and retires remove in a single list swap. Every
// pack in remove must still be published, otherwise nothing changes and
// ErrConcurrentModification is returned. Added packs take their
// registration sequence here, in the order given.
func (db *ObjectDatabase) CommitPack(add, remove []*Pack) error {
	db.mu.Lock()
	cur := db.current()
	byName := make(map[string]*Pack, len(cur))
	for _, p := range cur {
		byName[p.desc.Name] = p
	}
	dropped := make(map[string]bool, len(remove))
	for _, p := range remove {
		if got, ok := byName[p.desc.Name]; !ok || got.files != p.files {
			db.mu.Unlock()
			return fmt.Errorf("retire pack %s: %w", p.desc.Name, ErrConcurrentModification)
		}
		dropped[p.desc.Name] = true
	}
	for _, p := range add {
		if _, ok := byName[p.desc.Name]; ok {
			db.mu.Unlock()
			return fmt.Errorf("publish pack %s: already registered", p.desc.Name)
		}
	}
	for _, p := range add {
		p.desc.Seq = db.seq.Add(1)
		if err := db.writeDescription(&p.desc); err != nil {
			db.mu.Unlock()
			return fmt.Errorf("publish pack %s: %w", p.desc.Name, err)
		}
	}
	next := make([]*Pack, 0, len(cur)+len(add)-len(remove))
	next = append(next, add...)
	for _, p := range cur {
		if !dropped[p.desc.Name] {
			next = append(next, p)
		}
	}
	sortPacks(next)
	for _, p := range add {
		p.files.acquire()
	}
	db.list.Store(&packList{packs: next})
	db.mu.Unlock()

	var result *multierror.Error
	for _, p := range remove {
		p.files.retire()
		if err := p.files.release(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	for _, p := range add {
		db.log.WithFields(logrus.Fields{"pack": p.desc.Name, "source": p.desc.Source}).Debug("published pack")
	}
	return result.ErrorOrNil()
}

// replace swaps one published pack for a variant sharing its files.
func (db *ObjectDatabase) replace(name string, update func(*PackDescription) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	cur := db.current()
	next := make([]*Pack, len(cur))
	copy(next, cur)
	for i, p := range next {
		if p.desc.Name != name {
			continue
		}
		d := p.desc.clone()
		if err := update(&d); err != nil {
			return err
		}
		next[i] = p.withDescription(d)
		db.list.Store(&packList{packs: next})
		return nil
	}
	return fmt.Errorf("pack %s: %w", name, object.ErrNotFound)
}

// SetPackSource re-tags a published pack and persists the new source.
func (db *ObjectDatabase) SetPackSource(name string, src PackSource) error {
	if !src.Valid() {
		return fmt.Errorf("set pack source %s: invalid source %d", name, src)
	}
	return db.replace(name, func(d *PackDescription) error {
		d.Source = src
		return db.writeDescription(d)
	})
}

// Keep pins a pack with a keep marker.
func (db *ObjectDatabase) Keep(name, reason string) error {
	return db.replace(name, func(d *PackDescription) error {
		path := filepath.Join(db.packDir(), name+ExtKeep)
		if err := afero.WriteFile(db.fs, path, []byte(reason+"\n"), 0o644); err != nil {
			return fmt.Errorf("write keep marker %s: %w", name, err)
		}
		d.Kept = true
		return nil
	})
}

// Unkeep removes a pack's keep marker.
func (db *ObjectDatabase) Unkeep(name string) error {
	return db.replace(name, func(d *PackDescription) error {
		path := filepath.Join(db.packDir(), name+ExtKeep)
		if err := db.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove keep marker %s: %w", name, err)
		}
		d.Kept = false
		return nil
	})
}

// Discard deletes the files of a pack that was written but never
// published.
func (db *ObjectDatabase) Discard(p *Pack) error {
	for _, cur := range db.current() {
		if cur.files == p.files {
			return fmt.Errorf("discard pack %s: still published", p.desc.Name)
		}
	}
	return db.removePackFiles(p.desc.Name)
}

// removePackFiles deletes the description first so a partial deletion is
// never mistaken for a complete pack.
func (db *ObjectDatabase) removePackFiles(name string) error {
	var result *multierror.Error
	for _, ext := range []string{ExtMeta, ExtPack, ExtIndex, ExtSizeIndex, ExtBitmap} {
		path := filepath.Join(db.packDir(), name+ext)
		if err := db.fs.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			result = multierror.Append(result, fmt.Errorf("remove %s: %w", filepath.Base(path), err))
		}
	}
	return result.ErrorOrNil()
}

// Close drops the database's references to its packs. Readers still open
// keep their snapshot alive.
func (db *ObjectDatabase) Close() error {
	db.mu.Lock()
	packs := db.current()
	db.list.Store(&packList{})
	db.mu.Unlock()
	var result *multierror.Error
	for _, p := range packs {
		if err := p.files.release(); err != nil {
			result = multierror.Append(result, err)
		}
		p.files.closeIdle()
	}
	return result.ErrorOrNil()
}
