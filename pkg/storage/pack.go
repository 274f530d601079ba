package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"
	"github.com/willf/bloom"

	"github.com/odvcencio/odb/pkg/bitmap"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/pack"
)

// presenceFalsePositiveRate sizes the per-pack Bloom filter consulted before
// the index binary search.
const presenceFalsePositiveRate = 0.01

// Pack is one registered pack as seen by a particular pack list. Changing
// the source or keep state produces a new Pack sharing the same files.
type Pack struct {
	desc  PackDescription
	files *packFiles
}

// Name returns the pack base name, e.g. "pack-<uuid>".
func (p *Pack) Name() string {
	return p.desc.Name
}

// Source returns the pack's provenance tag.
func (p *Pack) Source() PackSource {
	return p.desc.Source
}

// Description returns a copy of the pack metadata.
func (p *Pack) Description() PackDescription {
	return p.desc.clone()
}

// IsKept reports whether a keep marker pins this pack.
func (p *Pack) IsKept() bool {
	return p.desc.Kept
}

// IsGarbage reports whether the pack is tagged as unreachable garbage.
func (p *Pack) IsGarbage() bool {
	return p.desc.Source.IsGarbage()
}

// Index returns the loaded pack index.
func (p *Pack) Index() *pack.Index {
	return p.files.idx
}

// SizeIndex returns the object size index, or nil when the pack has none.
func (p *Pack) SizeIndex() *pack.SizeIndex {
	return p.files.sizeIdx
}

// Contains reports whether the pack holds id.
func (p *Pack) Contains(id object.ID) bool {
	return p.files.find(id) >= 0
}

// Bitmap loads the pack's reachability bitmap index. A pack written
// without one returns ErrNotFound.
func (p *Pack) Bitmap() (*bitmap.Index, error) {
	return p.files.loadBitmap()
}

func (p *Pack) withDescription(d PackDescription) *Pack {
	return &Pack{desc: d, files: p.files}
}

// packFiles owns the open state of a pack's files. It is shared by every
// Pack value naming the same pack and freed once it is retired and the last
// reader lets go.
type packFiles struct {
	db      *ObjectDatabase
	name    string
	idx     *pack.Index
	sizeIdx *pack.SizeIndex
	filter  *bloom.BloomFilter

	mu      sync.Mutex
	file    afero.File
	reader  *pack.Reader
	bitmaps *bitmap.Index
	refs    int
	retired bool
	deleted bool
}

func newPackFiles(db *ObjectDatabase, name string, idx *pack.Index, sizeIdx *pack.SizeIndex) *packFiles {
	filter := bloom.NewWithEstimates(uint(max(idx.Count(), 1)), presenceFalsePositiveRate)
	c := idx.Cursor()
	for c.Next() {
		id := c.Entry().ID
		filter.Add(id[:])
	}
	return &packFiles{db: db, name: name, idx: idx, sizeIdx: sizeIdx, filter: filter}
}

func (f *packFiles) path(ext string) string {
	return filepath.Join(f.db.packDir(), f.name+ext)
}

// find returns the offset of id, or -1.
func (f *packFiles) find(id object.ID) int64 {
	if !f.filter.Test(id[:]) {
		return -1
	}
	return f.idx.FindOffset(id)
}

// packReader opens the pack file on first use.
func (f *packFiles) packReader() (*pack.Reader, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted {
		return nil, fmt.Errorf("pack %s: %w", f.name, os.ErrClosed)
	}
	if f.reader != nil {
		return f.reader, nil
	}
	file, err := f.db.fs.Open(f.path(ExtPack))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("open pack %s: %w", f.name, object.ErrNotFound)
		}
		return nil, fmt.Errorf("open pack %s: %w", f.name, err)
	}
	info, err := file.Stat()
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("stat pack %s: %w", f.name, err)
	}
	ra := f.db.cache.ReaderAt(f.name, file, info.Size())
	r, err := pack.NewReader(ra, info.Size(), f.db.opts.Format)
	if err != nil {
		_ = file.Close()
		return nil, fmt.Errorf("open pack %s: %w", f.name, err)
	}
	r.SetIndex(f.idx)
	f.file = file
	f.reader = r
	return r, nil
}

func (f *packFiles) loadBitmap() (*bitmap.Index, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.bitmaps != nil {
		return f.bitmaps, nil
	}
	data, err := afero.ReadFile(f.db.fs, f.path(ExtBitmap))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("bitmap for %s: %w", f.name, object.ErrNotFound)
		}
		return nil, fmt.Errorf("read bitmap for %s: %w", f.name, err)
	}
	bm, err := bitmap.Read(data)
	if err != nil {
		return nil, fmt.Errorf("read bitmap for %s: %w", f.name, err)
	}
	if bm.PackChecksum() != f.idx.PackChecksum() {
		return nil, object.Corruptf("bitmap for %s names another pack", f.name)
	}
	f.bitmaps = bm
	return bm, nil
}

func (f *packFiles) acquire() {
	f.mu.Lock()
	f.refs++
	f.mu.Unlock()
}

// tryAcquire takes a reference unless the files were already deleted.
func (f *packFiles) tryAcquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleted {
		return false
	}
	f.refs++
	return true
}

// release drops one reference. The last release of a retired pack closes
// its handle, evicts its cached blocks and deletes its files.
func (f *packFiles) release() error {
	f.mu.Lock()
	f.refs--
	if f.refs > 0 || !f.retired || f.deleted {
		f.mu.Unlock()
		return nil
	}
	f.deleted = true
	file := f.file
	f.file, f.reader = nil, nil
	f.mu.Unlock()

	var result *multierror.Error
	if file != nil {
		if err := file.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close pack %s: %w", f.name, err))
		}
	}
	f.db.cache.Remove(f.name)
	if err := f.db.removePackFiles(f.name); err != nil {
		result = multierror.Append(result, err)
	}
	f.db.log.WithField("pack", f.name).Debug("deleted retired pack")
	return result.ErrorOrNil()
}

func (f *packFiles) retire() {
	f.mu.Lock()
	f.retired = true
	f.mu.Unlock()
}

// closeIdle closes the pack handle when no reader holds the pack.
func (f *packFiles) closeIdle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.refs > 0 || f.file == nil {
		return
	}
	_ = f.file.Close()
	f.file, f.reader = nil, nil
}
