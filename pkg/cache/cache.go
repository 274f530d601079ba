// Package cache holds fixed-size blocks of pack files in memory so repeated
// random reads do not go back to storage.
//
// A BlockCache is an explicit service: each object database (or test)
// constructs its own and passes it to the readers that should share it.
package cache

import (
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
)

const (
	DefaultBlockSize  = 64 << 10
	DefaultBlockLimit = 1024
)

// Config sizes a BlockCache.
type Config struct {
	// BlockSize is the number of bytes per cached block.
	BlockSize int
	// BlockLimit is the maximum number of blocks held.
	BlockLimit int
}

// Stats are cumulative counters.
type Stats struct {
	Hits      int64
	Misses    int64
	Evictions int64
	Blocks    int
}

type blockKey struct {
	pack  string
	block int64
}

// BlockCache is an LRU cache of pack file blocks.
type BlockCache struct {
	blockSize int
	blocks    *lru.Cache[blockKey, []byte]

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

// New creates a cache. Zero fields take defaults.
func New(cfg Config) (*BlockCache, error) {
	if cfg.BlockSize <= 0 {
		cfg.BlockSize = DefaultBlockSize
	}
	if cfg.BlockLimit <= 0 {
		cfg.BlockLimit = DefaultBlockLimit
	}
	c := &BlockCache{blockSize: cfg.BlockSize}
	l, err := lru.NewWithEvict[blockKey, []byte](cfg.BlockLimit, func(blockKey, []byte) {
		c.evictions.Add(1)
	})
	if err != nil {
		return nil, fmt.Errorf("block cache: %w", err)
	}
	c.blocks = l
	return c, nil
}

// BlockSize returns the configured block size.
func (c *BlockCache) BlockSize() int {
	return c.blockSize
}

// Stats returns a snapshot of the counters.
func (c *BlockCache) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
		Blocks:    c.blocks.Len(),
	}
}

// Remove drops every cached block of one pack.
func (c *BlockCache) Remove(pack string) {
	for _, k := range c.blocks.Keys() {
		if k.pack == pack {
			c.blocks.Remove(k)
		}
	}
}

// Purge empties the cache.
func (c *BlockCache) Purge() {
	c.blocks.Purge()
}

// ReaderAt wraps src, a file of the given size identified by pack, so that
// reads are served from cached blocks.
func (c *BlockCache) ReaderAt(pack string, src io.ReaderAt, size int64) io.ReaderAt {
	return &cachedReaderAt{cache: c, pack: pack, src: src, size: size}
}

type cachedReaderAt struct {
	cache *BlockCache
	pack  string
	src   io.ReaderAt
	size  int64
}

func (r *cachedReaderAt) block(n int64) ([]byte, error) {
	key := blockKey{pack: r.pack, block: n}
	if b, ok := r.cache.blocks.Get(key); ok {
		r.cache.hits.Add(1)
		return b, nil
	}
	r.cache.misses.Add(1)
	bs := int64(r.cache.blockSize)
	start := n * bs
	length := min(bs, r.size-start)
	buf := make([]byte, length)
	read, err := r.src.ReadAt(buf, start)
	if read != len(buf) {
		if err == nil || errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("read block %d of %s: %w", n, r.pack, err)
	}
	r.cache.blocks.Add(key, buf)
	return buf, nil
}

// ReadAt implements io.ReaderAt.
func (r *cachedReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("read %s: negative offset %d", r.pack, off)
	}
	if off >= r.size {
		return 0, io.EOF
	}
	bs := int64(r.cache.blockSize)
	n := 0
	for n < len(p) && off < r.size {
		b, err := r.block(off / bs)
		if err != nil {
			return n, err
		}
		copied := copy(p[n:], b[off%bs:])
		n += copied
		off += int64(copied)
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}
