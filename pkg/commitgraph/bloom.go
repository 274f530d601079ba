package commitgraph

import (
	"github.com/spaolacci/murmur3"
)

const (
	bloomHashVersion  = 1
	bloomNumHashes    = 7
	bloomBitsPerEntry = 10
	bloomSeed0        = 0x293ae76f
	bloomSeed1        = 0x7e646e2c

	// MaxChangedPaths is the largest path count that gets a real filter.
	// Larger changes store a single saturated byte that matches anything.
	MaxChangedPaths = 512
)

// ChangedPathFilter is a Bloom filter over the paths a commit changed
// relative to its only parent. Negative answers are exact.
type ChangedPathFilter struct {
	data []byte
}

// NewChangedPathFilter builds a filter from changed paths and their leading
// directories, without trailing slashes.
func NewChangedPathFilter(paths []string) *ChangedPathFilter {
	if len(paths) > MaxChangedPaths {
		return &ChangedPathFilter{data: []byte{0xff}}
	}
	n := (len(paths)*bloomBitsPerEntry + 7) / 8
	if n == 0 {
		n = 1
	}
	f := &ChangedPathFilter{data: make([]byte, n)}
	for _, p := range paths {
		f.add(p)
	}
	return f
}

func filterFromBytes(data []byte) *ChangedPathFilter {
	if len(data) == 0 {
		return nil
	}
	return &ChangedPathFilter{data: data}
}

func pathHashes(path string) (uint32, uint32) {
	b := []byte(path)
	return murmur3.Sum32WithSeed(b, bloomSeed0), murmur3.Sum32WithSeed(b, bloomSeed1)
}

func (f *ChangedPathFilter) add(path string) {
	h0, h1 := pathHashes(path)
	bits := uint32(len(f.data) * 8)
	for i := uint32(0); i < bloomNumHashes; i++ {
		bit := (h0 + i*h1) % bits
		f.data[bit/8] |= 1 << (bit % 8)
	}
}

// MaybeContains reports whether path may have changed. False is definite.
func (f *ChangedPathFilter) MaybeContains(path string) bool {
	h0, h1 := pathHashes(path)
	bits := uint32(len(f.data) * 8)
	for i := uint32(0); i < bloomNumHashes; i++ {
		bit := (h0 + i*h1) % bits
		if f.data[bit/8]&(1<<(bit%8)) == 0 {
			return false
		}
	}
	return true
}

// Bytes returns the filter's bit array.
func (f *ChangedPathFilter) Bytes() []byte {
	return f.data
}
