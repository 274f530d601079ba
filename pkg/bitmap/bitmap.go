// Package bitmap stores reachability bitmaps for a pack: for selected
// commits, the set of pack index positions of every object reachable from
// them.
package bitmap

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/weaviate/sroar"

	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/pack"
)

// File layout: magic, u32 version, pack checksum, u32 entry count, then per
// entry the commit id, a u32 length and the serialized bitmap; a SHA-256
// trailer covers everything before it.
const version = 1

var magic = [4]byte{'O', 'B', 'M', 'P'}

// Index maps commits to the pack positions reachable from them.
type Index struct {
	packChecksum object.ID
	commits      []object.ID
	bitmaps      map[object.ID]*sroar.Bitmap
}

// New returns an empty index for the pack with the given checksum.
func New(packChecksum object.ID) *Index {
	return &Index{packChecksum: packChecksum, bitmaps: make(map[object.ID]*sroar.Bitmap)}
}

// PackChecksum names the pack whose positions the bitmaps refer to.
func (idx *Index) PackChecksum() object.ID { return idx.packChecksum }

// Count returns the number of commits with a bitmap.
func (idx *Index) Count() int { return len(idx.commits) }

// Commits returns the commits with a bitmap in id order.
func (idx *Index) Commits() []object.ID {
	return append([]object.ID(nil), idx.commits...)
}

// Reachable returns the positions reachable from commit, or nil when the
// commit has no bitmap.
func (idx *Index) Reachable(commit object.ID) *sroar.Bitmap {
	return idx.bitmaps[commit]
}

// Set records the positions reachable from commit, replacing any earlier
// bitmap.
func (idx *Index) Set(commit object.ID, bm *sroar.Bitmap) {
	if _, ok := idx.bitmaps[commit]; !ok {
		i := sort.Search(len(idx.commits), func(i int) bool { return !idx.commits[i].Less(commit) })
		idx.commits = append(idx.commits, object.ZeroID)
		copy(idx.commits[i+1:], idx.commits[i:])
		idx.commits[i] = commit
	}
	idx.bitmaps[commit] = bm
}

// Build computes a bitmap for every head: the positions in idx of all
// objects reachable from it. Reachable objects stored outside the pack are
// not represented.
func Build(idx *pack.Index, src object.ObjectSource, heads []object.ID) (*Index, error) {
	out := New(idx.PackChecksum())
	for _, head := range heads {
		if !idx.Contains(head) {
			continue
		}
		reach, err := object.ReachableSet(src, []object.ID{head})
		if err != nil {
			return nil, fmt.Errorf("bitmap for %s: %w", head.Short(12), err)
		}
		bm := sroar.NewBitmap()
		for id := range reach {
			if pos := idx.FindPosition(id); pos >= 0 {
				bm.Set(uint64(pos))
			}
		}
		out.Set(head, bm)
	}
	return out, nil
}

// WriteTo encodes the index in file form.
func (idx *Index) WriteTo(w io.Writer) (int64, error) {
	var buf bytes.Buffer
	buf.Write(magic[:])
	_ = binary.Write(&buf, binary.BigEndian, uint32(version))
	buf.Write(idx.packChecksum[:])
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(idx.commits)))
	for _, c := range idx.commits {
		data := idx.bitmaps[c].ToBuffer()
		buf.Write(c[:])
		_ = binary.Write(&buf, binary.BigEndian, uint32(len(data)))
		buf.Write(data)
	}
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	n, err := w.Write(buf.Bytes())
	if err != nil {
		return int64(n), fmt.Errorf("write bitmap index: %w", err)
	}
	return int64(n), nil
}

// Read parses a bitmap index file.
func Read(data []byte) (*Index, error) {
	const headerSize = 4 + 4 + object.IDSize + 4
	if len(data) < headerSize+sha256.Size {
		return nil, object.Corruptf("bitmap index too short: %d", len(data))
	}
	if !bytes.Equal(data[:4], magic[:]) {
		return nil, object.Corruptf("bad bitmap index magic %x", data[:4])
	}
	if v := binary.BigEndian.Uint32(data[4:]); v != version {
		return nil, fmt.Errorf("bitmap index version %d: %w", v, object.ErrUnsupportedVersion)
	}
	body := data[:len(data)-sha256.Size]
	sum := sha256.Sum256(body)
	if !bytes.Equal(data[len(body):], sum[:]) {
		return nil, object.Corruptf("bitmap index checksum mismatch")
	}

	var checksum object.ID
	copy(checksum[:], body[8:])
	idx := New(checksum)
	count := int(binary.BigEndian.Uint32(body[8+object.IDSize:]))
	pos := headerSize
	for i := 0; i < count; i++ {
		if pos+object.IDSize+4 > len(body) {
			return nil, object.Corruptf("bitmap index entry %d truncated", i)
		}
		var commit object.ID
		copy(commit[:], body[pos:])
		n := int(binary.BigEndian.Uint32(body[pos+object.IDSize:]))
		pos += object.IDSize + 4
		if pos+n > len(body) {
			return nil, object.Corruptf("bitmap index entry %d truncated", i)
		}
		idx.Set(commit, sroar.FromBufferWithCopy(body[pos:pos+n]))
		pos += n
	}
	if pos != len(body) {
		return nil, object.Corruptf("bitmap index has %d trailing bytes", len(body)-pos)
	}
	return idx, nil
}
