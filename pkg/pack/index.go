package pack

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"

	"github.com/spf13/afero"

	"github.com/odvcencio/odb/pkg/object"
)

const (
	indexHeaderSize = 8
	fanoutSize      = 256 * 4
	largeOffsetBit  = uint32(1 << 31)
	v1RecordSize    = 4 + object.IDSize
)

var indexMagic = [4]byte{0xff, 't', 'O', 'c'}

// Index is a read-only pack index. Entries are sorted by id; the position
// of an id is its rank in that order.
//
// Version 2 layout: magic, version, fan-out, ids, CRC32s, 32-bit offsets,
// 64-bit overflow offsets. Version 1 layout: fan-out followed by
// (offset, id) records, without CRC32s.
type Index struct {
	version int
	fanout  [256]uint32
	count   int

	// v2 tables
	names   []byte
	crcs    []byte
	off32   []byte
	off64   []byte
	records []byte // v1

	packChecksum  object.ID
	indexChecksum object.ID
}

// IndexEntry is one row of a pack index.
type IndexEntry struct {
	ID     object.ID
	Offset int64
	CRC32  uint32
}

// Clone returns a copy safe to retain after the cursor advances.
func (e *IndexEntry) Clone() IndexEntry {
	return *e
}

// OpenIndex reads and parses an index file.
func OpenIndex(fsys afero.Fs, path string) (*Index, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open pack index %s: %w", path, object.ErrNotFound)
		}
		return nil, fmt.Errorf("open pack index %s: %w", path, err)
	}
	idx, err := ReadIndex(data)
	if err != nil {
		return nil, fmt.Errorf("pack index %s: %w", path, err)
	}
	return idx, nil
}

// ReadIndexFrom parses an index stream.
func ReadIndexFrom(r io.Reader) (*Index, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read pack index stream: %w", err)
	}
	return ReadIndex(data)
}

// ReadIndex parses and validates an index. The version is detected from
// the presence of the magic header.
func ReadIndex(data []byte) (*Index, error) {
	if len(data) >= 4 && bytes.Equal(data[:4], indexMagic[:]) {
		return readIndexV2(data)
	}
	return readIndexV1(data)
}

func verifyIndexChecksum(data []byte) error {
	got := data[len(data)-sha256.Size:]
	sum := sha256.Sum256(data[:len(data)-sha256.Size])
	if !bytes.Equal(got, sum[:]) {
		return object.Corruptf("pack index checksum mismatch")
	}
	return nil
}

func readFanout(idx *Index, data []byte) error {
	var prev uint32
	for i := 0; i < 256; i++ {
		v := binary.BigEndian.Uint32(data[i*4:])
		if v < prev {
			return object.Corruptf("pack index fan-out not monotonic at %d", i)
		}
		idx.fanout[i] = v
		prev = v
	}
	idx.count = int(idx.fanout[255])
	return nil
}

func readIndexV1(data []byte) (*Index, error) {
	if len(data) < fanoutSize+2*object.IDSize {
		return nil, object.Corruptf("pack index too short: %d", len(data))
	}
	if err := verifyIndexChecksum(data); err != nil {
		return nil, err
	}
	idx := &Index{version: 1}
	if err := readFanout(idx, data); err != nil {
		return nil, err
	}
	cursor := fanoutSize
	end := cursor + idx.count*v1RecordSize
	if end+2*object.IDSize != len(data) {
		return nil, object.Corruptf("pack index v1 size mismatch for %d entries", idx.count)
	}
	idx.records = data[cursor:end]
	copy(idx.packChecksum[:], data[end:])
	copy(idx.indexChecksum[:], data[end+object.IDSize:])
	return idx, nil
}

func readIndexV2(data []byte) (*Index, error) {
	if len(data) < indexHeaderSize+fanoutSize+2*object.IDSize {
		return nil, object.Corruptf("pack index too short: %d", len(data))
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != 2 {
		return nil, fmt.Errorf("pack index version %d: %w", version, object.ErrUnsupportedVersion)
	}
	if err := verifyIndexChecksum(data); err != nil {
		return nil, err
	}
	idx := &Index{version: 2}
	if err := readFanout(idx, data[indexHeaderSize:]); err != nil {
		return nil, err
	}
	n := idx.count
	cursor := indexHeaderSize + fanoutSize
	tail := len(data) - 2*object.IDSize
	if cursor+n*(object.IDSize+8) > tail {
		return nil, object.Corruptf("pack index truncated")
	}
	idx.names = data[cursor : cursor+n*object.IDSize]
	cursor += n * object.IDSize
	idx.crcs = data[cursor : cursor+n*4]
	cursor += n * 4
	idx.off32 = data[cursor : cursor+n*4]
	cursor += n * 4

	large := 0
	for i := 0; i < n; i++ {
		v := binary.BigEndian.Uint32(idx.off32[i*4:])
		if v&largeOffsetBit != 0 {
			if ref := int(v &^ largeOffsetBit); ref+1 > large {
				large = ref + 1
			}
		}
	}
	if cursor+large*8 != tail {
		return nil, object.Corruptf("pack index large-offset table size mismatch")
	}
	idx.off64 = data[cursor:tail]
	copy(idx.packChecksum[:], data[tail:])
	copy(idx.indexChecksum[:], data[tail+object.IDSize:])
	return idx, nil
}

// Version returns 1 or 2.
func (idx *Index) Version() int {
	return idx.version
}

// Count returns the number of objects in the index.
func (idx *Index) Count() int {
	return idx.count
}

// PackChecksum returns the checksum of the pack this index describes.
func (idx *Index) PackChecksum() object.ID {
	return idx.packChecksum
}

// IndexChecksum returns the trailing checksum of the index itself.
func (idx *Index) IndexChecksum() object.ID {
	return idx.indexChecksum
}

// HasCRC32 reports whether CRC32 values are stored.
func (idx *Index) HasCRC32() bool {
	return idx.version >= 2
}

// Offset64Count returns how many offsets needed the overflow table.
func (idx *Index) Offset64Count() int {
	return len(idx.off64) / 8
}

func (idx *Index) idBytes(pos int) []byte {
	if idx.version == 1 {
		rec := idx.records[pos*v1RecordSize:]
		return rec[4 : 4+object.IDSize]
	}
	return idx.names[pos*object.IDSize : (pos+1)*object.IDSize]
}

// IDAt returns the id at position pos.
func (idx *Index) IDAt(pos int) object.ID {
	var id object.ID
	copy(id[:], idx.idBytes(pos))
	return id
}

// OffsetAt returns the pack offset of the object at position pos.
func (idx *Index) OffsetAt(pos int) int64 {
	if idx.version == 1 {
		return int64(binary.BigEndian.Uint32(idx.records[pos*v1RecordSize:]))
	}
	v := binary.BigEndian.Uint32(idx.off32[pos*4:])
	if v&largeOffsetBit == 0 {
		return int64(v)
	}
	ref := int(v &^ largeOffsetBit)
	return int64(binary.BigEndian.Uint64(idx.off64[ref*8:]))
}

// CRC32At returns the CRC32 stored for position pos.
func (idx *Index) CRC32At(pos int) (uint32, error) {
	if !idx.HasCRC32() {
		return 0, fmt.Errorf("crc32 on pack index v%d: %w", idx.version, object.ErrUnsupportedOperation)
	}
	return binary.BigEndian.Uint32(idx.crcs[pos*4:]), nil
}

// FindPosition returns the rank of id, or -1.
func (idx *Index) FindPosition(id object.ID) int {
	lo, hi := idx.bucket(id[0], id[0])
	for lo < hi {
		mid := lo + (hi-lo)/2
		c := bytes.Compare(idx.idBytes(mid), id[:])
		switch {
		case c < 0:
			lo = mid + 1
		case c > 0:
			hi = mid
		default:
			return mid
		}
	}
	return -1
}

// FindOffset returns the pack offset of id, or -1.
func (idx *Index) FindOffset(id object.ID) int64 {
	pos := idx.FindPosition(id)
	if pos < 0 {
		return -1
	}
	return idx.OffsetAt(pos)
}

// FindCRC32 returns the CRC32 of id's compressed entry.
func (idx *Index) FindCRC32(id object.ID) (uint32, error) {
	if !idx.HasCRC32() {
		return 0, fmt.Errorf("crc32 on pack index v%d: %w", idx.version, object.ErrUnsupportedOperation)
	}
	pos := idx.FindPosition(id)
	if pos < 0 {
		return 0, &object.MissingObjectError{ID: id}
	}
	return idx.CRC32At(pos)
}

// Contains reports whether id is in the index.
func (idx *Index) Contains(id object.ID) bool {
	return idx.FindPosition(id) >= 0
}

// bucket returns the half-open position range of ids whose first byte is
// in [first, last].
func (idx *Index) bucket(first, last byte) (int, int) {
	lo := 0
	if first > 0 {
		lo = int(idx.fanout[first-1])
	}
	return lo, int(idx.fanout[last])
}

// Resolve returns up to limit ids beginning with prefix, in id order. A
// limit of zero or less means no bound.
func (idx *Index) Resolve(prefix object.AbbreviatedID, limit int) []object.ID {
	matches := make(map[object.ID]struct{})
	idx.ResolveInto(matches, prefix, limit)
	out := make([]object.ID, 0, len(matches))
	for id := range matches {
		out = append(out, id)
	}
	object.SortIDs(out)
	return out
}

// ResolveInto adds to matches every id beginning with prefix, stopping once
// matches holds limit ids. It lets callers union results across packs.
func (idx *Index) ResolveInto(matches map[object.ID]struct{}, prefix object.AbbreviatedID, limit int) {
	first, last := prefix.FirstByteRange()
	lo, hi := idx.bucket(first, last)
	// Find the first candidate not sorting before the prefix.
	for lo < hi {
		mid := lo + (hi-lo)/2
		if prefix.PrefixCompare(idx.IDAt(mid)) > 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	for pos := lo; pos < idx.count; pos++ {
		if limit > 0 && len(matches) >= limit {
			return
		}
		id := idx.IDAt(pos)
		if !prefix.Matches(id) {
			return
		}
		matches[id] = struct{}{}
	}
}

// Cursor iterates entries in ascending id order. The entry returned by
// Entry is reused: it is valid only until the next call to Next. Use
// IndexEntry.Clone to keep a copy.
type Cursor struct {
	idx   *Index
	pos   int
	entry IndexEntry
}

// Cursor returns a cursor positioned before the first entry.
func (idx *Index) Cursor() *Cursor {
	return &Cursor{idx: idx, pos: -1}
}

// Next advances the cursor. It returns false after the last entry.
func (c *Cursor) Next() bool {
	c.pos++
	if c.pos >= c.idx.count {
		return false
	}
	copy(c.entry.ID[:], c.idx.idBytes(c.pos))
	c.entry.Offset = c.idx.OffsetAt(c.pos)
	c.entry.CRC32 = 0
	if c.idx.HasCRC32() {
		c.entry.CRC32, _ = c.idx.CRC32At(c.pos)
	}
	return true
}

// Position returns the rank of the current entry.
func (c *Cursor) Position() int {
	return c.pos
}

// Entry returns the current entry.
func (c *Cursor) Entry() *IndexEntry {
	return &c.entry
}

// Entries returns a copy of all entries in id order.
func (idx *Index) Entries() []IndexEntry {
	out := make([]IndexEntry, 0, idx.count)
	for c := idx.Cursor(); c.Next(); {
		out = append(out, c.Entry().Clone())
	}
	return out
}
