package pack

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/odvcencio/odb/pkg/codec"
	"github.com/odvcencio/odb/pkg/object"
)

// Reader gives random access to the objects of one sealed pack.
type Reader struct {
	ra     io.ReaderAt
	size   int64
	header Header
	codec  codec.Codec
	format object.Format
	index  *Index
	// scanned maps ids to offsets for packs read without an index.
	scanned map[object.ID]int64
}

// NewReader validates the header of the pack held by ra.
func NewReader(ra io.ReaderAt, size int64, format object.Format) (*Reader, error) {
	if size < HeaderSize+TrailerSize {
		return nil, object.Corruptf("pack too short: %d bytes", size)
	}
	buf := make([]byte, HeaderSize)
	if err := readFull(ra, buf, 0); err != nil {
		return nil, fmt.Errorf("read pack header: %w", err)
	}
	h, err := UnmarshalHeader(buf)
	if err != nil {
		return nil, err
	}
	c, err := codec.ByID(h.Codec)
	if err != nil {
		return nil, fmt.Errorf("pack header: %w", err)
	}
	// Every entry takes at least a type byte and a payload length byte.
	if int64(h.NumObjects) > (size-HeaderSize-TrailerSize)/2 {
		return nil, object.Corruptf("pack header claims %d objects in %d bytes", h.NumObjects, size)
	}
	if format == 0 {
		format = object.FormatSHA256
	}
	return &Reader{ra: ra, size: size, header: h, codec: c, format: format}, nil
}

// SetIndex attaches the pack's index so REF_DELTA bases can be located.
func (r *Reader) SetIndex(idx *Index) {
	r.index = idx
}

// Header returns the parsed pack header.
func (r *Reader) Header() Header {
	return r.header
}

// Size returns the pack length in bytes.
func (r *Reader) Size() int64 {
	return r.size
}

func readFull(ra io.ReaderAt, buf []byte, off int64) error {
	n, err := ra.ReadAt(buf, off)
	if n == len(buf) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		return object.Corruptf("short read at offset %d: %d of %d bytes", off, n, len(buf))
	}
	return err
}

type rawEntry struct {
	typ        EntryType
	size       uint64
	baseOffset int64
	baseID     object.ID
	dataOffset int64
	dataLen    int64
}

func (e rawEntry) end() int64 {
	return e.dataOffset + e.dataLen
}

func (r *Reader) entryAt(offset int64) (rawEntry, error) {
	limit := r.size - TrailerSize
	if offset < HeaderSize || offset >= limit {
		return rawEntry{}, object.Corruptf("entry offset %d outside pack", offset)
	}
	buf := make([]byte, min(int64(64), limit-offset))
	if err := readFull(r.ra, buf, offset); err != nil {
		return rawEntry{}, fmt.Errorf("read entry at %d: %w", offset, err)
	}
	t, size, n, err := decodeEntryHeader(buf)
	if err != nil {
		return rawEntry{}, fmt.Errorf("entry at %d: %w", offset, err)
	}
	e := rawEntry{typ: t, size: size}
	switch t {
	case EntryOfsDelta:
		dist, m, err := decodeOfsDistance(buf[n:])
		if err != nil {
			return rawEntry{}, fmt.Errorf("entry at %d: %w", offset, err)
		}
		if dist == 0 || int64(dist) > offset-HeaderSize {
			return rawEntry{}, object.Corruptf("entry at %d: bad delta distance %d", offset, dist)
		}
		e.baseOffset = offset - int64(dist)
		n += m
	case EntryRefDelta:
		if len(buf) < n+object.IDSize {
			return rawEntry{}, object.Corruptf("entry at %d: truncated base id", offset)
		}
		copy(e.baseID[:], buf[n:n+object.IDSize])
		n += object.IDSize
	}
	plen, m := binary.Uvarint(buf[n:])
	if m <= 0 {
		return rawEntry{}, object.Corruptf("entry at %d: bad payload length", offset)
	}
	n += m
	e.dataOffset = offset + int64(n)
	if e.dataOffset > limit || plen > uint64(limit-e.dataOffset) {
		return rawEntry{}, object.Corruptf("entry at %d: payload runs past pack end", offset)
	}
	e.dataLen = int64(plen)
	if size > math.MaxInt64 {
		return rawEntry{}, object.Corruptf("entry at %d: size %d out of range", offset, size)
	}
	if r.codec.ID() == codec.IDNone && size != plen {
		return rawEntry{}, object.Corruptf("entry at %d: size %d does not match stored length %d", offset, size, plen)
	}
	return e, nil
}

func (r *Reader) inflate(e rawEntry) ([]byte, error) {
	sec := io.NewSectionReader(r.ra, e.dataOffset, e.dataLen)
	data, err := codec.Decode(r.codec, sec, int64(e.size))
	if err != nil {
		return nil, object.Corruptf("inflate entry at %d: %v", e.dataOffset, err)
	}
	return data, nil
}

// ReadAt returns the fully resolved object stored at offset.
func (r *Reader) ReadAt(offset int64) (object.Type, []byte, error) {
	return r.read(offset, 0)
}

func (r *Reader) read(offset int64, depth int) (object.Type, []byte, error) {
	if depth > MaxDeltaDepth {
		return 0, nil, object.Corruptf("delta chain at %d exceeds depth %d", offset, MaxDeltaDepth)
	}
	e, err := r.entryAt(offset)
	if err != nil {
		return 0, nil, err
	}
	data, err := r.inflate(e)
	if err != nil {
		return 0, nil, err
	}
	if !e.typ.IsDelta() {
		return object.Type(e.typ), data, nil
	}
	baseOffset := e.baseOffset
	if e.typ == EntryRefDelta {
		var ok bool
		if baseOffset, ok = r.lookup(e.baseID); !ok {
			return 0, nil, fmt.Errorf("delta base %s at %d: %w", e.baseID, offset, object.ErrNotFound)
		}
	}
	baseType, base, err := r.read(baseOffset, depth+1)
	if err != nil {
		return 0, nil, err
	}
	out, err := ApplyDelta(base, data)
	if err != nil {
		return 0, nil, fmt.Errorf("apply delta at %d: %w", offset, err)
	}
	return baseType, out, nil
}

func (r *Reader) lookup(id object.ID) (int64, bool) {
	if r.index != nil {
		if off := r.index.FindOffset(id); off >= 0 {
			return off, true
		}
	}
	off, ok := r.scanned[id]
	return off, ok
}

// ObjectSize returns the inflated size of the object at offset without
// materializing it. Delta entries inflate only the delta header.
func (r *Reader) ObjectSize(offset int64) (int64, error) {
	e, err := r.entryAt(offset)
	if err != nil {
		return 0, err
	}
	if !e.typ.IsDelta() {
		return int64(e.size), nil
	}
	rc, err := r.codec.NewReader(io.NewSectionReader(r.ra, e.dataOffset, e.dataLen))
	if err != nil {
		return 0, object.Corruptf("inflate delta header at %d: %v", offset, err)
	}
	defer rc.Close()
	head := make([]byte, min(uint64(20), e.size))
	if _, err := io.ReadFull(rc, head); err != nil {
		return 0, object.Corruptf("inflate delta header at %d: %v", offset, err)
	}
	size, err := DeltaResultSize(head)
	if err != nil {
		return 0, object.Corruptf("delta header at %d: %v", offset, err)
	}
	return int64(size), nil
}

// OpenStream returns a reader over the object at offset. Whole objects are
// inflated incrementally; deltas are resolved in memory first.
func (r *Reader) OpenStream(offset int64) (object.Type, int64, io.ReadCloser, error) {
	e, err := r.entryAt(offset)
	if err != nil {
		return 0, 0, nil, err
	}
	if e.typ.IsDelta() {
		t, data, err := r.ReadAt(offset)
		if err != nil {
			return 0, 0, nil, err
		}
		return t, int64(len(data)), io.NopCloser(bytes.NewReader(data)), nil
	}
	rc, err := r.codec.NewReader(io.NewSectionReader(r.ra, e.dataOffset, e.dataLen))
	if err != nil {
		return 0, 0, nil, object.Corruptf("inflate entry at %d: %v", offset, err)
	}
	return object.Type(e.typ), int64(e.size), rc, nil
}

// ScanEntry is one object found by Scan.
type ScanEntry struct {
	Entry
	// Delta reports whether the object was stored as a delta.
	Delta bool
}

// Scan decodes every entry in stream order, computing ids and CRC32s. It
// is used to index received packs and to verify sealed ones.
func (r *Reader) Scan(fn func(ScanEntry) error) error {
	r.scanned = make(map[object.ID]int64, r.header.NumObjects)
	offset := int64(HeaderSize)
	for i := uint32(0); i < r.header.NumObjects; i++ {
		e, err := r.entryAt(offset)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		t, data, err := r.ReadAt(offset)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		raw := make([]byte, e.end()-offset)
		if err := readFull(r.ra, raw, offset); err != nil {
			return fmt.Errorf("entry %d: %w", i, err)
		}
		se := ScanEntry{
			Entry: Entry{
				ID:     r.format.HashObject(t, data),
				Type:   t,
				Size:   int64(len(data)),
				Offset: offset,
				CRC32:  crc32.ChecksumIEEE(raw),
			},
			Delta: e.typ.IsDelta(),
		}
		r.scanned[se.ID] = offset
		if err := fn(se); err != nil {
			return err
		}
		offset = e.end()
	}
	if offset != r.size-TrailerSize {
		return object.Corruptf("pack has %d trailing undecoded bytes", r.size-TrailerSize-offset)
	}
	return nil
}

// Checksum reads the trailing pack checksum.
func (r *Reader) Checksum() (object.ID, error) {
	var id object.ID
	if err := readFull(r.ra, id[:], r.size-TrailerSize); err != nil {
		return object.ZeroID, fmt.Errorf("read pack trailer: %w", err)
	}
	return id, nil
}

// Verify recomputes the trailer checksum over the whole stream and decodes
// every entry.
func (r *Reader) Verify() (object.ID, error) {
	want, err := r.Checksum()
	if err != nil {
		return object.ZeroID, err
	}
	h := sha256.New()
	if _, err := io.Copy(h, io.NewSectionReader(r.ra, 0, r.size-TrailerSize)); err != nil {
		return object.ZeroID, fmt.Errorf("hash pack: %w", err)
	}
	if !bytes.Equal(h.Sum(nil), want[:]) {
		return object.ZeroID, object.Corruptf("pack checksum mismatch")
	}
	if err := r.Scan(func(ScanEntry) error { return nil }); err != nil {
		return object.ZeroID, err
	}
	return want, nil
}
