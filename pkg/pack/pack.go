// Package pack reads and writes pack files, their indexes and object size
// indexes.
//
// A pack is a 16-byte header followed by object entries and a trailing
// SHA-256 over everything before it:
//
//	"PACK" | version u32 | object count u32 | codec u8 | 3 reserved bytes
//
// Each entry is a variable-length type and size header, an optional delta
// base reference, the compressed payload length as a uvarint, and the
// payload itself compressed with the pack's codec.
package pack

import (
	"encoding/binary"
	"fmt"

	"github.com/odvcencio/odb/pkg/codec"
	"github.com/odvcencio/odb/pkg/object"
)

const (
	HeaderSize     = 16
	TrailerSize    = 32
	Version        = 2
	maxEntryHeader = 10
	// MaxDeltaDepth bounds delta chain resolution.
	MaxDeltaDepth = 50
)

var magic = [4]byte{'P', 'A', 'C', 'K'}

// EntryType is the type encoding used in entry headers. The base types
// share their values with object.Type.
type EntryType uint8

const (
	EntryCommit   = EntryType(object.TypeCommit)
	EntryTree     = EntryType(object.TypeTree)
	EntryBlob     = EntryType(object.TypeBlob)
	EntryTag      = EntryType(object.TypeTag)
	EntryOfsDelta EntryType = 6
	EntryRefDelta EntryType = 7
)

// IsDelta reports whether the entry payload is a delta against a base.
func (t EntryType) IsDelta() bool {
	return t == EntryOfsDelta || t == EntryRefDelta
}

func (t EntryType) String() string {
	switch t {
	case EntryOfsDelta:
		return "ofs-delta"
	case EntryRefDelta:
		return "ref-delta"
	default:
		return object.Type(t).String()
	}
}

// Header is the fixed pack header.
type Header struct {
	Version    uint32
	NumObjects uint32
	Codec      codec.ID
}

// Marshal serializes the header.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[:4], magic[:])
	binary.BigEndian.PutUint32(buf[4:8], h.Version)
	binary.BigEndian.PutUint32(buf[8:12], h.NumObjects)
	buf[12] = byte(h.Codec)
	return buf
}

// UnmarshalHeader parses and validates a pack header.
func UnmarshalHeader(data []byte) (Header, error) {
	if len(data) < HeaderSize {
		return Header{}, object.Corruptf("pack header too short: got %d bytes", len(data))
	}
	if string(data[:4]) != string(magic[:]) {
		return Header{}, object.Corruptf("invalid pack magic %q", data[:4])
	}
	version := binary.BigEndian.Uint32(data[4:8])
	if version != Version {
		return Header{}, fmt.Errorf("pack version %d: %w", version, object.ErrUnsupportedVersion)
	}
	return Header{
		Version:    version,
		NumObjects: binary.BigEndian.Uint32(data[8:12]),
		Codec:      codec.ID(data[12]),
	}, nil
}

// appendEntryHeader encodes the variable-length entry header: type in bits
// 4..6 of the first byte, size in the low nibble and continuation bytes.
func appendEntryHeader(dst []byte, t EntryType, size uint64) []byte {
	b := byte((t & 0x7) << 4)
	b |= byte(size & 0x0f)
	size >>= 4
	if size > 0 {
		b |= 0x80
	}
	dst = append(dst, b)
	for size > 0 {
		next := byte(size & 0x7f)
		size >>= 7
		if size > 0 {
			next |= 0x80
		}
		dst = append(dst, next)
	}
	return dst
}

// decodeEntryHeader returns type, inflated size and bytes consumed.
func decodeEntryHeader(data []byte) (EntryType, uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, 0, object.Corruptf("entry header truncated")
	}
	b := data[0]
	t := EntryType((b >> 4) & 0x7)
	size := uint64(b & 0x0f)
	shift := uint(4)
	consumed := 1
	for b&0x80 != 0 {
		if consumed >= len(data) || consumed >= maxEntryHeader {
			return 0, 0, 0, object.Corruptf("entry header truncated")
		}
		b = data[consumed]
		size |= uint64(b&0x7f) << shift
		shift += 7
		consumed++
	}
	switch t {
	case EntryCommit, EntryTree, EntryBlob, EntryTag, EntryOfsDelta, EntryRefDelta:
	default:
		return 0, 0, 0, object.Corruptf("invalid entry type %d", t)
	}
	return t, size, consumed, nil
}
