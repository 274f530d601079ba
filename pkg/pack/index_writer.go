package pack

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"github.com/odvcencio/odb/pkg/object"
)

// WriteIndex writes a version 1 or 2 index for entries and returns the
// index checksum. Entries need not be sorted.
func WriteIndex(w io.Writer, version int, entries []IndexEntry, packChecksum object.ID) (object.ID, error) {
	sorted := make([]IndexEntry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID.Less(sorted[j].ID) })
	for i := 1; i < len(sorted); i++ {
		if sorted[i].ID == sorted[i-1].ID {
			return object.ZeroID, fmt.Errorf("write pack index: duplicate id %s", sorted[i].ID)
		}
	}

	var buf bytes.Buffer
	switch version {
	case 1:
		if err := encodeIndexV1(&buf, sorted); err != nil {
			return object.ZeroID, err
		}
	case 2:
		encodeIndexV2(&buf, sorted)
	default:
		return object.ZeroID, fmt.Errorf("write pack index version %d: %w", version, object.ErrUnsupportedVersion)
	}

	buf.Write(packChecksum[:])
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	if _, err := w.Write(buf.Bytes()); err != nil {
		return object.ZeroID, fmt.Errorf("write pack index: %w", err)
	}
	return object.ID(sum), nil
}

func writeFanout(buf *bytes.Buffer, entries []IndexEntry) {
	var counts [256]uint32
	for _, e := range entries {
		counts[e.ID[0]]++
	}
	var total uint32
	for i := 0; i < 256; i++ {
		total += counts[i]
		_ = binary.Write(buf, binary.BigEndian, total)
	}
}

func encodeIndexV1(buf *bytes.Buffer, entries []IndexEntry) error {
	writeFanout(buf, entries)
	for _, e := range entries {
		if e.Offset < 0 || e.Offset > int64(^uint32(0)) {
			return fmt.Errorf("write pack index v1: offset %d of %s does not fit 32 bits", e.Offset, e.ID)
		}
		_ = binary.Write(buf, binary.BigEndian, uint32(e.Offset))
		buf.Write(e.ID[:])
	}
	return nil
}

func encodeIndexV2(buf *bytes.Buffer, entries []IndexEntry) {
	buf.Write(indexMagic[:])
	_ = binary.Write(buf, binary.BigEndian, uint32(2))
	writeFanout(buf, entries)
	for _, e := range entries {
		buf.Write(e.ID[:])
	}
	for _, e := range entries {
		_ = binary.Write(buf, binary.BigEndian, e.CRC32)
	}
	var large []uint64
	for _, e := range entries {
		if e.Offset < int64(largeOffsetBit) {
			_ = binary.Write(buf, binary.BigEndian, uint32(e.Offset))
			continue
		}
		_ = binary.Write(buf, binary.BigEndian, largeOffsetBit|uint32(len(large)))
		large = append(large, uint64(e.Offset))
	}
	for _, off := range large {
		_ = binary.Write(buf, binary.BigEndian, off)
	}
}

// IndexEntries converts written pack entries into index rows.
func IndexEntries(entries []Entry) []IndexEntry {
	out := make([]IndexEntry, len(entries))
	for i, e := range entries {
		out[i] = IndexEntry{ID: e.ID, Offset: e.Offset, CRC32: e.CRC32}
	}
	return out
}
