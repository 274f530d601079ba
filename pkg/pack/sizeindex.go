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

// Object size index (.osz): full inflated sizes of the objects whose size
// is at least a threshold, keyed by their position in the pack index.
//
//	magic "\377OSZ" | version u32 | threshold u64 | count u32
//	count * (position u32, size u64)
//	SHA-256 over everything above
var sizeIndexMagic = [4]byte{0xff, 'O', 'S', 'Z'}

const (
	sizeIndexVersion    = 1
	sizeIndexHeaderSize = 4 + 4 + 8 + 4
	sizeIndexRecordSize = 4 + 8
)

// SizeRecord pairs an index position with an object size.
type SizeRecord struct {
	Position int
	Size     int64
}

// SizeIndex answers object-size queries by index position.
type SizeIndex struct {
	threshold int64
	records   []SizeRecord
}

// WriteSizeIndex writes records with size >= threshold.
func WriteSizeIndex(w io.Writer, threshold int64, records []SizeRecord) error {
	kept := make([]SizeRecord, 0, len(records))
	for _, r := range records {
		if r.Size >= threshold {
			kept = append(kept, r)
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Position < kept[j].Position })

	var buf bytes.Buffer
	buf.Write(sizeIndexMagic[:])
	_ = binary.Write(&buf, binary.BigEndian, uint32(sizeIndexVersion))
	_ = binary.Write(&buf, binary.BigEndian, uint64(threshold))
	_ = binary.Write(&buf, binary.BigEndian, uint32(len(kept)))
	for _, r := range kept {
		_ = binary.Write(&buf, binary.BigEndian, uint32(r.Position))
		_ = binary.Write(&buf, binary.BigEndian, uint64(r.Size))
	}
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])
	if _, err := w.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("write size index: %w", err)
	}
	return nil
}

// ReadSizeIndex parses a size index.
func ReadSizeIndex(data []byte) (*SizeIndex, error) {
	if len(data) < sizeIndexHeaderSize+sha256.Size {
		return nil, object.Corruptf("size index too short: %d", len(data))
	}
	if !bytes.Equal(data[:4], sizeIndexMagic[:]) {
		return nil, object.Corruptf("invalid size index magic %q", data[:4])
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != sizeIndexVersion {
		return nil, fmt.Errorf("size index version %d: %w", v, object.ErrUnsupportedVersion)
	}
	body := data[:len(data)-sha256.Size]
	sum := sha256.Sum256(body)
	if !bytes.Equal(sum[:], data[len(body):]) {
		return nil, object.Corruptf("size index checksum mismatch")
	}
	si := &SizeIndex{threshold: int64(binary.BigEndian.Uint64(data[8:16]))}
	n := int(binary.BigEndian.Uint32(data[16:20]))
	if sizeIndexHeaderSize+n*sizeIndexRecordSize != len(body) {
		return nil, object.Corruptf("size index length mismatch for %d records", n)
	}
	si.records = make([]SizeRecord, n)
	cursor := sizeIndexHeaderSize
	for i := range si.records {
		si.records[i] = SizeRecord{
			Position: int(binary.BigEndian.Uint32(data[cursor:])),
			Size:     int64(binary.BigEndian.Uint64(data[cursor+4:])),
		}
		cursor += sizeIndexRecordSize
	}
	return si, nil
}

// Threshold returns the minimum size recorded in the index.
func (si *SizeIndex) Threshold() int64 {
	return si.threshold
}

// Count returns the number of recorded objects.
func (si *SizeIndex) Count() int {
	return len(si.records)
}

// Size returns the recorded size for position pos. A false result means
// the object is smaller than the threshold or not in the pack.
func (si *SizeIndex) Size(pos int) (int64, bool) {
	i := sort.Search(len(si.records), func(i int) bool { return si.records[i].Position >= pos })
	if i < len(si.records) && si.records[i].Position == pos {
		return si.records[i].Size, true
	}
	return 0, false
}
