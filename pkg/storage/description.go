package storage

import (
	"fmt"
	"io"
	"strings"

	"github.com/fxamacker/cbor/v2"

	"github.com/odvcencio/odb/pkg/codec"
	"github.com/odvcencio/odb/pkg/object"
)

// File extensions making up one pack.
const (
	ExtPack      = ".pack"
	ExtIndex     = ".idx"
	ExtSizeIndex = ".osz"
	ExtBitmap    = ".bitmap"
	ExtMeta      = ".meta"
	ExtKeep      = ".keep"
)

// PackDescription is the persisted metadata of a pack. It is stored as a
// CBOR sidecar next to the pack; the sidecar appears last when a pack is
// written and disappears first when one is deleted, so its presence marks a
// complete pack.
type PackDescription struct {
	Name         string           `json:"name"`
	Source       PackSource       `json:"source"`
	Seq          uint64           `json:"seq"` // 0 until published
	Codec        codec.ID         `json:"codec"`
	Format       object.Format    `json:"format"`
	ObjectCount  int              `json:"object_count"`
	FileSizes    map[string]int64 `json:"file_sizes"`
	IndexVersion int              `json:"index_version"`
	Checksum     []byte           `json:"checksum"`
	Created      int64            `json:"created"` // unix nanoseconds
	// SizeIndexThreshold is the minimum object size recorded in the .osz
	// file, or -1 when the pack has none.
	SizeIndexThreshold int64 `json:"size_index_threshold"`

	// Kept mirrors the presence of the .keep marker. It is not persisted.
	Kept bool `json:"-"`
}

var (
	metaEncMode cbor.EncMode
	metaDecMode cbor.DecMode
)

func init() {
	var err error
	metaEncMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("storage: CBOR encoder initialization failed: " + err.Error())
	}
	metaDecMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("storage: CBOR decoder initialization failed: " + err.Error())
	}
}

// HasFile reports whether the pack was written with a file of extension ext.
func (d PackDescription) HasFile(ext string) bool {
	_, ok := d.FileSizes[ext]
	return ok
}

// FileSize returns the recorded size of the file with extension ext.
func (d PackDescription) FileSize(ext string) int64 {
	return d.FileSizes[ext]
}

// PackChecksum returns the trailing checksum of the pack stream.
func (d PackDescription) PackChecksum() object.ID {
	id, _ := object.IDFromBytes(d.Checksum)
	return id
}

// TotalSize sums all recorded file sizes.
func (d PackDescription) TotalSize() int64 {
	var n int64
	for _, s := range d.FileSizes {
		n += s
	}
	return n
}

func (d *PackDescription) clone() PackDescription {
	c := *d
	c.FileSizes = make(map[string]int64, len(d.FileSizes))
	for k, v := range d.FileSizes {
		c.FileSizes[k] = v
	}
	c.Checksum = append([]byte(nil), d.Checksum...)
	return c
}

func (d PackDescription) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s objects=%d size=%d", d.Name, d.Source, d.ObjectCount, d.TotalSize())
	if d.Kept {
		b.WriteString(" kept")
	}
	return b.String()
}

func encodeDescription(w io.Writer, d *PackDescription) error {
	data, err := metaEncMode.Marshal(d)
	if err != nil {
		return fmt.Errorf("encode pack description %s: %w", d.Name, err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write pack description %s: %w", d.Name, err)
	}
	return nil
}

func decodeDescription(data []byte) (PackDescription, error) {
	var d PackDescription
	if err := metaDecMode.Unmarshal(data, &d); err != nil {
		return PackDescription{}, object.Corruptf("decode pack description: %v", err)
	}
	if d.Name == "" || !d.Source.Valid() {
		return PackDescription{}, object.Corruptf("pack description missing name or source")
	}
	if d.FileSizes == nil {
		d.FileSizes = map[string]int64{}
	}
	return d, nil
}
