package storage

import (
	"fmt"

	"github.com/odvcencio/odb/pkg/pack"
)

// VerifySummary reports the outcome of ObjectDatabase.Verify.
type VerifySummary struct {
	PackFiles   int
	PackObjects int
	KeptPacks   int
}

// Verify checks every published pack against its index: stream checksum,
// entry count, offsets, ids and CRC32s where the index records them.
func (db *ObjectDatabase) Verify() (*VerifySummary, error) {
	r := db.NewReader()
	defer r.Close()

	report := &VerifySummary{}
	for _, p := range r.packs {
		n, err := verifyPack(p)
		if err != nil {
			return nil, fmt.Errorf("verify pack %s: %w", p.desc.Name, err)
		}
		report.PackFiles++
		report.PackObjects += n
		if p.IsKept() {
			report.KeptPacks++
		}
	}
	return report, nil
}

// verifyPack scans through a private handle so the shared reader's state is
// left alone.
func verifyPack(p *Pack) (int, error) {
	f := p.files
	file, err := f.db.fs.Open(f.path(ExtPack))
	if err != nil {
		return 0, err
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	pr, err := pack.NewReader(file, info.Size(), f.db.opts.Format)
	if err != nil {
		return 0, err
	}
	sum, err := pr.Verify()
	if err != nil {
		return 0, err
	}
	idx := p.files.idx
	if sum != idx.PackChecksum() {
		return 0, fmt.Errorf("checksum mismatch between idx (%s) and pack (%s)", idx.PackChecksum().Short(12), sum.Short(12))
	}

	offsets := make(map[int64]pack.ScanEntry, idx.Count())
	if err := pr.Scan(func(e pack.ScanEntry) error {
		if _, exists := offsets[e.Offset]; exists {
			return fmt.Errorf("duplicate offset %d", e.Offset)
		}
		offsets[e.Offset] = e
		return nil
	}); err != nil {
		return 0, err
	}
	if len(offsets) != idx.Count() {
		return 0, fmt.Errorf("idx entry count %d does not match pack entry count %d", idx.Count(), len(offsets))
	}

	c := idx.Cursor()
	for c.Next() {
		ie := c.Entry()
		pe, ok := offsets[ie.Offset]
		if !ok {
			return 0, fmt.Errorf("missing pack entry for %s at offset %d", ie.ID.Short(12), ie.Offset)
		}
		if pe.ID != ie.ID {
			return 0, fmt.Errorf("entry at offset %d is %s, idx says %s", ie.Offset, pe.ID.Short(12), ie.ID.Short(12))
		}
		if idx.HasCRC32() && pe.CRC32 != ie.CRC32 {
			return 0, fmt.Errorf("crc32 mismatch for %s", ie.ID.Short(12))
		}
	}
	return idx.Count(), nil
}
