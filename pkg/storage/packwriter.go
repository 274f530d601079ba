package storage

import (
	"bytes"
	"fmt"
	"io"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/afero"

	"github.com/odvcencio/odb/pkg/codec"
	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/pack"
)

func newPackName() string {
	return "pack-" + uuid.NewString()
}

// tempFile is a scratch file that cleanup removes unless it was committed
// under its final name.
type tempFile struct {
	fs   afero.Fs
	file afero.File
	kept bool
}

func createTemp(fsys afero.Fs, dir, pattern string) (*tempFile, error) {
	f, err := afero.TempFile(fsys, dir, tmpPrefix+pattern)
	if err != nil {
		return nil, fmt.Errorf("create temp file in %s: %w", dir, err)
	}
	return &tempFile{fs: fsys, file: f}, nil
}

func (t *tempFile) Name() string { return t.file.Name() }

func (t *tempFile) cleanup() {
	if t.kept {
		return
	}
	_ = t.file.Close()
	_ = t.fs.Remove(t.file.Name())
}

// commit closes the file and renames it to dst.
func (t *tempFile) commit(dst string) (int64, error) {
	info, err := t.file.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", t.Name(), err)
	}
	if err := t.file.Close(); err != nil {
		return 0, fmt.Errorf("close %s: %w", t.Name(), err)
	}
	if err := t.fs.Rename(t.Name(), dst); err != nil {
		return 0, fmt.Errorf("rename %s: %w", filepath.Base(dst), err)
	}
	t.kept = true
	return info.Size(), nil
}

// writeFileAtomic writes a file through a temporary name and a rename.
func writeFileAtomic(fsys afero.Fs, dst string, write func(io.Writer) error) (int64, error) {
	tmp, err := createTemp(fsys, filepath.Dir(dst), "write-*")
	if err != nil {
		return 0, err
	}
	defer tmp.cleanup()
	if err := write(tmp.file); err != nil {
		return 0, err
	}
	return tmp.commit(dst)
}

func (db *ObjectDatabase) writeDescription(d *PackDescription) error {
	path := filepath.Join(db.packDir(), d.Name+ExtMeta)
	_, err := writeFileAtomic(db.fs, path, func(w io.Writer) error {
		return encodeDescription(w, d)
	})
	return err
}

// PackWriteFunc writes the objects of a new pack and returns their entries.
type PackWriteFunc func(w *pack.Writer) ([]pack.Entry, error)

// WritePack writes a pack of count objects with the database codec. The
// pack is sealed on disk but not published: pass it to CommitPack, or to
// Discard on failure.
func (db *ObjectDatabase) WritePack(source PackSource, count int, write PackWriteFunc) (*Pack, error) {
	return db.writePack(source, db.opts.Codec, count, write)
}

func (db *ObjectDatabase) writePack(source PackSource, c codec.Codec, count int, write PackWriteFunc) (*Pack, error) {
	if count < 0 || int64(count) > int64(^uint32(0)) {
		return nil, fmt.Errorf("write pack: invalid object count %d", count)
	}
	tmp, err := createTemp(db.fs, db.packDir(), "pack-*")
	if err != nil {
		return nil, err
	}
	defer tmp.cleanup()

	pw, err := pack.NewWriter(tmp.file, uint32(count), c, db.opts.Format)
	if err != nil {
		return nil, fmt.Errorf("write pack: %w", err)
	}
	entries, err := write(pw)
	if err != nil {
		return nil, fmt.Errorf("write pack: %w", err)
	}
	checksum, err := pw.Finish()
	if err != nil {
		return nil, fmt.Errorf("write pack: %w", err)
	}
	return db.sealPack(tmp, source, c.ID(), checksum, entries)
}

// sealPack writes the index, size index and description of a finished pack
// stream held in tmp and renames everything into place. The description is
// renamed last. On failure nothing named after the pack remains.
func (db *ObjectDatabase) sealPack(tmp *tempFile, source PackSource, codecID codec.ID, checksum object.ID, entries []pack.Entry) (p *Pack, err error) {
	name := newPackName()
	base := filepath.Join(db.packDir(), name)
	defer func() {
		if err != nil {
			if rmErr := db.removePackFiles(name); rmErr != nil {
				err = multierror.Append(err, rmErr)
			}
		}
	}()

	indexEntries := pack.IndexEntries(entries)
	var idxBuf bytes.Buffer
	if _, err := pack.WriteIndex(&idxBuf, db.opts.IndexVersion, indexEntries, checksum); err != nil {
		return nil, fmt.Errorf("seal %s: %w", name, err)
	}
	idx, err := pack.ReadIndex(idxBuf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("seal %s: %w", name, err)
	}

	desc := PackDescription{
		Name:               name,
		Source:             source,
		Codec:              codecID,
		Format:             db.opts.Format,
		ObjectCount:        len(entries),
		FileSizes:          map[string]int64{},
		IndexVersion:       db.opts.IndexVersion,
		Checksum:           append([]byte(nil), checksum[:]...),
		Created:            time.Now().UnixNano(),
		SizeIndexThreshold: -1,
	}

	if desc.FileSizes[ExtPack], err = tmp.commit(base + ExtPack); err != nil {
		return nil, fmt.Errorf("seal %s: %w", name, err)
	}
	if desc.FileSizes[ExtIndex], err = writeFileAtomic(db.fs, base+ExtIndex, func(w io.Writer) error {
		_, err := w.Write(idxBuf.Bytes())
		return err
	}); err != nil {
		return nil, fmt.Errorf("seal %s: %w", name, err)
	}

	var sizeIdx *pack.SizeIndex
	if threshold := db.opts.MinBytesObjSizeIndex; threshold >= 0 {
		records := make([]pack.SizeRecord, 0, len(entries))
		for _, e := range entries {
			if e.Size >= threshold {
				records = append(records, pack.SizeRecord{Position: idx.FindPosition(e.ID), Size: e.Size})
			}
		}
		var buf bytes.Buffer
		if err := pack.WriteSizeIndex(&buf, threshold, records); err != nil {
			return nil, fmt.Errorf("seal %s: %w", name, err)
		}
		if sizeIdx, err = pack.ReadSizeIndex(buf.Bytes()); err != nil {
			return nil, fmt.Errorf("seal %s: %w", name, err)
		}
		if desc.FileSizes[ExtSizeIndex], err = writeFileAtomic(db.fs, base+ExtSizeIndex, func(w io.Writer) error {
			_, err := w.Write(buf.Bytes())
			return err
		}); err != nil {
			return nil, fmt.Errorf("seal %s: %w", name, err)
		}
		desc.SizeIndexThreshold = threshold
	}

	if err := db.writeDescription(&desc); err != nil {
		return nil, fmt.Errorf("seal %s: %w", name, err)
	}
	return &Pack{desc: desc, files: newPackFiles(db, name, idx, sizeIdx)}, nil
}

// WritePackFile writes an auxiliary file, such as a bitmap index, next to
// an unpublished or published pack.
func (db *ObjectDatabase) WritePackFile(p *Pack, ext string, write func(io.Writer) error) error {
	path := filepath.Join(db.packDir(), p.desc.Name+ext)
	if _, err := writeFileAtomic(db.fs, path, write); err != nil {
		return fmt.Errorf("write %s%s: %w", p.desc.Name, ext, err)
	}
	return nil
}
