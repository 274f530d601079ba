package storage

import (
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	"github.com/odvcencio/odb/pkg/pack"
)

// ReceivePack stores a complete pack stream read from r, indexes it and
// publishes it with the given source. Delta bases must be inside the
// stream itself.
func (db *ObjectDatabase) ReceivePack(r io.Reader, source PackSource) (*Pack, error) {
	tmp, err := createTemp(db.fs, db.packDir(), "receive-*")
	if err != nil {
		return nil, fmt.Errorf("receive pack: %w", err)
	}
	defer tmp.cleanup()

	size, err := io.Copy(tmp.file, r)
	if err != nil {
		return nil, fmt.Errorf("receive pack: copy stream: %w", err)
	}
	pr, err := pack.NewReader(tmp.file, size, db.opts.Format)
	if err != nil {
		return nil, fmt.Errorf("receive pack: %w", err)
	}
	checksum, err := pr.Checksum()
	if err != nil {
		return nil, fmt.Errorf("receive pack: %w", err)
	}
	if _, err := pr.Verify(); err != nil {
		return nil, fmt.Errorf("receive pack: %w", err)
	}
	entries := make([]pack.Entry, 0, pr.Header().NumObjects)
	if err := pr.Scan(func(e pack.ScanEntry) error {
		entries = append(entries, e.Entry)
		return nil
	}); err != nil {
		return nil, fmt.Errorf("receive pack: %w", err)
	}

	p, err := db.sealPack(tmp, source, pr.Header().Codec, checksum, entries)
	if err != nil {
		return nil, fmt.Errorf("receive pack: %w", err)
	}
	if err := db.CommitPack([]*Pack{p}, nil); err != nil {
		if derr := db.Discard(p); derr != nil {
			err = multierror.Append(err, derr)
		}
		return nil, fmt.Errorf("receive pack: %w", err)
	}
	db.log.WithFields(logrus.Fields{"pack": p.Name(), "objects": len(entries), "source": source}).Info("received pack")
	return p, nil
}
