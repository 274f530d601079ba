package gc

import (
	"fmt"

	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/pack"
	"github.com/odvcencio/odb/pkg/storage"
)

const (
	// Blobs outside this size range are always stored whole.
	minDeltaSize = 64
	maxDeltaSize = 16 << 20
	// maxDeltaDepth bounds delta chains so reads stay cheap.
	maxDeltaDepth = 50
)

// writePack writes objs, in order, into a new unpublished pack. It returns
// the pack and the number of objects stored as deltas.
func (c *Collector) writePack(reader *storage.Reader, source storage.PackSource, objs []packObject) (*storage.Pack, int, error) {
	if len(objs) > int(^uint32(0)) {
		return nil, 0, fmt.Errorf("too many objects to pack: %d", len(objs))
	}
	deltas := 0
	p, err := c.db.WritePack(source, len(objs), func(w *pack.Writer) ([]pack.Entry, error) {
		entries := make([]pack.Entry, 0, len(objs))
		var (
			base     pack.Entry
			baseData []byte
			basePath string
			depth    int
		)
		for _, o := range objs {
			t, data, err := reader.Open(o.id)
			if err != nil {
				return nil, fmt.Errorf("read %s: %w", o.id, err)
			}
			var e pack.Entry
			if c.opts.DeltaCompression && t == object.TypeBlob && baseData != nil &&
				o.path != "" && o.path == basePath && depth < maxDeltaDepth && deltaCandidate(baseData, data) {
				e, err = w.WriteOfsDelta(base, baseData, data)
				depth++
				deltas++
			} else {
				e, err = w.WriteObject(t, data)
				depth = 0
			}
			if err != nil {
				return nil, fmt.Errorf("write %s: %w", o.id, err)
			}
			if e.ID != o.id {
				return nil, object.Corruptf("object %s hashes to %s", o.id, e.ID)
			}
			entries = append(entries, e)

			base, basePath, baseData = e, o.path, nil
			if t == object.TypeBlob && len(data) >= minDeltaSize && len(data) <= maxDeltaSize {
				baseData = data
			}
		}
		return entries, nil
	})
	if err != nil {
		return nil, 0, err
	}
	return p, deltas, nil
}

// deltaCandidate reports whether target is close enough in size to base
// for a delta to pay off.
func deltaCandidate(base, target []byte) bool {
	if len(target) < minDeltaSize || len(target) > maxDeltaSize {
		return false
	}
	diff := len(base) - len(target)
	if diff < 0 {
		diff = -diff
	}
	return diff < len(target)/2
}
