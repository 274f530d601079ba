package gc

import (
	"errors"
	"fmt"

	"github.com/odvcencio/odb/pkg/object"
	"github.com/odvcencio/odb/pkg/storage"
)

// Statistics summarizes the published pack list.
type Statistics struct {
	// PackedObjects and PackFiles cover every pack but garbage ones.
	PackedObjects int
	PackFiles     int
	KeptPacks     int
	// Bitmaps counts commits with a reachability bitmap, over all packs.
	Bitmaps        int
	GarbagePacks   int
	GarbageObjects int
}

// Stats reads the statistics of db's current pack list.
func Stats(db *storage.ObjectDatabase) (Statistics, error) {
	var s Statistics
	for _, p := range db.ListPacks() {
		n := p.Index().Count()
		if p.IsGarbage() {
			s.GarbagePacks++
			s.GarbageObjects += n
		} else {
			s.PackFiles++
			s.PackedObjects += n
		}
		if p.IsKept() {
			s.KeptPacks++
		}
		bm, err := p.Bitmap()
		switch {
		case errors.Is(err, object.ErrNotFound):
		case err != nil:
			return Statistics{}, fmt.Errorf("statistics: %w", err)
		default:
			s.Bitmaps += bm.Count()
		}
	}
	return s, nil
}

// Statistics reads the statistics of the collector's database.
func (c *Collector) Statistics() (Statistics, error) {
	return Stats(c.db)
}
