package commitgraph

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"sort"

	"github.com/spf13/afero"

	"github.com/odvcencio/odb/pkg/object"
)

// On-disk layout:
//
//	header     "CGPH", version, hash version, chunk count, reserved
//	chunk table (count+1) x (u32 chunk id, u64 offset); the last row has
//	           id 0 and marks the end of the final chunk
//	OIDF       256 x u32 cumulative counts by first id byte
//	OIDL       N x id
//	CDAT       N x (tree id, u32 parent1, u32 parent2, u32 generation,
//	           i64 commit time)
//	EDGE       extra parents of octopus merges; the last of each run has
//	           the high bit set
//	BIDX, BDAT changed-path filters (optional)
//	trailer    SHA-256 of everything before it
const (
	graphVersion     = 1
	headerSize       = 8
	chunkRowSize     = 12
	fanoutSize       = 256 * 4
	commitDataSize   = object.IDSize + 4 + 4 + 4 + 8
	bloomHeaderSize  = 12
	parentNone       = 0x70000000
	parentOctopus    = 0x80000000
	edgeLast         = 0x80000000
	edgePositionMask = 0x7fffffff
)

var graphMagic = [4]byte{'C', 'G', 'P', 'H'}

const (
	chunkOIDF uint32 = 0x4f494446
	chunkOIDL uint32 = 0x4f49444c
	chunkCDAT uint32 = 0x43444154
	chunkEDGE uint32 = 0x45444745
	chunkBIDX uint32 = 0x42494458
	chunkBDAT uint32 = 0x42444154
)

// File is a commit graph held in memory, either built from objects or
// parsed from its file form.
type File struct {
	format  object.Format
	ids     []object.ID
	commits []CommitData
	// filters is nil when the graph carries no changed-path filters.
	filters [][]byte
}

// ReadOptions controls what Read loads.
type ReadOptions struct {
	// ChangedPaths loads the BIDX/BDAT chunks when present.
	ChangedPaths bool
}

var _ Graph = (*File)(nil)

// Format returns the object format the graph's ids were hashed with.
func (f *File) Format() object.Format { return f.format }

func (f *File) CommitCount() int { return len(f.ids) }

func (f *File) FindPosition(id object.ID) int {
	i := sort.Search(len(f.ids), func(i int) bool { return !f.ids[i].Less(id) })
	if i < len(f.ids) && f.ids[i] == id {
		return i
	}
	return -1
}

func (f *File) IDAt(pos int) object.ID { return f.ids[pos] }

func (f *File) CommitData(pos int) CommitData { return f.commits[pos] }

func (f *File) ChangedPathFilter(pos int) *ChangedPathFilter {
	if f.filters == nil {
		return nil
	}
	return filterFromBytes(f.filters[pos])
}

// HasChangedPaths reports whether the graph carries changed-path filters.
func (f *File) HasChangedPaths() bool {
	return f.filters != nil
}

// ---------------------------------------------------------------------------
// Reading
// ---------------------------------------------------------------------------

// Open reads the graph file at path.
func Open(fsys afero.Fs, path string, opts ReadOptions) (*File, error) {
	data, err := afero.ReadFile(fsys, path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("open commit graph %s: %w", path, object.ErrNotFound)
		}
		return nil, fmt.Errorf("open commit graph %s: %w", path, err)
	}
	g, err := Read(data, opts)
	if err != nil {
		return nil, fmt.Errorf("commit graph %s: %w", path, err)
	}
	return g, nil
}

type chunk struct {
	id    uint32
	start uint64
	end   uint64
}

// Read parses and validates a graph file.
func Read(data []byte, opts ReadOptions) (*File, error) {
	if len(data) < headerSize+chunkRowSize+sha256.Size {
		return nil, object.Corruptf("commit graph too short: %d", len(data))
	}
	if !bytes.Equal(data[:4], graphMagic[:]) {
		return nil, object.Corruptf("bad commit graph magic %x", data[:4])
	}
	if data[4] != graphVersion {
		return nil, fmt.Errorf("commit graph version %d: %w", data[4], object.ErrUnsupportedVersion)
	}
	format := object.Format(data[5])
	if format != object.FormatSHA256 && format != object.FormatBLAKE3 {
		return nil, fmt.Errorf("commit graph hash version %d: %w", data[5], object.ErrUnsupportedVersion)
	}
	body := data[:len(data)-sha256.Size]
	sum := sha256.Sum256(body)
	if !bytes.Equal(data[len(body):], sum[:]) {
		return nil, object.Corruptf("commit graph checksum mismatch")
	}

	n := int(data[6])
	if headerSize+(n+1)*chunkRowSize > len(body) {
		return nil, object.Corruptf("commit graph chunk table truncated")
	}
	chunks := make(map[uint32]chunk, n)
	for i := 0; i < n; i++ {
		row := body[headerSize+i*chunkRowSize:]
		next := body[headerSize+(i+1)*chunkRowSize:]
		c := chunk{
			id:    binary.BigEndian.Uint32(row),
			start: binary.BigEndian.Uint64(row[4:]),
			end:   binary.BigEndian.Uint64(next[4:]),
		}
		if c.start > c.end || c.end > uint64(len(body)) {
			return nil, object.Corruptf("commit graph chunk %08x out of bounds", c.id)
		}
		chunks[c.id] = c
	}
	slice := func(id uint32) ([]byte, bool) {
		c, ok := chunks[id]
		if !ok {
			return nil, false
		}
		return body[c.start:c.end], true
	}

	fanout, ok := slice(chunkOIDF)
	if !ok || len(fanout) != fanoutSize {
		return nil, object.Corruptf("commit graph missing or short OIDF chunk")
	}
	count := int(binary.BigEndian.Uint32(fanout[255*4:]))
	var prev uint32
	for i := 0; i < 256; i++ {
		v := binary.BigEndian.Uint32(fanout[i*4:])
		if v < prev {
			return nil, object.Corruptf("commit graph fan-out not monotonic at %d", i)
		}
		prev = v
	}
	oidl, ok := slice(chunkOIDL)
	if !ok || len(oidl) != count*object.IDSize {
		return nil, object.Corruptf("commit graph OIDL chunk does not hold %d ids", count)
	}
	cdat, ok := slice(chunkCDAT)
	if !ok || len(cdat) != count*commitDataSize {
		return nil, object.Corruptf("commit graph CDAT chunk does not hold %d commits", count)
	}
	edge, _ := slice(chunkEDGE)

	g := &File{
		format:  format,
		ids:     make([]object.ID, count),
		commits: make([]CommitData, count),
	}
	for i := range g.ids {
		copy(g.ids[i][:], oidl[i*object.IDSize:])
		if i > 0 && !g.ids[i-1].Less(g.ids[i]) {
			return nil, object.Corruptf("commit graph ids out of order at %d", i)
		}
	}
	for i := range g.commits {
		rec := cdat[i*commitDataSize:]
		cd := &g.commits[i]
		copy(cd.Tree[:], rec)
		p1 := binary.BigEndian.Uint32(rec[object.IDSize:])
		p2 := binary.BigEndian.Uint32(rec[object.IDSize+4:])
		cd.Generation = binary.BigEndian.Uint32(rec[object.IDSize+8:])
		cd.CommitTime = int64(binary.BigEndian.Uint64(rec[object.IDSize+12:]))
		parents, err := decodeParents(p1, p2, edge, count)
		if err != nil {
			return nil, fmt.Errorf("commit %s: %w", g.ids[i], err)
		}
		cd.Parents = parents
	}

	if opts.ChangedPaths {
		bidx, hasIdx := slice(chunkBIDX)
		bdat, hasDat := slice(chunkBDAT)
		if hasIdx && hasDat {
			filters, err := decodeFilters(bidx, bdat, count)
			if err != nil {
				return nil, err
			}
			g.filters = filters
		}
	}
	return g, nil
}

func decodeParents(p1, p2 uint32, edge []byte, count int) ([]int, error) {
	if p1 == parentNone {
		return nil, nil
	}
	if int(p1) >= count {
		return nil, object.Corruptf("parent position %d out of range", p1)
	}
	parents := []int{int(p1)}
	switch {
	case p2 == parentNone:
	case p2&parentOctopus == 0:
		if int(p2) >= count {
			return nil, object.Corruptf("parent position %d out of range", p2)
		}
		parents = append(parents, int(p2))
	default:
		for i := int(p2 &^ parentOctopus); ; i++ {
			if (i+1)*4 > len(edge) {
				return nil, object.Corruptf("EDGE chunk truncated")
			}
			v := binary.BigEndian.Uint32(edge[i*4:])
			pos := int(v & edgePositionMask)
			if pos >= count {
				return nil, object.Corruptf("parent position %d out of range", pos)
			}
			parents = append(parents, pos)
			if v&edgeLast != 0 {
				break
			}
		}
	}
	return parents, nil
}

func decodeFilters(bidx, bdat []byte, count int) ([][]byte, error) {
	if len(bidx) != count*4 {
		return nil, object.Corruptf("commit graph BIDX chunk does not hold %d offsets", count)
	}
	if len(bdat) < bloomHeaderSize {
		return nil, object.Corruptf("commit graph BDAT chunk too short")
	}
	version := binary.BigEndian.Uint32(bdat)
	hashes := binary.BigEndian.Uint32(bdat[4:])
	bits := binary.BigEndian.Uint32(bdat[8:])
	if version != bloomHashVersion || hashes != bloomNumHashes || bits != bloomBitsPerEntry {
		return nil, fmt.Errorf("changed-path filter settings %d/%d/%d: %w", version, hashes, bits, object.ErrUnsupportedVersion)
	}
	payload := bdat[bloomHeaderSize:]
	filters := make([][]byte, count)
	var start uint32
	for i := range filters {
		end := binary.BigEndian.Uint32(bidx[i*4:])
		if end < start || int(end) > len(payload) {
			return nil, object.Corruptf("changed-path filter %d out of bounds", i)
		}
		filters[i] = payload[start:end]
		start = end
	}
	return filters, nil
}

// ---------------------------------------------------------------------------
// Writing
// ---------------------------------------------------------------------------

// WriteTo encodes the graph in file form.
func (f *File) WriteTo(w io.Writer) (int64, error) {
	type section struct {
		id   uint32
		data []byte
	}
	var sections []section

	var fanout bytes.Buffer
	var counts [256]uint32
	for _, id := range f.ids {
		counts[id[0]]++
	}
	var total uint32
	for i := 0; i < 256; i++ {
		total += counts[i]
		_ = binary.Write(&fanout, binary.BigEndian, total)
	}
	sections = append(sections, section{chunkOIDF, fanout.Bytes()})

	oidl := make([]byte, 0, len(f.ids)*object.IDSize)
	for _, id := range f.ids {
		oidl = append(oidl, id[:]...)
	}
	sections = append(sections, section{chunkOIDL, oidl})

	var cdat, edge bytes.Buffer
	for _, cd := range f.commits {
		cdat.Write(cd.Tree[:])
		p1, p2 := uint32(parentNone), uint32(parentNone)
		switch len(cd.Parents) {
		case 0:
		case 1:
			p1 = uint32(cd.Parents[0])
		case 2:
			p1, p2 = uint32(cd.Parents[0]), uint32(cd.Parents[1])
		default:
			p1 = uint32(cd.Parents[0])
			p2 = parentOctopus | uint32(edge.Len()/4)
			rest := cd.Parents[1:]
			for i, p := range rest {
				v := uint32(p)
				if i == len(rest)-1 {
					v |= edgeLast
				}
				_ = binary.Write(&edge, binary.BigEndian, v)
			}
		}
		_ = binary.Write(&cdat, binary.BigEndian, p1)
		_ = binary.Write(&cdat, binary.BigEndian, p2)
		_ = binary.Write(&cdat, binary.BigEndian, cd.Generation)
		_ = binary.Write(&cdat, binary.BigEndian, uint64(cd.CommitTime))
	}
	sections = append(sections, section{chunkCDAT, cdat.Bytes()})
	if edge.Len() > 0 {
		sections = append(sections, section{chunkEDGE, edge.Bytes()})
	}

	if f.filters != nil {
		var bidx, bdat bytes.Buffer
		_ = binary.Write(&bdat, binary.BigEndian, uint32(bloomHashVersion))
		_ = binary.Write(&bdat, binary.BigEndian, uint32(bloomNumHashes))
		_ = binary.Write(&bdat, binary.BigEndian, uint32(bloomBitsPerEntry))
		var end uint32
		for _, data := range f.filters {
			bdat.Write(data)
			end += uint32(len(data))
			_ = binary.Write(&bidx, binary.BigEndian, end)
		}
		sections = append(sections, section{chunkBIDX, bidx.Bytes()}, section{chunkBDAT, bdat.Bytes()})
	}

	var buf bytes.Buffer
	buf.Write(graphMagic[:])
	buf.Write([]byte{graphVersion, byte(f.format), byte(len(sections)), 0})
	offset := uint64(headerSize + (len(sections)+1)*chunkRowSize)
	for _, s := range sections {
		_ = binary.Write(&buf, binary.BigEndian, s.id)
		_ = binary.Write(&buf, binary.BigEndian, offset)
		offset += uint64(len(s.data))
	}
	_ = binary.Write(&buf, binary.BigEndian, uint32(0))
	_ = binary.Write(&buf, binary.BigEndian, offset)
	for _, s := range sections {
		buf.Write(s.data)
	}
	sum := sha256.Sum256(buf.Bytes())
	buf.Write(sum[:])

	n, err := w.Write(buf.Bytes())
	if err != nil {
		return int64(n), fmt.Errorf("write commit graph: %w", err)
	}
	return int64(n), nil
}
