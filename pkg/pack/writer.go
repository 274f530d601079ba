package pack

import (
	"bytes"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"hash"
	"hash/crc32"
	"io"

	"github.com/odvcencio/odb/pkg/codec"
	"github.com/odvcencio/odb/pkg/object"
)

// Entry describes one object written into a pack.
type Entry struct {
	ID     object.ID
	Type   object.Type
	Size   int64
	Offset int64
	CRC32  uint32
}

type countedWriter struct {
	w io.Writer
	n int64
}

func (cw *countedWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Writer writes a pack stream. The object count is fixed up front and
// enforced by Finish.
type Writer struct {
	out      io.Writer
	hasher   hash.Hash
	hashedW  io.Writer
	counter  *countedWriter
	codec    codec.Codec
	format   object.Format
	expected uint32
	written  uint32
	finished bool
	scratch  bytes.Buffer
}

// NewWriter initializes a writer and writes the fixed pack header.
func NewWriter(out io.Writer, numObjects uint32, c codec.Codec, format object.Format) (*Writer, error) {
	if c == nil {
		c = codec.Zlib
	}
	if format == 0 {
		format = object.FormatSHA256
	}
	hasher := sha256.New()
	counter := &countedWriter{w: out}
	pw := &Writer{
		out:      out,
		hasher:   hasher,
		hashedW:  io.MultiWriter(counter, hasher),
		counter:  counter,
		codec:    c,
		format:   format,
		expected: numObjects,
	}
	header := Header{Version: Version, NumObjects: numObjects, Codec: c.ID()}
	if _, err := pw.hashedW.Write(header.Marshal()); err != nil {
		return nil, fmt.Errorf("write pack header: %w", err)
	}
	return pw, nil
}

// Offset returns the current byte offset in the pack stream.
func (p *Writer) Offset() int64 {
	return p.counter.n
}

// Codec returns the payload codec of this pack.
func (p *Writer) Codec() codec.Codec {
	return p.codec
}

func (p *Writer) checkOpen() error {
	if p.finished {
		return fmt.Errorf("pack writer already finished")
	}
	if p.written >= p.expected {
		return fmt.Errorf("pack object count exceeded: expected %d", p.expected)
	}
	return nil
}

// WriteObject appends a whole object.
func (p *Writer) WriteObject(t object.Type, data []byte) (Entry, error) {
	if err := p.checkOpen(); err != nil {
		return Entry{}, err
	}
	p.scratch.Reset()
	if err := codec.Encode(p.codec, &p.scratch, data); err != nil {
		return Entry{}, fmt.Errorf("compress pack entry: %w", err)
	}
	e := Entry{
		ID:   p.format.HashObject(t, data),
		Type: t,
		Size: int64(len(data)),
	}
	if err := p.writeEntry(&e, EntryType(t), uint64(len(data)), nil, p.scratch.Bytes(), nil, 0); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// WriteCompressed appends an object whose payload is already compressed
// with this pack's codec, such as a spilled large object. The caller
// supplies the id and inflated size.
func (p *Writer) WriteCompressed(id object.ID, t object.Type, size int64, compressed io.Reader, compressedLen int64) (Entry, error) {
	if err := p.checkOpen(); err != nil {
		return Entry{}, err
	}
	e := Entry{ID: id, Type: t, Size: size}
	if err := p.writeEntry(&e, EntryType(t), uint64(size), nil, nil, compressed, compressedLen); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// WriteOfsDelta appends data as a delta against an entry already written to
// this pack.
func (p *Writer) WriteOfsDelta(base Entry, baseData, data []byte) (Entry, error) {
	if err := p.checkOpen(); err != nil {
		return Entry{}, err
	}
	current := p.Offset()
	if base.Offset <= 0 || base.Offset >= current {
		return Entry{}, fmt.Errorf("base offset %d must be before current offset %d", base.Offset, current)
	}
	return p.writeDelta(EntryOfsDelta, appendOfsDistance(nil, uint64(current-base.Offset)), base.Type, baseData, data)
}

// WriteRefDelta appends data as a delta against a base named by id. The
// base may live in another pack.
func (p *Writer) WriteRefDelta(baseID object.ID, baseType object.Type, baseData, data []byte) (Entry, error) {
	if err := p.checkOpen(); err != nil {
		return Entry{}, err
	}
	return p.writeDelta(EntryRefDelta, append([]byte(nil), baseID[:]...), baseType, baseData, data)
}

func (p *Writer) writeDelta(t EntryType, baseRef []byte, baseType object.Type, baseData, data []byte) (Entry, error) {
	delta := BuildDelta(baseData, data)
	p.scratch.Reset()
	if err := codec.Encode(p.codec, &p.scratch, delta); err != nil {
		return Entry{}, fmt.Errorf("compress delta payload: %w", err)
	}
	e := Entry{
		ID:   p.format.HashObject(baseType, data),
		Type: baseType,
		Size: int64(len(data)),
	}
	if err := p.writeEntry(&e, t, uint64(len(delta)), baseRef, p.scratch.Bytes(), nil, 0); err != nil {
		return Entry{}, err
	}
	return e, nil
}

func (p *Writer) writeEntry(e *Entry, t EntryType, size uint64, baseRef, payload []byte, stream io.Reader, streamLen int64) error {
	e.Offset = p.Offset()
	crc := crc32.NewIEEE()
	w := io.MultiWriter(p.hashedW, crc)

	head := appendEntryHeader(make([]byte, 0, 64), t, size)
	head = append(head, baseRef...)
	payloadLen := int64(len(payload))
	if stream != nil {
		payloadLen = streamLen
	}
	head = binary.AppendUvarint(head, uint64(payloadLen))
	if _, err := w.Write(head); err != nil {
		return fmt.Errorf("write pack entry header: %w", err)
	}
	if stream != nil {
		n, err := io.Copy(w, stream)
		if err != nil {
			return fmt.Errorf("write pack entry payload: %w", err)
		}
		if n != streamLen {
			return fmt.Errorf("write pack entry payload: copied %d bytes, want %d", n, streamLen)
		}
	} else if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("write pack entry payload: %w", err)
	}
	e.CRC32 = crc.Sum32()
	p.written++
	return nil
}

// Finish validates the object count, writes the trailing checksum and
// returns it.
func (p *Writer) Finish() (object.ID, error) {
	if p.finished {
		return object.ZeroID, fmt.Errorf("pack writer already finished")
	}
	if p.written != p.expected {
		return object.ZeroID, fmt.Errorf("pack object count mismatch: wrote %d, expected %d", p.written, p.expected)
	}
	sum := p.hasher.Sum(nil)
	if _, err := p.out.Write(sum); err != nil {
		return object.ZeroID, fmt.Errorf("write pack trailer checksum: %w", err)
	}
	p.finished = true
	var id object.ID
	copy(id[:], sum)
	return id, nil
}
