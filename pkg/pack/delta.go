package pack

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/odvcencio/odb/pkg/object"
)

const (
	deltaBlock   = 16
	maxInsertLen = 127
	maxCopyLen   = 0xffffff
)

func appendDeltaVarint(dst []byte, v uint64) []byte {
	return binary.AppendUvarint(dst, v)
}

func decodeDeltaVarint(r io.ByteReader) (uint64, error) {
	v, err := binary.ReadUvarint(r)
	if err != nil {
		return 0, fmt.Errorf("delta varint: %w", err)
	}
	return v, nil
}

// appendOfsDistance encodes a backward distance for OFS_DELTA entries.
func appendOfsDistance(dst []byte, distance uint64) []byte {
	var tmp [10]byte
	i := len(tmp) - 1
	tmp[i] = byte(distance & 0x7f)
	for distance >>= 7; distance > 0; distance >>= 7 {
		distance--
		i--
		tmp[i] = byte((distance & 0x7f) | 0x80)
	}
	return append(dst, tmp[i:]...)
}

func decodeOfsDistance(data []byte) (uint64, int, error) {
	if len(data) == 0 {
		return 0, 0, object.Corruptf("ofs-delta distance truncated")
	}
	i := 0
	c := data[i]
	i++
	offset := uint64(c & 0x7f)
	for c&0x80 != 0 {
		if i >= len(data) {
			return 0, 0, object.Corruptf("ofs-delta distance truncated")
		}
		c = data[i]
		i++
		offset = ((offset + 1) << 7) | uint64(c&0x7f)
	}
	return offset, i, nil
}

// BuildDelta returns a delta that rebuilds target from base. Runs present in
// base are encoded as copy instructions; the rest become literal inserts.
func BuildDelta(base, target []byte) []byte {
	out := make([]byte, 0, len(target)/2+16)
	out = appendDeltaVarint(out, uint64(len(base)))
	out = appendDeltaVarint(out, uint64(len(target)))

	blocks := make(map[string]int, len(base)/deltaBlock+1)
	for i := 0; i+deltaBlock <= len(base); i += deltaBlock {
		key := string(base[i : i+deltaBlock])
		if _, ok := blocks[key]; !ok {
			blocks[key] = i
		}
	}

	var pending []byte
	flush := func() {
		for len(pending) > 0 {
			n := min(len(pending), maxInsertLen)
			out = append(out, byte(n))
			out = append(out, pending[:n]...)
			pending = pending[n:]
		}
		pending = pending[:0]
	}

	pos := 0
	for pos < len(target) {
		if pos+deltaBlock <= len(target) {
			if at, ok := blocks[string(target[pos:pos+deltaBlock])]; ok {
				n := deltaBlock
				for at+n < len(base) && pos+n < len(target) && base[at+n] == target[pos+n] {
					n++
				}
				flush()
				for n > 0 {
					chunk := min(n, maxCopyLen)
					out = appendCopy(out, at, chunk)
					at += chunk
					pos += chunk
					n -= chunk
				}
				continue
			}
		}
		pending = append(pending, target[pos])
		pos++
	}
	flush()
	return out
}

func appendCopy(dst []byte, offset, size int) []byte {
	cmd := byte(0x80)
	var args [7]byte
	n := 0
	for i := 0; i < 4; i++ {
		if b := byte(offset >> (8 * i)); b != 0 {
			cmd |= 1 << i
			args[n] = b
			n++
		}
	}
	if size != 0x10000 {
		for i := 0; i < 3; i++ {
			if b := byte(size >> (8 * i)); b != 0 {
				cmd |= 0x10 << i
				args[n] = b
				n++
			}
		}
	}
	dst = append(dst, cmd)
	return append(dst, args[:n]...)
}

// DeltaResultSize reads the target size from a delta header.
func DeltaResultSize(delta []byte) (uint64, error) {
	dr := bytes.NewReader(delta)
	if _, err := decodeDeltaVarint(dr); err != nil {
		return 0, err
	}
	return decodeDeltaVarint(dr)
}

// maxDeltaPrealloc caps the capacity reserved from a delta's declared
// result size.
const maxDeltaPrealloc = 1 << 20

// ApplyDelta applies delta instructions to base and returns the result.
func ApplyDelta(base, delta []byte) ([]byte, error) {
	dr := bytes.NewReader(delta)

	baseSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read base size: %w", err)
	}
	if baseSize != uint64(len(base)) {
		return nil, object.Corruptf("delta base size mismatch: got %d want %d", baseSize, len(base))
	}
	resultSize, err := decodeDeltaVarint(dr)
	if err != nil {
		return nil, fmt.Errorf("read result size: %w", err)
	}

	out := make([]byte, 0, min(resultSize, maxDeltaPrealloc))
	for dr.Len() > 0 {
		cmd, _ := dr.ReadByte()
		if cmd&0x80 != 0 {
			var offset, size int64
			for i := 0; i < 4; i++ {
				if cmd&(1<<i) == 0 {
					continue
				}
				b, err := dr.ReadByte()
				if err != nil {
					return nil, object.Corruptf("delta copy offset byte %d truncated", i)
				}
				offset |= int64(b) << (8 * i)
			}
			for i := 0; i < 3; i++ {
				if cmd&(0x10<<i) == 0 {
					continue
				}
				b, err := dr.ReadByte()
				if err != nil {
					return nil, object.Corruptf("delta copy size byte %d truncated", i)
				}
				size |= int64(b) << (8 * i)
			}
			if size == 0 {
				size = 0x10000
			}
			if offset+size > int64(len(base)) {
				return nil, object.Corruptf("delta copy out of bounds")
			}
			out = append(out, base[offset:offset+size]...)
			continue
		}
		if cmd == 0 {
			return nil, object.Corruptf("invalid delta command 0")
		}
		start := len(out)
		out = append(out, make([]byte, cmd)...)
		if _, err := io.ReadFull(dr, out[start:]); err != nil {
			return nil, object.Corruptf("delta insert truncated")
		}
	}

	if uint64(len(out)) != resultSize {
		return nil, object.Corruptf("delta result size mismatch: got %d expected %d", len(out), resultSize)
	}
	return out, nil
}
