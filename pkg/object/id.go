package object

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"sort"
)

const (
	// IDSize is the width in bytes of every object id.
	IDSize = 32
	// HexSize is the length of the lowercase hex form of an id.
	HexSize = IDSize * 2
)

// ID is a fixed-width content hash. Two objects with identical type and
// bytes always have the same ID.
type ID [IDSize]byte

// ZeroID is the all-zero id. It never names a stored object and doubles as
// "empty tree" in tree walks.
var ZeroID ID

// ParseID decodes a 64-character hex string.
func ParseID(s string) (ID, error) {
	var id ID
	if len(s) != HexSize {
		return id, fmt.Errorf("object id length must be %d hex chars, got %d", HexSize, len(s))
	}
	if _, err := hex.Decode(id[:], []byte(s)); err != nil {
		return ZeroID, fmt.Errorf("invalid object id %q: %w", s, err)
	}
	return id, nil
}

// MustParseID is ParseID for constants in tests and tables.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// IDFromBytes copies a raw IDSize-byte slice into an ID.
func IDFromBytes(raw []byte) (ID, error) {
	var id ID
	if len(raw) != IDSize {
		return id, fmt.Errorf("raw object id must be %d bytes, got %d", IDSize, len(raw))
	}
	copy(id[:], raw)
	return id, nil
}

// String returns the lowercase hex form.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Short returns the first n hex characters.
func (id ID) Short(n int) string {
	s := id.String()
	if n <= 0 || n > len(s) {
		return s
	}
	return s[:n]
}

// IsZero reports whether id is ZeroID.
func (id ID) IsZero() bool {
	return id == ZeroID
}

// Compare orders ids lexicographically by their raw bytes.
func (id ID) Compare(other ID) int {
	return bytes.Compare(id[:], other[:])
}

// Less reports whether id sorts before other.
func (id ID) Less(other ID) bool {
	return id.Compare(other) < 0
}

// MarshalText implements encoding.TextMarshaler.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (id *ID) UnmarshalText(text []byte) error {
	parsed, err := ParseID(string(text))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// SortIDs sorts ids in ascending lexicographic order.
func SortIDs(ids []ID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
}

// UniqueSortedIDs returns a sorted copy of ids without duplicates or zero ids.
func UniqueSortedIDs(ids []ID) []ID {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[ID]struct{}, len(ids))
	out := make([]ID, 0, len(ids))
	for _, id := range ids {
		if id.IsZero() {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	SortIDs(out)
	return out
}
