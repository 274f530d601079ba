package object

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// AbbreviatedID is a hex prefix of an object id. Resolution APIs return
// every id matching the prefix; they never choose one on the caller's behalf.
type AbbreviatedID struct {
	raw     ID
	nibbles int
}

// ParseAbbreviatedID parses 1..HexSize hex characters.
func ParseAbbreviatedID(s string) (AbbreviatedID, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if len(s) == 0 || len(s) > HexSize {
		return AbbreviatedID{}, fmt.Errorf("abbreviated id must be 1..%d hex chars, got %d", HexSize, len(s))
	}
	padded := s
	if len(padded)%2 == 1 {
		padded += "0"
	}
	var a AbbreviatedID
	if _, err := hex.Decode(a.raw[:], []byte(padded)); err != nil {
		return AbbreviatedID{}, fmt.Errorf("invalid abbreviated id %q: %w", s, err)
	}
	a.nibbles = len(s)
	return a, nil
}

// Abbreviate returns the first n nibbles of id as an AbbreviatedID.
func Abbreviate(id ID, n int) AbbreviatedID {
	if n <= 0 || n > HexSize {
		n = HexSize
	}
	a := AbbreviatedID{nibbles: n}
	copy(a.raw[:], id[:(n+1)/2])
	if n%2 == 1 {
		a.raw[n/2] &= 0xf0
	}
	return a
}

// Len is the number of hex characters in the prefix.
func (a AbbreviatedID) Len() int {
	return a.nibbles
}

// IsComplete reports whether the prefix covers a whole id.
func (a AbbreviatedID) IsComplete() bool {
	return a.nibbles == HexSize
}

// ToID returns the full id for a complete abbreviation.
func (a AbbreviatedID) ToID() (ID, bool) {
	return a.raw, a.IsComplete()
}

func (a AbbreviatedID) String() string {
	return hex.EncodeToString(a.raw[:])[:a.nibbles]
}

// FirstByteRange returns the inclusive range of leading id bytes that can
// match this prefix. It bounds fan-out table lookups.
func (a AbbreviatedID) FirstByteRange() (lo, hi byte) {
	if a.nibbles >= 2 {
		return a.raw[0], a.raw[0]
	}
	return a.raw[0] & 0xf0, a.raw[0] | 0x0f
}

// PrefixCompare compares the prefix with the same leading nibbles of id:
// negative when the prefix sorts before id, positive after, zero on match.
func (a AbbreviatedID) PrefixCompare(id ID) int {
	full := a.nibbles / 2
	for i := 0; i < full; i++ {
		if a.raw[i] != id[i] {
			if a.raw[i] < id[i] {
				return -1
			}
			return 1
		}
	}
	if a.nibbles%2 == 1 {
		hi := a.raw[full] & 0xf0
		other := id[full] & 0xf0
		if hi != other {
			if hi < other {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Matches reports whether id starts with this prefix.
func (a AbbreviatedID) Matches(id ID) bool {
	return a.PrefixCompare(id) == 0
}
