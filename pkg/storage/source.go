package storage

import (
	"fmt"
	"strings"
)

// PackSource records how a pack came to exist. It drives visibility: packs
// tagged SourceUnreachableGarbage are skipped by reachability-aware lookups.
type PackSource uint8

const (
	// SourceInsert packs are written by an Inserter flush.
	SourceInsert PackSource = iota + 1
	// SourceReceive packs arrive as a complete pack stream.
	SourceReceive
	// SourceCompact packs merge several small packs.
	SourceCompact
	// SourceGC packs hold objects reachable from branch heads.
	SourceGC
	// SourceGCRest packs hold objects reachable only from other refs.
	SourceGCRest
	// SourceUnreachableGarbage packs hold objects no ref reaches.
	SourceUnreachableGarbage
)

var sourceNames = map[PackSource]string{
	SourceInsert:             "insert",
	SourceReceive:            "receive",
	SourceCompact:            "compact",
	SourceGC:                 "gc",
	SourceGCRest:             "gc-rest",
	SourceUnreachableGarbage: "garbage",
}

// ParsePackSource maps a name produced by String back to its source.
func ParsePackSource(name string) (PackSource, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	for src, n := range sourceNames {
		if n == name {
			return src, nil
		}
	}
	return 0, fmt.Errorf("unknown pack source %q", name)
}

func (s PackSource) String() string {
	if n, ok := sourceNames[s]; ok {
		return n
	}
	return fmt.Sprintf("source(%d)", uint8(s))
}

// Valid reports whether s is a known source.
func (s PackSource) Valid() bool {
	_, ok := sourceNames[s]
	return ok
}

// Category groups sources that play the same role in the pack list. Fresh
// writes sort lowest, garbage highest.
func (s PackSource) Category() int {
	switch s {
	case SourceInsert, SourceReceive:
		return 0
	case SourceCompact:
		return 1
	case SourceGC:
		return 2
	case SourceGCRest:
		return 3
	case SourceUnreachableGarbage:
		return 4
	default:
		return 5
	}
}

// IsGarbage reports whether packs of this source hold unreachable objects.
func (s PackSource) IsGarbage() bool {
	return s == SourceUnreachableGarbage
}
