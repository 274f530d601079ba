package pack

import (
	"errors"
	"testing"

	"github.com/odvcencio/odb/pkg/codec"
	"github.com/odvcencio/odb/pkg/object"
)

func TestHeaderRoundTrip(t *testing.T) {
	h := Header{Version: Version, NumObjects: 42, Codec: codec.IDZstd}
	data := h.Marshal()
	if len(data) != HeaderSize {
		t.Fatalf("header len = %d, want %d", len(data), HeaderSize)
	}
	got, err := UnmarshalHeader(data)
	if err != nil {
		t.Fatalf("UnmarshalHeader: %v", err)
	}
	if got != h {
		t.Fatalf("round-trip mismatch: got %+v want %+v", got, h)
	}
}

func TestHeaderRejectsInvalidMagic(t *testing.T) {
	_, err := UnmarshalHeader([]byte("JUNK000000000000"))
	if !errors.Is(err, object.ErrCorrupt) {
		t.Fatalf("err = %v, want ErrCorrupt", err)
	}
}

func TestHeaderRejectsUnknownVersion(t *testing.T) {
	data := Header{Version: 9}.Marshal()
	_, err := UnmarshalHeader(data)
	if !errors.Is(err, object.ErrUnsupportedVersion) {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", err)
	}
}

func TestEntryHeaderRoundTrip(t *testing.T) {
	tests := []struct {
		name string
		typ  EntryType
		size uint64
	}{
		{name: "blob-zero", typ: EntryBlob, size: 0},
		{name: "commit-small", typ: EntryCommit, size: 127},
		{name: "tree-mid", typ: EntryTree, size: 256},
		{name: "blob-large", typ: EntryBlob, size: 1 << 20},
		{name: "ofs-delta", typ: EntryOfsDelta, size: 100},
		{name: "ref-delta", typ: EntryRefDelta, size: 100},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := appendEntryHeader(nil, tt.typ, tt.size)
			gotType, gotSize, consumed, err := decodeEntryHeader(data)
			if err != nil {
				t.Fatalf("decodeEntryHeader: %v", err)
			}
			if gotType != tt.typ || gotSize != tt.size {
				t.Fatalf("decode = (%d,%d), want (%d,%d)", gotType, gotSize, tt.typ, tt.size)
			}
			if consumed != len(data) {
				t.Fatalf("consumed = %d, want %d", consumed, len(data))
			}
		})
	}
}

func TestEntryHeaderRejectsReservedType(t *testing.T) {
	if _, _, _, err := decodeEntryHeader([]byte{0x50}); err == nil {
		t.Fatal("expected error for type 5")
	}
}
