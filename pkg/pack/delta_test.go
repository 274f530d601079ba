package pack

import (
	"bytes"
	"strings"
	"testing"
)

func TestOfsDistanceRoundTrip(t *testing.T) {
	tests := []uint64{
		1, 2, 10, 127, 128, 255, 1024, 65535, 1 << 20, (1 << 31) + 17,
	}
	for _, want := range tests {
		enc := appendOfsDistance(nil, want)
		got, n, err := decodeOfsDistance(enc)
		if err != nil {
			t.Fatalf("decode distance %d: %v", want, err)
		}
		if got != want {
			t.Fatalf("distance round-trip mismatch: got %d want %d", got, want)
		}
		if n != len(enc) {
			t.Fatalf("distance byte count mismatch: got %d want %d", n, len(enc))
		}
	}
}

func TestBuildDeltaAppliesToTarget(t *testing.T) {
	base := []byte(strings.Repeat("line of shared text\n", 40))
	target := append([]byte("new header\n"), base[:400]...)
	target = append(target, []byte("inserted middle\n")...)
	target = append(target, base[400:]...)

	delta := BuildDelta(base, target)
	if len(delta) >= len(target)/2 {
		t.Fatalf("delta len = %d, expected copies to shrink it below %d", len(delta), len(target)/2)
	}
	got, err := ApplyDelta(base, delta)
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if !bytes.Equal(got, target) {
		t.Fatalf("delta result mismatch")
	}
	size, err := DeltaResultSize(delta)
	if err != nil || size != uint64(len(target)) {
		t.Fatalf("DeltaResultSize = %d, %v; want %d", size, err, len(target))
	}
}

func TestBuildDeltaLargeCopy(t *testing.T) {
	base := bytes.Repeat([]byte("0123456789abcdef"), 0x10000/16*3)
	target := append([]byte{}, base...)
	delta := BuildDelta(base, target)
	got, err := ApplyDelta(base, delta)
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if !bytes.Equal(got, target) {
		t.Fatal("large copy mismatch")
	}
}

func TestBuildDeltaWithoutSharedBlocks(t *testing.T) {
	base := []byte("hello world\n")
	target := []byte("hello there world\n")
	got, err := ApplyDelta(base, BuildDelta(base, target))
	if err != nil {
		t.Fatalf("ApplyDelta: %v", err)
	}
	if !bytes.Equal(got, target) {
		t.Fatalf("delta result mismatch: got %q want %q", got, target)
	}
}

func TestApplyDeltaRejectsBaseMismatch(t *testing.T) {
	delta := BuildDelta([]byte("abc"), []byte("abcd"))
	if _, err := ApplyDelta([]byte("ab"), delta); err == nil {
		t.Fatal("expected base size mismatch")
	}
}
