package cfb

import "testing"

func TestHeaderRoundTrip(t *testing.T) {
	h := NewHeader()
	h.FirstDirSID = 3
	h.BATSectorCount = 1
	h.Difat[0] = 7

	buf := h.Bytes()
	got, err := ParseHeader(buf)
	if err != nil {
		t.Fatalf("ParseHeader: %v", err)
	}
	if got.FirstDirSID != h.FirstDirSID || got.BATSectorCount != h.BATSectorCount || got.Difat[0] != h.Difat[0] {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, h)
	}
	if got.BigSectorSize() != 512 || got.MiniSectorSize() != 64 {
		t.Fatalf("unexpected sector sizes: big=%d mini=%d", got.BigSectorSize(), got.MiniSectorSize())
	}
}

func TestParseHeaderBadMagic(t *testing.T) {
	buf := NewHeader().Bytes()
	buf[0] = 0x00
	if _, err := ParseHeader(buf); !Is(err, KindCorrupt) {
		t.Fatalf("expected KindCorrupt for bad magic, got %v", err)
	}
}

func TestParseHeaderShort(t *testing.T) {
	if _, err := ParseHeader(make([]byte, 10)); !Is(err, KindCorrupt) {
		t.Fatalf("expected KindCorrupt for short buffer, got %v", err)
	}
}

func TestParseHeaderBadSectorSize(t *testing.T) {
	h := NewHeader()
	h.Log2Big = 3 // 2^3 == 8, below the 128 floor
	buf := h.Bytes()
	if _, err := ParseHeader(buf); !Is(err, KindCorrupt) {
		t.Fatalf("expected KindCorrupt for undersized big sector, got %v", err)
	}
}
