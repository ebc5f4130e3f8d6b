package cfb

import (
	"bytes"
	"io"
	"testing"
)

// memHandle is an in-memory Handle, standing in for an *os.File in tests
// that do not want to touch the filesystem.
type memHandle struct {
	buf []byte
}

func (m *memHandle) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.buf)) {
		return 0, io.EOF
	}
	n := copy(p, m.buf[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memHandle) WriteAt(p []byte, off int64) (int, error) {
	end := off + int64(len(p))
	if end > int64(len(m.buf)) {
		grown := make([]byte, end)
		copy(grown, m.buf)
		m.buf = grown
	}
	return copy(m.buf[off:], p), nil
}

func (m *memHandle) Truncate(size int64) error {
	if size <= int64(len(m.buf)) {
		m.buf = m.buf[:size]
		return nil
	}
	grown := make([]byte, size)
	copy(grown, m.buf)
	m.buf = grown
	return nil
}

func (m *memHandle) Close() error { return nil }

func TestStorageCreateWriteReopen(t *testing.T) {
	h := &memHandle{}
	s, err := OpenHandle(h, ModeCreate, "")
	if err != nil {
		t.Fatalf("OpenHandle create: %v", err)
	}

	child, err := s.Root().NewChild(TypeStream, "hello")
	if err != nil {
		t.Fatalf("NewChild: %v", err)
	}
	stream, err := child.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := stream.Write([]byte("world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenHandle(h, ModeReadWrite, "")
	if err != nil {
		t.Fatalf("OpenHandle reopen: %v", err)
	}
	defer s2.Close()

	found, err := s2.DirentFromPath("/hello")
	if err != nil {
		t.Fatalf("DirentFromPath: %v", err)
	}
	if found.Size != 5 {
		t.Fatalf("Size = %d, want 5", found.Size)
	}
	chain, err := s2.miniAT.Chain(found.FirstSector)
	if err != nil || len(chain) == 0 {
		t.Fatalf("expected %q to live in the mini-AT, miniAT.Chain = %v, %v", "hello", chain, err)
	}

	rs, err := found.Open()
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := rs.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, []byte("world")) {
		t.Fatalf("content = %q, want %q", got, "world")
	}
}

func TestStorageDirentFromPathMissing(t *testing.T) {
	h := &memHandle{}
	s, _ := OpenHandle(h, ModeCreate, "")
	if _, err := s.DirentFromPath("/nope"); !Is(err, KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestStorageEnumerateRoot(t *testing.T) {
	h := &memHandle{}
	s, _ := OpenHandle(h, ModeCreate, "")
	names := []string{"a", "b", "c", "d"}
	for _, n := range names {
		if _, err := s.Root().NewChild(TypeStream, n); err != nil {
			t.Fatalf("NewChild(%q): %v", n, err)
		}
	}
	children := s.Root().Children()
	if len(children) != 4 {
		t.Fatalf("len(children) = %d, want 4", len(children))
	}
	for i, c := range children {
		if c.Name != names[i] {
			t.Fatalf("children[%d].Name = %q, want %q", i, c.Name, names[i])
		}
	}
}

func TestStorageLargeStreamCrossesCutoff(t *testing.T) {
	h := &memHandle{}
	s, _ := OpenHandle(h, ModeCreate, "")
	child, _ := s.Root().NewChild(TypeStream, "big")
	stream, _ := child.Open()

	payload := bytes.Repeat([]byte{0x42}, int(s.Header().MiniCutoff))
	if _, err := stream.Write(payload); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if _, err := stream.Write([]byte{0x43}); err != nil {
		t.Fatalf("Write extra byte: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenHandle(h, ModeReadWrite, "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()
	found, err := s2.DirentFromPath("/big")
	if err != nil {
		t.Fatalf("DirentFromPath: %v", err)
	}
	if found.Size != uint64(len(payload))+1 {
		t.Fatalf("Size = %d, want %d", found.Size, len(payload)+1)
	}
	chain, err := s2.bigAT.Chain(found.FirstSector)
	if err != nil || len(chain) == 0 {
		t.Fatalf("expected %q to live in the big-AT after crossing the cutoff, got chain=%v err=%v", "big", chain, err)
	}
	rs, _ := found.Open()
	got, err := rs.ReadAll()
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if len(got) != len(payload)+1 || got[len(got)-1] != 0x43 {
		t.Fatalf("content mismatch after reopen")
	}
}

func TestStorageDeleteAndRepack(t *testing.T) {
	h := &memHandle{}
	s, _ := OpenHandle(h, ModeCreate, "")
	keep, _ := s.Root().NewChild(TypeStream, "keep")
	ks, _ := keep.Open()
	ks.Write([]byte("keepme"))

	gone, _ := s.Root().NewChild(TypeStream, "gone")
	gs, _ := gone.Open()
	gs.Write([]byte("byebye"))

	if err := s.Root().Delete(gone); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2, err := OpenHandle(h, ModeReadWrite, "")
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Close()

	if _, err := s2.DirentFromPath("/gone"); !Is(err, KindNotFound) {
		t.Fatalf("expected %q to be gone, got err=%v", "gone", err)
	}
	found, err := s2.DirentFromPath("/keep")
	if err != nil {
		t.Fatalf("DirentFromPath(/keep): %v", err)
	}
	rs, _ := found.Open()
	got, err := rs.ReadAll()
	if err != nil || string(got) != "keepme" {
		t.Fatalf("content = %q, %v; want %q", got, err, "keepme")
	}
}

func TestStorageDeleteNonEmptyStorageFails(t *testing.T) {
	h := &memHandle{}
	s, _ := OpenHandle(h, ModeCreate, "")
	folder, _ := s.Root().NewChild(TypeStorage, "folder")
	if _, err := folder.NewChild(TypeStream, "inner"); err != nil {
		t.Fatalf("NewChild: %v", err)
	}
	if err := s.Root().Delete(folder); !Is(err, KindNotEmpty) {
		t.Fatalf("expected KindNotEmpty, got %v", err)
	}
}

func TestOpenHandleRejectsCorruptMagic(t *testing.T) {
	h := &memHandle{buf: make([]byte, HeaderSize)}
	copy(h.buf, NewHeader().Bytes())
	h.buf[0] = 0x00
	if _, err := OpenHandle(h, ModeRead, ""); !Is(err, KindCorrupt) {
		t.Fatalf("expected KindCorrupt, got %v", err)
	}
}
