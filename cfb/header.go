package cfb

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed size of the leading header sector.
const HeaderSize = 512

// DifatInlineCount is the number of META_BAT entries carried inline in
// the header, before any overflow sectors are needed.
const DifatInlineCount = 109

// Signature is the 8 magic bytes every compound file begins with.
var Signature = [8]byte{0xD0, 0xCF, 0x11, 0xE0, 0xA1, 0xB1, 0x1A, 0xE1}

const byteOrderMark uint16 = 0xFFFE

const (
	defaultLog2Big  = 9 // 512-byte big sectors
	defaultLog2Mini = 6 // 64-byte mini sectors
)

// DefaultMiniCutoff is the stream size below which content is stored in
// the mini-stream rather than as a chain of big sectors.
const DefaultMiniCutoff = 4096

// Header is the 512-byte logical record at the start of every compound
// file: the fixed fields plus the inline META_BAT prefix.
type Header struct {
	MinorVersion uint16
	MajorVersion uint16
	Log2Big      uint16 // B == 1<<Log2Big
	Log2Mini     uint16 // M == 1<<Log2Mini

	DirSectorCount uint32 // number of directory sectors; 0 for v3
	BATSectorCount uint32 // number of big-AT sectors
	FirstDirSID    SID
	MiniCutoff     uint32
	FirstMiniBATSID SID
	MiniBATSectorCount uint32
	FirstMetaBATSID SID
	MetaBATSectorCount uint32

	// Difat holds the 109 inline META_BAT entries. Unused slots are FreeSID.
	Difat [DifatInlineCount]SID
}

// BigSectorSize returns B, the size in bytes of a big sector.
func (h *Header) BigSectorSize() int { return 1 << h.Log2Big }

// MiniSectorSize returns M, the size in bytes of a mini sector.
func (h *Header) MiniSectorSize() int { return 1 << h.Log2Mini }

// NewHeader returns a header for a freshly created container using the
// conventional 512/64 byte sector sizes and a 4096-byte mini-cutoff.
func NewHeader() *Header {
	h := &Header{
		MinorVersion: 0x003E,
		MajorVersion: 3,
		Log2Big:      defaultLog2Big,
		Log2Mini:     defaultLog2Mini,
		MiniCutoff:   DefaultMiniCutoff,
		FirstDirSID:  EndSID,
		FirstMiniBATSID: EndSID,
		FirstMetaBATSID: EndSID,
	}
	for i := range h.Difat {
		h.Difat[i] = FreeSID
	}
	return h
}

func isPowerOfTwo(n int) bool {
	return n >= 1 && n&(n-1) == 0
}

// ParseHeader validates and decodes the first 512 bytes of a host file.
func ParseHeader(buf []byte) (*Header, error) {
	if len(buf) < HeaderSize {
		return nil, newError(KindCorrupt, "header: short read (%d bytes)", len(buf))
	}
	for i, b := range Signature {
		if buf[i] != b {
			return nil, newError(KindCorrupt, "header: bad magic")
		}
	}

	h := &Header{}
	h.MinorVersion = binary.LittleEndian.Uint16(buf[24:26])
	h.MajorVersion = binary.LittleEndian.Uint16(buf[26:28])
	bom := binary.LittleEndian.Uint16(buf[28:30])
	if bom != byteOrderMark {
		return nil, newError(KindCorrupt, "header: expected little-endian marker, got %#04x", bom)
	}
	if h.MajorVersion != 3 && h.MajorVersion != 4 {
		return nil, newError(KindUnsupported, "header: unsupported major version %d", h.MajorVersion)
	}

	h.Log2Big = binary.LittleEndian.Uint16(buf[30:32])
	h.Log2Mini = binary.LittleEndian.Uint16(buf[32:34])
	if !isPowerOfTwo(1<<h.Log2Big) || 1<<h.Log2Big < 128 {
		return nil, newError(KindCorrupt, "header: big sector size 2^%d is not a power of two >= 128", h.Log2Big)
	}
	if !isPowerOfTwo(1 << h.Log2Mini) {
		return nil, newError(KindCorrupt, "header: mini sector size 2^%d is not a power of two", h.Log2Mini)
	}
	if h.BigSectorSize() < h.MiniSectorSize() {
		return nil, newError(KindCorrupt, "header: big sector size (%d) smaller than mini sector size (%d)", h.BigSectorSize(), h.MiniSectorSize())
	}

	h.DirSectorCount = binary.LittleEndian.Uint32(buf[40:44])
	h.BATSectorCount = binary.LittleEndian.Uint32(buf[44:48])
	h.FirstDirSID = SID(binary.LittleEndian.Uint32(buf[48:52]))
	h.MiniCutoff = binary.LittleEndian.Uint32(buf[56:60])
	if h.MiniCutoff == 0 {
		return nil, newError(KindCorrupt, "header: mini-cutoff must be positive")
	}
	h.FirstMiniBATSID = SID(binary.LittleEndian.Uint32(buf[60:64]))
	h.MiniBATSectorCount = binary.LittleEndian.Uint32(buf[64:68])
	h.FirstMetaBATSID = SID(binary.LittleEndian.Uint32(buf[68:72]))
	h.MetaBATSectorCount = binary.LittleEndian.Uint32(buf[72:76])

	for i := 0; i < DifatInlineCount; i++ {
		off := 76 + i*4
		h.Difat[i] = SID(binary.LittleEndian.Uint32(buf[off : off+4]))
	}

	return h, nil
}

// Bytes renders the header as the 512-byte record written at the start
// of the host file.
func (h *Header) Bytes() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:8], Signature[:])
	// CLSID (8:24) stays zero.
	binary.LittleEndian.PutUint16(buf[24:26], h.MinorVersion)
	binary.LittleEndian.PutUint16(buf[26:28], h.MajorVersion)
	binary.LittleEndian.PutUint16(buf[28:30], byteOrderMark)
	binary.LittleEndian.PutUint16(buf[30:32], h.Log2Big)
	binary.LittleEndian.PutUint16(buf[32:34], h.Log2Mini)
	// buf[34:40] reserved, stays zero.
	binary.LittleEndian.PutUint32(buf[40:44], h.DirSectorCount)
	binary.LittleEndian.PutUint32(buf[44:48], h.BATSectorCount)
	binary.LittleEndian.PutUint32(buf[48:52], uint32(h.FirstDirSID))
	// buf[52:56] transaction signature, stays zero.
	binary.LittleEndian.PutUint32(buf[56:60], h.MiniCutoff)
	binary.LittleEndian.PutUint32(buf[60:64], uint32(h.FirstMiniBATSID))
	binary.LittleEndian.PutUint32(buf[64:68], h.MiniBATSectorCount)
	binary.LittleEndian.PutUint32(buf[68:72], uint32(h.FirstMetaBATSID))
	binary.LittleEndian.PutUint32(buf[72:76], h.MetaBATSectorCount)
	for i, sid := range h.Difat {
		off := 76 + i*4
		binary.LittleEndian.PutUint32(buf[off:off+4], uint32(sid))
	}
	return buf
}

func (h *Header) String() string {
	return fmt.Sprintf("cfb header: big=%d mini=%d cutoff=%d dirSID=%d batSectors=%d",
		h.BigSectorSize(), h.MiniSectorSize(), h.MiniCutoff, h.FirstDirSID, h.BATSectorCount)
}
