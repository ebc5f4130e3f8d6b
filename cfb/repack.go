package cfb

import (
	"encoding/binary"
	"io"

	"github.com/google/renameio"
	"github.com/orcaman/writerseeker"
)

// sectorWrite is one piece of content destined for a contiguous run of
// big sectors starting at start, already padded to a whole number of
// sectors.
type sectorWrite struct {
	start SID
	data  []byte
}

// repack performs a full garbage-collecting rewrite: every live stream's
// content is snapshotted, the two allocation tables are discarded and
// rebuilt from scratch, the directory tree is resorted and re-balanced,
// and a fresh on-disk image is written back. It never reuses a freed
// sector's old content, so a deleted stream's bytes do not linger on
// disk past the next repack.
func (s *Storage) repack() error {
	bigSize := s.header.BigSectorSize()
	miniSize := s.header.MiniSectorSize()
	entriesPerSector := bigSize / 4

	ordered := collectLive(s.root)

	contents := make(map[*Dirent][]byte, len(ordered))
	for _, d := range ordered {
		if d.Type == TypeStream {
			data, err := snapshotContent(d)
			if err != nil {
				return err
			}
			contents[d] = data
		}
	}

	bigAT := NewAllocationTable()
	miniAT := NewAllocationTable()
	var pieces []sectorWrite

	writeBig := func(data []byte) SID {
		n := sectorsFor(len(data), bigSize)
		if n == 0 {
			return EndSID
		}
		start, _ := bigAT.Allocate(n)
		pieces = append(pieces, sectorWrite{start: start, data: padTo(data, n*bigSize)})
		return start
	}

	var miniBuf []byte
	writeMini := func(data []byte) SID {
		n := sectorsFor(len(data), miniSize)
		if n == 0 {
			return EndSID
		}
		start, _ := miniAT.Allocate(n)
		miniBuf = append(miniBuf, padTo(data, n*miniSize)...)
		return start
	}

	for _, d := range ordered {
		if d.Type != TypeStream {
			d.FirstSector = EndSID
			d.Size = 0
			continue
		}
		data := contents[d]
		if int64(len(data)) < int64(s.header.MiniCutoff) {
			d.FirstSector = writeMini(data)
		} else {
			d.FirstSector = writeBig(data)
		}
		d.Size = uint64(len(data))
	}

	s.root.FirstSector = writeBig(miniBuf)
	s.root.Size = uint64(len(miniBuf))

	reindex(ordered)

	dirBuf := make([]byte, 0, len(ordered)*direntSize)
	for _, d := range ordered {
		dirBuf = append(dirBuf, d.bytes()...)
	}
	dirStart := writeBig(dirBuf)

	miniATStart := SID(EndSID)
	miniATSectors := 0
	if miniAT.Len() > 0 {
		miniATBuf := serializeTable(miniAT, entriesPerSector)
		miniATSectors = sectorsFor(len(miniATBuf), bigSize)
		miniATStart = writeBig(miniATBuf)
	}

	batSectorCount, metaSectorCount := computeBATSizing(bigAT.Len(), entriesPerSector)
	batIDs := reserveSectors(bigAT, batSectorCount, BATSID)
	var metaIDs []SID
	if metaSectorCount > 0 {
		metaIDs = reserveSectors(bigAT, metaSectorCount, MetaBATSID)
	}

	batPages := bigAT.Pages(entriesPerSector)
	for i, id := range batIDs {
		buf := make([]byte, bigSize)
		for j, sid := range batPages[i] {
			binary.LittleEndian.PutUint32(buf[j*4:j*4+4], uint32(sid))
		}
		pieces = append(pieces, sectorWrite{start: id, data: buf})
	}
	if metaSectorCount > 0 {
		overflow := batIDs[DifatInlineCount:]
		metaCapacity := entriesPerSector - 1
		for m, id := range metaIDs {
			buf := make([]byte, bigSize)
			for i := 0; i < metaCapacity; i++ {
				idx := m*metaCapacity + i
				v := FreeSID
				if idx < len(overflow) {
					v = overflow[idx]
				}
				binary.LittleEndian.PutUint32(buf[i*4:i*4+4], uint32(v))
			}
			next := EndSID
			if m+1 < len(metaIDs) {
				next = metaIDs[m+1]
			}
			binary.LittleEndian.PutUint32(buf[metaCapacity*4:metaCapacity*4+4], uint32(next))
			pieces = append(pieces, sectorWrite{start: id, data: buf})
		}
	}

	header := NewHeader()
	header.Log2Big = s.header.Log2Big
	header.Log2Mini = s.header.Log2Mini
	header.MiniCutoff = s.header.MiniCutoff
	header.FirstDirSID = dirStart
	if header.MajorVersion == 3 {
		header.DirSectorCount = 0
	} else {
		header.DirSectorCount = uint32(sectorsFor(len(dirBuf), bigSize))
	}
	header.FirstMiniBATSID = miniATStart
	header.MiniBATSectorCount = uint32(miniATSectors)
	header.BATSectorCount = uint32(batSectorCount)
	header.MetaBATSectorCount = uint32(metaSectorCount)
	if metaSectorCount > 0 {
		header.FirstMetaBATSID = metaIDs[0]
	} else {
		header.FirstMetaBATSID = EndSID
	}
	for i := range header.Difat {
		header.Difat[i] = FreeSID
	}
	inline := batSectorCount
	if inline > DifatInlineCount {
		inline = DifatInlineCount
	}
	copy(header.Difat[:inline], batIDs[:inline])

	disk, err := assembleDisk(pieces, bigSize, bigAT.Len()*bigSize)
	if err != nil {
		return err
	}
	full := append(header.Bytes(), disk...)

	if err := s.writeImage(full); err != nil {
		s.writable = false
		return err
	}

	s.header = header
	s.bigAT = bigAT
	s.miniAT = miniAT
	s.dirents = ordered
	return nil
}

// assembleDisk lays every sector-aligned piece out into one contiguous
// buffer of size bytes, using a WriteSeeker rather than manual slice
// arithmetic since pieces arrive in allocation order, not disk order.
func assembleDisk(pieces []sectorWrite, sectorSize, size int) ([]byte, error) {
	var ws writerseeker.WriterSeeker
	for _, p := range pieces {
		if _, err := ws.Seek(int64(p.start)*int64(sectorSize), io.SeekStart); err != nil {
			return nil, wrapIO(err)
		}
		if _, err := ws.Write(p.data); err != nil {
			return nil, wrapIO(err)
		}
	}
	if size > 0 {
		if _, err := ws.Seek(int64(size)-1, io.SeekStart); err != nil {
			return nil, wrapIO(err)
		}
		if _, err := ws.Write([]byte{0}); err != nil {
			return nil, wrapIO(err)
		}
	}
	buf, err := io.ReadAll(ws.Reader())
	if err != nil {
		return nil, wrapIO(err)
	}
	if len(buf) < size {
		buf = append(buf, make([]byte, size-len(buf))...)
	}
	return buf[:size], nil
}

func (s *Storage) writeImage(full []byte) error {
	if s.path != "" {
		if err := renameio.WriteFile(s.path, full, 0o644); err != nil {
			return wrapIO(err)
		}
		return nil
	}
	if err := s.host.Truncate(int64(len(full))); err != nil {
		return wrapIO(err)
	}
	if _, err := s.host.WriteAt(full, 0); err != nil {
		return wrapIO(err)
	}
	return nil
}

func collectLive(root *Dirent) []*Dirent {
	var out []*Dirent
	var walk func(d *Dirent)
	walk = func(d *Dirent) {
		out = append(out, d)
		for _, c := range d.children {
			walk(c)
		}
	}
	walk(root)
	return out
}

func reindex(ordered []*Dirent) {
	for i, d := range ordered {
		d.idx = i
	}
}

func snapshotContent(d *Dirent) ([]byte, error) {
	stream, err := d.storage.openDirentStream(d)
	if err != nil {
		return nil, err
	}
	return stream.ReadAll()
}

func padTo(data []byte, n int) []byte {
	if len(data) >= n {
		return data
	}
	out := make([]byte, n)
	copy(out, data)
	return out
}

func sectorsFor(n, sectorSize int) int {
	if n <= 0 {
		return 0
	}
	return (n + sectorSize - 1) / sectorSize
}

// computeBATSizing finds the fixed point of (number of big-AT pages,
// number of META_BAT overflow sectors) needed to describe usedEntries
// regular sectors plus the BAT/META_BAT sectors' own bookkeeping.
func computeBATSizing(usedEntries, entriesPerSector int) (batSectors, metaSectors int) {
	metaCapacity := entriesPerSector - 1
	for i := 0; i < 64; i++ {
		total := usedEntries + batSectors + metaSectors
		needBAT := sectorsFor(total, entriesPerSector)
		needMeta := 0
		if extra := needBAT - DifatInlineCount; extra > 0 {
			needMeta = sectorsFor(extra, metaCapacity)
		}
		if needBAT == batSectors && needMeta == metaSectors {
			return batSectors, metaSectors
		}
		batSectors, metaSectors = needBAT, needMeta
	}
	return batSectors, metaSectors
}

// reserveSectors extends at by n fresh sequential sectors marked with
// the reserved value kind, returning their SIDs.
func reserveSectors(at *AllocationTable, n int, kind SID) []SID {
	start := at.Len()
	ids := make([]SID, n)
	for i := 0; i < n; i++ {
		ids[i] = SID(start + i)
	}
	at.Mark(ids, kind)
	return ids
}

func serializeTable(at *AllocationTable, entriesPerSector int) []byte {
	pages := at.Pages(entriesPerSector)
	buf := make([]byte, 0, len(pages)*entriesPerSector*4)
	word := make([]byte, 4)
	for _, page := range pages {
		for _, sid := range page {
			binary.LittleEndian.PutUint32(word, uint32(sid))
			buf = append(buf, word...)
		}
	}
	return buf
}
