package cfb

import (
	"encoding/binary"
	"fmt"
	"strings"
	"time"
	"unicode/utf16"
)

// EntryType is the on-disk object-type byte of a Dirent.
type EntryType byte

const (
	TypeEmpty   EntryType = 0
	TypeStorage EntryType = 1
	TypeStream  EntryType = 2
	TypeRoot    EntryType = 5
)

func (t EntryType) String() string {
	switch t {
	case TypeStorage:
		return "storage"
	case TypeStream:
		return "stream"
	case TypeRoot:
		return "root"
	default:
		return "empty"
	}
}

// direntSize is the fixed on-disk size of one directory entry record.
const direntSize = 128

const maxNameUTF16 = 31 // plus a trailing NUL, for 32 UTF-16 code units total

// Dirent is one node of the storage tree: a stream (file), a storage
// (directory), or the single root (which additionally owns the
// mini-stream body).
type Dirent struct {
	Name  string
	Type  EntryType
	CLSID [16]byte
	State uint32

	Created  time.Time
	Modified time.Time

	// FirstSector and Size describe this entry's content chain: a chain
	// in the mini-AT when Size < the container's mini-cutoff, otherwise
	// a chain in the big-AT. For the root entry they describe the
	// mini-stream body instead, which always lives in the big-AT.
	FirstSector SID
	Size        uint64

	// idx is this entry's position in the storage's flat Dirent array.
	idx int
	// black is the red-black color used only while on disk / during
	// repack; the in-memory model otherwise relies on children.
	black       bool
	left, right SID
	// rootChild is the on-disk child-tree-root SID, consumed once by
	// Storage when it walks (left, self, right) to populate children.
	rootChild SID

	parent   *Dirent
	children []*Dirent

	storage *Storage
	deleted bool
}

func (d *Dirent) setLeft(s SID)     { d.left = s }
func (d *Dirent) setRight(s SID)    { d.right = s }
func (d *Dirent) setColor(black bool) { d.black = black }
func (d *Dirent) sid() SID          { return SID(d.idx) }
func (d *Dirent) name() string      { return d.Name }

// Index returns this entry's position in the storage's flat Dirent array.
func (d *Dirent) Index() int { return d.idx }

// IsStorage reports whether this entry can have children.
func (d *Dirent) IsStorage() bool { return d.Type == TypeStorage || d.Type == TypeRoot }

// IsStream reports whether this entry has stream content.
func (d *Dirent) IsStream() bool { return d.Type == TypeStream }

// Parent returns the owning storage, or nil for the root.
func (d *Dirent) Parent() *Dirent { return d.parent }

// Deleted reports whether this entry was removed via Delete. Its array
// slot (visible through Storage.Dirents) lingers until the next repack.
func (d *Dirent) Deleted() bool { return d.deleted }

// Children returns this entry's children in on-disk (not necessarily
// sorted) order. The slice must not be mutated by the caller; use
// NewChild/Delete instead.
func (d *Dirent) Children() []*Dirent {
	out := make([]*Dirent, len(d.children))
	copy(out, d.children)
	return out
}

// NewChild appends a freshly allocated child of the given kind and name
// to d's children and to the owning Storage's dirent array. It fails if
// d is not a storage.
func (d *Dirent) NewChild(kind EntryType, name string) (*Dirent, error) {
	if !d.IsStorage() {
		return nil, newError(KindNotDirectory, "new_child: %q is not a storage", d.Name)
	}
	if kind != TypeStorage && kind != TypeStream {
		return nil, newError(KindUnsupported, "new_child: invalid kind %v", kind)
	}
	if _, err := nameByteLen(name); err != nil {
		return nil, err
	}
	child := &Dirent{
		Name:        name,
		Type:        kind,
		FirstSector: EndSID,
		parent:      d,
		storage:     d.storage,
	}
	d.storage.addDirent(child)
	d.children = append(d.children, child)
	return child, nil
}

// Delete removes child from d's children. It fails if d is not a
// storage, if child is not actually one of d's children, or if child is
// itself a non-empty storage. The freed chain is not reclaimed until
// the next repack.
func (d *Dirent) Delete(child *Dirent) error {
	if !d.IsStorage() {
		return newError(KindNotDirectory, "delete: %q is not a storage", d.Name)
	}
	for i, c := range d.children {
		if c != child {
			continue
		}
		if child.IsStorage() && len(child.children) > 0 {
			return newError(KindNotEmpty, "delete: %q is not empty", child.Name)
		}
		d.children = append(d.children[:i], d.children[i+1:]...)
		child.parent = nil
		child.deleted = true
		return nil
	}
	return newError(KindNotFound, "delete: %q has no child %q", d.Name, child.Name)
}

func nameByteLen(name string) (int, error) {
	units := utf16.Encode([]rune(name))
	if len(units) > maxNameUTF16 {
		return 0, newError(KindUnsupported, "name %q exceeds %d UTF-16 code units", name, maxNameUTF16)
	}
	return (len(units) + 1) * 2, nil
}

// Open returns a RangesIO handle over this entry's content. It fails
// unless d is a stream or the root, whose content is the mini-stream body.
func (d *Dirent) Open() (*RangesIO, error) {
	if d.Type != TypeStream && d.Type != TypeRoot {
		return nil, newError(KindIsDirectory, "open: %q is a storage", d.Name)
	}
	return d.storage.openDirentStream(d)
}

// ToTree renders a human-readable, indented dump of d and its
// descendants, for debugging.
func (d *Dirent) ToTree() string {
	var b strings.Builder
	d.writeTree(&b, 0)
	return b.String()
}

func (d *Dirent) writeTree(b *strings.Builder, depth int) {
	fmt.Fprintf(b, "%s%s (%s, %d bytes)\n", strings.Repeat("  ", depth), d.Name, d.Type, d.Size)
	for _, c := range d.sortedChildren() {
		c.writeTree(b, depth+1)
	}
}

func (d *Dirent) sortedChildren() []*Dirent {
	out := d.Children()
	sortDirents(out)
	return out
}

// parseDirent decodes one 128-byte on-disk directory entry record.
func parseDirent(rec []byte, idx int) (*Dirent, error) {
	if len(rec) != direntSize {
		return nil, newError(KindCorrupt, "dirent: record is %d bytes, want %d", len(rec), direntSize)
	}
	nameBytes := binary.LittleEndian.Uint16(rec[64:66])
	var name string
	if nameBytes > 0 {
		if int(nameBytes) > 64 || nameBytes%2 != 0 {
			return nil, newError(KindCorrupt, "dirent: invalid name length %d", nameBytes)
		}
		// nameBytes includes the trailing NUL code unit.
		units := make([]uint16, nameBytes/2-1)
		for i := range units {
			units[i] = binary.LittleEndian.Uint16(rec[i*2 : i*2+2])
		}
		name = string(utf16.Decode(units))
	}

	etype := EntryType(rec[66])
	black := rec[67] != 0
	left := SID(binary.LittleEndian.Uint32(rec[68:72]))
	right := SID(binary.LittleEndian.Uint32(rec[72:76]))
	child := SID(binary.LittleEndian.Uint32(rec[76:80]))
	var clsid [16]byte
	copy(clsid[:], rec[80:96])
	state := binary.LittleEndian.Uint32(rec[96:100])
	created := binary.LittleEndian.Uint64(rec[100:108])
	modified := binary.LittleEndian.Uint64(rec[108:116])
	firstSector := SID(binary.LittleEndian.Uint32(rec[116:120]))
	size := binary.LittleEndian.Uint64(rec[120:128])

	d := &Dirent{
		Name:        name,
		Type:        etype,
		CLSID:       clsid,
		State:       state,
		Created:     filetimeToTime(created),
		Modified:    filetimeToTime(modified),
		FirstSector: firstSector,
		Size:        size,
		idx:         idx,
		black:       black,
		left:        left,
		right:       right,
	}
	d.rootChild = child
	return d, nil
}

// bytes encodes d back into its 128-byte on-disk record.
func (d *Dirent) bytes() []byte {
	rec := make([]byte, direntSize)
	units := utf16.Encode([]rune(d.Name))
	nameLen := 0
	if len(units) > 0 || d.Type != TypeEmpty {
		for i, u := range units {
			binary.LittleEndian.PutUint16(rec[i*2:i*2+2], u)
		}
		nameLen = (len(units) + 1) * 2
	}
	binary.LittleEndian.PutUint16(rec[64:66], uint16(nameLen))
	rec[66] = byte(d.Type)
	if d.black {
		rec[67] = 1
	}
	binary.LittleEndian.PutUint32(rec[68:72], uint32(d.left))
	binary.LittleEndian.PutUint32(rec[72:76], uint32(d.right))
	binary.LittleEndian.PutUint32(rec[76:80], uint32(d.childRoot()))
	copy(rec[80:96], d.CLSID[:])
	binary.LittleEndian.PutUint32(rec[96:100], d.State)
	binary.LittleEndian.PutUint64(rec[100:108], timeToFiletime(d.Created))
	binary.LittleEndian.PutUint64(rec[108:116], timeToFiletime(d.Modified))
	binary.LittleEndian.PutUint32(rec[116:120], uint32(d.FirstSector))
	binary.LittleEndian.PutUint64(rec[120:128], d.Size)
	return rec
}

// childRoot returns the SID of the root of d's children's red-black
// tree, rebuilding it fresh from the current (sorted) children list.
func (d *Dirent) childRoot() SID {
	if len(d.children) == 0 {
		return NoStream
	}
	sorted := d.sortedChildren()
	nodes := make([]treeNode, len(sorted))
	for i, c := range sorted {
		nodes[i] = c
	}
	return buildBalancedTree(nodes)
}

func sortDirents(ds []*Dirent) {
	insertionSortDirents(ds)
}

// insertionSortDirents sorts in place by (length, uppercased name). A
// plain stdlib sort.Slice would do, but directory fan-out is small, so a
// simple insertion sort is enough.
func insertionSortDirents(ds []*Dirent) {
	for i := 1; i < len(ds); i++ {
		for j := i; j > 0 && lessName(ds[j].Name, ds[j-1].Name); j-- {
			ds[j], ds[j-1] = ds[j-1], ds[j]
		}
	}
}
