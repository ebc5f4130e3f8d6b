package cfb

import (
	"io"
)

// Range is one contiguous span of the backing store, in host-file byte
// offsets: [Offset, Offset+Length).
type Range struct {
	Offset int64
	Length int64
}

// byteSource is the minimal random-access surface RangesIO needs from
// its backing store: the host file for big-sector and mini-stream-body
// streams, or a parent RangesIO for mini-sector streams (ranges into the
// logical mini-stream rather than the host file directly).
type byteSource interface {
	io.ReaderAt
	io.WriterAt
}

// Allocator grows or shrinks the chain backing a RangesIO. RangesIO does
// not own the AllocationTable its chain lives in, so truncation past the
// end of the current ranges calls back into the owning Storage. It also
// returns the byteSource ranges should now be read against, since growing
// or shrinking a stream across the mini-cutoff migrates it from one
// sector tier to the other.
type Allocator func(newSize int64) (byteSource, []Range, error)

// RangesIO presents a chain of (offset, length) ranges into a byteSource
// as a single seekable, logically contiguous byte stream.
type RangesIO struct {
	src    byteSource
	ranges []Range
	size   int64 // logical size; may be less than the sum of range lengths
	pos    int64
	alloc  Allocator
}

// NewRangesIO builds a RangesIO over the ranges (ordered, backing a
// chain from its first sector) with the given logical size.
func NewRangesIO(src byteSource, ranges []Range, size int64, alloc Allocator) *RangesIO {
	return &RangesIO{src: src, ranges: ranges, size: size, alloc: alloc}
}

// Size returns the logical length of the stream.
func (r *RangesIO) Size() int64 { return r.size }

// Ranges returns the backing (offset, length) list, for callers that
// want to inspect the physical layout (e.g. tests, dump tools).
func (r *RangesIO) Ranges() []Range {
	out := make([]Range, len(r.ranges))
	copy(out, r.ranges)
	return out
}

// Tell returns the current logical position.
func (r *RangesIO) Tell() int64 { return r.pos }

// Seek implements io.Seeker.
func (r *RangesIO) Seek(offset int64, whence int) (int64, error) {
	var target int64
	switch whence {
	case io.SeekStart:
		target = offset
	case io.SeekCurrent:
		target = r.pos + offset
	case io.SeekEnd:
		target = r.size + offset
	default:
		return 0, newError(KindUnsupported, "seek: bad whence %d", whence)
	}
	if target < 0 {
		return 0, newError(KindUnsupported, "seek: negative position %d", target)
	}
	r.pos = target
	return r.pos, nil
}

// EachRange calls fn with every (host offset, length) pair that
// together cover [0, Size()). It stops early if fn returns false.
func (r *RangesIO) EachRange(fn func(Range) bool) {
	remaining := r.size
	for _, rg := range r.ranges {
		if remaining <= 0 {
			return
		}
		length := rg.Length
		if length > remaining {
			length = remaining
		}
		if !fn(Range{Offset: rg.Offset, Length: length}) {
			return
		}
		remaining -= length
	}
}

// locate maps a logical offset to the index of the range that contains
// it and the offset within that range. ok is false past the end of the
// range list (but may still be within size, for a logically-extended
// but not yet range-backed tail -- callers should have reallocated
// before that happens).
func (r *RangesIO) locate(off int64) (index int, within int64, ok bool) {
	acc := int64(0)
	for i, rg := range r.ranges {
		if off < acc+rg.Length {
			return i, off - acc, true
		}
		acc += rg.Length
	}
	return 0, 0, false
}

// Read implements io.Reader. A read that starts at or past Size returns
// (0, io.EOF); a read that extends past Size is silently truncated to
// the available bytes, per this format's short-read convention.
func (r *RangesIO) Read(p []byte) (int, error) {
	if r.pos >= r.size {
		return 0, io.EOF
	}
	avail := r.size - r.pos
	if int64(len(p)) > avail {
		p = p[:avail]
	}
	n := 0
	for n < len(p) {
		idx, within, ok := r.locate(r.pos)
		if !ok {
			break
		}
		rg := r.ranges[idx]
		chunk := rg.Length - within
		want := int64(len(p) - n)
		if chunk > want {
			chunk = want
		}
		got, err := r.src.ReadAt(p[n:int64(n)+chunk], rg.Offset+within)
		n += got
		r.pos += int64(got)
		if err != nil && err != io.EOF {
			return n, wrapIO(err)
		}
		if int64(got) < chunk {
			break
		}
	}
	return n, nil
}

// ReadAll reads the whole logical stream from the current position to
// its end.
func (r *RangesIO) ReadAll() ([]byte, error) {
	buf := make([]byte, r.size-r.pos)
	n, err := io.ReadFull(r, buf)
	return buf[:n], err
}

// Write implements io.Writer. Writes past the current Size extend the
// stream, allocating fresh sectors through the Allocator.
func (r *RangesIO) Write(p []byte) (int, error) {
	end := r.pos + int64(len(p))
	if end > r.size {
		if err := r.grow(end); err != nil {
			return 0, err
		}
	}
	n := 0
	for n < len(p) {
		idx, within, ok := r.locate(r.pos)
		if !ok {
			return n, newError(KindCorrupt, "write: position %d has no backing range", r.pos)
		}
		rg := r.ranges[idx]
		chunk := rg.Length - within
		want := int64(len(p) - n)
		if chunk > want {
			chunk = want
		}
		if _, err := r.src.WriteAt(p[n:int64(n)+chunk], rg.Offset+within); err != nil {
			return n, wrapIO(err)
		}
		n += int(chunk)
		r.pos += chunk
	}
	return n, nil
}

// Truncate sets the logical size to n, allocating or freeing backing
// ranges via the Allocator as needed.
func (r *RangesIO) Truncate(n int64) error {
	if n < 0 {
		return newError(KindUnsupported, "truncate: negative size %d", n)
	}
	return r.grow(n)
}

func (r *RangesIO) grow(n int64) error {
	if r.alloc == nil {
		return newError(KindUnsupported, "stream is not resizable")
	}
	src, ranges, err := r.alloc(n)
	if err != nil {
		return err
	}
	r.src = src
	r.ranges = ranges
	r.size = n
	if r.pos > r.size {
		r.pos = r.size
	}
	return nil
}
