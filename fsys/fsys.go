// Package fsys defines the read-only filesystem interface shared by
// the SquashFS driver and the partition-table wrapper, plus extent
// plumbing for zero-copy export of file data.
package fsys

import (
	"io"
	"io/fs"
	"sort"

	"github.com/pkg/errors"
)

// Range is a byte range [Start, End) within an image.
type Range struct {
	Start int64
	End   int64
}

// Size returns the size of the range in bytes.
func (r Range) Size() int64 {
	return r.End - r.Start
}

// Extent maps a run of logical file bytes to physical image bytes.
type Extent struct {
	Logical  int64 // offset within the file
	Physical int64 // offset within the image
	Length   int64
}

// FS is a read-only filesystem opened from a disk image. It embeds
// io/fs.FS so standard tooling works against it.
type FS interface {
	fs.FS
	fs.ReadDirFS
	fs.StatFS

	// Type returns the filesystem type name, e.g. "squashfs".
	Type() string

	// Close releases resources held by the filesystem.
	Close() error
}

// FreeBlocker is an optional interface for filesystems that can
// report unallocated regions of their image.
type FreeBlocker interface {
	// FreeBlocks returns free byte ranges in ascending order,
	// non-overlapping.
	FreeBlocks() ([]Range, error)
}

// ExtentMapper is an optional interface for filesystems that can
// report where a file's bytes live in the image. Only files stored
// verbatim can be mapped; compressed content has no such mapping.
type ExtentMapper interface {
	// FileExtents returns the extents of the named file, sorted by
	// logical offset. Holes in the logical range are sparse.
	FileExtents(path string) ([]Extent, error)
}

// ExtentReaderAt reads a file's content through its extent list
// without copying it out of the image first. Logical gaps between
// extents read as zeros.
type ExtentReaderAt struct {
	r       io.ReaderAt
	extents []Extent
	size    int64
}

// NewExtentReaderAt builds an ExtentReaderAt over r. When r is itself
// an ExtentReaderAt the two mappings are composed, so stacking (a
// file inside a partition inside an image) flattens to a single
// translation against the outermost reader.
func NewExtentReaderAt(r io.ReaderAt, extents []Extent, size int64) *ExtentReaderAt {
	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Logical < sorted[j].Logical
	})

	if inner, ok := r.(*ExtentReaderAt); ok {
		return &ExtentReaderAt{
			r:       inner.r,
			extents: ComposeExtents(sorted, inner.extents),
			size:    size,
		}
	}
	return &ExtentReaderAt{r: r, extents: sorted, size: size}
}

// ComposeExtents translates outer extents, whose Physical offsets are
// logical offsets of the inner mapping, through the inner extents.
// The result maps outer logical offsets directly to the inner
// mapping's physical space. Portions that fall into inner gaps stay
// gaps in the result.
func ComposeExtents(outer, inner []Extent) []Extent {
	var composed []Extent
	for _, o := range outer {
		logical := o.Logical
		pos := o.Physical
		remaining := o.Length

		for remaining > 0 {
			in, ok := findAt(inner, pos)
			if !ok {
				next := nextStart(inner, pos)
				if next < 0 {
					break
				}
				gap := min64(next-pos, remaining)
				logical += gap
				pos += gap
				remaining -= gap
				continue
			}
			within := pos - in.Logical
			run := min64(in.Length-within, remaining)
			composed = append(composed, Extent{
				Logical:  logical,
				Physical: in.Physical + within,
				Length:   run,
			})
			logical += run
			pos += run
			remaining -= run
		}
	}
	return composed
}

func findAt(extents []Extent, off int64) (Extent, bool) {
	for _, e := range extents {
		if off >= e.Logical && off < e.Logical+e.Length {
			return e, true
		}
	}
	return Extent{}, false
}

func nextStart(extents []Extent, off int64) int64 {
	next := int64(-1)
	for _, e := range extents {
		if e.Logical > off && (next < 0 || e.Logical < next) {
			next = e.Logical
		}
	}
	return next
}

// Size returns the logical size of the mapped file.
func (e *ExtentReaderAt) Size() int64 {
	return e.size
}

// ReadAt implements io.ReaderAt. Offsets past the last extent but
// within the file size read as zeros.
func (e *ExtentReaderAt) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, errors.New("negative offset")
	}
	if off >= e.size {
		return 0, io.EOF
	}
	if off+int64(len(p)) > e.size {
		p = p[:e.size-off]
	}

	total := 0
	for len(p) > 0 {
		ext, ok := findAt(e.extents, off)
		if !ok {
			end := nextStart(e.extents, off)
			if end < 0 || end > e.size {
				end = e.size
			}
			run := int(min64(end-off, int64(len(p))))
			for i := 0; i < run; i++ {
				p[i] = 0
			}
			total += run
			off += int64(run)
			p = p[run:]
			continue
		}

		within := off - ext.Logical
		run := int(min64(ext.Length-within, int64(len(p))))
		n, err := e.r.ReadAt(p[:run], ext.Physical+within)
		total += n
		off += int64(n)
		p = p[n:]
		if err != nil && err != io.EOF {
			return total, err
		}
		if n < run {
			return total, io.EOF
		}
	}
	return total, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

// Opener attempts to open a filesystem from a reader. It returns
// (nil, nil) when the content is not this filesystem type, and an
// error only when the type matches but the image is unusable.
type Opener func(r io.ReaderAt, size int64) (FS, error)

// FileInfo extends fs.FileInfo with the inode number.
type FileInfo interface {
	fs.FileInfo

	// Inode returns the file's inode number.
	Inode() uint64
}
