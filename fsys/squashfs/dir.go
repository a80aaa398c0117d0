package squashfs

import (
	"encoding/binary"
	"io"
	"io/fs"

	"github.com/pkg/errors"
)

// dirHeaderSize is the size of a directory header. An empty directory
// has no header at all: its recorded size is 3 and its listing is empty.
const dirHeaderSize = 12

// maxDirRun is the maximum number of entries a single directory
// header may cover.
const maxDirRun = 256

// Entry is one directory entry. The inode reference fields locate the
// child inode in the inode table.
type Entry struct {
	Name  string
	Inode uint32

	typ        uint16
	startBlock uint32
	offset     uint16
}

// IsDir reports whether the entry names a directory.
func (e *Entry) IsDir() bool { return e.typ == typeDir }

// Mode returns the type bits of the entry as an fs.FileMode. Directory
// entries carry only the basic type codes, never the extended ones.
func (e *Entry) Mode() fs.FileMode {
	switch e.typ {
	case typeDir:
		return fs.ModeDir
	case typeReg:
		return 0
	case typeSymlink:
		return fs.ModeSymlink
	case typeBlkDev:
		return fs.ModeDevice
	case typeChrDev:
		return fs.ModeDevice | fs.ModeCharDevice
	case typeFifo:
		return fs.ModeNamedPipe
	case typeSocket:
		return fs.ModeSocket
	}
	return fs.ModeIrregular
}

// Dir iterates over a directory listing. The listing is a run of
// headers, each followed by up to 256 entries sharing the header's
// inode-table start block and base inode number.
type Dir struct {
	fsys *FS
	in   *inode

	pos       int64 // current position in the directory table
	remaining int64 // listing bytes not yet consumed

	// State of the current header run.
	runLeft    int
	startBlock uint32
	baseInode  uint32
}

// OpenDir resolves path to a directory inode and returns an iterator
// over its entries.
func (f *FS) OpenDir(path string) (*Dir, error) {
	in, err := f.lookup(path)
	if err != nil {
		return nil, err
	}
	return f.openDirInode(in)
}

func (f *FS) openDirInode(in *inode) (*Dir, error) {
	if !in.isDir() {
		return nil, errors.Wrapf(ErrNotADirectory, "inode %d", in.number)
	}
	pos, err := f.dirTable.pos(in.dirStart, in.dirOffset)
	if err != nil {
		return nil, err
	}
	return &Dir{
		fsys:      f,
		in:        in,
		pos:       pos,
		remaining: int64(in.fileSize) - 3,
	}, nil
}

// Readdir returns the next entry, or io.EOF when the listing is
// exhausted. Entries arrive in on-disk order, which the format keeps
// sorted by name.
func (d *Dir) Readdir() (*Entry, error) {
	if d.fsys == nil {
		return nil, errors.Wrap(ErrCorrupt, "read of closed directory")
	}
	if d.runLeft == 0 {
		// The listing ends once 3 or fewer of its bytes remain;
		// otherwise a new header follows.
		if d.remaining <= 3 {
			return nil, io.EOF
		}
		if err := d.readHeader(); err != nil {
			return nil, err
		}
	}

	b := d.fsys.dirTable.data
	if d.pos+8 > int64(len(b)) {
		return nil, errors.Wrap(ErrCorrupt, "directory entry overruns table")
	}
	e := b[d.pos:]
	offset := binary.LittleEndian.Uint16(e[0:2])
	delta := int16(binary.LittleEndian.Uint16(e[2:4]))
	typ := binary.LittleEndian.Uint16(e[4:6])
	nameSize := int64(binary.LittleEndian.Uint16(e[6:8])) + 1
	if d.pos+8+nameSize > int64(len(b)) {
		return nil, errors.Wrap(ErrCorrupt, "directory entry name overruns table")
	}
	name := string(e[8 : 8+nameSize])

	size := 8 + nameSize
	d.pos += size
	d.remaining -= size
	d.runLeft--
	if d.remaining < 0 {
		return nil, errors.Wrapf(ErrCorrupt, "directory listing overrun in inode %d", d.in.number)
	}

	return &Entry{
		Name:       name,
		Inode:      uint32(int64(d.baseInode) + int64(delta)),
		typ:        typ,
		startBlock: d.startBlock,
		offset:     offset,
	}, nil
}

func (d *Dir) readHeader() error {
	b := d.fsys.dirTable.data
	if d.pos+dirHeaderSize > int64(len(b)) {
		return errors.Wrap(ErrCorrupt, "directory header overruns table")
	}
	h := b[d.pos:]
	count := int(binary.LittleEndian.Uint32(h[0:4])) + 1
	if count > maxDirRun {
		return errors.Wrapf(ErrCorrupt, "directory header count %d", count)
	}
	d.startBlock = binary.LittleEndian.Uint32(h[4:8])
	d.baseInode = binary.LittleEndian.Uint32(h[8:12])
	d.runLeft = count
	d.pos += dirHeaderSize
	d.remaining -= dirHeaderSize
	if d.remaining < 0 {
		return errors.Wrapf(ErrCorrupt, "directory listing overrun in inode %d", d.in.number)
	}
	return nil
}

// Close releases the iterator. Further Readdir calls fail.
func (d *Dir) Close() error {
	d.fsys = nil
	return nil
}
