// Package squashfs implements a read-only driver for SquashFS 4.0
// images on top of a sector-addressable block device.
package squashfs

import (
	"io"
	"io/fs"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/luuk/sqfs/fsys"
)

// FS is a mounted image. All methods except Close are safe for
// concurrent use once Mount returns; the materialized tables are never
// written. Close drops the tables without synchronization.
type FS struct {
	dev Device
	sb  superblock

	inodeTable *table
	dirTable   *table
	fragIndex  []uint64

	root *inode
	log  *logrus.Entry
}

// Mount probes and mounts the image on dev. The superblock is
// validated and the inode and directory tables are materialized in
// memory before Mount returns.
func Mount(dev Device) (*FS, error) {
	f := &FS{
		dev: dev,
		log: logrus.WithField("fs", "squashfs"),
	}

	raw, err := readRange(dev, 0, superblockSize)
	if err != nil {
		return nil, errors.Wrap(err, "superblock")
	}
	f.sb, err = decodeSuperblock(raw)
	if err != nil {
		return nil, err
	}
	switch f.sb.compression {
	case CodecZlib, CodecLZMA, CodecXZ, CodecLZ4, CodecZstd:
	default:
		return nil, errors.Wrapf(ErrUnsupportedCodec, "codec %d (%s)",
			uint16(f.sb.compression), f.sb.compression)
	}

	if err := f.loadFragmentIndex(); err != nil {
		return nil, err
	}

	f.inodeTable, err = readMetaRegion(dev, f.sb.compression,
		int64(f.sb.inodeTableStart), int64(f.sb.dirTableStart))
	if err != nil {
		return nil, errors.Wrap(err, "inode table")
	}
	f.dirTable, err = readMetaRegion(dev, f.sb.compression,
		int64(f.sb.dirTableStart), f.dirTableEnd())
	if err != nil {
		return nil, errors.Wrap(err, "directory table")
	}

	f.root, err = f.inodeAt(uint32(f.sb.rootInodeRef>>16), uint16(f.sb.rootInodeRef))
	if err != nil {
		return nil, errors.Wrap(err, "root inode")
	}
	if !f.root.isDir() {
		return nil, errors.Wrapf(ErrCorrupt, "root inode %d is not a directory", f.root.number)
	}

	f.log.WithFields(logrus.Fields{
		"codec":      f.sb.compression.String(),
		"block_size": f.sb.blockSize,
		"inodes":     f.sb.inodes,
		"fragments":  f.sb.fragments,
		"inode_tbl":  len(f.inodeTable.data),
		"dir_tbl":    len(f.dirTable.data),
	}).Debug("mounted")
	return f, nil
}

// dirTableEnd returns the first byte past the directory table. The
// superblock does not record it directly: the fragment table's metadata
// blocks sit between the directory table and the fragment index, so the earliest
// fragment index entry bounds the table when fragments exist.
func (f *FS) dirTableEnd() int64 {
	if len(f.fragIndex) > 0 {
		end := f.fragIndex[0]
		for _, e := range f.fragIndex[1:] {
			if e < end {
				end = e
			}
		}
		return int64(end)
	}
	for _, t := range []uint64{f.sb.fragTableStart, f.sb.exportTableStart, f.sb.idTableStart} {
		if t != invalidTable {
			return int64(t)
		}
	}
	return int64(f.sb.bytesUsed)
}

// Superblock returns a copy of the decoded superblock for diagnostic
// display.
func (f *FS) Superblock() Info {
	return Info{
		Inodes:    f.sb.inodes,
		MkfsTime:  time.Unix(int64(f.sb.mkfsTime), 0),
		BlockSize: f.sb.blockSize,
		Fragments: f.sb.fragments,
		Codec:     f.sb.compression,
		Version:   [2]uint16{f.sb.major, f.sb.minor},
		BytesUsed: f.sb.bytesUsed,
		Flags:     f.sb.FlagNames(),
	}
}

// Info is the diagnostic view of a superblock.
type Info struct {
	Inodes    uint32
	MkfsTime  time.Time
	BlockSize uint32
	Fragments uint32
	Codec     Codec
	Version   [2]uint16
	BytesUsed uint64
	Flags     []string
}

// Close releases the materialized tables. The FS is unusable after.
func (f *FS) Close() error {
	f.inodeTable = nil
	f.dirTable = nil
	f.fragIndex = nil
	f.root = nil
	return nil
}

// Type returns the filesystem type name.
func (f *FS) Type() string { return "squashfs" }

// zeroPadded extends a reader with zeros so reads up to the next
// sector boundary do not fail at end of image.
type zeroPadded struct {
	r    io.ReaderAt
	size int64
}

func (z *zeroPadded) ReadAt(p []byte, off int64) (int, error) {
	if off >= z.size {
		for i := range p {
			p[i] = 0
		}
		return len(p), nil
	}
	n, err := z.r.ReadAt(p, off)
	if err == io.EOF && off+int64(n) >= z.size {
		for i := n; i < len(p); i++ {
			p[i] = 0
		}
		return len(p), nil
	}
	return n, err
}

// Open probes r for a SquashFS image and mounts it. It returns
// (nil, nil) if the magic does not match, so it can be used as an
// fsys.Opener in a detection chain.
func Open(r io.ReaderAt, size int64) (fsys.FS, error) {
	var magic [4]byte
	if _, err := r.ReadAt(magic[:], 0); err != nil {
		return nil, err
	}
	if magic[0] != 'h' || magic[1] != 's' || magic[2] != 'q' || magic[3] != 's' {
		return nil, nil
	}
	f, err := Mount(NewReaderAtDevice(&zeroPadded{r: r, size: size}, 0))
	if err != nil {
		return nil, err
	}
	return f, nil
}

// pathError wraps err as a *fs.PathError, translating the lookup
// sentinels to their io/fs equivalents.
func pathError(op, name string, err error) error {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrEmptyDirectory):
		err = fs.ErrNotExist
	}
	return &fs.PathError{Op: op, Path: name, Err: err}
}

// Open implements fs.FS. Opening a symlink yields its target text.
func (f *FS) Open(name string) (fs.File, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrInvalid}
	}
	in, err := f.lookup(name)
	if err != nil {
		return nil, pathError("open", name, err)
	}
	if in.isDir() {
		d, err := f.openDirInode(in)
		if err != nil {
			return nil, pathError("open", name, err)
		}
		return &dirHandle{fsys: f, name: name, in: in, dir: d}, nil
	}
	return &fileHandle{fsys: f, name: name, in: in}, nil
}

// ReadDir implements fs.ReadDirFS.
func (f *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: fs.ErrInvalid}
	}
	in, err := f.lookup(name)
	if err != nil {
		return nil, pathError("readdir", name, err)
	}
	if !in.isDir() {
		return nil, pathError("readdir", name, ErrNotADirectory)
	}
	if in.fileSize <= 3 {
		return nil, nil
	}
	d, err := f.openDirInode(in)
	if err != nil {
		return nil, pathError("readdir", name, err)
	}
	defer d.Close()

	var list []fs.DirEntry
	for {
		e, err := d.Readdir()
		if err == io.EOF {
			return list, nil
		}
		if err != nil {
			return nil, pathError("readdir", name, err)
		}
		list = append(list, &dirEntry{fsys: f, e: e})
	}
}

// Stat implements fs.StatFS.
func (f *FS) Stat(name string) (fs.FileInfo, error) {
	if !fs.ValidPath(name) {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrInvalid}
	}
	in, err := f.lookup(name)
	if err != nil {
		return nil, pathError("stat", name, err)
	}
	return &fileInfo{name: baseName(name), in: in}, nil
}

func baseName(name string) string {
	parts := splitPath(name)
	if len(parts) == 0 {
		return "."
	}
	return parts[len(parts)-1]
}

// fileInfo implements fsys.FileInfo over a decoded inode.
type fileInfo struct {
	name string
	in   *inode
}

func (fi *fileInfo) Name() string       { return fi.name }
func (fi *fileInfo) Size() int64        { return fi.in.size() }
func (fi *fileInfo) Mode() fs.FileMode  { return fi.in.fsMode() }
func (fi *fileInfo) ModTime() time.Time { return fi.in.modTimeAsTime() }
func (fi *fileInfo) IsDir() bool        { return fi.in.isDir() }
func (fi *fileInfo) Sys() interface{}   { return fi.in }
func (fi *fileInfo) Inode() uint64      { return uint64(fi.in.number) }

// dirEntry implements fs.DirEntry. Info decodes the child inode on
// demand.
type dirEntry struct {
	fsys *FS
	e    *Entry
}

func (de *dirEntry) Name() string      { return de.e.Name }
func (de *dirEntry) IsDir() bool       { return de.e.IsDir() }
func (de *dirEntry) Type() fs.FileMode { return de.e.Mode() }

func (de *dirEntry) Info() (fs.FileInfo, error) {
	in, err := de.fsys.inodeAt(de.e.startBlock, de.e.offset)
	if err != nil {
		return nil, err
	}
	return &fileInfo{name: de.e.Name, in: in}, nil
}

// fileHandle is an open regular file or symlink. Symlinks read as
// their target text.
type fileHandle struct {
	fsys *FS
	name string
	in   *inode
	pos  int64
}

func (h *fileHandle) Stat() (fs.FileInfo, error) {
	return &fileInfo{name: baseName(h.name), in: h.in}, nil
}

func (h *fileHandle) Read(p []byte) (int, error) {
	n, err := h.ReadAt(p, h.pos)
	h.pos += int64(n)
	return n, err
}

func (h *fileHandle) ReadAt(p []byte, off int64) (int, error) {
	size := h.in.size()
	if off >= size {
		return 0, io.EOF
	}
	n := int64(len(p))
	if off+n > size {
		n = size - off
	}
	if h.in.isSymlink() {
		return copy(p, h.in.target[off:off+n]), nil
	}
	if err := h.fsys.readFileAt(h.in, p[:n], off, n); err != nil {
		return 0, pathError("read", h.name, err)
	}
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (h *fileHandle) Seek(offset int64, whence int) (int64, error) {
	switch whence {
	case io.SeekStart:
	case io.SeekCurrent:
		offset += h.pos
	case io.SeekEnd:
		offset += h.in.size()
	default:
		return 0, pathError("seek", h.name, fs.ErrInvalid)
	}
	if offset < 0 {
		return 0, pathError("seek", h.name, fs.ErrInvalid)
	}
	h.pos = offset
	return offset, nil
}

func (h *fileHandle) Close() error { return nil }

// dirHandle is an open directory implementing fs.ReadDirFile.
type dirHandle struct {
	fsys *FS
	name string
	in   *inode
	dir  *Dir
}

func (h *dirHandle) Stat() (fs.FileInfo, error) {
	return &fileInfo{name: baseName(h.name), in: h.in}, nil
}

func (h *dirHandle) Read(p []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: h.name, Err: errors.New("is a directory")}
}

func (h *dirHandle) Close() error { return h.dir.Close() }

// ReadDir returns up to n entries, or all remaining entries when
// n <= 0, following the fs.ReadDirFile contract.
func (h *dirHandle) ReadDir(n int) ([]fs.DirEntry, error) {
	var list []fs.DirEntry
	for n <= 0 || len(list) < n {
		e, err := h.dir.Readdir()
		if err == io.EOF {
			if n > 0 && len(list) == 0 {
				return nil, io.EOF
			}
			return list, nil
		}
		if err != nil {
			return list, pathError("readdir", h.name, err)
		}
		list = append(list, &dirEntry{fsys: h.fsys, e: e})
	}
	return list, nil
}
