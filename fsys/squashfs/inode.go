package squashfs

import (
	"encoding/binary"
	"io/fs"
	"time"

	"github.com/pkg/errors"
)

// Inode type codes. The "l" variants are the extended layouts carrying
// xattr references and 64-bit sizes.
const (
	typeDir      = 1
	typeReg      = 2
	typeSymlink  = 3
	typeBlkDev   = 4
	typeChrDev   = 5
	typeFifo     = 6
	typeSocket   = 7
	typeLDir     = 8
	typeLReg     = 9
	typeLSymlink = 10
	typeLBlkDev  = 11
	typeLChrDev  = 12
	typeLFifo    = 13
	typeLSocket  = 14
)

// inodeHeaderSize is the common prefix shared by every inode layout.
const inodeHeaderSize = 16

// inode is a decoded inode of any type. Fields beyond the common
// header are populated according to the type.
type inode struct {
	typ     uint16
	mode    uint16
	uid     uint16
	gid     uint16
	modTime uint32
	number  uint32

	// Regular files.
	fileSize   uint64
	startBlock uint64 // absolute byte offset of the first data block
	fragment   uint32
	fragOffset uint32
	blockSizes []uint32

	// Directories. dirStart/dirOffset reference the directory table.
	dirStart  uint32
	dirOffset uint16
	parent    uint32

	// Symlinks.
	target string
}

func (in *inode) isDir() bool {
	return in.typ == typeDir || in.typ == typeLDir
}

func (in *inode) isRegular() bool {
	return in.typ == typeReg || in.typ == typeLReg
}

func (in *inode) isSymlink() bool {
	return in.typ == typeSymlink || in.typ == typeLSymlink
}

// fsMode maps the inode type and permission bits to an fs.FileMode.
func (in *inode) fsMode() fs.FileMode {
	m := fs.FileMode(in.mode & 0o7777)
	switch in.typ {
	case typeDir, typeLDir:
		m |= fs.ModeDir
	case typeSymlink, typeLSymlink:
		m |= fs.ModeSymlink
	case typeBlkDev, typeLBlkDev:
		m |= fs.ModeDevice
	case typeChrDev, typeLChrDev:
		m |= fs.ModeDevice | fs.ModeCharDevice
	case typeFifo, typeLFifo:
		m |= fs.ModeNamedPipe
	case typeSocket, typeLSocket:
		m |= fs.ModeSocket
	}
	return m
}

func (in *inode) modTimeAsTime() time.Time {
	return time.Unix(int64(in.modTime), 0)
}

// size returns the byte size the driver reports for the inode: the
// file size for regular files, the symlink target length for symlinks,
// the listing size for directories, zero for the rest.
func (in *inode) size() int64 {
	switch {
	case in.isRegular():
		return int64(in.fileSize)
	case in.isSymlink():
		return int64(len(in.target))
	case in.isDir():
		return int64(in.fileSize)
	}
	return 0
}

// blockCount returns the number of full data blocks of a regular file.
// Files without a trailing fragment round the tail up into a final
// partial block.
func blockCount(fileSize uint64, fragment uint32, blockSize uint32) int {
	if fragment != invalidFragment {
		return int(fileSize / uint64(blockSize))
	}
	return int((fileSize + uint64(blockSize) - 1) / uint64(blockSize))
}

// decodeInode decodes the inode starting at pos in the materialized
// inode table and returns it along with its encoded size.
func decodeInode(t *table, pos int64, blockSize uint32) (*inode, int64, error) {
	b := t.data
	if pos < 0 || pos+inodeHeaderSize > int64(len(b)) {
		return nil, 0, errors.Wrapf(ErrCorrupt, "inode header at %d overruns table", pos)
	}
	h := b[pos:]
	in := &inode{
		typ:     binary.LittleEndian.Uint16(h[0:2]),
		mode:    binary.LittleEndian.Uint16(h[2:4]),
		uid:     binary.LittleEndian.Uint16(h[4:6]),
		gid:     binary.LittleEndian.Uint16(h[6:8]),
		modTime: binary.LittleEndian.Uint32(h[8:12]),
		number:  binary.LittleEndian.Uint32(h[12:16]),
	}

	need := func(n int64) ([]byte, error) {
		if pos+n > int64(len(b)) {
			return nil, errors.Wrapf(ErrCorrupt,
				"inode %d (type %d) at %d overruns table", in.number, in.typ, pos)
		}
		return b[pos : pos+n], nil
	}

	switch in.typ {
	case typeDir:
		f, err := need(32)
		if err != nil {
			return nil, 0, err
		}
		in.dirStart = binary.LittleEndian.Uint32(f[16:20])
		in.fileSize = uint64(binary.LittleEndian.Uint16(f[24:26]))
		in.dirOffset = binary.LittleEndian.Uint16(f[26:28])
		in.parent = binary.LittleEndian.Uint32(f[28:32])
		return in, 32, nil

	case typeLDir:
		f, err := need(40)
		if err != nil {
			return nil, 0, err
		}
		in.fileSize = uint64(binary.LittleEndian.Uint32(f[20:24]))
		in.dirStart = binary.LittleEndian.Uint32(f[24:28])
		in.parent = binary.LittleEndian.Uint32(f[28:32])
		iCount := binary.LittleEndian.Uint16(f[32:34])
		in.dirOffset = binary.LittleEndian.Uint16(f[34:36])
		// A non-zero i_count means i_count+1 directory index entries
		// follow the fixed fields. Skip them.
		size := int64(40)
		if iCount > 0 {
			for i := 0; i <= int(iCount); i++ {
				e, err := need(size + 12)
				if err != nil {
					return nil, 0, err
				}
				nameSize := binary.LittleEndian.Uint32(e[size+8 : size+12])
				size += 12 + int64(nameSize) + 1
			}
		}
		if _, err := need(size); err != nil {
			return nil, 0, err
		}
		return in, size, nil

	case typeReg:
		f, err := need(32)
		if err != nil {
			return nil, 0, err
		}
		in.startBlock = uint64(binary.LittleEndian.Uint32(f[16:20]))
		in.fragment = binary.LittleEndian.Uint32(f[20:24])
		in.fragOffset = binary.LittleEndian.Uint32(f[24:28])
		in.fileSize = uint64(binary.LittleEndian.Uint32(f[28:32]))
		nb := blockCount(in.fileSize, in.fragment, blockSize)
		f, err = need(32 + 4*int64(nb))
		if err != nil {
			return nil, 0, err
		}
		in.blockSizes = decodeBlockSizes(f[32:], nb)
		return in, 32 + 4*int64(nb), nil

	case typeLReg:
		f, err := need(56)
		if err != nil {
			return nil, 0, err
		}
		in.startBlock = binary.LittleEndian.Uint64(f[16:24])
		in.fileSize = binary.LittleEndian.Uint64(f[24:32])
		in.fragment = binary.LittleEndian.Uint32(f[44:48])
		in.fragOffset = binary.LittleEndian.Uint32(f[48:52])
		nb := blockCount(in.fileSize, in.fragment, blockSize)
		f, err = need(56 + 4*int64(nb))
		if err != nil {
			return nil, 0, err
		}
		in.blockSizes = decodeBlockSizes(f[56:], nb)
		return in, 56 + 4*int64(nb), nil

	case typeSymlink, typeLSymlink:
		f, err := need(24)
		if err != nil {
			return nil, 0, err
		}
		targetSize := binary.LittleEndian.Uint32(f[20:24])
		size := int64(24) + int64(targetSize)
		f, err = need(size)
		if err != nil {
			return nil, 0, err
		}
		in.target = string(f[24 : 24+targetSize])
		return in, size, nil

	case typeBlkDev, typeChrDev:
		if _, err := need(24); err != nil {
			return nil, 0, err
		}
		return in, 24, nil

	case typeLBlkDev, typeLChrDev:
		if _, err := need(28); err != nil {
			return nil, 0, err
		}
		return in, 28, nil

	case typeFifo, typeSocket:
		if _, err := need(20); err != nil {
			return nil, 0, err
		}
		return in, 20, nil

	case typeLFifo, typeLSocket:
		if _, err := need(24); err != nil {
			return nil, 0, err
		}
		return in, 24, nil
	}
	return nil, 0, errors.Wrapf(ErrCorrupt, "inode %d has unknown type %d", in.number, in.typ)
}

func decodeBlockSizes(b []byte, n int) []uint32 {
	sizes := make([]uint32, n)
	for i := range sizes {
		sizes[i] = binary.LittleEndian.Uint32(b[4*i : 4*i+4])
	}
	return sizes
}

// inodeAt decodes the inode referenced by a directory entry's
// (start_block, offset) pair.
func (f *FS) inodeAt(startBlock uint32, offset uint16) (*inode, error) {
	pos, err := f.inodeTable.pos(startBlock, offset)
	if err != nil {
		return nil, err
	}
	in, _, err := decodeInode(f.inodeTable, pos, f.sb.blockSize)
	return in, err
}

// inodeByNumber walks the inode table from the start until it finds
// the inode with the given number. Inodes are variable-size, so the
// walk decodes every inode it passes.
func (f *FS) inodeByNumber(number uint32) (*inode, error) {
	for pos := int64(0); pos < int64(len(f.inodeTable.data)); {
		in, size, err := decodeInode(f.inodeTable, pos, f.sb.blockSize)
		if err != nil {
			return nil, err
		}
		if in.number == number {
			return in, nil
		}
		pos += size
	}
	return nil, errors.Wrapf(ErrCorrupt, "inode %d not in table", number)
}
