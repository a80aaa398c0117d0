package squashfs

import (
	"github.com/pkg/errors"

	"github.com/luuk/sqfs/fsys"
)

// Data block size words: bit 24 marks the block as stored
// uncompressed, the low 24 bits carry the on-disk length. A zero word
// is a sparse block reading as zeros.
const (
	dataUncompressed = 1 << 24
	dataSizeMask     = dataUncompressed - 1
)

// SizeOf returns the byte size of the object at path: the file size
// for regular files, the target length for symlinks, the listing size
// for directories.
func (f *FS) SizeOf(path string) (int64, error) {
	in, err := f.lookup(path)
	if err != nil {
		return 0, err
	}
	return in.size(), nil
}

// ReadFile reads length bytes starting at byte offset off of the
// regular file at path into dst, returning the byte count. A zero
// length reads from off to the end of the file. Requests past the end
// of the file fail with ErrLengthExceedsFile.
func (f *FS) ReadFile(path string, dst []byte, off, length int64) (int, error) {
	in, err := f.lookup(path)
	if err != nil {
		return 0, err
	}
	if length == 0 {
		length = int64(in.fileSize) - off
	}
	if err := f.readFileAt(in, dst, off, length); err != nil {
		return 0, errors.Wrapf(err, "%q", path)
	}
	return int(length), nil
}

func (f *FS) readFileAt(in *inode, dst []byte, off, length int64) error {
	if !in.isRegular() {
		return errors.Wrapf(ErrUnsupportedType, "inode %d (type %d)", in.number, in.typ)
	}
	if off < 0 || length < 0 || off+length > int64(in.fileSize) {
		return errors.Wrapf(ErrLengthExceedsFile, "%d bytes at %d of %d", length, off, in.fileSize)
	}
	if int64(len(dst)) < length {
		return errors.Errorf("buffer too small: %d < %d", len(dst), length)
	}
	if length == 0 {
		return nil
	}
	f.log.WithFields(map[string]interface{}{
		"inode": in.number, "off": off, "len": length,
	}).Debug("file read")

	bs := int64(f.sb.blockSize)
	end := off + length
	diskOff := int64(in.startBlock)

	for i, sw := range in.blockSizes {
		blockStart := int64(i) * bs
		decLen := bs
		if blockStart+decLen > int64(in.fileSize) {
			decLen = int64(in.fileSize) - blockStart
		}
		if blockStart < end && off < blockStart+decLen {
			block, err := f.dataBlock(diskOff, sw, decLen)
			if err != nil {
				return errors.Wrapf(err, "data block %d of inode %d", i, in.number)
			}
			if int64(len(block)) < decLen {
				return errors.Wrapf(ErrCorrupt,
					"data block %d of inode %d decoded to %d of %d bytes",
					i, in.number, len(block), decLen)
			}
			from := max64(off, blockStart)
			to := min64(end, blockStart+decLen)
			copy(dst[from-off:to-off], block[from-blockStart:to-blockStart])
		}
		diskOff += int64(sw & dataSizeMask)
	}

	tailStart := int64(len(in.blockSizes)) * bs
	if in.fragment != invalidFragment && end > tailStart {
		fe, err := f.fragment(in.fragment)
		if err != nil {
			return err
		}
		tailLen := int64(in.fileSize) - tailStart
		frag, err := f.dataBlock(int64(fe.start), fe.size, int64(in.fragOffset)+tailLen)
		if err != nil {
			return errors.Wrapf(err, "fragment %d of inode %d", in.fragment, in.number)
		}
		if int64(len(frag)) < int64(in.fragOffset)+tailLen {
			return errors.Wrapf(ErrCorrupt,
				"fragment %d too short for inode %d", in.fragment, in.number)
		}
		from := max64(off, tailStart)
		to := end
		copy(dst[from-off:to-off],
			frag[int64(in.fragOffset)+from-tailStart:int64(in.fragOffset)+to-tailStart])
	}
	return nil
}

// dataBlock reads and decodes one data or fragment block. want is the
// minimum decoded length the caller expects; sparse blocks are
// materialized as that many zero bytes.
func (f *FS) dataBlock(off int64, sizeWord uint32, want int64) ([]byte, error) {
	if sizeWord == 0 {
		return make([]byte, want), nil
	}
	stored := int64(sizeWord & dataSizeMask)
	if stored > int64(f.sb.blockSize) {
		return nil, errors.Wrapf(ErrCorrupt, "stored block size %d exceeds block size", stored)
	}
	raw, err := readRange(f.dev, off, stored)
	if err != nil {
		return nil, err
	}
	if sizeWord&dataUncompressed != 0 {
		return raw, nil
	}
	dst := make([]byte, f.sb.blockSize)
	n, err := Decompress(f.sb.compression, raw, dst)
	if err != nil {
		return nil, err
	}
	return dst[:n], nil
}

// FileExtents maps a file's logical offsets to physical image offsets.
// Only files stored uncompressed have a linear mapping; sparse blocks
// appear as gaps.
func (f *FS) FileExtents(path string) ([]fsys.Extent, error) {
	in, err := f.lookup(path)
	if err != nil {
		return nil, err
	}
	if !in.isRegular() {
		return nil, errors.Wrapf(ErrUnsupportedType, "%q is not a regular file", path)
	}

	bs := int64(f.sb.blockSize)
	var extents []fsys.Extent
	diskOff := int64(in.startBlock)
	for i, sw := range in.blockSizes {
		blockStart := int64(i) * bs
		decLen := bs
		if blockStart+decLen > int64(in.fileSize) {
			decLen = int64(in.fileSize) - blockStart
		}
		stored := int64(sw & dataSizeMask)
		switch {
		case sw == 0:
			// sparse, leave a gap
		case sw&dataUncompressed != 0:
			extents = append(extents, fsys.Extent{
				Logical:  blockStart,
				Physical: diskOff,
				Length:   decLen,
			})
		default:
			return nil, errors.Errorf("%q: compressed files have no linear extents", path)
		}
		diskOff += stored
	}

	tailStart := int64(len(in.blockSizes)) * bs
	if in.fragment != invalidFragment && int64(in.fileSize) > tailStart {
		fe, err := f.fragment(in.fragment)
		if err != nil {
			return nil, err
		}
		if fe.size&dataUncompressed == 0 {
			return nil, errors.Errorf("%q: compressed fragment has no linear extent", path)
		}
		extents = append(extents, fsys.Extent{
			Logical:  tailStart,
			Physical: int64(fe.start) + int64(in.fragOffset),
			Length:   int64(in.fileSize) - tailStart,
		})
	}
	return extents, nil
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
