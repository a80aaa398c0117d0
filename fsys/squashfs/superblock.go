package squashfs

import (
	"encoding/binary"
	"math/bits"

	"github.com/pkg/errors"
)

const (
	// Magic is the little-endian superblock magic, "hsqs" on disk.
	Magic = 0x73717368

	superblockSize = 96

	// metaBlockSize is the maximum decompressed payload of a single
	// metadata block.
	metaBlockSize = 8192

	minBlockSize = 4096
	maxBlockSize = 1024 * 1024

	// invalidFragment in an inode's fragment field means the file has
	// no trailing fragment.
	invalidFragment = 0xFFFFFFFF

	// invalidTable in a *_table_start field means the table is absent.
	invalidTable = 0xFFFFFFFFFFFFFFFF

	// fragmentsPerBlock is the number of 16-byte fragment entries in
	// one metadata block of the fragment table.
	fragmentsPerBlock = 512
)

// Superblock flag bits.
const (
	flagUncompressedInodes = 1 << 0
	flagUncompressedData   = 1 << 1
	flagCheck              = 1 << 2
	flagUncompressedFrags  = 1 << 3
	flagNoFrags            = 1 << 4
	flagAlwaysFrags        = 1 << 5
	flagDuplicates         = 1 << 6
	flagExportable         = 1 << 7
	flagUncompressedXattrs = 1 << 8
	flagNoXattrs           = 1 << 9
	flagCompressorOptions  = 1 << 10
	flagUncompressedIDs    = 1 << 11
)

// superblock is the decoded 96-byte header at the start of the image.
// All on-disk fields are little-endian.
type superblock struct {
	inodes           uint32
	mkfsTime         uint32
	blockSize        uint32
	fragments        uint32
	compression      Codec
	blockLog         uint16
	flags            uint16
	idCount          uint16
	major            uint16
	minor            uint16
	rootInodeRef     uint64
	bytesUsed        uint64
	idTableStart     uint64
	xattrIDStart     uint64
	inodeTableStart  uint64
	dirTableStart    uint64
	fragTableStart   uint64
	exportTableStart uint64
}

// decodeSuperblock validates and decodes a raw superblock. The buffer
// must hold at least superblockSize bytes.
func decodeSuperblock(b []byte) (superblock, error) {
	var sb superblock

	if len(b) < superblockSize {
		return sb, errors.Wrapf(ErrCorrupt, "superblock truncated at %d bytes", len(b))
	}
	if binary.LittleEndian.Uint32(b[0:4]) != Magic {
		return sb, ErrBadMagic
	}

	sb.inodes = binary.LittleEndian.Uint32(b[4:8])
	sb.mkfsTime = binary.LittleEndian.Uint32(b[8:12])
	sb.blockSize = binary.LittleEndian.Uint32(b[12:16])
	sb.fragments = binary.LittleEndian.Uint32(b[16:20])
	sb.compression = Codec(binary.LittleEndian.Uint16(b[20:22]))
	sb.blockLog = binary.LittleEndian.Uint16(b[22:24])
	sb.flags = binary.LittleEndian.Uint16(b[24:26])
	sb.idCount = binary.LittleEndian.Uint16(b[26:28])
	sb.major = binary.LittleEndian.Uint16(b[28:30])
	sb.minor = binary.LittleEndian.Uint16(b[30:32])
	sb.rootInodeRef = binary.LittleEndian.Uint64(b[32:40])
	sb.bytesUsed = binary.LittleEndian.Uint64(b[40:48])
	sb.idTableStart = binary.LittleEndian.Uint64(b[48:56])
	sb.xattrIDStart = binary.LittleEndian.Uint64(b[56:64])
	sb.inodeTableStart = binary.LittleEndian.Uint64(b[64:72])
	sb.dirTableStart = binary.LittleEndian.Uint64(b[72:80])
	sb.fragTableStart = binary.LittleEndian.Uint64(b[80:88])
	sb.exportTableStart = binary.LittleEndian.Uint64(b[88:96])

	if sb.major != 4 {
		return sb, errors.Wrapf(ErrCorrupt, "unsupported version %d.%d", sb.major, sb.minor)
	}
	if sb.blockSize < minBlockSize || sb.blockSize > maxBlockSize ||
		bits.OnesCount32(sb.blockSize) != 1 {
		return sb, errors.Wrapf(ErrCorrupt, "invalid block size %d", sb.blockSize)
	}
	if sb.blockSize != 1<<sb.blockLog {
		return sb, errors.Wrapf(ErrCorrupt, "block size %d does not match block log %d",
			sb.blockSize, sb.blockLog)
	}
	if sb.inodeTableStart >= sb.dirTableStart || sb.dirTableStart > sb.fragTableStart {
		return sb, errors.Wrapf(ErrCorrupt,
			"table offsets out of order: inode=%#x directory=%#x fragment=%#x",
			sb.inodeTableStart, sb.dirTableStart, sb.fragTableStart)
	}

	return sb, nil
}

// FlagNames returns the human-readable names of the set superblock
// flag bits, in bit order.
func (sb *superblock) FlagNames() []string {
	var names []string
	for _, f := range []struct {
		bit  uint16
		name string
	}{
		{flagUncompressedInodes, "uncompressed inodes"},
		{flagUncompressedData, "uncompressed data"},
		{flagCheck, "check"},
		{flagUncompressedFrags, "uncompressed fragments"},
		{flagNoFrags, "no fragments"},
		{flagAlwaysFrags, "always fragments"},
		{flagDuplicates, "duplicates removed"},
		{flagExportable, "exportable"},
		{flagUncompressedXattrs, "uncompressed xattrs"},
		{flagNoXattrs, "no xattrs"},
		{flagCompressorOptions, "compressor options"},
		{flagUncompressedIDs, "uncompressed ids"},
	} {
		if sb.flags&f.bit != 0 {
			names = append(names, f.name)
		}
	}
	return names
}
