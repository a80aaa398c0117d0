// Package detect identifies what sits at the head of a disk image: a
// SquashFS filesystem, or a partition table that may contain one.
package detect

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Type is the detected content of an image.
type Type int

const (
	Unknown Type = iota
	SquashFS
	MBR // Master Boot Record partition table
	GPT // GUID Partition Table
)

func (t Type) String() string {
	switch t {
	case SquashFS:
		return "squashfs"
	case MBR:
		return "MBR"
	case GPT:
		return "GPT"
	default:
		return "unknown"
	}
}

// IsPartitionTable reports whether the type is a partition table
// format that must be descended into to find a filesystem.
func (t Type) IsPartitionTable() bool {
	return t == MBR || t == GPT
}

// squashMagic is the little-endian SquashFS superblock magic.
const squashMagic = 0x73717368

// Detect identifies the content of a reader from its header bytes.
func Detect(r io.ReaderAt) (Type, error) {
	header := make([]byte, 1024)
	n, err := r.ReadAt(header, 0)
	if err != nil && err != io.EOF {
		return Unknown, errors.Wrap(err, "reading header")
	}
	if n < 100 {
		return Unknown, errors.Errorf("image too small: %d bytes", n)
	}
	header = header[:n]

	if binary.LittleEndian.Uint32(header[0:4]) == squashMagic {
		return SquashFS, nil
	}

	// GPT puts "EFI PART" at LBA 1.
	if n >= 520 && bytes.Equal(header[512:520], []byte("EFI PART")) {
		return GPT, nil
	}

	if n >= 512 && header[510] == 0x55 && header[511] == 0xAA &&
		hasMBRPartition(header) {
		return MBR, nil
	}

	return Unknown, nil
}

// hasMBRPartition reports whether the boot sector carries at least one
// plausible partition entry.
func hasMBRPartition(header []byte) bool {
	for i := 0; i < 4; i++ {
		entry := header[446+i*16 : 446+(i+1)*16]
		if entry[0] != 0x00 && entry[0] != 0x80 {
			continue
		}
		if entry[4] == 0 {
			continue
		}
		lbaStart := binary.LittleEndian.Uint32(entry[8:12])
		lbaSize := binary.LittleEndian.Uint32(entry[12:16])
		if lbaStart > 0 && lbaSize > 0 {
			return true
		}
	}
	return false
}
