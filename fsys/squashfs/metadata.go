package squashfs

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// metaUncompressed in a metadata block header marks the payload as
// stored uncompressed. The low 15 bits carry the on-disk length.
const metaUncompressed = 0x8000

// table is a fully materialized metadata table. diskAt[i] is the byte
// offset of block i's header relative to the table start; decodedAt[i]
// is where block i's payload begins in data. The two arrays let a
// (start_block, offset) reference be translated to a position in data.
type table struct {
	data      []byte
	diskAt    []int64
	decodedAt []int64
}

// pos translates a metadata reference to an offset into t.data.
func (t *table) pos(startBlock uint32, offset uint16) (int64, error) {
	for i, d := range t.diskAt {
		if d == int64(startBlock) {
			p := t.decodedAt[i] + int64(offset)
			if p > int64(len(t.data)) {
				return 0, errors.Wrapf(ErrCorrupt,
					"metadata offset %d exceeds block at %#x", offset, startBlock)
			}
			return p, nil
		}
	}
	return 0, errors.Wrapf(ErrCorrupt, "no metadata block at %#x", startBlock)
}

// readMetaBlock reads and decodes the single metadata block whose
// 2-byte header starts at the given absolute byte offset. It returns
// the decompressed payload and the total on-disk size of the block,
// header included.
func readMetaBlock(dev Device, codec Codec, off int64) ([]byte, int64, error) {
	hdr, err := readRange(dev, off, 2)
	if err != nil {
		return nil, 0, err
	}
	h := binary.LittleEndian.Uint16(hdr)
	stored := int64(h &^ metaUncompressed)
	if stored == 0 || stored > metaBlockSize {
		return nil, 0, errors.Wrapf(ErrCorrupt,
			"metadata block at %#x has stored size %d", off, stored)
	}

	raw, err := readRange(dev, off+2, stored)
	if err != nil {
		return nil, 0, err
	}
	if h&metaUncompressed != 0 {
		out := make([]byte, stored)
		copy(out, raw)
		return out, 2 + stored, nil
	}

	dst := make([]byte, metaBlockSize)
	n, err := Decompress(codec, raw, dst)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "metadata block at %#x", off)
	}
	return dst[:n], 2 + stored, nil
}

// readMetaRegion materializes the chain of metadata blocks occupying
// [start, end) on disk into a single table.
func readMetaRegion(dev Device, codec Codec, start, end int64) (*table, error) {
	t := &table{}
	for off := start; off < end; {
		payload, size, err := readMetaBlock(dev, codec, off)
		if err != nil {
			return nil, err
		}
		t.diskAt = append(t.diskAt, off-start)
		t.decodedAt = append(t.decodedAt, int64(len(t.data)))
		t.data = append(t.data, payload...)
		off += size
	}
	return t, nil
}
