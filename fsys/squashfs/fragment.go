package squashfs

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// fragEntrySize is the on-disk size of one fragment table entry.
const fragEntrySize = 16

// fragmentEntry is one row of the fragment table: the absolute byte
// offset of a fragment block and its size word.
type fragmentEntry struct {
	start uint64
	size  uint32
}

// loadFragmentIndex reads the fragment index, the array of absolute
// offsets of the metadata blocks holding the fragment table.
func (f *FS) loadFragmentIndex() error {
	if f.sb.fragments == 0 {
		return nil
	}
	n := (int64(f.sb.fragments) + fragmentsPerBlock - 1) / fragmentsPerBlock
	raw, err := readRange(f.dev, int64(f.sb.fragTableStart), n*8)
	if err != nil {
		return errors.Wrap(err, "fragment index")
	}
	f.fragIndex = make([]uint64, n)
	for i := range f.fragIndex {
		f.fragIndex[i] = binary.LittleEndian.Uint64(raw[8*i : 8*i+8])
	}
	return nil
}

// fragment looks up entry index in the fragment table, decoding the
// metadata block that holds it.
func (f *FS) fragment(index uint32) (fragmentEntry, error) {
	var fe fragmentEntry
	if index >= f.sb.fragments {
		return fe, errors.Wrapf(ErrCorrupt, "fragment index %d of %d", index, f.sb.fragments)
	}
	block := index / fragmentsPerBlock
	payload, _, err := readMetaBlock(f.dev, f.sb.compression, int64(f.fragIndex[block]))
	if err != nil {
		return fe, errors.Wrapf(err, "fragment table block %d", block)
	}
	off := int(index%fragmentsPerBlock) * fragEntrySize
	if off+fragEntrySize > len(payload) {
		return fe, errors.Wrapf(ErrCorrupt, "fragment entry %d overruns table block %d", index, block)
	}
	fe.start = binary.LittleEndian.Uint64(payload[off : off+8])
	fe.size = binary.LittleEndian.Uint32(payload[off+8 : off+12])
	return fe, nil
}
