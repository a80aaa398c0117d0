package squashfs

import (
	"io"

	"github.com/pkg/errors"
)

// Device is the block-addressable backing store for an image. Reads
// are whole sectors; dst must be sector_count*SectorSize bytes.
type Device interface {
	// SectorSize returns the device's sector size in bytes.
	SectorSize() int

	// ReadSectors reads count sectors starting at sector index into
	// dst. A short read is an error.
	ReadSectors(index, count int64, dst []byte) error
}

// SectorSpan translates a byte range into the sector range covering
// it. It returns the first sector index, the number of sectors, and
// the byte offset of the range within the first sector.
func SectorSpan(off, n int64, sectorSize int) (index, count, within int64) {
	ss := int64(sectorSize)
	index = off / ss
	within = off % ss
	count = (within + n + ss - 1) / ss
	return index, count, within
}

// readerAtDevice adapts an io.ReaderAt to the Device interface,
// optionally offset by a partition start.
type readerAtDevice struct {
	r          io.ReaderAt
	sectorSize int
	base       int64 // partition start in bytes
}

// NewReaderAtDevice wraps an io.ReaderAt as a Device with the given
// sector size. Pass 0 to use 512-byte sectors.
func NewReaderAtDevice(r io.ReaderAt, sectorSize int) Device {
	return NewPartitionDevice(r, sectorSize, 0)
}

// NewPartitionDevice wraps an io.ReaderAt as a Device whose sector 0
// begins at the given byte offset into the reader.
func NewPartitionDevice(r io.ReaderAt, sectorSize int, start int64) Device {
	if sectorSize == 0 {
		sectorSize = 512
	}
	return &readerAtDevice{r: r, sectorSize: sectorSize, base: start}
}

func (d *readerAtDevice) SectorSize() int { return d.sectorSize }

func (d *readerAtDevice) ReadSectors(index, count int64, dst []byte) error {
	want := count * int64(d.sectorSize)
	if int64(len(dst)) < want {
		return errors.Errorf("sector buffer too small: %d < %d", len(dst), want)
	}
	off := d.base + index*int64(d.sectorSize)
	n, err := d.r.ReadAt(dst[:want], off)
	if int64(n) < want {
		if err == nil || err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return errors.Wrapf(err, "read of %d sectors at %d", count, index)
	}
	return nil
}

// readRange reads an arbitrary byte range from the device, handling
// sector alignment. The returned slice aliases a freshly allocated
// sector buffer.
func readRange(dev Device, off, n int64) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	index, count, within := SectorSpan(off, n, dev.SectorSize())
	buf := make([]byte, count*int64(dev.SectorSize()))
	if err := dev.ReadSectors(index, count, buf); err != nil {
		return nil, err
	}
	return buf[within : within+n], nil
}
