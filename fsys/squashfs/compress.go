package squashfs

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

// Codec identifies the compression algorithm recorded in the
// superblock. Every compressed block in the image uses this one codec.
type Codec uint16

const (
	CodecZlib Codec = 1
	CodecLZMA Codec = 2
	CodecLZO  Codec = 3
	CodecXZ   Codec = 4
	CodecLZ4  Codec = 5
	CodecZstd Codec = 6
)

func (c Codec) String() string {
	switch c {
	case CodecZlib:
		return "zlib"
	case CodecLZMA:
		return "lzma"
	case CodecLZO:
		return "lzo"
	case CodecXZ:
		return "xz"
	case CodecLZ4:
		return "lz4"
	case CodecZstd:
		return "zstd"
	}
	return "unknown"
}

// zstdDecoder is shared across all images. DecodeAll is safe for
// concurrent use on a single decoder.
var zstdDecoder, _ = zstd.NewReader(nil, zstd.WithDecoderConcurrency(1))

// Decompress inflates src into dst and returns the decompressed byte
// count. dst must be large enough for the full decompressed payload;
// overflow is reported as corruption.
func Decompress(c Codec, src, dst []byte) (int, error) {
	switch c {
	case CodecZlib:
		zr, err := zlib.NewReader(bytes.NewReader(src))
		if err != nil {
			return 0, errors.Wrap(ErrCorrupt, err.Error())
		}
		defer zr.Close()
		return readAll(zr, dst)

	case CodecLZMA:
		lr, err := lzma.NewReader(bytes.NewReader(src))
		if err != nil {
			return 0, errors.Wrap(ErrCorrupt, err.Error())
		}
		return readAll(lr, dst)

	case CodecXZ:
		xr, err := xz.NewReader(bytes.NewReader(src))
		if err != nil {
			return 0, errors.Wrap(ErrCorrupt, err.Error())
		}
		return readAll(xr, dst)

	case CodecLZ4:
		n, err := lz4.UncompressBlock(src, dst)
		if err != nil {
			return 0, errors.Wrap(ErrCorrupt, err.Error())
		}
		return n, nil

	case CodecZstd:
		out, err := zstdDecoder.DecodeAll(src, dst[:0])
		if err != nil {
			return 0, errors.Wrap(ErrCorrupt, err.Error())
		}
		if len(out) > len(dst) {
			return 0, errors.Wrap(ErrCorrupt, "decompressed payload exceeds block size")
		}
		return len(out), nil

	case CodecLZO:
		return 0, errors.Wrapf(ErrUnsupportedCodec, "codec %d (%s)", c, c)
	}
	return 0, errors.Wrapf(ErrUnsupportedCodec, "codec %d", c)
}

// readAll drains r into dst, failing if the stream is larger than dst.
func readAll(r io.Reader, dst []byte) (int, error) {
	total := 0
	for {
		n, err := r.Read(dst[total:])
		total += n
		if err == io.EOF {
			return total, nil
		}
		if err != nil {
			return 0, errors.Wrap(ErrCorrupt, err.Error())
		}
		if total == len(dst) {
			// Either exactly full or overflowing. One more byte
			// distinguishes the two.
			var one [1]byte
			if m, _ := r.Read(one[:]); m > 0 {
				return 0, errors.Wrap(ErrCorrupt, "decompressed payload exceeds block size")
			}
			return total, nil
		}
	}
}
