package squashfs

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"
)

var compressible = bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog. "), 100)

func TestDecompressRoundTrip(t *testing.T) {
	for _, tc := range []struct {
		codec    Codec
		compress func(t *testing.T, src []byte) []byte
	}{
		{CodecZlib, func(t *testing.T, src []byte) []byte {
			return zlibDeflate(t, src)
		}},
		{CodecLZMA, func(t *testing.T, src []byte) []byte {
			var buf bytes.Buffer
			w, err := lzma.NewWriter(&buf)
			require.NoError(t, err)
			_, err = w.Write(src)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			return buf.Bytes()
		}},
		{CodecXZ, func(t *testing.T, src []byte) []byte {
			var buf bytes.Buffer
			w, err := xz.NewWriter(&buf)
			require.NoError(t, err)
			_, err = w.Write(src)
			require.NoError(t, err)
			require.NoError(t, w.Close())
			return buf.Bytes()
		}},
		{CodecLZ4, func(t *testing.T, src []byte) []byte {
			var c lz4.Compressor
			dst := make([]byte, lz4.CompressBlockBound(len(src)))
			n, err := c.CompressBlock(src, dst)
			require.NoError(t, err)
			require.NotZero(t, n)
			return dst[:n]
		}},
		{CodecZstd, func(t *testing.T, src []byte) []byte {
			enc, err := zstd.NewWriter(nil)
			require.NoError(t, err)
			defer enc.Close()
			return enc.EncodeAll(src, nil)
		}},
	} {
		t.Run(tc.codec.String(), func(t *testing.T) {
			comp := tc.compress(t, compressible)
			dst := make([]byte, len(compressible))
			n, err := Decompress(tc.codec, comp, dst)
			require.NoError(t, err)
			assert.Equal(t, len(compressible), n)
			assert.Equal(t, compressible, dst[:n])
		})
	}
}

func TestDecompressUnsupported(t *testing.T) {
	dst := make([]byte, 16)
	_, err := Decompress(CodecLZO, []byte{0}, dst)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
	_, err = Decompress(Codec(9), []byte{0}, dst)
	assert.ErrorIs(t, err, ErrUnsupportedCodec)
}

func TestDecompressOverflow(t *testing.T) {
	comp := zlibDeflate(t, compressible)
	dst := make([]byte, len(compressible)-1)
	_, err := Decompress(CodecZlib, comp, dst)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestDecompressGarbage(t *testing.T) {
	dst := make([]byte, 64)
	for _, c := range []Codec{CodecZlib, CodecXZ, CodecZstd} {
		_, err := Decompress(c, []byte("not a compressed stream"), dst)
		assert.ErrorIs(t, err, ErrCorrupt, c.String())
	}
}

func TestCodecNames(t *testing.T) {
	assert.Equal(t, "zlib", CodecZlib.String())
	assert.Equal(t, "lzma", CodecLZMA.String())
	assert.Equal(t, "lzo", CodecLZO.String())
	assert.Equal(t, "xz", CodecXZ.String())
	assert.Equal(t, "lz4", CodecLZ4.String())
	assert.Equal(t, "zstd", CodecZstd.String())
	assert.Equal(t, "unknown", Codec(42).String())
}
