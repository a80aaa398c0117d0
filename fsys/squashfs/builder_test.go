package squashfs

import (
	"bytes"
	"encoding/binary"
	"math/bits"
	"sort"
	"testing"

	"github.com/klauspost/compress/zlib"
	"github.com/stretchr/testify/require"
)

// bnode is one node of a synthetic image tree.
type bnode struct {
	name     string
	typ      uint16
	mode     uint16
	data     []byte
	sparse   bool // store all-zero blocks as holes
	frag     bool // store the tail in the shared fragment
	target   string
	children []*bnode
}

func bdir(name string, children ...*bnode) *bnode {
	return &bnode{name: name, typ: typeDir, mode: 0o755, children: children}
}

func bfile(name string, data []byte) *bnode {
	return &bnode{name: name, typ: typeReg, mode: 0o644, data: data}
}

func bfrag(name string, data []byte) *bnode {
	return &bnode{name: name, typ: typeReg, mode: 0o644, data: data, frag: true}
}

func bsparse(name string, size int) *bnode {
	return &bnode{name: name, typ: typeReg, mode: 0o644, data: make([]byte, size), sparse: true}
}

func bsym(name, target string) *bnode {
	return &bnode{name: name, typ: typeSymlink, mode: 0o777, target: target}
}

func bchr(name string) *bnode {
	return &bnode{name: name, typ: typeChrDev, mode: 0o600}
}

// imageBuilder assembles a minimal but well-formed image: one
// metadata block per table, one shared fragment block, zlib when
// compression is on.
type imageBuilder struct {
	blockSize uint32
	compress  bool
	root      *bnode

	numbers map[*bnode]uint32
	parents map[*bnode]*bnode
}

func newImage(root *bnode) *imageBuilder {
	return &imageBuilder{blockSize: 4096, root: root}
}

func (b *imageBuilder) build(t *testing.T) []byte {
	t.Helper()

	// Number the inodes. The root is numbered last.
	var all []*bnode
	b.parents = map[*bnode]*bnode{}
	var walk func(n *bnode)
	walk = func(n *bnode) {
		sort.Slice(n.children, func(i, j int) bool {
			return n.children[i].name < n.children[j].name
		})
		for _, c := range n.children {
			b.parents[c] = n
			all = append(all, c)
			walk(c)
		}
	}
	walk(b.root)
	b.numbers = map[*bnode]uint32{}
	for i, n := range all {
		b.numbers[n] = uint32(i + 1)
	}
	b.numbers[b.root] = uint32(len(all) + 1)
	ordered := append(append([]*bnode{}, all...), b.root)

	img := make([]byte, superblockSize)

	// Data area.
	startBlocks := map[*bnode]uint64{}
	blockLists := map[*bnode][]uint32{}
	fragOffsets := map[*bnode]uint32{}
	var fragData []byte
	for _, n := range ordered {
		if n.typ != typeReg {
			continue
		}
		bs := int(b.blockSize)
		nb := len(n.data) / bs
		if !n.frag && len(n.data)%bs != 0 {
			nb++
		}
		if nb > 0 {
			startBlocks[n] = uint64(len(img))
		}
		sizes := []uint32{}
		for i := 0; i < nb; i++ {
			lo := i * bs
			hi := lo + bs
			if hi > len(n.data) {
				hi = len(n.data)
			}
			chunk := n.data[lo:hi]
			if n.sparse && allZero(chunk) {
				sizes = append(sizes, 0)
				continue
			}
			stored, word := b.encodeBlock(t, chunk)
			img = append(img, stored...)
			sizes = append(sizes, word)
		}
		blockLists[n] = sizes
		if n.frag {
			fragOffsets[n] = uint32(len(fragData))
			fragData = append(fragData, n.data[nb*bs:]...)
		}
	}

	fragments := uint32(0)
	var fragBlockStart uint64
	var fragBlockWord uint32
	if len(fragData) > 0 {
		fragments = 1
		fragBlockStart = uint64(len(img))
		stored, word := b.encodeBlock(t, fragData)
		img = append(img, stored...)
		fragBlockWord = word
	}

	// Directory table layout, then contents. Every header uses start
	// block 0 since the whole table is one metadata block.
	dirOffsets := map[*bnode]int{}
	listingSizes := map[*bnode]int{}
	pos := 0
	for _, n := range ordered {
		if n.typ != typeDir {
			continue
		}
		dirOffsets[n] = pos
		size := 0
		if len(n.children) > 0 {
			size = dirHeaderSize
			for _, c := range n.children {
				size += 8 + len(c.name)
			}
		}
		listingSizes[n] = size
		pos += size
	}

	// Inode table layout.
	inodeOffsets := map[*bnode]int{}
	pos = 0
	for _, n := range ordered {
		inodeOffsets[n] = pos
		switch n.typ {
		case typeDir:
			pos += 32
		case typeReg:
			pos += 32 + 4*len(blockLists[n])
		case typeSymlink:
			pos += 24 + len(n.target)
		case typeChrDev, typeBlkDev:
			pos += 24
		default:
			t.Fatalf("builder: unsupported type %d", n.typ)
		}
	}

	var dirPayload []byte
	for _, n := range ordered {
		if n.typ != typeDir || len(n.children) == 0 {
			continue
		}
		base := b.numbers[n.children[0]]
		h := make([]byte, dirHeaderSize)
		binary.LittleEndian.PutUint32(h[0:4], uint32(len(n.children)-1))
		binary.LittleEndian.PutUint32(h[4:8], 0)
		binary.LittleEndian.PutUint32(h[8:12], base)
		dirPayload = append(dirPayload, h...)
		for _, c := range n.children {
			e := make([]byte, 8)
			binary.LittleEndian.PutUint16(e[0:2], uint16(inodeOffsets[c]))
			binary.LittleEndian.PutUint16(e[2:4], uint16(int16(int32(b.numbers[c])-int32(base))))
			binary.LittleEndian.PutUint16(e[4:6], c.typ)
			binary.LittleEndian.PutUint16(e[6:8], uint16(len(c.name)-1))
			dirPayload = append(dirPayload, e...)
			dirPayload = append(dirPayload, c.name...)
		}
	}

	var inodePayload []byte
	for _, n := range ordered {
		inodePayload = append(inodePayload, b.encodeInode(n,
			dirOffsets, listingSizes, startBlocks, blockLists, fragOffsets)...)
	}

	inodeTableStart := uint64(len(img))
	img = append(img, b.metaBlock(t, inodePayload)...)
	dirTableStart := uint64(len(img))
	if len(dirPayload) > 0 {
		img = append(img, b.metaBlock(t, dirPayload)...)
	}

	fragTableStart := uint64(len(img))
	if fragments > 0 {
		entry := make([]byte, fragEntrySize)
		binary.LittleEndian.PutUint64(entry[0:8], fragBlockStart)
		binary.LittleEndian.PutUint32(entry[8:12], fragBlockWord)
		fragMetaStart := uint64(len(img))
		img = append(img, b.metaBlock(t, entry)...)
		fragTableStart = uint64(len(img))
		var idx [8]byte
		binary.LittleEndian.PutUint64(idx[:], fragMetaStart)
		img = append(img, idx[:]...)
	}
	idTableStart := uint64(len(img))

	flags := uint16(flagDuplicates)
	if !b.compress {
		flags |= flagUncompressedInodes | flagUncompressedData | flagUncompressedFrags
	}
	if fragments == 0 {
		flags |= flagNoFrags
	}

	sb := img[0:superblockSize]
	binary.LittleEndian.PutUint32(sb[0:4], Magic)
	binary.LittleEndian.PutUint32(sb[4:8], uint32(len(ordered)))
	binary.LittleEndian.PutUint32(sb[8:12], 1700000000)
	binary.LittleEndian.PutUint32(sb[12:16], b.blockSize)
	binary.LittleEndian.PutUint32(sb[16:20], fragments)
	binary.LittleEndian.PutUint16(sb[20:22], uint16(CodecZlib))
	binary.LittleEndian.PutUint16(sb[22:24], uint16(bits.TrailingZeros32(b.blockSize)))
	binary.LittleEndian.PutUint16(sb[24:26], flags)
	binary.LittleEndian.PutUint16(sb[26:28], 1)
	binary.LittleEndian.PutUint16(sb[28:30], 4)
	binary.LittleEndian.PutUint16(sb[30:32], 0)
	binary.LittleEndian.PutUint64(sb[32:40], uint64(inodeOffsets[b.root]))
	binary.LittleEndian.PutUint64(sb[48:56], idTableStart)
	binary.LittleEndian.PutUint64(sb[56:64], invalidTable)
	binary.LittleEndian.PutUint64(sb[64:72], inodeTableStart)
	binary.LittleEndian.PutUint64(sb[72:80], dirTableStart)
	binary.LittleEndian.PutUint64(sb[80:88], fragTableStart)
	binary.LittleEndian.PutUint64(sb[88:96], invalidTable)

	for len(img)%512 != 0 {
		img = append(img, 0)
	}
	binary.LittleEndian.PutUint64(sb[40:48], uint64(len(img)))
	return img
}

func (b *imageBuilder) encodeInode(n *bnode, dirOffsets, listingSizes map[*bnode]int,
	startBlocks map[*bnode]uint64, blockLists map[*bnode][]uint32,
	fragOffsets map[*bnode]uint32) []byte {

	h := make([]byte, inodeHeaderSize)
	binary.LittleEndian.PutUint16(h[0:2], n.typ)
	binary.LittleEndian.PutUint16(h[2:4], n.mode)
	binary.LittleEndian.PutUint32(h[8:12], 1700000000)
	binary.LittleEndian.PutUint32(h[12:16], b.numbers[n])

	switch n.typ {
	case typeDir:
		f := make([]byte, 16)
		binary.LittleEndian.PutUint32(f[4:8], uint32(2+len(n.children)))
		binary.LittleEndian.PutUint16(f[8:10], uint16(listingSizes[n]+3))
		binary.LittleEndian.PutUint16(f[10:12], uint16(dirOffsets[n]))
		parent := b.numbers[b.root] + 1
		if p, ok := b.parents[n]; ok {
			parent = b.numbers[p]
		}
		binary.LittleEndian.PutUint32(f[12:16], parent)
		return append(h, f...)

	case typeReg:
		fragment := uint32(invalidFragment)
		fragOffset := uint32(0)
		if n.frag {
			fragment = 0
			fragOffset = fragOffsets[n]
		}
		f := make([]byte, 16+4*len(blockLists[n]))
		binary.LittleEndian.PutUint32(f[0:4], uint32(startBlocks[n]))
		binary.LittleEndian.PutUint32(f[4:8], fragment)
		binary.LittleEndian.PutUint32(f[8:12], fragOffset)
		binary.LittleEndian.PutUint32(f[12:16], uint32(len(n.data)))
		for i, w := range blockLists[n] {
			binary.LittleEndian.PutUint32(f[16+4*i:20+4*i], w)
		}
		return append(h, f...)

	case typeSymlink:
		f := make([]byte, 8)
		binary.LittleEndian.PutUint32(f[0:4], 1)
		binary.LittleEndian.PutUint32(f[4:8], uint32(len(n.target)))
		return append(append(h, f...), n.target...)

	case typeChrDev, typeBlkDev:
		f := make([]byte, 8)
		binary.LittleEndian.PutUint32(f[0:4], 1)
		binary.LittleEndian.PutUint32(f[4:8], 0x0103)
		return append(h, f...)
	}
	return nil
}

func (b *imageBuilder) encodeBlock(t *testing.T, chunk []byte) ([]byte, uint32) {
	t.Helper()
	if b.compress {
		z := zlibDeflate(t, chunk)
		if len(z) < len(chunk) {
			return z, uint32(len(z))
		}
	}
	return chunk, uint32(len(chunk)) | dataUncompressed
}

func (b *imageBuilder) metaBlock(t *testing.T, payload []byte) []byte {
	t.Helper()
	require.LessOrEqual(t, len(payload), metaBlockSize)
	out := make([]byte, 2)
	if b.compress {
		z := zlibDeflate(t, payload)
		if len(z) < len(payload) {
			binary.LittleEndian.PutUint16(out, uint16(len(z)))
			return append(out, z...)
		}
	}
	binary.LittleEndian.PutUint16(out, uint16(len(payload))|metaUncompressed)
	return append(out, payload...)
}

func zlibDeflate(t *testing.T, src []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	_, err := zw.Write(src)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func allZero(b []byte) bool {
	for _, c := range b {
		if c != 0 {
			return false
		}
	}
	return true
}

func (b *imageBuilder) mount(t *testing.T) *FS {
	t.Helper()
	f, err := Mount(NewReaderAtDevice(bytes.NewReader(b.build(t)), 512))
	require.NoError(t, err)
	return f
}
