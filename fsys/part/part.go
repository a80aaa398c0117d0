// Package part exposes a partition table (MBR or GPT) as a read-only
// filesystem whose files are the partitions. A SquashFS inside a
// partition is reached by reading the partition "file" as an image.
package part

import (
	"encoding/binary"
	"fmt"
	"io"
	"io/fs"
	"sort"
	"strings"
	"time"
	"unicode/utf16"

	"github.com/pkg/errors"

	"github.com/luuk/sqfs/detect"
	"github.com/luuk/sqfs/fsys"
)

const lbaSize = 512

// Partition is a single entry of the table.
type Partition struct {
	Index    int
	Name     string // "p0", "p1", ...
	Type     byte   // MBR partition type, 0 for GPT entries
	TypeGUID [16]byte
	StartLBA uint64
	SizeLBA  uint64
	Bootable bool
	Label    string // GPT partition name
}

// SizeBytes returns the partition size in bytes.
func (p *Partition) SizeBytes() int64 {
	return int64(p.SizeLBA) * lbaSize
}

// StartOffset returns the partition's byte offset in the image.
func (p *Partition) StartOffset() int64 {
	return int64(p.StartLBA) * lbaSize
}

// FS implements fsys.FS over a partition table.
type FS struct {
	r          io.ReaderAt
	size       int64
	tableType  detect.Type
	partitions []*Partition
}

// Open parses the partition table of the given type from r.
func Open(r io.ReaderAt, size int64, tableType detect.Type) (*FS, error) {
	pfs := &FS{r: r, size: size, tableType: tableType}

	var err error
	switch tableType {
	case detect.MBR:
		err = pfs.parseMBR()
	case detect.GPT:
		err = pfs.parseGPT()
	default:
		return nil, errors.Errorf("not a partition table type: %v", tableType)
	}
	if err != nil {
		return nil, err
	}
	return pfs, nil
}

func (pfs *FS) parseMBR() error {
	sector := make([]byte, lbaSize)
	if _, err := pfs.r.ReadAt(sector, 0); err != nil {
		return errors.Wrap(err, "reading MBR")
	}
	if sector[510] != 0x55 || sector[511] != 0xAA {
		return errors.New("bad MBR signature")
	}

	for i := 0; i < 4; i++ {
		entry := sector[446+i*16 : 446+(i+1)*16]
		if entry[4] == 0 {
			continue
		}
		start := binary.LittleEndian.Uint32(entry[8:12])
		size := binary.LittleEndian.Uint32(entry[12:16])
		if start == 0 || size == 0 {
			continue
		}
		pfs.addPartition(&Partition{
			Type:     entry[4],
			StartLBA: uint64(start),
			SizeLBA:  uint64(size),
			Bootable: entry[0] == 0x80,
		})
	}
	return nil
}

func (pfs *FS) parseGPT() error {
	// The GPT header lives at LBA 1.
	header := make([]byte, lbaSize)
	if _, err := pfs.r.ReadAt(header, lbaSize); err != nil {
		return errors.Wrap(err, "reading GPT header")
	}
	if string(header[0:8]) != "EFI PART" {
		return errors.New("bad GPT signature")
	}

	entryLBA := binary.LittleEndian.Uint64(header[72:80])
	numEntries := binary.LittleEndian.Uint32(header[80:84])
	entrySize := binary.LittleEndian.Uint32(header[84:88])
	if entrySize < 128 {
		return errors.Errorf("GPT entry size %d too small", entrySize)
	}

	base := int64(entryLBA) * lbaSize
	entry := make([]byte, entrySize)
	for i := uint32(0); i < numEntries; i++ {
		if _, err := pfs.r.ReadAt(entry, base+int64(i)*int64(entrySize)); err != nil {
			break
		}
		var typeGUID [16]byte
		copy(typeGUID[:], entry[0:16])
		if typeGUID == ([16]byte{}) {
			continue
		}
		start := binary.LittleEndian.Uint64(entry[32:40])
		end := binary.LittleEndian.Uint64(entry[40:48])
		pfs.addPartition(&Partition{
			TypeGUID: typeGUID,
			StartLBA: start,
			SizeLBA:  end - start + 1,
			Label:    decodeUTF16LE(entry[56:128]),
		})
	}
	return nil
}

func (pfs *FS) addPartition(p *Partition) {
	p.Index = len(pfs.partitions)
	p.Name = fmt.Sprintf("p%d", p.Index)
	pfs.partitions = append(pfs.partitions, p)
}

func decodeUTF16LE(data []byte) string {
	u16s := make([]uint16, 0, len(data)/2)
	for i := 0; i+1 < len(data); i += 2 {
		v := binary.LittleEndian.Uint16(data[i : i+2])
		if v == 0 {
			break
		}
		u16s = append(u16s, v)
	}
	return string(utf16.Decode(u16s))
}

// Type returns the table type name, "MBR" or "GPT".
func (pfs *FS) Type() string {
	return pfs.tableType.String()
}

// Close implements fsys.FS.
func (pfs *FS) Close() error {
	return nil
}

// BaseReader returns the underlying image reader, letting callers
// compose partition extents against the whole image.
func (pfs *FS) BaseReader() io.ReaderAt {
	return pfs.r
}

// Partitions returns the parsed entries in table order.
func (pfs *FS) Partitions() []*Partition {
	return pfs.partitions
}

// Info renders a table of the partitions.
func (pfs *FS) Info() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Partitions: %d\n\n", len(pfs.partitions))
	fmt.Fprintf(&sb, "%-6s %-19s %12s %12s %s\n",
		"NAME", "TYPE", "START", "SIZE", "LABEL")
	for _, p := range pfs.partitions {
		label := p.Label
		if label == "" && p.Bootable {
			label = "(bootable)"
		}
		fmt.Fprintf(&sb, "%-6s %-19s %12d %12s %s\n",
			p.Name, truncate(TypeString(p), 19), p.StartLBA,
			formatSize(p.SizeBytes()), label)
	}
	return sb.String()
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}

func formatSize(n int64) string {
	const (
		kb = 1024
		mb = kb * 1024
		gb = mb * 1024
		tb = gb * 1024
	)
	switch {
	case n >= tb:
		return fmt.Sprintf("%.1fT", float64(n)/tb)
	case n >= gb:
		return fmt.Sprintf("%.1fG", float64(n)/gb)
	case n >= mb:
		return fmt.Sprintf("%.1fM", float64(n)/mb)
	case n >= kb:
		return fmt.Sprintf("%.1fK", float64(n)/kb)
	default:
		return fmt.Sprintf("%dB", n)
	}
}

// FreeBlocks returns the gaps between partitions, excluding the
// table's own reserved sectors.
func (pfs *FS) FreeBlocks() ([]fsys.Range, error) {
	used := make([]fsys.Range, 0, len(pfs.partitions))
	for _, p := range pfs.partitions {
		used = append(used, fsys.Range{
			Start: p.StartOffset(),
			End:   p.StartOffset() + p.SizeBytes(),
		})
	}
	sort.Slice(used, func(i, j int) bool { return used[i].Start < used[j].Start })

	pos := int64(lbaSize)
	if pfs.tableType == detect.GPT {
		// Protective MBR, header, and 32 entry sectors.
		pos = 34 * lbaSize
	}
	end := pfs.size
	if pfs.tableType == detect.GPT {
		// The backup table occupies the image tail.
		end -= 33 * lbaSize
	}

	var free []fsys.Range
	for _, r := range used {
		if r.Start > pos {
			free = append(free, fsys.Range{Start: pos, End: r.Start})
		}
		if r.End > pos {
			pos = r.End
		}
	}
	if pos < end {
		free = append(free, fsys.Range{Start: pos, End: end})
	}
	return free, nil
}

// FileExtents maps a partition name to its single extent in the image.
func (pfs *FS) FileExtents(name string) ([]fsys.Extent, error) {
	name = cleanPath(name)
	if name == "." {
		return nil, errors.New("root has no extents")
	}
	p := pfs.findPartition(name)
	if p == nil {
		return nil, errors.Errorf("no partition %q", name)
	}
	return []fsys.Extent{{
		Logical:  0,
		Physical: p.StartOffset(),
		Length:   p.SizeBytes(),
	}}, nil
}

// Open implements fs.FS.
func (pfs *FS) Open(name string) (fs.File, error) {
	name = cleanPath(name)
	if name == "." {
		return &rootDir{pfs: pfs}, nil
	}
	p := pfs.findPartition(name)
	if p == nil {
		return nil, &fs.PathError{Op: "open", Path: name, Err: fs.ErrNotExist}
	}
	return &partitionFile{pfs: pfs, part: p}, nil
}

// ReadDir implements fs.ReadDirFS.
func (pfs *FS) ReadDir(name string) ([]fs.DirEntry, error) {
	name = cleanPath(name)
	if name != "." {
		return nil, &fs.PathError{Op: "readdir", Path: name, Err: errors.New("not a directory")}
	}
	entries := make([]fs.DirEntry, 0, len(pfs.partitions))
	for _, p := range pfs.partitions {
		entries = append(entries, &partitionEntry{part: p})
	}
	return entries, nil
}

// Stat implements fs.StatFS.
func (pfs *FS) Stat(name string) (fs.FileInfo, error) {
	name = cleanPath(name)
	if name == "." {
		return &rootInfo{}, nil
	}
	p := pfs.findPartition(name)
	if p == nil {
		return nil, &fs.PathError{Op: "stat", Path: name, Err: fs.ErrNotExist}
	}
	return &partitionInfo{part: p}, nil
}

func (pfs *FS) findPartition(name string) *Partition {
	for _, p := range pfs.partitions {
		if p.Name == name {
			return p
		}
	}
	return nil
}

func cleanPath(name string) string {
	name = strings.Trim(name, "/")
	if name == "" {
		return "."
	}
	return name
}

type rootDir struct {
	pfs    *FS
	offset int
}

func (d *rootDir) Read(p []byte) (int, error) {
	return 0, &fs.PathError{Op: "read", Path: ".", Err: errors.New("is a directory")}
}

func (d *rootDir) Close() error {
	return nil
}

func (d *rootDir) Stat() (fs.FileInfo, error) {
	return &rootInfo{}, nil
}

func (d *rootDir) ReadDir(n int) ([]fs.DirEntry, error) {
	if d.offset >= len(d.pfs.partitions) {
		if n <= 0 {
			return nil, nil
		}
		return nil, io.EOF
	}
	if n <= 0 {
		n = len(d.pfs.partitions) - d.offset
	}
	end := d.offset + n
	if end > len(d.pfs.partitions) {
		end = len(d.pfs.partitions)
	}
	entries := make([]fs.DirEntry, 0, end-d.offset)
	for i := d.offset; i < end; i++ {
		entries = append(entries, &partitionEntry{part: d.pfs.partitions[i]})
	}
	d.offset = end
	return entries, nil
}

type rootInfo struct{}

func (rootInfo) Name() string       { return "." }
func (rootInfo) Size() int64        { return 0 }
func (rootInfo) Mode() fs.FileMode  { return fs.ModeDir | 0o755 }
func (rootInfo) ModTime() time.Time { return time.Time{} }
func (rootInfo) IsDir() bool        { return true }
func (rootInfo) Sys() any           { return nil }

type partitionEntry struct {
	part *Partition
}

func (e *partitionEntry) Name() string               { return e.part.Name }
func (e *partitionEntry) IsDir() bool                { return false }
func (e *partitionEntry) Type() fs.FileMode          { return 0 }
func (e *partitionEntry) Info() (fs.FileInfo, error) { return &partitionInfo{part: e.part}, nil }

type partitionInfo struct {
	part *Partition
}

func (i *partitionInfo) Name() string       { return i.part.Name }
func (i *partitionInfo) Size() int64        { return i.part.SizeBytes() }
func (i *partitionInfo) Mode() fs.FileMode  { return 0o444 }
func (i *partitionInfo) ModTime() time.Time { return time.Time{} }
func (i *partitionInfo) IsDir() bool        { return false }
func (i *partitionInfo) Sys() any           { return i.part }
func (i *partitionInfo) Inode() uint64      { return uint64(i.part.Index) }

type partitionFile struct {
	pfs    *FS
	part   *Partition
	offset int64
}

func (f *partitionFile) Stat() (fs.FileInfo, error) {
	return &partitionInfo{part: f.part}, nil
}

func (f *partitionFile) Read(p []byte) (int, error) {
	if f.offset >= f.part.SizeBytes() {
		return 0, io.EOF
	}
	if max := f.part.SizeBytes() - f.offset; int64(len(p)) > max {
		p = p[:max]
	}
	n, err := f.pfs.r.ReadAt(p, f.part.StartOffset()+f.offset)
	f.offset += int64(n)
	return n, err
}

func (f *partitionFile) Close() error {
	return nil
}

// TypeString returns a human-readable partition type name.
func TypeString(p *Partition) string {
	if p.Type != 0 {
		switch p.Type {
		case 0x01:
			return "FAT12"
		case 0x04, 0x06, 0x0E:
			return "FAT16"
		case 0x0B, 0x0C:
			return "FAT32"
		case 0x07:
			return "NTFS/exFAT"
		case 0x05, 0x0F:
			return "Extended"
		case 0x82:
			return "Linux swap"
		case 0x83:
			return "Linux"
		case 0x8E:
			return "Linux LVM"
		case 0xEE:
			return "GPT Protective"
		case 0xEF:
			return "EFI System"
		default:
			return fmt.Sprintf("0x%02X", p.Type)
		}
	}

	guid := formatGUID(p.TypeGUID)
	switch guid {
	case "C12A7328-F81F-11D2-BA4B-00A0C93EC93B":
		return "EFI System"
	case "EBD0A0A2-B9E5-4433-87C0-68B6B72699C7":
		return "Basic Data"
	case "0FC63DAF-8483-4772-8E79-3D69D8477DE4":
		return "Linux Filesystem"
	case "0657FD6D-A4AB-43C4-84E5-0933C84B4F4F":
		return "Linux Swap"
	case "E6D6D379-F507-44C2-A23C-238F2A3DF928":
		return "Linux LVM"
	case "A19D880F-05FC-4D3B-A006-743F0F84911E":
		return "Linux RAID"
	case "21686148-6449-6E6F-744E-656564454649":
		return "BIOS Boot"
	default:
		return guid
	}
}

// formatGUID renders the mixed-endian on-disk GUID layout.
func formatGUID(guid [16]byte) string {
	return fmt.Sprintf("%08X-%04X-%04X-%02X%02X-%02X%02X%02X%02X%02X%02X",
		binary.LittleEndian.Uint32(guid[0:4]),
		binary.LittleEndian.Uint16(guid[4:6]),
		binary.LittleEndian.Uint16(guid[6:8]),
		guid[8], guid[9],
		guid[10], guid[11], guid[12], guid[13], guid[14], guid[15])
}
