package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/luuk/sqfs/fsys"
	"github.com/luuk/sqfs/fsys/part"
	"github.com/luuk/sqfs/fsys/squashfs"
)

// Info prints a summary of the opened filesystem: superblock fields
// for SquashFS, the partition listing for a partition table.
func Info(filesystem fsys.FS, out io.Writer) error {
	switch f := filesystem.(type) {
	case *squashfs.FS:
		printSuperblock(f.Superblock(), out)
	case *part.FS:
		fmt.Fprint(out, f.Info())
	default:
		fmt.Fprintf(out, "Type: %s\n", filesystem.Type())
	}

	if fb, ok := filesystem.(fsys.FreeBlocker); ok {
		free, err := fb.FreeBlocks()
		if err != nil {
			return err
		}
		var total int64
		for _, r := range free {
			total += r.Size()
		}
		fmt.Fprintf(out, "\nFree: %d bytes in %d ranges\n", total, len(free))
	}
	return nil
}

func printSuperblock(sb squashfs.Info, out io.Writer) {
	fmt.Fprintf(out, "      Type: squashfs %d.%d\n", sb.Version[0], sb.Version[1])
	fmt.Fprintf(out, "    Inodes: %d\n", sb.Inodes)
	fmt.Fprintf(out, "   Created: %s\n", sb.MkfsTime)
	fmt.Fprintf(out, "Block size: %d\n", sb.BlockSize)
	fmt.Fprintf(out, " Fragments: %d\n", sb.Fragments)
	fmt.Fprintf(out, "     Codec: %s\n", sb.Codec)
	fmt.Fprintf(out, "Bytes used: %d\n", sb.BytesUsed)
	fmt.Fprintf(out, "     Flags: %s\n", strings.Join(sb.Flags, ", "))
}
