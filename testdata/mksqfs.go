//go:build ignore

// mksqfs generates test images: plain SquashFS images built with
// mksquashfs (one gzip, one zstd), and an MBR-partitioned disk with
// the gzip image in its first partition.
//
//	go run mksqfs.go
package main

import (
	"encoding/binary"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "mksqfs: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	tree, err := os.MkdirTemp("", "mksqfs")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tree)

	if err := populate(tree); err != nil {
		return err
	}

	if err := mksquashfs(tree, "squashfs.img", "-comp", "gzip"); err != nil {
		return err
	}
	if err := mksquashfs(tree, "squashfs-zstd.img", "-comp", "zstd"); err != nil {
		return err
	}
	return mkMBRDisk("squashfs.img", "mbr-disk.img")
}

func populate(root string) error {
	files := map[string]string{
		"readme.txt":        "hello from the test image\n",
		"docs/manual.txt":   "manual contents\n",
		"docs/sub/deep.txt": "deeply nested\n",
	}
	for name, content := range files {
		p := filepath.Join(root, name)
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}

	// A file spanning several blocks plus a fragment tail.
	big := make([]byte, 300*1024+500)
	for i := range big {
		big[i] = byte(i * 7)
	}
	if err := os.WriteFile(filepath.Join(root, "big.bin"), big, 0o644); err != nil {
		return err
	}

	return os.Symlink("readme.txt", filepath.Join(root, "link"))
}

func mksquashfs(tree, out string, args ...string) error {
	cmd := exec.Command("mksquashfs",
		append([]string{tree, out, "-noappend", "-all-root"}, args...)...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	return cmd.Run()
}

// mkMBRDisk embeds the squashfs image as the single partition of an
// MBR disk, aligned to LBA 2048.
func mkMBRDisk(sqfs, out string) error {
	content, err := os.ReadFile(sqfs)
	if err != nil {
		return err
	}

	const startLBA = 2048
	sizeLBA := (len(content) + 511) / 512
	disk := make([]byte, (startLBA+sizeLBA)*512)

	entry := disk[446:462]
	entry[4] = 0x83
	binary.LittleEndian.PutUint32(entry[8:12], startLBA)
	binary.LittleEndian.PutUint32(entry[12:16], uint32(sizeLBA))
	disk[510] = 0x55
	disk[511] = 0xAA

	copy(disk[startLBA*512:], content)
	return os.WriteFile(out, disk, 0o644)
}
