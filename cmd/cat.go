package cmd

import (
	"fmt"
	"io"
	"io/fs"

	"github.com/pkg/errors"

	"github.com/luuk/sqfs/fsys"
)

// Cat copies a file's content to out. When the filesystem maps the
// file to extents and also exposes its image through BaseReader, the
// bytes are streamed straight off the image; otherwise the file is
// read through Open.
func Cat(filesystem fsys.FS, fsPath string, out io.Writer) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}
	if info.IsDir() {
		return errors.Errorf("%s: is a directory", fsPath)
	}
	size := info.Size()

	if em, ok := filesystem.(fsys.ExtentMapper); ok {
		if br, ok := filesystem.(interface{ BaseReader() io.ReaderAt }); ok {
			extents, err := em.FileExtents(fsPath)
			if err == nil && len(extents) > 0 {
				return streamFromReaderAt(
					fsys.NewExtentReaderAt(br.BaseReader(), extents, size),
					size, out)
			}
		}
	}

	file, err := filesystem.Open(fsPath)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = io.Copy(out, file)
	return err
}

func streamFromReaderAt(r io.ReaderAt, size int64, out io.Writer) error {
	buf := make([]byte, 64*1024)
	for off := int64(0); off < size; {
		chunk := buf
		if rest := size - off; rest < int64(len(chunk)) {
			chunk = chunk[:rest]
		}
		n, err := r.ReadAt(chunk, off)
		if n > 0 {
			if _, werr := out.Write(chunk[:n]); werr != nil {
				return werr
			}
			off += int64(n)
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// Stat prints detailed information about a single entry.
func Stat(filesystem fsys.FS, fsPath string, out io.Writer) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "   File: %s\n", info.Name())
	fmt.Fprintf(out, "   Size: %d\n", info.Size())
	fmt.Fprintf(out, "   Mode: %s\n", info.Mode())
	fmt.Fprintf(out, "ModTime: %s\n", info.ModTime())
	if fi, ok := info.(fsys.FileInfo); ok {
		fmt.Fprintf(out, "  Inode: %d\n", fi.Inode())
	}
	return nil
}
