package squashfs

import (
	"io"
	"strings"

	"github.com/pkg/errors"
)

// splitPath normalizes a slash-separated path into its components.
// Leading and trailing slashes and empty components are dropped, so
// "", "/", and "//" all name the root.
func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return parts
}

// lookup resolves a path to its inode, walking the directory tree
// from the root.
func (f *FS) lookup(path string) (*inode, error) {
	in := f.root
	for _, name := range splitPath(path) {
		child, err := f.lookupChild(in, name)
		if err != nil {
			return nil, errors.Wrapf(err, "%q", path)
		}
		in = child
	}
	return in, nil
}

// lookupChild finds the named entry in the directory inode dir and
// decodes the child inode.
func (f *FS) lookupChild(dir *inode, name string) (*inode, error) {
	if !dir.isDir() {
		return nil, ErrNotADirectory
	}
	if dir.fileSize <= 3 {
		return nil, ErrEmptyDirectory
	}
	d, err := f.openDirInode(dir)
	if err != nil {
		return nil, err
	}
	defer d.Close()
	for {
		e, err := d.Readdir()
		if err == io.EOF {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		if e.Name == name {
			return f.inodeAt(e.startBlock, e.offset)
		}
	}
}
