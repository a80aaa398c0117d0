// Package cmd implements the sqfs subcommands against an fsys.FS.
package cmd

import (
	"fmt"
	"io"
	"io/fs"
	"path"
	"strings"

	"github.com/luuk/sqfs/fsys"
)

// LsOptions controls ls output.
type LsOptions struct {
	Long bool // -l
	All  bool // -a, include dotfiles
}

// Ls lists a directory, or shows a single entry when the path names
// a file.
func Ls(filesystem fsys.FS, fsPath string, out io.Writer, opts LsOptions) error {
	fsPath = normalizePath(fsPath)

	info, err := fs.Stat(filesystem, fsPath)
	if err != nil {
		return err
	}
	if !info.IsDir() {
		printEntry(info, out, opts.Long)
		return nil
	}

	entries, err := fs.ReadDir(filesystem, fsPath)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !opts.All && strings.HasPrefix(name, ".") {
			continue
		}
		if opts.Long {
			info, err := entry.Info()
			if err != nil {
				fmt.Fprintf(out, "%-10s %12s %s\n", "?????????", "?", name)
				continue
			}
			printLongFormat(info, out)
			continue
		}
		if entry.IsDir() {
			name += "/"
		}
		fmt.Fprintln(out, name)
	}
	return nil
}

func normalizePath(p string) string {
	p = strings.TrimPrefix(p, "/")
	if p == "" {
		return "."
	}
	return path.Clean(p)
}

func printEntry(info fs.FileInfo, out io.Writer, long bool) {
	if long {
		printLongFormat(info, out)
		return
	}
	fmt.Fprintln(out, info.Name())
}

func printLongFormat(info fs.FileInfo, out io.Writer) {
	var inode string
	if fi, ok := info.(fsys.FileInfo); ok {
		inode = fmt.Sprintf("%8d ", fi.Inode())
	}
	fmt.Fprintf(out, "%s%s %12d %s %s\n",
		inode, info.Mode(), info.Size(),
		info.ModTime().Format("Jan _2 15:04"), info.Name())
}
