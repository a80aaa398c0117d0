// sqfs reads SquashFS images, directly or inside a partitioned disk
// image.
//
//	sqfs ls [-l] [-a] <image> [path]
//	sqfs cat <image> <path>
//	sqfs stat <image> <path>
//	sqfs info <image>
//	sqfs serve --listen <socket> <image>
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/luuk/sqfs/cmd"
	"github.com/luuk/sqfs/detect"
	"github.com/luuk/sqfs/fsys"
	"github.com/luuk/sqfs/fsys/part"
	"github.com/luuk/sqfs/fsys/squashfs"
	"github.com/luuk/sqfs/nbd"
)

func main() {
	if err := app().Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "sqfs: %v\n", err)
		os.Exit(1)
	}
}

func app() *cli.App {
	return &cli.App{
		Name:  "sqfs",
		Usage: "read SquashFS images and the partition tables around them",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:    "verbose",
				Aliases: []string{"v"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  "part",
				Usage: "descend into partition `NAME` (e.g. p0)",
			},
			&cli.IntFlag{
				Name:  "sector-size",
				Usage: "device sector size in `BYTES`",
				Value: 512,
			},
		},
		Before: func(c *cli.Context) error {
			if c.Bool("verbose") {
				logrus.SetLevel(logrus.DebugLevel)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:      "ls",
				Usage:     "list a directory",
				ArgsUsage: "<image> [path]",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "long", Aliases: []string{"l"}, Usage: "long format"},
					&cli.BoolFlag{Name: "all", Aliases: []string{"a"}, Usage: "include dotfiles"},
				},
				Action: func(c *cli.Context) error {
					return withFS(c, func(f fsys.FS) error {
						p := c.Args().Get(1)
						if p == "" {
							p = "."
						}
						return cmd.Ls(f, p, c.App.Writer, cmd.LsOptions{
							Long: c.Bool("long"),
							All:  c.Bool("all"),
						})
					})
				},
			},
			{
				Name:      "cat",
				Usage:     "copy a file to stdout",
				ArgsUsage: "<image> <path>",
				Action: func(c *cli.Context) error {
					if c.NArg() < 2 {
						return errors.New("usage: sqfs cat <image> <path>")
					}
					return withFS(c, func(f fsys.FS) error {
						return cmd.Cat(f, c.Args().Get(1), c.App.Writer)
					})
				},
			},
			{
				Name:      "stat",
				Usage:     "show file details",
				ArgsUsage: "<image> <path>",
				Action: func(c *cli.Context) error {
					if c.NArg() < 2 {
						return errors.New("usage: sqfs stat <image> <path>")
					}
					return withFS(c, func(f fsys.FS) error {
						return cmd.Stat(f, c.Args().Get(1), c.App.Writer)
					})
				},
			},
			{
				Name:      "info",
				Usage:     "show superblock or partition table details",
				ArgsUsage: "<image>",
				Action: func(c *cli.Context) error {
					return withFS(c, func(f fsys.FS) error {
						return cmd.Info(f, c.App.Writer)
					})
				},
			},
			{
				Name:      "serve",
				Usage:     "serve the image as a read-only network block device",
				ArgsUsage: "<image>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "listen",
						Usage:    "unix socket `PATH`",
						Required: true,
					},
				},
				Action: serveAction,
			},
		},
	}
}

// openImage opens the image file, applies --part when the image is a
// partitioned disk, and returns a reader positioned on the content to
// mount.
func openImage(c *cli.Context) (io.ReaderAt, int64, func(), error) {
	if c.NArg() < 1 {
		return nil, 0, nil, errors.New("image path required")
	}
	file, err := os.Open(c.Args().First())
	if err != nil {
		return nil, 0, nil, err
	}
	closer := func() { file.Close() }

	info, err := file.Stat()
	if err != nil {
		closer()
		return nil, 0, nil, err
	}
	r, size := io.ReaderAt(file), info.Size()

	typ, err := detect.Detect(r)
	if err != nil {
		closer()
		return nil, 0, nil, err
	}
	logrus.WithField("type", typ).Debug("detected image content")

	partName := c.String("part")
	if !typ.IsPartitionTable() {
		if partName != "" {
			closer()
			return nil, 0, nil, errors.Errorf("--part given but image has no partition table")
		}
		return r, size, closer, nil
	}
	if partName == "" {
		return r, size, closer, nil
	}

	pfs, err := part.Open(r, size, typ)
	if err != nil {
		closer()
		return nil, 0, nil, err
	}
	var target *part.Partition
	for _, p := range pfs.Partitions() {
		if p.Name == partName {
			target = p
		}
	}
	if target == nil {
		closer()
		return nil, 0, nil, errors.Errorf("no partition %q", partName)
	}
	return io.NewSectionReader(r, target.StartOffset(), target.SizeBytes()),
		target.SizeBytes(), closer, nil
}

// withFS mounts the filesystem found in the image (a SquashFS, or
// the partition table itself when no --part is given) and runs fn.
func withFS(c *cli.Context, fn func(fsys.FS) error) error {
	r, size, closer, err := openImage(c)
	if err != nil {
		return err
	}
	defer closer()

	typ, err := detect.Detect(r)
	if err != nil {
		return err
	}

	var f fsys.FS
	switch {
	case typ == detect.SquashFS:
		if ss := c.Int("sector-size"); ss != 512 {
			f, err = squashfs.Mount(squashfs.NewReaderAtDevice(r, ss))
		} else {
			f, err = squashfs.Open(r, size)
		}
	case typ.IsPartitionTable():
		f, err = part.Open(r, size, typ)
	default:
		return errors.New("no SquashFS or partition table found")
	}
	if err != nil {
		return err
	}
	if f == nil {
		return errors.New("unrecognized image content")
	}
	defer f.Close()

	return fn(f)
}

func serveAction(c *cli.Context) error {
	r, size, closer, err := openImage(c)
	if err != nil {
		return err
	}
	defer closer()

	srv := nbd.NewServer(c.String("listen"))
	if err := srv.AddExport(&nbd.Export{
		Name:   "image",
		Reader: r,
		Size:   size,
	}); err != nil {
		return err
	}
	return srv.Serve()
}
