package squashfs

import "errors"

// Sentinel errors returned by the driver. Callers match them with
// errors.Is; wrapped variants carry context about the failing table
// or path.
var (
	// ErrBadMagic means the superblock magic did not match.
	ErrBadMagic = errors.New("squashfs: bad magic")

	// ErrUnsupportedCodec means the image uses a compression codec
	// that is not built into this driver.
	ErrUnsupportedCodec = errors.New("squashfs: unsupported compression codec")

	// ErrCorrupt covers any format-consistency violation: a bad
	// metadata-block header, a failed decompression, an inode walk
	// that overruns the table, a directory stream that overruns its
	// listing, or a fragment index out of range.
	ErrCorrupt = errors.New("squashfs: corrupt image")

	// ErrNotFound means a path component does not exist.
	ErrNotFound = errors.New("squashfs: not found")

	// ErrNotADirectory means a path component resolved to a
	// non-directory inode.
	ErrNotADirectory = errors.New("squashfs: not a directory")

	// ErrEmptyDirectory means path resolution had to descend into a
	// directory that holds no entries.
	ErrEmptyDirectory = errors.New("squashfs: empty directory")

	// ErrUnsupportedType means a read was attempted on an inode that
	// is not a regular file.
	ErrUnsupportedType = errors.New("squashfs: unsupported inode type")

	// ErrLengthExceedsFile means the caller asked for more bytes than
	// the file holds.
	ErrLengthExceedsFile = errors.New("squashfs: length exceeds file size")
)
