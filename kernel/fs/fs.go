// Package fs defines the filesystem abstraction native processes and
// emulated DOS programs both go through to open, read and list files, and
// keeps the registry that maps a drive letter to the FileSystem instance
// backing it. Every concrete implementation (kernel/fs/fat12,
// kernel/fs/cpio, kernel/fs/pipe, kernel/fs/dev) is read-only or
// special-purpose; there is no writable on-disk filesystem in this kernel.
package fs

import (
	"nx32/kernel"
	"nx32/kernel/errors"
)

// File is an open handle to a byte stream: a regular file, a pipe end, or
// a virtual device node.
type File interface {
	Read(buf []byte) (int, *kernel.Error)
	Write(buf []byte) (int, *kernel.Error)
	Seek(offset int64, whence int) (int64, *kernel.Error)
	Close() *kernel.Error
}

// Seek whence values, matching the io.Seeker convention processes expect
// from the read/write/seek syscalls.
const (
	SeekStart   = 0
	SeekCurrent = 1
	SeekEnd     = 2
)

// EntryType classifies a directory entry returned by ReadDir.
type EntryType uint8

const (
	// EntryFile is a regular file.
	EntryFile EntryType = iota
	// EntryDir is a directory.
	EntryDir
)

// DirEntry describes one entry returned by FileSystem.ReadDir.
type DirEntry struct {
	Name string
	Type EntryType
	Size uint32
}

// Stat describes a file or directory's metadata, as returned by
// FileSystem.Stat.
type Stat struct {
	Name string
	Type EntryType
	Size uint32
}

// FileSystem is implemented by each concrete filesystem driver. Paths
// passed to it are always drive-relative (the drive letter and colon, if
// any, are stripped by Open/ReadDir/StatPath below).
type FileSystem interface {
	// Open returns a File for path, which must name a regular file.
	Open(path string) (File, *kernel.Error)

	// ReadDir lists the entries of the directory named by path ("" or "/"
	// for the root).
	ReadDir(path string) ([]DirEntry, *kernel.Error)

	// Stat returns metadata for path without opening it.
	Stat(path string) (Stat, *kernel.Error)
}

var drives = make(map[byte]FileSystem)

// Mount registers fsys as the filesystem backing drive (an uppercase ASCII
// letter, e.g. 'A' for the boot floppy or 'I' for the initfs CPIO image).
// Mounting the same letter twice replaces the previous filesystem.
func Mount(drive byte, fsys FileSystem) {
	drives[drive] = fsys
}

// Unmount removes drive from the registry. It is a no-op if drive was not
// mounted.
func Unmount(drive byte) {
	delete(drives, drive)
}

// Lookup returns the filesystem mounted at drive.
func Lookup(drive byte) (FileSystem, *kernel.Error) {
	fsys, ok := drives[drive]
	if !ok {
		return nil, errors.ErrNoSuchDrive
	}
	return fsys, nil
}

// SplitDrive splits a "C:/path/to/file" style path into its drive letter
// and the remaining drive-relative path. A path with no leading "X:"
// prefix is rejected; this kernel has no notion of a current drive to
// default to.
func SplitDrive(path string) (drive byte, rest string, err *kernel.Error) {
	if len(path) < 2 || path[1] != ':' {
		return 0, "", errors.ErrNoSuchEntity
	}
	drive = upper(path[0])
	rest = path[2:]
	for len(rest) > 0 && rest[0] == '/' {
		rest = rest[1:]
	}
	return drive, rest, nil
}

func upper(b byte) byte {
	if b >= 'a' && b <= 'z' {
		return b - 'a' + 'A'
	}
	return b
}

// Open resolves a "X:/path" style path through the drive registry and
// opens it on the owning filesystem.
func Open(path string) (File, *kernel.Error) {
	drive, rest, err := SplitDrive(path)
	if err != nil {
		return nil, err
	}
	fsys, err := Lookup(drive)
	if err != nil {
		return nil, err
	}
	return fsys.Open(rest)
}

// ReadDir resolves a "X:/path" style path and lists its entries.
func ReadDir(path string) ([]DirEntry, *kernel.Error) {
	drive, rest, err := SplitDrive(path)
	if err != nil {
		return nil, err
	}
	fsys, err := Lookup(drive)
	if err != nil {
		return nil, err
	}
	return fsys.ReadDir(rest)
}

// StatPath resolves a "X:/path" style path and stats it.
func StatPath(path string) (Stat, *kernel.Error) {
	drive, rest, err := SplitDrive(path)
	if err != nil {
		return Stat{}, err
	}
	fsys, err := Lookup(drive)
	if err != nil {
		return Stat{}, err
	}
	return fsys.Stat(rest)
}
