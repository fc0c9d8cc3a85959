// Package dev is the virtual "DEV:" filesystem: a handful of well-known
// device files (NULL, CONSOLE) that every process can open regardless of
// what is mounted on the boot or initfs drives, mirroring how DOS programs
// expect CON/NUL to always resolve.
package dev

import (
	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/fs"
	"nx32/kernel/kfmt"
)

// FS is the DEV: filesystem. It has no backing storage; every file it
// serves is a fixed device implemented in this package.
type FS struct{}

// New returns the DEV: filesystem.
func New() *FS { return &FS{} }

func (FS) ReadDir(path string) ([]fs.DirEntry, *kernel.Error) {
	if path != "" && path != "/" {
		return nil, errors.ErrNotDirectory
	}
	return []fs.DirEntry{
		{Name: "NULL", Type: fs.EntryFile},
		{Name: "CONSOLE", Type: fs.EntryFile},
	}, nil
}

func (f FS) Stat(path string) (fs.Stat, *kernel.Error) {
	switch path {
	case "NULL", "CONSOLE":
		return fs.Stat{Name: path, Type: fs.EntryFile}, nil
	default:
		return fs.Stat{}, errors.ErrNoSuchEntity
	}
}

func (f FS) Open(path string) (fs.File, *kernel.Error) {
	switch path {
	case "NULL":
		return nullFile{}, nil
	case "CONSOLE":
		return consoleFile{}, nil
	default:
		return nil, errors.ErrNoSuchEntity
	}
}

// nullFile discards every write and reports EOF on every read, the same
// semantics /dev/null and DOS' NUL device both have.
type nullFile struct{}

func (nullFile) Read(buf []byte) (int, *kernel.Error)                 { return 0, nil }
func (nullFile) Write(buf []byte) (int, *kernel.Error)                { return len(buf), nil }
func (nullFile) Seek(offset int64, whence int) (int64, *kernel.Error) { return 0, nil }
func (nullFile) Close() *kernel.Error                                 { return nil }

// consoleFile writes through to the kernel's active Printf sink. Reading
// from it is not wired to a keyboard input queue yet, so it always reports
// no data available rather than blocking.
type consoleFile struct{}

func (consoleFile) Read(buf []byte) (int, *kernel.Error) { return 0, nil }

func (consoleFile) Write(buf []byte) (int, *kernel.Error) {
	kfmt.Printf("%s", buf)
	return len(buf), nil
}

func (consoleFile) Seek(offset int64, whence int) (int64, *kernel.Error) {
	return 0, errors.ErrInvalidSeek
}

func (consoleFile) Close() *kernel.Error { return nil }

var (
	_ fs.File       = nullFile{}
	_ fs.File       = consoleFile{}
	_ fs.FileSystem = FS{}
)
