// Package cpio is a read-only driver for the "odc" (POSIS portable ASCII)
// cpio archive format cmd/mkimage/internal/cpio writes. The kernel mounts
// an archive of this format, resident in memory as a multiboot module, as
// its initial RAM filesystem.
package cpio

import (
	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/fs"
)

const (
	magic       = "070707"
	headerLen   = 76
	trailerName = "TRAILER!!!"

	// field offsets within a header: magic(6) + 7 six-digit octal fields
	// (dev,ino,mode,uid,gid,nlink,rdev) + mtime(11) + namesize(6) +
	// filesize(11), matching the Sprintf layout cmd/mkimage/internal/cpio
	// writes.
	mtimeOffset    = 6 + 7*6
	namesizeOffset = mtimeOffset + 11
	filesizeOffset = namesizeOffset + 6
)

type rawEntry struct {
	name string
	data []byte
}

// FS is a mounted, fully-indexed CPIO archive. Every entry's name and data
// slice is resolved once in New, since the format provides no index and
// entries must be scanned sequentially to be found at all.
type FS struct {
	entries map[string]rawEntry
}

// New scans image, an in-memory odc archive, and returns a FileSystem over
// its entries. It does not copy the file data out of image.
func New(image []byte) (*FS, *kernel.Error) {
	f := &FS{entries: make(map[string]rawEntry)}

	off := 0
	for {
		if off+headerLen > len(image) {
			return nil, errors.ErrInvalidHeader
		}
		if string(image[off:off+6]) != magic {
			return nil, errors.ErrInvalidHeader
		}

		nameSize, ok1 := parseOctal(image[off+namesizeOffset : off+namesizeOffset+6])
		fileSize, ok2 := parseOctal(image[off+filesizeOffset : off+filesizeOffset+11])
		if !ok1 || !ok2 {
			return nil, errors.ErrInvalidHeader
		}

		nameStart := off + headerLen
		if nameStart+nameSize > len(image) {
			return nil, errors.ErrInvalidHeader
		}
		name := trimNUL(image[nameStart : nameStart+nameSize])

		dataStart := nameStart + nameSize
		if dataStart+fileSize > len(image) {
			return nil, errors.ErrInvalidHeader
		}
		data := image[dataStart : dataStart+fileSize]

		if name == trailerName {
			break
		}
		f.entries[name] = rawEntry{name: name, data: data}
		off = dataStart + fileSize
	}

	return f, nil
}

func parseOctal(b []byte) (int, bool) {
	v := 0
	for _, c := range b {
		if c < '0' || c > '7' {
			return 0, false
		}
		v = v*8 + int(c-'0')
	}
	return v, true
}

func trimNUL(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// ReadDir lists every archived file; the odc format carries no directory
// structure, so this always returns the full flat entry set regardless of
// path.
func (f *FS) ReadDir(path string) ([]fs.DirEntry, *kernel.Error) {
	out := make([]fs.DirEntry, 0, len(f.entries))
	for name, e := range f.entries {
		out = append(out, fs.DirEntry{Name: name, Type: fs.EntryFile, Size: uint32(len(e.data))})
	}
	return out, nil
}

// Stat looks path up by exact archived name.
func (f *FS) Stat(path string) (fs.Stat, *kernel.Error) {
	e, ok := f.entries[path]
	if !ok {
		return fs.Stat{}, errors.ErrNoSuchEntity
	}
	return fs.Stat{Name: e.name, Type: fs.EntryFile, Size: uint32(len(e.data))}, nil
}

// Open returns a read-only File over the archived entry's data.
func (f *FS) Open(path string) (fs.File, *kernel.Error) {
	e, ok := f.entries[path]
	if !ok {
		return nil, errors.ErrNoSuchEntity
	}
	return &file{data: e.data}, nil
}

type file struct {
	data   []byte
	offset int64
	closed bool
}

func (fl *file) Read(buf []byte) (int, *kernel.Error) {
	if fl.closed {
		return 0, errors.ErrBadFileDescriptor
	}
	if fl.offset >= int64(len(fl.data)) {
		return 0, nil
	}
	n := copy(buf, fl.data[fl.offset:])
	fl.offset += int64(n)
	return n, nil
}

func (fl *file) Write(buf []byte) (int, *kernel.Error) {
	return 0, errors.ErrUnsupportedCommand
}

func (fl *file) Seek(offset int64, whence int) (int64, *kernel.Error) {
	var base int64
	switch whence {
	case fs.SeekStart:
		base = 0
	case fs.SeekCurrent:
		base = fl.offset
	case fs.SeekEnd:
		base = int64(len(fl.data))
	default:
		return 0, errors.ErrInvalidSeek
	}
	newOffset := base + offset
	if newOffset < 0 {
		return 0, errors.ErrInvalidSeek
	}
	fl.offset = newOffset
	return fl.offset, nil
}

func (fl *file) Close() *kernel.Error {
	fl.closed = true
	return nil
}
