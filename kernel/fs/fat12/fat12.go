// Package fat12 is a read-only driver for the FAT12 floppy image format
// cmd/mkimage/internal/fat12 produces: a boot sector/BPB, two file
// allocation tables, a flat root directory (no subdirectories) and a data
// region. It is mounted as the boot drive.
package fat12

import (
	"encoding/binary"

	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/fs"
)

const (
	dirEntrySize = 32
	attrDir      = 0x10
	attrVolumeID = 0x08
	eocThreshold = 0xFF8
)

// FS is a mounted FAT12 volume backed by a flat in-memory image, typically
// the boot floppy multiboot loads alongside the kernel.
type FS struct {
	image []byte

	bytesPerSector    uint16
	sectorsPerCluster uint8
	reservedSectors   uint16
	numFATs           uint8
	rootEntries       uint16
	sectorsPerFAT     uint16
}

// New parses the BIOS parameter block embedded in image and returns a
// FileSystem that reads through it. It does not copy image.
func New(image []byte) (*FS, *kernel.Error) {
	if len(image) < 512 || image[510] != 0x55 || image[511] != 0xAA {
		return nil, errors.ErrInvalidHeader
	}

	f := &FS{
		image:             image,
		bytesPerSector:    binary.LittleEndian.Uint16(image[11:13]),
		sectorsPerCluster: image[13],
		reservedSectors:   binary.LittleEndian.Uint16(image[14:16]),
		numFATs:           image[16],
		rootEntries:       binary.LittleEndian.Uint16(image[17:19]),
		sectorsPerFAT:     binary.LittleEndian.Uint16(image[22:24]),
	}
	if f.bytesPerSector == 0 || f.sectorsPerCluster == 0 {
		return nil, errors.ErrInvalidHeader
	}
	return f, nil
}

func (f *FS) rootDirSectors() int {
	return (int(f.rootEntries)*dirEntrySize + int(f.bytesPerSector) - 1) / int(f.bytesPerSector)
}

func (f *FS) firstRootDirSector() int {
	return int(f.reservedSectors) + int(f.numFATs)*int(f.sectorsPerFAT)
}

func (f *FS) firstDataSector() int {
	return f.firstRootDirSector() + f.rootDirSectors()
}

func (f *FS) rootDir() []byte {
	start := f.firstRootDirSector() * int(f.bytesPerSector)
	size := f.rootDirSectors() * int(f.bytesPerSector)
	return f.image[start : start+size]
}

func (f *FS) clusterOffset(cluster int) int {
	sector := f.firstDataSector() + (cluster-2)*int(f.sectorsPerCluster)
	return sector * int(f.bytesPerSector)
}

func (f *FS) clusterSize() int {
	return int(f.sectorsPerCluster) * int(f.bytesPerSector)
}

// nextCluster reads the 12-bit FAT entry for cluster from the first FAT
// copy.
func (f *FS) nextCluster(cluster int) uint16 {
	fatStart := int(f.reservedSectors) * int(f.bytesPerSector)
	offset := fatStart + cluster + cluster/2
	b0, b1 := f.image[offset], f.image[offset+1]
	if cluster%2 == 0 {
		return uint16(b0) | (uint16(b1&0x0F) << 8)
	}
	return (uint16(b0) >> 4) | (uint16(b1) << 4)
}

type dirEntry struct {
	name83       [11]byte
	attr         byte
	firstCluster uint16
	size         uint32
}

func parseDirEntry(raw []byte) dirEntry {
	var e dirEntry
	copy(e.name83[:], raw[0:11])
	e.attr = raw[11]
	e.firstCluster = binary.LittleEndian.Uint16(raw[26:28])
	e.size = binary.LittleEndian.Uint32(raw[28:32])
	return e
}

func (e dirEntry) displayName() string {
	base := trimTrailingSpaces(e.name83[0:8])
	ext := trimTrailingSpaces(e.name83[8:11])
	if ext == "" {
		return base
	}
	return base + "." + ext
}

func trimTrailingSpaces(b []byte) string {
	n := len(b)
	for n > 0 && b[n-1] == ' ' {
		n--
	}
	return string(b[:n])
}

func to83(name string) [11]byte {
	var out [11]byte
	for i := range out {
		out[i] = ' '
	}
	base, ext := name, ""
	for i := 0; i < len(name); i++ {
		if name[i] == '.' {
			base, ext = name[:i], name[i+1:]
			break
		}
	}
	copy(out[0:8], toUpperBytes(base))
	copy(out[8:11], toUpperBytes(ext))
	return out
}

func toUpperBytes(s string) []byte {
	out := make([]byte, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'a' && c <= 'z' {
			c -= 'a' - 'A'
		}
		out[i] = c
	}
	return out
}

func (f *FS) entries() []dirEntry {
	raw := f.rootDir()
	var out []dirEntry
	for off := 0; off+dirEntrySize <= len(raw); off += dirEntrySize {
		if raw[off] == 0x00 || raw[off] == 0xE5 {
			continue // free or deleted entry
		}
		e := parseDirEntry(raw[off : off+dirEntrySize])
		if e.attr&attrVolumeID != 0 {
			continue
		}
		out = append(out, e)
	}
	return out
}

func (f *FS) find(name string) (dirEntry, bool) {
	want := to83(name)
	for _, e := range f.entries() {
		if e.name83 == want {
			return e, true
		}
	}
	return dirEntry{}, false
}

// ReadDir lists the flat root directory. This driver never builds
// subdirectories, so path must be "" or "/".
func (f *FS) ReadDir(path string) ([]fs.DirEntry, *kernel.Error) {
	if path != "" && path != "/" {
		return nil, errors.ErrNotDirectory
	}
	var out []fs.DirEntry
	for _, e := range f.entries() {
		typ := fs.EntryFile
		if e.attr&attrDir != 0 {
			typ = fs.EntryDir
		}
		out = append(out, fs.DirEntry{Name: e.displayName(), Type: typ, Size: e.size})
	}
	return out, nil
}

// Stat looks path up in the root directory without opening it.
func (f *FS) Stat(path string) (fs.Stat, *kernel.Error) {
	e, ok := f.find(path)
	if !ok {
		return fs.Stat{}, errors.ErrNoSuchEntity
	}
	return fs.Stat{Name: e.displayName(), Type: fs.EntryFile, Size: e.size}, nil
}

// Open returns a read-only File over the named file's cluster chain.
func (f *FS) Open(path string) (fs.File, *kernel.Error) {
	e, ok := f.find(path)
	if !ok {
		return nil, errors.ErrNoSuchEntity
	}
	if e.attr&attrDir != 0 {
		return nil, errors.ErrNotDirectory
	}
	return &file{fsys: f, entry: e}, nil
}

// file is an open handle into one fat12 file's cluster chain.
type file struct {
	fsys   *FS
	entry  dirEntry
	offset int64
	closed bool
}

func (fl *file) Read(buf []byte) (int, *kernel.Error) {
	if fl.closed {
		return 0, errors.ErrBadFileDescriptor
	}
	if fl.offset >= int64(fl.entry.size) {
		return 0, nil
	}

	clusterSize := int64(fl.fsys.clusterSize())
	cluster := int(fl.entry.firstCluster)
	clustersToSkip := fl.offset / clusterSize
	for i := int64(0); i < clustersToSkip; i++ {
		cluster = int(fl.fsys.nextCluster(cluster))
		if cluster >= eocThreshold {
			return 0, nil
		}
	}

	total := 0
	withinCluster := int(fl.offset % clusterSize)
	for total < len(buf) && fl.offset < int64(fl.entry.size) && cluster < eocThreshold {
		base := fl.fsys.clusterOffset(cluster)
		avail := int(clusterSize) - withinCluster
		remaining := int(int64(fl.entry.size) - fl.offset)
		if remaining < avail {
			avail = remaining
		}
		n := copy(buf[total:], fl.fsys.image[base+withinCluster:base+withinCluster+avail])
		total += n
		fl.offset += int64(n)
		withinCluster = 0
		if n < avail {
			break
		}
		cluster = int(fl.fsys.nextCluster(cluster))
	}
	return total, nil
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
		base = int64(fl.entry.size)
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
