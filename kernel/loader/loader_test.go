package loader

import (
	"testing"

	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/fs"
)

type fakeFile struct {
	data   []byte
	offset int64
	closed bool
}

func (f *fakeFile) Read(buf []byte) (int, *kernel.Error) {
	if f.offset >= int64(len(f.data)) {
		return 0, nil
	}
	n := copy(buf, f.data[f.offset:])
	f.offset += int64(n)
	return n, nil
}

func (f *fakeFile) Write(buf []byte) (int, *kernel.Error) { return 0, errors.ErrUnsupportedCommand }

func (f *fakeFile) Seek(offset int64, whence int) (int64, *kernel.Error) {
	switch whence {
	case fs.SeekStart:
		f.offset = offset
	case fs.SeekCurrent:
		f.offset += offset
	case fs.SeekEnd:
		f.offset = int64(len(f.data)) + offset
	}
	return f.offset, nil
}

func (f *fakeFile) Close() *kernel.Error { f.closed = true; return nil }

type fakeFS struct {
	name string
	data []byte
}

func (fsys *fakeFS) Open(path string) (fs.File, *kernel.Error) {
	if path != fsys.name {
		return nil, errors.ErrNoSuchEntity
	}
	return &fakeFile{data: fsys.data}, nil
}

func (fsys *fakeFS) ReadDir(path string) ([]fs.DirEntry, *kernel.Error) { return nil, nil }

func (fsys *fakeFS) Stat(path string) (fs.Stat, *kernel.Error) {
	return fs.Stat{Name: fsys.name, Size: uint32(len(fsys.data))}, nil
}

func TestDetectRecognizesELFMagic(t *testing.T) {
	data := []byte{0x7f, 'E', 'L', 'F', 1, 1}
	if got := Detect(data, "A:/PROGRAM"); got != FormatELF {
		t.Fatalf("expected FormatELF, got %v", got)
	}
}

func TestDetectRecognizesMZMagic(t *testing.T) {
	data := []byte{'M', 'Z', 0, 0}
	if got := Detect(data, "A:/PROGRAM.EXE"); got != FormatMZ {
		t.Fatalf("expected FormatMZ, got %v", got)
	}
}

func TestDetectFallsBackToExtension(t *testing.T) {
	if got := Detect([]byte{0, 0}, "A:/GAME.COM"); got != FormatCOM {
		t.Fatalf("expected FormatCOM from extension, got %v", got)
	}
	if got := Detect([]byte{0, 0}, "A:/UNKNOWN"); got != FormatBIN {
		t.Fatalf("expected FormatBIN as the default, got %v", got)
	}
}

func TestLoadBINMapsAtZeroAndEntersAtZero(t *testing.T) {
	fs.Mount('A', &fakeFS{name: "GAME.BIN", data: []byte{0x90, 0x90, 0xf4}})
	defer fs.Unmount('A')

	env, err := Load("A:/GAME.BIN")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if env.RequireVM {
		t.Fatal("expected a flat BIN to not require v8086")
	}
	if env.Registers.EIP != 0 {
		t.Fatalf("expected EIP 0, got %#x", env.Registers.EIP)
	}
	if len(env.Segments) != 1 || env.Segments[0].Base != 0 {
		t.Fatalf("expected a single segment based at 0, got %+v", env.Segments)
	}
}

func TestLoadCOMPlacesEntryAfterPSP(t *testing.T) {
	fs.Mount('A', &fakeFS{name: "GAME.COM", data: []byte{0xb0, 0x61, 0xf4}})
	defer fs.Unmount('A')

	env, err := Load("A:/GAME.COM")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !env.RequireVM {
		t.Fatal("expected a COM program to require v8086")
	}
	if env.Registers.EIP != pspSize {
		t.Fatalf("expected EIP at pspSize (%#x), got %#x", pspSize, env.Registers.EIP)
	}
	if env.Registers.CS != comSegment {
		t.Fatalf("expected CS == comSegment, got %#x", env.Registers.CS)
	}

	buf := make([]byte, 3)
	n, readErr := env.ExecReader(buf, pspSize)
	if readErr != nil || n != 3 {
		t.Fatalf("expected to read the program bytes back at pspSize, got n=%d err=%v", n, readErr)
	}
	if buf[0] != 0xb0 {
		t.Fatalf("expected the program's own bytes after the PSP, got %x", buf)
	}
}

func TestLoadMissingFileReturnsFileNotFound(t *testing.T) {
	fs.Mount('A', &fakeFS{name: "GAME.COM"})
	defer fs.Unmount('A')

	if _, err := Load("A:/NOPE.COM"); err != errors.ErrFileNotFound {
		t.Fatalf("expected ErrFileNotFound, got %v", err)
	}
}
