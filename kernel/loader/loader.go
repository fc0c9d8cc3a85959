// Package loader turns an executable image into the memory layout and
// initial register state kernel/sched needs to start it: one or more
// procmem.ExecutionSegment values, the file reader the page-fault handler
// demand-pages file-backed sections through, and an InitialRegisters set
// describing where execution resumes. Format detection and the shape of
// each loader mirror original_source's loaders/mod.rs determine_format and
// its per-format loaders (com.rs, bin.rs, mz.rs); the ELF32 loader has no
// equivalent to mirror, since that file's own ELF loader never got past
// logging the header before returning an error, so it is designed directly
// from the ELF32 spec instead (see DESIGN.md).
package loader

import (
	"strings"

	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/fs"
	"nx32/kernel/gate"
	"nx32/kernel/mem"
	"nx32/kernel/procmem"
)

// Format identifies which loader Load dispatched to.
type Format uint8

const (
	FormatUnknown Format = iota
	// FormatELF is a native 32-bit ELF executable, loaded directly into
	// ring 3 with no v8086 involvement.
	FormatELF
	// FormatMZ is a DOS MZ ("new-style") executable, run under v8086.
	FormatMZ
	// FormatCOM is a DOS COM ("old-style") executable, run under v8086.
	FormatCOM
	// FormatBIN is a flat native binary with no header at all, loaded at
	// a fixed virtual address and entered directly at offset 0.
	FormatBIN
)

// Detect sniffs data's leading bytes for the ELF and MZ magic numbers,
// falling back to path's extension (.com, .bin) and finally to BIN for
// anything else, the same order determine_format checked in.
func Detect(data []byte, path string) Format {
	if len(data) >= 4 && data[0] == 0x7f && data[1] == 'E' && data[2] == 'L' && data[3] == 'F' {
		return FormatELF
	}
	if len(data) >= 2 && ((data[0] == 'M' && data[1] == 'Z') || (data[0] == 'Z' && data[1] == 'M')) {
		return FormatMZ
	}
	switch {
	case strings.HasSuffix(strings.ToLower(path), ".com"):
		return FormatCOM
	case strings.HasSuffix(strings.ToLower(path), ".bin"):
		return FormatBIN
	}
	return FormatBIN
}

// InitialRegisters is the CPU state a freshly loaded process resumes at,
// mirroring environment.rs' InitialRegisters. CS/DS/ES/SS/FS/GS hold GDT
// selectors for a native process (RequireVM false) or literal real-mode
// segment values for a v8086 one (RequireVM true).
type InitialRegisters struct {
	EIP, ESP       uint32
	CS, DS, ES, SS uint32
	FS, GS         uint32
}

// Environment is everything kernel/sched needs to start a freshly loaded
// process: its execution segments, where its heap should start, the
// function that demand-pages a file-backed section, and its initial
// register state. It corresponds to environment.rs' ExecutionEnvironment.
type Environment struct {
	Segments   []*procmem.ExecutionSegment
	HeapStart  uintptr
	ExecReader procmem.ExecFileReader
	Registers  InitialRegisters
	RequireVM  bool
}

// nativeStackTop is the fixed virtual address every native process' initial
// ESP is set to, taken directly from bin.rs' BIN loader (0xbffffffc), which
// is the only original loader specific enough about a native stack address
// to be worth reusing verbatim.
const nativeStackTop = 0xbffffffc

// Load opens path, reads it fully, detects its format and builds the
// Environment needed to start it as a fresh process.
func Load(path string) (*Environment, *kernel.Error) {
	f, err := fs.Open(path)
	if err != nil {
		return nil, errors.ErrFileNotFound
	}

	data, err := readAll(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	switch Detect(data, path) {
	case FormatELF:
		return loadELF(data, f)
	case FormatMZ:
		return loadMZ(data, f)
	case FormatCOM:
		return loadCOM(data, f)
	default:
		return loadBIN(data, f)
	}
}

func readAll(f fs.File) ([]byte, *kernel.Error) {
	var out []byte
	buf := make([]byte, 4096)
	for {
		n, err := f.Read(buf)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			return out, nil
		}
		out = append(out, buf[:n]...)
	}
}

// fileReader wraps an already-open fs.File as a procmem.ExecFileReader,
// seeking to offset before every read since the same handle is reused by
// every faulted-in page.
func fileReader(f fs.File) procmem.ExecFileReader {
	return func(dst []byte, offset uintptr) (int, *kernel.Error) {
		if _, err := f.Seek(int64(offset), fs.SeekStart); err != nil {
			return 0, err
		}
		return f.Read(dst)
	}
}

func pageAlignUp(v uintptr) uintptr {
	return (v + mem.PageSize - 1) &^ (mem.PageSize - 1)
}

func pageAlignDown(v uintptr) uintptr {
	return v &^ (mem.PageSize - 1)
}

func offsetPtr(v uintptr) *uintptr {
	o := v
	return &o
}

// loadBIN maps data verbatim at virtual address 0 as a single read-write
// execution segment and enters it at offset 0, exactly as bin.rs does; it
// is the simplest possible native (non-DOS) program format this kernel
// supports.
func loadBIN(data []byte, f fs.File) (*Environment, *kernel.Error) {
	size := pageAlignUp(uintptr(len(data)))
	if size == 0 {
		size = mem.PageSize
	}
	seg, err := procmem.NewExecutionSegment(0, size, true, []procmem.ExecutionSection{
		{SegmentOffset: 0, ExecutableOffset: offsetPtr(0), Size: uintptr(len(data))},
	}, procmem.ForkCopyOnWrite)
	if err != nil {
		return nil, err
	}

	return &Environment{
		Segments:   []*procmem.ExecutionSegment{seg},
		HeapStart:  size,
		ExecReader: fileReader(f),
		Registers: InitialRegisters{
			EIP: 0,
			ESP: nativeStackTop,
			CS:  uint32(gate.UserCodeSelector),
			DS:  uint32(gate.UserDataSelector),
			ES:  uint32(gate.UserDataSelector),
			SS:  uint32(gate.UserDataSelector),
			FS:  uint32(gate.UserDataSelector),
			GS:  uint32(gate.UserDataSelector),
		},
		RequireVM: false,
	}, nil
}
