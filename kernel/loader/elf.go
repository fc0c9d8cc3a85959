package loader

import (
	"encoding/binary"

	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/fs"
	"nx32/kernel/gate"
	"nx32/kernel/mem"
	"nx32/kernel/procmem"
)

// ELF32 constants this loader needs. original_source's own ELF loader
// (loaders/elf/mod.rs) never got further than logging e_entry and the
// program/section header table offsets before unconditionally returning
// LoaderError::InternalError, so there is no reference translation of
// PT_LOAD segments into an execution environment to ground this on; it is
// built directly from the ELF32 object file format instead.
const (
	elfIdentSize  = 16
	elfHeaderSize = 52
	elfPhdrSize   = 32

	elfClass32  = 1
	elfData2LSB = 1

	ptLoad = 1

	pfExec  = 1 << 0
	pfWrite = 1 << 1
)

type elfHeader struct {
	entry     uint32
	phoff     uint32
	phentsize uint16
	phnum     uint16
}

func parseELFHeader(data []byte) (elfHeader, *kernel.Error) {
	if len(data) < elfHeaderSize {
		return elfHeader{}, errors.ErrInvalidHeader
	}
	if data[4] != elfClass32 || data[5] != elfData2LSB {
		return elfHeader{}, errors.ErrInvalidHeader
	}
	le32 := binary.LittleEndian.Uint32
	le16 := binary.LittleEndian.Uint16
	h := elfHeader{
		entry:     le32(data[24:28]),
		phoff:     le32(data[28:32]),
		phentsize: le16(data[42:44]),
		phnum:     le16(data[44:46]),
	}
	if h.phentsize != 0 && h.phentsize != elfPhdrSize {
		return elfHeader{}, errors.ErrInvalidHeader
	}
	return h, nil
}

type elfProgramHeader struct {
	pType  uint32
	offset uint32
	vaddr  uint32
	filesz uint32
	memsz  uint32
	flags  uint32
}

func parseProgramHeader(data []byte) elfProgramHeader {
	le32 := binary.LittleEndian.Uint32
	return elfProgramHeader{
		pType:  le32(data[0:4]),
		offset: le32(data[4:8]),
		vaddr:  le32(data[8:12]),
		filesz: le32(data[16:20]),
		memsz:  le32(data[20:24]),
		flags:  le32(data[24:28]),
	}
}

// loadELF translates every PT_LOAD program header into an
// procmem.ExecutionSegment, splitting each into a file-backed section
// covering p_filesz and, when p_memsz is larger, a zero-filled BSS section
// for the remainder. Segments are demand-paged directly out of the
// process' own backing file; no relocations are applied, since a freshly
// linked position-independent or statically-linked executable needs none
// at load time.
func loadELF(data []byte, f fs.File) (*Environment, *kernel.Error) {
	h, err := parseELFHeader(data)
	if err != nil {
		f.Close()
		return nil, err
	}

	var segments []*procmem.ExecutionSegment
	var heapStart uintptr

	for i := uint16(0); i < h.phnum; i++ {
		off := uintptr(h.phoff) + uintptr(i)*elfPhdrSize
		if off+elfPhdrSize > uintptr(len(data)) {
			return nil, errors.ErrInvalidHeader
		}
		ph := parseProgramHeader(data[off : off+elfPhdrSize])
		if ph.pType != ptLoad || ph.memsz == 0 {
			continue
		}

		base := pageAlignDown(uintptr(ph.vaddr))
		segOffset := uintptr(ph.vaddr) - base
		size := pageAlignUp(segOffset + uintptr(ph.memsz))

		var sections []procmem.ExecutionSection
		if ph.filesz > 0 {
			sections = append(sections, procmem.ExecutionSection{
				SegmentOffset:    segOffset,
				ExecutableOffset: offsetPtr(uintptr(ph.offset)),
				Size:             uintptr(ph.filesz),
			})
		}
		if ph.memsz > ph.filesz {
			sections = append(sections, procmem.ExecutionSection{
				SegmentOffset: segOffset + uintptr(ph.filesz),
				Size:          uintptr(ph.memsz - ph.filesz),
			})
		}

		seg, segErr := procmem.NewExecutionSegment(mem.VirtualAddress(base), size, ph.flags&pfWrite != 0, sections, procmem.ForkCopyOnWrite)
		if segErr != nil {
			return nil, segErr
		}
		segments = append(segments, seg)

		if top := base + size; top > heapStart {
			heapStart = top
		}
	}

	if len(segments) == 0 {
		return nil, errors.ErrInvalidHeader
	}

	return &Environment{
		Segments:   segments,
		HeapStart:  heapStart,
		ExecReader: fileReader(f),
		Registers: InitialRegisters{
			EIP: h.entry,
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
