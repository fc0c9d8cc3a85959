package loader

import (
	"nx32/kernel"
	"nx32/kernel/fs"
	"nx32/kernel/mem"
	"nx32/kernel/procmem"
)

// pspSize is the size in bytes of the Program Segment Prefix every DOS
// program (COM or MZ) is loaded with immediately below its own image,
// mirroring dos/execution.rs' PSP struct.
const pspSize = 0x100

// comSegment is the fixed real-mode segment every COM program loads at.
// The original kernel allocates this dynamically from a memory-control-block
// chain; this kernel has no MCB allocator, so a single fixed segment is used
// instead (see DESIGN.md).
const comSegment = 0x1000

// buildPSP writes a minimal Program Segment Prefix: the INT 20h opcode
// programs historically "returned into" to terminate, the paragraph number
// of the top of the memory block allocated to the program, the parent
// PSP's segment, a job file table whose first three entries mirror this
// kernel's own fd 0/1/2 convention (DOS has no separate system file table
// to index into), and the command tail DOS programs read from offset 0x80.
func buildPSP(topParagraph, parentSegment uint16, commandTail string) []byte {
	psp := make([]byte, pspSize)
	psp[0], psp[1] = 0xCD, 0x20 // INT 20h
	psp[2] = byte(topParagraph)
	psp[3] = byte(topParagraph >> 8)
	psp[0x16] = byte(parentSegment)
	psp[0x17] = byte(parentSegment >> 8)

	for i := 0; i < 20; i++ {
		psp[0x18+i] = 0xFF
	}
	psp[0x18], psp[0x19], psp[0x1A] = 0x00, 0x01, 0x02

	if len(commandTail) > 127 {
		commandTail = commandTail[:127]
	}
	psp[0x80] = byte(len(commandTail))
	copy(psp[0x81:], commandTail)
	psp[0x81+len(commandTail)] = 0x0D

	return psp
}

// bufReader serves an already fully-assembled in-memory image as a
// procmem.ExecFileReader, for the DOS loaders that must patch relocations
// or synthesize a PSP before any byte can be demand-paged in, rather than
// reading a process' backing file directly.
func bufReader(buf []byte) procmem.ExecFileReader {
	return func(dst []byte, offset uintptr) (int, *kernel.Error) {
		if offset >= uintptr(len(buf)) {
			return 0, nil
		}
		return copy(dst, buf[offset:]), nil
	}
}

// loadCOM lays out data right after a synthesized PSP at comSegment and
// enters it at offset pspSize with SP at the top of its 64 KiB segment,
// exactly as com.rs describes: a single-section execution environment
// requiring v8086.
func loadCOM(data []byte, f fs.File) (*Environment, *kernel.Error) {
	f.Close()

	image := append(buildPSP(uint16(comSegment+0x1000), comSegment, ""), data...)
	base := uintptr(comSegment) << 4
	size := pageAlignUp(uintptr(len(image)))

	seg, err := procmem.NewExecutionSegment(mem.VirtualAddress(base), size, true, []procmem.ExecutionSection{
		{SegmentOffset: 0, ExecutableOffset: offsetPtr(0), Size: uintptr(len(image))},
	}, procmem.ForkCopyOnWrite)
	if err != nil {
		return nil, err
	}

	return &Environment{
		Segments:   []*procmem.ExecutionSegment{seg},
		HeapStart:  base + size,
		ExecReader: bufReader(image),
		Registers: InitialRegisters{
			EIP: pspSize,
			ESP: 0xfffe,
			CS:  uint32(comSegment),
			DS:  uint32(comSegment),
			ES:  uint32(comSegment),
			SS:  uint32(comSegment),
		},
		RequireVM: true,
	}, nil
}
