// Package gate builds the global descriptor table and task state segment
// this kernel needs to support ring 3 execution and privilege-level
// switches: a null entry, flat ring-0 code/data, flat ring-3 code/data, and
// a single TSS used only to hold the ring-0 stack pointer that the CPU
// loads into ESP on a ring3->ring0 transition.
package gate

import (
	"nx32/kernel/cpu"
	"unsafe"
)

// Selector identifies a GDT entry, already shifted into the low-order bits
// expected by a segment register. The user selectors below already carry
// RPL 3.
type Selector uint16

const (
	NullSelector       = Selector(0x00)
	KernelCodeSelector = Selector(0x08)
	KernelDataSelector = Selector(0x10)
	UserCodeSelector   = Selector(0x18 | 3)
	UserDataSelector   = Selector(0x20 | 3)
	TSSSelector        = Selector(0x28)
)

const (
	accessPresent        = 1 << 7
	accessRing0          = 0 << 5
	accessRing3          = 3 << 5
	accessCodeOrData     = 1 << 4
	accessSystem         = 0 << 4
	accessExecutable     = 1 << 3
	accessReadWrite      = 1 << 1
	accessAccessed       = 1 << 0
	flagGranularity4KiB  = 1 << 7
	flagSize32Bit        = 1 << 6
)

// entry is a single 8-byte GDT/LDT descriptor.
type entry struct {
	limitLow         uint16
	baseLow          uint16
	baseMiddle       uint8
	access           uint8
	flagsAndLimitHi  uint8
	baseHigh         uint8
}

func newEntry(base, limit uint32, access, flags uint8) entry {
	return entry{
		limitLow:        uint16(limit & 0xffff),
		baseLow:         uint16(base & 0xffff),
		baseMiddle:      uint8((base >> 16) & 0xff),
		access:          access,
		flagsAndLimitHi: (flags & 0xf0) | uint8((limit>>16)&0xf),
		baseHigh:        uint8((base >> 24) & 0xff),
	}
}

func (e *entry) setBase(base uint32) {
	e.baseLow = uint16(base & 0xffff)
	e.baseMiddle = uint8((base >> 16) & 0xff)
	e.baseHigh = uint8((base >> 24) & 0xff)
}

func (e *entry) setLimit(limit uint32) {
	e.limitLow = uint16(limit & 0xffff)
	e.flagsAndLimitHi = (e.flagsAndLimitHi & 0xf0) | uint8((limit>>16)&0xf)
}

const tableSize = 6

var gdt [tableSize]entry

var gdtDescriptor struct {
	limit uint16
	base  uint32
}

// tss is the single task state segment this kernel uses. Hardware task
// switching is never exercised: only ESP0/SS0 (the ring-0 stack loaded by
// the CPU on every ring3->ring0 transition) and the IO permission bitmap
// offset are meaningful.
type tss struct {
	prevTask                      uint32
	esp0                          uint32
	ss0                           uint32
	esp1, ss1, esp2, ss2          uint32
	cr3                           uint32
	eip, eflags                   uint32
	eax, ecx, edx, ebx            uint32
	esp, ebp, esi, edi            uint32
	es, cs, ss, ds, fs, gs        uint32
	ldt                           uint32
	trap                          uint16
	ioMapBase                     uint16
}

var kernelTSS tss

var (
	// loadGDTFn and loadTSSFn are overridden by tests to avoid executing
	// LGDT/LTR outside a real protected-mode environment.
	loadGDTFn = loadGDT
	loadTSSFn = cpu.LoadTSS
)

// Init builds the GDT/TSS and loads them via LGDT/LTR. kernelDataSelector
// is installed as SS0 so that a ring 3 interrupt/syscall entry switches
// onto a valid kernel stack segment.
func Init() {
	gdt[0] = newEntry(0, 0, 0, 0)
	gdt[1] = newEntry(0, 0xffffffff, accessPresent|accessRing0|accessCodeOrData|accessExecutable|accessReadWrite, flagGranularity4KiB|flagSize32Bit)
	gdt[2] = newEntry(0, 0xffffffff, accessPresent|accessRing0|accessCodeOrData|accessReadWrite, flagGranularity4KiB|flagSize32Bit)
	gdt[3] = newEntry(0, 0xffffffff, accessPresent|accessRing3|accessCodeOrData|accessExecutable|accessReadWrite, flagGranularity4KiB|flagSize32Bit)
	gdt[4] = newEntry(0, 0xffffffff, accessPresent|accessRing3|accessCodeOrData|accessReadWrite, flagGranularity4KiB|flagSize32Bit)
	gdt[5] = newEntry(0, 0, accessPresent|accessSystem|accessExecutable|accessAccessed, 0)

	kernelTSS = tss{}
	kernelTSS.ss0 = uint32(KernelDataSelector)
	gdt[5].setBase(uint32(uintptr(unsafe.Pointer(&kernelTSS))))
	gdt[5].setLimit(uint32(unsafe.Sizeof(kernelTSS)))

	gdtDescriptor.limit = uint16(unsafe.Sizeof(gdt) - 1)
	gdtDescriptor.base = uint32(uintptr(unsafe.Pointer(&gdt[0])))

	loadGDTFn(uintptr(unsafe.Pointer(&gdtDescriptor)))
	loadTSSFn(uint16(TSSSelector))
}

// SetKernelStack updates ESP0 so the next ring3->ring0 transition (syscall,
// IRQ, exception) lands on the given stack. The scheduler calls this on
// every context switch to a user-mode process.
func SetKernelStack(esp0 uintptr) {
	kernelTSS.esp0 = uint32(esp0)
}

// loadGDT is implemented in gdt_386.s.
func loadGDT(gdtDescriptorAddr uintptr)
