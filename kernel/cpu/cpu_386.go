// Package cpu exposes thin, swappable wrappers around privileged IA-32
// instructions. Each wrapper is declared as a Go function with no body; the
// actual instruction sequence lives in the matching .s file. Grounded on
// gopheros/kernel/cpu/cpu_amd64.go, retargeted from amd64 to 386 (CR2/CR3
// are 32-bit here, there is no long-mode specific state to save).
package cpu

var (
	cpuidFn = ID
)

// EnableInterrupts enables interrupt handling (STI).
func EnableInterrupts()

// DisableInterrupts disables interrupt handling (CLI).
func DisableInterrupts()

// InterruptsEnabled reports whether the interrupt flag is currently set.
func InterruptsEnabled() bool

// Halt stops instruction execution until the next interrupt (HLT).
func Halt()

// FlushTLBEntry flushes a single TLB entry for a particular virtual address
// (INVLPG).
func FlushTLBEntry(virtAddr uintptr)

// SwitchPDT sets CR3 to point at the given page directory's physical address
// and flushes the entire TLB.
func SwitchPDT(pdtPhysAddr uintptr)

// ActivePDT returns the physical address currently loaded in CR3.
func ActivePDT() uintptr

// ReadCR2 returns the faulting address recorded by the last page fault.
func ReadCR2() uint32

// ID returns CPU identification/feature bits. It is implemented as a CPUID
// instruction with EAX=leaf and returns the values in EAX, EBX, ECX, EDX.
func ID(leaf uint32) (uint32, uint32, uint32, uint32)

// Outb writes a byte to an I/O port.
func Outb(port uint16, value uint8)

// Inb reads a byte from an I/O port.
func Inb(port uint16) uint8

// LoadIDT loads the interrupt descriptor table register (LIDT) with a
// pointer to a 6-byte {limit uint16; base uint32} descriptor.
func LoadIDT(idtDescriptorAddr uintptr)

// LoadTSS loads the task register (LTR) with the given GDT selector.
func LoadTSS(selector uint16)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}
