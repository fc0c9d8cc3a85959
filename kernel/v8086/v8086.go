// Package v8086 lets native x86 hardware run 16-bit DOS programs directly:
// the process is entered in virtual-8086 mode, and whenever it executes a
// privileged instruction (CLI/STI/PUSHF/POPF/INT/IRET) the CPU raises a
// general protection fault that this package's trap-and-emulate handler
// resolves instead of letting vmm.FatalGeneralProtectionFault kill the
// task. This mirrors dos/emulation.rs' handle_gpf/handle_interrupt, minus
// the handful of BIOS services that file itself only ever logged and
// panicked on (see DESIGN.md).
package v8086

import (
	"nx32/kernel/irq"
	"nx32/kernel/mem/vmm"
)

// entryEFlagsBase is ORed into every v8086 task's initial EFLAGS: bit 1 is
// the reserved-always-1 bit every EFLAGS value carries, bit 9 is IF
// (interrupts virtually enabled), and bit 17 is VM, the bit that actually
// puts the CPU in virtual-8086 mode once IRETL pops it.
const entryEFlagsBase = 1<<1 | 1<<9 | 1<<17

// EntryEFlags returns the EFLAGS value a freshly loaded DOS program should
// enter with.
func EntryEFlags() uint32 {
	return entryEFlagsBase
}

// Init wires the GPF and page-fault vectors to this package's trap-and-
// emulate handlers. It must be called once, after kernel/mem/vmm.Init and
// kernel/irq.Init, before any v8086 task is started.
func Init() {
	irq.HandleExceptionWithCode(irq.GPFException, handleGPF)
	vmm.SetV8086PageFaultHandler(handlePageFault)
}

// handleGPF is installed directly on the GPF vector: a GPF raised outside
// v8086 mode is an ordinary fault and falls through to
// vmm.FatalGeneralProtectionFault, exactly like the real kernel's GPF
// handler is documented to do.
func handleGPF(errorCode uint32, frame *irq.Frame, regs *irq.Regs) {
	if !frame.InV8086Mode() {
		vmm.FatalGeneralProtectionFault(errorCode, frame, regs)
		return
	}
	if emulate(frame, regs) {
		return
	}
	vmm.FatalGeneralProtectionFault(errorCode, frame, regs)
}

// handlePageFault backs conventional/BIOS memory a v8086 task touches that
// was never part of its own execution segments (the real-mode IVT, the
// BIOS data area, video memory) with a zeroed, demand-allocated page
// rather than killing the task outright. Anything below the 1 MiB real-
// mode boundary is eligible; above that a v8086 task has no business
// faulting at all.
func handlePageFault(faultAddress uintptr, errorCode uint32, frame *irq.Frame, regs *irq.Regs) bool {
	const realModeTop = 1 << 20
	if faultAddress >= realModeTop {
		return false
	}
	return mapConventionalPage(faultAddress)
}
