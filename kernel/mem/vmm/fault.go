package vmm

import (
	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/irq"
	"nx32/kernel/kfmt"
	"nx32/kernel/mem"
	"nx32/kernel/mem/pmm"
)

// installFaultHandlers wires the page-fault vector to pageFaultHandler.
// The general protection fault vector is intentionally left to higher-level
// wiring (kmain installs the v8086 GPF trap-and-emulate handler there,
// falling back to FatalGeneralProtectionFault) since both a GPF raised by a
// v8086 task and one raised by ordinary code share the same IDT vector.
func installFaultHandlers() {
	irq.HandleExceptionWithCode(irq.PageFaultException, pageFaultHandler)
}

// page fault error code bits, per the IA-32 architecture manual.
const (
	pfPresent   = 1 << 0 // 0 = non-present page, 1 = protection violation
	pfWrite     = 1 << 1 // 0 = read, 1 = write
	pfUser      = 1 << 2 // 0 = supervisor, 1 = user-mode
	pfReserved  = 1 << 3
	pfInstFetch = 1 << 4
)

func pageFaultHandler(errorCode uint32, frame *irq.Frame, regs *irq.Regs) {
	faultAddress := uintptr(readCR2Fn())
	faultPage := mem.PageFromAddress(mem.VirtualAddress(faultAddress))

	// A page fault raised while the CPU was executing a v8086 task is
	// routed to the DOS subsystem's demand-paging/BIOS-memory emulation
	// instead of being treated as an ordinary user fault.
	if frame.InV8086Mode() {
		if v8086PageFaultFn != nil && v8086PageFaultFn(faultAddress, errorCode, frame, regs) {
			return
		}
	}

	var pageEntry *pageTableEntry
	walk(uintptr(faultPage.Address()), func(pteLevel uint8, pte *pageTableEntry) bool {
		nextIsPresent := pte.HasFlags(FlagPresent)
		if pteLevel == pageLevels-1 && nextIsPresent {
			pageEntry = pte
		}
		return nextIsPresent
	})

	if pageEntry != nil && errorCode&pfWrite != 0 && pageEntry.HasFlags(FlagCopyOnWrite) {
		if resolveCopyOnWrite(faultPage, pageEntry) {
			return
		}
	}

	// Not a recoverable CoW fault; give the demand-paging layer (process
	// memory regions, brk/mmap backing) a chance to satisfy it before
	// giving up.
	if errorCode&pfPresent == 0 && demandPageFn != nil {
		if demandPageFn(faultAddress, errorCode) {
			return
		}
	}

	nonRecoverablePageFault(faultAddress, errorCode, frame, regs, errors.ErrUnrecoverableFault)
}

// resolveCopyOnWrite implements the write-fault half of copy-on-write:
// pmm.GetFrameForCopyOnWrite decides whether the frame is still shared, and
// if so this function allocates and populates the replacement before
// retrying the faulting instruction.
func resolveCopyOnWrite(faultPage mem.Page, pageEntry *pageTableEntry) bool {
	prev := pageEntry.Frame()

	var (
		newFrame mem.Frame
		copied   bool
		err      *kernel.Error
	)
	if prev == ReservedZeroedFrame {
		// The shared zero frame is never handed out writable: every write
		// gets a fresh frame, filled from the (all-zero) faulting page.
		newFrame, err = mem.AllocFrame()
		copied = true
	} else {
		newFrame, copied, err = pmm.GetFrameForCopyOnWrite(prev)
	}
	if err != nil {
		return false
	}

	if copied {
		tmpPage, err := mapTemporaryFn(newFrame)
		if err != nil {
			return false
		}
		kernel.Memcopy(uintptr(faultPage.Address()), uintptr(tmpPage.Address()), mem.PageSize)
		_ = unmapFn(tmpPage)
	}

	pageEntry.ClearFlags(FlagCopyOnWrite)
	pageEntry.SetFlags(FlagPresent | FlagRW)
	pageEntry.SetFrame(newFrame)
	flushTLBEntryFn(uintptr(faultPage.Address()))
	return true
}

var (
	// demandPageFn is the callback SetDemandPageHandler installs to satisfy
	// faults against a process' execution segments or mmap regions. It
	// returns true if the fault was resolved and execution can resume. No
	// package installs one, so it stays nil and a non-present fault goes
	// straight to nonRecoverablePageFault.
	demandPageFn func(faultAddress uintptr, errorCode uint32) bool

	// v8086PageFaultFn is set by kernel/v8086 to handle page faults that
	// occur while a DOS task is running (e.g. touching unmapped
	// conventional/BIOS memory that should be lazily backed).
	v8086PageFaultFn func(faultAddress uintptr, errorCode uint32, frame *irq.Frame, regs *irq.Regs) bool
)

// SetDemandPageHandler registers the callback used to resolve faults
// against non-present pages that are not CoW candidates.
func SetDemandPageHandler(fn func(faultAddress uintptr, errorCode uint32) bool) {
	demandPageFn = fn
}

// SetV8086PageFaultHandler registers the callback used to resolve page
// faults raised while a v8086 task is executing.
func SetV8086PageFaultHandler(fn func(faultAddress uintptr, errorCode uint32, frame *irq.Frame, regs *irq.Regs) bool) {
	v8086PageFaultFn = fn
}

func nonRecoverablePageFault(faultAddress uintptr, errorCode uint32, frame *irq.Frame, regs *irq.Regs, err *kernel.Error) {
	kfmt.Printf("\nPage fault while accessing address: 0x%8x\nReason: ", faultAddress)
	switch {
	case errorCode&pfPresent == 0 && errorCode&pfWrite == 0:
		kfmt.Printf("read from non-present page")
	case errorCode&pfPresent != 0 && errorCode&pfWrite == 0:
		kfmt.Printf("page protection violation (read)")
	case errorCode&pfPresent == 0 && errorCode&pfWrite != 0:
		kfmt.Printf("write to non-present page")
	case errorCode&pfPresent != 0 && errorCode&pfWrite != 0:
		kfmt.Printf("page protection violation (write)")
	default:
		kfmt.Printf("unknown")
	}
	if errorCode&pfUser != 0 {
		kfmt.Printf(" (user-mode)")
	}
	if errorCode&pfReserved != 0 {
		kfmt.Printf(" (reserved bit set)")
	}
	if errorCode&pfInstFetch != 0 {
		kfmt.Printf(" (instruction fetch)")
	}

	kfmt.Printf("\n\nRegisters:\n")
	regs.Print()
	frame.Print()

	// A fault that escapes demand paging and CoW resolution against a
	// user-mode page kills only the offending process; one against the
	// kernel's own mappings is unrecoverable.
	if errorCode&pfUser != 0 && killProcessFn != nil {
		killProcessFn(err)
		return
	}

	panic(err)
}

// killProcessFn is set by kernel/sched so an unrecoverable user-mode fault
// terminates only the faulting process instead of taking down the kernel.
var killProcessFn func(err *kernel.Error)

// SetProcessKiller registers the callback used to terminate a process whose
// user-mode fault could not be resolved.
func SetProcessKiller(fn func(err *kernel.Error)) {
	killProcessFn = fn
}

// FatalGeneralProtectionFault prints diagnostics for a general protection
// fault, then kills the faulting process if the fault came from ring 3 or a
// v8086 task and a process killer is registered, and panics otherwise. It is exported for use as the fallback handler by
// whichever package installs the real GPF vector (kernel/v8086, which must
// first rule out a trap-and-emulate opcode before falling back to this).
func FatalGeneralProtectionFault(errorCode uint32, frame *irq.Frame, regs *irq.Regs) {
	kfmt.Printf("\nGeneral protection fault (error code 0x%x) at EIP 0x%8x\n", errorCode, frame.EIP)
	kfmt.Printf("Registers:\n")
	regs.Print()
	frame.Print()

	// A v8086 task runs at CPL 3 but its CS is a real-mode segment, whose
	// low bits say nothing about privilege.
	if (frame.CS&0x3 == 3 || frame.InV8086Mode()) && killProcessFn != nil {
		killProcessFn(errors.ErrUnrecoverableFault)
		return
	}

	panic(errors.ErrUnrecoverableFault)
}
