package vmm

import (
	"nx32/kernel"
	"nx32/kernel/cpu"
	"nx32/kernel/mem"
)

var (
	// the following functions are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn   = cpu.ReadCR2
	translateFn = Translate

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "page/gpf fault"}
)

// Init builds the kernel's page directory, activates it, installs the
// page-fault handler and reserves the zeroed frame used for on-demand
// anonymous mappings. The general-protection-fault handler is installed by
// kernel/v8086.Init, not here.
//
// kernelPageOffset is the virtual/physical delta for the kernel half of the
// address space (0xC0000000, per the 3 GiB/1 GiB user/kernel split).
// kernelStart/kernelEnd bound the kernel image's physical load region.
func Init(kernelPageOffset uintptr, kernelStart, kernelEnd mem.PhysicalAddress) *kernel.Error {
	if err := setupPDTForKernel(kernelPageOffset, kernelStart, kernelEnd); err != nil {
		return err
	}

	installFaultHandlers()

	return reserveZeroedFrame()
}

// setupPDTForKernel allocates and activates the page directory used for
// every kernel-space mapping. The identity-mapped low megabyte (BIOS data
// area, VGA text buffer) and the kernel image itself are mapped in; every
// process directory created afterwards copies these entries verbatim so
// that a context switch never invalidates kernel-space addresses.
func setupPDTForKernel(kernelPageOffset uintptr, kernelStart, kernelEnd mem.PhysicalAddress) *kernel.Error {
	kernelPDTFrame, err := mem.AllocFrame()
	if err != nil {
		return err
	}

	if err := kernelPDT.Init(kernelPDTFrame); err != nil {
		return err
	}

	const lowMemBytes = 0x100000
	if _, err := IdentityMapRegion(0, lowMemBytes, FlagPresent|FlagRW); err != nil {
		return err
	}

	startFrame := kernelStart.AlignDown().Frame()
	endFrame := kernelEnd.Frame()
	for frame, i := startFrame, uintptr(0); frame <= endFrame; frame, i = frame+1, i+1 {
		page := mem.PageFromAddress(mem.VirtualAddress(kernelPageOffset) + mem.VirtualAddress(i*mem.PageSize))
		if err := kernelPDT.Map(page, frame, FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	// Carry over any mappings established by EarlyReserveRegion before
	// this directory became active (e.g. the pmm bitmap's own backing
	// pages) so they remain valid afterwards.
	for rsvAddr := earlyReserveLastUsed; rsvAddr < tempMappingAddr; rsvAddr += mem.PageSize {
		page := mem.PageFromAddress(mem.VirtualAddress(rsvAddr))

		physAddr, err := translateFn(rsvAddr)
		if err != nil {
			return err
		}

		if err := kernelPDT.Map(page, mem.Frame(physAddr>>mem.PageShift), FlagPresent|FlagRW); err != nil {
			return err
		}
	}

	kernelPDT.Activate()
	return nil
}

// reserveZeroedFrame reserves a physical frame to be used together with
// FlagCopyOnWrite for lazy allocation requests.
func reserveZeroedFrame() *kernel.Error {
	var (
		err      *kernel.Error
		tempPage mem.Page
	)

	if ReservedZeroedFrame, err = mem.AllocFrame(); err != nil {
		return err
	} else if tempPage, err = mapTemporaryFn(ReservedZeroedFrame); err != nil {
		return err
	}
	kernel.Memset(uintptr(tempPage.Address()), 0, mem.PageSize)
	_ = unmapFn(tempPage)

	// From this point on, ReservedZeroedFrame cannot be mapped with a RW flag
	protectReservedZeroedPage = true
	return nil
}
