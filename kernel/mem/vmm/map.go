package vmm

import (
	"nx32/kernel"
	"nx32/kernel/cpu"
	"nx32/kernel/mem"
	"unsafe"
)

// ReservedZeroedFrame is a zero-cleared frame allocated by Init. Mapping a
// page to it with FlagCopyOnWrite (and without FlagRW) gives that page
// on-demand backing: a write fault allocates and clears a fresh frame
// in-place exactly as any other CoW resolution would, but no physical frame
// is consumed until the first write occurs.
var ReservedZeroedFrame mem.Frame

var (
	// protectReservedZeroedPage is set to true once Init has reserved the
	// frame, preventing accidental writable mappings of it afterwards.
	protectReservedZeroedPage bool

	// nextAddrFn is used by tests to override the nextTableAddr
	// calculation used by Map. The kernel build inlines it.
	nextAddrFn = func(entryAddr uintptr) uintptr {
		return entryAddr
	}

	// flushTLBEntryFn is used by tests to override calls to flushTLBEntry
	// which will cause a fault if called outside ring 0.
	flushTLBEntryFn = cpu.FlushTLBEntry

	earlyReserveRegionFn = EarlyReserveRegion

	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
)

// Map establishes a mapping between a virtual page and a physical frame in
// the currently active page directory, allocating and clearing any
// intermediate page table that does not yet exist.
//
// Attempts to map ReservedZeroedFrame with FlagRW set are rejected.
func Map(page mem.Page, frame mem.Frame, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame && (flags&FlagRW) != 0 {
		return errAttemptToRWMapReservedFrame
	}

	var err *kernel.Error

	walk(uintptr(page.Address()), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags)
			flushTLBEntryFn(uintptr(page.Address()))
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mem.Frame
			newTableFrame, err = mem.AllocFrame()
			if err != nil {
				return false
			}

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			nextTableAddr := uintptr(unsafe.Pointer(pte)) << pageLevelBits[pteLevel+1]
			kernel.Memset(nextAddrFn(nextTableAddr), 0, mem.PageSize)
		}

		return true
	})

	return err
}

var errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "4MiB pages are not supported"}

// MapRegion establishes a mapping to the physical memory region starting at
// frame and spanning size bytes, rounded up to the nearest page. The region
// is placed in the next available gap found via EarlyReserveRegion and the
// Page corresponding to its start is returned.
func MapRegion(frame mem.Frame, size uintptr, flags PageTableEntryFlag) (mem.Page, *kernel.Error) {
	size = (size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)
	startAddr, err := earlyReserveRegionFn(size)
	if err != nil {
		return 0, err
	}

	pageCount := size >> mem.PageShift
	for page := mem.PageFromAddress(mem.VirtualAddress(startAddr)); pageCount > 0; pageCount, page, frame = pageCount-1, page+1, frame+1 {
		if err := mapFn(page, frame, flags); err != nil {
			return 0, err
		}
	}

	return mem.PageFromAddress(mem.VirtualAddress(startAddr)), nil
}

// IdentityMapRegion establishes an identity mapping (virtual page number ==
// physical frame number) for the region starting at startFrame and spanning
// size bytes, rounded up to the nearest page.
func IdentityMapRegion(startFrame mem.Frame, size uintptr, flags PageTableEntryFlag) (mem.Page, *kernel.Error) {
	startPage := mem.Page(startFrame)
	pageCount := mem.Page(((size + (mem.PageSize - 1)) &^ (mem.PageSize - 1)) >> mem.PageShift)

	for curPage := startPage; curPage < startPage+pageCount; curPage++ {
		if err := mapFn(curPage, mem.Frame(curPage), flags); err != nil {
			return 0, err
		}
	}

	return startPage, nil
}

// MapTemporary establishes a RW mapping of frame at the fixed one-page
// window reserved for short-lived mappings, overwriting whatever was mapped
// there before. It is how the kernel reaches frames (a freshly allocated
// page table, a foreign page directory, a CoW source page) that aren't
// otherwise addressable.
//
// Attempts to map ReservedZeroedFrame are rejected.
func MapTemporary(frame mem.Frame) (mem.Page, *kernel.Error) {
	if protectReservedZeroedPage && frame == ReservedZeroedFrame {
		return 0, errAttemptToRWMapReservedFrame
	}

	if err := Map(mem.PageFromAddress(mem.VirtualAddress(tempMappingAddr)), frame, FlagPresent|FlagRW); err != nil {
		return 0, err
	}

	return mem.PageFromAddress(mem.VirtualAddress(tempMappingAddr)), nil
}

// Unmap removes a mapping previously installed via Map or MapTemporary.
func Unmap(page mem.Page) *kernel.Error {
	var err *kernel.Error

	walk(uintptr(page.Address()), func(pteLevel uint8, pte *pageTableEntry) bool {
		if pteLevel == pageLevels-1 {
			pte.ClearFlags(FlagPresent)
			flushTLBEntryFn(uintptr(page.Address()))
			return true
		}

		if !pte.HasFlags(FlagPresent) {
			err = ErrInvalidMapping
			return false
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address, or ErrInvalidMapping if it is not mapped.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	pte, err := pteForAddress(virtAddr)
	if err != nil {
		return 0, err
	}

	physAddr := uintptr(pte.Frame().Address()) + PageOffset(virtAddr)
	return physAddr, nil
}

// PageOffset returns the offset within its containing page of a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & ((1 << pageLevelShifts[pageLevels-1]) - 1)
}
