package vmm

import (
	"nx32/kernel"
	"nx32/kernel/cpu"
	"nx32/kernel/mem"
	"unsafe"
)

var (
	// activePDTFn is used by tests to override calls to activePDT which
	// will cause a fault if called outside ring 0.
	activePDTFn = cpu.ActivePDT

	// switchPDTFn is used by tests to override calls to switchPDT which
	// will cause a fault if called outside ring 0.
	switchPDTFn = cpu.SwitchPDT

	// mapFn is used by tests and is automatically inlined by the compiler.
	mapFn = Map

	// mapTemporaryFn is used by tests and is automatically inlined by the compiler.
	mapTemporaryFn = MapTemporary

	// unmapFn is used by tests and is automatically inlined by the compiler.
	unmapFn = Unmap

	// kernelPDT is the page directory installed by Init for kernel-space
	// mappings. Every process directory shares its kernel-half entries
	// with this directory so the kernel remains mapped regardless of
	// which directory is active.
	kernelPDT PageDirectoryTable
)

// PageDirectoryTable describes the single top-level table of the IA-32
// 2-level paging scheme.
type PageDirectoryTable struct {
	pdtFrame mem.Frame
}

// Init sets up a page directory starting at the supplied physical frame. If
// the frame does not match the currently active directory, Init assumes this
// is a fresh directory that needs bootstrapping: it establishes a temporary
// mapping so it can zero the frame and install the self-map entry (the
// directory's own last entry, pointed back at pdtFrame) that the rest of
// this package's recursive addressing depends on.
func (pdt *PageDirectoryTable) Init(pdtFrame mem.Frame) *kernel.Error {
	pdt.pdtFrame = pdtFrame

	activePdtAddr := activePDTFn()
	if uintptr(pdtFrame.Address()) == activePdtAddr {
		return nil
	}

	pdtPage, err := mapTemporaryFn(pdtFrame)
	if err != nil {
		return err
	}

	pdtAddr := uintptr(pdtPage.Address())
	kernel.Memset(pdtAddr, 0, mem.PageSize)

	lastEntry := (*pageTableEntry)(unsafe.Pointer(pdtAddr + selfMapIndex<<mem.PointerShift))
	*lastEntry = 0
	lastEntry.SetFlags(FlagPresent | FlagRW)
	lastEntry.SetFrame(pdtFrame)

	_ = unmapFn(pdtPage)
	return nil
}

// selfMapIndex is the page directory index (the last of 1024 entries) that
// every directory reserves for its own self-map entry.
const selfMapIndex = uintptr(1023)

// Map establishes a mapping in this PDT, which may or may not be the
// currently active one. If it is not active, Map temporarily repoints the
// active directory's self-map entry at this PDT's frame so that the global
// recursive-addressing Map()/Unmap() helpers can reach it, then restores the
// original self-map entry afterwards.
func (pdt PageDirectoryTable) Map(page mem.Page, frame mem.Frame, flags PageTableEntryFlag) *kernel.Error {
	restore := pdt.borrowSelfMap()
	err := mapFn(page, frame, flags)
	restore()
	return err
}

// Unmap removes a mapping previously installed via Map() on this PDT.
func (pdt PageDirectoryTable) Unmap(page mem.Page) *kernel.Error {
	restore := pdt.borrowSelfMap()
	err := unmapFn(page)
	restore()
	return err
}

// borrowSelfMap repoints the active directory's self-map entry at pdt's
// frame (unless pdt is already active) and returns a function that restores
// the original mapping.
func (pdt PageDirectoryTable) borrowSelfMap() func() {
	activePdtFrame := mem.Frame(activePDTFn() >> mem.PageShift)
	if activePdtFrame == pdt.pdtFrame {
		return func() {}
	}

	selfMapEntryAddr := uintptr(activePdtFrame.Address()) + selfMapIndex<<mem.PointerShift
	selfMapEntry := (*pageTableEntry)(unsafe.Pointer(selfMapEntryAddr))
	selfMapEntry.SetFrame(pdt.pdtFrame)
	flushTLBEntryFn(pdtVirtualAddr)

	return func() {
		selfMapEntry.SetFrame(activePdtFrame)
		flushTLBEntryFn(pdtVirtualAddr)
	}
}

// Activate loads this directory into CR3 and flushes the TLB.
func (pdt PageDirectoryTable) Activate() {
	switchPDTFn(uintptr(pdt.pdtFrame.Address()))
}

var (
	// ErrInvalidMapping is returned when trying to lookup a virtual memory
	// address that is not yet mapped.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}
)

// pageTableEntry describes a single 4-byte IA-32 page table or page
// directory entry: a frame-aligned physical address plus a set of flag
// bits.
type pageTableEntry uintptr

// HasFlags returns true if this entry has all the input flags set.
func (pte pageTableEntry) HasFlags(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) == uintptr(flags)
}

// HasAnyFlag returns true if this entry has at least one of the input flags set.
func (pte pageTableEntry) HasAnyFlag(flags PageTableEntryFlag) bool {
	return (uintptr(pte) & uintptr(flags)) != 0
}

// SetFlags sets the input list of flags on the page table entry.
func (pte *pageTableEntry) SetFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) | uintptr(flags))
}

// ClearFlags unsets the input list of flags from the page table entry.
func (pte *pageTableEntry) ClearFlags(flags PageTableEntryFlag) {
	*pte = (pageTableEntry)(uintptr(*pte) &^ uintptr(flags))
}

// Frame returns the physical page frame that this page table entry points to.
func (pte pageTableEntry) Frame() mem.Frame {
	return mem.Frame((uintptr(pte) & ptePhysPageMask) >> mem.PageShift)
}

// SetFrame updates the page table entry to point at the given physical frame.
func (pte *pageTableEntry) SetFrame(frame mem.Frame) {
	*pte = (pageTableEntry)((uintptr(*pte) &^ ptePhysPageMask) | uintptr(frame.Address()))
}

// pteForAddress returns the final page table entry that corresponds to a
// particular virtual address, performing a page table walk down to the
// last level. It returns ErrInvalidMapping if the page is not present.
func pteForAddress(virtAddr uintptr) (*pageTableEntry, *kernel.Error) {
	var (
		err   *kernel.Error
		entry *pageTableEntry
	)

	walk(virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			entry = nil
			err = ErrInvalidMapping
			return false
		}

		entry = pte
		return true
	})

	return entry, err
}

var (
	// ptePtrFn returns a pointer to the supplied entry address. Tests
	// override it so walk() can be exercised against a plain byte slice
	// instead of real page table memory. The kernel build inlines it.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// pageTableWalker is invoked by walk with the page level (0 for the
// directory entry, pageLevels-1 for the final page table entry) and the
// entry itself. If it returns false, the walk stops early.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address using the
// recursive self-map addressing scheme: the directory's own last entry
// points back at itself, so shifting the virtual address of an entry left
// by that level's index-bit count yields the virtual address of the table
// it points to.
func walk(virtAddr uintptr, walkFn pageTableWalker) {
	var (
		level                            uint8
		tableAddr, entryAddr, entryIndex uintptr
		ok                               bool
	)

	for level, tableAddr = uint8(0), pdtVirtualAddr; level < pageLevels; level, tableAddr = level+1, entryAddr {
		entryIndex = (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr = tableAddr + (entryIndex << mem.PointerShift)

		if ok = walkFn(level, (*pageTableEntry)(ptePtrFn(entryAddr))); !ok {
			return
		}

		entryAddr <<= pageLevelBits[level]
	}
}
