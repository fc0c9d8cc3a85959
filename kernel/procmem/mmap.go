package procmem

import "nx32/kernel/mem"

// BackingKind identifies what physical memory an MMapRegion is backed by.
type BackingKind uint8

const (
	// BackingAnonymous regions are backed by freshly allocated,
	// zero-filled frames, allocated lazily on first touch.
	BackingAnonymous BackingKind = iota
	// BackingDMA regions must be backed by frames within the first
	// 16 MiB of physical memory so legacy ISA DMA controllers can
	// address them.
	BackingDMA
	// BackingDirect regions map a caller-specified physical address
	// directly, e.g. memory-mapped device registers.
	BackingDirect
	// BackingDeviceFile regions are populated on fault by a device
	// driver rather than the frame allocator.
	BackingDeviceFile
)

// MMapBacking describes what an MMapRegion's pages resolve to.
type MMapBacking struct {
	Kind      BackingKind
	PhysAddr  mem.PhysicalAddress // valid when Kind == BackingDirect
}

// MMapRegion is a half-open virtual range [Address, Address+Size) created
// by Mmap. No page table entries exist for it until the first access
// faults the pages in.
type MMapRegion struct {
	Address mem.VirtualAddress
	Size    uintptr
	Backing MMapBacking
}

func (r MMapRegion) end() uintptr { return uintptr(r.Address) + r.Size }

func (r MMapRegion) overlaps(start, end uintptr) bool {
	return uintptr(r.Address) < end && start < r.end()
}
