package mem

import (
	"nx32/kernel"
)

// PhysicalAddress is an opaque 32-bit physical memory address.
type PhysicalAddress uintptr

// Aligned reports whether this address is aligned to the system page size.
func (a PhysicalAddress) Aligned() bool {
	return a&PhysicalAddress(PageSize-1) == 0
}

// AlignDown rounds this address down to the nearest page boundary.
func (a PhysicalAddress) AlignDown() PhysicalAddress {
	return a &^ PhysicalAddress(PageSize-1)
}

// AlignUp rounds this address up to the nearest page boundary.
func (a PhysicalAddress) AlignUp() PhysicalAddress {
	return (a + PhysicalAddress(PageSize-1)).AlignDown()
}

// Frame returns the physical frame that contains this address.
func (a PhysicalAddress) Frame() Frame {
	return Frame(a >> PageShift)
}

// VirtualAddress is an opaque 32-bit virtual memory address.
type VirtualAddress uintptr

// Aligned reports whether this address is aligned to the system page size.
func (a VirtualAddress) Aligned() bool {
	return a&VirtualAddress(PageSize-1) == 0
}

// AlignDown rounds this address down to the nearest page boundary.
func (a VirtualAddress) AlignDown() VirtualAddress {
	return a &^ VirtualAddress(PageSize-1)
}

// AlignUp rounds this address up to the nearest page boundary.
func (a VirtualAddress) AlignUp() VirtualAddress {
	return (a + VirtualAddress(PageSize-1)).AlignDown()
}

// Page returns the virtual page that contains this address.
func (a VirtualAddress) Page() Page {
	return Page(a >> PageShift)
}

// DirIndex returns the index of this address' entry within a 2-level x86
// page directory (bits 31..22).
func (a VirtualAddress) DirIndex() uint32 {
	return uint32(a>>22) & 0x3ff
}

// TableIndex returns the index of this address' entry within the page table
// selected by DirIndex (bits 21..12).
func (a VirtualAddress) TableIndex() uint32 {
	return uint32(a>>12) & 0x3ff
}

// Frame describes a physical memory page index.
type Frame uintptr

// InvalidFrame is returned by page allocators when they fail to reserve the
// requested frame.
const InvalidFrame = ^Frame(0)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical address pointed to by this Frame.
func (f Frame) Address() PhysicalAddress {
	return PhysicalAddress(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address, rounding down if the address is not page-aligned.
func FrameFromAddress(physAddr PhysicalAddress) Frame {
	return physAddr.AlignDown().Frame()
}

// FrameRange describes a contiguous run of physical frames, given as a byte
// range [Start, Start+Length).
type FrameRange struct {
	Start  PhysicalAddress
	Length uintptr
}

// FirstFrame returns the first frame covered by this range.
func (r FrameRange) FirstFrame() Frame {
	return FrameFromAddress(r.Start)
}

// LastFrame returns the last (inclusive) frame covered by this range.
func (r FrameRange) LastFrame() Frame {
	if r.Length == 0 {
		return r.FirstFrame()
	}
	return FrameFromAddress(r.Start + PhysicalAddress(r.Length-1))
}

// FrameCount returns the number of frames covered by this range.
func (r FrameRange) FrameCount() uintptr {
	return uintptr(r.LastFrame()-r.FirstFrame()) + 1
}

var (
	// frameAllocator points to a frame allocator function registered using
	// SetFrameAllocator.
	frameAllocator FrameAllocatorFn
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// SetFrameAllocator registers a frame allocator function that will be used by
// the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// AllocFrame allocates a new physical frame using the currently active
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual address pointed to by this Page.
func (f Page) Address() VirtualAddress {
	return VirtualAddress(f << PageShift)
}

// PageFromAddress returns the Page that contains the given virtual address,
// rounding down if the address is not page-aligned.
func PageFromAddress(virtAddr VirtualAddress) Page {
	return virtAddr.AlignDown().Page()
}
