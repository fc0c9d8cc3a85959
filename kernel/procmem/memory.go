package procmem

import (
	"sort"

	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/mem"
)

// MemoryRegions is the complete memory layout of a single process: its
// loaded execution segments, its brk-style heap, and its mmap regions,
// kept in ascending virtual-address order. memoryTop is a hard ceiling;
// every mmap region lies strictly below it.
type MemoryRegions struct {
	Segments  []*ExecutionSegment
	HeapStart uintptr
	HeapSize  uintptr
	MemoryTop uintptr

	mmaps []*MMapRegion // sorted ascending by Address, non-overlapping
}

// New returns an empty MemoryRegions with the given heap start and hard
// virtual-address ceiling. Segments and heap size are populated by the
// loader once it knows the executable's layout.
func New(heapStart, memoryTop uintptr) *MemoryRegions {
	return &MemoryRegions{HeapStart: heapStart, MemoryTop: memoryTop}
}

func (m *MemoryRegions) heapEnd() uintptr {
	return uintptr(mem.VirtualAddress(m.HeapStart + m.HeapSize).AlignUp())
}

// GetExecutionSegmentContainingAddress returns the execution segment that
// addr falls inside, if any.
func (m *MemoryRegions) GetExecutionSegmentContainingAddress(addr mem.VirtualAddress) (*ExecutionSegment, bool) {
	for _, seg := range m.Segments {
		if seg.Contains(addr) {
			return seg, true
		}
	}
	return nil, false
}

// GetMappingContainingAddress returns the mmap region that addr falls
// inside, if any.
func (m *MemoryRegions) GetMappingContainingAddress(addr mem.VirtualAddress) (*MMapRegion, bool) {
	idx := sort.Search(len(m.mmaps), func(i int) bool {
		return m.mmaps[i].end() > uintptr(addr)
	})
	if idx < len(m.mmaps) && uintptr(m.mmaps[idx].Address) <= uintptr(addr) {
		return m.mmaps[idx], true
	}
	return nil, false
}

func (m *MemoryRegions) overlapsSegmentOrHeap(start, end uintptr) bool {
	if start < m.heapEnd() {
		return true
	}
	for _, seg := range m.Segments {
		segStart := uintptr(seg.Base)
		segEnd := segStart + seg.Size
		if start < segEnd && segStart < end {
			return true
		}
	}
	return false
}

func (m *MemoryRegions) overlapsExistingMapping(start, end uintptr) bool {
	for _, r := range m.mmaps {
		if r.overlaps(start, end) {
			return true
		}
	}
	return false
}

func (m *MemoryRegions) fits(start, size uintptr) bool {
	end := start + size
	if end > m.MemoryTop {
		return false
	}
	if m.overlapsSegmentOrHeap(start, end) {
		return false
	}
	return !m.overlapsExistingMapping(start, end)
}

func (m *MemoryRegions) insertMapping(r *MMapRegion) {
	idx := sort.Search(len(m.mmaps), func(i int) bool {
		return uintptr(m.mmaps[i].Address) >= uintptr(r.Address)
	})
	m.mmaps = append(m.mmaps, nil)
	copy(m.mmaps[idx+1:], m.mmaps[idx:])
	m.mmaps[idx] = r
}

// Mmap places a new region of size bytes, backed by backing. If hint is
// non-zero, page-aligned, and the exact [hint, hint+size) range is free,
// it is used as-is. Otherwise the highest free page-aligned gap above the
// heap and below MemoryTop that is at least size bytes wide is used. No
// page table entries are created; the region is populated lazily by the
// page-fault handler.
func (m *MemoryRegions) Mmap(hint mem.VirtualAddress, size uintptr, backing MMapBacking) (mem.VirtualAddress, *kernel.Error) {
	if size == 0 || !pageAligned(size) {
		return 0, errors.ErrMMapWrongAlignment
	}

	if hint != 0 && pageAligned(uintptr(hint)) && m.fits(uintptr(hint), size) {
		m.insertMapping(&MMapRegion{Address: hint, Size: size, Backing: backing})
		return hint, nil
	}

	placement, ok := m.highestFreeGap(size)
	if !ok {
		return 0, errors.ErrNotEnoughMemory
	}
	m.insertMapping(&MMapRegion{Address: mem.VirtualAddress(placement), Size: size, Backing: backing})
	return mem.VirtualAddress(placement), nil
}

// highestFreeGap returns the start address of the highest page-aligned
// gap of at least size bytes between the heap end and MemoryTop.
func (m *MemoryRegions) highestFreeGap(size uintptr) (uintptr, bool) {
	top := m.MemoryTop
	for i := len(m.mmaps) - 1; i >= 0; i-- {
		r := m.mmaps[i]
		if top-r.end() >= size {
			return top - size, true
		}
		top = uintptr(r.Address)
	}
	if top-m.heapEnd() >= size {
		return top - size, true
	}
	return 0, false
}

// Munmap removes [addr, addr+size) from the mapped set, splitting any
// region it only partially covers so the surviving prefix/suffix remain
// independent regions. It returns the exact range removed so the caller
// can invalidate the corresponding page table entries and TLB.
func (m *MemoryRegions) Munmap(addr mem.VirtualAddress, size uintptr) (mem.VirtualAddress, uintptr, *kernel.Error) {
	if size == 0 || !pageAligned(size) {
		return 0, 0, errors.ErrMUnmapNotPageMultiple
	}
	start := uintptr(addr)
	end := start + size
	if end > m.MemoryTop {
		return 0, 0, errors.ErrMapOutOfBounds
	}

	var kept []*MMapRegion
	for _, r := range m.mmaps {
		if !r.overlaps(start, end) {
			kept = append(kept, r)
			continue
		}
		if uintptr(r.Address) < start {
			kept = append(kept, &MMapRegion{Address: r.Address, Size: start - uintptr(r.Address), Backing: r.Backing})
		}
		if r.end() > end {
			kept = append(kept, &MMapRegion{Address: mem.VirtualAddress(end), Size: r.end() - end, Backing: r.Backing})
		}
	}
	sort.Slice(kept, func(i, j int) bool { return kept[i].Address < kept[j].Address })
	m.mmaps = kept

	return addr, size, nil
}

// IncreaseHeap grows the heap by delta bytes (delta may be negative to
// shrink, but never below zero) and returns the previous end address.
// Pages are not allocated until touched; growth only needs to verify the
// new end does not collide with the lowest mmap region.
func (m *MemoryRegions) IncreaseHeap(delta int) (uintptr, *kernel.Error) {
	prevEnd := m.HeapStart + m.HeapSize
	newSize := int(m.HeapSize) + delta
	if newSize < 0 {
		return 0, errors.ErrNotEnoughMemory
	}
	newEnd := mem.VirtualAddress(m.HeapStart + uintptr(newSize)).AlignUp()
	if len(m.mmaps) > 0 && uintptr(newEnd) > uintptr(m.mmaps[0].Address) {
		return 0, errors.ErrNotEnoughMemory
	}
	m.HeapSize = uintptr(newSize)
	return prevEnd, nil
}

// Mmaps returns the current mmap regions in ascending address order. The
// returned slice must not be mutated by the caller.
func (m *MemoryRegions) Mmaps() []*MMapRegion {
	return m.mmaps
}

// Fork returns the memory layout a child process should start with:
// every execution segment and mmap region carried over unchanged, ready
// for the page-table layer to apply each region's ForkPolicy (share or
// copy-on-write) when it clones the page directory. The two
// MemoryRegions share no backing slices afterward, so either process can
// mmap/munmap independently.
func (m *MemoryRegions) Fork() *MemoryRegions {
	child := &MemoryRegions{
		HeapStart: m.HeapStart,
		HeapSize:  m.HeapSize,
		MemoryTop: m.MemoryTop,
	}

	child.Segments = make([]*ExecutionSegment, len(m.Segments))
	for i, seg := range m.Segments {
		segCopy := *seg
		segCopy.Sections = append([]ExecutionSection(nil), seg.Sections...)
		child.Segments[i] = &segCopy
	}

	child.mmaps = make([]*MMapRegion, len(m.mmaps))
	for i, r := range m.mmaps {
		rCopy := *r
		child.mmaps[i] = &rCopy
	}

	return child
}
