// Package heap implements the kernel's general-purpose allocator: a
// first-fit free-list allocator over a single contiguous virtual range
// whose backing pages are mapped eagerly when the heap is created. There
// is no lazy growth and no swap; Allocate panics if the free list cannot
// satisfy a request.
//
// Each node begins with an 8-byte header of two uint32s: a magic value
// used to sanity-check pointers handed back to Free, and a size whose top
// bit doubles as the in-use flag. A free node stores the address of the
// next free node in the 4 bytes immediately after the header. An
// allocated node instead carries a trailer: the last 4 bytes before the
// data pointer record how much alignment padding precedes it, so Free can
// walk backwards from an arbitrary returned pointer to the node header.
package heap

import (
	"sync"
	"unsafe"

	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/mem"
	"nx32/kernel/mem/pmm"
	"nx32/kernel/mem/vmm"
)

const (
	magic = uint32(0xA110CA7E)

	headerSize = 8

	inUseBit = uint32(0x80000000)
	sizeMask = uint32(0x7fffffff)

	// minSplitRemainder is the smallest trailing free chunk worth keeping
	// as its own node after a split; anything smaller is handed out as
	// part of the allocation instead.
	minSplitRemainder = 16

	// minPadding is the smallest gap allowed between a node's header and
	// its data pointer: just enough room for the 4-byte padding trailer.
	minPadding = 4
)

// node is the address of a free-list node. It is a plain uintptr, not an
// unsafe.Pointer, since most of what it names is computed address
// arithmetic rather than a live Go value.
type node uintptr

func (n node) magicPtr() *uint32 { return (*uint32)(unsafe.Pointer(uintptr(n))) }
func (n node) sizePtr() *uint32  { return (*uint32)(unsafe.Pointer(uintptr(n) + 4)) }
func (n node) nextPtr() *uint32  { return (*uint32)(unsafe.Pointer(uintptr(n) + 8)) }

func (n node) isValid() bool   { return *n.magicPtr() == magic }
func (n node) size() uintptr   { return uintptr(*n.sizePtr() & sizeMask) }
func (n node) isFree() bool    { return *n.sizePtr()&inUseBit == 0 }
func (n node) next() node      { return node(*n.nextPtr()) }
func (n node) markOccupied()   { *n.sizePtr() |= inUseBit }
func (n node) markFree()       { *n.sizePtr() &^= inUseBit }
func (n node) setNext(next node) { *n.nextPtr() = uint32(next) }

func (n node) setSize(size uintptr) {
	*n.sizePtr() = (*n.sizePtr() & inUseBit) | (uint32(size) & sizeMask)
}

func (n node) init(size uintptr) {
	*n.magicPtr() = magic
	*n.sizePtr() = uint32(size) & sizeMask
	n.setNext(0)
}

// alignedStart returns the first address at or after n's data region
// (n+headerSize+minPadding) that satisfies the requested alignment.
func alignedStart(n node, align uintptr) uintptr {
	start := uintptr(n) + headerSize + minPadding
	return (start + align - 1) &^ (align - 1)
}

func setPaddingTrailer(dataStart uintptr, padding uintptr) {
	*(*uint32)(unsafe.Pointer(dataStart - 4)) = uint32(padding)
}

func nodeFromDataPointer(ptr uintptr) node {
	padding := uintptr(*(*uint32)(unsafe.Pointer(ptr - 4)))
	return node(ptr - padding - headerSize)
}

var (
	mu        sync.Mutex
	heapStart uintptr
	heapSize  uintptr
	firstFree node

	// mapRegionFn and allocateFramesFn are overridden by tests to avoid
	// touching real page tables or the physical frame allocator.
	mapRegionFn = func(frame mem.Frame, size uintptr, flags vmm.PageTableEntryFlag) (mem.Page, *kernel.Error) {
		return vmm.MapRegion(frame, size, flags)
	}
	allocateFramesFn = pmm.AllocateFrames
)

// Init eagerly allocates and maps size bytes (rounded up to a page) of
// virtual memory and initializes it as a single free node spanning the
// whole range. It is called once, at boot, before any Allocate call.
func Init(size uintptr) *kernel.Error {
	mu.Lock()
	defer mu.Unlock()

	pageCount := (size + mem.PageSize - 1) / mem.PageSize
	frames, err := allocateFramesFn(uint32(pageCount))
	if err != nil {
		return err
	}

	page, err := mapRegionFn(frames.FirstFrame(), pageCount*mem.PageSize, vmm.FlagPresent|vmm.FlagRW)
	if err != nil {
		return err
	}

	heapStart = uintptr(page.Address())
	heapSize = pageCount * mem.PageSize
	firstFree = node(heapStart)
	firstFree.init(heapSize)
	return nil
}

// Allocate returns a pointer to a newly reserved, zero-initialized block
// of at least size bytes aligned to align (which must be a power of two).
// There is no recovery path for heap exhaustion: Allocate panics rather
// than returning a nil pointer, matching the no-swap, no-lazy-growth
// design of this allocator.
func Allocate(size, align uintptr) unsafe.Pointer {
	mu.Lock()
	defer mu.Unlock()

	var prev node
	for cur := firstFree; cur != 0; cur = cur.next() {
		next := cur.next()
		dataStart := alignedStart(cur, align)
		dataEnd := dataStart + size
		chunkEnd := uintptr(cur) + cur.size()
		if chunkEnd < dataEnd {
			prev = cur
			continue
		}

		remainder := chunkEnd - dataEnd
		cur.markOccupied()
		padding := dataStart - uintptr(cur) - headerSize
		setPaddingTrailer(dataStart, padding)

		if remainder >= minSplitRemainder {
			trailingStart := (dataEnd + 3) &^ 3
			trailing := node(trailingStart)
			trailing.init(chunkEnd - trailingStart)
			trailing.setNext(next)
			if prev != 0 {
				prev.setNext(trailing)
			} else {
				firstFree = trailing
			}
			cur.setSize(trailingStart - uintptr(cur))
		} else {
			if prev != 0 {
				prev.setNext(next)
			} else {
				firstFree = next
			}
		}

		zero(dataStart, size)
		return unsafe.Pointer(dataStart)
	}

	panic(errors.ErrHeapExhausted)
}

func zero(addr, size uintptr) {
	for i := uintptr(0); i < size; i++ {
		*(*byte)(unsafe.Pointer(addr + i)) = 0
	}
}

// Free releases a block previously returned by Allocate, merging it with
// an adjacent free node when possible. Calling Free with a pointer not
// obtained from Allocate, or with a pointer to an already-free block,
// panics.
func Free(ptr unsafe.Pointer) {
	mu.Lock()
	defer mu.Unlock()

	addr := uintptr(ptr)
	if addr < heapStart || addr >= heapStart+heapSize {
		panic(&kernel.Error{Module: "heap", Message: "pointer out of heap bounds"})
	}

	n := nodeFromDataPointer(addr)
	if !n.isValid() {
		panic(&kernel.Error{Module: "heap", Message: "corrupt or foreign heap pointer"})
	}
	if n.isFree() {
		panic(&kernel.Error{Module: "heap", Message: "double free"})
	}
	n.markFree()

	insertFree(n)
	mergeFreeAreas()
}

func insertFree(n node) {
	if firstFree == 0 || uintptr(n) < uintptr(firstFree) {
		n.setNext(firstFree)
		firstFree = n
		return
	}
	for cur := firstFree; cur != 0; cur = cur.next() {
		next := cur.next()
		if uintptr(cur) < uintptr(n) && (next == 0 || uintptr(n) < uintptr(next)) {
			cur.setNext(n)
			n.setNext(next)
			return
		}
	}
}

// mergeFreeAreas coalesces every pair of physically adjacent free nodes
// in the list into a single node.
func mergeFreeAreas() {
	for cur := firstFree; cur != 0; {
		next := cur.next()
		if next != 0 && uintptr(cur)+cur.size() == uintptr(next) {
			cur.setSize(cur.size() + next.size())
			cur.setNext(next.next())
			continue
		}
		cur = next
	}
}
