// Package pmm implements the kernel's physical frame allocator: a bitmap of
// free/reserved frames plus a parallel refcount table used to resolve
// copy-on-write faults. Grounded on gopher-os' bootmem.go and
// allocator/bitmap_allocator.go, collapsed into a single allocator (no
// early/late allocator handoff) since this kernel brings up its memory map
// in one pass instead of staging through a scratch allocator first.
package pmm

import (
	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/mem"
	"sync"
)

// Region describes a contiguous run of physical memory that the allocator
// is free to hand out, as reported by the BIOS memory map.
type Region struct {
	StartFrame mem.Frame
	FrameCount uint32
}

var (
	mu sync.RWMutex

	// bitmap holds one bit per frame in [0, frameCount). A set bit means
	// the frame is reserved (allocated or outside any usable region).
	bitmap []uint64

	// Refcounts holds one byte per frame in [0, frameCount), used to
	// track how many page tables currently map an anonymous frame. Any
	// frame present in more than one page table must have a refcount
	// equal to the number of mappings.
	Refcounts []uint8

	frameCount uint32
	freeCount  uint32
)

// Init builds the bitmap and refcount table to cover frameCount physical
// frames, marks every frame reserved by default, then frees the frames
// described by usable. Callers are expected to additionally call
// AllocateRange for the kernel image and the bitmap's own backing storage
// before the allocator is used for general allocation: per spec.md's
// FrameBitmap invariant, the BIOS low page, the kernel image, and the bitmap
// itself must end up permanently allocated.
func Init(frames uint32, usable []Region) {
	mu.Lock()
	defer mu.Unlock()

	words := (frames + 63) / 64
	bitmap = make([]uint64, words)
	Refcounts = make([]uint8, frames)
	frameCount = frames
	freeCount = 0

	// Start fully reserved; usable regions get cleared below.
	for i := range bitmap {
		bitmap[i] = ^uint64(0)
	}

	for _, r := range usable {
		clearRange(r.StartFrame, r.FrameCount)
	}
}

func bitIndex(f mem.Frame) (word int, mask uint64) {
	return int(f / 64), uint64(1) << (uint(f) % 64)
}

func isSet(f mem.Frame) bool {
	w, m := bitIndex(f)
	return bitmap[w]&m != 0
}

func setBit(f mem.Frame) {
	w, m := bitIndex(f)
	if bitmap[w]&m == 0 {
		bitmap[w] |= m
		freeCount--
	}
}

func clearBit(f mem.Frame) {
	w, m := bitIndex(f)
	if bitmap[w]&m != 0 {
		bitmap[w] &^= m
		freeCount++
	}
}

func clearRange(start mem.Frame, count uint32) {
	for i := uint32(0); i < count; i++ {
		clearBit(start + mem.Frame(i))
	}
}

// AllocateFrames scans the bitmap for the first run of n contiguous clear
// bits, marks them allocated and returns the resulting range.
func AllocateFrames(n uint32) (mem.FrameRange, *kernel.Error) {
	mu.Lock()
	defer mu.Unlock()

	start, err := findFreeRangeLocked(n)
	if err != nil {
		return mem.FrameRange{}, err
	}

	for i := uint32(0); i < n; i++ {
		setBit(start + mem.Frame(i))
	}

	return mem.FrameRange{Start: start.Address(), Length: uintptr(n) * mem.PageSize}, nil
}

// FindFreeRange scans the bitmap for the first run of n contiguous clear
// bits without reserving it.
func FindFreeRange(n uint32) (mem.Frame, *kernel.Error) {
	mu.RLock()
	defer mu.RUnlock()
	return findFreeRangeLocked(n)
}

func findFreeRangeLocked(n uint32) (mem.Frame, *kernel.Error) {
	if n == 0 {
		return 0, nil
	}

	var run uint32
	var runStart mem.Frame
	for f := mem.Frame(0); uint32(f) < frameCount; f++ {
		if isSet(f) {
			run = 0
			continue
		}
		if run == 0 {
			runStart = f
		}
		run++
		if run == n {
			return runStart, nil
		}
	}

	return 0, errors.ErrOutOfMemory
}

// AllocateRange marks every frame in r as allocated, regardless of its
// current state. kmain uses it during boot to reserve the BIOS low page and
// the kernel image.
func AllocateRange(r mem.FrameRange) {
	mu.Lock()
	defer mu.Unlock()
	for f := r.FirstFrame(); f <= r.LastFrame(); f++ {
		setBit(f)
	}
}

// FreeRange clears every frame in r, making it available for allocation
// again.
func FreeRange(r mem.FrameRange) {
	mu.Lock()
	defer mu.Unlock()
	for f := r.FirstFrame(); f <= r.LastFrame(); f++ {
		clearBit(f)
	}
}

// AllocFrame allocates a single frame. It is registered as the vmm
// package's frame allocator via mem.SetFrameAllocator.
func AllocFrame() (mem.Frame, *kernel.Error) {
	r, err := AllocateFrames(1)
	if err != nil {
		return mem.InvalidFrame, err
	}
	return r.FirstFrame(), nil
}

// Reference increments the refcount for frame and returns the new count. A
// freshly allocated anonymous frame starts with an implicit refcount of 1;
// callers that share an existing mapping (fork with ReadOnly/CopyOnWrite
// policy) call Reference once per additional mapping.
func Reference(f mem.Frame) uint8 {
	mu.Lock()
	defer mu.Unlock()
	if Refcounts[f] == 0 {
		Refcounts[f] = 1
	}
	Refcounts[f]++
	return Refcounts[f]
}

// Release decrements the refcount for frame and returns the new count. When
// the count reaches zero the caller is responsible for calling FreeRange to
// return the frame to the bitmap; Release itself never mutates the bitmap
// so that callers can batch the two operations under a single unmap walk.
func Release(f mem.Frame) uint8 {
	mu.Lock()
	defer mu.Unlock()
	if Refcounts[f] > 0 {
		Refcounts[f]--
	}
	return Refcounts[f]
}

// GetFrameForCopyOnWrite implements spec.md's sole entry point for
// resolving a CoW write fault: if prev is still shared (refcount > 1) a
// fresh frame is allocated and prev's refcount is decremented; otherwise
// prev is returned unchanged since this process already holds the only
// reference to it. The caller copies prev's contents into the returned
// frame whenever copied is true.
func GetFrameForCopyOnWrite(prev mem.Frame) (frame mem.Frame, copied bool, err *kernel.Error) {
	mu.Lock()
	count := Refcounts[prev]
	mu.Unlock()

	if count <= 1 {
		return prev, false, nil
	}

	fresh, err := AllocFrame()
	if err != nil {
		return mem.InvalidFrame, false, err
	}

	Release(prev)
	return fresh, true, nil
}

// FreeFrames returns the number of currently unallocated frames.
func FreeFrames() uint32 {
	mu.RLock()
	defer mu.RUnlock()
	return freeCount
}

// TotalFrames returns the total number of frames managed by the allocator.
func TotalFrames() uint32 {
	mu.RLock()
	defer mu.RUnlock()
	return frameCount
}
