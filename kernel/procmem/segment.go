// Package procmem implements the per-process memory model: execution
// segments loaded from an executable's sections, a growable brk-style
// heap, and a sorted set of mmap regions. It has no architecture
// dependency of its own — page table manipulation in response to the
// decisions made here is the page-fault router's job
// (kernel/mem/vmm/fault.go), mirroring how kernel/mem's Frame/Page
// arithmetic is itself architecture-neutral.
package procmem

import (
	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/mem"
)

// ForkPolicy decides how a region is handled when its owning process
// forks: shared unchanged, shared but already writable, or copy-on-write.
type ForkPolicy uint8

const (
	ForkShareReadOnly ForkPolicy = iota
	ForkShareReadWrite
	ForkCopyOnWrite
)

// ExecutionSection describes a contiguous byte range of a segment backed
// either by bytes read from the executable file (ExecutableOffset set) or
// by zero-fill (ExecutableOffset nil, e.g. BSS).
type ExecutionSection struct {
	SegmentOffset   uintptr
	ExecutableOffset *uintptr
	Size            uintptr
}

// ClipTo intersects the section with the half-open byte range
// [rangeStart, rangeEnd) measured from the start of the owning segment,
// returning the clipped section and whether the intersection is
// non-empty. Used by the page-fault handler to determine exactly which
// file bytes (if any) belong in a single faulted-in page.
func (s ExecutionSection) ClipTo(rangeStart, rangeEnd uintptr) (ExecutionSection, bool) {
	secStart := s.SegmentOffset
	secEnd := s.SegmentOffset + s.Size

	start := secStart
	if rangeStart > start {
		start = rangeStart
	}
	end := secEnd
	if rangeEnd < end {
		end = rangeEnd
	}
	if start >= end {
		return ExecutionSection{}, false
	}

	clipped := ExecutionSection{
		SegmentOffset: start,
		Size:          end - start,
	}
	if s.ExecutableOffset != nil {
		off := *s.ExecutableOffset + (start - secStart)
		clipped.ExecutableOffset = &off
	}
	return clipped, true
}

// ExecutionSegment is a page-aligned virtual region backed by one or more
// ExecutionSections, e.g. an ELF PT_LOAD segment or a DOS program's code
// image.
type ExecutionSegment struct {
	Base       mem.VirtualAddress
	Size       uintptr
	Writable   bool
	Sections   []ExecutionSection
	ForkPolicy ForkPolicy
}

// Contains reports whether addr falls within the segment's virtual range.
func (s *ExecutionSegment) Contains(addr mem.VirtualAddress) bool {
	start := uintptr(s.Base)
	return uintptr(addr) >= start && uintptr(addr) < start+s.Size
}

// SectionAt returns the section containing addr, if any.
func (s *ExecutionSegment) SectionAt(addr mem.VirtualAddress) (ExecutionSection, bool) {
	offset := uintptr(addr) - uintptr(s.Base)
	for _, sec := range s.Sections {
		if offset >= sec.SegmentOffset && offset < sec.SegmentOffset+sec.Size {
			return sec, true
		}
	}
	return ExecutionSection{}, false
}

func pageAligned(v uintptr) bool {
	return v&(mem.PageSize-1) == 0
}

// NewExecutionSegment validates that base/size are page-aligned and every
// section fits within the segment before returning it.
func NewExecutionSegment(base mem.VirtualAddress, size uintptr, writable bool, sections []ExecutionSection, policy ForkPolicy) (*ExecutionSegment, *kernel.Error) {
	if !pageAligned(uintptr(base)) || !pageAligned(size) {
		return nil, errors.ErrSegmentWrongAlignment
	}
	for _, sec := range sections {
		if sec.SegmentOffset+sec.Size > size {
			return nil, errors.ErrSectionOutOfBounds
		}
	}
	return &ExecutionSegment{Base: base, Size: size, Writable: writable, Sections: sections, ForkPolicy: policy}, nil
}
