package procmem

import (
	"reflect"
	"unsafe"

	"nx32/kernel"
	"nx32/kernel/mem"
	"nx32/kernel/mem/pmm"
	"nx32/kernel/mem/vmm"
)

// byteSliceAt overlays a []byte on top of an arbitrary address, the same
// technique kernel.Memset/Memcopy use, so a read into a faulted-in page
// can be expressed as an ordinary slice read without a bounce buffer.
func byteSliceAt(addr, size uintptr) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  int(size),
		Cap:  int(size),
	}))
}

// ExecFileReader reads len(dst) bytes from a process' backing executable
// file starting at offset, returning the number of bytes actually read.
// The loader supplies this per process; it lets ResolveFault stay
// independent of the filesystem layer.
type ExecFileReader func(dst []byte, offset uintptr) (int, *kernel.Error)

// ResolveFault attempts to satisfy a non-present page fault at
// faultAddress against m's execution segments and mmap regions. It
// returns true if the fault was resolved and the faulting instruction
// can be retried. write is true for a write fault, matching the page
// fault error code's bit 1.
//
// No package registers ResolveFault with vmm.SetDemandPageHandler, so the
// page-fault handler does not reach it.
func ResolveFault(m *MemoryRegions, readExecFile ExecFileReader, faultAddress uintptr, write bool) bool {
	page := mem.PageFromAddress(mem.VirtualAddress(faultAddress)).Address()

	if seg, ok := m.GetExecutionSegmentContainingAddress(mem.VirtualAddress(faultAddress)); ok {
		return resolveExecPage(seg, readExecFile, uintptr(page), write)
	}

	if r, ok := m.GetMappingContainingAddress(mem.VirtualAddress(faultAddress)); ok {
		return resolveMMapPage(r, uintptr(page))
	}

	if uintptr(faultAddress) >= m.HeapStart && uintptr(faultAddress) < m.HeapStart+m.HeapSize {
		return mapAnonymousPage(uintptr(page), true)
	}

	return false
}

func resolveExecPage(seg *ExecutionSegment, readExecFile ExecFileReader, pageAddr uintptr, write bool) bool {
	if write && !seg.Writable {
		return false
	}

	frame, err := pmm.AllocFrame()
	if err != nil {
		return false
	}
	tmp, err := vmm.MapTemporary(frame)
	if err != nil {
		return false
	}

	segOffset := pageAddr - uintptr(seg.Base)
	kernel.Memset(uintptr(tmp.Address()), 0, mem.PageSize)

	if sec, ok := seg.SectionAt(mem.VirtualAddress(pageAddr)); ok && sec.ExecutableOffset != nil && readExecFile != nil {
		if sub, within := sec.ClipTo(segOffset, segOffset+mem.PageSize); within && sub.ExecutableOffset != nil {
			dstOffset := sub.SegmentOffset - segOffset
			dst := byteSliceAt(uintptr(tmp.Address())+dstOffset, sub.Size)
			readExecFile(dst, *sub.ExecutableOffset)
		}
	}

	_ = vmm.Unmap(tmp)

	flags := vmm.FlagPresent | vmm.FlagUserAccessible
	if seg.Writable {
		flags |= vmm.FlagRW
	}
	if err := vmm.Map(mem.PageFromAddress(mem.VirtualAddress(pageAddr)), frame, flags); err != nil {
		return false
	}
	return true
}

func resolveMMapPage(r *MMapRegion, pageAddr uintptr) bool {
	switch r.Backing.Kind {
	case BackingAnonymous:
		return mapAnonymousPage(pageAddr, true)
	case BackingDMA:
		// TODO: pmm has no allocator variant that constrains to frames
		// below the 16 MiB ISA DMA line; this currently accepts whatever
		// pmm.AllocFrame returns.
		return mapAnonymousPage(pageAddr, true)
	case BackingDirect:
		offset := pageAddr - uintptr(r.Address)
		frame := mem.FrameFromAddress(r.Backing.PhysAddr + mem.PhysicalAddress(offset))
		return vmm.Map(mem.PageFromAddress(mem.VirtualAddress(pageAddr)), frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible) == nil
	default:
		return false
	}
}

func mapAnonymousPage(pageAddr uintptr, writable bool) bool {
	frame, err := pmm.AllocFrame()
	if err != nil {
		return false
	}
	tmp, err := vmm.MapTemporary(frame)
	if err != nil {
		return false
	}
	kernel.Memset(uintptr(tmp.Address()), 0, mem.PageSize)
	_ = vmm.Unmap(tmp)

	flags := vmm.FlagPresent | vmm.FlagUserAccessible
	if writable {
		flags |= vmm.FlagRW
	}
	return vmm.Map(mem.PageFromAddress(mem.VirtualAddress(pageAddr)), frame, flags) == nil
}
