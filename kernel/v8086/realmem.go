package v8086

import (
	"reflect"
	"unsafe"
)

// linear turns a real-mode segment:offset pair into the flat address it
// names, the same (cs << 4) + ip arithmetic dos/emulation.rs's handle_gpf
// used to find the faulting opcode.
func linear(segment, offset uint32) uintptr {
	return uintptr(segment<<4 + (offset & 0xffff))
}

// realByte reads raw memory. It assumes the caller's address falls inside
// the low megabyte every process' page directory identity-maps (see
// kernel/mem/vmm.Init's setupPDTForKernel), the same assumption
// kernel/procmem's page-fault handler makes about a process' own memory
// being directly addressable while its page directory is the active one.
func realByte(addr uintptr) byte {
	return *(*byte)(unsafe.Pointer(addr))
}

func realWord(addr uintptr) uint16 {
	return *(*uint16)(unsafe.Pointer(addr))
}

func writeRealWord(addr uintptr, v uint16) {
	*(*uint16)(unsafe.Pointer(addr)) = v
}

func realBytes(addr uintptr, length int) []byte {
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: addr,
		Len:  length,
		Cap:  length,
	}))
}
