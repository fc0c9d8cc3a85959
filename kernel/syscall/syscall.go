// Package syscall dispatches INT 0x80 traps raised by native processes and
// by v8086-emulated DOS programs whose INT 21h handler falls through to the
// native ABI. The calling convention is the one syscall/src/lib.rs used:
// EAX selects the method, EBX/ECX/EDX carry up to three arguments, and the
// result is returned in EAX, with the top bit set to flag an error code
// from kernel/errors rather than a success value.
package syscall

import (
	"unsafe"

	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/fs"
	"nx32/kernel/fs/pipe"
	"nx32/kernel/irq"
	"nx32/kernel/sched"
)

// Method identifies a syscall number, using the exact values native
// processes were built against.
type Method uint32

const (
	MethodExit       Method = 0x00
	MethodFork       Method = 0x01
	MethodExec       Method = 0x02
	MethodGetPID     Method = 0x03
	MethodBrk        Method = 0x04
	MethodSleep      Method = 0x05
	MethodYield      Method = 0x06
	MethodRaise      Method = 0x07
	MethodSendSignal Method = 0x08
	MethodWaitPID    Method = 0x09
	MethodOpen       Method = 0x10
	MethodRead       Method = 0x12
	MethodWrite      Method = 0x13
	MethodDup        Method = 0x1d
	MethodIoctl      Method = 0x1e
	MethodPipe       Method = 0x1f
	MethodSeek       Method = 0x20
	MethodDebug      Method = 0xffff
)

// errorBit is set in a returned EAX value to signal that the low bits hold
// a kernel/errors error code rather than a success value.
const errorBit = 0x80000000

// errorCodes assigns each sentinel error from kernel/errors the numeric
// code syscall/src/result.rs's SystemError enum expects a caller built
// against that ABI to see.
var errorCodes = map[*kernel.Error]uint32{
	errors.ErrBadFileDescriptor:  1,
	errors.ErrNoSuchDrive:        2,
	errors.ErrNoSuchFileSystem:   3,
	errors.ErrNoSuchEntity:       4,
	errors.ErrNotDirectory:       5,
	errors.ErrNotEmpty:           6,
	errors.ErrBrokenPipe:         7,
	errors.ErrInvalidSeek:        8,
	errors.ErrUnsupportedCommand: 9,
	errors.ErrIOError:            10,
	errors.ErrMaxFilesExceeded:   11,
}

// encodeError maps a kernel.Error to the EAX value its caller expects back.
// An error with no entry in errorCodes (one this ABI's callers were never
// meant to see, e.g. a pmm/procmem error) is reported as code 0, "unknown".
func encodeError(err *kernel.Error) uint32 {
	code, ok := errorCodes[err]
	if !ok {
		code = 0
	}
	return errorBit | code
}

// Init registers dispatch as the kernel's INT 0x80 handler. It must be
// called once, after kernel/irq.Init. A trap taken before kernel/sched.Init
// has installed a current process returns errorBit.
func Init() {
	irq.HandleSyscall(dispatch)
}

func dispatch(regs *irq.Regs) {
	p := sched.Current()
	if p == nil {
		regs.EAX = errorBit
		return
	}

	switch Method(regs.EAX) {
	case MethodExit:
		doExit(p, regs.EBX)
	case MethodFork:
		regs.EAX = uint32(sched.Fork(p))
	case MethodGetPID:
		regs.EAX = uint32(p.ID)
	case MethodBrk:
		regs.EAX = doBrk(p, regs.EBX, regs.ECX)
	case MethodSleep:
		p.Sleep(uint(regs.EBX))
		regs.EAX = 0
	case MethodYield:
		sched.Yield()
		regs.EAX = 0
	case MethodWaitPID:
		regs.EAX = doWaitPID(p, sched.PID(regs.EBX))
	case MethodOpen:
		regs.EAX = doOpen(p, regs.EBX)
	case MethodRead:
		regs.EAX = doRead(p, regs.EBX, regs.ECX, regs.EDX)
	case MethodWrite:
		regs.EAX = doWrite(p, regs.EBX, regs.ECX, regs.EDX)
	case MethodDup:
		regs.EAX = doDup(p, regs.EBX, regs.ECX)
	case MethodSeek:
		regs.EAX = doSeek(p, regs.EBX, regs.ECX, regs.EDX)
	case MethodPipe:
		regs.EAX = doPipe(p, regs.EBX, regs.ECX)
	case MethodDebug:
		regs.EAX = 0
	default:
		regs.EAX = errorBit
	}
}

// stringPtr mirrors syscall/src/data.rs' StringPtr: a length-prefixed
// pointer into the calling process' address space, not NUL-terminated.
type stringPtr struct {
	addr   uint32
	length uint32
}

func readUserString(addr uint32) string {
	if addr == 0 {
		return ""
	}
	sp := (*stringPtr)(unsafe.Pointer(uintptr(addr)))
	if sp.length == 0 {
		return ""
	}
	return string(userBytes(sp.addr, sp.length))
}

// userBytes builds a []byte view directly over a range of the calling
// process' address space. It relies on that process' page directory still
// being the active one, exactly as kernel/procmem's page fault handlers
// already assume when they deref fault addresses directly.
func userBytes(addr, length uint32) []byte {
	return *(*[]byte)(unsafe.Pointer(&sliceHeader{
		Data: uintptr(addr),
		Len:  int(length),
		Cap:  int(length),
	}))
}

type sliceHeader struct {
	Data uintptr
	Len  int
	Cap  int
}

func doExit(p *sched.Process, code uint32) {
	p.Terminate()
	if parent, ok := sched.Lookup(p.ParentID); ok {
		parent.ChildReturned(p.ID, code)
	}
	sched.Yield()
}

func doBrk(p *sched.Process, mode, arg uint32) uint32 {
	var delta int
	if mode == 0 {
		// absolute brk: arg is a target address, translate to a delta
		// against the heap's current top.
		delta = int(arg) - int(p.Memory.HeapStart+p.Memory.HeapSize)
	} else {
		delta = int(int32(arg))
	}
	newEnd, err := p.Memory.IncreaseHeap(delta)
	if err != nil {
		return encodeError(err)
	}
	return uint32(newEnd)
}

func doWaitPID(p *sched.Process, target sched.PID) uint32 {
	p.WaitForChild(target)
	sched.Yield()
	return p.TakeResumeCode()
}

func doOpen(p *sched.Process, ptrAddr uint32) uint32 {
	path := readUserString(ptrAddr)
	f, err := fs.Open(path)
	if err != nil {
		return encodeError(err)
	}
	return uint32(p.Files.Insert(f))
}

func doRead(p *sched.Process, handle, bufAddr, length uint32) uint32 {
	f, ok := p.Files.Get(int(handle))
	if !ok {
		return encodeError(errors.ErrBadFileDescriptor)
	}
	n, err := f.Read(userBytes(bufAddr, length))
	if err != nil {
		return encodeError(err)
	}
	return uint32(n)
}

func doWrite(p *sched.Process, handle, bufAddr, length uint32) uint32 {
	f, ok := p.Files.Get(int(handle))
	if !ok {
		return encodeError(errors.ErrBadFileDescriptor)
	}
	n, err := f.Write(userBytes(bufAddr, length))
	if err != nil {
		return encodeError(err)
	}
	return uint32(n)
}

func doDup(p *sched.Process, handle, replace uint32) uint32 {
	f, ok := p.Files.Get(int(handle))
	if !ok {
		return encodeError(errors.ErrBadFileDescriptor)
	}
	if replace == 0xffffffff {
		return uint32(p.Files.Insert(f))
	}
	p.Files.Put(int(replace), f)
	return replace
}

func doSeek(p *sched.Process, handle, mode, arg uint32) uint32 {
	f, ok := p.Files.Get(int(handle))
	if !ok {
		return encodeError(errors.ErrBadFileDescriptor)
	}
	whence := fs.SeekStart
	if mode == 1 {
		whence = fs.SeekCurrent
	}
	off, err := f.Seek(int64(int32(arg)), whence)
	if err != nil {
		return encodeError(err)
	}
	return uint32(off)
}

func doPipe(p *sched.Process, slot0Addr, slot1Addr uint32) uint32 {
	r, w := pipe.New()
	readFD := p.Files.Insert(r)
	writeFD := p.Files.Insert(w)

	*(*uint32)(unsafe.Pointer(uintptr(slot0Addr))) = uint32(readFD)
	*(*uint32)(unsafe.Pointer(uintptr(slot1Addr))) = uint32(writeFD)
	return 0
}
