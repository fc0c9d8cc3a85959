// Package irq builds the interrupt descriptor table, routes CPU exceptions
// and PIC-driven hardware interrupts to registered Go handlers, and
// acknowledges the 8259 controllers. Each IDT vector that the kernel cares
// about is backed by a small hand-written assembly stub (gate_386.s) that
// saves the register and fault-frame state on the kernel stack and calls
// into isrDispatch; everything past that point is ordinary Go.
//
// Vectors the kernel never installs a stub for are left as not-present
// gates: firing one of those (a CPU exception this kernel does not expect,
// such as a coprocessor fault) is unrecoverable and is allowed to cascade
// into a double/triple fault rather than being caught gracefully.
package irq

import (
	"nx32/kernel/cpu"
	"unsafe"
)

type idtEntry struct {
	offsetLow  uint16
	selector   uint16
	zero       uint8
	typeAttr   uint8
	offsetHigh uint16
}

const (
	idtSize            = 256
	kernelCodeSelector = 0x08

	// present, ring 0, 32-bit interrupt gate. Interrupt (as opposed to
	// trap) gates clear IF on entry, matching how this kernel expects
	// exception/IRQ handlers to run with interrupts disabled until they
	// explicitly re-enable them.
	gateInterrupt32 = 0x8E

	// gateInterrupt32Ring3 is gateInterrupt32 with DPL=3, the one gate a
	// ring 3 (or v8086) task is permitted to INT into directly: the
	// syscall vector.
	gateInterrupt32Ring3 = 0xEE
)

var idt [idtSize]idtEntry

var idtDescriptor struct {
	limit uint16
	base  uint32
}

func setGate(vector uint8, handler uintptr) {
	setGateAttr(vector, handler, gateInterrupt32)
}

func setGateAttr(vector uint8, handler uintptr, typeAttr uint8) {
	idt[vector] = idtEntry{
		offsetLow:  uint16(handler),
		selector:   kernelCodeSelector,
		zero:       0,
		typeAttr:   typeAttr,
		offsetHigh: uint16(handler >> 16),
	}
}

// stub vectors, grouped by whether the CPU pushes a hardware error code.
var (
	vectorDivideByZero   uintptr = funcPC(isrDivideByZero)
	vectorInvalidOpcode  uintptr = funcPC(isrInvalidOpcode)
	vectorDoubleFault    uintptr = funcPC(isrDoubleFault)
	vectorGPF            uintptr = funcPC(isrGPF)
	vectorPageFault      uintptr = funcPC(isrPageFault)
	vectorIRQ            [16]uintptr
)

// Init installs the gates this kernel handles and loads the IDT register.
func Init() {
	setGate(uint8(DivideByZero), vectorDivideByZero)
	setGate(uint8(InvalidOpcode), vectorInvalidOpcode)
	setGate(uint8(DoubleFault), vectorDoubleFault)
	setGate(uint8(GPFException), vectorGPF)
	setGate(uint8(PageFaultException), vectorPageFault)
	setGateAttr(uint8(SyscallVector), funcPC(isrSyscall), gateInterrupt32Ring3)

	remapPIC()
	for line := uint8(0); line < 16; line++ {
		setGate(picBaseVector+line, irqStubAddr(line))
	}

	idtDescriptor.limit = uint16(unsafe.Sizeof(idt) - 1)
	idtDescriptor.base = uint32(uintptr(unsafe.Pointer(&idt[0])))
	cpu.LoadIDT(uintptr(unsafe.Pointer(&idtDescriptor)))
}

// isrFrame mirrors the layout gate_386.s leaves on the kernel stack when it
// calls into isrDispatch: the seven saved general-purpose registers
// followed by the vector number, the (possibly synthesized) error code and
// the CPU-pushed exception frame. Regs and Frame in handler_386.go /
// interrupt_386.go point directly into this memory, so handler
// modifications are visible to the IRETL that resumes execution.
type isrFrame struct {
	regs      Regs
	vector    uint32
	errorCode uint32
	frame     Frame
}

// isrDispatch is called by the common assembly trampoline with SP pointing
// at an isrFrame. It must not grow the stack (NOSPLIT in the calling
// convention sense is enforced by keeping this call chain free of
// additional Go-runtime-managed stack frames beyond what the trampoline
// already reserved).
func isrDispatch(f *isrFrame) {
	switch {
	case f.vector == uint32(DivideByZero):
		if h := exceptionHandlers[DivideByZero]; h != nil {
			h(&f.frame, &f.regs)
		}
	case f.vector == uint32(InvalidOpcode):
		if h := exceptionHandlers[InvalidOpcode]; h != nil {
			h(&f.frame, &f.regs)
		}
	case f.vector == uint32(DoubleFault):
		if h := exceptionHandlersWithCode[DoubleFault]; h != nil {
			h(f.errorCode, &f.frame, &f.regs)
		}
	case f.vector == uint32(GPFException):
		if h := exceptionHandlersWithCode[GPFException]; h != nil {
			h(f.errorCode, &f.frame, &f.regs)
		}
	case f.vector == uint32(PageFaultException):
		if h := exceptionHandlersWithCode[PageFaultException]; h != nil {
			h(f.errorCode, &f.frame, &f.regs)
		}
	case f.vector >= uint32(picBaseVector) && f.vector < uint32(picBaseVector)+16:
		line := uint8(f.vector - uint32(picBaseVector))
		if h := irqHandlers[line]; h != nil {
			h(&f.frame, &f.regs)
		}
		sendEOI(line)
	case f.vector == uint32(SyscallVector):
		if syscallHandler != nil {
			syscallHandler(&f.regs)
		}
	}
}

// funcPC returns the entry address of a Go function value. It is used only
// to obtain the addresses of the no-body asm stub declarations below so
// Init can install them as IDT gate targets.
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

func irqStubAddr(line uint8) uintptr {
	return vectorIRQ[line]
}

// isrDivideByZero, isrInvalidOpcode, isrDoubleFault, isrGPF and
// isrPageFault are entry trampolines implemented in gate_386.s. Each saves
// the CPU/register state and calls isrDispatch before returning via IRETL.
func isrDivideByZero()
func isrInvalidOpcode()
func isrDoubleFault()
func isrGPF()
func isrPageFault()

// isrSyscall is the INT 0x80 entry trampoline, implemented in gate_386.s.
func isrSyscall()

// isrIRQ0..isrIRQ15 are the 16 PIC-routed hardware interrupt stubs,
// implemented in gate_386.s.
func isrIRQ0()
func isrIRQ1()
func isrIRQ2()
func isrIRQ3()
func isrIRQ4()
func isrIRQ5()
func isrIRQ6()
func isrIRQ7()
func isrIRQ8()
func isrIRQ9()
func isrIRQ10()
func isrIRQ11()
func isrIRQ12()
func isrIRQ13()
func isrIRQ14()
func isrIRQ15()

func init() {
	vectorIRQ = [16]uintptr{
		funcPC(isrIRQ0), funcPC(isrIRQ1), funcPC(isrIRQ2), funcPC(isrIRQ3),
		funcPC(isrIRQ4), funcPC(isrIRQ5), funcPC(isrIRQ6), funcPC(isrIRQ7),
		funcPC(isrIRQ8), funcPC(isrIRQ9), funcPC(isrIRQ10), funcPC(isrIRQ11),
		funcPC(isrIRQ12), funcPC(isrIRQ13), funcPC(isrIRQ14), funcPC(isrIRQ15),
	}
}
