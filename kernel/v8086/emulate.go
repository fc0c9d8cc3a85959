package v8086

import (
	"nx32/kernel/irq"
	"nx32/kernel/sched"
)

// Real-mode opcodes this package traps and emulates, matching the set
// dos/emulation.rs' handle_gpf recognizes.
const (
	opPushF = 0x9c
	opPopF  = 0x9d
	opInt   = 0xcd
	opIret  = 0xcf
	opCli   = 0xfa
	opSti   = 0xfb
)

// emulate inspects the opcode byte at the faulting instruction. If it is
// one of the handful of instructions that only fault because they touch
// IF, the interrupt vector table, or a privileged return, it performs the
// equivalent effect directly on frame/regs and advances past it, returning
// true. Anything else returns false so the caller can fall back to
// treating the fault as real.
func emulate(frame *irq.Frame, regs *irq.Regs) bool {
	opAddr := linear(frame.CS, frame.EIP)
	op := realByte(opAddr)

	switch op {
	case opPushF:
		push16(frame, uint16(frame.EFlags))
		frame.EIP++
		return true

	case opPopF:
		frame.EFlags = uint32(pop16(frame)) | entryEFlagsBase
		frame.EIP++
		return true

	case opCli, opSti:
		// No per-task interrupt-enable state is virtualized; letting the
		// instruction retire without touching the real IF bit is enough
		// for a DOS program that merely brackets a critical section with
		// CLI/STI to keep running.
		frame.EIP++
		return true

	case opInt:
		vector := realByte(opAddr + 1)
		handleInterrupt(vector, frame, regs)
		frame.EIP += 2
		return true

	case opIret:
		ip := pop16(frame)
		cs := pop16(frame)
		flags := pop16(frame)
		if cs == 0 && ip == 0 {
			// Jumping to the interrupt vector table's own address 0000:0000
			// isn't something a DOS program does on purpose; it is how one
			// signals it is done running. There is no protected-mode return
			// address to resume at here, unlike the original's mode-setting
			// use case, so the task simply exits.
			terminateCurrent()
			return true
		}
		frame.EIP = uint32(ip)
		frame.CS = uint32(cs)
		frame.EFlags = uint32(flags) | entryEFlagsBase
		return true
	}

	return false
}

func push16(frame *irq.Frame, v uint16) {
	frame.ESP = (frame.ESP - 2) & 0xffff
	writeRealWord(linear(frame.SS, frame.ESP), v)
}

func pop16(frame *irq.Frame) uint16 {
	v := realWord(linear(frame.SS, frame.ESP))
	frame.ESP = (frame.ESP + 2) & 0xffff
	return v
}

func terminateCurrent() {
	terminateWithCode(0)
}

func terminateWithCode(code uint32) {
	p := sched.Current()
	if p == nil {
		return
	}
	p.Terminate()
	if parent, ok := sched.Lookup(p.ParentID); ok {
		parent.ChildReturned(p.ID, code)
	}
	sched.Yield()
}
