package v8086

import (
	"nx32/kernel/irq"
	"nx32/kernel/kfmt"
)

// handleInterrupt is reached from a trapped INT imm8. Only INT 0x21 (the DOS
// API) gets real treatment; everything else dos/emulation.rs' handle_interrupt
// either panicked on or, for the BIOS video/keyboard services, dispatched to
// a sub-handler whose match arms were themselves all empty. This keeps that
// second behavior (silently return, the program's own polling loop is left
// to cope) without carrying over the panics, since a fault a real DOS
// program never triggers in practice isn't worth taking the task down for.
func handleInterrupt(vector byte, frame *irq.Frame, regs *irq.Regs) {
	switch vector {
	case 0x10, 0x16:
		// Video and keyboard BIOS services: acknowledged, not implemented.
	case 0x21:
		dosAPI(frame, regs)
	case 0x20:
		terminateCurrent()
	}
}

// dosAPI implements the handful of INT 21h functions a DOS program needs to
// do visible I/O under emulation, grounded on syscall_legacy.rs' dos_api.
func dosAPI(frame *irq.Frame, regs *irq.Regs) {
	switch ah(regs) {
	case 0x02:
		// Print character in DL to stdout.
		kfmt.Printf("%c", byte(regs.EDX))
		setAL(regs, byte(regs.EDX))

	case 0x09:
		// Print '$'-terminated string at DS:DX to stdout.
		addr := linear(frame.DS, regs.EDX)
		for i := 0; i < 0x10000; i++ {
			c := realByte(addr + uintptr(i))
			if c == '$' {
				break
			}
			kfmt.Printf("%c", c)
		}
		setAL(regs, '$')

	case 0x4c:
		// Terminate with return code in AL.
		code := uint32(al(regs))
		terminateWithCode(code)
	}
}

func ah(regs *irq.Regs) byte { return byte(regs.EAX >> 8) }
func al(regs *irq.Regs) byte { return byte(regs.EAX) }

func setAL(regs *irq.Regs, v byte) {
	regs.EAX = (regs.EAX &^ 0xff) | uint32(v)
}
