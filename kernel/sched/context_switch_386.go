package sched

import "unsafe"

// Package-level doc for the two kernel stack shapes archContextSwitch and
// enterProcess cooperate on:
//
//   - A process that has run before has a kernel stack whose top looks like
//     a normal call stack: [EDI][ESI][EBX][EBP][return address into
//     whichever caller invoked Yield]. archContextSwitch pops the four
//     registers and RETs into that return address, resuming exactly where
//     the process left off.
//
//   - A process that has never run has its kernel stack primed by
//     PrepareInitialStack with the same four-register prologue, but its
//     "return address" instead points at enterProcess, a small trampoline
//     that performs the ring/v8086 transition via IRETL using a raw
//     interrupt-return frame PrepareInitialStack lays out just above it.
//     This mirrors how a hardware interrupt return already works: the only
//     difference is that nothing actually interrupted this stack, the
//     frame was constructed by hand.

// entryFrame is the raw frame IRETL expects to find on the stack: the
// instruction pointer and segment to resume at, the flags to restore, and
// (only meaningful on a privilege-level change) the stack to switch to.
type entryFrame struct {
	eip    uint32
	cs     uint32
	eflags uint32
	esp    uint32
	ss     uint32
}

// PrepareInitialStack writes a kernel stack for a process that has never
// run, such that the next switchTo targeting it resumes execution at eip in
// the context described by cs/eflags/esp/ss. stackTop must be the
// exclusive upper bound of a page (or larger) region already mapped into
// the target process' address space.
func PrepareInitialStack(stackTop uintptr, eip, cs, eflags, esp, ss uint32) uintptr {
	frame := (*entryFrame)(unsafe.Pointer(stackTop - 20))
	*frame = entryFrame{eip: eip, cs: cs, eflags: eflags, esp: esp, ss: ss}

	// Below the IRETL frame, lay out the four-register prologue
	// archContextSwitch's epilogue expects, with its "return address"
	// pointing at enterProcess instead of a real caller.
	prologue := (*[5]uint32)(unsafe.Pointer(stackTop - 20 - 20))
	prologue[0] = 0 // EDI
	prologue[1] = 0 // ESI
	prologue[2] = 0 // EBX
	prologue[3] = 0 // EBP
	prologue[4] = enterProcessAddr()

	return stackTop - 40
}

// entryFrameV8086 is the wider frame IRETL expects when the eflags value it
// pops has the VM bit set: entering virtual-8086 mode additionally restores
// the four segment registers protected mode has no use for. IRETL decides
// which shape to consume purely from the VM bit already present in the
// eflags dword, so enterProcess needs no v8086-specific variant; only the
// frame this type describes differs from entryFrame.
type entryFrameV8086 struct {
	eip    uint32
	cs     uint32
	eflags uint32
	esp    uint32
	ss     uint32
	es     uint32
	ds     uint32
	fs     uint32
	gs     uint32
}

// PrepareInitialV8086Stack is PrepareInitialStack's v8086 counterpart: eflags
// must already have its VM bit set (see kernel/v8086.EntryEFlags), and
// cs/ds/es/fs/gs/ss are taken as literal real-mode segment values rather
// than protected-mode selectors.
func PrepareInitialV8086Stack(stackTop uintptr, eip, cs, eflags, esp, ss, es, ds, fs, gs uint32) uintptr {
	const frameSize = 36
	frame := (*entryFrameV8086)(unsafe.Pointer(stackTop - frameSize))
	*frame = entryFrameV8086{
		eip: eip, cs: cs, eflags: eflags, esp: esp, ss: ss,
		es: es, ds: ds, fs: fs, gs: gs,
	}

	prologue := (*[5]uint32)(unsafe.Pointer(stackTop - frameSize - 20))
	prologue[0] = 0 // EDI
	prologue[1] = 0 // ESI
	prologue[2] = 0 // EBX
	prologue[3] = 0 // EBP
	prologue[4] = enterProcessAddr()

	return stackTop - frameSize - 20
}

// enterProcess performs IRETL using the entryFrame that starts at the stack
// pointer it is entered with: archContextSwitch's epilogue has already
// popped the four-register prologue and its return address (20 bytes), which
// leaves SP at the frame PrepareInitialStack laid out directly above them.
func enterProcess()

// enterProcessAddr returns the address of enterProcess for embedding in a
// hand-built stack frame. Implemented in assembly since Go does not permit
// taking the address of a function with a stable, architecture-meaningful
// representation without going through reflect.
func enterProcessAddr() uint32
