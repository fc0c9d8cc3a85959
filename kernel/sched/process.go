// Package sched owns the process table, the cooperative/preemptible
// scheduler, and the per-process state machine native processes and
// emulated DOS programs both run through.
package sched

import (
	"nx32/kernel/fs"
	"nx32/kernel/ipc"
	"nx32/kernel/procmem"
	"nx32/kernel/slotlist"
)

// PID identifies a process. PID 1 is always the init process and is never
// reused.
type PID uint32

// RunState describes why the scheduler should or should not re-enter a
// process. Most states carry no payload; Sleeping/WaitingForChild/Resumed
// carry the data the state transition out of them needs.
type RunState uint8

const (
	// Running processes are eligible for the scheduler to enter.
	Running RunState = iota
	// Terminated processes have exited or been killed; the reaper clears
	// them out of the process table once their parent has observed the
	// exit code.
	Terminated
	// Sleeping processes resume once sleepRemainingMs ticks down to zero.
	Sleeping
	// Paused processes resume only when explicitly Resumed.
	Paused
	// AwaitingIPC processes resume when a message arrives in their queue,
	// or when ipcTimeoutMs (if set) elapses.
	AwaitingIPC
	// WaitingForChild processes resume when waitingOnChild exits.
	WaitingForChild
	// Resumed is a one-tick transitional state: the scheduler will read
	// resumeCode and move the process back to Running the next time it is
	// considered.
	Resumed
)

// Process is the kernel's bookkeeping for one native or emulated program.
type Process struct {
	ID       PID
	ParentID PID

	Memory *procmem.MemoryRegions

	state            RunState
	sleepRemainingMs uint
	ipcTimeoutMs     *uint
	waitingOnChild   PID
	resumeCode       uint32

	startTicks uint32

	ipcQueue ipc.Queue

	// Files is the process' open file descriptor table. Descriptor numbers
	// are the slotlist indices Files.Insert returns, mirroring how PIDs are
	// never reused for a still-open slot: closing a descriptor removes it
	// from the table rather than leaving a nil hole another Open could
	// accidentally reuse with stale expectations.
	Files *slotlist.List[fs.File]

	// KernelESP is the saved kernel stack pointer used to resume this
	// process the next time the scheduler switches into it. It is restored
	// by archContextSwitch.
	KernelESP uintptr
}

// newProcess builds the bookkeeping shared by NewInitial and Fork.
func newProcess(id, parentID PID, memory *procmem.MemoryRegions, startTicks uint32) *Process {
	return &Process{
		ID:         id,
		ParentID:   parentID,
		Memory:     memory,
		state:      Running,
		startTicks: startTicks,
		Files:      slotlist.New[fs.File](),
	}
}

// NewInitial creates PID 1, the process every other process is ultimately
// forked from.
func NewInitial(memory *procmem.MemoryRegions, startTicks uint32) *Process {
	return newProcess(1, 1, memory, startTicks)
}

// Fork creates a child of p with id, copying its memory regions (execution
// segments shared or copy-on-write per their ForkPolicy, mmaps carried over
// verbatim) via procmem.MemoryRegions.Fork. The child always starts in the
// Running state regardless of what state p was in when it called fork. The
// parent's open files are inherited at the same descriptor numbers, the
// same fork(2) convention DOS' INT 21h AH=4Bh child processes rely on to
// keep stdin/stdout/stderr valid without reopening them.
func (p *Process) Fork(id PID, currentTicks uint32) *Process {
	child := newProcess(id, p.ID, p.Memory.Fork(), currentTicks)

	inherited := make(map[int]fs.File)
	maxIdx := -1
	p.Files.Each(func(idx int, f fs.File) {
		inherited[idx] = f
		if idx > maxIdx {
			maxIdx = idx
		}
	})
	// child.Files is freshly allocated, so sequential Insert calls hand out
	// 0, 1, 2... in order; walking every index up to the parent's highest
	// descriptor lets each inherited file land back at its original number,
	// with unused indices consumed and only freed once every index has been
	// placed, so that no later Insert reuses one and gaps are preserved.
	var holes []int
	for idx := 0; idx <= maxIdx; idx++ {
		got := child.Files.Insert(inherited[idx])
		if inherited[idx] == nil {
			holes = append(holes, got)
		}
	}
	for _, idx := range holes {
		child.Files.Remove(idx)
	}
	return child
}

// UptimeTicks reports how many ticks have elapsed since p started.
func (p *Process) UptimeTicks(currentTicks uint32) uint32 {
	return currentTicks - p.startTicks
}

// CanResume reports whether the scheduler may enter p.
func (p *Process) CanResume() bool {
	return p.state == Running || p.state == Resumed
}

// State returns p's current RunState.
func (p *Process) State() RunState {
	return p.state
}

// Terminate marks p for cleanup. It does not remove p from the process
// table; the scheduler's reaper does that once the parent has observed the
// exit code.
func (p *Process) Terminate() {
	p.state = Terminated
}

// Sleep pauses p for durationMs milliseconds of wall-clock ticks.
func (p *Process) Sleep(durationMs uint) {
	p.state = Sleeping
	p.sleepRemainingMs = durationMs
}

// Pause stops the scheduler from entering p until a matching Resume.
func (p *Process) Pause() {
	p.state = Paused
}

// Resume undoes a Pause. It is a no-op if p is not currently Paused.
func (p *Process) Resume() {
	if p.state == Paused {
		p.state = Running
	}
}

// WaitForChild blocks p until child exits.
func (p *Process) WaitForChild(child PID) {
	p.state = WaitingForChild
	p.waitingOnChild = child
}

// ChildReturned notifies p that child exited with code. If p was waiting on
// exactly that child it moves to Resumed, carrying code until the scheduler
// next considers it.
func (p *Process) ChildReturned(child PID, code uint32) {
	if p.state != WaitingForChild || p.waitingOnChild != child {
		return
	}
	p.state = Resumed
	p.resumeCode = code
}

// TakeResumeCode clears and returns the code a Resumed process woke up
// with and marks the process Running. The scheduler leaves the code in
// place when it switches the process in; the waitpid syscall calls this once
// the process runs again, so the code is consumed exactly once.
func (p *Process) TakeResumeCode() uint32 {
	code := p.resumeCode
	p.resumeCode = 0
	p.state = Running
	return code
}

// IPCRead attempts to read a pending message. If the queue is empty it
// blocks p on AwaitingIPC (with an optional timeout in milliseconds) instead
// of returning immediately; the caller is expected to yield back to the
// scheduler and retry once woken.
func (p *Process) IPCRead(currentTicks uint32, timeoutMs *uint) (*ipc.Packet, bool) {
	if packet, more := p.ipcQueue.Read(currentTicks); packet != nil {
		return packet, more
	}
	p.state = AwaitingIPC
	p.ipcTimeoutMs = timeoutMs
	return nil, false
}

// IPCReceive delivers a message to p, waking it if it was blocked in
// AwaitingIPC.
func (p *Process) IPCReceive(currentTicks uint32, from PID, msg ipc.Message, expirationTicks uint32) {
	p.ipcQueue.Add(uint32(from), msg, currentTicks, expirationTicks)
	if p.state == AwaitingIPC {
		p.state = Running
	}
}

// UpdateTimeouts advances p's Sleeping/AwaitingIPC timers by deltaMs and
// wakes it once they reach zero.
func (p *Process) UpdateTimeouts(deltaMs uint) {
	switch p.state {
	case Sleeping:
		if p.sleepRemainingMs <= deltaMs {
			p.state = Running
			p.sleepRemainingMs = 0
			return
		}
		p.sleepRemainingMs -= deltaMs
	case AwaitingIPC:
		if p.ipcTimeoutMs == nil {
			return
		}
		if *p.ipcTimeoutMs <= deltaMs {
			p.state = Running
			p.ipcTimeoutMs = nil
			return
		}
		*p.ipcTimeoutMs -= deltaMs
	}
}
