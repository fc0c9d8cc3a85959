package sched

import (
	"nx32/kernel"
	"nx32/kernel/errors"
	"nx32/kernel/mem/vmm"
	"nx32/kernel/slotlist"
	"nx32/kernel/sync"
)

// MsPerTick is the number of milliseconds each Tick call subtracts from
// every process' sleep/IPC timeout. It is a constant rather than a
// configurable value because no drift-correction protocol is implemented.
const MsPerTick = 10

var (
	table       = slotlist.New[*Process]()
	currentSlot = -1
	ticks       uint32
	lock        sync.Spinlock
)

// Init installs the init process (PID 1) as the only entry in the process
// table and wires the scheduler into kernel/sync's cooperative yield hook
// and kernel/mem/vmm's page-fault/GPF process-kill hooks. It must be called
// exactly once, after kernel/mem/vmm.Init and before interrupts are enabled.
func Init(initial *Process) {
	lock.Acquire()
	defer lock.Release()

	currentSlot = table.Insert(initial)

	sync.SetYieldFn(Yield)
	vmm.SetProcessKiller(func(err *kernel.Error) {
		killCurrent(err)
	})
}

// Current returns the process the scheduler last switched into.
func Current() *Process {
	lock.Acquire()
	defer lock.Release()
	return currentLocked()
}

func currentLocked() *Process {
	if currentSlot < 0 {
		return nil
	}
	p, ok := table.Get(currentSlot)
	if !ok {
		return nil
	}
	return p
}

// Spawn inserts p into the process table. It returns nothing.
// p.ID is expected to already have been assigned (by Fork or NewInitial);
// Spawn only makes the process visible to the scheduler and reaper.
func Spawn(p *Process) {
	lock.Acquire()
	defer lock.Release()
	table.Insert(p)
}

// Fork creates a child of parent, allocates it a fresh PID, and registers
// it with the scheduler. It returns the child's PID.
func Fork(parent *Process) PID {
	lock.Acquire()
	defer lock.Release()

	child := parent.Fork(nextPID(), ticks)
	table.Insert(child)
	return child.ID
}

// nextPID scans the table for the lowest PID not currently in use. Callers
// must hold lock.
func nextPID() PID {
	inUse := make(map[PID]bool)
	table.Each(func(_ int, p *Process) {
		inUse[p.ID] = true
	})
	for id := PID(2); ; id++ {
		if !inUse[id] {
			return id
		}
	}
}

// Lookup returns the process with the given PID, if it is still present in
// the table.
func Lookup(id PID) (*Process, bool) {
	lock.Acquire()
	defer lock.Release()

	p, _, ok := findByPIDLocked(id)
	return p, ok
}

// findByPIDLocked scans the table for the process with the given PID,
// since slotlist indices are arena slots, not PIDs. Callers must hold
// lock.
func findByPIDLocked(id PID) (*Process, int, bool) {
	var (
		found *Process
		slot  int
		ok    bool
	)
	table.Each(func(idx int, p *Process) {
		if p.ID == id {
			found, slot, ok = p, idx, true
		}
	})
	return found, slot, ok
}

// Tick advances the scheduler's notion of time by one tick, updating every
// process' sleep/IPC timeout. Kmain's final loop calls it back to back; no
// PIT IRQ handler is installed, so a tick is one call, not MsPerTick of
// elapsed wall-clock time.
func Tick() {
	lock.Acquire()
	defer lock.Release()

	ticks++
	table.Each(func(_ int, p *Process) {
		p.UpdateTimeouts(MsPerTick)
	})
}

// Yield cooperatively hands the CPU to the next runnable process, if there
// is one besides the caller. It returns once the scheduler has switched
// back into the caller. Spinlocks call this via kernel/sync.SetYieldFn
// instead of burning their attemptsBeforeYielding budget forever.
func Yield() {
	lock.Acquire()
	from := currentLocked()
	to, toSlot := pickNextLocked()
	if to == nil || to == from {
		lock.Release()
		return
	}
	currentSlot = toSlot
	lock.Release()

	switchTo(from, to)
}

// pickNextLocked scans occupied slot indices in ascending order and returns
// the first CanResume process after currentSlot, wrapping around once
// there is no occupied slot greater than currentSlot left to try. Callers
// must hold lock.
func pickNextLocked() (*Process, int) {
	var occupied []int
	table.Each(func(idx int, _ *Process) {
		occupied = append(occupied, idx)
	})
	if len(occupied) == 0 {
		return nil, -1
	}

	startAt := 0
	for i, idx := range occupied {
		if idx > currentSlot {
			startAt = i
			break
		}
	}
	for i := 0; i < len(occupied); i++ {
		slot := occupied[(startAt+i)%len(occupied)]
		p, ok := table.Get(slot)
		if ok && p.CanResume() {
			// A Resumed process moves straight to Running as the scheduler
			// switches into it; resumeCode is left untouched so whichever
			// syscall put it to sleep (e.g. waitpid) can still retrieve it
			// via TakeResumeCode once it is actually running again.
			if p.state == Resumed {
				p.state = Running
			}
			return p, slot
		}
	}
	return nil, -1
}

// switchTo performs the actual stack switch between two processes' saved
// kernel stack pointers. The heavy lifting is archContextSwitch, a
// bodiless-Go-func backed by hand-written Plan9 assembly in the same idiom
// as kernel/cpu and kernel/gate, since saving/restoring the full register
// file cannot be expressed in portable Go.
func switchTo(from, to *Process) {
	if from == nil {
		contextSwitchFn(nil, to.KernelESP)
		return
	}
	contextSwitchFn(&from.KernelESP, to.KernelESP)
}

// contextSwitchFn indirects through archContextSwitch so tests can swap in
// a stub instead of actually switching kernel stacks, the same
// swap-and-restore pattern kernel/gate's tests use for loadGDTFn/loadTSSFn.
var contextSwitchFn = archContextSwitch

// killCurrent terminates the currently scheduled process in response to an
// unrecoverable fault (a GPF, or a page fault demand-paging could not
// resolve) reported by kernel/mem/vmm. The process stays in the table,
// Terminated, until the reaper notices its parent has observed the exit.
func killCurrent(faultErr *kernel.Error) {
	lock.Acquire()
	p := currentLocked()
	lock.Release()

	if p == nil {
		return
	}
	p.Terminate()
	p.resumeCode = exitCodeForFault(faultErr)

	if parent, ok := Lookup(p.ParentID); ok && parent != p {
		parent.ChildReturned(p.ID, p.resumeCode)
	}

	Yield()
}

// exitCodeForFault maps a fault error to the low byte DOS and native exit
// status conventions both reserve for "process killed by the kernel"
// rather than a cooperative exit(2) call.
func exitCodeForFault(err *kernel.Error) uint32 {
	switch err {
	case errors.ErrUnrecoverableFault:
		return 0xfe
	default:
		return 0xff
	}
}

// Reap removes every Terminated process whose parent is no longer waiting
// on it (or has no entry of its own left in the table, e.g. init
// inheriting an orphan). It is not run synchronously at exit, and no kernel
// process or other code calls it, so Terminated processes stay in the
// table.
func Reap() {
	lock.Acquire()
	defer lock.Release()

	var dead []int
	table.Each(func(idx int, p *Process) {
		if p.State() != Terminated {
			return
		}
		if parent, _, ok := findByPIDLocked(p.ParentID); ok && parent.State() == WaitingForChild && parent.waitingOnChild == p.ID {
			return
		}
		dead = append(dead, idx)
	})
	for _, idx := range dead {
		table.Remove(idx)
	}
}

// archContextSwitch saves the current kernel stack pointer into *oldESP
// (skipped when oldESP is nil, i.e. switching in the very first process)
// and switches execution onto newESP. Execution resumes in the caller of
// whichever archContextSwitch previously saved newESP, exactly as if that
// call had just returned.
func archContextSwitch(oldESP *uintptr, newESP uintptr)
