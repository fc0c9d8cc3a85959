package sched

import (
	"testing"

	"nx32/kernel/fs/dev"
	"nx32/kernel/ipc"
	"nx32/kernel/procmem"
)

func newTestProcess() *Process {
	return NewInitial(procmem.New(0x40000000, 0x80000000), 0)
}

func TestSleepAndWake(t *testing.T) {
	p := newTestProcess()
	p.Sleep(2000)
	if p.CanResume() {
		t.Fatal("expected sleeping process to not be resumable")
	}

	p.UpdateTimeouts(500)
	p.UpdateTimeouts(1000)
	if p.CanResume() {
		t.Fatal("expected process to still be asleep after 1500ms of a 2000ms sleep")
	}

	p.UpdateTimeouts(700)
	if !p.CanResume() {
		t.Fatal("expected process to have woken up")
	}
}

func TestPauseAndResume(t *testing.T) {
	p := newTestProcess()
	p.Pause()
	if p.CanResume() {
		t.Fatal("expected paused process to not be resumable")
	}
	p.Resume()
	if !p.CanResume() {
		t.Fatal("expected resumed process to be resumable")
	}
}

func TestWaitForChildResumesOnMatchingExit(t *testing.T) {
	p := newTestProcess()
	p.WaitForChild(42)
	if p.CanResume() {
		t.Fatal("expected waiting process to not be resumable")
	}

	p.ChildReturned(99, 1)
	if p.CanResume() {
		t.Fatal("a different child's exit must not wake the process")
	}

	p.ChildReturned(42, 7)
	if !p.CanResume() {
		t.Fatal("expected process to resume once its awaited child exited")
	}
	if code := p.TakeResumeCode(); code != 7 {
		t.Fatalf("expected resume code 7, got %d", code)
	}
	if p.State() != Running {
		t.Fatalf("expected Running after TakeResumeCode, got %v", p.State())
	}
}

func TestIPCReadBlocksThenReceiveWakes(t *testing.T) {
	p := newTestProcess()

	packet, more := p.IPCRead(0, nil)
	if packet != nil || more {
		t.Fatal("expected no pending message")
	}
	if p.State() != AwaitingIPC {
		t.Fatalf("expected AwaitingIPC, got %v", p.State())
	}

	p.IPCReceive(0, 10, ipc.Message{1, 2, 3, 4}, 1000)
	if p.State() != Running {
		t.Fatalf("expected IPCReceive to wake the process, got %v", p.State())
	}

	packet, _ = p.IPCRead(0, nil)
	if packet == nil || packet.From != 10 {
		t.Fatalf("expected to read the delivered message, got %+v", packet)
	}
}

func TestForkCopiesMemoryIndependently(t *testing.T) {
	parent := newTestProcess()
	if _, err := parent.Memory.IncreaseHeap(0x1000); err != nil {
		t.Fatalf("unexpected error growing parent heap: %v", err)
	}

	child := parent.Fork(2, 5)
	if child.ID != 2 || child.ParentID != parent.ID {
		t.Fatalf("unexpected child identity: id=%d parent=%d", child.ID, child.ParentID)
	}
	if child.State() != Running {
		t.Fatalf("expected forked child to start Running, got %v", child.State())
	}

	if _, err := child.Memory.IncreaseHeap(0x2000); err != nil {
		t.Fatalf("unexpected error growing child heap: %v", err)
	}
	if parent.Memory.HeapSize == child.Memory.HeapSize {
		t.Fatal("expected child's heap growth to be independent of the parent's")
	}
}

func TestForkInheritsOpenFilesAtTheSameDescriptor(t *testing.T) {
	parent := newTestProcess()
	devFS := dev.New()

	null, err := devFS.Open("NULL")
	if err != nil {
		t.Fatalf("unexpected error opening NULL: %v", err)
	}
	console, err := devFS.Open("CONSOLE")
	if err != nil {
		t.Fatalf("unexpected error opening CONSOLE: %v", err)
	}

	fd0 := parent.Files.Insert(null)
	fd1 := parent.Files.Insert(console)

	child := parent.Fork(2, 0)

	gotNull, ok := child.Files.Get(fd0)
	if !ok || gotNull != null {
		t.Fatalf("expected child fd %d to inherit the parent's NULL handle", fd0)
	}
	gotConsole, ok := child.Files.Get(fd1)
	if !ok || gotConsole != console {
		t.Fatalf("expected child fd %d to inherit the parent's CONSOLE handle", fd1)
	}
}
