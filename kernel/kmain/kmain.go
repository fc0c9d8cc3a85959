// Package kmain sequences kernel startup: hardware detection, the memory
// managers, the GDT/IDT, the scheduler and the DOS emulation layer, in the
// dependency order gopher-os' own kernel/kmain package establishes (detect
// hardware and clear the screen first so panics during the rest of startup
// are visible, then physical memory, then virtual memory, then everything
// that assumes a working address space).
package kmain

import (
	"reflect"
	"unsafe"

	"nx32/kernel"
	"nx32/kernel/fs"
	"nx32/kernel/fs/cpio"
	"nx32/kernel/fs/dev"
	"nx32/kernel/fs/fat12"
	"nx32/kernel/gate"
	"nx32/kernel/goruntime"
	"nx32/kernel/hal"
	"nx32/kernel/hal/multiboot"
	"nx32/kernel/irq"
	"nx32/kernel/kfmt"
	"nx32/kernel/loader"
	"nx32/kernel/mem"
	"nx32/kernel/mem/pmm"
	"nx32/kernel/mem/vmm"
	"nx32/kernel/procmem"
	"nx32/kernel/sched"
	"nx32/kernel/syscall"
	"nx32/kernel/v8086"
)

// kernelPageOffset is the virtual base of the kernel half of the address
// space, per the 3 GiB/1 GiB user/kernel split kernel/mem/vmm.Init documents.
const kernelPageOffset = 0xc0000000

// Kmain is the kernel's Go entry point, called once by the assembly
// bootstrap after it has set up a stack and jumped into 32-bit protected
// mode. kernelStart/kernelEnd bound the kernel image's own physical
// footprint, as reported by the linker script; multibootInfoPtr is the
// physical address of the multiboot2 information structure the boot loader
// left for us.
//
// Kmain never returns. If initialization fails it panics; if it somehow runs
// to completion, it parks the init process in its scheduling loop forever.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr, kernelStart, kernelEnd mem.PhysicalAddress) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.DetectHardware()
	kfmt.Printf("starting nx32\n")

	frames, regions := scanMemoryMap()
	pmm.Init(frames, regions)
	pmm.AllocateRange(mem.FrameRange{Start: 0, Length: mem.PageSize})
	pmm.AllocateRange(mem.FrameRange{Start: kernelStart, Length: uintptr(kernelEnd - kernelStart)})
	mem.SetFrameAllocator(pmm.AllocFrame)

	if err := vmm.Init(kernelPageOffset, kernelStart, kernelEnd); err != nil {
		kfmt.Panic(err)
	}
	if err := goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	gate.Init()
	irq.Init()
	v8086.Init()
	syscall.Init()

	mountFilesystems()

	initProc, err := startInitProcess()
	if err != nil {
		kfmt.Panic(err)
	}
	sched.Init(initProc)

	for {
		sched.Tick()
	}
}

// scanMemoryMap converts the multiboot memory map into the frame count and
// usable-region list kernel/mem/pmm.Init expects, mirroring the BIOS memory
// map walk gopher-os' allocator/bootmem.go performs during early init.
func scanMemoryMap() (uint32, []pmm.Region) {
	var regions []pmm.Region
	var highestFrame mem.Frame

	multiboot.VisitMemRegions(func(entry *multiboot.MemoryMapEntry) bool {
		endFrame := mem.Frame((entry.PhysAddress + entry.Length) >> mem.PageShift)
		if endFrame > highestFrame {
			highestFrame = endFrame
		}

		if entry.Type == multiboot.MemAvailable {
			regions = append(regions, pmm.Region{
				StartFrame: mem.Frame(entry.PhysAddress >> mem.PageShift),
				FrameCount: uint32(entry.Length >> mem.PageShift),
			})
		}
		return true
	})

	return uint32(highestFrame), regions
}

// mountFilesystems brings up the root filesystem drivers: the boot loader's
// initial CPIO archive as a read-only ramdisk on drive A, a FAT12 floppy
// image on drive B if one was supplied as a second boot module, and the
// device filesystem on drive D.
func mountFilesystems() {
	var cpioImage, fatImage []byte

	multiboot.VisitModules(func(mod *multiboot.Module) bool {
		switch mod.CmdLine {
		case "initrd.cpio":
			cpioImage = moduleBytes(mod)
		case "floppy.img":
			fatImage = moduleBytes(mod)
		}
		return true
	})

	if cpioImage != nil {
		if archive, err := cpio.New(cpioImage); err == nil {
			fs.Mount('A', archive)
		}
	}
	if fatImage != nil {
		if image, err := fat12.New(fatImage); err == nil {
			fs.Mount('B', image)
		}
	}
	fs.Mount('D', dev.New())
}

// moduleBytes views a boot module's physical memory range as a byte slice.
// Boot modules are always placed below the 1 MiB boundary or inside a
// region kernel/mem/vmm's identity map already covers, so this is a direct
// read rather than a page-fault-driven one, the same assumption
// kernel/v8086's real-mode memory helpers rely on.
func moduleBytes(mod *multiboot.Module) []byte {
	size := int(mod.EndAddr - mod.StartAddr)
	return *(*[]byte)(unsafe.Pointer(&reflect.SliceHeader{
		Data: uintptr(mod.StartAddr),
		Len:  size,
		Cap:  size,
	}))
}

// kernelStackSize is the size of the Go-heap-backed kernel stack allocated
// for a process' first entry. Once goruntime.Init has run, make() is the
// simplest source of kernel-addressable scratch memory; later entries onto
// an already-run process reuse whatever KernelESP was left pointing at by
// its last Yield instead of needing a fresh allocation.
const kernelStackSize = 16 * 1024

// startInitProcess loads the init program from the ramdisk and builds PID 1
// around it, the process every other process is forked from.
func startInitProcess() (*sched.Process, *kernel.Error) {
	env, err := loader.Load("A:/init")
	if err != nil {
		return nil, err
	}

	memory := procmem.New(env.HeapStart, kernelPageOffset)
	memory.Segments = env.Segments

	p := sched.NewInitial(memory, 0)

	kernelStack := make([]byte, kernelStackSize)
	stackTop := uintptr(unsafe.Pointer(&kernelStack[len(kernelStack)-1])) + 1

	var newESP uintptr
	if env.RequireVM {
		newESP = sched.PrepareInitialV8086Stack(
			stackTop, env.Registers.EIP, env.Registers.CS, v8086.EntryEFlags(),
			env.Registers.ESP, env.Registers.SS, env.Registers.ES, env.Registers.DS,
			env.Registers.FS, env.Registers.GS,
		)
	} else {
		const nativeEFlags = 1<<1 | 1<<9
		newESP = sched.PrepareInitialStack(
			stackTop, env.Registers.EIP, env.Registers.CS, nativeEFlags,
			env.Registers.ESP, env.Registers.SS,
		)
	}
	p.KernelESP = newESP

	return p, nil
}
