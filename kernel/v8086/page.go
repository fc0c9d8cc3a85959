package v8086

import (
	"nx32/kernel"
	"nx32/kernel/mem"
	"nx32/kernel/mem/pmm"
	"nx32/kernel/mem/vmm"
)

// mapConventionalPage backs pageAddr's containing page with a freshly
// zeroed frame, the same anonymous-mapping recipe kernel/procmem's fault
// handler uses for an untouched heap page. The identity-mapped low
// megabyte kernel/mem/vmm.Init already installs makes this unreachable in
// the common case; it only matters if something unmapped part of that
// region for a specific task.
func mapConventionalPage(addr uintptr) bool {
	page := mem.PageFromAddress(mem.VirtualAddress(addr))

	frame, err := pmm.AllocFrame()
	if err != nil {
		return false
	}
	tmp, err := vmm.MapTemporary(frame)
	if err != nil {
		return false
	}
	kernel.Memset(uintptr(tmp.Address()), 0, mem.PageSize)
	_ = vmm.Unmap(tmp)

	return vmm.Map(page, frame, vmm.FlagPresent|vmm.FlagRW|vmm.FlagUserAccessible) == nil
}
