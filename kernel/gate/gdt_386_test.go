package gate

import "testing"

func TestInitInstallsFlatSelectors(t *testing.T) {
	var gotGDTDescriptor uintptr
	var gotTSSSelector uint16

	defer func(prevGDT func(uintptr), prevTSS func(uint16)) {
		loadGDTFn = prevGDT
		loadTSSFn = prevTSS
	}(loadGDTFn, loadTSSFn)

	loadGDTFn = func(addr uintptr) { gotGDTDescriptor = addr }
	loadTSSFn = func(selector uint16) { gotTSSSelector = selector }

	Init()

	if gotGDTDescriptor == 0 {
		t.Fatal("expected loadGDT to be called with a non-zero descriptor address")
	}
	if gotTSSSelector != uint16(TSSSelector) {
		t.Fatalf("expected TSS selector 0x%x; got 0x%x", TSSSelector, gotTSSSelector)
	}

	if gdt[0] != (entry{}) {
		t.Error("expected the null descriptor to remain zeroed")
	}

	wantCodeAccess := uint8(accessPresent | accessRing0 | accessCodeOrData | accessExecutable | accessReadWrite)
	if gdt[1].access != wantCodeAccess {
		t.Errorf("expected kernel code descriptor access 0x%x; got 0x%x", wantCodeAccess, gdt[1].access)
	}

	wantUserAccess := uint8(accessPresent | accessRing3 | accessCodeOrData | accessExecutable | accessReadWrite)
	if gdt[3].access != wantUserAccess {
		t.Errorf("expected user code descriptor access 0x%x; got 0x%x", wantUserAccess, gdt[3].access)
	}

	if kernelTSS.ss0 != uint32(KernelDataSelector) {
		t.Errorf("expected TSS.ss0 = 0x%x; got 0x%x", KernelDataSelector, kernelTSS.ss0)
	}
}

func TestSetKernelStack(t *testing.T) {
	SetKernelStack(0xDEADBEEF)
	if kernelTSS.esp0 != 0xDEADBEEF {
		t.Errorf("expected TSS.esp0 = 0xDEADBEEF; got 0x%x", kernelTSS.esp0)
	}
}
