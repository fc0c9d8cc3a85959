package procmem

import (
	"testing"

	"nx32/kernel/mem"
)

const pageSize = mem.PageSize

func TestMmapUsesHintWhenFree(t *testing.T) {
	m := New(0x1000, 0x10000)
	addr, err := m.Mmap(mem.VirtualAddress(0x3000), pageSize, MMapBacking{Kind: BackingAnonymous})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if addr != 0x3000 {
		t.Fatalf("expected hint honored; got %#x", addr)
	}
}

func TestMmapFallsBackWhenHintOverlapsExisting(t *testing.T) {
	m := New(0x1000, 0x10000)
	first, err := m.Mmap(0, pageSize, MMapBacking{Kind: BackingAnonymous})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	second, err := m.Mmap(first, pageSize, MMapBacking{Kind: BackingAnonymous})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if second == first {
		t.Fatalf("expected a distinct placement when hint collides")
	}
}

func TestMmapPlacesAtHighestFreeGap(t *testing.T) {
	m := New(0x1000, 0x10000)
	a, _ := m.Mmap(0, pageSize, MMapBacking{Kind: BackingAnonymous})
	b, _ := m.Mmap(0, pageSize, MMapBacking{Kind: BackingAnonymous})

	if uintptr(a) != 0x10000-pageSize {
		t.Fatalf("expected first auto-placement just below MemoryTop; got %#x", a)
	}
	if uintptr(b) != uintptr(a)-pageSize {
		t.Fatalf("expected second auto-placement directly below the first; got %#x vs %#x", b, a)
	}
}

func TestMmapFailsWhenNoGapFits(t *testing.T) {
	m := New(0x1000, 0x1000)
	if _, err := m.Mmap(0, pageSize, MMapBacking{Kind: BackingAnonymous}); err == nil {
		t.Fatal("expected ErrNotEnoughMemory when heap and MemoryTop leave no room")
	}
}

func TestMmapRejectsUnalignedSize(t *testing.T) {
	m := New(0x1000, 0x10000)
	if _, err := m.Mmap(0, 100, MMapBacking{Kind: BackingAnonymous}); err == nil {
		t.Fatal("expected ErrMMapWrongAlignment")
	}
}

func TestMunmapSplitsOverlappingRegion(t *testing.T) {
	m := New(0x1000, 0x10000)
	base, _ := m.Mmap(mem.VirtualAddress(0x4000), 4*pageSize, MMapBacking{Kind: BackingAnonymous})

	addr, size, err := m.Munmap(mem.VirtualAddress(uintptr(base)+pageSize), pageSize)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if size != pageSize || uintptr(addr) != uintptr(base)+pageSize {
		t.Fatalf("unexpected unmap range: %#x/%d", addr, size)
	}

	if len(m.mmaps) != 2 {
		t.Fatalf("expected prefix and suffix regions to survive; got %d regions", len(m.mmaps))
	}
	if m.mmaps[0].Address != base || m.mmaps[0].Size != pageSize {
		t.Fatalf("unexpected prefix region: %+v", m.mmaps[0])
	}
	wantSuffixAddr := mem.VirtualAddress(uintptr(base) + 2*pageSize)
	if m.mmaps[1].Address != wantSuffixAddr || m.mmaps[1].Size != 2*pageSize {
		t.Fatalf("unexpected suffix region: %+v", m.mmaps[1])
	}
}

func TestMunmapRejectsNonPageMultiple(t *testing.T) {
	m := New(0x1000, 0x10000)
	if _, _, err := m.Munmap(0x4000, 100); err == nil {
		t.Fatal("expected ErrMUnmapNotPageMultiple")
	}
}

func TestIncreaseHeapGrowsAndReturnsPreviousEnd(t *testing.T) {
	m := New(0x1000, 0x10000)
	prev, err := m.IncreaseHeap(int(pageSize))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if prev != 0x1000 {
		t.Fatalf("expected previous end 0x1000; got %#x", prev)
	}
	if m.HeapSize != pageSize {
		t.Fatalf("expected heap size to grow by one page; got %d", m.HeapSize)
	}
}

func TestIncreaseHeapRejectsCollisionWithMapping(t *testing.T) {
	m := New(0x1000, 0x10000)
	m.Mmap(mem.VirtualAddress(0x1000+pageSize), pageSize, MMapBacking{Kind: BackingAnonymous})

	if _, err := m.IncreaseHeap(int(2 * pageSize)); err == nil {
		t.Fatal("expected growth into an existing mapping to fail")
	}
}

func TestGetMappingContainingAddress(t *testing.T) {
	m := New(0x1000, 0x10000)
	base, _ := m.Mmap(mem.VirtualAddress(0x4000), pageSize, MMapBacking{Kind: BackingAnonymous})

	if _, ok := m.GetMappingContainingAddress(mem.VirtualAddress(uintptr(base) + pageSize)); ok {
		t.Fatal("expected no mapping just past the region's end")
	}
	if r, ok := m.GetMappingContainingAddress(base); !ok || r.Address != base {
		t.Fatalf("expected to find the mapping at its base address")
	}
}

func TestExecutionSectionClipTo(t *testing.T) {
	off := uintptr(0x200)
	sec := ExecutionSection{SegmentOffset: 0x1000, ExecutableOffset: &off, Size: 0x1000}

	clipped, ok := sec.ClipTo(0x1800, 0x2800)
	if !ok {
		t.Fatal("expected an overlap")
	}
	if clipped.SegmentOffset != 0x1800 || clipped.Size != 0x800 {
		t.Fatalf("unexpected clip: %+v", clipped)
	}
	if *clipped.ExecutableOffset != 0x200+0x800 {
		t.Fatalf("expected executable offset to shift with the clip; got %#x", *clipped.ExecutableOffset)
	}

	if _, ok := sec.ClipTo(0x4000, 0x5000); ok {
		t.Fatal("expected no overlap far outside the section")
	}
}

func TestExecutionSectionClipToZeroFill(t *testing.T) {
	sec := ExecutionSection{SegmentOffset: 0, Size: 0x1000}
	clipped, ok := sec.ClipTo(0, pageSize)
	if !ok {
		t.Fatal("expected overlap")
	}
	if clipped.ExecutableOffset != nil {
		t.Fatal("zero-fill section must stay zero-fill after clipping")
	}
}

func TestForkCopiesSegmentsAndMappingsIndependently(t *testing.T) {
	m := New(0x1000, 0x10000)
	seg, err := NewExecutionSegment(mem.VirtualAddress(0x400000), pageSize, true, nil, ForkCopyOnWrite)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	m.Segments = append(m.Segments, seg)
	m.Mmap(mem.VirtualAddress(0x4000), pageSize, MMapBacking{Kind: BackingAnonymous})

	child := m.Fork()

	if len(child.Segments) != 1 || child.Segments[0] == m.Segments[0] {
		t.Fatal("expected a distinct segment copy for the child")
	}
	if len(child.mmaps) != 1 || child.mmaps[0] == m.mmaps[0] {
		t.Fatal("expected a distinct mapping copy for the child")
	}

	child.Mmap(0, pageSize, MMapBacking{Kind: BackingAnonymous})
	if len(m.mmaps) == len(child.mmaps) {
		t.Fatal("expected child mmap changes not to affect the parent")
	}
}
