package slotlist

import "testing"

func TestInsertGetRemove(t *testing.T) {
	l := New[string]()
	a := l.Insert("a")
	b := l.Insert("b")

	if v, ok := l.Get(a); !ok || v != "a" {
		t.Fatalf("expected slot %d to hold \"a\"; got %q, %v", a, v, ok)
	}

	l.Remove(a)
	if _, ok := l.Get(a); ok {
		t.Fatalf("expected slot %d to be vacated", a)
	}
	if v, ok := l.Get(b); !ok || v != "b" {
		t.Fatalf("expected slot %d to still hold \"b\"", b)
	}
}

func TestInsertReusesFreedIndex(t *testing.T) {
	l := New[int]()
	first := l.Insert(1)
	l.Remove(first)

	second := l.Insert(2)
	if second != first {
		t.Fatalf("expected reused index %d; got %d", first, second)
	}
}

func TestLenCountsOccupiedOnly(t *testing.T) {
	l := New[int]()
	a := l.Insert(1)
	l.Insert(2)
	l.Remove(a)

	if got := l.Len(); got != 1 {
		t.Fatalf("expected Len() == 1; got %d", got)
	}
}

func TestEachVisitsOccupiedInOrder(t *testing.T) {
	l := New[int]()
	l.Insert(10)
	mid := l.Insert(20)
	l.Insert(30)
	l.Remove(mid)

	var seen []int
	l.Each(func(idx int, v int) { seen = append(seen, v) })

	if len(seen) != 2 || seen[0] != 10 || seen[1] != 30 {
		t.Fatalf("expected [10 30]; got %v", seen)
	}
}

func TestPutGrowsPastTheCurrentEnd(t *testing.T) {
	l := New[int]()
	l.Put(3, 99)

	if v, ok := l.Get(3); !ok || v != 99 {
		t.Fatalf("expected slot 3 to hold 99; got %v, %v", v, ok)
	}
	if l.Len() != 1 {
		t.Fatalf("expected the skipped indices 0-2 to stay free, Len() == 1; got %d", l.Len())
	}

	next := l.Insert(1)
	if next >= 3 {
		t.Fatalf("expected Insert to reuse one of the skipped indices; got %d", next)
	}
}

func TestPutOverwritesAnAlreadyOccupiedSlot(t *testing.T) {
	l := New[int]()
	a := l.Insert(1)
	l.Put(a, 2)

	if v, ok := l.Get(a); !ok || v != 2 {
		t.Fatalf("expected slot %d to hold 2; got %v, %v", a, v, ok)
	}
	if l.Len() != 1 {
		t.Fatalf("expected Len() to stay 1; got %d", l.Len())
	}
}
