package ring

import "testing"

func TestWriteReadOrder(t *testing.T) {
	b := New[int](8)
	b.Write(1, 2, 3)

	dst := make([]int, 3)
	if n := b.Read(dst); n != 3 {
		t.Fatalf("expected 3 items read; got %d", n)
	}
	if dst[0] != 1 || dst[1] != 2 || dst[2] != 3 {
		t.Fatalf("expected [1 2 3]; got %v", dst)
	}
	if !b.Empty() {
		t.Fatal("expected buffer to be empty after draining")
	}
}

func TestWriteOverwritesOldestWhenFull(t *testing.T) {
	b := New[byte](4)
	b.Write('a', 'b', 'c', 'd', 'e')

	dst := make([]byte, 4)
	n := b.Read(dst)
	if n != 3 {
		t.Fatalf("expected 3 unread items (capacity-1 rule); got %d", n)
	}
	if string(dst[:n]) != "cde" {
		t.Fatalf("expected oldest entries overwritten, got %q", dst[:n])
	}
}

func TestLenTracksWraparound(t *testing.T) {
	b := New[int](4)
	b.Write(1, 2, 3)
	b.Read(make([]int, 2))
	b.Write(4, 5)

	if got := b.Len(); got != 3 {
		t.Fatalf("expected Len() == 3 after wraparound; got %d", got)
	}
}

func TestNewPanicsOnNonPowerOfTwo(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected New to panic for a non-power-of-two capacity")
		}
	}()
	New[int](3)
}
