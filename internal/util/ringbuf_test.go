package util

import "testing"

func TestRingBuffer(t *testing.T) {
	r := NewRingBuffer[int](3)

	if r.Len() != 0 {
		t.Fatalf("fresh buffer len = %d", r.Len())
	}
	if _, ok := r.Last(); ok {
		t.Fatal("Last on empty buffer")
	}

	r.Push(1)
	r.Push(2)
	snap := r.Snapshot()
	if len(snap) != 2 || snap[0] != 1 || snap[1] != 2 {
		t.Fatalf("snapshot %v", snap)
	}
	if last, ok := r.Last(); !ok || last != 2 {
		t.Fatalf("last = %d ok=%v", last, ok)
	}

	// Overflow drops the oldest.
	r.Push(3)
	r.Push(4)
	snap = r.Snapshot()
	if len(snap) != 3 || snap[0] != 2 || snap[1] != 3 || snap[2] != 4 {
		t.Fatalf("snapshot after wrap %v", snap)
	}
	if last, _ := r.Last(); last != 4 {
		t.Fatalf("last = %d", last)
	}
}
