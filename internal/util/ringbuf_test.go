package util

import "testing"

func TestRingBufferOverwritesOldest(t *testing.T) {
	r := NewRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		r.Push(i)
	}
	got := r.Snapshot()
	if len(got) != 3 || got[0] != 3 || got[2] != 5 {
		t.Fatalf("snapshot = %v, want [3 4 5]", got)
	}
	if r.Len() != 3 {
		t.Fatalf("len = %d", r.Len())
	}

	if v, ok := r.Find(func(n int) bool { return n == 4 }); !ok || v != 4 {
		t.Fatalf("Find = (%d, %v)", v, ok)
	}
	if _, ok := r.Find(func(n int) bool { return n == 1 }); ok {
		t.Fatal("found overwritten element")
	}

	r.Clear()
	if r.Len() != 0 {
		t.Fatal("len after clear")
	}
}

func TestJitterBounds(t *testing.T) {
	for i := 0; i < 100; i++ {
		d := Jitter(100, 200)
		if d < 100 || d >= 200 {
			t.Fatalf("jitter %d out of [100,200)", d)
		}
	}
	if Jitter(50, 50) != 50 {
		t.Fatal("degenerate range should return min")
	}
}
