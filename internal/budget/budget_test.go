package budget

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestBudget_ConcurrentAcquireNeverOvershoots(t *testing.T) {
	for _, n := range []int{0, 1, 7, 100} {
		b := New(n)
		var granted atomic.Int64
		var wg sync.WaitGroup
		for range 64 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for range 10 {
					if b.TryAcquire() {
						granted.Add(1)
					}
				}
			}()
		}
		wg.Wait()
		if got := int(granted.Load()); got != n {
			t.Fatalf("budget %d: granted=%d", n, got)
		}
		if b.Used() != n || b.Remaining() != 0 || !b.Exhausted() {
			t.Fatalf("budget %d: used=%d remaining=%d", n, b.Used(), b.Remaining())
		}
	}
}

func TestBudget_NegativeIsZero(t *testing.T) {
	b := New(-3)
	if b.TryAcquire() {
		t.Fatal("negative budget must not grant requests")
	}
	if b.Limit() != 0 {
		t.Fatalf("limit=%d want 0", b.Limit())
	}
}
