package keylock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"
)

func keys(ss ...string) [][]byte {
	out := make([][]byte, len(ss))
	for i, s := range ss {
		out[i] = []byte(s)
	}
	return out
}

func mustLock(t *testing.T, tb *Table, ks ...string) func() {
	t.Helper()
	unlock, err := tb.Lock(context.Background(), keys(ks...)...)
	if err != nil {
		t.Fatalf("Lock(%v): %v", ks, err)
	}
	return unlock
}

// lockAsync starts a Lock in the background and returns a channel that
// yields the unlock func once granted.
func lockAsync(tb *Table, ks ...string) <-chan func() {
	ch := make(chan func(), 1)
	go func() {
		unlock, err := tb.Lock(context.Background(), keys(ks...)...)
		if err != nil {
			panic(err)
		}
		ch <- unlock
	}()
	return ch
}

func granted(ch <-chan func(), wait time.Duration) (func(), bool) {
	select {
	case u := <-ch:
		return u, true
	case <-time.After(wait):
		return nil, false
	}
}

func TestDisjointSetsRunConcurrently(t *testing.T) {
	tb := New()
	u1 := mustLock(t, tb, "a", "b")
	defer u1()

	u2, ok := granted(lockAsync(tb, "c", "d"), time.Second)
	if !ok {
		t.Fatalf("disjoint lock {c,d} blocked behind {a,b}")
	}
	u2()
}

func TestOverlapWaits(t *testing.T) {
	tb := New()
	u1 := mustLock(t, tb, "a", "b")

	ch := lockAsync(tb, "b", "c")
	if _, ok := granted(ch, 50*time.Millisecond); ok {
		t.Fatalf("{b,c} granted while {a,b} held")
	}
	u1()
	u2, ok := granted(ch, time.Second)
	if !ok {
		t.Fatalf("{b,c} not granted after {a,b} released")
	}
	u2()
	if n := tb.Len(); n != 0 {
		t.Fatalf("Len after all unlocks = %d, want 0", n)
	}
}

func TestFIFOPerKey(t *testing.T) {
	tb := New()
	u0 := mustLock(t, tb, "k")

	var order []int
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 1; i <= 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock, err := tb.Lock(context.Background(), []byte("k"))
			if err != nil {
				t.Errorf("Lock: %v", err)
				return
			}
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			unlock()
		}(i)
		// wait for the waiter to enqueue so arrival order is fixed
		waitFor(t, func() bool { return queueLen(tb, "k") == i+1 })
	}
	u0()
	wg.Wait()

	for i, v := range order {
		if v != i+1 {
			t.Fatalf("grant order = %v, want 1..5", order)
		}
	}
}

func TestWaiterBehindOverlapDoesNotJumpQueue(t *testing.T) {
	tb := New()
	uA := mustLock(t, tb, "a")

	// {a,b} waits on a; then {b} arrives and must wait behind {a,b}
	chAB := lockAsync(tb, "a", "b")
	waitFor(t, func() bool { return queueLen(tb, "b") == 1 })
	chB := lockAsync(tb, "b")
	if _, ok := granted(chB, 50*time.Millisecond); ok {
		t.Fatalf("{b} overtook the queued {a,b}")
	}

	uA()
	uAB, ok := granted(chAB, time.Second)
	if !ok {
		t.Fatalf("{a,b} not granted")
	}
	if _, ok := granted(chB, 50*time.Millisecond); ok {
		t.Fatalf("{b} granted while {a,b} held")
	}
	uAB()
	uB, ok := granted(chB, time.Second)
	if !ok {
		t.Fatalf("{b} not granted")
	}
	uB()
}

func TestContextCancelWithdraws(t *testing.T) {
	tb := New()
	u1 := mustLock(t, tb, "a")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := tb.Lock(ctx, []byte("a"), []byte("b")); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Lock with expired ctx = %v, want DeadlineExceeded", err)
	}
	if tb.Held([]byte("b")) {
		t.Fatalf("withdrawn request still queued on b")
	}

	u1()
	u2 := mustLock(t, tb, "a")
	u2()
}

func TestUnlockIdempotent(t *testing.T) {
	tb := New()
	u1 := mustLock(t, tb, "a")
	ch := lockAsync(tb, "a")
	u1()
	u1()
	u2, ok := granted(ch, time.Second)
	if !ok {
		t.Fatalf("waiter not granted")
	}
	// a second unlock of u1 must not release the waiter's hold
	if !tb.Held([]byte("a")) {
		t.Fatalf("double unlock released someone else's lock")
	}
	u2()
}

func TestDuplicateAndEmptyKeys(t *testing.T) {
	tb := New()
	u := mustLock(t, tb, "a", "a", "a")
	if got := queueLen(tb, "a"); got != 1 {
		t.Fatalf("duplicate keys enqueued %d times, want 1", got)
	}
	u()

	u = mustLock(t, tb)
	u()
	if tb.Len() != 0 {
		t.Fatalf("empty lock left state behind")
	}
}

func TestDoReleasesOnError(t *testing.T) {
	tb := New()
	boom := errors.New("boom")
	err := tb.Do(context.Background(), keys("a"), func(context.Context) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("Do = %v, want boom", err)
	}
	if tb.Held([]byte("a")) {
		t.Fatalf("Do left key locked after error")
	}

	func() {
		defer func() { _ = recover() }()
		_ = tb.Do(context.Background(), keys("a"), func(context.Context) error { panic("x") })
	}()
	if tb.Held([]byte("a")) {
		t.Fatalf("Do left key locked after panic")
	}
}

func TestMutualExclusionStress(t *testing.T) {
	tb := New()
	const G = 16
	const N = 200
	var counters [4]int64 // counters[i] is guarded by the lock on key i
	var wg sync.WaitGroup
	var want int64

	for g := range G {
		for i := range N {
			if (g+i)%4 == (g*3+i)%4 {
				want++
			} else {
				want += 2
			}
		}
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := range N {
				a, b := (g+i)%4, (g*3+i)%4
				ks := keys(fmt.Sprint(a), fmt.Sprint(b))
				_ = tb.Do(context.Background(), ks, func(context.Context) error {
					v := counters[a]
					time.Sleep(time.Microsecond)
					counters[a] = v + 1
					if b != a {
						counters[b]++
					}
					return nil
				})
			}
		}(g)
	}
	wg.Wait()

	var total int64
	for _, c := range counters {
		total += c
	}
	if total != want {
		t.Fatalf("total = %d, want %d (lost updates)", total, want)
	}
	if tb.Len() != 0 {
		t.Fatalf("Len = %d after all Do calls, want 0", tb.Len())
	}
}

func queueLen(tb *Table, k string) int {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	return len(tb.queues[k])
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met in time")
		}
		time.Sleep(time.Millisecond)
	}
}
