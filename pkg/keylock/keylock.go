// Package keylock provides mutual exclusion scoped to sets of keys.
//
// A lock request names one or more keys and is granted once no earlier
// request holding or waiting on any of those keys is still outstanding.
// Requests over disjoint key sets run concurrently. Each key keeps a FIFO
// queue of requests, and a request is enqueued on all of its keys in one
// step, so two requests can never wait on each other in opposite orders.
package keylock

import (
	"context"
	"sync"
)

type ticket struct {
	keys    []string
	pending int // queues in which the ticket is not yet at the head
	ready   chan struct{}
}

// Table is a lock table keyed by byte-string keys. The zero value is not
// usable; call New.
type Table struct {
	mu     sync.Mutex
	queues map[string][]*ticket
}

func New() *Table {
	return &Table{queues: make(map[string][]*ticket)}
}

// Lock blocks until every key in keys is held by the caller, or ctx is
// done. The returned unlock func is safe to call more than once. Locking
// an empty key set succeeds immediately. Lock is not reentrant: a caller
// already holding one of keys deadlocks.
func (t *Table) Lock(ctx context.Context, keys ...[]byte) (unlock func(), err error) {
	tk := &ticket{
		keys:  dedupe(keys),
		ready: make(chan struct{}),
	}
	if len(tk.keys) == 0 {
		return func() {}, nil
	}

	t.mu.Lock()
	for _, k := range tk.keys {
		q := t.queues[k]
		if len(q) > 0 {
			tk.pending++
		}
		t.queues[k] = append(q, tk)
	}
	if tk.pending == 0 {
		close(tk.ready)
	}
	t.mu.Unlock()

	select {
	case <-tk.ready:
	case <-ctx.Done():
		// The ticket may have been granted concurrently; release hands
		// the keys on either way.
		t.release(tk)
		return nil, ctx.Err()
	}
	return sync.OnceFunc(func() { t.release(tk) }), nil
}

// Do runs fn while holding keys and releases them when fn returns or
// panics.
func (t *Table) Do(ctx context.Context, keys [][]byte, fn func(ctx context.Context) error) error {
	unlock, err := t.Lock(ctx, keys...)
	if err != nil {
		return err
	}
	defer unlock()
	return fn(ctx)
}

// Held reports whether key is currently held or waited on.
func (t *Table) Held(key []byte) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues[string(key)]) > 0
}

// Len returns the number of keys with a holder or waiter.
func (t *Table) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queues)
}

func (t *Table) release(tk *ticket) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, k := range tk.keys {
		q := t.queues[k]
		i := indexOf(q, tk)
		if i < 0 {
			continue
		}
		q = append(q[:i], q[i+1:]...)
		if len(q) == 0 {
			delete(t.queues, k)
			continue
		}
		t.queues[k] = q
		if i == 0 {
			next := q[0]
			next.pending--
			if next.pending == 0 {
				close(next.ready)
			}
		}
	}
}

func indexOf(q []*ticket, tk *ticket) int {
	for i, x := range q {
		if x == tk {
			return i
		}
	}
	return -1
}

func dedupe(keys [][]byte) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		s := string(k)
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
