package ttl

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrttl/pkg/kv"
)

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// newTestDB opens a DB over a MemStore whose sweeper never ticks on its
// own; tests drive cycles with Sweep.
func newTestDB(t *testing.T, opts ...Option) (*DB, *kv.MemStore, *fakeClock) {
	t.Helper()
	store := kv.NewMemStore()
	clock := newFakeClock()
	base := []Option{
		WithCheckFrequency(time.Hour),
		WithClock(clock.Now),
		WithErrorHandler(func(error) {}),
	}
	db, err := New(store, append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db, store, clock
}

func mustSweep(t *testing.T, db *DB) SweepResult {
	t.Helper()
	res, err := db.Sweep(context.Background())
	require.NoError(t, err)
	return res
}

// indexState reports whether key has a prefix entry and how many temporal
// entries name it.
func indexState(t *testing.T, db *DB, key string) (prefix bool, temporal int) {
	t.Helper()
	ctx := context.Background()
	_, prefix, err := db.index.Lookup(ctx, []byte(key))
	require.NoError(t, err)

	all, err := db.index.ScanExpired(ctx, time.Unix(0, math.MaxInt64), 0)
	require.NoError(t, err)
	for _, e := range all {
		if string(e.Key) == key {
			temporal++
		}
	}
	return prefix, temporal
}

func requireNotFound(t *testing.T, db *DB, key string) {
	t.Helper()
	_, err := db.Get(context.Background(), []byte(key))
	require.ErrorIs(t, err, kv.ErrNotFound, "Get(%q)", key)
}

func requireValue(t *testing.T, db *DB, key, want string) {
	t.Helper()
	got, err := db.Get(context.Background(), []byte(key))
	require.NoError(t, err, "Get(%q)", key)
	require.Equal(t, want, string(got), "Get(%q)", key)
}

var errInjected = errors.New("injected failure")

// faultyStore fails writes on demand and can report when a scan finished.
type faultyStore struct {
	kv.Store

	mu        sync.Mutex
	failWrite bool
	scanned   chan struct{} // buffered; receives after each finished scan
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: kv.NewMemStore(), scanned: make(chan struct{}, 1)}
}

func (s *faultyStore) setFailWrite(v bool) {
	s.mu.Lock()
	s.failWrite = v
	s.mu.Unlock()
}

func (s *faultyStore) Put(ctx context.Context, key, value []byte) error {
	s.mu.Lock()
	fail := s.failWrite
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.Store.Put(ctx, key, value)
}

func (s *faultyStore) Write(ctx context.Context, b *kv.Batch) error {
	s.mu.Lock()
	fail := s.failWrite
	s.mu.Unlock()
	if fail {
		return errInjected
	}
	return s.Store.Write(ctx, b)
}

func (s *faultyStore) NewIterator(ctx context.Context, r *kv.Range) kv.Iterator {
	return &signalIterator{Iterator: s.Store.NewIterator(ctx, r), done: s.scanned}
}

type signalIterator struct {
	kv.Iterator
	done chan struct{}
	once sync.Once
}

func (it *signalIterator) Release() {
	it.Iterator.Release()
	it.once.Do(func() {
		select {
		case it.done <- struct{}{}:
		default:
		}
	})
}

// limitedStore refuses batches above limit ops, like etcd's --max-txn-ops,
// and records the largest batch it accepted.
type limitedStore struct {
	*kv.MemStore
	limit int

	mu      sync.Mutex
	largest int
}

func newLimitedStore(limit int) *limitedStore {
	return &limitedStore{MemStore: kv.NewMemStore(), limit: limit}
}

func (s *limitedStore) MaxBatchOps() int { return s.limit }

func (s *limitedStore) Write(ctx context.Context, b *kv.Batch) error {
	n := len(b.Collapse())
	if n > s.limit {
		return fmt.Errorf("%d ops: %w", n, kv.ErrBatchTooLarge)
	}
	s.mu.Lock()
	s.largest = max(s.largest, n)
	s.mu.Unlock()
	return s.MemStore.Write(ctx, b)
}

func (s *limitedStore) largestBatch() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.largest
}
