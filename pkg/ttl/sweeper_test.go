package ttl

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrttl/pkg/keycodec"
	"github.com/ryandielhenn/zephyrttl/pkg/kv"
)

// blockingHook returns a sweep hook that signals entry and then blocks
// until release is closed.
func blockingHook() (hook func(SweepResult), entered <-chan struct{}, release chan struct{}) {
	in := make(chan struct{}, 1)
	release = make(chan struct{})
	hook = func(SweepResult) {
		select {
		case in <- struct{}{}:
		default:
		}
		<-release
	}
	return hook, in, release
}

func TestStopWaitsForSweepInProgress(t *testing.T) {
	hook, entered, release := blockingHook()
	db, _, _ := newTestDB(t, WithSweepHook(hook))
	ctx := context.Background()

	sweepDone := make(chan error, 1)
	go func() {
		_, err := db.Sweep(ctx)
		sweepDone <- err
	}()
	<-entered
	require.Equal(t, stateSweeping, db.sweeper.currentState())

	stopped := make(chan error, 1)
	go func() { stopped <- db.Stop(ctx) }()

	waitFor(t, func() bool { return db.sweeper.currentState() == stateStopRequested })
	select {
	case err := <-stopped:
		t.Fatalf("Stop returned %v while a sweep was still running", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, <-sweepDone)
	select {
	case err := <-stopped:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatalf("Stop did not return after the sweep finished")
	}
	require.Equal(t, stateStopped, db.sweeper.currentState())

	_, err := db.Sweep(ctx)
	require.ErrorIs(t, err, ErrStopped)
	require.NoError(t, db.Stop(ctx), "second Stop")
}

func TestStopHonoursContext(t *testing.T) {
	hook, entered, release := blockingHook()
	db, _, _ := newTestDB(t, WithSweepHook(hook))
	defer close(release)

	go func() { _, _ = db.Sweep(context.Background()) }()
	<-entered

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, db.Stop(ctx), context.DeadlineExceeded)
}

func TestOverlappingSweepIsSkipped(t *testing.T) {
	reg := prometheus.NewRegistry()
	hook, entered, release := blockingHook()
	db, _, _ := newTestDB(t, WithSweepHook(hook), WithRegisterer(reg))

	go func() { _, _ = db.Sweep(context.Background()) }()
	<-entered

	_, err := db.Sweep(context.Background())
	require.ErrorIs(t, err, ErrSweepInProgress)
	require.Equal(t, 1.0, testutil.ToFloat64(db.metrics.skipped))
	close(release)
}

func TestSweepKeepsDataWhenExpiryMovedDuringScan(t *testing.T) {
	sub := newFaultyStore()
	db, _, clock := newTestDB(t, WithSubStore(sub))
	ctx := context.Background()
	key := []byte("k")

	require.NoError(t, db.Put(ctx, key, []byte("v"), WithTTL(time.Second)))
	clock.Advance(time.Minute)
	unlock, err := db.locks.Lock(ctx, key)
	require.NoError(t, err)

	done := make(chan SweepResult, 1)
	go func() {
		res, _ := db.Sweep(ctx)
		done <- res
	}()
	// the sweep has read the old temporal entry and now waits on the key
	<-sub.scanned
	_, err = db.index.SetExpiry(ctx, [][]byte{key}, clock.Now(), time.Hour)
	require.NoError(t, err)
	unlock()

	res := <-done
	require.NoError(t, res.Err)
	require.Equal(t, 1, res.Scanned)
	require.Zero(t, res.Expired)
	require.Equal(t, 1, res.Stale)
	requireValue(t, db, "k", "v")

	prefix, temporal := indexState(t, db, "k")
	require.True(t, prefix)
	require.Equal(t, 1, temporal)
}

func TestSweepRemovesStaleAndMalformedEntries(t *testing.T) {
	db, store, clock := newTestDB(t)
	ctx := context.Background()
	key := []byte("k")
	require.NoError(t, db.Put(ctx, key, []byte("v"), WithTTL(time.Hour)))

	// a temporal entry that the prefix entry does not point at, and one
	// whose value is not an encoded key
	now := clock.Now()
	require.NoError(t, store.Put(ctx, db.index.TemporalKey(now.Add(time.Second), key), db.index.codec.Encode(keycodec.Raw(key))))
	require.NoError(t, store.Put(ctx, db.index.TemporalKey(now.Add(time.Second), []byte("junk")), []byte("not a key")))

	clock.Advance(time.Minute)
	res := mustSweep(t, db)
	require.Equal(t, 2, res.Scanned)
	require.Equal(t, 2, res.Stale)
	require.Zero(t, res.Expired)
	requireValue(t, db, "k", "v")

	prefix, temporal := indexState(t, db, "k")
	require.True(t, prefix)
	require.Equal(t, 1, temporal)
}

func TestSweepLimit(t *testing.T) {
	db, _, clock := newTestDB(t, WithSweepLimit(2))
	ctx := context.Background()
	for i := range 5 {
		require.NoError(t, db.Put(ctx, []byte(fmt.Sprint(i)), []byte("v"), WithTTL(time.Duration(i+1)*time.Second)))
	}
	clock.Advance(time.Minute)

	var expired []int
	for range 3 {
		expired = append(expired, mustSweep(t, db).Expired)
	}
	require.Equal(t, []int{2, 2, 1}, expired)
	for i := range 5 {
		requireNotFound(t, db, fmt.Sprint(i))
	}
}

func TestSweepOrderFollowsExpiry(t *testing.T) {
	db, _, clock := newTestDB(t, WithSweepLimit(1))
	ctx := context.Background()
	require.NoError(t, db.Put(ctx, []byte("late"), []byte("v"), WithTTL(2*time.Second)))
	require.NoError(t, db.Put(ctx, []byte("early"), []byte("v"), WithTTL(time.Second)))

	clock.Advance(time.Minute)
	mustSweep(t, db)
	requireNotFound(t, db, "early")
	requireValue(t, db, "late", "v")
}

func TestSweepErrorReported(t *testing.T) {
	sub := newFaultyStore()
	var reported []error
	reg := prometheus.NewRegistry()
	db, store, clock := newTestDB(t,
		WithSubStore(sub),
		WithRegisterer(reg),
		WithErrorHandler(func(err error) { reported = append(reported, err) }),
	)
	ctx := context.Background()
	require.NoError(t, db.Put(ctx, []byte("k"), []byte("v"), WithTTL(time.Second)))
	clock.Advance(time.Minute)

	sub.setFailWrite(true)
	_, err := db.Sweep(ctx)
	require.ErrorIs(t, err, errInjected)
	require.Len(t, reported, 1)
	require.True(t, errors.Is(reported[0], errInjected))
	require.Equal(t, 1.0, testutil.ToFloat64(db.metrics.errors))

	// the pair survives a failed sweep, so the next one retries
	sub.setFailWrite(false)
	res := mustSweep(t, db)
	require.Equal(t, 1, res.Expired)
	require.Zero(t, store.Len())
	require.Zero(t, sub.Store.(*kv.MemStore).Len())
	require.Equal(t, 1.0, testutil.ToFloat64(db.metrics.expired))
}

func TestMetricsSharedRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	db1, _, clock1 := newTestDB(t, WithRegisterer(reg))
	db2, _, clock2 := newTestDB(t, WithRegisterer(reg))
	ctx := context.Background()

	require.NoError(t, db1.Put(ctx, []byte("a"), []byte("v"), WithTTL(time.Second)))
	require.NoError(t, db2.Put(ctx, []byte("b"), []byte("v"), WithTTL(time.Second)))
	clock1.Advance(time.Minute)
	clock2.Advance(time.Minute)
	mustSweep(t, db1)
	mustSweep(t, db2)

	require.Equal(t, 2.0, testutil.ToFloat64(db1.metrics.expired))
	require.Equal(t, 2.0, testutil.ToFloat64(db1.metrics.sweeps.WithLabelValues("ok")))
	require.Equal(t, 2.0, testutil.ToFloat64(db1.metrics.indexOps.WithLabelValues("set")))
}

func TestTickerSweepsWithoutManualCalls(t *testing.T) {
	clock := newFakeClock()
	swept := make(chan SweepResult, 1)
	db, err := New(kv.NewMemStore(),
		WithCheckFrequency(10*time.Millisecond),
		WithClock(clock.Now),
		WithSweepHook(func(r SweepResult) {
			if r.Expired > 0 {
				select {
				case swept <- r:
				default:
				}
			}
		}),
	)
	require.NoError(t, err)
	defer db.Close()

	ctx := context.Background()
	for i := range 10 {
		require.NoError(t, db.Put(ctx, []byte(fmt.Sprint(i)), []byte("v"), WithTTL(time.Second)))
	}
	clock.Advance(time.Second)
	select {
	case r := <-swept:
		require.Equal(t, 10, r.Expired)
	case <-time.After(5 * time.Second):
		t.Fatalf("ticker never swept")
	}
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

func TestSweepChunksToStoreBatchLimit(t *testing.T) {
	store := newLimitedStore(10)
	clock := newFakeClock()
	db, err := New(store,
		WithCheckFrequency(time.Hour),
		WithClock(clock.Now),
		WithErrorHandler(func(error) {}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	// 3 ops per expired key, so one batch would need 300
	for i := range 100 {
		require.NoError(t, db.Put(ctx, fmt.Appendf(nil, "k%03d", i), []byte("v"), WithTTL(time.Second)))
	}
	clock.Advance(time.Minute)

	res := mustSweep(t, db)
	require.Equal(t, 100, res.Expired)
	require.Zero(t, store.Len())
	require.LessOrEqual(t, store.largestBatch(), 10)
	require.Equal(t, 9, store.largestBatch(), "chunks are packed with whole keys")
}

func TestSweepChunksWithSubStore(t *testing.T) {
	store, sub := newLimitedStore(3), newLimitedStore(4)
	clock := newFakeClock()
	db, err := New(store,
		WithSubStore(sub),
		WithCheckFrequency(time.Hour),
		WithClock(clock.Now),
		WithErrorHandler(func(error) {}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	for i := range 7 {
		require.NoError(t, db.Put(ctx, fmt.Appendf(nil, "k%d", i), []byte("v"), WithTTL(time.Second)))
	}
	// a stale temporal entry costs one index op and no data op
	require.NoError(t, sub.MemStore.Write(ctx, kv.NewBatch(kv.Op{
		Type:  kv.OpPut,
		Key:   db.index.TemporalKey(clock.Now(), []byte("gone")),
		Value: keycodec.Tuple().Encode(keycodec.Raw([]byte("gone"))),
	})))
	clock.Advance(time.Minute)

	res := mustSweep(t, db)
	require.Equal(t, 7, res.Expired)
	require.Equal(t, 1, res.Stale)
	require.Zero(t, store.Len())
	require.Zero(t, sub.Len())
	require.LessOrEqual(t, store.largestBatch(), 3)
	require.LessOrEqual(t, sub.largestBatch(), 4)
}

func TestSweepChunkFailureKeepsCommittedChunks(t *testing.T) {
	store := newLimitedStore(3)
	clock := newFakeClock()
	db, err := New(store,
		WithCheckFrequency(time.Hour),
		WithClock(clock.Now),
		WithErrorHandler(func(error) {}),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	ctx := context.Background()

	require.NoError(t, db.Put(ctx, []byte("a"), []byte("v"), WithTTL(time.Second)))
	require.NoError(t, db.Put(ctx, []byte("b"), []byte("v"), WithTTL(time.Second)))
	clock.Advance(time.Minute)

	// the second chunk hits a store that now takes nothing
	var writes int
	db.store = writeHook{Store: store, before: func() error {
		writes++
		if writes > 1 {
			return errInjected
		}
		return nil
	}}
	res, err := db.Sweep(ctx)
	require.ErrorIs(t, err, errInjected)
	require.Equal(t, 1, res.Expired)
	require.Equal(t, 2, res.Scanned)

	db.store = store
	res = mustSweep(t, db)
	require.Equal(t, 1, res.Expired)
	require.Zero(t, store.Len())
}

type writeHook struct {
	kv.Store
	before func() error
}

func (w writeHook) Write(ctx context.Context, b *kv.Batch) error {
	if err := w.before(); err != nil {
		return err
	}
	return w.Store.Write(ctx, b)
}
