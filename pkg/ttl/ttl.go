// Package ttl adds expiring entries to an ordered key-value store.
//
// Every write may carry a TTL. The DB records each key's expiry in an index
// stored alongside the data (or in a separate sub store) and a background
// sweeper deletes entries once they are due, so readers never have to check
// expiry themselves. Until the sweeper reaches it, an expired entry is
// still returned by Get.
package ttl

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrttl/pkg/keycodec"
	"github.com/ryandielhenn/zephyrttl/pkg/keylock"
	"github.com/ryandielhenn/zephyrttl/pkg/kv"
)

// DB wraps a kv.Store with TTL support. It is safe for concurrent use.
type DB struct {
	store   kv.Store
	sub     kv.Store // nil when the index shares store
	index   *Index
	locks   *keylock.Table
	sweeper *sweeper
	cfg     *config
	log     *zap.Logger
	metrics *metrics
	closed  atomic.Bool
}

// New wraps store and starts the sweeper.
func New(store kv.Store, opts ...Option) (*DB, error) {
	if store == nil {
		return nil, errors.New("ttl: nil store")
	}
	cfg := defaultConfig()
	for _, o := range opts {
		o(cfg)
	}
	if cfg.checkFrequency <= 0 {
		return nil, fmt.Errorf("ttl: check frequency must be positive, got %s", cfg.checkFrequency)
	}
	if cfg.defaultTTL < 0 {
		return nil, fmt.Errorf("ttl: negative default ttl %s", cfg.defaultTTL)
	}
	if cfg.sweepLimit < 0 {
		return nil, fmt.Errorf("ttl: negative sweep limit %d", cfg.sweepLimit)
	}
	if cfg.codec == nil {
		cfg.codec = keycodec.Tuple()
		if cfg.separator != 0 {
			c, err := keycodec.Separated(cfg.separator)
			if err != nil {
				return nil, fmt.Errorf("ttl: %w", err)
			}
			cfg.codec = c
		}
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	log := cfg.logger.Named("ttl")
	if cfg.onError == nil {
		cfg.onError = func(err error) {
			log.Error("background operation failed", zap.Error(err))
		}
	}

	target := store
	if cfg.sub != nil {
		target = cfg.sub
	}
	index, err := NewIndex(target, cfg.codec, cfg.prefixNamespace(), cfg.expiryNamespace)
	if err != nil {
		return nil, err
	}

	db := &DB{
		store:   store,
		sub:     cfg.sub,
		index:   index,
		locks:   keylock.New(),
		cfg:     cfg,
		log:     log,
		metrics: newMetrics(cfg.registerer),
	}
	db.sweeper = newSweeper(db, cfg.checkFrequency)
	db.sweeper.start()

	log.Info("sweeper started",
		zap.Duration("check_frequency", cfg.checkFrequency),
		zap.Duration("default_ttl", cfg.defaultTTL),
		zap.Bool("sub_store", cfg.sub != nil),
	)
	return db, nil
}

func (db *DB) now() time.Time {
	return db.cfg.clock()
}

// Index exposes the expiry index, mostly for inspection and tests.
func (db *DB) Index() *Index {
	return db.index
}

// Get returns the value of key. Expiry is not checked.
func (db *DB) Get(ctx context.Context, key []byte) ([]byte, error) {
	if db.closed.Load() {
		return nil, ErrClosed
	}
	return db.store.Get(ctx, key)
}

// NewIterator iterates the underlying store. Expiry is not checked, and
// when the index shares the store its entries are visible too. After
// Close the iterator is empty and reports ErrClosed.
func (db *DB) NewIterator(ctx context.Context, r *kv.Range) kv.Iterator {
	if db.closed.Load() {
		return kv.EmptyIterator(ErrClosed)
	}
	return db.store.NewIterator(ctx, r)
}

func (db *DB) writeTTL(opts []WriteOption) time.Duration {
	o := writeOptions{}
	for _, fn := range opts {
		fn(&o)
	}
	if !o.ttlSet {
		return db.cfg.defaultTTL
	}
	return o.ttl
}

// Put stores value under key. With a TTL (WithTTL or the default TTL) the
// key's expiry is recorded before the value is written; if that fails the
// value is not written.
func (db *DB) Put(ctx context.Context, key, value []byte, opts ...WriteOption) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	ttl := db.writeTTL(opts)
	if ttl <= 0 {
		return db.store.Put(ctx, key, value)
	}

	unlock, err := db.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := db.index.SetExpiry(ctx, [][]byte{key}, db.now(), ttl); err != nil {
		return err
	}
	db.metrics.indexOps.WithLabelValues("set").Inc()
	return db.store.Put(ctx, key, value)
}

// Delete removes key and any expiry recorded for it.
func (db *DB) Delete(ctx context.Context, key []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	unlock, err := db.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if err := db.clear(ctx, [][]byte{key}); err != nil {
		return err
	}
	return db.store.Delete(ctx, key)
}

// Write commits b atomically. The TTL applies to every key whose last op
// in b is a put; keys whose last op is a delete lose their expiry. Index
// updates finish before b is written, and b is not written if they fail.
func (db *DB) Write(ctx context.Context, b *kv.Batch, opts ...WriteOption) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if b == nil {
		return ErrNilBatch
	}
	ttl := db.writeTTL(opts)

	var puts, dels [][]byte
	for _, op := range b.Collapse() {
		if len(op.Key) == 0 {
			return ErrEmptyKey
		}
		switch op.Type {
		case kv.OpPut:
			if ttl > 0 {
				puts = append(puts, op.Key)
			}
		case kv.OpDelete:
			dels = append(dels, op.Key)
		}
	}
	if len(puts) == 0 && len(dels) == 0 {
		return db.store.Write(ctx, b)
	}

	unlock, err := db.locks.Lock(ctx, append(append([][]byte(nil), puts...), dels...)...)
	if err != nil {
		return err
	}
	defer unlock()

	now := db.now()
	g, gctx := errgroup.WithContext(ctx)
	if len(puts) > 0 {
		g.Go(func() error {
			if _, err := db.index.SetExpiry(gctx, puts, now, ttl); err != nil {
				return err
			}
			db.metrics.indexOps.WithLabelValues("set").Add(float64(len(puts)))
			return nil
		})
	}
	if len(dels) > 0 {
		g.Go(func() error {
			return db.clear(gctx, dels)
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return db.store.Write(ctx, b)
}

// SetTTL sets the expiry of key to now+ttl without touching its value.
// It does not check that key exists. A ttl <= 0 is a no-op.
func (db *DB) SetTTL(ctx context.Context, key []byte, ttl time.Duration) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	if ttl <= 0 {
		return nil
	}
	unlock, err := db.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := db.index.SetExpiry(ctx, [][]byte{key}, db.now(), ttl); err != nil {
		return err
	}
	db.metrics.indexOps.WithLabelValues("set").Inc()
	return nil
}

// ClearTTL removes the expiry of key, keeping its value.
func (db *DB) ClearTTL(ctx context.Context, key []byte) error {
	if db.closed.Load() {
		return ErrClosed
	}
	if len(key) == 0 {
		return ErrEmptyKey
	}
	unlock, err := db.locks.Lock(ctx, key)
	if err != nil {
		return err
	}
	defer unlock()
	return db.clear(ctx, [][]byte{key})
}

func (db *DB) clear(ctx context.Context, keys [][]byte) error {
	n, err := db.index.ClearExpiry(ctx, keys)
	if err != nil {
		return err
	}
	db.metrics.indexOps.WithLabelValues("clear").Add(float64(n))
	return nil
}

// TTL returns the time left until key expires. ok is false when key has no
// expiry. The result is negative for a key that is due but not yet swept.
func (db *DB) TTL(ctx context.Context, key []byte) (remaining time.Duration, ok bool, err error) {
	if db.closed.Load() {
		return 0, false, ErrClosed
	}
	if len(key) == 0 {
		return 0, false, ErrEmptyKey
	}
	exp, ok, err := db.index.Lookup(ctx, key)
	if err != nil || !ok {
		return 0, false, err
	}
	return exp.Sub(db.now()), true, nil
}

// Sweep runs one sweep cycle now. It returns ErrSweepInProgress if a cycle
// is already running and ErrStopped after Stop.
func (db *DB) Sweep(ctx context.Context) (SweepResult, error) {
	if db.closed.Load() {
		return SweepResult{}, ErrClosed
	}
	return db.sweeper.run(ctx)
}

// Stop halts the sweeper. A cycle in progress is allowed to finish; Stop
// returns once it has, or with ctx's error if ctx is done first. The DB
// stays usable for reads and writes, but nothing expires any more.
func (db *DB) Stop(ctx context.Context) error {
	return db.sweeper.stop(ctx)
}

// Close stops the sweeper and closes the underlying store. The sub store,
// if any, is left open.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return ErrClosed
	}
	if err := db.Stop(context.Background()); err != nil {
		return err
	}
	db.log.Info("sweeper stopped")
	return db.store.Close()
}
