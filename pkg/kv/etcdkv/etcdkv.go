// Package etcdkv implements kv.Store on top of an etcd cluster. All keys
// live under a fixed prefix so one cluster can host several stores, e.g. a
// data store and its TTL index.
package etcdkv

import (
	"context"
	"fmt"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/ryandielhenn/zephyrttl/pkg/kv"
)

const defaultPageSize = 256

// DefaultMaxTxnOps matches the etcd server's default --max-txn-ops.
const DefaultMaxTxnOps = 128

// Store is a kv.Store over etcd.
type Store struct {
	cli      *clientv3.Client
	prefix   string
	timeout  time.Duration
	pageSize int64
	maxOps   int
	owned    bool
}

var (
	_ kv.Store        = (*Store)(nil)
	_ kv.BatchLimiter = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithTimeout bounds every request; zero leaves the caller's context alone.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) { s.timeout = d }
}

// WithPageSize sets how many keys an iterator fetches per round trip.
func WithPageSize(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.pageSize = int64(n)
		}
	}
}

// WithMaxTxnOps sets the largest transaction Write sends. It must not
// exceed the server's --max-txn-ops.
func WithMaxTxnOps(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxOps = n
		}
	}
}

// WithOwnedClient makes Close also close the client.
func WithOwnedClient() Option {
	return func(s *Store) { s.owned = true }
}

// NewClient dials etcd the same way the node bootstrap does.
func NewClient(endpoints []string) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
	})
}

// New returns a store keeping its keys under prefix.
func New(cli *clientv3.Client, prefix string, opts ...Option) *Store {
	s := &Store{
		cli:      cli,
		prefix:   prefix,
		pageSize: defaultPageSize,
		maxOps:   DefaultMaxTxnOps,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	resp, err := s.cli.Get(ctx, s.key(key))
	if err != nil {
		return nil, fmt.Errorf("etcd get: %w", err)
	}
	if len(resp.Kvs) == 0 {
		return nil, kv.ErrNotFound
	}
	return resp.Kvs[0].Value, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.cli.Put(ctx, s.key(key), string(value)); err != nil {
		return fmt.Errorf("etcd put: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.cli.Delete(ctx, s.key(key)); err != nil {
		return fmt.Errorf("etcd delete: %w", err)
	}
	return nil
}

// MaxBatchOps is the largest collapsed batch Write accepts.
func (s *Store) MaxBatchOps() int { return s.maxOps }

// Write commits the batch as a single transaction. etcd refuses a txn that
// touches one key twice, so the batch is collapsed to its last op per key
// first, which is the same outcome as applying it in order. A batch larger
// than MaxBatchOps is refused without a round trip.
func (s *Store) Write(ctx context.Context, b *kv.Batch) error {
	ops := b.Collapse()
	if len(ops) == 0 {
		return nil
	}
	if len(ops) > s.maxOps {
		return fmt.Errorf("etcd txn: %d ops over the limit of %d: %w", len(ops), s.maxOps, kv.ErrBatchTooLarge)
	}
	txnOps := make([]clientv3.Op, 0, len(ops))
	for _, op := range ops {
		switch op.Type {
		case kv.OpPut:
			txnOps = append(txnOps, clientv3.OpPut(s.key(op.Key), string(op.Value)))
		case kv.OpDelete:
			txnOps = append(txnOps, clientv3.OpDelete(s.key(op.Key)))
		}
	}

	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	if _, err := s.cli.Txn(ctx).Then(txnOps...).Commit(); err != nil {
		return fmt.Errorf("etcd txn (%d ops): %w", len(txnOps), err)
	}
	return nil
}

// NewIterator pages through the range in key order. Every page after the
// first is read at the revision of the first, so the iterator sees one
// consistent snapshot.
func (s *Store) NewIterator(ctx context.Context, r *kv.Range) kv.Iterator {
	start := s.prefix
	if r != nil && r.Start != nil {
		start = s.key(r.Start)
	}
	if start == "" {
		start = "\x00"
	}

	var end string
	switch {
	case r != nil && r.Limit != nil:
		end = s.key(r.Limit)
	case s.prefix != "":
		end = clientv3.GetPrefixRangeEnd(s.prefix)
	default:
		end = "\x00" // to the end of the keyspace
	}

	return &iterator{
		s:    s,
		ctx:  ctx,
		next: start,
		end:  end,
		pos:  -1,
	}
}

func (s *Store) Close() error {
	if s.owned {
		return s.cli.Close()
	}
	return nil
}

func (s *Store) key(k []byte) string {
	return s.prefix + string(k)
}

func (s *Store) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, s.timeout)
}

type iterator struct {
	s   *Store
	ctx context.Context

	next string // first key of the next page
	end  string
	rev  int64
	done bool

	page []*page
	pos  int
	err  error
}

type page struct {
	key, value []byte
}

func (it *iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.pos+1 < len(it.page) {
		it.pos++
		return true
	}
	if it.done {
		it.page, it.pos = nil, 0
		return false
	}
	if err := it.fetch(); err != nil {
		it.err = err
		return false
	}
	if len(it.page) == 0 {
		return false
	}
	it.pos = 0
	return true
}

func (it *iterator) fetch() error {
	opts := []clientv3.OpOption{
		clientv3.WithRange(it.end),
		clientv3.WithSort(clientv3.SortByKey, clientv3.SortAscend),
		clientv3.WithLimit(it.s.pageSize),
	}
	if it.rev > 0 {
		opts = append(opts, clientv3.WithRev(it.rev))
	}

	ctx, cancel := it.s.withTimeout(it.ctx)
	defer cancel()
	resp, err := it.s.cli.Get(ctx, it.next, opts...)
	if err != nil {
		return fmt.Errorf("etcd range: %w", err)
	}
	if it.rev == 0 {
		it.rev = resp.Header.Revision
	}

	it.page = it.page[:0]
	for _, kvs := range resp.Kvs {
		it.page = append(it.page, &page{
			key:   kvs.Key[len(it.s.prefix):],
			value: kvs.Value,
		})
	}
	if !resp.More || len(resp.Kvs) == 0 {
		it.done = true
	} else {
		it.next = string(resp.Kvs[len(resp.Kvs)-1].Key) + "\x00"
	}
	return nil
}

func (it *iterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.page) {
		return nil
	}
	return it.page[it.pos].key
}

func (it *iterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.page) {
		return nil
	}
	return it.page[it.pos].value
}

func (it *iterator) Error() error { return it.err }

func (it *iterator) Release() {
	it.page = nil
	it.done = true
}
