package kv

import (
	"bytes"
	"context"
	"errors"
)

// ErrNotFound is returned by Get when the key does not exist. Backends must
// map their own not-found errors to it.
var ErrNotFound = errors.New("kv: not found")

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("kv: store closed")

// ErrBatchTooLarge is returned by Write when a batch exceeds the store's
// MaxBatchOps.
var ErrBatchTooLarge = errors.New("kv: batch too large")

// Store is the ordered key-value contract the TTL layer is built on.
// Writes in a Batch are atomic and applied in order, so the last op on a
// key wins. Deleting a missing key is not an error.
type Store interface {
	Get(ctx context.Context, key []byte) ([]byte, error)
	Put(ctx context.Context, key, value []byte) error
	Delete(ctx context.Context, key []byte) error
	Write(ctx context.Context, b *Batch) error
	NewIterator(ctx context.Context, r *Range) Iterator
	Close() error
}

// BatchLimiter is implemented by stores that refuse batches with more than
// MaxBatchOps operations after collapsing, such as etcd with its
// --max-txn-ops.
type BatchLimiter interface {
	MaxBatchOps() int
}

// MaxBatchOps returns the batch size limit of s, or 0 when it has none.
func MaxBatchOps(s Store) int {
	if l, ok := s.(BatchLimiter); ok {
		return l.MaxBatchOps()
	}
	return 0
}

// Iterator walks a key range in ascending byte order.
//
//	it := store.NewIterator(ctx, &kv.Range{Start: a, Limit: b})
//	defer it.Release()
//	for it.Next() {
//	    use(it.Key(), it.Value())
//	}
//	if err := it.Error(); err != nil { ... }
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Error() error
	Release()
}

// EmptyIterator returns an iterator that yields nothing and reports err,
// which may be nil.
func EmptyIterator(err error) Iterator {
	return &emptyIterator{err: err}
}

type emptyIterator struct{ err error }

func (*emptyIterator) Next() bool { return false }
func (*emptyIterator) Key() []byte { return nil }
func (*emptyIterator) Value() []byte { return nil }
func (e *emptyIterator) Error() error { return e.err }
func (*emptyIterator) Release() {}

// Range is a key range: Start is inclusive, Limit exclusive. A nil bound
// leaves that side open.
type Range struct {
	Start []byte
	Limit []byte
}

// Contains reports whether key falls within r.
func (r *Range) Contains(key []byte) bool {
	if r == nil {
		return true
	}
	if r.Start != nil && bytes.Compare(key, r.Start) < 0 {
		return false
	}
	if r.Limit != nil && bytes.Compare(key, r.Limit) >= 0 {
		return false
	}
	return true
}

// OpType is the kind of a batch operation.
type OpType uint8

const (
	OpPut OpType = iota
	OpDelete
)

func (t OpType) String() string {
	switch t {
	case OpPut:
		return "put"
	case OpDelete:
		return "del"
	default:
		return "unknown"
	}
}

// Op is a single write in a Batch. Value is ignored for deletes.
type Op struct {
	Type  OpType
	Key   []byte
	Value []byte
}

// Batch collects writes to be committed atomically with Store.Write.
type Batch struct {
	ops []Op
}

// NewBatch returns a batch pre-filled with ops.
func NewBatch(ops ...Op) *Batch {
	return &Batch{ops: append([]Op(nil), ops...)}
}

// Put queues a put of key.
func (b *Batch) Put(key, value []byte) {
	b.ops = append(b.ops, Op{Type: OpPut, Key: key, Value: value})
}

// Delete queues a delete of key.
func (b *Batch) Delete(key []byte) {
	b.ops = append(b.ops, Op{Type: OpDelete, Key: key})
}

// Append queues all ops of other after the ops of b.
func (b *Batch) Append(other *Batch) {
	if other == nil {
		return
	}
	b.ops = append(b.ops, other.ops...)
}

// Ops returns the queued operations in order.
func (b *Batch) Ops() []Op {
	return b.ops
}

// Len returns the number of queued operations.
func (b *Batch) Len() int {
	return len(b.ops)
}

// Reset drops all queued operations.
func (b *Batch) Reset() {
	b.ops = b.ops[:0]
}

// Collapse returns the ops reduced to the last op per key, in order of
// each key's last appearance. Backends that cannot apply two ops on the
// same key in one transaction use it.
func (b *Batch) Collapse() []Op {
	last := make(map[string]int, len(b.ops))
	for i, op := range b.ops {
		last[string(op.Key)] = i
	}
	out := make([]Op, 0, len(last))
	for i, op := range b.ops {
		if last[string(op.Key)] == i {
			out = append(out, op)
		}
	}
	return out
}
