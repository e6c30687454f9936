package kv

import (
	"bytes"
	"context"
	"slices"
	"sync"
)

// MemStore is an ordered in-memory Store. Keys are kept in a sorted slice
// next to the value map so range iteration needs no sort.
type MemStore struct {
	mu     sync.RWMutex
	data   map[string][]byte
	keys   []string // sorted
	closed bool
}

var _ Store = (*MemStore)(nil)

func NewMemStore() *MemStore {
	return &MemStore{
		data: make(map[string][]byte),
	}
}

func (s *MemStore) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	v, ok := s.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (s *MemStore) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.put(string(key), value)
	return nil
}

func (s *MemStore) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.remove(string(key))
	return nil
}

// Write applies the batch under a single lock acquisition.
func (s *MemStore) Write(ctx context.Context, b *Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	for _, op := range b.Ops() {
		switch op.Type {
		case OpPut:
			s.put(string(op.Key), op.Value)
		case OpDelete:
			s.remove(string(op.Key))
		}
	}
	return nil
}

// NewIterator returns an iterator over a snapshot of the range taken now;
// later writes are not visible to it.
func (s *MemStore) NewIterator(ctx context.Context, r *Range) Iterator {
	if err := ctx.Err(); err != nil {
		return EmptyIterator(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return EmptyIterator(ErrClosed)
	}

	lo := 0
	if r != nil && r.Start != nil {
		lo, _ = slices.BinarySearch(s.keys, string(r.Start))
	}
	hi := len(s.keys)
	if r != nil && r.Limit != nil {
		hi, _ = slices.BinarySearch(s.keys, string(r.Limit))
	}
	it := &memIterator{pos: -1}
	for i := lo; i < hi; i++ {
		k := s.keys[i]
		it.keys = append(it.keys, []byte(k))
		it.vals = append(it.vals, append([]byte(nil), s.data[k]...))
	}
	return it
}

func (s *MemStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func (s *MemStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *MemStore) put(key string, value []byte) {
	if _, ok := s.data[key]; !ok {
		i, _ := slices.BinarySearch(s.keys, key)
		s.keys = slices.Insert(s.keys, i, key)
	}
	s.data[key] = append([]byte(nil), value...)
}

func (s *MemStore) remove(key string) {
	if _, ok := s.data[key]; !ok {
		return
	}
	delete(s.data, key)
	if i, found := slices.BinarySearch(s.keys, key); found {
		s.keys = slices.Delete(s.keys, i, i+1)
	}
}

type memIterator struct {
	keys [][]byte
	vals [][]byte
	pos  int
}

func (it *memIterator) Next() bool {
	if it.pos+1 >= len(it.keys) {
		it.pos = len(it.keys)
		return false
	}
	it.pos++
	return true
}

func (it *memIterator) Key() []byte {
	if it.pos < 0 || it.pos >= len(it.keys) {
		return nil
	}
	return it.keys[it.pos]
}

func (it *memIterator) Value() []byte {
	if it.pos < 0 || it.pos >= len(it.vals) {
		return nil
	}
	return it.vals[it.pos]
}

func (*memIterator) Error() error { return nil }

func (it *memIterator) Release() {
	it.keys, it.vals = nil, nil
}

// Dump returns a copy of every key/value pair in key order, including TTL
// index entries kept in the store. It is a debugging aid for small stores:
// the whole copy is made under the read lock.
func (s *MemStore) Dump() (keys, values [][]byte) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, k := range s.keys {
		keys = append(keys, []byte(k))
		values = append(values, bytes.Clone(s.data[k]))
	}
	return keys, values
}
