// Package leveldb implements kv.Store on top of goleveldb.
package leveldb

import (
	"context"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	lerrors "github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/ryandielhenn/zephyrttl/pkg/kv"
)

// Store wraps a goleveldb database.
type Store struct {
	db *leveldb.DB
}

var _ kv.Store = (*Store)(nil)

// Open opens (or creates) a database at path. A corrupted database is
// recovered in place.
func Open(path string, o *opt.Options) (*Store, error) {
	db, err := leveldb.OpenFile(path, o)
	if lerrors.IsCorrupted(err) {
		db, err = leveldb.RecoverFile(path, o)
	}
	if err != nil {
		return nil, fmt.Errorf("open leveldb %s: %w", path, err)
	}
	return &Store{db: db}, nil
}

// OpenMemory returns a store backed by goleveldb's in-memory storage.
func OpenMemory() (*Store, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb memstorage: %w", err)
	}
	return &Store{db: db}, nil
}

// Wrap adapts an already opened database.
func Wrap(db *leveldb.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Get(ctx context.Context, key []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	v, err := s.db.Get(key, nil)
	if err != nil {
		return nil, mapErr(err)
	}
	return v, nil
}

func (s *Store) Put(ctx context.Context, key, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(s.db.Put(key, value, nil))
}

func (s *Store) Delete(ctx context.Context, key []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return mapErr(s.db.Delete(key, nil))
}

func (s *Store) Write(ctx context.Context, b *kv.Batch) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	lb := new(leveldb.Batch)
	for _, op := range b.Ops() {
		switch op.Type {
		case kv.OpPut:
			lb.Put(op.Key, op.Value)
		case kv.OpDelete:
			lb.Delete(op.Key)
		}
	}
	return mapErr(s.db.Write(lb, nil))
}

func (s *Store) NewIterator(ctx context.Context, r *kv.Range) kv.Iterator {
	if err := ctx.Err(); err != nil {
		return kv.EmptyIterator(err)
	}
	var slice *util.Range
	if r != nil {
		slice = &util.Range{Start: r.Start, Limit: r.Limit}
	}
	return &iter{it: s.db.NewIterator(slice, nil)}
}

func (s *Store) Close() error {
	return mapErr(s.db.Close())
}

// DB exposes the underlying database, e.g. for compaction or stats.
func (s *Store) DB() *leveldb.DB {
	return s.db
}

func mapErr(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, leveldb.ErrNotFound):
		return kv.ErrNotFound
	case errors.Is(err, leveldb.ErrClosed):
		return kv.ErrClosed
	default:
		return err
	}
}

// iter copies keys and values out of goleveldb's reused buffers.
type iter struct {
	it iterator.Iterator
}

func (i *iter) Next() bool { return i.it.Next() }

func (i *iter) Key() []byte { return append([]byte(nil), i.it.Key()...) }

func (i *iter) Value() []byte { return append([]byte(nil), i.it.Value()...) }

func (i *iter) Error() error { return mapErr(i.it.Error()) }

func (i *iter) Release() { i.it.Release() }
