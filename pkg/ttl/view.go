package ttl

import (
	"context"

	"github.com/ryandielhenn/zephyrttl/pkg/kv"
)

// Store returns db as a plain kv.Store. Writes through it get the default
// TTL and deletes retire expiries, so it can be handed to code that only
// knows the kv contract, including another wrapper.
func (db *DB) Store() kv.Store {
	return storeView{db: db}
}

type storeView struct {
	db *DB
}

func (v storeView) Get(ctx context.Context, key []byte) ([]byte, error) {
	return v.db.Get(ctx, key)
}

func (v storeView) Put(ctx context.Context, key, value []byte) error {
	return v.db.Put(ctx, key, value)
}

func (v storeView) Delete(ctx context.Context, key []byte) error {
	return v.db.Delete(ctx, key)
}

func (v storeView) Write(ctx context.Context, b *kv.Batch) error {
	return v.db.Write(ctx, b)
}

func (v storeView) NewIterator(ctx context.Context, r *kv.Range) kv.Iterator {
	return v.db.NewIterator(ctx, r)
}

func (v storeView) Close() error {
	return v.db.Close()
}
