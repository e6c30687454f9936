// Package kvtest is a conformance suite for kv.Store implementations.
package kvtest

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrttl/pkg/kv"
)

// TestStoreSuite runs the suite against stores built by newStore. Each
// subtest gets a fresh store and closes it when done.
func TestStoreSuite(t *testing.T, newStore func() kv.Store) {
	t.Run("GetMissing", func(t *testing.T) {
		s := open(t, newStore)
		_, err := s.Get(context.Background(), []byte("nope"))
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("PutGetDelete", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()

		require.NoError(t, s.Put(ctx, []byte("k"), []byte("v")))
		got, err := s.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v"), got)

		require.NoError(t, s.Put(ctx, []byte("k"), []byte("v2")))
		got, err = s.Get(ctx, []byte("k"))
		require.NoError(t, err)
		require.Equal(t, []byte("v2"), got)

		require.NoError(t, s.Delete(ctx, []byte("k")))
		_, err = s.Get(ctx, []byte("k"))
		require.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, s.Delete(ctx, []byte("k")), "deleting a missing key")
	})

	t.Run("BatchInOrder", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		require.NoError(t, s.Put(ctx, []byte("old"), []byte("x")))

		b := new(kv.Batch)
		b.Put([]byte("a"), []byte("1"))
		b.Delete([]byte("a"))
		b.Delete([]byte("b"))
		b.Put([]byte("b"), []byte("2"))
		b.Put([]byte("c"), []byte("3"))
		b.Put([]byte("c"), []byte("4"))
		b.Delete([]byte("old"))
		require.NoError(t, s.Write(ctx, b))

		_, err := s.Get(ctx, []byte("a"))
		require.ErrorIs(t, err, kv.ErrNotFound)
		_, err = s.Get(ctx, []byte("old"))
		require.ErrorIs(t, err, kv.ErrNotFound)
		got, err := s.Get(ctx, []byte("b"))
		require.NoError(t, err)
		require.Equal(t, []byte("2"), got)
		got, err = s.Get(ctx, []byte("c"))
		require.NoError(t, err)
		require.Equal(t, []byte("4"), got)
	})

	t.Run("EmptyBatch", func(t *testing.T) {
		s := open(t, newStore)
		require.NoError(t, s.Write(context.Background(), new(kv.Batch)))
	})

	t.Run("IteratorRange", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		for i := 9; i >= 0; i-- {
			require.NoError(t, s.Put(ctx, fmt.Appendf(nil, "k%02d", i), fmt.Appendf(nil, "v%02d", i)))
		}
		require.NoError(t, s.Put(ctx, []byte("j"), []byte("before")))
		require.NoError(t, s.Put(ctx, []byte("l"), []byte("after")))

		keys, vals := collect(t, s.NewIterator(ctx, &kv.Range{Start: []byte("k03"), Limit: []byte("k07")}))
		require.Equal(t, []string{"k03", "k04", "k05", "k06"}, keys)
		require.Equal(t, []string{"v03", "v04", "v05", "v06"}, vals)

		keys, _ = collect(t, s.NewIterator(ctx, &kv.Range{Start: []byte("k"), Limit: []byte("l")}))
		require.Len(t, keys, 10)

		keys, _ = collect(t, s.NewIterator(ctx, &kv.Range{Start: []byte("k08")}))
		require.Equal(t, []string{"k08", "k09", "l"}, keys)

		keys, _ = collect(t, s.NewIterator(ctx, &kv.Range{Limit: []byte("k01")}))
		require.Equal(t, []string{"j", "k00"}, keys)
	})

	t.Run("IteratorBinaryKeys", func(t *testing.T) {
		s := open(t, newStore)
		ctx := context.Background()
		in := [][]byte{{0x00}, {0x00, 0x00}, {0x00, 0xff}, {0x01}, {0xff, 0x00}}
		for _, k := range in {
			require.NoError(t, s.Put(ctx, k, k))
		}
		it := s.NewIterator(ctx, nil)
		defer it.Release()
		i := 0
		for it.Next() {
			require.Less(t, i, len(in))
			require.Equal(t, in[i], it.Key())
			require.Equal(t, in[i], it.Value())
			i++
		}
		require.NoError(t, it.Error())
		require.Equal(t, len(in), i)
	})
}

func open(t *testing.T, newStore func() kv.Store) kv.Store {
	t.Helper()
	s := newStore()
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func collect(t *testing.T, it kv.Iterator) (keys, vals []string) {
	t.Helper()
	defer it.Release()
	for it.Next() {
		keys = append(keys, string(it.Key()))
		vals = append(vals, string(it.Value()))
	}
	require.NoError(t, it.Error())
	return keys, vals
}
