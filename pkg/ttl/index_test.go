package ttl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrttl/pkg/keycodec"
	"github.com/ryandielhenn/zephyrttl/pkg/kv"
)

func newTestIndex(t *testing.T, ns string) (*Index, *kv.MemStore) {
	t.Helper()
	store := kv.NewMemStore()
	x, err := NewIndex(store, keycodec.Tuple(), ns, "x")
	require.NoError(t, err)
	return x, store
}

func TestExpiredRangeBoundary(t *testing.T) {
	x, _ := newTestIndex(t, "ttl")
	now := time.Unix(1000, 500)
	r := x.ExpiredRange(now)

	tests := []struct {
		at   time.Time
		key  string
		want bool
	}{
		{time.Unix(0, 0), "a", true},
		{time.Unix(-5, 0), "a", true},
		{now.Add(-time.Nanosecond), "\xff\xff", true},
		{now, "a", true},
		{now, "\xff\xff\xff", true},
		{now.Add(time.Nanosecond), "", false},
		{now.Add(time.Hour), "a", false},
	}
	for _, tc := range tests {
		got := r.Contains(x.TemporalKey(tc.at, []byte(tc.key)))
		require.Equal(t, tc.want, got, "temporal(%v, %q)", tc.at, tc.key)
	}

	// prefix entries never fall inside the temporal range
	for _, k := range []string{"a", "x", "\x02x\x00", ""} {
		require.False(t, r.Contains(x.PrefixKey([]byte(k))), "prefix(%q)", k)
	}
}

func TestIndexSetClear(t *testing.T) {
	x, store := newTestIndex(t, "ttl")
	ctx := context.Background()
	now := time.Unix(100, 0)
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("a")}

	exp, err := x.SetExpiry(ctx, keys, now, time.Minute)
	require.NoError(t, err)
	require.True(t, exp.Equal(now.Add(time.Minute)))
	require.Equal(t, 4, store.Len(), "duplicate key produced extra entries")

	got, ok, err := x.Lookup(ctx, []byte("b"))
	require.NoError(t, err)
	require.True(t, ok)
	require.True(t, got.Equal(exp))

	n, err := x.ClearExpiry(ctx, [][]byte{[]byte("a"), []byte("zzz")})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 2, store.Len())

	n, err = x.ClearExpiry(ctx, nil)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestScanExpired(t *testing.T) {
	x, _ := newTestIndex(t, "")
	ctx := context.Background()
	now := time.Unix(100, 0)
	for i, k := range []string{"c", "a", "b"} {
		_, err := x.SetExpiry(ctx, [][]byte{[]byte(k)}, now, time.Duration(i+1)*time.Second)
		require.NoError(t, err)
	}

	found, err := x.ScanExpired(ctx, now.Add(2*time.Second), 0)
	require.NoError(t, err)
	require.Len(t, found, 2)
	require.Equal(t, "c", string(found[0].Key))
	require.Equal(t, "a", string(found[1].Key))

	found, err = x.ScanExpired(ctx, now.Add(time.Hour), 1)
	require.NoError(t, err)
	require.Len(t, found, 1)
}

func TestIndexNamespacesIsolate(t *testing.T) {
	store := kv.NewMemStore()
	ctx := context.Background()
	one, err := NewIndex(store, keycodec.Tuple(), "one", "x")
	require.NoError(t, err)
	two, err := NewIndex(store, keycodec.Tuple(), "two", "x")
	require.NoError(t, err)

	now := time.Unix(100, 0)
	_, err = one.SetExpiry(ctx, [][]byte{[]byte("k")}, now, time.Second)
	require.NoError(t, err)

	_, ok, err := two.Lookup(ctx, []byte("k"))
	require.NoError(t, err)
	require.False(t, ok)
	found, err := two.ScanExpired(ctx, now.Add(time.Hour), 0)
	require.NoError(t, err)
	require.Empty(t, found)
}

func TestLookupMalformedPrefixEntry(t *testing.T) {
	x, store := newTestIndex(t, "ttl")
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, x.PrefixKey([]byte("k")), []byte("garbage")))

	_, _, err := x.Lookup(ctx, []byte("k"))
	require.ErrorIs(t, err, keycodec.ErrMalformed)
}
