package ttl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrttl/pkg/keycodec"
	"github.com/ryandielhenn/zephyrttl/pkg/kv"
)

// lookupConcurrency bounds the parallel prefix-entry reads of one call.
const lookupConcurrency = 16

// Index records key expiries as pairs of entries in an ordered store:
//
//	prefix entry:   (ns, key)          -> expiry timestamp
//	temporal entry: (ns, x, ts, key)   -> key
//
// Temporal entries sort by timestamp, so everything due at time t is a
// single range scan. The prefix entry finds the temporal entry to retire
// when a key's expiry changes or is cleared.
//
// Index does no locking; callers serialize updates per key.
type Index struct {
	store    kv.Store
	codec    keycodec.Codec
	prefixNs []keycodec.Part
	expiryNs []keycodec.Part
}

// NewIndex returns an index over store. ns and expiryNs must be valid
// components for codec.
func NewIndex(store kv.Store, codec keycodec.Codec, ns, expiryNs string) (*Index, error) {
	var prefix []keycodec.Part
	if ns != "" {
		prefix = append(prefix, keycodec.Str(ns))
	}
	if expiryNs == "" {
		return nil, fmt.Errorf("ttl: empty expiry namespace: %w", keycodec.ErrInvalidPart)
	}
	expiry := append(append([]keycodec.Part(nil), prefix...), keycodec.Str(expiryNs))
	for _, p := range expiry {
		if err := codec.Validate(p); err != nil {
			return nil, fmt.Errorf("ttl: namespace %q: %w", p.Bytes, err)
		}
	}
	return &Index{
		store:    store,
		codec:    codec,
		prefixNs: prefix,
		expiryNs: expiry,
	}, nil
}

// PrefixKey is the key of key's prefix entry.
func (x *Index) PrefixKey(key []byte) []byte {
	return x.codec.Encode(append(x.prefixNs[:len(x.prefixNs):len(x.prefixNs)], keycodec.Raw(key))...)
}

// TemporalKey is the key of the temporal entry recording that key expires
// at exp.
func (x *Index) TemporalKey(exp time.Time, key []byte) []byte {
	return x.codec.Encode(append(x.expiryNs[:len(x.expiryNs):len(x.expiryNs)], keycodec.Time(exp), keycodec.Raw(key))...)
}

// ExpiredRange covers every temporal entry with a timestamp at or before
// now.
func (x *Index) ExpiredRange(now time.Time) *kv.Range {
	ns := x.expiryNs[:len(x.expiryNs):len(x.expiryNs)]
	return &kv.Range{
		Start: x.codec.Encode(append(ns, keycodec.Nanos(math.MinInt64))...),
		Limit: x.codec.Encode(append(ns, keycodec.Nanos(limitNanos(now)))...),
	}
}

// limitNanos is the exclusive upper timestamp bound for entries due at now.
// Temporal keys carry the user key after the timestamp, so the bound is the
// next nanosecond rather than now itself.
func limitNanos(now time.Time) int64 {
	n := now.UnixNano()
	if n == math.MaxInt64 {
		return n
	}
	return n + 1
}

// Lookup returns the recorded expiry of key.
func (x *Index) Lookup(ctx context.Context, key []byte) (time.Time, bool, error) {
	v, err := x.store.Get(ctx, x.PrefixKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lookup %q: %w", key, err)
	}
	exp, err := x.codec.DecodeTime(v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("lookup %q: %w", key, err)
	}
	return exp, true, nil
}

type expiry struct {
	at    time.Time
	found bool
}

// lookupAll reads the prefix entries of keys in parallel. The result is
// aligned with keys.
func (x *Index) lookupAll(ctx context.Context, keys [][]byte) ([]expiry, error) {
	out := make([]expiry, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(lookupConcurrency)
	for i, key := range keys {
		g.Go(func() error {
			at, found, err := x.Lookup(gctx, key)
			if err != nil {
				return err
			}
			out[i] = expiry{at: at, found: found}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

// SetExpiry records that every key in keys expires at now+ttl. Any
// existing pair of a key is retired in the same atomic write that creates
// the new one, so a key never has two live pairs. All keys go in one batch
// unless the store limits batch size; then each key's ops still commit
// together and a failed call may have moved only some of the keys.
func (x *Index) SetExpiry(ctx context.Context, keys [][]byte, now time.Time, ttl time.Duration) (time.Time, error) {
	exp := now.Add(ttl)
	keys = uniqueKeys(keys)
	if len(keys) == 0 {
		return exp, nil
	}
	old, err := x.lookupAll(ctx, keys)
	if err != nil {
		return time.Time{}, err
	}

	stamp := x.codec.Encode(keycodec.Time(exp))
	groups := make([][]kv.Op, 0, len(keys))
	for i, key := range keys {
		g := make([]kv.Op, 0, 3)
		if old[i].found && !old[i].at.Equal(exp) {
			g = append(g, kv.Op{Type: kv.OpDelete, Key: x.TemporalKey(old[i].at, key)})
		}
		g = append(g,
			kv.Op{Type: kv.OpPut, Key: x.TemporalKey(exp, key), Value: x.codec.Encode(keycodec.Raw(key))},
			kv.Op{Type: kv.OpPut, Key: x.PrefixKey(key), Value: stamp},
		)
		groups = append(groups, g)
	}
	if _, err := writeGroups(ctx, x.store, groups); err != nil {
		return time.Time{}, fmt.Errorf("set expiry: %w", err)
	}
	return exp, nil
}

// ClearExpiry retires the pairs of keys and returns how many were retired.
// Keys without a pair are skipped.
func (x *Index) ClearExpiry(ctx context.Context, keys [][]byte) (int, error) {
	keys = uniqueKeys(keys)
	if len(keys) == 0 {
		return 0, nil
	}
	old, err := x.lookupAll(ctx, keys)
	if err != nil {
		return 0, err
	}
	var groups [][]kv.Op
	for i, key := range keys {
		if !old[i].found {
			continue
		}
		groups = append(groups, []kv.Op{
			{Type: kv.OpDelete, Key: x.TemporalKey(old[i].at, key)},
			{Type: kv.OpDelete, Key: x.PrefixKey(key)},
		})
	}
	n, err := writeGroups(ctx, x.store, groups)
	if err != nil {
		return n, fmt.Errorf("clear expiry: %w", err)
	}
	return n, nil
}

// writeGroups commits groups of ops to store and returns how many groups
// were written. A group is never split across batches; groups are packed
// into as few batches as the store's batch limit allows.
func writeGroups(ctx context.Context, store kv.Store, groups [][]kv.Op) (int, error) {
	limit := kv.MaxBatchOps(store)
	done := 0
	for done < len(groups) {
		b := kv.NewBatch()
		n := 0
		for _, g := range groups[done:] {
			if n > 0 && !fitsBatch(limit, b.Len()+len(g)) {
				break
			}
			b.Append(kv.NewBatch(g...))
			n++
		}
		if err := store.Write(ctx, b); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

// fitsBatch reports whether n ops are within limit; limit <= 0 is no limit.
func fitsBatch(limit, n int) bool {
	return limit <= 0 || n <= limit
}

// Expired is a temporal entry found by a scan.
type Expired struct {
	TemporalKey []byte
	Key         []byte // nil when the entry's value could not be decoded
}

// ScanExpired collects temporal entries due at now, up to limit entries
// when limit > 0. Entries collected before a read error are returned along
// with it.
func (x *Index) ScanExpired(ctx context.Context, now time.Time, limit int) ([]Expired, error) {
	it := x.store.NewIterator(ctx, x.ExpiredRange(now))
	defer it.Release()

	var out []Expired
	for it.Next() {
		e := Expired{TemporalKey: bytes.Clone(it.Key())}
		if key, err := x.codec.DecodeKey(it.Value()); err == nil {
			e.Key = key
		}
		out = append(out, e)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	if err := it.Error(); err != nil {
		return out, fmt.Errorf("scan expired: %w", err)
	}
	return out, nil
}

func uniqueKeys(keys [][]byte) [][]byte {
	seen := make(map[string]struct{}, len(keys))
	out := keys[:0:0]
	for _, k := range keys {
		if _, ok := seen[string(k)]; ok {
			continue
		}
		seen[string(k)] = struct{}{}
		out = append(out, k)
	}
	return out
}
