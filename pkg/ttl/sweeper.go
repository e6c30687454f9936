package ttl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ryandielhenn/zephyrttl/pkg/kv"
)

// SweepResult describes one sweep cycle.
type SweepResult struct {
	Now      time.Time     // clock reading that bounded the scan
	Scanned  int           // temporal entries collected
	Expired  int           // data entries deleted
	Stale    int           // temporal entries deleted without their data
	Duration time.Duration // wall time of the cycle
	Err      error
}

type sweepState int

const (
	stateRunning sweepState = iota
	stateSweeping
	stateStopRequested
	stateStopped
)

func (s sweepState) String() string {
	switch s {
	case stateRunning:
		return "running"
	case stateSweeping:
		return "sweeping"
	case stateStopRequested:
		return "stop-requested"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// sweeper schedules sweep cycles and owns the stop handshake. At most one
// cycle runs at a time; Stop during a cycle takes effect when it ends.
type sweeper struct {
	db   *DB
	freq time.Duration

	mu      sync.Mutex
	state   sweepState
	stopped chan struct{} // closed on entering stateStopped
	done    chan struct{} // closed when the ticker goroutine exits
}

func newSweeper(db *DB, freq time.Duration) *sweeper {
	return &sweeper{
		db:      db,
		freq:    freq,
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
}

func (s *sweeper) start() {
	go s.loop()
}

func (s *sweeper) loop() {
	defer close(s.done)
	t := time.NewTicker(s.freq)
	defer t.Stop()
	for {
		select {
		case <-s.stopped:
			return
		case <-t.C:
			ctx, cancel := s.cycleContext()
			_, err := s.run(ctx)
			cancel()
			if errors.Is(err, ErrSweepInProgress) {
				s.db.log.Debug("sweep tick skipped", zap.Error(err))
			}
		}
	}
}

func (s *sweeper) cycleContext() (context.Context, context.CancelFunc) {
	if d := s.db.cfg.sweepTimeout; d > 0 {
		return context.WithTimeout(context.Background(), d)
	}
	return context.WithCancel(context.Background())
}

// run performs one cycle if none is in progress.
func (s *sweeper) run(ctx context.Context) (SweepResult, error) {
	if err := s.begin(); err != nil {
		if errors.Is(err, ErrSweepInProgress) {
			s.db.metrics.skipped.Inc()
		}
		return SweepResult{}, err
	}
	defer s.end()

	start := time.Now()
	res := s.db.sweep(ctx)
	res.Duration = time.Since(start)
	s.db.observeSweep(res)
	return res, res.Err
}

func (s *sweeper) begin() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateRunning:
		s.state = stateSweeping
		return nil
	case stateSweeping, stateStopRequested:
		return ErrSweepInProgress
	default:
		return ErrStopped
	}
}

func (s *sweeper) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case stateSweeping:
		s.state = stateRunning
	case stateStopRequested:
		s.state = stateStopped
		close(s.stopped)
	}
}

// stop requests a stop and waits until no cycle is running and the ticker
// goroutine has exited, or ctx is done. Calling it again is harmless.
func (s *sweeper) stop(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case stateRunning:
		s.state = stateStopped
		close(s.stopped)
	case stateSweeping:
		s.state = stateStopRequested
	}
	s.mu.Unlock()

	for _, ch := range []chan struct{}{s.stopped, s.done} {
		select {
		case <-ch:
		case <-ctx.Done():
			return fmt.Errorf("stop sweeper: %w", ctx.Err())
		}
	}
	return nil
}

func (s *sweeper) currentState() sweepState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// sweep deletes everything that is due. Collected keys are locked and their
// prefix entries re-read before anything is deleted: data goes only when the
// key's current pair is the one that was found, so a key whose expiry was
// moved or cleared after the scan keeps its data and loses only the
// outdated temporal entry.
func (db *DB) sweep(ctx context.Context) SweepResult {
	res := SweepResult{Now: db.now()}

	found, scanErr := db.index.ScanExpired(ctx, res.Now, db.cfg.sweepLimit)
	res.Scanned = len(found)
	if len(found) == 0 {
		res.Err = scanErr
		return res
	}

	keys := make([][]byte, 0, len(found))
	for _, e := range found {
		if e.Key != nil {
			keys = append(keys, e.Key)
		}
	}
	keys = uniqueKeys(keys)

	unlock, err := db.locks.Lock(ctx, keys...)
	if err != nil {
		res.Err = errors.Join(scanErr, err)
		return res
	}
	defer unlock()

	current, err := db.index.lookupAll(ctx, keys)
	if err != nil {
		res.Err = errors.Join(scanErr, err)
		return res
	}
	live := make(map[string]expiry, len(keys))
	for i, k := range keys {
		live[string(k)] = current[i]
	}

	groups := make([]sweepGroup, 0, len(found))
	for _, e := range found {
		g := sweepGroup{idx: []kv.Op{{Type: kv.OpDelete, Key: e.TemporalKey}}}
		cur := live[string(e.Key)]
		if e.Key != nil && cur.found && bytes.Equal(db.index.TemporalKey(cur.at, e.Key), e.TemporalKey) {
			g.idx = append(g.idx, kv.Op{Type: kv.OpDelete, Key: db.index.PrefixKey(e.Key)})
			g.data = []kv.Op{{Type: kv.OpDelete, Key: e.Key}}
			g.expired = true
		}
		groups = append(groups, g)
	}

	committed, err := db.commitSweep(ctx, groups)
	for _, g := range groups[:committed] {
		if g.expired {
			res.Expired++
		} else {
			res.Stale++
		}
	}
	res.Err = errors.Join(scanErr, err)
	return res
}

// sweepGroup is the deletions for one temporal entry: the entry itself,
// and for a verified expiry also the prefix entry and the data.
type sweepGroup struct {
	idx     []kv.Op
	data    []kv.Op
	expired bool
}

// commitSweep writes the groups in chunks that fit the stores' batch
// limits and returns how many groups were committed. A chunk goes out as
// one batch when index and data share a store, otherwise as two
// concurrent writes. A group is never split across chunks.
func (db *DB) commitSweep(ctx context.Context, groups []sweepGroup) (int, error) {
	idxLimit, dataLimit := kv.MaxBatchOps(db.index.store), kv.MaxBatchOps(db.store)
	done := 0
	for done < len(groups) {
		n, idxOps, dataOps := 0, 0, 0
		for _, g := range groups[done:] {
			i, d := idxOps+len(g.idx), dataOps+len(g.data)
			fits := fitsBatch(idxLimit, i) && fitsBatch(dataLimit, d)
			if db.sub == nil {
				fits = fitsBatch(idxLimit, i+d)
			}
			if n > 0 && !fits {
				break
			}
			idxOps, dataOps, n = i, d, n+1
		}
		if err := db.writeSweepChunk(ctx, groups[done:done+n]); err != nil {
			return done, err
		}
		done += n
	}
	return done, nil
}

func (db *DB) writeSweepChunk(ctx context.Context, chunk []sweepGroup) error {
	idx, data := kv.NewBatch(), kv.NewBatch()
	for _, g := range chunk {
		idx.Append(kv.NewBatch(g.idx...))
		data.Append(kv.NewBatch(g.data...))
	}
	if db.sub == nil {
		idx.Append(data)
		return db.store.Write(ctx, idx)
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return db.sub.Write(gctx, idx)
	})
	if data.Len() > 0 {
		g.Go(func() error {
			return db.store.Write(gctx, data)
		})
	}
	return g.Wait()
}

func (db *DB) observeSweep(res SweepResult) {
	m := db.metrics
	m.duration.Observe(res.Duration.Seconds())
	m.expired.Add(float64(res.Expired))
	m.stale.Add(float64(res.Stale))

	if res.Err != nil {
		m.sweeps.WithLabelValues("error").Inc()
		m.errors.Inc()
		db.cfg.onError(fmt.Errorf("sweep: %w", res.Err))
	} else {
		m.sweeps.WithLabelValues("ok").Inc()
	}
	if res.Scanned > 0 {
		db.log.Debug("sweep complete",
			zap.Int("scanned", res.Scanned),
			zap.Int("expired", res.Expired),
			zap.Int("stale", res.Stale),
			zap.Duration("took", res.Duration),
		)
	}
	if db.cfg.onSweep != nil {
		db.cfg.onSweep(res)
	}
}
