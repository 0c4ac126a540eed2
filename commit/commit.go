// Package commit implements the component H commit engine: the delta
// counter, the reader/writer barrier that separates ordinary mutation from
// a commit in flight, and the stage/flush protocol that turns a batch of
// concurrent mutations into one atomic on-disk delta (§4.H).
//
// It is grounded on original_source/user/commit.c's change_begin/
// change_end/stage_delta/commit_delta and on the teacher's
// triedb/pathdb/disklayer.go commit/revert pair (the same "one generation's
// worth of dirty state flushes as a unit" shape, generalized here from the
// teacher's two-buffer current/background swap to the spec's four-slot
// ring). The §9 stage_delta defect — the original returns on the first
// non-EAGAIN write failure, truncating the remaining stage — is fixed, not
// ported: buffer.Pool.FlushMappingExcept/FlushMappingState always continue
// past a single buffer's failure and report the first error seen.
package commit

import (
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/cdkamat/hammerspace/buffer"
	"github.com/cdkamat/hammerspace/internal/xlog"
	"github.com/cdkamat/hammerspace/wal"
)

// Config threads the commit engine's policy knobs through its constructor
// (SPEC_FULL's AMBIENT STACK: configuration lives on a struct, not globals).
type Config struct {
	// NeedDeltaEvery is change_end's one-in-N commit policy (§4.H default
	// 10: "one-in-N, default N=10").
	NeedDeltaEvery uint32
	// FlushConcurrency bounds how many mappings commit_delta drains at
	// once via an errgroup, mirroring the teacher's bounded background
	// flush goroutine pool (asyncnodebuffer.flush).
	FlushConcurrency int
}

func (c Config) withDefaults() Config {
	if c.NeedDeltaEvery == 0 {
		c.NeedDeltaEvery = 10
	}
	if c.FlushConcurrency == 0 {
		c.FlushConcurrency = 4
	}
	return c
}

// Engine drives the delta protocol: ChangeBegin/ChangeEnd bracket a single
// mutation (a client's read-modify-write of some logical block), and every
// Nth ChangeEnd upgrades to a commit that stages the allocator bitmap and
// flushes the delta that just closed (§4.H, §5).
type Engine struct {
	pool     *buffer.Pool
	bitmap   *Bitmap
	log      *wal.Writer
	deferred *wal.DeferredFree
	cfg      Config

	deltaLock sync.RWMutex
	delta     uint32
	counter   uint32
}

// NewEngine constructs a commit engine. bitmap and log may be nil (a core
// with no allocator or no log stream degrades gracefully: stage_delta and
// the log flush become no-ops). deferred may also be nil; when set, its
// accumulated extents are retired against bitmap.Free at the end of every
// commitDelta, once the delta that orphaned them has actually landed on
// disk.
func NewEngine(pool *buffer.Pool, bitmap *Bitmap, log *wal.Writer, deferred *wal.DeferredFree, cfg Config) *Engine {
	return &Engine{pool: pool, bitmap: bitmap, log: log, deferred: deferred, cfg: cfg.withDefaults()}
}

// Delta reports the current delta counter (sb.delta) with an atomic load
// and takes no lock, so it is safe to call from inside ChangeBegin's
// read-locked section and from code running under the commit's write lock
// (the log writer and allocator reach it through deltaFn during
// commitDelta). The counter only changes under the write lock.
func (e *Engine) Delta() uint32 {
	return atomic.LoadUint32(&e.delta)
}

// ChangeBegin acquires the delta lock's read half (change_begin). Every
// mutation that dirties a buffer during the read-locked section tags it
// with DIRTY+(Delta()&3); see buffer.Pool.MarkDirty.
func (e *Engine) ChangeBegin() {
	e.deltaLock.RLock()
}

// ChangeEnd releases the read half and, per the one-in-N policy, may
// upgrade to the write half to commit a new delta (change_end). The
// "classic double-check" — re-reading delta after reacquiring the lock in
// write mode — means only the caller that actually observes no concurrent
// commit does the work; every other racing caller's ChangeEnd is a no-op
// past the lock dance.
func (e *Engine) ChangeEnd() error {
	if !e.needDelta() {
		e.deltaLock.RUnlock()
		return nil
	}
	seen := e.delta
	e.deltaLock.RUnlock()

	e.deltaLock.Lock()
	defer e.deltaLock.Unlock()
	if e.delta != seen {
		return nil
	}
	e.delta++
	xlog.Debug("hammerspace: commit delta", "delta", e.delta)
	if err := e.stageDelta(); err != nil {
		xlog.Error("hammerspace: stage delta failed", "delta", e.delta, "err", err)
	}
	return e.commitDelta()
}

// SeedDelta sets the starting delta counter when mounting a volume whose
// superblock recorded the last committed delta. Callers must do this
// before the first ChangeBegin/ChangeEnd pair.
func (e *Engine) SeedDelta(delta uint32) {
	e.deltaLock.Lock()
	e.delta = delta
	e.deltaLock.Unlock()
}

// ForceCommit runs stageDelta/commitDelta immediately, bypassing the
// one-in-N policy — the explicit fsync path (Volume.Sync) needs this rather
// than waiting for the counter to roll over. Callers must already hold
// ChangeBegin's read lock; ForceCommit upgrades it to the write lock itself.
func (e *Engine) ForceCommit() error {
	e.deltaLock.RUnlock()
	e.deltaLock.Lock()
	defer func() {
		e.deltaLock.Unlock()
		e.deltaLock.RLock()
	}()
	e.delta++
	xlog.Debug("hammerspace: force commit delta", "delta", e.delta)
	if err := e.stageDelta(); err != nil {
		xlog.Error("hammerspace: stage delta failed", "delta", e.delta, "err", err)
	}
	return e.commitDelta()
}

func (e *Engine) needDelta() bool {
	n := atomic.AddUint32(&e.counter, 1)
	return n%e.cfg.NeedDeltaEvery == 0
}

// stageDelta writes every bitmap buffer not tagged for the delta that just
// began, deferring those to their own future commit (stage_delta). A nil
// bitmap (a core mounted without an allocator, e.g. for leaf-only tests)
// makes this a no-op.
func (e *Engine) stageDelta() error {
	if e.bitmap == nil {
		return nil
	}
	current := buffer.StateDirty + buffer.State(e.delta%buffer.DirtyStates)
	return e.pool.FlushMappingExcept(e.bitmap.Mapping(), current)
}

// commitDelta drains exactly the prior delta's dirty buffers across every
// registered mapping to disk and transitions them to CLEAN (commit_delta).
// Per §5's ordering guarantee ("log records written in delta d are
// persisted before any data block of delta d is made live"), the log
// writer is flushed first.
func (e *Engine) commitDelta() error {
	if e.log != nil {
		e.log.Flush()
	}
	prior := buffer.StateDirty + buffer.State((e.delta-1)%buffer.DirtyStates)

	var flushErr error
	mappings := e.pool.Mappings()
	if len(mappings) <= 1 || e.cfg.FlushConcurrency <= 1 {
		flushErr = e.pool.FlushState(prior)
	} else {
		var g errgroup.Group
		g.SetLimit(e.cfg.FlushConcurrency)
		var mu sync.Mutex
		var firstErr error
		for _, m := range mappings {
			m := m
			g.Go(func() error {
				if err := e.pool.FlushMappingState(m, prior); err != nil {
					mu.Lock()
					if firstErr == nil {
						firstErr = err
					}
					mu.Unlock()
				}
				return nil
			})
		}
		_ = g.Wait()
		flushErr = firstErr
	}
	if flushErr != nil {
		return flushErr
	}

	// Blocks redirected away from during the delta that just committed are
	// only safe to hand back to the allocator now that it's on disk.
	if e.deferred != nil && e.bitmap != nil {
		if err := e.deferred.Retire(e.bitmap.Free); err != nil {
			xlog.Error("hammerspace: retire deferred frees failed", "delta", e.delta, "err", err)
			return err
		}
	}
	return nil
}
