package buffer

import (
	"container/list"
	"fmt"
	"sync"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/internal/xerr"
	"github.com/cdkamat/hammerspace/internal/xlog"
)

// Pool is the process-wide (in this port, one per engine context, passed
// to every constructor rather than held in a global) buffer pool: a free list plus a
// single LRU shared by every mapping, exactly as §5 describes ("the buffer
// cache is process-wide; each mapping owns its hash and dirty list but
// shares the global LRU/free pool").
type Pool struct {
	dev       *block.Device
	blockSize int
	capacity  int

	mu       sync.Mutex
	lru      list.List // of *Buffer, front = most recently used
	free     []*Buffer
	resident int
	mappings []*Mapping

	clean *fastcache.Cache // shadow cache of recently-evicted CLEAN content
}

// NewPool allocates the free pool. poolSize is the static sizing the
// original init_buffers performs; cleanCacheBytes sizes the optional
// fastcache shadow (0 disables it).
func NewPool(dev *block.Device, poolSize, cleanCacheBytes int) *Pool {
	p := &Pool{
		dev:       dev,
		blockSize: dev.BlockSize(),
		capacity:  poolSize,
	}
	if cleanCacheBytes > 0 {
		p.clean = fastcache.New(cleanCacheBytes)
	}
	return p
}

// NewMapping registers a namespace of block-addressed buffers against this
// pool's shared LRU and free list.
func (p *Pool) NewMapping(name string, io IOFunc) *Mapping {
	m := &Mapping{Name: name, pool: p, dev: p.dev, io: io}
	p.mu.Lock()
	p.mappings = append(p.mappings, m)
	p.mu.Unlock()
	return m
}

func cleanKey(m *Mapping, index block.Addr) []byte {
	key := make([]byte, len(m.Name)+8)
	copy(key, m.Name)
	b := key[len(m.Name):]
	for i := 0; i < 8; i++ {
		b[i] = byte(index >> (8 * (7 - i)))
	}
	return key
}

// Get returns the resident buffer for (m, index), inserting a fresh EMPTY
// one if absent (§4.B).
func (p *Pool) Get(m *Mapping, index block.Addr) (*Buffer, error) {
	m.mu.Lock()
	if b := m.lookup(index); b != nil {
		b.count++
		m.mu.Unlock()
		p.mu.Lock()
		p.lru.MoveToFront(b.lru)
		p.mu.Unlock()
		cacheHitMeter.Mark(1)
		return b, nil
	}
	m.mu.Unlock()

	b, err := p.allocate(m, index)
	if err != nil {
		return nil, err
	}
	b.state = StateEmpty
	b.count = 1
	cacheMissMeter.Mark(1)
	return b, nil
}

// Read returns a CLEAN buffer for (m, index), invoking the mapping's
// reader if the buffer was EMPTY. It first consults the clean shadow
// cache, mirroring the teacher's diskLayer.cleans lookup before falling
// through to the backing callback.
func (p *Pool) Read(m *Mapping, index block.Addr) (*Buffer, error) {
	b, err := p.Get(m, index)
	if err != nil {
		return nil, err
	}
	if b.state != StateEmpty {
		return b, nil
	}
	if p.clean != nil {
		if blob := p.clean.Get(nil, cleanKey(m, index)); len(blob) == p.blockSize {
			copy(b.data, blob)
			b.state = StateClean
			cleanHitMeter.Mark(1)
			return b, nil
		}
		cleanMissMeter.Mark(1)
	}
	if m.io == nil {
		return nil, fmt.Errorf("%w: mapping %q has no reader", xerr.ErrIO, m.Name)
	}
	if err := m.io(b, false); err != nil {
		p.Put(b)
		return nil, fmt.Errorf("%w: %v", xerr.ErrIO, err)
	}
	b.state = StateClean
	if p.clean != nil {
		p.clean.Set(cleanKey(m, index), b.data)
	}
	return b, nil
}

// Peek returns the resident buffer for (m, index) without inserting one,
// and without taking a reference.
func (p *Pool) Peek(m *Mapping, index block.Addr) *Buffer {
	m.mu.Lock()
	b := m.lookup(index)
	m.mu.Unlock()
	if b == nil {
		return nil
	}
	p.mu.Lock()
	p.lru.MoveToFront(b.lru)
	p.mu.Unlock()
	return b
}

// Put drops a reference to b.
func (p *Pool) Put(b *Buffer) {
	if b.count > 0 {
		b.count--
	}
}

// PutDirty drops a reference to b after ensuring its state is
// DIRTY+(delta mod 4) and it is linked into its mapping's dirty list.
func (p *Pool) PutDirty(b *Buffer, delta uint32) {
	p.MarkDirty(b, delta)
	p.Put(b)
}

// MarkDirty sets b's state to DIRTY+(delta mod 4) if it isn't already
// there (idempotent), moving it between dirty lists if it belonged to an
// older in-flight delta (§4.B's dirty-state ring).
func (p *Pool) MarkDirty(b *Buffer, delta uint32) {
	target := StateDirty + State(delta%DirtyStates)
	if b.state == target {
		return
	}
	m := b.mapping
	m.mu.Lock()
	defer m.mu.Unlock()
	if b.dirty != nil {
		m.unlinkDirty(b)
	}
	b.state = target
	m.linkDirty(b)
}

// allocate finds or creates a Buffer for (m, index): a free-list pop first,
// then growth up to capacity, then an LRU eviction of a CLEAN/EMPTY
// zero-refcount tail entry. Exhaustion is fatal (§7: Oom is fatal at boot).
func (p *Pool) allocate(m *Mapping, index block.Addr) (*Buffer, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var b *Buffer
	if n := len(p.free); n > 0 {
		b = p.free[n-1]
		p.free = p.free[:n-1]
	} else if p.resident < p.capacity {
		b = &Buffer{data: make([]byte, p.blockSize)}
		p.resident++
	} else {
		b = p.evictLocked()
		if b == nil {
			allocFailMeter.Mark(1)
			xlog.Crit("hammerspace: buffer pool exhausted", "capacity", p.capacity)
			return nil, xerr.ErrOom
		}
	}

	b.mapping = m
	b.index = index
	b.state = StateEmpty
	b.count = 0
	for i := range b.data {
		b.data[i] = 0
	}

	m.mu.Lock()
	m.insert(b)
	m.mu.Unlock()
	b.lru = p.lru.PushFront(b)
	return b, nil
}

// evictLocked scans the LRU tail for a reclaimable buffer (CLEAN or EMPTY,
// refcount 0); DIRTY+i buffers are never evicted (§4.B). Callers hold p.mu.
func (p *Pool) evictLocked() *Buffer {
	for e := p.lru.Back(); e != nil; e = e.Prev() {
		b := e.Value.(*Buffer)
		if b.count != 0 {
			continue
		}
		if b.state != StateClean && b.state != StateEmpty {
			continue
		}
		b.mapping.mu.Lock()
		b.mapping.remove(b)
		b.mapping.mu.Unlock()
		p.lru.Remove(e)
		b.lru = nil
		b.state = StateFreed
		evictMeter.Mark(1)
		return b
	}
	return nil
}

// Evict forcibly reclaims every CLEAN/EMPTY, zero-refcount buffer belonging
// to m back onto the free list. Used when a mapping is torn down.
func (p *Pool) Evict(m *Mapping) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var next *list.Element
	for e := p.lru.Front(); e != nil; e = next {
		next = e.Next()
		b := e.Value.(*Buffer)
		if b.mapping != m || b.count != 0 {
			continue
		}
		if b.state != StateClean && b.state != StateEmpty {
			continue
		}
		m.mu.Lock()
		m.remove(b)
		m.mu.Unlock()
		p.lru.Remove(e)
		b.lru = nil
		b.state = StateFreed
		p.free = append(p.free, b)
	}
}

// Mappings returns every mapping registered against this pool, in
// registration order. Used by the commit engine to drive FlushState across
// every namespace uniformly.
func (p *Pool) Mappings() []*Mapping {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*Mapping, len(p.mappings))
	copy(out, p.mappings)
	return out
}

// FlushState drains every dirty buffer tagged with exactly state across all
// registered mappings, writing each through its mapping's io callback and
// transitioning it to CLEAN. A write failure is logged and staging
// continues for the rest (§9: the original's early-return on the first
// non-EAGAIN result is a known defect, not ported — see DESIGN.md). The
// first error seen, if any, is returned after every buffer has been
// attempted.
func (p *Pool) FlushState(state State) error {
	var firstErr error
	for _, m := range p.Mappings() {
		if err := p.FlushMappingState(m, state); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// FlushMappingState drains m's dirty buffers tagged with exactly state,
// writing each through m's io callback and transitioning it to CLEAN. Used
// directly by the commit engine (component H) to fan its per-mapping flush
// out across an errgroup at commit_delta time.
func (p *Pool) FlushMappingState(m *Mapping, state State) error {
	return p.flushMappingWhere(m, func(s State) bool { return s == state })
}

// FlushMappingExcept drains every one of m's dirty buffers NOT tagged with
// except, leaving those alone. This is stage_delta's "a buffer whose state
// index equals (delta & 3) cannot be flushed yet" skip rule (§4.H): the
// bitmap mapping's dirty list is staged eagerly except for whichever slot
// the delta that just began will tag.
func (p *Pool) FlushMappingExcept(m *Mapping, except State) error {
	return p.flushMappingWhere(m, func(s State) bool { return s != except })
}

func (p *Pool) flushMappingWhere(m *Mapping, match func(State) bool) error {
	var firstErr error
	m.mu.Lock()
	var pending []*Buffer
	for e := m.dirty.Front(); e != nil; e = e.Next() {
		b := e.Value.(*Buffer)
		if match(b.state) {
			pending = append(pending, b)
		}
	}
	m.mu.Unlock()

	for _, b := range pending {
		if err := m.io(b, true); err != nil {
			xlog.Error("hammerspace: failed to flush buffer", "mapping", m.Name, "block", b.index, "err", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%w: flush %s/%d: %v", xerr.ErrIO, m.Name, b.index, err)
			}
			continue
		}
		m.mu.Lock()
		m.unlinkDirty(b)
		b.state = StateClean
		m.mu.Unlock()
		if p.clean != nil {
			p.clean.Set(cleanKey(m, b.index), b.data)
		}
		flushMeter.Mark(1)
		flushBytesMeter.Mark(int64(len(b.data)))
	}
	return firstErr
}

// DirtyCount reports how many buffers in m are tagged with state, for
// tests and diagnostics (the counterpart of show_buffers_state).
func (p *Pool) DirtyCount(m *Mapping, state State) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for e := m.dirty.Front(); e != nil; e = e.Next() {
		if e.Value.(*Buffer).state == state {
			n++
		}
	}
	return n
}
