package buffer

import (
	"container/list"
	"sync"

	"github.com/cdkamat/hammerspace/block"
)

// HashBuckets is the fixed bucket count for a mapping's block-index hash
// table (§4.B: "fixed BUCKETS = 999").
const HashBuckets = 999

// IOFunc reads or writes one buffer's worth of data through a mapping's
// backing storage. write selects direction: false reads into buf.Data(),
// true persists it. It is the "io" callback of §3's Mapping definition —
// the bitmap mapping's is write_bitmap on write and an extent read on read;
// a file mapping delegates to its extent map; the log mapping uses
// extent-backed I/O (§6).
type IOFunc func(buf *Buffer, write bool) error

// Mapping is a namespace of block-addressed buffers owned by either the
// volume, a file's extent map, or the log stream (§3). It carries the
// device, the io callback, a hash table from block-index to buffer, and
// the list of buffers currently dirty within this mapping.
type Mapping struct {
	Name string // for metrics and diagnostics, e.g. "bitmap", "itable", "log"

	pool *Pool
	dev  *block.Device
	io   IOFunc

	mu    sync.Mutex
	hash  [HashBuckets]*Buffer
	dirty list.List // of *Buffer, via Buffer.dirty
}

// BlockSize returns the mapping's backing device block size, for callers
// that need to size record payloads against it (e.g. the log writer).
func (m *Mapping) BlockSize() int { return m.dev.BlockSize() }

// blockHash implements block_hash(index) = index mod BUCKETS (§4.B).
func blockHash(index block.Addr) uint64 {
	return uint64(index) % HashBuckets
}

// lookup finds a resident buffer by index without touching the LRU; callers
// hold m.mu.
func (m *Mapping) lookup(index block.Addr) *Buffer {
	for b := m.hash[blockHash(index)]; b != nil; b = b.hashNext {
		if b.index == index {
			return b
		}
	}
	return nil
}

// insert links a freshly-allocated buffer at the head of its hash bucket
// (§4.B: "a freshly inserted buffer goes to the head of the bucket").
func (m *Mapping) insert(b *Buffer) {
	bucket := blockHash(b.index)
	b.hashNext = m.hash[bucket]
	m.hash[bucket] = b
}

// remove unlinks b from its hash bucket. Callers hold m.mu.
func (m *Mapping) remove(b *Buffer) {
	bucket := blockHash(b.index)
	if m.hash[bucket] == b {
		m.hash[bucket] = b.hashNext
		b.hashNext = nil
		return
	}
	for p := m.hash[bucket]; p != nil; p = p.hashNext {
		if p.hashNext == b {
			p.hashNext = b.hashNext
			b.hashNext = nil
			return
		}
	}
}

// linkDirty adds b to the mapping's dirty list if not already present.
func (m *Mapping) linkDirty(b *Buffer) {
	if b.dirty != nil {
		return
	}
	b.dirty = m.dirty.PushBack(b)
}

// unlinkDirty removes b from the mapping's dirty list.
func (m *Mapping) unlinkDirty(b *Buffer) {
	if b.dirty == nil {
		return
	}
	m.dirty.Remove(b.dirty)
	b.dirty = nil
}
