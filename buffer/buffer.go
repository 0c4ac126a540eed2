// Package buffer implements the component B buffer cache: an in-memory page
// pool keyed by (mapping, block-index), with LRU eviction, hashed lookup,
// and per-buffer dirty-state versioning tied to commit cycles (§4.B).
//
// It is grounded on the teacher's triedb/pathdb dirty-node buffer
// (disklayer.go, nodebuffer.go): a mutable in-memory set of not-yet-written
// pages that must be checked before a read falls through to disk, flushed
// as a unit, and never straddles two delta generations. Where the teacher
// tracks one "current"/"background" pair, this cache keeps a small ring of
// four dirty states so any number of in-flight deltas can be told apart
// without borrowing the teacher's size-triggered two-buffer swap.
package buffer

import (
	"container/list"

	"github.com/cdkamat/hammerspace/block"
)

// State is a buffer's position in the state ring (§3).
type State int

const (
	StateFreed State = iota
	StateEmpty
	StateClean
	StateDirty // StateDirty+i for i in [0,DirtyStates) are the four dirty slots
)

// DirtyStates is the size of the dirty-state ring; the low two bits of the
// delta counter select a slot.
const DirtyStates = 4

// String renders a state for diagnostics and tests.
func (s State) String() string {
	switch {
	case s == StateFreed:
		return "FREED"
	case s == StateEmpty:
		return "EMPTY"
	case s == StateClean:
		return "CLEAN"
	case s >= StateDirty && s < StateDirty+DirtyStates:
		return "DIRTY+" + string(rune('0'+int(s-StateDirty)))
	default:
		return "INVALID"
	}
}

// DirtySlot returns the ring index i such that s == StateDirty+i, and
// whether s is a dirty state at all.
func (s State) DirtySlot() (int, bool) {
	if s >= StateDirty && s < StateDirty+DirtyStates {
		return int(s - StateDirty), true
	}
	return 0, false
}

// Buffer is one resident page: (mapping, block-index, data, refcount,
// state). Exactly one Buffer is resident per (mapping, block-index) at a
// time (§3's invariant); the cache enforces this via the hash table.
type Buffer struct {
	mapping *Mapping
	index   block.Addr
	data    []byte
	count   int32
	state   State

	hashNext *Buffer       // intrusive singly-linked hash chain
	lru      *list.Element // this cache's global LRU element
	dirty    *list.Element // owning mapping's dirty-list element, nil if not dirty
}

// Mapping returns the owning mapping.
func (b *Buffer) Mapping() *Mapping { return b.mapping }

// Index returns the buffer's block index within its mapping.
func (b *Buffer) Index() block.Addr { return b.index }

// Data returns the buffer's backing storage. Callers must not retain slices
// of it past a Put/PutDirty call, since the buffer may be reused.
func (b *Buffer) Data() []byte { return b.data }

// State returns the current state.
func (b *Buffer) State() State { return b.state }

// Count returns the current refcount, exported for diagnostics only.
func (b *Buffer) Count() int32 { return b.count }
