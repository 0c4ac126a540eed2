package wal

import (
	"sync"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/cdkamat/hammerspace/block"
)

// Extent is a run of count contiguous blocks starting at Block.
type Extent struct {
	Block block.Addr
	Count uint8
}

// DeferredFree accumulates extents that must be returned to the allocator
// only once the delta that unlinked them has committed (defer_free/
// retire_defree in log.c). A block queued twice within the same delta — the
// case the original's flat array never guarded against — is recorded once;
// mapset.Set gives that dedup check for free instead of a second linear
// scan per insert.
type DeferredFree struct {
	mu      sync.Mutex
	seen    mapset.Set[block.Addr]
	extents []Extent
}

// NewDeferredFree returns an empty deferred-free list.
func NewDeferredFree() *DeferredFree {
	return &DeferredFree{seen: mapset.NewThreadUnsafeSet[block.Addr]()}
}

// Add queues an extent for release, ignoring it if its starting block was
// already queued this delta.
func (d *DeferredFree) Add(start block.Addr, count uint8) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.seen.Contains(start) {
		return
	}
	d.seen.Add(start)
	d.extents = append(d.extents, Extent{Block: start, Count: count})
}

// Len reports how many distinct extents are queued.
func (d *DeferredFree) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.extents)
}

// Retire hands every queued extent to free, in queue order, then clears the
// list (retire_defree). free is expected to be the allocator's bfree-
// equivalent; Retire stops and returns the first error it sees, leaving the
// remaining extents queued for a subsequent retry.
func (d *DeferredFree) Retire(free func(block.Addr, uint8) error) error {
	d.mu.Lock()
	pending := d.extents
	d.extents = nil
	d.seen.Clear()
	d.mu.Unlock()

	for i, e := range pending {
		if err := free(e.Block, e.Count); err != nil {
			d.mu.Lock()
			d.extents = append(pending[i:], d.extents...)
			for _, rem := range d.extents {
				d.seen.Add(rem.Block)
			}
			d.mu.Unlock()
			return err
		}
	}
	return nil
}
