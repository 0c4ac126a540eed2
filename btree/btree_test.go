package btree

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/buffer"
	"github.com/cdkamat/hammerspace/dleaf"
)

// dleafOps adapts dleaf.Leaf to the Ops vtable, exercising Tree against a
// real leaf format rather than a synthetic one.
type dleafOps struct{}

func (dleafOps) NewLeaf() Leaf                          { return dleaf.New() }
func (dleafOps) DecodeLeaf(data []byte) (Leaf, error)    { return dleaf.Decode(data) }
func (dleafOps) EncodeLeaf(l Leaf, data []byte) error    { return l.(*dleaf.Leaf).Encode(data) }
func (dleafOps) Need(l Leaf) int                         { return l.(*dleaf.Leaf).Need() }
func (dleafOps) Split(l Leaf) (Leaf, uint64) {
	right, key := l.(*dleaf.Leaf).Split()
	return right, uint64(key)
}

// seqAllocator hands out sequentially increasing block addresses, starting
// past a small reserved region.
type seqAllocator struct {
	mu   sync.Mutex
	next block.Addr
}

func (a *seqAllocator) Alloc(count int) (block.Addr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	addr := a.next
	a.next += block.Addr(count)
	return addr, nil
}

func openTestTree(t *testing.T) (*buffer.Pool, *buffer.Mapping, *seqAllocator) {
	t.Helper()
	dev, err := block.Open(filepath.Join(t.TempDir(), "tree.img"), 12)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	if err := dev.Truncate(4096); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	pool := buffer.NewPool(dev, 512, 0)
	m := pool.NewMapping("data", func(b *buffer.Buffer, write bool) error {
		if write {
			return dev.WriteAt(b.Data(), b.Index())
		}
		return dev.ReadAt(b.Data(), b.Index())
	})
	return pool, m, &seqAllocator{next: 1}
}

func TestNewTreeLooksUpEmptyLeaf(t *testing.T) {
	pool, m, alloc := openTestTree(t)
	tr, err := New(pool, m, alloc, nil, dleafOps{}, nil, nil)
	assert.NoError(t, err)
	assert.Equal(t, 0, tr.Height)

	addr, l, err := tr.Lookup(0)
	assert.NoError(t, err)
	assert.Equal(t, tr.Root, addr)
	assert.Empty(t, l.(*dleaf.Leaf).Entries())
}

func TestUpdatePersistsAcrossReopen(t *testing.T) {
	pool, m, alloc := openTestTree(t)
	tr, err := New(pool, m, alloc, nil, dleafOps{}, nil, nil)
	assert.NoError(t, err)

	addr, l, err := tr.Lookup(10)
	assert.NoError(t, err)
	dl := l.(*dleaf.Leaf)
	dl.Insert(10, 500, 1)
	assert.NoError(t, tr.Update(10, addr, dl))

	reopened := Open(pool, m, alloc, nil, dleafOps{}, nil, nil, tr.Root, tr.Height)
	_, l2, err := reopened.Lookup(10)
	assert.NoError(t, err)
	e, ok := l2.(*dleaf.Leaf).Lookup(10)
	assert.True(t, ok)
	if assert.Len(t, e.Extents, 1) {
		assert.Equal(t, block.Addr(500), e.Extents[0].Block)
	}
}

// groupKey spreads i across dleaf's 24-bit keyhi so each insert opens its
// own group, matching dleaf.Capacity's worst-case one-group-per-entry model.
func groupKey(i int) block.Addr {
	return block.Addr(i) << 24
}

func TestUpdateSplitsAndGrowsHeight(t *testing.T) {
	pool, m, alloc := openTestTree(t)
	tr, err := New(pool, m, alloc, nil, dleafOps{}, nil, nil)
	assert.NoError(t, err)

	cap := dleaf.Capacity(m.BlockSize())
	addr, l, err := tr.Lookup(0)
	assert.NoError(t, err)
	dl := l.(*dleaf.Leaf)
	for i := 0; i < cap; i++ {
		dl.Insert(groupKey(i), block.Addr(i), 1)
	}
	assert.NoError(t, tr.Update(0, addr, dl))
	assert.Equal(t, 0, tr.Height, "tree should not have split yet")

	// One more insert overflows the leaf and forces a split + new root.
	addr, l, err = tr.Lookup(0)
	assert.NoError(t, err)
	dl = l.(*dleaf.Leaf)
	dl.Insert(groupKey(cap), block.Addr(cap), 1)
	assert.NoError(t, tr.Update(0, addr, dl))
	assert.Equal(t, 1, tr.Height, "tree should have grown a root after overflow")

	// Every originally-inserted key must still be reachable post-split.
	for i := 0; i < cap; i++ {
		_, l, err := tr.Lookup(groupKey(i))
		assert.NoError(t, err)
		_, ok := l.(*dleaf.Leaf).Lookup(groupKey(i))
		assert.True(t, ok)
	}
}

func TestDeltaFnTagsDirtyBuffers(t *testing.T) {
	pool, m, alloc := openTestTree(t)
	var delta uint32 = 3
	tr, err := New(pool, m, alloc, nil, dleafOps{}, func() uint32 { return delta }, nil)
	assert.NoError(t, err)

	addr, l, err := tr.Lookup(0)
	assert.NoError(t, err)
	dl := l.(*dleaf.Leaf)
	dl.Insert(1, 1, 1)
	assert.NoError(t, tr.Update(0, addr, dl))

	// Both the original root written by New and its redirected copy written
	// by Update carry the delta-3 tag.
	assert.Equal(t, 2, pool.DirtyCount(m, buffer.StateDirty+buffer.State(delta%buffer.DirtyStates)))
}
