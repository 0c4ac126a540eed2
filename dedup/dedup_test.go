package dedup

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/btree"
	"github.com/cdkamat/hammerspace/buffer"
	"github.com/cdkamat/hammerspace/hleaf"
)

// seqAllocator hands out sequentially increasing block addresses, mirroring
// btree_test.go's allocator so both packages' tests read the same way.
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

func openTestEngine(t *testing.T) *Engine {
	t.Helper()
	dev, err := block.Open(filepath.Join(t.TempDir(), "dedup.img"), 12)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	if err := dev.Truncate(4096); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	pool := buffer.NewPool(dev, 512, 0)
	m := pool.NewMapping("dedup", func(b *buffer.Buffer, write bool) error {
		if write {
			return dev.WriteAt(b.Data(), b.Index())
		}
		return dev.ReadAt(b.Data(), b.Index())
	})
	alloc := &seqAllocator{next: 1}
	tr, err := btree.New(pool, m, alloc, nil, Ops{}, nil, nil)
	if err != nil {
		t.Fatalf("new tree: %v", err)
	}
	e, err := NewEngine(pool, m, alloc, tr, nil, 0)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return e
}

func digestWithPrefix(prefix uint64, tail byte) Digest {
	var d Digest
	for i := 0; i < 8; i++ {
		d[i] = byte(prefix >> (56 - 8*i))
	}
	d[19] = tail
	return d
}

// Seed Scenario 3: writing the same content twice must not allocate a
// second block; the second write's Lookup hits and bumps the existing
// entry's refcount instead of falling through to Insert.
func TestLookupInsertLookupBumpsRefcount(t *testing.T) {
	e := openTestEngine(t)
	hints := &Hints{}
	digest := digestWithPrefix(0xaabbccdd11223344, 0x01)

	addr, hit, err := e.Lookup(hints, digest)
	assert.NoError(t, err)
	assert.False(t, hit)
	assert.Zero(t, addr)

	written := block.Addr(500)
	assert.NoError(t, e.Insert(hints, digest, written))

	bck, err := e.readBucket(hints.WriteBucket)
	assert.NoError(t, err)
	assert.Equal(t, uint32(1), bck.Entries[0].Refcount)

	// A second write of identical content is a hit, and bumps the refcount
	// of the same bucket entry rather than writing a fresh block.
	gotAddr, hit, err := e.Lookup(hints, digest)
	assert.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, written, gotAddr)

	bck, err = e.readBucket(hints.WriteBucket)
	assert.NoError(t, err)
	assert.Equal(t, uint32(2), bck.Entries[0].Refcount)
}

// Seed Scenario 4: two distinct digests sharing a 64-bit B-tree key prefix
// must both resolve correctly through the collision-bucket path, and must
// not be confused with one another on lookup.
func TestHashPrefixCollisionRoutesThroughCollisionBucket(t *testing.T) {
	e := openTestEngine(t)
	prefix := uint64(0xdeadbeefcafef00d)
	d1 := digestWithPrefix(prefix, 0x01)
	d2 := digestWithPrefix(prefix, 0x02)
	assert.Equal(t, d1.Key(), d2.Key())

	h1 := &Hints{}
	_, hit, err := e.Lookup(h1, d1)
	assert.NoError(t, err)
	assert.False(t, hit)
	assert.NoError(t, e.Insert(h1, d1, block.Addr(600)))

	h2 := &Hints{}
	_, hit, err = e.Lookup(h2, d2)
	assert.NoError(t, err)
	assert.False(t, hit, "distinct digest under the same prefix must not false-hit")
	assert.NoError(t, e.Insert(h2, d2, block.Addr(700)))

	_, leaf, err := e.tree.Lookup(d1.Key())
	assert.NoError(t, err)
	entry, ok := leaf.(*hleaf.Leaf).Lookup(d1.Key())
	assert.True(t, ok)
	assert.Equal(t, hleaf.NoOffset, entry.Offset, "colliding prefix must repoint the hleaf entry at a collision bucket")

	addr1, hit, err := e.Lookup(&Hints{}, d1)
	assert.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, block.Addr(600), addr1)

	addr2, hit, err := e.Lookup(&Hints{}, d2)
	assert.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, block.Addr(700), addr2)
}
