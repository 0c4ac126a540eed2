package dedup

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rcrowley/go-metrics"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/btree"
	"github.com/cdkamat/hammerspace/buffer"
	"github.com/cdkamat/hammerspace/hleaf"
	"github.com/cdkamat/hammerspace/internal/xerr"
)

var (
	hitMeter       = metrics.NewRegisteredMeter("hammerspace/dedup/hit", nil)
	missMeter      = metrics.NewRegisteredMeter("hammerspace/dedup/miss", nil)
	collisionMeter = metrics.NewRegisteredMeter("hammerspace/dedup/collision", nil)
	lookasideHit   = metrics.NewRegisteredMeter("hammerspace/dedup/lookaside/hit", nil)
	lookasideMiss  = metrics.NewRegisteredMeter("hammerspace/dedup/lookaside/miss", nil)
)

// Allocator hands out fresh blocks for buckets and hash-tree nodes
// (dedup.c's inode->btree.ops->balloc calls).
type Allocator interface {
	Alloc(count int) (block.Addr, error)
}

// Hints is the per-inode dedup state the engine reads and updates across
// calls: a reference-bucket short-circuit and a write-bucket accumulator
// (§4.F step 1, §9 SUPPLEMENTED FEATURES). The caller owns the value — in
// the full filesystem it lives embedded in the inode — and passes the same
// pointer on every call for a given inode.
type Hints struct {
	RefBucket   block.Addr
	WriteBucket block.Addr
}

// Engine implements the component I dedup engine: sha-1 lookup -> bucket ->
// B-tree, with collision-bucket handling (§4.F, §4.I).
//
// Grounded on original_source/user/kernel/dedup.c in full: bucket_lookup is
// LookupReferenceBucket, htree_lookup's body splits across Lookup (steps
// 1-5: no tree change, though a hit bumps the matching bucket entry's
// refcount) and Insert (the mutating "not found" tail plus collision
// bookkeeping), and handle_collision's two branches become
// splitIntoCollisionBucket/appendCollisionEntry, both routed through one
// appendToWriteBucket helper rather than the three near-identical inline
// copies dedup.c has (SPEC_FULL's SUPPLEMENTED FEATURES).
type Engine struct {
	pool    *buffer.Pool
	m       *buffer.Mapping
	alloc   Allocator
	tree    *btree.Tree
	deltaFn func() uint32

	entriesPerBucket int
	cache            *lru.Cache[Digest, cacheEntry]
}

type cacheEntry struct {
	Block  block.Addr
	Bucket block.Addr
	Offset int
}

// Ops is the hleaf btree.Ops implementation wiring package hleaf into
// package btree's vtable (§4.G).
type Ops struct{}

func (o Ops) NewLeaf() btree.Leaf { return hleaf.New() }

func (o Ops) DecodeLeaf(data []byte) (btree.Leaf, error) { return hleaf.Decode(data) }

func (o Ops) EncodeLeaf(l btree.Leaf, data []byte) error { return l.(*hleaf.Leaf).Encode(data) }

func (o Ops) Need(l btree.Leaf) int {
	return l.(*hleaf.Leaf).Need()
}

func (o Ops) Split(l btree.Leaf) (btree.Leaf, uint64) {
	hl := l.(*hleaf.Leaf)
	right, key := hl.Split(0)
	return right, key
}

// NewEngine constructs a dedup engine over tree (already rooted, its Ops
// must be dedup.Ops), storing buckets through m via pool. lookasideSize
// sizes the optional full-digest shortcut cache (0 disables it).
func NewEngine(pool *buffer.Pool, m *buffer.Mapping, alloc Allocator, tree *btree.Tree, deltaFn func() uint32, lookasideSize int) (*Engine, error) {
	e := &Engine{
		pool:             pool,
		m:                m,
		alloc:            alloc,
		tree:             tree,
		deltaFn:          deltaFn,
		entriesPerBucket: EntriesPerBucket(m.BlockSize()),
	}
	if lookasideSize > 0 {
		c, err := lru.New[Digest, cacheEntry](lookasideSize)
		if err != nil {
			return nil, err
		}
		e.cache = c
	}
	return e, nil
}

// TreeState reports the hash tree's current root and height, for the
// owning volume to persist in its superblock across mounts.
func (e *Engine) TreeState() (block.Addr, int) {
	return e.tree.Root, e.tree.Height
}

func (e *Engine) delta() uint32 {
	if e.deltaFn != nil {
		return e.deltaFn()
	}
	return 0
}

// Lookup resolves digest against hints and the dedup index (§4.F steps
// 1-5). A true second return means block is an existing block whose
// refcount was just bumped by one and the caller must not write fresh data.
// A false return with a nil error means no match exists; the caller should
// write a new block and then call Insert.
func (e *Engine) Lookup(hints *Hints, digest Digest) (block.Addr, bool, error) {
	if e.cache != nil {
		if ce, ok := e.cache.Get(digest); ok {
			if err := e.bumpRefcount(ce.Bucket, ce.Offset); err != nil {
				return 0, false, err
			}
			hints.RefBucket = ce.Bucket
			lookasideHit.Mark(1)
			hitMeter.Mark(1)
			return ce.Block, true, nil
		}
		lookasideMiss.Mark(1)
	}

	if hints.RefBucket != 0 {
		idx, blk, hit, err := e.LookupReferenceBucket(hints.RefBucket, digest)
		if err != nil {
			// §7: a bucket-read failure in the dedup path falls through to
			// a fresh write rather than failing the caller's operation.
			return 0, false, nil
		}
		if hit {
			if err := e.bumpRefcount(hints.RefBucket, idx); err != nil {
				return 0, false, err
			}
			e.remember(digest, hints.RefBucket, idx, blk)
			hitMeter.Mark(1)
			return blk, true, nil
		}
	}

	key := digest.Key()
	_, leaf, err := e.tree.Lookup(key)
	if err != nil {
		return 0, false, err
	}
	hl := leaf.(*hleaf.Leaf)
	entry, ok := hl.Lookup(key)
	if !ok {
		missMeter.Mark(1)
		return 0, false, nil
	}

	if entry.Offset != hleaf.NoOffset {
		bck, err := e.readBucket(entry.Block)
		if err != nil {
			return 0, false, nil
		}
		if int(entry.Offset) < len(bck.Entries) {
			be := bck.Entries[entry.Offset]
			if be.Hash == digest {
				if err := e.bumpRefcount(entry.Block, int(entry.Offset)); err != nil {
					return 0, false, err
				}
				hints.RefBucket = entry.Block
				e.remember(digest, entry.Block, int(entry.Offset), be.Block)
				hitMeter.Mark(1)
				return be.Block, true, nil
			}
		}
		missMeter.Mark(1)
		return 0, false, nil // prefix match, digest mismatch: Insert will open a collision bucket
	}

	// entry.Offset == NoOffset: entry.Block is a collision bucket.
	col, err := e.readBucket(entry.Block)
	if err != nil {
		return 0, false, nil
	}
	for _, ce := range col.Entries {
		if ce.Hash != digest {
			continue
		}
		leafAddr := ce.Block
		off := int(ce.Refcount) // reinterpreted as an offset, per §3
		leafBck, err := e.readBucket(leafAddr)
		if err != nil {
			return 0, false, nil
		}
		if off >= len(leafBck.Entries) {
			continue
		}
		be := leafBck.Entries[off]
		if err := e.bumpRefcount(leafAddr, off); err != nil {
			return 0, false, err
		}
		hints.RefBucket = leafAddr
		e.remember(digest, leafAddr, off, be.Block)
		hitMeter.Mark(1)
		return be.Block, true, nil
	}
	missMeter.Mark(1)
	return 0, false, nil
}

func (e *Engine) remember(digest Digest, bucket block.Addr, offset int, blk block.Addr) {
	if e.cache != nil {
		e.cache.Add(digest, cacheEntry{Block: blk, Bucket: bucket, Offset: offset})
	}
}

// Insert records a freshly-written block's digest after a Lookup miss
// (htree_lookup's "not found" tail, and handle_collision's two branches).
func (e *Engine) Insert(hints *Hints, digest Digest, written block.Addr) error {
	key := digest.Key()
	leafAddr, leaf, err := e.tree.Lookup(key)
	if err != nil {
		return err
	}
	hl := leaf.(*hleaf.Leaf)
	entry, existed := hl.Lookup(key)

	if !existed {
		bckAddr, offset, err := e.appendToWriteBucket(hints, BucketEntry{Hash: digest, Block: written, Refcount: 1})
		if err != nil {
			return err
		}
		i, err := hl.Resize(key, e.m.BlockSize())
		if err != nil {
			return err
		}
		hl.Entries[i] = hleaf.Entry{Key: key, Block: bckAddr, Offset: int16(offset)}
		e.remember(digest, bckAddr, offset, written)
		return e.tree.Update(key, leafAddr, hl)
	}

	idx, _ := hl.Resize(key, e.m.BlockSize()) // existing key: returns its index, no structural change
	if entry.Offset != hleaf.NoOffset {
		collisionMeter.Mark(1)
		return e.splitIntoCollisionBucket(hints, leafAddr, hl, idx, entry, digest, written)
	}
	return e.appendCollisionEntry(hints, entry, digest, written)
}

// splitIntoCollisionBucket handles a first collision on a 64-bit prefix
// (handle_collision's first==1 branch): the existing leaf-bucket entry and
// the new one both move into a fresh collision bucket, and the hleaf entry
// is repointed at it with Offset = NoOffset.
func (e *Engine) splitIntoCollisionBucket(hints *Hints, leafAddr block.Addr, hl *hleaf.Leaf, idx int, entry hleaf.Entry, digest Digest, written block.Addr) error {
	origBck, err := e.readBucket(entry.Block)
	if err != nil {
		return err
	}
	if int(entry.Offset) >= len(origBck.Entries) {
		return fmt.Errorf("%w: dedup: hleaf offset %d out of range for bucket %d", xerr.ErrCorruption, entry.Offset, entry.Block)
	}
	origEntry := origBck.Entries[entry.Offset]

	colAddr, err := e.newBucket()
	if err != nil {
		return err
	}
	col, err := e.readBucket(colAddr)
	if err != nil {
		return err
	}
	col.Append(BucketEntry{Hash: origEntry.Hash, Block: entry.Block, Refcount: uint32(entry.Offset)})

	wbAddr, wOffset, err := e.appendToWriteBucket(hints, BucketEntry{Hash: digest, Block: written, Refcount: 1})
	if err != nil {
		return err
	}
	col.Append(BucketEntry{Hash: digest, Block: wbAddr, Refcount: uint32(wOffset)})
	if err := e.writeBucket(colAddr, col); err != nil {
		return err
	}

	hl.Entries[idx] = hleaf.Entry{Key: entry.Key, Block: colAddr, Offset: hleaf.NoOffset}
	e.remember(digest, wbAddr, wOffset, written)
	return e.tree.Update(entry.Key, leafAddr, hl)
}

// appendCollisionEntry handles a miss inside an already-existing collision
// bucket (handle_collision's first==0 branch): append a new collision entry
// pointing at a freshly-written leaf-bucket slot.
func (e *Engine) appendCollisionEntry(hints *Hints, entry hleaf.Entry, digest Digest, written block.Addr) error {
	col, err := e.readBucket(entry.Block)
	if err != nil {
		return err
	}
	wbAddr, wOffset, err := e.appendToWriteBucket(hints, BucketEntry{Hash: digest, Block: written, Refcount: 1})
	if err != nil {
		return err
	}
	col.Append(BucketEntry{Hash: digest, Block: wbAddr, Refcount: uint32(wOffset)})
	e.remember(digest, wbAddr, wOffset, written)
	return e.writeBucket(entry.Block, col)
}

// appendToWriteBucket appends entry to hints.WriteBucket, allocating it if
// unset and rotating to a fresh bucket if full, per §4.F's "a write bucket
// is rotated when its count reaches entries_per_bucket; the caller's write
// records inherit the rotated bucket's block address" — the bucket address
// and offset returned always describe where entry actually landed.
func (e *Engine) appendToWriteBucket(hints *Hints, entry BucketEntry) (block.Addr, int, error) {
	if hints.WriteBucket == 0 {
		addr, err := e.newBucket()
		if err != nil {
			return 0, 0, err
		}
		hints.WriteBucket = addr
	}
	bck, err := e.readBucket(hints.WriteBucket)
	if err != nil {
		return 0, 0, err
	}
	if len(bck.Entries) >= e.entriesPerBucket {
		addr, err := e.newBucket()
		if err != nil {
			return 0, 0, err
		}
		hints.WriteBucket = addr
		bck = NewBucket()
	}
	off := bck.Append(entry)
	if err := e.writeBucket(hints.WriteBucket, bck); err != nil {
		return 0, 0, err
	}
	return hints.WriteBucket, off, nil
}

func (e *Engine) scanBucket(addr block.Addr, digest Digest) (block.Addr, int, block.Addr, error) {
	bck, err := e.readBucket(addr)
	if err != nil {
		return 0, -1, 0, err
	}
	i, ok := bck.Find(digest)
	if !ok {
		return addr, -1, 0, nil
	}
	return addr, i, bck.Entries[i].Block, nil
}

func (e *Engine) bumpRefcount(addr block.Addr, idx int) error {
	bck, err := e.readBucket(addr)
	if err != nil {
		return err
	}
	if idx >= len(bck.Entries) {
		return fmt.Errorf("%w: dedup: refcount bump index %d out of range for bucket %d", xerr.ErrCorruption, idx, addr)
	}
	bck.Entries[idx].Refcount++
	return e.writeBucket(addr, bck)
}

func (e *Engine) newBucket() (block.Addr, error) {
	addr, err := e.alloc.Alloc(1)
	if err != nil {
		return 0, err
	}
	return addr, e.writeBucket(addr, NewBucket())
}

func (e *Engine) readBucket(addr block.Addr) (*Bucket, error) {
	b, err := e.pool.Read(e.m, addr)
	if err != nil {
		return nil, err
	}
	bck, err := DecodeBucket(b.Data())
	e.pool.Put(b)
	return bck, err
}

func (e *Engine) writeBucket(addr block.Addr, bck *Bucket) error {
	b, err := e.pool.Get(e.m, addr)
	if err != nil {
		return err
	}
	if err := bck.Encode(b.Data()); err != nil {
		e.pool.Put(b)
		return err
	}
	e.pool.PutDirty(b, e.delta())
	return nil
}

// LookupReferenceBucket probes a single bucket for digest without walking
// the hash tree (bucket_lookup). Lookup's reference-bucket short-circuit
// calls this directly; it is exported so code outside this package can
// check whether a known bucket already holds a digest. The returned idx is only valid
// when hit is true.
func (e *Engine) LookupReferenceBucket(addr block.Addr, digest Digest) (idx int, blk block.Addr, hit bool, err error) {
	_, i, blk, err := e.scanBucket(addr, digest)
	if err != nil {
		return 0, 0, false, err
	}
	return i, blk, i >= 0, nil
}
