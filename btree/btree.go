// Package btree implements the component G copy-on-write B-tree that backs
// every leaf format in this module (dleaf, ileaf, hleaf): internal nodes
// hold separator keys and child block pointers, every mutation redirects
// (allocates a fresh block rather than overwriting the old one) so readers
// under an older delta keep seeing a consistent tree, and leaf-kind-specific
// behavior is supplied through the Ops vtable (§4.G).
//
// It is grounded on conuredb-conuredb's btree/storage.go (other_examples):
// the copy-on-write CloneNode/PutNode/dirty-tracking pattern there is
// adapted here as Tree.Update's redirect-on-write discipline, generalized
// from that package's single fixed node type to tux3's "any leaf format
// behind a vtable" design, and on wal's own RecordRedirect/RecordUpdate
// documentation for what each record must mean: every redirected block logs
// REDIRECT(new, old) before its old address is handed to deferred release,
// and every ancestor whose child pointer changes as a result logs
// UPDATE(child, parent, key).
package btree

import (
	"fmt"
	"sort"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/buffer"
	"github.com/cdkamat/hammerspace/internal/wire"
	"github.com/cdkamat/hammerspace/internal/xerr"
	"github.com/cdkamat/hammerspace/wal"
)

// Leaf is any of dleaf.Leaf, ileaf.Leaf or hleaf.Leaf, wrapped behind Ops so
// Tree itself never needs to know which leaf format it is redirecting.
type Leaf interface{}

// Ops is the leaf-kind-specific vtable a Tree is parameterized over
// (§4.G's "leaf-ops vtable via interfaces").
type Ops interface {
	NewLeaf() Leaf
	DecodeLeaf(data []byte) (Leaf, error)
	EncodeLeaf(l Leaf, data []byte) error
	Need(l Leaf) int
	// Split splits l in place, returning the new right-hand leaf and the
	// key at which the split occurred.
	Split(l Leaf) (right Leaf, splitKey uint64)
}

// Allocator hands out fresh block addresses for redirected nodes and leaves
// (btree_ops.balloc).
type Allocator interface {
	Alloc(count int) (block.Addr, error)
}

// Tree is a copy-on-write B-tree rooted at Root. Root and Height are the
// only persistent state a Tree itself needs; the owning structure (a file's
// inode, the volume superblock, a dedup context) is responsible for storing
// them across mounts, exactly as struct btree's root/depth fields are owned
// by the inode or sb that embeds it.
type Tree struct {
	pool     *buffer.Pool
	m        *buffer.Mapping
	alloc    Allocator
	log      *wal.Writer        // may be nil; when set, every redirect and root swap is logged
	ops      Ops
	deltaFn  func() uint32      // may be nil, meaning every dirtied block tags DIRTY+0
	deferred *wal.DeferredFree  // may be nil, meaning redirected-away blocks are never reclaimed

	Root   block.Addr
	Height int // 0 means Root is itself a leaf
}

// New creates a tree with a single, empty leaf as its root. deltaFn, if
// non-nil, is consulted on every redirect so a tree's dirty nodes/leaves
// land in the commit engine's current delta slot rather than always slot 0.
// deferred, if non-nil, receives every block a later Update redirects away
// from, so the commit engine can return it to the allocator only once the
// delta that orphaned it has committed.
func New(pool *buffer.Pool, m *buffer.Mapping, alloc Allocator, log *wal.Writer, ops Ops, deltaFn func() uint32, deferred *wal.DeferredFree) (*Tree, error) {
	root, err := alloc.Alloc(1)
	if err != nil {
		return nil, err
	}
	t := &Tree{pool: pool, m: m, alloc: alloc, log: log, ops: ops, deltaFn: deltaFn, deferred: deferred, Root: root, Height: 0}
	if err := t.writeLeaf(root, ops.NewLeaf()); err != nil {
		return nil, err
	}
	return t, nil
}

// Open resumes a tree whose root and height were persisted elsewhere.
func Open(pool *buffer.Pool, m *buffer.Mapping, alloc Allocator, log *wal.Writer, ops Ops, deltaFn func() uint32, deferred *wal.DeferredFree, root block.Addr, height int) *Tree {
	return &Tree{pool: pool, m: m, alloc: alloc, log: log, ops: ops, deltaFn: deltaFn, deferred: deferred, Root: root, Height: height}
}

func (t *Tree) delta() uint32 {
	if t.deltaFn != nil {
		return t.deltaFn()
	}
	return 0
}

func (t *Tree) blockSize() int { return t.m.BlockSize() }

// writeLeaf encodes l into addr as-is: no redirect bookkeeping, because
// addr is either brand new (the initial root, a split's right sibling) or
// about to become one (redirectLeaf's own destination).
func (t *Tree) writeLeaf(addr block.Addr, l Leaf) error {
	b, err := t.pool.Get(t.m, addr)
	if err != nil {
		return err
	}
	if err := t.ops.EncodeLeaf(l, b.Data()); err != nil {
		t.pool.Put(b)
		return err
	}
	t.pool.PutDirty(b, t.delta())
	return nil
}

func (t *Tree) getLeaf(addr block.Addr) (Leaf, error) {
	b, err := t.pool.Read(t.m, addr)
	if err != nil {
		return nil, err
	}
	l, err := t.ops.DecodeLeaf(b.Data())
	t.pool.Put(b)
	return l, err
}

// logRedirect records that oldAddr's content was copied forward to newAddr,
// when a log is attached.
func (t *Tree) logRedirect(newAddr, oldAddr block.Addr) error {
	if t.log == nil {
		return nil
	}
	return t.log.RecordRedirect(newAddr, oldAddr)
}

// logUpdate records that child's parent pointer now reads parent, indexed
// under key, when a log is attached.
func (t *Tree) logUpdate(child, parent block.Addr, key uint64) error {
	if t.log == nil {
		return nil
	}
	return t.log.RecordUpdate(child, parent, key)
}

// deferOld hands oldAddr to the deferred-free set, if one is attached,
// rather than returning it to the allocator immediately: a reader under an
// older delta may still be following the pointer being redirected away from
// it, right up until that delta commits.
func (t *Tree) deferOld(oldAddr block.Addr) {
	if t.deferred != nil {
		t.deferred.Add(oldAddr, 1)
	}
}

// redirectLeaf allocates a fresh block for l, writes it there in place of
// oldAddr, and logs + defers oldAddr's release.
func (t *Tree) redirectLeaf(oldAddr block.Addr, l Leaf) (block.Addr, error) {
	newAddr, err := t.alloc.Alloc(1)
	if err != nil {
		return 0, err
	}
	if err := t.writeLeaf(newAddr, l); err != nil {
		return 0, err
	}
	if err := t.logRedirect(newAddr, oldAddr); err != nil {
		return 0, err
	}
	t.deferOld(oldAddr)
	return newAddr, nil
}

// redirectNode is redirectLeaf for internal nodes.
func (t *Tree) redirectNode(oldAddr block.Addr, n *node) (block.Addr, error) {
	newAddr, err := t.alloc.Alloc(1)
	if err != nil {
		return 0, err
	}
	if err := t.writeNode(newAddr, n); err != nil {
		return 0, err
	}
	if err := t.logRedirect(newAddr, oldAddr); err != nil {
		return 0, err
	}
	t.deferOld(oldAddr)
	return newAddr, nil
}

// Lookup descends to the leaf that would hold key and returns its block
// address and decoded contents. Callers mutate the returned Leaf in place
// and call Update, passing the same key, to persist it.
func (t *Tree) Lookup(key uint64) (block.Addr, Leaf, error) {
	addr := t.Root
	for depth := t.Height; depth > 0; depth-- {
		node, err := t.getNode(addr)
		if err != nil {
			return 0, nil, err
		}
		addr = node.child(key)
	}
	l, err := t.getLeaf(addr)
	return addr, l, err
}

// Update persists a leaf previously returned by Lookup(key) at addr. It
// never overwrites addr in place: it redirects the mutated leaf to a fresh
// block (splitting it, and cascading the split up through ancestor nodes —
// each itself redirected in turn — if it no longer fits in one block), then
// repoints the path from the root to reflect the new address, growing the
// tree's height if the root itself ends up splitting.
func (t *Tree) Update(key uint64, addr block.Addr, l Leaf) error {
	if t.ops.Need(l) <= t.blockSize() {
		newAddr, err := t.redirectLeaf(addr, l)
		if err != nil {
			return err
		}
		return t.repointUp(key, newAddr, nil)
	}

	right, splitKey := t.ops.Split(l)
	newAddr, err := t.redirectLeaf(addr, l)
	if err != nil {
		return err
	}
	rightAddr, err := t.alloc.Alloc(1)
	if err != nil {
		return err
	}
	if err := t.writeLeaf(rightAddr, right); err != nil {
		return err
	}
	return t.repointUp(key, newAddr, &splitInfo{key: splitKey, addr: rightAddr})
}

// splitInfo is a separator key and right child still waiting to be
// inserted into an ancestor, threaded up through repointUp as node splits
// cascade.
type splitInfo struct {
	key  uint64
	addr block.Addr
}

// repointUp propagates a child's new address (newChild, the result of a
// leaf or node redirect performed under key's descent path) up the tree:
// it redescends from the root, replaces the pointer that used to read the
// old address with newChild, and redirects each ancestor node in turn so
// the pointer change is itself copy-on-write. If split is non-nil, it is
// additionally inserted as a new separator at the deepest ancestor,
// cascading further splits the same way all the way to a new root if
// necessary.
func (t *Tree) repointUp(key uint64, newChild block.Addr, split *splitInfo) error {
	if t.Height == 0 {
		if split != nil {
			return t.newRoot(newChild, split.key, split.addr)
		}
		return t.redirectRoot(newChild)
	}

	path, err := t.pathTo(key)
	if err != nil {
		return err
	}

	child := newChild
	for i := len(path) - 1; i >= 0; i-- {
		step := path[i]
		step.node.setChild(key, child)
		if split != nil {
			step.node.insert(split.key, split.addr)
			split = nil
		}

		if step.node.need(t.blockSize()) <= t.blockSize() {
			newAddr, err := t.redirectNode(step.addr, step.node)
			if err != nil {
				return err
			}
			if err := t.logUpdate(child, newAddr, key); err != nil {
				return err
			}
			child = newAddr
			continue
		}

		right, mid := step.node.split()
		newAddr, err := t.redirectNode(step.addr, step.node)
		if err != nil {
			return err
		}
		rightAddr, err := t.alloc.Alloc(1)
		if err != nil {
			return err
		}
		if err := t.writeNode(rightAddr, right); err != nil {
			return err
		}
		if err := t.logUpdate(child, newAddr, key); err != nil {
			return err
		}
		child, split = newAddr, &splitInfo{key: mid, addr: rightAddr}
	}

	if split != nil {
		return t.newRoot(child, split.key, split.addr)
	}
	return t.redirectRoot(child)
}

// redirectRoot swaps the tree's root pointer to newRoot, logging the swap
// (IROOT) when a log is attached. A no-op when newRoot already is the root.
func (t *Tree) redirectRoot(newRoot block.Addr) error {
	if newRoot == t.Root {
		return nil
	}
	oldRoot := t.Root
	t.Root = newRoot
	if t.log != nil {
		return t.log.RecordIROOT(newRoot, oldRoot)
	}
	return nil
}

// pathTo returns the chain of (address, node) from the root down to, but
// not including, the leaf level, following the same descent Lookup uses.
func (t *Tree) pathTo(key uint64) ([]pathStep, error) {
	var path []pathStep
	addr := t.Root
	for depth := t.Height; depth > 0; depth-- {
		node, err := t.getNode(addr)
		if err != nil {
			return nil, err
		}
		path = append(path, pathStep{addr: addr, node: node})
		addr = node.child(key)
	}
	return path, nil
}

type pathStep struct {
	addr block.Addr
	node *node
}

func (t *Tree) newRoot(left block.Addr, key uint64, right block.Addr) error {
	newRootAddr, err := t.alloc.Alloc(1)
	if err != nil {
		return err
	}
	n := &node{keys: []uint64{key}, children: []block.Addr{left, right}}
	if err := t.writeNode(newRootAddr, n); err != nil {
		return err
	}
	oldRoot := t.Root
	t.Root = newRootAddr
	t.Height++
	if t.log != nil {
		return t.log.RecordIROOT(newRootAddr, oldRoot)
	}
	return nil
}

// node is an internal B-tree node: len(children) == len(keys)+1, child[i]
// covers [keys[i-1], keys[i]).
type node struct {
	keys     []uint64
	children []block.Addr
}

const nodeHeaderSize = 4 // magic(2) + count(2)
const nodeMagic = 0xb733
const nodeEntrySize = 8 + 6 // key + child

func (n *node) child(key uint64) block.Addr {
	i := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] > key })
	return n.children[i]
}

// setChild replaces the child pointer covering key without changing the
// separator layout — the node-level counterpart of a leaf redirect.
func (n *node) setChild(key uint64, addr block.Addr) {
	i := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] > key })
	n.children[i] = addr
}

func (n *node) insert(key uint64, right block.Addr) {
	i := sort.Search(len(n.keys), func(i int) bool { return n.keys[i] > key })
	n.keys = append(n.keys, 0)
	copy(n.keys[i+1:], n.keys[i:])
	n.keys[i] = key
	n.children = append(n.children, 0)
	copy(n.children[i+2:], n.children[i+1:])
	n.children[i+1] = right
}

func (n *node) need(blockSize int) int {
	return nodeHeaderSize + len(n.children)*nodeEntrySize
}

func (n *node) split() (*node, uint64) {
	mid := len(n.keys) / 2
	midKey := n.keys[mid]
	right := &node{
		keys:     append([]uint64(nil), n.keys[mid+1:]...),
		children: append([]block.Addr(nil), n.children[mid+1:]...),
	}
	n.keys = n.keys[:mid:mid]
	n.children = n.children[:mid+1 : mid+1]
	return right, midKey
}

func decodeNode(data []byte) (*node, error) {
	if len(data) < nodeHeaderSize {
		return nil, fmt.Errorf("%w: btree: node block too small", xerr.ErrCorruption)
	}
	if got := uint16(data[0])<<8 | uint16(data[1]); got != nodeMagic {
		return nil, fmt.Errorf("%w: btree: bad node magic 0x%04x", xerr.ErrCorruption, got)
	}
	count := int(uint16(data[2])<<8 | uint16(data[3]))
	if count == 0 {
		return nil, fmt.Errorf("%w: btree: node with zero children", xerr.ErrCorruption)
	}
	n := &node{children: make([]block.Addr, count), keys: make([]uint64, count-1)}
	// Each slot holds an 8-byte key (0 for the first slot, which has no
	// left separator) followed by a 6-byte child address.
	off := nodeHeaderSize
	for i := 0; i < count; i++ {
		rec := data[off : off+nodeEntrySize]
		key := beUint64(rec[0:8])
		n.children[i] = block.Addr(wire.Uint48(rec[8:14]))
		if i > 0 {
			n.keys[i-1] = key
		}
		off += nodeEntrySize
	}
	return n, nil
}

func (n *node) encode(data []byte) error {
	count := len(n.children)
	need := nodeHeaderSize + count*nodeEntrySize
	if need > len(data) {
		return fmt.Errorf("%w: btree: node with %d children needs %d bytes", xerr.ErrNoSpace, count, need)
	}
	data[0] = nodeMagic >> 8
	data[1] = nodeMagic
	data[2] = byte(count >> 8)
	data[3] = byte(count)
	off := nodeHeaderSize
	for i := 0; i < count; i++ {
		rec := data[off : off+nodeEntrySize]
		var key uint64
		if i > 0 {
			key = n.keys[i-1]
		}
		putBeUint64(rec[0:8], key)
		wire.PutUint48(rec[8:14], uint64(n.children[i]))
		off += nodeEntrySize
	}
	for i := off; i < len(data); i++ {
		data[i] = 0
	}
	return nil
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

func putBeUint64(b []byte, v uint64) {
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
}

func (t *Tree) getNode(addr block.Addr) (*node, error) {
	b, err := t.pool.Read(t.m, addr)
	if err != nil {
		return nil, err
	}
	n, err := decodeNode(b.Data())
	t.pool.Put(b)
	return n, err
}

// writeNode is writeLeaf for internal nodes.
func (t *Tree) writeNode(addr block.Addr, n *node) error {
	b, err := t.pool.Get(t.m, addr)
	if err != nil {
		return err
	}
	if err := n.encode(b.Data()); err != nil {
		t.pool.Put(b)
		return err
	}
	t.pool.PutDirty(b, t.delta())
	return nil
}
