package tux3

import (
	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/btree"
	"github.com/cdkamat/hammerspace/ileaf"
)

// itableOps is the btree.Ops vtable for the inode table, the one SPEC_FULL
// names directly in its MODULE MAP ("tux3 (root)" owns the itable B-tree).
// It is the ileaf counterpart of dedup.Ops's hleaf wiring: a thin adapter
// from the leaf package's concrete *ileaf.Leaf methods to the generic
// interface Tree drives.
type itableOps struct{}

func (itableOps) NewLeaf() btree.Leaf { return ileaf.New(0) }

func (itableOps) DecodeLeaf(data []byte) (btree.Leaf, error) { return ileaf.Decode(data) }

func (itableOps) EncodeLeaf(l btree.Leaf, data []byte) error {
	return l.(*ileaf.Leaf).Encode(data)
}

func (itableOps) Need(l btree.Leaf) int { return l.(*ileaf.Leaf).Need() }

// Split picks the midpoint inode of l's range as the split point, mirroring
// hleaf/dleaf's "split in the middle" policy rather than splitting at the
// inode that triggered the overflow (ileaf.c's ileaf_split takes an explicit
// point because the kernel caller already knows which inode is growing;
// here Ops.Split only has the leaf itself to go on).
func (itableOps) Split(l btree.Leaf) (btree.Leaf, uint64) {
	il := l.(*ileaf.Leaf)
	mid := il.Base + block.Addr(len(il.Attrs)/2)
	right, err := il.Split(mid)
	if err != nil {
		// len(Attrs)/2 is always within [0, len(Attrs)], so il.Split
		// cannot reject it; a failure here means Ops.Need under-reported
		// and Tree.Update called Split on a leaf that didn't need it.
		panic("tux3: itable split: " + err.Error())
	}
	return right, uint64(right.Base)
}
