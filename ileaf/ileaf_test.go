package ileaf

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cdkamat/hammerspace/block"
)

func fill(attrs []byte, start int, c byte) {
	for i := start; i < len(attrs); i++ {
		attrs[i] = c
	}
}

// TestSeedScenario replays the original ileaf.c main()'s sequence of
// appends, a split, a merge, another append, a shrink, a purge and an
// empty-inode scan.
func TestSeedScenario(t *testing.T) {
	leaf := New(0x10)

	for _, step := range []struct {
		inum block.Addr
		more int
		c    byte
	}{{0x13, 2, 'a'}, {0x14, 4, 'b'}, {0x16, 6, 'c'}} {
		attrs, ok := leaf.Lookup(step.inum)
		size := 0
		if ok {
			size = len(attrs)
		}
		grown, err := leaf.Resize(step.inum, size+step.more)
		if err != nil {
			t.Fatalf("resize %#x: %v", step.inum, err)
		}
		fill(grown, size, step.c)
	}

	a13, ok := leaf.Lookup(0x13)
	if assert.True(t, ok) {
		assert.Equal(t, []byte{'a', 'a'}, a13)
	}

	right, err := leaf.Split(0x15)
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	_, ok = leaf.Lookup(0x16)
	assert.False(t, ok, "0x16 should have moved to the right leaf")
	r16, ok := right.Lookup(0x16)
	if assert.True(t, ok) {
		assert.Equal(t, []byte{'c', 'c', 'c', 'c', 'c', 'c'}, r16)
	}

	if err := leaf.Merge(right); err != nil {
		t.Fatalf("merge: %v", err)
	}
	_, ok = leaf.Lookup(0x16)
	assert.True(t, ok, "0x16 should be back after merge")

	a13, _ = leaf.Lookup(0x13)
	grown, err := leaf.Resize(0x13, len(a13)+3)
	if err != nil {
		t.Fatalf("resize 0x13 again: %v", err)
	}
	fill(grown, len(a13), 'x')
	a13, _ = leaf.Lookup(0x13)
	assert.Equal(t, []byte{'a', 'a', 'x', 'x', 'x'}, a13)

	grown, err = leaf.Resize(0x18, 3)
	if err != nil {
		t.Fatalf("resize 0x18: %v", err)
	}
	fill(grown, 0, 'y')

	a16, _ := leaf.Lookup(0x16)
	grown, err = leaf.Resize(0x16, len(a16)-5)
	if err != nil {
		t.Fatalf("shrink 0x16: %v", err)
	}
	assert.Len(t, grown, 1)

	var goals []block.Addr
	for i := block.Addr(0x11); i <= 0x20; i++ {
		goals = append(goals, leaf.FindEmptyInode(i))
	}
	assert.Equal(t, block.Addr(0x11), goals[0])

	leaf.Purge(0x14)
	leaf.Purge(0x18)
	_, ok = leaf.Lookup(0x14)
	assert.False(t, ok)
	_, ok = leaf.Lookup(0x18)
	assert.False(t, ok)

	assert.NoError(t, leaf.Check())
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	leaf := New(5)
	a, _ := leaf.Resize(7, 4)
	copy(a, []byte{1, 2, 3, 4})
	b, _ := leaf.Resize(9, 2)
	copy(b, []byte{9, 9})

	buf := make([]byte, 4096)
	if err := leaf.Encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, leaf.Base, got.Base)
	v, ok := got.Lookup(7)
	assert.True(t, ok)
	assert.Equal(t, []byte{1, 2, 3, 4}, v)
	v, ok = got.Lookup(9)
	assert.True(t, ok)
	assert.Equal(t, []byte{9, 9}, v)
}

func TestFindEmptyInodeExtendsPastRange(t *testing.T) {
	leaf := New(0)
	leaf.Resize(0, 1)
	leaf.Resize(1, 1)
	assert.Equal(t, block.Addr(2), leaf.FindEmptyInode(0))
}
