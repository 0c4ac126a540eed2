package dleaf

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cdkamat/hammerspace/block"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	l := New()
	l.Insert(5, 500, 1)
	l.Insert(10, 1000, 4)
	l.Insert(20, 2000, 2)

	buf := make([]byte, 4096)
	if err := l.Encode(buf); err != nil {
		t.Fatalf("encode: %v", err)
	}
	got, err := Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	assert.Equal(t, l.Entries(), got.Entries())
	assert.NoError(t, got.Check())
}

func TestLookupReturnsInsertedExtent(t *testing.T) {
	l := New()
	l.Insert(10, 1000, 1)
	l.Insert(20, 2000, 1)
	l.Insert(30, 3000, 1)

	want := []block.Addr{10, 20, 30}
	for i, e := range l.Entries() {
		assert.Equal(t, want[i], e.Index)
	}

	e, ok := l.Lookup(20)
	assert.True(t, ok)
	if assert.Len(t, e.Extents, 1) {
		assert.Equal(t, block.Addr(2000), e.Extents[0].Block)
	}

	_, ok = l.Lookup(25)
	assert.False(t, ok)
}

// Inserting a run of keys sharing the same high 24 bits packs them into a
// single group, with each entry's limit counting cumulative extents within
// that group (§4.D's exbase/limit addressing).
func TestInsertsShareGroupWhenHighBitsMatch(t *testing.T) {
	l := New()
	for i := block.Addr(0); i < 5; i++ {
		l.Insert(i*10, i*1000, 1)
	}
	assert.Equal(t, 1, l.groups)
	assert.Equal(t, 5, l.totalEntries())
	assert.Equal(t, 5, l.totalExtents())
	assert.NoError(t, l.Check())
}

// A key whose high bits differ from the current group's closes that group
// and opens a new one.
func TestInsertOpensNewGroupOnKeyhiChange(t *testing.T) {
	l := New()
	l.Insert(1, 100, 1)
	l.Insert(2, 200, 1)
	l.Insert(block.Addr(1)<<keyloBits, 300, 1)
	assert.Equal(t, 2, l.groups)
	assert.NoError(t, l.Check())

	e, ok := l.Lookup(block.Addr(1) << keyloBits)
	assert.True(t, ok)
	if assert.Len(t, e.Extents, 1) {
		assert.Equal(t, block.Addr(300), e.Extents[0].Block)
	}
}

func TestSplitLaw(t *testing.T) {
	l := New()
	for i := block.Addr(0); i < 10; i++ {
		l.Insert(i*10, i*1000, 1)
	}
	right, splitKey := l.Split()

	assert.Equal(t, 5, len(l.Entries()))
	assert.Equal(t, 5, len(right.Entries()))
	assert.Equal(t, right.Entries()[0].Index, splitKey)
	for _, e := range l.Entries() {
		assert.Less(t, e.Index, splitKey)
	}
	for _, e := range right.Entries() {
		assert.GreaterOrEqual(t, e.Index, splitKey)
	}
	assert.NoError(t, l.Check())
	assert.NoError(t, right.Check())

	l.Merge(right)
	assert.NoError(t, l.Check())
	assert.Len(t, l.Entries(), 10)
}

func TestChopTruncatesStraddlingExtentAndFreesRest(t *testing.T) {
	l := New()
	l.Insert(0, 0, 10) // extent [0,10)
	l.Insert(20, 2000, 5)

	freed := l.Chop(5)
	assert.NoError(t, l.Check())

	e, ok := l.Lookup(0)
	if assert.True(t, ok) && assert.Len(t, e.Extents, 1) {
		assert.Equal(t, uint8(5), e.Extents[0].Count)
	}
	assert.ElementsMatch(t, []Entry{
		{Index: 5, Extents: []Extent{{Block: 5, Count: 5}}},
		{Index: 20, Extents: []Extent{{Block: 2000, Count: 5}}},
	}, freed)
	_, ok = l.Lookup(20)
	assert.False(t, ok)
}

func TestCapacityMatchesNeed(t *testing.T) {
	l := New()
	cap := Capacity(4096)
	for i := 0; i < cap; i++ {
		// Distinct keyhi per entry forces Capacity's worst-case
		// one-group-per-entry layout.
		l.Insert(block.Addr(i)<<keyloBits, block.Addr(i), 1)
	}
	if l.Need() > 4096 {
		t.Fatalf("Need() = %d exceeds block size at computed capacity %d", l.Need(), cap)
	}
	assert.NoError(t, l.Check())
}

func TestVersionRoundTrips(t *testing.T) {
	l := New()
	l.InsertVersion(1, 100, 1, 0x3ff)
	buf := make([]byte, 4096)
	assert.NoError(t, l.Encode(buf))
	got, err := Decode(buf)
	assert.NoError(t, err)
	e, ok := got.Lookup(1)
	assert.True(t, ok)
	if assert.Len(t, e.Extents, 1) {
		assert.Equal(t, uint16(0x3ff), e.Extents[0].Version)
	}
}
