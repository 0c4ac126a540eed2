package hleaf

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/internal/xerr"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	l := New()
	for _, key := range []uint64{0x10, 0x30, 0x20} {
		i, err := l.Resize(key, 4096)
		assert.NoError(t, err)
		l.Entries[i].Block = block.Addr(key * 100)
		l.Entries[i].Offset = 7
	}

	buf := make([]byte, 4096)
	assert.NoError(t, l.Encode(buf))
	got, err := Decode(buf)
	assert.NoError(t, err)
	assert.Equal(t, l.Entries, got.Entries)
}

func TestEntriesStaySortedOnResize(t *testing.T) {
	l := New()
	for _, key := range []uint64{0x30, 0x10, 0x20} {
		_, err := l.Resize(key, 4096)
		assert.NoError(t, err)
	}
	for i := 1; i < len(l.Entries); i++ {
		assert.Less(t, l.Entries[i-1].Key, l.Entries[i].Key)
	}
}

func TestResizeIsIdempotentForExistingKey(t *testing.T) {
	l := New()
	i, err := l.Resize(0x42, 4096)
	assert.NoError(t, err)
	l.Entries[i].Block = 99

	j, err := l.Resize(0x42, 4096)
	assert.NoError(t, err)
	assert.Equal(t, i, j)
	assert.Len(t, l.Entries, 1)
	assert.Equal(t, block.Addr(99), l.Entries[0].Block)
}

func TestLookupMissAndHit(t *testing.T) {
	l := New()
	l.Resize(0x10, 4096)
	l.Resize(0x20, 4096)

	_, ok := l.Lookup(0x15)
	assert.False(t, ok)

	e, ok := l.Lookup(0x20)
	assert.True(t, ok)
	assert.Equal(t, uint64(0x20), e.Key)
}

func TestResizeFailsWhenFull(t *testing.T) {
	cap := Capacity(headerSize + entrySize) // room for exactly one entry
	assert.Equal(t, 1, cap)
	l := New()
	_, err := l.Resize(1, headerSize+entrySize)
	assert.NoError(t, err)
	_, err = l.Resize(2, headerSize+entrySize)
	assert.ErrorIs(t, err, xerr.ErrNoSpace)
}

func TestSplitMovesBackHalf(t *testing.T) {
	l := New()
	for _, key := range []uint64{0x10, 0x20, 0x30, 0x40} {
		l.Resize(key, 4096)
	}
	right, splitKey := l.Split(0)
	assert.Equal(t, 2, len(l.Entries))
	assert.Equal(t, 2, len(right.Entries))
	assert.Equal(t, right.Entries[0].Key, splitKey)
	for _, e := range l.Entries {
		assert.Less(t, e.Key, splitKey)
	}
}

func TestSplitAppendsPastEndWhenKeyExceedsLast(t *testing.T) {
	l := New()
	for _, key := range []uint64{0x10, 0x20} {
		l.Resize(key, 4096)
	}
	right, splitKey := l.Split(0x99)
	assert.Equal(t, 2, len(l.Entries))
	assert.Equal(t, 0, len(right.Entries))
	assert.Equal(t, uint64(0x99), splitKey)
}

func TestNeedTracksEntryCount(t *testing.T) {
	l := New()
	assert.Equal(t, headerSize, l.Need())
	l.Resize(1, 4096)
	assert.Equal(t, headerSize+entrySize, l.Need())
}
