// Package hleaf implements the component F hash-index leaf: the B-tree leaf
// that maps the top 64 bits of a content digest to either a direct bucket
// entry or, once two different digests collide on those 64 bits, to a
// collision bucket (§4.F).
//
// It is grounded on original_source/user/kernel/dedup.c's struct hleaf and
// hleaf_init/sniff/split/free/seek/resize/dump. Per §6's documented
// little-endian quirk, this format (like dedup's buckets) is encoded
// little-endian while every other on-disk structure in this module is
// big-endian.
package hleaf

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/internal/wire"
	"github.com/cdkamat/hammerspace/internal/xerr"
)

const magic = 0xdade

// headerSize is magic(2) + count(4), little-endian.
const headerSize = 6

// entrySize is one hleaf entry: an 8-byte key, a 48-bit block address and a
// 16-bit signed offset (-1 meaning "Block is a collision bucket", per
// dedup.c's handle_collision) (§3, §6).
const entrySize = 8 + 6 + 2

// NoOffset is the collision-bucket sentinel (dedup.c: "offset = -1").
const NoOffset int16 = -1

// Entry is one decoded hleaf record.
type Entry struct {
	Key    uint64 // top 64 bits of a SHA-1 digest
	Block  block.Addr
	Offset int16
}

// Leaf is the decoded form of a hash-index leaf, entries sorted ascending
// by Key (hleaf_seek's linear scan, done here with a binary search since
// the entries are already kept sorted on insert).
type Leaf struct {
	Entries []Entry
}

// New returns an empty leaf (hleaf_init).
func New() *Leaf {
	return &Leaf{}
}

// Capacity reports how many entries fit in a block of the given size
// (hleaf_btree_init's entries_per_leaf).
func Capacity(blockSize int) int {
	return (blockSize - headerSize) / entrySize
}

// Free reports how many additional entries l can still hold in a block of
// the given size (hleaf_free).
func (l *Leaf) Free(blockSize int) int {
	return Capacity(blockSize) - len(l.Entries)
}

// Need reports the number of bytes l currently occupies, header included —
// the btree.Ops.Need a caller needs to decide whether l must split.
func (l *Leaf) Need() int {
	return headerSize + len(l.Entries)*entrySize
}

// Decode parses a hash-index leaf block.
func Decode(data []byte) (*Leaf, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: hleaf: block too small", xerr.ErrCorruption)
	}
	if got := binary.LittleEndian.Uint16(data[0:2]); got != magic {
		return nil, fmt.Errorf("%w: hleaf: bad magic 0x%04x", xerr.ErrCorruption, got)
	}
	count := int(binary.LittleEndian.Uint32(data[2:6]))
	need := headerSize + count*entrySize
	if need > len(data) {
		return nil, fmt.Errorf("%w: hleaf: entry count %d overflows block", xerr.ErrCorruption, count)
	}
	l := &Leaf{Entries: make([]Entry, count)}
	off := headerSize
	for i := 0; i < count; i++ {
		rec := data[off : off+entrySize]
		l.Entries[i] = Entry{
			Key:    binary.LittleEndian.Uint64(rec[0:8]),
			Block:  block.Addr(wire.Uint48LE(rec[8:14])),
			Offset: int16(binary.LittleEndian.Uint16(rec[14:16])),
		}
		off += entrySize
	}
	return l, nil
}

// Encode writes l into data.
func (l *Leaf) Encode(data []byte) error {
	need := headerSize + len(l.Entries)*entrySize
	if need > len(data) {
		return fmt.Errorf("%w: hleaf: %d entries need %d bytes, have %d", xerr.ErrNoSpace, len(l.Entries), need, len(data))
	}
	binary.LittleEndian.PutUint16(data[0:2], magic)
	binary.LittleEndian.PutUint32(data[2:6], uint32(len(l.Entries)))
	off := headerSize
	for _, e := range l.Entries {
		rec := data[off : off+entrySize]
		binary.LittleEndian.PutUint64(rec[0:8], e.Key)
		wire.PutUint48LE(rec[8:14], uint64(e.Block))
		binary.LittleEndian.PutUint16(rec[14:16], uint16(e.Offset))
		off += entrySize
	}
	for i := off; i < len(data); i++ {
		data[i] = 0
	}
	return nil
}

// Seek returns the index of the first entry with Key >= key (hleaf_seek).
func (l *Leaf) Seek(key uint64) int {
	return sort.Search(len(l.Entries), func(i int) bool { return l.Entries[i].Key >= key })
}

// Lookup returns the entry for key if present.
func (l *Leaf) Lookup(key uint64) (Entry, bool) {
	i := l.Seek(key)
	if i < len(l.Entries) && l.Entries[i].Key == key {
		return l.Entries[i], true
	}
	return Entry{}, false
}

// Resize inserts (if absent) a zeroed entry for key and returns its index,
// or the index of the existing entry for key (hleaf_resize — the original
// always resizes by exactly one entry, since hleaf_entry records are
// fixed-size).
func (l *Leaf) Resize(key uint64, blockSize int) (int, error) {
	i := l.Seek(key)
	if i < len(l.Entries) && l.Entries[i].Key == key {
		return i, nil
	}
	if l.Free(blockSize) < 1 {
		return 0, xerr.ErrNoSpace
	}
	l.Entries = append(l.Entries, Entry{})
	copy(l.Entries[i+1:], l.Entries[i:])
	l.Entries[i] = Entry{Key: key}
	return i, nil
}

// Split moves the back half of l's entries into a fresh leaf and returns
// the key at which the split occurred (hleaf_split). When key is above
// every entry in a non-empty l, nothing moves: the fresh leaf is empty and
// the returned split key is key itself.
func (l *Leaf) Split(key uint64) (*Leaf, uint64) {
	at := len(l.Entries) / 2
	if len(l.Entries) > 0 && key > l.Entries[len(l.Entries)-1].Key {
		at = len(l.Entries)
	}
	into := &Leaf{Entries: append([]Entry(nil), l.Entries[at:]...)}
	l.Entries = l.Entries[:at:at]
	if len(into.Entries) > 0 {
		return into, into.Entries[0].Key
	}
	return into, key
}

// Dump renders the leaf for diagnostics (hleaf_dump).
func (l *Leaf) Dump() string {
	s := fmt.Sprintf("%d entries:\n", len(l.Entries))
	for _, e := range l.Entries {
		s += fmt.Sprintf("  %#016x => block %#x offset %d\n", e.Key, e.Block, e.Offset)
	}
	return s
}
