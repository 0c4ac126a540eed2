// Package dleaf implements the component D extent-index leaf: a two-level
// compressed index from a 48-bit logical key to a run of extents, packed
// two-ended within one block (§3, §4.D, §6).
//
// A leaf holds three tables: an extent table growing up from the header,
// and (from the top of the block, growing down) a group table followed by
// per-group entry tables. A group covers every entry sharing the same
// high-24-bit key (keyhi) and records an 8-bit entry count; an entry holds
// the low-24-bit remainder of its key (keylo) and an 8-bit "limit" — the
// cumulative extent count within its group. An entry's own extents are
// table[exbase+prev_limit : exbase+limit], where exbase sums the final
// limit of every earlier group (§4.D). Extents are 64-bit words
// {block:48, count:6, version:10}; the version bits are reserved and must
// round-trip untouched (§6).
//
// It is grounded on original_source/user/kernel/dleaf.c in full: dwalk_add
// (Insert's one-group-per-run-of-matching-keyhi, 255-entries-per-group
// cap), dleaf_check (Check's used/free-against-computed-totals
// verification), dleaf_split_at/dleaf_split (SplitAt/Split), dleaf_merge
// (Merge's group-coalescing append) and dleaf_chop/dwalk_chop (Chop's
// straddle-trim-then-excise). Per §9's explicit design note, the leaf's
// primary growth path (Insert and the group/entry/extent accessors) is a
// view over a two-ended byte slice with explicit free/used cursors, not a
// native Go struct array; SplitAt/Merge/Chop — structural operations
// dwalk_add itself never performs — are implemented by decoding to the
// equivalent logical (key, extents) list and rebuilding through that same
// append path, which reconstructs the canonical two-ended layout by
// construction rather than splicing raw bytes in place.
package dleaf

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/internal/xerr"
)

const magic = 0x1eaf

// headerSize is magic(2) + free(2) + used(2) + groups(2), big-endian (§6).
const headerSize = 8

const (
	groupSize  = 4 // {keyhi:24, count:8}
	entrySize  = 4 // {keylo:24, limit:8}
	extentSize = 8 // {block:48, count:6, version:10}
)

const keyloBits = 24
const keyloMask = 1<<keyloBits - 1

// maxGroupEntries is dwalk_add's per-group cap (§4.D): a group's count
// field is 8 bits wide, but dwalk_add closes a group one entry early so
// the field never has to represent 256.
const maxGroupEntries = 255

// arenaGrowth is how many extra bytes New's backing arena grows by each
// time a mutation outgrows the gap between free and used. It has no
// bearing on the wire format, only on how often the two-ended view
// reallocates.
const arenaGrowth = 64

// Extent is one decoded extent: a run of Count blocks starting at Block.
// Version is reserved by §6 and must round-trip even though nothing in
// this module currently assigns it a meaning.
type Extent struct {
	Block   block.Addr
	Count   uint8
	Version uint16
}

// Entry is one decoded logical-key -> extent-run mapping, reconstructed
// from a group/entry pair's exbase/limit bookkeeping (§4.D).
type Entry struct {
	Index   block.Addr
	Extents []Extent
}

// Leaf is the decoded form of an extent-index leaf: a two-ended view over
// buf with explicit free/used cursors (§9). buf is an elastic arena, not
// necessarily the target block size — Encode re-bases the view onto the
// caller's actual block-sized buffer, so New needs no block size up front.
type Leaf struct {
	buf    []byte
	free   int // extent table occupies [headerSize, free), growing up
	used   int // entry+group tail occupies [used, len(buf)), growing down
	groups int
}

// New returns an empty leaf (dleaf_init).
func New() *Leaf {
	buf := make([]byte, headerSize+arenaGrowth)
	return &Leaf{buf: buf, free: headerSize, used: len(buf), groups: 0}
}

// Capacity estimates the worst-case number of entries a block of the given
// size can hold: every entry forced into its own group, the most
// expensive layout dwalk_add can produce (one group word, one entry word
// and one extent word per key).
func Capacity(blockSize int) int {
	return (blockSize - headerSize) / (groupSize + entrySize + extentSize)
}

// Need reports the number of bytes l currently occupies, header included —
// the btree.Ops.Need a caller uses to decide whether l must split.
func (l *Leaf) Need() int {
	return l.free + (len(l.buf) - l.used)
}

// Free reports how many more bytes l could hold in a block of the given
// size.
func (l *Leaf) Free(blockSize int) int {
	return blockSize - l.Need()
}

// Decode parses an extent-index leaf block.
func Decode(data []byte) (*Leaf, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: dleaf: block too small", xerr.ErrCorruption)
	}
	if got := be16(data[0:2]); got != magic {
		return nil, fmt.Errorf("%w: dleaf: bad magic 0x%04x", xerr.ErrCorruption, got)
	}
	free := int(be16(data[2:4]))
	used := int(be16(data[4:6]))
	groups := int(be16(data[6:8]))
	if free < headerSize || used > len(data) || free > used {
		return nil, fmt.Errorf("%w: dleaf: corrupt free/used cursors (free=%d used=%d len=%d)", xerr.ErrCorruption, free, used, len(data))
	}
	buf := append([]byte(nil), data...)
	return &Leaf{buf: buf, free: free, used: used, groups: groups}, nil
}

// Encode writes l into data, which must be the caller's real block size.
// The extent table is copied verbatim at the front; the entry/group tail
// is re-based onto the end of data, re-deriving the used cursor for
// data's actual length rather than l's (possibly differently sized) arena.
func (l *Leaf) Encode(data []byte) error {
	need := l.Need()
	if need > len(data) {
		return fmt.Errorf("%w: dleaf: needs %d bytes, have %d", xerr.ErrNoSpace, need, len(data))
	}
	tailLen := len(l.buf) - l.used
	used := len(data) - tailLen

	putBe16(data[0:2], magic)
	putBe16(data[2:4], uint16(l.free))
	putBe16(data[4:6], uint16(used))
	putBe16(data[6:8], uint16(l.groups))
	copy(data[headerSize:l.free], l.buf[headerSize:l.free])
	for i := l.free; i < used; i++ {
		data[i] = 0
	}
	copy(data[used:], l.buf[l.used:])
	return nil
}

// ensureGap grows buf, preserving both the extent table and the
// entry/group tail, until at least n bytes separate free from used.
func (l *Leaf) ensureGap(n int) {
	if l.used-l.free >= n {
		return
	}
	grow := n - (l.used - l.free)
	if grow < arenaGrowth {
		grow = arenaGrowth
	}
	nb := make([]byte, len(l.buf)+grow)
	copy(nb, l.buf[:l.free])
	copy(nb[l.used+grow:], l.buf[l.used:])
	l.used += grow
	l.buf = nb
}

func (l *Leaf) gbase() int { return len(l.buf) - l.groups*groupSize }

func (l *Leaf) groupAt(i int) (keyhi uint32, count uint8) {
	off := len(l.buf) - (i+1)*groupSize
	w := be32(l.buf[off:])
	return w >> 8, uint8(w)
}

func (l *Leaf) setGroupAt(i int, keyhi uint32, count uint8) {
	off := len(l.buf) - (i+1)*groupSize
	putBe32(l.buf[off:], keyhi<<8|uint32(count))
}

func (l *Leaf) entryAt(i int) (keylo uint32, limit uint8) {
	off := l.gbase() - (i+1)*entrySize
	w := be32(l.buf[off:])
	return w >> 8, uint8(w)
}

func (l *Leaf) setEntryAt(i int, keylo uint32, limit uint8) {
	off := l.gbase() - (i+1)*entrySize
	putBe32(l.buf[off:], keylo<<8|uint32(limit))
}

func (l *Leaf) extentAt(i int) Extent {
	off := headerSize + i*extentSize
	w := be64(l.buf[off:])
	return Extent{Block: block.Addr(w >> 16), Count: uint8((w >> 10) & 0x3f), Version: uint16(w & 0x3ff)}
}

func (l *Leaf) setExtentAt(i int, e Extent) {
	off := headerSize + i*extentSize
	w := uint64(e.Block)<<16 | uint64(e.Count&0x3f)<<10 | uint64(e.Version&0x3ff)
	putBe64(l.buf[off:], w)
}

func (l *Leaf) totalEntries() int {
	n := 0
	for g := 0; g < l.groups; g++ {
		_, c := l.groupAt(g)
		n += int(c)
	}
	return n
}

func (l *Leaf) totalExtents() int { return (l.free - headerSize) / extentSize }

// groupEntryBase returns the global entry-table index of group g's first
// entry.
func (l *Leaf) groupEntryBase(g int) int {
	base := 0
	for gi := 0; gi < g; gi++ {
		_, c := l.groupAt(gi)
		base += int(c)
	}
	return base
}

// groupExbase returns the extent-table index at which group g's entries'
// extents begin: the sum of every earlier group's final (last entry's)
// limit (§4.D).
func (l *Leaf) groupExbase(g int) int {
	exbase := 0
	base := 0
	for gi := 0; gi < g; gi++ {
		_, count := l.groupAt(gi)
		if count > 0 {
			_, lastLimit := l.entryAt(base + int(count) - 1)
			exbase += int(lastLimit)
		}
		base += int(count)
	}
	return exbase
}

func splitKeyBits(key block.Addr) (keyhi, keylo uint32) {
	k := uint64(key)
	return uint32(k >> keyloBits), uint32(k) & keyloMask
}

func joinKeyBits(keyhi, keylo uint32) block.Addr {
	return block.Addr(uint64(keyhi)<<keyloBits | uint64(keylo&keyloMask))
}

// appendEntryWithExtents is the single real mutation path: it appends one
// more (key, extents) mapping after every existing one, exactly as
// dwalk_add does — a new group starts when key's high bits differ from
// the current last group's, or that group has already hit
// maxGroupEntries. Keys must be supplied in ascending order; dwalk_add
// never inserts out of order.
func (l *Leaf) appendEntryWithExtents(key block.Addr, exts []Extent) {
	keyhi, keylo := splitKeyBits(key)

	newGroup := l.groups == 0
	var prevLimit uint8
	if !newGroup {
		ghi, gcount := l.groupAt(l.groups - 1)
		if ghi != keyhi || gcount >= maxGroupEntries {
			newGroup = true
		} else {
			base := l.groupEntryBase(l.groups - 1)
			_, prevLimit = l.entryAt(base + int(gcount) - 1)
		}
	}

	extra := entrySize
	if newGroup {
		extra += groupSize
	}
	l.ensureGap(extra + len(exts)*extentSize)

	if newGroup {
		l.groups++
		l.setGroupAt(l.groups-1, keyhi, 1)
		prevLimit = 0
	} else {
		ghi, gcount := l.groupAt(l.groups - 1)
		l.setGroupAt(l.groups-1, ghi, gcount+1)
	}

	limit := prevLimit + uint8(len(exts))
	l.used -= entrySize
	entryIdx := l.totalEntries() - 1
	l.setEntryAt(entryIdx, keylo, limit)

	for _, x := range exts {
		extIdx := l.totalExtents()
		l.setExtentAt(extIdx, x)
		l.free += extentSize
	}
}

// Insert appends a single-extent entry for key (dwalk_add, restricted —
// per the original's own "assume entry has only one extent" note on the
// add path — to one extent per call).
func (l *Leaf) Insert(key, blk block.Addr, count uint8) {
	l.appendEntryWithExtents(key, []Extent{{Block: blk, Count: count}})
}

// InsertVersion is Insert, additionally stamping the extent's reserved
// version field.
func (l *Leaf) InsertVersion(key, blk block.Addr, count uint8, version uint16) {
	l.appendEntryWithExtents(key, []Extent{{Block: blk, Count: count, Version: version}})
}

// search returns the group index and, if found, the in-group entry index
// for key (dwalk_probe's binary-search descent: groups then entries, both
// kept in ascending order by construction).
func (l *Leaf) search(key block.Addr) (group, local int, ok bool) {
	keyhi, keylo := splitKeyBits(key)
	group = sort.Search(l.groups, func(i int) bool {
		ghi, _ := l.groupAt(i)
		return ghi >= keyhi
	})
	if group >= l.groups {
		return group, 0, false
	}
	ghi, gcount := l.groupAt(group)
	if ghi != keyhi {
		return group, 0, false
	}
	base := l.groupEntryBase(group)
	local = sort.Search(int(gcount), func(i int) bool {
		klo, _ := l.entryAt(base + i)
		return klo >= keylo
	})
	if local >= int(gcount) {
		return group, local, false
	}
	klo, _ := l.entryAt(base + local)
	return group, local, klo == keylo
}

// Lookup returns the extent run mapped to key (dwalk_probe followed by the
// exbase/limit slice it identifies).
func (l *Leaf) Lookup(key block.Addr) (Entry, bool) {
	group, local, ok := l.search(key)
	if !ok {
		return Entry{}, false
	}
	base := l.groupEntryBase(group)
	exbase := l.groupExbase(group)
	_, limit := l.entryAt(base + local)
	var prev uint8
	if local > 0 {
		_, prev = l.entryAt(base + local - 1)
	}
	exts := make([]Extent, 0, int(limit)-int(prev))
	for x := exbase + int(prev); x < exbase+int(limit); x++ {
		exts = append(exts, l.extentAt(x))
	}
	return Entry{Index: key, Extents: exts}, true
}

// Entries decodes every logical (key -> extents) mapping in ascending key
// order.
func (l *Leaf) Entries() []Entry {
	out := make([]Entry, 0, l.totalEntries())
	base := 0
	for g := 0; g < l.groups; g++ {
		ghi, gcount := l.groupAt(g)
		exbase := l.groupExbase(g)
		var prev uint8
		for e := 0; e < int(gcount); e++ {
			keylo, limit := l.entryAt(base + e)
			exts := make([]Extent, 0, int(limit-prev))
			for x := exbase + int(prev); x < exbase+int(limit); x++ {
				exts = append(exts, l.extentAt(x))
			}
			out = append(out, Entry{Index: joinKeyBits(ghi, keylo), Extents: exts})
			prev = limit
		}
		base += int(gcount)
	}
	return out
}

// rebuildFrom discards l's current content and re-inserts entries (which
// must already be ascending by Index) through appendEntryWithExtents, the
// same path Insert uses — so every structural operation leaves the leaf
// in the canonical two-ended layout without splicing raw bytes by hand.
func (l *Leaf) rebuildFrom(entries []Entry) {
	fresh := New()
	for _, e := range entries {
		fresh.appendEntryWithExtents(e.Index, e.Extents)
	}
	*l = *fresh
}

// Split divides the leaf at its median entry (dleaf_split, which wraps
// split_at at entries/2).
func (l *Leaf) Split() (*Leaf, block.Addr) {
	return l.SplitAt(l.totalEntries() / 2)
}

// SplitAt splits at a specific global entry-table boundary (dleaf_split_at):
// every entry at or after "at" moves into a fresh right leaf, both sides
// rebuilt through the same group-forming rule Insert uses.
func (l *Leaf) SplitAt(at int) (*Leaf, block.Addr) {
	all := l.Entries()
	if at < 1 {
		at = 1
	}
	if at > len(all)-1 {
		at = len(all) - 1
	}
	left, right := all[:at], all[at:]
	l.rebuildFrom(left)
	out := New()
	out.rebuildFrom(right)
	return out, right[0].Index
}

// Merge appends from's entries after l's (dleaf_merge); a bordering group
// whose keyhi matches l's last group coalesces automatically, since
// rebuildFrom re-derives grouping the same way Insert does.
func (l *Leaf) Merge(from *Leaf) {
	combined := append(l.Entries(), from.Entries()...)
	l.rebuildFrom(combined)
}

func extentRunLength(e Entry) block.Addr {
	var n block.Addr
	for _, x := range e.Extents {
		n += block.Addr(x.Count)
	}
	return n
}

// Chop truncates the leaf at key (dleaf_chop/dwalk_chop): an extent run
// straddling key is trimmed in place, key and everything after it is
// excised, and the freed tail is returned.
func (l *Leaf) Chop(key block.Addr) []Entry {
	all := l.Entries()
	var kept, freed []Entry
	for _, e := range all {
		switch {
		case e.Index+extentRunLength(e) <= key:
			kept = append(kept, e)
		case e.Index >= key:
			freed = append(freed, e)
		default:
			offset := key - e.Index
			var keptExts, freedExts []Extent
			var pos block.Addr
			for _, x := range e.Extents {
				switch {
				case pos+block.Addr(x.Count) <= offset:
					keptExts = append(keptExts, x)
				case pos >= offset:
					freedExts = append(freedExts, x)
				default:
					cut := uint8(offset - pos)
					keptExts = append(keptExts, Extent{Block: x.Block, Count: cut, Version: x.Version})
					freedExts = append(freedExts, Extent{Block: x.Block + block.Addr(cut), Count: x.Count - cut, Version: x.Version})
				}
				pos += block.Addr(x.Count)
			}
			if len(keptExts) > 0 {
				kept = append(kept, Entry{Index: e.Index, Extents: keptExts})
			}
			if len(freedExts) > 0 {
				freed = append(freed, Entry{Index: key, Extents: freedExts})
			}
		}
	}
	l.rebuildFrom(kept)
	return freed
}

// Check verifies the leaf's free/used cursors against the totals computed
// by walking every group and entry, and that groups and, within each
// group, entries are strictly ascending (dleaf_check).
func (l *Leaf) Check() error {
	wantFree := headerSize + l.totalExtents()*extentSize
	if wantFree != l.free {
		return fmt.Errorf("%w: dleaf: free cursor %d, want %d", xerr.ErrCorruption, l.free, wantFree)
	}
	tailBytes := l.totalEntries()*entrySize + l.groups*groupSize
	wantUsed := len(l.buf) - tailBytes
	if wantUsed != l.used {
		return fmt.Errorf("%w: dleaf: used cursor %d, want %d", xerr.ErrCorruption, l.used, wantUsed)
	}
	if l.free > l.used {
		return fmt.Errorf("%w: dleaf: extent table overruns entry table (free %d > used %d)", xerr.ErrCorruption, l.free, l.used)
	}

	var lastHi uint32
	base := 0
	for g := 0; g < l.groups; g++ {
		ghi, gcount := l.groupAt(g)
		if g > 0 && ghi <= lastHi {
			return fmt.Errorf("%w: dleaf: group %d keyhi %#x out of order", xerr.ErrCorruption, g, ghi)
		}
		lastHi = ghi
		var lastLo uint32
		var lastLimit uint8
		for e := 0; e < int(gcount); e++ {
			lo, limit := l.entryAt(base + e)
			if e > 0 && (lo <= lastLo || limit <= lastLimit) {
				return fmt.Errorf("%w: dleaf: group %d entry %d out of order", xerr.ErrCorruption, g, e)
			}
			lastLo, lastLimit = lo, limit
		}
		base += int(gcount)
	}
	return nil
}

// Dump renders the leaf for diagnostics (dleaf_dump).
func (l *Leaf) Dump() string {
	s := fmt.Sprintf("%d groups, %d entries, %d extents:\n", l.groups, l.totalEntries(), l.totalExtents())
	for _, e := range l.Entries() {
		s += fmt.Sprintf("  key %#x:\n", e.Index)
		for _, x := range e.Extents {
			s += fmt.Sprintf("    block %#x count %d version %d\n", x.Block, x.Count, x.Version)
		}
	}
	return s
}

func be16(b []byte) uint16       { return binary.BigEndian.Uint16(b) }
func putBe16(b []byte, v uint16) { binary.BigEndian.PutUint16(b, v) }
func be32(b []byte) uint32       { return binary.BigEndian.Uint32(b) }
func putBe32(b []byte, v uint32) { binary.BigEndian.PutUint32(b, v) }
func be64(b []byte) uint64       { return binary.BigEndian.Uint64(b) }
func putBe64(b []byte, v uint64) { binary.BigEndian.PutUint64(b, v) }
