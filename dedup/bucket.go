// Package dedup implements the component I content-defined deduplication
// engine: a reference-bucket short-circuit, a hash-index B-tree keyed on
// the top 64 bits of a SHA-1 digest, and the write/collision bucket
// bookkeeping that resolves a full 20-byte match to a physical block
// (§4.F, §4.I).
//
// It is grounded on original_source/user/kernel/dedup.c in its entirety:
// bucket_lookup, make_hash_entry, init_writebucket, handle_collision,
// htree_lookup and hash_lookup are all ported, with the reference-bucket
// short-circuit and write-bucket-rotation fix called out in SPEC_FULL.md's
// SUPPLEMENTED FEATURES section.
package dedup

import (
	"encoding/binary"
	"fmt"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/internal/wire"
	"github.com/cdkamat/hammerspace/internal/xerr"
)

// DigestSize is the length of a SHA-1 digest (dedup.c's SHA_DIGEST_LENGTH).
const DigestSize = 20

// Digest is a full SHA-1 content hash.
type Digest [DigestSize]byte

// Key returns the top 64 bits of d, the hash-index B-tree key
// (htree_lookup's "sh" accumulator).
func (d Digest) Key() uint64 {
	return binary.BigEndian.Uint64(d[:8])
}

// bucketHeaderSize is count(2), little-endian (§6).
const bucketHeaderSize = 2

// bucketEntrySize is sha_hash(20) + block(6 LE) + refcount(4 LE). A
// collision-bucket entry reuses the same 30 bytes, storing an intra-bucket
// offset in Refcount instead of a true reference count — exactly dedup.c's
// "using the refcount field of the bucket entry for offsets in case of
// col. buckets".
const bucketEntrySize = DigestSize + 6 + 4

// BucketEntry is one slot in a reference, write or collision bucket.
type BucketEntry struct {
	Hash     Digest
	Block    block.Addr
	Refcount uint32
}

// Bucket is the decoded form of a bucket block.
type Bucket struct {
	Entries []BucketEntry
}

// EntriesPerBucket reports how many entries fit in a block of the given
// size (sb->entries_per_bucket).
func EntriesPerBucket(blockSize int) int {
	return (blockSize - bucketHeaderSize) / bucketEntrySize
}

// NewBucket returns an empty bucket (init_writebucket's zeroed block).
func NewBucket() *Bucket {
	return &Bucket{}
}

// DecodeBucket parses a bucket block.
func DecodeBucket(data []byte) (*Bucket, error) {
	if len(data) < bucketHeaderSize {
		return nil, fmt.Errorf("%w: dedup: bucket block too small", xerr.ErrCorruption)
	}
	count := int(binary.LittleEndian.Uint16(data[0:2]))
	need := bucketHeaderSize + count*bucketEntrySize
	if need > len(data) {
		return nil, fmt.Errorf("%w: dedup: bucket count %d overflows block", xerr.ErrCorruption, count)
	}
	b := &Bucket{Entries: make([]BucketEntry, count)}
	off := bucketHeaderSize
	for i := 0; i < count; i++ {
		rec := data[off : off+bucketEntrySize]
		var e BucketEntry
		copy(e.Hash[:], rec[0:20])
		e.Block = block.Addr(wire.Uint48LE(rec[20:26]))
		e.Refcount = binary.LittleEndian.Uint32(rec[26:30])
		b.Entries[i] = e
		off += bucketEntrySize
	}
	return b, nil
}

// Encode writes b into data.
func (b *Bucket) Encode(data []byte) error {
	need := bucketHeaderSize + len(b.Entries)*bucketEntrySize
	if need > len(data) {
		return fmt.Errorf("%w: dedup: %d bucket entries need %d bytes, have %d", xerr.ErrNoSpace, len(b.Entries), need, len(data))
	}
	binary.LittleEndian.PutUint16(data[0:2], uint16(len(b.Entries)))
	off := bucketHeaderSize
	for _, e := range b.Entries {
		rec := data[off : off+bucketEntrySize]
		copy(rec[0:20], e.Hash[:])
		wire.PutUint48LE(rec[20:26], uint64(e.Block))
		binary.LittleEndian.PutUint32(rec[26:30], e.Refcount)
		off += bucketEntrySize
	}
	for i := off; i < len(data); i++ {
		data[i] = 0
	}
	return nil
}

// Append adds e to the bucket, returning its index.
func (b *Bucket) Append(e BucketEntry) int {
	b.Entries = append(b.Entries, e)
	return len(b.Entries) - 1
}

// Find returns the index of the first entry whose Hash equals hash
// (bucket_lookup's / handle_collision's byte-compare loop).
func (b *Bucket) Find(hash Digest) (int, bool) {
	for i, e := range b.Entries {
		if e.Hash == hash {
			return i, true
		}
	}
	return 0, false
}
