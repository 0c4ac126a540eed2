package tux3

import (
	"encoding/binary"
	"fmt"

	"github.com/google/uuid"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/internal/xerr"
	"github.com/cdkamat/hammerspace/wal"
)

// sbMagic identifies a hammerspace volume at block 0.
const sbMagic = 0x68616d6d65727370 // "hammersp"

// superblock is the fixed-layout root metadata block: the volume UUID, the
// device geometry, the fixed bitmap/log regions carved out at mkfs time,
// and every subsystem's persistent root (§3's superblock, stamped per
// AMBIENT STACK's "standard practice for on-disk filesystem metadata").
type superblock struct {
	uuid         uuid.UUID
	blockBits    uint8
	totalBlocks  uint64
	bitmapStart  uint64
	bitmapBlocks uint64
	logStart     uint64
	logBlocks    uint64
	logNext      uint64
	dataStart    uint64
	dataBlocks   uint64
	itableRoot   uint64
	itableHeight uint32
	htreeRoot    uint64
	htreeHeight  uint32
	dedupEnabled bool
	delta        uint32
	replayPolicy wal.Policy
}

// sbSize is the number of bytes superblock.encode actually writes; the
// caller's block may be (and at BlockBits==8 is) larger, and the remainder
// is left zeroed.
const sbSize = 8 + 16 + 1 + 8*9 + 4 + 8 + 4 + 4 + 1 + 1

func (sb *superblock) encode(data []byte) error {
	if len(data) < sbSize {
		return fmt.Errorf("%w: tux3: block too small for superblock (%d < %d)", xerr.ErrCorruption, len(data), sbSize)
	}
	for i := range data {
		data[i] = 0
	}
	off := 0
	putU64 := func(v uint64) { binary.BigEndian.PutUint64(data[off:], v); off += 8 }
	putU32 := func(v uint32) { binary.BigEndian.PutUint32(data[off:], v); off += 4 }

	putU64(sbMagic)
	copy(data[off:off+16], sb.uuid[:])
	off += 16
	data[off] = sb.blockBits
	off++
	putU64(sb.totalBlocks)
	putU64(sb.bitmapStart)
	putU64(sb.bitmapBlocks)
	putU64(sb.logStart)
	putU64(sb.logBlocks)
	putU64(sb.logNext)
	putU64(sb.dataStart)
	putU64(sb.dataBlocks)
	putU64(sb.itableRoot)
	putU32(sb.itableHeight)
	putU64(sb.htreeRoot)
	putU32(sb.htreeHeight)
	putU32(sb.delta)
	if sb.dedupEnabled {
		data[off] = 1
	}
	off++
	data[off] = byte(sb.replayPolicy)
	off++
	return nil
}

func decodeSuperblock(data []byte) (*superblock, error) {
	if len(data) < sbSize {
		return nil, fmt.Errorf("%w: tux3: block too small for superblock", xerr.ErrCorruption)
	}
	off := 0
	getU64 := func() uint64 { v := binary.BigEndian.Uint64(data[off:]); off += 8; return v }
	getU32 := func() uint32 { v := binary.BigEndian.Uint32(data[off:]); off += 4; return v }

	magic := getU64()
	if magic != sbMagic {
		return nil, fmt.Errorf("%w: tux3: bad superblock magic %#x", xerr.ErrCorruption, magic)
	}
	sb := &superblock{}
	copy(sb.uuid[:], data[off:off+16])
	off += 16
	sb.blockBits = data[off]
	off++
	sb.totalBlocks = getU64()
	sb.bitmapStart = getU64()
	sb.bitmapBlocks = getU64()
	sb.logStart = getU64()
	sb.logBlocks = getU64()
	sb.logNext = getU64()
	sb.dataStart = getU64()
	sb.dataBlocks = getU64()
	sb.itableRoot = getU64()
	sb.itableHeight = getU32()
	sb.htreeRoot = getU64()
	sb.htreeHeight = getU32()
	sb.delta = getU32()
	sb.dedupEnabled = data[off] != 0
	off++
	sb.replayPolicy = wal.Policy(data[off])
	off++
	return sb, nil
}

func (sb *superblock) itableAddr() block.Addr { return block.Addr(sb.itableRoot) }
func (sb *superblock) htreeAddr() block.Addr  { return block.Addr(sb.htreeRoot) }
