// Package wal implements the component C write-ahead log: a stream of
// fixed-format records (allocator deltas, B-tree root swaps, redirects)
// appended into log-mapped buffer-cache blocks and replayed at mount to
// reconstruct allocator state that was never itself committed (§4.C).
//
// It is grounded on the teacher's triedb/pathdb/journal.go (a versioned,
// sequential record stream with a magic/version header replayed at startup)
// and on original_source/user/kernel/log.c, whose log_begin/log_end cursor
// discipline this package's Writer reproduces directly.
package wal

import "github.com/cdkamat/hammerspace/block"

// Opcode tags one log record (§4.C, log.c's LOG_* constants).
type Opcode byte

const (
	OpAlloc    Opcode = 1
	OpFree     Opcode = 2
	OpUpdate   Opcode = 3
	OpIRoot    Opcode = 4
	OpRedirect Opcode = 5
)

func (op Opcode) String() string {
	switch op {
	case OpAlloc:
		return "ALLOC"
	case OpFree:
		return "FREE"
	case OpUpdate:
		return "UPDATE"
	case OpIRoot:
		return "IROOT"
	case OpRedirect:
		return "REDIRECT"
	default:
		return "UNKNOWN"
	}
}

// blockMagic marks the start of a freshly-begun log block (log.c's 0xc0de).
const blockMagic = 0xc0de

// headerSize is the fixed logblock header: a 2-byte magic and a 2-byte
// byte-count, both big-endian (§6).
const headerSize = 4

// recordSize returns the encoded length of a record with the given opcode,
// including its 1-byte tag.
func recordSize(op Opcode) int {
	switch op {
	case OpAlloc, OpFree:
		return 1 + 1 + 6 // tag, count, block
	case OpUpdate:
		return 1 + 6 + 6 + 6 // tag, child, parent, key
	case OpIRoot:
		return 1 + 6 + 6 // tag, newRoot, oldRoot — see DESIGN.md on the dropped key arg
	case OpRedirect:
		return 1 + 6 + 6 // tag, newBlock, oldBlock
	default:
		return 0
	}
}

// AllocRecord is a LOG_ALLOC/LOG_FREE entry: count blocks starting at Block
// were allocated (Alloc true) or freed (Alloc false).
type AllocRecord struct {
	Block block.Addr
	Count uint8
	Alloc bool
}

// UpdateRecord is a LOG_UPDATE entry: Child's parent pointer now reads
// Parent, indexed under Key.
type UpdateRecord struct {
	Child  block.Addr
	Parent block.Addr
	Key    uint64
}

// IRootRecord is the unified root-swap entry replacing log_droot/log_iroot
// (§9, SUPPLEMENTED FEATURES).
type IRootRecord struct {
	NewRoot block.Addr
	OldRoot block.Addr
}

// RedirectRecord is a LOG_REDIRECT entry: OldBlock's content moved to
// NewBlock (a copy-on-write redirect).
type RedirectRecord struct {
	NewBlock block.Addr
	OldBlock block.Addr
}

func putHeader(b []byte, bytes uint16) {
	b[0] = byte(blockMagic >> 8)
	b[1] = byte(blockMagic)
	b[2] = byte(bytes >> 8)
	b[3] = byte(bytes)
}

func headerMagic(b []byte) uint16 {
	return uint16(b[0])<<8 | uint16(b[1])
}

func headerBytes(b []byte) uint16 {
	return uint16(b[2])<<8 | uint16(b[3])
}
