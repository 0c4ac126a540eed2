package wal

import (
	"errors"
	"fmt"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/buffer"
	"github.com/cdkamat/hammerspace/internal/wire"
	"github.com/cdkamat/hammerspace/internal/xerr"
)

// ErrUnknownOpcode is returned by Replay in strict mode (§9 Open Question:
// unknown-opcode handling must be an explicit policy, not a silent skip) when
// a record tag isn't one of the five known opcodes.
var ErrUnknownOpcode = errors.New("wal: unknown opcode")

// Replayer receives decoded records in log order. Replay stops and returns
// an implementation's error immediately, since a handler error means the
// allocator state being reconstructed is no longer trustworthy.
type Replayer interface {
	OnAlloc(rec AllocRecord) error
	OnUpdate(rec UpdateRecord) error
	OnIRoot(rec IRootRecord) error
	OnRedirect(rec RedirectRecord) error
}

// Policy controls how Replay reacts to a record it cannot parse.
type Policy int

const (
	// PolicyStrict fails replay on the first unrecognized opcode or
	// truncated record — the safe default for a filesystem that must not
	// silently lose allocator state.
	PolicyStrict Policy = iota
	// PolicyLenient treats an unrecognized opcode as the end of its block
	// rather than corruption: the rest of that block is skipped (its record
	// size is unknown) and replay resumes with the next log block. A block
	// with a bad magic ends replay without error.
	PolicyLenient
)

// Replay reads every log block in m starting at address 0 up to (but
// excluding) upto and decodes its records in order. Under PolicyStrict a
// block with a bad magic or an unrecognized opcode is an error; under
// PolicyLenient a bad magic ends replay and an unrecognized opcode ends
// only its own block.
func Replay(pool *buffer.Pool, m *buffer.Mapping, upto block.Addr, policy Policy, r Replayer) error {
	for addr := block.Addr(0); addr < upto; addr++ {
		b, err := pool.Read(m, addr)
		if err != nil {
			return fmt.Errorf("%w: wal: replay read block %d: %v", xerr.ErrIO, addr, err)
		}
		data := b.Data()
		pool.Put(b)

		if headerMagic(data) != blockMagic {
			if policy == PolicyLenient {
				return nil
			}
			return fmt.Errorf("%w: wal: block %d has bad magic", xerr.ErrCorruption, addr)
		}
		n := int(headerBytes(data))
		if headerSize+n > len(data) {
			return fmt.Errorf("%w: wal: block %d byte count %d exceeds block size", xerr.ErrCorruption, addr, n)
		}
		if err := replayBlock(data[headerSize:headerSize+n], policy, r); err != nil {
			return err
		}
	}
	return nil
}

func replayBlock(data []byte, policy Policy, r Replayer) error {
	for len(data) > 0 {
		op := Opcode(data[0])
		n := recordSize(op)
		if n == 0 {
			if policy == PolicyLenient {
				return nil
			}
			return fmt.Errorf("%w: tag 0x%02x", ErrUnknownOpcode, op)
		}
		if n > len(data) {
			return fmt.Errorf("%w: wal: truncated %s record", xerr.ErrCorruption, op)
		}
		rec := data[:n]
		data = data[n:]

		var err error
		switch op {
		case OpAlloc, OpFree:
			err = r.OnAlloc(AllocRecord{
				Block: block.Addr(wire.Uint48(rec[2:8])),
				Count: rec[1],
				Alloc: op == OpAlloc,
			})
		case OpUpdate:
			var child, parent, key uint64
			rest := rec[1:]
			rest = decode48(rest, &child)
			rest = decode48(rest, &parent)
			decode48(rest, &key)
			err = r.OnUpdate(UpdateRecord{Child: block.Addr(child), Parent: block.Addr(parent), Key: key})
		case OpIRoot:
			var newRoot, oldRoot uint64
			rest := rec[1:]
			rest = decode48(rest, &newRoot)
			decode48(rest, &oldRoot)
			err = r.OnIRoot(IRootRecord{NewRoot: block.Addr(newRoot), OldRoot: block.Addr(oldRoot)})
		case OpRedirect:
			var nb, ob uint64
			rest := rec[1:]
			rest = decode48(rest, &nb)
			decode48(rest, &ob)
			err = r.OnRedirect(RedirectRecord{NewBlock: block.Addr(nb), OldBlock: block.Addr(ob)})
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func decode48(b []byte, v *uint64) []byte {
	return wire.Decode48(b, v)
}
