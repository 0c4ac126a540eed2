package wal

import (
	"fmt"
	"sync"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/buffer"
	"github.com/cdkamat/hammerspace/internal/wire"
	"github.com/cdkamat/hammerspace/internal/xerr"
)

// Writer serializes log records into a mapping's buffers, one log block at
// a time, exactly as log_begin/log_end/log_next/log_finish do (log.c). A
// Writer is not safe to use with more than one sb: it owns the cursor into
// "the current log block" and serializes all appenders behind mu, matching
// the original's single sb->loglock.
type Writer struct {
	pool *buffer.Pool
	m    *buffer.Mapping

	mu      sync.Mutex
	next    block.Addr
	cur     *buffer.Buffer
	pos     int // byte offset of the write cursor within cur.Data()
	delta   uint32
	deltaFn func() uint32
}

// NewWriter creates a log writer over m, which must already be registered
// against pool. deltaFn, if non-nil, is consulted to stamp newly dirtied log
// buffers with the current delta (commit.commitDelta's flush of each
// delta's dirty slot is what writes them out).
func NewWriter(pool *buffer.Pool, m *buffer.Mapping, deltaFn func() uint32) *Writer {
	return &Writer{pool: pool, m: m, deltaFn: deltaFn}
}

// logNext starts a fresh log block at the next sequential address within
// the log mapping (log_next).
func (w *Writer) logNext() error {
	b, err := w.pool.Get(w.m, w.next)
	if err != nil {
		return fmt.Errorf("%w: wal: allocate log block %d: %v", xerr.ErrIO, w.next, err)
	}
	w.next++
	putHeader(b.Data(), 0)
	w.cur = b
	w.pos = headerSize
	return nil
}

// logFinish stamps the byte count into the current block's header, zeroes
// its unused tail, and releases it dirty (log_finish).
func (w *Writer) logFinish() {
	if w.cur == nil {
		return
	}
	data := w.cur.Data()
	putHeader(data, uint16(w.pos-headerSize))
	for i := w.pos; i < len(data); i++ {
		data[i] = 0
	}
	delta := w.delta
	if w.deltaFn != nil {
		delta = w.deltaFn()
	}
	w.pool.PutDirty(w.cur, delta)
	w.cur = nil
	w.pos = 0
}

// begin reserves n bytes in the current (or a freshly started) log block
// and returns the slice to encode the record into. Caller must call end
// with the position past the encoded record.
func (w *Writer) begin(n int) ([]byte, error) {
	w.mu.Lock()
	if w.cur == nil || w.pos+n > w.m.BlockSize() {
		if w.cur != nil {
			w.logFinish()
		}
		if err := w.logNext(); err != nil {
			w.mu.Unlock()
			return nil, err
		}
	}
	return w.cur.Data()[w.pos : w.pos+n], nil
}

func (w *Writer) end(n int) {
	w.pos += n
	w.mu.Unlock()
}

// RecordAlloc appends a LOG_ALLOC or LOG_FREE entry (log_alloc).
func (w *Writer) RecordAlloc(start block.Addr, count uint8, alloc bool) error {
	n := recordSize(OpAlloc)
	buf, err := w.begin(n)
	if err != nil {
		return err
	}
	defer w.end(n)
	op := OpFree
	if alloc {
		op = OpAlloc
	}
	buf[0] = byte(op)
	buf[1] = count
	wire.PutUint48(buf[2:8], uint64(start))
	return nil
}

// RecordUpdate appends a LOG_UPDATE entry (log_update): child's parent
// pointer now reads parent, indexed under key.
func (w *Writer) RecordUpdate(child, parent block.Addr, key uint64) error {
	n := recordSize(OpUpdate)
	buf, err := w.begin(n)
	if err != nil {
		return err
	}
	defer w.end(n)
	buf[0] = byte(OpUpdate)
	rest := wire.Encode48(buf[1:], uint64(child))
	rest = wire.Encode48(rest, uint64(parent))
	wire.PutUint48(rest, key)
	return nil
}

// RecordIROOT appends the unified root-swap entry (§9: replaces the
// original's log_droot and log_iroot, which both wrote an IROOT tag but
// disagreed on whether a key argument followed).
func (w *Writer) RecordIROOT(newRoot, oldRoot block.Addr) error {
	n := recordSize(OpIRoot)
	buf, err := w.begin(n)
	if err != nil {
		return err
	}
	defer w.end(n)
	buf[0] = byte(OpIRoot)
	rest := wire.Encode48(buf[1:], uint64(newRoot))
	wire.PutUint48(rest, uint64(oldRoot))
	return nil
}

// RecordRedirect appends a LOG_REDIRECT entry (log_redirect): oldBlock's
// content was copied forward to newBlock.
func (w *Writer) RecordRedirect(newBlock, oldBlock block.Addr) error {
	n := recordSize(OpRedirect)
	buf, err := w.begin(n)
	if err != nil {
		return err
	}
	defer w.end(n)
	buf[0] = byte(OpRedirect)
	rest := wire.Encode48(buf[1:], uint64(newBlock))
	wire.PutUint48(rest, uint64(oldBlock))
	return nil
}

// Flush closes out the current log block, if any, so every record written
// so far is visible to a subsequent Replay. It does not force the
// underlying device; that is the commit engine's job.
func (w *Writer) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.logFinish()
}

// SetDelta fixes the delta stamped on log buffers when deltaFn is nil.
func (w *Writer) SetDelta(delta uint32) {
	w.mu.Lock()
	w.delta = delta
	w.mu.Unlock()
}

// Next reports the address the next freshly-started log block will occupy.
func (w *Writer) Next() block.Addr {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.next
}

// SetNext seeds the writer's cursor, used when mounting a volume whose log
// mapping already holds blocks from a prior session.
func (w *Writer) SetNext(addr block.Addr) {
	w.mu.Lock()
	w.next = addr
	w.mu.Unlock()
}
