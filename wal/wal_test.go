package wal

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/buffer"
)

func openTestLog(t *testing.T) (*buffer.Pool, *buffer.Mapping) {
	t.Helper()
	dev, err := block.Open(filepath.Join(t.TempDir(), "log.img"), 12)
	if err != nil {
		t.Fatalf("open device: %v", err)
	}
	t.Cleanup(func() { dev.Close() })
	if err := dev.Truncate(64); err != nil {
		t.Fatalf("truncate: %v", err)
	}
	pool := buffer.NewPool(dev, 32, 0)
	m := pool.NewMapping("log", func(b *buffer.Buffer, write bool) error {
		if write {
			return dev.WriteAt(b.Data(), b.Index())
		}
		return dev.ReadAt(b.Data(), b.Index())
	})
	return pool, m
}

type recorder struct {
	allocs    []AllocRecord
	updates   []UpdateRecord
	iroots    []IRootRecord
	redirects []RedirectRecord
}

func (r *recorder) OnAlloc(rec AllocRecord) error       { r.allocs = append(r.allocs, rec); return nil }
func (r *recorder) OnUpdate(rec UpdateRecord) error     { r.updates = append(r.updates, rec); return nil }
func (r *recorder) OnIRoot(rec IRootRecord) error       { r.iroots = append(r.iroots, rec); return nil }
func (r *recorder) OnRedirect(rec RedirectRecord) error { r.redirects = append(r.redirects, rec); return nil }

func TestWriterReplayRoundTrip(t *testing.T) {
	pool, m := openTestLog(t)
	w := NewWriter(pool, m, nil)

	assert.NoError(t, w.RecordAlloc(100, 3, true))
	assert.NoError(t, w.RecordAlloc(200, 1, false))
	assert.NoError(t, w.RecordUpdate(10, 20, 0xabc))
	assert.NoError(t, w.RecordIROOT(30, 40))
	assert.NoError(t, w.RecordRedirect(50, 60))
	w.Flush()

	rec := &recorder{}
	if err := Replay(pool, m, w.Next(), PolicyStrict, rec); err != nil {
		t.Fatalf("replay: %v", err)
	}

	if assert.Len(t, rec.allocs, 2) {
		assert.Equal(t, AllocRecord{Block: 100, Count: 3, Alloc: true}, rec.allocs[0])
		assert.Equal(t, AllocRecord{Block: 200, Count: 1, Alloc: false}, rec.allocs[1])
	}
	if assert.Len(t, rec.updates, 1) {
		assert.Equal(t, UpdateRecord{Child: 10, Parent: 20, Key: 0xabc}, rec.updates[0])
	}
	if assert.Len(t, rec.iroots, 1) {
		assert.Equal(t, IRootRecord{NewRoot: 30, OldRoot: 40}, rec.iroots[0])
	}
	if assert.Len(t, rec.redirects, 1) {
		assert.Equal(t, RedirectRecord{NewBlock: 50, OldBlock: 60}, rec.redirects[0])
	}
}

func TestWriterSpillsAcrossBlocks(t *testing.T) {
	pool, m := openTestLog(t)
	w := NewWriter(pool, m, nil)

	const n = 600 // far more than fits in one 4KiB block at 8 bytes/record
	for i := 0; i < n; i++ {
		if err := w.RecordAlloc(block.Addr(i), 1, true); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	w.Flush()

	if w.Next() <= 1 {
		t.Fatalf("expected writer to span multiple blocks, got next=%d", w.Next())
	}

	rec := &recorder{}
	if err := Replay(pool, m, w.Next(), PolicyStrict, rec); err != nil {
		t.Fatalf("replay: %v", err)
	}
	assert.Len(t, rec.allocs, n)
	for i, a := range rec.allocs {
		assert.Equal(t, block.Addr(i), a.Block)
	}
}

func TestDeferredFreeDedupesWithinDelta(t *testing.T) {
	df := NewDeferredFree()
	df.Add(10, 2)
	df.Add(10, 2) // duplicate within the same delta, must be ignored
	df.Add(20, 1)

	if got := df.Len(); got != 2 {
		t.Fatalf("Len() = %d, want 2", got)
	}

	var freed []Extent
	err := df.Retire(func(b block.Addr, c uint8) error {
		freed = append(freed, Extent{Block: b, Count: c})
		return nil
	})
	if err != nil {
		t.Fatalf("retire: %v", err)
	}
	assert.ElementsMatch(t, []Extent{{Block: 10, Count: 2}, {Block: 20, Count: 1}}, freed)
	assert.Equal(t, 0, df.Len())
}

func TestReplayLenientStopsOnUnknownOpcode(t *testing.T) {
	pool, m := openTestLog(t)
	w := NewWriter(pool, m, nil)
	assert.NoError(t, w.RecordAlloc(1, 1, true))
	w.Flush()

	// Corrupt the tag of the first record to an opcode no writer emits.
	b, err := pool.Get(m, 0)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	b.Data()[headerSize] = 0x7f
	pool.PutDirty(b, 0)
	if err := pool.FlushState(buffer.StateDirty); err != nil {
		t.Fatalf("flush: %v", err)
	}

	rec := &recorder{}
	if err := Replay(pool, m, w.Next(), PolicyLenient, rec); err != nil {
		t.Fatalf("lenient replay should not error, got %v", err)
	}
	assert.Empty(t, rec.allocs)

	if err := Replay(pool, m, w.Next(), PolicyStrict, rec); err == nil {
		t.Fatalf("strict replay should fail on unknown opcode")
	}
}
