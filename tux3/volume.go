package tux3

import (
	"crypto/sha1"
	"fmt"

	"github.com/google/uuid"

	"github.com/cdkamat/hammerspace/block"
	"github.com/cdkamat/hammerspace/btree"
	"github.com/cdkamat/hammerspace/buffer"
	"github.com/cdkamat/hammerspace/commit"
	"github.com/cdkamat/hammerspace/dedup"
	"github.com/cdkamat/hammerspace/ileaf"
	"github.com/cdkamat/hammerspace/internal/xerr"
	"github.com/cdkamat/hammerspace/internal/xlog"
	"github.com/cdkamat/hammerspace/wal"
)

// Volume is a mounted hammerspace core: a device carved into a fixed
// superblock/bitmap/log region plus a dynamically allocated data region
// holding the inode-table B-tree and, when enabled, the dedup hash-tree and
// its buckets.
type Volume struct {
	cfg Config
	dev *block.Device
	sb  *superblock

	Pool   *buffer.Pool
	Bitmap *commit.Bitmap
	Log    *wal.Writer
	Commit *commit.Engine
	ITable *btree.Tree
	Dedup  *dedup.Engine // nil unless cfg.Dedup

	bitmapMapping *buffer.Mapping
	logMapping    *buffer.Mapping
	dataMapping   *buffer.Mapping
}

// offsetIO returns an IOFunc translating a mapping-relative block index
// into a physical device block at regionStart+index — every fixed-region
// mapping (bitmap, log) and the dynamically-allocated data region share
// this same device-backed callback, differing only in their base offset.
func offsetIO(dev *block.Device, regionStart uint64) buffer.IOFunc {
	return func(buf *buffer.Buffer, write bool) error {
		addr := block.Addr(regionStart) + buf.Index()
		if write {
			return dev.WriteAt(buf.Data(), addr)
		}
		return dev.ReadAt(buf.Data(), addr)
	}
}

// layout computes the fixed bitmap/log region sizes and the resulting data
// region, given a total block count. Block 0 is always the superblock.
func layout(total uint64, blockSize int, cfg Config) (bitmapBlocks, logBlocks, dataBlocks uint64, err error) {
	logBlocks = cfg.LogBlocks
	if total < 2+logBlocks {
		return 0, 0, 0, fmt.Errorf("%w: tux3: volume too small (%d blocks)", xerr.ErrNoSpace, total)
	}
	upperBound := total - 1 - logBlocks
	bitmapBlocks = cfg.BitmapBlocks
	if bitmapBlocks == 0 {
		bitsPerBlock := uint64(blockSize * 8)
		bitmapBlocks = (upperBound + bitsPerBlock - 1) / bitsPerBlock
		if bitmapBlocks == 0 {
			bitmapBlocks = 1
		}
	}
	if total < 1+bitmapBlocks+logBlocks {
		return 0, 0, 0, fmt.Errorf("%w: tux3: volume too small for bitmap+log region", xerr.ErrNoSpace)
	}
	dataBlocks = total - 1 - bitmapBlocks - logBlocks
	if dataBlocks == 0 {
		return 0, 0, 0, fmt.Errorf("%w: tux3: no data blocks left after bitmap+log", xerr.ErrNoSpace)
	}
	return bitmapBlocks, logBlocks, dataBlocks, nil
}

// wireEngine builds the pool/mappings/allocator/commit/trees shared by
// Mkfs and Mount. bitmapBlocks must already have enough bits for
// dataBlocks.
func wireEngine(dev *block.Device, cfg Config, bitmapStart, bitmapBlocks, logStart, logBlocks, dataStart, dataBlocks uint64, itableRoot block.Addr, itableHeight int, htreeRoot block.Addr, htreeHeight int, dedupEnabled bool) *Volume {
	pool := buffer.NewPool(dev, cfg.PoolSize, cfg.CleanCacheBytes)
	bitmapMapping := pool.NewMapping("bitmap", offsetIO(dev, bitmapStart))
	logMapping := pool.NewMapping("log", offsetIO(dev, logStart))
	dataMapping := pool.NewMapping("data", offsetIO(dev, dataStart))

	var eng *commit.Engine
	deltaFn := func() uint32 {
		if eng == nil {
			return 0
		}
		return eng.Delta()
	}

	logWriter := wal.NewWriter(pool, logMapping, deltaFn)
	bitmap := commit.NewBitmap(pool, bitmapMapping, block.Addr(dataBlocks), logWriter, deltaFn)
	deferred := wal.NewDeferredFree()
	eng = commit.NewEngine(pool, bitmap, logWriter, deferred, commit.Config{
		NeedDeltaEvery:   cfg.DeltaInterval,
		FlushConcurrency: cfg.FlushConcurrency,
	})

	var itable *btree.Tree
	if itableRoot == 0 && itableHeight == 0 {
		var err error
		itable, err = btree.New(pool, dataMapping, bitmap, logWriter, itableOps{}, deltaFn, deferred)
		if err != nil {
			xlog.Crit("hammerspace: failed to create inode table", "err", err)
		}
	} else {
		itable = btree.Open(pool, dataMapping, bitmap, logWriter, itableOps{}, deltaFn, deferred, itableRoot, itableHeight)
	}

	v := &Volume{
		cfg: cfg, dev: dev,
		Pool: pool, Bitmap: bitmap, Log: logWriter, Commit: eng, ITable: itable,
		bitmapMapping: bitmapMapping, logMapping: logMapping, dataMapping: dataMapping,
	}

	if dedupEnabled {
		var htree *btree.Tree
		if htreeRoot == 0 && htreeHeight == 0 {
			var err error
			htree, err = btree.New(pool, dataMapping, bitmap, logWriter, dedup.Ops{}, deltaFn, deferred)
			if err != nil {
				xlog.Crit("hammerspace: failed to create dedup hash tree", "err", err)
			}
		} else {
			htree = btree.Open(pool, dataMapping, bitmap, logWriter, dedup.Ops{}, deltaFn, deferred, htreeRoot, htreeHeight)
		}
		d, err := dedup.NewEngine(pool, dataMapping, bitmap, htree, deltaFn, cfg.LookasideSize)
		if err != nil {
			xlog.Crit("hammerspace: failed to create dedup engine", "err", err)
		}
		v.Dedup = d
	}

	return v
}

// Mkfs creates a fresh volume at path, sized to totalBlocks of
// 1<<cfg.BlockBits bytes each, and writes its superblock.
func Mkfs(path string, totalBlocks block.Addr, cfg Config) (*Volume, error) {
	cfg = cfg.withDefaults()
	dev, err := block.Open(path, cfg.BlockBits)
	if err != nil {
		return nil, err
	}
	if err := dev.Truncate(totalBlocks); err != nil {
		dev.Close()
		return nil, fmt.Errorf("%w: tux3: truncate: %v", xerr.ErrIO, err)
	}

	bitmapBlocks, logBlocks, dataBlocks, err := layout(uint64(totalBlocks), dev.BlockSize(), cfg)
	if err != nil {
		dev.Close()
		return nil, err
	}
	bitmapStart := uint64(1)
	logStart := bitmapStart + bitmapBlocks
	dataStart := logStart + logBlocks

	v := wireEngine(dev, cfg, bitmapStart, bitmapBlocks, logStart, logBlocks, dataStart, dataBlocks, 0, 0, 0, 0, cfg.Dedup)
	v.sb = &superblock{
		uuid:         uuid.New(),
		blockBits:    uint8(cfg.BlockBits),
		totalBlocks:  uint64(totalBlocks),
		bitmapStart:  bitmapStart,
		bitmapBlocks: bitmapBlocks,
		logStart:     logStart,
		logBlocks:    logBlocks,
		dataStart:    dataStart,
		dataBlocks:   dataBlocks,
		dedupEnabled: cfg.Dedup,
		replayPolicy: cfg.ReplayPolicy,
	}
	xlog.Info("hammerspace: mkfs", "path", path, "blocks", totalBlocks, "uuid", v.sb.uuid)
	if err := v.writeSuperblock(); err != nil {
		dev.Close()
		return nil, err
	}
	return v, nil
}

// Mount opens an existing volume, replays its log against the allocator
// bitmap, and resumes the inode table (and dedup tree, if enabled) from the
// roots the superblock recorded at the last completed commit.
//
// Log replay's authority here is intentionally narrow: it redoes ALLOC/FREE
// bitmap records up to the superblock's recorded cursor, covering a crash
// between a commit's buffer flush and its superblock rewrite. UPDATE/IROOT/
// REDIRECT records remain in the log for cmd/hammerspacectl dump-log
// diagnostics; B-tree shape recovery beyond the last persisted superblock
// is out of scope for this wiring layer (see DESIGN.md).
func Mount(path string, cfg Config) (*Volume, error) {
	cfg = cfg.withDefaults()
	dev, err := block.Open(path, cfg.BlockBits)
	if err != nil {
		return nil, err
	}
	hdr := make([]byte, dev.BlockSize())
	if err := dev.ReadAt(hdr, 0); err != nil {
		dev.Close()
		return nil, err
	}
	sb, err := decodeSuperblock(hdr)
	if err != nil {
		dev.Close()
		return nil, err
	}

	v := wireEngine(dev, cfg, sb.bitmapStart, sb.bitmapBlocks, sb.logStart, sb.logBlocks, sb.dataStart, sb.dataBlocks,
		sb.itableAddr(), int(sb.itableHeight), sb.htreeAddr(), int(sb.htreeHeight), sb.dedupEnabled)
	v.sb = sb
	v.Log.SetNext(block.Addr(sb.logNext))
	v.Commit.SeedDelta(sb.delta)

	replayer := &commit.BitmapReplayer{Bitmap: v.Bitmap}
	if err := wal.Replay(v.Pool, v.logMapping, block.Addr(sb.logNext), cfg.ReplayPolicy, replayer); err != nil {
		dev.Close()
		return nil, fmt.Errorf("%w: tux3: log replay: %v", xerr.ErrCorruption, err)
	}
	xlog.Info("hammerspace: mounted", "path", path, "uuid", sb.uuid, "delta", sb.delta)
	return v, nil
}

// writeSuperblock persists the current root/height/delta state directly
// (outside the buffer pool, since block 0 belongs to no mapping).
func (v *Volume) writeSuperblock() error {
	v.sb.itableRoot = uint64(v.ITable.Root)
	v.sb.itableHeight = uint32(v.ITable.Height)
	if v.Dedup != nil {
		root, height := v.Dedup.TreeState()
		v.sb.htreeRoot = uint64(root)
		v.sb.htreeHeight = uint32(height)
	}
	v.sb.logNext = uint64(v.Log.Next())
	v.sb.delta = v.Commit.Delta()

	buf := make([]byte, v.dev.BlockSize())
	if err := v.sb.encode(buf); err != nil {
		return err
	}
	if err := v.dev.WriteAt(buf, 0); err != nil {
		return err
	}
	return v.dev.Sync()
}

// LogMapping returns the backing mapping for the write-ahead log, for
// diagnostics (cmd/hammerspacectl dump-log) that need to replay it directly.
func (v *Volume) LogMapping() *buffer.Mapping { return v.logMapping }

// WithChange brackets fn with ChangeBegin/ChangeEnd (commit.c's
// change_begin/change_end bracket around a single mutation), returning fn's
// error or, if fn succeeded, any error from the delta commit it triggered.
func (v *Volume) WithChange(fn func() error) error {
	v.Commit.ChangeBegin()
	err := fn()
	if cerr := v.Commit.ChangeEnd(); err == nil {
		err = cerr
	}
	return err
}

// Sync forces a full commit and persists the superblock, regardless of the
// one-in-N delta policy — the explicit "fsync this volume now" path
// cmd/hammerspacectl and tests need.
func (v *Volume) Sync() error {
	v.Commit.ChangeBegin()
	if err := v.Commit.ForceCommit(); err != nil {
		v.Commit.ChangeEnd()
		return err
	}
	v.Commit.ChangeEnd()
	return v.writeSuperblock()
}

// Close syncs and releases the underlying device.
func (v *Volume) Close() error {
	if err := v.Sync(); err != nil {
		v.dev.Close()
		return err
	}
	return v.dev.Close()
}

// LookupInode returns inum's attribute blob (ileaf_lookup).
func (v *Volume) LookupInode(inum block.Addr) ([]byte, bool, error) {
	_, leaf, err := v.ITable.Lookup(uint64(inum))
	if err != nil {
		return nil, false, err
	}
	attrs, ok := leaf.(*ileaf.Leaf).Lookup(inum)
	return attrs, ok, nil
}

// ResizeInode replaces inum's attribute blob in place, splitting the
// owning leaf through the B-tree if it no longer fits (ileaf_resize).
func (v *Volume) ResizeInode(inum block.Addr, attrs []byte) error {
	return v.WithChange(func() error {
		addr, l, err := v.ITable.Lookup(uint64(inum))
		if err != nil {
			return err
		}
		il := l.(*ileaf.Leaf)
		blob, err := il.Resize(inum, len(attrs))
		if err != nil {
			return err
		}
		copy(blob, attrs)
		return v.ITable.Update(uint64(inum), addr, il)
	})
}

// PurgeInode removes inum from the table (ileaf_purge).
func (v *Volume) PurgeInode(inum block.Addr) error {
	return v.WithChange(func() error {
		addr, l, err := v.ITable.Lookup(uint64(inum))
		if err != nil {
			return err
		}
		il := l.(*ileaf.Leaf)
		il.Purge(inum)
		return v.ITable.Update(uint64(inum), addr, il)
	})
}

// AllocInode finds the first unused inode number at or after goal
// (find_empty_inode, kept as a first-class operation per SUPPLEMENTED
// FEATURES rather than a resize/purge side effect).
func (v *Volume) AllocInode(goal block.Addr) (block.Addr, error) {
	_, l, err := v.ITable.Lookup(uint64(goal))
	if err != nil {
		return 0, err
	}
	return l.(*ileaf.Leaf).FindEmptyInode(goal), nil
}

// WriteDeduped writes data to a freshly allocated block unless an identical
// block already exists, in which case its address is reused and refcounted
// instead (§4.F/§4.I's whole point). hints is the caller-owned per-inode
// dedup state (§9's reference-bucket/write-bucket short-circuit); pass a
// fresh zero-valued *dedup.Hints per inode and keep reusing it.
func (v *Volume) WriteDeduped(hints *dedup.Hints, data []byte) (block.Addr, bool, error) {
	if v.Dedup == nil {
		return 0, false, fmt.Errorf("%w: tux3: dedup not enabled on this volume", xerr.ErrNotFound)
	}
	digest := dedup.Digest(sha1.Sum(data))

	var addr block.Addr
	var hit bool
	err := v.WithChange(func() error {
		if existing, ok, err := v.Dedup.Lookup(hints, digest); err != nil {
			return err
		} else if ok {
			addr, hit = existing, true
			return nil
		}

		written, err := v.Bitmap.Alloc(1)
		if err != nil {
			return err
		}
		b, err := v.Pool.Get(v.dataMapping, written)
		if err != nil {
			return err
		}
		copy(b.Data(), data)
		v.Pool.PutDirty(b, v.Commit.Delta())

		if err := v.Dedup.Insert(hints, digest, written); err != nil {
			return err
		}
		addr = written
		return nil
	})
	return addr, hit, err
}
