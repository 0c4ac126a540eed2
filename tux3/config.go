// Package tux3 wires every component package into a mountable volume: a
// superblock describing the on-disk layout, a buffer pool and its
// mappings (bitmap, log, data region), the allocator, the inode-table
// B-tree, the log writer, the commit engine, and — when enabled — the
// dedup engine.
//
// It is grounded on the teacher's triedb/pathdb/database.go Database
// struct: one constructor-assembled object threading a *Config through
// every subsystem it owns, with New (fresh) and an Open/mount path that
// resumes persisted state (database.New vs database.loadJournal).
package tux3

import "github.com/cdkamat/hammerspace/wal"

// Config collects every knob the volume's subsystems need, following the
// teacher's single-struct *Config convention rather than scattered
// constructor arguments.
type Config struct {
	// BlockBits sizes the device's blocks as 1<<BlockBits bytes, §3's
	// [256B, 64KiB] range.
	BlockBits uint
	// PoolSize is the buffer pool's resident-buffer capacity.
	PoolSize int
	// CleanCacheBytes sizes the buffer pool's fastcache shadow of
	// recently-evicted CLEAN content; 0 disables it.
	CleanCacheBytes int
	// DeltaInterval is the commit engine's one-in-N change_end policy.
	DeltaInterval uint32
	// FlushConcurrency bounds the commit engine's per-mapping flush
	// fan-out.
	FlushConcurrency int
	// Dedup enables the content-defined dedup engine (component I) on
	// writes that go through Volume.WriteDeduped.
	Dedup bool
	// LookasideSize sizes the dedup engine's digest-to-block LRU cache.
	LookasideSize int
	// ReplayPolicy controls whether mount-time log replay is strict or
	// lenient about unrecognized opcodes (§9's Open Question).
	ReplayPolicy wal.Policy
	// LogBlocks sizes the fixed log ring region carved out at mkfs time.
	LogBlocks uint64
	// BitmapBlocks sizes the fixed bitmap region carved out at mkfs time.
	// 0 means "compute from the volume's total block count" (one bit per
	// block outside the superblock and log region, rounded up to whole
	// blocks).
	BitmapBlocks uint64
}

func (c Config) withDefaults() Config {
	if c.BlockBits == 0 {
		c.BlockBits = 12
	}
	if c.PoolSize == 0 {
		c.PoolSize = 256
	}
	if c.DeltaInterval == 0 {
		c.DeltaInterval = 10
	}
	if c.FlushConcurrency == 0 {
		c.FlushConcurrency = 4
	}
	if c.LookasideSize == 0 {
		c.LookasideSize = 4096
	}
	if c.LogBlocks == 0 {
		c.LogBlocks = 256
	}
	return c
}
