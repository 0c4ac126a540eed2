package buffer

import "github.com/rcrowley/go-metrics"

// Meters follow the teacher's xxxMeter.Mark(...) idiom (triedb/pathdb
// disklayer.go's dirtyHitMeter/cleanMissMeter/etc.), backed by the same
// family of counters (github.com/rcrowley/go-metrics) the teacher's own
// metrics package wraps.
var (
	cacheHitMeter   = metrics.NewRegisteredMeter("hammerspace/buffer/cache/hit", nil)
	cacheMissMeter  = metrics.NewRegisteredMeter("hammerspace/buffer/cache/miss", nil)
	cleanHitMeter   = metrics.NewRegisteredMeter("hammerspace/buffer/clean/hit", nil)
	cleanMissMeter  = metrics.NewRegisteredMeter("hammerspace/buffer/clean/miss", nil)
	evictMeter      = metrics.NewRegisteredMeter("hammerspace/buffer/evict", nil)
	flushMeter      = metrics.NewRegisteredMeter("hammerspace/buffer/flush", nil)
	flushBytesMeter = metrics.NewRegisteredMeter("hammerspace/buffer/flush/bytes", nil)
	allocFailMeter  = metrics.NewRegisteredMeter("hammerspace/buffer/alloc/fail", nil)
)
