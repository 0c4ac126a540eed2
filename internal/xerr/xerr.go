// Package xerr collects the sentinel error kinds shared across the storage
// engine (see spec §7). Components compare against these with errors.Is
// rather than inventing per-package variants for the same condition.
package xerr

import "errors"

var (
	// ErrIO marks a failure in the device or a mapping's io callback.
	ErrIO = errors.New("hammerspace: io error")

	// ErrCorruption marks a sniff/check/magic mismatch on a resident block.
	ErrCorruption = errors.New("hammerspace: corruption detected")

	// ErrNoSpace marks a leaf that is full where the caller failed to
	// reserve room before inserting. Callers are expected to split and
	// retry; it should never reach the outermost API.
	ErrNoSpace = errors.New("hammerspace: leaf has no space")

	// ErrOom marks buffer pool exhaustion. Fatal at boot, per §7.
	ErrOom = errors.New("hammerspace: buffer pool exhausted")

	// ErrBusy marks a dirty buffer that belongs to the in-flight delta's
	// successor and cannot be flushed yet. Nothing in this module returns
	// it: commit's stageDelta skips such buffers through
	// buffer.Pool.FlushMappingExcept instead.
	ErrBusy = errors.New("hammerspace: buffer busy for this delta")

	// ErrNotFound is a normal miss status, not a failure.
	ErrNotFound = errors.New("hammerspace: not found")
)
