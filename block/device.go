// Package block implements the component A device abstraction: positional
// read/write of fixed-size blocks over an opaque handle. It is deliberately
// thin — everything interesting about caching, dirtiness and commit
// ordering lives above it in package buffer.
package block

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/gofrs/flock"

	"github.com/cdkamat/hammerspace/internal/xerr"
)

// Addr is a 48-bit unsigned block address (§3).
type Addr uint64

// MaxAddr is the largest representable block address.
const MaxAddr Addr = 1<<48 - 1

// Device is a block-addressed backing store. Block size is 1<<Bits bytes,
// 256 B to 64 KiB per §3.
type Device struct {
	f    *os.File
	bits uint
	lock *flock.Flock
}

// Open opens (creating if necessary) the file at path as a block device
// with the given block-size exponent. An advisory exclusive flock is taken
// for the lifetime of the Device, mirroring the single-writer assumption
// the rest of the engine is built on: two processes must never mount the
// same image concurrently.
func Open(path string, bits uint) (*Device, error) {
	if bits < 8 || bits > 16 {
		return nil, fmt.Errorf("hammerspace: block bits %d out of range [8,16]", bits)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %v", xerr.ErrIO, path, err)
	}
	lk := flock.New(path + ".lock")
	ok, err := lk.TryLock()
	if err != nil || !ok {
		f.Close()
		return nil, fmt.Errorf("%w: device %s already locked", xerr.ErrIO, path)
	}
	return &Device{f: f, bits: bits, lock: lk}, nil
}

// BlockSize returns 1<<bits, the device-wide block size in bytes.
func (d *Device) BlockSize() int { return 1 << d.bits }

// Bits returns the block-size exponent.
func (d *Device) Bits() uint { return d.bits }

// ReadAt reads exactly one block's worth of bytes into buf, which must be
// BlockSize() bytes long.
func (d *Device) ReadAt(buf []byte, addr Addr) error {
	if len(buf) != d.BlockSize() {
		return fmt.Errorf("hammerspace: read buffer size %d != block size %d", len(buf), d.BlockSize())
	}
	off := int64(addr) << d.bits
	n, err := d.f.ReadAt(buf, off)
	if err != nil {
		if !errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: read block %d: %v", xerr.ErrIO, addr, err)
		}
		// A read past EOF on a freshly-truncated sparse file is a valid
		// all-zero block, not an I/O error.
		if n == len(buf) {
			return nil
		}
		for i := n; i < len(buf); i++ {
			buf[i] = 0
		}
		return nil
	}
	return nil
}

// WriteAt writes exactly one block's worth of bytes at addr.
func (d *Device) WriteAt(buf []byte, addr Addr) error {
	if len(buf) != d.BlockSize() {
		return fmt.Errorf("hammerspace: write buffer size %d != block size %d", len(buf), d.BlockSize())
	}
	off := int64(addr) << d.bits
	if _, err := d.f.WriteAt(buf, off); err != nil {
		return fmt.Errorf("%w: write block %d: %v", xerr.ErrIO, addr, err)
	}
	return nil
}

// Truncate grows or shrinks the backing file to hold exactly nblocks.
func (d *Device) Truncate(nblocks Addr) error {
	return d.f.Truncate(int64(nblocks) << d.bits)
}

// Sync flushes the backing file to stable storage.
func (d *Device) Sync() error {
	return d.f.Sync()
}

// Close releases the device lock and closes the backing file.
func (d *Device) Close() error {
	if d.lock != nil {
		d.lock.Unlock()
		os.Remove(d.lock.Path())
	}
	return d.f.Close()
}
