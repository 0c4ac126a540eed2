// Package wire holds the small fixed-width codecs the on-disk formats in
// this module share: the 48-bit block address packing used by the log
// stream and the extent table (§3, §6), alongside little-endian helpers for
// the hash-index leaf and dedup bucket formats, which are specified
// little-endian for historical reasons (§6) while everything else is
// big-endian.
package wire

// PutUint48 writes v (which must fit in 48 bits) to b[:6], big-endian.
func PutUint48(b []byte, v uint64) {
	b[0] = byte(v >> 40)
	b[1] = byte(v >> 32)
	b[2] = byte(v >> 24)
	b[3] = byte(v >> 16)
	b[4] = byte(v >> 8)
	b[5] = byte(v)
}

// Uint48 reads a big-endian 48-bit integer from b[:6].
func Uint48(b []byte) uint64 {
	return uint64(b[0])<<40 | uint64(b[1])<<32 | uint64(b[2])<<24 |
		uint64(b[3])<<16 | uint64(b[4])<<8 | uint64(b[5])
}

// Encode48 writes v at b[0:6] and returns the remaining slice, mirroring
// the original C encode48's "advance the cursor" calling convention used
// throughout the log record encoders.
func Encode48(b []byte, v uint64) []byte {
	PutUint48(b, v)
	return b[6:]
}

// Decode48 reads a 48-bit value from b[0:6] into *v and returns the
// remaining slice.
func Decode48(b []byte, v *uint64) []byte {
	*v = Uint48(b)
	return b[6:]
}

// PutUint48LE writes v to b[:6], little-endian (hleaf/bucket block fields).
func PutUint48LE(b []byte, v uint64) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	b[4] = byte(v >> 32)
	b[5] = byte(v >> 40)
}

// Uint48LE reads a little-endian 48-bit integer from b[:6].
func Uint48LE(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 |
		uint64(b[3])<<24 | uint64(b[4])<<32 | uint64(b[5])<<40
}

const (
	// MaxBlock48 is the largest representable 48-bit block address.
	MaxBlock48 = 1<<48 - 1
	// MaxCount6 is the largest representable 6-bit extent count.
	MaxCount6 = 1<<6 - 1
)
