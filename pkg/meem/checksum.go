// SPDX-License-Identifier: MIT

package meem

import "golang.org/x/crypto/blake2b"

// ChecksumFunc computes a digest over payload. The returned slice's length
// is fixed for the lifetime of an Engine and is stored ahead of the payload
// on every persisted instance, so changing digest width after data has been
// written invalidates every instance on the device.
type ChecksumFunc func(payload []byte) []byte

// NewBlake2bChecksum returns a ChecksumFunc backed by BLAKE2b-256, truncated
// to width bytes. width must be in (0, 32]; a width outside that range
// panics, since it can only be a programming error in the caller.
func NewBlake2bChecksum(width int) ChecksumFunc {
	if width <= 0 || width > blake2b.Size256 {
		panic("meem: blake2b checksum width must be in (0, 32]")
	}
	return func(payload []byte) []byte {
		sum := blake2b.Sum256(payload)
		out := make([]byte, width)
		copy(out, sum[:width])
		return out
	}
}
