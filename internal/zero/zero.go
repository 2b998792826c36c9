// Copyright (c) 2015 The btcsuite developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package zero contains functions to clear seed and key material from
// memory once a wallet is no longer needed.
package zero

// Bytes sets all bytes in the passed slice to zero.  This is used to
// explicitly clear seed material from memory.
func Bytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// Bytea32 clears the 32-byte array by filling it with the zero value.
func Bytea32(b *[32]byte) {
	*b = [32]byte{}
}

// String returns a byte copy of s that the caller is expected to clear with
// Bytes.  Go strings are immutable, so mnemonics are converted as early as
// possible and only the byte form is wiped.
func String(s string) []byte {
	b := make([]byte, len(s))
	copy(b, s)
	return b
}
