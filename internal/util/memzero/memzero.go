// Package memzero wipes secret key material from buffers.
package memzero

import "runtime"

// Zero overwrites b with zeroes. Best-effort: the noinline hint and the
// KeepAlive reduce the chance of the compiler eliding the writes.
//
//go:noinline
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
	runtime.KeepAlive(&b)
}
