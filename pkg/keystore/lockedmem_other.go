//go:build !unix

package keystore

// lockMemory is a no-op on platforms without an mlock equivalent
// wired in; the AMK is still zeroized on Lock, just not pinned
// against swap.
func lockMemory(b []byte) error { return nil }

func unlockMemory(b []byte) error { return nil }
