//go:build unix

package keystore

import "golang.org/x/sys/unix"

// lockMemory attempts to pin b so it is never written to swap. Best
// effort: a failure (e.g. insufficient RLIMIT_MEMLOCK) is surfaced to
// the caller, who may choose to proceed without the guarantee rather
// than refuse to unlock the key at all.
func lockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Mlock(b)
}

func unlockMemory(b []byte) error {
	if len(b) == 0 {
		return nil
	}
	return unix.Munlock(b)
}
