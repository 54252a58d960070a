package onion

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	initialSessionInfo = "anemochory-initial-session"
	ratchetInfoPrefix  = "anemochory-ratchet-"
)

// deriveKey runs HKDF-SHA256(salt, ikm, info) and returns KeySize bytes.
// salt must be supplied by the caller; a nil salt is accepted (HKDF
// treats it as a zero-filled default), a ratchet step's only legal use.
func deriveKey(salt, ikm, info []byte) []byte {
	reader := hkdf.New(sha256.New, ikm, salt, info)
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		// hkdf.New with a SHA-256 hash and a 32-byte output never fails.
		panic("onion: hkdf derive failed: " + err.Error())
	}
	return key
}

// DeriveInitialSessionKey derives the master session key from an X25519
// shared secret and the handshake salt exchanged by both endpoints.
func DeriveInitialSessionKey(handshakeSalt [16]byte, sharedSecret []byte) []byte {
	return deriveKey(handshakeSalt[:], sharedSecret, []byte(initialSessionInfo))
}

// RatchetKey derives the next-epoch session key from the current one.
// The ratchet is a one-way KDF step: it never takes a caller-supplied
// salt, by design, since the whole point is that the new key depends
// only on the current key and the epoch it's advancing to.
func RatchetKey(currentKey []byte, nextEpoch uint64) []byte {
	info := fmt.Sprintf("%s%d", ratchetInfoPrefix, nextEpoch)
	return deriveKey(nil, currentKey, []byte(info))
}
