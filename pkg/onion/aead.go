package onion

import (
	"crypto/rand"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

// maxNonceRetries bounds how many times Seal will redraw a nonce after a
// collision against the caller-supplied uniqueness check before giving
// up with FaultRNGExhausted.
const maxNonceRetries = 10

// NonceSeen reports whether a nonce has already been used within a
// session. Sessions supply this to Seal so nonce uniqueness can be
// enforced before an encryption is accepted, per the wire protocol's
// "a given nonce value within one session_id MUST never be accepted
// twice" invariant.
type NonceSeen func(nonce [NonceSize]byte) bool

// Seal encrypts plaintext under key with associatedData, drawing a fresh
// random nonce and retrying on collision (as reported by seen) up to
// maxNonceRetries times. Returns the nonce and ciphertext∥tag.
func Seal(key []byte, plaintext, associatedData []byte, seen NonceSeen) (nonce [NonceSize]byte, sealed []byte, err error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nonce, nil, fmt.Errorf("aead init: %w", err)
	}

	for attempt := 0; attempt < maxNonceRetries; attempt++ {
		if _, err := rand.Read(nonce[:]); err != nil {
			return nonce, nil, fmt.Errorf("draw nonce: %w", err)
		}
		if seen != nil && seen(nonce) {
			continue
		}
		sealed = aead.Seal(nil, nonce[:], plaintext, associatedData)
		return nonce, sealed, nil
	}

	return nonce, nil, FaultRNGExhausted
}

// Open decrypts ciphertext∥tag under key with associatedData and nonce.
// Any failure — wrong key, tampered ciphertext, mismatched associated
// data — collapses to the single opaque FaultAuthFailure so callers
// cannot distinguish the cause.
func Open(key []byte, nonce [NonceSize]byte, sealed, associatedData []byte) ([]byte, error) {
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, FaultAuthFailure
	}
	plaintext, err := aead.Open(nil, nonce[:], sealed, associatedData)
	if err != nil {
		return nil, FaultAuthFailure
	}
	return plaintext, nil
}

// Pad encodes data as a BE u16 length prefix, the data itself, and
// cryptographically random filler out to target bytes total. Fails if
// data does not fit.
func Pad(data []byte, target int) ([]byte, error) {
	if len(data)+padLengthPrefixSize > target {
		return nil, fmt.Errorf("pad: payload of %d bytes exceeds capacity %d", len(data), target-padLengthPrefixSize)
	}
	out := make([]byte, target)
	out[0] = byte(len(data) >> 8)
	out[1] = byte(len(data))
	copy(out[2:], data)
	if _, err := rand.Read(out[2+len(data):]); err != nil {
		return nil, fmt.Errorf("pad: fill random: %w", err)
	}
	return out, nil
}

// Unpad reverses Pad. Any inconsistency — truncated input, an encoded
// length exceeding the buffer — returns the single constant
// FaultInvalidPadding, with no length or offset detail, so a timing or
// error-message oracle can't help an adversary distinguish failure
// causes.
func Unpad(padded []byte) ([]byte, error) {
	if len(padded) < padLengthPrefixSize {
		return nil, FaultInvalidPadding
	}
	length := int(padded[0])<<8 | int(padded[1])
	if length < 0 || padLengthPrefixSize+length > len(padded) {
		return nil, FaultInvalidPadding
	}
	data := make([]byte, length)
	copy(data, padded[padLengthPrefixSize:padLengthPrefixSize+length])
	return data, nil
}
