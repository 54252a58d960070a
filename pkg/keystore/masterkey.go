// Package keystore implements at-rest storage of the application
// master key (AMK): the long-lived 32-byte secret used only to seed
// per-session handshakes. It is passphrase-wrapped on disk with
// PBKDF2-HMAC-SHA256 and AES-256-GCM, grounded on the same
// encrypt-then-write-one-file-per-key pattern as a conventional
// secrets vault, generalized to the key-lifecycle contract (generate,
// unlock, lock, rotate, export/import backup) the session layer needs.
package keystore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/pbkdf2"
)

const (
	fileVersion = 1

	saltSize  = 16
	nonceSize = 12
	keySize   = 32

	// MinUnlockIterations is the floor on PBKDF2 iterations for the
	// day-to-day passphrase wrap. Files claiming fewer are refused.
	MinUnlockIterations = 600_000

	// MinBackupIterations is the floor for the recovery-export wrap,
	// set above the unlock floor since a backup
	// blob is expected to sit at rest far longer.
	MinBackupIterations = 1_000_000

	headerSize = 1 + saltSize + 4 + nonceSize
)

var (
	ErrInvalidPassphrase  = errors.New("keystore: invalid passphrase")
	ErrKeyNotFound        = errors.New("keystore: key not found")
	ErrUnsupportedVersion = errors.New("keystore: unsupported key file version")
	ErrWeakIterationCount = errors.New("keystore: iteration count below required floor")
	ErrHandleLocked       = errors.New("keystore: handle is locked")
	ErrCorruptKeyFile     = errors.New("keystore: corrupt key file")
)

// fileHeader is the on-disk layout preceding the AEAD ciphertext:
// version:u8, salt:[16]byte, iterations:u32 BE, nonce:[12]byte.
type fileHeader struct {
	version    byte
	salt       [saltSize]byte
	iterations uint32
	nonce      [nonceSize]byte
}

func (h fileHeader) encode() []byte {
	buf := make([]byte, headerSize)
	buf[0] = h.version
	copy(buf[1:1+saltSize], h.salt[:])
	binary.BigEndian.PutUint32(buf[1+saltSize:1+saltSize+4], h.iterations)
	copy(buf[1+saltSize+4:], h.nonce[:])
	return buf
}

func decodeHeader(buf []byte) (fileHeader, error) {
	var h fileHeader
	if len(buf) < headerSize {
		return h, ErrCorruptKeyFile
	}
	h.version = buf[0]
	copy(h.salt[:], buf[1:1+saltSize])
	h.iterations = binary.BigEndian.Uint32(buf[1+saltSize : 1+saltSize+4])
	copy(h.nonce[:], buf[1+saltSize+4:headerSize])
	if h.version != fileVersion {
		return h, ErrUnsupportedVersion
	}
	return h, nil
}

// KeyStore manages master-key files under a single directory, one
// file per key_id.
type KeyStore struct {
	dir string
}

// NewKeyStore opens (creating if absent) a keystore rooted at dir.
func NewKeyStore(dir string) (*KeyStore, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("keystore: create directory: %w", err)
	}
	return &KeyStore{dir: dir}, nil
}

func (ks *KeyStore) path(keyID string) string {
	return filepath.Join(ks.dir, filepath.Base(keyID)+".amk")
}

func newKeyID() (string, error) {
	raw := make([]byte, 8)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("keystore: generate key id: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

func sealAMK(amk, passphrase []byte, iterations int) ([]byte, error) {
	var salt [saltSize]byte
	if _, err := rand.Read(salt[:]); err != nil {
		return nil, fmt.Errorf("keystore: generate salt: %w", err)
	}

	derived := pbkdf2.Key(passphrase, salt[:], iterations, keySize, sha256.New)
	defer zero(derived)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("keystore: build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: build GCM: %w", err)
	}

	var nonce [nonceSize]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("keystore: generate nonce: %w", err)
	}

	header := fileHeader{version: fileVersion, salt: salt, iterations: uint32(iterations), nonce: nonce}
	ciphertext := gcm.Seal(nil, nonce[:], amk, nil)

	out := make([]byte, 0, headerSize+len(ciphertext))
	out = append(out, header.encode()...)
	out = append(out, ciphertext...)
	return out, nil
}

func openAMK(blob, passphrase []byte, minIterations int) ([]byte, error) {
	if len(blob) < headerSize {
		return nil, ErrCorruptKeyFile
	}
	header, err := decodeHeader(blob[:headerSize])
	if err != nil {
		return nil, err
	}
	if int(header.iterations) < minIterations {
		return nil, ErrWeakIterationCount
	}

	derived := pbkdf2.Key(passphrase, header.salt[:], int(header.iterations), keySize, sha256.New)
	defer zero(derived)

	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("keystore: build cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("keystore: build GCM: %w", err)
	}

	amk, err := gcm.Open(nil, header.nonce[:], blob[headerSize:], nil)
	if err != nil {
		return nil, ErrInvalidPassphrase
	}
	return amk, nil
}

// Generate creates a fresh 32-byte AMK, wraps it under passphrase, and
// persists it with an owner-only file mode. Returns the new key_id.
func (ks *KeyStore) Generate(passphrase []byte) (string, error) {
	amk := make([]byte, keySize)
	if _, err := rand.Read(amk); err != nil {
		return "", fmt.Errorf("keystore: generate AMK: %w", err)
	}
	defer zero(amk)

	keyID, err := newKeyID()
	if err != nil {
		return "", err
	}

	blob, err := sealAMK(amk, passphrase, MinUnlockIterations)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(ks.path(keyID), blob, 0600); err != nil {
		return "", fmt.Errorf("keystore: write key file: %w", err)
	}
	return keyID, nil
}

// Unlock reads and decrypts the AMK for key_id, returning a handle
// with the AMK resident in best-effort-pinned memory. The passphrase
// is never logged or returned on failure: wrong passphrase and
// corrupt ciphertext both surface as ErrInvalidPassphrase.
func (ks *KeyStore) Unlock(keyID string, passphrase []byte) (*Handle, error) {
	blob, err := os.ReadFile(ks.path(keyID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrKeyNotFound
		}
		return nil, fmt.Errorf("keystore: read key file: %w", err)
	}

	amk, err := openAMK(blob, passphrase, MinUnlockIterations)
	if err != nil {
		return nil, err
	}

	if err := lockMemory(amk); err != nil {
		// Best effort: proceed unpinned rather than refuse to unlock.
		_ = err
	}

	h := &Handle{keyID: keyID, key: amk}
	atomic.StoreInt32(&h.refs, 1)
	return h, nil
}

// Handle is a reference-counted, resident AMK. The final Release
// zeroizes the buffer; Lock does so immediately regardless of
// outstanding references, for callers that need an explicit shutdown
// point.
type Handle struct {
	mu     sync.Mutex
	keyID  string
	key    []byte
	refs   int32
	locked bool
}

// Retain increments the reference count; pair with Release.
func (h *Handle) Retain() {
	atomic.AddInt32(&h.refs, 1)
}

// Release drops a reference, zeroizing the AMK once the count reaches
// zero.
func (h *Handle) Release() {
	if atomic.AddInt32(&h.refs, -1) <= 0 {
		h.zeroize()
	}
}

// Lock immediately zeroizes the AMK buffer regardless of reference
// count.
func (h *Handle) Lock() {
	h.zeroize()
}

func (h *Handle) zeroize() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.locked {
		return
	}
	unlockMemory(h.key)
	zero(h.key)
	h.key = nil
	h.locked = true
}

// KeyID reports the handle's key_id.
func (h *Handle) KeyID() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.keyID
}

// AMK returns the raw master key bytes. The returned slice aliases
// the handle's internal buffer and must not be retained past the
// handle's lifetime or mutated.
func (h *Handle) AMK() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.locked {
		return nil, ErrHandleLocked
	}
	return h.key, nil
}

// Rotate generates a fresh AMK, persists it under passphrase (pass
// the existing passphrase unchanged to keep the same passphrase, or a
// new one to change it), and swaps the handle to hold the new key in
// place. The prior key_id's file is left on disk, recoverable until
// the caller explicitly deletes it.
func (ks *KeyStore) Rotate(h *Handle, passphrase []byte) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.locked {
		return "", ErrHandleLocked
	}

	newAMK := make([]byte, keySize)
	if _, err := rand.Read(newAMK); err != nil {
		return "", fmt.Errorf("keystore: generate AMK: %w", err)
	}

	keyID, err := newKeyID()
	if err != nil {
		zero(newAMK)
		return "", err
	}

	blob, err := sealAMK(newAMK, passphrase, MinUnlockIterations)
	if err != nil {
		zero(newAMK)
		return "", err
	}
	if err := os.WriteFile(ks.path(keyID), blob, 0600); err != nil {
		zero(newAMK)
		return "", fmt.Errorf("keystore: write key file: %w", err)
	}

	unlockMemory(h.key)
	zero(h.key)
	if err := lockMemory(newAMK); err != nil {
		_ = err
	}
	h.key = newAMK
	h.keyID = keyID
	return keyID, nil
}

// Delete removes a key file from disk. Callers are expected to have
// already rotated away from the key_id being deleted.
func (ks *KeyStore) Delete(keyID string) error {
	if err := os.Remove(ks.path(keyID)); err != nil {
		if os.IsNotExist(err) {
			return ErrKeyNotFound
		}
		return fmt.Errorf("keystore: delete key file: %w", err)
	}
	return nil
}

// ExportBackup wraps the handle's AMK under an independent,
// high-iteration PBKDF2 derivation of recoveryPassphrase, for
// long-term cold storage.
func (ks *KeyStore) ExportBackup(h *Handle, recoveryPassphrase []byte) ([]byte, error) {
	amk, err := h.AMK()
	if err != nil {
		return nil, err
	}
	return sealAMK(amk, recoveryPassphrase, MinBackupIterations)
}

// ImportBackup reverses ExportBackup, writing the recovered AMK back
// into the keystore as a new key_id wrapped under recoveryPassphrase
// at the ordinary unlock-iteration floor, so a later Unlock(key_id,
// recoveryPassphrase) recovers the identical AMK.
func (ks *KeyStore) ImportBackup(blob, recoveryPassphrase []byte) (string, error) {
	amk, err := openAMK(blob, recoveryPassphrase, MinBackupIterations)
	if err != nil {
		return "", err
	}
	defer zero(amk)

	keyID, err := newKeyID()
	if err != nil {
		return "", err
	}
	out, err := sealAMK(amk, recoveryPassphrase, MinUnlockIterations)
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(ks.path(keyID), out, 0600); err != nil {
		return "", fmt.Errorf("keystore: write key file: %w", err)
	}
	return keyID, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
