package keystore

import (
	"bytes"
	"os"
	"testing"
)

func tempStore(t *testing.T) *KeyStore {
	t.Helper()
	ks, err := NewKeyStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewKeyStore: %v", err)
	}
	return ks
}

func TestGenerateUnlockRoundTrip(t *testing.T) {
	ks := tempStore(t)

	keyID, err := ks.Generate([]byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	h, err := ks.Unlock(keyID, []byte("correct horse battery staple"))
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	amk, err := h.AMK()
	if err != nil {
		t.Fatalf("AMK: %v", err)
	}
	if len(amk) != keySize {
		t.Fatalf("AMK length = %d, want %d", len(amk), keySize)
	}
}

func TestUnlockWrongPassphraseFails(t *testing.T) {
	ks := tempStore(t)

	keyID, err := ks.Generate([]byte("right-passphrase"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	h, err := ks.Unlock(keyID, []byte("wrong-passphrase"))
	if err != ErrInvalidPassphrase {
		t.Fatalf("Unlock with wrong passphrase err = %v, want ErrInvalidPassphrase", err)
	}
	if h != nil {
		t.Fatal("Unlock should return a nil handle on failure")
	}
}

func TestUnlockUnknownKeyID(t *testing.T) {
	ks := tempStore(t)
	if _, err := ks.Unlock("does-not-exist", []byte("whatever")); err != ErrKeyNotFound {
		t.Fatalf("err = %v, want ErrKeyNotFound", err)
	}
}

func TestLockZeroizesHandle(t *testing.T) {
	ks := tempStore(t)
	keyID, err := ks.Generate([]byte("passphrase"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	h, err := ks.Unlock(keyID, []byte("passphrase"))
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	h.Lock()
	if _, err := h.AMK(); err != ErrHandleLocked {
		t.Fatalf("AMK after Lock err = %v, want ErrHandleLocked", err)
	}
}

func TestRotatePersistsNewKeyAndLeavesOldRecoverable(t *testing.T) {
	ks := tempStore(t)
	oldID, err := ks.Generate([]byte("passphrase"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	h, err := ks.Unlock(oldID, []byte("passphrase"))
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	oldAMK, _ := h.AMK()
	oldAMKCopy := append([]byte(nil), oldAMK...)

	newID, err := ks.Rotate(h, []byte("passphrase"))
	if err != nil {
		t.Fatalf("Rotate: %v", err)
	}
	if newID == oldID {
		t.Fatal("Rotate should produce a new key_id")
	}

	newAMK, err := h.AMK()
	if err != nil {
		t.Fatalf("AMK after rotate: %v", err)
	}
	if bytes.Equal(newAMK, oldAMKCopy) {
		t.Error("rotated AMK should differ from the pre-rotation AMK")
	}

	// Old key_id is still recoverable until explicitly deleted.
	oldHandle, err := ks.Unlock(oldID, []byte("passphrase"))
	if err != nil {
		t.Fatalf("old key_id should still unlock after rotation: %v", err)
	}
	recovered, _ := oldHandle.AMK()
	if !bytes.Equal(recovered, oldAMKCopy) {
		t.Error("old key_id's AMK should be unchanged by rotating the handle's key_id")
	}
}

func TestExportImportBackupRoundTrip(t *testing.T) {
	ks := tempStore(t)
	keyID, err := ks.Generate([]byte("passphrase"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	h, err := ks.Unlock(keyID, []byte("passphrase"))
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}
	originalAMK, _ := h.AMK()
	originalAMKCopy := append([]byte(nil), originalAMK...)

	blob, err := ks.ExportBackup(h, []byte("recovery-passphrase"))
	if err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}

	newID, err := ks.ImportBackup(blob, []byte("recovery-passphrase"))
	if err != nil {
		t.Fatalf("ImportBackup: %v", err)
	}

	restored, err := ks.Unlock(newID, []byte("recovery-passphrase"))
	if err != nil {
		t.Fatalf("Unlock restored key: %v", err)
	}
	restoredAMK, _ := restored.AMK()
	if !bytes.Equal(restoredAMK, originalAMKCopy) {
		t.Error("imported backup should recover a bit-identical AMK")
	}
}

func TestImportBackupRejectsWrongRecoveryPassphrase(t *testing.T) {
	ks := tempStore(t)
	keyID, err := ks.Generate([]byte("passphrase"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	h, err := ks.Unlock(keyID, []byte("passphrase"))
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	blob, err := ks.ExportBackup(h, []byte("recovery-passphrase"))
	if err != nil {
		t.Fatalf("ExportBackup: %v", err)
	}

	if _, err := ks.ImportBackup(blob, []byte("not-the-recovery-passphrase")); err != ErrInvalidPassphrase {
		t.Fatalf("ImportBackup with wrong passphrase err = %v, want ErrInvalidPassphrase", err)
	}
}

func TestUnlockRejectsWeakIterationCount(t *testing.T) {
	ks := tempStore(t)
	keyID, err := ks.Generate([]byte("passphrase"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	blob, err := sealAMK(bytes.Repeat([]byte{0x42}, keySize), []byte("passphrase"), 1000)
	if err != nil {
		t.Fatalf("sealAMK: %v", err)
	}
	if err := os.WriteFile(ks.path(keyID), blob, 0600); err != nil {
		t.Fatalf("overwrite key file: %v", err)
	}

	if _, err := ks.Unlock(keyID, []byte("passphrase")); err != ErrWeakIterationCount {
		t.Fatalf("err = %v, want ErrWeakIterationCount", err)
	}
}

func TestHandleReferenceCountingDeferesZeroization(t *testing.T) {
	ks := tempStore(t)
	keyID, err := ks.Generate([]byte("passphrase"))
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	h, err := ks.Unlock(keyID, []byte("passphrase"))
	if err != nil {
		t.Fatalf("Unlock: %v", err)
	}

	h.Retain()
	h.Release() // drops back to 1 outstanding reference
	if _, err := h.AMK(); err != nil {
		t.Fatalf("AMK should still be live with one reference outstanding: %v", err)
	}

	h.Release() // drops to zero, triggers zeroization
	if _, err := h.AMK(); err != ErrHandleLocked {
		t.Fatalf("AMK after final release err = %v, want ErrHandleLocked", err)
	}
}
