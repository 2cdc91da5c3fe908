package backup

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestGenerateSalt(t *testing.T) {
	salt1, err := GenerateSalt()
	if err != nil {
		t.Fatalf("generate salt: %v", err)
	}
	if len(salt1) != saltSize {
		t.Errorf("salt length = %d, want %d", len(salt1), saltSize)
	}

	salt2, _ := GenerateSalt()
	if bytes.Equal(salt1, salt2) {
		t.Error("two salts should not be equal")
	}
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("1234567890abcdef")

	key1 := DeriveKey("mypassphrase", salt)
	key2 := DeriveKey("mypassphrase", salt)
	if !bytes.Equal(key1, key2) {
		t.Error("same passphrase+salt should produce same key")
	}
	if len(key1) != keySize {
		t.Errorf("key length = %d, want %d", len(key1), keySize)
	}
	if bytes.Equal(key1, DeriveKey("other", salt)) {
		t.Error("different passphrases should produce different keys")
	}
}

func TestSealOpen(t *testing.T) {
	plaintext := []byte("balances and redemptions")

	sealed, err := Seal(plaintext, "correct horse")
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if !bytes.HasPrefix(sealed, magic) {
		t.Error("sealed data should start with the backup magic")
	}
	if bytes.Contains(sealed, plaintext) {
		t.Error("sealed data contains the plaintext")
	}

	again, _ := Seal(plaintext, "correct horse")
	if bytes.Equal(sealed, again) {
		t.Error("two seals of the same data should differ")
	}

	got, err := Open(sealed, "correct horse")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Errorf("open = %q, want %q", got, plaintext)
	}
}

func TestOpenRejects(t *testing.T) {
	sealed, err := Seal([]byte("data"), "pass")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := Open(sealed, "wrong"); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("wrong passphrase: err = %v, want ErrBadPassphrase", err)
	}

	tampered := bytes.Clone(sealed)
	tampered[len(tampered)-1] ^= 0xff
	if _, err := Open(tampered, "pass"); !errors.Is(err, ErrBadPassphrase) {
		t.Errorf("tampered: err = %v, want ErrBadPassphrase", err)
	}

	if _, err := Open([]byte("SQLite format 3"), "pass"); err == nil {
		t.Error("expected error for unencrypted data")
	}
	if _, err := Open(magic, "pass"); err == nil {
		t.Error("expected error for truncated data")
	}
	if _, err := Seal([]byte("x"), ""); err == nil {
		t.Error("expected error for empty passphrase")
	}
}

func TestEncryptDecryptFile(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "plain.db")
	enc := filepath.Join(dir, "plain.db.enc")
	dec := filepath.Join(dir, "restored.db")

	want := bytes.Repeat([]byte("page"), 4096)
	if err := os.WriteFile(src, want, 0600); err != nil {
		t.Fatal(err)
	}
	if err := EncryptFile(src, enc, "pass"); err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if err := DecryptFile(enc, dec, "pass"); err != nil {
		t.Fatalf("decrypt: %v", err)
	}
	got, _ := os.ReadFile(dec)
	if !bytes.Equal(got, want) {
		t.Error("decrypted file does not match source")
	}
}
