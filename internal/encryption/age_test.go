package encryption

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"posvault/internal/config"
)

func newTestAgeEncryptor(t *testing.T) *AgeEncryptor {
	t.Helper()
	keys := filepath.Join(t.TempDir(), "keys")
	return NewAgeEncryptor(config.EncryptionConfig{
		PublicKeyPath:  filepath.Join(keys, "posvault.pub"),
		PrivateKeyPath: filepath.Join(keys, "posvault.key"),
	})
}

func TestAgeEncryptor_NotSetUp(t *testing.T) {
	t.Parallel()
	e := newTestAgeEncryptor(t)

	if e.IsConfigured() {
		t.Error("IsConfigured() = true without keys")
	}
	if err := e.Encrypt(bytes.NewReader([]byte("sales")), &bytes.Buffer{}); err == nil {
		t.Error("Encrypt() without keys should fail")
	}
	if _, err := e.Unlock("passphrase"); err == nil {
		t.Error("Unlock() without keys should fail")
	}
	if err := e.Setup(""); err == nil {
		t.Error("Setup(\"\") should fail")
	}
	if e.IsConfigured() {
		t.Error("IsConfigured() = true after a rejected Setup")
	}
}

func TestAgeEncryptor_Setup(t *testing.T) {
	t.Parallel()
	e := newTestAgeEncryptor(t)

	if err := e.Setup("first"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	if !e.IsConfigured() {
		t.Fatal("IsConfigured() = false after Setup")
	}

	info, err := os.Stat(e.privateKeyPath)
	if err != nil {
		t.Fatalf("stat private key: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0600 {
		t.Errorf("private key mode = %v, want 0600", perm)
	}
	key, _ := os.ReadFile(e.privateKeyPath)

	if err := e.Setup("second"); !errors.Is(err, ErrAlreadyConfigured) {
		t.Fatalf("second Setup() error = %v, want ErrAlreadyConfigured", err)
	}
	if again, _ := os.ReadFile(e.privateKeyPath); !bytes.Equal(key, again) {
		t.Error("second Setup() replaced the private key")
	}

	if _, err := e.Unlock("second"); err == nil {
		t.Error("Unlock() with the rejected passphrase should fail")
	}
	if _, err := e.Unlock("first"); err != nil {
		t.Errorf("Unlock() with the original passphrase error = %v", err)
	}
}

// One keypair for every input: Setup runs scrypt.
func TestAgeEncryptor_RoundTrip(t *testing.T) {
	t.Parallel()
	e := newTestAgeEncryptor(t)
	if err := e.Setup("till-pass"); err != nil {
		t.Fatalf("Setup() error = %v", err)
	}
	dc, err := e.Unlock("till-pass")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}

	for _, input := range [][]byte{
		[]byte("hello world"),
		{},
		{0x00, 0xff, 0x01, 0xfe},
		bytes.Repeat([]byte(`{"id":"p1","price":2}`), 5000),
	} {
		var sealed bytes.Buffer
		if err := e.Encrypt(bytes.NewReader(input), &sealed); err != nil {
			t.Fatalf("Encrypt(%d bytes) error = %v", len(input), err)
		}
		if len(input) > 0 && bytes.Contains(sealed.Bytes(), input) {
			t.Errorf("ciphertext of %d bytes contains the plaintext", len(input))
		}

		var opened bytes.Buffer
		if err := dc.Decrypt(&sealed, &opened); err != nil {
			t.Fatalf("Decrypt(%d bytes) error = %v", len(input), err)
		}
		if !bytes.Equal(opened.Bytes(), input) {
			t.Errorf("round trip returned %d bytes, want %d", opened.Len(), len(input))
		}
	}
}

func TestAgeDecryptionContext_RejectsForeignCiphertext(t *testing.T) {
	t.Parallel()
	a, b := newTestAgeEncryptor(t), newTestAgeEncryptor(t)
	for _, e := range []*AgeEncryptor{a, b} {
		if err := e.Setup("same-pass"); err != nil {
			t.Fatalf("Setup() error = %v", err)
		}
	}

	var sealed bytes.Buffer
	if err := a.Encrypt(bytes.NewReader([]byte("receipt")), &sealed); err != nil {
		t.Fatalf("Encrypt() error = %v", err)
	}
	dc, err := b.Unlock("same-pass")
	if err != nil {
		t.Fatalf("Unlock() error = %v", err)
	}
	if err := dc.Decrypt(&sealed, &bytes.Buffer{}); err == nil {
		t.Error("Decrypt() with another host's key should fail")
	}
}
