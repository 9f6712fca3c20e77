package testutil

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"posvault/internal/artifact"
	"posvault/internal/encryption"
)

// SHA256Hex is the artifact checksum format shared by the outbox and the vaults.
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// NewSealedPacker returns a packer that encrypts with a test encryptor whose
// passphrase has been set to passphrase. The encryptor is returned so tests
// can unlock it for import.
func NewSealedPacker(t *testing.T, passphrase string) (*artifact.Packer, *encryption.TestEncryptor) {
	t.Helper()
	enc := encryption.NewTestEncryptor()
	if err := enc.Setup(passphrase); err != nil {
		t.Fatalf("setting up test encryptor: %v", err)
	}
	return artifact.NewPacker(enc, artifact.LevelDefault), enc
}
