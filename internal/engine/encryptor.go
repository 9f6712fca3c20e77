package engine

import "io"

// Encryptor protects packaged artifacts before they leave the machine.
// Encrypting needs only the public key. Decrypting needs the passphrase
// that unlocks the private key.
type Encryptor interface {
	// Setup generates a key pair once. The private key is stored encrypted
	// under passphrase; the public key is stored as is.
	Setup(passphrase string) error

	// Encrypt reads plaintext from r and writes ciphertext to w.
	Encrypt(r io.Reader, w io.Writer) error

	// Unlock decrypts the private key with passphrase. A wrong passphrase
	// is an error.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured reports whether both key files are present.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key for one import session.
// The key stays in memory and is never written out.
type DecryptionContext interface {
	Decrypt(r io.Reader, w io.Writer) error
}
