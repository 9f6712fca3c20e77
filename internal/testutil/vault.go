package testutil

import (
	"testing"

	"posvault/internal/engine"
	"posvault/internal/outbox"
	"posvault/internal/vault"
)

// DefaultOutboxMaxSize is the default max size for test outboxes (10MB).
const DefaultOutboxMaxSize = 10 * 1024 * 1024

// TestHostID is the host the test transport delivers for.
const TestHostID = "till-1"

// NewTestVault creates a new in-memory vault for testing.
func NewTestVault() *vault.MemoryVault {
	return vault.NewMemoryVault("test-vault")
}

// NewTestOutbox creates a new in-memory outbox for testing.
func NewTestOutbox(clock engine.Clock) *outbox.Outbox {
	return outbox.NewMemoryOutbox(clock, DefaultOutboxMaxSize)
}

// NewTestTransport delivers to the given vaults as TestHostID.
func NewTestTransport(t *testing.T, clock engine.Clock, vaults ...engine.Vault) *vault.Transport {
	t.Helper()
	tr, err := vault.NewTransport(TestHostID, vaults, clock)
	if err != nil {
		t.Fatalf("creating transport: %v", err)
	}
	return tr
}
