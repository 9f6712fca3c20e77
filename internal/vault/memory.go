package vault

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sort"
	"sync"

	"posvault/internal/engine"
)

// MemoryVault keeps artifacts in memory. Useful for testing.
// This implementation is safe for concurrent use.
type MemoryVault struct {
	name      string
	artifacts map[string][]byte // "hostID/name" -> packed artifact
	mu        sync.RWMutex
}

// NewMemoryVault creates a new in-memory vault with the given name.
func NewMemoryVault(name string) *MemoryVault {
	return &MemoryVault{
		name:      name,
		artifacts: make(map[string][]byte),
	}
}

func artifactKey(hostID, name string) string {
	return hostID + "/" + name
}

func (m *MemoryVault) Name() string { return m.name }

// PutArtifact stores an artifact, replacing any previous one with the same name.
func (m *MemoryVault) PutArtifact(_ context.Context, hostID, name string, r io.Reader, size int64) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return fmt.Errorf("failed to read artifact: %w", err)
	}
	if int64(len(data)) != size {
		return fmt.Errorf("size mismatch: expected %d bytes, got %d", size, len(data))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.artifacts[artifactKey(hostID, name)] = data
	return nil
}

func (m *MemoryVault) GetArtifact(_ context.Context, hostID, name string, w io.Writer) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.artifacts[artifactKey(hostID, name)]
	if !ok {
		return fmt.Errorf("artifact %q not found for host: %s", name, hostID)
	}
	if _, err := io.Copy(w, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("failed to write artifact: %w", err)
	}
	return nil
}

func (m *MemoryVault) ListArtifacts(_ context.Context, hostID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	prefix := hostID + "/"
	names := []string{}
	for key := range m.artifacts {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			names = append(names, key[len(prefix):])
		}
	}
	sort.Strings(names)
	return names, nil
}

// ValidateSetup always succeeds for in-memory vault.
func (m *MemoryVault) ValidateSetup(context.Context) error {
	return nil
}

var _ engine.Vault = (*MemoryVault)(nil)
