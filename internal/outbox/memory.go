package outbox

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"posvault/internal/engine"
)

// NewMemoryOutbox creates an outbox that keeps everything in memory.
// Queued artifacts are lost on exit; use it for tests.
func NewMemoryOutbox(clock engine.Clock, maxSize int64) *Outbox {
	return newOutbox(&memoryStore{content: make(map[string][]byte)}, clock, maxSize)
}

type memoryStore struct {
	content map[string][]byte
	items   []engine.QueuedArtifact
}

func (m *memoryStore) StoreContent(r io.Reader) (string, int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", 0, fmt.Errorf("reading content: %w", err)
	}
	sum := sha256.Sum256(data)
	checksum := hex.EncodeToString(sum[:])
	if _, ok := m.content[checksum]; !ok {
		m.content[checksum] = data
	}
	return checksum, int64(len(data)), nil
}

func (m *memoryStore) RemoveContent(checksum string) {
	delete(m.content, checksum)
}

func (m *memoryStore) OpenContent(checksum string) (io.ReadCloser, error) {
	data, ok := m.content[checksum]
	if !ok {
		return nil, fmt.Errorf("no content with checksum %s", checksum)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memoryStore) ContentSize() (int64, error) {
	var total int64
	for _, data := range m.content {
		total += int64(len(data))
	}
	return total, nil
}

func (m *memoryStore) Items() ([]engine.QueuedArtifact, error) {
	return append([]engine.QueuedArtifact(nil), m.items...), nil
}

func (m *memoryStore) Append(item engine.QueuedArtifact) error {
	m.items = append(m.items, item)
	return nil
}

func (m *memoryStore) Update(item engine.QueuedArtifact) error {
	for i := range m.items {
		if m.items[i].Name == item.Name {
			m.items[i] = item
			return nil
		}
	}
	return fmt.Errorf("artifact %s is not queued", item.Name)
}

func (m *memoryStore) Remove(name string) error {
	for i := range m.items {
		if m.items[i].Name == name {
			m.items = append(m.items[:i], m.items[i+1:]...)
			return nil
		}
	}
	return nil
}
