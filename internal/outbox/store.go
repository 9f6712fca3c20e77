package outbox

import (
	"io"

	"posvault/internal/engine"
)

// store abstracts the storage mechanics of an outbox. Concurrency is
// managed by the caller (Outbox.mu), so stores need not be safe for
// concurrent use.
type store interface {
	// StoreContent reads from r, computes SHA-256, and stores the content.
	// Content already stored under the same checksum is kept as is.
	StoreContent(r io.Reader) (checksum string, size int64, err error)

	// RemoveContent removes stored content by checksum (best-effort).
	RemoveContent(checksum string)

	// OpenContent returns a reader for stored content.
	OpenContent(checksum string) (io.ReadCloser, error)

	// ContentSize returns total bytes of all stored content.
	ContentSize() (int64, error)

	// Items returns the queue in delivery order.
	Items() ([]engine.QueuedArtifact, error)

	// Append adds an item to the end of the queue.
	Append(item engine.QueuedArtifact) error

	// Update replaces the queued item with the same name.
	Update(item engine.QueuedArtifact) error

	// Remove drops the queued item with the given name. Removing a name
	// that is not queued is a no-op.
	Remove(name string) error
}
