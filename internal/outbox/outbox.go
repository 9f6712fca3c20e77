// Package outbox holds packed snapshot artifacts until a transport
// delivers them.
package outbox

import (
	"errors"
	"fmt"
	"io"
	"sync"

	"posvault/internal/engine"
)

// DefaultMaxSize is the default outbox capacity (256MB).
const DefaultMaxSize int64 = 256 * 1024 * 1024

// ErrFull reports an enqueue that would exceed the outbox capacity.
var ErrFull = errors.New("outbox full")

// Outbox implements engine.ArtifactQueue on a pluggable store. All shared
// queue logic lives here.
type Outbox struct {
	store   store
	clock   engine.Clock
	maxSize int64
	mu      sync.Mutex
}

var _ engine.ArtifactQueue = (*Outbox)(nil)

func newOutbox(s store, clock engine.Clock, maxSize int64) *Outbox {
	if maxSize <= 0 {
		maxSize = DefaultMaxSize
	}
	return &Outbox{store: s, clock: clock, maxSize: maxSize}
}

// Enqueue stores the artifact content and appends it to the queue. A name
// already queued is returned unchanged and r is not read.
func (o *Outbox) Enqueue(name string, r io.Reader) (*engine.QueuedArtifact, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	items, err := o.store.Items()
	if err != nil {
		return nil, fmt.Errorf("reading queue: %w", err)
	}
	for _, it := range items {
		if it.Name == name {
			existing := it
			return &existing, nil
		}
	}

	checksum, size, err := o.store.StoreContent(r)
	if err != nil {
		return nil, fmt.Errorf("storing content: %w", err)
	}

	total, err := o.store.ContentSize()
	if err != nil {
		o.discard(items, checksum)
		return nil, fmt.Errorf("getting current size: %w", err)
	}
	if total > o.maxSize {
		o.discard(items, checksum)
		return nil, fmt.Errorf("%w: would exceed max size of %d bytes", ErrFull, o.maxSize)
	}

	item := engine.QueuedArtifact{
		Name:     name,
		Checksum: checksum,
		Size:     size,
		QueuedAt: o.clock.Now(),
	}
	if err := o.store.Append(item); err != nil {
		o.discard(items, checksum)
		return nil, fmt.Errorf("adding to queue: %w", err)
	}
	return &item, nil
}

// ProcessNext hands the head of the queue to fn outside the lock. If fn
// succeeds the item is removed; otherwise its attempt count and last error
// are recorded and fn's error is returned.
func (o *Outbox) ProcessNext(fn engine.DeliverFunc) (bool, error) {
	o.mu.Lock()
	items, err := o.store.Items()
	if err != nil {
		o.mu.Unlock()
		return false, fmt.Errorf("reading queue: %w", err)
	}
	if len(items) == 0 {
		o.mu.Unlock()
		return false, nil
	}
	head := items[0]
	content, err := o.store.OpenContent(head.Checksum)
	o.mu.Unlock()
	if err != nil {
		return false, fmt.Errorf("content not found for %s: %w", head.Name, err)
	}

	deliverErr := fn(head, content)
	content.Close()

	o.mu.Lock()
	defer o.mu.Unlock()

	if deliverErr != nil {
		head.Attempts++
		head.LastErr = deliverErr.Error()
		if err := o.store.Update(head); err != nil {
			return true, errors.Join(deliverErr, fmt.Errorf("recording attempt: %w", err))
		}
		return true, deliverErr
	}

	if err := o.store.Remove(head.Name); err != nil {
		return true, fmt.Errorf("removing delivered artifact: %w", err)
	}
	rest, err := o.store.Items()
	if err != nil {
		return true, fmt.Errorf("reading queue: %w", err)
	}
	o.discard(rest, head.Checksum)
	return true, nil
}

// Count returns the number of queued artifacts.
func (o *Outbox) Count() (int, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	items, err := o.store.Items()
	return len(items), err
}

// List returns the queued artifacts in delivery order.
func (o *Outbox) List() ([]engine.QueuedArtifact, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store.Items()
}

// Size returns the total size of queued content in bytes.
func (o *Outbox) Size() (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.store.ContentSize()
}

// discard removes content no queued item still references.
func (o *Outbox) discard(items []engine.QueuedArtifact, checksum string) {
	for _, it := range items {
		if it.Checksum == checksum {
			return
		}
	}
	o.store.RemoveContent(checksum)
}
