package testutil

import (
	"context"
	"sync"

	"posvault/internal/engine"
)

// BlockingAssetStore blocks ReadAll until Release is called. Used to hold a
// backup in its capture step.
type BlockingAssetStore struct {
	name    string
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

var _ engine.AssetStore = (*BlockingAssetStore)(nil)

func NewBlockingAssetStore(name string) *BlockingAssetStore {
	return &BlockingAssetStore{
		name:    name,
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
}

func (b *BlockingAssetStore) Name() string { return b.name }

// Entered is signalled each time ReadAll starts waiting.
func (b *BlockingAssetStore) Entered() <-chan struct{} { return b.entered }

// Release unblocks every current and future ReadAll.
func (b *BlockingAssetStore) Release() {
	b.once.Do(func() { close(b.release) })
}

func (b *BlockingAssetStore) ReadAll(ctx context.Context) (map[string][]byte, error) {
	select {
	case b.entered <- struct{}{}:
	default:
	}
	select {
	case <-b.release:
		return map[string][]byte{}, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (b *BlockingAssetStore) WriteAll(context.Context, map[string][]byte) error {
	return nil
}
