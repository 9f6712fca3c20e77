package engine

import (
	"context"

	"posvault/internal/model"
)

// TableStore is the data source behind the tracked tables. The engine is
// agnostic to the storage technology behind it.
type TableStore interface {
	// ReadAll returns every row of a table ordered by row ID.
	ReadAll(ctx context.Context, table string) ([]model.Row, error)

	// Clear removes every row of a table.
	Clear(ctx context.Context, table string) error

	// BulkInsert inserts rows atomically: either all rows land or none do.
	BulkInsert(ctx context.Context, table string, rows []model.Row) error

	// Get returns a row by ID, or nil if it does not exist.
	Get(ctx context.Context, table, id string) (*model.Row, error)

	// Insert adds a new row. Inserting an existing ID is an error.
	Insert(ctx context.Context, table string, row model.Row) error

	// Put overwrites an existing row in full.
	Put(ctx context.Context, table string, row model.Row) error

	// Delete removes a row. Deleting a missing row is a no-op.
	Delete(ctx context.Context, table, id string) error

	// Count returns the number of rows in a table.
	Count(ctx context.Context, table string) (int64, error)
}

// AssetStore is one source of opaque file assets captured with a snapshot.
// The engine never interprets the blobs.
type AssetStore interface {
	// Name identifies the store; asset keys in a snapshot are "<name>/<key>".
	Name() string

	// ReadAll returns every asset keyed by its store-relative key.
	ReadAll(ctx context.Context) (map[string][]byte, error)

	// WriteAll writes assets back, replacing existing blobs with the same key.
	WriteAll(ctx context.Context, assets map[string][]byte) error
}
