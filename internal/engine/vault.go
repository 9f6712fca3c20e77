package engine

import (
	"context"
	"io"
)

// Vault is a remote sink for packaged snapshot artifacts. Artifacts are
// grouped per host so several tills can share one bucket or directory.
type Vault interface {
	// Name identifies the vault in config and logs.
	Name() string

	// PutArtifact stores size bytes read from r under hostID/name.
	// Storing the same name twice overwrites it.
	PutArtifact(ctx context.Context, hostID, name string, r io.Reader, size int64) error

	// GetArtifact writes the artifact to w.
	GetArtifact(ctx context.Context, hostID, name string, w io.Writer) error

	// ListArtifacts returns the artifact names stored for hostID, sorted.
	ListArtifacts(ctx context.Context, hostID string) ([]string, error)

	// ValidateSetup checks that the vault is reachable and writable.
	ValidateSetup(ctx context.Context) error
}
