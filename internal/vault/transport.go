package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	"posvault/internal/engine"
)

// Transport delivers artifacts to every configured vault. An artifact
// counts as delivered only once all vaults hold it; re-submitting after a
// partial failure overwrites the copies that already landed.
type Transport struct {
	hostID string
	vaults []engine.Vault
	clock  engine.Clock
}

var _ engine.Transport = (*Transport)(nil)

// NewTransport creates a transport for hostID over vaults.
func NewTransport(hostID string, vaults []engine.Vault, clock engine.Clock) (*Transport, error) {
	if len(vaults) == 0 {
		return nil, fmt.Errorf("transport needs at least one vault")
	}
	return &Transport{hostID: hostID, vaults: vaults, clock: clock}, nil
}

// Submit uploads the artifact to each vault in turn. The body is buffered
// once so every vault receives the same bytes.
func (t *Transport) Submit(ctx context.Context, a engine.Artifact) (engine.Ack, error) {
	data, err := io.ReadAll(a.Body)
	if err != nil {
		return engine.Ack{}, fmt.Errorf("reading artifact %s: %w", a.Name, err)
	}
	if int64(len(data)) != a.Size {
		return engine.Ack{}, fmt.Errorf("artifact %s: size mismatch: expected %d bytes, got %d", a.Name, a.Size, len(data))
	}
	if a.Checksum != "" {
		sum := sha256.Sum256(data)
		if got := hex.EncodeToString(sum[:]); got != a.Checksum {
			return engine.Ack{}, fmt.Errorf("artifact %s: checksum mismatch: expected %s, got %s", a.Name, a.Checksum, got)
		}
	}

	locations := make([]string, 0, len(t.vaults))
	for _, v := range t.vaults {
		if err := v.PutArtifact(ctx, t.hostID, a.Name, bytes.NewReader(data), a.Size); err != nil {
			return engine.Ack{}, fmt.Errorf("vault %s: %w", v.Name(), err)
		}
		locations = append(locations, v.Name()+":"+t.hostID+"/"+a.Name)
	}
	return engine.Ack{Location: strings.Join(locations, ","), DeliveredAt: t.clock.Now()}, nil
}

// Fetch reads the artifact from the first vault that has it.
func (t *Transport) Fetch(ctx context.Context, name string, w io.Writer) error {
	var errs []error
	for _, v := range t.vaults {
		var buf bytes.Buffer
		err := v.GetArtifact(ctx, t.hostID, name, &buf)
		if err == nil {
			_, err = buf.WriteTo(w)
			return err
		}
		errs = append(errs, fmt.Errorf("vault %s: %w", v.Name(), err))
	}
	return fmt.Errorf("fetching %s: %w", name, errors.Join(errs...))
}

// List returns the union of artifact names across vaults, sorted.
func (t *Transport) List(ctx context.Context) ([]string, error) {
	seen := make(map[string]bool)
	for _, v := range t.vaults {
		names, err := v.ListArtifacts(ctx, t.hostID)
		if err != nil {
			return nil, fmt.Errorf("vault %s: %w", v.Name(), err)
		}
		for _, n := range names {
			seen[n] = true
		}
	}
	out := make([]string, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}
