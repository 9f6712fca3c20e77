package engine

import (
	"context"
	"fmt"

	"posvault/internal/model"
)

// SnapshotStore reads persisted snapshots and checks their integrity.
// Incomplete snapshots are never handed out.
type SnapshotStore struct {
	db     Database
	logger Logger
}

// NewSnapshotStore creates a SnapshotStore backed by db.
func NewSnapshotStore(db Database, logger Logger) *SnapshotStore {
	return &SnapshotStore{db: db, logger: logger}
}

// load returns the encoded snapshot, or ErrSnapshotNotFound.
func (s *SnapshotStore) load(ctx context.Context, uuid string) (*EncodedSnapshot, error) {
	enc, err := s.db.FindSnapshot(ctx, uuid)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if enc == nil {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotNotFound, uuid)
	}
	return enc, nil
}

// Get returns a complete snapshot. It does not recompute the checksum;
// call Verify for that.
func (s *SnapshotStore) Get(ctx context.Context, uuid string) (*model.SnapshotData, error) {
	enc, err := s.load(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if !enc.Metadata.IsComplete || !enc.Metadata.IsVerified {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotIncomplete, uuid)
	}
	data, err := enc.Decode()
	if err != nil {
		return nil, fmt.Errorf("decoding snapshot %s: %w", uuid, err)
	}
	return data, nil
}

// Verify recomputes the digest over the stored content and compares it to
// the recorded checksum.
func (s *SnapshotStore) Verify(ctx context.Context, uuid string) (bool, error) {
	enc, err := s.load(ctx, uuid)
	if err != nil {
		return false, err
	}
	ok := enc.Verify()
	if !ok {
		s.logger.Warn("snapshot checksum mismatch", "snapshot", uuid)
	}
	return ok, nil
}

// Metadata returns the metadata of a snapshot, complete or not.
func (s *SnapshotStore) Metadata(ctx context.Context, uuid string) (*model.SnapshotMetadata, error) {
	enc, err := s.load(ctx, uuid)
	if err != nil {
		return nil, err
	}
	md := enc.Metadata
	return &md, nil
}

// Encoded returns the stored serialized form of a complete snapshot.
func (s *SnapshotStore) Encoded(ctx context.Context, uuid string) (*EncodedSnapshot, error) {
	enc, err := s.load(ctx, uuid)
	if err != nil {
		return nil, err
	}
	if !enc.Metadata.IsComplete {
		return nil, fmt.Errorf("%w: %s", ErrSnapshotIncomplete, uuid)
	}
	return enc, nil
}

// List returns the metadata of every snapshot, oldest first.
func (s *SnapshotStore) List(ctx context.Context) ([]*model.SnapshotMetadata, error) {
	list, err := s.db.ListSnapshots(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return list, nil
}

// Latest returns the newest complete snapshot, or nil when there is none.
func (s *SnapshotStore) Latest(ctx context.Context) (*model.SnapshotMetadata, error) {
	list, err := s.List(ctx)
	if err != nil {
		return nil, err
	}
	for i := len(list) - 1; i >= 0; i-- {
		if list[i].IsComplete && list[i].IsVerified {
			return list[i], nil
		}
	}
	return nil, nil
}

// Delete removes a snapshot. Snapshots that are the parent of another
// snapshot are kept so delta provenance stays resolvable.
func (s *SnapshotStore) Delete(ctx context.Context, uuid string) error {
	if _, err := s.load(ctx, uuid); err != nil {
		return err
	}
	n, err := s.db.CountSnapshotChildren(ctx, uuid)
	if err != nil {
		return fmt.Errorf("counting children: %w", err)
	}
	if n > 0 {
		return fmt.Errorf("%w: %s has %d", ErrSnapshotHasChildren, uuid, n)
	}
	if err := s.db.DeleteSnapshot(ctx, uuid); err != nil {
		return fmt.Errorf("deleting snapshot: %w", err)
	}
	s.logger.Info("snapshot deleted", "snapshot", uuid)
	return nil
}

// Import stores a snapshot produced elsewhere. The content must match its
// checksum; it then goes through the same two-phase commit as a local build.
func (s *SnapshotStore) Import(ctx context.Context, enc *EncodedSnapshot) (*model.SnapshotMetadata, error) {
	if !enc.Verify() {
		return nil, fmt.Errorf("%w: %s", ErrIntegrity, enc.Metadata.UUID)
	}
	existing, err := s.db.FindSnapshot(ctx, enc.Metadata.UUID)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot: %w", err)
	}
	if existing != nil && existing.Metadata.IsComplete {
		if existing.Metadata.Checksum != enc.Metadata.Checksum {
			return nil, fmt.Errorf("snapshot %s already exists with different content", enc.Metadata.UUID)
		}
		md := existing.Metadata
		return &md, nil
	}
	if p := enc.Metadata.ParentSnapshotUUID; p != "" {
		parent, err := s.db.FindSnapshot(ctx, p)
		if err != nil {
			return nil, fmt.Errorf("loading parent: %w", err)
		}
		if parent == nil {
			s.logger.Warn("imported snapshot parent is not present locally", "snapshot", enc.Metadata.UUID, "parent", p)
		}
	}

	staged := *enc
	staged.Metadata.IsComplete = false
	staged.Metadata.IsVerified = false
	if err := s.db.SaveSnapshot(ctx, &staged); err != nil {
		return nil, fmt.Errorf("saving snapshot: %w", err)
	}
	if err := commitSnapshot(ctx, s.db, enc.Metadata.UUID); err != nil {
		return nil, err
	}
	return s.Metadata(ctx, enc.Metadata.UUID)
}

// commitSnapshot recomputes the digest on the persisted copy and, only if it
// matches, flags the snapshot complete and verified.
func commitSnapshot(ctx context.Context, db Database, uuid string) error {
	stored, err := db.FindSnapshot(ctx, uuid)
	if err != nil {
		return fmt.Errorf("reloading snapshot: %w", err)
	}
	if stored == nil {
		return fmt.Errorf("%w: %s", ErrSnapshotNotFound, uuid)
	}
	if stored.Metadata.IsComplete {
		return nil
	}
	if !stored.Verify() {
		return fmt.Errorf("%w: %s", ErrIntegrity, uuid)
	}
	if err := db.MarkSnapshotVerified(ctx, uuid); err != nil {
		return fmt.Errorf("marking snapshot verified: %w", err)
	}
	return nil
}
