package engine_test

import (
	"context"
	"errors"
	"io"
	"testing"

	"posvault/internal/engine"
	"posvault/internal/model"
	"posvault/internal/testutil"
)

type offlineTransport struct{}

func (offlineTransport) Submit(context.Context, engine.Artifact) (engine.Ack, error) {
	return engine.Ack{}, errors.New("network unreachable")
}
func (offlineTransport) Fetch(context.Context, string, io.Writer) error {
	return errors.New("network unreachable")
}
func (offlineTransport) List(context.Context) ([]string, error) {
	return nil, errors.New("network unreachable")
}

func TestQueue_BackupIsQueuedAndDelivered(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := env.Service
	ctx := context.Background()
	seedShop(t, svc)
	md := backup(t, svc, engine.BuildRequest{Name: "close"})

	pending, err := svc.Outbox()
	if err != nil {
		t.Fatal(err)
	}
	if len(pending) != 1 || pending[0].Name != engine.ArtifactName(md.UUID) {
		t.Fatalf("outbox = %+v", pending)
	}
	art, err := svc.ExportSnapshot(ctx, md.UUID)
	if err != nil {
		t.Fatalf("ExportSnapshot() error = %v", err)
	}
	if pending[0].Checksum != testutil.SHA256Hex(art) || pending[0].Size != int64(len(art)) {
		t.Errorf("queued %s/%d, want checksum and size of the exported artifact", pending[0].Checksum, pending[0].Size)
	}

	res, err := svc.FlushOutbox(ctx)
	if err != nil {
		t.Fatalf("FlushOutbox() error = %v", err)
	}
	if res.Delivered != 1 || res.Remaining != 0 {
		t.Errorf("flush = %+v", res)
	}
	stored, err := env.Vault.ListArtifacts(ctx, testutil.TestHostID)
	if err != nil || len(stored) != 1 || stored[0] != engine.ArtifactName(md.UUID) {
		t.Errorf("vault = %v, %v", stored, err)
	}
	remote, err := svc.RemoteArtifacts(ctx)
	if err != nil || len(remote) != 1 {
		t.Errorf("RemoteArtifacts() = %v, %v", remote, err)
	}

	// a second till restores from the vault
	other := testutil.NewEnv(t, func(o *engine.Options) {
		o.Transport = testutil.NewTestTransport(t, env.Clock, env.Vault)
	})
	imported, err := other.Service.ImportArtifact(ctx, engine.ArtifactName(md.UUID), nil)
	if err != nil {
		t.Fatalf("ImportArtifact() error = %v", err)
	}
	if imported.Checksum != md.Checksum || !imported.IsComplete {
		t.Errorf("imported = %+v", imported)
	}
	if _, err := other.Service.Restore(ctx, md.UUID); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	assertSameState(t, tableState(t, other.Tables), tableState(t, env.Tables))
}

func TestQueue_FailedDeliveryStaysQueued(t *testing.T) {
	env := testutil.NewEnv(t, func(o *engine.Options) { o.Transport = offlineTransport{} })
	svc := env.Service
	ctx := context.Background()
	md := backup(t, svc, engine.BuildRequest{Name: "offline"})

	res, err := svc.FlushOutbox(ctx)
	if err == nil {
		t.Fatal("expected delivery error")
	}
	if res.Delivered != 0 || res.Remaining != 1 {
		t.Errorf("flush = %+v", res)
	}
	pending, _ := svc.Outbox()
	if len(pending) != 1 || pending[0].Attempts != 1 || pending[0].LastErr == "" {
		t.Errorf("outbox = %+v", pending)
	}

	// the snapshot itself is unaffected
	ok, err := svc.VerifySnapshot(ctx, md.UUID)
	if err != nil || !ok {
		t.Errorf("VerifySnapshot() = %v, %v", ok, err)
	}
}

func TestQueue_FailedWorkflowsAreNotQueued(t *testing.T) {
	env := testutil.NewEnv(t)
	env.Tables.SetFault(func(op, table string) error {
		if op == testutil.OpReadAll {
			return engine.Fatal(errors.New("corrupt table"))
		}
		return nil
	})
	if _, err := env.Service.CreateBackup(context.Background(), engine.BuildRequest{Name: "broken"}); err == nil {
		t.Fatal("expected backup failure")
	}
	if n, _ := env.Outbox.Count(); n != 0 {
		t.Errorf("outbox has %d items after a failed backup", n)
	}
}

func TestExportImport_Encrypted(t *testing.T) {
	packer, enc := testutil.NewSealedPacker(t, "hunter2")

	src := testutil.NewEnv(t, func(o *engine.Options) { o.Packer = packer })
	seedShop(t, src.Service)
	md := backup(t, src.Service, engine.BuildRequest{Name: "sealed"})
	ctx := context.Background()

	data, err := src.Service.ExportSnapshot(ctx, md.UUID)
	if err != nil {
		t.Fatal(err)
	}

	dst := testutil.NewEnv(t, func(o *engine.Options) { o.Packer = packer })
	if _, err := dst.Service.ImportSnapshot(ctx, data, nil); err == nil {
		t.Fatal("importing an encrypted artifact without a key should fail")
	}
	dc, err := enc.Unlock("hunter2")
	if err != nil {
		t.Fatal(err)
	}
	got, err := dst.Service.ImportSnapshot(ctx, data, dc)
	if err != nil {
		t.Fatalf("ImportSnapshot() error = %v", err)
	}
	if got.Checksum != md.Checksum || got.SnapshotType != model.SnapshotFull {
		t.Errorf("imported = %+v", got)
	}

	// importing the same artifact again is a no-op
	if _, err := dst.Service.ImportSnapshot(ctx, data, dc); err != nil {
		t.Errorf("re-import error = %v", err)
	}
}

func TestNewService_RequiresPackerForQueue(t *testing.T) {
	_, err := engine.NewService(engine.Options{
		Database: testutil.NewTestDatabase(t),
		Tables:   testutil.NewMemoryTables(),
		Queue:    testutil.NewTestOutbox(testutil.FixedClock()),
	})
	if err == nil {
		t.Error("expected error")
	}
}
