package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"posvault/internal/engine"
	"posvault/internal/model"
	"posvault/internal/testutil"
)

func backup(t *testing.T, svc *engine.Service, req engine.BuildRequest) *model.SnapshotMetadata {
	t.Helper()
	md, err := svc.CreateBackup(context.Background(), req)
	if err != nil {
		t.Fatalf("CreateBackup(%+v) error = %v", req, err)
	}
	return md
}

func TestCreateBackup_Full(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := env.Service
	ctx := context.Background()

	record(t, svc, model.ActionCreate, model.TableProducts, testutil.Product(t, "p1", "Tea", 2.5))
	record(t, svc, model.ActionCreate, model.TableCustomers, testutil.Customer(t, "c1", "Ana", "555-0101"))
	env.Assets.Put("logo.png", []byte("png"))

	md := backup(t, svc, engine.BuildRequest{Name: "opening"})
	if md.SnapshotType != model.SnapshotFull || md.ParentSnapshotUUID != "" {
		t.Errorf("snapshot = %s parent %q", md.SnapshotType, md.ParentSnapshotUUID)
	}
	if !md.IsComplete || !md.IsVerified {
		t.Error("backup must return a complete, verified snapshot")
	}
	if md.TableCounts[model.TableProducts] != 1 || md.TableCounts[model.TableCustomers] != 1 || md.TableCounts[model.TableSales] != 0 {
		t.Errorf("table counts = %v", md.TableCounts)
	}
	if md.ActionLogCount != 2 || md.EntityUUIDCount != 2 {
		t.Errorf("counts = %d entries, %d entities", md.ActionLogCount, md.EntityUUIDCount)
	}

	data, err := svc.Snapshots().Get(ctx, md.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if string(data.FileAssets["receipts/logo.png"]) != "png" {
		t.Errorf("assets = %v", data.FileAssets)
	}
	if data.Configuration.SchemaVersion != engine.LatestSchemaVersion {
		t.Errorf("configuration = %+v", data.Configuration)
	}

	ok, err := svc.VerifySnapshot(ctx, md.UUID)
	if err != nil || !ok {
		t.Errorf("VerifySnapshot() = %v, %v", ok, err)
	}

	wfs, err := svc.ListWorkflows(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(wfs) != 1 || wfs[0].Type != model.WorkflowBackup || wfs[0].Status != model.WorkflowCompleted {
		t.Fatalf("workflows = %+v", wfs)
	}
	steps, err := svc.WorkflowSteps(ctx, wfs[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	for _, s := range steps {
		if s.Status != model.StepCompleted {
			t.Errorf("step %s is %s", s.StepType, s.Status)
		}
	}
}

// Customers added between backups land in the incremental's log slice,
// and a differential collects everything since the last full snapshot.
func TestCreateBackup_IncrementalAndDifferential(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := env.Service

	record(t, svc, model.ActionCreate, model.TableCustomers, testutil.Customer(t, "c1", "Ana", "555-0101"))
	record(t, svc, model.ActionCreate, model.TableCustomers, testutil.Customer(t, "c2", "Ben", "555-0102"))
	full := backup(t, svc, engine.BuildRequest{Name: "monday"})

	env.Clock.Advance(time.Hour)
	record(t, svc, model.ActionCreate, model.TableCustomers, testutil.Customer(t, "c3", "Cy", "555-0103"))
	record(t, svc, model.ActionUpdate, model.TableCustomers, testutil.Customer(t, "c1", "Ana", "555-0199"))
	inc := backup(t, svc, engine.BuildRequest{Name: "tuesday", ParentUUID: full.UUID})

	if inc.SnapshotType != model.SnapshotIncremental || inc.ParentSnapshotUUID != full.UUID {
		t.Errorf("incremental = %s parent %q", inc.SnapshotType, inc.ParentSnapshotUUID)
	}
	if inc.ActionLogCount != 2 {
		t.Errorf("incremental entries = %d, want 2", inc.ActionLogCount)
	}
	if inc.TableCounts[model.TableCustomers] != 3 {
		t.Errorf("incremental still captures full tables, got %v", inc.TableCounts)
	}

	env.Clock.Advance(time.Hour)
	record(t, svc, model.ActionCreate, model.TableCustomers, testutil.Customer(t, "c4", "Di", "555-0104"))

	next := backup(t, svc, engine.BuildRequest{Name: "wednesday", ParentUUID: inc.UUID})
	if next.ActionLogCount != 1 {
		t.Errorf("second incremental entries = %d, want 1", next.ActionLogCount)
	}

	diff := backup(t, svc, engine.BuildRequest{Name: "wednesday diff", ParentUUID: inc.UUID, Type: model.SnapshotDifferential})
	if diff.SnapshotType != model.SnapshotDifferential {
		t.Errorf("type = %s", diff.SnapshotType)
	}
	if diff.ActionLogCount != 3 {
		t.Errorf("differential entries = %d, want 3 since the full snapshot", diff.ActionLogCount)
	}

	data, err := svc.Snapshots().Get(context.Background(), inc.UUID)
	if err != nil {
		t.Fatal(err)
	}
	for _, e := range data.ActionLog {
		if !e.Timestamp.After(full.Timestamp) {
			t.Errorf("entry %d predates the parent snapshot", e.Sequence)
		}
	}
}

func TestCreateBackup_InvalidRequests(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := env.Service
	ctx := context.Background()

	if _, err := svc.CreateBackup(ctx, engine.BuildRequest{ParentUUID: "missing"}); !errors.Is(err, engine.ErrParentNotFound) {
		t.Errorf("missing parent: err = %v, want ErrParentNotFound", err)
	}
	if _, err := svc.CreateBackup(ctx, engine.BuildRequest{Type: model.SnapshotIncremental}); err == nil {
		t.Error("incremental without parent should fail")
	}
	full := backup(t, svc, engine.BuildRequest{Name: "base"})
	if _, err := svc.CreateBackup(ctx, engine.BuildRequest{Type: model.SnapshotFull, ParentUUID: full.UUID}); err == nil {
		t.Error("full snapshot naming a parent should fail")
	}
	if _, err := svc.CreateBackup(ctx, engine.BuildRequest{Type: "WEEKLY"}); err == nil {
		t.Error("unknown type should fail")
	}
}

func TestCreateBackup_RetriesTransientCaptureFailure(t *testing.T) {
	env := testutil.NewEnv(t)
	record(t, env.Service, model.ActionCreate, model.TableProducts, testutil.Product(t, "p1", "Tea", 2.5))
	env.Tables.SetFault(testutil.FailTimes(testutil.OpReadAll, "", 1, errors.New("i/o timeout")))

	md := backup(t, env.Service, engine.BuildRequest{Name: "flaky"})
	if !md.IsComplete {
		t.Error("backup should complete after a retry")
	}
	if sleeps := env.Sleeper.Sleeps(); len(sleeps) != 1 || sleeps[0] != time.Second {
		t.Errorf("sleeps = %v, want [1s]", sleeps)
	}
}

// A running backup holds both the backup lock and the table guard: a
// second backup is refused and writes wait until the capture is done.
func TestCreateBackup_LockExclusion(t *testing.T) {
	blocking := testutil.NewBlockingAssetStore("slow")
	env := testutil.NewEnv(t, func(o *engine.Options) {
		o.Assets = []engine.AssetStore{blocking}
	})
	svc := env.Service
	ctx := context.Background()
	record(t, svc, model.ActionCreate, model.TableProducts, testutil.Product(t, "p1", "Tea", 2.5))

	type result struct {
		md  *model.SnapshotMetadata
		err error
	}
	first := make(chan result, 1)
	go func() {
		md, err := svc.CreateBackup(ctx, engine.BuildRequest{Name: "first"})
		first <- result{md, err}
	}()
	select {
	case <-blocking.Entered():
	case <-time.After(5 * time.Second):
		t.Fatal("backup never reached capture")
	}

	if _, err := svc.CreateBackup(ctx, engine.BuildRequest{Name: "second"}); !errors.Is(err, engine.ErrLockContention) {
		t.Errorf("second backup err = %v, want ErrLockContention", err)
	}

	written := make(chan error, 1)
	go func() {
		_, err := svc.Record(ctx, engine.Mutation{Action: model.ActionCreate, Table: model.TableProducts, Data: testutil.Product(t, "p2", "Coffee", 3)})
		written <- err
	}()
	select {
	case err := <-written:
		t.Fatalf("write landed during capture (err = %v)", err)
	case <-time.After(50 * time.Millisecond):
	}

	blocking.Release()
	res := <-first
	if res.err != nil {
		t.Fatalf("first backup: %v", res.err)
	}
	if err := <-written; err != nil {
		t.Fatalf("blocked write: %v", err)
	}
	if res.md.TableCounts[model.TableProducts] != 1 || res.md.ActionLogCount != 1 {
		t.Errorf("snapshot saw the concurrent write: %+v", res.md)
	}

	wfs, err := svc.ListWorkflows(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(wfs) != 1 {
		t.Errorf("contended backup left a workflow behind: %d workflows", len(wfs))
	}
}

func TestSnapshots_TamperDetection(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := env.Service
	ctx := context.Background()
	record(t, svc, model.ActionCreate, model.TableProducts, testutil.Product(t, "p1", "Tea", 2.5))
	md := backup(t, svc, engine.BuildRequest{Name: "base"})

	if _, err := env.DB.DB().Exec(
		`UPDATE snapshots SET table_data = replace(table_data, 'Tea', 'Tee') WHERE uuid = ?`, md.UUID); err != nil {
		t.Fatal(err)
	}

	ok, err := svc.VerifySnapshot(ctx, md.UUID)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("tampered snapshot verified")
	}

	wf, err := svc.Restore(ctx, md.UUID)
	if !errors.Is(err, engine.ErrIntegrity) {
		t.Fatalf("Restore() err = %v, want ErrIntegrity", err)
	}
	if wf.Status != model.WorkflowFailed {
		t.Errorf("restore status = %s", wf.Status)
	}
	row, err := env.Tables.Get(ctx, model.TableProducts, "p1")
	if err != nil || row == nil {
		t.Fatalf("tables were touched by a rejected restore: %v", err)
	}

	steps, err := svc.WorkflowSteps(ctx, wf.ID)
	if err != nil {
		t.Fatal(err)
	}
	if steps[0].RetryCount != 1 {
		t.Errorf("integrity failures must not be retried, got %d attempts", steps[0].RetryCount)
	}
}

func TestSnapshots_DeleteProtectsParents(t *testing.T) {
	env := testutil.NewEnv(t)
	svc := env.Service
	ctx := context.Background()

	full := backup(t, svc, engine.BuildRequest{Name: "base"})
	env.Clock.Advance(time.Minute)
	inc := backup(t, svc, engine.BuildRequest{Name: "delta", ParentUUID: full.UUID})

	if err := svc.DeleteSnapshot(ctx, full.UUID); !errors.Is(err, engine.ErrSnapshotHasChildren) {
		t.Fatalf("delete parent err = %v, want ErrSnapshotHasChildren", err)
	}
	if err := svc.DeleteSnapshot(ctx, inc.UUID); err != nil {
		t.Fatalf("delete child: %v", err)
	}
	if err := svc.DeleteSnapshot(ctx, full.UUID); err != nil {
		t.Fatalf("delete parent after child: %v", err)
	}
	if err := svc.DeleteSnapshot(ctx, full.UUID); !errors.Is(err, engine.ErrSnapshotNotFound) {
		t.Errorf("second delete err = %v, want ErrSnapshotNotFound", err)
	}

	list, err := svc.ListSnapshots(ctx)
	if err != nil || len(list) != 0 {
		t.Errorf("ListSnapshots() = %v, %v", list, err)
	}
}

func TestSnapshots_IncompleteIsNeverRead(t *testing.T) {
	env := testutil.NewEnv(t)
	ctx := context.Background()

	enc, err := engine.EncodeSnapshot(sampleSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if err := env.DB.SaveSnapshot(ctx, enc); err != nil {
		t.Fatal(err)
	}

	if _, err := env.Service.Snapshots().Get(ctx, enc.Metadata.UUID); !errors.Is(err, engine.ErrSnapshotIncomplete) {
		t.Errorf("Get() err = %v, want ErrSnapshotIncomplete", err)
	}
	if _, err := env.Service.CreateBackup(ctx, engine.BuildRequest{ParentUUID: enc.Metadata.UUID}); !errors.Is(err, engine.ErrParentNotFound) {
		t.Errorf("incomplete parent err = %v, want ErrParentNotFound", err)
	}
	if _, err := env.Service.Restore(ctx, enc.Metadata.UUID); !errors.Is(err, engine.ErrSnapshotIncomplete) {
		t.Errorf("Restore() err = %v, want ErrSnapshotIncomplete", err)
	}
}
