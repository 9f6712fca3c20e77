package engine_test

import (
	"bytes"
	"testing"
	"time"

	"posvault/internal/engine"
	"posvault/internal/model"
)

func sampleSnapshot() *model.SnapshotData {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	return &model.SnapshotData{
		Metadata: model.SnapshotMetadata{
			UUID:          "snap-1",
			Name:          "nightly",
			Timestamp:     ts,
			SchemaVersion: engine.LatestSchemaVersion,
			SnapshotType:  model.SnapshotFull,
			TableCounts:   map[string]int64{model.TableProducts: 1},
			IsComplete:    true,
			IsVerified:    true,
		},
		EntityUUIDs: []model.EntityUUID{{LocalID: "p1", UUID: "e-1", Table: model.TableProducts, CreatedAt: ts, UpdatedAt: ts, Version: 1}},
		TableData: map[string][]model.Row{
			model.TableProducts: {{ID: "p1", Data: []byte(`{"id":"p1","name":"Tea","price":2.5}`)}},
		},
		Configuration: model.Configuration{SchemaVersion: engine.LatestSchemaVersion, Tables: model.Tables()},
		FileAssets:    map[string][]byte{"receipts/logo.png": {0x89, 'P', 'N', 'G'}},
	}
}

func TestEncodeSnapshot(t *testing.T) {
	enc, err := engine.EncodeSnapshot(sampleSnapshot())
	if err != nil {
		t.Fatalf("EncodeSnapshot() error = %v", err)
	}
	if enc.Metadata.IsComplete || enc.Metadata.IsVerified {
		t.Error("encoding must clear the completion flags")
	}
	if len(enc.Metadata.Checksum) != 64 {
		t.Errorf("checksum %q is not hex SHA-256", enc.Metadata.Checksum)
	}
	if enc.Metadata.Size == 0 {
		t.Error("size not set")
	}
	if !enc.Verify() {
		t.Error("fresh encoding should verify")
	}

	again, err := engine.EncodeSnapshot(sampleSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	if again.Metadata.Checksum != enc.Metadata.Checksum {
		t.Error("encoding is not deterministic")
	}
}

func TestEncodedSnapshot_VerifyDetectsTampering(t *testing.T) {
	tamper := map[string]func(e *engine.EncodedSnapshot){
		"table data":    func(e *engine.EncodedSnapshot) { e.TableData = bytes.Replace(e.TableData, []byte("Tea"), []byte("Tee"), 1) },
		"entity uuids":  func(e *engine.EncodedSnapshot) { e.EntityUUIDs = bytes.Replace(e.EntityUUIDs, []byte("e-1"), []byte("e-2"), 1) },
		"action log":    func(e *engine.EncodedSnapshot) { e.ActionLog = []byte(`[{}]`) },
		"configuration": func(e *engine.EncodedSnapshot) { e.Configuration = append(e.Configuration, ' ') },
		"file assets":   func(e *engine.EncodedSnapshot) { e.FileAssets = []byte(`{}`) },
		"name":          func(e *engine.EncodedSnapshot) { e.Metadata.Name = "renamed" },
		"parent":        func(e *engine.EncodedSnapshot) { e.Metadata.ParentSnapshotUUID = "other" },
		"counts":        func(e *engine.EncodedSnapshot) { e.Metadata.TableCounts[model.TableProducts] = 9 },
		"timestamp":     func(e *engine.EncodedSnapshot) { e.Metadata.Timestamp = e.Metadata.Timestamp.Add(time.Second) },
	}
	for name, fn := range tamper {
		t.Run(name, func(t *testing.T) {
			enc, err := engine.EncodeSnapshot(sampleSnapshot())
			if err != nil {
				t.Fatal(err)
			}
			fn(enc)
			if enc.Verify() {
				t.Error("tampered snapshot verified")
			}
		})
	}
}

func TestEncodedSnapshot_VerifyIgnoresFlags(t *testing.T) {
	enc, err := engine.EncodeSnapshot(sampleSnapshot())
	if err != nil {
		t.Fatal(err)
	}
	enc.Metadata.IsComplete = true
	enc.Metadata.IsVerified = true
	if !enc.Verify() {
		t.Error("completion flags must not be covered by the checksum")
	}
}

func TestEncodedSnapshot_Decode(t *testing.T) {
	orig := sampleSnapshot()
	enc, err := engine.EncodeSnapshot(orig)
	if err != nil {
		t.Fatal(err)
	}
	got, err := enc.Decode()
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Metadata.Checksum != enc.Metadata.Checksum {
		t.Error("decoded metadata lost the checksum")
	}
	if len(got.TableData[model.TableProducts]) != 1 || got.TableData[model.TableProducts][0].ID != "p1" {
		t.Errorf("unexpected table data: %+v", got.TableData)
	}
	if !bytes.Equal(got.FileAssets["receipts/logo.png"], orig.FileAssets["receipts/logo.png"]) {
		t.Error("asset bytes changed")
	}
	if got.ActionLog == nil {
		t.Error("empty action log should decode as an empty slice")
	}
}
