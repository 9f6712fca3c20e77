package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"posvault/internal/encryption"
	"posvault/internal/engine"
	"posvault/internal/model"
)

func testSnapshot(t *testing.T) *engine.EncodedSnapshot {
	t.Helper()
	enc, err := engine.EncodeSnapshot(&model.SnapshotData{
		Metadata: model.SnapshotMetadata{
			UUID:          "snap-1",
			Name:          "closing",
			Timestamp:     time.Date(2024, 3, 1, 21, 4, 5, 123456789, time.UTC),
			SchemaVersion: 3,
			SnapshotType:  model.SnapshotFull,
			TableCounts:   map[string]int64{model.TableCustomers: 2},
			IsComplete:    true,
		},
		TableData: map[string][]model.Row{
			model.TableCustomers: {
				{ID: "c1", Data: json.RawMessage(`{"id":"c1","name":"Ana"}`)},
				{ID: "c2", Data: json.RawMessage(`{"id":"c2","name":"Bo"}`)},
			},
		},
		Configuration: model.Configuration{SchemaVersion: 3, Tables: model.Tables()},
		FileAssets:    map[string][]byte{"logo/logo.png": {0x89, 'P', 'N', 'G', 0x00}},
	})
	if err != nil {
		t.Fatalf("EncodeSnapshot() error = %v", err)
	}
	enc.Metadata.IsComplete = true
	enc.Metadata.IsVerified = true
	return enc
}

func TestPacker_RoundTrip(t *testing.T) {
	tests := []struct {
		name      string
		encryptor engine.Encryptor
		level     Level
	}{
		{name: "plain fastest", level: LevelFastest},
		{name: "plain best", level: LevelBest},
		{name: "encrypted", encryptor: encryption.NewTestEncryptor(), level: LevelDefault},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc := testSnapshot(t)
			p := NewPacker(tt.encryptor, tt.level)

			packed, err := p.Pack(enc)
			if err != nil {
				t.Fatalf("Pack() error = %v", err)
			}
			if !bytes.HasPrefix(packed, magic) {
				t.Fatal("packed artifact lacks magic")
			}

			var dc engine.DecryptionContext
			if tt.encryptor != nil {
				if dc, err = tt.encryptor.Unlock(""); err != nil {
					t.Fatalf("Unlock() error = %v", err)
				}
			}
			got, err := p.Unpack(packed, dc)
			if err != nil {
				t.Fatalf("Unpack() error = %v", err)
			}

			if !got.Verify() {
				t.Error("unpacked snapshot does not verify")
			}
			if got.Metadata.IsComplete || got.Metadata.IsVerified {
				t.Error("completion flags survived packing")
			}
			if !bytes.Equal(got.TableData, enc.TableData) || !bytes.Equal(got.FileAssets, enc.FileAssets) {
				t.Error("section bytes changed across pack/unpack")
			}
			if !got.Metadata.Timestamp.Equal(enc.Metadata.Timestamp) {
				t.Errorf("Timestamp = %v, want %v", got.Metadata.Timestamp, enc.Metadata.Timestamp)
			}
		})
	}
}

func TestPacker_EncryptedNeedsUnlock(t *testing.T) {
	p := NewPacker(encryption.NewTestEncryptor(), LevelDefault)
	packed, err := p.Pack(testSnapshot(t))
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}
	if _, err := p.Unpack(packed, nil); !errors.Is(err, ErrLocked) {
		t.Errorf("Unpack(nil dc) error = %v, want ErrLocked", err)
	}
}

func TestPacker_RejectsBadInput(t *testing.T) {
	p := NewPacker(nil, LevelDefault)
	packed, err := p.Pack(testSnapshot(t))
	if err != nil {
		t.Fatalf("Pack() error = %v", err)
	}

	t.Run("not an artifact", func(t *testing.T) {
		if _, err := p.Unpack([]byte("SQLite format 3\x00"), nil); !errors.Is(err, ErrNotArtifact) {
			t.Errorf("Unpack() error = %v, want ErrNotArtifact", err)
		}
	})

	t.Run("unknown flag", func(t *testing.T) {
		bad := append([]byte{}, packed...)
		bad[len(magic)] = 9
		if _, err := p.Unpack(bad, nil); err == nil {
			t.Error("Unpack() with unknown flag expected error")
		}
	})

	t.Run("truncated payload", func(t *testing.T) {
		if _, err := p.Unpack(packed[:len(packed)-8], nil); err == nil {
			t.Error("Unpack() of truncated artifact expected error")
		}
	})
}
