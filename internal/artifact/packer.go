// Package artifact packs encoded snapshots into portable files for the
// outbox and vaults.
//
// An artifact is a fixed magic, one flag byte, and the payload. The payload
// is a zstd-compressed JSON envelope holding the snapshot metadata and the
// five section byte slices; when the flag marks encryption the compressed
// envelope is additionally wrapped by the configured encryptor.
package artifact

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/klauspost/compress/zstd"

	"posvault/internal/engine"
	"posvault/internal/model"
)

const (
	formatVersion = 1

	flagPlain     byte = 0
	flagEncrypted byte = 1

	// maxDecodedSize bounds decompression of untrusted artifacts.
	maxDecodedSize = 1 << 30
)

var magic = []byte("PVSNAP\x00\x01")

var (
	// ErrNotArtifact reports data without the artifact magic.
	ErrNotArtifact = errors.New("not a posvault artifact")

	// ErrLocked reports an encrypted artifact unpacked without a decryption context.
	ErrLocked = errors.New("artifact is encrypted; unlock the private key first")
)

// envelope is the serialized artifact payload. Sections are []byte so they
// travel as base64 and come back byte for byte.
type envelope struct {
	FormatVersion int                    `json:"format_version"`
	Metadata      model.SnapshotMetadata `json:"metadata"`
	EntityUUIDs   []byte                 `json:"entity_uuids"`
	TableData     []byte                 `json:"table_data"`
	ActionLog     []byte                 `json:"action_log"`
	Configuration []byte                 `json:"configuration"`
	FileAssets    []byte                 `json:"file_assets"`
}

// Level selects the zstd compression speed.
type Level int

const (
	LevelFastest Level = iota
	LevelDefault
	LevelBest
)

// Packer implements engine.Packer.
type Packer struct {
	encryptor engine.Encryptor
	level     zstd.EncoderLevel
}

var _ engine.Packer = (*Packer)(nil)

// NewPacker creates a Packer. A nil encryptor packs artifacts in the clear.
func NewPacker(encryptor engine.Encryptor, level Level) *Packer {
	zl := zstd.SpeedDefault
	switch level {
	case LevelFastest:
		zl = zstd.SpeedFastest
	case LevelBest:
		zl = zstd.SpeedBestCompression
	}
	return &Packer{encryptor: encryptor, level: zl}
}

// Pack serializes enc. Completion flags are cleared: the importing side
// must verify and commit the snapshot itself.
func (p *Packer) Pack(enc *engine.EncodedSnapshot) ([]byte, error) {
	md := enc.Metadata
	md.IsComplete = false
	md.IsVerified = false
	body, err := json.Marshal(envelope{
		FormatVersion: formatVersion,
		Metadata:      md,
		EntityUUIDs:   enc.EntityUUIDs,
		TableData:     enc.TableData,
		ActionLog:     enc.ActionLog,
		Configuration: enc.Configuration,
		FileAssets:    enc.FileAssets,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding envelope: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(p.level))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}
	compressed := encoder.EncodeAll(body, make([]byte, 0, len(body)/4))
	encoder.Close()

	var out bytes.Buffer
	out.Write(magic)
	if p.encryptor == nil {
		out.WriteByte(flagPlain)
		out.Write(compressed)
		return out.Bytes(), nil
	}

	out.WriteByte(flagEncrypted)
	if err := p.encryptor.Encrypt(bytes.NewReader(compressed), &out); err != nil {
		return nil, fmt.Errorf("encrypting artifact: %w", err)
	}
	return out.Bytes(), nil
}

// Unpack reverses Pack. dc is required only for encrypted artifacts.
func (p *Packer) Unpack(data []byte, dc engine.DecryptionContext) (*engine.EncodedSnapshot, error) {
	if len(data) < len(magic)+1 || !bytes.Equal(data[:len(magic)], magic) {
		return nil, ErrNotArtifact
	}
	flag := data[len(magic)]
	payload := data[len(magic)+1:]

	switch flag {
	case flagPlain:
	case flagEncrypted:
		if dc == nil {
			return nil, ErrLocked
		}
		var plain bytes.Buffer
		if err := dc.Decrypt(bytes.NewReader(payload), &plain); err != nil {
			return nil, fmt.Errorf("decrypting artifact: %w", err)
		}
		payload = plain.Bytes()
	default:
		return nil, fmt.Errorf("unknown artifact flag %d", flag)
	}

	decoder, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxDecodedSize))
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}
	defer decoder.Close()
	body, err := decoder.DecodeAll(payload, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing artifact: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if env.FormatVersion != formatVersion {
		return nil, fmt.Errorf("unsupported artifact format version %d", env.FormatVersion)
	}
	return &engine.EncodedSnapshot{
		Metadata:      env.Metadata,
		EntityUUIDs:   env.EntityUUIDs,
		TableData:     env.TableData,
		ActionLog:     env.ActionLog,
		Configuration: env.Configuration,
		FileAssets:    env.FileAssets,
	}, nil
}
