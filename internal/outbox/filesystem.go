package outbox

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"posvault/internal/engine"
)

// NewFileSystemOutbox creates an outbox that survives restarts.
//
// Directory structure:
//
//	<outbox_dir>/
//	  queue.json    (ordered list of queued artifacts)
//	  content/
//	    <checksum>  (packed artifact bytes)
func NewFileSystemOutbox(dir string, clock engine.Clock, maxSize int64) (*Outbox, error) {
	contentDir := filepath.Join(dir, "content")
	if err := os.MkdirAll(contentDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create outbox directory: %w", err)
	}
	return newOutbox(&fileStore{queuePath: filepath.Join(dir, "queue.json"), contentDir: contentDir}, clock, maxSize), nil
}

type fileStore struct {
	queuePath  string
	contentDir string
}

// StoreContent streams r to a temp file while hashing, then renames it
// into place under its checksum.
func (f *fileStore) StoreContent(r io.Reader) (string, int64, error) {
	tmp, err := os.CreateTemp(f.contentDir, ".tmp-*")
	if err != nil {
		return "", 0, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	h := sha256.New()
	size, err := io.Copy(io.MultiWriter(tmp, h), r)
	if err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("writing content: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return "", 0, fmt.Errorf("syncing content: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", 0, fmt.Errorf("closing temp file: %w", err)
	}

	checksum := hex.EncodeToString(h.Sum(nil))
	dest := filepath.Join(f.contentDir, checksum)
	if _, err := os.Stat(dest); err == nil {
		return checksum, size, nil
	}
	if err := os.Rename(tmpPath, dest); err != nil {
		return "", 0, fmt.Errorf("moving content into place: %w", err)
	}
	return checksum, size, nil
}

func (f *fileStore) RemoveContent(checksum string) {
	os.Remove(filepath.Join(f.contentDir, checksum))
}

func (f *fileStore) OpenContent(checksum string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(f.contentDir, checksum))
}

func (f *fileStore) ContentSize() (int64, error) {
	entries, err := os.ReadDir(f.contentDir)
	if err != nil {
		return 0, fmt.Errorf("reading content directory: %w", err)
	}
	var total int64
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".tmp-") {
			continue
		}
		info, err := e.Info()
		if err != nil {
			return 0, err
		}
		total += info.Size()
	}
	return total, nil
}

func (f *fileStore) Items() ([]engine.QueuedArtifact, error) {
	data, err := os.ReadFile(f.queuePath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading queue file: %w", err)
	}
	var items []engine.QueuedArtifact
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("decoding queue file: %w", err)
	}
	return items, nil
}

func (f *fileStore) Append(item engine.QueuedArtifact) error {
	items, err := f.Items()
	if err != nil {
		return err
	}
	return f.write(append(items, item))
}

func (f *fileStore) Update(item engine.QueuedArtifact) error {
	items, err := f.Items()
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].Name == item.Name {
			items[i] = item
			return f.write(items)
		}
	}
	return fmt.Errorf("artifact %s is not queued", item.Name)
}

func (f *fileStore) Remove(name string) error {
	items, err := f.Items()
	if err != nil {
		return err
	}
	for i := range items {
		if items[i].Name == name {
			return f.write(append(items[:i], items[i+1:]...))
		}
	}
	return nil
}

// write replaces queue.json atomically (temp file + rename).
func (f *fileStore) write(items []engine.QueuedArtifact) error {
	if items == nil {
		items = []engine.QueuedArtifact{}
	}
	data, err := json.MarshalIndent(items, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding queue: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(f.queuePath), ".queue-*")
	if err != nil {
		return fmt.Errorf("creating temp queue file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing queue: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing queue: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing queue: %w", err)
	}
	if err := os.Rename(tmpPath, f.queuePath); err != nil {
		return fmt.Errorf("replacing queue file: %w", err)
	}
	return nil
}
