// Package assets provides the file asset stores captured with every
// snapshot: receipt images, logos and other opaque blobs kept next to the
// POS database.
package assets

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"

	"posvault/internal/engine"
)

// DirectoryStore exposes the regular files under a directory as assets.
// Keys are slash-separated paths relative to the root.
type DirectoryStore struct {
	name   string
	root   string
	ignore []string
}

var _ engine.AssetStore = (*DirectoryStore)(nil)

// NewDirectoryStore creates a store over root, creating it if needed.
// ignore patterns are combined with the root's .pvignore file on every read.
func NewDirectoryStore(name, root string, ignore []string) (*DirectoryStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("creating asset directory: %w", err)
	}
	return &DirectoryStore{name: name, root: root, ignore: ignore}, nil
}

func (d *DirectoryStore) Name() string { return d.name }

// ReadAll walks the root and returns every regular file not ignored.
// Symlinks and other special files are skipped.
func (d *DirectoryStore) ReadAll(ctx context.Context) (map[string][]byte, error) {
	fromFile, err := parseIgnoreFile(filepath.Join(d.root, IgnoreFileName))
	if err != nil {
		return nil, err
	}
	patterns := append(append(append([]string{}, defaultIgnorePatterns...), d.ignore...), fromFile...)
	matcher := NewIgnoreMatcher(patterns)

	out := make(map[string][]byte)
	err = filepath.WalkDir(d.root, func(p string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(d.root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		key := filepath.ToSlash(rel)
		if entry.IsDir() {
			if matcher.Match(key) {
				return filepath.SkipDir
			}
			return nil
		}
		if !entry.Type().IsRegular() || matcher.Match(key) {
			return nil
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("reading asset %s: %w", key, err)
		}
		out[key] = data
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking %s: %w", d.root, err)
	}
	return out, nil
}

// WriteAll writes each asset atomically, replacing existing files.
// Assets not named are left alone.
func (d *DirectoryStore) WriteAll(ctx context.Context, assets map[string][]byte) error {
	for key, data := range assets {
		if err := ctx.Err(); err != nil {
			return err
		}
		dest, err := d.resolve(key)
		if err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", key, err)
		}
		if err := writeFileAtomic(dest, data); err != nil {
			return fmt.Errorf("writing asset %s: %w", key, err)
		}
	}
	return nil
}

// resolve maps a key to a path inside the root, rejecting keys that
// would escape it.
func (d *DirectoryStore) resolve(key string) (string, error) {
	clean := path.Clean("/" + key)[1:]
	if clean == "" || clean != key || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("invalid asset key %q", key)
	}
	return filepath.Join(d.root, filepath.FromSlash(clean)), nil
}

func writeFileAtomic(dest string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(dest), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpPath, dest)
}
