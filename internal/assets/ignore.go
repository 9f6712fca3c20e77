package assets

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// IgnoreFileName names the per-store ignore file read from the store root.
const IgnoreFileName = ".pvignore"

// defaultIgnorePatterns always apply: the ignore file itself and leftovers
// of interrupted atomic writes.
var defaultIgnorePatterns = []string{IgnoreFileName, ".tmp-*"}

type ignorePattern struct {
	pattern   string
	matchPath bool // match the relative path instead of the basename
}

// IgnoreMatcher checks asset keys against ignore patterns.
// Patterns without '/' match the basename only; patterns with '/' match
// the whole slash-separated key.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher parses raw patterns. Blank lines and '#' comments are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		patterns = append(patterns, ignorePattern{
			pattern:   raw,
			matchPath: strings.Contains(raw, "/"),
		})
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether key should be left out of snapshots.
func (m *IgnoreMatcher) Match(key string) bool {
	normalized := filepath.ToSlash(key)
	basename := filepath.Base(key)

	for _, p := range m.patterns {
		target := basename
		if p.matchPath {
			target = normalized
		}
		matched, err := filepath.Match(p.pattern, target)
		if err != nil {
			continue // bad pattern
		}
		if matched {
			return true
		}
	}
	return false
}

// parseIgnoreFile returns the lines of an ignore file, or nil when it does
// not exist.
func parseIgnoreFile(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("opening ignore file: %w", err)
	}
	defer f.Close()

	var patterns []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		patterns = append(patterns, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading ignore file: %w", err)
	}
	return patterns, nil
}
