package fsutil

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DefaultFrameExts are the recognized FITS file extensions, compared case-insensitively.
var DefaultFrameExts = []string{".fits", ".fit", ".fts"}

// FrameMatcher selects dataset frames by filename prefix and extension.
type FrameMatcher struct {
	prefix string
	re     *regexp.Regexp
}

// NewFrameMatcher compiles a case-insensitive rule matching names that start
// with prefix and end with one of exts.
func NewFrameMatcher(prefix string, exts []string) (*FrameMatcher, error) {
	if len(exts) == 0 {
		exts = DefaultFrameExts
	}
	alts := make([]string, 0, len(exts))
	for _, ext := range exts {
		ext = strings.TrimPrefix(strings.TrimSpace(ext), ".")
		if ext == "" {
			continue
		}
		alts = append(alts, regexp.QuoteMeta(ext))
	}
	if len(alts) == 0 {
		return nil, fmt.Errorf("fsutil: no usable frame extensions in %v", exts)
	}
	pattern := `(?i)^` + regexp.QuoteMeta(prefix) + `.*\.(` + strings.Join(alts, "|") + `)$`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("fsutil: compile frame pattern: %w", err)
	}
	return &FrameMatcher{prefix: prefix, re: re}, nil
}

// Match reports whether a base filename is a dataset frame.
func (m *FrameMatcher) Match(name string) bool {
	return m.re.MatchString(name)
}

// Prefix returns the dataset prefix the matcher was built with.
func (m *FrameMatcher) Prefix() string { return m.prefix }

// ListFrames returns the matching regular files directly inside dir, sorted by
// name, as paths joined to dir.
func ListFrames(dir string, m *FrameMatcher) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() || !m.Match(e.Name()) {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	frames := make([]string, len(names))
	for i, name := range names {
		frames[i] = filepath.Join(dir, name)
	}
	return frames, nil
}

// WalkDirs calls fn for root and every directory below it, in lexical order.
// Hidden directories below root, such as per-run diagnostics, are skipped.
func WalkDirs(root string, fn func(dir string) error) error {
	return filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && IsHidden(path) {
			return filepath.SkipDir
		}
		return fn(path)
	})
}

// IsHidden reports whether the last element of path starts with a dot.
func IsHidden(path string) bool {
	return strings.HasPrefix(filepath.Base(path), ".")
}
