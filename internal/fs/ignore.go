package fs

import (
	"bufio"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
)

// defaultIgnorePatterns are always applied regardless of config or .artisyncignore.
var defaultIgnorePatterns = []string{IgnoreFileName, stagingPrefix + "*"}

// ignorePattern is a parsed ignore pattern with its matching strategy.
type ignorePattern struct {
	pattern   string
	matchPath bool // match against the relative path rather than a single component
	negate    bool // "!pattern" re-includes a path excluded by an earlier pattern
}

// IgnoreMatcher checks artifact-relative paths against ignore patterns.
//
// Patterns without '/' match any single path component, so "node_modules"
// ignores everything beneath such a directory. Patterns containing '/' match
// the full relative path. Later patterns win; a leading '!' negates.
type IgnoreMatcher struct {
	patterns []ignorePattern
}

// NewIgnoreMatcher creates an IgnoreMatcher from raw pattern strings.
// Blank lines and lines starting with '#' are skipped.
func NewIgnoreMatcher(rawPatterns []string) *IgnoreMatcher {
	var patterns []ignorePattern
	for _, raw := range rawPatterns {
		raw = strings.TrimSpace(raw)
		if raw == "" || strings.HasPrefix(raw, "#") {
			continue
		}
		p := ignorePattern{}
		if strings.HasPrefix(raw, "!") {
			p.negate = true
			raw = raw[1:]
		}
		raw = strings.TrimSuffix(raw, "/")
		if raw == "" {
			continue
		}
		p.pattern = raw
		p.matchPath = strings.Contains(raw, "/")
		patterns = append(patterns, p)
	}
	return &IgnoreMatcher{patterns: patterns}
}

// Match reports whether the given relative path should be ignored.
func (m *IgnoreMatcher) Match(relativePath string) bool {
	if len(m.patterns) == 0 || relativePath == "" {
		return false
	}

	normalized := filepath.ToSlash(relativePath)
	components := strings.Split(normalized, "/")

	ignored := false
	for _, p := range m.patterns {
		if p.matches(normalized, components) {
			ignored = !p.negate
		}
	}
	return ignored
}

func (p ignorePattern) matches(normalized string, components []string) bool {
	if p.matchPath {
		// A path pattern also covers everything under a matching directory.
		for i := len(components); i > 0; i-- {
			if ok, err := path.Match(p.pattern, strings.Join(components[:i], "/")); err == nil && ok {
				return true
			}
		}
		return false
	}
	// Negations only consider the basename, so "!keep.log" can re-include a
	// file without re-including its ignored parent directory.
	if p.negate {
		ok, err := path.Match(p.pattern, components[len(components)-1])
		return err == nil && ok
	}
	for _, c := range components {
		if ok, err := path.Match(p.pattern, c); err == nil && ok {
			return true
		}
	}
	return false
}

// ParseIgnoreFile reads a .artisyncignore file and returns the raw pattern strings.
// Returns nil and no error if the file does not exist.
func ParseIgnoreFile(filename string) ([]string, error) {
	f, err := os.Open(filename)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
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
