package agents

import (
	"fmt"
	"path"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// ErrProtectedPath is returned when a fixer is asked to touch a protected file
type ErrProtectedPath struct {
	Path    string
	Pattern string
}

func (e *ErrProtectedPath) Error() string {
	return fmt.Sprintf("path %q is protected by pattern %q", e.Path, e.Pattern)
}

// PathGuard checks file paths against protected patterns: the configured
// fixer skip globs plus the template's do-not-touch list.
type PathGuard struct {
	patterns []string
}

// NewPathGuard creates a guard over patterns. Blank patterns are ignored.
func NewPathGuard(patterns ...string) *PathGuard {
	pg := &PathGuard{}
	for _, p := range patterns {
		if p = strings.TrimSpace(p); p != "" {
			pg.patterns = append(pg.patterns, p)
		}
	}
	return pg
}

// guardFor builds the guard an operation should use.
func guardFor(opts *OperationOptions) *PathGuard {
	patterns := append([]string(nil), opts.Settings.FixerSkipGlobs...)
	if opts.Context != nil {
		patterns = append(patterns, opts.Context.Template.DontTouchFiles...)
	}
	return NewPathGuard(patterns...)
}

// CheckPath checks if a path matches any protected pattern.
// Patterns use doublestar syntax; a pattern without a slash also matches
// the base name.
func (pg *PathGuard) CheckPath(p string) *ErrProtectedPath {
	normalized := normalizePath(p)
	for _, pattern := range pg.patterns {
		if pg.matches(normalized, pattern) {
			return &ErrProtectedPath{Path: p, Pattern: pattern}
		}
	}
	return nil
}

// CheckPaths returns the first protected path, or nil if all are allowed.
func (pg *PathGuard) CheckPaths(paths []string) *ErrProtectedPath {
	for _, p := range paths {
		if err := pg.CheckPath(p); err != nil {
			return err
		}
	}
	return nil
}

func (pg *PathGuard) matches(p, pattern string) bool {
	if ok, _ := doublestar.Match(pattern, p); ok {
		return true
	}
	if !strings.Contains(pattern, "/") {
		ok, _ := doublestar.Match(pattern, path.Base(p))
		return ok
	}
	return false
}
