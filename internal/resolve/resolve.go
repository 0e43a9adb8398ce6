// Package resolve expands shell-style glob patterns into canonical absolute
// paths. Patterns use doublestar semantics, so "**" matches any number of
// directories in addition to the usual "*", "?", "[...]" and "{a,b}" forms.
//
// Resolution never fails: a malformed pattern or an I/O error while walking
// is logged and the pattern simply contributes no matches, so one bad entry
// cannot abort the initialisation of the remaining ones.
package resolve

import (
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/bmatcuk/doublestar/v4"
)

// Kind selects which filesystem objects a resolution keeps.
type Kind int

const (
	// File keeps regular files only.
	File Kind = iota + 1
	// Dir keeps directories only.
	Dir
)

func (k Kind) String() string {
	switch k {
	case File:
		return "file"
	case Dir:
		return "dir"
	default:
		return "unknown"
	}
}

// Resolver expands patterns and logs the ones that fail.
type Resolver struct {
	logger *slog.Logger
}

// New returns a Resolver that logs through logger. A nil logger uses
// slog.Default().
func New(logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{logger: logger}
}

// Resolve expands every pattern and returns the sorted, deduplicated set of
// absolute paths whose kind matches.
func (r *Resolver) Resolve(patterns []string, kind Kind) []string {
	seen := make(map[string]struct{})
	for _, p := range patterns {
		for _, abs := range r.expand(p, kind) {
			seen[abs] = struct{}{}
		}
	}
	return sorted(seen)
}

// Set returns include − exclude, both resolved for kind.
func (r *Resolver) Set(include, exclude []string, kind Kind) []string {
	in := r.Resolve(include, kind)
	if len(exclude) == 0 {
		return in
	}
	out := make(map[string]struct{})
	for _, p := range r.Resolve(exclude, kind) {
		out[p] = struct{}{}
	}
	result := in[:0]
	for _, p := range in {
		if _, excluded := out[p]; !excluded {
			result = append(result, p)
		}
	}
	return result
}

// expand resolves a single pattern.
func (r *Resolver) expand(pattern string, kind Kind) []string {
	opts := []doublestar.GlobOption{doublestar.WithFailOnIOErrors()}
	if kind == File {
		opts = append(opts, doublestar.WithFilesOnly())
	}

	matches, err := doublestar.FilepathGlob(pattern, opts...)
	if err != nil {
		r.logger.Warn("resolve: pattern error",
			slog.String("pattern", pattern),
			slog.Any("error", err),
		)
		return nil
	}

	var paths []string
	for _, m := range matches {
		abs, err := filepath.Abs(m)
		if err != nil {
			r.logger.Warn("resolve: cannot make path absolute",
				slog.String("path", m),
				slog.Any("error", err),
			)
			continue
		}
		// Stat follows symlinks, so a link to a regular file counts as a file.
		info, err := os.Stat(abs)
		if err != nil {
			continue
		}
		switch {
		case kind == File && info.Mode().IsRegular():
			paths = append(paths, abs)
		case kind == Dir && info.IsDir():
			paths = append(paths, abs)
		}
	}
	return paths
}

// Match reports whether path matches any of patterns. Relative patterns are
// made absolute against the working directory before matching.
func Match(patterns []string, path string) bool {
	for _, p := range patterns {
		abs, err := filepath.Abs(p)
		if err != nil {
			continue
		}
		if ok, err := doublestar.PathMatch(abs, path); err == nil && ok {
			return true
		}
	}
	return false
}

func sorted(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for p := range set {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}
