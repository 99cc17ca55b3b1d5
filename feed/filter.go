package feed

import (
	"fmt"

	"github.com/gobwas/glob"
	"github.com/maxpert/livebind/treepath"
)

// GlobFilter matches event paths against glob patterns. Patterns use '/' as
// the separator, so "rooms/*" matches direct children and "rooms/**" the
// whole subtree.
type GlobFilter struct {
	globs []glob.Glob
}

// NewGlobFilter compiles patterns. No patterns match everything.
func NewGlobFilter(patterns []string) (*GlobFilter, error) {
	filter := &GlobFilter{globs: make([]glob.Glob, 0, len(patterns))}
	for _, pattern := range patterns {
		g, err := glob.Compile(treepath.Clean(pattern), '/')
		if err != nil {
			return nil, fmt.Errorf("invalid path pattern %q: %w", pattern, err)
		}
		filter.globs = append(filter.globs, g)
	}
	return filter, nil
}

// Match reports whether path matches any pattern.
func (f *GlobFilter) Match(path string) bool {
	if len(f.globs) == 0 {
		return true
	}
	path = treepath.Clean(path)
	for _, g := range f.globs {
		if g.Match(path) {
			return true
		}
	}
	return false
}
