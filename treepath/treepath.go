// Package treepath handles the slash-delimited paths that address nodes in a
// store. A path with an odd number of segments names a collection, an even
// number names a document (or scalar node in tree mode).
package treepath

import (
	"errors"
	"strings"
)

// ErrInvalidPath marks paths built from placeholder ids ("undefined", "null")
// or containing empty segments.
var ErrInvalidPath = errors.New("invalid path")

// Placeholder tokens that show up when callers build paths from ids that are
// not available yet.
var placeholders = []string{"undefined", "null"}

// Validate reports ErrInvalidPath for paths that must resolve to a no-op binding.
func Validate(p string) error {
	if strings.Contains(p, "//") {
		return ErrInvalidPath
	}
	for _, seg := range strings.Split(strings.Trim(p, "/"), "/") {
		for _, ph := range placeholders {
			if seg == ph {
				return ErrInvalidPath
			}
		}
	}
	return nil
}

// Split returns the non-empty segments of p. The root path yields nil.
func Split(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// Join builds a clean path from segments, dropping empty ones.
func Join(segs ...string) string {
	out := make([]string, 0, len(segs))
	for _, s := range segs {
		s = strings.Trim(s, "/")
		if s != "" {
			out = append(out, s)
		}
	}
	return strings.Join(out, "/")
}

// Clean normalizes leading, trailing and duplicate slashes.
func Clean(p string) string {
	return Join(Split(p)...)
}

// IsCollection reports whether p has an odd number of segments.
func IsCollection(p string) bool {
	return len(Split(p))%2 == 1
}

// Parent returns the path one level up; the root is its own parent.
func Parent(p string) string {
	segs := Split(p)
	if len(segs) == 0 {
		return ""
	}
	return strings.Join(segs[:len(segs)-1], "/")
}

// Base returns the last segment of p.
func Base(p string) string {
	segs := Split(p)
	if len(segs) == 0 {
		return ""
	}
	return segs[len(segs)-1]
}

// IsAncestor reports whether anc is a strict ancestor of p.
func IsAncestor(anc, p string) bool {
	a, b := Split(anc), Split(p)
	if len(a) >= len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Related reports whether a change at one path can affect a reader of the
// other: the paths are equal or one contains the other.
func Related(a, b string) bool {
	a, b = Clean(a), Clean(b)
	return a == b || IsAncestor(a, b) || IsAncestor(b, a)
}
