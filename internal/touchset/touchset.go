// Package touchset compiles and compares task touch-sets: the workspace
// paths, or glob patterns over them, that a task declares it will read or
// write.
//
// Patterns use gobwas/glob syntax with '/' as the separator, so "*" stays
// within one directory and "**" crosses directories.
package touchset

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/conductor/internal/errors"
)

const metaChars = "*?[{"

// IsGlob reports whether p contains glob meta characters.
func IsGlob(p string) bool {
	return strings.ContainsAny(p, metaChars)
}

// Clean normalizes a workspace-relative path to slash form and rejects
// empty paths, absolute paths and paths that escape the root.
func Clean(p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.Wrap(errors.ErrUnsafePath, "empty path")
	}
	slashed := filepath.ToSlash(p)
	if path.IsAbs(slashed) || filepath.IsAbs(p) || filepath.VolumeName(p) != "" {
		return "", errors.Wrapf(errors.ErrUnsafePath, "absolute path %q", p)
	}
	cleaned := path.Clean(slashed)
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", errors.Wrapf(errors.ErrUnsafePath, "path %q escapes the workspace", p)
	}
	return cleaned, nil
}

// LiteralPrefix returns the text of p before its first meta character.
func LiteralPrefix(p string) string {
	if i := strings.IndexAny(p, metaChars); i >= 0 {
		return p[:i]
	}
	return p
}

// Pattern is one compiled touch-set entry.
type Pattern struct {
	raw  string
	glob glob.Glob // nil for literal paths
}

// Compile validates and compiles a touch-set entry.
func Compile(p string) (Pattern, error) {
	cleaned, err := Clean(p)
	if err != nil {
		return Pattern{}, err
	}
	if !IsGlob(cleaned) {
		return Pattern{raw: cleaned}, nil
	}
	g, err := glob.Compile(cleaned, '/')
	if err != nil {
		return Pattern{}, errors.Wrapf(errors.ErrInvalidInput, "invalid glob %q", p)
	}
	return Pattern{raw: cleaned, glob: g}, nil
}

// String returns the cleaned pattern text.
func (p Pattern) String() string { return p.raw }

// IsGlob reports whether the pattern is a glob rather than a literal path.
func (p Pattern) IsGlob() bool { return p.glob != nil }

// Match reports whether a cleaned workspace path is covered by p. A literal
// covers the path itself and, when it names a directory, everything below it.
func (p Pattern) Match(rel string) bool {
	if p.glob == nil {
		return within(rel, p.raw)
	}
	return p.glob.Match(rel)
}

// within reports whether rel is dir or lies below it.
func within(rel, dir string) bool {
	return rel == dir || strings.HasPrefix(rel, dir+"/")
}

// Overlaps reports whether two patterns may refer to a common path.
// Literal vs literal is true when one path contains the other. Literal vs
// glob is true when the glob matches the literal or may match a path below
// it. Glob vs glob is conservatively true when one literal prefix is a
// prefix of the other.
func Overlaps(a, b Pattern) bool {
	switch {
	case !a.IsGlob() && !b.IsGlob():
		return within(a.raw, b.raw) || within(b.raw, a.raw)
	case !a.IsGlob():
		return literalOverlapsGlob(a, b)
	case !b.IsGlob():
		return literalOverlapsGlob(b, a)
	default:
		pa, pb := LiteralPrefix(a.raw), LiteralPrefix(b.raw)
		return strings.HasPrefix(pa, pb) || strings.HasPrefix(pb, pa)
	}
}

func literalOverlapsGlob(lit, g Pattern) bool {
	if g.Match(lit.raw) {
		return true
	}
	below, prefix := lit.raw+"/", LiteralPrefix(g.raw)
	if !strings.HasPrefix(below, prefix) && !strings.HasPrefix(prefix, below) {
		return false
	}
	// Without "**" a glob only matches paths with as many segments as it has.
	return strings.Contains(g.raw, "**") || strings.Count(g.raw, "/") > strings.Count(lit.raw, "/")
}

// Set is a compiled touch-set.
type Set []Pattern

// CompileSet compiles every entry, failing on the first invalid one.
func CompileSet(patterns []string) (Set, error) {
	set := make(Set, 0, len(patterns))
	for _, p := range patterns {
		c, err := Compile(p)
		if err != nil {
			return nil, err
		}
		set = append(set, c)
	}
	return set, nil
}

// Match reports whether any pattern in s covers rel.
func (s Set) Match(rel string) bool {
	for _, p := range s {
		if p.Match(rel) {
			return true
		}
	}
	return false
}

// Overlaps reports whether any pattern of s overlaps any pattern of o.
// An empty set overlaps nothing.
func (s Set) Overlaps(o Set) bool {
	for _, a := range s {
		for _, b := range o {
			if Overlaps(a, b) {
				return true
			}
		}
	}
	return false
}

// Literals returns the non-glob entries.
func (s Set) Literals() []string {
	var out []string
	for _, p := range s {
		if !p.IsGlob() {
			out = append(out, p.raw)
		}
	}
	return out
}

// HasGlob reports whether any entry is a glob.
func (s Set) HasGlob() bool {
	for _, p := range s {
		if p.IsGlob() {
			return true
		}
	}
	return false
}

// Strings returns the cleaned pattern texts.
func (s Set) Strings() []string {
	out := make([]string, len(s))
	for i, p := range s {
		out[i] = p.raw
	}
	return out
}
