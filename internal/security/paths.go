package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// NormalizePath turns a policy path into an absolute, symlink-resolved path.
// A leading "~" expands to the home directory and relative paths are joined
// onto cwd. Paths that do not exist yet resolve through their nearest existing
// ancestor. For glob patterns only the fixed prefix before the first wildcard
// segment is resolved; the pattern tail is kept verbatim.
func NormalizePath(p, cwd string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("expand home: %w", err)
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	if !filepath.IsAbs(p) {
		if cwd == "" {
			wd, err := os.Getwd()
			if err != nil {
				return "", fmt.Errorf("resolve cwd: %w", err)
			}
			cwd = wd
		}
		p = filepath.Join(cwd, p)
	}
	p = filepath.Clean(p)

	if !ContainsGlob(p) {
		return resolveExisting(p), nil
	}

	segments := strings.Split(p, string(os.PathSeparator))
	fixed := 0
	for i, seg := range segments {
		if ContainsGlob(seg) {
			fixed = i
			break
		}
	}
	prefix := strings.Join(segments[:fixed], string(os.PathSeparator))
	if prefix == "" {
		prefix = string(os.PathSeparator)
	}
	tail := strings.Join(segments[fixed:], string(os.PathSeparator))
	return filepath.Join(resolveExisting(prefix), tail), nil
}

// ContainsGlob reports whether p has shell wildcard characters.
func ContainsGlob(p string) bool {
	return strings.ContainsAny(p, "*?[")
}

// resolveExisting evaluates symlinks, walking up to the nearest existing
// ancestor when the leaf is missing and re-appending the missing segments.
func resolveExisting(abs string) string {
	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved
	}
	var missing []string
	cur := abs
	for {
		parent := filepath.Dir(cur)
		missing = append([]string{filepath.Base(cur)}, missing...)
		if parent == cur {
			return abs
		}
		if resolved, err := filepath.EvalSymlinks(parent); err == nil {
			return filepath.Join(append([]string{resolved}, missing...)...)
		}
		cur = parent
	}
}

// isWithin reports whether path equals root or lies beneath it.
func isWithin(root, path string) bool {
	if root == string(os.PathSeparator) {
		return true
	}
	return path == root || strings.HasPrefix(path, root+string(os.PathSeparator))
}

// expandGlob lists the existing matches of a normalized pattern. "**" is
// treated as a single-segment wildcard since filepath.Match has no recursive
// form. Literal paths are returned as-is when they exist.
func expandGlob(pattern string) []string {
	if !ContainsGlob(pattern) {
		if _, err := os.Lstat(pattern); err != nil {
			return nil
		}
		return []string{pattern}
	}
	matches, err := filepath.Glob(strings.ReplaceAll(pattern, "**", "*"))
	if err != nil {
		return nil
	}
	return matches
}
