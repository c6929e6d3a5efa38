package fsutil

import (
	"path"
	"path/filepath"
	"strings"
)

// maxNameLen is the longest single path segment accepted from clients.
const maxNameLen = 255

// CleanRelPath takes a user path like "", ".", "/a/b", "a//b", and returns a
// slash-based, no-leading-slash relative path ("" means root). Backslashes are
// treated as separators so Windows-style input cleans the same way.
func CleanRelPath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" || p == "." || p == "/" {
		return ""
	}
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p) // force absolute for stable cleaning
	p = strings.TrimPrefix(p, "/")
	if p == "." {
		return ""
	}
	return p
}

// LexicalJoin joins a slash-separated relative entry name onto base without
// touching the filesystem. It fails when the name is absolute, carries a NUL
// byte, or climbs out of base after cleaning. Archive entries are checked with
// it before anything is written.
func LexicalJoin(base, rel string) (string, error) {
	if rel == "" || strings.ContainsRune(rel, 0) {
		return "", ErrInvalidSegment
	}
	rel = strings.ReplaceAll(rel, "\\", "/")
	if strings.HasPrefix(rel, "/") || filepath.IsAbs(rel) || filepath.VolumeName(rel) != "" {
		return "", ErrEscape
	}
	cleaned := path.Clean(rel)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", ErrEscape
	}
	if cleaned == "." {
		return "", ErrInvalidSegment
	}
	baseClean := filepath.Clean(base)
	joined := filepath.Join(baseClean, filepath.FromSlash(cleaned))
	if !hasPathPrefix(joined, baseClean) {
		return "", ErrEscape
	}
	return joined, nil
}

// IsBareName reports whether s can be used as a single directory entry name:
// non-empty, no separators of either flavour, no ".." sequence and no NUL.
func IsBareName(s string) bool {
	if s == "" || s == "." || len(s) > maxNameLen {
		return false
	}
	if strings.ContainsAny(s, "/\\\x00") || strings.Contains(s, "..") {
		return false
	}
	return true
}

// ToLogical returns the rooted slash form of rel ("" or "." becomes "/").
func ToLogical(rel string) string {
	rel = filepath.ToSlash(rel)
	if rel == "" || rel == "." {
		return "/"
	}
	return "/" + strings.TrimPrefix(rel, "/")
}

// hasPathPrefix reports whether p equals base or lies beneath it. A base that
// already ends in a separator (a volume root such as "/" or `C:\`) is used as
// the prefix directly.
func hasPathPrefix(p, base string) bool {
	if equalPath(p, base) {
		return true
	}
	prefix := base
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}
	if len(p) < len(prefix) {
		return false
	}
	return equalPath(p[:len(prefix)], prefix)
}
