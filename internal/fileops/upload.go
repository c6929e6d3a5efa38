package fileops

import (
	"context"
	"fmt"
	"path"
	"regexp"
	"strings"

	"fileluxe/internal/fsutil"
)

var unsafeNameChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)

// SanitizeName reduces a client supplied file name to its base name with
// every character outside [a-zA-Z0-9._-] replaced by an underscore. It
// returns "" when nothing usable remains.
func SanitizeName(name string) string {
	name = strings.ReplaceAll(name, "\\", "/")
	name = path.Base(strings.TrimSpace(name))
	name = unsafeNameChars.ReplaceAllString(name, "_")
	for strings.Contains(name, "..") {
		name = strings.ReplaceAll(name, "..", "_")
	}
	if name == "." || name == "/" || strings.Trim(name, "._") == "" {
		return ""
	}
	return name
}

func normalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// Blocked reports whether name carries an extension refused for storage.
func (m *Manager) Blocked(name string) bool {
	ext := path.Ext(name)
	if ext == "" {
		return false
	}
	return m.blocked[normalizeExt(ext)]
}

func (m *Manager) upload(ctx context.Context, op Upload) (*Done, error) {
	dir, err := m.resolveDir(op.Dir)
	if err != nil {
		return nil, err
	}
	name := SanitizeName(op.Name)
	if name == "" {
		return nil, fmt.Errorf("%w: missing file name", ErrInvalidInput)
	}
	if m.Blocked(name) {
		return nil, fmt.Errorf("%s: %w", name, ErrBlockedType)
	}
	target, err := m.guard.ResolveChild(dir, name)
	if err != nil {
		return nil, err
	}
	if target.Kind == fsutil.KindDir {
		return nil, fmt.Errorf("%s: %w", target.Logical, ErrIsDir)
	}
	n, err := writeAtomic(ctx, dir.Path, name, op.Body, 0)
	if err != nil {
		return nil, opErr("upload", target.Logical, err)
	}
	return &Done{Path: target.Logical, Name: name, Size: n}, nil
}
