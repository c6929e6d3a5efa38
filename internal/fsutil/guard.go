package fsutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"runtime"
	"strings"
	"syscall"
)

// Kind classifies a resolved path.
type Kind int

const (
	// KindFile is an existing non-directory entry.
	KindFile Kind = iota + 1
	// KindDir is an existing directory.
	KindDir
	// KindNew does not exist yet but its parent directory does.
	KindNew
)

func (k Kind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindDir:
		return "directory"
	case KindNew:
		return "new"
	default:
		return "unknown"
	}
}

// Exists reports whether the entry was present when it was resolved.
func (k Kind) Exists() bool { return k == KindFile || k == KindDir }

// Resolved is a canonical location inside the root.
type Resolved struct {
	// Path is the absolute filesystem path, symlinks resolved.
	Path string
	// Logical is Path relative to the root in rooted slash form ("/" for the root).
	Logical string
	Kind    Kind
}

// Guard resolves client paths against a fixed root. A Guard is immutable and
// safe for concurrent use.
type Guard struct {
	root string
}

// New returns a Guard for root. The root is made absolute and symlink
// resolved once; it must be an existing directory.
func New(root string) (*Guard, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("abs root: %w", err)
	}
	real, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("resolve root: %w", err)
	}
	st, err := os.Stat(real)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !st.IsDir() {
		return nil, fmt.Errorf("root %s is not a directory", real)
	}
	return &Guard{root: filepath.Clean(real)}, nil
}

// Root returns the canonical root directory.
func (g *Guard) Root() string { return g.root }

// Resolve maps a logical path onto the root. Existing paths are canonicalized
// in full; a missing path is accepted only when its parent canonicalizes to a
// directory inside the root, its name is bare and nothing, not even a
// dangling link, occupies it. It is then classified KindNew.
func (g *Guard) Resolve(logical string) (Resolved, error) {
	if strings.ContainsRune(logical, 0) {
		return Resolved{}, reject("resolve", logical, ErrInvalidSegment)
	}
	rel := strings.TrimLeft(strings.ReplaceAll(logical, "\\", "/"), "/")
	candidate := g.root
	if rel != "" {
		candidate = g.root + string(filepath.Separator) + filepath.FromSlash(rel)
	}

	real, err := filepath.EvalSymlinks(candidate)
	if err == nil {
		if !hasPathPrefix(real, g.root) {
			return Resolved{}, reject("resolve", logical, ErrEscape)
		}
		st, err := os.Stat(real)
		if err != nil {
			return Resolved{}, &fs.PathError{Op: "resolve", Path: logical, Err: unwrapErrno(err)}
		}
		kind := KindFile
		if st.IsDir() {
			kind = KindDir
		}
		return g.resolved(real, kind), nil
	}
	if !errors.Is(err, fs.ErrNotExist) && !errors.Is(err, syscall.ENOTDIR) {
		return Resolved{}, &fs.PathError{Op: "resolve", Path: logical, Err: unwrapErrno(err)}
	}

	clean := filepath.Clean(candidate)
	name := filepath.Base(clean)
	if !IsBareName(name) {
		return Resolved{}, reject("resolve", logical, ErrInvalidSegment)
	}
	parent, err := filepath.EvalSymlinks(filepath.Dir(clean))
	if err != nil || !hasPathPrefix(parent, g.root) {
		return Resolved{}, reject("resolve", logical, ErrEscape)
	}
	st, err := os.Stat(parent)
	if err != nil {
		return Resolved{}, &fs.PathError{Op: "resolve", Path: logical, Err: unwrapErrno(err)}
	}
	if !st.IsDir() {
		return Resolved{}, &fs.PathError{Op: "resolve", Path: logical, Err: syscall.ENOTDIR}
	}
	p := filepath.Join(parent, name)
	// A dangling symlink fails EvalSymlinks like a missing entry, but
	// creating through it would land wherever it points.
	if _, err := os.Lstat(p); err == nil {
		return Resolved{}, reject("resolve", logical, ErrEscape)
	} else if !errors.Is(err, fs.ErrNotExist) {
		return Resolved{}, &fs.PathError{Op: "resolve", Path: logical, Err: unwrapErrno(err)}
	}
	return g.resolved(p, KindNew), nil
}

// ResolveEntry resolves logical like Resolve but does not follow a symlink in
// the final component, so the link itself is addressed. The path is cleaned
// lexically and must stay under the root; the parent is then canonicalized
// and must lie inside the root as well. A missing final entry is KindNew.
func (g *Guard) ResolveEntry(logical string) (Resolved, error) {
	if strings.ContainsRune(logical, 0) {
		return Resolved{}, reject("resolve", logical, ErrInvalidSegment)
	}
	rel := strings.TrimLeft(strings.ReplaceAll(logical, "\\", "/"), "/")
	clean := filepath.Clean(g.root + string(filepath.Separator) + filepath.FromSlash(rel))
	if !hasPathPrefix(clean, g.root) {
		return Resolved{}, reject("resolve", logical, ErrEscape)
	}
	if equalPath(clean, g.root) {
		return g.resolved(g.root, KindDir), nil
	}
	name := filepath.Base(clean)
	parent, err := filepath.EvalSymlinks(filepath.Dir(clean))
	if err != nil || !hasPathPrefix(parent, g.root) {
		return Resolved{}, reject("resolve", logical, ErrEscape)
	}
	p := filepath.Join(parent, name)
	st, err := os.Lstat(p)
	if errors.Is(err, fs.ErrNotExist) {
		return g.resolved(p, KindNew), nil
	}
	if err != nil {
		return Resolved{}, &fs.PathError{Op: "resolve", Path: logical, Err: unwrapErrno(err)}
	}
	kind := KindFile
	if st.IsDir() {
		kind = KindDir
	}
	return g.resolved(p, kind), nil
}

// ResolveChild resolves a bare entry name inside an already resolved
// directory. Names carrying separators or ".." are rejected before any lookup.
func (g *Guard) ResolveChild(dir Resolved, name string) (Resolved, error) {
	if !IsBareName(name) {
		return Resolved{}, reject("resolve", name, ErrInvalidSegment)
	}
	if dir.Kind != KindDir {
		return Resolved{}, &fs.PathError{Op: "resolve", Path: dir.Logical, Err: syscall.ENOTDIR}
	}
	return g.Resolve(path.Join(dir.Logical, name))
}

// ResolveRename resolves an existing entry (a symlink is renamed itself,
// not its target) and the sibling it would be renamed to. newName must be a bare name; any directory component is
// rejected rather than stripped so rename cannot move entries around.
func (g *Guard) ResolveRename(oldLogical, newName string) (Resolved, Resolved, error) {
	src, err := g.ResolveEntry(oldLogical)
	if err != nil {
		return Resolved{}, Resolved{}, err
	}
	if !src.Kind.Exists() {
		return Resolved{}, Resolved{}, &fs.PathError{Op: "rename", Path: oldLogical, Err: fs.ErrNotExist}
	}
	if src.Path == g.root {
		return Resolved{}, Resolved{}, reject("rename", oldLogical, ErrRootEntry)
	}
	newName = strings.TrimSpace(newName)
	if !IsBareName(newName) {
		return Resolved{}, Resolved{}, reject("rename", newName, ErrInvalidSegment)
	}
	dst, err := g.Resolve(path.Join(path.Dir(src.Logical), newName))
	if err != nil {
		return Resolved{}, Resolved{}, err
	}
	return src, dst, nil
}

func (g *Guard) resolved(p string, kind Kind) Resolved {
	rel, err := filepath.Rel(g.root, p)
	if err != nil {
		rel = ""
	}
	return Resolved{Path: p, Logical: ToLogical(rel), Kind: kind}
}

// unwrapErrno strips the absolute path out of an *fs.PathError so the error
// can be rewrapped with the client's logical path.
func unwrapErrno(err error) error {
	var pe *fs.PathError
	if errors.As(err, &pe) {
		return pe.Err
	}
	return err
}

func equalPath(a, b string) bool {
	if runtime.GOOS == "windows" {
		return strings.EqualFold(a, b)
	}
	return a == b
}
