package fileops

import (
	"archive/zip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"fileluxe/internal/fsutil"
)

type extractItem struct {
	name  string // cleaned slash path relative to the destination
	file  *zip.File
	isDir bool
}

func (m *Manager) unzip(ctx context.Context, op Unzip) (*Done, error) {
	archive, err := m.resolveFile(op.Path)
	if err != nil {
		return nil, err
	}
	if strings.ToLower(filepath.Ext(archive.Path)) != ".zip" {
		return nil, fmt.Errorf("%s: %w", archive.Logical, ErrNotZip)
	}
	dest, err := m.resolveDir(path.Dir(archive.Logical))
	if err != nil {
		return nil, err
	}
	zr, err := zip.OpenReader(archive.Path)
	if errors.Is(err, zip.ErrInsecurePath) {
		_ = zr.Close()
		return nil, fmt.Errorf("%s: %w", archive.Logical, ErrUnsafeArchive)
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", archive.Logical, ErrNotZip)
	}
	defer zr.Close()

	// validate every entry before anything is written
	if len(zr.File) > m.maxUnzipEntries {
		return nil, fmt.Errorf("archive has %d entries, limit %d: %w", len(zr.File), m.maxUnzipEntries, ErrTooLarge)
	}
	items := make([]extractItem, 0, len(zr.File))
	var total uint64
	for _, f := range zr.File {
		if _, err := fsutil.LexicalJoin(dest.Path, f.Name); err != nil {
			return nil, fmt.Errorf("%w: %q", ErrUnsafeArchive, f.Name)
		}
		mode := f.Mode()
		if mode&fs.ModeSymlink != 0 || (!mode.IsDir() && !mode.IsRegular()) {
			return nil, fmt.Errorf("%w: %q is not a regular file", ErrUnsafeArchive, f.Name)
		}
		total += f.UncompressedSize64
		if total > uint64(m.maxUnzipSize) {
			return nil, fmt.Errorf("archive expands beyond %d bytes: %w", m.maxUnzipSize, ErrTooLarge)
		}
		items = append(items, extractItem{
			name:  path.Clean(strings.ReplaceAll(f.Name, "\\", "/")),
			file:  f,
			isDir: mode.IsDir() || strings.HasSuffix(f.Name, "/"),
		})
	}

	written := int64(0)
	for _, it := range items {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if it.isDir {
			if _, err := m.ensureDir(dest, it.name); err != nil {
				return nil, err
			}
			continue
		}
		parent, err := m.ensureDir(dest, path.Dir(it.name))
		if err != nil {
			return nil, err
		}
		target, err := m.guard.ResolveChild(parent, path.Base(it.name))
		if err != nil {
			return nil, err
		}
		if target.Kind == fsutil.KindDir {
			return nil, fmt.Errorf("%s: %w", target.Logical, ErrIsDir)
		}
		n, err := extractFile(ctx, it.file, target.Path, m.maxUnzipSize-written)
		written += n
		if errors.Is(err, ErrTooLarge) {
			return nil, fmt.Errorf("archive expands beyond %d bytes: %w", m.maxUnzipSize, ErrTooLarge)
		}
		if err != nil {
			return nil, opErr("unzip", target.Logical, err)
		}
	}
	m.log.Info("archive extracted", "path", archive.Logical, "entries", len(items), "bytes", written)
	return &Done{Path: dest.Logical, Size: written}, nil
}

// ensureDir walks rel below base one component at a time, creating missing
// directories. Each step is resolved through the guard so an existing link
// cannot redirect the walk outside the root.
func (m *Manager) ensureDir(base fsutil.Resolved, rel string) (fsutil.Resolved, error) {
	cur := base
	if rel == "" || rel == "." {
		return cur, nil
	}
	for _, part := range strings.Split(rel, "/") {
		next, err := m.guard.ResolveChild(cur, part)
		if err != nil {
			return fsutil.Resolved{}, err
		}
		switch next.Kind {
		case fsutil.KindNew:
			if err := os.Mkdir(next.Path, 0o755); err != nil && !errors.Is(err, fs.ErrExist) {
				return fsutil.Resolved{}, opErr("mkdir", next.Logical, err)
			}
			next.Kind = fsutil.KindDir
		case fsutil.KindFile:
			return fsutil.Resolved{}, fmt.Errorf("%s: %w", next.Logical, ErrNotDir)
		}
		cur = next
	}
	return cur, nil
}

func extractFile(ctx context.Context, f *zip.File, dst string, budget int64) (int64, error) {
	rc, err := f.Open()
	if err != nil {
		return 0, err
	}
	defer rc.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|fsutil.NoFollow, 0o644)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(out, &ctxReader{ctx: ctx, r: io.LimitReader(rc, budget+1)})
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, err
	}
	if n > budget {
		return n, ErrTooLarge
	}
	return n, nil
}

// Archive is the result of Zip. Paths are validated when the Archive is
// built; Stream writes the zip.
type Archive struct {
	// Name is the suggested download name without extension.
	Name  string
	items []archiveItem
}

func (*Archive) result() {}

type archiveItem struct {
	top string
	r   fsutil.Resolved
}

func (m *Manager) zip(_ context.Context, op Zip) (*Archive, error) {
	paths := make([]string, 0, len(op.Paths))
	for _, p := range op.Paths {
		if strings.TrimSpace(p) != "" {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("%w: missing paths", ErrInvalidInput)
	}

	used := map[string]int{}
	uniqueTop := func(base string) string {
		base = sanitizeZipPath(base)
		if base == "" {
			base = "item"
		}
		n := used[base]
		used[base] = n + 1
		if n == 0 {
			return base
		}
		ext := path.Ext(base)
		return fmt.Sprintf("%s (%d)%s", strings.TrimSuffix(base, ext), n, ext)
	}

	a := &Archive{}
	for _, p := range paths {
		r, err := m.resolveExisting(p)
		if err != nil {
			return nil, err
		}
		top := path.Base(r.Logical)
		if r.Logical == "/" {
			top = "root"
		}
		a.items = append(a.items, archiveItem{top: uniqueTop(top), r: r})
	}

	name := strings.TrimSpace(op.Name)
	if name == "" {
		if len(a.items) == 1 {
			name = a.items[0].top
		} else {
			name = "download"
		}
	}
	a.Name = sanitizeZipBaseName(name)
	return a, nil
}

// Stream writes the archive to w. Symlinks inside archived directories are
// skipped.
func (a *Archive) Stream(ctx context.Context, w io.Writer) error {
	zw := zip.NewWriter(w)
	for _, it := range a.items {
		if err := ctx.Err(); err != nil {
			return err
		}
		if it.r.Kind == fsutil.KindDir {
			if err := addDir(ctx, zw, it.r.Path, it.top); err != nil {
				return err
			}
			continue
		}
		info, err := os.Stat(it.r.Path)
		if err != nil {
			continue
		}
		if err := addFile(zw, it.r.Path, it.top, info); err != nil {
			return err
		}
	}
	return zw.Close()
}

func addDir(ctx context.Context, zw *zip.Writer, baseAbs, baseRel string) error {
	return filepath.WalkDir(baseAbs, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(baseAbs, p)
		if err != nil {
			return nil
		}
		zipPath := sanitizeZipPath(path.Join(baseRel, filepath.ToSlash(rel)))
		if zipPath == "" {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		return addFile(zw, p, zipPath, info)
	})
}

func addFile(zw *zip.Writer, abs, zipPath string, info fs.FileInfo) error {
	f, err := os.Open(abs)
	if err != nil {
		// unreadable entries are left out
		return nil
	}
	defer f.Close()
	h := &zip.FileHeader{
		Name:     zipPath,
		Method:   zip.Deflate,
		Modified: time.Now(),
	}
	if info != nil {
		h.Modified = info.ModTime()
		h.SetMode(info.Mode().Perm())
	}
	wr, err := zw.CreateHeader(h)
	if err != nil {
		return err
	}
	_, err = io.Copy(wr, f)
	return err
}

func sanitizeZipBaseName(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimSuffix(s, ".zip")
	s = strings.ReplaceAll(s, "\x00", "")
	s = strings.ReplaceAll(s, "/", "-")
	s = strings.ReplaceAll(s, "\\", "-")
	s = strings.Trim(s, ". ")
	if s == "" {
		return "download"
	}
	if len(s) > 120 {
		s = s[:120]
	}
	return s
}

func sanitizeZipPath(p string) string {
	p = strings.ReplaceAll(p, "\\", "/")
	p = path.Clean("/" + p)
	p = strings.TrimPrefix(p, "/")
	p = strings.ReplaceAll(p, "\x00", "")
	p = strings.Trim(p, "/")
	if p == "." || p == "" {
		return ""
	}
	if len(p) > 240 {
		p = p[:240]
	}
	return p
}
