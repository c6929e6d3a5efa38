package fileops

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"fileluxe/internal/fsutil"
)

// Content is the result of Read.
type Content struct {
	Path string
	Data []byte
}

func (*Content) result() {}

// FileStream is the result of Download. The caller must close File.
type FileStream struct {
	File        *os.File
	Info        fs.FileInfo
	ContentType string
}

func (*FileStream) result() {}

func (m *Manager) read(_ context.Context, op Read) (*Content, error) {
	f, err := m.resolveFile(op.Path)
	if err != nil {
		return nil, err
	}
	st, err := os.Stat(f.Path)
	if err != nil {
		return nil, opErr("read", f.Logical, err)
	}
	if st.Size() > m.maxRead {
		return nil, fmt.Errorf("%s: file exceeds %d bytes: %w", f.Logical, m.maxRead, ErrTooLarge)
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, opErr("read", f.Logical, err)
	}
	return &Content{Path: f.Logical, Data: data}, nil
}

func (m *Manager) download(_ context.Context, op Download) (*FileStream, error) {
	f, err := m.resolveFile(op.Path)
	if err != nil {
		return nil, err
	}
	fh, err := os.Open(f.Path)
	if err != nil {
		return nil, opErr("download", f.Logical, err)
	}
	st, err := fh.Stat()
	if err != nil {
		_ = fh.Close()
		return nil, opErr("download", f.Logical, err)
	}
	return &FileStream{File: fh, Info: st, ContentType: contentTypeForName(st.Name())}, nil
}

func (m *Manager) write(_ context.Context, op Write) (*Done, error) {
	r, err := m.guard.Resolve(op.Path)
	if err != nil {
		return nil, err
	}
	if r.Kind == fsutil.KindDir {
		return nil, fmt.Errorf("%s: %w", r.Logical, ErrIsDir)
	}
	f, err := os.OpenFile(r.Path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC|fsutil.NoFollow, 0o644)
	if err != nil {
		return nil, opErr("write", r.Logical, err)
	}
	if _, err := f.Write(op.Content); err != nil {
		_ = f.Close()
		return nil, opErr("write", r.Logical, err)
	}
	if err := f.Close(); err != nil {
		return nil, opErr("write", r.Logical, err)
	}
	return &Done{Path: r.Logical, Size: int64(len(op.Content))}, nil
}

func (m *Manager) delete(_ context.Context, op Delete) (*Done, error) {
	r, err := m.guard.ResolveEntry(op.Path)
	if err != nil {
		return nil, err
	}
	if r.Path == m.guard.Root() {
		return nil, &fsutil.PathError{Op: "delete", Path: op.Path, Err: fsutil.ErrRootEntry}
	}
	if !r.Kind.Exists() {
		return nil, &fs.PathError{Op: "delete", Path: op.Path, Err: fs.ErrNotExist}
	}
	if r.Kind == fsutil.KindDir && op.Recursive {
		err = os.RemoveAll(r.Path)
	} else {
		err = os.Remove(r.Path)
	}
	if err != nil {
		return nil, opErr("delete", r.Logical, err)
	}
	return &Done{Path: r.Logical}, nil
}

func (m *Manager) rename(_ context.Context, op Rename) (*Done, error) {
	src, dst, err := m.guard.ResolveRename(op.Old, op.New)
	if err != nil {
		return nil, err
	}
	if dst.Kind.Exists() {
		return nil, &fs.PathError{Op: "rename", Path: dst.Logical, Err: fs.ErrExist}
	}
	if err := os.Rename(src.Path, dst.Path); err != nil {
		return nil, opErr("rename", src.Logical, err)
	}
	return &Done{Path: dst.Logical}, nil
}

func (m *Manager) mkdir(_ context.Context, op Mkdir) (*Done, error) {
	if strings.TrimSpace(op.Path) == "" {
		return nil, fmt.Errorf("%w: missing directory", ErrInvalidInput)
	}
	r, err := m.guard.Resolve(op.Path)
	if err != nil {
		return nil, err
	}
	if r.Kind.Exists() {
		return nil, &fs.PathError{Op: "mkdir", Path: r.Logical, Err: fs.ErrExist}
	}
	if err := os.Mkdir(r.Path, 0o755); err != nil {
		return nil, opErr("mkdir", r.Logical, err)
	}
	return &Done{Path: r.Logical}, nil
}

// writeAtomic copies body into a temp file in dir and renames it to name,
// enforcing limit when positive. It returns the bytes written.
func writeAtomic(ctx context.Context, dir, name string, body io.Reader, limit int64) (int64, error) {
	tmp, err := os.CreateTemp(dir, ".fileluxe-*.part")
	if err != nil {
		return 0, err
	}
	tmpName := tmp.Name()
	ok := false
	defer func() {
		if !ok {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	src := body
	if limit > 0 {
		src = io.LimitReader(body, limit+1)
	}
	n, err := io.Copy(tmp, &ctxReader{ctx: ctx, r: src})
	if err != nil {
		return n, err
	}
	if limit > 0 && n > limit {
		return n, ErrTooLarge
	}
	if err := tmp.Chmod(0o644); err != nil {
		return n, err
	}
	if err := tmp.Close(); err != nil {
		return n, err
	}
	if err := os.Rename(tmpName, filepath.Join(dir, name)); err != nil {
		return n, err
	}
	ok = true
	return n, nil
}

// ctxReader stops a copy once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c *ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
