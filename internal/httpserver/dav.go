package httpserver

import (
	"context"
	"errors"
	"net/http"
	"os"
	"path"

	"golang.org/x/net/webdav"

	"fileluxe/internal/auth"
	"fileluxe/internal/fsutil"
)

// davHandler mounts the root under /dav/. Only the API key is accepted,
// either as X-API-KEY or as the Basic auth password.
func (s *Server) davHandler() http.Handler {
	dav := &webdav.Handler{
		Prefix:     "/dav",
		FileSystem: &davFS{guard: s.files.Guard(), blocked: s.files.Blocked},
		LockSystem: webdav.NewMemLS(),
		Logger: func(r *http.Request, err error) {
			if err != nil {
				s.logger(r).Debug("webdav", "method", r.Method, "path", r.URL.Path, "error", err)
			}
		},
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-KEY")
		if key == "" {
			if _, pass, ok := auth.ParseBasicAuth(r.Header.Get("Authorization")); ok {
				key = pass
			}
		}
		if !s.gate.CheckAPIKey(key) {
			w.Header().Set("WWW-Authenticate", `Basic realm="fileluxe"`)
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		dav.ServeHTTP(w, r)
	})
}

// davFS is a webdav.FileSystem that resolves every name through the guard.
type davFS struct {
	guard   *fsutil.Guard
	blocked func(name string) bool
}

// davErr maps guard rejections onto errors the webdav package understands.
// An escape that is lexically inside the root is a missing parent.
func (d *davFS) davErr(name string, err error) error {
	switch {
	case errors.Is(err, fsutil.ErrEscape):
		if _, lexErr := fsutil.LexicalJoin(d.guard.Root(), fsutil.CleanRelPath(name)); lexErr == nil {
			return os.ErrNotExist
		}
		return os.ErrPermission
	case errors.Is(err, fsutil.ErrInvalidSegment), errors.Is(err, fsutil.ErrRootEntry):
		return os.ErrPermission
	}
	return err
}

func (d *davFS) Mkdir(_ context.Context, name string, perm os.FileMode) error {
	r, err := d.guard.Resolve(name)
	if err != nil {
		return d.davErr(name, err)
	}
	if r.Kind.Exists() {
		return os.ErrExist
	}
	return os.Mkdir(r.Path, perm)
}

func (d *davFS) OpenFile(_ context.Context, name string, flag int, perm os.FileMode) (webdav.File, error) {
	r, err := d.guard.Resolve(name)
	if err != nil {
		return nil, d.davErr(name, err)
	}
	if flag&os.O_CREATE != 0 && r.Kind != fsutil.KindDir && d.blocked(path.Base(r.Logical)) {
		return nil, os.ErrPermission
	}
	if !r.Kind.Exists() && flag&os.O_CREATE == 0 {
		return nil, os.ErrNotExist
	}
	f, err := os.OpenFile(r.Path, flag|fsutil.NoFollow, perm)
	if err != nil {
		return nil, err
	}
	return f, nil
}

func (d *davFS) RemoveAll(_ context.Context, name string) error {
	r, err := d.guard.ResolveEntry(name)
	if err != nil {
		return d.davErr(name, err)
	}
	if r.Path == d.guard.Root() {
		return os.ErrPermission
	}
	if !r.Kind.Exists() {
		return os.ErrNotExist
	}
	return os.RemoveAll(r.Path)
}

func (d *davFS) Rename(_ context.Context, oldName, newName string) error {
	src, err := d.guard.ResolveEntry(oldName)
	if err != nil {
		return d.davErr(oldName, err)
	}
	if src.Path == d.guard.Root() {
		return os.ErrPermission
	}
	if !src.Kind.Exists() {
		return os.ErrNotExist
	}
	dst, err := d.guard.Resolve(newName)
	if err != nil {
		return d.davErr(newName, err)
	}
	if dst.Path == d.guard.Root() {
		return os.ErrPermission
	}
	if src.Kind == fsutil.KindFile && d.blocked(path.Base(dst.Logical)) {
		return os.ErrPermission
	}
	return os.Rename(src.Path, dst.Path)
}

func (d *davFS) Stat(_ context.Context, name string) (os.FileInfo, error) {
	r, err := d.guard.Resolve(name)
	if err != nil {
		return nil, d.davErr(name, err)
	}
	if !r.Kind.Exists() {
		return nil, os.ErrNotExist
	}
	return os.Stat(r.Path)
}
