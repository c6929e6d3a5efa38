// Package upload implements resumable chunked uploads into the guarded root.
package upload

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"fileluxe/internal/fsutil"
)

// A minimal resumable upload protocol:
// - POST   /api/uploads?path=<dest>&size=<n>  => {id, offset}
// - PATCH  /api/uploads/<id> (Content-Range: bytes <start>-<end>/<total>) body=chunk
// - POST   /api/uploads/<id>/finish           => move into dest
//
// State is stored on disk in <stateDir>/uploads/<id>.{part,json}

var (
	ErrNotFound       = errors.New("upload not found")
	ErrOffsetMismatch = errors.New("offset mismatch")
	ErrSizeMismatch   = errors.New("size mismatch")
	ErrIncomplete     = errors.New("upload incomplete")
	ErrInvalidRange   = errors.New("invalid Content-Range")
	ErrTooLarge       = errors.New("upload too large")
	ErrBlockedType    = errors.New("file type not allowed")
	ErrIsDir          = errors.New("destination is a directory")
)

// Info describes an upload in progress.
type Info struct {
	ID      string `json:"id"`
	Dest    string `json:"dest"`
	Size    int64  `json:"size"`   // total if known, else -1
	Offset  int64  `json:"offset"` // written bytes
	Created int64  `json:"created"`
}

type state struct {
	mu   sync.Mutex
	info Info
}

type Options struct {
	Guard    *fsutil.Guard
	StateDir string
	// Blocked reports whether a destination name is refused.
	Blocked func(name string) bool
	// MaxSize caps the declared and written size. Zero means unlimited.
	MaxSize int64
	Logger  *slog.Logger
	Now     func() time.Time
}

type Manager struct {
	guard   *fsutil.Guard
	dir     string
	blocked func(string) bool
	maxSize int64
	log     *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	sessions map[string]*state
}

func New(opts Options) (*Manager, error) {
	if opts.Guard == nil {
		return nil, errors.New("upload: guard is required")
	}
	if opts.StateDir == "" {
		return nil, errors.New("upload: state dir is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Blocked == nil {
		opts.Blocked = func(string) bool { return false }
	}
	dir := filepath.Join(opts.StateDir, "uploads")
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	m := &Manager{
		guard:    opts.Guard,
		dir:      dir,
		blocked:  opts.Blocked,
		maxSize:  opts.MaxSize,
		log:      opts.Logger.With("module", "upload"),
		now:      opts.Now,
		sessions: map[string]*state{},
	}
	if err := m.loadExisting(); err != nil {
		m.log.Warn("could not reload upload state", "error", err)
	}
	return m, nil
}

func (m *Manager) loadExisting() error {
	ents, err := os.ReadDir(m.dir)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range ents {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(m.dir, e.Name()))
		if err != nil {
			continue
		}
		var info Info
		if json.Unmarshal(b, &info) != nil || !validID(info.ID) {
			continue
		}
		m.sessions[info.ID] = &state{info: info}
	}
	if len(m.sessions) > 0 {
		m.log.Info("resumable uploads reloaded", "count", len(m.sessions))
	}
	return nil
}

// resolveDest checks that dest names a new entry or an existing file.
func (m *Manager) resolveDest(dest string) (fsutil.Resolved, error) {
	r, err := m.guard.Resolve(dest)
	if err != nil {
		return fsutil.Resolved{}, err
	}
	if r.Kind == fsutil.KindDir {
		return fsutil.Resolved{}, fmt.Errorf("%s: %w", r.Logical, ErrIsDir)
	}
	if m.blocked(path.Base(r.Logical)) {
		return fsutil.Resolved{}, fmt.Errorf("%s: %w", path.Base(r.Logical), ErrBlockedType)
	}
	return r, nil
}

// Create registers a new upload for dest. total is the final size or -1
// when unknown.
func (m *Manager) Create(_ context.Context, dest string, total int64) (Info, error) {
	if total < -1 {
		return Info{}, fmt.Errorf("%w: size %d", ErrInvalidRange, total)
	}
	if m.maxSize > 0 && total > m.maxSize {
		return Info{}, fmt.Errorf("%w: %d > %d", ErrTooLarge, total, m.maxSize)
	}
	r, err := m.resolveDest(dest)
	if err != nil {
		return Info{}, err
	}
	id, err := newID()
	if err != nil {
		return Info{}, err
	}
	s := &state{info: Info{
		ID:      id,
		Dest:    r.Logical,
		Size:    total,
		Created: m.now().Unix(),
	}}
	if err := m.save(s.info); err != nil {
		return Info{}, err
	}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	m.log.Debug("upload created", "id", id, "dest", r.Logical, "size", total)
	return s.info, nil
}

func (m *Manager) lookup(id string) (*state, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return s, nil
}

// Get returns a snapshot of the upload.
func (m *Manager) Get(id string) (Info, bool) {
	s, err := m.lookup(id)
	if err != nil {
		return Info{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.info, true
}

// Patch writes one chunk described by contentRange. The chunk must start at
// the current offset.
func (m *Manager) Patch(ctx context.Context, id, contentRange string, body io.Reader) (Info, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	start, end, total, err := parseContentRange(contentRange)
	if err != nil {
		return Info{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if start != s.info.Offset {
		return Info{}, fmt.Errorf("%w: have %d want %d", ErrOffsetMismatch, s.info.Offset, start)
	}
	if s.info.Size >= 0 && total >= 0 && s.info.Size != total {
		return Info{}, fmt.Errorf("%w: have %d want %d", ErrSizeMismatch, s.info.Size, total)
	}
	if m.maxSize > 0 && end >= m.maxSize {
		return Info{}, fmt.Errorf("%w: limit %d", ErrTooLarge, m.maxSize)
	}
	if s.info.Size >= 0 && end >= s.info.Size {
		return Info{}, fmt.Errorf("%w: chunk ends at %d past size %d", ErrSizeMismatch, end, s.info.Size)
	}
	if s.info.Size < 0 && total >= 0 {
		s.info.Size = total
	}

	f, err := os.OpenFile(m.partPath(id), os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return Info{}, err
	}
	defer f.Close()
	if _, err := f.Seek(start, io.SeekStart); err != nil {
		return Info{}, err
	}

	want := (end - start) + 1
	wrote, err := io.CopyN(f, &ctxReader{ctx: ctx, r: body}, want)
	if err != nil {
		// drop the partial chunk so the data file never runs past Offset
		_ = f.Truncate(start)
		if errors.Is(err, io.EOF) {
			return Info{}, fmt.Errorf("%w: short chunk %d != %d", ErrInvalidRange, wrote, want)
		}
		return Info{}, err
	}
	if err := f.Truncate(start + wrote); err != nil {
		return Info{}, err
	}
	if err := f.Sync(); err != nil {
		return Info{}, err
	}

	s.info.Offset += wrote
	if err := m.save(s.info); err != nil {
		return Info{}, err
	}
	return s.info, nil
}

// Finish moves a complete upload into its destination. The destination is
// resolved again so a directory swapped in since Create is noticed.
func (m *Manager) Finish(ctx context.Context, id string) (Info, error) {
	s, err := m.lookup(id)
	if err != nil {
		return Info{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Info{}, err
	}
	if s.info.Size >= 0 && s.info.Offset != s.info.Size {
		return Info{}, fmt.Errorf("%w: offset=%d size=%d", ErrIncomplete, s.info.Offset, s.info.Size)
	}

	partPath := m.partPath(id)
	st, err := os.Stat(partPath)
	if errors.Is(err, fs.ErrNotExist) && s.info.Offset == 0 {
		// zero-length upload, nothing was patched
		if err := os.WriteFile(partPath, nil, 0o600); err != nil {
			return Info{}, err
		}
		st, err = os.Stat(partPath)
	}
	if err != nil {
		return Info{}, err
	}
	if st.Size() != s.info.Offset {
		return Info{}, fmt.Errorf("%w: file=%d expected=%d", ErrSizeMismatch, st.Size(), s.info.Offset)
	}

	dst, err := m.resolveDest(s.info.Dest)
	if err != nil {
		return Info{}, err
	}
	if err := moveFile(partPath, dst.Path); err != nil {
		return Info{}, fmt.Errorf("finish %s: %w", dst.Logical, unwrapPath(err))
	}

	m.forget(id)
	s.info.Size = s.info.Offset
	m.log.Info("upload finished", "id", id, "dest", dst.Logical, "size", s.info.Offset)
	return s.info, nil
}

// Abort discards an upload and its data.
func (m *Manager) Abort(_ context.Context, id string) error {
	s, err := m.lookup(id)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	m.forget(id)
	return nil
}

// Purge discards uploads created more than maxAge ago and returns how many
// were removed.
func (m *Manager) Purge(_ context.Context, maxAge time.Duration) int {
	cutoff := m.now().Add(-maxAge).Unix()
	m.mu.Lock()
	var stale []string
	for id, s := range m.sessions {
		if s.info.Created < cutoff {
			stale = append(stale, id)
		}
	}
	m.mu.Unlock()
	for _, id := range stale {
		m.forget(id)
	}
	if len(stale) > 0 {
		m.log.Info("stale uploads purged", "count", len(stale))
	}
	return len(stale)
}

func (m *Manager) forget(id string) {
	_ = os.Remove(m.partPath(id))
	_ = os.Remove(filepath.Join(m.dir, id+".json"))
	m.mu.Lock()
	delete(m.sessions, id)
	m.mu.Unlock()
}

func (m *Manager) partPath(id string) string { return filepath.Join(m.dir, id+".part") }

func (m *Manager) save(info Info) error {
	b, _ := json.MarshalIndent(info, "", "  ")
	tmp := filepath.Join(m.dir, info.ID+".json.tmp")
	final := filepath.Join(m.dir, info.ID+".json")
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, final)
}

// moveFile renames src to dst, copying when they sit on different
// filesystems.
func moveFile(src, dst string) error {
	if err := os.Rename(src, dst); err == nil {
		return nil
	}
	tmp := dst + ".fileluxe-part"
	if err := copyFile(src, tmp); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Remove(src)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	if err := out.Sync(); err != nil {
		return err
	}
	return out.Close()
}

func unwrapPath(err error) error {
	var pe *fs.PathError
	var le *os.LinkError
	switch {
	case errors.As(err, &pe):
		return pe.Err
	case errors.As(err, &le):
		return le.Err
	}
	return err
}

func newID() (string, error) {
	var b [16]byte
	if _, err := rand.Read(b[:]); err != nil {
		return "", err
	}
	return hex.EncodeToString(b[:]), nil
}

func validID(id string) bool {
	if len(id) != 32 {
		return false
	}
	_, err := hex.DecodeString(id)
	return err == nil
}

func parseContentRange(v string) (start, end, total int64, err error) {
	// "bytes <start>-<end>/<total>" where total may be "*"
	v = strings.TrimSpace(v)
	if !strings.HasPrefix(v, "bytes ") {
		return 0, 0, 0, fmt.Errorf("%w: expected bytes start-end/total", ErrInvalidRange)
	}
	v = strings.TrimPrefix(v, "bytes ")
	rng, tot, ok := strings.Cut(v, "/")
	if !ok {
		return 0, 0, 0, ErrInvalidRange
	}
	s, e, ok := strings.Cut(rng, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("%w: range", ErrInvalidRange)
	}
	start, err = strconv.ParseInt(s, 10, 64)
	if err != nil || start < 0 {
		return 0, 0, 0, fmt.Errorf("%w: start", ErrInvalidRange)
	}
	end, err = strconv.ParseInt(e, 10, 64)
	if err != nil || end < start {
		return 0, 0, 0, fmt.Errorf("%w: end", ErrInvalidRange)
	}
	if tot == "*" {
		total = -1
	} else {
		total, err = strconv.ParseInt(tot, 10, 64)
		if err != nil || total <= 0 || end >= total {
			return 0, 0, 0, fmt.Errorf("%w: total", ErrInvalidRange)
		}
	}
	return start, end, total, nil
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
