// Package fileops performs file manager operations on paths confined by an
// fsutil.Guard.
package fileops

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"time"

	"fileluxe/internal/fsutil"
	"fileluxe/internal/metrics"
)

var (
	ErrInvalidInput  = errors.New("invalid input")
	ErrUnknownAction = errors.New("unknown action")
	ErrNotDir        = errors.New("not a directory")
	ErrIsDir         = errors.New("is a directory")
	ErrNotEmpty      = errors.New("directory not empty")
	ErrBlockedType   = errors.New("file type not allowed")
	ErrNotZip        = errors.New("not a zip file")
	ErrUnsafeArchive = errors.New("unsafe archive entry")
	ErrTooLarge      = errors.New("too large")
	ErrBlockedHost   = errors.New("access to internal networks not allowed")
	ErrRemoteFetch   = errors.New("could not fetch remote url")
)

// OpError reports a failed filesystem call. Path is the logical path; the
// resolved location is never included.
type OpError struct {
	Op   string
	Path string
	Err  error
}

func (e *OpError) Error() string { return e.Op + " " + e.Path + ": " + e.Err.Error() }

func (e *OpError) Unwrap() error { return e.Err }

func opErr(op, logical string, err error) error {
	var pe *fs.PathError
	var le *os.LinkError
	switch {
	case errors.As(err, &pe):
		err = pe.Err
	case errors.As(err, &le):
		err = le.Err
	}
	if errors.Is(err, syscall.ENOTEMPTY) || (op == "delete" && errors.Is(err, syscall.EEXIST)) {
		err = ErrNotEmpty
	}
	return &OpError{Op: op, Path: logical, Err: err}
}

// DefaultBlockedExtensions are refused by upload and remote upload.
var DefaultBlockedExtensions = []string{"php", "phtml", "php3", "php4", "php5", "phar", "sh", "exe", "bat", "cmd", "com"}

type Options struct {
	Guard *fsutil.Guard
	// StateDir holds the thumbnail cache. Empty disables caching.
	StateDir string

	BlockedExtensions []string
	MaxReadSize       int64

	HTTPClient    *http.Client
	RemoteTimeout time.Duration
	MaxRemoteSize int64
	// AllowPrivateRemote lets remote upload reach loopback and private
	// networks.
	AllowPrivateRemote bool

	MaxUnzipEntries int
	MaxUnzipSize    int64

	SearchMaxHits  int
	SearchMaxFiles int

	ThumbSize int

	Logger  *slog.Logger
	Metrics *metrics.Metrics
	Now     func() time.Time
}

// Manager runs operations. It is safe for concurrent use.
type Manager struct {
	guard    *fsutil.Guard
	stateDir string
	blocked  map[string]bool

	maxRead int64

	client        *http.Client
	maxRemoteSize int64
	allowPrivate  bool

	maxUnzipEntries int
	maxUnzipSize    int64

	searchMaxHits  int
	searchMaxFiles int

	thumbSize int

	log     *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	owners  *ownerCache
}

func New(opts Options) (*Manager, error) {
	if opts.Guard == nil {
		return nil, errors.New("fileops: guard is required")
	}
	if opts.BlockedExtensions == nil {
		opts.BlockedExtensions = DefaultBlockedExtensions
	}
	if opts.MaxReadSize <= 0 {
		opts.MaxReadSize = 16 << 20
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = 60 * time.Second
	}
	if opts.MaxRemoteSize <= 0 {
		opts.MaxRemoteSize = 512 << 20
	}
	if opts.MaxUnzipEntries <= 0 {
		opts.MaxUnzipEntries = 10_000
	}
	if opts.MaxUnzipSize <= 0 {
		opts.MaxUnzipSize = 1 << 30
	}
	if opts.SearchMaxHits <= 0 {
		opts.SearchMaxHits = 500
	}
	if opts.SearchMaxFiles <= 0 {
		opts.SearchMaxFiles = 200_000
	}
	if opts.ThumbSize <= 0 {
		opts.ThumbSize = 256
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	m := &Manager{
		guard:           opts.Guard,
		stateDir:        opts.StateDir,
		blocked:         map[string]bool{},
		maxRead:         opts.MaxReadSize,
		maxRemoteSize:   opts.MaxRemoteSize,
		allowPrivate:    opts.AllowPrivateRemote,
		maxUnzipEntries: opts.MaxUnzipEntries,
		maxUnzipSize:    opts.MaxUnzipSize,
		searchMaxHits:   opts.SearchMaxHits,
		searchMaxFiles:  opts.SearchMaxFiles,
		thumbSize:       opts.ThumbSize,
		log:             opts.Logger.With("module", "fileops"),
		metrics:         opts.Metrics,
		now:             opts.Now,
		owners:          newOwnerCache(),
	}
	for _, ext := range opts.BlockedExtensions {
		m.blocked[normalizeExt(ext)] = true
	}
	m.client = opts.HTTPClient
	if m.client == nil {
		m.client = newRemoteClient(opts.RemoteTimeout, opts.AllowPrivateRemote)
	}
	return m, nil
}

// Guard returns the path guard the manager resolves through.
func (m *Manager) Guard() *fsutil.Guard { return m.guard }

// Result is the outcome of an operation. Its concrete type depends on the Op:
// *Listing, *Content, *FileStream, *Done, *Archive, *SearchResult or *Image.
type Result interface {
	result()
}

// Done reports a completed mutation.
type Done struct {
	// Path is the logical path that was created or changed.
	Path string `json:"path"`
	// Name is set when the stored name differs from the requested one.
	Name string `json:"filename,omitempty"`
	Size int64  `json:"size,omitempty"`
}

func (*Done) result() {}

// Do runs op after resolving every path it names through the guard.
func (m *Manager) Do(ctx context.Context, op Op) (Result, error) {
	start := m.now()
	res, err := m.dispatch(ctx, op)
	m.observe(op, err, m.now().Sub(start))
	return res, err
}

func (m *Manager) dispatch(ctx context.Context, op Op) (Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	switch o := op.(type) {
	case List:
		return m.list(ctx, o)
	case Read:
		return m.read(ctx, o)
	case Download:
		return m.download(ctx, o)
	case Write:
		return m.write(ctx, o)
	case Delete:
		return m.delete(ctx, o)
	case Rename:
		return m.rename(ctx, o)
	case Mkdir:
		return m.mkdir(ctx, o)
	case Upload:
		return m.upload(ctx, o)
	case RemoteUpload:
		return m.remoteUpload(ctx, o)
	case Unzip:
		return m.unzip(ctx, o)
	case Zip:
		return m.zip(ctx, o)
	case Search:
		return m.search(ctx, o)
	case Thumb:
		return m.thumb(ctx, o)
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnknownAction, op)
	}
}

func (m *Manager) observe(op Op, err error, d time.Duration) {
	status := Classify(err)
	m.metrics.FileOp(op.Action(), status, d)
	if err == nil {
		return
	}
	var pe *fsutil.PathError
	if errors.As(err, &pe) {
		m.metrics.PathRejected(status)
		m.log.Warn("path rejected", "action", op.Action(), "path", pe.Path, "reason", pe.Err)
		return
	}
	var oe *OpError
	if errors.As(err, &oe) {
		m.log.Error("file operation failed", "action", op.Action(), "path", oe.Path, "error", oe.Err)
		return
	}
	m.log.Debug("file operation refused", "action", op.Action(), "error", err)
}

// Classify maps err to a short status label used in metrics and responses.
func Classify(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, fsutil.ErrEscape):
		return "escape"
	case errors.Is(err, fsutil.ErrInvalidSegment):
		return "invalid_segment"
	case errors.Is(err, fsutil.ErrRootEntry):
		return "root_entry"
	case errors.Is(err, fs.ErrNotExist):
		return "not_found"
	case errors.Is(err, fs.ErrExist), errors.Is(err, ErrNotEmpty):
		return "conflict"
	case errors.Is(err, ErrTooLarge):
		return "too_large"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return "operation_failed"
	}
	return "rejected"
}

// resolveExisting resolves logical and requires it to exist.
func (m *Manager) resolveExisting(logical string) (fsutil.Resolved, error) {
	r, err := m.guard.Resolve(logical)
	if err != nil {
		return r, err
	}
	if !r.Kind.Exists() {
		return fsutil.Resolved{}, &fs.PathError{Op: "resolve", Path: logical, Err: fs.ErrNotExist}
	}
	return r, nil
}

// resolveDir resolves logical and requires an existing directory.
func (m *Manager) resolveDir(logical string) (fsutil.Resolved, error) {
	r, err := m.resolveExisting(logical)
	if err != nil {
		return r, err
	}
	if r.Kind != fsutil.KindDir {
		return fsutil.Resolved{}, fmt.Errorf("%s: %w", logical, ErrNotDir)
	}
	return r, nil
}

// resolveFile resolves logical and requires an existing non-directory.
func (m *Manager) resolveFile(logical string) (fsutil.Resolved, error) {
	r, err := m.resolveExisting(logical)
	if err != nil {
		return r, err
	}
	if r.Kind == fsutil.KindDir {
		return fsutil.Resolved{}, fmt.Errorf("%s: %w", logical, ErrIsDir)
	}
	return r, nil
}
