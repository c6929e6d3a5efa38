// Package httpserver exposes the file manager over HTTP: a JSON API for the
// web and mobile clients, resumable uploads and an optional WebDAV mount.
package httpserver

import (
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"fileluxe/internal/auth"
	"fileluxe/internal/fileops"
	"fileluxe/internal/metrics"
	"fileluxe/internal/ratelimit"
	"fileluxe/internal/upload"
)

// SessionCookie is the name of the session identifier cookie.
const SessionCookie = "fileluxe_session"

type Options struct {
	Gate    *auth.Gate
	Files   *fileops.Manager
	Uploads *upload.Manager // nil disables the resumable upload routes

	Throttle *ratelimit.Throttle
	Metrics  *metrics.Metrics
	Logger   *slog.Logger

	// AllowedOrigins are accepted for CORS in addition to the local app
	// origins.
	AllowedOrigins []string
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool
	// MaxBodySize caps request bodies except uploads. MaxUploadSize caps
	// multipart uploads and upload chunks.
	MaxBodySize   int64
	MaxUploadSize int64

	WebDAV bool
	// SecureCookies marks the session cookie Secure even on plain HTTP
	// requests, for deployments behind a TLS terminating proxy.
	SecureCookies bool
}

type Server struct {
	gate     *auth.Gate
	files    *fileops.Manager
	uploads  *upload.Manager
	throttle *ratelimit.Throttle
	metrics  *metrics.Metrics
	log      *slog.Logger

	origins       map[string]bool
	trustProxy    bool
	maxBody       int64
	maxUpload     int64
	webdav        bool
	secureCookies bool
}

func New(opts Options) (*Server, error) {
	if opts.Gate == nil {
		return nil, errors.New("httpserver: gate is required")
	}
	if opts.Files == nil {
		return nil, errors.New("httpserver: file manager is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 64 << 20
	}
	if opts.MaxUploadSize <= 0 {
		opts.MaxUploadSize = 4 << 30
	}
	s := &Server{
		gate:          opts.Gate,
		files:         opts.Files,
		uploads:       opts.Uploads,
		throttle:      opts.Throttle,
		metrics:       opts.Metrics,
		log:           opts.Logger.With("module", "http"),
		origins:       map[string]bool{},
		trustProxy:    opts.TrustProxy,
		maxBody:       opts.MaxBodySize,
		maxUpload:     opts.MaxUploadSize,
		webdav:        opts.WebDAV,
		secureCookies: opts.SecureCookies,
	}
	for _, o := range opts.AllowedOrigins {
		if o = strings.TrimSpace(o); o != "" {
			s.origins[strings.TrimSuffix(o, "/")] = true
		}
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})

	mux.HandleFunc("POST /api/login", s.handleLogin)
	mux.HandleFunc("POST /api/logout", s.handleLogout)
	mux.Handle("GET /api/session", s.authorized(s.handleSession))

	mux.Handle("GET /api/files", s.authorized(s.handleList))
	mux.Handle("POST /api/fm", s.authorized(s.handleAction))
	mux.Handle("GET /api/download", s.authorized(s.handleDownload))
	mux.Handle("GET /api/zip", s.authorized(s.handleZip))
	mux.Handle("POST /api/zip", s.authorized(s.handleZip))
	mux.Handle("GET /api/search", s.authorized(s.handleSearch))
	mux.Handle("GET /api/thumb", s.authorized(s.handleThumb))

	if s.uploads != nil {
		mux.Handle("POST /api/uploads", s.authorized(s.mutating(s.handleUploadCreate)))
		mux.Handle("GET /api/uploads/{id}", s.authorized(s.handleUploadStatus))
		mux.Handle("PATCH /api/uploads/{id}", s.authorized(s.mutating(s.handleUploadPatch)))
		mux.Handle("DELETE /api/uploads/{id}", s.authorized(s.mutating(s.handleUploadAbort)))
		mux.Handle("POST /api/uploads/{id}/finish", s.authorized(s.mutating(s.handleUploadFinish)))
	}

	if s.webdav {
		mux.Handle("/dav/", s.davHandler())
	}
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.authorized(s.metrics.Handler().ServeHTTP))
	}

	var h http.Handler = mux
	h = s.limitBody(h)
	h = s.throttle.Middleware(s.clientAddr, h)
	h = s.cors(h)
	h = withHeaders(h)
	h = s.accessLog(h)
	return s.requestID(h)
}

// authorized runs next only when the request carries a valid API key or an
// authenticated, unexpired session. The Authorization is stored in the
// request context.
func (s *Server) authorized(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a, err := s.gate.Authorize(r.Context(), s.authRequest(r))
		if err != nil {
			if errors.Is(err, auth.ErrExpired) {
				s.clearSessionCookie(w, r)
			}
			s.writeError(w, r, err)
			return
		}
		next.ServeHTTP(w, r.WithContext(auth.WithAuthorization(r.Context(), a)))
	})
}

// mutating requires the anti-forgery token for session authorized requests.
func (s *Server) mutating(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.requireCSRF(r); err != nil {
			s.writeError(w, r, err)
			return
		}
		next(w, r)
	}
}

func (s *Server) requireCSRF(r *http.Request) error {
	a, _ := auth.FromContext(r.Context())
	token := r.Header.Get("X-CSRF-TOKEN")
	if token == "" {
		token = bodyValue(r, "csrf_token")
	}
	return s.gate.RequireCSRF(a, token)
}

func (s *Server) authRequest(r *http.Request) auth.Request {
	req := auth.Request{
		APIKey:     r.Header.Get("X-API-KEY"),
		ClientAddr: s.clientAddr(r),
	}
	if req.APIKey == "" {
		req.APIKey = bodyValue(r, "api_key")
	}
	if req.APIKey == "" {
		req.APIKey = r.URL.Query().Get("api_key")
	}
	if c, err := r.Cookie(SessionCookie); err == nil {
		req.SessionID = c.Value
	}
	return req
}

// bodyValue reads a field of a urlencoded or multipart POST body. Other
// bodies are left untouched so streaming handlers can consume them.
func bodyValue(r *http.Request, key string) string {
	if r.Method != http.MethodPost || r.Body == nil {
		return ""
	}
	ct := r.Header.Get("Content-Type")
	if !strings.HasPrefix(ct, "application/x-www-form-urlencoded") && !strings.HasPrefix(ct, "multipart/form-data") {
		return ""
	}
	return r.PostFormValue(key)
}

// clientAddr is the rate limit identity of the caller.
func (s *Server) clientAddr(r *http.Request) string {
	if s.trustProxy {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if addr, err := netip.ParseAddr(strings.TrimSpace(first)); err == nil {
				return addr.Unmap().String()
			}
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) setSessionCookie(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.secureCookies || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}

func (s *Server) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		HttpOnly: true,
		Secure:   s.secureCookies || r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})
}
