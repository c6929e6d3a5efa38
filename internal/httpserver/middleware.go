package httpserver

import (
	"context"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/cors"
	"github.com/google/uuid"
)

type requestIDKey struct{}

// requestID tags every request with an identifier, reusing a well formed
// incoming X-Request-ID.
func (s *Server) requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if _, err := uuid.Parse(id); err != nil {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func (s *Server) logger(r *http.Request) *slog.Logger {
	if id, ok := r.Context().Value(requestIDKey{}).(string); ok {
		return s.log.With("request_id", id)
	}
	return s.log
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int64
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += int64(n)
	return n, err
}

func (w *statusRecorder) Unwrap() http.ResponseWriter { return w.ResponseWriter }

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		s.metrics.HTTPRequest(r.Method, rec.status)
		if r.URL.Path == "/healthz" {
			return
		}
		level := slog.LevelInfo
		if rec.status >= 500 {
			level = slog.LevelError
		}
		s.logger(r).Log(r.Context(), level, "request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"client", s.clientAddr(r),
			"duration", time.Since(start),
		)
	})
}

func withHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "no-referrer")
		if r.URL.Path != "/api/thumb" {
			w.Header().Set("Cache-Control", "no-store")
		}
		next.ServeHTTP(w, r)
	})
}

// The mobile app runs on capacitor://localhost; local development servers
// use any port on http://localhost.
const appOrigin = "capacitor://localhost"

var localOrigin = regexp.MustCompile(`^http://localhost(:\d+)?$`)

func (s *Server) allowOrigin(_ *http.Request, origin string) bool {
	return origin == appOrigin || localOrigin.MatchString(origin) || s.origins[origin]
}

func (s *Server) cors(next http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowOriginFunc:  s.allowOrigin,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"Content-Type", "Content-Range", "X-API-KEY", "X-CSRF-TOKEN", "X-Request-ID"},
		ExposedHeaders:   []string{"Retry-After", "X-Request-ID", "Upload-Offset"},
		AllowCredentials: true,
		MaxAge:           86400,
	})(next)
}

// limitBody caps request bodies. Upload carrying requests get the larger
// upload limit.
func (s *Server) limitBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil && r.Body != http.NoBody {
			limit := s.maxBody
			if carriesUpload(r) {
				limit = s.maxUpload
			}
			r.Body = http.MaxBytesReader(w, r.Body, limit)
		}
		next.ServeHTTP(w, r)
	})
}

func carriesUpload(r *http.Request) bool {
	switch {
	case r.Method == http.MethodPatch && strings.HasPrefix(r.URL.Path, "/api/uploads/"):
		return true
	case r.Method == http.MethodPost && r.URL.Path == "/api/fm":
		return strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data")
	case strings.HasPrefix(r.URL.Path, "/dav/"):
		return r.Method == http.MethodPut
	}
	return false
}
