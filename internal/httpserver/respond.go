package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"math"
	"net/http"
	"strconv"

	"fileluxe/internal/auth"
	"fileluxe/internal/fileops"
	"fileluxe/internal/fsutil"
	"fileluxe/internal/ratelimit"
	"fileluxe/internal/upload"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

func writeOK(w http.ResponseWriter, fields map[string]any) {
	if fields == nil {
		fields = map[string]any{}
	}
	fields["success"] = true
	writeJSON(w, http.StatusOK, fields)
}

type apiError struct {
	status  int
	code    string
	message string
}

// classify maps an error onto the response status, code and message. Only
// messages built from client supplied data are passed through; everything
// else gets a fixed text.
func classify(err error) apiError {
	var exceeded *ratelimit.ExceededError
	var opErr *fileops.OpError
	var maxBytes *http.MaxBytesError
	switch {
	case errors.As(err, &maxBytes):
		return apiError{http.StatusRequestEntityTooLarge, "too_large", "Request body too large"}
	case errors.Is(err, auth.ErrDenied):
		return apiError{http.StatusUnauthorized, "auth_required", "Authentication required. Please login."}
	case errors.Is(err, auth.ErrExpired):
		return apiError{http.StatusUnauthorized, "session_expired", "Session expired. Please login."}
	case errors.Is(err, auth.ErrCSRFMismatch):
		return apiError{http.StatusForbidden, "csrf_mismatch", "Invalid CSRF token"}
	case errors.Is(err, auth.ErrInvalidPassword):
		return apiError{http.StatusUnauthorized, "invalid_password", "Invalid Master Password."}
	case errors.As(err, &exceeded):
		return apiError{http.StatusTooManyRequests, "rate_limited", err.Error()}

	case errors.Is(err, fsutil.ErrEscape), errors.Is(err, fsutil.ErrInvalidSegment):
		return apiError{http.StatusBadRequest, "invalid_path", err.Error()}
	case errors.Is(err, fsutil.ErrRootEntry):
		return apiError{http.StatusForbidden, "root_entry", err.Error()}

	case errors.Is(err, fileops.ErrBlockedType), errors.Is(err, upload.ErrBlockedType):
		return apiError{http.StatusBadRequest, "blocked_type", "File type not allowed"}
	case errors.Is(err, fileops.ErrBlockedHost):
		return apiError{http.StatusForbidden, "blocked_host", "Access to internal networks not allowed."}
	case errors.Is(err, fileops.ErrRemoteFetch):
		return apiError{http.StatusBadGateway, "remote_fetch_failed", "Could not fetch remote URL."}
	case errors.Is(err, fileops.ErrTooLarge), errors.Is(err, upload.ErrTooLarge):
		return apiError{http.StatusRequestEntityTooLarge, "too_large", err.Error()}
	case errors.Is(err, fileops.ErrUnsafeArchive):
		return apiError{http.StatusBadRequest, "unsafe_archive", err.Error()}
	case errors.Is(err, fileops.ErrNotZip):
		return apiError{http.StatusBadRequest, "not_zip", "Not a zip file."}
	case errors.Is(err, fileops.ErrNotDir):
		return apiError{http.StatusBadRequest, "not_directory", err.Error()}
	case errors.Is(err, fileops.ErrIsDir), errors.Is(err, upload.ErrIsDir):
		return apiError{http.StatusBadRequest, "is_directory", err.Error()}
	case errors.Is(err, fileops.ErrUnknownAction):
		return apiError{http.StatusBadRequest, "unknown_action", err.Error()}
	case errors.Is(err, fileops.ErrInvalidInput), errors.Is(err, upload.ErrInvalidRange):
		return apiError{http.StatusBadRequest, "invalid_input", err.Error()}
	case errors.Is(err, upload.ErrOffsetMismatch), errors.Is(err, upload.ErrSizeMismatch), errors.Is(err, upload.ErrIncomplete):
		return apiError{http.StatusConflict, "upload_state", err.Error()}

	case errors.Is(err, fs.ErrNotExist), errors.Is(err, upload.ErrNotFound):
		return apiError{http.StatusNotFound, "not_found", "Not found"}
	case errors.Is(err, fileops.ErrNotEmpty):
		return apiError{http.StatusConflict, "not_empty", "Directory not empty"}
	case errors.Is(err, fs.ErrExist):
		return apiError{http.StatusConflict, "exists", "Already exists"}
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return apiError{http.StatusServiceUnavailable, "canceled", "Request canceled"}
	case errors.As(err, &opErr):
		return apiError{http.StatusInternalServerError, "operation_failed", "Operation failed"}
	}
	return apiError{http.StatusInternalServerError, "internal_error", "Internal error"}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	e := classify(err)
	var exceeded *ratelimit.ExceededError
	if errors.As(err, &exceeded) {
		secs := int(math.Ceil(exceeded.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	if e.status >= 500 {
		s.logger(r).Error("request failed", "code", e.code, "error", err)
	}
	writeJSON(w, e.status, map[string]any{"success": false, "error": e.message, "code": e.code})
}
