package httpserver

import (
	"fmt"
	"net/http"
	"strconv"

	"fileluxe/internal/fileops"
	"fileluxe/internal/upload"
)

func writeUpload(w http.ResponseWriter, status int, info upload.Info) {
	w.Header().Set("Upload-Offset", strconv.FormatInt(info.Offset, 10))
	writeJSON(w, status, struct {
		Success bool `json:"success"`
		upload.Info
	}{true, info})
}

// handleUploadCreate starts a resumable upload: POST /api/uploads?path=<dest>&size=<n>.
// A missing size means the total is unknown until the last chunk.
func (s *Server) handleUploadCreate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	total := int64(-1)
	if v := q.Get("size"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			s.writeError(w, r, fmt.Errorf("%w: bad size %q", fileops.ErrInvalidInput, v))
			return
		}
		total = n
	}
	info, err := s.uploads.Create(r.Context(), q.Get("path"), total)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger(r).Info("upload started", "id", info.ID, "dest", info.Dest, "size", info.Size)
	writeUpload(w, http.StatusCreated, info)
}

func (s *Server) handleUploadStatus(w http.ResponseWriter, r *http.Request) {
	info, ok := s.uploads.Get(r.PathValue("id"))
	if !ok {
		s.writeError(w, r, upload.ErrNotFound)
		return
	}
	writeUpload(w, http.StatusOK, info)
}

func (s *Server) handleUploadPatch(w http.ResponseWriter, r *http.Request) {
	info, err := s.uploads.Patch(r.Context(), r.PathValue("id"), r.Header.Get("Content-Range"), r.Body)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeUpload(w, http.StatusOK, info)
}

func (s *Server) handleUploadFinish(w http.ResponseWriter, r *http.Request) {
	info, err := s.uploads.Finish(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.logger(r).Info("upload finished", "id", info.ID, "dest", info.Dest, "size", info.Offset)
	writeOK(w, map[string]any{"path": info.Dest, "size": info.Offset})
}

func (s *Server) handleUploadAbort(w http.ResponseWriter, r *http.Request) {
	if err := s.uploads.Abort(r.Context(), r.PathValue("id")); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeOK(w, nil)
}
