package httpserver

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"fileluxe/internal/fileops"
)

// multipartMemory is how much of a multipart body is kept in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, fileops.List{Path: r.URL.Query().Get("path")})
}

// handleAction serves the action-tagged form protocol of the file manager
// clients: action=list|read|write|delete|rename|mkdir|upload|remote_upload|unzip...
func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var part *fileops.FilePart
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: bad multipart body: %w", fileops.ErrInvalidInput, err))
			return
		}
		if fh := firstFile(r.MultipartForm); fh != nil {
			f, err := fh.Open()
			if err != nil {
				s.writeError(w, r, err)
				return
			}
			defer f.Close()
			part = &fileops.FilePart{Name: fh.Filename, Body: f}
		}
	} else if err := r.ParseForm(); err != nil {
		s.writeError(w, r, fmt.Errorf("%w: bad form: %w", fileops.ErrInvalidInput, err))
		return
	}

	op, err := fileops.ParseAction(r.FormValue("action"), r.Form, part)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if op.Mutating() {
		if err := s.requireCSRF(r); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.run(w, r, op)
}

func firstFile(mf *multipart.Form) *multipart.FileHeader {
	if mf == nil || len(mf.File) == 0 {
		return nil
	}
	if v := mf.File["file"]; len(v) > 0 {
		return v[0]
	}
	return nil
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, fileops.Download{Path: r.URL.Query().Get("file")})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	s.run(w, r, fileops.Search{Path: q.Get("path"), Query: q.Get("q")})
}

func (s *Server) handleThumb(w http.ResponseWriter, r *http.Request) {
	s.run(w, r, fileops.Thumb{Path: r.URL.Query().Get("path")})
}

// handleZip accepts GET ?path=, a POST form with repeated paths fields or a
// JSON body {"paths":[...],"name":"..."}.
func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	var op fileops.Zip
	switch {
	case r.Method == http.MethodGet:
		op.Paths = []string{r.URL.Query().Get("path")}
		op.Name = r.URL.Query().Get("name")
	case strings.HasPrefix(r.Header.Get("Content-Type"), "application/json"):
		var req struct {
			Paths []string `json:"paths"`
			Name  string   `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: bad json: %w", fileops.ErrInvalidInput, err))
			return
		}
		op.Paths, op.Name = req.Paths, req.Name
	default:
		if err := r.ParseForm(); err != nil {
			s.writeError(w, r, fmt.Errorf("%w: bad form: %w", fileops.ErrInvalidInput, err))
			return
		}
		op.Paths = r.Form["paths"]
		if len(op.Paths) == 0 {
			op.Paths = r.Form["path"]
		}
		op.Name = r.FormValue("name")
	}
	s.run(w, r, op)
}

// run executes op and writes its result.
func (s *Server) run(w http.ResponseWriter, r *http.Request, op fileops.Op) {
	res, err := s.files.Do(r.Context(), op)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	switch res := res.(type) {
	case *fileops.Listing:
		writeOK(w, map[string]any{"files": res.Files, "pwd": res.Pwd})
	case *fileops.Content:
		writeOK(w, map[string]any{"content": base64.StdEncoding.EncodeToString(res.Data)})
	case *fileops.Done:
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			*fileops.Done
		}{true, res})
	case *fileops.SearchResult:
		writeJSON(w, http.StatusOK, struct {
			Success bool `json:"success"`
			*fileops.SearchResult
		}{true, res})
	case *fileops.FileStream:
		defer res.File.Close()
		name := res.Info.Name()
		w.Header().Set("Content-Type", res.ContentType)
		w.Header().Set("Content-Disposition", attachment(name))
		http.ServeContent(w, r, name, res.Info.ModTime(), res.File)
	case *fileops.Archive:
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", attachment(res.Name+".zip"))
		if err := res.Stream(r.Context(), w); err != nil {
			// headers are gone; the client sees a truncated archive
			s.logger(r).Warn("zip stream aborted", "name", res.Name, "error", err)
		}
	case *fileops.Image:
		w.Header().Set("Content-Type", "image/jpeg")
		w.Header().Set("Cache-Control", "private, max-age=3600")
		http.ServeContent(w, r, "", res.ModTime, bytes.NewReader(res.Data))
	default:
		s.writeError(w, r, fmt.Errorf("unexpected result %T", res))
	}
}

func attachment(name string) string {
	name = path.Base(strings.ReplaceAll(name, "\\", "/"))
	if v := mime.FormatMediaType("attachment", map[string]string{"filename": name}); v != "" {
		return v
	}
	return "attachment"
}
