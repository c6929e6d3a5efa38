package httpserver

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"fileluxe/internal/auth"
	"fileluxe/internal/fileops"
)

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	password, err := loginPassword(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// The current cookie, if any, is regenerated so a planted identifier
	// never becomes authenticated.
	sess, err := s.gate.Login(r.Context(), s.authRequest(r), password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.setSessionCookie(w, r, sess.ID)
	writeOK(w, map[string]any{
		"csrf_token": sess.CSRFToken,
		"timeout":    int64(s.gate.Timeout().Seconds()),
	})
}

func loginPassword(r *http.Request) (string, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/json") {
		var body struct {
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			return "", fmt.Errorf("%w: bad json: %w", fileops.ErrInvalidInput, err)
		}
		return body.Password, nil
	}
	if err := r.ParseForm(); err != nil {
		return "", fmt.Errorf("%w: bad form: %w", fileops.ErrInvalidInput, err)
	}
	return r.PostFormValue("password"), nil
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if c, err := r.Cookie(SessionCookie); err == nil {
		if err := s.gate.Logout(r.Context(), c.Value); err != nil {
			s.writeError(w, r, err)
			return
		}
	}
	s.clearSessionCookie(w, r)
	writeOK(w, nil)
}

// handleSession reports how the caller is authorized. Session callers get
// their anti-forgery token back so a reloaded client can recover it.
func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	a, _ := auth.FromContext(r.Context())
	out := map[string]any{"method": a.Method.String()}
	if a.Method == auth.ViaSession && a.Session != nil {
		out["csrf_token"] = a.Session.CSRFToken
		out["login_time"] = a.Session.LoginTime.Unix()
		out["expires_at"] = a.Session.LastActivity.Add(s.gate.Timeout()).Unix()
	}
	writeOK(w, out)
}
