// Package auth decides whether a request may proceed: by pre-shared API key,
// or by an authenticated session inside its idle window. It also enforces the
// per-session anti-forgery token and the login rate limit.
package auth

import (
	"context"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"fileluxe/internal/metrics"
	"fileluxe/internal/ratelimit"
	"fileluxe/internal/session"
)

var (
	ErrDenied          = errors.New("authentication required")
	ErrExpired         = errors.New("session expired")
	ErrCSRFMismatch    = errors.New("invalid csrf token")
	ErrInvalidPassword = errors.New("invalid master password")
)

// ActionLogin is the rate limit bucket for password attempts.
const ActionLogin = "login"

const (
	DefaultTimeout     = 30 * time.Minute
	DefaultLoginMax    = 5
	DefaultLoginWindow = 15 * time.Minute
)

// Method is how a request was authorized.
type Method int

const (
	Denied Method = iota
	ViaAPIKey
	ViaSession
)

func (m Method) String() string {
	switch m {
	case ViaAPIKey:
		return "api_key"
	case ViaSession:
		return "session"
	default:
		return "denied"
	}
}

// Authorization is the outcome of Authorize. Session is set for ViaSession
// and is a copy of the stored state after the activity refresh.
type Authorization struct {
	Method  Method
	Session *session.Session
}

// Request carries the credentials the transport layer extracted.
type Request struct {
	APIKey     string
	SessionID  string
	CSRFToken  string
	ClientAddr string
}

type Options struct {
	// APIKey enables the stateless key channel. Empty disables it.
	APIKey string
	// Timeout is the session idle window. Default 30m.
	Timeout time.Duration

	Sessions    session.Store
	Credentials CredentialStore
	BcryptCost  int

	Limiter     *ratelimit.Limiter
	LoginMax    int
	LoginWindow time.Duration

	Now     func() time.Time
	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Gate is safe for concurrent use.
type Gate struct {
	apiKey      []byte
	timeout     time.Duration
	sessions    session.Store
	verifier    *Verifier
	limiter     *ratelimit.Limiter
	loginMax    int
	loginWindow time.Duration
	now         func() time.Time
	log         *slog.Logger
	metrics     *metrics.Metrics
	locks       *stripes
}

func New(opts Options) (*Gate, error) {
	if opts.Sessions == nil {
		return nil, errors.New("auth: session store is required")
	}
	if opts.Credentials == nil {
		opts.Credentials = NewStaticCredentials("")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.LoginMax <= 0 {
		opts.LoginMax = DefaultLoginMax
	}
	if opts.LoginWindow <= 0 {
		opts.LoginWindow = DefaultLoginWindow
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.New(opts.Now)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	log := opts.Logger.With("module", "auth")
	g := &Gate{
		timeout:     opts.Timeout,
		sessions:    opts.Sessions,
		limiter:     opts.Limiter,
		loginMax:    opts.LoginMax,
		loginWindow: opts.LoginWindow,
		now:         opts.Now,
		log:         log,
		metrics:     opts.Metrics,
		locks:       newStripes(),
	}
	if opts.APIKey != "" {
		g.apiKey = []byte(opts.APIKey)
	}
	g.verifier = &Verifier{
		Store:     opts.Credentials,
		Cost:      opts.BcryptCost,
		Logger:    log,
		OnUpgrade: opts.Metrics.CredentialUpgraded,
	}
	return g, nil
}

// Timeout returns the configured idle window.
func (g *Gate) Timeout() time.Duration { return g.timeout }

// APIKeyEnabled reports whether the key channel is configured.
func (g *Gate) APIKeyEnabled() bool { return len(g.apiKey) > 0 }

// CheckAPIKey compares key with the configured key in constant time.
func (g *Gate) CheckAPIKey(key string) bool {
	if len(g.apiKey) == 0 || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare(g.apiKey, []byte(key)) == 1
}

// Authorize classifies req. A valid API key wins; otherwise the session must
// be authenticated and inside the idle window, and its activity is refreshed.
// An expired session is deleted from the store and reported as ErrExpired.
func (g *Gate) Authorize(ctx context.Context, req Request) (Authorization, error) {
	if g.CheckAPIKey(req.APIKey) {
		g.metrics.AuthDecision("api_key")
		return Authorization{Method: ViaAPIKey}, nil
	}
	if req.SessionID == "" {
		g.metrics.AuthDecision("denied")
		return Authorization{}, ErrDenied
	}

	unlock := g.locks.lock(req.SessionID)
	defer unlock()

	s, err := g.sessions.Get(ctx, req.SessionID)
	if errors.Is(err, session.ErrNotFound) {
		g.metrics.AuthDecision("denied")
		return Authorization{}, ErrDenied
	}
	if err != nil {
		return Authorization{}, fmt.Errorf("load session: %w", err)
	}
	if !s.Authenticated {
		g.metrics.AuthDecision("denied")
		return Authorization{}, ErrDenied
	}
	now := g.now()
	if s.Expired(now, g.timeout) {
		if err := g.sessions.Delete(ctx, s.ID); err != nil {
			g.log.Error("drop expired session", "error", err)
		}
		g.metrics.AuthDecision("expired")
		return Authorization{}, ErrExpired
	}
	s.LastActivity = now
	if err := g.sessions.Save(ctx, s); err != nil {
		return Authorization{}, fmt.Errorf("refresh session: %w", err)
	}
	g.metrics.AuthDecision("session")
	return Authorization{Method: ViaSession, Session: s}, nil
}

// RequireCSRF checks the anti-forgery token of a state changing request.
// Requests authorized by API key are exempt.
func (g *Gate) RequireCSRF(a Authorization, token string) error {
	switch a.Method {
	case ViaAPIKey:
		return nil
	case ViaSession:
		if a.Session == nil || a.Session.CSRFToken == "" || token == "" {
			return ErrCSRFMismatch
		}
		if subtle.ConstantTimeCompare([]byte(a.Session.CSRFToken), []byte(token)) != 1 {
			return ErrCSRFMismatch
		}
		return nil
	default:
		return ErrDenied
	}
}

// Login verifies password for the client in req. On success the previous
// session identifier (if any) is invalidated and a new authenticated session
// with a fresh anti-forgery token is returned. Failures count against the
// client's login window; success does not reset it.
func (g *Gate) Login(ctx context.Context, req Request, password string) (*session.Session, error) {
	if err := g.limiter.Check(req.ClientAddr, ActionLogin, g.loginMax, g.loginWindow); err != nil {
		g.metrics.Login("rate_limited")
		g.log.Warn("login rate limited", "client", req.ClientAddr)
		return nil, err
	}

	ok, err := g.verifier.Verify(ctx, password)
	switch {
	case errors.Is(err, ErrLoginDisabled):
		g.limiter.RecordFailure(req.ClientAddr, ActionLogin, g.loginWindow)
		g.metrics.Login("disabled")
		g.log.Warn("login attempted but no master password is configured", "client", req.ClientAddr)
		return nil, ErrInvalidPassword
	case err != nil:
		return nil, err
	case !ok:
		g.limiter.RecordFailure(req.ClientAddr, ActionLogin, g.loginWindow)
		g.metrics.Login("failure")
		g.log.Info("login failed", "client", req.ClientAddr)
		return nil, ErrInvalidPassword
	}

	id, err := session.NewID()
	if err != nil {
		return nil, fmt.Errorf("new session id: %w", err)
	}
	token, err := session.NewToken()
	if err != nil {
		return nil, fmt.Errorf("new csrf token: %w", err)
	}
	now := g.now()
	s := &session.Session{
		ID:            id,
		Authenticated: true,
		LastActivity:  now,
		LoginTime:     now,
		CSRFToken:     token,
	}

	if req.SessionID != "" {
		unlock := g.locks.lock(req.SessionID)
		defer unlock()
	}
	if err := g.sessions.Regenerate(ctx, req.SessionID, s); err != nil {
		return nil, fmt.Errorf("store session: %w", err)
	}
	g.metrics.Login("success")
	g.log.Info("login succeeded", "client", req.ClientAddr)
	out := *s
	return &out, nil
}

// Logout removes the session server side. Unknown identifiers are ignored.
func (g *Gate) Logout(ctx context.Context, sessionID string) error {
	if sessionID == "" {
		return nil
	}
	unlock := g.locks.lock(sessionID)
	defer unlock()
	if err := g.sessions.Delete(ctx, sessionID); err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	return nil
}

// Sweep removes idle sessions from stores that do not expire entries on
// their own. It returns 0 for other stores.
func (g *Gate) Sweep(ctx context.Context) (int64, error) {
	sw, ok := g.sessions.(session.Sweeper)
	if !ok {
		return 0, nil
	}
	return sw.DeleteIdle(ctx, g.now().Add(-g.timeout))
}

type ctxKey struct{}

// WithAuthorization stores a in ctx.
func WithAuthorization(ctx context.Context, a Authorization) context.Context {
	return context.WithValue(ctx, ctxKey{}, a)
}

// FromContext returns the Authorization stored by WithAuthorization.
func FromContext(ctx context.Context) (Authorization, bool) {
	a, ok := ctx.Value(ctxKey{}).(Authorization)
	return a, ok
}

// ParseBasicAuth decodes an "Authorization: Basic" header value.
func ParseBasicAuth(v string) (user, pass string, ok bool) {
	const prefix = "Basic "
	if !strings.HasPrefix(v, prefix) {
		return "", "", false
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(strings.TrimPrefix(v, prefix)))
	if err != nil {
		return "", "", false
	}
	s := string(raw)
	i := strings.IndexByte(s, ':')
	if i < 0 {
		return "", "", false
	}
	u := s[:i]
	p := s[i+1:]
	if strings.Contains(u, "\x00") || strings.Contains(p, "\x00") {
		return "", "", false
	}
	return u, p, true
}
