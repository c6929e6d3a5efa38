package auth

import (
	"bufio"
	"bytes"
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// ErrLoginDisabled is returned when no master password is configured.
var ErrLoginDisabled = errors.New("password login disabled")

// CredentialStore holds the master secret. Secret may return a bcrypt hash or
// a legacy plaintext value. Upgrade replaces the stored secret with hash.
type CredentialStore interface {
	Secret(ctx context.Context) (string, error)
	Upgrade(ctx context.Context, hash string) error
}

// IsHash reports whether s looks like a bcrypt hash.
func IsHash(s string) bool {
	return strings.HasPrefix(s, "$2a$") || strings.HasPrefix(s, "$2b$") || strings.HasPrefix(s, "$2y$")
}

// HashPassword returns a bcrypt hash of password at cost (0 means default).
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		return "", fmt.Errorf("invalid bcrypt cost %d (min=%d max=%d)", cost, bcrypt.MinCost, bcrypt.MaxCost)
	}
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("bcrypt: %w", err)
	}
	return string(h), nil
}

// Verifier checks passwords against a CredentialStore and migrates legacy
// plaintext secrets to bcrypt on the first successful match.
type Verifier struct {
	Store  CredentialStore
	Cost   int
	Logger *slog.Logger

	// OnUpgrade is called after a successful migration.
	OnUpgrade func()
}

// Verify reports whether password matches. A failed upgrade is logged and
// does not fail the login.
func (v *Verifier) Verify(ctx context.Context, password string) (bool, error) {
	secret, err := v.Store.Secret(ctx)
	if err != nil {
		return false, fmt.Errorf("load credentials: %w", err)
	}
	if secret == "" {
		return false, ErrLoginDisabled
	}
	if password == "" {
		return false, nil
	}
	if IsHash(secret) {
		err := bcrypt.CompareHashAndPassword([]byte(secret), []byte(password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, fmt.Errorf("compare hash: %w", err)
		}
		return true, nil
	}

	if subtle.ConstantTimeCompare([]byte(secret), []byte(password)) != 1 {
		return false, nil
	}
	v.upgrade(ctx, password)
	return true, nil
}

func (v *Verifier) upgrade(ctx context.Context, password string) {
	log := v.Logger
	if log == nil {
		log = slog.Default()
	}
	hash, err := HashPassword(password, v.Cost)
	if err != nil {
		log.Error("credential migration failed", "error", err)
		return
	}
	if err := v.Store.Upgrade(ctx, hash); err != nil {
		log.Error("credential migration failed", "error", err)
		return
	}
	log.Warn("migrated plaintext master password to bcrypt")
	if v.OnUpgrade != nil {
		v.OnUpgrade()
	}
}

// StaticCredentials keeps the secret in memory. Upgrades replace it in place.
type StaticCredentials struct {
	mu     sync.RWMutex
	secret string
}

func NewStaticCredentials(secret string) *StaticCredentials {
	return &StaticCredentials{secret: secret}
}

func (s *StaticCredentials) Secret(context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.secret, nil
}

func (s *StaticCredentials) Upgrade(_ context.Context, hash string) error {
	s.mu.Lock()
	s.secret = hash
	s.mu.Unlock()
	return nil
}

// noUpgrade discards upgrades so the configured secret is never rewritten.
type noUpgrade struct {
	CredentialStore
}

// NoUpgrade wraps store so that Upgrade is a no-op.
func NoUpgrade(store CredentialStore) CredentialStore {
	return noUpgrade{store}
}

func (noUpgrade) Upgrade(context.Context, string) error { return nil }

// EnvFileCredentials serves the master secret loaded from a dotenv file and
// writes upgrades back to the MASTER_PASS line of that file.
type EnvFileCredentials struct {
	path string

	mu     sync.RWMutex
	secret string
}

// EnvKeyMasterPass is the dotenv key holding the master secret.
const EnvKeyMasterPass = "MASTER_PASS"

// NewEnvFileCredentials returns a store backed by the dotenv file at path.
// secret is the value already loaded from it.
func NewEnvFileCredentials(path, secret string) *EnvFileCredentials {
	return &EnvFileCredentials{path: path, secret: secret}
}

func (e *EnvFileCredentials) Secret(context.Context) (string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.secret, nil
}

// Upgrade rewrites the MASTER_PASS line, appending one when the file has
// none. The file is replaced atomically and keeps its permissions.
func (e *EnvFileCredentials) Upgrade(_ context.Context, hash string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := SetEnvValue(e.path, EnvKeyMasterPass, hash); err != nil {
		return err
	}
	e.secret = hash
	return nil
}

// SetEnvValue sets key=value in the dotenv file at path, creating the file
// when it does not exist.
func SetEnvValue(path, key, value string) error {
	mode := os.FileMode(0o600)
	content, err := os.ReadFile(path)
	switch {
	case err == nil:
		if st, err := os.Stat(path); err == nil {
			mode = st.Mode().Perm()
		}
	case errors.Is(err, os.ErrNotExist):
		content = nil
	default:
		return fmt.Errorf("read env file: %w", err)
	}

	var out bytes.Buffer
	replaced := false
	sc := bufio.NewScanner(bytes.NewReader(content))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), key+"=") {
			if replaced {
				continue
			}
			line = key + "=" + value
			replaced = true
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("scan env file: %w", err)
	}
	if !replaced {
		out.WriteString(key + "=" + value + "\n")
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".env-*")
	if err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(out.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write env file: %w", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write env file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write env file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("replace env file: %w", err)
	}
	return nil
}
