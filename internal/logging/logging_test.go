package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("WARNING"))
	assert.Equal(t, slog.LevelError, ParseLevel(" ERROR "))
	assert.Equal(t, slog.LevelInfo, ParseLevel("chatty"))
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	log := NewWriter(&buf, Options{Level: "INFO", Format: "json"})
	log.Debug("hidden")
	log.Info("login succeeded", "client", "10.0.0.1")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "login succeeded", rec["msg"])
	assert.Equal(t, "10.0.0.1", rec["client"])
}

func TestFileOutput(t *testing.T) {
	p := filepath.Join(t.TempDir(), "logs", "fileluxe.log")
	log, closer, err := New(Options{Output: p})
	require.NoError(t, err)
	log.Warn("migrated plaintext master password to bcrypt")
	require.NoError(t, closer.Close())

	b, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Contains(t, string(b), "level=WARN")
}

func TestGormLogger(t *testing.T) {
	var buf bytes.Buffer
	g := NewGormLogger(NewWriter(&buf, Options{Level: "WARN"}), 10*time.Millisecond)
	ctx := context.Background()
	sql := func() (string, int64) { return "SELECT 1", 1 }

	g.Trace(ctx, time.Now(), sql, nil)
	assert.Empty(t, buf.String(), "fast queries stay below WARN")

	g.Trace(ctx, time.Now(), sql, gorm.ErrRecordNotFound)
	assert.Empty(t, buf.String())

	g.Trace(ctx, time.Now(), sql, errors.New("disk I/O error"))
	assert.Contains(t, buf.String(), "query error")

	buf.Reset()
	g.Trace(ctx, time.Now().Add(-time.Second), sql, nil)
	assert.Contains(t, buf.String(), "slow query")
	assert.Same(t, g, g.LogMode(0))
}
