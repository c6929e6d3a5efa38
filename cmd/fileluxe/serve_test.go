package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/crypto/bcrypt"

	"fileluxe/internal/auth"
	"fileluxe/internal/config"
	"fileluxe/internal/fsutil"
	"fileluxe/internal/logging"
	"fileluxe/internal/session"
	"fileluxe/internal/upload"
)

// go-cache runs a janitor goroutine per cache for the life of the process.
var ignoreJanitor = goleak.IgnoreTopFunction("github.com/patrickmn/go-cache.(*janitor).Run")

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{Root: t.TempDir(), StateDir: t.TempDir()}
	cfg.Server.Addr = "127.0.0.1:0"
	cfg.Logging.Output = filepath.Join(t.TempDir(), "fileluxe.log")
	require.NoError(t, config.ApplyDefaults(cfg))
	require.NoError(t, config.Validate(cfg))
	return cfg
}

func TestSweepStopsOnCancel(t *testing.T) {
	defer goleak.VerifyNone(t, ignoreJanitor)

	gate, err := auth.New(auth.Options{Sessions: session.NewMemoryStore(time.Hour), Logger: logging.Discard()})
	require.NoError(t, err)
	guard, err := fsutil.New(t.TempDir())
	require.NoError(t, err)
	uploads, err := upload.New(upload.Options{Guard: guard, StateDir: t.TempDir(), Logger: logging.Discard()})
	require.NoError(t, err)
	info, err := uploads.Create(context.Background(), "/stale.bin", 4)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		// a negative age makes every upload stale
		sweep(ctx, logging.Discard(), 5*time.Millisecond, gate, uploads, -time.Hour)
		close(done)
	}()
	require.Eventually(t, func() bool {
		_, ok := uploads.Get(info.ID)
		return !ok
	}, time.Second, 10*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweep did not stop")
	}
}

func TestServeShutsDownOnCancel(t *testing.T) {
	cfg := testConfig(t)
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	require.NoError(t, serve(ctx, cfg))

	b, err := os.ReadFile(cfg.Logging.Output)
	require.NoError(t, err)
	assert.Contains(t, string(b), "listening")
	assert.Contains(t, string(b), "shutting down")
}

func TestServeFailsOnBadAddress(t *testing.T) {
	cfg := testConfig(t)
	cfg.Server.Addr = "127.0.0.1:-1"
	assert.Error(t, serve(context.Background(), cfg))
}

func TestOpenSessions(t *testing.T) {
	cfg := testConfig(t)
	st, closeFn, err := openSessions(cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &session.MemoryStore{}, st)
	closeFn()

	cfg.Session.Backend = "badger"
	cfg.Session.Dir = filepath.Join(cfg.StateDir, "sessions")
	st, closeFn, err = openSessions(cfg, logging.Discard())
	require.NoError(t, err)
	assert.IsType(t, &session.BadgerStore{}, st)
	closeFn()
	assert.DirExists(t, cfg.Session.Dir)
}

func TestCredentials(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(cfg.EnvFile, []byte("MASTER_PASS=plain\n"), 0o600))
	cfg.MasterPass = "plain"
	cfg.MasterPassFromEnvFile = true
	assert.IsType(t, &auth.EnvFileCredentials{}, credentials(cfg))

	cfg.Auth.DisableUpgrade = true
	require.NoError(t, credentials(cfg).Upgrade(ctx, "$2y$10$ignored"))
	b, err := os.ReadFile(cfg.EnvFile)
	require.NoError(t, err)
	assert.Equal(t, "MASTER_PASS=plain\n", string(b))

	cfg.Auth.DisableUpgrade = false
	cfg.MasterPassFromEnvFile = false
	store := credentials(cfg)
	require.NoError(t, store.Upgrade(ctx, "$2y$10$ignored"))
	secret, err := store.Secret(ctx)
	require.NoError(t, err)
	assert.Equal(t, "plain", secret, "a secret from the config file is never rewritten")
}

func TestPasswdPrintsHash(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCommand()
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"passwd", "-p", "s3cret", "--cost", "4"})
	require.NoError(t, cmd.Execute())

	hash := strings.TrimSpace(out.String())
	require.True(t, auth.IsHash(hash))
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("s3cret")))
}

func TestPasswdReadsStdin(t *testing.T) {
	var out bytes.Buffer
	cmd := rootCommand()
	cmd.SetOut(&out)
	cmd.SetIn(strings.NewReader("from-stdin\n"))
	cmd.SetArgs([]string{"passwd", "--cost", "4"})
	require.NoError(t, cmd.Execute())
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(strings.TrimSpace(out.String())), []byte("from-stdin")))
}

func TestPasswdWritesEnvFile(t *testing.T) {
	root := t.TempDir()
	state := filepath.Join(t.TempDir(), "state")
	cfgPath := filepath.Join(t.TempDir(), "fileluxe.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte("root: "+root+"\nstate_dir: "+state+"\n"), 0o600))

	var errOut bytes.Buffer
	cmd := rootCommand()
	cmd.SetErr(&errOut)
	cmd.SetArgs([]string{"--config", cfgPath, "passwd", "-p", "s3cret", "--cost", "4", "--write"})
	require.NoError(t, cmd.Execute())
	assert.Contains(t, errOut.String(), config.EnvKeyMasterPass)

	env, err := config.ReadEnvFile(filepath.Join(state, ".env"))
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(env[config.EnvKeyMasterPass]), []byte("s3cret")))
}

func TestPasswdRejectsBadCost(t *testing.T) {
	cmd := rootCommand()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"passwd", "-p", "x", "--cost", "99"})
	assert.Error(t, cmd.Execute())
}
