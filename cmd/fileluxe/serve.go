package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"

	"fileluxe/internal/auth"
	"fileluxe/internal/config"
	"fileluxe/internal/fileops"
	"fileluxe/internal/fsutil"
	"fileluxe/internal/httpserver"
	"fileluxe/internal/logging"
	"fileluxe/internal/metrics"
	"fileluxe/internal/ratelimit"
	"fileluxe/internal/session"
	"fileluxe/internal/upload"
)

func serveCommand(configPath *string) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the file manager API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides server.addr")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	log, closer, err := logging.New(logging.Options{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		return err
	}
	defer closer.Close()

	if err := os.MkdirAll(cfg.StateDir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	var m *metrics.Metrics
	if cfg.Metrics.Enabled {
		m = metrics.New()
	}

	sessions, closeSessions, err := openSessions(cfg, log)
	if err != nil {
		return err
	}
	defer closeSessions()

	gate, err := auth.New(auth.Options{
		APIKey:      cfg.APIKey,
		Timeout:     cfg.Auth.SessionTimeout,
		Sessions:    sessions,
		Credentials: credentials(cfg),
		BcryptCost:  cfg.Auth.BcryptCost,
		Limiter:     ratelimit.New(time.Now),
		LoginMax:    cfg.Auth.LoginMax,
		LoginWindow: cfg.Auth.LoginWindow,
		Logger:      log,
		Metrics:     m,
	})
	if err != nil {
		return err
	}

	guard, err := fsutil.New(cfg.Root)
	if err != nil {
		return err
	}
	files, err := fileops.New(fileops.Options{
		Guard:              guard,
		StateDir:           cfg.StateDir,
		BlockedExtensions:  cfg.Files.BlockedExtensions,
		MaxReadSize:        cfg.Files.MaxReadSize,
		RemoteTimeout:      cfg.Files.RemoteTimeout,
		MaxRemoteSize:      cfg.Files.MaxRemoteSize,
		AllowPrivateRemote: cfg.Files.AllowPrivateRemote,
		MaxUnzipEntries:    cfg.Files.MaxUnzipEntries,
		MaxUnzipSize:       cfg.Files.MaxUnzipSize,
		SearchMaxHits:      cfg.Files.SearchMaxHits,
		SearchMaxFiles:     cfg.Files.SearchMaxFiles,
		ThumbSize:          cfg.Files.ThumbSize,
		Logger:             log,
		Metrics:            m,
	})
	if err != nil {
		return err
	}
	uploads, err := upload.New(upload.Options{
		Guard:    guard,
		StateDir: cfg.StateDir,
		Blocked:  files.Blocked,
		MaxSize:  cfg.Upload.MaxSize,
		Logger:   log,
	})
	if err != nil {
		return err
	}

	tls := cfg.Server.TLSCert != "" && cfg.Server.TLSKey != ""
	srv, err := httpserver.New(httpserver.Options{
		Gate:           gate,
		Files:          files,
		Uploads:        uploads,
		Throttle:       ratelimit.NewThrottle(cfg.Server.RequestRate, cfg.Server.RequestBurst, 0),
		Metrics:        m,
		Logger:         log,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		TrustProxy:     cfg.Server.TrustProxy,
		MaxBodySize:    cfg.Server.MaxBodySize,
		MaxUploadSize:  cfg.Server.MaxUploadSize,
		WebDAV:         cfg.WebDAV.Enabled,
		SecureCookies:  tls || cfg.Server.TrustProxy,
	})
	if err != nil {
		return err
	}

	if !gate.APIKeyEnabled() && cfg.MasterPass == "" {
		log.Warn("no API key and no master password configured, every request will be refused")
	}
	if cfg.MasterPass != "" && !auth.IsHash(cfg.MasterPass) {
		log.Warn("master password is stored in plaintext; it is hashed on the next successful login when the env file is writable")
	}

	hs := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(log.Handler(), slog.LevelWarn),
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("listening", "addr", cfg.Server.Addr, "root", cfg.Root, "tls", tls, "webdav", cfg.WebDAV.Enabled)
		var err error
		if tls {
			err = hs.ListenAndServeTLS(cfg.Server.TLSCert, cfg.Server.TLSKey)
		} else {
			err = hs.ListenAndServe()
		}
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		sweep(gctx, log, cfg.Session.SweepInterval, gate, uploads, cfg.Upload.MaxAge)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		return hs.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openSessions(cfg *config.Config, log *slog.Logger) (session.Store, func(), error) {
	switch cfg.Session.Backend {
	case "sqlite", "mysql":
		st, err := session.OpenSQL(cfg.Session.Backend, cfg.Session.DSN, &gorm.Config{
			Logger: logging.NewGormLogger(log.With("component", "gorm"), 200*time.Millisecond),
		})
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	case "badger":
		st, err := session.OpenBadger(cfg.Session.Dir, cfg.Session.Retention, log)
		if err != nil {
			return nil, nil, err
		}
		return st, func() { _ = st.Close() }, nil
	default:
		return session.NewMemoryStore(cfg.Session.Retention), func() {}, nil
	}
}

// credentials picks where a hash upgrade of a plaintext master password is
// written. Only the env file can be rewritten in place.
func credentials(cfg *config.Config) auth.CredentialStore {
	var store auth.CredentialStore
	if cfg.MasterPassFromEnvFile {
		store = auth.NewEnvFileCredentials(cfg.EnvFile, cfg.MasterPass)
	} else {
		store = auth.NoUpgrade(auth.NewStaticCredentials(cfg.MasterPass))
	}
	if cfg.Auth.DisableUpgrade {
		store = auth.NoUpgrade(store)
	}
	return store
}

// sweep drops idle sessions from stores without their own expiry and
// abandoned partial uploads.
func sweep(ctx context.Context, log *slog.Logger, interval time.Duration, gate *auth.Gate, uploads *upload.Manager, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n, err := gate.Sweep(ctx); err != nil {
				log.Warn("session sweep failed", "error", err)
			} else if n > 0 {
				log.Debug("idle sessions removed", "count", n)
			}
			if n := uploads.Purge(ctx, maxAge); n > 0 {
				log.Info("stale uploads removed", "count", n)
			}
		}
	}
}
