package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// ApplyDefaults fills zero values. Explicit values are preserved; relative
// paths are made absolute.
func ApplyDefaults(cfg *Config) error {
	if cfg.Root == "" {
		exe, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		cfg.Root = filepath.Dir(exe)
	}
	root, err := filepath.Abs(cfg.Root)
	if err != nil {
		return fmt.Errorf("abs root: %w", err)
	}
	cfg.Root = root

	if cfg.StateDir == "" {
		if dir, err := os.UserConfigDir(); err == nil {
			cfg.StateDir = filepath.Join(dir, "fileluxe")
		} else {
			cfg.StateDir = filepath.Join(cfg.Root, ".fileluxe")
		}
	}
	if cfg.StateDir, err = filepath.Abs(cfg.StateDir); err != nil {
		return fmt.Errorf("abs state dir: %w", err)
	}
	if cfg.EnvFile == "" {
		cfg.EnvFile = filepath.Join(cfg.StateDir, ".env")
	}

	applyServerDefaults(&cfg.Server)
	applyAuthDefaults(&cfg.Auth)
	applySessionDefaults(&cfg.Session, cfg.StateDir)
	applyFilesDefaults(&cfg.Files)
	applyUploadDefaults(&cfg.Upload)
	applyLoggingDefaults(&cfg.Logging)
	return nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8080"
	}
	if cfg.RequestRate > 0 && cfg.RequestBurst == 0 {
		cfg.RequestBurst = int(cfg.RequestRate * 2)
		if cfg.RequestBurst < 1 {
			cfg.RequestBurst = 1
		}
	}
	if cfg.MaxBodySize == 0 {
		cfg.MaxBodySize = 64 << 20
	}
	if cfg.MaxUploadSize == 0 {
		cfg.MaxUploadSize = 4 << 30
	}
	if cfg.ReadHeaderTimeout == 0 {
		cfg.ReadHeaderTimeout = 10 * time.Second
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 15 * time.Second
	}
}

func applyAuthDefaults(cfg *AuthConfig) {
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = 30 * time.Minute
	}
	if cfg.LoginMax == 0 {
		cfg.LoginMax = 5
	}
	if cfg.LoginWindow == 0 {
		cfg.LoginWindow = 15 * time.Minute
	}
}

func applySessionDefaults(cfg *SessionConfig, stateDir string) {
	cfg.Backend = strings.ToLower(strings.TrimSpace(cfg.Backend))
	if cfg.Backend == "" {
		cfg.Backend = "memory"
	}
	if cfg.Backend == "sqlite" && cfg.DSN == "" {
		cfg.DSN = filepath.Join(stateDir, "sessions.db")
	}
	if cfg.Backend == "badger" && cfg.Dir == "" {
		cfg.Dir = filepath.Join(stateDir, "sessions")
	}
	if cfg.Retention == 0 {
		cfg.Retention = 24 * time.Hour
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = 10 * time.Minute
	}
}

func applyFilesDefaults(cfg *FilesConfig) {
	if cfg.MaxReadSize == 0 {
		cfg.MaxReadSize = 16 << 20
	}
	if cfg.RemoteTimeout == 0 {
		cfg.RemoteTimeout = 60 * time.Second
	}
	if cfg.MaxRemoteSize == 0 {
		cfg.MaxRemoteSize = 512 << 20
	}
	if cfg.MaxUnzipEntries == 0 {
		cfg.MaxUnzipEntries = 10_000
	}
	if cfg.MaxUnzipSize == 0 {
		cfg.MaxUnzipSize = 1 << 30
	}
	if cfg.SearchMaxHits == 0 {
		cfg.SearchMaxHits = 500
	}
	if cfg.SearchMaxFiles == 0 {
		cfg.SearchMaxFiles = 200_000
	}
	if cfg.ThumbSize == 0 {
		cfg.ThumbSize = 256
	}
}

func applyUploadDefaults(cfg *UploadConfig) {
	if cfg.MaxAge == 0 {
		cfg.MaxAge = 24 * time.Hour
	}
}

func applyLoggingDefaults(cfg *LoggingConfig) {
	if cfg.Level == "" {
		cfg.Level = "INFO"
	}
	cfg.Level = strings.ToUpper(cfg.Level)
	if cfg.Level == "WARNING" {
		cfg.Level = "WARN"
	}
	if cfg.Format == "" {
		cfg.Format = "text"
	}
	cfg.Format = strings.ToLower(cfg.Format)
	if cfg.Output == "" {
		cfg.Output = "stdout"
	}
}
