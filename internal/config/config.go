// Package config loads fileluxe settings from a YAML file, FILELUXE_*
// environment variables and the dotenv file that holds the secrets.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Config is the full server configuration.
type Config struct {
	// Root is the directory served by fileluxe. Default: the directory of the
	// executable.
	Root string `mapstructure:"root" validate:"required"`

	// StateDir stores sessions, partial uploads and thumbnails.
	// Default: <user config dir>/fileluxe.
	StateDir string `mapstructure:"state_dir" validate:"required"`

	// EnvFile is the dotenv file carrying API_KEY and MASTER_PASS.
	// Default: <state_dir>/.env
	EnvFile string `mapstructure:"env_file"`

	// APIKey authorizes scripted clients. Empty disables the API key channel.
	APIKey string `mapstructure:"api_key"`

	// MasterPass is the bcrypt hash (or legacy plaintext) of the password.
	// Empty disables password login.
	MasterPass string `mapstructure:"master_pass"`

	// MasterPassFromEnvFile is set when MasterPass was read from EnvFile, in
	// which case an upgraded hash is written back there.
	MasterPassFromEnvFile bool `mapstructure:"-"`

	Server  ServerConfig  `mapstructure:"server"`
	Auth    AuthConfig    `mapstructure:"auth"`
	Session SessionConfig `mapstructure:"session"`
	Files   FilesConfig   `mapstructure:"files"`
	Upload  UploadConfig  `mapstructure:"upload"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	WebDAV  WebDAVConfig  `mapstructure:"webdav"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr" validate:"required"`
	// TLSCert and TLSKey enable HTTPS when both are set.
	TLSCert string `mapstructure:"tls_cert" validate:"required_with=TLSKey"`
	TLSKey  string `mapstructure:"tls_key" validate:"required_with=TLSCert"`

	// AllowedOrigins are added to the built-in local origins for CORS.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	// TrustProxy takes the client address from X-Forwarded-For.
	TrustProxy bool `mapstructure:"trust_proxy"`

	// RequestRate is the per-client request rate per second. 0 disables it.
	RequestRate  float64 `mapstructure:"request_rate" validate:"gte=0"`
	RequestBurst int     `mapstructure:"request_burst" validate:"gte=0"`

	// MaxBodySize caps request bodies other than uploads.
	MaxBodySize int64 `mapstructure:"max_body_size" validate:"gte=0"`
	// MaxUploadSize caps a single multipart upload.
	MaxUploadSize int64 `mapstructure:"max_upload_size" validate:"gte=0"`

	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout"`
}

type AuthConfig struct {
	SessionTimeout time.Duration `mapstructure:"session_timeout" validate:"gte=0"`
	LoginMax       int           `mapstructure:"login_max" validate:"gte=0"`
	LoginWindow    time.Duration `mapstructure:"login_window" validate:"gte=0"`
	BcryptCost     int           `mapstructure:"bcrypt_cost" validate:"omitempty,min=4,max=31"`
	// DisableUpgrade keeps a legacy plaintext password as it is.
	DisableUpgrade bool `mapstructure:"disable_upgrade"`
}

type SessionConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=memory sqlite mysql badger"`
	// DSN is the database for the sqlite and mysql backends. For sqlite it
	// defaults to <state_dir>/sessions.db.
	DSN string `mapstructure:"dsn" validate:"required_if=Backend mysql"`
	// Dir is the badger directory. Default: <state_dir>/sessions.
	Dir string `mapstructure:"dir"`
	// Retention is how long an idle session is kept before eviction.
	Retention     time.Duration `mapstructure:"retention" validate:"gte=0"`
	SweepInterval time.Duration `mapstructure:"sweep_interval" validate:"gte=0"`
}

type FilesConfig struct {
	BlockedExtensions  []string      `mapstructure:"blocked_extensions"`
	MaxReadSize        int64         `mapstructure:"max_read_size" validate:"gte=0"`
	RemoteTimeout      time.Duration `mapstructure:"remote_timeout" validate:"gte=0"`
	MaxRemoteSize      int64         `mapstructure:"max_remote_size" validate:"gte=0"`
	AllowPrivateRemote bool          `mapstructure:"allow_private_remote"`
	MaxUnzipEntries    int           `mapstructure:"max_unzip_entries" validate:"gte=0"`
	MaxUnzipSize       int64         `mapstructure:"max_unzip_size" validate:"gte=0"`
	SearchMaxHits      int           `mapstructure:"search_max_hits" validate:"gte=0"`
	SearchMaxFiles     int           `mapstructure:"search_max_files" validate:"gte=0"`
	ThumbSize          int           `mapstructure:"thumb_size" validate:"gte=0,lte=2048"`
}

type UploadConfig struct {
	// MaxSize caps a resumable upload. 0 means unlimited.
	MaxSize int64 `mapstructure:"max_size" validate:"gte=0"`
	// MaxAge is how long an unfinished upload is kept.
	MaxAge time.Duration `mapstructure:"max_age" validate:"gte=0"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level" validate:"oneof=DEBUG INFO WARN ERROR"`
	Format string `mapstructure:"format" validate:"oneof=text json"`
	Output string `mapstructure:"output"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type WebDAVConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// Dotenv keys read from EnvFile.
const (
	EnvKeyAPIKey     = "API_KEY"
	EnvKeyMasterPass = "MASTER_PASS"
)

// Load reads configPath (optional), FILELUXE_* environment variables and the
// dotenv file, applies defaults and validates the result.
//
// Precedence, highest first: environment, config file, dotenv file, defaults.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setupViper(v, configPath)

	if err := readConfigFile(v, configPath); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := ApplyDefaults(&cfg); err != nil {
		return nil, err
	}
	if err := loadEnvFile(&cfg); err != nil {
		return nil, err
	}
	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return &cfg, nil
}

func setupViper(v *viper.Viper, configPath string) {
	// FILELUXE_SERVER_ADDR=:9000 overrides server.addr
	v.SetEnvPrefix("FILELUXE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	registerKeys(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "fileluxe"))
		}
		v.SetConfigName("fileluxe")
		v.SetConfigType("yaml")
	}
}

// registerKeys makes every key known to viper so AutomaticEnv also applies
// to keys that are absent from the config file.
func registerKeys(v *viper.Viper) {
	for _, k := range []string{
		"root", "state_dir", "env_file", "api_key", "master_pass",
		"server.addr", "server.tls_cert", "server.tls_key", "server.allowed_origins", "server.trust_proxy",
		"server.request_rate", "server.request_burst", "server.max_body_size", "server.max_upload_size",
		"server.read_header_timeout", "server.shutdown_timeout",
		"auth.session_timeout", "auth.login_max", "auth.login_window", "auth.bcrypt_cost", "auth.disable_upgrade",
		"session.backend", "session.dsn", "session.dir", "session.retention", "session.sweep_interval",
		"files.blocked_extensions", "files.max_read_size", "files.remote_timeout", "files.max_remote_size",
		"files.allow_private_remote", "files.max_unzip_entries", "files.max_unzip_size",
		"files.search_max_hits", "files.search_max_files", "files.thumb_size",
		"upload.max_size", "upload.max_age",
		"logging.level", "logging.format", "logging.output",
		"metrics.enabled", "webdav.enabled",
	} {
		_ = v.BindEnv(k)
	}
}

func readConfigFile(v *viper.Viper, configPath string) error {
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		if configPath != "" && errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("config file %s not found", configPath)
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

// loadEnvFile fills APIKey and MasterPass from the dotenv file when they were
// not set by the config file or environment.
func loadEnvFile(cfg *Config) error {
	if cfg.EnvFile == "" {
		return nil
	}
	env, err := ReadEnvFile(cfg.EnvFile)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read env file: %w", err)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = env[EnvKeyAPIKey]
	}
	if cfg.MasterPass == "" {
		if mp := env[EnvKeyMasterPass]; mp != "" {
			cfg.MasterPass = mp
			cfg.MasterPassFromEnvFile = true
		}
	}
	return nil
}

// ReadEnvFile parses KEY=VALUE lines. Values are taken literally apart from
// surrounding whitespace and quotes; "$" is not expanded, so bcrypt hashes
// survive. Blank lines and lines starting with # are skipped.
func ReadEnvFile(path string) (map[string]string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	env := map[string]string{}
	for _, line := range strings.Split(string(b), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(strings.TrimPrefix(key, "export "))
		env[key] = strings.Trim(value, " \t\r\x00\x0b\"'")
	}
	return env, nil
}

var validate = validator.New()

// Validate checks struct tags and the rules that tags cannot express.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return formatValidationError(err)
	}
	st, err := os.Stat(cfg.Root)
	if err != nil {
		return fmt.Errorf("root: %w", err)
	}
	if !st.IsDir() {
		return fmt.Errorf("root: %s is not a directory", cfg.Root)
	}
	if cfg.Server.RequestRate > 0 && cfg.Server.RequestBurst == 0 {
		return errors.New("server.request_burst: must be positive when request_rate is set")
	}
	// stores evict after retention; a session inside its idle window must
	// still be there for Authorize to judge
	if cfg.Session.Retention < cfg.Auth.SessionTimeout {
		return fmt.Errorf("session.retention: %s is shorter than auth.session_timeout %s", cfg.Session.Retention, cfg.Auth.SessionTimeout)
	}
	return nil
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		e := verrs[0]
		return fmt.Errorf("%s: validation failed on '%s' tag (value: %v)", e.Namespace(), e.Tag(), e.Value())
	}
	return err
}
