// Package config loads daemon and CLI configuration from YAML or JSONC files
// and RECORDSTORE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/rossigee/recordstore/internal/migrator"
	"github.com/rossigee/recordstore/internal/storage"
	"github.com/rossigee/recordstore/pkg/types"
	"github.com/sirupsen/logrus"
	"github.com/tailscale/hujson"
	"gopkg.in/yaml.v3"
)

var (
	errConfigInvalid      = errors.New("invalid config")
	errConfigFileNotFound = errors.New("config file not found")
	errUnsupportedFormat  = errors.New("unsupported file format")
)

// Duration is a time.Duration written as "3s" in config files.
type Duration time.Duration

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"3s\": %w", err)
	}
	*d = Duration(n)
	return nil
}

// MarshalJSON writes the duration as a string.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalYAML accepts a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	parsed, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config holds all configuration options.
type Config struct {
	DataDir    string         `json:"data_dir" yaml:"data_dir"`
	SchemaPath string         `json:"schema_path" yaml:"schema_path"`
	Listen     string         `json:"listen" yaml:"listen"`
	Log        LogConfig      `json:"log" yaml:"log"`
	Storage    StorageConfig  `json:"storage" yaml:"storage"`
	Migrator   MigratorConfig `json:"migrator" yaml:"migrator"`
	Auth       AuthConfig     `json:"auth" yaml:"auth"`
	Snapshot   SnapshotConfig `json:"snapshot" yaml:"snapshot"`
}

// LogConfig selects the logrus level and formatter.
type LogConfig struct {
	Level  string `json:"level" yaml:"level"`
	Format string `json:"format" yaml:"format"`
}

// StorageConfig tunes locking in the embedded store.
type StorageConfig struct {
	BusyTimeout   Duration `json:"busy_timeout" yaml:"busy_timeout"`
	LockTimeout   Duration `json:"lock_timeout" yaml:"lock_timeout"`
	BlockedAfter  Duration `json:"blocked_after" yaml:"blocked_after"`
	WatchInterval Duration `json:"watch_interval" yaml:"watch_interval"`
}

// MigratorConfig bounds blocked-upgrade retries.
type MigratorConfig struct {
	MaxUpgradeAttempts int      `json:"max_upgrade_attempts" yaml:"max_upgrade_attempts"`
	RetryDelay         Duration `json:"retry_delay" yaml:"retry_delay"`
}

// AuthConfig configures API authentication and TLS.
type AuthConfig struct {
	Enabled    bool   `json:"enabled" yaml:"enabled"`
	TokensFile string `json:"tokens_file" yaml:"tokens_file"`
	ClientCA   string `json:"client_ca" yaml:"client_ca"`
	TLSCert    string `json:"tls_cert" yaml:"tls_cert"`
	TLSKey     string `json:"tls_key" yaml:"tls_key"`
}

// SnapshotConfig points snapshot uploads at a MinIO bucket.
type SnapshotConfig struct {
	Endpoint      string `json:"endpoint" yaml:"endpoint"`
	AccessKey     string `json:"access_key" yaml:"access_key"`
	SecretKey     string `json:"secret_key" yaml:"secret_key"`
	Bucket        string `json:"bucket" yaml:"bucket"`
	MaxConcurrent int    `json:"max_concurrent" yaml:"max_concurrent"`
}

// Enabled reports whether snapshot uploads are configured.
func (s SnapshotConfig) Enabled() bool {
	return s.Endpoint != "" && s.Bucket != ""
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	sd := storage.DefaultOptions()
	md := migrator.DefaultOptions()
	return Config{
		DataDir:    "/var/lib/recordstore",
		SchemaPath: "/etc/recordstore/schema.yaml",
		Listen:     "0.0.0.0:8080",
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			BusyTimeout:   Duration(sd.BusyTimeout),
			LockTimeout:   Duration(sd.LockTimeout),
			BlockedAfter:  Duration(sd.BlockedAfter),
			WatchInterval: Duration(sd.WatchInterval),
		},
		Migrator: MigratorConfig{
			MaxUpgradeAttempts: md.MaxUpgradeAttempts,
			RetryDelay:         Duration(md.RetryDelay),
		},
		Auth: AuthConfig{
			TokensFile: "/etc/recordstore/api-tokens",
			ClientCA:   "/etc/ssl/certs/client-ca.pem",
		},
		Snapshot: SnapshotConfig{
			MaxConcurrent: 2,
		},
	}
}

// Load applies, in order, the defaults, the file at path (when non-empty)
// and the environment, then validates the result.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return Config{}, fmt.Errorf("%w: %s", errConfigFileNotFound, path)
		}
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg, err := LoadFromEnv(cfg)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFromFile reads a config file over the defaults.
func LoadFromFile(path string) (Config, error) {
	cfg := DefaultConfig()
	if err := decodeFile(path, &cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadDescriptor reads a schema descriptor from a YAML, JSON or JSONC file
// and validates it.
func LoadDescriptor(path string) (types.Descriptor, error) {
	var d types.Descriptor
	if err := decodeFile(path, &d); err != nil {
		return types.Descriptor{}, err
	}
	if err := d.Validate(); err != nil {
		return types.Descriptor{}, fmt.Errorf("%s: %w", path, err)
	}
	return d, nil
}

// decodeFile picks the decoder from the file extension.
func decodeFile(path string, out any) error {
	data, err := os.ReadFile(path) //nolint:gosec // path is intentionally user-controlled
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
		}
	case ".json", ".jsonc":
		// Standardize JSONC to JSON
		standardized, err := hujson.Standardize(data)
		if err != nil {
			return fmt.Errorf("%w %s: invalid JSONC: %w", errConfigInvalid, path, err)
		}
		if err := json.Unmarshal(standardized, out); err != nil {
			return fmt.Errorf("%w %s: %w", errConfigInvalid, path, err)
		}
	default:
		return fmt.Errorf("%w: %s", errUnsupportedFormat, path)
	}
	return nil
}

// LoadFromEnv overrides cfg with RECORDSTORE_* variables. MinIO credentials
// also honour the MINIO_* names.
func LoadFromEnv(cfg Config) (Config, error) {
	setString := func(dst *string, names ...string) {
		for _, name := range names {
			if v := os.Getenv(name); v != "" {
				*dst = v
				return
			}
		}
	}
	setDuration := func(dst *Duration, name string) error {
		v := os.Getenv(name)
		if v == "" {
			return nil
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", errConfigInvalid, name, err)
		}
		*dst = Duration(d)
		return nil
	}
	setInt := func(dst *int, name string) error {
		v := os.Getenv(name)
		if v == "" {
			return nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("%w: %s: %w", errConfigInvalid, name, err)
		}
		*dst = n
		return nil
	}

	setString(&cfg.DataDir, "RECORDSTORE_DATA_DIR")
	setString(&cfg.SchemaPath, "RECORDSTORE_SCHEMA")
	setString(&cfg.Listen, "RECORDSTORE_LISTEN")
	setString(&cfg.Log.Level, "RECORDSTORE_LOG_LEVEL")
	setString(&cfg.Log.Format, "RECORDSTORE_LOG_FORMAT")
	setString(&cfg.Auth.TokensFile, "RECORDSTORE_API_TOKENS_FILE", "API_TOKENS_FILE")
	setString(&cfg.Auth.ClientCA, "RECORDSTORE_CLIENT_CA", "CLIENT_CA_CERT")
	setString(&cfg.Auth.TLSCert, "RECORDSTORE_TLS_CERT")
	setString(&cfg.Auth.TLSKey, "RECORDSTORE_TLS_KEY")
	setString(&cfg.Snapshot.Endpoint, "RECORDSTORE_SNAPSHOT_ENDPOINT", "MINIO_ENDPOINT")
	setString(&cfg.Snapshot.AccessKey, "MINIO_ACCESS_KEY", "MINIO_ACCESS_KEY_ID")
	setString(&cfg.Snapshot.SecretKey, "MINIO_SECRET_KEY", "MINIO_SECRET_ACCESS_KEY")
	setString(&cfg.Snapshot.Bucket, "RECORDSTORE_SNAPSHOT_BUCKET")

	if v := os.Getenv("RECORDSTORE_AUTH_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return Config{}, fmt.Errorf("%w: RECORDSTORE_AUTH_ENABLED: %w", errConfigInvalid, err)
		}
		cfg.Auth.Enabled = enabled
	}

	for name, dst := range map[string]*Duration{
		"RECORDSTORE_BLOCKED_AFTER":  &cfg.Storage.BlockedAfter,
		"RECORDSTORE_LOCK_TIMEOUT":   &cfg.Storage.LockTimeout,
		"RECORDSTORE_WATCH_INTERVAL": &cfg.Storage.WatchInterval,
		"RECORDSTORE_RETRY_DELAY":    &cfg.Migrator.RetryDelay,
	} {
		if err := setDuration(dst, name); err != nil {
			return Config{}, err
		}
	}
	if err := setInt(&cfg.Migrator.MaxUpgradeAttempts, "RECORDSTORE_MAX_UPGRADE_ATTEMPTS"); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks required fields and value ranges.
func (c Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("%w: data_dir is required", errConfigInvalid)
	}
	if c.Migrator.MaxUpgradeAttempts < 0 {
		return fmt.Errorf("%w: max_upgrade_attempts must not be negative", errConfigInvalid)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log level: %w", errConfigInvalid, err)
	}
	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("%w: log format must be text or json, got %q", errConfigInvalid, c.Log.Format)
	}
	if c.Snapshot.Endpoint != "" {
		u, err := url.Parse(c.Snapshot.Endpoint)
		if err != nil {
			return fmt.Errorf("%w: snapshot endpoint %q: %w (expected format: https://hostname:port)",
				errConfigInvalid, c.Snapshot.Endpoint, err)
		}
		if u.Scheme != "http" && u.Scheme != "https" {
			return fmt.Errorf("%w: snapshot endpoint scheme %q must be http or https", errConfigInvalid, u.Scheme)
		}
		if u.Host == "" {
			return fmt.Errorf("%w: snapshot endpoint %q: missing hostname", errConfigInvalid, c.Snapshot.Endpoint)
		}
	}
	if (c.Auth.TLSCert == "") != (c.Auth.TLSKey == "") {
		return fmt.Errorf("%w: tls_cert and tls_key must be set together", errConfigInvalid)
	}
	return nil
}

// StorageOptions converts the storage section.
func (c Config) StorageOptions() storage.Options {
	return storage.Options{
		BusyTimeout:   time.Duration(c.Storage.BusyTimeout),
		LockTimeout:   time.Duration(c.Storage.LockTimeout),
		BlockedAfter:  time.Duration(c.Storage.BlockedAfter),
		WatchInterval: time.Duration(c.Storage.WatchInterval),
	}
}

// MigratorOptions converts the migrator section. Callbacks are left unset.
func (c Config) MigratorOptions() migrator.Options {
	return migrator.Options{
		MaxUpgradeAttempts: c.Migrator.MaxUpgradeAttempts,
		RetryDelay:         time.Duration(c.Migrator.RetryDelay),
	}
}

// ConfigureLogging applies the log section to the standard logrus logger.
func ConfigureLogging(lc LogConfig) error {
	level, err := logrus.ParseLevel(lc.Level)
	if err != nil {
		return fmt.Errorf("%w: log level: %w", errConfigInvalid, err)
	}
	logrus.SetLevel(level)

	if lc.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
	return nil
}
