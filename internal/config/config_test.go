package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

// clearEnv blanks every variable LoadFromEnv reads.
func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"RECORDSTORE_DATA_DIR", "RECORDSTORE_SCHEMA", "RECORDSTORE_LISTEN",
		"RECORDSTORE_LOG_LEVEL", "RECORDSTORE_LOG_FORMAT",
		"RECORDSTORE_API_TOKENS_FILE", "API_TOKENS_FILE", "RECORDSTORE_CLIENT_CA", "CLIENT_CA_CERT",
		"RECORDSTORE_TLS_CERT", "RECORDSTORE_TLS_KEY", "RECORDSTORE_AUTH_ENABLED",
		"RECORDSTORE_SNAPSHOT_ENDPOINT", "MINIO_ENDPOINT",
		"MINIO_ACCESS_KEY", "MINIO_ACCESS_KEY_ID", "MINIO_SECRET_KEY", "MINIO_SECRET_ACCESS_KEY",
		"RECORDSTORE_SNAPSHOT_BUCKET", "RECORDSTORE_BLOCKED_AFTER", "RECORDSTORE_LOCK_TIMEOUT",
		"RECORDSTORE_WATCH_INTERVAL", "RECORDSTORE_RETRY_DELAY", "RECORDSTORE_MAX_UPGRADE_ATTEMPTS",
	} {
		t.Setenv(name, "")
	}
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 5, cfg.Migrator.MaxUpgradeAttempts)
	assert.Equal(t, Duration(3*time.Second), cfg.Migrator.RetryDelay)
	assert.False(t, cfg.Snapshot.Enabled())
}

func TestLoadFromFile_YAML(t *testing.T) {
	path := writeFile(t, "config.yaml", `
data_dir: /tmp/rs
listen: 127.0.0.1:9000
log:
  level: debug
  format: json
migrator:
  max_upgrade_attempts: 2
  retry_delay: 500ms
storage:
  blocked_after: 2s
snapshot:
  endpoint: https://minio.example.com
  bucket: backups
`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/rs", cfg.DataDir)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 2, cfg.Migrator.MaxUpgradeAttempts)
	assert.Equal(t, 500*time.Millisecond, cfg.MigratorOptions().RetryDelay)
	assert.Equal(t, 2*time.Second, cfg.StorageOptions().BlockedAfter)
	assert.True(t, cfg.Snapshot.Enabled())

	// Fields absent from the file keep their defaults.
	assert.Equal(t, DefaultConfig().Storage.LockTimeout, cfg.Storage.LockTimeout)
}

func TestLoadFromFile_JSONC(t *testing.T) {
	path := writeFile(t, "config.jsonc", `{
		// comments and trailing commas are allowed
		"data_dir": "/srv/rs",
		"migrator": {"retry_delay": "1s",},
	}`)

	cfg, err := LoadFromFile(path)
	require.NoError(t, err)
	assert.Equal(t, "/srv/rs", cfg.DataDir)
	assert.Equal(t, Duration(time.Second), cfg.Migrator.RetryDelay)
}

func TestLoadFromFile_Errors(t *testing.T) {
	_, err := LoadFromFile(writeFile(t, "config.toml", "x = 1"))
	assert.ErrorIs(t, err, errUnsupportedFormat)

	_, err = LoadFromFile(writeFile(t, "config.json", `{"data_dir": `))
	assert.ErrorIs(t, err, errConfigInvalid)

	_, err = LoadFromFile(writeFile(t, "config.yaml", "migrator:\n  retry_delay: soon\n"))
	assert.Error(t, err)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.ErrorIs(t, err, errConfigFileNotFound)
}

func TestLoadFromEnv(t *testing.T) {
	tests := []struct {
		name     string
		env      map[string]string
		validate func(t *testing.T, cfg Config)
		wantErr  bool
	}{
		{
			name: "recordstore variables",
			env: map[string]string{
				"RECORDSTORE_DATA_DIR":             "/data",
				"RECORDSTORE_MAX_UPGRADE_ATTEMPTS": "7",
				"RECORDSTORE_RETRY_DELAY":          "10s",
				"RECORDSTORE_AUTH_ENABLED":         "true",
			},
			validate: func(t *testing.T, cfg Config) {
				assert.Equal(t, "/data", cfg.DataDir)
				assert.Equal(t, 7, cfg.Migrator.MaxUpgradeAttempts)
				assert.Equal(t, Duration(10*time.Second), cfg.Migrator.RetryDelay)
				assert.True(t, cfg.Auth.Enabled)
			},
		},
		{
			name: "minio standard names",
			env: map[string]string{
				"MINIO_ENDPOINT":          "https://minio.example.com:9000",
				"MINIO_ACCESS_KEY_ID":     "access",
				"MINIO_SECRET_ACCESS_KEY": "secret",
			},
			validate: func(t *testing.T, cfg Config) {
				assert.Equal(t, "https://minio.example.com:9000", cfg.Snapshot.Endpoint)
				assert.Equal(t, "access", cfg.Snapshot.AccessKey)
				assert.Equal(t, "secret", cfg.Snapshot.SecretKey)
			},
		},
		{
			name: "primary minio names win",
			env: map[string]string{
				"MINIO_ACCESS_KEY":    "primary",
				"MINIO_ACCESS_KEY_ID": "fallback",
			},
			validate: func(t *testing.T, cfg Config) {
				assert.Equal(t, "primary", cfg.Snapshot.AccessKey)
			},
		},
		{
			name:    "bad duration",
			env:     map[string]string{"RECORDSTORE_BLOCKED_AFTER": "later"},
			wantErr: true,
		},
		{
			name:    "bad integer",
			env:     map[string]string{"RECORDSTORE_MAX_UPGRADE_ATTEMPTS": "many"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			cfg, err := LoadFromEnv(DefaultConfig())
			if tt.wantErr {
				assert.ErrorIs(t, err, errConfigInvalid)
				return
			}
			require.NoError(t, err)
			tt.validate(t, cfg)
		})
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "empty data dir", mutate: func(c *Config) { c.DataDir = "" }},
		{name: "negative attempts", mutate: func(c *Config) { c.Migrator.MaxUpgradeAttempts = -1 }},
		{name: "bad level", mutate: func(c *Config) { c.Log.Level = "loud" }},
		{name: "bad format", mutate: func(c *Config) { c.Log.Format = "xml" }},
		{name: "ftp endpoint", mutate: func(c *Config) { c.Snapshot.Endpoint = "ftp://minio" }},
		{name: "endpoint without host", mutate: func(c *Config) { c.Snapshot.Endpoint = "https://" }},
		{name: "cert without key", mutate: func(c *Config) { c.Auth.TLSCert = "/tmp/cert.pem" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.ErrorIs(t, cfg.Validate(), errConfigInvalid)
		})
	}
}

func TestLoadDescriptor(t *testing.T) {
	yamlPath := writeFile(t, "schema.yaml", `
database_name: app
version: 3
tables:
  - name: users
    indexes:
      - index_name: emailIndex
        field_path: email
        unique: true
  - name: events
    auto_generate_key: true
`)
	d, err := LoadDescriptor(yamlPath)
	require.NoError(t, err)
	assert.Equal(t, "app", d.DatabaseName)
	assert.Equal(t, 3, d.Version)
	require.Len(t, d.Tables, 2)
	assert.True(t, d.Tables[1].AutoGenerateKey)

	jsonPath := writeFile(t, "schema.jsonc", `{
		"database_name": "app",
		"version": 1,
		"tables": [{"name": "users"}], // trailing comment
	}`)
	d, err = LoadDescriptor(jsonPath)
	require.NoError(t, err)
	assert.Equal(t, "users", d.Tables[0].Name)

	_, err = LoadDescriptor(writeFile(t, "bad.yaml", "database_name: app\nversion: 0\n"))
	assert.Error(t, err)
}

func TestDuration_JSON(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalJSON([]byte(`"1m30s"`)))
	assert.Equal(t, Duration(90*time.Second), d)

	require.NoError(t, d.UnmarshalJSON([]byte(`1000`)))
	assert.Equal(t, Duration(time.Microsecond), d)

	out, err := Duration(2 * time.Second).MarshalJSON()
	require.NoError(t, err)
	assert.Equal(t, `"2s"`, string(out))
}

func TestConfigureLogging(t *testing.T) {
	assert.NoError(t, ConfigureLogging(LogConfig{Level: "warn", Format: "json"}))
	assert.NoError(t, ConfigureLogging(LogConfig{Level: "info", Format: "text"}))
	assert.Error(t, ConfigureLogging(LogConfig{Level: "nope"}))
}
