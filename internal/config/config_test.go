package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, BackendFile, cfg.Backend.Type)
	assert.Equal(t, "data", cfg.File.Dir)
	assert.Equal(t, "pending", cfg.IDs.Scope)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 3, cfg.Database.ConnectAttempts)
	assert.Equal(t, 30*time.Second, cfg.Database.ConnectTimeout)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
backend:
  type: sqlite
sqlite:
  path: /tmp/desk.db
log:
  level: debug
  format: json
ids:
  scope: all
timezone: Europe/Madrid
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendSQLite, cfg.Backend.Type)
	assert.Equal(t, "/tmp/desk.db", cfg.SQLite.Path)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, "all", cfg.IDs.Scope)
	// Untouched keys keep their defaults.
	assert.Equal(t, "data", cfg.File.Dir)

	loc, err := cfg.Location()
	require.NoError(t, err)
	assert.Equal(t, "Europe/Madrid", loc.String())
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	path := writeConfig(t, `
backend:
  type: file
file:
  dir: /srv/a
`)
	t.Setenv("INCIDENT_DESK_FILE__DIR", "/srv/b")
	t.Setenv("INCIDENT_DESK_DATABASE__CONNECT_ATTEMPTS", "7")
	t.Setenv("INCIDENT_DESK_DATABASE__CONNECT_TIMEOUT", "5s")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/srv/b", cfg.File.Dir)
	assert.Equal(t, 7, cfg.Database.ConnectAttempts)
	assert.Equal(t, 5*time.Second, cfg.Database.ConnectTimeout)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"INCIDENT_DESK_BACKEND__TYPE": "mongo"}},
		{"postgres without url", map[string]string{"INCIDENT_DESK_BACKEND__TYPE": "postgres"}},
		{"empty file dir", map[string]string{"INCIDENT_DESK_FILE__DIR": ""}},
		{"bad id scope", map[string]string{"INCIDENT_DESK_IDS__SCOPE": "resolved"}},
		{"bad log level", map[string]string{"INCIDENT_DESK_LOG__LEVEL": "trace"}},
		{"bad timezone", map[string]string{"INCIDENT_DESK_TIMEZONE": "Mars/Olympus"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestEnvKey(t *testing.T) {
	assert.Equal(t, "database.max_open_conns", envKey("INCIDENT_DESK_DATABASE__MAX_OPEN_CONNS"))
	assert.Equal(t, "timezone", envKey("INCIDENT_DESK_TIMEZONE"))
}
