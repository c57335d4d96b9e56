package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/history-engine/config"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestConfig_Defaults(t *testing.T) {
	cfg := config.Default()

	require.NoError(t, cfg.Validate())
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite3", cfg.Store.Driver)
	assert.Equal(t, "history.db", cfg.Store.DSN())
}

func TestConfig_LoadSQLite(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  cors_origins:
    - https://dash.internal
store:
  driver: sqlite3
  path: /var/lib/historian/history.db
`)

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://dash.internal"}, cfg.Server.CORSOrigins)
	assert.Equal(t, "/var/lib/historian/history.db", cfg.Store.DSN())
}

func TestConfig_LoadPostgres(t *testing.T) {
	path := writeConfig(t, `
store:
  driver: postgres
  host: warehouse.internal
  port: 5432
  database: gold
  user: historian
  password: secret
`)

	cfg, err := config.Load(path)

	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port, "missing fields keep defaults")
	assert.Equal(t,
		"host=warehouse.internal port=5432 dbname=gold user=historian password=secret sslmode=disable",
		cfg.Store.DSN())
}

func TestConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown driver", "store:\n  driver: oracle\n"},
		{"sqlite without path", "store:\n  driver: sqlite3\n  path: \"\"\n"},
		{"postgres without host", "store:\n  driver: postgres\n  database: gold\n"},
		{"port out of range", "server:\n  port: 70000\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}
