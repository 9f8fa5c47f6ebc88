package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
logger:
  level: debug
  format: json
store:
  backend: sql
  page_size: 1024
  sql:
    dsn: /tmp/pages.sqlite
    op_timeout: 2s
tree:
  max_entries: 16
cache:
  max_depth: 5
  fetch_rate: 10
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "debug", cfg.Logger.Level)
	require.Equal(t, BackendSQL, cfg.Store.Backend)
	require.Equal(t, 1024, cfg.Store.PageSize)
	require.Equal(t, "sqlite", cfg.Store.SQL.Driver, "unset keys keep their defaults")
	require.Equal(t, "rtree_pages", cfg.Store.SQL.Table)
	require.Equal(t, 2*time.Second, cfg.Store.SQL.OpTimeout)
	require.Equal(t, 16, cfg.Tree.MaxEntries)
	require.Equal(t, 2, cfg.Tree.Dims)
	require.Equal(t, 5, cfg.Cache.MaxDepth)
	require.Equal(t, []float64{-180, -90}, cfg.Cache.WorldLow)
}

func TestLoadEmptyFileGivesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, ""))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, os.ErrNotExist)

	_, err = Load(writeConfig(t, "store:\n  bakend: file\n"))
	require.ErrorIs(t, err, dberrors.ErrInvalidConfig)

	_, err = Load(writeConfig(t, "store: [1, 2\n"))
	require.ErrorIs(t, err, dberrors.ErrInvalidConfig)

	_, err = Load(writeConfig(t, "store:\n  backend: file\n"))
	require.ErrorIs(t, err, dberrors.ErrInvalidConfig)
	require.ErrorContains(t, err, "store.path")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "tape" }},
		{"file without path", func(c *Config) { c.Store.Backend = BackendFile }},
		{"sql without dsn", func(c *Config) { c.Store.Backend = BackendSQL }},
		{"small pages", func(c *Config) { c.Store.PageSize = 64 }},
		{"negative max pages", func(c *Config) { c.Store.MaxPages = -1 }},
		{"cached file without cache", func(c *Config) {
			c.Store.Backend, c.Store.Path, c.Store.CachePages = BackendCachedFile, "x.db", 0
		}},
		{"zero dims", func(c *Config) { c.Tree.Dims = 0 }},
		{"negative max entries", func(c *Config) { c.Tree.MaxEntries = -2 }},
		{"fill factor too large", func(c *Config) { c.Tree.MinFillFactor = 0.7 }},
		{"world dims mismatch", func(c *Config) { c.Tree.Dims = 3 }},
		{"empty world", func(c *Config) { c.Cache.WorldHigh = []float64{-180, 90} }},
		{"negative depth", func(c *Config) { c.Cache.MaxDepth = -1 }},
		{"negative rate", func(c *Config) { c.Cache.FetchRate = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			require.ErrorIs(t, cfg.Validate(), dberrors.ErrInvalidConfig)
		})
	}
}
