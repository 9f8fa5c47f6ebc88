// Package config loads the YAML configuration of the spatial index tools.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sushant-115/gojodb-spatial/core/dberrors"
	"github.com/sushant-115/gojodb-spatial/core/storage_engine/pagestore"
	"github.com/sushant-115/gojodb-spatial/pkg/logger"
	"github.com/sushant-115/gojodb-spatial/pkg/telemetry"
)

// Store backends.
const (
	BackendMemory     = "memory"
	BackendFile       = "file"
	BackendCachedFile = "cached-file"
	BackendSQL        = "sql"
)

// Config is the root of the configuration file.
type Config struct {
	Logger    logger.Config    `yaml:"logger"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Store     StoreConfig      `yaml:"store"`
	Tree      TreeConfig       `yaml:"tree"`
	Cache     CacheConfig      `yaml:"cache"`
}

// StoreConfig selects and sizes the page store.
type StoreConfig struct {
	Backend  string `yaml:"backend"`
	Path     string `yaml:"path"`
	PageSize int    `yaml:"page_size"`
	MaxPages int    `yaml:"max_pages"`
	// CachePages is the page cache size of the cached-file backend.
	CachePages int       `yaml:"cache_pages"`
	SQL        SQLConfig `yaml:"sql"`
	// Instrument wraps the store with prometheus collectors.
	Instrument bool `yaml:"instrument"`
}

// SQLConfig configures the sql backend.
type SQLConfig struct {
	Driver    string        `yaml:"driver"`
	DSN       string        `yaml:"dsn"`
	Table     string        `yaml:"table"`
	OpTimeout time.Duration `yaml:"op_timeout"`
}

// TreeConfig holds the parameters used when a new tree is created.
type TreeConfig struct {
	Dims          int     `yaml:"dims"`
	MaxEntries    int     `yaml:"max_entries"`
	MinFillFactor float64 `yaml:"min_fill_factor"`
}

// CacheConfig configures the validity cache.
type CacheConfig struct {
	WorldLow   []float64 `yaml:"world_low"`
	WorldHigh  []float64 `yaml:"world_high"`
	MaxDepth   int       `yaml:"max_depth"`
	FetchRate  float64   `yaml:"fetch_rate"`
	FetchBurst int       `yaml:"fetch_burst"`
}

// Default returns the configuration used when no file is given: an
// in-memory 2-D tree over the geographic world.
func Default() Config {
	return Config{
		Logger: logger.Config{Level: "info", Format: "console", OutputFile: "stderr"},
		Telemetry: telemetry.Config{
			ServiceName: logger.DefaultService,
		},
		Store: StoreConfig{
			Backend:    BackendMemory,
			PageSize:   pagestore.DefaultPageSize,
			CachePages: 256,
			SQL: SQLConfig{
				Driver:    "sqlite",
				Table:     "rtree_pages",
				OpTimeout: pagestore.DefaultSQLOpTimeout,
			},
		},
		Tree: TreeConfig{Dims: 2, MinFillFactor: 0.4},
		Cache: CacheConfig{
			WorldLow:   []float64{-180, -90},
			WorldHigh:  []float64{180, 90},
			MaxDepth:   8,
			FetchBurst: 1,
		},
	}
}

// Load reads path over the defaults. Unknown keys are an error.
func Load(path string) (Config, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("%w: %s: %v", dberrors.ErrInvalidConfig, path, err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks the settings that do not depend on an existing store.
func (c Config) Validate() error {
	s := c.Store
	switch s.Backend {
	case BackendMemory:
	case BackendFile, BackendCachedFile:
		if s.Path == "" {
			return fmt.Errorf("%w: store.path is required for the %s backend", dberrors.ErrInvalidConfig, s.Backend)
		}
	case BackendSQL:
		if s.SQL.Driver == "" || s.SQL.DSN == "" {
			return fmt.Errorf("%w: store.sql.driver and store.sql.dsn are required", dberrors.ErrInvalidConfig)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", dberrors.ErrInvalidConfig, s.Backend)
	}
	if s.PageSize < pagestore.MinPageSize {
		return fmt.Errorf("%w: store.page_size %d is below %d", dberrors.ErrInvalidConfig, s.PageSize, pagestore.MinPageSize)
	}
	if s.MaxPages < 0 {
		return fmt.Errorf("%w: negative store.max_pages", dberrors.ErrInvalidConfig)
	}
	if s.Backend == BackendCachedFile && s.CachePages < 1 {
		return fmt.Errorf("%w: store.cache_pages must be positive", dberrors.ErrInvalidConfig)
	}

	if c.Tree.Dims < 1 {
		return fmt.Errorf("%w: tree.dims must be positive", dberrors.ErrInvalidConfig)
	}
	if c.Tree.MaxEntries < 0 {
		return fmt.Errorf("%w: negative tree.max_entries", dberrors.ErrInvalidConfig)
	}
	if f := c.Tree.MinFillFactor; f < 0 || f > 0.5 {
		return fmt.Errorf("%w: tree.min_fill_factor %g outside (0, 0.5]", dberrors.ErrInvalidConfig, f)
	}

	if len(c.Cache.WorldLow) != c.Tree.Dims || len(c.Cache.WorldHigh) != c.Tree.Dims {
		return fmt.Errorf("%w: cache world needs %d coordinates per corner", dberrors.ErrInvalidConfig, c.Tree.Dims)
	}
	for i := range c.Cache.WorldLow {
		if c.Cache.WorldLow[i] >= c.Cache.WorldHigh[i] {
			return fmt.Errorf("%w: cache world is empty in dimension %d", dberrors.ErrInvalidConfig, i)
		}
	}
	if c.Cache.MaxDepth < 0 || c.Cache.FetchRate < 0 {
		return fmt.Errorf("%w: negative cache.max_depth or cache.fetch_rate", dberrors.ErrInvalidConfig)
	}
	return nil
}
