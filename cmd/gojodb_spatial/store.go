package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/sushant-115/gojodb-spatial/config"
	"github.com/sushant-115/gojodb-spatial/core/dberrors"
	"github.com/sushant-115/gojodb-spatial/core/indexing/spatial"
	"github.com/sushant-115/gojodb-spatial/core/storage_engine/pagestore"
	internaltelemetry "github.com/sushant-115/gojodb-spatial/internal/telemetry"
)

// openStore builds the page store named by cfg. reg may be nil, in which
// case the store is never instrumented.
func openStore(ctx context.Context, cfg config.StoreConfig, reg prometheus.Registerer, logger *zap.Logger) (pagestore.PageStore, error) {
	var store pagestore.PageStore
	switch cfg.Backend {
	case config.BackendMemory:
		ms, err := pagestore.NewMemoryStore(cfg.PageSize, cfg.MaxPages)
		if err != nil {
			return nil, err
		}
		store = ms
	case config.BackendFile, config.BackendCachedFile:
		_, statErr := os.Stat(cfg.Path)
		fs, err := pagestore.OpenFileStore(cfg.Path, pagestore.FileOptions{
			PageSize: cfg.PageSize,
			MaxPages: cfg.MaxPages,
			Create:   errors.Is(statErr, os.ErrNotExist),
			Logger:   logger,
		})
		if err != nil {
			return nil, err
		}
		store = fs
		if cfg.Backend == config.BackendCachedFile {
			cs, err := pagestore.NewCachedStore(fs, cfg.CachePages, logger)
			if err != nil {
				fs.Close()
				return nil, err
			}
			store = cs
		}
	case config.BackendSQL:
		db, err := sql.Open(cfg.SQL.Driver, cfg.SQL.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s database: %w", cfg.SQL.Driver, err)
		}
		ss, err := pagestore.OpenSQLStore(ctx, db, pagestore.SQLOptions{
			Table:     cfg.SQL.Table,
			PageSize:  cfg.PageSize,
			MaxPages:  cfg.MaxPages,
			OpTimeout: cfg.SQL.OpTimeout,
			CloseDB:   true,
			Logger:    logger,
		})
		if err != nil {
			db.Close()
			return nil, err
		}
		store = ss
	default:
		return nil, fmt.Errorf("%w: unknown store backend %q", dberrors.ErrInvalidConfig, cfg.Backend)
	}

	if cfg.Instrument && reg != nil {
		is, err := pagestore.NewInstrumentedStore(store, cfg.Backend, reg)
		if err != nil {
			store.Close()
			return nil, err
		}
		store = is
	}
	return store, nil
}

// openTree opens the tree held by store, creating it when the store is empty.
func openTree(store pagestore.PageStore, cfg config.TreeConfig, metrics *internaltelemetry.IndexMetrics, logger *zap.Logger) (*spatial.RTree, error) {
	opts := []spatial.Option{spatial.WithLogger(logger), spatial.WithMetrics(metrics)}
	tree, err := spatial.Open(store, opts...)
	if err == nil {
		return tree, nil
	}
	if !errors.Is(err, dberrors.ErrNotFound) {
		return nil, err
	}
	return spatial.Create(store, spatial.Config{
		Dims:          cfg.Dims,
		MaxEntries:    cfg.MaxEntries,
		MinFillFactor: cfg.MinFillFactor,
	}, opts...)
}
