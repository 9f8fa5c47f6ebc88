package main

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sushant-115/gojodb-spatial/config"
	"github.com/sushant-115/gojodb-spatial/core/dberrors"
	"github.com/sushant-115/gojodb-spatial/core/indexing/spatial"
	"github.com/sushant-115/gojodb-spatial/pkg/telemetry"
)

func newTestShell(t *testing.T) (*shell, *bytes.Buffer) {
	t.Helper()
	cfg := config.Default()
	store, err := openStore(context.Background(), cfg.Store, nil, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	tree, err := openTree(store, cfg.Tree, nil, zap.NewNop())
	require.NoError(t, err)
	index := spatial.NewIndexManager(tree, zap.NewNop())

	tel, _, err := telemetry.New(telemetry.Config{})
	require.NoError(t, err)
	cache, err := newUpstreamCache(index, cfg, nil, tel, zap.NewNop())
	require.NoError(t, err)

	out := &bytes.Buffer{}
	return &shell{index: index, cache: cache, dims: tree.Dims(), out: out}, out
}

// run executes line and returns what it printed.
func (sh *shell) run(t *testing.T, out *bytes.Buffer, line string) (string, error) {
	t.Helper()
	out.Reset()
	err := sh.exec(context.Background(), strings.Fields(line))
	return out.String(), err
}

func TestShellIndexCommands(t *testing.T) {
	sh, out := newTestShell(t)

	for _, line := range []string{"insert 1 0 0 1 1", "insert 2 5 5 6 6", "insert 3 -10 -10 -9 -9"} {
		got, err := sh.run(t, out, line)
		require.NoError(t, err)
		require.Equal(t, "OK\n", got)
	}

	got, err := sh.run(t, out, "query 0 0 2 2")
	require.NoError(t, err)
	require.Equal(t, "1\t[0..1 x 0..1]\n1 result(s)\n", got)

	got, err = sh.run(t, out, "query WITHIN -1 -1 10 10")
	require.NoError(t, err)
	require.Contains(t, got, "2 result(s)")

	got, err = sh.run(t, out, "query contains 5.5 5.5 5.5 5.5")
	require.NoError(t, err)
	require.Equal(t, "2\t[5..6 x 5..6]\n1 result(s)\n", got)

	got, err = sh.run(t, out, "count")
	require.NoError(t, err)
	require.Equal(t, "3\n", got)

	got, err = sh.run(t, out, "stats")
	require.NoError(t, err)
	require.Contains(t, got, "height=1 count=3 nodes=1")
	require.Contains(t, got, "level 0:")

	got, err = sh.run(t, out, "verify")
	require.NoError(t, err)
	require.Equal(t, "OK\n", got)

	got, err = sh.run(t, out, "meta")
	require.NoError(t, err)
	require.Contains(t, got, "dims=2")
	require.Contains(t, got, "count=3")

	_, err = sh.run(t, out, "delete 1 0 0 1 1")
	require.NoError(t, err)
	got, err = sh.run(t, out, "count")
	require.NoError(t, err)
	require.Equal(t, "2\n", got)

	_, err = sh.run(t, out, "delete 1 0 0 1 1")
	require.ErrorIs(t, err, dberrors.ErrNotFound)

	got, err = sh.run(t, out, "flush")
	require.NoError(t, err)
	require.Equal(t, "OK\n", got)
}

func TestShellRejectsBadInput(t *testing.T) {
	sh, out := newTestShell(t)

	tests := []struct {
		line string
		want string
	}{
		{"insert 1 0 0", "requires an id and 4 coordinates"},
		{"insert x 0 0 1 1", "invalid id"},
		{"insert 1 0 0 a 1", "invalid coordinate"},
		{"query 0 0 1", "expected 4 coordinates"},
		{"query near 0 0 1 1", "predicate"},
		{"frobnicate", "unknown command"},
		{"cquery 1 2", "expected 4 coordinates"},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			_, err := sh.run(t, out, tt.line)
			require.Error(t, err)
			require.Contains(t, err.Error(), tt.want)
		})
	}

	_, err := sh.run(t, out, "insert 1 1 1 0 0")
	require.ErrorIs(t, err, dberrors.ErrInvalidRegion)

	_, err = sh.run(t, out, "quit")
	require.ErrorIs(t, err, errExit)
	_, err = sh.run(t, out, "")
	require.NoError(t, err)

	got, err := sh.run(t, out, "help")
	require.NoError(t, err)
	require.Contains(t, got, "cinvalidate")
}

func TestShellCacheCommands(t *testing.T) {
	sh, out := newTestShell(t)
	_, err := sh.run(t, out, "insert 7 10 10 11 11")
	require.NoError(t, err)

	got, err := sh.run(t, out, "cquery 9 9 12 12")
	require.NoError(t, err)
	require.Equal(t, "7\t[10..11 x 10..11]\n1 result(s)\n", got)

	got, err = sh.run(t, out, "cstats")
	require.NoError(t, err)
	require.Contains(t, got, "lookups=1 hits=0 misses=1 refills=1 fetched=1")

	// Writes to the main index are invisible to the cache until invalidated.
	_, err = sh.run(t, out, "insert 8 9.5 9.5 9.6 9.6")
	require.NoError(t, err)
	got, err = sh.run(t, out, "cquery 9 9 12 12")
	require.NoError(t, err)
	require.Contains(t, got, "1 result(s)")

	got, err = sh.run(t, out, "cinvalidate 9 9 12 12")
	require.NoError(t, err)
	require.Equal(t, "OK\n", got)
	got, err = sh.run(t, out, "cquery 9 9 12 12")
	require.NoError(t, err)
	require.Contains(t, got, "2 result(s)")

	sh.cache = nil
	_, err = sh.run(t, out, "cstats")
	require.ErrorContains(t, err, "no validity cache")
}

func TestOpenStoreReopensFileIndex(t *testing.T) {
	cfg := config.Default().Store
	cfg.Backend = config.BackendCachedFile
	cfg.Path = filepath.Join(t.TempDir(), "index.db")
	cfg.Instrument = true
	reg := prometheus.NewRegistry()
	ctx := context.Background()

	store, err := openStore(ctx, cfg, reg, zap.NewNop())
	require.NoError(t, err)
	tree, err := openTree(store, config.Default().Tree, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, tree.Insert(spatial.Rect(1, 2, 3, 4), 42))
	require.NoError(t, tree.Close())
	require.NoError(t, store.Close())

	families, err := reg.Gather()
	require.NoError(t, err)
	require.NotEmpty(t, families)

	store, err = openStore(ctx, cfg, prometheus.NewRegistry(), zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	tree, err = openTree(store, config.Default().Tree, nil, zap.NewNop())
	require.NoError(t, err)
	require.EqualValues(t, 1, tree.Count())
	ids, err := tree.SearchIDs(spatial.Rect(0, 0, 5, 5), spatial.Intersects)
	require.NoError(t, err)
	require.Equal(t, []spatial.DataID{42}, ids)
}

func TestOpenStoreSQLBackend(t *testing.T) {
	cfg := config.Default().Store
	cfg.Backend = config.BackendSQL
	cfg.SQL.DSN = filepath.Join(t.TempDir(), "pages.sqlite")

	store, err := openStore(context.Background(), cfg, nil, zap.NewNop())
	require.NoError(t, err)
	defer store.Close()
	tree, err := openTree(store, config.Default().Tree, nil, zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, tree.Insert(spatial.Point(1, 1), 1))
	require.EqualValues(t, 1, tree.Count())
}

func TestOpenStoreUnknownBackend(t *testing.T) {
	cfg := config.Default().Store
	cfg.Backend = "tape"
	_, err := openStore(context.Background(), cfg, nil, zap.NewNop())
	require.ErrorIs(t, err, dberrors.ErrInvalidConfig)
}
