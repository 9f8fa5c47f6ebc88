// Command gojodb_spatial is an interactive shell over a paged spatial index.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/sushant-115/gojodb-spatial/config"
	"github.com/sushant-115/gojodb-spatial/core/indexing/spatial"
	"github.com/sushant-115/gojodb-spatial/core/indexing/validity"
	"github.com/sushant-115/gojodb-spatial/core/storage_engine/pagestore"
	internaltelemetry "github.com/sushant-115/gojodb-spatial/internal/telemetry"
	"github.com/sushant-115/gojodb-spatial/pkg/logger"
	"github.com/sushant-115/gojodb-spatial/pkg/telemetry"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	historyFile := flag.String("history", filepath.Join(os.TempDir(), "gojodb_spatial_history"), "readline history file")
	flag.Parse()

	if err := run(*configPath, *historyFile, flag.Args()); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func run(configPath, historyFile string, args []string) error {
	cfg := config.Default()
	if configPath != "" {
		var err error
		if cfg, err = config.Load(configPath); err != nil {
			return err
		}
	}

	log, err := logger.New(cfg.Logger)
	if err != nil {
		return err
	}
	defer log.Sync()

	tel, shutdown, err := telemetry.New(cfg.Telemetry)
	if err != nil {
		return err
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			log.Warn("Telemetry shutdown failed", zap.Error(err))
		}
	}()
	metrics, err := internaltelemetry.NewIndexMetrics(tel.Meter)
	if err != nil {
		return fmt.Errorf("failed to create index metrics: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var reg prometheus.Registerer = prometheus.DefaultRegisterer
	if tel.Registry != nil {
		reg = tel.Registry
	}
	store, err := openStore(ctx, cfg.Store, reg, log)
	if err != nil {
		return err
	}
	defer store.Close()

	tree, err := openTree(store, cfg.Tree, metrics, log)
	if err != nil {
		return err
	}
	index := spatial.NewIndexManager(tree, log)
	defer func() {
		if err := index.Close(); err != nil {
			log.Error("Failed to close index", zap.Error(err))
		}
	}()

	cache, err := newUpstreamCache(index, cfg, metrics, tel, log)
	if err != nil {
		return err
	}

	sh := &shell{index: index, cache: cache, dims: tree.Dims(), out: os.Stdout}
	if len(args) > 0 {
		if err := sh.exec(ctx, args); !errors.Is(err, errExit) {
			return err
		}
		return nil
	}
	return repl(ctx, sh, historyFile)
}

// newUpstreamCache puts a validity cache, backed by an in-memory tree, in
// front of index so cache behaviour can be tried by hand.
func newUpstreamCache(index *spatial.IndexManager, cfg config.Config, metrics *internaltelemetry.IndexMetrics, tel *telemetry.Telemetry, log *zap.Logger) (*validity.Cache, error) {
	world, err := spatial.NewRegion(cfg.Cache.WorldLow, cfg.Cache.WorldHigh)
	if err != nil {
		return nil, fmt.Errorf("invalid cache world: %w", err)
	}
	mem, err := pagestore.NewMemoryStore(cfg.Store.PageSize, 0)
	if err != nil {
		return nil, err
	}
	local, err := spatial.Create(mem, spatial.Config{
		Dims:          cfg.Tree.Dims,
		MaxEntries:    cfg.Tree.MaxEntries,
		MinFillFactor: cfg.Tree.MinFillFactor,
	}, spatial.WithLogger(log.Named("cache_tree")), spatial.WithMetrics(metrics))
	if err != nil {
		return nil, err
	}
	upstream := validity.SourceFunc(func(_ context.Context, r spatial.Region) ([]validity.Record, error) {
		entries, err := index.Search(r, spatial.Intersects)
		if err != nil {
			return nil, err
		}
		records := make([]validity.Record, 0, len(entries))
		for _, e := range entries {
			records = append(records, validity.Record{Region: e.Region, ID: e.ID})
		}
		return records, nil
	})
	return validity.NewCache(spatial.NewIndexManager(local, log), upstream, validity.CacheOptions{
		World:      world,
		MaxDepth:   cfg.Cache.MaxDepth,
		FetchRate:  rate.Limit(cfg.Cache.FetchRate),
		FetchBurst: cfg.Cache.FetchBurst,
		Logger:     log,
		Metrics:    metrics,
		Tracer:     tel.Tracer,
	})
}

func repl(ctx context.Context, sh *shell, historyFile string) error {
	items := make([]readline.PrefixCompleterInterface, 0, len(commands))
	for _, c := range commands {
		items = append(items, readline.PcItem(c))
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "spatial> ",
		HistoryFile:     historyFile,
		AutoComplete:    readline.NewPrefixCompleter(items...),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("failed to start readline: %w", err)
	}
	defer rl.Close()

	fmt.Fprintln(sh.out, "GojoDB spatial shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		err = sh.exec(ctx, strings.Fields(line))
		if errors.Is(err, errExit) {
			return nil
		}
		if err != nil {
			fmt.Fprintln(sh.out, "Error:", err)
		}
	}
}
