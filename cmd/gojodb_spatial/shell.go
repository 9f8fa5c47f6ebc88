package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sushant-115/gojodb-spatial/core/indexing/spatial"
	"github.com/sushant-115/gojodb-spatial/core/indexing/validity"
)

var errExit = errors.New("exit")

// shell runs CLI commands against an index and, when configured, a cache in
// front of it.
type shell struct {
	index *spatial.IndexManager
	cache *validity.Cache
	dims  int
	out   io.Writer
}

var commands = []string{
	"insert", "delete", "query", "count", "stats", "verify", "flush", "meta",
	"cquery", "cinvalidate", "cstats", "help", "exit", "quit",
}

func (sh *shell) help() {
	coords := "<low_1..low_n> <high_1..high_n>"
	fmt.Fprintln(sh.out, "Commands:")
	fmt.Fprintf(sh.out, "  insert <id> %s\n", coords)
	fmt.Fprintf(sh.out, "  delete <id> %s\n", coords)
	fmt.Fprintf(sh.out, "  query [intersects|contains|within] %s\n", coords)
	fmt.Fprintln(sh.out, "  count | stats | verify | flush | meta")
	fmt.Fprintf(sh.out, "  cquery %s      query through the validity cache\n", coords)
	fmt.Fprintf(sh.out, "  cinvalidate %s\n", coords)
	fmt.Fprintln(sh.out, "  cstats")
	fmt.Fprintln(sh.out, "  help")
	fmt.Fprintln(sh.out, "  exit / quit")
}

// exec runs one command. It returns errExit for exit and quit.
func (sh *shell) exec(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch strings.ToLower(args[0]) {
	case "insert", "delete":
		if len(args) != 2+2*sh.dims {
			return fmt.Errorf("%s requires an id and %d coordinates", args[0], 2*sh.dims)
		}
		id, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid id %q: %w", args[1], err)
		}
		r, err := parseRegion(args[2:], sh.dims)
		if err != nil {
			return err
		}
		if strings.EqualFold(args[0], "insert") {
			err = sh.index.Insert(r, id)
		} else {
			err = sh.index.Delete(r, id)
		}
		if err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "OK")
	case "query":
		pred := spatial.Intersects
		rest := args[1:]
		if len(rest) == 2*sh.dims+1 {
			p, err := spatial.ParsePredicate(strings.ToLower(rest[0]))
			if err != nil {
				return err
			}
			pred, rest = p, rest[1:]
		}
		r, err := parseRegion(rest, sh.dims)
		if err != nil {
			return err
		}
		entries, err := sh.index.Search(r, pred)
		if err != nil {
			return err
		}
		for _, e := range entries {
			fmt.Fprintf(sh.out, "%d\t%s\n", e.ID, e.Region)
		}
		fmt.Fprintf(sh.out, "%d result(s)\n", len(entries))
	case "count":
		fmt.Fprintln(sh.out, sh.index.Count())
	case "stats":
		st, err := sh.index.Stats()
		if err != nil {
			return err
		}
		fmt.Fprintf(sh.out, "height=%d count=%d nodes=%d entries=%d\n", st.Height, st.Count, st.Nodes, st.Entries)
		for _, l := range st.Levels {
			fmt.Fprintf(sh.out, "  level %d: nodes=%d entries=%d fill=%.2f\n", l.Level, l.Nodes, l.Entries, l.Fill)
		}
	case "verify":
		if err := sh.index.Verify(); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "OK")
	case "flush":
		if err := sh.index.Flush(); err != nil {
			return err
		}
		fmt.Fprintln(sh.out, "OK")
	case "meta":
		m := sh.index.Meta()
		fmt.Fprintf(sh.out, "index=%s page_size=%d dims=%d max_entries=%d min_entries=%d root=%d height=%d count=%d mod_count=%d\n",
			m.IndexID, m.PageSize, m.Dims, m.MaxEntries, m.MinEntries, m.Root, m.Height, m.Count, m.ModCount)
	case "cquery", "cinvalidate", "cstats":
		return sh.execCache(ctx, args)
	case "help":
		sh.help()
	case "exit", "quit":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	return nil
}

func (sh *shell) execCache(ctx context.Context, args []string) error {
	if sh.cache == nil {
		return errors.New("no validity cache configured")
	}
	switch strings.ToLower(args[0]) {
	case "cstats":
		st := sh.cache.Stats()
		fmt.Fprintf(sh.out, "lookups=%d hits=%d misses=%d refills=%d fetched=%d resets=%d\n",
			st.Lookups, st.Hits, st.Misses, st.Refills, st.FetchedRecords, st.Resets)
		fmt.Fprintf(sh.out, "overlay: cells=%d leaves=%d valid=%d depth=%d valid_fraction=%.4f\n",
			st.Overlay.Cells, st.Overlay.Leaves, st.Overlay.ValidLeaves, st.Overlay.Depth, st.Overlay.ValidFraction)
		return nil
	}
	r, err := parseRegion(args[1:], sh.dims)
	if err != nil {
		return err
	}
	if strings.EqualFold(args[0], "cinvalidate") {
		sh.cache.Invalidate(r)
		fmt.Fprintln(sh.out, "OK")
		return nil
	}
	records, err := sh.cache.Query(ctx, r)
	if err != nil {
		return err
	}
	for _, rec := range records {
		fmt.Fprintf(sh.out, "%d\t%s\n", rec.ID, rec.Region)
	}
	fmt.Fprintf(sh.out, "%d result(s)\n", len(records))
	return nil
}

// parseRegion reads dims low coordinates followed by dims high coordinates.
func parseRegion(args []string, dims int) (spatial.Region, error) {
	if len(args) != 2*dims {
		return spatial.Region{}, fmt.Errorf("expected %d coordinates, got %d", 2*dims, len(args))
	}
	coords := make([]float64, len(args))
	for i, a := range args {
		v, err := strconv.ParseFloat(a, 64)
		if err != nil {
			return spatial.Region{}, fmt.Errorf("invalid coordinate %q: %w", a, err)
		}
		coords[i] = v
	}
	return spatial.NewRegion(coords[:dims], coords[dims:])
}
