package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"

	"github.com/KevoDB/s3kv/pkg/block"
	"github.com/KevoDB/s3kv/pkg/engine"
	"github.com/KevoDB/s3kv/pkg/index"
)

// Command completer for readline
var completer = readline.NewPrefixCompleter(
	readline.PcItem(".help"),
	readline.PcItem(".exit"),
	readline.PcItem(".stats"),
	readline.PcItem(".flush"),
	readline.PcItem("PUT"),
	readline.PcItem("GET"),
	readline.PcItem("SCAN"),
	readline.PcItem("KEYS"),
	readline.PcItem("WARM"),
	readline.PcItem("INVALIDATE"),
)

const helpText = `
s3kv - A key-value store over S3-compatible object storage.

Commands:
  .help                   - Show this help message
  .exit                   - Exit the program
  .stats [prefix]         - Show store, cache and index statistics, or only
                            the counters whose names start with prefix
  .flush                  - Write buffered pairs out as blocks

  PUT key value           - Buffer a key-value pair
  GET key                 - Retrieve a value by key
  SCAN [start [end]]      - List key-value pairs in [start, end)
  KEYS [start [end]]      - List keys and their block in [start, end) without fetching blocks
  WARM fraction           - Load a random fraction (0-1) of the blocks into the cache
  WARM id [id ...]        - Load the given blocks into the cache
  INVALIDATE id           - Drop a block from the index and the cache
`

// shell executes one command line at a time against an engine
type shell struct {
	eng *engine.Engine
	out io.Writer
}

func newShell(eng *engine.Engine, out io.Writer) *shell {
	return &shell{eng: eng, out: out}
}

// execute runs line and reports whether the shell should exit
func (s *shell) execute(ctx context.Context, line string) bool {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd := strings.ToUpper(parts[0])
	args := parts[1:]

	var err error
	switch cmd {
	case ".HELP":
		fmt.Fprint(s.out, helpText)
	case ".EXIT":
		return true
	case ".STATS":
		if len(args) > 0 {
			s.printFiltered(args[0])
			break
		}
		s.printStats()
	case ".FLUSH", "FLUSH":
		err = s.flush(ctx)
	case "PUT":
		if len(args) < 2 {
			err = errors.New("usage: PUT key value")
			break
		}
		// the value is the rest of the line, spaces included
		rest := strings.TrimSpace(line)[len(parts[0]):]
		value := strings.TrimSpace(strings.TrimSpace(rest)[len(parts[1]):])
		err = s.eng.Put(ctx, []byte(args[0]), []byte(value))
		if err == nil {
			fmt.Fprintln(s.out, "Value stored")
		}
	case "GET":
		if len(args) != 1 {
			err = errors.New("usage: GET key")
			break
		}
		err = s.get(ctx, args[0])
	case "SCAN":
		start, end := bounds(args)
		err = s.scan(ctx, start, end)
	case "KEYS":
		start, end := bounds(args)
		s.keys(start, end)
	case "WARM":
		err = s.warm(ctx, args)
	case "INVALIDATE":
		if len(args) != 1 {
			err = errors.New("usage: INVALIDATE id")
			break
		}
		var id block.ID
		if id, err = parseBlockID(args[0]); err == nil {
			err = s.eng.Invalidate(ctx, id)
		}
		if err == nil {
			fmt.Fprintf(s.out, "Block %d invalidated\n", id)
		}
	default:
		err = fmt.Errorf("unknown command %q, enter .help for usage hints", parts[0])
	}

	if err != nil {
		fmt.Fprintf(s.out, "Error: %s\n", err)
	}
	return false
}

func bounds(args []string) (start, end []byte) {
	if len(args) > 0 {
		start = []byte(args[0])
	}
	if len(args) > 1 {
		end = []byte(args[1])
	}
	return start, end
}

func parseBlockID(s string) (block.ID, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid block id %q", s)
	}
	return block.ID(id), nil
}

func (s *shell) get(ctx context.Context, key string) error {
	start := time.Now()
	value, found, err := s.eng.Get(ctx, []byte(key))
	if err != nil {
		return err
	}
	if !found {
		fmt.Fprintln(s.out, "Key not found")
		return nil
	}
	fmt.Fprintf(s.out, "%s (%s)\n", value, time.Since(start).Round(time.Microsecond))
	return nil
}

func (s *shell) flush(ctx context.Context) error {
	before := s.eng.Stats().IndexBlocks
	if err := s.eng.Flush(ctx); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Flushed, %d blocks live (was %d)\n", s.eng.Stats().IndexBlocks, before)
	return nil
}

func (s *shell) scan(ctx context.Context, start, end []byte) error {
	count := 0
	err := s.eng.Scan(ctx, start, end, func(key, value []byte) bool {
		fmt.Fprintf(s.out, "%s: %s\n", key, value)
		count++
		return true
	})
	if err != nil {
		return err
	}
	fmt.Fprintf(s.out, "%d entries found\n", count)
	return nil
}

func (s *shell) keys(start, end []byte) {
	count := 0
	s.eng.Range(start, end, func(key []byte, loc index.Location) bool {
		fmt.Fprintf(s.out, "%s (block %d)\n", key, loc.Block)
		count++
		return true
	})
	fmt.Fprintf(s.out, "%d keys found\n", count)
}

func (s *shell) warm(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: WARM fraction | WARM id [id ...]")
	}

	start := time.Now()
	if len(args) == 1 && strings.Contains(args[0], ".") {
		fraction, err := strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid fraction %q", args[0])
		}
		ids, err := s.eng.WarmFraction(ctx, fraction)
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "Warmed %d blocks in %s\n", len(ids), time.Since(start).Round(time.Millisecond))
		return nil
	}

	ids := make([]block.ID, 0, len(args))
	for _, arg := range args {
		id, err := parseBlockID(arg)
		if err != nil {
			return err
		}
		ids = append(ids, id)
	}
	if err := s.eng.Warm(ctx, ids); err != nil {
		return err
	}
	fmt.Fprintf(s.out, "Warmed %d blocks in %s\n", len(ids), time.Since(start).Round(time.Millisecond))
	return nil
}

func (s *shell) printFiltered(prefix string) {
	filtered := s.eng.StatsFiltered(prefix)
	names := make([]string, 0, len(filtered))
	for name := range filtered {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(s.out, "%s: %v\n", name, filtered[name])
	}
	fmt.Fprintf(s.out, "%d statistics found\n", len(names))
}

func (s *shell) printStats() {
	st := s.eng.Stats()

	fmt.Fprintln(s.out, "Index:")
	fmt.Fprintf(s.out, "  • Version: %d\n", st.IndexVersion)
	fmt.Fprintf(s.out, "  • Keys: %s\n", humanize.Comma(int64(st.IndexKeys)))
	fmt.Fprintf(s.out, "  • Blocks: %s (next id %d)\n", humanize.Comma(int64(st.IndexBlocks)), st.NextBlockID)
	if load, ok := st.Collector["index_load"].(map[string]interface{}); ok {
		if ms, ok := load["duration_ms"].(int64); ok {
			fmt.Fprintf(s.out, "  • Loaded in: %s\n", time.Duration(ms)*time.Millisecond)
		}
	}

	fmt.Fprintln(s.out, "\nWrite buffer:")
	fmt.Fprintf(s.out, "  • Buffered: %s\n", humanize.IBytes(uint64(st.BufferedBytes)))
	fmt.Fprintf(s.out, "  • Flushing tables: %d\n", st.ImmutableTables)

	c := st.Cache
	fmt.Fprintln(s.out, "\nCache:")
	fmt.Fprintf(s.out, "  • Size: %s / %s (peak %s)\n",
		humanize.IBytes(uint64(c.Bytes)), humanize.IBytes(uint64(c.Capacity)), humanize.IBytes(uint64(c.PeakBytes)))
	fmt.Fprintf(s.out, "  • Blocks: %d\n", c.Entries)
	fmt.Fprintf(s.out, "  • Hits: %d, Misses: %d (hit rate %.1f%%)\n", c.Hits, c.Misses, c.HitRate()*100)
	fmt.Fprintf(s.out, "  • Evictions: %d, Invalidations: %d, Rejected: %d\n", c.Evictions, c.Invalidations, c.Rejects)

	fmt.Fprintln(s.out, "\nOperations:")
	var ops []string
	for name := range st.Collector {
		if strings.HasSuffix(name, "_ops") {
			ops = append(ops, name)
		}
	}
	sort.Strings(ops)
	for _, name := range ops {
		fmt.Fprintf(s.out, "  • %s: %v\n", strings.TrimSuffix(name, "_ops"), st.Collector[name])
	}
	if layers, ok := st.Collector["layers"].(map[string]uint64); ok && len(layers) > 0 {
		fmt.Fprintf(s.out, "  • Reads by layer: %v\n", layers)
	}
	if read, ok := st.Collector["total_bytes_read"].(uint64); ok {
		fmt.Fprintf(s.out, "  • Read: %s\n", humanize.Bytes(read))
	}
	if written, ok := st.Collector["total_bytes_written"].(uint64); ok {
		fmt.Fprintf(s.out, "  • Written: %s\n", humanize.Bytes(written))
	}
}
