package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/KevoDB/s3kv/pkg/config"
	"github.com/KevoDB/s3kv/pkg/engine"
	"github.com/KevoDB/s3kv/pkg/telemetry"
)

// Options holds the command line settings layered over the config file
type Options struct {
	ConfigPath    string
	DataDir       string
	Backend       string
	Bucket        string
	Prefix        string
	Endpoint      string
	Region        string
	IndexStrategy string
	CacheSize     string
	CacheFraction float64
	BlockSize     string
	WarmFraction  float64
	MetricsAddr   string
	LogLevel      string
}

func main() {
	opts := parseFlags()

	cfg, err := buildConfig(opts)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var metricsServer *http.Server
	if opts.MetricsAddr != "" {
		metricsServer = serveMetrics(opts.MetricsAddr)
	}

	eng, err := engine.Open(ctx, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %s\n", err)
		os.Exit(1)
	}

	if opts.WarmFraction > 0 {
		start := time.Now()
		ids, err := eng.WarmFraction(ctx, opts.WarmFraction)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error warming cache: %s\n", err)
		} else {
			fmt.Printf("Warmed %d blocks in %s\n", len(ids), time.Since(start).Round(time.Millisecond))
		}
	}

	runInteractive(ctx, eng, opts.DataDir)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := eng.Close(closeCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing store: %s\n", err)
	}
	if metricsServer != nil {
		_ = metricsServer.Shutdown(closeCtx)
	}
}

// parseFlags parses command line flags and returns the options
func parseFlags() Options {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "s3kv - A key-value store over S3-compatible object storage\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: s3kv [options] [data_dir]\n\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(flag.CommandLine.Output(), "\nStart s3kv and type .help for the shell commands.\n")
	}

	var opts Options
	flag.StringVar(&opts.ConfigPath, "config", "", "Config file (JSON, or YAML by extension)")
	flag.StringVar(&opts.Backend, "backend", "", "Object store backend: s3, nats, fs or memory")
	flag.StringVar(&opts.Bucket, "bucket", "", "Bucket name (s3 and nats backends)")
	flag.StringVar(&opts.Prefix, "prefix", "", "Key prefix inside the bucket")
	flag.StringVar(&opts.Endpoint, "endpoint", "", "Custom S3 endpoint, for S3-compatible stores")
	flag.StringVar(&opts.Region, "region", "", "S3 region")
	flag.StringVar(&opts.IndexStrategy, "index", "", "Index strategy: object, scan, badger or memory")
	flag.StringVar(&opts.CacheSize, "cache", "", "Block cache size, e.g. 512MiB; 0 disables the cache")
	flag.Float64Var(&opts.CacheFraction, "cache-fraction", 0, "Size the cache as a fraction of available memory")
	flag.StringVar(&opts.BlockSize, "block-size", "", "Raw block size, e.g. 1MB")
	flag.Float64Var(&opts.WarmFraction, "warm", 0, "Fraction of blocks to load into the cache at startup")
	flag.StringVar(&opts.MetricsAddr, "metrics", "", "Serve Prometheus metrics on this address, e.g. :9090")
	flag.StringVar(&opts.LogLevel, "log-level", "", "Log level: debug, info, warn or error")
	flag.Parse()

	opts.DataDir = filepath.Join(os.TempDir(), "s3kv")
	if flag.NArg() > 0 {
		opts.DataDir = flag.Arg(0)
	}
	return opts
}

// buildConfig applies, in order: defaults, the config file, S3KV_* variables
// and the command line flags
func buildConfig(opts Options) (*config.Config, error) {
	cfg := config.NewDefaultConfig(opts.DataDir)
	if opts.ConfigPath != "" {
		loaded, err := config.LoadConfig(opts.ConfigPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.LoadFromEnv(); err != nil {
		return nil, err
	}

	var errs []error
	cfg.Update(func(c *config.Config) {
		setString(&c.StoreBackend, opts.Backend)
		setString(&c.Bucket, opts.Bucket)
		setString(&c.Prefix, opts.Prefix)
		setString(&c.Endpoint, opts.Endpoint)
		setString(&c.Region, opts.Region)
		setString(&c.IndexStrategy, opts.IndexStrategy)
		setString(&c.LogLevel, opts.LogLevel)

		if opts.CacheSize != "" {
			size, err := humanize.ParseBytes(opts.CacheSize)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid cache size: %w", err))
			} else {
				c.CacheCapacity = int64(size)
			}
		}
		if opts.CacheFraction > 0 {
			c.CacheMemoryFraction = opts.CacheFraction
		}
		if opts.BlockSize != "" {
			size, err := humanize.ParseBytes(opts.BlockSize)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid block size: %w", err))
			} else {
				c.BlockSize = int64(size)
			}
		}
		if opts.MetricsAddr != "" {
			c.StoreMetrics = true
			c.Telemetry.Enabled = true
			c.Telemetry.Exporters = []string{telemetry.ExporterPrometheus}
			c.Telemetry.Registerer = prometheus.DefaultRegisterer
		}
	})
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return cfg, cfg.Validate()
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

// serveMetrics exposes the default Prometheus registry over HTTP
func serveMetrics(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(os.Stderr, "Metrics server stopped: %s\n", err)
		}
	}()
	fmt.Printf("Serving metrics on %s/metrics\n", addr)
	return server
}

// runInteractive starts the interactive shell
func runInteractive(ctx context.Context, eng *engine.Engine, dataDir string) {
	fmt.Println("s3kv shell")
	fmt.Println("Enter .help for usage hints.")

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "s3kv> ",
		HistoryFile:     filepath.Join(os.TempDir(), ".s3kv_history"),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error initializing readline: %s\n", err)
		return
	}
	defer rl.Close()

	sh := newShell(eng, os.Stdout)
	rl.SetPrompt(fmt.Sprintf("s3kv:%s> ", dataDir))

	for ctx.Err() == nil {
		line, readErr := rl.Readline()
		if readErr != nil {
			if errors.Is(readErr, readline.ErrInterrupt) {
				if len(line) == 0 {
					return
				}
				continue
			}
			if errors.Is(readErr, io.EOF) {
				fmt.Println("Goodbye!")
				return
			}
			fmt.Fprintf(os.Stderr, "Error reading input: %s\n", readErr)
			continue
		}

		if sh.execute(ctx, line) {
			fmt.Println("Goodbye!")
			return
		}
	}
}
