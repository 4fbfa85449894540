// Command genlogctl administers the generation metadata of a sharded log:
// inspect the entries map, run first-time setup, rotate the backing format,
// mark a drained prefix, and garbage-collect it.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/genlog/genlog/internal/backing"
	"github.com/genlog/genlog/internal/config"
	"github.com/genlog/genlog/internal/metrics"
	"github.com/genlog/genlog/internal/store/memstore"
	"github.com/genlog/genlog/internal/store/redisstore"
	"github.com/genlog/genlog/internal/store/s3store"
	"github.com/genlog/genlog/pkg/types"
)

const usage = `usage: genlogctl [-config file] <command>

commands:
  status        print the entries map and version
  setup         create the metadata and generation 0 if absent
  rotate <type> append a generation with the given backing (fifo|omap)
  trim <gen>    mark every generation up to <gen> as drained
  gc            physically remove the drained prefix
`

// printCallbacks reports manager events on stdout.
type printCallbacks struct{}

func (printCallbacks) HandleInit(entries types.Entries) error {
	fmt.Printf("active generations: %d\n", len(entries))
	return nil
}

func (printCallbacks) HandleNewGens(entries types.Entries) error {
	for _, k := range entries.Keys() {
		fmt.Printf("new generation %d (%s)\n", k, entries[k].Type)
	}
	return nil
}

func (printCallbacks) HandleEmptyTo(genID uint64) error {
	fmt.Printf("drained through generation %d\n", genID)
	return nil
}

func main() {
	configPath := flag.String("config", "", "path to configuration file")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, flag.Args()); err != nil {
		fmt.Fprintf(os.Stderr, "genlogctl: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, args []string) error {
	cfg, err := config.LoadConfiguration(configPath)
	if err != nil {
		return err
	}

	logger, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx := context.Background()
	store, cleanup, err := buildStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	var collector *metrics.Collector
	if cfg.Metrics.Enabled {
		collector, err = metrics.NewCollector(&metrics.Config{
			Enabled:   true,
			Port:      cfg.Metrics.Port,
			Path:      "/metrics",
			Namespace: "genlog",
		})
		if err != nil {
			return err
		}
	}

	mgr, err := backing.New(store, printCallbacks{}, backing.Config{
		MetadataOID:   cfg.Log.MetadataObject,
		Shards:        cfg.Log.Shards,
		GetOID:        cfg.ShardOID,
		MaxTries:      cfg.Log.MaxRetries,
		NotifyTimeout: cfg.Log.NotifyTimeout,
		Logger:        logger,
		Metrics:       collector,
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	if err := mgr.Setup(ctx, cfg.DefaultBackingType()); err != nil {
		return err
	}

	switch args[0] {
	case "status":
		printStatus(mgr)
		return nil
	case "setup":
		// Setup already ran above; just report the result.
		printStatus(mgr)
		return nil
	case "rotate":
		if len(args) < 2 {
			return fmt.Errorf("rotate requires a backing type")
		}
		bt, err := types.ParseBackingType(args[1])
		if err != nil {
			return err
		}
		return mgr.NewBacking(ctx, bt)
	case "trim":
		if len(args) < 2 {
			return fmt.Errorf("trim requires a generation id")
		}
		gen, err := strconv.ParseUint(args[1], 10, 64)
		if err != nil {
			return fmt.Errorf("bad generation id %q: %w", args[1], err)
		}
		return mgr.EmptyTo(ctx, gen)
	case "gc":
		return mgr.RemoveEmpty(ctx)
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func printStatus(mgr *backing.Manager) {
	entries := mgr.Entries()
	fmt.Printf("version: %s\n", mgr.Version())
	for _, k := range entries.Keys() {
		g := entries[k]
		state := "active"
		if g.Empty {
			state = "empty"
		}
		fmt.Printf("  gen %d: %s %s\n", k, g.Type, state)
	}
}

func buildLogger(cfg *config.Configuration) (*slog.Logger, error) {
	var level slog.Level
	switch cfg.Global.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	out := os.Stderr
	if cfg.Global.LogFile != "" {
		f, err := os.OpenFile(cfg.Global.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening log file: %w", err)
		}
		out = f
	}
	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})), nil
}

func buildStore(ctx context.Context, cfg *config.Configuration, logger *slog.Logger) (types.ObjectStore, func(), error) {
	switch cfg.Store.Backend {
	case "memory":
		// Useful only for dry runs: the state dies with the process.
		cluster := memstore.NewCluster()
		return cluster.Client(), func() {}, nil
	case "redis":
		s := redisstore.New(redisstore.Config{
			Addr:     cfg.Store.Redis.Addr,
			Password: cfg.Store.Redis.Password,
			DB:       cfg.Store.Redis.DB,
		}, logger)
		return s, func() { _ = s.Close() }, nil
	case "s3":
		s, err := s3store.New(ctx, s3store.Config{
			Bucket:         cfg.Store.S3.Bucket,
			Region:         cfg.Store.S3.Region,
			Endpoint:       cfg.Store.S3.Endpoint,
			Prefix:         cfg.Store.S3.Prefix,
			ForcePathStyle: cfg.Store.S3.ForcePathStyle,
			PollInterval:   cfg.Store.S3.PollInterval,
		}, logger)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
}
