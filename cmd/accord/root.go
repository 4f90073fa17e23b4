package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hyperengineering/accord/internal/config"
	"github.com/hyperengineering/accord/internal/engine"
	"github.com/hyperengineering/accord/internal/worker"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags: -ldflags "-X main.Version=1.0.0"
var Version = "dev"

var (
	configPathOverride string
	jsonOutput         bool
)

var rootCmd = &cobra.Command{
	Use:   "accord",
	Short: "Accord - Dual-Store Consistency Engine",
	RunE:  run,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPathOverride, "config", "",
		"Config file path (overrides ACCORD_CONFIG_PATH)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false,
		"Output in JSON format")

	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(diagnoseCmd)
	rootCmd.AddCommand(repairCmd)
	rootCmd.AddCommand(verifyCmd)
}

func run(cmd *cobra.Command, args []string) error {
	// 1. Signal handling
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// 2. Load configuration
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// 3. Initialize logger
	initLogger(cfg)
	slog.Info("configuration loaded")

	// 4. Open both stores and run the startup consistency check
	eng, err := engine.Open(ctx, engine.Options{
		FactPath:   cfg.Database.FactPath,
		EntityPath: cfg.Database.EntityPath,
		LockWait:   time.Duration(cfg.Database.LockWait),
		Lookback:   time.Duration(cfg.Checker.Lookback),
		SampleSize: cfg.Checker.SampleSize,
	})
	if err != nil {
		return err
	}
	slog.Info("engine initialized",
		"fact_path", cfg.Database.FactPath,
		"entity_path", cfg.Database.EntityPath,
		"state", eng.Status(),
	)

	// 5. Worker lifecycle
	var wg sync.WaitGroup
	sweep := worker.NewConsistencySweepWorker(eng, time.Duration(cfg.Worker.SweepInterval))
	startWorker(ctx, &wg, "consistency-sweep", sweep.Run)

	// 6. Block until signal received
	<-ctx.Done()
	slog.Info("shutdown initiated")

	// 7. Graceful shutdown sequence
	wg.Wait()
	if err := eng.Close(); err != nil {
		slog.Error("engine close error", "error", err)
	}

	slog.Info("shutdown complete")
	return nil
}

// loadConfig loads configuration, honoring the --config override.
func loadConfig() (*config.Config, error) {
	if configPathOverride != "" {
		return config.LoadFromFile(configPathOverride)
	}
	return config.Load()
}

// initLogger installs the default slog logger per config.
func initLogger(cfg *config.Config) {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Log.Level)}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	slog.SetDefault(slog.New(handler))
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// resolveEngine opens an engine handle for a one-shot subcommand.
// The startup check is skipped; subcommands that care run Diagnose directly.
func resolveEngine(ctx context.Context) (*engine.Engine, *config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	initLogger(cfg)

	eng, err := engine.Open(ctx, engine.Options{
		FactPath:         cfg.Database.FactPath,
		EntityPath:       cfg.Database.EntityPath,
		LockWait:         time.Duration(cfg.Database.LockWait),
		Lookback:         time.Duration(cfg.Checker.Lookback),
		SampleSize:       cfg.Checker.SampleSize,
		SkipStartupCheck: true,
	})
	if err != nil {
		return nil, nil, err
	}
	return eng, cfg, nil
}

// printJSON marshals v to JSON and writes to the given writer.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// startWorker launches a background worker goroutine that respects context
// cancellation. Workers are tracked via WaitGroup for graceful shutdown.
func startWorker(ctx context.Context, wg *sync.WaitGroup, name string, fn func(ctx context.Context)) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		fn(ctx)
		slog.Info("worker exited", "worker", name)
	}()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
