// connpoold maintains pools of RPC connections to a configured set of
// endpoints: it prewarms them, health-checks them in the background, and
// exposes pool metrics over HTTP.
//
// Usage:
//
//	connpoold [flags]
//	connpoold check
//
// The check subcommand connects to every configured endpoint once,
// reports per-endpoint health, and exits non-zero if any endpoint is
// unreachable.
//
// Flags:
//
//	-config string
//	    Path to configuration file (default "~/.connpool/config.toml")
//	-listen string
//	    Metrics listen address (overrides config)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/evgray/connpool/lib/config"
	"github.com/evgray/connpool/lib/metrics"
	"github.com/evgray/connpool/lib/pool"
	"github.com/evgray/connpool/version"
)

func main() {
	os.Exit(run())
}

func run() int {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		homeDir = "."
	}
	defaultConfigPath := filepath.Join(homeDir, ".connpool", "config.toml")

	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	listenAddr := flag.String("listen", "", "Metrics listen address (overrides config)")
	verbose := flag.Bool("v", false, "Enable verbose logging")
	showVersion := flag.Bool("version", false, "Print version and exit")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "connpoold - RPC connection pool daemon\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  connpoold [flags]         Run the daemon\n")
		fmt.Fprintf(os.Stderr, "  connpoold check           Probe configured endpoints and exit\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}

	flag.Parse()

	if *showVersion {
		fmt.Printf("connpoold version %s\n", version.Full())
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if *listenAddr != "" {
		cfg.Metrics.Listen = *listenAddr
	}

	endpoints, err := cfg.EndpointList()
	if err != nil {
		logger.Error("invalid endpoint configuration", "error", err)
		return 1
	}

	mgr, err := pool.NewManager(cfg.PoolConfig())
	if err != nil {
		logger.Error("failed to create pool manager", "error", err)
		return 1
	}
	defer mgr.Close()

	args := flag.Args()
	if len(args) > 0 && args[0] == "check" {
		return runCheck(logger, mgr, cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	for _, ep := range endpoints {
		if err := mgr.Prewarm(ctx, ep); err != nil {
			logger.Warn("prewarm failed", "endpoint", ep.Key(), "error", err)
		}
	}

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		metricsSrv = &http.Server{Addr: cfg.Metrics.Listen, Handler: mux}
		go func() {
			logger.Info("metrics listening", "addr", cfg.Metrics.Listen)
			if err := metricsSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("connpoold started",
		"version", version.Version,
		"endpoints", len(endpoints),
		"global_max", cfg.Pool.GlobalMax)

	statsTicker := time.NewTicker(time.Minute)
	defer statsTicker.Stop()

	for {
		select {
		case sig := <-sigChan:
			logger.Info("received signal, shutting down", "signal", sig)
			if metricsSrv != nil {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				metricsSrv.Shutdown(shutdownCtx)
				shutdownCancel()
			}
			if err := mgr.Close(); err != nil {
				logger.Error("pool shutdown failed", "error", err)
				return 1
			}
			logger.Info("shutdown complete")
			return 0
		case <-statsTicker.C:
			s := mgr.Stats()
			logger.Debug("pool stats",
				"active", s.CurrentActive,
				"idle", s.CurrentIdle,
				"created", s.Created,
				"closed", s.Closed,
				"timeouts", s.AcquireTimeouts)
		}
	}
}

// runCheck probes every configured endpoint once and reports the result.
func runCheck(logger *slog.Logger, mgr *pool.Manager, cfg *config.Config) int {
	endpoints, err := cfg.EndpointList()
	if err != nil {
		logger.Error("invalid endpoint configuration", "error", err)
		return 1
	}
	if len(endpoints) == 0 {
		fmt.Println("no endpoints configured")
		return 0
	}

	failures := 0
	for _, ep := range endpoints {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		conn, err := mgr.Acquire(ctx, ep)
		if err != nil {
			cancel()
			fmt.Printf("%-40s unreachable: %v\n", ep.Key(), err)
			failures++
			continue
		}
		if mgr.Validate(ctx, conn) {
			fmt.Printf("%-40s ok\n", ep.Key())
			mgr.Release(conn, false)
		} else {
			fmt.Printf("%-40s failed validation\n", ep.Key())
			failures++
		}
		cancel()
	}

	if failures > 0 {
		fmt.Printf("%d of %d endpoints unhealthy\n", failures, len(endpoints))
		return 1
	}
	return 0
}
