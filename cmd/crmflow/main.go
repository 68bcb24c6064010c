package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rendis/crmflow/internal/logging"
)

func main() {
	cmd := "serve"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		runServe()
	case "install":
		runInstall(args)
	case "scan":
		runScan()
	case "version":
		printVersion()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q (serve, install, scan, version)\n", cmd)
		os.Exit(2)
	}
}

func newLogger(level *slog.LevelVar) *slog.Logger {
	// stdout carries the MCP stdio transport, so logs go to stderr.
	inner := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(logging.NewCorrelationHandler(inner))
}

func runServe() {
	cfg := loadConfig()
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := newLogger(level)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		logger.Error("startup failed", slog.String("error", err.Error()))
		_ = a.Close()
		os.Exit(1)
	}
	writePID(logger)
	defer os.Remove(pidPath())

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)
	go reloadOnHUP(ctx, hup, cfg, level, logger)

	logger.Info("crmflow started",
		slog.String("version", version),
		slog.String("db_path", cfg.DBPath),
		slog.Bool("mcp", cfg.MCP))

	if cfg.MCP {
		if err := a.mcp.Serve(ctx); err != nil && ctx.Err() == nil {
			logger.Error("mcp server stopped", slog.String("error", err.Error()))
		}
		stop()
	}
	<-ctx.Done()

	logger.Info("shutting down")
	if err := a.Close(); err != nil {
		logger.Error("shutdown failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

// reloadOnHUP re-reads the configuration. Only the log level applies live;
// other changes are reported as needing a restart.
func reloadOnHUP(ctx context.Context, hup <-chan os.Signal, current Config, level *slog.LevelVar, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-hup:
		}
		next := loadConfig()
		d := diffConfigs(current, next)
		if d.LogLevelChanged {
			level.Set(logging.ParseLevel(next.LogLevel))
			current.LogLevel = next.LogLevel
			logger.Info("log level changed", slog.String("level", next.LogLevel))
		}
		if len(d.RestartNeeded) > 0 {
			logger.Warn("configuration changes need a restart", slog.Any("fields", d.RestartNeeded))
		}
	}
}

// runScan runs one date trigger sweep now. The jobs it enqueues are picked up
// by the serving process.
func runScan() {
	cfg := loadConfig()
	level := new(slog.LevelVar)
	level.Set(logging.ParseLevel(cfg.LogLevel))
	logger := newLogger(level)

	ctx := context.Background()
	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer a.store.Close()

	res, err := a.scanner.Scan(ctx, time.Now())
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("workflows=%d matched=%d enqueued=%d duplicates=%d errors=%d\n",
		res.Workflows, res.Matched, res.Enqueued, res.Duplicates, res.Errors)
}

func runInstall(args []string) {
	fs := flag.NewFlagSet("install", flag.ExitOnError)
	dbPath := fs.String("db-path", "", "database path (default: ~/.crmflow/crmflow.db)")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	poolSize := fs.Int("pool-size", 4, "dispatcher worker pool size")
	scanSchedule := fs.String("scan-schedule", "@hourly", "cron schedule of the date trigger scan")
	maxDepth := fs.Int("max-depth", 5, "maximum workflow cascade depth")
	mcpFlag := fs.Bool("mcp", false, "serve MCP over stdio")
	if err := fs.Parse(args); err != nil {
		os.Exit(1)
	}

	dir := crmflowDir()
	if err := os.MkdirAll(dir, 0o700); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot create %s: %v\n", dir, err)
		os.Exit(1)
	}

	cfg := defaultConfig()
	cfg.LogLevel = *logLevel
	cfg.PoolSize = *poolSize
	cfg.ScanSchedule = *scanSchedule
	cfg.MaxDepth = *maxDepth
	cfg.MCP = *mcpFlag
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	} else {
		cfg.DBPath = filepath.Join(dir, "crmflow.db")
	}

	data, _ := json.MarshalIndent(cfg, "", "  ")
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "Error: cannot write %s: %v\n", path, err)
		os.Exit(1)
	}
	fmt.Printf("Config written to %s\n", path)

	if signalRunningServer() {
		return
	}
	runServe()
}

func writePID(logger *slog.Logger) {
	if err := os.MkdirAll(crmflowDir(), 0o700); err != nil {
		logger.Warn("cannot create config dir", slog.String("error", err.Error()))
		return
	}
	if err := os.WriteFile(pidPath(), []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		logger.Warn("cannot write pidfile", slog.String("error", err.Error()))
	}
}

// signalRunningServer sends SIGHUP to a running crmflow server (via pidfile).
// Returns true if the server was signaled (caller should NOT start a new one).
func signalRunningServer() bool {
	data, err := os.ReadFile(pidPath())
	if err != nil {
		return false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	// Check if process is alive.
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		return false
	}
	if err := proc.Signal(syscall.SIGHUP); err != nil {
		return false
	}
	fmt.Printf("Signaled running server (PID %d) to reload configuration\n", pid)
	return true
}
