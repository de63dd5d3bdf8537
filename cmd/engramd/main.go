// Command engramd runs the semantic memory server: the MCP stdio surface
// plus the background extraction workers and the queue supervisor.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/engramdev/engram"
	"github.com/engramdev/engram/mcp"
	"github.com/engramdev/engram/tools"
)

const version = "0.1.0"

func main() {
	envFile := flag.String("env", "", "Path to a .env file (optional)")
	workers := flag.Int("workers", 0, "Extraction worker count (overrides ENGRAM_WORKER_COUNT)")
	flag.Parse()

	// Stdout is the MCP transport; everything else goes to stderr.
	if *envFile != "" {
		if err := godotenv.Load(*envFile); err != nil {
			fmt.Fprintf(os.Stderr, "loading %s: %v\n", *envFile, err)
			os.Exit(1)
		}
	} else {
		_ = godotenv.Load() // .env in cwd, if present
	}

	cfg, err := engram.ConfigFromEnv()
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration: %v\n", err)
		os.Exit(1)
	}

	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))

	if *workers > 0 {
		cfg.WorkerCount = *workers
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	mem, err := engram.New(ctx, cfg)
	if err != nil {
		slog.Error("starting engram", "error", err)
		os.Exit(1)
	}
	defer mem.Close()

	var wg sync.WaitGroup
	for i := 0; i < cfg.WorkerCount; i++ {
		id := cfg.WorkerID
		if id == "" {
			id = fmt.Sprintf("%s-%d", hostname(), i)
		} else if cfg.WorkerCount > 1 {
			id = fmt.Sprintf("%s-%d", id, i)
		}
		w := mem.NewWorker(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.Run(ctx)
		}()
	}

	supervisor := mem.NewWorker("supervisor")
	wg.Add(1)
	go func() {
		defer wg.Done()
		supervisor.RunSupervisor(ctx, time.Minute)
	}()

	registry := mcp.NewRegistry()
	tools.Register(registry, mem)

	server := mcp.NewServer(registry, mcp.ServerInfo{
		Name:    "engram",
		Version: version,
	}, os.Stdin, os.Stdout)

	slog.Info("engramd starting", "version", version, "workers", cfg.WorkerCount)

	if err := server.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("mcp server", "error", err)
	}

	// The transport closed or a signal arrived; drain the workers.
	stop()
	wg.Wait()
	slog.Info("engramd stopped")
}

func logLevel(s string) slog.Level {
	switch s {
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

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "worker"
	}
	return h
}
