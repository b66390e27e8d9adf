// Package main is the entry point for the mlx-host process: the long-lived
// inference host that speaks the length-prefixed JSON protocol over a
// local socket (spec §1, §6).
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kakaly/mlxhost/internal/config"
	"github.com/kakaly/mlxhost/internal/engine"
	"github.com/kakaly/mlxhost/internal/engine/cache"
	"github.com/kakaly/mlxhost/internal/engine/download"
	"github.com/kakaly/mlxhost/internal/engine/onnxengine"
	"github.com/kakaly/mlxhost/internal/hostserver"
	"github.com/kakaly/mlxhost/internal/protocol"
)

// Exit codes (spec §6): 0 clean shutdown, 1 configuration error, 2 socket
// bind failure.
const (
	exitOK          = 0
	exitConfigError = 1
	exitBindError   = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		socketFlag = flag.String("socket", "", "unix socket path (overrides config and SOCKET_PATH)")
		configPath = flag.String("config", "config.yaml", "path to a YAML config file")
	)
	flag.Parse()

	cfg, err := config.LoadHost(*configPath, *socketFlag)
	if err != nil {
		log.Printf("mlx-host: loading config: %v", err)
		return exitConfigError
	}

	eng := buildEngine(cfg)

	srv, err := hostserver.New(hostserver.Config{
		SocketPath:  cfg.Socket,
		AuthToken:   cfg.AuthToken,
		Engine:      eng,
		ModelsDir:   cfg.ModelsDir,
		MetricsAddr: metricsAddr(cfg.Metrics),
	})
	if err != nil {
		log.Printf("mlx-host: %v", err)
		return exitBindError
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve() }()

	log.Printf("mlx-host: listening on %s", cfg.Socket)

	select {
	case <-ctx.Done():
		log.Printf("mlx-host: shutting down")
		if err := srv.Close(); err != nil {
			log.Printf("mlx-host: error during shutdown: %v", err)
		}
		<-serveErr
		return exitOK
	case err := <-serveErr:
		if err != nil {
			log.Printf("mlx-host: serve error: %v", err)
			return exitBindError
		}
		return exitOK
	}
}

// buildEngine wires the reference tokenizer+ONNX engine together with its
// HuggingFace downloader and, if Redis is configured, a download-cache
// registry consulted before every network fetch (spec §9 Open Question #1).
func buildEngine(cfg *config.HostConfig) engine.Engine {
	var registry *cache.Registry
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr})
		registry = cache.NewRegistry(rdb, cfg.Redis.KeyPrefix)
	}

	downloader := cachingDownloader{
		downloader: download.New(),
		registry:   registry,
		modelsDir:  cfg.ModelsDir,
	}

	return onnxengine.New(onnxengine.Config{
		OnnxSharedLibraryPath: cfg.Onnx.SharedLibraryPath,
		DefaultModelsDir:      cfg.ModelsDir,
		MaxNewTokens:          cfg.Onnx.MaxNewTokens,
	}, downloader)
}

// cachingDownloader short-circuits onnxengine.Downloader.Download through
// the Redis-backed registry, if configured, before falling back to a real
// HuggingFace fetch and recording the result for next time.
type cachingDownloader struct {
	downloader *download.HuggingFace
	registry   *cache.Registry
	modelsDir  string
}

func (c cachingDownloader) Download(ctx context.Context, source protocol.DownloadSource, modelsDir string) (string, error) {
	dir := modelsDir
	if dir == "" {
		dir = c.modelsDir
	}

	if c.registry != nil {
		if entry, ok, err := c.registry.Lookup(ctx, source, dir); err == nil && ok {
			return entry.LocalPath, nil
		}
	}

	localPath, err := c.downloader.Download(ctx, source, dir)
	if err != nil {
		return "", err
	}

	if c.registry != nil {
		_ = c.registry.Record(ctx, source, dir, cache.Entry{
			LocalPath: localPath,
			FetchedAt: time.Now(),
		})
	}

	return localPath, nil
}

func metricsAddr(m config.MetricsConfig) string {
	if !m.Enabled {
		return ""
	}
	if m.Addr == "" {
		return "127.0.0.1:9090"
	}
	return m.Addr
}
