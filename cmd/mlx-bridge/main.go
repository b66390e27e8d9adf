// Package main is the entry point for the mlx-bridge process: the
// out-of-core HTTP bridge that exposes an OpenAI-shaped /v1/chat/completions
// surface in front of the client package's connection to a host (spec §1).
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/kakaly/mlxhost/client"
	"github.com/kakaly/mlxhost/internal/bridge"
	"github.com/kakaly/mlxhost/internal/config"
)

func main() {
	os.Exit(run())
}

func run() int {
	var (
		addr           = flag.String("addr", ":8081", "HTTP listen address")
		hostBinaryPath = flag.String("host-binary", "", "path to mlx-host binary to spawn; if empty, connect to an already-running host")
		configPath     = flag.String("config", "config.yaml", "path to a YAML config file")
	)
	flag.Parse()

	cfg, err := config.LoadClient(*configPath)
	if err != nil {
		log.Printf("mlx-bridge: loading config: %v", err)
		return 1
	}

	hostBinary := *hostBinaryPath
	if hostBinary == "" {
		hostBinary = cfg.HostBinaryPath
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()

	c, err := client.Connect(ctx, client.Options{
		HostBinaryPath: hostBinary,
		Socket:         cfg.Socket,
		AuthToken:      cfg.AuthToken,
		Device:         cfg.Device,
		ConnectTimeout: cfg.ConnectTimeout,
	})
	if err != nil {
		log.Printf("mlx-bridge: connecting to host: %v", err)
		return 1
	}
	defer c.Close()

	b := bridge.New(c)

	httpServer := &http.Server{
		Addr:         *addr,
		Handler:      b,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses must not be write-deadlined
	}

	log.Printf("mlx-bridge: listening on %s", *addr)
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Printf("mlx-bridge: %v", err)
		return 1
	}
	return 0
}
