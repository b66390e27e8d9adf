// Package hostserver implements the host listener (spec §4.5): binding the
// local socket, accepting connections, and wiring each one to a fresh
// hostconn.Conn + dispatch.Dispatcher pair. It also owns the host's
// Prometheus metrics listener and the fsnotify watch over the models
// directory (SPEC_FULL.md's supplemented features).
package hostserver

import (
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"

	"github.com/fsnotify/fsnotify"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/kakaly/mlxhost/internal/dispatch"
	"github.com/kakaly/mlxhost/internal/engine"
	"github.com/kakaly/mlxhost/internal/hostconn"
)

// socketPermissions restricts the socket file to the owning user (spec §9
// Security: "The socket file should be created with permissions
// restricting access to the local user").
const socketPermissions = 0600

// Server owns the listening socket and accepts connections until Close is
// called.
type Server struct {
	socketPath string
	authToken  string
	eng        engine.Engine
	metrics    *dispatch.Metrics
	registry   *prometheus.Registry

	listener net.Listener
	watcher  *fsnotify.Watcher
}

// Config configures a Server.
type Config struct {
	SocketPath  string
	AuthToken   string
	Engine      engine.Engine
	ModelsDir   string
	MetricsAddr string
}

// New binds the socket, removing any stale file first, and prepares (but
// does not yet start) the metrics and fsnotify side-channels.
func New(cfg Config) (*Server, error) {
	if err := os.RemoveAll(cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("hostserver: removing stale socket: %w", err)
	}

	ln, err := net.Listen("unix", cfg.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("hostserver: binding socket: %w", err)
	}
	if err := unix.Chmod(cfg.SocketPath, socketPermissions); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("hostserver: setting socket permissions: %w", err)
	}

	registry := prometheus.NewRegistry()
	metrics := dispatch.NewMetrics(registry)

	s := &Server{
		socketPath: cfg.SocketPath,
		authToken:  cfg.AuthToken,
		eng:        cfg.Engine,
		metrics:    metrics,
		registry:   registry,
		listener:   ln,
	}

	if cfg.ModelsDir != "" {
		if err := s.watchModelsDir(cfg.ModelsDir); err != nil {
			log.Printf("hostserver: fsnotify watch disabled: %v", err)
		}
	}

	if cfg.MetricsAddr != "" {
		s.serveMetrics(cfg.MetricsAddr)
	}

	return s, nil
}

// watchModelsDir watches the models directory and logs every change made
// to it out of band. It does not update the engine's "cached" model set;
// model.list reports only what the engine itself has recorded.
func (s *Server) watchModelsDir(dir string) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("watching %q: %w", dir, err)
	}
	s.watcher = watcher

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				log.Printf("hostserver: models directory changed: %s (%s)", event.Name, event.Op)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("hostserver: fsnotify error: %v", err)
			}
		}
	}()

	return nil
}

func (s *Server) serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("hostserver: metrics listener stopped: %v", err)
		}
	}()
}

// Serve accepts connections until the listener is closed. Accept is
// serialized (spec §4.5: "the listener is not concurrent with itself");
// each connection's read/write/dispatch loops run concurrently with the
// accept loop and with each other.
func (s *Server) Serve() error {
	for {
		nc, err := s.listener.Accept()
		if err != nil {
			if isClosedError(err) {
				return nil
			}
			return fmt.Errorf("hostserver: accept: %w", err)
		}

		conn := hostconn.New(nc, nil, s.authToken != "")
		d := dispatch.New(conn, s.eng, s.authToken, s.metrics)
		conn.SetHandler(d)
		conn.Start()
	}
}

// Close removes the socket file and stops accepting new connections.
func (s *Server) Close() error {
	if s.watcher != nil {
		_ = s.watcher.Close()
	}
	err := s.listener.Close()
	_ = os.RemoveAll(s.socketPath)
	return err
}

func isClosedError(err error) bool {
	return errors.Is(err, net.ErrClosed)
}
