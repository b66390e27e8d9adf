// Package config loads host and client configuration the way the
// reference gateway loads its own: koanf layered over an optional YAML
// file and environment overrides, with a godotenv pass first.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces ambient overrides (e.g. MLXHOST_REDIS_ADDR,
// MLXHOST_METRICS_ADDR). Every "_" after the prefix becomes a key
// separator, so only keys whose own names contain no underscore can be
// set this way; shared_library_path, key_prefix, models_dir and the like
// are not reachable from the environment. The three endpoint-discovery variables spec §6 names —
// SOCKET_PATH, AUTH_TOKEN, DEVICE — are deliberately unprefixed; they are
// part of the wire-level contract between a client that spawns a host and
// the host binary, not this project's ambient config layer.
const envPrefix = "MLXHOST_"

// RedisConfig points the download-cache registry at a Redis instance.
type RedisConfig struct {
	Addr      string `koanf:"addr"`
	KeyPrefix string `koanf:"key_prefix"`
}

// MetricsConfig controls the host's Prometheus listener.
type MetricsConfig struct {
	Addr    string `koanf:"addr"`
	Enabled bool   `koanf:"enabled"`
}

// OnnxConfig configures the reference tokenizer+ONNX engine.
type OnnxConfig struct {
	SharedLibraryPath string `koanf:"shared_library_path"`
	MaxNewTokens      int    `koanf:"max_new_tokens"`
}

// HostConfig is the host binary's full configuration.
type HostConfig struct {
	Socket    string `koanf:"socket"`
	AuthToken string `koanf:"auth_token"`
	Device    string `koanf:"device"`
	ModelsDir string `koanf:"models_dir"`

	Redis   RedisConfig   `koanf:"redis"`
	Metrics MetricsConfig `koanf:"metrics"`
	Onnx    OnnxConfig    `koanf:"onnx"`
}

// ClientConfig is what a client connection needs to spawn or attach to a
// host (spec §4.6).
type ClientConfig struct {
	HostBinaryPath string        `koanf:"host_binary_path"`
	Socket         string        `koanf:"socket"`
	AuthToken      string        `koanf:"auth_token"`
	Device         string        `koanf:"device"`
	ConnectTimeout time.Duration `koanf:"connect_timeout"`
}

// DefaultHostSocketPath is the OS-appropriate default socket location for a
// standalone host (spec §6).
func DefaultHostSocketPath() string {
	return filepath.Join(os.TempDir(), "mlx-host.sock")
}

// DefaultClientSocketPath is the default socket location a client uses when
// it spawns its own host, parameterized by that client's own pid so
// multiple clients never collide.
func DefaultClientSocketPath(pid int) string {
	return filepath.Join(os.TempDir(), fmt.Sprintf("mlx-host-%d.sock", pid))
}

// LoadHost reads path (if non-empty and present) as YAML, layers
// MLXHOST_-prefixed environment overrides for the ambient settings, and
// resolves socket/authToken/device with the precedence explicit flag >
// config file > raw env var (SOCKET_PATH/AUTH_TOKEN/DEVICE) > OS default.
func LoadHost(path, flagSocket string) (*HostConfig, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: loading host config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: loading env vars: %w", err)
	}

	var cfg HostConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling host config: %w", err)
	}

	cfg.AuthToken = expandEnv(cfg.AuthToken)

	switch {
	case flagSocket != "":
		cfg.Socket = flagSocket
	case cfg.Socket != "":
		// from file or MLXHOST_SOCKET
	case os.Getenv("SOCKET_PATH") != "":
		cfg.Socket = os.Getenv("SOCKET_PATH")
	default:
		cfg.Socket = DefaultHostSocketPath()
	}

	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("AUTH_TOKEN")
	}
	if cfg.Device == "" {
		cfg.Device = os.Getenv("DEVICE")
	}
	if cfg.Redis.KeyPrefix == "" {
		cfg.Redis.KeyPrefix = "mlxhost:downloads:"
	}
	if cfg.Onnx.MaxNewTokens == 0 {
		cfg.Onnx.MaxNewTokens = 256
	}

	return &cfg, nil
}

// LoadClient reads client configuration the same layered way.
func LoadClient(path string) (*ClientConfig, error) {
	_ = godotenv.Load()

	k := koanf.New(".")
	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
				return nil, fmt.Errorf("config: loading client config file: %w", err)
			}
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", ".")
	}), nil); err != nil {
		return nil, fmt.Errorf("config: loading env vars: %w", err)
	}

	var cfg ClientConfig
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshaling client config: %w", err)
	}

	cfg.AuthToken = expandEnv(cfg.AuthToken)
	if cfg.ConnectTimeout == 0 {
		cfg.ConnectTimeout = 3 * time.Second
	}

	return &cfg, nil
}

// expandEnv resolves a "${VAR}" placeholder the same way the reference
// gateway expands provider API keys.
func expandEnv(v string) string {
	if strings.HasPrefix(v, "${") && strings.HasSuffix(v, "}") {
		return os.Getenv(v[2 : len(v)-1])
	}
	return v
}
