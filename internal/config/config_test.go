package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadHostFromFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	yamlContent := `
socket: /tmp/custom.sock
device: gpu
models_dir: /models
redis:
  addr: localhost:6379
  key_prefix: "test:"
metrics:
  addr: 127.0.0.1:9090
  enabled: true
onnx:
  shared_library_path: /usr/lib/libonnxruntime.so
  max_new_tokens: 512
`
	require.NoError(t, os.WriteFile(configPath, []byte(yamlContent), 0644))

	cfg, err := LoadHost(configPath, "")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/custom.sock", cfg.Socket)
	assert.Equal(t, "gpu", cfg.Device)
	assert.Equal(t, "/models", cfg.ModelsDir)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, "test:", cfg.Redis.KeyPrefix)
	assert.Equal(t, "127.0.0.1:9090", cfg.Metrics.Addr)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 512, cfg.Onnx.MaxNewTokens)
}

func TestLoadHostFlagBeatsFileAndEnv(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("socket: /tmp/from-file.sock\n"), 0644))

	t.Setenv("SOCKET_PATH", "/tmp/from-env.sock")

	cfg, err := LoadHost(configPath, "/tmp/from-flag.sock")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/from-flag.sock", cfg.Socket)
}

func TestLoadHostEnvFallsBackWhenNoFlagOrFile(t *testing.T) {
	t.Setenv("SOCKET_PATH", "/tmp/from-env.sock")
	t.Setenv("AUTH_TOKEN", "secret-from-env")
	t.Setenv("DEVICE", "cpu")

	cfg, err := LoadHost("", "")
	require.NoError(t, err)

	assert.Equal(t, "/tmp/from-env.sock", cfg.Socket)
	assert.Equal(t, "secret-from-env", cfg.AuthToken)
	assert.Equal(t, "cpu", cfg.Device)
}

func TestLoadHostDefaultsWhenNothingSet(t *testing.T) {
	cfg, err := LoadHost("", "")
	require.NoError(t, err)

	assert.Equal(t, DefaultHostSocketPath(), cfg.Socket)
	assert.Equal(t, "", cfg.AuthToken)
	assert.Equal(t, "mlxhost:downloads:", cfg.Redis.KeyPrefix)
	assert.Equal(t, 256, cfg.Onnx.MaxNewTokens)
}

func TestLoadHostExpandsAuthTokenEnvPlaceholder(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("auth_token: ${TEST_MLX_TOKEN}\n"), 0644))

	t.Setenv("TEST_MLX_TOKEN", "expanded-secret")

	cfg, err := LoadHost(configPath, "")
	require.NoError(t, err)
	assert.Equal(t, "expanded-secret", cfg.AuthToken)
}

func TestLoadHostAmbientEnvOverridesFile(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte("redis:\n  addr: localhost:6379\n"), 0644))

	t.Setenv("MLXHOST_REDIS_ADDR", "redis.internal:6379")

	cfg, err := LoadHost(configPath, "")
	require.NoError(t, err)
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
}

func TestLoadClientDefaults(t *testing.T) {
	cfg, err := LoadClient("")
	require.NoError(t, err)
	assert.Equal(t, 3*time.Second, cfg.ConnectTimeout)
}

func TestDefaultClientSocketPathParameterizedByPID(t *testing.T) {
	a := DefaultClientSocketPath(111)
	b := DefaultClientSocketPath(222)
	assert.NotEqual(t, a, b)
	assert.Contains(t, a, "111")
}
