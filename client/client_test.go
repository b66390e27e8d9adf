package client

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kakaly/mlxhost/internal/engine/enginetest"
	"github.com/kakaly/mlxhost/internal/hostserver"
	"github.com/kakaly/mlxhost/internal/protocol"
)

func startTestHost(t *testing.T) string {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "mlx-host.sock")

	srv, err := hostserver.New(hostserver.Config{
		SocketPath: socketPath,
		Engine:     enginetest.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	go func() { _ = srv.Serve() }()

	return socketPath
}

func TestClientModelLifecycle(t *testing.T) {
	socketPath := startTestHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := Connect(ctx, Options{Socket: socketPath})
	require.NoError(t, err)
	defer c.Close()

	list, err := c.ListModels(ctx)
	require.NoError(t, err)
	assert.Empty(t, list.Cached)

	loaded, err := c.LoadModel(ctx, "m")
	require.NoError(t, err)
	assert.True(t, loaded.Loaded)

	list, err = c.ListModels(ctx)
	require.NoError(t, err)
	assert.Contains(t, list.Loaded, "m")

	unloaded, err := c.UnloadModel(ctx, "m")
	require.NoError(t, err)
	assert.False(t, unloaded.Loaded)
}

func TestClientGenerate(t *testing.T) {
	socketPath := startTestHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := Connect(ctx, Options{Socket: socketPath})
	require.NoError(t, err)
	defer c.Close()

	resp, err := c.Generate(ctx, protocol.GenerateRequest{
		Model:    "m",
		Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello!", resp.Text)
}

func TestClientStream(t *testing.T) {
	socketPath := startTestHost(t)

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := Connect(ctx, Options{Socket: socketPath})
	require.NoError(t, err)
	defer c.Close()

	events, err := c.Stream(protocol.GenerateRequest{
		Model:    "m",
		Messages: []protocol.ChatMessage{{Role: "user", Content: "hi"}},
	}, "s1")
	require.NoError(t, err)

	var kinds []StreamEventKind
	for e := range events {
		kinds = append(kinds, e.Kind)
	}
	require.Equal(t, []StreamEventKind{StreamStart, StreamToken, StreamToken, StreamToken, StreamEnd}, kinds)
}
