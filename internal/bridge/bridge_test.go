package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kakaly/mlxhost/client"
	"github.com/kakaly/mlxhost/internal/engine/enginetest"
	"github.com/kakaly/mlxhost/internal/hostserver"
)

func startTestBridge(t *testing.T) *Bridge {
	t.Helper()
	socketPath := filepath.Join(t.TempDir(), "mlx-host.sock")

	srv, err := hostserver.New(hostserver.Config{
		SocketPath: socketPath,
		Engine:     enginetest.New(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = srv.Close() })
	go func() { _ = srv.Serve() }()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	c, err := client.Connect(ctx, client.Options{Socket: socketPath})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	return New(c)
}

func TestHandleHealth(t *testing.T) {
	b := startTestBridge(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	b.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)
}

func TestHandleChatCompletionsNonStreaming(t *testing.T) {
	b := startTestBridge(t)

	body, _ := json.Marshal(chatCompletionRequest{
		Model:    "m",
		Messages: []chatMessage{{Role: "user", Content: "hi"}},
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	b.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	var resp chatCompletionResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Choices, 1)
	assert.Equal(t, "Hello!", resp.Choices[0].Message.Content)
	assert.Equal(t, "stop", resp.Choices[0].FinishReason)
}

func TestHandleChatCompletionsStreaming(t *testing.T) {
	b := startTestBridge(t)

	body, _ := json.Marshal(chatCompletionRequest{
		Model:    "m",
		Messages: []chatMessage{{Role: "user", Content: "hi"}},
		Stream:   true,
	})
	req := httptest.NewRequest(http.MethodPost, "/v1/chat/completions", bytes.NewReader(body))
	w := httptest.NewRecorder()
	b.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))

	respBody := w.Body.String()
	assert.Contains(t, respBody, `"content":"Hel"`)
	assert.Contains(t, respBody, `"finish_reason":"stop"`)
	assert.True(t, strings.HasSuffix(respBody, "data: [DONE]\n\n"))
}

func TestHandleListModels(t *testing.T) {
	b := startTestBridge(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	w := httptest.NewRecorder()
	b.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var out map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	assert.Equal(t, "list", out["object"])
}
