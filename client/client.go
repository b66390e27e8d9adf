// Package client is the public request/stream/cancel API (spec §4.7) that
// consumers of this module embed. It wraps internal/client's connection
// manager with typed request helpers instead of bare envelope payloads.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/kakaly/mlxhost/internal/client"
	"github.com/kakaly/mlxhost/internal/config"
	"github.com/kakaly/mlxhost/internal/protocol"
)

// Client is the public connection handle. One per host connection.
type Client struct {
	conn *client.Conn
}

// Options mirrors internal/client.Config with the public names a consumer
// embedding this module actually sets.
type Options struct {
	// HostBinaryPath spawns the host if set; otherwise Connect dials an
	// already-running host at Socket.
	HostBinaryPath string
	Socket         string
	AuthToken      string
	Device         string
	ConnectTimeout time.Duration
}

// Connect opens a client connection per spec §4.6.
func Connect(ctx context.Context, opts Options) (*Client, error) {
	if opts.Socket == "" {
		opts.Socket = config.DefaultClientSocketPath(os.Getpid())
	}

	conn, err := client.Connect(ctx, client.Config{
		HostBinaryPath: opts.HostBinaryPath,
		Socket:         opts.Socket,
		AuthToken:      opts.AuthToken,
		Device:         opts.Device,
		ConnectTimeout: opts.ConnectTimeout,
	})
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn}, nil
}

// Close tears down the connection and, if this client spawned it, the host
// child process.
func (c *Client) Close() error { return c.conn.Close() }

// DownloadModel invokes model.download.
func (c *Client) DownloadModel(ctx context.Context, source protocol.DownloadSource, modelsDir string) (protocol.ModelDownloadOKPayload, error) {
	var out protocol.ModelDownloadOKPayload
	err := c.request(ctx, protocol.TypeModelDownload, protocol.ModelDownloadRequestPayload{Source: source, ModelsDir: modelsDir}, &out)
	return out, err
}

// LoadModel invokes model.load.
func (c *Client) LoadModel(ctx context.Context, model string) (protocol.ModelLoadOKPayload, error) {
	var out protocol.ModelLoadOKPayload
	err := c.request(ctx, protocol.TypeModelLoad, protocol.ModelNamePayload{Model: model}, &out)
	return out, err
}

// UnloadModel invokes model.unload.
func (c *Client) UnloadModel(ctx context.Context, model string) (protocol.ModelUnloadOKPayload, error) {
	var out protocol.ModelUnloadOKPayload
	err := c.request(ctx, protocol.TypeModelUnload, protocol.ModelNamePayload{Model: model}, &out)
	return out, err
}

// DeleteModel invokes model.delete.
func (c *Client) DeleteModel(ctx context.Context, model string) (protocol.ModelDeleteOKPayload, error) {
	var out protocol.ModelDeleteOKPayload
	err := c.request(ctx, protocol.TypeModelDelete, protocol.ModelNamePayload{Model: model}, &out)
	return out, err
}

// ListModels invokes model.list.
func (c *Client) ListModels(ctx context.Context) (protocol.ModelListOKPayload, error) {
	var out protocol.ModelListOKPayload
	err := c.request(ctx, protocol.TypeModelList, nil, &out)
	return out, err
}

// Generate invokes inference.generate, the non-streaming path.
func (c *Client) Generate(ctx context.Context, req protocol.GenerateRequest) (protocol.GenerateResponse, error) {
	var out protocol.GenerateResponse
	err := c.request(ctx, protocol.TypeInferenceGenerate, req, &out)
	return out, err
}

// Reset invokes reset.
func (c *Client) Reset(ctx context.Context, unloadAll, clearCache bool) error {
	var out protocol.ResetOKPayload
	return c.request(ctx, protocol.TypeReset, protocol.ResetRequestPayload{UnloadAll: &unloadAll, ClearCache: clearCache}, &out)
}

func (c *Client) request(ctx context.Context, typ string, payload any, out any) error {
	raw, err := c.conn.Request(ctx, typ, payload, "")
	if err != nil {
		return err
	}
	if out == nil || len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("client: decoding %s reply: %w", typ, err)
	}
	return nil
}

// Cancel sends inference.cancel for requestID.
func (c *Client) Cancel(ctx context.Context, requestID string) error {
	return c.conn.Cancel(ctx, requestID)
}
