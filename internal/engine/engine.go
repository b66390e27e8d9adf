// Package engine defines the narrow capability contract the dispatcher
// depends on (spec §4.8). Implementations — tokenization, sampling, model
// loading, download — are external collaborators; this package only
// describes the shape the dispatcher is allowed to assume.
package engine

import (
	"context"

	"github.com/kakaly/mlxhost/internal/protocol"
)

// DownloadResult is returned by Download.
type DownloadResult struct {
	Model     string
	LocalPath string
}

// ListResult is returned by List.
type ListResult struct {
	Cached []string
	Loaded []string
}

// ResetOptions mirrors the wire reset payload.
type ResetOptions struct {
	UnloadAll  bool
	ClearCache bool
}

// Engine is the pure contract consumed by the host dispatcher. An
// implementation is free to be single-threaded, actor-serialized, or
// parallel internally; the dispatcher assumes only that methods return to
// its own execution context and that Stream respects Cancel for the given
// request id.
type Engine interface {
	// Download may perform long network I/O; it is cancelled only by
	// process exit, never by inference.cancel (that only targets streams).
	Download(ctx context.Context, source protocol.DownloadSource, modelsDir string) (DownloadResult, error)

	Load(ctx context.Context, model string) error
	Unload(ctx context.Context, model string) error
	Delete(ctx context.Context, model string) error

	List(ctx context.Context) (ListResult, error)

	// Stream yields textual chunks for req. It must stop promptly once
	// Cancel(requestID) has been called, and must be safe to call
	// concurrently with other request ids.
	Stream(ctx context.Context, requestID string, req protocol.GenerateRequest) (<-chan Chunk, error)

	// Cancel signals the in-flight stream for requestID, if any. Idempotent.
	Cancel(requestID string)

	Reset(ctx context.Context, opts ResetOptions) error
}

// Chunk is one piece of streamed output, or a terminal error.
type Chunk struct {
	Text string
	Err  error
}
