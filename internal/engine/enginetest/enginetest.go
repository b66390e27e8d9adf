// Package enginetest provides a deterministic, in-memory Engine used to
// exercise the dispatcher and client without a real inference backend.
// Its channel + cancel-flag shape mirrors the reference gateway's provider
// adapters (internal/provider/google.go, anthropic.go): a goroutine writes
// chunks to a channel and watches ctx.Done()/a cancel signal.
package enginetest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/atomic"

	"github.com/kakaly/mlxhost/internal/engine"
	"github.com/kakaly/mlxhost/internal/protocol"
)

// Engine is a scriptable, in-memory engine.Engine implementation.
type Engine struct {
	// ChunkDelay is slept between emitted chunks, giving cancellation tests
	// a window to land mid-stream. Zero means no delay.
	ChunkDelay time.Duration

	// Chunks, if set, overrides the default per-request chunk sequence for
	// every Stream call. Defaults to []string{"Hel", "lo", "!"}.
	Chunks []string

	// StreamErr, if set, is delivered as the terminal Chunk.Err instead of
	// a normal completion.
	StreamErr error

	mu         sync.Mutex
	loaded     map[string]bool
	cached     map[string]bool
	cancelled  map[string]*atomic.Bool
	downloaded int
}

// New returns a ready-to-use Engine with nothing loaded or cached.
func New() *Engine {
	return &Engine{
		loaded:    make(map[string]bool),
		cached:    make(map[string]bool),
		cancelled: make(map[string]*atomic.Bool),
	}
}

func (e *Engine) Download(_ context.Context, source protocol.DownloadSource, modelsDir string) (engine.DownloadResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var model string
	switch source.Kind {
	case protocol.DownloadSourceHuggingFace:
		if source.Repo == "" {
			return engine.DownloadResult{}, fmt.Errorf("huggingface source requires repo")
		}
		model = source.Repo
		if source.Revision != "" {
			model = model + "@" + source.Revision
		}
	case protocol.DownloadSourceLocalPath:
		if source.Path == "" {
			return engine.DownloadResult{}, fmt.Errorf("localPath source requires path")
		}
		model = source.Path
	default:
		return engine.DownloadResult{}, fmt.Errorf("unknown download source kind %q", source.Kind)
	}

	e.downloaded++
	e.cached[model] = true

	dir := modelsDir
	if dir == "" {
		dir = "/models"
	}
	return engine.DownloadResult{Model: model, LocalPath: dir + "/" + model}, nil
}

func (e *Engine) Load(_ context.Context, model string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loaded[model] = true
	e.cached[model] = true
	return nil
}

func (e *Engine) Unload(_ context.Context, model string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.loaded, model)
	return nil
}

func (e *Engine) Delete(_ context.Context, model string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.loaded, model)
	delete(e.cached, model)
	return nil
}

func (e *Engine) List(_ context.Context) (engine.ListResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := engine.ListResult{}
	for m := range e.cached {
		result.Cached = append(result.Cached, m)
	}
	for m := range e.loaded {
		result.Loaded = append(result.Loaded, m)
	}
	sort.Strings(result.Cached)
	sort.Strings(result.Loaded)
	return result, nil
}

func (e *Engine) Stream(ctx context.Context, requestID string, _ protocol.GenerateRequest) (<-chan engine.Chunk, error) {
	cancelFlag := atomic.NewBool(false)
	e.mu.Lock()
	e.cancelled[requestID] = cancelFlag
	e.mu.Unlock()

	chunks := e.Chunks
	if chunks == nil {
		chunks = []string{"Hel", "lo", "!"}
	}

	ch := make(chan engine.Chunk)
	go func() {
		defer close(ch)
		defer func() {
			e.mu.Lock()
			delete(e.cancelled, requestID)
			e.mu.Unlock()
		}()

		for _, c := range chunks {
			if cancelFlag.Load() {
				return
			}
			select {
			case ch <- engine.Chunk{Text: c}:
			case <-ctx.Done():
				return
			}
			if e.ChunkDelay > 0 {
				time.Sleep(e.ChunkDelay)
			}
			if cancelFlag.Load() {
				return
			}
		}

		if e.StreamErr != nil {
			select {
			case ch <- engine.Chunk{Err: e.StreamErr}:
			case <-ctx.Done():
			}
		}
	}()

	return ch, nil
}

func (e *Engine) Cancel(requestID string) {
	e.mu.Lock()
	flag, ok := e.cancelled[requestID]
	e.mu.Unlock()
	if ok {
		flag.Store(true)
	}
}

func (e *Engine) Reset(_ context.Context, opts engine.ResetOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if opts.UnloadAll {
		e.loaded = make(map[string]bool)
	}
	if opts.ClearCache {
		e.cached = make(map[string]bool)
	}
	return nil
}
