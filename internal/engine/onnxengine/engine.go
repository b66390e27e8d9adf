// Package onnxengine is the reference, non-core Engine implementation
// (spec §1 explicitly places model loading, tokenization, and sampling
// outside the protocol core). It tokenizes with daulet/tokenizers and runs
// autoregressive decoding through an ONNX Runtime session via
// yalue/onnxruntime_go, sampling next tokens with viterin/vek's vectorized
// scaling and softmax (top-k/top-p selection is a sort over the
// probabilities).
//
// The host binary wires this by default; the dispatcher never imports this
// package directly, only the engine.Engine interface.
package onnxengine

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/atomic"

	"github.com/daulet/tokenizers"

	"github.com/kakaly/mlxhost/internal/engine"
	"github.com/kakaly/mlxhost/internal/protocol"
)

// Downloader fetches a model source into a local directory. The reference
// engine delegates actual network/filesystem fetch to this narrow seam so
// tests can substitute a fake without touching ONNX Runtime at all.
type Downloader interface {
	Download(ctx context.Context, source protocol.DownloadSource, modelsDir string) (localPath string, err error)
}

// Config controls the reference engine's runtime.
type Config struct {
	// OnnxSharedLibraryPath points at the onnxruntime shared library, if it
	// isn't on the default search path.
	OnnxSharedLibraryPath string
	// DefaultModelsDir is used when a model.download request omits
	// modelsDir (spec §9 Open Question #1 — resolved to this default).
	DefaultModelsDir string
	// MaxNewTokens bounds generation when the request doesn't set maxTokens.
	MaxNewTokens int
}

type loadedModel struct {
	tokenizer *tokenizers.Tokenizer
	session   *ort.DynamicAdvancedSession
	path      string
}

// Engine is the reference tokenizer+ONNX Engine implementation.
type Engine struct {
	cfg        Config
	downloader Downloader

	mu      sync.Mutex
	cached  map[string]string // model -> local path, known to exist on disk
	models  map[string]*loadedModel
	cancels map[string]*atomic.Bool

	initOnce sync.Once
	initErr  error
}

// New constructs an Engine. ort.InitializeEnvironment is deferred to the
// first call that actually needs the runtime, so constructing an Engine in
// a process that never loads a model never touches cgo.
func New(cfg Config, downloader Downloader) *Engine {
	return &Engine{
		cfg:        cfg,
		downloader: downloader,
		cached:     make(map[string]string),
		models:     make(map[string]*loadedModel),
		cancels:    make(map[string]*atomic.Bool),
	}
}

func (e *Engine) ensureRuntime() error {
	e.initOnce.Do(func() {
		if e.cfg.OnnxSharedLibraryPath != "" {
			ort.SetSharedLibraryPath(e.cfg.OnnxSharedLibraryPath)
		}
		e.initErr = ort.InitializeEnvironment()
	})
	return e.initErr
}

func (e *Engine) Download(ctx context.Context, source protocol.DownloadSource, modelsDir string) (engine.DownloadResult, error) {
	dir := modelsDir
	if dir == "" {
		dir = e.cfg.DefaultModelsDir
	}

	localPath, err := e.downloader.Download(ctx, source, dir)
	if err != nil {
		return engine.DownloadResult{}, fmt.Errorf("onnxengine: download: %w", err)
	}

	model := modelNameFor(source)

	e.mu.Lock()
	e.cached[model] = localPath
	e.mu.Unlock()

	return engine.DownloadResult{Model: model, LocalPath: localPath}, nil
}

func modelNameFor(source protocol.DownloadSource) string {
	if source.Kind == protocol.DownloadSourceLocalPath {
		return filepath.Base(source.Path)
	}
	if source.Revision != "" {
		return source.Repo + "@" + source.Revision
	}
	return source.Repo
}

func (e *Engine) Load(_ context.Context, model string) error {
	if err := e.ensureRuntime(); err != nil {
		return fmt.Errorf("onnxengine: initializing runtime: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, ok := e.models[model]; ok {
		return nil
	}

	path, ok := e.cached[model]
	if !ok {
		return fmt.Errorf("onnxengine: model %q not downloaded", model)
	}

	tk, err := tokenizers.FromFile(filepath.Join(path, "tokenizer.json"))
	if err != nil {
		return fmt.Errorf("onnxengine: loading tokenizer for %q: %w", model, err)
	}

	session, err := ort.NewDynamicAdvancedSession(
		filepath.Join(path, "model.onnx"),
		[]string{"input_ids"},
		[]string{"logits"},
		nil,
	)
	if err != nil {
		tk.Close()
		return fmt.Errorf("onnxengine: opening session for %q: %w", model, err)
	}

	e.models[model] = &loadedModel{tokenizer: tk, session: session, path: path}
	return nil
}

func (e *Engine) Unload(_ context.Context, model string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	lm, ok := e.models[model]
	if !ok {
		return nil
	}
	lm.tokenizer.Close()
	_ = lm.session.Destroy()
	delete(e.models, model)
	return nil
}

func (e *Engine) Delete(ctx context.Context, model string) error {
	if err := e.Unload(ctx, model); err != nil {
		return err
	}

	e.mu.Lock()
	path, ok := e.cached[model]
	delete(e.cached, model)
	e.mu.Unlock()

	if !ok {
		return nil
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("onnxengine: deleting %q: %w", model, err)
	}
	return nil
}

func (e *Engine) List(_ context.Context) (engine.ListResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := engine.ListResult{}
	for m := range e.cached {
		result.Cached = append(result.Cached, m)
	}
	for m := range e.models {
		result.Loaded = append(result.Loaded, m)
	}
	sort.Strings(result.Cached)
	sort.Strings(result.Loaded)
	return result, nil
}

func (e *Engine) Stream(ctx context.Context, requestID string, req protocol.GenerateRequest) (<-chan engine.Chunk, error) {
	e.mu.Lock()
	lm, ok := e.models[req.Model]
	e.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("onnxengine: model %q is not loaded", req.Model)
	}

	cancelFlag := atomic.NewBool(false)
	e.mu.Lock()
	e.cancels[requestID] = cancelFlag
	e.mu.Unlock()

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = e.cfg.MaxNewTokens
	}
	if maxTokens <= 0 {
		maxTokens = 256
	}

	prompt, history := protocol.SplitPromptHistory(req.Messages)

	ch := make(chan engine.Chunk)
	go func() {
		defer close(ch)
		defer func() {
			e.mu.Lock()
			delete(e.cancels, requestID)
			e.mu.Unlock()
		}()

		text := renderPrompt(history, prompt)
		ids, _ := lm.tokenizer.Encode(text, true)
		generated := make([]uint32, 0, maxTokens)

		for i := 0; i < maxTokens; i++ {
			if cancelFlag.Load() {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
			}

			logits, err := runStep(lm.session, append(ids, generated...))
			if err != nil {
				select {
				case ch <- engine.Chunk{Err: fmt.Errorf("onnxengine: inference step: %w", err)}:
				case <-ctx.Done():
				}
				return
			}

			next, stop := sampleNext(logits, req.Sampling)
			if stop {
				return
			}
			generated = append(generated, next)

			piece := lm.tokenizer.Decode([]uint32{next}, true)
			if stopAt(piece, generated, lm, req.Stop) {
				return
			}

			select {
			case ch <- engine.Chunk{Text: piece}:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch, nil
}

func (e *Engine) Cancel(requestID string) {
	e.mu.Lock()
	flag, ok := e.cancels[requestID]
	e.mu.Unlock()
	if ok {
		flag.Store(true)
	}
}

func (e *Engine) Reset(ctx context.Context, opts engine.ResetOptions) error {
	e.mu.Lock()
	models := make([]string, 0, len(e.models))
	for m := range e.models {
		models = append(models, m)
	}
	e.mu.Unlock()

	if opts.UnloadAll {
		for _, m := range models {
			if err := e.Unload(ctx, m); err != nil {
				return err
			}
		}
	}

	if opts.ClearCache {
		e.mu.Lock()
		e.cached = make(map[string]string)
		e.mu.Unlock()
	}
	return nil
}

func renderPrompt(history []protocol.ChatMessage, prompt string) string {
	var b strings.Builder
	for _, m := range history {
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
		b.WriteString("\n")
	}
	b.WriteString("user: ")
	b.WriteString(prompt)
	b.WriteString("\nassistant:")
	return b.String()
}

// stopAt reports whether generation should end because piece completed one
// of the caller-supplied stop sequences.
func stopAt(piece string, generated []uint32, lm *loadedModel, stop []string) bool {
	if len(stop) == 0 {
		return false
	}
	tail := lm.tokenizer.Decode(generated, true)
	for _, s := range stop {
		if s != "" && strings.HasSuffix(tail, s) {
			return true
		}
	}
	_ = piece
	return false
}

// eosTokenID is a placeholder sentinel; real deployments read this from the
// model's generation config alongside the ONNX graph.
const eosTokenID = uint32(math.MaxUint32)
