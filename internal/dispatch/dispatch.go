// Package dispatch implements the host dispatcher (spec §4.4): the
// stateless router over envelope type that owns per-request stream state,
// the authentication gate, and the Engine calls each request type maps to.
package dispatch

import (
	"context"
	"crypto/subtle"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kakaly/mlxhost/internal/engine"
	"github.com/kakaly/mlxhost/internal/protocol"
)

// Sender is the subset of hostconn.Conn the dispatcher needs. Defined here
// (not imported from hostconn) so the dispatcher can be tested against a
// fake without depending on a real socket.
type Sender interface {
	Send(env protocol.Envelope) error
	CloseWithCode(code string)
}

// ServerVersion is echoed in handshake.ok.
const ServerVersion = "0.1.0"

type streamPhase int

const (
	phaseIdle streamPhase = iota
	phaseStreaming
	phaseEnded
	phaseErrored
	phaseCancelled
)

type streamState struct {
	phase     streamPhase
	cancelled bool
	cancel    context.CancelFunc
}

// Dispatcher routes envelopes from one connection to Engine calls and
// writes back replies/events. One Dispatcher exists per connection.
type Dispatcher struct {
	sender      Sender
	eng         engine.Engine
	authToken   string
	requireAuth bool
	metrics     *Metrics

	mu      sync.Mutex
	authed  bool
	streams map[string]*streamState
}

// New constructs a Dispatcher for one connection. An empty authToken means
// the connection starts already authenticated (spec §4.4: "if no token is
// configured, connections start authenticated").
func New(sender Sender, eng engine.Engine, authToken string, metrics *Metrics) *Dispatcher {
	return &Dispatcher{
		sender:      sender,
		eng:         eng,
		authToken:   authToken,
		requireAuth: authToken != "",
		authed:      authToken == "",
		metrics:     metrics,
		streams:     make(map[string]*streamState),
	}
}

// OnMessage implements hostconn.Handler.
func (d *Dispatcher) OnMessage(env protocol.Envelope) {
	if d.requireAuth && !d.isAuthed() {
		if env.Type == protocol.TypeHandshake {
			d.handleHandshake(env)
			return
		}
		d.replyError(env.ID, protocol.ErrCodeUnauthorized, "Connection is not authenticated")
		d.metrics.request(env.Type, "unauthorized")
		d.sender.CloseWithCode(protocol.ErrCodeUnauthorized)
		return
	}

	switch env.Type {
	case protocol.TypeHandshake:
		d.handleHandshake(env)
	case protocol.TypeModelDownload:
		d.handleModelDownload(env)
	case protocol.TypeModelLoad:
		d.handleModelLoad(env)
	case protocol.TypeModelUnload:
		d.handleModelUnload(env)
	case protocol.TypeModelDelete:
		d.handleModelDelete(env)
	case protocol.TypeModelList:
		d.handleModelList(env)
	case protocol.TypeInferenceGenerate:
		d.handleInferenceGenerate(env)
	case protocol.TypeInferenceStream:
		d.handleInferenceStream(env)
	case protocol.TypeInferenceCancel:
		d.handleInferenceCancel(env)
	case protocol.TypeReset:
		d.handleReset(env)
	default:
		d.metrics.request(env.Type, "unknown_type")
		d.replyError(env.ID, protocol.ErrCodeUnknownType, fmt.Sprintf("Unknown message type: %s", env.Type))
	}
}

// OnClose implements hostconn.Handler: every in-flight stream on this
// connection is abandoned and the engine is told to cancel it (spec §4.4
// "Connection I/O errors").
func (d *Dispatcher) OnClose() {
	d.mu.Lock()
	ids := make([]string, 0, len(d.streams))
	for id, st := range d.streams {
		ids = append(ids, id)
		if st.cancel != nil {
			st.cancel()
		}
	}
	d.streams = make(map[string]*streamState)
	d.mu.Unlock()

	for _, id := range ids {
		d.metrics.streamEnded()
		d.eng.Cancel(id)
	}
}

func (d *Dispatcher) isAuthed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authed
}

func (d *Dispatcher) handleHandshake(env protocol.Envelope) {
	var req protocol.HandshakeRequestPayload
	if err := env.Decode(&req); err != nil {
		d.replyError(env.ID, protocol.ErrCodeBadRequest, "Malformed handshake payload")
		return
	}

	if d.requireAuth {
		if subtle.ConstantTimeCompare([]byte(req.AuthToken), []byte(d.authToken)) != 1 {
			d.metrics.request(env.Type, "unauthorized")
			d.replyError(env.ID, protocol.ErrCodeUnauthorized, "Invalid auth token")
			d.sender.CloseWithCode(protocol.ErrCodeUnauthorized)
			return
		}
	}

	d.mu.Lock()
	d.authed = true
	d.mu.Unlock()

	d.metrics.request(env.Type, "ok")
	d.reply(env.ID, protocol.TypeHandshakeOK, protocol.HandshakeOKPayload{
		ServerVersion: ServerVersion,
		Capabilities: protocol.Capabilities{
			ChatCompletions: true,
			Stream:          true,
			Download:        true,
		},
	})
}

func (d *Dispatcher) handleModelDownload(env protocol.Envelope) {
	var req protocol.ModelDownloadRequestPayload
	if err := env.Decode(&req); err != nil {
		d.badRequest(env, "Malformed model.download payload")
		return
	}

	result, err := d.eng.Download(context.Background(), req.Source, req.ModelsDir)
	if err != nil {
		d.internalError(env, err)
		return
	}

	d.metrics.request(env.Type, "ok")
	d.reply(env.ID, protocol.TypeModelDownloadOK, protocol.ModelDownloadOKPayload{
		Model:     result.Model,
		LocalPath: result.LocalPath,
	})
}

func (d *Dispatcher) handleModelLoad(env protocol.Envelope) {
	model, ok := d.decodeModelName(env)
	if !ok {
		return
	}
	if err := d.eng.Load(context.Background(), model); err != nil {
		d.internalError(env, err)
		return
	}
	d.metrics.request(env.Type, "ok")
	d.reply(env.ID, protocol.TypeModelLoadOK, protocol.ModelLoadOKPayload{Model: model, Loaded: true})
}

func (d *Dispatcher) handleModelUnload(env protocol.Envelope) {
	model, ok := d.decodeModelName(env)
	if !ok {
		return
	}
	if err := d.eng.Unload(context.Background(), model); err != nil {
		d.internalError(env, err)
		return
	}
	d.metrics.request(env.Type, "ok")
	d.reply(env.ID, protocol.TypeModelUnloadOK, protocol.ModelUnloadOKPayload{Model: model, Loaded: false})
}

func (d *Dispatcher) handleModelDelete(env protocol.Envelope) {
	model, ok := d.decodeModelName(env)
	if !ok {
		return
	}
	if err := d.eng.Delete(context.Background(), model); err != nil {
		d.internalError(env, err)
		return
	}
	d.metrics.request(env.Type, "ok")
	d.reply(env.ID, protocol.TypeModelDeleteOK, protocol.ModelDeleteOKPayload{Model: model, Deleted: true})
}

func (d *Dispatcher) decodeModelName(env protocol.Envelope) (string, bool) {
	var req protocol.ModelNamePayload
	if err := env.Decode(&req); err != nil || req.Model == "" {
		d.badRequest(env, "Missing required field: model")
		return "", false
	}
	return req.Model, true
}

func (d *Dispatcher) handleModelList(env protocol.Envelope) {
	result, err := d.eng.List(context.Background())
	if err != nil {
		d.internalError(env, err)
		return
	}
	sort.Strings(result.Cached)
	sort.Strings(result.Loaded)

	d.metrics.request(env.Type, "ok")
	d.reply(env.ID, protocol.TypeModelListOK, protocol.ModelListOKPayload{
		Cached: nonNil(result.Cached),
		Loaded: nonNil(result.Loaded),
	})
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// handleInferenceGenerate registers stream state and hands the actual
// accumulation off to pumpGenerate on its own goroutine, the same way
// handleInferenceStream delegates to pumpStream. OnMessage is called
// synchronously from the connection's single read loop (hostconn.Conn),
// so blocking here for the whole generation would stall every other
// envelope queued behind it on this connection — other inference.generate/
// inference.stream/inference.cancel/model.* requests included (spec §4.7,
// §5: engine stream iteration is a Host suspension point, not a blocking
// one).
func (d *Dispatcher) handleInferenceGenerate(env protocol.Envelope) {
	var req protocol.GenerateRequest
	if err := env.Decode(&req); err != nil {
		d.badRequest(env, "Malformed inference.generate payload")
		return
	}

	id := requestID(env.ID)
	ctx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.streams[id] = &streamState{phase: phaseStreaming, cancel: cancel}
	d.mu.Unlock()
	d.metrics.streamStarted()

	ch, err := d.eng.Stream(ctx, id, req)
	if err != nil {
		cancel()
		d.finishStream(id, phaseErrored)
		d.metrics.request(env.Type, "internal")
		d.replyError(env.ID, protocol.ErrCodeInternal, err.Error())
		return
	}

	go d.pumpGenerate(env.ID, id, ch, cancel)
}

// pumpGenerate accumulates a non-streaming generation off the dispatcher's
// OnMessage goroutine and replies once. replyID is the client's original
// envelope id (what the reply correlates against); id is the dispatcher's
// internal stream/engine request id, which is also what inference.cancel
// targets while this generation is in flight.
func (d *Dispatcher) pumpGenerate(replyID, id string, ch <-chan engine.Chunk, cancel context.CancelFunc) {
	defer cancel()

	start := time.Now()
	var firstToken time.Time
	var text string
	var count int

	for chunk := range ch {
		if chunk.Err != nil {
			if d.finishStreamOnce(id, phaseErrored) {
				d.metrics.request(protocol.TypeInferenceGenerate, "internal")
				d.replyError(replyID, protocol.ErrCodeInternal, chunk.Err.Error())
			}
			return
		}
		if d.streamCancelled(id) {
			if d.finishStreamOnce(id, phaseCancelled) {
				d.metrics.request(protocol.TypeInferenceGenerate, "cancelled")
				d.replyError(replyID, protocol.ErrCodeCancelled, "Cancelled")
			}
			return
		}
		if count == 0 {
			firstToken = time.Now()
		}
		text += chunk.Text
		count++
	}

	if d.streamCancelled(id) {
		if d.finishStreamOnce(id, phaseCancelled) {
			d.metrics.request(protocol.TypeInferenceGenerate, "cancelled")
			d.replyError(replyID, protocol.ErrCodeCancelled, "Cancelled")
		}
		return
	}

	final := d.buildResponse(id, text, count, start, firstToken)
	if d.finishStreamOnce(id, phaseEnded) {
		d.metrics.request(protocol.TypeInferenceGenerate, "ok")
		d.reply(replyID, protocol.TypeInferenceGenerateOK, final)
	}
}

func (d *Dispatcher) handleInferenceStream(env protocol.Envelope) {
	var req protocol.GenerateRequest
	if err := env.Decode(&req); err != nil {
		d.badRequest(env, "Malformed inference.stream payload")
		return
	}

	id := requestID(env.ID)
	ctx, cancel := context.WithCancel(context.Background())

	d.mu.Lock()
	d.streams[id] = &streamState{phase: phaseStreaming, cancel: cancel}
	d.mu.Unlock()
	d.metrics.streamStarted()

	ch, err := d.eng.Stream(ctx, id, req)
	if err != nil {
		cancel()
		d.finishStream(id, phaseErrored)
		d.metrics.request(env.Type, "internal")
		d.replyError(env.ID, protocol.ErrCodeInternal, err.Error())
		return
	}

	d.reply(id, protocol.TypeInferenceStreamStart, protocol.StreamStartPayload{RequestID: id})

	go d.pumpStream(id, ch, cancel)
}

func (d *Dispatcher) pumpStream(id string, ch <-chan engine.Chunk, cancel context.CancelFunc) {
	defer cancel()

	start := time.Now()
	var firstToken time.Time
	var text string
	var count int

	for chunk := range ch {
		if chunk.Err != nil {
			d.terminateStream(id, protocol.TypeInferenceStreamError, protocol.StreamErrorPayload{
				RequestID: id,
				Code:      protocol.ErrCodeStreamError,
				Message:   chunk.Err.Error(),
			}, phaseErrored)
			return
		}

		if d.streamCancelled(id) {
			d.terminateStream(id, protocol.TypeInferenceStreamError, protocol.StreamErrorPayload{
				RequestID: id,
				Code:      protocol.ErrCodeCancelled,
				Message:   "Cancelled",
			}, phaseCancelled)
			return
		}

		if count == 0 {
			firstToken = time.Now()
		}
		text += chunk.Text
		count++

		d.metrics.token()
		if !d.streamLive(id) {
			return
		}
		d.reply(id, protocol.TypeInferenceStreamToken, protocol.StreamTokenPayload{RequestID: id, Text: chunk.Text})
	}

	if d.streamCancelled(id) {
		d.terminateStream(id, protocol.TypeInferenceStreamError, protocol.StreamErrorPayload{
			RequestID: id,
			Code:      protocol.ErrCodeCancelled,
			Message:   "Cancelled",
		}, phaseCancelled)
		return
	}

	final := d.buildResponse(id, text, count, start, firstToken)
	d.terminateStream(id, protocol.TypeInferenceStreamEnd, protocol.StreamEndPayload{RequestID: id, Final: final}, phaseEnded)
}

// streamLive reports whether id is still tracked (not yet terminated by a
// race with cancel/close) — used to avoid sending a token after a terminal
// event already fired.
func (d *Dispatcher) streamLive(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.streams[id]
	return ok && st.phase == phaseStreaming
}

func (d *Dispatcher) streamCancelled(id string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.streams[id]
	return ok && st.cancelled
}

// terminateStream sends the terminal event exactly once for id: "first
// event to emit wins" (spec §4.4) is enforced by checking phase under the
// lock before sending.
func (d *Dispatcher) terminateStream(id, typ string, payload any, phase streamPhase) {
	if !d.finishStreamOnce(id, phase) {
		return
	}
	d.reply(id, typ, payload)
}

// finishStreamOnce marks id terminal and reports whether this call won the
// race to do so. Unlike terminateStream it doesn't send the reply itself,
// so callers whose reply id differs from the stream map key (pumpGenerate
// replies on the client's envelope id, not the dispatcher-minted request
// id) can send their own envelope only when they actually won.
func (d *Dispatcher) finishStreamOnce(id string, phase streamPhase) bool {
	d.mu.Lock()
	st, ok := d.streams[id]
	if !ok || st.phase != phaseStreaming {
		d.mu.Unlock()
		return false
	}
	st.phase = phase
	delete(d.streams, id)
	d.mu.Unlock()

	d.metrics.streamEnded()
	return true
}

func (d *Dispatcher) finishStream(id string, phase streamPhase) {
	d.mu.Lock()
	if st, ok := d.streams[id]; ok {
		st.phase = phase
	}
	delete(d.streams, id)
	d.mu.Unlock()
	d.metrics.streamEnded()
}

func (d *Dispatcher) handleInferenceCancel(env protocol.Envelope) {
	var req protocol.CancelRequestPayload
	if err := env.Decode(&req); err != nil {
		d.badRequest(env, "Malformed inference.cancel payload")
		return
	}

	d.mu.Lock()
	st, ok := d.streams[req.RequestID]
	if ok {
		st.cancelled = true
	}
	d.mu.Unlock()

	if ok {
		d.eng.Cancel(req.RequestID)
	}

	// spec §9 Open Question 3: cancel.ok is permissive even for unknown ids.
	d.metrics.request(env.Type, "ok")
	d.reply(env.ID, protocol.TypeInferenceCancelOK, protocol.CancelOKPayload{RequestID: req.RequestID, Cancelled: true})
}

func (d *Dispatcher) handleReset(env protocol.Envelope) {
	var req protocol.ResetRequestPayload
	if err := env.Decode(&req); err != nil {
		d.badRequest(env, "Malformed reset payload")
		return
	}

	unloadAll := true
	if req.UnloadAll != nil {
		unloadAll = *req.UnloadAll
	}

	if err := d.eng.Reset(context.Background(), engine.ResetOptions{UnloadAll: unloadAll, ClearCache: req.ClearCache}); err != nil {
		d.internalError(env, err)
		return
	}

	d.metrics.request(env.Type, "ok")
	d.reply(env.ID, protocol.TypeResetOK, protocol.ResetOKPayload{OK: true})
}

func (d *Dispatcher) buildResponse(id, text string, count int, start, firstToken time.Time) protocol.GenerateResponse {
	now := time.Now()
	ttft := now.Sub(start)
	if !firstToken.IsZero() {
		ttft = firstToken.Sub(start)
	}
	total := now.Sub(start)

	var tps float64
	if totalSeconds := total.Seconds(); totalSeconds > 0 {
		tps = float64(count) / totalSeconds
	}

	completionTokens := count
	return protocol.GenerateResponse{
		RequestID: id,
		Text:      text,
		Usage: &protocol.Usage{
			CompletionTokens: &completionTokens,
		},
		Timings: &protocol.Timings{
			TTFTMs:          float64(ttft.Microseconds()) / 1000,
			TotalMs:         float64(total.Microseconds()) / 1000,
			TokensPerSecond: tps,
		},
	}
}

func (d *Dispatcher) badRequest(env protocol.Envelope, message string) {
	d.metrics.request(env.Type, "bad_request")
	d.replyError(env.ID, protocol.ErrCodeBadRequest, message)
}

func (d *Dispatcher) internalError(env protocol.Envelope, err error) {
	d.metrics.request(env.Type, "internal")
	d.replyError(env.ID, protocol.ErrCodeInternal, err.Error())
}

func (d *Dispatcher) reply(id, typ string, payload any) {
	env, err := protocol.NewEnvelope(id, typ, payload)
	if err != nil {
		return
	}
	_ = d.sender.Send(env)
}

func (d *Dispatcher) replyError(id, code, message string) {
	d.reply(id, protocol.TypeError, protocol.ErrorPayload{Code: code, Message: message})
}

// requestID echoes the client-supplied id, or mints one if absent (spec
// §4.4: "if absent, the dispatcher generates one and echoes it in all
// outgoing envelopes for that request").
func requestID(supplied string) string {
	if supplied != "" {
		return supplied
	}
	return uuid.NewString()
}
